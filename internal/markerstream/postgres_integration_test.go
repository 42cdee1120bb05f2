//go:build integration

package markerstream_test

import (
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/nexusledger/internal/markerstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupPostgres(t *testing.T) *markerstream.PostgresLog {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Ping(ctx))

	// Tests own the table; migrations must already have run.
	_, err = db.Exec(ctx, "DELETE FROM control_markers")
	require.NoError(t, err)

	return markerstream.NewPostgresLog(db, zap.NewNop())
}

func TestPostgresLog_appendLoadVerify(t *testing.T) {
	log := setupPostgres(t)
	src := buildStream(t, 30, plain)
	for _, m := range src.Range(0, src.Len()) {
		require.NoError(t, log.Append(ctx, m))
	}

	n, err := log.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), n)
	require.NoError(t, log.Verify(ctx))

	s, report, err := markerstream.Open(ctx, log, zap.NewNop())
	require.NoError(t, err)
	assert.False(t, report.Truncated())
	assert.Equal(t, src.Hashes(), s.Hashes())
}

func TestPostgresLog_rejectsGap(t *testing.T) {
	log := setupPostgres(t)
	m, _ := buildStream(t, 3, plain).Get(2)
	require.ErrorIs(t, log.Append(ctx, m), markerstream.ErrSequenceGap)
}

func TestPostgresLog_truncate(t *testing.T) {
	log := setupPostgres(t)
	src := buildStream(t, 6, plain)
	for _, m := range src.Range(0, src.Len()) {
		require.NoError(t, log.Append(ctx, m))
	}
	require.NoError(t, log.Truncate(ctx, 4))

	n, err := log.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
}
