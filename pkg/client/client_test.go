package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/nexusledger/internal/authkey"
	"github.com/jmerrifield20/nexusledger/internal/ledger"
	"github.com/jmerrifield20/nexusledger/internal/markerstream"
	"github.com/jmerrifield20/nexusledger/internal/mmr"
	"github.com/jmerrifield20/nexusledger/internal/status/handler"
	"github.com/jmerrifield20/nexusledger/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ctx = context.Background()

// newLedger opens a file-backed ledger and appends n markers whose payloads
// are tagged with label.
func newLedger(t *testing.T, label string, n int) *ledger.Service {
	t.Helper()
	dir := t.TempDir()
	log, err := markerstream.OpenFileLog(dir, zap.NewNop())
	require.NoError(t, err)
	svc, err := ledger.Open(ctx, log, ledger.Options{
		RootDir:      dir,
		Key:          authkey.Secret([]byte("client-test-key-0123456789abcdef")),
		PublisherID:  "client-test",
		MMREnabled:   true,
		PublishEvery: 1,
		Now:          func() time.Time { return time.Unix(1_800_000_000, 0) },
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	appendN(t, svc, label, n)
	return svc
}

func appendN(t *testing.T, svc *ledger.Service, label string, n int) {
	t.Helper()
	start := svc.Snapshot().Len()
	for i := uint64(0); i < uint64(n); i++ {
		seq := start + i
		payload := fmt.Sprintf(`{"source":%q,"n":%d}`, label, seq)
		_, err := svc.Append(ctx, markerstream.TrustDecision, payload, 1000+seq, "trace-client")
		require.NoError(t, err)
	}
}

// serve exposes svc under /v1 and counts requests.
func serve(t *testing.T, svc *ledger.Service) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	var hits atomic.Int64
	r := gin.New()
	r.Use(func(c *gin.Context) {
		hits.Add(1)
		c.Next()
	})
	handler.NewLedgerHandler(svc, zap.NewNop()).Register(r.Group("/v1"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestMarker_verifiesAndCaches(t *testing.T) {
	svc := newLedger(t, "a", 4)
	srv, hits := serve(t, svc)
	c := client.MustNew(srv.URL, client.WithCacheTTL(time.Minute))

	m, err := c.Marker(ctx, 2)
	require.NoError(t, err)
	want, _ := svc.Marker(2)
	assert.Equal(t, want.Hash, m.Hash)

	before := hits.Load()
	again, err := c.Marker(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, m.Hash, again.Hash)
	assert.Equal(t, before, hits.Load(), "cached marker must not hit the server")
}

func TestMarker_notFound(t *testing.T) {
	srv, _ := serve(t, newLedger(t, "a", 2))
	c := client.MustNew(srv.URL)

	_, err := c.Marker(ctx, 99)
	require.ErrorIs(t, err, client.ErrNotFound)

	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestMarker_tamperedResponseRejected(t *testing.T) {
	svc := newLedger(t, "a", 3)
	m, _ := svc.Marker(1)
	m.Payload = `{"source":"forged"}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m)
	}))
	defer srv.Close()

	_, err := client.MustNew(srv.URL).Marker(ctx, 1)
	require.ErrorIs(t, err, client.ErrVerification)
}

func TestMarker_wrongSequenceRejected(t *testing.T) {
	svc := newLedger(t, "a", 3)
	m, _ := svc.Marker(0)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(m)
	}))
	defer srv.Close()

	_, err := client.MustNew(srv.URL).Marker(ctx, 2)
	require.ErrorIs(t, err, client.ErrVerification)
}

func TestMarkerAt(t *testing.T) {
	srv, _ := serve(t, newLedger(t, "a", 5))
	c := client.MustNew(srv.URL)

	m, err := c.MarkerAt(ctx, 1003)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.Sequence)

	_, err = c.MarkerAt(ctx, 10)
	require.ErrorIs(t, err, client.ErrNotFound)
}

func TestVerifiedInclusion(t *testing.T) {
	svc := newLedger(t, "a", 7)
	srv, _ := serve(t, svc)
	c := client.MustNew(srv.URL)

	m, root, err := c.VerifiedInclusion(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), m.Sequence)
	assert.Equal(t, uint64(7), root.TreeSize)

	trusted, ok := c.TrustedRoot()
	require.True(t, ok)
	assert.Equal(t, root, trusted)
}

func TestObserve_followsAppends(t *testing.T) {
	svc := newLedger(t, "a", 3)
	srv, _ := serve(t, svc)
	c := client.MustNew(srv.URL)

	ov, err := c.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ov.Length)

	for _, n := range []int{1, 4, 9} {
		appendN(t, svc, "a", n)
		_, err := c.Overview(ctx)
		require.NoError(t, err)
	}
	trusted, ok := c.TrustedRoot()
	require.True(t, ok)
	assert.Equal(t, uint64(17), trusted.TreeSize)

	root, err := c.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), root.MarkerStreamHeadSeq)
}

func TestObserve_detectsRollback(t *testing.T) {
	big := newLedger(t, "a", 8)
	pinned, ok := big.CheckpointRoot()
	require.True(t, ok)

	srv, _ := serve(t, newLedger(t, "a", 5))
	c := client.MustNew(srv.URL, client.WithTrustedRoot(pinned))

	_, err := c.Overview(ctx)
	require.ErrorIs(t, err, client.ErrVerification)

	trusted, _ := c.TrustedRoot()
	assert.Equal(t, pinned, trusted, "a rejected root must not replace the trusted one")
}

func TestObserve_detectsFork(t *testing.T) {
	theirs := newLedger(t, "a", 3)
	pinned, ok := theirs.CheckpointRoot()
	require.True(t, ok)

	// Same timestamps, different payloads.
	srv, _ := serve(t, newLedger(t, "b", 6))
	c := client.MustNew(srv.URL, client.WithTrustedRoot(pinned))

	_, err := c.Overview(ctx)
	require.ErrorIs(t, err, client.ErrVerification)
}

func TestObserve_sameSizeDifferentHash(t *testing.T) {
	a, _ := newLedger(t, "a", 4).CheckpointRoot()
	b, _ := newLedger(t, "b", 4).CheckpointRoot()

	c := client.MustNew("http://127.0.0.1:0", client.WithTrustedRoot(a))
	require.NoError(t, c.Observe(ctx, a))
	err := c.Observe(ctx, b)
	require.True(t, errors.Is(err, client.ErrVerification))
}

func TestWithTrustedRoot_rejectsEmpty(t *testing.T) {
	_, err := client.New("http://localhost", client.WithTrustedRoot(mmr.Root{}))
	require.Error(t, err)
}
