package markerstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises appenders across processes sharing one database.
// The value is arbitrary but must be the same for every ledger instance.
const advisoryLockKey = int64(1_159_876_544)

const selectMarkers = `SELECT seq, event_type, payload, ts, trace_id, marker_hash, prev_hash
	FROM control_markers ORDER BY seq ASC`

// PostgresLog persists markers to the control_markers table.
// It implements the Log interface.
type PostgresLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLog creates a PostgresLog backed by the given connection pool.
// The pool is owned by the caller.
func NewPostgresLog(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLog {
	return &PostgresLog{pool: pool, logger: logger}
}

// Append implements Log. The tail check and insert run in one transaction
// holding a transaction-scoped advisory lock.
func (l *PostgresLog) Append(ctx context.Context, m Marker) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var next int64
	if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(seq) + 1, 0) FROM control_markers").Scan(&next); err != nil {
		return fmt.Errorf("read marker tail: %w", err)
	}
	if uint64(next) != m.Sequence {
		return newError(CodeSequenceGap, uint64(next),
			fmt.Sprintf("table expects sequence %d, got %d", next, m.Sequence))
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO control_markers (seq, event_type, payload, ts, trace_id, marker_hash, prev_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		int64(m.Sequence), m.EventType.Label(), m.Payload, int64(m.Timestamp),
		m.TraceID, m.Hash[:], m.PrevHash[:],
	); err != nil {
		return fmt.Errorf("insert marker: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit marker tx: %w", err)
	}

	l.logger.Debug("marker appended",
		zap.Uint64("seq", m.Sequence),
		zap.String("event_type", m.EventType.Label()),
		zap.String("trace_id", m.TraceID),
	)
	return nil
}

// Load implements Log. Rows are written transactionally, so there is never a
// torn row to repair.
func (l *PostgresLog) Load(ctx context.Context) ([]Marker, RecoveryReport, error) {
	rows, err := l.pool.Query(ctx, selectMarkers)
	if err != nil {
		return nil, RecoveryReport{}, fmt.Errorf("query markers: %w", err)
	}
	defer rows.Close()

	var markers []Marker
	for rows.Next() {
		m, err := scanMarker(rows)
		if err != nil {
			return nil, RecoveryReport{}, err
		}
		markers = append(markers, m)
	}
	if err := rows.Err(); err != nil {
		return nil, RecoveryReport{}, fmt.Errorf("iterate markers: %w", err)
	}
	return markers, RecoveryReport{}, nil
}

// Verify streams every row in order and checks the chain without holding the
// whole table in memory. O(n) in table size.
func (l *PostgresLog) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx, selectMarkers)
	if err != nil {
		return fmt.Errorf("query markers: %w", err)
	}
	defer rows.Close()

	var (
		prev *Marker
		idx  uint64
	)
	for rows.Next() {
		curr, err := scanMarker(rows)
		if err != nil {
			return err
		}
		if err := verifyNext(prev, curr, idx); err != nil {
			return err
		}
		prev = &curr
		idx++
	}
	return rows.Err()
}

// Truncate implements Log.
func (l *PostgresLog) Truncate(ctx context.Context, n uint64) error {
	tag, err := l.pool.Exec(ctx, "DELETE FROM control_markers WHERE seq >= $1", int64(n))
	if err != nil {
		return fmt.Errorf("truncate markers: %w", err)
	}
	if tag.RowsAffected() > 0 {
		l.logger.Warn("marker rows truncated",
			zap.Uint64("from_seq", n),
			zap.Int64("rows", tag.RowsAffected()),
		)
	}
	return nil
}

// Len implements Log.
func (l *PostgresLog) Len(ctx context.Context) (uint64, error) {
	var n int64
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM control_markers").Scan(&n); err != nil {
		return 0, fmt.Errorf("count markers: %w", err)
	}
	return uint64(n), nil
}

// Close implements Log. The pool is closed by its owner.
func (l *PostgresLog) Close() error { return nil }

func scanMarker(row pgx.Row) (Marker, error) {
	var (
		m              Marker
		seq, ts        int64
		label          string
		hash, prevHash []byte
	)
	if err := row.Scan(&seq, &label, &m.Payload, &ts, &m.TraceID, &hash, &prevHash); err != nil {
		return Marker{}, fmt.Errorf("scan marker row: %w", err)
	}
	et, err := ParseEventType(label)
	if err != nil {
		return Marker{}, fmt.Errorf("marker %d: %w", seq, err)
	}
	if len(hash) != HashSize || len(prevHash) != HashSize {
		return Marker{}, errors.New("marker row has malformed hash column")
	}
	m.Sequence = uint64(seq)
	m.EventType = et
	m.Timestamp = uint64(ts)
	copy(m.Hash[:], hash)
	copy(m.PrevHash[:], prevHash)
	return m, nil
}
