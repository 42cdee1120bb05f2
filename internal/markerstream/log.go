package markerstream

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Log is durable storage for a marker stream.
// Both FileLog and PostgresLog implement this interface.
type Log interface {
	// Append persists m. m.Sequence must equal the number of stored markers.
	// The marker is durable when Append returns nil.
	Append(ctx context.Context, m Marker) error

	// Load returns every stored marker in sequence order. Storage-level torn
	// writes found while reading are repaired and described in the report.
	Load(ctx context.Context) ([]Marker, RecoveryReport, error)

	// Truncate keeps the first n markers and durably drops the rest.
	Truncate(ctx context.Context, n uint64) error

	// Len returns the number of stored markers.
	Len(ctx context.Context) (uint64, error)

	Close() error
}

// Open loads a persisted stream, runs torn-tail recovery and makes the
// durable copy match the recovered stream. The returned report's Err is
// non-nil when anything was dropped.
func Open(ctx context.Context, log Log, logger *zap.Logger) (*Stream, RecoveryReport, error) {
	markers, storeReport, err := log.Load(ctx)
	if err != nil {
		return nil, storeReport, fmt.Errorf("load markers: %w", err)
	}

	stream, report, err := Recover(markers)
	if err != nil {
		return nil, report, fmt.Errorf("recover markers: %w", err)
	}
	report.TruncatedBytes = storeReport.TruncatedBytes
	if storeReport.Cause != "" && report.Cause == "" {
		report.Cause = storeReport.Cause
		report.TornTailSeq = report.Recovered
	}

	if report.Discarded > 0 {
		if err := log.Truncate(ctx, report.Recovered); err != nil {
			return nil, report, fmt.Errorf("truncate torn tail: %w", err)
		}
	}
	if report.Truncated() {
		logger.Warn("marker stream torn tail discarded",
			zap.Uint64("recovered", report.Recovered),
			zap.Uint64("discarded", report.Discarded),
			zap.Int64("truncated_bytes", report.TruncatedBytes),
			zap.String("cause", string(report.Cause)),
		)
	}
	logger.Debug("marker stream opened", zap.Uint64("len", stream.Len()))
	return stream, report, nil
}
