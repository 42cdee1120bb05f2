// Package ledger ties the marker stream, its durable log, the MMR checkpoint,
// the epoch store and root pointer publication into one single-writer
// service.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/nexusledger/internal/authkey"
	"github.com/jmerrifield20/nexusledger/internal/epoch"
	"github.com/jmerrifield20/nexusledger/internal/markerstream"
	"github.com/jmerrifield20/nexusledger/internal/metrics"
	"github.com/jmerrifield20/nexusledger/internal/mmr"
	"github.com/jmerrifield20/nexusledger/internal/rootpointer"
	"go.uber.org/zap"
)

var (
	// ErrNotEmpty is returned by Initialize on a ledger that already holds
	// markers or a published root.
	ErrNotEmpty = errors.New("ledger: already initialized")

	// ErrRootNotInStream is returned by Bootstrap when the authenticated root
	// names a head the local stream does not contain.
	ErrRootNotInStream = errors.New("ledger: published root does not match the local stream")
)

// Options configures a Service.
type Options struct {
	// RootDir holds root_pointer.json and root_auth.json.
	RootDir string
	Key     authkey.Secret

	// PublisherID is written into every published root. A random id is
	// generated when empty.
	PublisherID string

	MMREnabled      bool
	LookbackWindow  uint64
	MaxFutureEpochs uint64

	// PublishEvery publishes a new root after this many appends. Zero
	// leaves publication to explicit PublishRoot calls.
	PublishEvery uint64

	// Now is the clock used for root publication and epoch transitions.
	Now func() time.Time
}

// Service is the ledger's single writer. Appends, epoch changes and root
// publication are serialized by mu; readers work on stream snapshots.
type Service struct {
	mu         sync.RWMutex
	log        markerstream.Log
	stream     *markerstream.Stream
	checkpoint *mmr.Checkpoint
	epochs     *epoch.Store
	roots      *rootpointer.Store
	recovery   markerstream.RecoveryReport
	opts       Options
	pending    uint64
	lastRoot   *rootpointer.RootPointer
	logger     *zap.Logger
}

// Open loads the stream from log, repairs a torn tail, rebuilds the
// checkpoint and replays epoch transitions. It does not authenticate the
// published root; call Bootstrap before admitting traffic.
func Open(ctx context.Context, log markerstream.Log, opts Options, logger *zap.Logger) (*Service, error) {
	if len(opts.Key) == 0 {
		return nil, errors.New("ledger: auth key is required")
	}
	if opts.PublisherID == "" {
		opts.PublisherID = uuid.NewString()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	stream, report, err := markerstream.Open(ctx, log, logger)
	if err != nil {
		return nil, err
	}
	if report.Truncated() {
		metrics.RecordTornTail()
	}

	cp := mmr.New(opts.MMREnabled)
	if opts.MMREnabled && !stream.IsEmpty() {
		if _, err := cp.RebuildFromStream(stream); err != nil {
			return nil, fmt.Errorf("rebuild checkpoint: %w", err)
		}
	}

	s := &Service{
		log:        log,
		stream:     stream,
		checkpoint: cp,
		roots:      rootpointer.NewStore(opts.RootDir, logger),
		recovery:   report,
		opts:       opts,
		logger:     logger,
	}
	epochs, err := epoch.RecoverFromStream(stream, opts.Key, journal{s})
	if err != nil {
		return nil, fmt.Errorf("replay epoch transitions: %w", err)
	}
	s.epochs = epochs

	metrics.SetStreamLength(stream.Len())
	metrics.SetEpoch(uint64(epochs.Current()))
	logger.Info("ledger opened",
		zap.Uint64("markers", stream.Len()),
		zap.Uint64("epoch", uint64(epochs.Current())),
		zap.Bool("mmr_enabled", opts.MMREnabled),
		zap.String("publisher_id", opts.PublisherID),
	)
	return s, nil
}

// Close releases the durable log.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Close()
}

// Recovery describes what Open repaired.
func (s *Service) Recovery() markerstream.RecoveryReport { return s.recovery }

// PublisherID returns the id written into published roots.
func (s *Service) PublisherID() string { return s.opts.PublisherID }

// Append durably records a marker. When automatic publication is due a new
// root is published before returning; a publication failure is returned
// alongside the already committed marker.
//
// epoch_transition markers are written only by AdvanceEpoch and SetEpoch;
// Append rejects them with MKS_INVALID_PAYLOAD.
func (s *Service) Append(ctx context.Context, et markerstream.EventType, payload string, ts uint64, traceID string) (markerstream.Marker, error) {
	if et == markerstream.EpochTransition {
		return markerstream.Marker{}, &markerstream.Error{
			Code:   markerstream.CodeInvalidPayload,
			Detail: "epoch_transition markers are written by the epoch store",
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.appendLocked(ctx, et, payload, ts, traceID)
	if err != nil {
		return markerstream.Marker{}, err
	}
	if s.opts.PublishEvery > 0 && s.pending >= s.opts.PublishEvery {
		if _, err := s.publishLocked(traceID); err != nil {
			return m, fmt.Errorf("marker %d committed, root publish failed: %w", m.Sequence, err)
		}
	}
	return m, nil
}

// appendLocked persists the next marker and then commits it to memory.
// s.mu must be held.
func (s *Service) appendLocked(ctx context.Context, et markerstream.EventType, payload string, ts uint64, traceID string) (markerstream.Marker, error) {
	m, err := s.stream.Next(et, payload, ts, traceID)
	if err != nil {
		return markerstream.Marker{}, err
	}
	if err := s.log.Append(ctx, m); err != nil {
		s.logger.Error("marker persist failed",
			zap.Uint64("seq", m.Sequence),
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		return markerstream.Marker{}, fmt.Errorf("persist marker %d: %w", m.Sequence, err)
	}
	if err := s.stream.AppendMarker(m); err != nil {
		return markerstream.Marker{}, fmt.Errorf("commit marker %d: %w", m.Sequence, err)
	}
	if s.checkpoint.IsEnabled() {
		if _, err := s.checkpoint.AppendMarkerHash(m.Hash); err != nil {
			return markerstream.Marker{}, fmt.Errorf("checkpoint marker %d: %w", m.Sequence, err)
		}
	}
	s.pending++
	metrics.RecordAppend(et.Label(), m.Sequence+1)
	s.logger.Debug("marker appended",
		zap.Uint64("seq", m.Sequence),
		zap.String("event_type", et.Label()),
		zap.String("hash", m.Hash.String()),
		zap.String("trace_id", traceID),
	)
	return m, nil
}

// journal records epoch transitions as epoch_transition markers. The epoch
// store only calls it from AdvanceEpoch and SetEpoch, which hold s.mu.
type journal struct{ s *Service }

func (j journal) RecordEpochTransition(ctx context.Context, t epoch.Transition) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	_, err = j.s.appendLocked(ctx, markerstream.EpochTransition, string(payload), t.Timestamp, t.TraceID)
	return err
}

// PublishRoot publishes a root pointer for the current head.
func (s *Service) PublishRoot(traceID string) (rootpointer.RootPointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(traceID)
}

func (s *Service) publishLocked(traceID string) (rootpointer.RootPointer, error) {
	head, err := s.stream.Head()
	if err != nil {
		return rootpointer.RootPointer{}, fmt.Errorf("publish root: %w", err)
	}
	root := rootpointer.RootPointer{
		Epoch:                s.epochs.Current(),
		MarkerStreamHeadSeq:  head.Sequence,
		MarkerStreamHeadHash: head.Hash,
		PublicationTimestamp: s.opts.Now().UTC(),
		PublisherID:          s.opts.PublisherID,
	}
	if cr, ok := s.checkpoint.Root(); ok {
		root.Checkpoint = &cr
	}
	if _, err := s.roots.Publish(root, s.opts.Key, traceID); err != nil {
		metrics.RecordRootPublish(false)
		s.logger.Error("root publish failed", zap.String("trace_id", traceID), zap.Error(err))
		return rootpointer.RootPointer{}, err
	}
	metrics.RecordRootPublish(true)
	s.pending = 0
	s.lastRoot = &root
	return root, nil
}

// Initialize seeds an empty ledger with a genesis policy_change marker and
// publishes the first root. It refuses to run when markers or a root exist.
func (s *Service) Initialize(ctx context.Context, traceID string) (rootpointer.RootPointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stream.IsEmpty() {
		return rootpointer.RootPointer{}, fmt.Errorf("%w: stream holds %d markers", ErrNotEmpty, s.stream.Len())
	}
	if _, err := s.roots.Read(); err == nil {
		return rootpointer.RootPointer{}, fmt.Errorf("%w: root pointer exists in %s", ErrNotEmpty, s.roots.Dir())
	}

	payload, err := json.Marshal(map[string]string{
		"event":        "ledger_initialized",
		"publisher_id": s.opts.PublisherID,
	})
	if err != nil {
		return rootpointer.RootPointer{}, err
	}
	if _, err := s.appendLocked(ctx, markerstream.PolicyChange, string(payload), s.timestampLocked(), traceID); err != nil {
		return rootpointer.RootPointer{}, err
	}
	return s.publishLocked(traceID)
}

// Bootstrap authenticates the published root against the trust anchor and
// the current epoch, then checks that the root names a marker this stream
// actually holds. Callers must not serve control-plane traffic on error.
func (s *Service) Bootstrap() (rootpointer.VerifiedRoot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vr, err := s.roots.Bootstrap(s.authConfig())
	metrics.RecordBootstrap(string(rootpointer.BootstrapCodeOf(err)))
	if err != nil {
		return rootpointer.VerifiedRoot{}, err
	}
	if err := s.checkInStream(vr.Root); err != nil {
		s.logger.Error("published root is not part of the local stream",
			zap.Uint64("root_seq", vr.Root.MarkerStreamHeadSeq),
			zap.String("root_hash", vr.Root.MarkerStreamHeadHash.String()),
			zap.Uint64("stream_len", s.stream.Len()),
		)
		return rootpointer.VerifiedRoot{}, err
	}

	s.lastRoot = &vr.Root
	s.logger.Info("root pointer bootstrapped",
		zap.Uint64("epoch", uint64(vr.Root.Epoch)),
		zap.Uint64("head_seq", vr.Root.MarkerStreamHeadSeq),
		zap.String("publisher_id", vr.Root.PublisherID),
	)
	return vr, nil
}

// CheckRoot re-runs the bootstrap checks against the files on disk without
// changing any service state.
func (s *Service) CheckRoot() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vr, err := rootpointer.Bootstrap(s.opts.RootDir, s.authConfig())
	if err != nil {
		return err
	}
	return s.checkInStream(vr.Root)
}

func (s *Service) authConfig() rootpointer.RootAuthConfig {
	return rootpointer.RootAuthConfig{
		TrustAnchor:           s.opts.Key,
		ExpectedFormatVersion: rootpointer.FormatVersion,
		CurrentEpoch:          s.epochs.Current(),
		MaxFutureEpochs:       s.opts.MaxFutureEpochs,
	}
}

func (s *Service) checkInStream(root rootpointer.RootPointer) error {
	m, ok := s.stream.Get(root.MarkerStreamHeadSeq)
	if !ok || m.Hash != root.MarkerStreamHeadHash {
		return fmt.Errorf("%w: seq %d hash %s", ErrRootNotInStream, root.MarkerStreamHeadSeq, root.MarkerStreamHeadHash)
	}
	return nil
}

// CheckArtifact admits an artifact iff its epoch lies in the validity window
// around the current epoch. Rejections are logged as EPOCH_ARTIFACT_REJECTED
// events and returned as *epoch.Rejection.
func (s *Service) CheckArtifact(artifactID string, artifactEpoch epoch.ControlEpoch, traceID string) error {
	policy := s.Policy()
	err := epoch.CheckArtifactEpoch(artifactID, artifactEpoch, policy, traceID)
	var rej *epoch.Rejection
	if errors.As(err, &rej) {
		ev := rej.ToRejectedEvent()
		metrics.RecordArtifactRejected(string(ev.Reason))
		s.logger.Warn("artifact rejected",
			zap.String("event_code", ev.EventCode),
			zap.String("artifact_id", ev.ArtifactID),
			zap.Uint64("artifact_epoch", uint64(ev.ArtifactEpoch)),
			zap.Uint64("current_epoch", uint64(ev.CurrentEpoch)),
			zap.String("rejection_reason", string(ev.Reason)),
			zap.String("trace_id", ev.TraceID),
		)
	}
	return err
}

// Policy returns the validity window anchored at the current epoch.
func (s *Service) Policy() epoch.ValidityWindowPolicy {
	return epoch.NewValidityWindowPolicy(s.epochs.Current(), s.opts.LookbackWindow)
}

// AdvanceEpoch moves the epoch forward by one, journals the signed
// transition in the stream and publishes a root for the new epoch.
func (s *Service) AdvanceEpoch(ctx context.Context, manifestHash, traceID string) (epoch.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.epochs.Advance(ctx, manifestHash, s.timestampLocked(), traceID)
	if err != nil {
		return epoch.Transition{}, err
	}
	return t, s.afterTransitionLocked(t, traceID)
}

// SetEpoch jumps the epoch to target, which must be after the current epoch.
func (s *Service) SetEpoch(ctx context.Context, target epoch.ControlEpoch, manifestHash, traceID string) (epoch.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.epochs.Set(ctx, target, manifestHash, s.timestampLocked(), traceID)
	if err != nil {
		return epoch.Transition{}, err
	}
	return t, s.afterTransitionLocked(t, traceID)
}

func (s *Service) afterTransitionLocked(t epoch.Transition, traceID string) error {
	metrics.SetEpoch(uint64(t.NewEpoch))
	s.logger.Info("control epoch advanced",
		zap.Uint64("old_epoch", uint64(t.OldEpoch)),
		zap.Uint64("new_epoch", uint64(t.NewEpoch)),
		zap.String("manifest_hash", t.ManifestHash),
		zap.String("trace_id", traceID),
	)
	if _, err := s.publishLocked(traceID); err != nil {
		return fmt.Errorf("epoch %d committed, root publish failed: %w", t.NewEpoch, err)
	}
	return nil
}

// timestampLocked is the wall clock in milliseconds, held at the head's
// timestamp if the clock went backwards.
func (s *Service) timestampLocked() uint64 {
	ts := uint64(s.opts.Now().UnixMilli())
	if last, ok := s.stream.Last(); ok && ts < last.Timestamp {
		ts = last.Timestamp
	}
	return ts
}

// Epoch returns the current control epoch.
func (s *Service) Epoch() epoch.ControlEpoch { return s.epochs.Current() }

// EpochHistory returns the committed transitions in order.
func (s *Service) EpochHistory() []epoch.Transition { return s.epochs.History() }

// Snapshot returns a frozen view of the stream.
func (s *Service) Snapshot() *markerstream.Stream { return s.stream.Snapshot() }

// Marker returns the marker at seq.
func (s *Service) Marker(seq uint64) (markerstream.Marker, bool) {
	return s.stream.MarkerBySequence(seq)
}

// SequenceByTimestamp returns the last marker at or before ts.
func (s *Service) SequenceByTimestamp(ts uint64) (uint64, bool) {
	return s.stream.SequenceByTimestamp(ts)
}

// Verify walks the full hash chain.
func (s *Service) Verify() error { return s.stream.Snapshot().Verify() }

// CheckpointRoot returns the current MMR root, or false when the checkpoint
// is disabled or empty.
func (s *Service) CheckpointRoot() (mmr.Root, bool) {
	if !s.checkpoint.IsEnabled() {
		return mmr.Root{}, false
	}
	return s.checkpoint.Root()
}

// MMREnabled reports whether proofs are available.
func (s *Service) MMREnabled() bool { return s.checkpoint.IsEnabled() }

// LastRoot returns the most recently published or bootstrapped root.
func (s *Service) LastRoot() (rootpointer.RootPointer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastRoot == nil {
		return rootpointer.RootPointer{}, false
	}
	return *s.lastRoot, true
}

// ProveInclusion proves marker seq against the current checkpoint root.
func (s *Service) ProveInclusion(seq uint64) (*mmr.InclusionProof, mmr.Root, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proof, err := mmr.ProveInclusion(s.stream, s.checkpoint, seq)
	metrics.RecordProof("inclusion", err == nil)
	if err != nil {
		return nil, mmr.Root{}, err
	}
	root, _ := s.checkpoint.Root()
	return proof, root, nil
}

// ProvePrefix proves that the checkpoint over the first size markers is a
// prefix of the checkpoint over the first superSize markers. A zero superSize
// means the current checkpoint.
func (s *Service) ProvePrefix(size, superSize uint64) (*mmr.PrefixProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	proof, err := s.provePrefixLocked(size, superSize)
	metrics.RecordProof("prefix", err == nil)
	return proof, err
}

func (s *Service) provePrefixLocked(size, superSize uint64) (*mmr.PrefixProof, error) {
	if !s.checkpoint.IsEnabled() {
		return nil, mmr.ErrDisabled
	}
	n := s.checkpoint.TreeSize()
	if n == 0 {
		return nil, &mmr.Error{Code: mmr.CodeEmptyCheckpoint, Detail: "stream has no markers"}
	}
	if superSize == 0 {
		superSize = n
	}
	if superSize > n || size == 0 || size > superSize {
		return nil, &mmr.Error{Code: mmr.CodePrefixSizeInvalid,
			Detail: fmt.Sprintf("prefix_size=%d super_tree_size=%d tree_size=%d", size, superSize, n)}
	}
	small, err := s.checkpoint.AtSize(size)
	if err != nil {
		return nil, err
	}
	large := s.checkpoint
	if superSize != n {
		if large, err = s.checkpoint.AtSize(superSize); err != nil {
			return nil, err
		}
	}
	return mmr.ProvePrefix(small, large)
}
