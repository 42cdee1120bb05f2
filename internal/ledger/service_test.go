package ledger_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/nexusledger/internal/authkey"
	"github.com/jmerrifield20/nexusledger/internal/epoch"
	"github.com/jmerrifield20/nexusledger/internal/ledger"
	"github.com/jmerrifield20/nexusledger/internal/markerstream"
	"github.com/jmerrifield20/nexusledger/internal/mmr"
	"github.com/jmerrifield20/nexusledger/internal/rootpointer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	ctx      = context.Background()
	key      = authkey.Secret([]byte("ledger-service-test-key-01234567"))
	manifest = strings.Repeat("cd", 32)
)

// tickingClock advances one millisecond per call.
func tickingClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func options(dir string) ledger.Options {
	return ledger.Options{
		RootDir:         dir,
		Key:             key,
		PublisherID:     "test-publisher",
		MMREnabled:      true,
		LookbackWindow:  2,
		MaxFutureEpochs: 0,
		PublishEvery:    1,
		Now:             tickingClock(),
	}
}

func open(t *testing.T, dir string, opts ledger.Options) *ledger.Service {
	t.Helper()
	log, err := markerstream.OpenFileLog(dir, zap.NewNop())
	require.NoError(t, err)
	svc, err := ledger.Open(ctx, log, opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func appendN(t *testing.T, svc *ledger.Service, n int) []markerstream.Marker {
	t.Helper()
	out := make([]markerstream.Marker, 0, n)
	for i := 0; i < n; i++ {
		m, err := svc.Append(ctx, markerstream.TrustDecision, `{"agent":"a","decision":"allow"}`, uint64(5000+i), "trace")
		require.NoError(t, err)
		out = append(out, m)
	}
	return out
}

func TestInitializeThenBootstrap(t *testing.T) {
	dir := t.TempDir()
	svc := open(t, dir, options(dir))

	root, err := svc.Initialize(ctx, "init")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), root.MarkerStreamHeadSeq)
	assert.Equal(t, "test-publisher", root.PublisherID)
	require.NotNil(t, root.Checkpoint)
	assert.Equal(t, uint64(1), root.Checkpoint.TreeSize)

	vr, err := svc.Bootstrap()
	require.NoError(t, err)
	assert.True(t, vr.Root.Equal(root))

	_, err = svc.Initialize(ctx, "again")
	assert.ErrorIs(t, err, ledger.ErrNotEmpty)
}

func TestBootstrap_missingRootFailsClosed(t *testing.T) {
	dir := t.TempDir()
	svc := open(t, dir, options(dir))
	appendN(t, svc, 1)
	require.NoError(t, os.Remove(rootpointer.RootPointerPath(dir)))

	_, err := svc.Bootstrap()
	assert.ErrorIs(t, err, rootpointer.ErrRootMissing)
}

func TestAppend_publishesEveryN(t *testing.T) {
	dir := t.TempDir()
	opts := options(dir)
	opts.PublishEvery = 3
	svc := open(t, dir, opts)

	markers := appendN(t, svc, 2)
	_, ok := svc.LastRoot()
	assert.False(t, ok)

	markers = append(markers, appendN(t, svc, 1)...)
	root, ok := svc.LastRoot()
	require.True(t, ok)
	assert.Equal(t, markers[2].Sequence, root.MarkerStreamHeadSeq)
	assert.Equal(t, markers[2].Hash, root.MarkerStreamHeadHash)

	onDisk, err := rootpointer.NewStore(dir, zap.NewNop()).Read()
	require.NoError(t, err)
	assert.True(t, onDisk.Equal(root))
}

func TestAppend_timeRegressionPersistsNothing(t *testing.T) {
	dir := t.TempDir()
	svc := open(t, dir, options(dir))
	appendN(t, svc, 2)

	_, err := svc.Append(ctx, markerstream.PolicyChange, "p", 1, "late")
	assert.ErrorIs(t, err, markerstream.ErrTimeRegression)
	assert.Equal(t, uint64(2), svc.Snapshot().Len())

	require.NoError(t, svc.Close())
	reopened := open(t, dir, options(dir))
	assert.Equal(t, uint64(2), reopened.Snapshot().Len())
}

func TestAppend_epochTransitionReserved(t *testing.T) {
	dir := t.TempDir()
	svc := open(t, dir, options(dir))
	_, err := svc.Initialize(ctx, "init")
	require.NoError(t, err)

	_, err = svc.Append(ctx, markerstream.EpochTransition, `{"note":"operator rotated epoch"}`, 9000, "op")
	require.ErrorIs(t, err, markerstream.ErrInvalidPayload)
	assert.Equal(t, uint64(1), svc.Snapshot().Len())

	// The ledger still reopens and advances through the epoch store.
	require.NoError(t, svc.Close())
	reopened := open(t, dir, options(dir))
	_, err = reopened.AdvanceEpoch(ctx, manifest, "op")
	require.NoError(t, err)
	assert.Equal(t, epoch.ControlEpoch(1), reopened.Epoch())
}

func TestReopen_restoresStreamCheckpointAndRoot(t *testing.T) {
	dir := t.TempDir()
	svc := open(t, dir, options(dir))
	appendN(t, svc, 17)
	want, ok := svc.CheckpointRoot()
	require.True(t, ok)
	require.NoError(t, svc.Close())

	reopened := open(t, dir, options(dir))
	got, ok := reopened.CheckpointRoot()
	require.True(t, ok)
	assert.Equal(t, want, got)
	require.NoError(t, reopened.Verify())

	vr, err := reopened.Bootstrap()
	require.NoError(t, err)
	assert.Equal(t, uint64(16), vr.Root.MarkerStreamHeadSeq)
}

func TestReopen_tornTailIsReported(t *testing.T) {
	dir := t.TempDir()
	svc := open(t, dir, options(dir))
	appendN(t, svc, 4)
	require.NoError(t, svc.Close())

	f, err := os.OpenFile(filepath.Join(dir, markerstream.FileName), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 1, 0, '{'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := open(t, dir, options(dir))
	assert.True(t, reopened.Recovery().Truncated())
	assert.Equal(t, uint64(4), reopened.Snapshot().Len())
	_, err = reopened.Bootstrap()
	assert.NoError(t, err)
}

func TestBootstrap_rootFromAnotherStream(t *testing.T) {
	rootDir := t.TempDir()
	a := open(t, t.TempDir(), options(rootDir))
	appendN(t, a, 3)

	b := open(t, t.TempDir(), options(rootDir))
	_, err := b.Bootstrap()
	assert.ErrorIs(t, err, ledger.ErrRootNotInStream)
}

func TestBootstrap_wrongKey(t *testing.T) {
	dir := t.TempDir()
	svc := open(t, dir, options(dir))
	appendN(t, svc, 1)
	require.NoError(t, svc.Close())

	opts := options(dir)
	opts.Key = authkey.Secret([]byte("some-other-key-0123456789abcdefg"))
	other := open(t, dir, opts)
	_, err := other.Bootstrap()
	assert.ErrorIs(t, err, rootpointer.ErrRootAuthFailed)
}

func TestAdvanceEpoch_journaledAndRecovered(t *testing.T) {
	dir := t.TempDir()
	svc := open(t, dir, options(dir))
	appendN(t, svc, 2)

	tr, err := svc.AdvanceEpoch(ctx, manifest, "rotate")
	require.NoError(t, err)
	assert.Equal(t, epoch.ControlEpoch(1), tr.NewEpoch)
	assert.Equal(t, epoch.ControlEpoch(1), svc.Epoch())

	head, err := svc.Snapshot().Head()
	require.NoError(t, err)
	assert.Equal(t, markerstream.EpochTransition, head.EventType)

	root, ok := svc.LastRoot()
	require.True(t, ok)
	assert.Equal(t, epoch.ControlEpoch(1), root.Epoch)
	assert.Equal(t, head.Sequence, root.MarkerStreamHeadSeq)

	_, err = svc.SetEpoch(ctx, 1, manifest, "back")
	assert.ErrorIs(t, err, epoch.ErrRegression)

	require.NoError(t, svc.Close())
	reopened := open(t, dir, options(dir))
	assert.Equal(t, epoch.ControlEpoch(1), reopened.Epoch())
	require.Len(t, reopened.EpochHistory(), 1)
	_, err = reopened.Bootstrap()
	require.NoError(t, err)
}

func TestAdvanceEpoch_invalidManifestAppendsNothing(t *testing.T) {
	dir := t.TempDir()
	svc := open(t, dir, options(dir))
	appendN(t, svc, 1)

	_, err := svc.AdvanceEpoch(ctx, "", "t")
	assert.ErrorIs(t, err, epoch.ErrInvalidManifest)
	assert.Equal(t, uint64(1), svc.Snapshot().Len())
	assert.Equal(t, epoch.ControlEpoch(0), svc.Epoch())
}

func TestCheckArtifact(t *testing.T) {
	dir := t.TempDir()
	svc := open(t, dir, options(dir))
	appendN(t, svc, 1)

	err := svc.CheckArtifact("art-1", 1, "t1")
	var rej *epoch.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, epoch.FutureEpoch, rej.Reason)
	assert.Equal(t, "art-1", rej.ToRejectedEvent().ArtifactID)

	_, err = svc.SetEpoch(ctx, 5, manifest, "jump")
	require.NoError(t, err)

	assert.NoError(t, svc.CheckArtifact("art-2", 3, "t2"))
	assert.NoError(t, svc.CheckArtifact("art-3", 5, "t3"))

	err = svc.CheckArtifact("art-4", 2, "t4")
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, epoch.ExpiredEpoch, rej.Reason)
	assert.Equal(t, "t4", rej.TraceID)
}

func TestProofs(t *testing.T) {
	dir := t.TempDir()
	svc := open(t, dir, options(dir))
	markers := appendN(t, svc, 10)

	proof, root, err := svc.ProveInclusion(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), root.TreeSize)
	require.NoError(t, mmr.VerifyInclusion(proof, root, markers[3].Hash))

	_, _, err = svc.ProveInclusion(10)
	assert.ErrorIs(t, err, mmr.ErrSequenceOutOfRange)

	prefix, err := svc.ProvePrefix(4, 0)
	require.NoError(t, err)
	small := mmr.Enabled()
	for _, m := range markers[:4] {
		_, err := small.AppendMarkerHash(m.Hash)
		require.NoError(t, err)
	}
	smallRoot, _ := small.Root()
	require.NoError(t, mmr.VerifyPrefix(prefix, smallRoot, root))

	_, err = svc.ProvePrefix(0, 0)
	assert.ErrorIs(t, err, mmr.ErrPrefixSizeInvalid)
	_, err = svc.ProvePrefix(11, 0)
	assert.ErrorIs(t, err, mmr.ErrPrefixSizeInvalid)
	_, err = svc.ProvePrefix(5, 4)
	assert.ErrorIs(t, err, mmr.ErrPrefixSizeInvalid)

	// Historical pair: the first 4 markers against the first 7.
	hist, err := svc.ProvePrefix(4, 7)
	require.NoError(t, err)
	mid := mmr.Enabled()
	for _, m := range markers[:7] {
		_, err := mid.AppendMarkerHash(m.Hash)
		require.NoError(t, err)
	}
	midRoot, _ := mid.Root()
	require.NoError(t, mmr.VerifyPrefix(hist, smallRoot, midRoot))
}

func TestProofs_disabled(t *testing.T) {
	dir := t.TempDir()
	opts := options(dir)
	opts.MMREnabled = false
	svc := open(t, dir, opts)
	appendN(t, svc, 3)

	_, _, err := svc.ProveInclusion(0)
	assert.ErrorIs(t, err, mmr.ErrDisabled)
	_, err = svc.ProvePrefix(1, 0)
	assert.ErrorIs(t, err, mmr.ErrDisabled)

	root, ok := svc.LastRoot()
	require.True(t, ok)
	assert.Nil(t, root.Checkpoint)
}

func TestLookups(t *testing.T) {
	dir := t.TempDir()
	svc := open(t, dir, options(dir))
	markers := appendN(t, svc, 5)

	m, ok := svc.Marker(2)
	require.True(t, ok)
	assert.Equal(t, markers[2], m)

	seq, ok := svc.SequenceByTimestamp(5003)
	require.True(t, ok)
	assert.Equal(t, uint64(3), seq)

	_, ok = svc.SequenceByTimestamp(10)
	assert.False(t, ok)
}

func TestCheckRoot(t *testing.T) {
	dir := t.TempDir()
	svc := open(t, dir, options(dir))
	appendN(t, svc, 2)
	require.NoError(t, svc.CheckRoot())

	require.NoError(t, os.WriteFile(rootpointer.RootAuthPath(dir), []byte("{}"), 0o644))
	assert.ErrorIs(t, svc.CheckRoot(), rootpointer.ErrRootMalformed)
}
