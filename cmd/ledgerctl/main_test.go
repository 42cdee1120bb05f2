package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/nexusledger/internal/config"
	"github.com/jmerrifield20/nexusledger/internal/epoch"
	"github.com/jmerrifield20/nexusledger/internal/ledger"
	"github.com/jmerrifield20/nexusledger/internal/markerstream"
	"github.com/jmerrifield20/nexusledger/internal/rootpointer"
	"github.com/jmerrifield20/nexusledger/internal/status/handler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testKey      = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	manifestHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
)

func ctl(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--dir", dir, "--key-hex", testKey}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustCtl(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := ctl(t, dir, args...)
	require.NoError(t, err, "ledgerctl %s", strings.Join(args, " "))
	return out
}

func TestInitVerifyInspect(t *testing.T) {
	dir := t.TempDir()

	var root rootpointer.RootPointer
	require.NoError(t, json.Unmarshal([]byte(mustCtl(t, dir, "init")), &root))
	assert.Equal(t, uint64(0), root.MarkerStreamHeadSeq)

	_, err := ctl(t, dir, "init")
	require.ErrorIs(t, err, ledger.ErrNotEmpty)

	var rep verifyReport
	require.NoError(t, json.Unmarshal([]byte(mustCtl(t, dir, "verify")), &rep))
	assert.Equal(t, uint64(1), rep.Length)
	require.NotNil(t, rep.Root)
	assert.True(t, root.Equal(*rep.Root))

	out := mustCtl(t, dir, "inspect")
	assert.Contains(t, out, "SEQ")
	assert.Contains(t, out, "policy_change")
}

func TestVerify_missingRootFailsClosed(t *testing.T) {
	dir := t.TempDir()
	mustCtl(t, dir, "init")
	require.NoError(t, os.Remove(filepath.Join(dir, "root_pointer.json")))

	_, err := ctl(t, dir, "verify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(rootpointer.CodeRootMissing))
	require.ErrorIs(t, err, rootpointer.ErrRootMissing)

	// The chain alone is still fine.
	mustCtl(t, dir, "verify", "--skip-root")
}

func TestPublish_wrongKeyRejected(t *testing.T) {
	dir := t.TempDir()
	mustCtl(t, dir, "init")

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--dir", dir, "--key-hex", strings.Repeat("ab", 32), "publish"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(rootpointer.CodeRootAuthFailed))
}

func TestEpochCommands(t *testing.T) {
	dir := t.TempDir()
	mustCtl(t, dir, "init")

	mustCtl(t, dir, "epoch", "advance", "--manifest", manifestHash)
	mustCtl(t, dir, "epoch", "set", "4", "--manifest", manifestHash)

	var show struct {
		Epoch   uint64            `json:"epoch"`
		History []json.RawMessage `json:"history"`
	}
	require.NoError(t, json.Unmarshal([]byte(mustCtl(t, dir, "epoch", "show")), &show))
	assert.Equal(t, uint64(4), show.Epoch)
	assert.Len(t, show.History, 2)

	_, err := ctl(t, dir, "epoch", "set", "3", "--manifest", manifestHash)
	require.ErrorIs(t, err, epoch.ErrRegression)

	_, err = ctl(t, dir, "epoch", "advance", "--manifest", "not-a-hash")
	require.Error(t, err)

	// Default lookback is 2: epochs 2..4 are accepted.
	out := mustCtl(t, dir, "epoch", "check", "artifact-1", "2")
	assert.Contains(t, out, "accepted")
	out, err = ctl(t, dir, "epoch", "check", "artifact-2", "5")
	require.Error(t, err)
	assert.Contains(t, out, string(epoch.FutureEpoch))

	// Every transition published a root the next run can bootstrap from.
	mustCtl(t, dir, "bootstrap")
}

func TestProofCommands(t *testing.T) {
	dir := t.TempDir()
	mustCtl(t, dir, "init")
	for i := 0; i < 4; i++ {
		mustCtl(t, dir, "epoch", "advance", "--manifest", manifestHash)
	}

	out := mustCtl(t, dir, "proof", "inclusion", "2")
	assert.Contains(t, out, `"audit_path"`)

	out = mustCtl(t, dir, "proof", "prefix", "2", "--super", "4")
	assert.Contains(t, out, `"super_tree_size": 4`)

	_, err := ctl(t, dir, "proof", "prefix", "9")
	require.Error(t, err)
}

func TestDiverge(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	mustCtl(t, a, "init")

	out := mustCtl(t, a, "diverge", a, b)
	var res markerstream.DivergenceResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.HasDivergence)
	assert.False(t, res.HasCommonPrefix)
	assert.Equal(t, uint64(0), res.DivergenceSeq)

	out = mustCtl(t, a, "diverge", a, a)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.HasDivergence)
}

func TestRecover_reportsTornTail(t *testing.T) {
	dir := t.TempDir()
	mustCtl(t, dir, "init")

	f, err := os.OpenFile(filepath.Join(dir, markerstream.FileName), os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 9, '{'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var rep markerstream.RecoveryReport
	require.NoError(t, json.Unmarshal([]byte(mustCtl(t, dir, "recover")), &rep))
	assert.Equal(t, int64(5), rep.TruncatedBytes)
	assert.Equal(t, uint64(1), rep.Recovered)
}

func TestRemote(t *testing.T) {
	dir := t.TempDir()
	mustCtl(t, dir, "init")
	mustCtl(t, dir, "epoch", "advance", "--manifest", manifestHash)

	cfg := config.New()
	cfg.Set("storage.dir", dir)
	cfg.Set("auth.key_hex", testKey)
	c, err := config.FromViper(cfg)
	require.NoError(t, err)
	svc, err := ledger.OpenConfigured(context.Background(), c, zap.NewNop())
	require.NoError(t, err)
	defer svc.Close()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler.NewLedgerHandler(svc, zap.NewNop()).Register(r.Group("/v1"))
	srv := httptest.NewServer(r)
	defer srv.Close()

	out, err := ctl(t, dir, "remote", "--url", srv.URL, "--sample", "0", "--sample", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"sampled": 2`)

	cr, ok := svc.CheckpointRoot()
	require.True(t, ok)
	_, err = ctl(t, dir, "remote", "--url", srv.URL,
		"--root-size", "5", "--root-hash", cr.Hash.String())
	require.Error(t, err, "a pinned root larger than the server's must fail")
}

func TestVersion(t *testing.T) {
	out := mustCtl(t, t.TempDir(), "version")
	assert.Equal(t, "ledgerctl dev\n", out)
}
