package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/nexusledger/internal/authkey"
	"github.com/jmerrifield20/nexusledger/internal/health"
	"github.com/jmerrifield20/nexusledger/internal/ledger"
	"github.com/jmerrifield20/nexusledger/internal/markerstream"
	"github.com/jmerrifield20/nexusledger/internal/mmr"
	"github.com/jmerrifield20/nexusledger/internal/status/handler"
	"go.uber.org/zap"
)

func setupLedger(t *testing.T, n int, mmrEnabled bool) *ledger.Service {
	t.Helper()
	dir := t.TempDir()
	log, err := markerstream.OpenFileLog(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	svc, err := ledger.Open(context.Background(), log, ledger.Options{
		RootDir:        dir,
		Key:            authkey.Secret([]byte("handler-test-key-0123456789abcdef")),
		PublisherID:    "handler-test",
		MMREnabled:     mmrEnabled,
		LookbackWindow: 1,
		PublishEvery:   1,
		Now:            func() time.Time { return time.Unix(1_800_000_000, 0) },
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	for i := 0; i < n; i++ {
		if _, err := svc.Append(context.Background(), markerstream.QuarantineAction, `{"agent":"x"}`, uint64(100+10*i), "trace"); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	return svc
}

func setupLedgerRouter(t *testing.T, svc *ledger.Service) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := handler.NewLedgerHandler(svc, zap.NewNop())
	h.Register(r.Group("/v1"))
	return r
}

func get(t *testing.T, router *gin.Engine, path string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v (%s)", path, err, w.Body.String())
		}
	}
	return w.Code
}

func TestLedgerOverview_200(t *testing.T) {
	router := setupLedgerRouter(t, setupLedger(t, 5, true))

	var resp handler.Overview
	if code := get(t, router, "/v1/ledger", &resp); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if resp.Length != 5 {
		t.Errorf("expected 5 markers, got %d", resp.Length)
	}
	if resp.Head == nil || resp.Head.Sequence != 4 {
		t.Errorf("expected head seq 4, got %+v", resp.Head)
	}
	if resp.Checkpoint == nil || resp.Checkpoint.TreeSize != 5 {
		t.Errorf("expected checkpoint over 5 leaves, got %+v", resp.Checkpoint)
	}
	if resp.Root == nil || resp.Root.MarkerStreamHeadHash != resp.Head.Hash {
		t.Errorf("expected published root at head, got %+v", resp.Root)
	}
}

func TestLedgerVerify_200(t *testing.T) {
	router := setupLedgerRouter(t, setupLedger(t, 3, true))

	var resp handler.VerifyResult
	if code := get(t, router, "/v1/ledger/verify", &resp); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if !resp.Valid || resp.Length != 3 {
		t.Errorf("expected valid chain of 3, got %+v", resp)
	}
}

func TestLedgerGetMarker(t *testing.T) {
	router := setupLedgerRouter(t, setupLedger(t, 3, true))

	var m markerstream.Marker
	if code := get(t, router, "/v1/ledger/markers/2", &m); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if m.Sequence != 2 || m.EventType != markerstream.QuarantineAction {
		t.Errorf("unexpected marker %+v", m)
	}
	if m.ExpectedHash() != m.Hash {
		t.Error("marker hash does not survive the JSON round trip")
	}

	if code := get(t, router, "/v1/ledger/markers/3", nil); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
	if code := get(t, router, "/v1/ledger/markers/-1", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestLedgerMarkerByTimestamp(t *testing.T) {
	router := setupLedgerRouter(t, setupLedger(t, 4, true)) // ts 100, 110, 120, 130

	var resp handler.TimestampLookup
	if code := get(t, router, "/v1/ledger/markers?ts=125", &resp); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if resp.Sequence != 2 || resp.Marker.Timestamp != 120 {
		t.Errorf("expected seq 2 at ts 120, got %+v", resp)
	}

	if code := get(t, router, "/v1/ledger/markers?ts=99", nil); code != http.StatusNotFound {
		t.Errorf("expected 404 before first marker, got %d", code)
	}
	if code := get(t, router, "/v1/ledger/markers", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 without ts, got %d", code)
	}
}

func TestLedgerInclusionProof_verifies(t *testing.T) {
	router := setupLedgerRouter(t, setupLedger(t, 9, true))

	var resp handler.InclusionResult
	if code := get(t, router, "/v1/ledger/proofs/inclusion/6", &resp); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if err := mmr.VerifyInclusion(resp.Proof, resp.Root, resp.Marker.Hash); err != nil {
		t.Fatalf("proof from API does not verify: %v", err)
	}

	var e handler.ErrorBody
	if code := get(t, router, "/v1/ledger/proofs/inclusion/9", &e); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
	if e.Code != string(mmr.CodeSequenceOutOfRange) {
		t.Errorf("expected %s, got %q", mmr.CodeSequenceOutOfRange, e.Code)
	}
}

func TestLedgerPrefixProof(t *testing.T) {
	router := setupLedgerRouter(t, setupLedger(t, 9, true))

	var proof mmr.PrefixProof
	if code := get(t, router, "/v1/ledger/proofs/prefix?size=5", &proof); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	small := mmr.Root{TreeSize: proof.PrefixSize, Hash: proof.PrefixRoot}
	large := mmr.Root{TreeSize: proof.SuperTreeSize, Hash: proof.SuperRoot}
	if err := mmr.VerifyPrefix(&proof, small, large); err != nil {
		t.Fatalf("prefix proof does not verify: %v", err)
	}

	if proof.SuperTreeSize != 9 {
		t.Errorf("expected proof against current size 9, got %d", proof.SuperTreeSize)
	}

	var hist mmr.PrefixProof
	if code := get(t, router, "/v1/ledger/proofs/prefix?size=2&super=6", &hist); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if hist.PrefixSize != 2 || hist.SuperTreeSize != 6 {
		t.Errorf("unexpected sizes %d/%d", hist.PrefixSize, hist.SuperTreeSize)
	}

	if code := get(t, router, "/v1/ledger/proofs/prefix?size=10", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestLedgerProofs_disabled503(t *testing.T) {
	router := setupLedgerRouter(t, setupLedger(t, 2, false))

	var e handler.ErrorBody
	if code := get(t, router, "/v1/ledger/proofs/inclusion/0", &e); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	if e.Code != string(mmr.CodeDisabled) {
		t.Errorf("expected %s, got %q", mmr.CodeDisabled, e.Code)
	}
}

func TestRoot(t *testing.T) {
	router := setupLedgerRouter(t, setupLedger(t, 0, true))
	if code := get(t, router, "/v1/root", nil); code != http.StatusNotFound {
		t.Errorf("expected 404 before any publish, got %d", code)
	}

	router = setupLedgerRouter(t, setupLedger(t, 2, true))
	var root map[string]any
	if code := get(t, router, "/v1/root", &root); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if root["publisher_id"] != "handler-test" {
		t.Errorf("unexpected root %v", root)
	}
}

func TestRateLimiter_429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.Use(handler.RateLimiter(ctx, handler.RateLimitConfig{RPS: 1, Burst: 2}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	codes := make([]int, 3)
	var last *httptest.ResponseRecorder
	for i := range codes {
		last = httptest.NewRecorder()
		r.ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes[i] = last.Code
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent {
		t.Errorf("burst should pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("expected 429 after burst, got %d", codes[2])
	}
	if got := last.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q", got)
	}
}

type staticReporter health.Report

func (s staticReporter) Report() health.Report { return health.Report(s) }

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ok", handler.Health(staticReporter{Status: "healthy"}))
	r.GET("/bad", handler.Health(staticReporter{Status: "degraded"}))

	if code := get(t, r, "/ok", nil); code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if code := get(t, r, "/bad", nil); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
}
