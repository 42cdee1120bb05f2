package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/nexusledger/internal/epoch"
	"github.com/jmerrifield20/nexusledger/internal/markerstream"
	"github.com/jmerrifield20/nexusledger/internal/mmr"
	"github.com/jmerrifield20/nexusledger/internal/rootpointer"
)

var (
	// ErrNotFound is returned when the server has no such marker, proof or root.
	ErrNotFound = errors.New("not found")

	// ErrVerification is returned when a server response fails a local check.
	ErrVerification = errors.New("verification failed")
)

// APIError is a non-2xx response from the status API.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server error %d: %s (%s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps 404 responses to ErrNotFound.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Overview is the ledger summary returned by GET /v1/ledger.
type Overview struct {
	Length     uint64                     `json:"length"`
	Head       *markerstream.Marker       `json:"head,omitempty"`
	Epoch      epoch.ControlEpoch         `json:"epoch"`
	Window     epoch.ValidityWindowPolicy `json:"validity_window"`
	MMREnabled bool                       `json:"mmr_enabled"`
	Checkpoint *mmr.Root                  `json:"checkpoint,omitempty"`
	Root       *rootpointer.RootPointer   `json:"root,omitempty"`
}

// VerifyResult is the server's own chain walk.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Length uint64 `json:"length"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

type timestampLookup struct {
	Timestamp uint64              `json:"timestamp"`
	Sequence  uint64              `json:"sequence"`
	Marker    markerstream.Marker `json:"marker"`
}

type inclusionResult struct {
	Marker markerstream.Marker `json:"marker"`
	Root   mmr.Root            `json:"root"`
	Proof  *mmr.InclusionProof `json:"proof"`
}

// Client talks to one ledger's status API.
type Client struct {
	base       string
	httpClient *http.Client
	cache      *markerCache

	// mu guards trusted, the newest checkpoint root this client accepted.
	mu      sync.Mutex
	trusted *mmr.Root
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithCacheTTL enables in-memory caching of verified markers.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newMarkerCache(ttl)
		return nil
	}
}

// WithTrustedRoot pins a checkpoint root every later root must extend.
func WithTrustedRoot(root mmr.Root) Option {
	return func(c *Client) error {
		if root.TreeSize == 0 {
			return errors.New("trusted root must cover at least one marker")
		}
		c.trusted = &root
		return nil
	}
}

// New creates a Client for the API rooted at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// TrustedRoot returns the newest checkpoint root the client has accepted.
func (c *Client) TrustedRoot() (mmr.Root, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.trusted == nil {
		return mmr.Root{}, false
	}
	return *c.trusted, true
}

// Overview fetches the ledger summary. A checkpoint root in the response is
// checked for consistency with the trusted root.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var out Overview
	if err := c.getJSON(ctx, "/v1/ledger", nil, &out); err != nil {
		return nil, err
	}
	if out.Head != nil {
		if err := checkMarker(*out.Head, out.Head.Sequence); err != nil {
			return nil, err
		}
	}
	if out.Checkpoint != nil {
		if err := c.Observe(ctx, *out.Checkpoint); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// Verify asks the server to walk its chain.
func (c *Client) Verify(ctx context.Context) (*VerifyResult, error) {
	var out VerifyResult
	if err := c.getJSON(ctx, "/v1/ledger/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Marker fetches marker seq and checks its hash.
func (c *Client) Marker(ctx context.Context, seq uint64) (*markerstream.Marker, error) {
	if c.cache != nil {
		if m, ok := c.cache.get(seq); ok {
			return &m, nil
		}
	}
	var m markerstream.Marker
	if err := c.getJSON(ctx, "/v1/ledger/markers/"+strconv.FormatUint(seq, 10), nil, &m); err != nil {
		return nil, err
	}
	if err := checkMarker(m, seq); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.set(m)
	}
	return &m, nil
}

// MarkerAt fetches the last marker at or before ts.
func (c *Client) MarkerAt(ctx context.Context, ts uint64) (*markerstream.Marker, error) {
	var out timestampLookup
	q := url.Values{"ts": {strconv.FormatUint(ts, 10)}}
	if err := c.getJSON(ctx, "/v1/ledger/markers", q, &out); err != nil {
		return nil, err
	}
	if err := checkMarker(out.Marker, out.Sequence); err != nil {
		return nil, err
	}
	if out.Marker.Timestamp > ts {
		return nil, fmt.Errorf("%w: marker %d has timestamp %d after %d", ErrVerification, out.Sequence, out.Marker.Timestamp, ts)
	}
	return &out.Marker, nil
}

// Root fetches the last published root pointer. The pointer's MAC can only
// be checked by holders of the ledger secret; the client checks that its
// checkpoint, if any, is consistent with the trusted root.
func (c *Client) Root(ctx context.Context) (*rootpointer.RootPointer, error) {
	var out rootpointer.RootPointer
	if err := c.getJSON(ctx, "/v1/root", nil, &out); err != nil {
		return nil, err
	}
	if out.Checkpoint != nil {
		if err := c.Observe(ctx, *out.Checkpoint); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// VerifiedInclusion fetches marker seq with its inclusion proof, verifies
// both, and checks the proof's root against the trusted root.
func (c *Client) VerifiedInclusion(ctx context.Context, seq uint64) (*markerstream.Marker, mmr.Root, error) {
	var out inclusionResult
	if err := c.getJSON(ctx, "/v1/ledger/proofs/inclusion/"+strconv.FormatUint(seq, 10), nil, &out); err != nil {
		return nil, mmr.Root{}, err
	}
	if err := checkMarker(out.Marker, seq); err != nil {
		return nil, mmr.Root{}, err
	}
	if out.Proof == nil {
		return nil, mmr.Root{}, fmt.Errorf("%w: response has no proof", ErrVerification)
	}
	if err := mmr.VerifyInclusion(out.Proof, out.Root, out.Marker.Hash); err != nil {
		return nil, mmr.Root{}, errors.Join(ErrVerification, err)
	}
	if err := c.Observe(ctx, out.Root); err != nil {
		return nil, mmr.Root{}, err
	}
	return &out.Marker, out.Root, nil
}

// PrefixProof fetches the proof that the first size leaves are a prefix of
// the first superSize leaves. A zero superSize targets the server's current
// checkpoint. The proof is returned unverified.
func (c *Client) PrefixProof(ctx context.Context, size, superSize uint64) (*mmr.PrefixProof, error) {
	var out mmr.PrefixProof
	q := url.Values{"size": {strconv.FormatUint(size, 10)}}
	if superSize > 0 {
		q.Set("super", strconv.FormatUint(superSize, 10))
	}
	if err := c.getJSON(ctx, "/v1/ledger/proofs/prefix", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Observe accepts root if it extends the trusted root, proving so with a
// prefix proof from the server. The first root observed without a pinned
// root is trusted on first use.
func (c *Client) Observe(ctx context.Context, root mmr.Root) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.trusted
	switch {
	case prev == nil:
	case root.TreeSize < prev.TreeSize:
		return fmt.Errorf("%w: root size %d is behind trusted size %d", ErrVerification, root.TreeSize, prev.TreeSize)
	case root.TreeSize == prev.TreeSize:
		if root.Hash != prev.Hash {
			return fmt.Errorf("%w: two roots of size %d: %s and %s", ErrVerification, root.TreeSize, prev.Hash, root.Hash)
		}
		return nil
	default:
		proof, err := c.PrefixProof(ctx, prev.TreeSize, root.TreeSize)
		if err != nil {
			return fmt.Errorf("fetch prefix proof: %w", err)
		}
		if err := mmr.VerifyPrefix(proof, *prev, root); err != nil {
			return errors.Join(ErrVerification, err)
		}
	}
	c.trusted = &root
	return nil
}

func checkMarker(m markerstream.Marker, seq uint64) error {
	if m.Sequence != seq {
		return fmt.Errorf("%w: asked for marker %d, got %d", ErrVerification, seq, m.Sequence)
	}
	if got := m.ExpectedHash(); got != m.Hash {
		return fmt.Errorf("%w: marker %d hash %s, recomputed %s", ErrVerification, seq, m.Hash, got)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// --- verified marker cache ---

type cacheEntry struct {
	marker    markerstream.Marker
	expiresAt time.Time
}

type markerCache struct {
	mu      sync.RWMutex
	entries map[uint64]*cacheEntry
	ttl     time.Duration
}

func newMarkerCache(ttl time.Duration) *markerCache {
	return &markerCache{entries: make(map[uint64]*cacheEntry), ttl: ttl}
}

func (mc *markerCache) get(seq uint64) (markerstream.Marker, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	e, ok := mc.entries[seq]
	if !ok || time.Now().After(e.expiresAt) {
		return markerstream.Marker{}, false
	}
	return e.marker, true
}

func (mc *markerCache) set(m markerstream.Marker) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.entries[m.Sequence] = &cacheEntry{marker: m, expiresAt: time.Now().Add(mc.ttl)}
}
