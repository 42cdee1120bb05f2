// Package handler serves the read-only ledger status view over HTTP.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/nexusledger/internal/epoch"
	"github.com/jmerrifield20/nexusledger/internal/markerstream"
	"github.com/jmerrifield20/nexusledger/internal/mmr"
	"github.com/jmerrifield20/nexusledger/internal/rootpointer"
	"go.uber.org/zap"
)

// Ledger is the read side of the ledger service.
// *ledger.Service satisfies this interface.
type Ledger interface {
	Snapshot() *markerstream.Stream
	Epoch() epoch.ControlEpoch
	Policy() epoch.ValidityWindowPolicy
	MMREnabled() bool
	CheckpointRoot() (mmr.Root, bool)
	LastRoot() (rootpointer.RootPointer, bool)
	Verify() error
	Marker(seq uint64) (markerstream.Marker, bool)
	SequenceByTimestamp(ts uint64) (uint64, bool)
	ProveInclusion(seq uint64) (*mmr.InclusionProof, mmr.Root, error)
	ProvePrefix(size, superSize uint64) (*mmr.PrefixProof, error)
}

// Overview is the body of GET /ledger.
type Overview struct {
	Length     uint64                     `json:"length"`
	Head       *markerstream.Marker       `json:"head,omitempty"`
	Epoch      epoch.ControlEpoch         `json:"epoch"`
	Window     epoch.ValidityWindowPolicy `json:"validity_window"`
	MMREnabled bool                       `json:"mmr_enabled"`
	Checkpoint *mmr.Root                  `json:"checkpoint,omitempty"`
	Root       *rootpointer.RootPointer   `json:"root,omitempty"`
}

// VerifyResult is the body of GET /ledger/verify.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Length uint64 `json:"length"`
	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
}

// TimestampLookup is the body of GET /ledger/markers?ts=.
type TimestampLookup struct {
	Timestamp uint64              `json:"timestamp"`
	Sequence  uint64              `json:"sequence"`
	Marker    markerstream.Marker `json:"marker"`
}

// InclusionResult is the body of GET /ledger/proofs/inclusion/:seq.
type InclusionResult struct {
	Marker markerstream.Marker `json:"marker"`
	Root   mmr.Root            `json:"root"`
	Proof  *mmr.InclusionProof `json:"proof"`
}

// ErrorBody is returned with every non-2xx response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// LedgerHandler exposes read-only HTTP endpoints for the ledger.
type LedgerHandler struct {
	ledger Ledger
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(ledger Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/markers", h.MarkerByTimestamp)
		l.GET("/markers/:seq", h.GetMarker)
		l.GET("/proofs/inclusion/:seq", h.InclusionProof)
		l.GET("/proofs/prefix", h.PrefixProof)
	}
	rg.GET("/root", h.Root)
}

// Overview handles GET /ledger: stream length, head, epoch and roots.
func (h *LedgerHandler) Overview(c *gin.Context) {
	snap := h.ledger.Snapshot()
	out := Overview{
		Length:     snap.Len(),
		Epoch:      h.ledger.Epoch(),
		Window:     h.ledger.Policy(),
		MMREnabled: h.ledger.MMREnabled(),
	}
	if head, ok := snap.Last(); ok {
		out.Head = &head
	}
	if cr, ok := h.ledger.CheckpointRoot(); ok {
		out.Checkpoint = &cr
	}
	if root, ok := h.ledger.LastRoot(); ok {
		out.Root = &root
	}
	c.JSON(http.StatusOK, out)
}

// Verify handles GET /ledger/verify by walking the full chain.
func (h *LedgerHandler) Verify(c *gin.Context) {
	snap := h.ledger.Snapshot()
	if err := snap.Verify(); err != nil {
		h.logger.Warn("ledger integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, VerifyResult{
			Valid:  false,
			Length: snap.Len(),
			Code:   string(markerstream.CodeOf(err)),
			Error:  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, VerifyResult{Valid: true, Length: snap.Len()})
}

// GetMarker handles GET /ledger/markers/:seq.
func (h *LedgerHandler) GetMarker(c *gin.Context) {
	seq, ok := parseUint(c, c.Param("seq"), "seq")
	if !ok {
		return
	}
	m, found := h.ledger.Marker(seq)
	if !found {
		c.JSON(http.StatusNotFound, ErrorBody{Error: "marker not found"})
		return
	}
	c.JSON(http.StatusOK, m)
}

// MarkerByTimestamp handles GET /ledger/markers?ts=, returning the last
// marker at or before ts.
func (h *LedgerHandler) MarkerByTimestamp(c *gin.Context) {
	raw, present := c.GetQuery("ts")
	if !present {
		c.JSON(http.StatusBadRequest, ErrorBody{Error: "ts query parameter is required"})
		return
	}
	ts, ok := parseUint(c, raw, "ts")
	if !ok {
		return
	}
	snap := h.ledger.Snapshot()
	seq, found := snap.SequenceByTimestamp(ts)
	if !found {
		c.JSON(http.StatusNotFound, ErrorBody{Error: "no marker at or before timestamp"})
		return
	}
	m, _ := snap.Get(seq)
	c.JSON(http.StatusOK, TimestampLookup{Timestamp: ts, Sequence: seq, Marker: m})
}

// InclusionProof handles GET /ledger/proofs/inclusion/:seq.
func (h *LedgerHandler) InclusionProof(c *gin.Context) {
	seq, ok := parseUint(c, c.Param("seq"), "seq")
	if !ok {
		return
	}
	proof, root, err := h.ledger.ProveInclusion(seq)
	if err != nil {
		h.proofError(c, err)
		return
	}
	m, _ := h.ledger.Marker(seq)
	c.JSON(http.StatusOK, InclusionResult{Marker: m, Root: root, Proof: proof})
}

// PrefixProof handles GET /ledger/proofs/prefix?size=[&super=]. Without
// super the proof targets the current checkpoint.
func (h *LedgerHandler) PrefixProof(c *gin.Context) {
	size, ok := parseUint(c, c.Query("size"), "size")
	if !ok {
		return
	}
	var super uint64
	if raw, present := c.GetQuery("super"); present {
		if super, ok = parseUint(c, raw, "super"); !ok {
			return
		}
	}
	proof, err := h.ledger.ProvePrefix(size, super)
	if err != nil {
		h.proofError(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

// Root handles GET /root with the last published or bootstrapped root.
func (h *LedgerHandler) Root(c *gin.Context) {
	root, ok := h.ledger.LastRoot()
	if !ok {
		c.JSON(http.StatusNotFound, ErrorBody{Error: "no root published"})
		return
	}
	c.JSON(http.StatusOK, root)
}

func (h *LedgerHandler) proofError(c *gin.Context, err error) {
	code := mmr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case mmr.CodeDisabled:
		status = http.StatusServiceUnavailable
	case mmr.CodeSequenceOutOfRange, mmr.CodeEmptyCheckpoint:
		status = http.StatusNotFound
	case mmr.CodePrefixSizeInvalid:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("proof generation failed", zap.Error(err))
	}
	c.JSON(status, ErrorBody{Error: err.Error(), Code: string(code)})
}

func parseUint(c *gin.Context, raw, name string) (uint64, bool) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		var numErr *strconv.NumError
		msg := name + " must be a non-negative integer"
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			msg = name + " is out of range"
		}
		c.JSON(http.StatusBadRequest, ErrorBody{Error: msg})
		return 0, false
	}
	return v, true
}
