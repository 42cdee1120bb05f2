// Package health runs periodic ledger self-checks and reports the result on
// /healthz.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe is one named self-check, e.g. a full chain walk or a root pointer
// re-authentication.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(probe string, success bool)

// ProbeStatus is the last observed state of one probe.
type ProbeStatus struct {
	Healthy   bool      `json:"healthy"`
	FailCount int       `json:"fail_count"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report summarizes every probe. Status is "degraded" once any probe has
// failed FailThreshold times in a row.
type Report struct {
	Status string                 `json:"status"`
	Probes map[string]ProbeStatus `json:"probes"`
}

// Checker runs probes on a fixed interval.
type Checker struct {
	probes    []Probe
	mu        sync.Mutex
	status    map[string]ProbeStatus
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new Checker.
func New(probes []Probe, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 1
	}
	return &Checker{
		probes: probes,
		status: make(map[string]ProbeStatus, len(probes)),
		cfg:    cfg,
		logger: logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs the check loop until ctx is cancelled. One round runs
// immediately.
func (h *Checker) Start(ctx context.Context) {
	h.CheckAll(ctx)

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe concurrently and records the results.
func (h *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p.Check(pctx)
			cancel()
			h.record(p.Name, err)
		}(p)
	}
	wg.Wait()
}

func (h *Checker) record(name string, err error) {
	if h.onMetrics != nil {
		h.onMetrics(name, err == nil)
	}

	h.mu.Lock()
	prev := h.status[name]
	next := ProbeStatus{Healthy: err == nil, CheckedAt: time.Now().UTC()}
	if err != nil {
		next.FailCount = prev.FailCount + 1
		next.LastError = err.Error()
	}
	h.status[name] = next
	h.mu.Unlock()

	switch {
	case err == nil && prev.FailCount >= h.cfg.FailThreshold:
		h.logger.Info("health: recovered", zap.String("probe", name))
	case err != nil && next.FailCount == h.cfg.FailThreshold:
		h.logger.Error("health: degraded",
			zap.String("probe", name),
			zap.Int("fail_count", next.FailCount),
			zap.Error(err),
		)
	case err != nil:
		h.logger.Warn("health: probe failed", zap.String("probe", name), zap.Error(err))
	}
}

// Report returns the current status. Probes that have not run yet are
// absent and do not degrade the report.
func (h *Checker) Report() Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := Report{Status: "healthy", Probes: make(map[string]ProbeStatus, len(h.status))}
	for name, st := range h.status {
		r.Probes[name] = st
		if st.FailCount >= h.cfg.FailThreshold {
			r.Status = "degraded"
		}
	}
	return r
}

// Healthy reports whether no probe is degraded.
func (h *Checker) Healthy() bool {
	return h.Report().Status == "healthy"
}
