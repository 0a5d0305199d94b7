// Package health probes the external dependencies ledgerd delivers events
// to, and reports which of them are degraded.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status of a probed target.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Target is one dependency to probe. Check returns nil when it is reachable.
type Target struct {
	Name  string
	Check func(ctx context.Context) error
}

// HTTPTarget probes url with HEAD, falling back to GET. Any 2xx passes.
func HTTPTarget(name, url string, hc *http.Client) Target {
	if hc == nil {
		hc = &http.Client{}
	}
	return Target{Name: name, Check: func(ctx context.Context) error {
		return probeURL(ctx, hc, url)
	}}
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(target string, success bool)

// TransitionFunc is called when a target changes between healthy and degraded.
type TransitionFunc func(target string, status Status)

// Checker runs periodic dependency probes.
type Checker struct {
	targets      []Target
	failCounts   map[string]int
	statuses     map[string]Status
	mu           sync.Mutex
	cfg          Config
	onMetrics    MetricsRecordFunc
	onTransition TransitionFunc
	logger       *zap.Logger
}

// New creates a Checker over targets.
func New(targets []Target, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	statuses := make(map[string]Status, len(targets))
	for _, t := range targets {
		statuses[t.Name] = StatusUnknown
	}
	return &Checker{
		targets:    targets,
		failCounts: make(map[string]int),
		statuses:   statuses,
		cfg:        cfg,
		logger:     logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// SetTransitionHook configures the status transition callback.
func (h *Checker) SetTransitionHook(fn TransitionFunc) {
	h.onTransition = fn
}

// Start probes every target immediately and then once per CheckInterval
// until ctx is done.
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

// CheckAll probes all targets with bounded concurrency.
func (h *Checker) CheckAll(ctx context.Context) {
	sem := make(chan struct{}, 10)
	var wg sync.WaitGroup

	for _, t := range h.targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := t.Check(pctx)
			cancel()
			h.record(t.Name, err)
		}(t)
	}
	wg.Wait()
}

func (h *Checker) record(name string, err error) {
	success := err == nil
	if h.onMetrics != nil {
		h.onMetrics(name, success)
	}

	h.mu.Lock()
	prev := h.statuses[name]
	if success {
		h.failCounts[name] = 0
		h.statuses[name] = StatusHealthy
	} else {
		h.failCounts[name]++
		if h.failCounts[name] >= h.cfg.FailThreshold {
			h.statuses[name] = StatusDegraded
		}
	}
	cur := h.statuses[name]
	count := h.failCounts[name]
	h.mu.Unlock()

	switch {
	case prev == StatusDegraded && cur == StatusHealthy:
		h.logger.Info("health: recovered", zap.String("target", name))
	case prev != StatusDegraded && cur == StatusDegraded:
		h.logger.Warn("health: degraded",
			zap.String("target", name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
	default:
		return
	}
	if h.onTransition != nil {
		h.onTransition(name, cur)
	}
}

// Statuses returns a snapshot of every target's status.
func (h *Checker) Statuses() map[string]Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]Status, len(h.statuses))
	for k, v := range h.statuses {
		out[k] = v
	}
	return out
}

// Degraded returns the names of degraded targets in sorted order.
func (h *Checker) Degraded() []string {
	var out []string
	for name, s := range h.Statuses() {
		if s == StatusDegraded {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func probeURL(ctx context.Context, hc *http.Client, url string) error {
	status, err := do(ctx, hc, http.MethodHead, url)
	if err == nil && status >= 200 && status < 300 {
		return nil
	}
	status, err = do(ctx, hc, http.MethodGet, url)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("%s returned %d", url, status)
	}
	return nil
}

func do(ctx context.Context, hc *http.Client, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
