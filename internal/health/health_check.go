// Package health runs periodic checks against a grid cache and backs the liveness and readiness
// endpoints.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/datagrid/internal/statetransfer"
	"go.uber.org/zap"
)

// Status is the overall state derived from the last round of checks
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Result levels of a single check
const (
	levelHealthy  = "healthy"
	levelWarning  = "warning"
	levelCritical = "critical"
)

// saturationPercent is the worker queue utilization reported as a warning
const saturationPercent = 90.0

// Cache is what the checks read from a running cache
type Cache interface {
	Name() string
	IsReady() bool
	Status() statetransfer.Status
}

// CheckResult is the outcome of one check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds the checker settings
type Config struct {
	NodeID string
	// Interval between check rounds; liveness fails when no round completed for three intervals
	Interval time.Duration
	// FailedTransferThreshold is the number of failed recent inbound transfers reported as degraded
	FailedTransferThreshold int
}

// HealthChecker checks a cache periodically. Readiness requires no critical check; liveness requires
// the check loop to keep running.
type HealthChecker struct {
	cfg    Config
	cache  Cache
	logger *zap.Logger
	now    func() time.Time

	mu          sync.RWMutex
	lastCheck   time.Time
	status      Status
	checks      map[string]CheckResult
	readinessOK bool
	draining    bool
}

// NewHealthChecker creates a checker. Nothing is ready until the first round ran.
func NewHealthChecker(cfg Config, c Cache, logger *zap.Logger) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.FailedTransferThreshold <= 0 {
		cfg.FailedTransferThreshold = 3
	}
	return &HealthChecker{
		cfg:    cfg,
		cache:  c,
		logger: logger.With(zap.String("component", "health_checker")),
		now:    time.Now,
		checks: make(map[string]CheckResult),
		status: StatusUnhealthy,
	}
}

// Start runs a round immediately and then every interval until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.RunChecks()
	for {
		select {
		case <-ticker.C:
			h.RunChecks()
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check once and updates the overall state
func (h *HealthChecker) RunChecks() {
	status := h.cache.Status()
	results := []CheckResult{
		h.checkJoined(),
		h.checkWorkerPool(status),
		h.checkRetryBacklog(status),
		h.checkFailedTransfers(status),
	}

	allHealthy, ready := true, true
	for _, r := range results {
		if r.Status != levelHealthy {
			allHealthy = false
		}
		if r.Status == levelCritical {
			ready = false
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCheck = h.now()
	for _, r := range results {
		h.checks[r.Name] = r
	}
	switch {
	case !ready:
		h.status = StatusUnhealthy
	case !allHealthy:
		h.status = StatusDegraded
	default:
		h.status = StatusHealthy
	}
	h.readinessOK = ready

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("readiness", h.readinessOK))
}

func (h *HealthChecker) result(name, level, message string) CheckResult {
	return CheckResult{Name: name, Status: level, Message: message, Timestamp: h.now()}
}

func (h *HealthChecker) checkJoined() CheckResult {
	if !h.cache.IsReady() {
		return h.result("join", levelCritical, fmt.Sprintf("cache %s has not installed a topology yet", h.cache.Name()))
	}
	return h.result("join", levelHealthy, fmt.Sprintf("cache %s joined", h.cache.Name()))
}

func (h *HealthChecker) checkWorkerPool(status statetransfer.Status) CheckResult {
	usage := status.Pool.QueueUtilization()
	switch {
	case status.Pool.QueueSize > 0 && status.Pool.QueuedTasks >= status.Pool.QueueSize:
		return h.result("worker_pool", levelWarning, fmt.Sprintf("transfer queue full (%d tasks), new transfers are rejected", status.Pool.QueuedTasks))
	case usage > saturationPercent:
		return h.result("worker_pool", levelWarning, fmt.Sprintf("transfer queue usage high: %.2f%%", usage))
	}
	return h.result("worker_pool", levelHealthy, fmt.Sprintf("%d/%d workers active, queue usage %.2f%%",
		status.Pool.ActiveWorkers, status.Pool.MaxWorkers, usage))
}

func (h *HealthChecker) checkRetryBacklog(status statetransfer.Status) CheckResult {
	if n := len(status.RetrySegments); n > 0 {
		return h.result("retry_backlog", levelWarning, fmt.Sprintf("%d segments wait for a transfer retry", n))
	}
	return h.result("retry_backlog", levelHealthy, "no segments wait for a retry")
}

func (h *HealthChecker) checkFailedTransfers(status statetransfer.Status) CheckResult {
	failed := 0
	for _, r := range status.Recent {
		if r.Failed {
			failed++
		}
	}
	if failed >= h.cfg.FailedTransferThreshold {
		return h.result("failed_transfers", levelWarning, fmt.Sprintf("%d of the last %d inbound transfers failed", failed, len(status.Recent)))
	}
	return h.result("failed_transfers", levelHealthy, fmt.Sprintf("%d recent inbound transfers failed", failed))
}

// IsLive reports whether a round completed within the last three intervals
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.lastCheck.IsZero() && h.now().Sub(h.lastCheck) <= 3*h.cfg.Interval
}

// IsReady reports whether the node can serve traffic
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK && !h.draining
}

// SetDraining withdraws readiness during shutdown
func (h *HealthChecker) SetDraining(draining bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draining = draining
}

// Report is the state served by the health endpoints
type Report struct {
	NodeID    string        `json:"node_id"`
	Cache     string        `json:"cache"`
	Status    Status        `json:"status"`
	Live      bool          `json:"live"`
	Ready     bool          `json:"ready"`
	LastCheck time.Time     `json:"last_check"`
	Checks    []CheckResult `json:"checks"`
}

// Report returns the result of the last round
func (h *HealthChecker) Report() Report {
	live, ready := h.IsLive(), h.IsReady()

	h.mu.RLock()
	defer h.mu.RUnlock()
	checks := make([]CheckResult, 0, len(h.checks))
	for _, name := range []string{"join", "worker_pool", "retry_backlog", "failed_transfers"} {
		if r, ok := h.checks[name]; ok {
			checks = append(checks, r)
		}
	}
	return Report{
		NodeID:    h.cfg.NodeID,
		Cache:     h.cache.Name(),
		Status:    h.status,
		Live:      live,
		Ready:     ready,
		LastCheck: h.lastCheck,
		Checks:    checks,
	}
}
