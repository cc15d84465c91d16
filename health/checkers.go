package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-gateway/messaging"
)

// BrokerConnection is the view of messaging.ConnectionManager the broker
// check needs
type BrokerConnection interface {
	IsReady() bool
	State() messaging.State
	Endpoint() string
	LastError() error
}

// BrokerChecker reports whether the broker connection accepts publishes.
// Anything short of ready is unhealthy so that readiness answers 503.
type BrokerChecker struct {
	conn BrokerConnection
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(conn BrokerConnection) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.conn.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"endpoint": c.conn.Endpoint(),
			"state":    state.String(),
		},
	}

	if c.conn.IsReady() {
		result.Status = StatusHealthy
		result.Message = "Broker connection is ready"
	} else {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Broker connection is %s", state)
		if err := c.conn.LastError(); err != nil {
			result.Error = err.Error()
		}
	}

	result.Duration = time.Since(start)
	return result
}

// PendingRequests is implemented by bridge.SyncAsyncBridge
type PendingRequests interface {
	PendingCount() int
}

// PendingChecker reports the number of callers waiting for a reply. It
// turns degraded above warnAt and never unhealthy: waiters are not capped.
type PendingChecker struct {
	bridge PendingRequests
	warnAt int
}

// NewPendingChecker creates a checker for in-flight requests
func NewPendingChecker(bridge PendingRequests, warnAt int) *PendingChecker {
	return &PendingChecker{bridge: bridge, warnAt: warnAt}
}

func (c *PendingChecker) Name() string {
	return "pending_requests"
}

func (c *PendingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.bridge.PendingCount()

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("%d request(s) awaiting a reply", pending),
		Timestamp: start,
		Details:   map[string]any{"pending": pending},
	}
	if c.warnAt > 0 && pending > c.warnAt {
		result.Status = StatusDegraded
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker watches goroutine count and heap size
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker. Zero thresholds disable the
// corresponding status.
func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"heap_alloc_mb": float64(m.HeapAlloc) / 1024 / 1024,
			"gc_runs":       m.NumGC,
			"goroutines":    goroutines,
		},
	}

	switch {
	case c.criticalGoroutines > 0 && goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case c.warnGoroutines > 0 && goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
