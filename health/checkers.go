package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// Facade is the part of an exchange facade health reporting needs.
// messaging.Facade satisfies it.
type Facade interface {
	ExchangeName() string
	Kind() string
	IsConnected() bool
	Consuming() bool
}

// FacadeChecker reports whether an exchange facade holds an open channel
type FacadeChecker struct {
	facade Facade
}

// NewFacadeChecker creates a checker for one exchange facade
func NewFacadeChecker(facade Facade) *FacadeChecker {
	return &FacadeChecker{facade: facade}
}

func (c *FacadeChecker) Name() string {
	return fmt.Sprintf("exchange_%s", c.facade.ExchangeName())
}

func (c *FacadeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"exchange":  c.facade.ExchangeName(),
			"kind":      c.facade.Kind(),
			"consuming": c.facade.Consuming(),
		},
	}

	if c.facade.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "Exchange channel is open"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Exchange is not connected"
	}

	result.Duration = time.Since(start)
	return result
}

// SchedulerState is the read-only view of the scheduler
type SchedulerState interface {
	IsRunning() bool
	JobCount() int
}

// SchedulerChecker reports whether the scheduler is running
type SchedulerChecker struct {
	scheduler SchedulerState
}

// NewSchedulerChecker creates a scheduler checker
func NewSchedulerChecker(scheduler SchedulerState) *SchedulerChecker {
	return &SchedulerChecker{scheduler: scheduler}
}

func (c *SchedulerChecker) Name() string {
	return "scheduler"
}

func (c *SchedulerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	jobs := c.scheduler.JobCount()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"running":    c.scheduler.IsRunning(),
			"jobs_count": jobs,
		},
	}

	switch {
	case !c.scheduler.IsRunning():
		result.Status = StatusUnhealthy
		result.Message = "Scheduler is stopped"
	case jobs == 0:
		result.Status = StatusDegraded
		result.Message = "Scheduler has no jobs"
	default:
		result.Status = StatusHealthy
		result.Message = "Scheduler is running"
	}

	result.Duration = time.Since(start)
	return result
}

// Pinger is anything that can verify its backend is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker runs Ping and reports failures as unhealthy
type PingChecker struct {
	name   string
	target Pinger
}

// NewPingChecker creates a checker named name for target
func NewPingChecker(name string, target Pinger) *PingChecker {
	return &PingChecker{name: name, target: target}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if err := c.target.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Ping failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Reachable"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// Connection is a client that tracks its own connection state
type Connection interface {
	IsConnected() bool
}

// ConnectionChecker reports a lost connection as degraded: the owning
// component keeps reconnecting on its own.
type ConnectionChecker struct {
	name string
	conn Connection
}

// NewConnectionChecker creates a checker named name for conn
func NewConnectionChecker(name string, conn Connection) *ConnectionChecker {
	return &ConnectionChecker{name: name, conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "Connected",
	}
	if !c.conn.IsConnected() {
		result.Status = StatusDegraded
		result.Message = "Disconnected, reconnecting"
	}
	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker flags goroutine leaks
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
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
		Details: map[string]interface{}{
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
			"goroutines":     goroutines,
		},
	}

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
