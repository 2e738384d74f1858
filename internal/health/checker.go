// Package health probes the service's storage backends and reports an
// aggregate status for the /healthz endpoint.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a single probe.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component is a probed part of the system.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // database, cache
	CheckResult
}

// Probe tests one backend. A nil error means reachable.
type Probe struct {
	Name string
	Type string
	// Critical backends take the whole service down when unreachable;
	// non-critical ones only degrade it.
	Critical bool
	Ping     func(ctx context.Context) error
}

// Checker runs the registered probes and aggregates their results.
type Checker struct {
	probes []Probe
	mu     sync.RWMutex

	components []Component

	pingTimeout    time.Duration
	maxPingLatency time.Duration
}

// Config holds checker settings.
type Config struct {
	Probes []Probe

	PingTimeout    time.Duration
	MaxPingLatency time.Duration
}

// New creates a health checker.
func New(cfg Config) *Checker {
	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 2 * time.Second
	}
	if cfg.MaxPingLatency == 0 {
		cfg.MaxPingLatency = 100 * time.Millisecond
	}

	return &Checker{
		probes:         cfg.Probes,
		pingTimeout:    cfg.PingTimeout,
		maxPingLatency: cfg.MaxPingLatency,
	}
}

// HealthStatus is the aggregate health of the service.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// Check runs all probes concurrently and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	results := make(chan Component, len(c.probes))

	for _, probe := range c.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			results <- c.runProbe(ctx, p)
		}(probe)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0, len(c.probes))
	for comp := range results {
		components = append(components, comp)
	}

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()

	return c.aggregate(components)
}

func (c *Checker) runProbe(ctx context.Context, p Probe) Component {
	comp := Component{
		Name: p.Name,
		Type: p.Type,
		CheckResult: CheckResult{
			Timestamp: time.Now(),
		},
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(pingCtx)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Backend unreachable"
		return comp
	}

	if comp.Latency > c.maxPingLatency {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	} else {
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}

	return comp
}

// aggregate folds component statuses into one. An unreachable critical
// backend makes the whole service unhealthy; everything else degrades it.
func (c *Checker) aggregate(components []Component) HealthStatus {
	overall := StatusHealthy
	criticalDown := false

	byName := make(map[string]Probe, len(c.probes))
	for _, p := range c.probes {
		byName[p.Name] = p
	}

	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			if byName[comp.Name].Critical {
				criticalDown = true
			}
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}

	if criticalDown {
		overall = StatusUnhealthy
	}

	return HealthStatus{
		Status:     overall,
		Timestamp:  time.Now(),
		Components: components,
	}
}

// GetLastStatus returns the most recent check without re-probing.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.components) == 0 {
		return HealthStatus{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
		}
	}

	return c.aggregate(c.components)
}
