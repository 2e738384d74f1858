// Package metrics tracks service counters and exports them in Prometheus
// text format.
package metrics

import (
	"sync"
	"time"
)

// Collector tracks request and challenge counters. Manual tracking keeps the
// exposition surface small; swap in prometheus/client_golang if histograms
// become necessary.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests      map[string]int64 // by endpoint
	totalRequestsDur   map[string]int64 // total duration in ms
	requestErrors      map[string]int64 // by endpoint
	requestsInProgress map[string]int64

	// Rate limit metrics
	rateLimitHits int64

	// Challenge lifecycle metrics
	sessionsCreated   int64
	verifyAttempts    int64
	verifySuccesses   int64
	verifyFailures    int64
	sessionsExpired   int64 // verify calls that hit an expired session
	sessionsReclaimed int64 // rows removed by the reaper

	startTime time.Time
}

// NewCollector creates a metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:      make(map[string]int64),
		totalRequestsDur:   make(map[string]int64),
		requestErrors:      make(map[string]int64),
		requestsInProgress: make(map[string]int64),
		startTime:          time.Now(),
	}
}

// RecordRequest records a completed request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordError records an error response for an endpoint.
func (c *Collector) RecordError(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestErrors[endpoint]++
}

// RecordRequestStart increments in-progress requests.
func (c *Collector) RecordRequestStart(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]++
}

// RecordRequestEnd decrements in-progress requests.
func (c *Collector) RecordRequestEnd(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]--
}

// RecordRateLimitHit records a rate limit rejection.
func (c *Collector) RecordRateLimitHit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rateLimitHits++
}

// RecordSessionCreated records a successfully created challenge session.
func (c *Collector) RecordSessionCreated() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionsCreated++
}

// RecordVerifyAttempt records a scored verification attempt and its outcome.
func (c *Collector) RecordVerifyAttempt(verified bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.verifyAttempts++
	if verified {
		c.verifySuccesses++
	} else {
		c.verifyFailures++
	}
}

// RecordSessionExpired records a verify call that found its session expired.
func (c *Collector) RecordSessionExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionsExpired++
}

// RecordSessionsReclaimed records sessions removed by the expiry reaper.
func (c *Collector) RecordSessionsReclaimed(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionsReclaimed += n
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Uptime             int64
	TotalRequests      map[string]int64
	TotalRequestsDur   map[string]int64
	RequestErrors      map[string]int64
	RequestsInProgress map[string]int64
	RateLimitHits      int64
	SessionsCreated    int64
	VerifyAttempts     int64
	VerifySuccesses    int64
	VerifyFailures     int64
	SessionsExpired    int64
	SessionsReclaimed  int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:             int64(time.Since(c.startTime).Seconds()),
		TotalRequests:      copyMap(c.totalRequests),
		TotalRequestsDur:   copyMap(c.totalRequestsDur),
		RequestErrors:      copyMap(c.requestErrors),
		RequestsInProgress: copyMap(c.requestsInProgress),
		RateLimitHits:      c.rateLimitHits,
		SessionsCreated:    c.sessionsCreated,
		VerifyAttempts:     c.verifyAttempts,
		VerifySuccesses:    c.verifySuccesses,
		VerifyFailures:     c.verifyFailures,
		SessionsExpired:    c.sessionsExpired,
		SessionsReclaimed:  c.sessionsReclaimed,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
