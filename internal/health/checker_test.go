package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCheckAllHealthy(t *testing.T) {
	checker := New(Config{
		Probes: []Probe{
			{Name: "keystore", Type: "database", Critical: true, Ping: func(ctx context.Context) error { return nil }},
			{Name: "sessions", Type: "database", Critical: true, Ping: func(ctx context.Context) error { return nil }},
		},
	})

	status := checker.Check(context.Background())
	if status.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", status.Status)
	}
	if len(status.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(status.Components))
	}
}

func TestCheckCriticalDownIsUnhealthy(t *testing.T) {
	checker := New(Config{
		Probes: []Probe{
			{Name: "keystore", Type: "database", Critical: true, Ping: func(ctx context.Context) error { return errors.New("connection refused") }},
			{Name: "analytics", Type: "database", Ping: func(ctx context.Context) error { return nil }},
		},
	})

	status := checker.Check(context.Background())
	if status.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", status.Status)
	}
}

func TestCheckNonCriticalDownDegrades(t *testing.T) {
	checker := New(Config{
		Probes: []Probe{
			{Name: "keystore", Type: "database", Critical: true, Ping: func(ctx context.Context) error { return nil }},
			{Name: "analytics", Type: "database", Ping: func(ctx context.Context) error { return errors.New("connection refused") }},
		},
	})

	status := checker.Check(context.Background())
	if status.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", status.Status)
	}
}

func TestCheckSlowProbeDegrades(t *testing.T) {
	checker := New(Config{
		MaxPingLatency: time.Nanosecond,
		Probes: []Probe{
			{Name: "sessions", Type: "cache", Critical: true, Ping: func(ctx context.Context) error {
				time.Sleep(time.Millisecond)
				return nil
			}},
		},
	})

	status := checker.Check(context.Background())
	if status.Status != StatusDegraded {
		t.Fatalf("expected degraded, got %s", status.Status)
	}
}

func TestGetLastStatusBeforeFirstCheck(t *testing.T) {
	checker := New(Config{})
	if status := checker.GetLastStatus(); status.Status != StatusHealthy {
		t.Fatalf("expected healthy default, got %s", status.Status)
	}
}
