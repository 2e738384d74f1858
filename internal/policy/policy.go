// Package policy holds the tunable scoring parameters for challenge
// sessions: acceptance threshold, attempt cap, session TTL, and the ranges
// the target orientation is sampled from.
package policy

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the scoring and lifetime policy applied to every session.
type Policy struct {
	// ThresholdDegrees is the acceptance cone half-angle.
	ThresholdDegrees float64 `yaml:"threshold_degrees"`
	// MaxAttempts caps verify calls per session before it becomes terminal.
	MaxAttempts int `yaml:"max_attempts"`
	// SessionTTLSeconds bounds session validity from creation.
	SessionTTLSeconds int `yaml:"session_ttl_seconds"`
	// Target sampling half-ranges in radians. X and Y are sampled from
	// [-PitchYawRange, PitchYawRange), Z from [-RollRange, RollRange).
	// Roll is kept narrower than pitch/yaw on purpose.
	PitchYawRange float64 `yaml:"pitch_yaw_range"`
	RollRange     float64 `yaml:"roll_range"`
}

// Default returns the compiled-in policy.
func Default() Policy {
	return Policy{
		ThresholdDegrees:  35,
		MaxAttempts:       10,
		SessionTTLSeconds: 600,
		PitchYawRange:     math.Pi / 2,
		RollRange:         math.Pi / 4,
	}
}

// Load reads a policy file, filling unset fields from defaults.
// An empty path returns the defaults unchanged.
func Load(path string) (Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate rejects values that would make sessions unwinnable or unbounded.
func (p Policy) Validate() error {
	if p.ThresholdDegrees <= 0 || p.ThresholdDegrees >= 180 {
		return fmt.Errorf("threshold_degrees must be in (0, 180), got %v", p.ThresholdDegrees)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.SessionTTLSeconds < 1 {
		return fmt.Errorf("session_ttl_seconds must be at least 1, got %d", p.SessionTTLSeconds)
	}
	if p.PitchYawRange <= 0 || p.PitchYawRange > math.Pi {
		return fmt.Errorf("pitch_yaw_range must be in (0, pi], got %v", p.PitchYawRange)
	}
	if p.RollRange <= 0 || p.RollRange > math.Pi {
		return fmt.Errorf("roll_range must be in (0, pi], got %v", p.RollRange)
	}
	return nil
}

// SessionTTL returns the TTL as a duration.
func (p Policy) SessionTTL() time.Duration {
	return time.Duration(p.SessionTTLSeconds) * time.Second
}
