// Package config loads service configuration from layered INI files with
// ROTACAP_* environment variable overrides on top.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/rotacap.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// ServiceConfig describes runtime options for the daemon.
type ServiceConfig struct {
	Environment string
	ListenAddr  string

	// Storage backends. Backend selects keystore + analytics ("sqlite" or
	// "postgres"); SessionBackend may additionally be "redis".
	Backend        string
	SessionBackend string
	KeystorePath   string
	SessionsPath   string
	AnalyticsPath  string
	PostgresDSN    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	// Scoring policy overrides (optional YAML file).
	PolicyPath string

	// Logging
	LogFile  string
	LogLevel string

	// Rate limiting
	RateLimitEnabled    bool
	RateLimitBackend    string // memory|redis
	CredentialPerSecond float64
	CredentialBurst     float64
	IPPerSecond         float64
	IPBurst             float64

	// Session expiry reaper
	ReapInterval time.Duration

	// Metrics exposition
	MetricsEnabled bool

	// Development account seeding. When the email is set the daemon
	// ensures the account exists and prints a fresh key on first boot.
	DevAccountEmail string
	DevAccountLimit int64
}

// LoadServiceConfig reads the current environment and loads the matching
// config file, then applies ROTACAP_* environment overrides.
func LoadServiceConfig(root string) (ServiceConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return ServiceConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return ServiceConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := ServiceConfig{
		Environment:    s.Environment,
		ListenAddr:     firstNonEmpty(os.Getenv("ROTACAP_LISTEN_ADDR"), merged["listen_addr"], ":8080"),
		Backend:        strings.ToLower(firstNonEmpty(os.Getenv("ROTACAP_BACKEND"), merged["backend"], "sqlite")),
		SessionBackend: strings.ToLower(firstNonEmpty(os.Getenv("ROTACAP_SESSION_BACKEND"), merged["session_backend"])),
		KeystorePath:   firstNonEmpty(os.Getenv("ROTACAP_KEYSTORE_PATH"), merged["keystore_path"], DefaultKeystorePath()),
		SessionsPath:   firstNonEmpty(os.Getenv("ROTACAP_SESSIONS_PATH"), merged["sessions_path"], DefaultSessionsPath()),
		AnalyticsPath:  firstNonEmpty(os.Getenv("ROTACAP_ANALYTICS_PATH"), merged["analytics_path"], DefaultAnalyticsPath()),
		PostgresDSN:    firstNonEmpty(os.Getenv("ROTACAP_POSTGRES_DSN"), merged["postgres_dsn"]),
		RedisAddr:      firstNonEmpty(os.Getenv("ROTACAP_REDIS_ADDR"), merged["redis_addr"], "127.0.0.1:6379"),
		RedisPassword:  firstNonEmpty(os.Getenv("ROTACAP_REDIS_PASSWORD"), merged["redis_password"]),
		RedisDB:        parseOptionalInt(firstNonEmpty(os.Getenv("ROTACAP_REDIS_DB"), merged["redis_db"]), 0),
		PolicyPath:     firstNonEmpty(os.Getenv("ROTACAP_POLICY_PATH"), merged["policy_path"]),
		LogFile:        firstNonEmpty(os.Getenv("ROTACAP_LOG_FILE"), merged["log_file"]),
		LogLevel:       strings.ToLower(firstNonEmpty(os.Getenv("ROTACAP_LOG_LEVEL"), merged["log_level"], "info")),
		MetricsEnabled: parseOptionalBool(firstNonEmpty(os.Getenv("ROTACAP_METRICS_ENABLED"), merged["metrics_enabled"]), true),
	}

	if cfg.SessionBackend == "" {
		cfg.SessionBackend = cfg.Backend
	}
	switch cfg.Backend {
	case "sqlite", "postgres":
	default:
		return ServiceConfig{}, fmt.Errorf("invalid backend %q (want sqlite or postgres)", cfg.Backend)
	}
	switch cfg.SessionBackend {
	case "sqlite", "postgres", "redis":
	default:
		return ServiceConfig{}, fmt.Errorf("invalid session_backend %q (want sqlite, postgres or redis)", cfg.SessionBackend)
	}
	if cfg.Backend == "postgres" && strings.TrimSpace(cfg.PostgresDSN) == "" {
		return ServiceConfig{}, errors.New("postgres backend requires postgres_dsn")
	}

	cfg.RateLimitEnabled = parseOptionalBool(firstNonEmpty(os.Getenv("ROTACAP_RATE_LIMIT_ENABLED"), merged["rate_limit_enabled"]), true)
	cfg.RateLimitBackend = strings.ToLower(firstNonEmpty(os.Getenv("ROTACAP_RATE_LIMIT_BACKEND"), merged["rate_limit_backend"], "memory"))
	switch cfg.RateLimitBackend {
	case "memory", "redis":
	default:
		return ServiceConfig{}, fmt.Errorf("invalid rate_limit_backend %q (want memory or redis)", cfg.RateLimitBackend)
	}
	cfg.CredentialPerSecond = parseOptionalFloat(firstNonEmpty(os.Getenv("ROTACAP_RATE_LIMIT_CREDENTIAL_RPS"), merged["rate_limit_credential_rps"]), 0)
	cfg.CredentialBurst = parseOptionalFloat(firstNonEmpty(os.Getenv("ROTACAP_RATE_LIMIT_CREDENTIAL_BURST"), merged["rate_limit_credential_burst"]), 0)
	cfg.IPPerSecond = parseOptionalFloat(firstNonEmpty(os.Getenv("ROTACAP_RATE_LIMIT_IP_RPS"), merged["rate_limit_ip_rps"]), 0)
	cfg.IPBurst = parseOptionalFloat(firstNonEmpty(os.Getenv("ROTACAP_RATE_LIMIT_IP_BURST"), merged["rate_limit_ip_burst"]), 0)

	if v := firstNonEmpty(os.Getenv("ROTACAP_REAP_INTERVAL"), merged["reap_interval"], "1m"); v != "" {
		dur, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return ServiceConfig{}, fmt.Errorf("invalid reap_interval %q: %w", v, err)
		}
		cfg.ReapInterval = dur
	}

	cfg.DevAccountEmail = strings.TrimSpace(strings.ToLower(firstNonEmpty(os.Getenv("ROTACAP_DEV_ACCOUNT_EMAIL"), merged["dev_account_email"])))
	cfg.DevAccountLimit = int64(parseOptionalInt(firstNonEmpty(os.Getenv("ROTACAP_DEV_ACCOUNT_LIMIT"), merged["dev_account_limit"]), 10000))

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalFloat(v string, fallback float64) float64 {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultKeystorePath returns the fallback keystore database location.
func DefaultKeystorePath() string {
	return defaultDataPath("keystore.db")
}

// DefaultSessionsPath returns the fallback sessions database location.
func DefaultSessionsPath() string {
	return defaultDataPath("sessions.db")
}

// DefaultAnalyticsPath returns the fallback analytics database location.
func DefaultAnalyticsPath() string {
	return defaultDataPath("analytics.db")
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".rotacap", name)
}
