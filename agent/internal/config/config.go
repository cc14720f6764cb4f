package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/alertflow/pkg/types"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultScrapeInterval  = 30 * time.Second
	DefaultBufferSize      = 1000
	DefaultBatchSize       = 100
	DefaultCertWarningDays = 14
	DefaultNamespace       = "alertflow/agent"
)

// Utilisation kinds with built-in thresholds.
const (
	KindCPU    = "cpu"
	KindMemory = "memory"
	KindDisk   = "disk"
)

// Threshold levels.
const (
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// defaultThresholds are the utilisation percentages a watch rule falls back
// to when it names a kind but no threshold.
var defaultThresholds = map[string]map[string]float64{
	KindCPU:    {LevelWarning: 70, LevelCritical: 90},
	KindMemory: {LevelWarning: 75, LevelCritical: 90},
	KindDisk:   {LevelWarning: 80, LevelCritical: 95},
}

// DefaultThreshold returns the built-in threshold for kind at level.
func DefaultThreshold(kind, level string) (float64, bool) {
	v, ok := defaultThresholds[kind][level]
	return v, ok
}

// Config is the top-level agent configuration.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// ID identifies this agent in ingest requests. Defaults to the hostname.
	ID string `yaml:"id"`

	// ServerEndpoint is the gRPC address of alertflow-server (host:port).
	ServerEndpoint string `yaml:"server_endpoint"`

	// ScrapeInterval controls how often each source is polled.
	ScrapeInterval time.Duration `yaml:"scrape_interval"`

	// BufferSize is the maximum number of events held in memory when
	// the server is unreachable.
	BufferSize int `yaml:"buffer_size"`

	// BatchSize caps the events sent in one Ingest call.
	BatchSize int `yaml:"batch_size"`

	// CertWarningDays is how close to expiry a source certificate must be
	// before the agent reports a security finding.
	CertWarningDays int `yaml:"cert_warning_days"`

	// Namespace is set on every metric event the agent produces.
	Namespace string `yaml:"namespace"`

	Sources []Source    `yaml:"sources"`
	Watches []WatchRule `yaml:"watches"`

	// ServerAuth configures how the agent authenticates to alertflow-server.
	ServerAuth AuthConfig `yaml:"server_auth"`
}

// Source describes one scraped metrics endpoint.
type Source struct {
	ID string `yaml:"id"`

	// Type is the exposition format. Only prometheus is supported.
	Type string `yaml:"type"`

	// Endpoint is the full URL of the metrics endpoint.
	Endpoint string `yaml:"endpoint"`

	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`
}

// WatchRule turns one metric into a raw-sample alarm.
type WatchRule struct {
	// AlarmName is the alarm id reported to the server.
	AlarmName string `yaml:"alarm_name"`

	// Metric is the metric family name to read.
	Metric string `yaml:"metric"`

	// Sources restricts the rule to these source ids. Empty means all.
	Sources []string `yaml:"sources"`

	// Labels selects series whose labels all match.
	Labels map[string]string `yaml:"labels"`

	// Aggregate combines matching series: sum | avg | max | rate.
	// rate is the per-minute increase of the summed counter.
	Aggregate string `yaml:"aggregate"`

	// Operator is a CloudWatch comparison operator name.
	Operator string `yaml:"operator"`

	// Threshold is optional when Kind is set.
	Threshold *float64 `yaml:"threshold"`

	// Kind is cpu | memory | disk and selects a default threshold.
	Kind string `yaml:"kind"`

	// Level is warning | critical (default critical).
	Level string `yaml:"level"`
}

// AppliesTo reports whether the rule watches source id.
func (w WatchRule) AppliesTo(id string) bool {
	if len(w.Sources) == 0 {
		return true
	}
	for _, s := range w.Sources {
		if s == id {
			return true
		}
	}
	return false
}

// AuthConfig specifies the authentication mode for a source or the server.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the HTTP header (or gRPC metadata key) carrying the API key.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	TokenEnv string `yaml:"token_env"`

	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
func (a AuthConfig) Key() string { return env(a.KeyEnv) }

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string { return env(a.TokenEnv) }

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string { return env(a.PasswordEnv) }

// EffectiveHeader returns the configured header name, or "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// TLSConfig holds per-source TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

func env(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	id, _ := os.Hostname()
	return &Config{
		Agent: AgentConfig{
			ID:              id,
			ScrapeInterval:  DefaultScrapeInterval,
			BufferSize:      DefaultBufferSize,
			BatchSize:       DefaultBatchSize,
			CertWarningDays: DefaultCertWarningDays,
			Namespace:       DefaultNamespace,
		},
	}
}

// validate checks required fields and structural constraints, and fills
// watch rule defaults.
func validate(cfg *Config) error {
	a := &cfg.Agent
	if a.ServerEndpoint == "" {
		return fmt.Errorf("agent.server_endpoint is required")
	}
	if a.ScrapeInterval <= 0 {
		return fmt.Errorf("agent.scrape_interval must be positive")
	}
	if a.BufferSize <= 0 {
		return fmt.Errorf("agent.buffer_size must be positive")
	}
	if a.BatchSize <= 0 || a.BatchSize > 1000 {
		return fmt.Errorf("agent.batch_size must be between 1 and 1000")
	}
	if a.CertWarningDays < 0 {
		return fmt.Errorf("agent.cert_warning_days must not be negative")
	}

	ids := make(map[string]bool, len(a.Sources))
	for i, src := range a.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if ids[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		ids[src.ID] = true
		if src.Endpoint == "" {
			return fmt.Errorf("sources[%d] %q: endpoint is required", i, src.ID)
		}
		switch src.Type {
		case "prometheus", "":
		default:
			return fmt.Errorf("sources[%d] %q: unknown type %q", i, src.ID, src.Type)
		}
		if err := validateAuth(src.Auth); err != nil {
			return fmt.Errorf("sources[%d] %q: %w", i, src.ID, err)
		}
	}
	if err := validateAuth(a.ServerAuth); err != nil {
		return fmt.Errorf("agent.server_auth: %w", err)
	}

	for i := range a.Watches {
		if err := validateWatch(&a.Watches[i], ids); err != nil {
			return fmt.Errorf("watches[%d]: %w", i, err)
		}
	}
	return nil
}

func validateAuth(a AuthConfig) error {
	switch a.Mode {
	case "mtls", "apikey", "bearer", "basic", "none", "":
		return nil
	}
	return fmt.Errorf("unknown auth mode %q", a.Mode)
}

func validateWatch(w *WatchRule, sources map[string]bool) error {
	if w.Metric == "" {
		return fmt.Errorf("metric is required")
	}
	if w.AlarmName == "" {
		w.AlarmName = w.Metric
	}
	for _, id := range w.Sources {
		if !sources[id] {
			return fmt.Errorf("%q: unknown source %q", w.AlarmName, id)
		}
	}

	switch w.Aggregate {
	case "":
		w.Aggregate = "sum"
	case "sum", "avg", "max", "rate":
	default:
		return fmt.Errorf("%q: unknown aggregate %q", w.AlarmName, w.Aggregate)
	}

	if w.Operator == "" {
		w.Operator = string(types.GreaterThanOrEqualToThreshold)
	}
	if !types.ComparisonOperator(w.Operator).Valid() {
		return fmt.Errorf("%q: unknown operator %q", w.AlarmName, w.Operator)
	}

	if w.Level == "" {
		w.Level = LevelCritical
	}
	if w.Level != LevelWarning && w.Level != LevelCritical {
		return fmt.Errorf("%q: unknown level %q", w.AlarmName, w.Level)
	}

	if w.Threshold == nil {
		v, ok := DefaultThreshold(w.Kind, w.Level)
		if !ok {
			return fmt.Errorf("%q: threshold is required unless kind is cpu, memory or disk", w.AlarmName)
		}
		w.Threshold = &v
	}
	return nil
}
