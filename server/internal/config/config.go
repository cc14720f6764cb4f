package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/alertflow/pkg/types"
	"github.com/obsidianstack/alertflow/server/internal/enrich"
	"github.com/obsidianstack/alertflow/server/internal/evaluate"
	"github.com/obsidianstack/alertflow/server/internal/router"
	"github.com/obsidianstack/alertflow/server/internal/suppress"
)

// Default values for the server configuration.
const (
	DefaultGRPCPort          = 50051
	DefaultHTTPPort          = 8080
	DefaultHistoryTTL        = 30 * time.Minute
	DefaultBaselineFreshness = 6 * time.Hour
	DefaultDedupWindow       = 5 * time.Minute
	DefaultConfirmTimeout    = 10 * time.Second
	DefaultFunctionTimeout   = 10 * time.Second
	DefaultBreakerFailures   = 5
	DefaultBreakerTimeout    = 30 * time.Second
	DefaultDeadLetterPath    = "data/deadletters.db"
	DefaultRetention         = 30 * 24 * time.Hour
	DefaultPurgeSchedule     = "@daily"
	DefaultRedisPrefix       = "alertflow:dedup:"
)

// Config holds the server-side configuration parsed from the `server:` section
// of config.yaml.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// GRPCPort is the port the gRPC ingest service listens on (default 50051).
	GRPCPort int `yaml:"grpc_port"`

	// HTTPPort is the port the REST API and WebSocket hub listen on (default 8080).
	HTTPPort int `yaml:"http_port"`

	// LogLevel is one of debug | info | warn | error (default info).
	LogLevel string `yaml:"log_level"`

	Auth    AuthConfig    `yaml:"auth"`
	History HistoryConfig `yaml:"history"`
	Engine  EngineConfig  `yaml:"engine"`

	// Alarms lists the alarm ids suppression expressions may reference, in
	// addition to the names of the rules themselves.
	Alarms      []string          `yaml:"alarms"`
	Suppression SuppressionConfig `yaml:"suppression"`

	AnomalyMonitors []MonitorConfig   `yaml:"anomaly_monitors"`
	Budget          BudgetConfig      `yaml:"budget"`
	Redaction       RedactionConfig   `yaml:"redaction"`
	Subscriptions   []SubscriptionCfg `yaml:"subscriptions"`
	Routing         RoutingConfig     `yaml:"routing"`
	Retry           RetryConfig       `yaml:"retry"`

	Channels   ChannelsConfig   `yaml:"channels"`
	Redis      RedisConfig      `yaml:"redis"`
	NATS       NATSConfig       `yaml:"nats"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`

	// Compiled is filled by validation.
	Compiled Compiled `yaml:"-"`
}

// Compiled holds the checked, ready-to-use forms of the configuration.
type Compiled struct {
	Rules         []*suppress.Rule
	Identifiers   []enrich.Identifier
	Monitors      []evaluate.AnomalyMonitor
	Budget        *evaluate.Budget
	Subscriptions []router.Subscription
	Retry         router.RetryPolicy
}

// AuthConfig controls client authentication on the server side.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the gRPC metadata key (and HTTP header name) to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	return env(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// HistoryConfig controls the in-memory delivery history.
type HistoryConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// EngineConfig holds pipeline-wide settings.
type EngineConfig struct {
	// DefaultSeverity applies to events of unknown source. Empty drops them.
	DefaultSeverity   string           `yaml:"default_severity"`
	BaselineFreshness time.Duration    `yaml:"baseline_freshness"`
	Enrichment        EnrichmentConfig `yaml:"enrichment"`
}

// EnrichmentConfig controls the fields added to every routed event.
type EnrichmentConfig struct {
	// RunbookTemplate is a text/template over .Severity, .Source,
	// .AlarmName, .MetricName and .Namespace.
	RunbookTemplate string            `yaml:"runbook_template"`
	DefaultTags     map[string]string `yaml:"default_tags"`
}

// SuppressionConfig holds the composite alarm rules.
type SuppressionConfig struct {
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig is one composite alarm.
type RuleConfig struct {
	Name            string        `yaml:"name"`
	Expression      string        `yaml:"expression"`
	Suppressor      string        `yaml:"suppressor"`
	WaitPeriod      time.Duration `yaml:"wait_period"`
	ExtensionPeriod time.Duration `yaml:"extension_period"`
}

// MonitorConfig is one cost anomaly monitor.
type MonitorConfig struct {
	Name                string  `yaml:"name"`
	Dimension           string  `yaml:"dimension"`
	ThresholdAbsolute   float64 `yaml:"threshold_absolute"`
	ThresholdPercentage float64 `yaml:"threshold_percentage"`
	Frequency           string  `yaml:"frequency"`
}

// BudgetConfig is the optional spend budget. An amount of zero disables it.
type BudgetConfig struct {
	Amount      float64 `yaml:"amount"`
	WarningPct  float64 `yaml:"warning_pct"`
	CriticalPct float64 `yaml:"critical_pct"`
}

// RedactionConfig lists the identifiers applied to free-text fields.
type RedactionConfig struct {
	Identifiers []IdentifierConfig `yaml:"identifiers"`
}

// IdentifierConfig names a built-in identifier or supplies a pattern.
type IdentifierConfig struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	// Action is redact or audit (default redact).
	Action string `yaml:"action"`
}

// SubscriptionCfg maps a severity tier to one delivery endpoint.
type SubscriptionCfg struct {
	Severity    string  `yaml:"severity"`
	Channel     string  `yaml:"channel"`
	Endpoint    string  `yaml:"endpoint"`
	AutoConfirm bool    `yaml:"auto_confirm"`
	RateLimit   float64 `yaml:"rate_limit"`
}

// RoutingConfig controls dedup and the aggregate path.
type RoutingConfig struct {
	DedupWindow time.Duration `yaml:"dedup_window"`
	// DedupBackend is memory or redis (default memory).
	DedupBackend string `yaml:"dedup_backend"`
	// AggregateSubject, when set, receives every routed event over NATS.
	AggregateSubject string `yaml:"aggregate_subject"`
}

// RetryConfig bounds delivery attempts per subscription.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// ChannelsConfig configures the delivery adapters.
type ChannelsConfig struct {
	Email    EmailConfig    `yaml:"email"`
	SMS      SMSConfig      `yaml:"sms"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Function FunctionConfig `yaml:"function"`
}

// EmailConfig is the SMTP relay used by email subscriptions.
type EmailConfig struct {
	Addr        string `yaml:"addr"`
	From        string `yaml:"from"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// Password returns the SMTP password resolved from the environment.
func (e EmailConfig) Password() string { return env(e.PasswordEnv) }

// SMSConfig is the HTTP SMS provider.
type SMSConfig struct {
	URL      string `yaml:"url"`
	TokenEnv string `yaml:"token_env"`
	Sender   string `yaml:"sender"`
}

// Token returns the provider token resolved from the environment.
func (s SMSConfig) Token() string { return env(s.TokenEnv) }

// WebhookConfig controls the webhook adapter.
type WebhookConfig struct {
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// FunctionConfig controls the Lambda adapter. Region falls back to the AWS
// SDK's default chain when empty.
type FunctionConfig struct {
	Region          string        `yaml:"region"`
	Timeout         time.Duration `yaml:"timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

// RedisConfig is used when routing.dedup_backend is redis.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	Prefix      string `yaml:"prefix"`
}

// Password returns the Redis password resolved from the environment.
func (r RedisConfig) Password() string { return env(r.PasswordEnv) }

// NATSConfig is used by queue subscriptions and the aggregate path.
type NATSConfig struct {
	URL       string `yaml:"url"`
	JetStream bool   `yaml:"jetstream"`
}

// DeadLetterConfig controls the dead-letter sink and its retention.
type DeadLetterConfig struct {
	// Backend is sqlite or memory (default sqlite).
	Backend       string        `yaml:"backend"`
	Path          string        `yaml:"path"`
	Retention     time.Duration `yaml:"retention"`
	PurgeSchedule string        `yaml:"purge_schedule"`
}

// UsesChannel reports whether any subscription delivers over ch.
func (s *ServerConfig) UsesChannel(ch types.ChannelType) bool {
	for _, sub := range s.Compiled.Subscriptions {
		if sub.Channel == ch {
			return true
		}
	}
	return false
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("alertflow config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("alertflow config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("alertflow config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCPort: DefaultGRPCPort,
			HTTPPort: DefaultHTTPPort,
			LogLevel: "info",
			History:  HistoryConfig{TTL: DefaultHistoryTTL},
			Engine:   EngineConfig{BaselineFreshness: DefaultBaselineFreshness},
			Routing: RoutingConfig{
				DedupWindow:  DefaultDedupWindow,
				DedupBackend: "memory",
			},
			Retry: RetryConfig{
				MaxAttempts:    router.DefaultRetryPolicy.MaxAttempts,
				BackoffBase:    router.DefaultRetryPolicy.BackoffBase,
				BackoffMax:     router.DefaultRetryPolicy.BackoffMax,
				AttemptTimeout: router.DefaultRetryPolicy.AttemptTimeout,
			},
			Channels: ChannelsConfig{
				Webhook: WebhookConfig{ConfirmTimeout: DefaultConfirmTimeout},
				Function: FunctionConfig{
					Timeout:         DefaultFunctionTimeout,
					BreakerFailures: DefaultBreakerFailures,
					BreakerTimeout:  DefaultBreakerTimeout,
				},
			},
			Redis: RedisConfig{Prefix: DefaultRedisPrefix},
			DeadLetter: DeadLetterConfig{
				Backend:       "sqlite",
				Path:          DefaultDeadLetterPath,
				Retention:     DefaultRetention,
				PurgeSchedule: DefaultPurgeSchedule,
			},
		},
	}
}

// validate checks structural constraints on the parsed configuration and
// fills s.Compiled.
func validate(cfg *Config) error {
	s := &cfg.Server
	if s.GRPCPort <= 0 || s.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [1, 65535]", s.GRPCPort)
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.log_level %q unknown: want debug|info|warn|error", s.LogLevel)
	}
	switch s.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", s.Auth.Mode)
	}
	if s.History.TTL <= 0 {
		return fmt.Errorf("server.history.ttl must be positive")
	}

	if s.Engine.DefaultSeverity != "" && !types.Severity(s.Engine.DefaultSeverity).Valid() {
		return fmt.Errorf("server.engine.default_severity %q is not a severity tier", s.Engine.DefaultSeverity)
	}
	if s.Engine.BaselineFreshness < 0 {
		return fmt.Errorf("server.engine.baseline_freshness must not be negative")
	}
	if _, err := enrich.NewEnricher(s.Engine.Enrichment.RunbookTemplate, nil); err != nil {
		return fmt.Errorf("server.engine.enrichment.runbook_template: %w", err)
	}

	if err := compileRules(s); err != nil {
		return err
	}
	if err := compileMonitors(s); err != nil {
		return err
	}
	if s.Budget.Amount != 0 || s.Budget.WarningPct != 0 || s.Budget.CriticalPct != 0 {
		b, err := evaluate.NewBudget(s.Budget.Amount, s.Budget.WarningPct, s.Budget.CriticalPct)
		if err != nil {
			return fmt.Errorf("server.budget: %w", err)
		}
		s.Compiled.Budget = &b
	}
	if err := compileIdentifiers(s); err != nil {
		return err
	}
	if err := compileRouting(s); err != nil {
		return err
	}
	return validateDeadLetter(s)
}

func compileRules(s *ServerConfig) error {
	specs := make([]suppress.RuleSpec, len(s.Suppression.Rules))
	for i, r := range s.Suppression.Rules {
		specs[i] = suppress.RuleSpec{
			Name:            r.Name,
			Expression:      r.Expression,
			Suppressor:      r.Suppressor,
			WaitPeriod:      r.WaitPeriod,
			ExtensionPeriod: r.ExtensionPeriod,
		}
	}
	rules, err := suppress.Compile(specs, s.Alarms)
	if err != nil {
		return fmt.Errorf("server.suppression: %w", err)
	}
	s.Compiled.Rules = rules
	return nil
}

func compileMonitors(s *ServerConfig) error {
	seen := make(map[string]struct{}, len(s.AnomalyMonitors))
	for i, mc := range s.AnomalyMonitors {
		if mc.Name == "" {
			return fmt.Errorf("server.anomaly_monitors[%d]: name is required", i)
		}
		m := evaluate.AnomalyMonitor{
			Name:                mc.Name,
			Dimension:           evaluate.MonitorDimension(mc.Dimension),
			ThresholdAbsolute:   mc.ThresholdAbsolute,
			ThresholdPercentage: mc.ThresholdPercentage,
			Frequency:           evaluate.Frequency(mc.Frequency),
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("server.anomaly_monitors[%d]: %w", i, err)
		}
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("server.anomaly_monitors[%d]: duplicate name %q", i, m.Name)
		}
		seen[m.Name] = struct{}{}
		s.Compiled.Monitors = append(s.Compiled.Monitors, m)
	}
	return nil
}

func compileIdentifiers(s *ServerConfig) error {
	specs := make([]enrich.IdentifierSpec, len(s.Redaction.Identifiers))
	for i, ic := range s.Redaction.Identifiers {
		action := enrich.Action(ic.Action)
		if action == "" {
			action = enrich.ActionRedact
		}
		specs[i] = enrich.IdentifierSpec{Name: ic.Name, Pattern: ic.Pattern, Action: action}
	}
	ids, err := enrich.CompileIdentifiers(specs)
	if err != nil {
		return fmt.Errorf("server.redaction: %w", err)
	}
	s.Compiled.Identifiers = ids
	return nil
}

func compileRouting(s *ServerConfig) error {
	for i, sc := range s.Subscriptions {
		sub := router.Subscription{
			Severity:    types.Severity(sc.Severity),
			Channel:     types.ChannelType(sc.Channel),
			Endpoint:    sc.Endpoint,
			AutoConfirm: sc.AutoConfirm,
			RateLimit:   sc.RateLimit,
		}
		if err := sub.Validate(); err != nil {
			return fmt.Errorf("server.subscriptions[%d]: %w", i, err)
		}
		s.Compiled.Subscriptions = append(s.Compiled.Subscriptions, sub)
	}

	switch s.Routing.DedupBackend {
	case "memory":
	case "redis":
		if s.Redis.Addr == "" {
			return fmt.Errorf("server.redis.addr is required when routing.dedup_backend is redis")
		}
	default:
		return fmt.Errorf("server.routing.dedup_backend %q unknown: want memory|redis", s.Routing.DedupBackend)
	}
	if s.Routing.DedupWindow <= 0 {
		return fmt.Errorf("server.routing.dedup_window must be positive")
	}

	needNATS := s.Routing.AggregateSubject != "" || s.UsesChannel(types.ChannelQueue)
	if needNATS && s.NATS.URL == "" {
		return fmt.Errorf("server.nats.url is required for queue subscriptions and the aggregate path")
	}
	if s.UsesChannel(types.ChannelEmail) && (s.Channels.Email.Addr == "" || s.Channels.Email.From == "") {
		return fmt.Errorf("server.channels.email.addr and from are required for email subscriptions")
	}
	if s.UsesChannel(types.ChannelSMS) && s.Channels.SMS.URL == "" {
		return fmt.Errorf("server.channels.sms.url is required for sms subscriptions")
	}

	r := s.Retry
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("server.retry.max_attempts must be positive")
	}
	if r.BackoffBase <= 0 || r.BackoffMax < r.BackoffBase {
		return fmt.Errorf("server.retry: backoff_base must be positive and not above backoff_max")
	}
	if r.AttemptTimeout <= 0 {
		return fmt.Errorf("server.retry.attempt_timeout must be positive")
	}
	s.Compiled.Retry = router.RetryPolicy{
		MaxAttempts:    r.MaxAttempts,
		BackoffBase:    r.BackoffBase,
		BackoffMax:     r.BackoffMax,
		AttemptTimeout: r.AttemptTimeout,
	}
	return nil
}

func validateDeadLetter(s *ServerConfig) error {
	dl := s.DeadLetter
	switch dl.Backend {
	case "sqlite":
		if dl.Path == "" {
			return fmt.Errorf("server.dead_letter.path is required for the sqlite backend")
		}
	case "memory":
	default:
		return fmt.Errorf("server.dead_letter.backend %q unknown: want sqlite|memory", dl.Backend)
	}
	if dl.Retention <= 0 {
		return fmt.Errorf("server.dead_letter.retention must be positive")
	}
	if _, err := cron.ParseStandard(dl.PurgeSchedule); err != nil {
		return fmt.Errorf("server.dead_letter.purge_schedule %q: %w", dl.PurgeSchedule, err)
	}
	return nil
}

func env(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}
