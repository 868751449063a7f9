// Package core provides configuration management for sentinel.
package core

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/namansh70747/sentinel/internal/chaos"
	"github.com/namansh70747/sentinel/internal/health"
	"github.com/namansh70747/sentinel/internal/jobs"
	"github.com/namansh70747/sentinel/internal/remediation"
	"github.com/namansh70747/sentinel/internal/validation"
)

// DefaultConfigPath is used when neither --config nor SENTINEL_CONFIG_PATH is set.
const DefaultConfigPath = "configs/sentinel.yaml"

// Duration is a time.Duration written as a Go duration string ("10s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

type AppConfig struct {
	Name      string `yaml:"name" validate:"required"`
	Version   string `yaml:"version" validate:"required"`
	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`
}

// DatabaseConfig selects the incident store. When disabled the in-memory
// store is used and nothing survives a restart.
type DatabaseConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Host            string   `yaml:"host" validate:"required_if=Enabled true"`
	Port            int      `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User            string   `yaml:"user" validate:"required_if=Enabled true"`
	Password        string   `yaml:"password"`
	DBName          string   `yaml:"dbname" validate:"required_if=Enabled true"`
	SSLMode         string   `yaml:"sslmode" validate:"omitempty,oneof=disable require verify-ca verify-full prefer allow"`
	MaxConnections  int      `yaml:"max_connections" validate:"min=0"`
	MinConnections  int      `yaml:"min_connections" validate:"min=0"`
	MaxConnLifetime Duration `yaml:"max_conn_lifetime"`
	ConnectTimeout  Duration `yaml:"connect_timeout"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
	// Sessions enables the pg_stat_activity collector and session actions
	// against this database.
	Sessions bool `yaml:"sessions"`
}

type PrometheusConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url" validate:"omitempty,url"`
	Timeout Duration          `yaml:"timeout"`
	Queries map[string]string `yaml:"queries"`
}

type KubernetesConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Namespace  string `yaml:"namespace"`
	Kubeconfig string `yaml:"kubeconfig"`
	Selector   string `yaml:"selector"`
}

type MonitorConfig struct {
	PollInterval        Duration `yaml:"poll_interval"`
	MinIncidentSeverity string   `yaml:"min_incident_severity" validate:"omitempty,oneof=warning critical"`
	AutoRemediate       bool     `yaml:"auto_remediate"`
	LongQueryThreshold  Duration `yaml:"long_query_threshold"`
}

type EscalationConfig struct {
	Timeout       Duration `yaml:"timeout"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

type RemediationConfig struct {
	Timeout       Duration                      `yaml:"timeout"`
	MaxAttempts   int                           `yaml:"max_attempts" validate:"min=0"`
	MaxConcurrent int                           `yaml:"max_concurrent" validate:"min=0"`
	Plan          map[string]remediation.Action `yaml:"plan"`
}

type NotifierConfig struct {
	Enabled bool `yaml:"enabled"`
	// URL of the NATS server. Empty starts an embedded server.
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type APIConfig struct {
	Addr         string   `yaml:"addr" validate:"required"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	RateLimit    float64  `yaml:"rate_limit" validate:"min=0"`
	RateBurst    int      `yaml:"rate_burst" validate:"min=0"`
}

type ChaosConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Cooldown  Duration         `yaml:"cooldown"`
	Scenarios []chaos.Scenario `yaml:"scenarios" validate:"dive"`
}

type JobConfig struct {
	Name string `yaml:"name" validate:"required"`
	// Schedule is "@every <duration>" or a five-field cron expression.
	Schedule    string   `yaml:"schedule"`
	SQL         string   `yaml:"sql" validate:"required"`
	Disabled    bool     `yaml:"disabled"`
	Timeout     Duration `yaml:"timeout"`
	Description string   `yaml:"description"`
}

// JobsConfig schedules SQL maintenance jobs. Jobs need the database.
type JobsConfig struct {
	Enabled       bool        `yaml:"enabled"`
	CheckInterval Duration    `yaml:"check_interval"`
	Severity      string      `yaml:"severity" validate:"omitempty,oneof=warning critical"`
	Definitions   []JobConfig `yaml:"definitions" validate:"dive"`
}

type ValidationConfig struct {
	Enabled bool `yaml:"enabled"`
	// Interval between scheduled runs. Zero runs rules only on demand.
	Interval    Duration          `yaml:"interval"`
	RuleTimeout Duration          `yaml:"rule_timeout"`
	Report      bool              `yaml:"report"`
	Rules       []validation.Rule `yaml:"rules" validate:"dive"`
}

// Config holds all sentinel configuration.
type Config struct {
	App         AppConfig              `yaml:"app"`
	Database    DatabaseConfig         `yaml:"database"`
	Prometheus  PrometheusConfig       `yaml:"prometheus"`
	Kubernetes  KubernetesConfig       `yaml:"kubernetes"`
	Monitor     MonitorConfig          `yaml:"monitor"`
	Escalation  EscalationConfig       `yaml:"escalation"`
	Remediation RemediationConfig      `yaml:"remediation"`
	Thresholds  []health.ThresholdRule `yaml:"thresholds"`
	Notifier    NotifierConfig         `yaml:"notifier"`
	API         APIConfig              `yaml:"api"`
	Chaos       ChaosConfig            `yaml:"chaos"`
	Jobs        JobsConfig             `yaml:"jobs"`
	Validation  ValidationConfig       `yaml:"validation"`
}

// ConfigPath resolves the config file location from a flag value and the
// environment.
func ConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv("SENTINEL_CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultConfigPath
}

// LoadConfig reads, expands, overrides and validates configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig is LoadConfig without the file access.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.ApplyEnvOverrides()
	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:default}. An unset variable without a
// default becomes the empty string.
func ExpandEnv(raw string) string {
	return envPattern.ReplaceAllStringFunc(raw, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if v, ok := os.LookupEnv(parts[1]); ok {
			return v
		}
		return parts[2]
	})
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if host := os.Getenv("SENTINEL_DB_HOST"); host != "" {
		c.Database.Host = host
	}
	if user := os.Getenv("SENTINEL_DB_USER"); user != "" {
		c.Database.User = user
	}
	if password := os.Getenv("SENTINEL_DB_PASSWORD"); password != "" {
		c.Database.Password = password
	}
	if dbname := os.Getenv("SENTINEL_DB_NAME"); dbname != "" {
		c.Database.DBName = dbname
	}
	if promURL := os.Getenv("SENTINEL_PROMETHEUS_URL"); promURL != "" {
		c.Prometheus.URL = promURL
	}
	if natsURL := os.Getenv("SENTINEL_NATS_URL"); natsURL != "" {
		c.Notifier.URL = natsURL
	}
	if logLevel := os.Getenv("SENTINEL_LOG_LEVEL"); logLevel != "" {
		c.App.LogLevel = logLevel
	}
}

func defaultDuration(d *Duration, def time.Duration) {
	if d.Duration <= 0 {
		d.Duration = def
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "sentinel"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = 10
	}
	defaultDuration(&c.Prometheus.Timeout, 10*time.Second)
	if c.Kubernetes.Namespace == "" {
		c.Kubernetes.Namespace = "default"
	}
	defaultDuration(&c.Monitor.PollInterval, 10*time.Second)
	defaultDuration(&c.Monitor.LongQueryThreshold, 5*time.Minute)
	if c.Monitor.MinIncidentSeverity == "" {
		c.Monitor.MinIncidentSeverity = string(health.SeverityWarning)
	}
	defaultDuration(&c.Escalation.Timeout, 30*time.Minute)
	defaultDuration(&c.Escalation.SweepInterval, time.Minute)
	defaultDuration(&c.Remediation.Timeout, 30*time.Second)
	if c.Remediation.MaxAttempts == 0 {
		c.Remediation.MaxAttempts = 1
	}
	if c.Remediation.MaxConcurrent == 0 {
		c.Remediation.MaxConcurrent = 4
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8081"
	}
	defaultDuration(&c.API.ReadTimeout, 10*time.Second)
	defaultDuration(&c.API.WriteTimeout, 60*time.Second)
	defaultDuration(&c.Chaos.Cooldown, 30*time.Second)
	if c.Chaos.Enabled && len(c.Chaos.Scenarios) == 0 {
		c.Chaos.Scenarios = chaos.DefaultScenarios()
	}
	defaultDuration(&c.Jobs.CheckInterval, 5*time.Second)
	if c.Jobs.Severity == "" {
		c.Jobs.Severity = string(health.SeverityWarning)
	}
	for i := range c.Jobs.Definitions {
		defaultDuration(&c.Jobs.Definitions[i].Timeout, time.Minute)
	}
	defaultDuration(&c.Validation.RuleTimeout, 30*time.Second)
}

var validate = validator.New()

// Validate checks struct constraints, the threshold rules and that the
// remediation plan covers every incident type the configuration can produce.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	var errs []error
	if err := health.ValidateRules(c.Thresholds); err != nil {
		errs = append(errs, err)
	}
	if c.Prometheus.Enabled && c.Prometheus.URL == "" {
		errs = append(errs, errors.New("prometheus.url cannot be empty when prometheus is enabled"))
	}
	if c.Prometheus.Enabled && len(c.Prometheus.Queries) == 0 {
		errs = append(errs, errors.New("prometheus.queries cannot be empty when prometheus is enabled"))
	}
	if c.Escalation.SweepInterval.Duration > c.Escalation.Timeout.Duration {
		errs = append(errs, errors.New("escalation.sweep_interval must not exceed escalation.timeout"))
	}
	if c.Jobs.Enabled && !c.Database.Enabled {
		errs = append(errs, errors.New("jobs require database.enabled"))
	}
	if c.Validation.Enabled && !c.Database.Enabled {
		errs = append(errs, errors.New("validation requires database.enabled"))
	}
	jobNames := map[string]bool{}
	for _, j := range c.Jobs.Definitions {
		if jobNames[j.Name] {
			errs = append(errs, fmt.Errorf("duplicate job name %q", j.Name))
		}
		jobNames[j.Name] = true
		if _, err := jobs.ParseSchedule(j.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", j.Name, err))
		}
	}
	ruleNames := map[string]bool{}
	for _, r := range c.Validation.Rules {
		if ruleNames[r.Name] {
			errs = append(errs, fmt.Errorf("duplicate validation rule %q", r.Name))
		}
		ruleNames[r.Name] = true
		if err := r.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.Plan().Check(c.IncidentTypes(), nil); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// IncidentTypes lists every type the monitor and chaos injector can report.
func (c *Config) IncidentTypes() []string {
	types := health.Types(c.Thresholds)
	if c.Chaos.Enabled {
		for _, s := range c.Chaos.Scenarios {
			types = append(types, s.Type())
		}
	}
	if c.Jobs.Enabled && len(c.JobDefinitions()) > 0 {
		types = append(types, jobs.IncidentType)
	}
	if c.Validation.Enabled && c.Validation.Report && len(c.Validation.Rules) > 0 {
		types = append(types, validation.IncidentType)
	}
	return types
}

// JobDefinitions returns the jobs that are not disabled.
func (c *Config) JobDefinitions() []jobs.Job {
	var out []jobs.Job
	for _, j := range c.Jobs.Definitions {
		if j.Disabled {
			continue
		}
		out = append(out, jobs.Job{
			Name:        j.Name,
			Schedule:    j.Schedule,
			SQL:         j.SQL,
			Description: j.Description,
			Timeout:     j.Timeout.Duration,
		})
	}
	return out
}

func (c *Config) Plan() *remediation.Plan {
	return remediation.NewPlan(c.Remediation.Plan)
}

// ChaosScenarios returns the configured scenarios with the shared cooldown applied.
func (c *Config) ChaosScenarios() []chaos.Scenario {
	out := make([]chaos.Scenario, len(c.Chaos.Scenarios))
	for i, s := range c.Chaos.Scenarios {
		s.Cooldown = c.Chaos.Cooldown.Duration
		out[i] = s
	}
	return out
}

// GetDatabaseURL returns PostgreSQL connection string
func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Database.User, c.Database.Password),
		Host:   fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:   c.Database.DBName,
	}
	q := u.Query()
	q.Set("sslmode", c.Database.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() Config {
	out := *c
	if out.Database.Password != "" {
		out.Database.Password = strings.Repeat("*", 8)
	}
	return out
}
