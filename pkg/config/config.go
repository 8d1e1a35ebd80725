package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// MISSION_STORE_DRIVER=redis.
const EnvPrefix = "MISSION"

type Config struct {
	App          AppConfig                 `mapstructure:"app" json:"app"`
	Server       ServerConfig              `mapstructure:"server" json:"server"`
	Gateways     map[string]GatewayConfig  `mapstructure:"gateways" json:"gateways"`
	Providers    map[string]ProviderConfig `mapstructure:"providers" json:"providers"`
	Store        StoreConfig               `mapstructure:"store" json:"store"`
	Orchestrator OrchestratorConfig        `mapstructure:"orchestrator" json:"orchestrator"`
	Planner      PlannerConfig             `mapstructure:"planner" json:"planner"`
	Connectors   ConnectorsConfig          `mapstructure:"connectors" json:"connectors"`
	Policy       PolicyConfig              `mapstructure:"policy" json:"policy"`
	Missions     MissionsConfig            `mapstructure:"missions" json:"missions"`
	Prompts      PromptsConfig             `mapstructure:"prompts" json:"prompts"`
}

type AppConfig struct {
	Name      string `mapstructure:"name" json:"name"`
	Workspace string `mapstructure:"workspace" json:"workspace"`
	Dashboard bool   `mapstructure:"dashboard" json:"dashboard"`
}

type ServerConfig struct {
	Addr      string `mapstructure:"addr" json:"addr"`
	JWTSecret string `mapstructure:"jwt_secret" json:"-"`
}

type GatewayConfig struct {
	Token        string  `mapstructure:"token" json:"-"`
	Enabled      bool    `mapstructure:"enabled" json:"enabled"`
	AllowedChats []int64 `mapstructure:"allowed_chats" json:"allowed_chats,omitempty"`
	Channel      string  `mapstructure:"channel" json:"channel,omitempty"`
}

type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key" json:"-"`
	Model   string `mapstructure:"model" json:"model"`
	BaseURL string `mapstructure:"base_url" json:"base_url,omitempty"`
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver" json:"driver"`
	Path        string `mapstructure:"path" json:"path"`
	RedisURL    string `mapstructure:"redis_url" json:"-"`
	RedisPrefix string `mapstructure:"redis_prefix" json:"redis_prefix"`
}

type OrchestratorConfig struct {
	RetryCeiling   int           `mapstructure:"retry_ceiling" json:"retry_ceiling"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" json:"max_backoff"`
	StepTimeout    time.Duration `mapstructure:"step_timeout" json:"step_timeout"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl" json:"lease_ttl"`
	MaxConcurrent  int           `mapstructure:"max_concurrent" json:"max_concurrent"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
	StaleAfter     time.Duration `mapstructure:"stale_after" json:"stale_after"`
}

type PlannerConfig struct {
	Timeout             time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxInstructionChars int           `mapstructure:"max_instruction_chars" json:"max_instruction_chars"`
	MaxSteps            int           `mapstructure:"max_steps" json:"max_steps"`
}

type ConnectorsConfig struct {
	CRM   CRMConfig   `mapstructure:"crm" json:"crm"`
	Email EmailConfig `mapstructure:"email" json:"email"`
	Calls CallsConfig `mapstructure:"calls" json:"calls"`
	Web   WebConfig   `mapstructure:"web" json:"web"`
}

type CRMConfig struct {
	Enabled        bool          `mapstructure:"enabled" json:"enabled"`
	BaseURL        string        `mapstructure:"base_url" json:"base_url"`
	Headless       bool          `mapstructure:"headless" json:"headless"`
	ScreenshotDir  string        `mapstructure:"screenshot_dir" json:"screenshot_dir"`
	ActionTimeout  time.Duration `mapstructure:"action_timeout" json:"action_timeout"`
	NoteSelector   string        `mapstructure:"note_selector" json:"note_selector,omitempty"`
	SubmitSelector string        `mapstructure:"submit_selector" json:"submit_selector,omitempty"`
}

type EmailConfig struct {
	Enabled  bool   `mapstructure:"enabled" json:"enabled"`
	Host     string `mapstructure:"host" json:"host"`
	Port     int    `mapstructure:"port" json:"port"`
	Username string `mapstructure:"username" json:"username,omitempty"`
	Password string `mapstructure:"password" json:"-"`
	From     string `mapstructure:"from" json:"from"`
}

type CallsConfig struct {
	Enabled bool          `mapstructure:"enabled" json:"enabled"`
	BaseURL string        `mapstructure:"base_url" json:"base_url"`
	APIKey  string        `mapstructure:"api_key" json:"-"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

type WebConfig struct {
	Enabled    bool `mapstructure:"enabled" json:"enabled"`
	MaxResults int  `mapstructure:"max_results" json:"max_results"`
}

// PolicyConfig feeds the governance engine.
type PolicyConfig struct {
	DeniedConnectors []string `mapstructure:"denied_connectors" json:"denied_connectors,omitempty"`
	DeniedActions    []string `mapstructure:"denied_actions" json:"denied_actions,omitempty"`
	DeniedArguments  []string `mapstructure:"denied_arguments" json:"denied_arguments,omitempty"`
	Expressions      []string `mapstructure:"expressions" json:"expressions,omitempty"`
}

type MissionsConfig struct {
	File string `mapstructure:"file" json:"file,omitempty"`
	// Routes maps conversation event types to mission names.
	Routes map[string]string `mapstructure:"routes" json:"routes,omitempty"`
}

type PromptsConfig struct {
	Directory string `mapstructure:"directory" json:"directory"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "missionctl")
	v.SetDefault("app.workspace", ".")
	v.SetDefault("app.dashboard", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.jwt_secret", "")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "data/missions.db")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.redis_prefix", "mission")

	v.SetDefault("orchestrator.retry_ceiling", 3)
	v.SetDefault("orchestrator.initial_backoff", "500ms")
	v.SetDefault("orchestrator.max_backoff", "10s")
	v.SetDefault("orchestrator.step_timeout", "2m")
	v.SetDefault("orchestrator.lease_ttl", "10m")
	v.SetDefault("orchestrator.max_concurrent", 8)
	v.SetDefault("orchestrator.sweep_interval", "30s")
	v.SetDefault("orchestrator.stale_after", "15m")

	v.SetDefault("planner.timeout", "60s")
	v.SetDefault("planner.max_instruction_chars", 8000)
	v.SetDefault("planner.max_steps", 20)

	v.SetDefault("connectors.crm.enabled", false)
	v.SetDefault("connectors.crm.base_url", "")
	v.SetDefault("connectors.crm.headless", true)
	v.SetDefault("connectors.crm.screenshot_dir", "screenshots")
	v.SetDefault("connectors.crm.action_timeout", "60s")
	v.SetDefault("connectors.email.enabled", false)
	v.SetDefault("connectors.email.host", "")
	v.SetDefault("connectors.email.port", 587)
	v.SetDefault("connectors.email.username", "")
	v.SetDefault("connectors.email.password", "")
	v.SetDefault("connectors.email.from", "")
	v.SetDefault("connectors.calls.enabled", false)
	v.SetDefault("connectors.calls.base_url", "")
	v.SetDefault("connectors.calls.api_key", "")
	v.SetDefault("connectors.calls.timeout", "15s")
	v.SetDefault("connectors.web.enabled", true)
	v.SetDefault("connectors.web.max_results", 5)

	v.SetDefault("missions.file", "")
	v.SetDefault("prompts.directory", "prompts")
}

// Load reads the JSON or YAML file at path (optional) and applies MISSION_*
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	case "redis":
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or redis, got %q", c.Store.Driver))
	}
	if c.Orchestrator.RetryCeiling < 1 {
		errs = append(errs, errors.New("orchestrator.retry_ceiling must be at least 1"))
	}
	if c.Orchestrator.MaxConcurrent < 1 {
		errs = append(errs, errors.New("orchestrator.max_concurrent must be at least 1"))
	}
	if c.Orchestrator.StepTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.step_timeout must be positive"))
	}
	if c.Orchestrator.LeaseTTL < c.Orchestrator.StepTimeout {
		errs = append(errs, errors.New("orchestrator.lease_ttl must not be shorter than orchestrator.step_timeout"))
	}
	if c.Planner.MaxSteps < 1 {
		errs = append(errs, errors.New("planner.max_steps must be at least 1"))
	}
	if c.Connectors.Email.Enabled && (c.Connectors.Email.Host == "" || c.Connectors.Email.From == "") {
		errs = append(errs, errors.New("connectors.email requires host and from when enabled"))
	}
	if c.Connectors.Calls.Enabled && c.Connectors.Calls.BaseURL == "" {
		errs = append(errs, errors.New("connectors.calls.base_url is required when enabled"))
	}
	return errors.Join(errs...)
}

// GetDefaultProvider returns the first enabled provider in name order
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if p := c.Providers[name]; p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetTelegramConfig returns telegram config if enabled
func (c *Config) GetTelegramConfig() (GatewayConfig, bool) {
	return c.gateway("telegram")
}

// GetDiscordConfig returns discord config if enabled
func (c *Config) GetDiscordConfig() (GatewayConfig, bool) {
	return c.gateway("discord")
}

func (c *Config) gateway(name string) (GatewayConfig, bool) {
	g, ok := c.Gateways[name]
	if ok && g.Enabled {
		return g, true
	}
	return GatewayConfig{}, false
}
