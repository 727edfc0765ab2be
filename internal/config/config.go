// Package config loads the convo server configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"

	"github.com/wilhg/convo/pkg/connect"
)

type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Database     DatabaseConfig      `yaml:"database"`
	Log          LogConfig           `yaml:"log"`
	LLM          LLMConfig           `yaml:"llm"`
	Approvals    ApprovalsConfig     `yaml:"approvals"`
	Heartbeat    HeartbeatConfig     `yaml:"heartbeat"`
	Integrations []IntegrationConfig `yaml:"integrations"`
	Tracing      TracingConfig       `yaml:"tracing"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// URL is a postgres:// or sqlite: DSN. Empty keeps everything in memory.
	URL string `yaml:"url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type LLMConfig struct {
	Provider         string `yaml:"provider"`
	Model            string `yaml:"model"`
	BaseURL          string `yaml:"base_url"`
	APIKey           string `yaml:"api_key"`
	MaxContextTokens int    `yaml:"max_context_tokens"`
	MaxOutputTokens  int    `yaml:"max_output_tokens"`
	MaxSteps         int    `yaml:"max_steps"`
	SystemPrompt     string `yaml:"system_prompt"`
}

type ApprovalsConfig struct {
	ApproverRoles []string `yaml:"approver_roles"`
}

type HeartbeatConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
	RedirectURL  string   `yaml:"redirect_url"`
}

type IntegrationConfig struct {
	ID             string       `yaml:"id"`
	URL            string       `yaml:"url"`
	Mode           string       `yaml:"mode"`
	RequiredParams []string     `yaml:"required_params"`
	OAuth          *OAuthConfig `yaml:"oauth"`
}

type TracingConfig struct {
	Stdout      bool    `yaml:"stdout"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads path, applies defaults, then environment overrides, and
// validates the result. An empty path starts from the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyDefaults(cfg)
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.MaxContextTokens == 0 {
		cfg.LLM.MaxContextTokens = 32000
	}
	if cfg.LLM.MaxSteps == 0 {
		cfg.LLM.MaxSteps = 16
	}
	if len(cfg.Approvals.ApproverRoles) == 0 {
		cfg.Approvals.ApproverRoles = []string{"owner", "admin"}
	}
	if cfg.Heartbeat.Timeout == 0 {
		cfg.Heartbeat.Timeout = 2 * time.Minute
	}
	if cfg.Heartbeat.SweepInterval == 0 {
		cfg.Heartbeat.SweepInterval = 30 * time.Second
	}
	for i := range cfg.Integrations {
		if cfg.Integrations[i].Mode == "" {
			cfg.Integrations[i].Mode = "shared"
		}
	}
}

func applyEnv(cfg *Config) error {
	set := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set("DATABASE_URL", &cfg.Database.URL)
	set("CONVO_ADDR", &cfg.Server.Addr)
	set("CONVO_LOG_LEVEL", &cfg.Log.Level)
	set("CONVO_LOG_FORMAT", &cfg.Log.Format)
	set("CONVO_LLM_PROVIDER", &cfg.LLM.Provider)
	set("CONVO_LLM_MODEL", &cfg.LLM.Model)
	if v := os.Getenv("CONVO_MAX_CONTEXT_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONVO_MAX_CONTEXT_TOKENS: %w", err)
		}
		cfg.LLM.MaxContextTokens = n
	}
	if v := os.Getenv("CONVO_TRACING_STDOUT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CONVO_TRACING_STDOUT: %w", err)
		}
		cfg.Tracing.Stdout = b
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if c.LLM.MaxContextTokens < 0 || c.LLM.MaxOutputTokens < 0 || c.LLM.MaxSteps < 0 {
		errs = append(errs, errors.New("llm token and step limits must not be negative"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}
	if c.Heartbeat.SweepInterval > c.Heartbeat.Timeout {
		errs = append(errs, errors.New("heartbeat.sweep_interval must not exceed heartbeat.timeout"))
	}
	if db := strings.ToLower(c.Database.URL); db != "" && !strings.HasPrefix(db, "sqlite:") &&
		!strings.HasPrefix(db, "postgres://") && !strings.HasPrefix(db, "postgresql://") {
		errs = append(errs, fmt.Errorf("database.url must be a sqlite: or postgres:// DSN"))
	}
	seen := map[string]bool{}
	for i, in := range c.Integrations {
		switch {
		case in.ID == "":
			errs = append(errs, fmt.Errorf("integrations[%d]: id is required", i))
		case seen[in.ID]:
			errs = append(errs, fmt.Errorf("integrations[%d]: duplicate id %q", i, in.ID))
		}
		seen[in.ID] = true
		if !strings.HasPrefix(in.URL, "http://") && !strings.HasPrefix(in.URL, "https://") {
			errs = append(errs, fmt.Errorf("integrations[%d]: url must be http(s)", i))
		}
		if in.Mode != "shared" && in.Mode != "per_user" {
			errs = append(errs, fmt.Errorf("integrations[%d]: mode must be shared or per_user", i))
		}
		if o := in.OAuth; o != nil && (o.ClientID == "" || o.AuthURL == "" || o.TokenURL == "" || o.RedirectURL == "") {
			errs = append(errs, fmt.Errorf("integrations[%d]: oauth needs client_id, auth_url, token_url and redirect_url", i))
		}
	}
	return errors.Join(errs...)
}

// ServerConfigs converts the integrations into connector configuration.
func (c *Config) ServerConfigs() []connect.ServerConfig {
	out := make([]connect.ServerConfig, 0, len(c.Integrations))
	for _, in := range c.Integrations {
		sc := connect.ServerConfig{ID: in.ID, URL: in.URL, Mode: in.Mode, RequiredParams: in.RequiredParams}
		if o := in.OAuth; o != nil {
			sc.OAuth = &oauth2.Config{
				ClientID:     o.ClientID,
				ClientSecret: o.ClientSecret,
				Endpoint:     oauth2.Endpoint{AuthURL: o.AuthURL, TokenURL: o.TokenURL},
				Scopes:       o.Scopes,
				RedirectURL:  o.RedirectURL,
			}
		}
		out = append(out, sc)
	}
	return out
}

// ProviderConfig is the factory configuration of the model provider.
func (c *Config) ProviderConfig() map[string]any {
	m := map[string]any{}
	if c.LLM.Model != "" {
		m["model"] = c.LLM.Model
	}
	if c.LLM.BaseURL != "" {
		m["base_url"] = c.LLM.BaseURL
	}
	if c.LLM.APIKey != "" {
		m["api_key"] = c.LLM.APIKey
	}
	return m
}
