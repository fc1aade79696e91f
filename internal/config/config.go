// Package config loads proxy configuration from an optional YAML file and
// the process environment. Environment variables use the PRINTPROXY_ prefix
// (PRINTPROXY_SERVER_PORT, PRINTPROXY_UAT_ACCOUNT_ID, ...); the bare and
// VITE_-prefixed names used by earlier deployment manifests are still
// honoured as fallbacks.
package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/printbridge/printproxy/internal/environment"
)

type Config struct {
	Server     ServerConfig  `koanf:"server"`
	Storage    StorageConfig `koanf:"storage"`
	Probe      ProbeConfig   `koanf:"probe"`
	Metrics    MetricsConfig `koanf:"metrics"`
	UAT        EnvConfig     `koanf:"uat"`
	Production EnvConfig     `koanf:"production"`

	// agent keys are presence-tracked: an explicitly empty value is distinct
	// from an unset one.
	uatAgentKeySet  bool
	prodAgentKeySet bool
}

type ServerConfig struct {
	Port           int      `koanf:"port"`
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type StorageConfig struct {
	// Path is the SQLite file for the session-event audit log. Empty
	// disables auditing.
	Path string `koanf:"path"`
}

type ProbeConfig struct {
	// Schedule is a cron expression or descriptor ("@every 5m"). Empty
	// disables the background prober.
	Schedule string `koanf:"schedule"`
}

type MetricsConfig struct {
	Namespace string `koanf:"namespace"`
}

type EnvConfig struct {
	BaseURL   string `koanf:"base_url"`
	AccountID string `koanf:"account_id"`
	APIKey    string `koanf:"api_key"`
	AgentKey  string `koanf:"agent_key"`
}

// legacy credential fallbacks: bare name first, then the UI-framework
// prefixed variant from the original deployment manifests.
var legacyEnvVars = map[string][]string{
	"server.port":            {"PORT", "VITE_PORT"},
	"server.allowed_origins": {"ALLOWED_ORIGIN", "VITE_ALLOWED_ORIGIN"},
	"uat.base_url":           {"UAT_BASE_URL", "VITE_UAT_BASE_URL"},
	"uat.account_id":         {"UAT_ACCOUNT_ID", "VITE_UAT_ACCOUNT_ID"},
	"uat.api_key":            {"UAT_API_KEY", "VITE_UAT_API_KEY"},
	"uat.agent_key":          {"UAT_AGENT_KEY", "VITE_UAT_AGENT_KEY"},
	"production.base_url":    {"PROD_BASE_URL", "VITE_PROD_BASE_URL"},
	"production.account_id":  {"PROD_ACCOUNT_ID", "VITE_PROD_ACCOUNT_ID"},
	"production.api_key":     {"PROD_API_KEY", "VITE_PROD_API_KEY"},
	"production.agent_key":   {"PROD_AGENT_KEY", "VITE_PROD_AGENT_KEY"},
}

// Load reads configuration from the optional YAML file at path (missing
// files are not an error) and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, err
			}
		}
	}

	// PRINTPROXY_UAT_ACCOUNT_ID -> uat.account_id: only the first
	// underscore separates the section from the key.
	if err := k.Load(env.Provider("PRINTPROXY_", ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, "PRINTPROXY_"))
		return strings.Replace(s, "_", ".", 1)
	}), nil); err != nil {
		return nil, err
	}

	for key, names := range legacyEnvVars {
		if k.Exists(key) {
			continue
		}
		for _, name := range names {
			if v, ok := os.LookupEnv(name); ok {
				if err := k.Set(key, v); err != nil {
					return nil, err
				}
				break
			}
		}
	}

	defaults := map[string]any{
		"server.port":            3001,
		"server.allowed_origins": []string{"*"},
		"probe.schedule":         "@every 5m",
		"metrics.namespace":      "printproxy",
		"uat.base_url":           "https://uat-api.printservice.io",
		"production.base_url":    "https://api.printservice.io",
	}
	for key, v := range defaults {
		if k.Exists(key) {
			continue
		}
		if err := k.Set(key, v); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	cfg.uatAgentKeySet = k.Exists("uat.agent_key")
	cfg.prodAgentKeySet = k.Exists("production.agent_key")

	return &cfg, nil
}

// EnvironmentConfigs builds the immutable environment set from the loaded
// values. The UAT upstream requires all three credential fields (the agent
// key may be explicitly empty but must be set); production needs only the
// account pair and treats a missing agent key as empty.
func (c *Config) EnvironmentConfigs() []*environment.Config {
	var uatAgentKey, prodAgentKey *string
	if c.uatAgentKeySet {
		v := c.UAT.AgentKey
		uatAgentKey = &v
	}
	if c.prodAgentKeySet {
		v := c.Production.AgentKey
		prodAgentKey = &v
	}

	return []*environment.Config{
		{
			ID:          environment.PreviewUAT,
			DisplayName: "Preview UAT",
			BaseURL:     c.UAT.BaseURL,
			AuthMode:    environment.AuthModeBearer,
			AccountID:   c.UAT.AccountID,
			APIKey:      c.UAT.APIKey,
			AgentKey:    uatAgentKey,
			Required: []environment.Field{
				environment.FieldAccountID,
				environment.FieldAPIKey,
				environment.FieldAgentKey,
			},
		},
		{
			ID:          environment.Production,
			DisplayName: "Production",
			BaseURL:     c.Production.BaseURL,
			AuthMode:    environment.AuthModeBasic,
			AccountID:   c.Production.AccountID,
			APIKey:      c.Production.APIKey,
			AgentKey:    prodAgentKey,
			Required: []environment.Field{
				environment.FieldAccountID,
				environment.FieldAPIKey,
			},
		},
	}
}
