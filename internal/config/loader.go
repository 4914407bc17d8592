package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort    = 8080
	defaultDataDir = "./data"

	envPort              = "PORT"
	envDataDir           = "DATA_DIR"
	envAdminCommandToken = "MOMENTUMD_ADMIN_COMMAND_TOKEN"
	envAdminAPIKey       = "MOMENTUMD_ADMIN_API_KEY"
	envFeedbackIPSalt    = "MOMENTUMD_FEEDBACK_IP_SALT"
	envChatIPSalt        = "MOMENTUMD_CHAT_IP_SALT"

	secretByteLength = 32
)

// ConfigLoader reads the YAML configuration file and layers environment
// overrides and defaults on top, matching the teacher's own
// ConfigLoader.LoadConfig(filename) shape.
type ConfigLoader struct {
	logger *zap.Logger
}

// NewConfigLoader creates a ConfigLoader.
func NewConfigLoader(logger *zap.Logger) *ConfigLoader {
	return &ConfigLoader{logger: logger.Named("config")}
}

// LoadConfig reads filename (if it exists), applies defaults, then layers
// environment variables and boot-time secret generation on top.
func (cl *ConfigLoader) LoadConfig(filename string) (*Config, error) {
	config := Config{
		Port:    defaultPort,
		DataDir: defaultDataDir,
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Fanout: FanoutConfig{
			PerIPLimit:  10,
			GlobalLimit: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
			}
			cl.logger.Warn("config file not found, using defaults", zap.String("path", filename))
		} else if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	cl.applyEnvOverrides(&config)

	if err := cl.loadSecurity(&config.Security); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (cl *ConfigLoader) applyEnvOverrides(config *Config) {
	if v := os.Getenv(envPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			config.Port = p
		} else {
			cl.logger.Warn("ignoring invalid PORT env value", zap.String("value", v))
		}
	}
	if v := os.Getenv(envDataDir); v != "" {
		config.DataDir = v
	}
}

// loadSecurity populates the four security secrets from the environment,
// generating and logging a warning for any that is missing. Per spec.md §6
// the system must never ship with hard-coded defaults, so a missing secret
// is never silently defaulted — it is freshly generated at boot instead.
func (cl *ConfigLoader) loadSecurity(sec *SecurityConfig) error {
	fields := []struct {
		env  string
		name string
		dst  *string
	}{
		{envAdminCommandToken, "admin command token", &sec.AdminCommandToken},
		{envAdminAPIKey, "admin API key", &sec.AdminAPIKey},
		{envFeedbackIPSalt, "feedback IP hash salt", &sec.FeedbackIPSalt},
		{envChatIPSalt, "chat IP hash salt", &sec.ChatIPSalt},
	}

	for _, f := range fields {
		if v := os.Getenv(f.env); v != "" {
			*f.dst = v
			continue
		}
		secret, err := generateSecret()
		if err != nil {
			return fmt.Errorf("failed to generate %s: %w", f.name, err)
		}
		*f.dst = secret
		cl.logger.Warn("security secret not set, generated an ephemeral one for this process",
			zap.String("secret", f.name), zap.String("env_var", f.env))
	}
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, secretByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
