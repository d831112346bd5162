// Package config loads the node configuration from file and environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	sharedConfig "pan/internal/shared/config"
)

type Config struct {
	Server   sharedConfig.ServerConfig   `mapstructure:"server"`
	Logger   sharedConfig.LoggerConfig   `mapstructure:"logger"`
	Identity sharedConfig.IdentityConfig `mapstructure:"identity"`
	Auth     sharedConfig.AuthConfig     `mapstructure:"auth"`
	Trust    sharedConfig.TrustConfig    `mapstructure:"trust"`
	Spam     sharedConfig.SpamConfig     `mapstructure:"spam"`
	Agent    sharedConfig.AgentConfig    `mapstructure:"agent"`
	Group    sharedConfig.GroupConfig    `mapstructure:"group"`
}

var (
	appConfig   *Config
	appConfigMu sync.RWMutex
)

// Load loads configuration from the file named by the PAN_CONFIG environment
// variable (default config.json) plus PAN_-prefixed environment overrides.
// A missing config file is not an error; defaults apply.
func Load() (*Config, error) {
	path := os.Getenv("PAN_CONFIG")
	if path == "" {
		path = "config.json"
	}
	viper.SetConfigFile(path)

	viper.SetEnvPrefix("PAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appConfigMu.Lock()
	appConfig = &config
	appConfigMu.Unlock()

	return &config, nil
}

// Get returns the loaded configuration.
func Get() *Config {
	appConfigMu.RLock()
	defer appConfigMu.RUnlock()
	return appConfig
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.agent_port", 5295)
	viper.SetDefault("server.peer_port", 5874)
	viper.SetDefault("server.mode", "release")

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("logger.output_path", "stdout")

	viper.SetDefault("identity.persist_path", "persisted_node_id.txt")
	viper.SetDefault("identity.node_identifier", "")
	viper.SetDefault("identity.crash_on_corrupt", false)

	viper.SetDefault("auth.order", []string{"local"})
	viper.SetDefault("auth.timeout_ms", 3000)
	viper.SetDefault("auth.max_tries", 3)
	viper.SetDefault("auth.allow_untrusted_agents", false)

	viper.SetDefault("trust.trusted_agents_file", "trusted_agents.json")
	viper.SetDefault("trust.trusted_peers_file", "trusted_peers.json")
	viper.SetDefault("trust.cache_ttl_seconds", 30)

	viper.SetDefault("spam.window_seconds", 10)
	viper.SetDefault("spam.message_limit", 50)
	viper.SetDefault("spam.disconnect_threshold", 5)

	viper.SetDefault("agent.connect_timeout_seconds", 3)
	viper.SetDefault("agent.sweep_interval_seconds", 1)
	viper.SetDefault("agent.resume_grace_seconds", 120)
	viper.SetDefault("agent.max_errors_before_disconnect", 10)
	viper.SetDefault("agent.error_reset_window_ms", 300000)

	viper.SetDefault("group.max_msg_types_per_group", 100)
}
