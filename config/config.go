package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the bridge.
// Tags use mapstructure for Viper unmarshalling.
type Config struct {
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"` // empty disables the sweep lock
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogPretty   bool   `mapstructure:"LOG_PRETTY"`

	// External authentication provider admin API.
	ProviderLabel   string `mapstructure:"PROVIDER_LABEL"`
	ProviderBaseURL string `mapstructure:"PROVIDER_BASE_URL"`
	ProviderToken   string `mapstructure:"PROVIDER_TOKEN"`

	// Downstream content system. Empty CMS_BASE_URL disables role sync.
	CMSBaseURL string `mapstructure:"CMS_BASE_URL"`
	CMSToken   string `mapstructure:"CMS_TOKEN"`

	// Outbound HTTP timeout for both systems, seconds.
	HTTPTimeoutSec int `mapstructure:"HTTP_TIMEOUT_SEC"`

	// Ledger hashing cost (bcrypt); 0 uses the library default.
	LedgerHashCost int `mapstructure:"LEDGER_HASH_COST"`
}

// Load reads configuration from file, environment variables, and defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/idbridge/")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/idbridge_dev")
	v.SetDefault("MONGO_DB_NAME", "idbridge_dev")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("PROVIDER_LABEL", "auth-provider")
	v.SetDefault("PROVIDER_BASE_URL", "http://localhost:9999")
	v.SetDefault("PROVIDER_TOKEN", "")
	v.SetDefault("CMS_BASE_URL", "")
	v.SetDefault("CMS_TOKEN", "")
	v.SetDefault("HTTP_TIMEOUT_SEC", 10)
	v.SetDefault("LEDGER_HASH_COST", 0)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	return &cfg, nil
}
