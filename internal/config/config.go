package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "POINTSQUEUE"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "pointsqueue.db"
	defaultLogLevel      = "info"
	defaultTokenIssuer   = "pointsqueue"
	defaultTokenTTL      = 30 * time.Minute
	defaultRingMax       = 256
	defaultRingTTL       = 5 * time.Minute
	defaultHeartbeat     = 15 * time.Second
	defaultStreamBuffers = 32
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	DatabasePath        string
	LogLevel            string
	StreamSigningSecret string
	StreamTokenIssuer   string
	StreamTokenTTL      time.Duration
	RingMaxEntries      int
	RingTTL             time.Duration
	StreamBufferSize    int
	HeartbeatInterval   time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("stream.token_issuer", defaultTokenIssuer)
	configViper.SetDefault("stream.token_ttl", defaultTokenTTL)
	configViper.SetDefault("stream.buffer_size", defaultStreamBuffers)
	configViper.SetDefault("stream.heartbeat_interval", defaultHeartbeat)
	configViper.SetDefault("ring.max_entries", defaultRingMax)
	configViper.SetDefault("ring.ttl", defaultRingTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		StreamSigningSecret: configViper.GetString("stream.signing_secret"),
		StreamTokenIssuer:   configViper.GetString("stream.token_issuer"),
		StreamTokenTTL:      configViper.GetDuration("stream.token_ttl"),
		RingMaxEntries:      configViper.GetInt("ring.max_entries"),
		RingTTL:             configViper.GetDuration("ring.ttl"),
		StreamBufferSize:    configViper.GetInt("stream.buffer_size"),
		HeartbeatInterval:   configViper.GetDuration("stream.heartbeat_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.StreamSigningSecret) == "" {
		return fmt.Errorf("stream.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RingMaxEntries <= 0 {
		return fmt.Errorf("ring.max_entries must be positive")
	}
	if c.RingTTL <= 0 {
		return fmt.Errorf("ring.ttl must be positive")
	}
	return nil
}
