// Package config provides gateway configuration loaded from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/service-gateway/pkg/commsutil"
)

const logPrefix = "config:LoadConfig"

// RegistryTopic is the bus topic services announce themselves on.
const RegistryTopic = "service-registry"

// Config holds service-gateway configuration.
type Config struct {
	// Bus
	ClientID      string        `envconfig:"CLIENT_ID" default:"service-gateway"`
	GroupID       string        `envconfig:"GROUP_ID"`
	BusURL        string        `envconfig:"BUS_URL" default:"nats://127.0.0.1:4222"`
	BusStream     string        `envconfig:"BUS_STREAM" default:"BUS"`
	SubjectPrefix string        `envconfig:"BUS_SUBJECT_PREFIX" default:"bus"`
	Topics        []string      `envconfig:"TOPICS"`
	ReconnectMin  time.Duration `envconfig:"BUS_RECONNECT_MIN" default:"1s"`
	ReconnectMax  time.Duration `envconfig:"BUS_RECONNECT_MAX" default:"30s"`
	DedupSize     int           `envconfig:"BUS_DEDUP_SIZE" default:"1000"`

	// ConsumerInactiveThreshold lets the server reap a durable whose
	// instance never came back.
	ConsumerInactiveThreshold time.Duration `envconfig:"BUS_CONSUMER_INACTIVE_THRESHOLD" default:"5m"`

	// Identity announced on the registry topic
	ServiceID          string `envconfig:"SERVICE_ID" default:"service-gateway"`
	InstanceID         string `envconfig:"INSTANCE_ID"`
	AdvertisedHostname string `envconfig:"ADVERTISED_HOSTNAME"`
	AdvertisedPort     int    `envconfig:"ADVERTISED_PORT"`

	// HTTP listener
	RESTPort int `envconfig:"REST_PORT" default:"8080"`

	// REST backend used for room ownership checks
	RESTAPIURL         string        `envconfig:"REST_API_URL"`
	RESTAPIKey         string        `envconfig:"REST_API_KEY"`
	RESTAPISecret      string        `envconfig:"REST_API_KEY_SECRET"`
	RESTAPITimeout     time.Duration `envconfig:"REST_API_TIMEOUT" default:"10s"`
	RESTAPIInsecureTLS bool          `envconfig:"REST_API_INSECURE_TLS" default:"false"`

	// Connect tokens
	AuthPublicKeyFile string `envconfig:"AUTH_PUBLIC_KEY_FILE"`
	AuthAudience      string `envconfig:"AUTH_AUDIENCE"`
	AuthAlgorithm     string `envconfig:"AUTH_ALGORITHM" default:"RS512"`

	// Socket gateway. Empty SOCKET_ALLOWED_ORIGINS allows same-origin
	// browsers only; "*" allows any origin.
	SocketPath           string        `envconfig:"SOCKET_PATH" default:"/socket"`
	SocketAllowedOrigins []string      `envconfig:"SOCKET_ALLOWED_ORIGINS"`
	SocketRateLimit      float64       `envconfig:"SOCKET_RATE_LIMIT" default:"20"`
	SocketRateBurst      int           `envconfig:"SOCKET_RATE_BURST" default:"40"`
	SocketEmitJoinDenied bool          `envconfig:"SOCKET_EMIT_JOIN_DENIED" default:"false"`
	RequestTimeout       time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`

	// Cross-instance room fan-out (empty host = local only)
	RedisHost     string `envconfig:"REDIS_HOST"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisChannel  string `envconfig:"REDIS_CHANNEL" default:"service-gateway-rooms"`

	// Answer SERVICE_LIST queries from other services
	RegistryResponder bool `envconfig:"REGISTRY_RESPONDER" default:"false"`

	// Database (empty URL = in-memory registry only)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// Logging
	LogLevel          string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat         string `envconfig:"LOG_FORMAT" default:"json"`
	LogFile           string `envconfig:"LOG_FILE"`
	SystemLogsEnabled bool   `envconfig:"SYSTEM_LOGS_ENABLED" default:"false"`
}

// LoadConfig loads configuration from environment variables and fills the
// values derived from others.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("%s - failed to process env: %w", logPrefix, err)
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.GroupID == "" {
		c.GroupID = c.ServiceID + "-" + c.InstanceID
	}
	if c.AdvertisedPort == 0 {
		c.AdvertisedPort = c.RESTPort
	}
	return &c, nil
}

// InstanceScopedGroup reports whether GROUP_ID is the per-instance default.
// Such a durable belongs to this process alone.
func (c *Config) InstanceScopedGroup() bool {
	return c.GroupID == c.ServiceID+"-"+c.InstanceID
}

// BusTopics returns the topics consumed at startup: TOPICS plus the registry
// topic and the gateway's own topic.
func (c *Config) BusTopics() []string {
	topics := make([]string, 0, len(c.Topics)+2)
	seen := make(map[string]bool)
	for _, t := range append([]string{RegistryTopic, c.ServiceID}, c.Topics...) {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		topics = append(topics, t)
	}
	return topics
}

// ValidateForServe checks required config when running the gateway server.
func (c *Config) ValidateForServe() error {
	if c.BusURL == "" {
		return fmt.Errorf("%s - BUS_URL is required for serve", logPrefix)
	}
	if c.ServiceID == "" {
		return fmt.Errorf("%s - SERVICE_ID is required for serve", logPrefix)
	}
	for _, topic := range c.BusTopics() {
		if err := commsutil.ValidateTopic(topic); err != nil {
			return fmt.Errorf("%s - SERVICE_ID and TOPICS must be usable bus topics: %w", logPrefix, err)
		}
	}
	if c.AuthPublicKeyFile == "" {
		return fmt.Errorf("%s - AUTH_PUBLIC_KEY_FILE is required for serve", logPrefix)
	}
	switch c.AuthAlgorithm {
	case "RS256", "RS384", "RS512":
	default:
		return fmt.Errorf("%s - AUTH_ALGORITHM %q is not an RSA algorithm", logPrefix, c.AuthAlgorithm)
	}
	if c.RESTPort <= 0 || c.RESTPort > 65535 {
		return fmt.Errorf("%s - REST_PORT %d is out of range", logPrefix, c.RESTPort)
	}
	if !strings.HasPrefix(c.SocketPath, "/") {
		return fmt.Errorf("%s - SOCKET_PATH must start with /", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.SocketRateLimit < 0 || c.SocketRateBurst < 0 {
		return fmt.Errorf("%s - SOCKET_RATE_LIMIT and SOCKET_RATE_BURST must not be negative", logPrefix)
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("%s - BUS_RECONNECT_MIN must be positive and not above BUS_RECONNECT_MAX", logPrefix)
	}
	if c.RESTAPIURL != "" && (c.RESTAPIKey == "" || c.RESTAPISecret == "") {
		return fmt.Errorf("%s - REST_API_KEY and REST_API_KEY_SECRET are required with REST_API_URL", logPrefix)
	}
	return c.validateLogging()
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s - LOG_LEVEL %q is not one of debug, info, warn, error", logPrefix, c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("%s - LOG_FORMAT %q is not json or console", logPrefix, c.LogFormat)
	}
	return nil
}
