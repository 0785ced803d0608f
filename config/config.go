// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the complete service configuration
type Config struct {
	// AMQPURL wins over the RABBITMQ_* parts when set
	AMQPURL            string `env:"AMQP_URL"`
	RabbitHost         string `env:"RABBITMQ_HOST" envDefault:"localhost"`
	RabbitPort         int    `env:"RABBITMQ_PORT" envDefault:"5672"`
	RabbitUsername     string `env:"RABBITMQ_USERNAME" envDefault:"guest"`
	RabbitPassword     string `env:"RABBITMQ_PASSWORD" envDefault:"guest"`
	RabbitVHost        string `env:"RABBITMQ_VHOST" envDefault:"/"`
	Exchange           string `env:"RABBITMQ_EXCHANGE" envDefault:"desk_scheduler_events"`
	DeadLetterExchange string `env:"RABBITMQ_DEAD_LETTER_EXCHANGE"`

	ConnectTimeout         time.Duration `env:"AMQP_CONNECT_TIMEOUT" envDefault:"10s"`
	ConnectRetryMaxElapsed time.Duration `env:"AMQP_CONNECT_RETRY_MAX_ELAPSED" envDefault:"1m"`

	DatabaseURL string `env:"DATABASE_URL,required"`

	DeskAPIBaseURL        string `env:"DESK_API_BASE_URL,required"`
	DeskAPIKey            string `env:"DESK_API_KEY,required"`
	DeskAPITimeoutSeconds int    `env:"DESK_API_TIMEOUT_SECONDS" envDefault:"10"`

	// DeskAPIBreakerThreshold of 0 disables the gateway circuit breaker
	DeskAPIBreakerThreshold int           `env:"DESK_API_BREAKER_THRESHOLD" envDefault:"5"`
	DeskAPIBreakerCooldown  time.Duration `env:"DESK_API_BREAKER_COOLDOWN" envDefault:"30s"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8000"`
	Timezone string `env:"SCHEDULER_TIMEZONE" envDefault:"Local"`

	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTTopic     string `env:"MQTT_TOPIC" envDefault:"occupancy/state"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"deskflow-occupancy"`

	LogFormat string `env:"DESKFLOW_LOG_FORMAT" envDefault:"text"`
	LogLevel  string `env:"DESKFLOW_LOG_LEVEL" envDefault:"info"`
}

// Load reads the configuration from the process environment
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads the configuration from environ instead of the process
// environment
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the env tags cannot express
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DeskAPIKey) == "" {
		errs = append(errs, errors.New("DESK_API_KEY must not be blank"))
	}
	if c.DeskAPITimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("DESK_API_TIMEOUT_SECONDS must be positive, got %d", c.DeskAPITimeoutSeconds))
	}
	if c.DeskAPIBreakerThreshold < 0 {
		errs = append(errs, fmt.Errorf("DESK_API_BREAKER_THRESHOLD must not be negative, got %d", c.DeskAPIBreakerThreshold))
	}
	if c.RabbitPort <= 0 || c.RabbitPort > 65535 {
		errs = append(errs, fmt.Errorf("RABBITMQ_PORT out of range: %d", c.RabbitPort))
	}
	if strings.TrimSpace(c.Exchange) == "" {
		errs = append(errs, errors.New("RABBITMQ_EXCHANGE must not be blank"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("DESKFLOW_LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// BrokerURL returns AMQP_URL or the URL assembled from the RABBITMQ_* parts
func (c Config) BrokerURL() string {
	if c.AMQPURL != "" {
		return c.AMQPURL
	}

	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.RabbitUsername, c.RabbitPassword),
		Host:   net.JoinHostPort(c.RabbitHost, strconv.Itoa(c.RabbitPort)),
		Path:   "/",
	}
	if vhost := strings.TrimPrefix(c.RabbitVHost, "/"); vhost != "" {
		u.Path = "/" + vhost
	}
	return u.String()
}

// DeskAPITimeout returns the device gateway request timeout
func (c Config) DeskAPITimeout() time.Duration {
	return time.Duration(c.DeskAPITimeoutSeconds) * time.Second
}

// MQTTEnabled reports whether the occupancy sensor bridge should run
func (c Config) MQTTEnabled() bool {
	return strings.TrimSpace(c.MQTTBrokerURL) != ""
}

// Location resolves the scheduler time zone
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("SCHEDULER_TIMEZONE: %w", err)
	}
	return loc, nil
}

// ParseLevel maps debug, info, warn and error to slog levels
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("DESKFLOW_LOG_LEVEL: %w", err)
	}
	return level, nil
}
