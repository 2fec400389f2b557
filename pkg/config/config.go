package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"callbridge-server/pkg/errors"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Signaling   SignalingConfig   `json:"signaling"`
	CallControl CallControlConfig `json:"call_control"`
	Messaging   MessagingConfig   `json:"messaging"`
	HTTP        HTTPConfig        `json:"http"`
	Calls       CallsConfig       `json:"calls"`
}

// LoggingConfig controls log level, format and destination
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"LOG_FORMAT" default:"json"`
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// SignalingConfig holds the SIP transport settings
type SignalingConfig struct {
	ListenAddr    string        `json:"listen_addr" env:"SIP_LISTEN_ADDR" default:"0.0.0.0:5060"`
	AdvertiseHost string        `json:"advertise_host" env:"SIP_ADVERTISE_HOST" default:"127.0.0.1"`
	AdvertisePort int           `json:"advertise_port" env:"SIP_ADVERTISE_PORT" default:"5060"`
	FromUser      string        `json:"from_user" env:"SIP_FROM_USER" default:"callbridge"`
	RTPPort       int           `json:"rtp_port" env:"SIP_RTP_PORT" default:"16384"`
	InviteTimeout time.Duration `json:"invite_timeout" env:"SIP_INVITE_TIMEOUT" default:"32s"`
}

// CallControlConfig holds the call-control service settings
type CallControlConfig struct {
	APIURL         string        `json:"api_url" env:"CC_API_URL"`
	WSURL          string        `json:"ws_url" env:"CC_WS_URL"`
	AuthToken      string        `json:"auth_token" env:"CC_AUTH_TOKEN"`
	DeviceID       string        `json:"device_id" env:"CC_DEVICE_ID"`
	RequestTimeout time.Duration `json:"request_timeout" env:"CC_REQUEST_TIMEOUT" default:"10s"`
	DialTimeout    time.Duration `json:"dial_timeout" env:"CC_DIAL_TIMEOUT" default:"10s"`
	ReconnectDelay time.Duration `json:"reconnect_delay" env:"CC_RECONNECT_DELAY" default:"5s"`
}

// MessagingConfig holds AMQP settings for lifecycle event publishing
type MessagingConfig struct {
	AMQPUrl       string `json:"amqp_url" env:"AMQP_URL"`
	AMQPQueueName string `json:"amqp_queue_name" env:"AMQP_QUEUE_NAME"`
	ExchangeName  string `json:"exchange_name" env:"AMQP_EXCHANGE_NAME"`
	RoutingKey    string `json:"routing_key" env:"AMQP_ROUTING_KEY"`
}

// Enabled reports whether event publishing is configured at all
func (m *MessagingConfig) Enabled() bool {
	return m.AMQPUrl != "" && m.AMQPQueueName != ""
}

// HTTPConfig holds the management HTTP server settings
type HTTPConfig struct {
	Enabled     bool   `json:"enabled" env:"HTTP_ENABLED" default:"true"`
	Port        int    `json:"port" env:"HTTP_PORT" default:"8080"`
	MetricsPath string `json:"metrics_path" env:"METRICS_PATH" default:"/metrics"`
}

// CallsConfig holds defaults applied to outbound calls
type CallsConfig struct {
	DefaultFromNumber string `json:"default_from_number" env:"CALLS_DEFAULT_FROM_NUMBER"`
	HomeCountryID     string `json:"home_country_id" env:"CALLS_HOME_COUNTRY_ID" default:"1"`
}

// Load reads configuration from .env and the process environment
func Load(logger *logrus.Logger) (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	var loadedFrom string
	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr == nil {
			absPath, _ := filepath.Abs(envFile)
			logger.WithField("path", absPath).Debug("Attempting to load .env file")

			if loadErr := godotenv.Load(envFile); loadErr == nil {
				loadedFrom = absPath
				break
			}
		}
	}

	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Successfully loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
	}

	config := &Config{}

	if err := loadLoggingConfig(logger, &config.Logging); err != nil {
		return nil, errors.Wrap(err, "failed to load logging configuration")
	}
	if err := loadSignalingConfig(logger, &config.Signaling); err != nil {
		return nil, errors.Wrap(err, "failed to load signaling configuration")
	}
	if err := loadCallControlConfig(logger, &config.CallControl); err != nil {
		return nil, errors.Wrap(err, "failed to load call control configuration")
	}
	if err := loadMessagingConfig(logger, &config.Messaging); err != nil {
		return nil, errors.Wrap(err, "failed to load messaging configuration")
	}
	if err := loadHTTPConfig(logger, &config.HTTP); err != nil {
		return nil, errors.Wrap(err, "failed to load HTTP configuration")
	}
	if err := loadCallsConfig(logger, &config.Calls); err != nil {
		return nil, errors.Wrap(err, "failed to load calls configuration")
	}

	if err := validateConfig(logger, config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return config, nil
}

func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) error {
	config.Level = getEnv("LOG_LEVEL", "info")

	_, err := logrus.ParseLevel(config.Level)
	if err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")

	return nil
}

func loadSignalingConfig(logger *logrus.Logger, config *SignalingConfig) error {
	config.ListenAddr = getEnv("SIP_LISTEN_ADDR", "0.0.0.0:5060")
	config.AdvertiseHost = getEnv("SIP_ADVERTISE_HOST", "127.0.0.1")
	config.AdvertisePort = getEnvInt("SIP_ADVERTISE_PORT", 5060)
	config.FromUser = getEnv("SIP_FROM_USER", "callbridge")
	config.RTPPort = getEnvInt("SIP_RTP_PORT", 16384)
	config.InviteTimeout = getEnvDuration("SIP_INVITE_TIMEOUT", 32*time.Second)

	if config.RTPPort <= 0 || config.RTPPort > 65535 {
		return errors.New(fmt.Sprintf("invalid SIP_RTP_PORT: %d", config.RTPPort))
	}

	return nil
}

func loadCallControlConfig(logger *logrus.Logger, config *CallControlConfig) error {
	config.APIURL = strings.TrimRight(getEnv("CC_API_URL", ""), "/")
	config.WSURL = getEnv("CC_WS_URL", "")
	config.AuthToken = getEnv("CC_AUTH_TOKEN", "")
	config.DeviceID = getEnv("CC_DEVICE_ID", "")
	config.RequestTimeout = getEnvDuration("CC_REQUEST_TIMEOUT", 10*time.Second)
	config.DialTimeout = getEnvDuration("CC_DIAL_TIMEOUT", 10*time.Second)
	config.ReconnectDelay = getEnvDuration("CC_RECONNECT_DELAY", 5*time.Second)

	if config.APIURL == "" {
		logger.Warn("CC_API_URL not set, call control functionality will be disabled")
	}

	return nil
}

func loadMessagingConfig(logger *logrus.Logger, config *MessagingConfig) error {
	config.AMQPUrl = getEnv("AMQP_URL", "")
	config.AMQPQueueName = getEnv("AMQP_QUEUE_NAME", "")
	config.ExchangeName = getEnv("AMQP_EXCHANGE_NAME", "")
	config.RoutingKey = getEnv("AMQP_ROUTING_KEY", config.AMQPQueueName)

	if !config.Enabled() {
		logger.Debug("AMQP not configured, session events will not be published")
	}

	return nil
}

func loadHTTPConfig(logger *logrus.Logger, config *HTTPConfig) error {
	config.Enabled = getEnvBool("HTTP_ENABLED", true)
	config.Port = getEnvInt("HTTP_PORT", 8080)
	config.MetricsPath = getEnv("METRICS_PATH", "/metrics")

	if config.Port <= 0 || config.Port > 65535 {
		return errors.New(fmt.Sprintf("invalid HTTP_PORT: %d", config.Port))
	}

	return nil
}

func loadCallsConfig(logger *logrus.Logger, config *CallsConfig) error {
	config.DefaultFromNumber = getEnv("CALLS_DEFAULT_FROM_NUMBER", "")
	config.HomeCountryID = getEnv("CALLS_HOME_COUNTRY_ID", "1")
	return nil
}

func validateConfig(logger *logrus.Logger, config *Config) error {
	if config.Signaling.ListenAddr == "" {
		return errors.New("SIP_LISTEN_ADDR must not be empty")
	}

	// An API URL without a feed URL means created sessions would never
	// receive state updates
	if config.CallControl.APIURL != "" && config.CallControl.WSURL == "" {
		logger.Warn("CC_API_URL set without CC_WS_URL, telephony session updates will not arrive")
	}

	return nil
}

// ApplyLogging configures the logger from the loaded logging section
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}
