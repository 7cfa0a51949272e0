package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/alerting"
	"voice-integrity-server/pkg/database"
	"voice-integrity-server/pkg/errors"
	httpserver "voice-integrity-server/pkg/http"
	"voice-integrity-server/pkg/messaging"
	"voice-integrity-server/pkg/pii"
	"voice-integrity-server/pkg/session"
	"voice-integrity-server/pkg/telemetry/tracing"
)

// Config represents the complete application configuration
type Config struct {
	HTTP         httpserver.Config    `json:"http"`
	Logging      LoggingConfig        `json:"logging"`
	Tracing      tracing.Config       `json:"tracing"`
	Workers      WorkerConfig         `json:"workers"`
	Capabilities Capabilities         `json:"capabilities"`
	Models       ModelConfig          `json:"models"`
	Calibration  Calibration          `json:"calibration"`
	Session      session.Config       `json:"session"`
	Redis        session.RedisConfig  `json:"redis"`
	AMQP         messaging.AMQPConfig `json:"amqp"`
	Alerting     alerting.AlertConfig `json:"alerting"`
	Database     database.Config      `json:"database"`
	PII          pii.Config           `json:"pii"`
}

// LoggingConfig holds logging-related configurations
type LoggingConfig struct {
	// Log level
	Level string `json:"level" env:"LOG_LEVEL" default:"info"`

	// Log format (json or text)
	Format string `json:"format" env:"LOG_FORMAT" default:"json"`

	// Log output file (empty = stdout)
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// WorkerConfig sizes the shared CPU worker pool
type WorkerConfig struct {
	Count     int `json:"count" env:"WORKER_COUNT"`
	QueueSize int `json:"queue_size" env:"WORKER_QUEUE_SIZE"`
}

// ModelConfig locates optional model artifacts on disk
type ModelConfig struct {
	// ClassifierFile is a saved integrity model loaded at startup
	ClassifierFile string `json:"classifier_file" env:"CLASSIFIER_MODEL_FILE"`
	// EmotionFile is a linear emotion model in JSON
	EmotionFile string `json:"emotion_file" env:"EMOTION_MODEL_FILE"`
	// CalibrationFile overlays thresholds and phrase lists from YAML
	CalibrationFile string `json:"calibration_file" env:"CALIBRATION_FILE"`
}

// Load reads .env, environment variables and the optional calibration file
func Load(logger *logrus.Logger) (*Config, error) {
	loadDotEnv(logger)

	config := &Config{
		HTTP:         *httpserver.DefaultConfig(),
		Calibration:  DefaultCalibration(),
		Capabilities: DefaultCapabilities(),
		Session:      session.DefaultConfig(),
		Redis:        session.DefaultRedisConfig(),
		AMQP:         messaging.DefaultAMQPConfig(),
		Alerting:     alerting.DefaultConfig(),
		PII:          pii.DefaultConfig(),
	}

	loadHTTPConfig(&config.HTTP)
	loadLoggingConfig(&config.Logging)
	loadTracingConfig(&config.Tracing)
	loadWorkerConfig(&config.Workers)
	loadCapabilities(&config.Capabilities)
	loadModelConfig(&config.Models)
	loadSessionConfig(&config.Session)
	loadRedisConfig(&config.Redis)
	loadAMQPConfig(&config.AMQP)
	loadAlertingConfig(&config.Alerting)
	config.Database = database.LoadConfig(logger)
	loadPIIConfig(&config.PII)

	if path := config.Models.CalibrationFile; path != "" {
		if err := LoadCalibration(path, &config.Calibration); err != nil {
			return nil, errors.Wrap(err, "failed to load calibration file", map[string]interface{}{"path": path})
		}
		logger.WithField("path", path).Info("Calibration overlay applied")
	}
	// the session sample rate drives every analyzer
	config.Calibration.Voice.SampleRate = config.Session.SampleRate
	config.Calibration.Emotion.SampleRate = config.Session.SampleRate

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return config, nil
}

func loadDotEnv(logger *logrus.Logger) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	for _, envFile := range []string{".env", "../.env"} {
		if _, statErr := os.Stat(envFile); statErr != nil {
			continue
		}
		absPath, _ := filepath.Abs(envFile)
		if err := godotenv.Load(envFile); err != nil {
			logger.WithError(err).WithField("path", absPath).Warn("Failed to load .env file")
			continue
		}
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        absPath,
		}).Info("Successfully loaded .env file")
		return
	}
	logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
}

func loadHTTPConfig(config *httpserver.Config) {
	config.Port = getEnvInt("HTTP_PORT", config.Port)
	config.Enabled = getEnvBool("HTTP_ENABLED", config.Enabled)
	config.EnableMetrics = getEnvBool("HTTP_ENABLE_METRICS", config.EnableMetrics)
	config.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", config.ReadTimeout)
	config.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", config.WriteTimeout)
	config.IdleTimeout = getEnvDuration("HTTP_IDLE_TIMEOUT", config.IdleTimeout)
	config.ShutdownTimeout = getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", config.ShutdownTimeout)
	config.MaxBodyBytes = int64(getEnvInt("HTTP_MAX_BODY_BYTES", int(config.MaxBodyBytes)))
	config.AnalysisTimeout = getEnvDuration("HTTP_ANALYSIS_TIMEOUT", config.AnalysisTimeout)
	config.LogRequests = getEnvBool("HTTP_LOG_REQUESTS", config.LogRequests)

	config.TLSEnabled = getEnvBool("HTTP_TLS_ENABLED", config.TLSEnabled)
	config.TLSCertFile = getEnv("HTTP_TLS_CERT_FILE", config.TLSCertFile)
	config.TLSKeyFile = getEnv("HTTP_TLS_KEY_FILE", config.TLSKeyFile)

	config.WebSocket.MaxMessageBytes = int64(getEnvInt("WS_MAX_MESSAGE_BYTES", int(config.WebSocket.MaxMessageBytes)))
	config.WebSocket.StopTimeout = getEnvDuration("WS_STOP_TIMEOUT", config.WebSocket.StopTimeout)

	config.Auth.Enabled = getEnvBool("AUTH_ENABLED", config.Auth.Enabled)
	if keys := getEnvList("AUTH_API_KEYS"); len(keys) > 0 {
		config.Auth.APIKeys = keys
	}
	if paths := getEnvList("AUTH_EXEMPT_PATHS"); len(paths) > 0 {
		config.Auth.ExemptPaths = paths
	}

	rl := &config.RateLimit
	rl.Enabled = getEnvBool("RATE_LIMIT_ENABLED", rl.Enabled)
	rl.RequestsPerSecond = getEnvFloat("RATE_LIMIT_RPS", rl.RequestsPerSecond)
	rl.BurstSize = getEnvInt("RATE_LIMIT_BURST", rl.BurstSize)
	rl.BlockDuration = getEnvDuration("RATE_LIMIT_BLOCK_DURATION", rl.BlockDuration)
	rl.AnalysisCost = getEnvInt("RATE_LIMIT_ANALYSIS_COST", rl.AnalysisCost)
	if ips := getEnvList("RATE_LIMIT_WHITELIST_IPS"); len(ips) > 0 {
		rl.WhitelistedIPs = ips
	}
	if paths := getEnvList("RATE_LIMIT_WHITELIST_PATHS"); len(paths) > 0 {
		rl.WhitelistedPaths = paths
	}
}

func loadLoggingConfig(config *LoggingConfig) {
	config.Level = getEnv("LOG_LEVEL", "info")
	config.Format = getEnv("LOG_FORMAT", "json")
	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")
}

func loadTracingConfig(config *tracing.Config) {
	config.Enabled = getEnvBool("OTEL_TRACING_ENABLED", false)
	config.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	config.Insecure = getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	config.ServiceName = getEnv("OTEL_SERVICE_NAME", "voice-integrity-server")
	config.SampleRatio = getEnvFloat("OTEL_TRACES_SAMPLER_RATIO", 1.0)
}

func loadWorkerConfig(config *WorkerConfig) {
	config.Count = getEnvInt("WORKER_COUNT", 0)
	config.QueueSize = getEnvInt("WORKER_QUEUE_SIZE", 0)
}

func loadModelConfig(config *ModelConfig) {
	config.ClassifierFile = getEnv("CLASSIFIER_MODEL_FILE", "")
	config.EmotionFile = getEnv("EMOTION_MODEL_FILE", "")
	config.CalibrationFile = getEnv("CALIBRATION_FILE", "")
}

func loadSessionConfig(config *session.Config) {
	config.SampleRate = getEnvInt("VOICE_SAMPLE_RATE", config.SampleRate)
	config.AnalysisInterval = getEnvDuration("VOICE_ANALYSIS_INTERVAL", config.AnalysisInterval)
	config.AnalysisWindow = getEnvFloat("VOICE_ANALYSIS_WINDOW_SECONDS", config.AnalysisWindow)
	config.MinAnalysisSeconds = getEnvFloat("VOICE_MIN_ANALYSIS_SECONDS", config.MinAnalysisSeconds)
	config.BufferSeconds = getEnvFloat("VOICE_BUFFER_SECONDS", config.BufferSeconds)
	config.ReportingThreshold = getEnvFloat("VOICE_REPORTING_THRESHOLD", config.ReportingThreshold)
	config.SummaryHistory = getEnvInt("VOICE_SUMMARY_HISTORY", config.SummaryHistory)
}

func loadRedisConfig(config *session.RedisConfig) {
	config.Enabled = getEnvBool("REDIS_ENABLED", config.Enabled)
	config.Address = getEnv("REDIS_ADDRESS", config.Address)
	config.Password = getEnv("REDIS_PASSWORD", config.Password)
	config.Database = getEnvInt("REDIS_DATABASE", config.Database)
	config.PoolSize = getEnvInt("REDIS_POOL_SIZE", config.PoolSize)
	config.TTL = getEnvDuration("REDIS_SUMMARY_TTL", config.TTL)
	config.KeyPrefix = getEnv("REDIS_KEY_PREFIX", config.KeyPrefix)
}

func loadAMQPConfig(config *messaging.AMQPConfig) {
	config.URL = getEnv("AMQP_URL", config.URL)
	config.Exchange = getEnv("AMQP_EXCHANGE", config.Exchange)
	config.QueueName = getEnv("AMQP_QUEUE_NAME", config.QueueName)
	config.AlertRoutingKey = getEnv("AMQP_ALERT_ROUTING_KEY", config.AlertRoutingKey)
	config.SummaryRoutingKey = getEnv("AMQP_SUMMARY_ROUTING_KEY", config.SummaryRoutingKey)
	config.Durable = getEnvBool("AMQP_DURABLE", config.Durable)
	config.MessageTTL = getEnvDuration("AMQP_MESSAGE_TTL", config.MessageTTL)
}

func loadAlertingConfig(config *alerting.AlertConfig) {
	config.Enabled = getEnvBool("ALERTS_ENABLED", config.Enabled)
	config.AlertThreshold = getEnvFloat("ALERT_THRESHOLD", config.AlertThreshold)
	config.HighSeverityThreshold = getEnvFloat("ALERT_HIGH_SEVERITY_THRESHOLD", config.HighSeverityThreshold)
	config.DefaultOrganization = getEnv("ALERT_DEFAULT_ORGANIZATION", config.DefaultOrganization)

	if url := getEnv("ALERT_WEBHOOK_URL", ""); url != "" {
		config.Channels = append(config.Channels, alerting.ChannelConfig{
			Name:     "webhook",
			Type:     "webhook",
			Enabled:  true,
			Settings: map[string]interface{}{"url": url},
		})
	}
}

func loadPIIConfig(config *pii.Config) {
	config.Enabled = getEnvBool("PII_REDACTION_ENABLED", config.Enabled)
	config.PreserveFormat = getEnvBool("PII_PRESERVE_FORMAT", config.PreserveFormat)
	if types := getEnvList("PII_TYPES"); len(types) > 0 {
		config.EnabledTypes = config.EnabledTypes[:0:0]
		for _, t := range types {
			config.EnabledTypes = append(config.EnabledTypes, pii.Type(strings.ToLower(t)))
		}
	}
}

// Validate checks value ranges and cross-section consistency
func (c *Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return errors.NewInvalidInput(fmt.Sprintf("invalid HTTP_PORT: %d", c.HTTP.Port))
	}
	if c.HTTP.TLSEnabled && (c.HTTP.TLSCertFile == "" || c.HTTP.TLSKeyFile == "") {
		return errors.NewInvalidInput("HTTP_TLS_ENABLED requires HTTP_TLS_CERT_FILE and HTTP_TLS_KEY_FILE")
	}
	if c.HTTP.Auth.Enabled && len(c.HTTP.Auth.APIKeys) == 0 {
		return errors.NewInvalidInput("AUTH_ENABLED requires at least one key in AUTH_API_KEYS")
	}
	if rl := c.HTTP.RateLimit; rl.Enabled && (rl.RequestsPerSecond <= 0 || rl.BurstSize <= 0) {
		return errors.NewInvalidInput("RATE_LIMIT_ENABLED requires positive RATE_LIMIT_RPS and RATE_LIMIT_BURST")
	}

	if c.Session.SampleRate <= 0 {
		return errors.NewInvalidInput(fmt.Sprintf("invalid VOICE_SAMPLE_RATE: %d", c.Session.SampleRate))
	}
	if c.Session.AnalysisInterval <= 0 {
		return errors.NewInvalidInput("VOICE_ANALYSIS_INTERVAL must be a positive duration")
	}
	if c.Session.AnalysisWindow > c.Session.BufferSeconds {
		return errors.NewInvalidInput(fmt.Sprintf("analysis window %.1fs exceeds the %.1fs session buffer",
			c.Session.AnalysisWindow, c.Session.BufferSeconds))
	}
	if !inUnitInterval(c.Session.ReportingThreshold) {
		return errors.NewInvalidInput("VOICE_REPORTING_THRESHOLD must be in [0, 1]")
	}

	if !inUnitInterval(c.Alerting.AlertThreshold) || !inUnitInterval(c.Alerting.HighSeverityThreshold) {
		return errors.NewInvalidInput("alert thresholds must be in [0, 1]")
	}
	if c.Alerting.HighSeverityThreshold < c.Alerting.AlertThreshold {
		return errors.NewInvalidInput("ALERT_HIGH_SEVERITY_THRESHOLD must not be below ALERT_THRESHOLD")
	}

	if c.Redis.Enabled && c.Redis.Address == "" {
		return errors.NewInvalidInput("REDIS_ENABLED requires REDIS_ADDRESS")
	}
	if c.Database.Enabled {
		if err := c.Database.Validate(); err != nil {
			return errors.Wrap(err, "invalid database configuration")
		}
	}

	for _, t := range c.PII.EnabledTypes {
		switch t {
		case pii.TypeSSN, pii.TypeCreditCard, pii.TypePhone, pii.TypeEmail:
		default:
			return errors.NewInvalidInput(fmt.Sprintf("unknown PII_TYPES entry: %q", t))
		}
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("cannot write to log file: %s", c.Logging.OutputFile))
		}
		f.Close()
	}

	return c.Calibration.Validate()
}

// ApplyLogging applies the logging section to logger
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

func inUnitInterval(v float64) bool {
	return v >= 0 && v <= 1
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

// getEnvFloat retrieves an environment variable and converts it to float64
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return floatValue
}

// getEnvList splits a comma-separated variable, dropping empty entries
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
