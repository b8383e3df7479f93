package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/interactive-solutions/go-sms"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	TemplateStoreFilesystem = "filesystem"
	TemplateStorePostgres   = "postgres"
)

type TwilioConfig struct {
	AccountSid  string
	AuthToken   string
	PhoneNumber string
}

type AfricasTalkingConfig struct {
	Username string
	ApiKey   string
	SenderId string
}

type SnsConfig struct {
	Region   string
	SenderId string
}

type ElksConfig struct {
	Username string
	Password string
	From     string
}

// Config is the complete runtime configuration. Components receive the
// parts they need; nothing else reads the environment.
type Config struct {
	Provider string

	Twilio         TwilioConfig
	AfricasTalking AfricasTalkingConfig
	Sns            SnsConfig
	Elks           ElksConfig

	Home          string
	TemplatesDir  string
	TemplateStore string
	DatabasePath  string
	DatabaseUrl   string

	RateLimit   float64
	SendTimeout time.Duration
	HttpRetries int
	SaveHistory bool

	LogLevel  string
	LogFormat string
	HttpAddr  string
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	return FromLookup(os.LookupEnv)
}

// FromLookup builds the configuration from lookup, which has the signature
// of os.LookupEnv.
func FromLookup(lookup func(key string) (string, bool)) (Config, error) {
	get := func(key, fallback string) string {
		if value, ok := lookup(key); ok && value != "" {
			return value
		}
		return fallback
	}

	home := get("SMS_HOME", "")
	if home == "" {
		dir, err := os.UserHomeDir()
		if err != nil {
			return Config{}, errors.Wrapf(sms.ConfigErr, "cannot resolve home directory: %v", err)
		}
		home = filepath.Join(dir, ".sms-prompt")
	}

	cfg := Config{
		Provider: get("SMS_PROVIDER", sms.ProviderTwilio),

		Twilio: TwilioConfig{
			AccountSid:  get("TWILIO_ACCOUNT_SID", ""),
			AuthToken:   get("TWILIO_AUTH_TOKEN", ""),
			PhoneNumber: get("TWILIO_PHONE_NUMBER", ""),
		},
		AfricasTalking: AfricasTalkingConfig{
			Username: get("AT_USERNAME", ""),
			ApiKey:   get("AT_API_KEY", ""),
			SenderId: get("AT_SENDER_ID", ""),
		},
		Sns: SnsConfig{
			Region:   get("SNS_REGION", get("AWS_REGION", "")),
			SenderId: get("SNS_SENDER_ID", ""),
		},
		Elks: ElksConfig{
			Username: get("ELKS_USERNAME", ""),
			Password: get("ELKS_PASSWORD", ""),
			From:     get("ELKS_FROM", ""),
		},

		Home:          home,
		TemplatesDir:  get("SMS_TEMPLATES_DIR", filepath.Join(home, "templates")),
		TemplateStore: get("SMS_TEMPLATE_STORE", TemplateStoreFilesystem),
		DatabasePath:  get("SMS_DATABASE_PATH", filepath.Join(home, "sms_history.db")),
		DatabaseUrl:   get("SMS_DATABASE_URL", ""),

		LogLevel:  get("LOG_LEVEL", "info"),
		LogFormat: get("LOG_FORMAT", "text"),
		HttpAddr:  get("HTTP_ADDR", ":8080"),
	}

	var err error

	if cfg.RateLimit, err = strconv.ParseFloat(get("SMS_RATE_LIMIT", "10"), 64); err != nil {
		return cfg, errors.Wrapf(sms.ConfigErr, "SMS_RATE_LIMIT: %v", err)
	}

	if cfg.SendTimeout, err = time.ParseDuration(get("SMS_SEND_TIMEOUT", "15s")); err != nil {
		return cfg, errors.Wrapf(sms.ConfigErr, "SMS_SEND_TIMEOUT: %v", err)
	}

	if cfg.HttpRetries, err = strconv.Atoi(get("SMS_HTTP_RETRIES", "2")); err != nil {
		return cfg, errors.Wrapf(sms.ConfigErr, "SMS_HTTP_RETRIES: %v", err)
	}

	if cfg.SaveHistory, err = strconv.ParseBool(get("SMS_SAVE_HISTORY", "true")); err != nil {
		return cfg, errors.Wrapf(sms.ConfigErr, "SMS_SAVE_HISTORY: %v", err)
	}

	switch cfg.TemplateStore {
	case TemplateStoreFilesystem:
	case TemplateStorePostgres:
		if cfg.DatabaseUrl == "" {
			return cfg, errors.Wrap(sms.ConfigErr, "SMS_TEMPLATE_STORE=postgres requires SMS_DATABASE_URL")
		}
	default:
		return cfg, errors.Wrapf(sms.ConfigErr, "unknown template store %q", cfg.TemplateStore)
	}

	return cfg, nil
}

// NewLogger builds the logrus logger described by the configuration.
func (c Config) NewLogger() (*logrus.Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrapf(sms.ConfigErr, "LOG_LEVEL: %v", err)
	}
	logger.SetLevel(level)

	switch c.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, errors.Wrapf(sms.ConfigErr, "unknown log format %q", c.LogFormat)
	}

	return logger, nil
}
