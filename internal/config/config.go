package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPolicyHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// AdminAPIToken guards the webhook admin endpoints. Empty disables them.
	AdminAPIToken string

	Stripe       StripeConfig
	Webhook      WebhookConfig
	Email        EmailConfig
	Slack        SlackConfig
	Notification NotificationConfig
}

type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	// SignatureTolerance bounds the age of the signed timestamp.
	SignatureTolerance time.Duration
}

// WebhookConfig seeds the retry policy; the policy file may override it at runtime.
type WebhookConfig struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	TotalTimeout    time.Duration
	HighValueAmount int64
	PolicyPath      string
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

// NotificationConfig sizes the asynchronous fan-out.
type NotificationConfig struct {
	QueueSize   int
	Workers     int
	SendTimeout time.Duration
}

type SlackConfig struct {
	WebhookURL      string
	OperatorChannel string
	Timeout         time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "stripesync"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		AdminAPIToken:     strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),
		Stripe: StripeConfig{
			APIKey:             strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret:      strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			SignatureTolerance: getenvDuration("STRIPE_SIGNATURE_TOLERANCE", 5*time.Minute),
		},
		Webhook: WebhookConfig{
			MaxAttempts:     getenvInt("WEBHOOK_MAX_RETRY_ATTEMPTS", DefaultMaxAttempts),
			BaseDelay:       getenvDuration("WEBHOOK_RETRY_BASE_DELAY", DefaultBaseDelay),
			TotalTimeout:    getenvDuration("WEBHOOK_PROCESSING_TIMEOUT", DefaultTotalTimeout),
			HighValueAmount: getenvInt64("WEBHOOK_HIGH_VALUE_AMOUNT", DefaultHighValueAmount),
			PolicyPath:      strings.TrimSpace(getenv("WEBHOOK_POLICY_PATH", "")),
		},
		Email: EmailConfig{
			SMTPHost:     getenv("SMTP_HOST", ""),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "billing@localhost"),
		},
		Slack: SlackConfig{
			WebhookURL:      strings.TrimSpace(getenv("SLACK_WEBHOOK_URL", "")),
			OperatorChannel: getenv("SLACK_OPERATOR_CHANNEL", "#billing-alerts"),
			Timeout:         getenvDuration("SLACK_TIMEOUT", 3*time.Second),
		},
		Notification: NotificationConfig{
			QueueSize:   getenvInt("NOTIFICATION_QUEUE_SIZE", 256),
			Workers:     getenvInt("NOTIFICATION_WORKERS", 2),
			SendTimeout: getenvDuration("NOTIFICATION_SEND_TIMEOUT", 10*time.Second),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go durations ("1500ms") or a bare number of seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return def
}
