package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	env "github.com/caarlos0/env/v7"
	"github.com/joho/godotenv"
)

const (
	FallbackSMTP  = "smtp"
	FallbackKafka = "kafka"

	contactKeyLen = 32

	// fallbackSendTimeout bounds one SMTP or Kafka send: gomail's dial timeout and kafka-go's default write timeout.
	fallbackSendTimeout = 10 * time.Second

	// mailjetRetryWait is the retryablehttp wait cap the mailjet client sets between transport retries.
	mailjetRetryWait = 5 * time.Second

	// responseMargin covers everything a login does besides delivery.
	responseMargin = 5 * time.Second
)

type Config struct {
	HTTPPort         int    `env:"HTTP_PORT"          envDefault:"8080"`
	PostgresDSN      string `env:"POSTGRES_DSN"`
	PostgresMaxConns int32  `env:"POSTGRES_MAX_CONNS" envDefault:"10"`
	LogLevel         string `env:"LOG_LEVEL"          envDefault:"info"`

	// IPs or CIDRs whose X-Forwarded-For / X-Real-IP headers are trusted.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	Redis   RedisConfig
	Lockout LockoutConfig
	OTP     OTPConfig
	Session SessionConfig
	Notify  NotifyConfig
	Mailjet MailjetConfig
	SMTP    SMTPConfig
	Kafka   KafkaConfig
	JWT     JWTConfig
	Audit   AuditConfig

	// Base64 encoded 32 byte key used to open contact addresses sealed at rest.
	EmailEncryptionKey string `env:"EMAIL_ENCRYPTION_KEY"`

	// TLS / mTLS
	ServerCert  string `env:"TLS_SERVER_CERT"`
	ServerKey   string `env:"TLS_SERVER_KEY"`
	CACert      string `env:"TLS_CA_CERT"`
	MTLSEnabled bool   `env:"MTLS_ENABLED" envDefault:"false"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"       envDefault:"0"`
}

type LockoutConfig struct {
	Window    time.Duration `env:"LOCKOUT_WINDOW"    envDefault:"10m"`
	Threshold int64         `env:"LOCKOUT_THRESHOLD" envDefault:"5"`
}

type OTPConfig struct {
	CodeTTL         time.Duration `env:"OTP_CODE_TTL"             envDefault:"5m"`
	CooldownSeconds int           `env:"EMAIL_RATE_LIMIT_SECONDS" envDefault:"10"`
	VerifyLimit     int64         `env:"OTP_VERIFY_LIMIT"         envDefault:"5"`
}

func (c OTPConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

type SessionConfig struct {
	TTL          time.Duration `env:"SESSION_TTL"           envDefault:"336h"`
	CookieName   string        `env:"SESSION_COOKIE_NAME"   envDefault:"sessionid"`
	CookieSecure bool          `env:"SESSION_COOKIE_SECURE" envDefault:"true"`
}

type NotifyConfig struct {
	MaxAttempts int           `env:"NOTIFY_MAX_ATTEMPTS" envDefault:"3"`
	BaseDelay   time.Duration `env:"NOTIFY_BASE_DELAY"   envDefault:"1s"`
	Fallback    string        `env:"NOTIFY_FALLBACK"     envDefault:"smtp"`
}

type MailjetConfig struct {
	BaseURL       string        `env:"MAILJET_BASE_URL"       envDefault:"https://api.mailjet.com"`
	APIKey        string        `env:"MAILJET_API_KEY"`
	APISecret     string        `env:"MAILJET_API_SECRET"`
	FromEmail     string        `env:"MAILJET_FROM_EMAIL"     envDefault:"no-reply@jacaranda.local"`
	FromName      string        `env:"MAILJET_FROM_NAME"      envDefault:"Jacaranda Talk"`
	Timeout       time.Duration `env:"MAILJET_TIMEOUT"        envDefault:"10s"`
	RetryAttempts int           `env:"MAILJET_RETRY_ATTEMPTS" envDefault:"0"`
}

type SMTPConfig struct {
	Host     string `env:"MAILER_HOST"      envDefault:"localhost"`
	Port     int    `env:"MAILER_PORT"      envDefault:"25"`
	Login    string `env:"MAILER_LOGIN"`
	Password string `env:"MAILER_PASSWORD"`
	From     string `env:"MAILER_FROM"      envDefault:"no-reply@jacaranda.local"`
	FromName string `env:"MAILER_FROM_NAME" envDefault:"Jacaranda Talk"`
}

type KafkaConfig struct {
	Brokers    []string `env:"KAFKA_BROKERS"            envDefault:"kafka:9092" envSeparator:","`
	Topic      string   `env:"KAFKA_NOTIFICATION_TOPIC" envDefault:"send-notifications"`
	ConsumerID string   `env:"KAFKA_CONSUMER_ID"        envDefault:"notifier"`
}

type JWTConfig struct {
	Secret string `env:"JWT_SECRET"`
}

type AuditConfig struct {
	Retention     time.Duration `env:"AUDIT_RETENTION"      envDefault:"720h"`
	PurgeInterval time.Duration `env:"AUDIT_PURGE_INTERVAL" envDefault:"1h"`
	PurgeEnabled  bool          `env:"AUDIT_PURGE_ENABLED"  envDefault:"true"`
}

func New(envPath string) (Config, error) {
	var c Config

	err := godotenv.Load(envPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, err
	}

	err = env.Parse(&c)
	if err != nil {
		return Config{}, err
	}

	err = c.validate()
	if err != nil {
		return Config{}, err
	}

	return c, nil
}

func (c Config) validate() error {
	if c.Notify.Fallback != FallbackSMTP && c.Notify.Fallback != FallbackKafka {
		return fmt.Errorf("NOTIFY_FALLBACK must be %q or %q, got %q", FallbackSMTP, FallbackKafka, c.Notify.Fallback)
	}

	if c.Notify.MaxAttempts < 1 {
		return errors.New("NOTIFY_MAX_ATTEMPTS must be positive")
	}

	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}

	if c.EmailEncryptionKey != "" {
		if _, err := c.ContactKey(); err != nil {
			return err
		}
	}

	requiredFiles := []struct {
		name string
		val  string
	}{
		{"TLS_SERVER_CERT", c.ServerCert},
		{"TLS_SERVER_KEY", c.ServerKey},
	}

	if c.MTLSEnabled {
		requiredFiles = append(requiredFiles, struct{ name, val string }{"TLS_CA_CERT", c.CACert})
	}

	for _, path := range requiredFiles {
		if path.val == "" {
			continue
		}

		if _, err := os.Stat(path.val); os.IsNotExist(err) {
			return fmt.Errorf("missing TLS file for %s: %s", path.name, path.val)
		}
	}

	return nil
}

// ContactKey decodes EMAIL_ENCRYPTION_KEY. A nil key with nil error means sealing is not configured.
func (c Config) ContactKey() (*[contactKeyLen]byte, error) {
	if c.EmailEncryptionKey == "" {
		return nil, nil //nolint:nilnil
	}

	raw, err := base64.StdEncoding.DecodeString(c.EmailEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode EMAIL_ENCRYPTION_KEY: %w", err)
	}

	if len(raw) != contactKeyLen {
		return nil, fmt.Errorf("EMAIL_ENCRYPTION_KEY must be %d bytes, got %d", contactKeyLen, len(raw))
	}

	var key [contactKeyLen]byte
	copy(key[:], raw)

	return &key, nil
}

// TrustedProxyPrefixes parses TRUSTED_PROXIES; a bare address becomes a single-host prefix.
func (c Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))

	for _, v := range c.TrustedProxies {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}

		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
			}

			prefixes = append(prefixes, p.Masked())

			continue
		}

		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}

		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return prefixes, nil
}

// DeliveryBudget is the worst case time a login or resend spends in OTP delivery:
// every attempt walks mailjet and the fallback, with linear backoff in between.
func (c Config) DeliveryBudget() time.Duration {
	n := time.Duration(c.Notify.MaxAttempts)
	retries := time.Duration(c.Mailjet.RetryAttempts)
	perAttempt := c.Mailjet.Timeout*(retries+1) + mailjetRetryWait*retries + fallbackSendTimeout
	backoff := c.Notify.BaseDelay * n * (n - 1) / 2

	return n*perAttempt + backoff
}

// WriteTimeout is the HTTP write deadline needed so a slow delivery still ends in a response.
func (c Config) WriteTimeout(floor time.Duration) time.Duration {
	return max(floor, c.DeliveryBudget()+responseMargin)
}
