package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Session  SessionConfig
	Provider ProviderConfig
	Timers   TimersConfig
	Push     PushConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

// SessionConfig carries the server-wide secrets protecting session
// credentials. Both secrets are hex-encoded keys of at least 16 bytes.
type SessionConfig struct {
	// IDSecret keys the HMAC pseudonymizing session identifiers before
	// they touch storage.
	IDSecret string
	// MACSecret keys the HMAC over user identities.
	MACSecret string
	TTL       time.Duration

	// CallURLTTL is the longest lifetime a user may request for a
	// call-url token.
	CallURLTTL time.Duration
}

// ProviderConfig configures the external video-session provider.
type ProviderConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Retries   int
	Timeout   time.Duration
}

// TimersConfig bounds the call lifecycle. Supervisory limits initial setup,
// Ringing limits alerting, Connection limits media establishment; CallTTL
// bounds the call metadata record itself.
type TimersConfig struct {
	Supervisory time.Duration
	Ringing     time.Duration
	Connection  time.Duration
	CallTTL     time.Duration
}

type PushConfig struct {
	Timeout time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Session.IDSecret = strings.TrimSpace(os.Getenv("SESSION_ID_SECRET"))
	c.Session.MACSecret = strings.TrimSpace(os.Getenv("SESSION_MAC_SECRET"))
	c.Session.TTL = mustDuration("SESSION_TTL")
	c.Session.CallURLTTL = mustDuration("CALL_URL_TTL")

	c.Provider.APIKey = strings.TrimSpace(os.Getenv("OPENTOK_API_KEY"))
	c.Provider.APISecret = os.Getenv("OPENTOK_API_SECRET")
	c.Provider.BaseURL = strings.TrimSpace(os.Getenv("OPENTOK_BASE_URL"))
	if v := strings.TrimSpace(os.Getenv("OPENTOK_RETRIES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("OPENTOK_RETRIES must be an integer, got %q", v))
		}
		c.Provider.Retries = n
	}
	c.Provider.Timeout = mustDuration("OPENTOK_TIMEOUT")

	c.Timers.Supervisory = mustDuration("TIMER_SUPERVISORY")
	c.Timers.Ringing = mustDuration("TIMER_RINGING")
	c.Timers.Connection = mustDuration("TIMER_CONNECTION")
	c.Timers.CallTTL = mustDuration("CALL_TTL")

	c.Push.Timeout = mustDuration("PUSH_TIMEOUT")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills in defaults for optional ones.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if err := validHexSecret("SESSION_ID_SECRET", c.Session.IDSecret); err != nil {
		errs = append(errs, err)
	}
	if err := validHexSecret("SESSION_MAC_SECRET", c.Session.MACSecret); err != nil {
		errs = append(errs, err)
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = 24 * time.Hour
	}
	if c.Session.CallURLTTL <= 0 {
		c.Session.CallURLTTL = 30 * 24 * time.Hour
	}

	if c.Provider.APIKey == "" {
		errs = append(errs, errors.New("OPENTOK_API_KEY is required"))
	}
	if c.Provider.APISecret == "" {
		errs = append(errs, errors.New("OPENTOK_API_SECRET is required"))
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://api.opentok.com"
	}
	if c.Provider.Retries <= 0 {
		c.Provider.Retries = 3
	}
	if c.Provider.Timeout <= 0 {
		c.Provider.Timeout = 10 * time.Second
	}

	if c.Timers.Supervisory <= 0 {
		c.Timers.Supervisory = 10 * time.Second
	}
	if c.Timers.Ringing <= 0 {
		c.Timers.Ringing = 30 * time.Second
	}
	if c.Timers.Connection <= 0 {
		c.Timers.Connection = 60 * time.Second
	}
	if c.Timers.CallTTL <= 0 {
		c.Timers.CallTTL = time.Hour
	}

	if c.Push.Timeout <= 0 {
		c.Push.Timeout = 5 * time.Second
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// validHexSecret enforces hex encoding and a 16-byte minimum key length.
func validHexSecret(key, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", key)
	}
	raw, err := hex.DecodeString(value)
	if err != nil {
		return fmt.Errorf("%s must be hex-encoded", key)
	}
	if len(raw) < 16 {
		return fmt.Errorf("%s must be at least 16 bytes, got %d", key, len(raw))
	}
	return nil
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
