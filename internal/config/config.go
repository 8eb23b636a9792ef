package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the call-handling process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Carrier CarrierConfig
	Agent   AgentConfig
	Bridge  BridgeConfig
	Usage   UsageConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicHost is the externally reachable host used to build the
	// wss:// media-stream URL handed to the carrier in answer TwiML.
	PublicHost string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for managed-Postgres posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type CarrierConfig struct {
	AccountSID    string
	AuthToken     string
	APIBaseURL    string
	WebhookSecret string

	// RequestTimeout bounds outbound REST calls (transfer dials, status).
	RequestTimeout time.Duration
}

type AgentConfig struct {
	// URL is the voice-agent websocket endpoint (wss://...).
	URL    string
	APIKey string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// BridgeConfig carries the per-call tunables. These are deployment knobs,
// not system constants; tenants additionally override transfer timeouts.
type BridgeConfig struct {
	// SilenceTimeout is how long without caller audio before a liveness
	// prompt is played.
	SilenceTimeout time.Duration
	// LivenessGrace is how long after the liveness prompt we wait for
	// audio before ending the call as abandoned.
	LivenessGrace time.Duration

	FrameReadTimeout time.Duration
	WriteTimeout     time.Duration

	// Agent-leg reconnection budget.
	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// MaxCallsPerTenant caps concurrent calls per tenant (0 = uncapped).
	MaxCallsPerTenant int
	// CallCapTTL bounds leaked cap slots if a process dies mid-call.
	CallCapTTL time.Duration
}

type UsageConfig struct {
	// FlushInterval drives periodic folding of buffered events.
	FlushInterval time.Duration
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
	c.App.PublicHost = strings.TrimSpace(os.Getenv("APP_PUBLIC_HOST"))

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

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Carrier.AccountSID = strings.TrimSpace(os.Getenv("CARRIER_ACCOUNT_SID"))
	c.Carrier.AuthToken = os.Getenv("CARRIER_AUTH_TOKEN")
	c.Carrier.APIBaseURL = strings.TrimSpace(os.Getenv("CARRIER_API_BASE_URL"))
	c.Carrier.WebhookSecret = os.Getenv("CARRIER_WEBHOOK_SECRET")
	c.Carrier.RequestTimeout = mustDuration("CARRIER_REQUEST_TIMEOUT")

	c.Agent.URL = strings.TrimSpace(os.Getenv("AGENT_WS_URL"))
	c.Agent.APIKey = os.Getenv("AGENT_API_KEY")
	c.Agent.DialTimeout = mustDuration("AGENT_DIAL_TIMEOUT")
	c.Agent.ReadTimeout = mustDuration("AGENT_READ_TIMEOUT")
	c.Agent.WriteTimeout = mustDuration("AGENT_WRITE_TIMEOUT")

	c.Bridge.SilenceTimeout = mustDuration("BRIDGE_SILENCE_TIMEOUT")
	c.Bridge.LivenessGrace = mustDuration("BRIDGE_LIVENESS_GRACE")
	c.Bridge.FrameReadTimeout = mustDuration("BRIDGE_FRAME_READ_TIMEOUT")
	c.Bridge.WriteTimeout = mustDuration("BRIDGE_WRITE_TIMEOUT")
	{
		n, err := optInt("BRIDGE_RECONNECT_MAX_ATTEMPTS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Bridge.ReconnectMaxAttempts = n
	}
	c.Bridge.ReconnectBaseDelay = mustDuration("BRIDGE_RECONNECT_BASE_DELAY")
	c.Bridge.ReconnectMaxDelay = mustDuration("BRIDGE_RECONNECT_MAX_DELAY")
	{
		n, err := optInt("BRIDGE_MAX_CALLS_PER_TENANT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Bridge.MaxCallsPerTenant = n
	}
	c.Bridge.CallCapTTL = mustDuration("BRIDGE_CALL_CAP_TTL")

	c.Usage.FlushInterval = mustDuration("USAGE_FLUSH_INTERVAL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required fields and applies local-friendly defaults for
// the tunables that were left unset. Pointer receiver: defaults must stick.
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
	if c.App.PublicHost == "" {
		errs = append(errs, errors.New("APP_PUBLIC_HOST is required (used in answer stream URL)"))
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

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Carrier.AccountSID == "" {
		errs = append(errs, errors.New("CARRIER_ACCOUNT_SID is required"))
	}
	if c.Carrier.AuthToken == "" {
		errs = append(errs, errors.New("CARRIER_AUTH_TOKEN is required"))
	}
	if c.Carrier.APIBaseURL == "" {
		c.Carrier.APIBaseURL = "https://api.twilio.com/2010-04-01"
	}
	if c.Carrier.RequestTimeout <= 0 {
		c.Carrier.RequestTimeout = 10 * time.Second
	}

	if c.Agent.URL == "" {
		errs = append(errs, errors.New("AGENT_WS_URL is required"))
	} else if !strings.HasPrefix(c.Agent.URL, "ws://") && !strings.HasPrefix(c.Agent.URL, "wss://") {
		errs = append(errs, fmt.Errorf("AGENT_WS_URL must be a ws:// or wss:// URL, got %q", c.Agent.URL))
	}
	if c.IsProduction() && c.Agent.APIKey == "" {
		errs = append(errs, errors.New("AGENT_API_KEY is required in production"))
	}
	if c.Agent.DialTimeout <= 0 {
		c.Agent.DialTimeout = 5 * time.Second
	}
	if c.Agent.ReadTimeout <= 0 {
		c.Agent.ReadTimeout = 30 * time.Second
	}
	if c.Agent.WriteTimeout <= 0 {
		c.Agent.WriteTimeout = 5 * time.Second
	}

	if c.Bridge.SilenceTimeout <= 0 {
		c.Bridge.SilenceTimeout = 15 * time.Second
	}
	if c.Bridge.LivenessGrace <= 0 {
		c.Bridge.LivenessGrace = 8 * time.Second
	}
	if c.Bridge.FrameReadTimeout <= 0 {
		c.Bridge.FrameReadTimeout = 30 * time.Second
	}
	if c.Bridge.WriteTimeout <= 0 {
		c.Bridge.WriteTimeout = 5 * time.Second
	}
	if c.Bridge.ReconnectMaxAttempts <= 0 {
		c.Bridge.ReconnectMaxAttempts = 5
	}
	if c.Bridge.ReconnectBaseDelay <= 0 {
		c.Bridge.ReconnectBaseDelay = 250 * time.Millisecond
	}
	if c.Bridge.ReconnectMaxDelay <= 0 {
		c.Bridge.ReconnectMaxDelay = 5 * time.Second
	}
	if c.Bridge.ReconnectMaxDelay < c.Bridge.ReconnectBaseDelay {
		errs = append(errs, errors.New("BRIDGE_RECONNECT_MAX_DELAY must be >= BRIDGE_RECONNECT_BASE_DELAY"))
	}
	if c.Bridge.MaxCallsPerTenant < 0 {
		errs = append(errs, errors.New("BRIDGE_MAX_CALLS_PER_TENANT must be >= 0"))
	}
	if c.Bridge.CallCapTTL <= 0 {
		c.Bridge.CallCapTTL = 4 * time.Hour
	}

	if c.Usage.FlushInterval <= 0 {
		c.Usage.FlushInterval = 15 * time.Second
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// MediaStreamURL is the websocket URL the carrier connects back to.
func (c Config) MediaStreamURL() string {
	return fmt.Sprintf("wss://%s/media-stream", c.App.PublicHost)
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

func optInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
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
