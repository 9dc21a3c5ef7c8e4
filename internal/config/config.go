package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	AMQPURL        string        `mapstructure:"AMQP_URL"`
	AMQPAlertQueue string        `mapstructure:"AMQP_ALERT_QUEUE"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	TLSEnabled     bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string        `mapstructure:"TLS_KEY_FILE"`

	// Meeting providers
	DefaultMeetingProvider string        `mapstructure:"DEFAULT_MEETING_PROVIDER"`
	ProviderTimeout        time.Duration `mapstructure:"PROVIDER_TIMEOUT"`
	MarkerTTL              time.Duration `mapstructure:"MARKER_TTL"`
	ZoomAPIURL             string        `mapstructure:"ZOOM_API_URL"`
	ZoomOAuthURL           string        `mapstructure:"ZOOM_OAUTH_URL"`
	ZoomAccountID          string        `mapstructure:"ZOOM_ACCOUNT_ID"`
	ZoomClientID           string        `mapstructure:"ZOOM_CLIENT_ID"`
	ZoomClientSecret       string        `mapstructure:"ZOOM_CLIENT_SECRET"`
	ZoomUserID             string        `mapstructure:"ZOOM_USER_ID"`
	DailyAPIURL            string        `mapstructure:"DAILY_API_URL"`
	DailyAPIKey            string        `mapstructure:"DAILY_API_KEY"`
	DailyExplicitCleanup   bool          `mapstructure:"DAILY_EXPLICIT_CLEANUP"`
	DailyRoomExpiryGrace   time.Duration `mapstructure:"DAILY_ROOM_EXPIRY_GRACE"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "AMQP_URL", "AMQP_ALERT_QUEUE",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"DEFAULT_MEETING_PROVIDER", "PROVIDER_TIMEOUT", "MARKER_TTL",
	"ZOOM_API_URL", "ZOOM_OAUTH_URL", "ZOOM_ACCOUNT_ID", "ZOOM_CLIENT_ID", "ZOOM_CLIENT_SECRET", "ZOOM_USER_ID",
	"DAILY_API_URL", "DAILY_API_KEY", "DAILY_EXPLICIT_CLEANUP", "DAILY_ROOM_EXPIRY_GRACE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AMQP_ALERT_QUEUE", "teleconsult_meeting_alerts")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("DEFAULT_MEETING_PROVIDER", "zoom")
	v.SetDefault("PROVIDER_TIMEOUT", "10s")
	v.SetDefault("MARKER_TTL", "30s")
	v.SetDefault("ZOOM_API_URL", "https://api.zoom.us/v2")
	v.SetDefault("ZOOM_OAUTH_URL", "https://zoom.us")
	v.SetDefault("DAILY_API_URL", "https://api.daily.co/v1")
	v.SetDefault("DAILY_ROOM_EXPIRY_GRACE", "1h")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, every request gets admin access")
		log.Println("WARNING: and the facility is taken from the X-Facility-ID header.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development selects "development" and
// everything else "external" (JWTs from an external issuer).
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE \"development\" is not allowed when ENV=production")
		}
	case "external":
		if c.AuthIssuer == "" {
			return fmt.Errorf(
				"AUTH_ISSUER must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
					"Refusing to start without authentication configuration", c.Env)
		}
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("one of AUTH_JWKS_URL or AUTH_SIGNING_KEY is required when AUTH_MODE is \"external\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}

	switch c.DefaultMeetingProvider {
	case "zoom", "daily":
	default:
		return fmt.Errorf("DEFAULT_MEETING_PROVIDER must be \"zoom\" or \"daily\", got %q", c.DefaultMeetingProvider)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.MarkerTTL <= c.ProviderTimeout {
		return fmt.Errorf("MARKER_TTL (%s) must exceed PROVIDER_TIMEOUT (%s)", c.MarkerTTL, c.ProviderTimeout)
	}

	if c.IsProduction() {
		if !c.ZoomConfigured() && !c.DailyConfigured() {
			return fmt.Errorf("at least one meeting provider must be configured in production")
		}
		if c.DefaultMeetingProvider == "zoom" && !c.ZoomConfigured() {
			return fmt.Errorf("ZOOM_ACCOUNT_ID, ZOOM_CLIENT_ID and ZOOM_CLIENT_SECRET are required for the default provider")
		}
		if c.DefaultMeetingProvider == "daily" && !c.DailyConfigured() {
			return fmt.Errorf("DAILY_API_KEY is required for the default provider")
		}
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}

// ZoomConfigured reports whether server-to-server OAuth credentials are set.
func (c *Config) ZoomConfigured() bool {
	return c.ZoomAccountID != "" && c.ZoomClientID != "" && c.ZoomClientSecret != ""
}

func (c *Config) DailyConfigured() bool {
	return c.DailyAPIKey != ""
}
