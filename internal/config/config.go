package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/discoversutd/discover/internal/logger"
)

// Discover is the root configuration shared by the API server and the reminder dispatcher.
type Discover struct {
	Server    Server    `yaml:"server"`     // HTTP listener settings.
	Database  Database  `yaml:"database"`   // Database connection settings.
	Auth      Auth      `yaml:"auth"`       // Token, session, lockout and password policy.
	RateLimit RateLimit `yaml:"rate_limit"` // IP based request throttling.
	Reminder  Reminder  `yaml:"reminder"`   // Telegram reminder dispatcher.
	Mail      Mail      `yaml:"mail"`       // SMTP settings for security notices.
	Logging   Logging   `yaml:"logging"`    // Named zap loggers.
}

type Server struct {
	Host           string        `yaml:"host" env:"HOST,overwrite"`
	Port           int           `yaml:"port" env:"PORT,overwrite"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS,overwrite"`
	TrustProxy     bool          `yaml:"trust_proxy"`

	// MetricsAllowlist limits /metrics to these addresses or CIDR prefixes. Empty allows all.
	MetricsAllowlist []string `yaml:"metrics_allowlist" env:"METRICS_ALLOWLIST,overwrite"`
}

type Database struct {
	Driver          string        `yaml:"driver" env:"DATABASE_DRIVER,overwrite"` // "pgx" or "sqlite"
	DSN             string        `yaml:"dsn" env:"DATABASE_URL,overwrite"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type Auth struct {
	JWTSecret              string         `yaml:"jwt_secret" env:"JWT_SECRET,overwrite"`
	Issuer                 string         `yaml:"issuer" env:"JWT_ISSUER,overwrite"`
	Audience               string         `yaml:"audience" env:"JWT_AUDIENCE,overwrite"`
	TokenExpiryHours       int            `yaml:"token_expiry_hours" env:"JWT_EXPIRES_IN_HOURS,overwrite"`
	CookieName             string         `yaml:"cookie_name"`
	CookieSecure           bool           `yaml:"cookie_secure" env:"COOKIE_SECURE,overwrite"`
	MaxLoginAttempts       int            `yaml:"max_login_attempts" env:"MAX_LOGIN_ATTEMPTS,overwrite"`
	LockDuration           time.Duration  `yaml:"lock_duration" env:"LOCKOUT_DURATION,overwrite"`
	SessionTTL             time.Duration  `yaml:"session_ttl"`
	SessionCleanupInterval time.Duration  `yaml:"session_cleanup_interval"`
	RestrictionMatch       string         `yaml:"restriction_match"` // "legacy" or "exact"
	Password               PasswordPolicy `yaml:"password"`
}

type PasswordPolicy struct {
	MinLength        int  `yaml:"min_length"`
	RequireUppercase bool `yaml:"require_uppercase"`
	RequireNumber    bool `yaml:"require_number"`
	RequireSpecial   bool `yaml:"require_special"`
}

// RateLimit configures sliding window throttles keyed by client IP.
type RateLimit struct {
	Requests      int           `yaml:"requests"`
	Window        time.Duration `yaml:"window"`
	LoginRequests int           `yaml:"login_requests"`
	LoginWindow   time.Duration `yaml:"login_window"`
}

type Reminder struct {
	BotToken        string        `yaml:"bot_token" env:"TELEGRAM_BOT_TOKEN,overwrite"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	LeadWindow      time.Duration `yaml:"lead_window"`
	MessageDelay    time.Duration `yaml:"message_delay"`
	MaxPerUser      int           `yaml:"max_per_user"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// SendTimeout bounds each Telegram Bot API request.
	SendTimeout     time.Duration `yaml:"send_timeout"`
	MetricsAddr     string        `yaml:"metrics_addr"`
}

type Mail struct {
	Enabled  bool   `yaml:"enabled"`
	SMTPHost string `yaml:"smtp_host" env:"SMTP_HOST,overwrite"`
	SMTPPort int    `yaml:"smtp_port" env:"SMTP_PORT,overwrite"`
	Username string `yaml:"username" env:"SMTP_USER,overwrite"`
	Password string `yaml:"password" env:"SMTP_PASSWORD,overwrite"`
	From     string `yaml:"from" env:"SMTP_FROM,overwrite"`
}

type Logging struct {
	Loggers map[string]logger.Config `yaml:"loggers"`
}

// Load reads the YAML file at path, then applies a .env file (if present) and
// environment overrides. A missing file is not an error: the environment and
// defaults alone can describe a deployment.
func Load(ctx context.Context, path string) (*Discover, error) {
	return LoadWithLookuper(ctx, path, nil)
}

// LoadWithLookuper is Load with an explicit environment source, used by tests.
func LoadWithLookuper(ctx context.Context, path string, lookuper envconfig.Lookuper) (*Discover, error) {
	cfg := &Discover{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.UnmarshalStrict(data, cfg); err != nil {
				return nil, fmt.Errorf("invalid config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	if lookuper == nil {
		// .env never overrides variables already set in the process environment
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
		lookuper = envconfig.OsLookuper()
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	return cfg, nil
}

// Placeholder secrets that must never sign production tokens.
var weakSecrets = []string{
	"secret",
	"changeme",
	"change-me",
	"change",
	"your",
	"key",
	"jwt",
	"default",
	"password",
}

const MinSecretLength = 32

// WeakSecret reports whether s is too short or built mostly from well-known
// placeholder words.
func WeakSecret(s string) bool {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < MinSecretLength {
		return true
	}

	rest := strings.ToLower(trimmed)
	for _, w := range weakSecrets {
		rest = strings.ReplaceAll(rest, w, "")
	}
	if rest == strings.ToLower(trimmed) {
		return false
	}
	rest = strings.Map(func(r rune) rune {
		if r == '-' || r == '_' || r == ' ' || r == '.' {
			return -1
		}
		return r
	}, rest)
	return len(rest) < MinSecretLength/2
}

// Validate applies defaults for unset values and rejects values the
// processes cannot run with.
func (cfg *Discover) Validate(log *zap.Logger) error {
	s := &cfg.Server
	if s.Port == 0 {
		s.Port = 8080
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = 15 * time.Second
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = 15 * time.Second
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = 60 * time.Second
	}
	if len(s.AllowedOrigins) == 0 {
		log.Warn("server.allowed_origins not defined. Defaulting to http://localhost:3000")
		s.AllowedOrigins = []string{"http://localhost:3000"}
	}

	d := &cfg.Database
	if d.Driver == "" {
		d.Driver = "pgx"
	}
	if d.Driver != "pgx" && d.Driver != "postgres" && d.Driver != "sqlite" {
		return fmt.Errorf("invalid database driver: %s", d.Driver)
	}
	if d.DSN == "" {
		return errors.New("database dsn is required")
	}

	a := &cfg.Auth
	if WeakSecret(a.JWTSecret) {
		return fmt.Errorf("auth.jwt_secret must be at least %d characters and not a placeholder", MinSecretLength)
	}
	if a.Issuer == "" {
		a.Issuer = "discoversutd-api"
	}
	if a.Audience == "" {
		a.Audience = "discoversutd-client"
	}
	if a.TokenExpiryHours <= 0 {
		log.Warn("auth.token_expiry_hours not defined. Applying default of 24 hours")
		a.TokenExpiryHours = 24
	}
	if a.CookieName == "" {
		a.CookieName = "auth_token"
	}
	if a.MaxLoginAttempts <= 0 {
		a.MaxLoginAttempts = 5
	}
	if a.LockDuration <= 0 {
		a.LockDuration = 15 * time.Minute
	}
	if a.SessionTTL <= 0 {
		a.SessionTTL = time.Duration(a.TokenExpiryHours) * time.Hour
	}
	if a.SessionCleanupInterval <= 0 {
		a.SessionCleanupInterval = time.Hour
	}
	switch a.RestrictionMatch {
	case "":
		a.RestrictionMatch = "legacy"
	case "legacy", "exact":
	default:
		return fmt.Errorf("invalid auth.restriction_match: %s", a.RestrictionMatch)
	}
	if a.Password.MinLength <= 0 {
		a.Password.MinLength = 8
	}

	rl := &cfg.RateLimit
	if rl.Requests <= 0 {
		rl.Requests = 100
	}
	if rl.Window <= 0 {
		rl.Window = 15 * time.Minute
	}
	if rl.LoginRequests <= 0 {
		rl.LoginRequests = 10
	}
	if rl.LoginWindow <= 0 {
		rl.LoginWindow = 15 * time.Minute
	}

	r := &cfg.Reminder
	if r.TickInterval <= 0 {
		r.TickInterval = time.Minute
	}
	if r.LeadWindow <= 0 {
		r.LeadWindow = 30 * time.Minute
	}
	if r.MessageDelay < 0 {
		return errors.New("reminder.message_delay must not be negative")
	}
	if r.MessageDelay == 0 {
		r.MessageDelay = 100 * time.Millisecond
	}
	if r.MaxPerUser <= 0 {
		r.MaxPerUser = 5
	}
	if r.Retention <= 0 {
		r.Retention = 7 * 24 * time.Hour
	}
	if r.CleanupInterval <= 0 {
		r.CleanupInterval = 24 * time.Hour
	}
	if r.SendTimeout <= 0 {
		r.SendTimeout = 10 * time.Second
	}

	m := &cfg.Mail
	if m.Enabled {
		if m.SMTPHost == "" || m.From == "" {
			return errors.New("mail.smtp_host and mail.from are required when mail is enabled")
		}
		if m.SMTPPort == 0 {
			m.SMTPPort = 587
		}
	}

	// audit entries are never dropped
	if cfg.Logging.Loggers[logger.NameAudit].Async.Enabled {
		return errors.New("logging.loggers.audit.async cannot be enabled")
	}

	return nil
}

// ValidateReminder checks the settings only the reminder process needs.
func (cfg *Discover) ValidateReminder() error {
	if cfg.Reminder.BotToken == "" {
		return errors.New("reminder.bot_token (TELEGRAM_BOT_TOKEN) is required")
	}
	return nil
}

// TokenExpiry converts the configured hours into a duration.
func (a Auth) TokenExpiry() time.Duration {
	return time.Duration(a.TokenExpiryHours) * time.Hour
}

// Addr returns the listen address for the API server.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
