package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	App        App        `yaml:"app"`
	Logger     Logger     `yaml:"log"`
	Database   Database   `yaml:"database"`
	Redis      Redis      `yaml:"redis"`
	HTTPServer HTTPServer `yaml:"http_server"`
	Auth       Auth       `yaml:"auth"`
	Scheduler  Scheduler  `yaml:"scheduler"`
	Delivery   Delivery   `yaml:"delivery"`
	Mailer     Mailer     `yaml:"mailer"`
}

type App struct {
	ServiceName string `yaml:"service_name" env:"APP_SERVICE_NAME" env-default:"mibs"`
	Version     string `yaml:"version" env:"APP_VERSION" env-default:"dev"`
}

type Logger struct {
	Level      string   `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	FormatJSON bool     `yaml:"format_json" env:"LOG_FORMAT_JSON" env-default:"true"`
	Rotation   Rotation `yaml:"rotation"`
}

// Rotation is only used when File is set.
type Rotation struct {
	File       string `yaml:"file" env:"LOG_FILE"`
	MaxSize    int    `yaml:"max_size" env:"LOG_MAX_SIZE" env-default:"100"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS" env-default:"5"`
	MaxAge     int    `yaml:"max_age" env:"LOG_MAX_AGE" env-default:"28"`
}

type Database struct {
	DSN         string `yaml:"dsn" env:"DATABASE_URL"`
	MaxConns    int32  `yaml:"max_conns" env:"DB_MAX_CONNS" env-default:"10"`
	AutoMigrate bool   `yaml:"auto_migrate" env:"DB_AUTO_MIGRATE" env-default:"false"`
}

type Redis struct {
	Enabled  bool          `yaml:"enabled" env:"REDIS_ENABLED" env-default:"false"`
	Addr     string        `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	TTL      time.Duration `yaml:"journal_ttl" env:"REDIS_JOURNAL_TTL" env-default:"168h"`
}

type HTTPServer struct {
	Addr    string  `yaml:"addr" env:"HTTP_ADDR" env-default:":8080"`
	Timeout Timeout `yaml:"timeout"`
}

type Timeout struct {
	Read     time.Duration `yaml:"read" env:"HTTP_READ_TIMEOUT" env-default:"10s"`
	Write    time.Duration `yaml:"write" env:"HTTP_WRITE_TIMEOUT" env-default:"15s"`
	Idle     time.Duration `yaml:"idle" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
	Shutdown time.Duration `yaml:"shutdown" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"15s"`
}

type Auth struct {
	// Disabled trusts the X-User-ID header. Never in production.
	Disabled bool `yaml:"disabled" env:"AUTH_DISABLED" env-default:"false"`
	// JWKSURI wins over PublicKeyFile when both are set.
	JWKSURI       string        `yaml:"jwks_uri" env:"AUTH_JWKS_URI"`
	PublicKeyFile string        `yaml:"public_key_file" env:"AUTH_PUBLIC_KEY_FILE"`
	Issuer        string        `yaml:"issuer" env:"AUTH_ISSUER" env-default:"safezone-auth"`
	Audience      string        `yaml:"audience" env:"AUTH_AUDIENCE" env-default:"mibs"`
	Leeway        time.Duration `yaml:"leeway" env:"AUTH_LEEWAY" env-default:"30s"`
}

type Scheduler struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL" env-default:"30s"`
	StaleWindow  time.Duration `yaml:"stale_window" env:"STALE_WINDOW" env-default:"1m"`
	BatchSize    int           `yaml:"batch_size" env:"BATCH_SIZE" env-default:"0"`
}

type Delivery struct {
	Sender      string        `yaml:"sender" env:"DELIVERY_SENDER" env-default:"mibs@localhost"`
	Subject     string        `yaml:"subject" env:"DELIVERY_SUBJECT" env-default:"MIBS"`
	QPS         float64       `yaml:"qps" env:"DELIVERY_QPS" env-default:"0"`
	Burst       int           `yaml:"burst" env:"DELIVERY_BURST" env-default:"1"`
	SendTimeout time.Duration `yaml:"send_timeout" env:"DELIVERY_SEND_TIMEOUT" env-default:"30s"`
}

type Mailer struct {
	// Transport is "smtp" or "dummy".
	Transport   string        `yaml:"transport" env:"MAILER_TRANSPORT" env-default:"dummy"`
	Host        string        `yaml:"host" env:"SMTP_HOST" env-default:"localhost"`
	Port        int           `yaml:"port" env:"SMTP_PORT" env-default:"25"`
	Username    string        `yaml:"username" env:"SMTP_USERNAME"`
	Password    string        `yaml:"password" env:"SMTP_PASSWORD"`
	UseTLS      bool          `yaml:"use_tls" env:"SMTP_USE_TLS" env-default:"false"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"SMTP_DIAL_TIMEOUT" env-default:"10s"`

	// DummyFailureRate makes the dummy transport fail a share of sends.
	DummyFailureRate float64 `yaml:"dummy_failure_rate" env:"MAILER_DUMMY_FAILURE_RATE" env-default:"0"`
}

// Load reads path (if any) and then the environment, which wins.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PathFromEnv falls back to CONFIG_PATH when no -config flag was given.
func PathFromEnv(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("CONFIG_PATH")
}

func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Database.DSN) == "" {
		problems = append(problems, "database.dsn is required")
	}
	if c.Scheduler.PollInterval <= 0 {
		problems = append(problems, "scheduler.poll_interval must be positive")
	}
	if c.Scheduler.StaleWindow <= 0 {
		problems = append(problems, "scheduler.stale_window must be positive")
	}
	if c.Scheduler.BatchSize < 0 {
		problems = append(problems, "scheduler.batch_size must not be negative")
	}
	if c.Delivery.SendTimeout <= 0 {
		problems = append(problems, "delivery.send_timeout must be positive")
	}
	switch c.Mailer.Transport {
	case "smtp", "dummy":
	default:
		problems = append(problems, fmt.Sprintf("mailer.transport %q is not smtp or dummy", c.Mailer.Transport))
	}
	if !c.Auth.Disabled && c.Auth.JWKSURI == "" && c.Auth.PublicKeyFile == "" {
		problems = append(problems, "auth.jwks_uri or auth.public_key_file is required unless auth.disabled")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

const redacted = "[redacted]"

// Dump renders the effective config as YAML with secrets masked.
func Dump(cfg *Config) (string, error) {
	c := *cfg
	if c.Database.DSN != "" {
		c.Database.DSN = redactDSN(c.Database.DSN)
	}
	if c.Redis.Password != "" {
		c.Redis.Password = redacted
	}
	if c.Mailer.Password != "" {
		c.Mailer.Password = redacted
	}
	data, err := yaml.Marshal(&c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// redactDSN masks the password in a postgres URL.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return redacted
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, hasPass := strings.Cut(userinfo, ":")
	if !hasPass {
		return dsn
	}
	return scheme + "://" + user + ":" + redacted + "@" + host
}
