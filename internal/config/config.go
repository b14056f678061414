package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full process configuration, loaded once at startup.
type Config struct {
	Server   ServerConfig
	Database DBConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Ledger   LedgerConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// DBConfig holds database configuration
type DBConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LockTimeout     time.Duration
	AutoMigrate     bool
}

// DSN returns the lib/pq connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

type RedisConfig struct {
	Host        string
	Port        string
	Password    string
	DB          int
	EventsQueue string
	// BreakerFailures consecutive publish failures pause publishing for BreakerOpenFor.
	BreakerFailures int
	BreakerOpenFor  time.Duration
}

func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

type JWTConfig struct {
	SecretKey   string
	ExpiryHours int
}

type LedgerConfig struct {
	// Store selects the backing store: "postgres" or "memory".
	Store         string
	AdminAccount  string
	MaxNoteLength int
	HistoryLimit  int
	ExportLimit   int
	Currency      string
	BankBIC       string
	// SeedAccounts is only read by the memory store: "number:name:balance" triples.
	SeedAccounts []string
}

type LogConfig struct {
	Level       string
	Development bool
}

// SetDefaults registers defaults on v for every key Load reads.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"https://*", "http://*"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "bank_db")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Minute*5)
	v.SetDefault("database.lock_timeout", 5*time.Second)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.events_queue", "ledger_events")
	v.SetDefault("redis.breaker_failures", 5)
	v.SetDefault("redis.breaker_open_for", 30*time.Second)

	v.SetDefault("jwt.secret_key", "")
	v.SetDefault("jwt.expiry_hours", 24)

	v.SetDefault("ledger.store", "postgres")
	v.SetDefault("ledger.admin_account", "0000")
	v.SetDefault("ledger.max_note_length", 500)
	v.SetDefault("ledger.history_limit", 200)
	v.SetDefault("ledger.export_limit", 5000)
	v.SetDefault("ledger.currency", "USD")
	v.SetDefault("ledger.bank_bic", "CORELEDG")
	v.SetDefault("ledger.seed_accounts", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

var envBindings = map[string]string{
	"server.port":            "PORT",
	"server.allowed_origins": "ALLOWED_ORIGINS",

	"database.host":         "DATABASE_HOST",
	"database.port":         "DATABASE_PORT",
	"database.user":         "DATABASE_USER",
	"database.password":     "DATABASE_PASSWORD",
	"database.name":         "DATABASE_NAME",
	"database.ssl_mode":     "DATABASE_SSL_MODE",
	"database.lock_timeout": "DATABASE_LOCK_TIMEOUT",
	"database.auto_migrate": "DATABASE_AUTO_MIGRATE",

	"redis.host":             "REDIS_HOST",
	"redis.port":             "REDIS_PORT",
	"redis.password":         "REDIS_PASSWORD",
	"redis.db":               "REDIS_DB",
	"redis.events_queue":     "REDIS_EVENTS_QUEUE",
	"redis.breaker_failures": "REDIS_BREAKER_FAILURES",
	"redis.breaker_open_for": "REDIS_BREAKER_OPEN_FOR",

	"jwt.secret_key":   "JWT_SECRET_KEY",
	"jwt.expiry_hours": "JWT_EXPIRY_HOURS",

	"ledger.store":           "LEDGER_STORE",
	"ledger.admin_account":   "LEDGER_ADMIN_ACCOUNT",
	"ledger.max_note_length": "LEDGER_MAX_NOTE_LENGTH",
	"ledger.currency":        "LEDGER_CURRENCY",
	"ledger.bank_bic":        "LEDGER_BANK_BIC",
	"ledger.seed_accounts":   "LEDGER_SEED_ACCOUNTS",

	"log.level":       "LOG_LEVEL",
	"log.development": "LOG_DEVELOPMENT",
}

// Load reads configuration from an optional env file and the environment.
// A missing file is not an error; environment variables override it.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			if !isMissingFile(err) {
				return nil, fmt.Errorf("read config %s: %w", file, err)
			}
		}
		// dotenv keys arrive as e.g. "database_host"; fold them into the nested keys.
		for key, env := range envBindings {
			if fileKey := strings.ToLower(env); v.InConfig(fileKey) {
				v.SetDefault(key, v.Get(fileKey))
			}
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetString("server.port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			AllowedOrigins:  splitList(v.GetStringSlice("server.allowed_origins")),
		},
		Database: DBConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetString("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			Name:            v.GetString("database.name"),
			SSLMode:         v.GetString("database.ssl_mode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			LockTimeout:     v.GetDuration("database.lock_timeout"),
			AutoMigrate:     v.GetBool("database.auto_migrate"),
		},
		Redis: RedisConfig{
			Host:        v.GetString("redis.host"),
			Port:        v.GetString("redis.port"),
			Password:    v.GetString("redis.password"),
			DB:          v.GetInt("redis.db"),
			EventsQueue: v.GetString("redis.events_queue"),

			BreakerFailures: v.GetInt("redis.breaker_failures"),
			BreakerOpenFor:  v.GetDuration("redis.breaker_open_for"),
		},
		JWT: JWTConfig{
			SecretKey:   v.GetString("jwt.secret_key"),
			ExpiryHours: v.GetInt("jwt.expiry_hours"),
		},
		Ledger: LedgerConfig{
			Store:         strings.ToLower(v.GetString("ledger.store")),
			AdminAccount:  v.GetString("ledger.admin_account"),
			MaxNoteLength: v.GetInt("ledger.max_note_length"),
			HistoryLimit:  v.GetInt("ledger.history_limit"),
			ExportLimit:   v.GetInt("ledger.export_limit"),
			Currency:      strings.ToUpper(v.GetString("ledger.currency")),
			BankBIC:       v.GetString("ledger.bank_bic"),
			SeedAccounts:  splitList(v.GetStringSlice("ledger.seed_accounts")),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Ledger.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("ledger.store must be postgres or memory, got %q", c.Ledger.Store)
	}
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("jwt.secret_key is required")
	}
	if c.Ledger.AdminAccount == "" {
		return fmt.Errorf("ledger.admin_account is required")
	}
	if len(c.Ledger.Currency) != 3 {
		return fmt.Errorf("ledger.currency must be a 3-letter code, got %q", c.Ledger.Currency)
	}
	if c.Redis.BreakerFailures <= 0 {
		return fmt.Errorf("redis.breaker_failures must be positive")
	}
	if c.Ledger.HistoryLimit <= 0 || c.Ledger.ExportLimit <= 0 {
		return fmt.Errorf("ledger.history_limit and ledger.export_limit must be positive")
	}
	return nil
}

func isMissingFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// splitList accepts both real lists and a single comma separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
