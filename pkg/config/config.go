// Package config resolves relay settings from command-line flags, the
// environment (optionally seeded from a .env file) and the legacy
// myport.info port file.
//
// Precedence, highest first: flags, environment, port file, defaults.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ZentaChain/mailbox-relay/pkg/protocol"
	"github.com/ZentaChain/mailbox-relay/pkg/storage"
)

const (
	DefaultPort      = 1357
	DefaultPortFile  = "myport.info"
	DefaultAdminPort = 8080
	DefaultEnv       = "production"

	DefaultWriteTimeout = 10 * time.Second
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Port sources reported in Config.PortSource
const (
	SourceFlag    = "flag"
	SourceEnv     = "env"
	SourceFile    = "file"
	SourceDefault = "default"
)

// Config holds every relay setting
type Config struct {
	Port      int
	PortFile  string
	AdminPort int // 0 disables the admin API

	Store       string // memory, sqlite, postgres or redis
	DBPath      string
	PostgresURL string
	RedisURL    string

	Env      string
	LogLevel string

	StrictContent bool
	MaxPayload    uint32
	IdleTimeout   time.Duration
	WriteTimeout  time.Duration

	// PortSource records where Port came from; PortFileErr is set when the
	// port file was consulted but unusable.
	PortSource  string
	PortFileErr error
}

// Default returns the built-in settings
func Default() *Config {
	return &Config{
		Port:         DefaultPort,
		PortFile:     DefaultPortFile,
		AdminPort:    DefaultAdminPort,
		Store:        storage.BackendSQLite,
		DBPath:       storage.DefaultDBPath,
		Env:          DefaultEnv,
		LogLevel:     "info",
		MaxPayload:   protocol.DefaultMaxPayloadSize,
		WriteTimeout: DefaultWriteTimeout,
		PortSource:   SourceDefault,
	}
}

// IsDevelopment reports whether the relay runs in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ListenAddr returns the wire protocol listen address
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// AdminAddr returns the admin API listen address, or "" when disabled
func (c *Config) AdminAddr() string {
	if c.AdminPort == 0 {
		return ""
	}
	return fmt.Sprintf(":%d", c.AdminPort)
}

// Load resolves the configuration for the given command-line arguments
// (without the program name). A .env file in the working directory is
// loaded first if present; it never overrides variables already set.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()
	return load(args, os.Getenv, io.Discard)
}

func load(args []string, getenv func(string) string, usage io.Writer) (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	fs.SetOutput(usage)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port to listen on (overrides the port file)")
	fs.StringVar(&cfg.PortFile, "port-file", cfg.PortFile, "File holding the listen port")
	fs.IntVar(&cfg.AdminPort, "admin-port", cfg.AdminPort, "Admin HTTP port (0 disables)")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "Storage backend: memory, sqlite, postgres or redis")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.PostgresURL, "postgres", cfg.PostgresURL, "PostgreSQL URL for the postgres backend")
	fs.StringVar(&cfg.RedisURL, "redis", cfg.RedisURL, "Redis URL for the redis backend")
	fs.StringVar(&cfg.Env, "env", cfg.Env, "Environment: development or production")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.BoolVar(&cfg.StrictContent, "strict-content", cfg.StrictContent, "Reject messages whose declared size differs from the content")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Close connections idle this long (0 = never)")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Deadline for writing one response (0 = none)")
	fs.Func("max-payload", fmt.Sprintf("Largest accepted request payload in bytes (default %d)", cfg.MaxPayload), func(v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return err
		}
		cfg.MaxPayload = uint32(n)
		return nil
	})

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "port" {
			cfg.PortSource = SourceFlag
		}
	})

	if cfg.PortSource == SourceDefault {
		port, err := ReadPortFile(cfg.PortFile)
		if err != nil {
			cfg.PortFileErr = err
		} else {
			cfg.Port = port
			cfg.PortSource = SourceFile
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays RELAY_* variables
func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error

	if v := getenv("RELAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RELAY_PORT: %w", err))
		} else {
			c.Port = port
			c.PortSource = SourceEnv
		}
	}
	if v := getenv("RELAY_PORT_FILE"); v != "" {
		c.PortFile = v
	}
	if v := getenv("RELAY_ADMIN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RELAY_ADMIN_PORT: %w", err))
		} else {
			c.AdminPort = port
		}
	}
	if v := getenv("RELAY_STORE"); v != "" {
		c.Store = v
	}
	if v := getenv("RELAY_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := getenv("RELAY_POSTGRES_URL"); v != "" {
		c.PostgresURL = v
	}
	if v := getenv("RELAY_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := getenv("RELAY_ENV"); v != "" {
		c.Env = v
	}
	if v := getenv("RELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("RELAY_STRICT_CONTENT"); v != "" {
		strict, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RELAY_STRICT_CONTENT: %w", err))
		} else {
			c.StrictContent = strict
		}
	}
	if v := getenv("RELAY_MAX_PAYLOAD"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("RELAY_MAX_PAYLOAD: %w", err))
		} else {
			c.MaxPayload = uint32(n)
		}
	}
	if v := getenv("RELAY_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RELAY_IDLE_TIMEOUT: %w", err))
		} else {
			c.IdleTimeout = d
		}
	}
	if v := getenv("RELAY_WRITE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RELAY_WRITE_TIMEOUT: %w", err))
		} else {
			c.WriteTimeout = d
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate checks ranges and backend requirements
func (c *Config) Validate() error {
	var problems []string

	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		problems = append(problems, fmt.Sprintf("admin port %d out of range", c.AdminPort))
	}
	if c.AdminPort != 0 && c.AdminPort == c.Port {
		problems = append(problems, "admin port must differ from the relay port")
	}

	switch c.Store {
	case storage.BackendMemory, storage.BackendSQLite:
	case storage.BackendPostgres:
		if c.PostgresURL == "" {
			problems = append(problems, "postgres backend needs a postgres URL")
		}
	case storage.BackendRedis:
		if c.RedisURL == "" {
			problems = append(problems, "redis backend needs a redis URL")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown store %q", c.Store))
	}

	if c.MaxPayload == 0 {
		problems = append(problems, "max payload must be positive")
	}
	if c.IdleTimeout < 0 || c.WriteTimeout < 0 {
		problems = append(problems, "timeouts cannot be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ReadPortFile reads a port number from a file holding a single integer
func ReadPortFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%s: port %d out of range", path, port)
	}
	return port, nil
}
