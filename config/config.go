package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configName = "gim"
	configType = "toml"
	envPrefix  = "GIM"

	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

type Config struct {
	Port            int
	DBDriver        string
	DBPath          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
	ShutdownTimeout time.Duration
	MaxConnections  int
	NotifyWorkers   int
	NotifyQueue     int
	ControlSocket   string
	LogLevel        string

	// Client side
	Server       string
	PingInterval time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 4279)
	v.SetDefault("db.driver", DriverSQLite)
	v.SetDefault("db.path", "gim.db")
	v.SetDefault("read_timeout", 120*time.Second)
	v.SetDefault("write_timeout", 30*time.Second)
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.delay", 3*time.Second)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("max_connections", 256)
	v.SetDefault("notify.workers", 4)
	v.SetDefault("notify.queue", 256)
	v.SetDefault("control_socket", "/tmp/gim.sock")
	v.SetDefault("log.level", "info")
	v.SetDefault("server", "localhost:4279")
	v.SetDefault("ping_interval", 30*time.Second)
}

// Load reads configuration from defaults, an optional gim.toml (in the working
// directory or $HOME/.gim) and GIM_ environment variables, in increasing precedence.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".gim"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		Port:            v.GetInt("port"),
		DBDriver:        strings.ToLower(v.GetString("db.driver")),
		DBPath:          v.GetString("db.path"),
		ReadTimeout:     v.GetDuration("read_timeout"),
		WriteTimeout:    v.GetDuration("write_timeout"),
		RetryAttempts:   v.GetInt("retry.attempts"),
		RetryDelay:      v.GetDuration("retry.delay"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		MaxConnections:  v.GetInt("max_connections"),
		NotifyWorkers:   v.GetInt("notify.workers"),
		NotifyQueue:     v.GetInt("notify.queue"),
		ControlSocket:   v.GetString("control_socket"),
		LogLevel:        v.GetString("log.level"),
		Server:          v.GetString("server"),
		PingInterval:    v.GetDuration("ping_interval"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DBDriver != DriverSQLite && c.DBDriver != DriverBadger {
		errs = append(errs, fmt.Errorf("unknown db.driver %q", c.DBDriver))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.attempts must be at least 1, got %d", c.RetryAttempts))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, errors.New("retry.delay must not be negative"))
	}
	if c.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("max_connections must be at least 1, got %d", c.MaxConnections))
	}
	if c.NotifyWorkers < 1 || c.NotifyQueue < 1 {
		errs = append(errs, errors.New("notify.workers and notify.queue must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}
	if c.PingInterval < 0 {
		errs = append(errs, errors.New("ping_interval must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
