package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the application configuration loaded from files, environment variables and flags.
type Config struct {
	AppName    string `mapstructure:"app_name"`
	Env        string `mapstructure:"app_env"`
	LogLevel   string `mapstructure:"log_level"`
	ConfigFile string `mapstructure:"config_file"`

	// Client side (devctl).
	BaseURL            string        `mapstructure:"base_url"`
	APIToken           string        `mapstructure:"api_token"`
	HTTPTimeoutSeconds int64         `mapstructure:"http_timeout_seconds"`
	HTTPTimeout        time.Duration `mapstructure:"-"`
	OutputFormat       string        `mapstructure:"output"`

	// Server side (console).
	ListenAddr             string        `mapstructure:"listen_addr"`
	BaseDomain             string        `mapstructure:"base_domain"`
	RegisterToken          string        `mapstructure:"register_token"`
	InstallScriptPath      string        `mapstructure:"install_script_path"`
	PublishersFile         string        `mapstructure:"publishers_file"`
	ShutdownTimeoutSeconds int64         `mapstructure:"shutdown_timeout_seconds"`
	ShutdownTimeout        time.Duration `mapstructure:"-"`
	CommandTimeoutSeconds  int64         `mapstructure:"command_timeout_seconds"`
	CommandTimeout         time.Duration `mapstructure:"-"`

	AuthSecret     string        `mapstructure:"auth_secret"`
	AuthIssuer     string        `mapstructure:"auth_issuer"`
	AuthTTLMinutes int64         `mapstructure:"auth_ttl_minutes"`
	AuthTTL        time.Duration `mapstructure:"-"`

	StorageType string `mapstructure:"storage_type"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	BBoltPath   string `mapstructure:"bbolt_path"`
}

// Load reads configuration from configs/.env, an optional config file, environment
// variables and, when flags is non-nil, command-line flags (highest precedence).
func Load(flags *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load("configs/.env")

	v := viper.New()

	v.SetDefault("app_name", "kvm-cloud-console")
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("config_file", "")
	v.SetDefault("base_url", "http://127.0.0.1:5913")
	v.SetDefault("api_token", "")
	v.SetDefault("http_timeout_seconds", 15)
	v.SetDefault("output", "json")
	v.SetDefault("listen_addr", ":5913")
	v.SetDefault("base_domain", "")
	v.SetDefault("register_token", "")
	v.SetDefault("install_script_path", "/install.sh")
	v.SetDefault("publishers_file", "")
	v.SetDefault("shutdown_timeout_seconds", 10)
	v.SetDefault("command_timeout_seconds", 30)
	v.SetDefault("auth_secret", "")
	v.SetDefault("auth_issuer", "kvm-cloud-console")
	v.SetDefault("auth_ttl_minutes", 60)
	v.SetDefault("storage_type", "sqlite")
	v.SetDefault("sqlite_path", "./data/devices.db")
	v.SetDefault("bbolt_path", "./data/devices.bolt")

	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	if file := strings.TrimSpace(v.GetString("config_file")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// normalize validates numeric settings and derives durations.
func (cfg *Config) normalize() error {
	if cfg.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("invalid http_timeout_seconds (must be positive seconds)")
	}
	if cfg.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("invalid shutdown_timeout_seconds (must be positive seconds)")
	}
	if cfg.CommandTimeoutSeconds <= 0 {
		return fmt.Errorf("invalid command_timeout_seconds (must be positive seconds)")
	}
	if cfg.AuthTTLMinutes <= 0 {
		return fmt.Errorf("invalid auth_ttl_minutes (must be positive minutes)")
	}

	cfg.HTTPTimeout = time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
	cfg.ShutdownTimeout = time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
	cfg.CommandTimeout = time.Duration(cfg.CommandTimeoutSeconds) * time.Second
	cfg.AuthTTL = time.Duration(cfg.AuthTTLMinutes) * time.Minute

	cfg.StorageType = strings.ToLower(strings.TrimSpace(cfg.StorageType))
	cfg.OutputFormat = strings.ToLower(strings.TrimSpace(cfg.OutputFormat))
	cfg.BaseDomain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(cfg.BaseDomain)), ".")
	return nil
}

// StoragePath returns the file path for the configured storage backend.
func (cfg *Config) StoragePath() string {
	if cfg.StorageType == "bbolt" {
		return cfg.BBoltPath
	}
	return cfg.SQLitePath
}
