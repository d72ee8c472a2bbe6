package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	SecretKey string         `mapstructure:"secret_key"`
	Auth      AuthConfig     `mapstructure:"auth"`
	OpenVidu  OpenViduConfig `mapstructure:"openvidu"`
	Logging   LoggingConfig  `mapstructure:"logging"`
	Realtime  RealtimeConfig `mapstructure:"realtime"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// APIURL and AppURL are only used to build links shown to people.
	APIURL    string `mapstructure:"api_url"`
	AppURL    string `mapstructure:"app_url"`
	StaticDir string `mapstructure:"static_dir"`
	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Path          string `mapstructure:"path"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	// AdminPasswordHash is a bcrypt hash. Admin login is disabled when empty.
	AdminPasswordHash string `mapstructure:"admin_password_hash"`
}

// OpenViduConfig points at the call-session provisioning service used by
// video-call tasks.
type OpenViduConfig struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type RealtimeConfig struct {
	SendBuffer     int `mapstructure:"send_buffer"`
	PersistRetries int `mapstructure:"persist_retries"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:   ":5000",
			APIURL: "http://localhost:5000/api",
			AppURL: "http://localhost:5000",
		},
		Database:  DatabaseConfig{Path: "covfee.db"},
		SecretKey: "covfee-dev-secret",
		Auth: AuthConfig{
			JWTSecret: "covfee-dev-jwt",
			TokenTTL:  24 * time.Hour,
		},
		Logging:  LoggingConfig{Level: "INFO"},
		Realtime: RealtimeConfig{SendBuffer: 64, PersistRetries: 3},
	}
}

// SetDefaults registers defaults and COVFEE_* environment overrides on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.api_url", d.Server.APIURL)
	v.SetDefault("server.app_url", d.Server.AppURL)
	v.SetDefault("server.static_dir", d.Server.StaticDir)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.migrations_dir", d.Database.MigrationsDir)
	v.SetDefault("secret_key", d.SecretKey)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)
	v.SetDefault("auth.admin_password_hash", "")
	v.SetDefault("openvidu.url", "")
	v.SetDefault("openvidu.secret", "")
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", "")
	v.SetDefault("realtime.send_buffer", d.Realtime.SendBuffer)
	v.SetDefault("realtime.persist_retries", d.Realtime.PersistRetries)

	v.SetEnvPrefix("COVFEE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads an optional config file plus environment into a validated Config.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() []error {
	var errs []error
	if strings.TrimSpace(c.SecretKey) == "" {
		errs = append(errs, errors.New("secret_key must not be empty"))
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path must not be empty"))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwt_secret must not be empty"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("auth.token_ttl must be positive, got %s", c.Auth.TokenTTL))
	}
	if c.Realtime.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("realtime.send_buffer must be positive, got %d", c.Realtime.SendBuffer))
	}
	if c.Realtime.PersistRetries <= 0 {
		errs = append(errs, fmt.Errorf("realtime.persist_retries must be positive, got %d", c.Realtime.PersistRetries))
	}
	return errs
}

// Secret returns the process-wide key used in id and completion-code
// derivations. Callers read it at call time instead of caching it.
func (c *Config) Secret() string {
	return c.SecretKey
}
