// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Ordering policies for realtime inserts that arrive out of timestamp order.
const (
	OrderingAppend = "append"
	OrderingSorted = "sorted"
)

// Config holds application configuration values loaded from file or environment variables.
// The gateway server and the chat client share one struct; each reads the keys it needs.
type Config struct {
	Env            string `mapstructure:"APP_ENV"`
	Port           string `mapstructure:"PORT"`
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	JWTTTLMinutes  int    `mapstructure:"JWT_TTL_MINUTES"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	DBDriver   string `mapstructure:"DB_DRIVER"`
	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`
	DBSSLMode  string `mapstructure:"DB_SSLMODE"`
	SQLitePath string `mapstructure:"SQLITE_PATH"`

	RedisURL string `mapstructure:"REDIS_URL"`

	StorageEndpoint          string `mapstructure:"STORAGE_ENDPOINT"`
	StorageAccessKey         string `mapstructure:"STORAGE_ACCESS_KEY"`
	StorageSecretKey         string `mapstructure:"STORAGE_SECRET_KEY"`
	StorageUseSSL            bool   `mapstructure:"STORAGE_USE_SSL"`
	StoragePublicURL         string `mapstructure:"STORAGE_PUBLIC_URL"`
	StorageUploadTTLMinutes  int    `mapstructure:"STORAGE_UPLOAD_TTL_MINUTES"`
	StorageAllowedBucketList string `mapstructure:"STORAGE_BUCKETS"`

	GatewayURL            string `mapstructure:"GATEWAY_URL"`
	GatewayEmail          string `mapstructure:"GATEWAY_EMAIL"`
	GatewayPassword       string `mapstructure:"GATEWAY_PASSWORD"`
	GatewayTimeoutSeconds int    `mapstructure:"GATEWAY_TIMEOUT_SECONDS"`

	OrderingPolicy      string `mapstructure:"ORDERING_POLICY"`
	DirectoryLoadWorker int    `mapstructure:"DIRECTORY_LOAD_WORKERS"`

	TracingEnabled     bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter    string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint       string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSampleRatio float64 `mapstructure:"TRACING_SAMPLE_RATIO"`
}

// LoadConfig loads application configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// Initial read to get APP_ENV if set in base config.
	// The config file is optional; env vars and defaults cover every key.
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "test" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("PORT", "8375")
	viper.SetDefault("JWT_SECRET", "your-secret-key-change-in-production")
	viper.SetDefault("JWT_TTL_MINUTES", 60)
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")
	viper.SetDefault("DB_DRIVER", "sqlite")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "chatsync")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("SQLITE_PATH", "chatsync.db")
	viper.SetDefault("REDIS_URL", "")
	viper.SetDefault("STORAGE_ENDPOINT", "")
	viper.SetDefault("STORAGE_ACCESS_KEY", "")
	viper.SetDefault("STORAGE_SECRET_KEY", "")
	viper.SetDefault("STORAGE_USE_SSL", false)
	viper.SetDefault("STORAGE_PUBLIC_URL", "")
	viper.SetDefault("STORAGE_UPLOAD_TTL_MINUTES", 15)
	viper.SetDefault("STORAGE_BUCKETS", "avatars,media")
	viper.SetDefault("GATEWAY_URL", "http://localhost:8375")
	viper.SetDefault("GATEWAY_EMAIL", "")
	viper.SetDefault("GATEWAY_PASSWORD", "")
	viper.SetDefault("GATEWAY_TIMEOUT_SECONDS", 10)
	viper.SetDefault("ORDERING_POLICY", OrderingAppend)
	viper.SetDefault("DIRECTORY_LOAD_WORKERS", 8)
	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	viper.SetDefault("TRACING_SAMPLE_RATIO", 1.0)
}

func (c *Config) normalize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	c.DBSSLMode = strings.ToLower(strings.TrimSpace(c.DBSSLMode))
	c.OrderingPolicy = strings.ToLower(strings.TrimSpace(c.OrderingPolicy))
	c.GatewayURL = strings.TrimRight(strings.TrimSpace(c.GatewayURL), "/")
}

// IsProduction reports whether the production profile is active.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// JWTTTL returns the lifetime of issued access tokens.
func (c *Config) JWTTTL() time.Duration {
	return time.Duration(c.JWTTTLMinutes) * time.Minute
}

// GatewayTimeout returns the per-request timeout used by the REST transport.
func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutSeconds) * time.Second
}

// UploadTTL returns how long a signed upload URL stays valid.
func (c *Config) UploadTTL() time.Duration {
	return time.Duration(c.StorageUploadTTLMinutes) * time.Minute
}

// StorageBuckets returns the buckets clients may request signed uploads for.
func (c *Config) StorageBuckets() []string {
	var buckets []string
	for _, b := range strings.Split(c.StorageAllowedBucketList, ",") {
		if b = strings.TrimSpace(b); b != "" {
			buckets = append(buckets, b)
		}
	}
	return buckets
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.JWTTTLMinutes <= 0 {
		return errors.New("JWT_TTL_MINUTES must be positive")
	}
	switch c.DBDriver {
	case "postgres":
	case "sqlite":
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required when DB_DRIVER is sqlite")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	}
	switch c.OrderingPolicy {
	case OrderingAppend, OrderingSorted:
	default:
		return fmt.Errorf("ORDERING_POLICY must be %q or %q, got %q", OrderingAppend, OrderingSorted, c.OrderingPolicy)
	}
	if c.GatewayTimeoutSeconds <= 0 {
		return errors.New("GATEWAY_TIMEOUT_SECONDS must be positive")
	}
	if c.DirectoryLoadWorker <= 0 {
		return errors.New("DIRECTORY_LOAD_WORKERS must be positive")
	}

	// Strict checks for production
	if c.IsProduction() {
		if c.JWTSecret == "your-secret-key-change-in-production" {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DBDriver == "postgres" {
			if c.DBPassword == "password" || c.DBPassword == "" {
				return errors.New("a strong DB_PASSWORD is required in production")
			}
			if c.DBSSLMode == "disable" || c.DBSSLMode == "" {
				return errors.New("DB_SSLMODE must not be disabled in production")
			}
		}
		if c.AllowedOrigins == "*" {
			log.Println("WARNING: ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
	} else if len(c.JWTSecret) < 32 {
		log.Println("WARNING: JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}

	return nil
}
