package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Storage   StorageConfig
	Tracing   TracingConfig `mapstructure:"tracing"`
	Redis     RedisConfig
	Relevance RelevanceConfig `mapstructure:"relevance"`
	Intake    IntakeConfig    `mapstructure:"intake"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	ForceMigrate bool `mapstructure:"-"`
	MigrateOnly  bool `mapstructure:"-"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowMinutes int `mapstructure:"window_minutes"`
}

type ServerConfig struct {
	Port string
	Mode string
}

// DatabaseConfig Driver 取值 mysql / postgres / sqlite
type DatabaseConfig struct {
	Driver    string
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	Charset   string
	ParseTime bool
	SSLMode   string `mapstructure:"sslmode"`
	Path      string // sqlite 文件路径，":memory:" 表示内存库
}

type JWTConfig struct {
	Secret     string        `mapstructure:"secret"`
	ExpireTime time.Duration `mapstructure:"expire_hours"`
}

type StorageConfig struct {
	Type          string `mapstructure:"type"`
	LocalPath     string `mapstructure:"local_path"`
	MinioEndpoint string `mapstructure:"minio_endpoint"`
	MinioAccessID string `mapstructure:"minio_access_key"`
	MinioSecret   string `mapstructure:"minio_secret_key"`
	MinioBucket   string `mapstructure:"minio_bucket"`
	MinioUseSSL   bool   `mapstructure:"minio_use_ssl"`
}

type TracingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// RelevanceConfig 相关性打分服务配置
type RelevanceConfig struct {
	Provider         string        `mapstructure:"provider"` // http / openai / none
	ServiceURL       string        `mapstructure:"service_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	DefaultThreshold float64       `mapstructure:"default_threshold"`
	FailOpenScore    float64       `mapstructure:"fail_open_score"`
	OpenAIBaseURL    string        `mapstructure:"openai_base_url"`
	OpenAIAPIKey     string        `mapstructure:"openai_api_key"`
	EmbeddingModel   string        `mapstructure:"embedding_model"`
}

type IntakeConfig struct {
	MinLength     int           `mapstructure:"min_length"`
	MaxLength     int           `mapstructure:"max_length"`
	BlockedWords  []string      `mapstructure:"blocked_words"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	RatePerMinute int           `mapstructure:"rate_per_minute"`
}

type IdentityConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "classq.db")
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.parsetime", true)
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("jwt.expire_hours", 24)

	v.SetDefault("storage.type", "local")
	v.SetDefault("storage.local_path", "./uploads")

	v.SetDefault("redis.port", 6379)

	v.SetDefault("relevance.provider", "http")
	v.SetDefault("relevance.timeout", "3s")
	v.SetDefault("relevance.default_threshold", 0.3)
	v.SetDefault("relevance.fail_open_score", 0.7)
	v.SetDefault("relevance.embedding_model", "text-embedding-3-small")

	v.SetDefault("intake.min_length", 5)
	v.SetDefault("intake.max_length", 500)
	v.SetDefault("intake.retry_backoff", "200ms")
	v.SetDefault("intake.rate_per_minute", 10)

	v.SetDefault("identity.max_attempts", 16)
	v.SetDefault("identity.retry_backoff", "100ms")
	v.SetDefault("identity.cache_ttl", "12h")

	v.SetDefault("rate_limit.max_requests", 1000)
	v.SetDefault("rate_limit.window_minutes", 1)
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("CLASSQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Database
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.port", "DATABASE_PORT")
	v.BindEnv("database.user", "DATABASE_USER")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "DATABASE_NAME")

	// JWT
	v.BindEnv("jwt.secret", "JWT_SECRET")

	// Redis
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Server
	v.BindEnv("server.mode", "SERVER_MODE")

	// Relevance
	v.BindEnv("relevance.provider", "RELEVANCE_PROVIDER")
	v.BindEnv("relevance.service_url", "RELEVANCE_SERVICE_URL")
	v.BindEnv("relevance.openai_base_url", "OPENAI_BASE_URL")
	v.BindEnv("relevance.openai_api_key", "OPENAI_API_KEY")

	// Storage
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.minio_endpoint", "MINIO_ENDPOINT")
	v.BindEnv("storage.minio_access_key", "MINIO_ACCESS_KEY")
	v.BindEnv("storage.minio_secret_key", "MINIO_SECRET_KEY")
	v.BindEnv("storage.minio_bucket", "MINIO_BUCKET")

	// Tracing
	v.BindEnv("tracing.enabled", "TRACING_ENABLED")
	v.BindEnv("tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT")

	if err := v.ReadInConfig(); err != nil {
		// 配置文件缺失时仅使用默认值与环境变量
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.JWT.ExpireTime = cfg.JWT.ExpireTime * time.Hour

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Storage.Type == "local" {
		if _, err := os.Stat(cfg.Storage.LocalPath); os.IsNotExist(err) {
			os.MkdirAll(cfg.Storage.LocalPath, 0755)
		}
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	// 生产环境校验 JWT Secret 强度
	if c.Server.Mode == "release" && len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT secret is too short (%d chars), must be at least 32 characters in release mode", len(c.JWT.Secret))
	}
	if c.Intake.MinLength < 1 || c.Intake.MaxLength < c.Intake.MinLength {
		return fmt.Errorf("invalid intake length bounds [%d, %d]", c.Intake.MinLength, c.Intake.MaxLength)
	}
	if c.Relevance.FailOpenScore < 0 || c.Relevance.FailOpenScore > 1 {
		return fmt.Errorf("relevance.fail_open_score must be within [0,1], got %v", c.Relevance.FailOpenScore)
	}
	if c.Relevance.DefaultThreshold < 0 || c.Relevance.DefaultThreshold > 1 {
		return fmt.Errorf("relevance.default_threshold must be within [0,1], got %v", c.Relevance.DefaultThreshold)
	}
	switch c.Relevance.Provider {
	case "http", "openai", "none":
	default:
		return fmt.Errorf("unknown relevance provider %q", c.Relevance.Provider)
	}
	return nil
}
