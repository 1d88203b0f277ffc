package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/yungbote/supplements-backend/internal/actions/async"
	"github.com/yungbote/supplements-backend/internal/clients/gcp"
	"github.com/yungbote/supplements-backend/internal/clients/openai"
	"github.com/yungbote/supplements-backend/internal/clients/redis"
	"github.com/yungbote/supplements-backend/internal/data/db"
	"github.com/yungbote/supplements-backend/internal/jobs/worker"
	"github.com/yungbote/supplements-backend/internal/observability"
	"github.com/yungbote/supplements-backend/internal/platform/neo4jdb"
	"github.com/yungbote/supplements-backend/internal/temporalx"
)

// Scheduler modes for background poll chains.
const (
	SchedulerInline   = "inline"
	SchedulerDB       = "db"
	SchedulerTemporal = "temporal"
)

type Config struct {
	LogMode     string `mapstructure:"log_mode" validate:"oneof=development production prod test"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
	Version     string `mapstructure:"version"`

	HTTP     HTTPConfig       `mapstructure:"http"`
	DB       DBConfig         `mapstructure:"db"`
	Redis    RedisConfig      `mapstructure:"redis"`
	GCP      GCPConfig        `mapstructure:"gcp"`
	OpenAI   OpenAIConfig     `mapstructure:"openai"`
	Neo4j    Neo4jConfig      `mapstructure:"neo4j"`
	Async    AsyncConfig      `mapstructure:"async"`
	Worker   WorkerConfig     `mapstructure:"worker"`
	Output   OutputConfig     `mapstructure:"output"`
	Otel     OtelConfig       `mapstructure:"otel"`
	Metrics  MetricsConfig    `mapstructure:"metrics"`
	Temporal temporalx.Config `mapstructure:"-"`
}

type HTTPConfig struct {
	Addr        string   `mapstructure:"addr" validate:"required"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DBConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix"`
}

type GCPConfig struct {
	Bucket      string        `mapstructure:"bucket"`
	SpeechModel string        `mapstructure:"speech_model"`
	UseEnhanced bool          `mapstructure:"use_enhanced"`
	Punctuation bool          `mapstructure:"punctuation"`
	SpeechWait  time.Duration `mapstructure:"speech_wait"`
	// Enabled turns on the speech, video and storage clients. They need
	// application default credentials.
	Enabled bool `mapstructure:"enabled"`
}

type OpenAIConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries" validate:"gte=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int           `mapstructure:"burst" validate:"gte=0"`
}

type Neo4jConfig struct {
	URI         string        `mapstructure:"uri"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxPoolSize int           `mapstructure:"max_pool_size" validate:"gte=0"`
}

type AsyncConfig struct {
	Scheduler   string        `mapstructure:"scheduler" validate:"oneof=inline db temporal"`
	SyncTimeout time.Duration `mapstructure:"sync_timeout" validate:"gt=0"`
	Base        time.Duration `mapstructure:"retry_base" validate:"gt=0"`
	Multiplier  float64       `mapstructure:"retry_multiplier" validate:"gte=1"`
	Cap         time.Duration `mapstructure:"retry_cap" validate:"gtefield=Base"`
	Window      time.Duration `mapstructure:"retry_window" validate:"gtfield=Base"`
}

type WorkerConfig struct {
	Concurrency  int           `mapstructure:"concurrency" validate:"gte=0"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StaleRunning time.Duration `mapstructure:"stale_running"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
}

type OtelConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Headers     string  `mapstructure:"headers"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

type MetricsConfig struct {
	// Addr serves /metrics on its own listener; the worker command has no
	// other HTTP server. METRICS_ENABLED gates collection itself.
	Addr string `mapstructure:"addr"`
}

type OutputConfig struct {
	Workers int `mapstructure:"workers" validate:"gte=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_mode", "development")
	v.SetDefault("service_name", "supplements-backend")
	v.SetDefault("environment", "")
	v.SetDefault("version", "")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{})

	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "supplements")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 10)
	v.SetDefault("db.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "supplements")

	v.SetDefault("gcp.enabled", false)
	v.SetDefault("gcp.bucket", "")
	v.SetDefault("gcp.speech_model", "")
	v.SetDefault("gcp.use_enhanced", false)
	v.SetDefault("gcp.punctuation", true)
	v.SetDefault("gcp.speech_wait", 3*time.Second)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.timeout", 60*time.Second)
	v.SetDefault("openai.max_retries", 2)
	v.SetDefault("openai.requests_per_second", 0)
	v.SetDefault("openai.burst", 1)

	v.SetDefault("neo4j.uri", "")
	v.SetDefault("neo4j.user", "neo4j")
	v.SetDefault("neo4j.password", "")
	v.SetDefault("neo4j.database", "")
	v.SetDefault("neo4j.timeout", 10*time.Second)
	v.SetDefault("neo4j.max_pool_size", 50)

	p := async.DefaultRetryPolicy()
	v.SetDefault("async.scheduler", SchedulerInline)
	v.SetDefault("async.sync_timeout", 5*time.Second)
	v.SetDefault("async.retry_base", p.Base)
	v.SetDefault("async.retry_multiplier", p.Multiplier)
	v.SetDefault("async.retry_cap", p.Cap)
	v.SetDefault("async.retry_window", p.Window)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.stale_running", 2*time.Minute)
	v.SetDefault("worker.retry_delay", 30*time.Second)

	v.SetDefault("output.workers", 8)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.headers", "")
	v.SetDefault("otel.insecure", false)
	v.SetDefault("otel.sample_ratio", 0.1)
}

// LoadConfig reads defaults, an optional config file and the environment,
// in increasing precedence. Keys map to env vars by upper-casing and
// replacing dots, so db.host is DB_HOST.
func LoadConfig(v *viper.Viper, file string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(file) != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config %s: %w", file, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Temporal = temporalx.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Async.Scheduler == SchedulerTemporal && !c.Temporal.Enabled() {
		return fmt.Errorf("invalid config: async.scheduler=temporal needs TEMPORAL_ADDRESS")
	}
	return nil
}

func (c Config) RetryPolicy() async.RetryPolicy {
	return async.RetryPolicy{
		Base:       c.Async.Base,
		Multiplier: c.Async.Multiplier,
		Cap:        c.Async.Cap,
		Window:     c.Async.Window,
	}
}

func (c Config) dbConfig() db.Config {
	return db.Config{
		Driver:          c.DB.Driver,
		DSN:             c.DB.DSN,
		Host:            c.DB.Host,
		Port:            c.DB.Port,
		User:            c.DB.User,
		Password:        c.DB.Password,
		Name:            c.DB.Name,
		SSLMode:         c.DB.SSLMode,
		MaxOpenConns:    c.DB.MaxOpenConns,
		MaxIdleConns:    c.DB.MaxIdleConns,
		ConnMaxLifetime: c.DB.ConnMaxLifetime,
	}
}

func (c Config) redisConfig() redis.Config {
	return redis.Config{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB, Prefix: c.Redis.Prefix}
}

func (c Config) speechConfig() gcp.SpeechConfig {
	return gcp.SpeechConfig{
		Model:                      c.GCP.SpeechModel,
		UseEnhanced:                c.GCP.UseEnhanced,
		EnableAutomaticPunctuation: c.GCP.Punctuation,
		Wait:                       c.GCP.SpeechWait,
	}
}

func (c Config) openaiConfig() openai.Config {
	return openai.Config{
		APIKey:            c.OpenAI.APIKey,
		BaseURL:           c.OpenAI.BaseURL,
		Model:             c.OpenAI.Model,
		Timeout:           c.OpenAI.Timeout,
		MaxRetries:        c.OpenAI.MaxRetries,
		RequestsPerSecond: c.OpenAI.RequestsPerSecond,
		Burst:             c.OpenAI.Burst,
	}
}

func (c Config) neo4jConfig() neo4jdb.Config {
	return neo4jdb.Config{
		URI:         c.Neo4j.URI,
		User:        c.Neo4j.User,
		Password:    c.Neo4j.Password,
		Database:    c.Neo4j.Database,
		Timeout:     c.Neo4j.Timeout,
		MaxPoolSize: c.Neo4j.MaxPoolSize,
	}
}

func (c Config) otelConfig() observability.OtelConfig {
	return observability.OtelConfig{
		Enabled:     c.Otel.Enabled,
		ServiceName: c.ServiceName,
		Environment: c.Environment,
		Version:     c.Version,
		Endpoint:    c.Otel.Endpoint,
		Headers:     observability.ParseHeaders(c.Otel.Headers),
		Insecure:    c.Otel.Insecure,
		SampleRatio: c.Otel.SampleRatio,
	}
}

func (c Config) workerConfig() worker.Config {
	return worker.Config{
		Concurrency:  c.Worker.Concurrency,
		PollInterval: c.Worker.PollInterval,
		StaleRunning: c.Worker.StaleRunning,
		RetryDelay:   c.Worker.RetryDelay,
	}
}
