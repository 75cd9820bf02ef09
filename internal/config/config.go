package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/yungbote/memory-import/internal/importer/facts"
	"github.com/yungbote/memory-import/internal/pkg/envutil"
)

type Config struct {
	LogMode   string          `yaml:"log_mode" validate:"oneof=development production test"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Export    ExportConfig    `yaml:"export"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Inference InferenceConfig `yaml:"inference"`
	Facts     FactsConfig     `yaml:"facts"`
	Summary   SummaryConfig   `yaml:"summary"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Notify    NotifyConfig    `yaml:"notify"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Embed     EmbedConfig     `yaml:"embed"`
}

type HTTPConfig struct {
	Addr           string   `yaml:"addr" validate:"required"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"oneof=postgres sqlite"`
	// DSN is a postgres URL or a sqlite file path.
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

type StorageConfig struct {
	// Mode is gcs, gcs_emulator or disabled. Empty picks the emulator when EmulatorHost is set.
	Mode string `yaml:"mode" validate:"omitempty,oneof=gcs gcs_emulator disabled"`
	// DefaultBucket is used for storage paths without a gs:// prefix.
	DefaultBucket   string `yaml:"default_bucket"`
	EmulatorHost    string `yaml:"emulator_host"`
	CredentialsJSON string `yaml:"credentials_json"`
	// LocalRoot enables file:// and bare-path sources rooted here.
	LocalRoot string `yaml:"local_root"`
}

type FetchConfig struct {
	MaxBytes     int64         `yaml:"max_bytes" validate:"gt=0"`
	BufferSize   int           `yaml:"buffer_size" validate:"gte=4096"`
	WindowSize   int           `yaml:"window_size" validate:"gte=4096"`
	ZipMember    string        `yaml:"zip_member" validate:"required"`
	MaxRetries   int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	RetryInitial time.Duration `yaml:"retry_initial" validate:"gt=0"`
	RetryMax     time.Duration `yaml:"retry_max" validate:"gtefield=RetryInitial"`
}

type ExportConfig struct {
	TieBreak    string `yaml:"tie_break" validate:"oneof=encounter node_id"`
	MissingTime string `yaml:"missing_time" validate:"oneof=inherit first last"`
}

type ChunkingConfig struct {
	Tokenizer     string        `yaml:"tokenizer" validate:"oneof=tiktoken words"`
	MaxTokens     int           `yaml:"max_tokens" validate:"gt=0"`
	OverlapTokens int           `yaml:"overlap_tokens" validate:"gte=0,ltfield=MaxTokens"`
	RecentWindow  time.Duration `yaml:"recent_window" validate:"gt=0"`
	BatchSize     int           `yaml:"batch_size" validate:"gt=0"`
}

type InferenceConfig struct {
	Provider       string        `yaml:"provider" validate:"oneof=anthropic openai"`
	Model          string        `yaml:"model"`
	QuickModel     string        `yaml:"quick_model"`
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	CallTimeout    time.Duration `yaml:"call_timeout" validate:"gt=0"`
	MaxRetries     int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	RetryInitial   time.Duration `yaml:"retry_initial" validate:"gt=0"`
	RetryMax       time.Duration `yaml:"retry_max" validate:"gtefield=RetryInitial"`
	BreakerFails   uint32        `yaml:"breaker_failures" validate:"gt=0"`
	BreakerTimeout time.Duration `yaml:"breaker_timeout" validate:"gt=0"`
	// Prices in USD per million tokens, used for cost estimates.
	InputPrice  float64 `yaml:"input_price"`
	OutputPrice float64 `yaml:"output_price"`
}

type FactsConfig struct {
	Concurrency        int `yaml:"concurrency" validate:"gt=0,lte=100"`
	Ceiling            int `yaml:"ceiling" validate:"gt=0"`
	GroupSize          int `yaml:"group_size" validate:"gte=2"`
	MaxRounds          int `yaml:"max_rounds" validate:"gt=0"`
	GroupSummaryTokens int `yaml:"group_summary_tokens" validate:"gt=0"`
	MaxOutputTokens    int `yaml:"max_output_tokens" validate:"gt=0"`
	PageSize           int `yaml:"page_size" validate:"gt=0"`
}

type SummaryConfig struct {
	// SampleSize is how many top chunks feed section regeneration.
	SampleSize int `yaml:"sample_size" validate:"gt=0"`
	// QuickSampleSize is how many conversations from the head of the export feed the
	// quick summary; ScanConversations bounds how far the download stage looks for them.
	QuickSampleSize   int      `yaml:"quick_sample_size" validate:"gt=0"`
	ScanConversations int      `yaml:"scan_conversations" validate:"gtefield=QuickSampleSize"`
	SampleTokens      int      `yaml:"sample_tokens" validate:"gt=0"`
	QuickMaxTokens    int      `yaml:"quick_max_tokens" validate:"gt=0"`
	DigestMaxTokens   int      `yaml:"digest_max_tokens" validate:"gt=0"`
	SectionMaxTokens  int      `yaml:"section_max_tokens" validate:"gt=0"`
	Concurrency       int      `yaml:"concurrency" validate:"gt=0,lte=20"`
	Sections          []string `yaml:"sections" validate:"min=1,dive,required"`
}

type JobsConfig struct {
	MaxConcurrent     int           `yaml:"max_concurrent" validate:"gt=0"`
	StaleAfter        time.Duration `yaml:"stale_after" validate:"gt=0"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	ResumeOnStart     bool          `yaml:"resume_on_start"`
}

type NotifyConfig struct {
	WebhookURL   string        `yaml:"webhook_url" validate:"omitempty,url"`
	RedisAddr    string        `yaml:"redis_addr"`
	RedisChannel string        `yaml:"redis_channel"`
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
}

type AuthConfig struct {
	// JWTSecret enables HS256 bearer verification when set.
	JWTSecret string `yaml:"jwt_secret"`
}

type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	OTLPInsecure   bool    `yaml:"otlp_insecure"`
	SampleRatio    float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

type EmbedConfig struct {
	// Schedule is a cron spec with seconds; empty disables the backfill.
	Schedule  string `yaml:"schedule"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BatchSize int    `yaml:"batch_size" validate:"gt=0"`
}

func Default() Config {
	return Config{
		LogMode: "development",
		HTTP: HTTPConfig{
			Addr: ":8080",
			AllowedOrigins: []string{
				"http://localhost:3000",
				"http://localhost:5173",
				"http://127.0.0.1:3000",
				"http://127.0.0.1:5173",
			},
		},
		Database: DatabaseConfig{Driver: "postgres", AutoMigrate: true},
		Fetch: FetchConfig{
			MaxBytes:     1 << 30,
			BufferSize:   256 << 10,
			WindowSize:   1 << 20,
			ZipMember:    "conversations.json",
			MaxRetries:   4,
			RetryInitial: 500 * time.Millisecond,
			RetryMax:     10 * time.Second,
		},
		Export:   ExportConfig{TieBreak: "encounter", MissingTime: "inherit"},
		Chunking: ChunkingConfig{Tokenizer: "tiktoken", MaxTokens: 2000, OverlapTokens: 200, RecentWindow: 183 * 24 * time.Hour, BatchSize: 200},
		Inference: InferenceConfig{
			Provider:       "anthropic",
			Model:          "claude-3-5-haiku-20241022",
			CallTimeout:    60 * time.Second,
			MaxRetries:     3,
			RetryInitial:   time.Second,
			RetryMax:       20 * time.Second,
			BreakerFails:   20,
			BreakerTimeout: 30 * time.Second,
			InputPrice:     0.80,
			OutputPrice:    4.00,
		},
		Facts: FactsConfig{
			Concurrency:        10,
			Ceiling:            150000,
			GroupSize:          40,
			MaxRounds:          8,
			GroupSummaryTokens: 400,
			MaxOutputTokens:    1024,
			PageSize:           100,
		},
		Summary: SummaryConfig{
			SampleSize:        8,
			QuickSampleSize:   6,
			ScanConversations: 300,
			SampleTokens:      12000,
			QuickMaxTokens:    400,
			DigestMaxTokens:   4000,
			SectionMaxTokens:  600,
			Concurrency:       5,
			Sections:          []string{"identity", "interests", "communication_style", "goals", "relationships"},
		},
		Jobs: JobsConfig{
			MaxConcurrent:     4,
			StaleAfter:        15 * time.Minute,
			HeartbeatInterval: 30 * time.Second,
			ResumeOnStart:     true,
		},
		Notify:    NotifyConfig{RedisChannel: "import-events", Timeout: 5 * time.Second},
		Telemetry: TelemetryConfig{ServiceName: "memory-import", Environment: "local", SampleRatio: 0.1},
		Embed:     EmbedConfig{Model: "text-embedding-3-small", BatchSize: 64},
	}
}

// Load layers defaults, an optional YAML file and IMPORT_* environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Database.Driver == "sqlite" && strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("invalid config: database.dsn is required for sqlite")
	}
	if c.Facts.Ceiling < facts.MinCeiling {
		return fmt.Errorf("invalid config: facts.ceiling %d is below the category header overhead (min %d)", c.Facts.Ceiling, facts.MinCeiling)
	}
	return nil
}

func applyEnv(c *Config) {
	envutil.String("LOG_MODE", &c.LogMode)
	envutil.String("IMPORT_HTTP_ADDR", &c.HTTP.Addr)
	envutil.List("IMPORT_ALLOWED_ORIGINS", &c.HTTP.AllowedOrigins)

	envutil.String("IMPORT_DB_DRIVER", &c.Database.Driver)
	envutil.String("IMPORT_DB_DSN", &c.Database.DSN)
	envutil.Bool("IMPORT_DB_AUTO_MIGRATE", &c.Database.AutoMigrate)
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		c.Database.DSN = postgresDSNFromEnv()
	}

	envutil.String("OBJECT_STORAGE_MODE", &c.Storage.Mode)
	envutil.String("IMPORT_GCS_BUCKET", &c.Storage.DefaultBucket)
	envutil.String("STORAGE_EMULATOR_HOST", &c.Storage.EmulatorHost)
	envutil.String("GOOGLE_APPLICATION_CREDENTIALS_JSON", &c.Storage.CredentialsJSON)
	envutil.String("IMPORT_LOCAL_ROOT", &c.Storage.LocalRoot)

	envutil.Int64("IMPORT_MAX_BYTES", &c.Fetch.MaxBytes)
	envutil.Int("IMPORT_FETCH_BUFFER", &c.Fetch.BufferSize)
	envutil.String("IMPORT_ZIP_MEMBER", &c.Fetch.ZipMember)

	envutil.String("IMPORT_TIE_BREAK", &c.Export.TieBreak)
	envutil.String("IMPORT_MISSING_TIME", &c.Export.MissingTime)

	envutil.String("IMPORT_TOKENIZER", &c.Chunking.Tokenizer)
	envutil.Int("IMPORT_CHUNK_TOKENS", &c.Chunking.MaxTokens)
	envutil.Int("IMPORT_CHUNK_OVERLAP", &c.Chunking.OverlapTokens)

	envutil.String("IMPORT_INFERENCE_PROVIDER", &c.Inference.Provider)
	envutil.String("IMPORT_INFERENCE_MODEL", &c.Inference.Model)
	envutil.String("IMPORT_QUICK_MODEL", &c.Inference.QuickModel)
	envutil.String("IMPORT_INFERENCE_BASE_URL", &c.Inference.BaseURL)
	envutil.Duration("IMPORT_INFERENCE_TIMEOUT", &c.Inference.CallTimeout)
	envutil.Int("IMPORT_INFERENCE_RETRIES", &c.Inference.MaxRetries)
	envutil.Float("IMPORT_INPUT_PRICE", &c.Inference.InputPrice)
	envutil.Float("IMPORT_OUTPUT_PRICE", &c.Inference.OutputPrice)
	if c.Inference.APIKey == "" {
		switch c.Inference.Provider {
		case "openai":
			envutil.String("OPENAI_API_KEY", &c.Inference.APIKey)
		default:
			envutil.String("ANTHROPIC_API_KEY", &c.Inference.APIKey)
		}
	}

	envutil.Int("IMPORT_FACT_CONCURRENCY", &c.Facts.Concurrency)
	envutil.Int("IMPORT_FACT_CEILING", &c.Facts.Ceiling)
	envutil.Int("IMPORT_FACT_GROUP_SIZE", &c.Facts.GroupSize)
	envutil.Int("IMPORT_FACT_MAX_ROUNDS", &c.Facts.MaxRounds)

	envutil.List("IMPORT_SECTIONS", &c.Summary.Sections)
	envutil.Int("IMPORT_SAMPLE_SIZE", &c.Summary.SampleSize)

	envutil.Int("IMPORT_MAX_CONCURRENT_JOBS", &c.Jobs.MaxConcurrent)
	envutil.Duration("IMPORT_STALE_AFTER", &c.Jobs.StaleAfter)
	envutil.Duration("IMPORT_HEARTBEAT", &c.Jobs.HeartbeatInterval)
	envutil.Bool("IMPORT_RESUME_ON_START", &c.Jobs.ResumeOnStart)

	envutil.String("IMPORT_WEBHOOK_URL", &c.Notify.WebhookURL)
	envutil.String("REDIS_ADDR", &c.Notify.RedisAddr)
	envutil.String("REDIS_CHANNEL", &c.Notify.RedisChannel)

	envutil.String("JWT_SECRET_KEY", &c.Auth.JWTSecret)

	envutil.Bool("OTEL_ENABLED", &c.Telemetry.TracingEnabled)
	envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", &c.Telemetry.OTLPInsecure)
	envutil.Float("OTEL_SAMPLER_RATIO", &c.Telemetry.SampleRatio)
	envutil.Bool("METRICS_ENABLED", &c.Telemetry.MetricsEnabled)

	envutil.String("IMPORT_EMBED_SCHEDULE", &c.Embed.Schedule)
	envutil.String("IMPORT_EMBED_MODEL", &c.Embed.Model)
	if c.Embed.APIKey == "" {
		envutil.String("OPENAI_API_KEY", &c.Embed.APIKey)
	}
}

func postgresDSNFromEnv() string {
	host, port, user, pass, name := "localhost", "5432", "postgres", "", "memory_import"
	envutil.String("POSTGRES_HOST", &host)
	envutil.String("POSTGRES_PORT", &port)
	envutil.String("POSTGRES_USER", &user)
	envutil.String("POSTGRES_PASSWORD", &pass)
	envutil.String("POSTGRES_NAME", &name)
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, name)
}
