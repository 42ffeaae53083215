package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"contractrag/loader/chunker"
	"contractrag/types"

	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

type Config struct {
	ServerAddr         string
	APIKey             string
	RateLimitPerMinute int
	MaxUploadSizeMB    int
	UploadDir          string
	PDFCropTop         float64
	PDFCropBottom      float64

	StoreBackend string
	DatabaseURL  string
	SQLitePath   string
	RedisURL     string

	EmbeddingURL         string
	EmbeddingModel       string
	EmbeddingDim         int
	EmbeddingConcurrency int
	EmbeddingCacheTTL    time.Duration

	LLMProvider     string
	LLMURL          string
	LLMModel        string
	AnthropicAPIKey string

	ChunkSize        int
	ChunkOverlap     int
	ChunkOffsets     string
	MaxContextTokens int
	PromptsFile      string

	LogLevel        string
	LogFormat       string
	LogPIIRedaction bool

	Loader types.LoaderConfig
}

// Load reads an optional .env file, then the environment. A missing .env
// is not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, types.ConfigurationError("load env file: %v", err)
	}
	return FromEnv()
}

// FromEnv builds and validates the configuration from environment variables.
func FromEnv() (*Config, error) {
	p := &parser{}
	provider := strings.ToLower(str("LLM_PROVIDER", "ollama"))
	llmURL, llmModel := "http://localhost:11434/api/generate", "llama3"
	if provider == "anthropic" {
		// пустые значения: генератор возьмет свои умолчания
		llmURL, llmModel = "", ""
	}
	cfg := &Config{
		ServerAddr:         str("SERVER_ADDR", ":8000"),
		APIKey:             str("API_KEY", ""),
		RateLimitPerMinute: p.getInt("RATE_LIMIT_PER_MINUTE", 60),
		MaxUploadSizeMB:    p.getInt("MAX_UPLOAD_SIZE_MB", 50),
		UploadDir:          str("UPLOAD_DIR", "uploads"),

		StoreBackend: strings.ToLower(str("STORE_BACKEND", BackendPostgres)),
		DatabaseURL:  str("DATABASE_URL", postgresURL()),
		SQLitePath:   str("SQLITE_PATH", "contractrag.db"),
		RedisURL:     str("REDIS_URL", ""),

		EmbeddingURL:         str("OLLAMA_EMBEDDING_URL", "http://localhost:11434/api/embeddings"),
		EmbeddingModel:       str("OLLAMA_EMBEDDING_MODEL", "nomic-embed-text"),
		EmbeddingDim:         p.getInt("EMBEDDING_DIM", 768),
		EmbeddingConcurrency: p.getInt("EMBEDDING_CONCURRENCY", 4),
		EmbeddingCacheTTL:    p.getDuration("EMBEDDING_CACHE_TTL", 24*time.Hour),

		LLMProvider:     provider,
		LLMURL:          str("LLM_URL", llmURL),
		LLMModel:        str("LLM_MODEL", llmModel),
		AnthropicAPIKey: str("ANTHROPIC_API_KEY", ""),

		ChunkSize:        p.getInt("CHUNK_SIZE", chunker.DefaultChunkSize),
		ChunkOverlap:     p.getInt("CHUNK_OVERLAP", chunker.DefaultChunkOverlap),
		ChunkOffsets:     strings.ToLower(str("CHUNK_OFFSETS", string(chunker.OffsetsSource))),
		MaxContextTokens: p.getInt("MAX_CONTEXT_TOKENS", 0),
		PromptsFile:      str("PROMPTS_FILE", ""),

		LogLevel:        str("LOG_LEVEL", "info"),
		LogFormat:       str("LOG_FORMAT", "text"),
		LogPIIRedaction: p.getBool("LOG_PII_REDACTION", true),

		PDFCropTop:    p.getFloat("PDF_CROP_TOP", 0),
		PDFCropBottom: p.getFloat("PDF_CROP_BOTTOM", 0),

		Loader: types.LoaderConfig{
			MonitoringTime: p.getDuration("LOADER_MONITORING_TIME", 5*time.Second),
			SourceDir:      str("LOADER_SOURCE_DIR", "data/source"),
			ArchiveDir:     str("LOADER_ARCHIVE_DIR", "data/archive"),
			BadDir:         str("LOADER_BAD_DIR", "data/bad"),
		},
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting as ErrConfiguration.
func (c *Config) Validate() error {
	if _, err := chunker.New(c.ChunkSize, c.ChunkOverlap, chunker.WithOffsetMode(chunker.OffsetMode(c.ChunkOffsets))); err != nil {
		return err
	}
	if c.EmbeddingDim <= 0 {
		return types.ConfigurationError("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}
	if c.EmbeddingConcurrency <= 0 {
		return types.ConfigurationError("EMBEDDING_CONCURRENCY must be positive, got %d", c.EmbeddingConcurrency)
	}
	if c.PDFCropTop < 0 || c.PDFCropBottom < 0 {
		return types.ConfigurationError("PDF_CROP_TOP and PDF_CROP_BOTTOM must not be negative")
	}
	if c.MaxContextTokens < 0 {
		return types.ConfigurationError("MAX_CONTEXT_TOKENS must not be negative")
	}
	if c.MaxUploadSizeMB <= 0 {
		return types.ConfigurationError("MAX_UPLOAD_SIZE_MB must be positive")
	}
	if c.RateLimitPerMinute < 0 {
		return types.ConfigurationError("RATE_LIMIT_PER_MINUTE must not be negative")
	}
	switch c.StoreBackend {
	case BackendPostgres, BackendSQLite, BackendMemory:
	default:
		return types.ConfigurationError("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.LLMProvider {
	case "ollama":
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return types.ConfigurationError("ANTHROPIC_API_KEY is required for the anthropic provider")
		}
	default:
		return types.ConfigurationError("unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	if c.APIKey == "" {
		slog.Warn("[CONFIG] API_KEY is empty, authentication disabled")
	}
	return nil
}

func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadSizeMB) << 20
}

// postgresURL assembles a DSN from the PG_* variables.
func postgresURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		str("PG_HOST", "localhost"), str("PG_PORT", "5432"), str("PG_USER", "postgres"),
		str("PG_PASS", "postgres"), str("PG_DB_NAME", "contractrag"))
}

func str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// parser keeps the first conversion error.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = types.ConfigurationError("%s=%q: %v", key, value, err)
	}
}

func (p *parser) getInt(key string, def int) int {
	v := str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) getBool(key string, def bool) bool {
	v := str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) getFloat(key string, def float64) float64 {
	v := str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}

// getDuration accepts Go durations ("90s") or plain seconds ("90").
func (p *parser) getDuration(key string, def time.Duration) time.Duration {
	v := str(key, "")
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}
