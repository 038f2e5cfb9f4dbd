// Package config loads RuneAI configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Memory    MemoryConfig    `yaml:"memory"`
	Uploads   UploadsConfig   `yaml:"uploads"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// DevMode auto-creates users on first email lookup.
	DevMode bool `yaml:"dev_mode"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is a file path or a "file:" DSN. ":memory:" is accepted for tests.
	Path string `yaml:"path"`
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	// Provider is one of "genai", "ollama" or "mock". "mock" is for development only.
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	APIKey    string `yaml:"-"`
	OllamaURL string `yaml:"ollama_url"`

	// CacheSize is the LRU capacity in entries.
	CacheSize int `yaml:"cache_size"`
}

// LLMConfig selects the completion provider.
type LLMConfig struct {
	// Provider is "anthropic" or "mock". "mock" is for development only.
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"-"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// FetchConfig configures outbound page fetches.
type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxChars  int           `yaml:"max_chars"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	UserAgent string        `yaml:"user_agent"`
}

// RetrievalConfig configures vector search.
type RetrievalConfig struct {
	// UseIndex enables the chromem candidate index in front of the exact scan.
	UseIndex  bool `yaml:"use_index"`
	Overfetch int  `yaml:"overfetch"`
}

// JobsConfig configures the background worker pool.
type JobsConfig struct {
	Workers int `yaml:"workers"`
	Retain  int `yaml:"retain"`
}

// MemoryConfig configures periodic consolidation.
type MemoryConfig struct {
	// Interval enables periodic consolidation when positive.
	Interval time.Duration `yaml:"interval"`
}

// UploadsConfig configures the upload endpoint.
type UploadsConfig struct {
	Dir      string `yaml:"dir"`
	MaxBytes int64  `yaml:"max_bytes"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8000",
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:5174"},
		},
		Database: DatabaseConfig{Path: "runeai.db"},
		Embedding: EmbeddingConfig{
			Provider:  "genai",
			Model:     "gemini-embedding-001",
			Dimension: 1536,
			OllamaURL: "http://localhost:11434",
			CacheSize: 4096,
		},
		LLM: LLMConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5",
			Timeout:  60 * time.Second,
		},
		Fetch: FetchConfig{
			Timeout:   10 * time.Second,
			MaxChars:  5000,
			CacheTTL:  10 * time.Minute,
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		},
		Retrieval: RetrievalConfig{UseIndex: true, Overfetch: 4},
		Jobs:      JobsConfig{Workers: 4, Retain: 1024},
		Uploads:   UploadsConfig{Dir: "uploads", MaxBytes: 5 * 1024 * 1024},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (if it exists), loads .env, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies the environment variables of the original service.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("RUNEAI_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("RUNEAI_DEV_MODE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RUNEAI_DEV_MODE: %w", err)
		}
		c.Server.DevMode = b
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.Path = v
	}

	if v := os.Getenv("EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("TEXT_EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("EMBED_DIM"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EMBED_DIM: %w", err)
		}
		c.Embedding.Dimension = n
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		c.Embedding.OllamaURL = v
	}

	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("CHAT_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}

	if v := os.Getenv("UPLOAD_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("UPLOAD_MAX_BYTES: %w", err)
		}
		c.Uploads.MaxBytes = n
	}
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		c.Uploads.Dir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate reports configuration errors that would otherwise surface as
// provider failures at request time.
func (c *Config) Validate() error {
	var errs []error
	if c.Embedding.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension))
	}
	if c.Embedding.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("embedding.cache_size must be positive, got %d", c.Embedding.CacheSize))
	}
	switch c.Embedding.Provider {
	case "genai":
		if c.Embedding.APIKey == "" {
			errs = append(errs, errors.New("embedding provider genai requires GEMINI_API_KEY"))
		}
	case "ollama":
		if c.Embedding.OllamaURL == "" {
			errs = append(errs, errors.New("embedding provider ollama requires ollama_url"))
		}
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider))
	}
	switch c.LLM.Provider {
	case "anthropic":
		if c.LLM.APIKey == "" {
			errs = append(errs, errors.New("llm provider anthropic requires ANTHROPIC_API_KEY"))
		}
	case "mock":
	default:
		errs = append(errs, fmt.Errorf("unknown llm provider %q", c.LLM.Provider))
	}
	for _, o := range c.Server.AllowedOrigins {
		if o != "*" && !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			errs = append(errs, fmt.Errorf("server.allowed_origins entry %q must be \"*\" or start with http:// or https://", o))
		}
	}
	if c.Jobs.Workers <= 0 {
		errs = append(errs, fmt.Errorf("jobs.workers must be positive, got %d", c.Jobs.Workers))
	}
	if c.Uploads.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("uploads.max_bytes must be positive, got %d", c.Uploads.MaxBytes))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
