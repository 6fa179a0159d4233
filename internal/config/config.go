package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Ollama   OllamaConfig
	Models   ModelsConfig
	Storage  StorageConfig
	Log      LogConfig
	Search   SearchConfig
	Pipeline PipelineConfig
}

type ServerConfig struct {
	Port int
	// Token is the bearer token for the HTTP API. Empty disables auth.
	Token       string
	CORSOrigins []string
}

type OllamaConfig struct {
	BaseURL string
}

// ModelsConfig names the Ollama models backing each handle and the
// per-call timeout enforced by the handle.
type ModelsConfig struct {
	LLM          string
	Embed        string
	OCR          string
	LLMTimeout   time.Duration
	EmbedTimeout time.Duration
	OCRTimeout   time.Duration
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type SearchConfig struct {
	Limit    int
	RelatedK int
	// MinScore at or below NoMinScore disables the similarity threshold.
	MinScore float64
}

// NoMinScore is the lowest possible cosine similarity.
const NoMinScore = -1.0

type PipelineConfig struct {
	MaxTitleLength int
	MaxTags        int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Models: ModelsConfig{
			LLM:          "llama3.2",
			Embed:        "nomic-embed-text",
			OCR:          "llava",
			LLMTimeout:   60 * time.Second,
			EmbedTimeout: 30 * time.Second,
			OCRTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Search: SearchConfig{
			Limit:    50,
			RelatedK: 5,
			MinScore: NoMinScore,
		},
		Pipeline: PipelineConfig{
			MaxTitleLength: 60,
			MaxTags:        5,
		},
	}
}

// Load reads configuration from the JSON file backend, a .env file in the
// working directory, and NOTED_* environment variables, in increasing
// order of precedence.
//
// The file lives at $XDG_CONFIG_HOME/noted/config.json. Variables from .env
// never replace variables already present in the process environment.
func Load() (Config, error) {
	loadDotEnv(".env")
	return loadWith(newPlatformBackend())
}

func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not load %s: %v\n", path, err)
	}
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Ollama.BaseURL == "" {
		problems = append(problems, "ollama.base_url is empty")
	}
	if c.Models.LLM == "" || c.Models.Embed == "" {
		problems = append(problems, "models.llm and models.embed are required")
	}
	if c.Search.Limit <= 0 {
		problems = append(problems, "search.limit must be positive")
	}
	if c.Search.RelatedK <= 0 {
		problems = append(problems, "search.related_k must be positive")
	}
	if c.Search.MinScore > 1 {
		problems = append(problems, "search.min_score must be at most 1")
	}
	if c.Pipeline.MaxTitleLength <= 0 || c.Pipeline.MaxTags <= 0 {
		problems = append(problems, "pipeline limits must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
