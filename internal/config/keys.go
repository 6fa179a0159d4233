package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "NOTED_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "NOTED_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "server.cors_origins", typ: kList, env: "NOTED_SERVER_CORS_ORIGINS",
		apply:   func(cfg *Config, v any) { cfg.Server.CORSOrigins = v.([]string) },
		extract: func(cfg Config) any { return strings.Join(cfg.Server.CORSOrigins, ",") },
	},
	{
		key: "ollama.base_url", typ: kString, env: "NOTED_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "models.llm", typ: kString, env: "NOTED_MODELS_LLM",
		apply:   func(cfg *Config, v any) { cfg.Models.LLM = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.LLM },
	},
	{
		key: "models.embed", typ: kString, env: "NOTED_MODELS_EMBED",
		apply:   func(cfg *Config, v any) { cfg.Models.Embed = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Embed },
	},
	{
		key: "models.ocr", typ: kString, env: "NOTED_MODELS_OCR",
		apply:   func(cfg *Config, v any) { cfg.Models.OCR = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.OCR },
	},
	{
		key: "models.llm_timeout", typ: kDuration, env: "NOTED_MODELS_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Models.LLMTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Models.LLMTimeout },
	},
	{
		key: "models.embed_timeout", typ: kDuration, env: "NOTED_MODELS_EMBED_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Models.EmbedTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Models.EmbedTimeout },
	},
	{
		key: "models.ocr_timeout", typ: kDuration, env: "NOTED_MODELS_OCR_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Models.OCRTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Models.OCRTimeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "NOTED_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "NOTED_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "search.limit", typ: kInt, env: "NOTED_SEARCH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Search.Limit = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.Limit },
	},
	{
		key: "search.related_k", typ: kInt, env: "NOTED_SEARCH_RELATED_K",
		apply:   func(cfg *Config, v any) { cfg.Search.RelatedK = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.RelatedK },
	},
	{
		key: "search.min_score", typ: kFloat, env: "NOTED_SEARCH_MIN_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Search.MinScore = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.MinScore },
	},
	{
		key: "pipeline.max_title_length", typ: kInt, env: "NOTED_PIPELINE_MAX_TITLE_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxTitleLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxTitleLength },
	},
	{
		key: "pipeline.max_tags", typ: kInt, env: "NOTED_PIPELINE_MAX_TAGS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxTags = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxTags },
	},
}

// parse converts a raw string into the Go value a key's apply expects.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration must be positive")
		}
		return d, nil
	case kList:
		return splitList(raw), nil
	default:
		return raw, nil
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString && s.typ != kList) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
