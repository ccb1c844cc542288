package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig
	Paperless  PaperlessConfig
	OCR        OCRConfig
	AI         AIConfig
	Storage    StorageConfig
	Processing ProcessingConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type PaperlessConfig struct {
	BaseURL  string
	APIToken string
}

// OCRConfig carries the OCR backend address and the extraction tunables
// forwarded with every submission.
type OCRConfig struct {
	BaseURL           string
	CleanText         bool
	MinConfidence     float64
	PreserveLayout    bool
	IncludeConfidence bool
	IncludeBboxes     bool
	ForceOCR          bool
	RequestTimeout    time.Duration
	HealthTimeout     time.Duration
}

type AIConfig struct {
	Provider      string // "ollama" or "openai"
	OllamaBaseURL string
	OllamaModel   string
	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string
}

type StorageConfig struct {
	DataDir string
}

type ProcessingConfig struct {
	InterDocumentDelay time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 3000,
		},
		Paperless: PaperlessConfig{},
		OCR: OCRConfig{
			BaseURL:           "http://localhost:8123",
			CleanText:         true,
			MinConfidence:     0.4,
			PreserveLayout:    true,
			IncludeConfidence: true,
			IncludeBboxes:     true,
			ForceOCR:          false,
			RequestTimeout:    5 * time.Minute,
			HealthTimeout:     5 * time.Second,
		},
		AI: AIConfig{
			Provider:      "ollama",
			OllamaBaseURL: "http://localhost:11434",
			OllamaModel:   "llama3.2",
			OpenAIBaseURL: "https://api.openai.com/v1",
			OpenAIModel:   "gpt-4o-mini",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Processing: ProcessingConfig{
			InterDocumentDelay: 100 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "paperocr-data"
		}
	}
	return filepath.Join(dir, "paperocr")
}

// Load reads configuration from defaults and PAPEROCR_* environment
// variables. The Paperless base URL and API token are required; everything
// else has a working default.
func Load() (Config, error) {
	cfg := defaults()
	applyEnv(&cfg, os.Getenv)

	if cfg.Paperless.BaseURL == "" {
		return Config{}, fmt.Errorf("missing required config: Paperless base URL (set PAPEROCR_PAPERLESS_URL)")
	}
	if cfg.Paperless.APIToken == "" {
		return Config{}, fmt.Errorf("missing required config: Paperless API token (set PAPEROCR_PAPERLESS_TOKEN)")
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	setInt(getenv("PAPEROCR_SERVER_PORT"), &cfg.Server.Port)
	setString(getenv("PAPEROCR_API_TOKEN"), &cfg.Server.APIToken)

	setString(getenv("PAPEROCR_PAPERLESS_URL"), &cfg.Paperless.BaseURL)
	setString(getenv("PAPEROCR_PAPERLESS_TOKEN"), &cfg.Paperless.APIToken)

	setString(getenv("PAPEROCR_OCR_URL"), &cfg.OCR.BaseURL)
	setBool(getenv("PAPEROCR_OCR_CLEAN_TEXT"), &cfg.OCR.CleanText)
	setFloat(getenv("PAPEROCR_OCR_MIN_CONFIDENCE"), &cfg.OCR.MinConfidence)
	setBool(getenv("PAPEROCR_OCR_PRESERVE_LAYOUT"), &cfg.OCR.PreserveLayout)
	setBool(getenv("PAPEROCR_OCR_FORCE"), &cfg.OCR.ForceOCR)
	setDuration(getenv("PAPEROCR_OCR_TIMEOUT"), &cfg.OCR.RequestTimeout)

	setString(getenv("PAPEROCR_AI_PROVIDER"), &cfg.AI.Provider)
	setString(getenv("PAPEROCR_OLLAMA_URL"), &cfg.AI.OllamaBaseURL)
	setString(getenv("PAPEROCR_OLLAMA_MODEL"), &cfg.AI.OllamaModel)
	setString(getenv("PAPEROCR_OPENAI_URL"), &cfg.AI.OpenAIBaseURL)
	setString(getenv("PAPEROCR_OPENAI_API_KEY"), &cfg.AI.OpenAIAPIKey)
	setString(getenv("PAPEROCR_OPENAI_MODEL"), &cfg.AI.OpenAIModel)

	setString(getenv("PAPEROCR_DATA_DIR"), &cfg.Storage.DataDir)
	setDuration(getenv("PAPEROCR_PROCESS_DELAY"), &cfg.Processing.InterDocumentDelay)
	setString(getenv("PAPEROCR_LOG_LEVEL"), &cfg.Log.Level)
}

func setString(v string, dst *string) {
	if v != "" {
		*dst = v
	}
}

func setInt(v string, dst *int) {
	if v == "" {
		return
	}
	if i, err := strconv.Atoi(v); err == nil {
		*dst = i
	}
}

func setBool(v string, dst *bool) {
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func setFloat(v string, dst *float64) {
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = f
	}
}

func setDuration(v string, dst *time.Duration) {
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}
