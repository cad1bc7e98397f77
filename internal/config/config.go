// Package config loads cpsynth configuration from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete cpsynth configuration
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Generation GenerationConfig `yaml:"generation"`
	Clustering ClusteringConfig `yaml:"clustering"`
	Matching   MatchingConfig   `yaml:"matching"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Profile    ProfileConfig    `yaml:"profile"`
}

// DatabaseConfig locates the SQLite database
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig configures structured logging
type LogConfig struct {
	// Mode is "dev" or "prod"
	Mode     string `yaml:"mode"`
	Redact   bool   `yaml:"redact"`
	HashSalt string `yaml:"hash_salt"`
}

// EmbeddingConfig configures the embedding service client
type EmbeddingConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
	// BatchSize caps texts per request (max 200)
	BatchSize int `yaml:"batch_size"`
}

// GenerationConfig configures the optional text generation client
type GenerationConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Endpoint  string        `yaml:"endpoint"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ClusteringConfig holds clustering defaults
type ClusteringConfig struct {
	Mode                string  `yaml:"mode"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MinClusterSize      int     `yaml:"min_cluster_size"`
	MaxClusters         int     `yaml:"max_clusters"`
	StableMinSize       int     `yaml:"stable_min_size"`
}

// MatchingConfig holds matching defaults
type MatchingConfig struct {
	TopK            int     `yaml:"top_k"`
	AcceptThreshold float64 `yaml:"accept_threshold"`
}

// CatalogConfig configures the reference catalog page source
type CatalogConfig struct {
	// PageURL is a URL pattern with one %d placeholder for the page number
	PageURL string        `yaml:"page_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ProfileConfig holds document generation defaults
type ProfileConfig struct {
	Language string `yaml:"language"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Database: DatabaseConfig{
			Path: filepath.Join(home, ".cpsynth", "cpsynth.db"),
		},
		Log: LogConfig{
			Mode:   "dev",
			Redact: true,
		},
		Embedding: EmbeddingConfig{
			Endpoint:  "https://api.voyageai.com/v1/embeddings",
			Model:     "voyage-3-lite",
			APIKeyEnv: "VOYAGE_API_KEY",
			Timeout:   60 * time.Second,
			BatchSize: 200,
		},
		Generation: GenerationConfig{
			Enabled:   true,
			Endpoint:  "https://api.anthropic.com/v1/messages",
			Model:     "claude-sonnet-4-20250514",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			MaxTokens: 1024,
			Timeout:   90 * time.Second,
		},
		Clustering: ClusteringConfig{
			Mode:                "lexical",
			SimilarityThreshold: 0.3,
			MinClusterSize:      2,
			MaxClusters:         0,
			StableMinSize:       3,
		},
		Matching: MatchingConfig{
			TopK:            5,
			AcceptThreshold: 0.78,
		},
		Catalog: CatalogConfig{
			Timeout: 30 * time.Second,
		},
		Profile: ProfileConfig{
			Language: "en",
		},
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Embedding.BatchSize <= 0 || c.Embedding.BatchSize > 200 {
		return fmt.Errorf("embedding.batch_size must be between 1 and 200")
	}
	switch c.Clustering.Mode {
	case "lexical", "vector":
	default:
		return fmt.Errorf("clustering.mode must be lexical or vector, got %q", c.Clustering.Mode)
	}
	if c.Clustering.SimilarityThreshold < 0 || c.Clustering.SimilarityThreshold > 1 {
		return fmt.Errorf("clustering.similarity_threshold must be between 0 and 1")
	}
	if c.Clustering.MinClusterSize < 1 {
		return fmt.Errorf("clustering.min_cluster_size must be at least 1")
	}
	if c.Matching.TopK < 1 {
		return fmt.Errorf("matching.top_k must be at least 1")
	}
	if c.Matching.AcceptThreshold < 0 || c.Matching.AcceptThreshold > 1 {
		return fmt.Errorf("matching.accept_threshold must be between 0 and 1")
	}
	if c.Catalog.PageURL != "" && strings.Count(c.Catalog.PageURL, "%d") != 1 {
		return fmt.Errorf("catalog.page_url must contain exactly one %%d placeholder")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Load reads path when non-empty, applies environment overrides and validates
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CPSYNTH_* variables
func (c *Config) ApplyEnv(getenv func(string) string) {
	envString(getenv, "CPSYNTH_DB", &c.Database.Path)
	envString(getenv, "CPSYNTH_LOG_MODE", &c.Log.Mode)
	envString(getenv, "CPSYNTH_EMBEDDING_ENDPOINT", &c.Embedding.Endpoint)
	envString(getenv, "CPSYNTH_EMBEDDING_MODEL", &c.Embedding.Model)
	envInt(getenv, "CPSYNTH_EMBEDDING_BATCH", &c.Embedding.BatchSize)
	envString(getenv, "CPSYNTH_GENERATION_MODEL", &c.Generation.Model)
	envString(getenv, "CPSYNTH_CLUSTER_MODE", &c.Clustering.Mode)
	envFloat(getenv, "CPSYNTH_CLUSTER_THRESHOLD", &c.Clustering.SimilarityThreshold)
	envInt(getenv, "CPSYNTH_MATCH_TOP_K", &c.Matching.TopK)
	envFloat(getenv, "CPSYNTH_MATCH_ACCEPT", &c.Matching.AcceptThreshold)
	envString(getenv, "CPSYNTH_CATALOG_URL", &c.Catalog.PageURL)
	envString(getenv, "CPSYNTH_LANGUAGE", &c.Profile.Language)
	if v := strings.TrimSpace(strings.ToLower(getenv("CPSYNTH_GENERATION_ENABLED"))); v != "" {
		switch v {
		case "0", "false", "no", "off":
			c.Generation.Enabled = false
		case "1", "true", "yes", "on":
			c.Generation.Enabled = true
		}
	}
}

// SaveToFile writes the configuration as YAML
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func envString(getenv func(string) string, name string, dst *string) {
	if v := strings.TrimSpace(getenv(name)); v != "" {
		*dst = v
	}
}

// Unparseable values keep the current setting.
func envInt(getenv func(string) string, name string, dst *int) {
	v := strings.TrimSpace(getenv(name))
	if v == "" {
		return
	}
	if i, err := strconv.Atoi(v); err == nil {
		*dst = i
	}
}

func envFloat(getenv func(string) string, name string, dst *float64) {
	v := strings.TrimSpace(getenv(name))
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = f
	}
}
