package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is voxcore's complete runtime configuration: where data lives, how
// the HTTP server listens, and the retrieval/index tuning knobs.
type Config struct {
	Version int `yaml:"version" json:"version"`

	// DataDir is the directory holding vectors.bin, metadata.db, and the
	// writer lock file.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// Addr is the HTTP listen address, e.g. ":8080".
	Addr string `yaml:"addr" json:"addr"`

	// Dimension is the fixed vector dimension for this data directory,
	// written into the vector file header when the file is created and
	// validated on every reopen.
	Dimension int `yaml:"dimension" json:"dimension"`

	Retrieval RetrievalConfig `yaml:"retrieval" json:"retrieval"`
	Index     IndexConfig     `yaml:"index" json:"index"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// RetrievalConfig configures the scoring and packing behavior of
// internal/retrieval.
type RetrievalConfig struct {
	// MaxTokens is the default token budget for a /retrieve call when the
	// request omits one.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`
	// TopKCandidates is how many ANN candidates are gathered before scoring
	// and packing.
	TopKCandidates int `yaml:"top_k_candidates" json:"top_k_candidates"`
	// SimilarityWeight and RecencyWeight combine into the final candidate
	// score; their sum is not required to be 1.0.
	SimilarityWeight float64 `yaml:"similarity_weight" json:"similarity_weight"`
	RecencyWeight    float64 `yaml:"recency_weight" json:"recency_weight"`
}

// IndexConfig configures the in-memory HNSW graph built by internal/annindex.
type IndexConfig struct {
	M              int     `yaml:"m" json:"m"`
	M0             int     `yaml:"m0" json:"m0"`
	EfConstruction int     `yaml:"ef_construction" json:"ef_construction"`
	EfSearch       int     `yaml:"ef_search" json:"ef_search"`
	MaxLevel       int     `yaml:"max_level" json:"max_level"`
	Retention      float64 `yaml:"retention" json:"retention"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Level         string `yaml:"level" json:"level"`
	FilePath      string `yaml:"file_path" json:"file_path"`
	MaxSizeMB     int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles      int    `yaml:"max_files" json:"max_files"`
	WriteToStderr bool   `yaml:"write_to_stderr" json:"write_to_stderr"`
}

// defaultDataDir returns ~/.voxcore/data, falling back to the temp dir.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".voxcore", "data")
	}
	return filepath.Join(home, ".voxcore", "data")
}

// NewConfig returns a Config populated with the defaults the retrieval
// engine and index packages document as their own: 0.8/0.2 scoring weights,
// a 2000-token budget, and the standard HNSW build parameters.
func NewConfig() *Config {
	return &Config{
		Version:   1,
		DataDir:   defaultDataDir(),
		Addr:      ":8080",
		Dimension: 0, // 0 means "unset"; vectorstore.Open rejects it, so it must come from the file, VOX_DIM, or -dim
		Retrieval: RetrievalConfig{
			MaxTokens:        2000,
			TopKCandidates:   50,
			SimilarityWeight: 0.8,
			RecencyWeight:    0.2,
		},
		Index: IndexConfig{
			M:              16,
			M0:             32,
			EfConstruction: 40,
			EfSearch:       50,
			MaxLevel:       16,
			Retention:      0.5,
		},
		Logging: LoggingConfig{
			Level:         "info",
			MaxSizeMB:     10,
			MaxFiles:      5,
			WriteToStderr: true,
		},
	}
}

const userConfigFileName = "config.yaml"

// userConfigDir resolves the directory voxcore's config file lives in:
// $XDG_CONFIG_HOME/voxcore when set, ~/.config/voxcore otherwise, with a
// temp-dir fallback for environments without a resolvable home.
func userConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "voxcore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "voxcore")
	}
	return filepath.Join(home, ".config", "voxcore")
}

// GetUserConfigPath returns the path of voxcore's config file. The file
// does not have to exist yet; `-cmd init_config` creates it.
func GetUserConfigPath() string {
	return filepath.Join(userConfigDir(), userConfigFileName)
}

// GetUserConfigDir returns the directory containing the config file, for
// callers that watch or create the directory rather than the file itself.
func GetUserConfigDir() string {
	return userConfigDir()
}

// UserConfigExists reports whether a config file has been written.
func UserConfigExists() bool {
	info, err := os.Stat(GetUserConfigPath())
	return err == nil && !info.IsDir()
}

// Load loads the configuration, applying overrides in order of increasing
// precedence:
//  1. Hardcoded defaults
//  2. The config file at GetUserConfigPath(), if present
//  3. Environment variables (VOX_DATA_DIR, VOX_DIM, VOX_ADDR, VOX_LOG_LEVEL)
func Load() (*Config, error) {
	cfg := NewConfig()

	if err := cfg.loadFromFile(GetUserConfigPath()); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile merges YAML config from path into cfg. A missing file is not
// an error; running without one is the common case.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero fields of other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.DataDir != "" {
		c.DataDir = other.DataDir
	}
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.Dimension != 0 {
		c.Dimension = other.Dimension
	}

	if other.Retrieval.MaxTokens != 0 {
		c.Retrieval.MaxTokens = other.Retrieval.MaxTokens
	}
	if other.Retrieval.TopKCandidates != 0 {
		c.Retrieval.TopKCandidates = other.Retrieval.TopKCandidates
	}
	if other.Retrieval.SimilarityWeight != 0 {
		c.Retrieval.SimilarityWeight = other.Retrieval.SimilarityWeight
	}
	if other.Retrieval.RecencyWeight != 0 {
		c.Retrieval.RecencyWeight = other.Retrieval.RecencyWeight
	}

	if other.Index.M != 0 {
		c.Index.M = other.Index.M
	}
	if other.Index.M0 != 0 {
		c.Index.M0 = other.Index.M0
	}
	if other.Index.EfConstruction != 0 {
		c.Index.EfConstruction = other.Index.EfConstruction
	}
	if other.Index.EfSearch != 0 {
		c.Index.EfSearch = other.Index.EfSearch
	}
	if other.Index.MaxLevel != 0 {
		c.Index.MaxLevel = other.Index.MaxLevel
	}
	if other.Index.Retention != 0 {
		c.Index.Retention = other.Index.Retention
	}

	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.FilePath != "" {
		c.Logging.FilePath = other.Logging.FilePath
	}
	if other.Logging.MaxSizeMB != 0 {
		c.Logging.MaxSizeMB = other.Logging.MaxSizeMB
	}
	if other.Logging.MaxFiles != 0 {
		c.Logging.MaxFiles = other.Logging.MaxFiles
	}
}

// applyEnvOverrides applies VOX_* environment variable overrides, the
// highest-precedence layer.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("VOX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("VOX_DIM"); v != "" {
		if d, err := strconv.Atoi(v); err == nil && d > 0 {
			c.Dimension = d
		}
	}
	if v := os.Getenv("VOX_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("VOX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Retrieval.SimilarityWeight < 0 || c.Retrieval.RecencyWeight < 0 {
		return fmt.Errorf("retrieval weights must be non-negative, got similarity=%f recency=%f",
			c.Retrieval.SimilarityWeight, c.Retrieval.RecencyWeight)
	}
	if c.Retrieval.MaxTokens < 0 {
		return fmt.Errorf("retrieval.max_tokens must be non-negative, got %d", c.Retrieval.MaxTokens)
	}
	if c.Retrieval.TopKCandidates <= 0 {
		return fmt.Errorf("retrieval.top_k_candidates must be positive, got %d", c.Retrieval.TopKCandidates)
	}
	if c.Index.M <= 0 || c.Index.M0 <= 0 {
		return fmt.Errorf("index.m and index.m0 must be positive, got m=%d m0=%d", c.Index.M, c.Index.M0)
	}
	if c.Index.Retention < 0 || c.Index.Retention > 1 {
		return fmt.Errorf("index.retention must be between 0 and 1, got %f", c.Index.Retention)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	return nil
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
