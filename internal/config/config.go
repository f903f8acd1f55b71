// Package config loads and validates the service configuration from
// defaults, an optional YAML file, a .env file, and environment
// variable overrides (uppercase mirrors of the JSON keys).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Vector backend selectors.
const (
	VectorBackendLegacy   = "legacy"
	VectorBackendChromaDB = "chromadb"
)

// Automatic-learning modes.
const (
	LearningModeModerate   = "moderate"
	LearningModeAggressive = "aggressive"
	LearningModeMinimal    = "minimal"
)

// Conversation-analyzer extraction modes.
const (
	ExtractionModeHeuristic = "heuristic"
	ExtractionModeLLM       = "llm"
)

// Deduplication modes for extracted learnings.
const (
	DedupPerSession = "per_session"
	DedupPerDay     = "per_day"
	DedupGlobal     = "global"
)

// Config is the immutable configuration snapshot loaded at startup.
type Config struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`

	VectorBackend string `json:"vector_backend" yaml:"vector_backend"`

	ChunkSize    int `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap" yaml:"chunk_overlap"`

	TopK                    int     `json:"top_k" yaml:"top_k"`
	MinRetrievalScore       float64 `json:"min_retrieval_score" yaml:"min_retrieval_score"`
	QueryExpansionEnabled   bool    `json:"query_expansion_enabled" yaml:"query_expansion_enabled"`
	NumExpansions           int     `json:"num_expansions" yaml:"num_expansions"`
	ContextInjectionEnabled bool    `json:"context_injection_enabled" yaml:"context_injection_enabled"`
	MaxContextChars         int     `json:"max_context_chars" yaml:"max_context_chars"`

	RemoteFileUploadEnabled   bool   `json:"remote_file_upload_enabled" yaml:"remote_file_upload_enabled"`
	RemoteUploadDirectory     string `json:"remote_upload_directory" yaml:"remote_upload_directory"`
	RemoteUploadMaxAgeSeconds int    `json:"remote_upload_max_age_seconds" yaml:"remote_upload_max_age_seconds"`
	RemoteUploadMaxFileSizeMB int    `json:"remote_upload_max_file_size_mb" yaml:"remote_upload_max_file_size_mb"`

	EmbeddingDimension  int `json:"embedding_dimension" yaml:"embedding_dimension"`
	EmbeddingCacheSize  int `json:"embedding_cache_size" yaml:"embedding_cache_size"`
	MaxTokensPerMessage int `json:"max_tokens_per_message" yaml:"max_tokens_per_message"`
	MaxTokensPerSession int `json:"max_tokens_per_session" yaml:"max_tokens_per_session"`

	LogLevel string `json:"log_level" yaml:"log_level"`
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`

	AutomaticLearning AutomaticLearningConfig `json:"automatic_learning" yaml:"automatic_learning"`
	UniversalHooks    UniversalHooksConfig    `json:"universal_hooks" yaml:"universal_hooks"`
}

// AutomaticLearningConfig governs the operation tracker and extractor.
type AutomaticLearningConfig struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	Mode                 string  `json:"mode" yaml:"mode"`
	TrackTasks           bool    `json:"track_tasks" yaml:"track_tasks"`
	TrackCodeChanges     bool    `json:"track_code_changes" yaml:"track_code_changes"`
	TrackOperations      bool    `json:"track_operations" yaml:"track_operations"`
	MinEpisodeConfidence float64 `json:"min_episode_confidence" yaml:"min_episode_confidence"`
	EpisodeDeduplication bool    `json:"episode_deduplication" yaml:"episode_deduplication"`
}

// UniversalHooksConfig carries hook-level settings. Only the
// conversation analyzer is configured here today.
type UniversalHooksConfig struct {
	ConversationAnalyzer ConversationAnalyzerConfig `json:"conversation_analyzer" yaml:"conversation_analyzer"`
}

// ConversationAnalyzerConfig governs fact/episode extraction from
// dialogue.
type ConversationAnalyzerConfig struct {
	ExtractionMode         string  `json:"extraction_mode" yaml:"extraction_mode"`
	MinFactConfidence      float64 `json:"min_fact_confidence" yaml:"min_fact_confidence"`
	MinEpisodeConfidence   float64 `json:"min_episode_confidence" yaml:"min_episode_confidence"`
	DeduplicationMode      string  `json:"deduplication_mode" yaml:"deduplication_mode"`
	DeduplicationWindowDay int     `json:"deduplication_window_days" yaml:"deduplication_window_days"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:                   "./data",
		VectorBackend:             VectorBackendChromaDB,
		ChunkSize:                 500,
		ChunkOverlap:              50,
		TopK:                      5,
		MinRetrievalScore:         0.0,
		QueryExpansionEnabled:     false,
		NumExpansions:             3,
		ContextInjectionEnabled:   false,
		MaxContextChars:           5000,
		RemoteFileUploadEnabled:   true,
		RemoteUploadDirectory:     "/tmp/rag-uploads",
		RemoteUploadMaxAgeSeconds: 3600,
		RemoteUploadMaxFileSizeMB: 50,
		EmbeddingDimension:        384,
		EmbeddingCacheSize:        1000,
		MaxTokensPerMessage:       1000,
		MaxTokensPerSession:       10000,
		LogLevel:                  "info",
		HTTPAddr:                  ":9080",
		AutomaticLearning: AutomaticLearningConfig{
			Enabled:              false,
			Mode:                 LearningModeModerate,
			TrackTasks:           true,
			TrackCodeChanges:     true,
			TrackOperations:      true,
			MinEpisodeConfidence: 0.6,
			EpisodeDeduplication: true,
		},
		UniversalHooks: UniversalHooksConfig{
			ConversationAnalyzer: ConversationAnalyzerConfig{
				ExtractionMode:         ExtractionModeHeuristic,
				MinFactConfidence:      0.7,
				MinEpisodeConfidence:   0.6,
				DeduplicationMode:      DedupPerDay,
				DeduplicationWindowDay: 7,
			},
		},
	}
}

// LoadConfig builds the configuration snapshot: defaults, then the YAML
// file named by MEMORY_CONFIG_FILE (if any), then .env, then
// environment overrides, then validation.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// A missing .env is fine.
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := DefaultConfig()

	if path := os.Getenv("MEMORY_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv applies environment overrides. Variable names are the
// uppercase JSON keys; nested groups join segments with underscores.
func loadFromEnv(config *Config) {
	loadCoreEnv(config)
	loadUploadEnv(config)
	loadLearningEnv(config)
	loadAnalyzerEnv(config)
}

func loadCoreEnv(config *Config) {
	envString("DATA_DIR", &config.DataDir)
	envString("VECTOR_BACKEND", &config.VectorBackend)
	envInt("CHUNK_SIZE", &config.ChunkSize)
	envInt("CHUNK_OVERLAP", &config.ChunkOverlap)
	envInt("TOP_K", &config.TopK)
	envFloat("MIN_RETRIEVAL_SCORE", &config.MinRetrievalScore)
	envBool("QUERY_EXPANSION_ENABLED", &config.QueryExpansionEnabled)
	envInt("NUM_EXPANSIONS", &config.NumExpansions)
	envBool("CONTEXT_INJECTION_ENABLED", &config.ContextInjectionEnabled)
	envInt("MAX_CONTEXT_CHARS", &config.MaxContextChars)
	envInt("EMBEDDING_DIMENSION", &config.EmbeddingDimension)
	envInt("EMBEDDING_CACHE_SIZE", &config.EmbeddingCacheSize)
	envInt("MAX_TOKENS_PER_MESSAGE", &config.MaxTokensPerMessage)
	envInt("MAX_TOKENS_PER_SESSION", &config.MaxTokensPerSession)
	envString("LOG_LEVEL", &config.LogLevel)
	envString("HTTP_ADDR", &config.HTTPAddr)
}

func loadUploadEnv(config *Config) {
	envBool("REMOTE_FILE_UPLOAD_ENABLED", &config.RemoteFileUploadEnabled)
	envString("REMOTE_UPLOAD_DIRECTORY", &config.RemoteUploadDirectory)
	envInt("REMOTE_UPLOAD_MAX_AGE_SECONDS", &config.RemoteUploadMaxAgeSeconds)
	envInt("REMOTE_UPLOAD_MAX_FILE_SIZE_MB", &config.RemoteUploadMaxFileSizeMB)
}

func loadLearningEnv(config *Config) {
	envBool("AUTOMATIC_LEARNING_ENABLED", &config.AutomaticLearning.Enabled)
	envString("AUTOMATIC_LEARNING_MODE", &config.AutomaticLearning.Mode)
	envBool("AUTOMATIC_LEARNING_TRACK_TASKS", &config.AutomaticLearning.TrackTasks)
	envBool("AUTOMATIC_LEARNING_TRACK_CODE_CHANGES", &config.AutomaticLearning.TrackCodeChanges)
	envBool("AUTOMATIC_LEARNING_TRACK_OPERATIONS", &config.AutomaticLearning.TrackOperations)
	envFloat("AUTOMATIC_LEARNING_MIN_EPISODE_CONFIDENCE", &config.AutomaticLearning.MinEpisodeConfidence)
	envBool("AUTOMATIC_LEARNING_EPISODE_DEDUPLICATION", &config.AutomaticLearning.EpisodeDeduplication)
}

func loadAnalyzerEnv(config *Config) {
	ca := &config.UniversalHooks.ConversationAnalyzer
	envString("UNIVERSAL_HOOKS_CONVERSATION_ANALYZER_EXTRACTION_MODE", &ca.ExtractionMode)
	envFloat("UNIVERSAL_HOOKS_CONVERSATION_ANALYZER_MIN_FACT_CONFIDENCE", &ca.MinFactConfidence)
	envFloat("UNIVERSAL_HOOKS_CONVERSATION_ANALYZER_MIN_EPISODE_CONFIDENCE", &ca.MinEpisodeConfidence)
	envString("UNIVERSAL_HOOKS_CONVERSATION_ANALYZER_DEDUPLICATION_MODE", &ca.DeduplicationMode)
	envInt("UNIVERSAL_HOOKS_CONVERSATION_ANALYZER_DEDUPLICATION_WINDOW_DAYS", &ca.DeduplicationWindowDay)
}

func envString(name string, target *string) {
	if v := os.Getenv(name); v != "" {
		*target = v
	}
}

func envInt(name string, target *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envFloat(name string, target *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

func envBool(name string, target *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(strings.ToLower(v)); err == nil {
			*target = b
		}
	}
}

// Validate checks enum fields and numeric ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	switch c.VectorBackend {
	case VectorBackendLegacy, VectorBackendChromaDB:
	default:
		return fmt.Errorf("invalid vector_backend: %q (want %q or %q)", c.VectorBackend, VectorBackendLegacy, VectorBackendChromaDB)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk_overlap must be in [0, chunk_size), got %d", c.ChunkOverlap)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d", c.TopK)
	}
	if c.MinRetrievalScore < 0 || c.MinRetrievalScore > 1 {
		return fmt.Errorf("min_retrieval_score must be in [0,1], got %v", c.MinRetrievalScore)
	}
	if c.NumExpansions < 0 {
		return fmt.Errorf("num_expansions cannot be negative, got %d", c.NumExpansions)
	}
	if c.MaxContextChars <= 0 {
		return fmt.Errorf("max_context_chars must be positive, got %d", c.MaxContextChars)
	}
	if c.RemoteUploadMaxAgeSeconds <= 0 {
		return fmt.Errorf("remote_upload_max_age_seconds must be positive, got %d", c.RemoteUploadMaxAgeSeconds)
	}
	if c.RemoteUploadMaxFileSizeMB <= 0 {
		return fmt.Errorf("remote_upload_max_file_size_mb must be positive, got %d", c.RemoteUploadMaxFileSizeMB)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("embedding_dimension must be positive, got %d", c.EmbeddingDimension)
	}
	if c.EmbeddingCacheSize < 1000 {
		return fmt.Errorf("embedding_cache_size must be at least 1000, got %d", c.EmbeddingCacheSize)
	}
	switch c.AutomaticLearning.Mode {
	case LearningModeModerate, LearningModeAggressive, LearningModeMinimal:
	default:
		return fmt.Errorf("invalid automatic_learning.mode: %q", c.AutomaticLearning.Mode)
	}
	if v := c.AutomaticLearning.MinEpisodeConfidence; v < 0 || v > 1 {
		return fmt.Errorf("automatic_learning.min_episode_confidence must be in [0,1], got %v", v)
	}
	ca := c.UniversalHooks.ConversationAnalyzer
	switch ca.ExtractionMode {
	case ExtractionModeHeuristic, ExtractionModeLLM:
	default:
		return fmt.Errorf("invalid conversation_analyzer.extraction_mode: %q", ca.ExtractionMode)
	}
	switch ca.DeduplicationMode {
	case DedupPerSession, DedupPerDay, DedupGlobal:
	default:
		return fmt.Errorf("invalid conversation_analyzer.deduplication_mode: %q", ca.DeduplicationMode)
	}
	if ca.MinFactConfidence < 0 || ca.MinFactConfidence > 1 {
		return fmt.Errorf("conversation_analyzer.min_fact_confidence must be in [0,1], got %v", ca.MinFactConfidence)
	}
	if ca.MinEpisodeConfidence < 0 || ca.MinEpisodeConfidence > 1 {
		return fmt.Errorf("conversation_analyzer.min_episode_confidence must be in [0,1], got %v", ca.MinEpisodeConfidence)
	}
	if ca.DeduplicationWindowDay <= 0 {
		return fmt.Errorf("conversation_analyzer.deduplication_window_days must be positive, got %d", ca.DeduplicationWindowDay)
	}
	return nil
}

// GetDataDir returns the absolute data directory, creating it when
// missing.
func (c *Config) GetDataDir() (string, error) {
	absPath, err := filepath.Abs(c.DataDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for data directory: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o750); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return absPath, nil
}
