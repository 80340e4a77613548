package config

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 4096
	DefaultTemperature       = 0.7
	DefaultHistoryWindow     = 10
	DefaultMaxAgents         = 256
	DefaultInboxSize         = 100
	DefaultLLMTimeout        = 60
	DefaultEmbeddingTimeout  = 30
	DefaultRecallLimit       = 3
	DefaultSystemPrompt      = "You are a helpful assistant. Use the available tools when they help answer the user."
	DefaultMemoryBackend     = "sqlite"
	DefaultEphemeralMaxAge   = 7 * 24 * 60 * 60
	DefaultSweepSchedule     = "@every 1h"
	DefaultHealthSchedule    = "@every 60s"
	DefaultCleanupSchedule   = "0 0 3 * * *"
	DefaultKeepRecent        = 100
	DefaultKeepImportant     = 0.8
	DefaultSimilarity        = 0.7
	DefaultFirestoreColl     = "agent_memories"
	DefaultEmbeddingProvider = "hash"
	DefaultEmbeddingDim      = 384
	DefaultEmbeddingCache    = 4096
	DefaultGeminiEmbedModel  = "gemini-embedding-001"
	DefaultBusBufferSize     = 64
	DefaultBusQueueDepth     = 256
	DefaultLogLevel          = "info"
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 18790
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderStub      = "stub"

	BackendSQLite    = "sqlite"
	BackendChromem   = "chromem"
	BackendFirestore = "firestore"
)

type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Provider  ProviderConfig  `json:"provider"`
	Memory    MemoryConfig    `json:"memory"`
	Embedding EmbeddingConfig `json:"embedding"`
	Bus       BusConfig       `json:"bus"`
	Profiles  ProfilesConfig  `json:"profiles"`
	Gateway   GatewayConfig   `json:"gateway"`
	Log       LogConfig       `json:"log"`
}

type AgentConfig struct {
	SystemPrompt  string  `json:"systemPrompt"`
	Model         string  `json:"model"`
	MaxTokens     int     `json:"maxTokens"`
	Temperature   float64 `json:"temperature"`
	HistoryWindow int     `json:"historyWindow"`
	MaxAgents     int     `json:"maxAgents"`
	InboxSize     int     `json:"inboxSize"`
	LLMTimeout    int     `json:"llmTimeout"` // seconds
	AutoStore     bool    `json:"autoStore"`
	RecallLimit   int     `json:"recallLimit"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default), "openai" or "stub"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type MemoryConfig struct {
	Backend         string          `json:"backend"`
	DBPath          string          `json:"dbPath,omitempty"`
	Firestore       FirestoreConfig `json:"firestore"`
	EphemeralMaxAge int             `json:"ephemeralMaxAge"` // seconds
	SweepSchedule   string          `json:"sweepSchedule"`
	HealthSchedule  string          `json:"healthSchedule"`
	CleanupSchedule string          `json:"cleanupSchedule,omitempty"`
	KeepRecent      int             `json:"keepRecent"`
	KeepImportant   float64         `json:"keepImportant"`
	Similarity      float64         `json:"similarity"`
}

type FirestoreConfig struct {
	ProjectID  string `json:"projectId,omitempty"`
	DatabaseID string `json:"databaseId,omitempty"`
	Collection string `json:"collection,omitempty"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"` // "api", "ollama", "gemini" or "hash"
	Model     string `json:"model,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Dimension int    `json:"dimension"`
	Timeout   int    `json:"timeout"` // seconds
	CacheSize int    `json:"cacheSize"`
}

type BusConfig struct {
	BufferSize int `json:"bufferSize"`
	QueueDepth int `json:"queueDepth"`
}

type ProfilesConfig struct {
	Dir string `json:"dir,omitempty"`
}

// GatewayConfig controls the WebSocket surface started by "serve".
type GatewayConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

func (c GatewayConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type LogConfig struct {
	Level string `json:"level"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			SystemPrompt:  DefaultSystemPrompt,
			Model:         DefaultModel,
			MaxTokens:     DefaultMaxTokens,
			Temperature:   DefaultTemperature,
			HistoryWindow: DefaultHistoryWindow,
			MaxAgents:     DefaultMaxAgents,
			InboxSize:     DefaultInboxSize,
			LLMTimeout:    DefaultLLMTimeout,
			AutoStore:     true,
			RecallLimit:   DefaultRecallLimit,
		},
		Memory: MemoryConfig{
			Backend:         DefaultMemoryBackend,
			Firestore:       FirestoreConfig{Collection: DefaultFirestoreColl},
			EphemeralMaxAge: DefaultEphemeralMaxAge,
			SweepSchedule:   DefaultSweepSchedule,
			HealthSchedule:  DefaultHealthSchedule,
			CleanupSchedule: DefaultCleanupSchedule,
			KeepRecent:      DefaultKeepRecent,
			KeepImportant:   DefaultKeepImportant,
			Similarity:      DefaultSimilarity,
		},
		Embedding: EmbeddingConfig{
			Provider:  DefaultEmbeddingProvider,
			Dimension: DefaultEmbeddingDim,
			Timeout:   DefaultEmbeddingTimeout,
			CacheSize: DefaultEmbeddingCache,
		},
		Bus: BusConfig{
			BufferSize: DefaultBusBufferSize,
			QueueDepth: DefaultBusQueueDepth,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    DefaultHost,
			Port:    DefaultPort,
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".clawpool")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LLMTimeoutDuration bounds every completion call.
func (c AgentConfig) LLMTimeoutDuration() time.Duration {
	return time.Duration(c.LLMTimeout) * time.Second
}

func (c MemoryConfig) EphemeralMaxAgeDuration() time.Duration {
	return time.Duration(c.EphemeralMaxAge) * time.Second
}

func (c MemoryConfig) ResolveDBPath() string {
	if p := strings.TrimSpace(c.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "memory.db")
}

func (c EmbeddingConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c ProfilesConfig) ResolveDir() string {
	if d := strings.TrimSpace(c.Dir); d != "" {
		return d
	}
	return filepath.Join(ConfigDir(), "profiles")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, goerr.Wrap(err, "read config", goerr.V("path", ConfigPath()))
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, goerr.Wrap(err, "parse config", goerr.V("path", ConfigPath()))
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("CLAWPOOL_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = ProviderOpenAI
		}
	}
	if typ := os.Getenv("CLAWPOOL_PROVIDER"); typ != "" {
		cfg.Provider.Type = typ
	}
	if url := os.Getenv("CLAWPOOL_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("CLAWPOOL_MODEL"); model != "" {
		cfg.Agent.Model = model
	}
	if maxAgents := os.Getenv("CLAWPOOL_MAX_AGENTS"); maxAgents != "" {
		if parsed, err := strconv.Atoi(maxAgents); err == nil {
			cfg.Agent.MaxAgents = parsed
		}
	}
	if autoStore := os.Getenv("CLAWPOOL_AUTO_STORE"); autoStore != "" {
		if parsed, err := strconv.ParseBool(autoStore); err == nil {
			cfg.Agent.AutoStore = parsed
		}
	}
	if backend := os.Getenv("CLAWPOOL_MEMORY_BACKEND"); backend != "" {
		cfg.Memory.Backend = backend
	}
	if dbPath := os.Getenv("CLAWPOOL_MEMORY_DB_PATH"); dbPath != "" {
		cfg.Memory.DBPath = dbPath
	}
	if project := os.Getenv("CLAWPOOL_FIRESTORE_PROJECT_ID"); project != "" {
		cfg.Memory.Firestore.ProjectID = project
	}
	if database := os.Getenv("CLAWPOOL_FIRESTORE_DATABASE_ID"); database != "" {
		cfg.Memory.Firestore.DatabaseID = database
	}
	if threshold := os.Getenv("CLAWPOOL_MEMORY_SIMILARITY"); threshold != "" {
		if parsed, err := strconv.ParseFloat(threshold, 64); err == nil {
			cfg.Memory.Similarity = parsed
		}
	}
	if provider := os.Getenv("CLAWPOOL_EMBEDDING_PROVIDER"); provider != "" {
		cfg.Embedding.Provider = provider
	}
	if model := os.Getenv("CLAWPOOL_EMBEDDING_MODEL"); model != "" {
		cfg.Embedding.Model = model
	}
	if url := os.Getenv("CLAWPOOL_EMBEDDING_BASE_URL"); url != "" {
		cfg.Embedding.BaseURL = url
	}
	if key := os.Getenv("CLAWPOOL_EMBEDDING_API_KEY"); key != "" {
		cfg.Embedding.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.Embedding.APIKey == "" && cfg.Embedding.Provider == "gemini" {
		cfg.Embedding.APIKey = key
	}
	if dir := os.Getenv("CLAWPOOL_PROFILES_DIR"); dir != "" {
		cfg.Profiles.Dir = dir
	}
	if enabled := os.Getenv("CLAWPOOL_GATEWAY_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Gateway.Enabled = parsed
		}
	}
	if host := os.Getenv("CLAWPOOL_GATEWAY_HOST"); host != "" {
		cfg.Gateway.Host = host
	}
	if port := os.Getenv("CLAWPOOL_GATEWAY_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if level := os.Getenv("CLAWPOOL_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Agent.SystemPrompt) == "" {
		cfg.Agent.SystemPrompt = def.Agent.SystemPrompt
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = def.Agent.Model
	}
	if cfg.Agent.HistoryWindow <= 0 {
		cfg.Agent.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.Agent.MaxAgents <= 0 {
		cfg.Agent.MaxAgents = DefaultMaxAgents
	}
	if cfg.Agent.InboxSize <= 0 {
		cfg.Agent.InboxSize = DefaultInboxSize
	}
	if cfg.Agent.LLMTimeout <= 0 {
		cfg.Agent.LLMTimeout = DefaultLLMTimeout
	}
	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = DefaultMemoryBackend
	}
	if cfg.Memory.Firestore.Collection == "" {
		cfg.Memory.Firestore.Collection = DefaultFirestoreColl
	}
	if cfg.Memory.EphemeralMaxAge <= 0 {
		cfg.Memory.EphemeralMaxAge = DefaultEphemeralMaxAge
	}
	if cfg.Memory.SweepSchedule == "" {
		cfg.Memory.SweepSchedule = DefaultSweepSchedule
	}
	if cfg.Memory.HealthSchedule == "" {
		cfg.Memory.HealthSchedule = DefaultHealthSchedule
	}
	if cfg.Memory.KeepRecent <= 0 {
		cfg.Memory.KeepRecent = DefaultKeepRecent
	}
	if cfg.Memory.KeepImportant <= 0 || cfg.Memory.KeepImportant > 1 {
		cfg.Memory.KeepImportant = DefaultKeepImportant
	}
	if cfg.Memory.Similarity <= 0 || cfg.Memory.Similarity > 1 {
		cfg.Memory.Similarity = DefaultSimilarity
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = DefaultEmbeddingProvider
	}
	if cfg.Embedding.Timeout <= 0 {
		cfg.Embedding.Timeout = DefaultEmbeddingTimeout
	}
	if cfg.Bus.BufferSize <= 0 {
		cfg.Bus.BufferSize = DefaultBusBufferSize
	}
	if cfg.Bus.QueueDepth <= 0 {
		cfg.Bus.QueueDepth = DefaultBusQueueDepth
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = DefaultHost
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = DefaultPort
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return goerr.Wrap(err, "create config dir", goerr.V("dir", dir))
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "marshal config")
	}

	if err := os.WriteFile(ConfigPath(), data, 0644); err != nil {
		return goerr.Wrap(err, "write config", goerr.V("path", ConfigPath()))
	}
	return nil
}
