// Package config loads the activitylog configuration.
//
// Settings come from, in increasing priority: built-in defaults, a YAML file
// (default <data_dir>/config.yaml, optional), and environment variables.
// Per-type activity rules can be reloaded at runtime with Watch.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/HendryAvila/activitylog/internal/tracker"
)

// Environment variables read by Load.
const (
	EnvDataDir   = "ACTIVITYLOG_DATA_DIR"
	EnvHTTPAddr  = "ACTIVITYLOG_HTTP_ADDR"
	EnvNATSURL   = "ACTIVITYLOG_NATS_URL"
	EnvLogLevel  = "ACTIVITYLOG_LOG_LEVEL"
	EnvAnthropic = "ANTHROPIC_API_KEY"
	EnvOpenAI    = "OPENAI_API_KEY"
	EnvGemini    = "GEMINI_API_KEY"
)

// FileName is the config file looked up in the data directory.
const FileName = "config.yaml"

// Backend and embedder names.
const (
	BackendSQLite  = "sqlite"
	BackendBleve   = "bleve"
	EmbedderHash   = "hash"
	EmbedderOpenAI = "openai"
	EmbedderGemini = "gemini"
)

// ErrNoActivityRules is returned when neither per-type rules nor a default
// rule are configured.
var ErrNoActivityRules = errors.New("config: no activity rules configured")

type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Activities ActivitiesConfig `yaml:"activities"`
	Indexer    IndexerConfig    `yaml:"indexer"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	LLM        LLMConfig        `yaml:"llm"`
	HTTP       HTTPConfig       `yaml:"http"`
	NATS       NATSConfig       `yaml:"nats"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Retention  RetentionConfig  `yaml:"retention"`

	// Path is the file the config was read from, empty when none existed.
	Path string `yaml:"-"`
}

// LogConfig selects the slog level (debug, info, warn, error) and handler
// format (text or json).
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig tunes the SQLite session store. OpTimeout bounds each query.
type StoreConfig struct {
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// Rule is the YAML form of tracker.Rule.
type Rule struct {
	MaxGap         time.Duration `yaml:"max_gap"`
	MinDuration    time.Duration `yaml:"min_duration"`
	MergeThreshold time.Duration `yaml:"merge_threshold"`
}

// ActivitiesConfig holds the per-type session rules. Default covers types
// not listed in Types; a nil Default rejects unknown types.
type ActivitiesConfig struct {
	Default *Rule           `yaml:"default"`
	Types   map[string]Rule `yaml:"types"`
}

// IndexerConfig picks the vector backend and embedder and tunes sweeps.
// API keys come from the environment only.
type IndexerConfig struct {
	Backend            string        `yaml:"backend"`
	Embedder           string        `yaml:"embedder"`
	EmbeddingModel     string        `yaml:"embedding_model"`
	EmbeddingDimension int           `yaml:"embedding_dimension"`
	EmbeddingCacheSize int           `yaml:"embedding_cache_size"`
	BatchSize          int           `yaml:"batch_size"`
	BatchLimit         int           `yaml:"batch_limit"`
	BatchTimeout       time.Duration `yaml:"batch_timeout"`
	Interval           time.Duration `yaml:"interval"`
	OpenAIBaseURL      string        `yaml:"openai_base_url"`

	OpenAIKey string `yaml:"-"`
	GeminiKey string `yaml:"-"`
}

// RetrievalConfig tunes queries. Timezone is an IANA name used to resolve
// day words; empty means local time.
type RetrievalConfig struct {
	TopK            int           `yaml:"top_k"`
	DefaultLookback time.Duration `yaml:"default_lookback"`
	SweepTimeout    time.Duration `yaml:"sweep_timeout"`
	Timezone        string        `yaml:"timezone"`
}

// LLMConfig configures the Anthropic answerer. Without an API key answers
// fall back to the grounding context.
type LLMConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	BaseURL   string `yaml:"base_url"`

	APIKey string `yaml:"-"`
}

// HTTPConfig is the listen address of the JSON API.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// NATSConfig enables the event subscriber when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Name    string `yaml:"name"`
}

// IngestConfig sizes the worker queue.
type IngestConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// RetentionConfig controls periodic pruning.
type RetentionConfig struct {
	// Days > 0 prunes closed sessions and their vectors older than Days.
	Days     int           `yaml:"days"`
	Interval time.Duration `yaml:"interval"`
}

// DefaultDataDir returns ~/.activitylog.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".activitylog")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Log:     LogConfig{Level: "info", Format: "text"},
		Store:   StoreConfig{OpTimeout: 5 * time.Second},
		Activities: ActivitiesConfig{
			Default: &Rule{MaxGap: 5 * time.Minute, MinDuration: time.Minute, MergeThreshold: 2 * time.Minute},
			Types: map[string]Rule{
				"玩手机":  {MaxGap: 60 * time.Second, MinDuration: time.Minute, MergeThreshold: 2 * time.Minute},
				"喝水":   {MaxGap: 30 * time.Second, MergeThreshold: 10 * time.Second},
				"coding": {MaxGap: 10 * time.Minute, MinDuration: 2 * time.Minute, MergeThreshold: 5 * time.Minute},
			},
		},
		Indexer: IndexerConfig{
			Backend:            BackendSQLite,
			Embedder:           EmbedderHash,
			EmbeddingDimension: 256,
			EmbeddingCacheSize: 512,
			BatchSize:          200,
			BatchLimit:         1000,
			BatchTimeout:       30 * time.Second,
			Interval:           time.Minute,
		},
		Retrieval: RetrievalConfig{
			TopK:            30,
			DefaultLookback: 1440 * time.Minute,
			SweepTimeout:    10 * time.Second,
		},
		LLM: LLMConfig{
			Enabled:   true,
			MaxTokens: 1024,
		},
		HTTP:      HTTPConfig{Addr: "127.0.0.1:8765"},
		NATS:      NATSConfig{Subject: "activity.events", Name: "activitylog"},
		Ingest:    IngestConfig{QueueSize: 256},
		Retention: RetentionConfig{Interval: time.Hour},
	}
}

// Options are command-line overrides. Empty fields are ignored.
type Options struct {
	Path     string
	DataDir  string
	LogLevel string
}

// Load builds the configuration. A missing file is not an error; an
// unreadable or invalid one is.
func Load(opts Options) (*Config, error) {
	cfg := Default()

	dataDir := firstNonEmpty(opts.DataDir, os.Getenv(EnvDataDir))
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.DataDir = expandHome(cfg.DataDir)

	path := opts.Path
	if path == "" {
		path = filepath.Join(cfg.DataDir, FileName)
	}
	found, err := loadYAMLFile(expandHome(path), cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if found {
		cfg.Path = expandHome(path)
	}

	// Flags and env win over the file.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	applyEnvironment(cfg)
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func loadYAMLFile(path string, cfg *Config) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return false, err
	}
	return true, nil
}

func applyEnvironment(cfg *Config) {
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	cfg.LLM.APIKey = os.Getenv(EnvAnthropic)
	cfg.Indexer.OpenAIKey = os.Getenv(EnvOpenAI)
	cfg.Indexer.GeminiKey = os.Getenv(EnvGemini)
}

// ─── Validation ──────────────────────────────────────────────────────────────

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	if c.DataDir == "" {
		add("data_dir is empty")
	}
	if len(c.Activities.Types) == 0 && c.Activities.Default == nil {
		errs = append(errs, ErrNoActivityRules)
	}
	if c.Activities.Default != nil {
		errs = append(errs, c.Activities.Default.validate("activities.default")...)
	}
	for name, r := range c.Activities.Types {
		if strings.TrimSpace(name) == "" {
			add("activities.types: empty activity type name")
			continue
		}
		errs = append(errs, r.validate("activities.types."+name)...)
	}

	switch c.Indexer.Backend {
	case BackendSQLite, BackendBleve:
	default:
		add("indexer.backend %q: want %s or %s", c.Indexer.Backend, BackendSQLite, BackendBleve)
	}
	switch c.Indexer.Embedder {
	case EmbedderHash:
	case EmbedderOpenAI:
		if c.Indexer.Backend == BackendSQLite && c.Indexer.OpenAIKey == "" {
			add("indexer.embedder openai needs %s", EnvOpenAI)
		}
	case EmbedderGemini:
		if c.Indexer.Backend == BackendSQLite && c.Indexer.GeminiKey == "" {
			add("indexer.embedder gemini needs %s", EnvGemini)
		}
	default:
		add("indexer.embedder %q: want hash, openai or gemini", c.Indexer.Embedder)
	}
	if c.Indexer.EmbeddingDimension <= 0 {
		add("indexer.embedding_dimension must be positive")
	}
	if c.Indexer.BatchSize <= 0 {
		add("indexer.batch_size must be positive")
	}
	if c.Indexer.BatchTimeout <= 0 {
		add("indexer.batch_timeout must be positive")
	}
	if c.Indexer.Interval <= 0 {
		add("indexer.interval must be positive")
	}
	if c.Retrieval.TopK <= 0 {
		add("retrieval.top_k must be positive")
	}
	if c.Retrieval.DefaultLookback <= 0 {
		add("retrieval.default_lookback must be positive")
	}
	if c.Retrieval.Timezone != "" {
		if _, err := time.LoadLocation(c.Retrieval.Timezone); err != nil {
			add("retrieval.timezone: %v", err)
		}
	}
	if c.Retention.Days < 0 {
		add("retention.days must not be negative")
	}
	if c.Ingest.QueueSize <= 0 {
		add("ingest.queue_size must be positive")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		add("log.format %q: want text or json", c.Log.Format)
	}
	return errors.Join(errs...)
}

func (r Rule) validate(field string) []error {
	var errs []error
	if r.MaxGap <= 0 {
		errs = append(errs, fmt.Errorf("config: %s.max_gap must be positive", field))
	}
	if r.MinDuration < 0 {
		errs = append(errs, fmt.Errorf("config: %s.min_duration must not be negative", field))
	}
	if r.MergeThreshold < 0 {
		errs = append(errs, fmt.Errorf("config: %s.merge_threshold must not be negative", field))
	}
	return errs
}

// ─── Conversions ─────────────────────────────────────────────────────────────

// Rules converts the activity section to tracker rules.
func (c *Config) Rules() tracker.Rules {
	rules := tracker.Rules{Types: make(map[string]tracker.Rule, len(c.Activities.Types))}
	for name, r := range c.Activities.Types {
		rules.Types[strings.TrimSpace(name)] = r.tracker()
	}
	if c.Activities.Default != nil {
		d := c.Activities.Default.tracker()
		rules.Default = &d
	}
	return rules
}

func (r Rule) tracker() tracker.Rule {
	return tracker.Rule{MaxGap: r.MaxGap, MinDuration: r.MinDuration, MergeThreshold: r.MergeThreshold}
}

// Location returns the configured display timezone, or time.Local.
func (c *Config) Location() *time.Location {
	if c.Retrieval.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Retrieval.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
