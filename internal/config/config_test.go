package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HendryAvila/activitylog/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		config.EnvDataDir, config.EnvHTTPAddr, config.EnvNATSURL, config.EnvLogLevel,
		config.EnvAnthropic, config.EnvOpenAI, config.EnvGemini,
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	cfg, err := config.Load(config.Options{DataDir: dir})
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Empty(t, cfg.Path)
	assert.Equal(t, 30, cfg.Retrieval.TopK)
	assert.Equal(t, 1440*time.Minute, cfg.Retrieval.DefaultLookback)

	rules := cfg.Rules()
	phone, ok := rules.For("玩手机")
	require.True(t, ok)
	assert.Equal(t, 60*time.Second, phone.MaxGap)
	assert.Equal(t, 2*time.Minute, phone.MergeThreshold)
	_, ok = rules.For("anything")
	assert.True(t, ok, "default rule covers unknown types")
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.FileName), `
log:
  level: debug
activities:
  types:
    reading:
      max_gap: 3m
      min_duration: 30s
      merge_threshold: 1m
indexer:
  backend: bleve
  batch_size: 50
retrieval:
  top_k: 10
  default_lookback: 2h
http:
  addr: 127.0.0.1:9000
`)
	t.Setenv(config.EnvDataDir, dir)
	t.Setenv(config.EnvHTTPAddr, "0.0.0.0:7000")
	t.Setenv(config.EnvAnthropic, "sk-test")

	cfg, err := config.Load(config.Options{LogLevel: "warn"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, config.FileName), cfg.Path)
	assert.Equal(t, "warn", cfg.Log.Level, "flag beats file")
	assert.Equal(t, "0.0.0.0:7000", cfg.HTTP.Addr, "env beats file")
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, config.BackendBleve, cfg.Indexer.Backend)
	assert.Equal(t, 50, cfg.Indexer.BatchSize)
	assert.Equal(t, 10, cfg.Retrieval.TopK)
	assert.Equal(t, 2*time.Hour, cfg.Retrieval.DefaultLookback)

	reading, ok := cfg.Rules().For("reading")
	require.True(t, ok)
	assert.Equal(t, 3*time.Minute, reading.MaxGap)
	assert.Equal(t, 30*time.Second, reading.MinDuration)
	_, ok = cfg.Rules().Types["玩手机"]
	assert.True(t, ok, "file entries are merged with the built-in types")
}

func TestValidate_MissingRulesIsFatal(t *testing.T) {
	cfg := config.Default()
	cfg.Activities = config.ActivitiesConfig{}
	assert.ErrorIs(t, cfg.Validate(), config.ErrNoActivityRules)

	cfg.Activities.Types = map[string]config.Rule{"reading": {MaxGap: time.Minute}}
	assert.NoError(t, cfg.Validate())
}

func TestLoad_NullDefaultRule(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	writeFile(t, path, "activities:\n  default: null\n")

	cfg, err := config.Load(config.Options{Path: path, DataDir: dir})
	require.NoError(t, err)
	assert.Nil(t, cfg.Activities.Default)
	_, ok := cfg.Rules().For("unlisted")
	assert.False(t, ok, "without a default rule unlisted types are rejected")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := config.Default()
	cfg.Activities.Types["bad"] = config.Rule{MaxGap: 0, MinDuration: -time.Second}
	cfg.Indexer.Backend = "chroma"
	cfg.Retrieval.TopK = 0
	cfg.Indexer.Embedder = config.EmbedderOpenAI

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "activities.types.bad.max_gap")
	assert.Contains(t, msg, "activities.types.bad.min_duration")
	assert.Contains(t, msg, `indexer.backend "chroma"`)
	assert.Contains(t, msg, "retrieval.top_k")
}

func TestValidate_RemoteEmbedderNeedsKey(t *testing.T) {
	cfg := config.Default()
	cfg.Indexer.Embedder = config.EmbedderGemini
	assert.ErrorContains(t, cfg.Validate(), config.EnvGemini)

	cfg.Indexer.GeminiKey = "key"
	assert.NoError(t, cfg.Validate())
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.FileName), "indexer: [not, a, map")
	_, err := config.Load(config.Options{DataDir: dir})
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	writeFile(t, path, "ACTIVITYLOG_NATS_URL=nats://127.0.0.1:4222\n")
	require.NoError(t, os.Unsetenv(config.EnvNATSURL))

	require.NoError(t, config.LoadDotEnv(filepath.Join(dir, "missing.env"), path))

	cfg, err := config.Load(config.Options{DataDir: dir})
	require.NoError(t, err)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
}

func TestWatch_ReloadsValidChanges(t *testing.T) {
	clearEnv(t)
	restore := config.SetReloadDelay(10 * time.Millisecond)
	defer restore()

	dir := t.TempDir()
	path := filepath.Join(dir, config.FileName)
	writeFile(t, path, "retrieval:\n  top_k: 5\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan *config.Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- config.Watch(ctx, config.Options{DataDir: dir}, path, func(c *config.Config) { changes <- c }, nil)
	}()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "retrieval:\n  top_k: 0\n")
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "retrieval:\n  top_k: 7\n")

	select {
	case c := <-changes:
		assert.Equal(t, 7, c.Retrieval.TopK, "invalid edit skipped")
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	require.NoError(t, <-done)
}
