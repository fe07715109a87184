package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "tradedesk/internal/errors"
	"tradedesk/internal/store"
)

func TestLoad_WritesTemplateOnFirstRun(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, FileName+".toml"))
	assert.Equal(t, filepath.Join(dir, FileName+".toml"), cfg.Path)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Store.DataDir)
	assert.Equal(t, 5*time.Minute, cfg.Store.ReserveWindow)
	assert.Equal(t, 750*time.Millisecond, cfg.Mirror.Debounce)
	assert.Equal(t, 500, cfg.Retention.Floors["signal_history"])
	assert.Equal(t, 300, cfg.Retention.Ceilings["action_trace"])
	assert.True(t, cfg.Mirror.Enabled)

	opts := cfg.StoreOptions()
	assert.Equal(t, store.DefaultLimits(), opts.Limits)
	assert.Equal(t, store.DefaultRetentionPolicy(), opts.Retention)
	assert.False(t, opts.DisableMirror)
	assert.False(t, opts.DisableRepairs)
	assert.Equal(t, []string{"TradeDesk"}, opts.Legacy.AppNames)
}

func TestLoad_ReadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	data := `
[store]
data_dir = "/var/lib/tradedesk"
reserve_window = "90s"

[store.limits]
entries = 100

[retention]
agent_memory_cap = 50
non_prunable = ["signal"]

[retention.ceilings]
ui_event = 10

[mirror]
enabled = false

[maintenance]
enabled = false
archive_spec = "not a spec"

[logging]
level = "debug"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName+".toml"), []byte(data), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tradedesk", cfg.Store.DataDir)
	assert.Equal(t, 90*time.Second, cfg.Store.ReserveWindow)
	assert.Equal(t, "debug", cfg.Logging.Level)

	opts := cfg.StoreOptions()
	assert.Equal(t, 100, opts.Limits.Entries)
	assert.Equal(t, store.DefaultLimits().Memories, opts.Limits.Memories)
	assert.Equal(t, 50, opts.Retention.Cap)
	assert.Equal(t, map[store.Kind]int{store.KindUIEvent: 10}, opts.Retention.Ceilings)
	assert.Equal(t, []store.Kind{store.KindSignal}, opts.Retention.NonPrunable)
	assert.True(t, opts.DisableMirror)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRADEDESK_DATA_DIR", "/tmp/elsewhere")
	t.Setenv("TRADEDESK_LOG_LEVEL", "warn")
	t.Setenv("TRADEDESK_MIRROR_DISABLED", "true")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/elsewhere", cfg.Store.DataDir)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.False(t, cfg.Mirror.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.Store.DataDir = "" }},
		{"negative limit", func(c *Config) { c.Store.Limits.Entries = -1 }},
		{"unknown floor kind", func(c *Config) { c.Retention.Floors = map[string]int{"bogus": 1} }},
		{"negative ceiling", func(c *Config) { c.Retention.Ceilings = map[string]int{"ui_event": -1} }},
		{"unknown non-prunable", func(c *Config) { c.Retention.NonPrunable = []string{"bogus"} }},
		{"bad cron spec", func(c *Config) { c.Maintenance.PruneSpec = "every minute" }},
		{"archive without age", func(c *Config) { c.Maintenance.ArchiveAfter = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}

	require.NoError(t, Default(t.TempDir()).Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)
		})
	}
}

func TestLogConfig(t *testing.T) {
	dir := t.TempDir()
	lc := Default(dir).LogConfig()
	assert.Equal(t, "info", lc.Level)
	assert.Equal(t, filepath.Join(dir, "logs", "tradedesk.log"), lc.FilePath)
	assert.True(t, lc.File)
}
