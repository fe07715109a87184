// Package config provides configuration management for the ledger.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	apperrors "tradedesk/internal/errors"
	"tradedesk/internal/logging"
	"tradedesk/internal/store"
)

// FileName is the config file name, without extension, inside the config dir.
const FileName = "tradedesk"

// Config holds all application configuration.
type Config struct {
	Store       StoreConfig       `mapstructure:"store"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Mirror      MirrorConfig      `mapstructure:"mirror"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Logging     LoggingConfig     `mapstructure:"logging"`

	// Path is the file the configuration was read from.
	Path string `mapstructure:"-"`
}

// StoreConfig locates the store and bounds its tables.
type StoreConfig struct {
	DataDir        string        `mapstructure:"data_dir"`
	DBFile         string        `mapstructure:"db_file"`
	MirrorFile     string        `mapstructure:"mirror_file"`
	LegacyAppNames []string      `mapstructure:"legacy_app_names"`
	LegacyParents  []string      `mapstructure:"legacy_parents"`
	AllowFallback  bool          `mapstructure:"allow_fallback"`
	RunRepairs     bool          `mapstructure:"run_repairs"`
	ReserveWindow  time.Duration `mapstructure:"reserve_window"`
	Limits         LimitsConfig  `mapstructure:"limits"`
}

// LimitsConfig holds the per-table row caps.
type LimitsConfig struct {
	Entries          int `mapstructure:"entries"`
	Memories         int `mapstructure:"memories"`
	AgentMemories    int `mapstructure:"agent_memories"`
	EvalCache        int `mapstructure:"eval_cache"`
	ExperimentNotes  int `mapstructure:"experiment_notes"`
	OptimizerWinners int `mapstructure:"optimizer_winners"`
	ResearchSessions int `mapstructure:"research_sessions"`
	ResearchSteps    int `mapstructure:"research_steps"`
	PlaybookRuns     int `mapstructure:"playbook_runs"`
}

// RetentionConfig holds the agent memory eviction rules.
type RetentionConfig struct {
	AgentMemoryCap int            `mapstructure:"agent_memory_cap"`
	Floors         map[string]int `mapstructure:"floors"`
	Ceilings       map[string]int `mapstructure:"ceilings"`
	NonPrunable    []string       `mapstructure:"non_prunable"`
}

// MirrorConfig controls the JSON mirror file.
type MirrorConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Debounce         time.Duration `mapstructure:"debounce"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	BackoffTimeout   time.Duration `mapstructure:"backoff_timeout"`
	ExportEntries    int           `mapstructure:"export_entries"`
	ExportMemories   int           `mapstructure:"export_memories"`
	ExportAgent      int           `mapstructure:"export_agent_memories"`
	ExportArchive    int           `mapstructure:"export_archive"`
	ExportOther      int           `mapstructure:"export_other"`
}

// MaintenanceConfig schedules the background jobs. An empty spec disables
// that job.
type MaintenanceConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ArchiveSpec       string        `mapstructure:"archive_spec"`
	PruneSpec         string        `mapstructure:"prune_spec"`
	CheckpointSpec    string        `mapstructure:"checkpoint_spec"`
	ArchiveAfter      time.Duration `mapstructure:"archive_after"`
	KeepRecentPerKind int           `mapstructure:"keep_recent_per_kind"`
	EngineVersion     string        `mapstructure:"engine_version"`
}

// LoggingConfig mirrors logging.LogConfig.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	JSON       bool   `mapstructure:"json"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/tradedesk"
	}
	return filepath.Join(home, ".config", "tradedesk")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A missing file is
// replaced by the template before loading.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	setDefaults(v, configDir)
	v.SetConfigName(FileName)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("loading %s.toml: %w", FileName, err)
		}
		if err := createTemplateConfig(configDir); err != nil {
			return nil, err
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("loading %s.toml: %w", FileName, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding %s.toml: %w", FileName, err)
	}
	cfg.Path = v.ConfigFileUsed()
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = filepath.Join(configDir, "data")
	}
	fillRetention(cfg)

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration rooted at configDir, without
// touching the filesystem.
func Default(configDir string) *Config {
	v := viper.New()
	setDefaults(v, configDir)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	cfg.Store.DataDir = filepath.Join(configDir, "data")
	fillRetention(cfg)
	return cfg
}

// fillRetention applies the default per-kind tables when the file has none.
// Viper would merge nested default maps key by key, so these are set here.
func fillRetention(cfg *Config) {
	pol := store.DefaultRetentionPolicy()
	if cfg.Retention.Floors == nil {
		cfg.Retention.Floors = kindMap(pol.Floors)
	}
	if cfg.Retention.Ceilings == nil {
		cfg.Retention.Ceilings = kindMap(pol.Ceilings)
	}
}

func setDefaults(v *viper.Viper, configDir string) {
	lim := store.DefaultLimits()
	v.SetDefault("store.db_file", store.DefaultDBFile)
	v.SetDefault("store.mirror_file", store.DefaultMirrorFile)
	v.SetDefault("store.legacy_app_names", []string{"TradeDesk"})
	v.SetDefault("store.allow_fallback", true)
	v.SetDefault("store.run_repairs", true)
	v.SetDefault("store.reserve_window", "5m")
	v.SetDefault("store.limits.entries", lim.Entries)
	v.SetDefault("store.limits.memories", lim.Memories)
	v.SetDefault("store.limits.agent_memories", lim.AgentMemories)
	v.SetDefault("store.limits.eval_cache", lim.EvalCache)
	v.SetDefault("store.limits.experiment_notes", lim.ExperimentNotes)
	v.SetDefault("store.limits.optimizer_winners", lim.OptimizerWinners)
	v.SetDefault("store.limits.research_sessions", lim.ResearchSessions)
	v.SetDefault("store.limits.research_steps", lim.ResearchSteps)
	v.SetDefault("store.limits.playbook_runs", lim.PlaybookRuns)

	pol := store.DefaultRetentionPolicy()
	v.SetDefault("retention.agent_memory_cap", pol.Cap)
	v.SetDefault("retention.non_prunable", kindList(pol.NonPrunable))

	exp := store.DefaultExportLimits()
	v.SetDefault("mirror.enabled", true)
	v.SetDefault("mirror.debounce", "750ms")
	v.SetDefault("mirror.failure_threshold", 5)
	v.SetDefault("mirror.backoff_timeout", "30s")
	v.SetDefault("mirror.export_entries", exp.Entries)
	v.SetDefault("mirror.export_memories", exp.Memories)
	v.SetDefault("mirror.export_agent_memories", exp.AgentMemories)
	v.SetDefault("mirror.export_archive", exp.AgentArchive)
	v.SetDefault("mirror.export_other", exp.ExperimentNotes)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.archive_spec", "30 3 * * *")
	v.SetDefault("maintenance.prune_spec", "15 * * * *")
	v.SetDefault("maintenance.checkpoint_spec", "*/10 * * * *")
	v.SetDefault("maintenance.archive_after", "720h")
	v.SetDefault("maintenance.keep_recent_per_kind", 50)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "tradedesk.log"))
	v.SetDefault("logging.max_size", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)
}

func kindMap(m map[store.Kind]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, n := range m {
		out[string(k)] = n
	}
	return out
}

func kindList(kinds []store.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRADEDESK_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("TRADEDESK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TRADEDESK_MIRROR_DISABLED"); v != "" {
		if disabled, err := strconv.ParseBool(v); err == nil {
			cfg.Mirror.Enabled = !disabled
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.DataDir) == "" {
		return invalid("store.data_dir must be set")
	}
	if c.Store.ReserveWindow < 0 {
		return invalid("store.reserve_window must be non-negative")
	}
	lim := c.Store.Limits
	for name, n := range map[string]int{
		"entries": lim.Entries, "memories": lim.Memories, "agent_memories": lim.AgentMemories,
		"eval_cache": lim.EvalCache, "experiment_notes": lim.ExperimentNotes,
		"optimizer_winners": lim.OptimizerWinners, "research_sessions": lim.ResearchSessions,
		"research_steps": lim.ResearchSteps, "playbook_runs": lim.PlaybookRuns,
	} {
		if n < 0 {
			return invalid("store.limits.%s must be non-negative", name)
		}
	}

	if c.Retention.AgentMemoryCap < 0 {
		return invalid("retention.agent_memory_cap must be non-negative")
	}
	for section, m := range map[string]map[string]int{"floors": c.Retention.Floors, "ceilings": c.Retention.Ceilings} {
		for kind, n := range m {
			if _, ok := store.ParseKind(kind); !ok {
				return invalid("retention.%s: unknown kind %q", section, kind)
			}
			if n < 0 {
				return invalid("retention.%s.%s must be non-negative", section, kind)
			}
		}
	}
	for _, kind := range c.Retention.NonPrunable {
		if _, ok := store.ParseKind(kind); !ok {
			return invalid("retention.non_prunable: unknown kind %q", kind)
		}
	}

	if c.Mirror.Debounce < 0 || c.Mirror.BackoffTimeout < 0 {
		return invalid("mirror durations must be non-negative")
	}

	if c.Maintenance.Enabled {
		for name, spec := range map[string]string{
			"archive_spec":    c.Maintenance.ArchiveSpec,
			"prune_spec":      c.Maintenance.PruneSpec,
			"checkpoint_spec": c.Maintenance.CheckpointSpec,
		} {
			if spec == "" {
				continue
			}
			if _, err := cron.ParseStandard(spec); err != nil {
				return invalid("maintenance.%s: %v", name, err)
			}
		}
		if c.Maintenance.ArchiveSpec != "" && c.Maintenance.ArchiveAfter <= 0 {
			return invalid("maintenance.archive_after must be positive")
		}
		if c.Maintenance.KeepRecentPerKind < 0 {
			return invalid("maintenance.keep_recent_per_kind must be non-negative")
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return invalid("invalid log level: %s", c.Logging.Level)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// StoreOptions maps the configuration onto store.Options.
func (c *Config) StoreOptions() store.Options {
	opts := store.Options{
		DataDir:    c.Store.DataDir,
		DBFile:     c.Store.DBFile,
		MirrorFile: c.Store.MirrorFile,
		Legacy: store.LegacyOptions{
			AppNames: c.Store.LegacyAppNames,
			Parents:  c.Store.LegacyParents,
		},
		AllowFallback:  c.Store.AllowFallback,
		DisableMirror:  !c.Mirror.Enabled,
		DisableRepairs: !c.Store.RunRepairs,
		ReserveWindow:  c.Store.ReserveWindow,
		Limits: store.Limits{
			Entries:          c.Store.Limits.Entries,
			Memories:         c.Store.Limits.Memories,
			AgentMemories:    c.Store.Limits.AgentMemories,
			EvalCache:        c.Store.Limits.EvalCache,
			ExperimentNotes:  c.Store.Limits.ExperimentNotes,
			OptimizerWinners: c.Store.Limits.OptimizerWinners,
			ResearchSessions: c.Store.Limits.ResearchSessions,
			ResearchSteps:    c.Store.Limits.ResearchSteps,
			PlaybookRuns:     c.Store.Limits.PlaybookRuns,
		},
		Retention: store.RetentionPolicy{
			Cap:      c.Retention.AgentMemoryCap,
			Floors:   toKindMap(c.Retention.Floors),
			Ceilings: toKindMap(c.Retention.Ceilings),
		},
		Mirror: store.MirrorOptions{
			Debounce:         c.Mirror.Debounce,
			FailureThreshold: c.Mirror.FailureThreshold,
			BackoffTimeout:   c.Mirror.BackoffTimeout,
			Limits: store.ExportLimits{
				Entries:          c.Mirror.ExportEntries,
				Memories:         c.Mirror.ExportMemories,
				AgentMemories:    c.Mirror.ExportAgent,
				AgentArchive:     c.Mirror.ExportArchive,
				ExperimentNotes:  c.Mirror.ExportOther,
				OptimizerWinners: c.Mirror.ExportOther,
				ResearchSessions: c.Mirror.ExportOther,
				ResearchSteps:    c.Mirror.ExportOther,
				PlaybookRuns:     c.Mirror.ExportOther,
			},
		},
	}
	for _, k := range c.Retention.NonPrunable {
		if kind, ok := store.ParseKind(k); ok {
			opts.Retention.NonPrunable = append(opts.Retention.NonPrunable, kind)
		}
	}
	return opts
}

func toKindMap(m map[string]int) map[store.Kind]int {
	if len(m) == 0 {
		return nil
	}
	out := make(map[store.Kind]int, len(m))
	for k, n := range m {
		if kind, ok := store.ParseKind(k); ok {
			out[kind] = n
		}
	}
	return out
}

// LogConfig maps the logging section onto logging.LogConfig.
func (c *Config) LogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:      c.Logging.Level,
		Console:    c.Logging.Console,
		JSON:       c.Logging.JSON,
		File:       c.Logging.File,
		FilePath:   c.Logging.FilePath,
		MaxSize:    c.Logging.MaxSize,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAge,
	}
}
