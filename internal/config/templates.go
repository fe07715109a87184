package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# TradeDesk ledger configuration

[store]
# Directory holding ledger.db and ledger.json. Empty means <config dir>/data.
data_dir = ""
db_file = "ledger.db"
mirror_file = "ledger.json"
# Directory names earlier releases used; their stores are adopted on first run.
legacy_app_names = ["TradeDesk"]
# Extra parent directories searched for legacy stores.
legacy_parents = []
# Keep running on an in-memory engine hydrated from the mirror when the
# database file cannot be opened.
allow_fallback = true
# Run the one-time legacy repair jobs at startup.
run_repairs = true
# Default idempotency window for reserve.
reserve_window = "5m"

[store.limits]
entries = 5000
memories = 500
agent_memories = 4000
eval_cache = 2000
experiment_notes = 1000
optimizer_winners = 1000
research_sessions = 300
research_steps = 5000
playbook_runs = 500

[retention]
# Global cap of the active agent memory table.
agent_memory_cap = 4000
# Kinds that retention never deletes.
non_prunable = ["signal", "signal_entry", "academy_case"]

# Minimum rows kept per kind before the emergency step.
[retention.floors]
signal_history = 500
lesson = 200
setup = 100
backtest_summary = 50
academy_case = 100

# Hard per-kind maximum, always enforced.
[retention.ceilings]
chart_event = 200
ui_event = 200
action_trace = 300

[mirror]
enabled = true
# Quiet period after the last mutation before the mirror is rewritten.
debounce = "750ms"
# Consecutive failed writes before background writes pause.
failure_threshold = 5
backoff_timeout = "30s"
export_entries = 2000
export_memories = 500
export_agent_memories = 4000
export_archive = 1000
export_other = 1000

[maintenance]
enabled = true
# Standard 5-field cron specs. Empty disables the job.
archive_spec = "30 3 * * *"
prune_spec = "15 * * * *"
checkpoint_spec = "*/10 * * * *"
# Agent memories untouched for this long move to the archive.
archive_after = "720h"
keep_recent_per_kind = 50
# When set, cached evaluations from other engine versions are pruned.
engine_version = ""

[logging]
# trace, debug, info, warn, error
level = "info"
console = true
json = false
file = true
max_size = 50
max_backups = 5
max_age = 30
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, FileName+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}
