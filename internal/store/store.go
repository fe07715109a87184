// Package store provides the local ledger and agent memory store.
package store

import (
	"context"
	"time"
)

// Ledger is the persistence contract used by the API layer.
type Ledger interface {
	// Ledger entries
	Append(ctx context.Context, e LedgerEntry) (LedgerEntry, error)
	Reserve(ctx context.Context, dedupeKey string, windowMs int64, e LedgerEntry) (ReserveResult, error)
	FindRecent(ctx context.Context, dedupeKey string, windowMs int64, broker string) (LedgerEntry, error)
	Update(ctx context.Context, id string, patch EntryPatch) (LedgerEntry, error)
	List(ctx context.Context, limit int) ([]LedgerEntry, error)
	ListEvents(ctx context.Context, f EventFilter) ([]LedgerEntry, error)

	// Simple memories
	AddMemory(ctx context.Context, m SimpleMemory) (SimpleMemory, error)
	UpdateMemory(ctx context.Context, id string, typ *MemoryType, text *string) (SimpleMemory, error)
	DeleteMemory(ctx context.Context, id string) (bool, error)
	ListMemories(ctx context.Context, limit int) ([]SimpleMemory, error)
	ClearMemories(ctx context.Context) (int64, error)

	// Agent memory
	UpsertAgentMemory(ctx context.Context, rec AgentMemory) (AgentMemory, error)
	GetAgentMemory(ctx context.Context, keyOrID string, touch bool) (AgentMemory, error)
	ListAgentMemory(ctx context.Context, f AgentMemoryFilter) ([]AgentMemory, error)
	DeleteAgentMemory(ctx context.Context, keyOrID string) (bool, error)
	ClearAgentMemory(ctx context.Context, includeArchive bool) (int64, error)
	SetAgentMemoryLocked(ctx context.Context, keyOrID string, locked bool) error
	ArchiveAgentMemories(ctx context.Context, opts ArchiveOptions) (ArchiveResult, error)
	EnforceRetention(ctx context.Context) (RetentionReport, error)

	// Optimizer
	GetOptimizerEvalCache(ctx context.Context, cacheKey string) (OptimizerCacheEntry, error)
	PutOptimizerEvalCache(ctx context.Context, e OptimizerCacheEntry, ttl time.Duration) (OptimizerCacheEntry, error)
	PruneOptimizerEvalCache(ctx context.Context, opts PruneCacheOptions) (PruneCacheResult, error)
	CreateOptimizerWinner(ctx context.Context, w OptimizerWinner) (OptimizerWinner, error)
	GetOptimizerWinner(ctx context.Context, id string) (OptimizerWinner, error)
	ListOptimizerWinners(ctx context.Context, f WinnerFilter) ([]OptimizerWinner, error)

	// Research
	CreateExperimentNote(ctx context.Context, n ExperimentNote) (ExperimentNote, error)
	GetExperimentNote(ctx context.Context, id string) (ExperimentNote, error)
	ListExperimentNotes(ctx context.Context, f ScopeFilter) ([]ExperimentNote, error)
	CreateResearchSession(ctx context.Context, r ResearchSession) (ResearchSession, error)
	GetResearchSession(ctx context.Context, sessionID string) (ResearchSession, error)
	ListResearchSessions(ctx context.Context, f ScopeFilter) ([]ResearchSession, error)
	CreateResearchStep(ctx context.Context, r ResearchStep) (ResearchStep, error)
	GetResearchStep(ctx context.Context, id string) (ResearchStep, error)
	ListResearchSteps(ctx context.Context, sessionID string, limit int) ([]ResearchStep, error)
	CreatePlaybookRun(ctx context.Context, r PlaybookRun) (PlaybookRun, error)
	GetPlaybookRun(ctx context.Context, runID string) (PlaybookRun, error)
	ListPlaybookRuns(ctx context.Context, f PlaybookRunFilter) ([]PlaybookRun, error)

	// Maintenance
	RunRepairs(ctx context.Context) ([]RepairSummary, error)
	RepairStatuses(ctx context.Context) ([]RepairSummary, error)
	MigrateToLatest(ctx context.Context) error
	CurrentVersion(ctx context.Context) (int, error)
	BuildSnapshot(ctx context.Context, limits ExportLimits) (Snapshot, error)
	ImportMirror(ctx context.Context, snap Snapshot) (ImportResult, error)
	Stats(ctx context.Context) (Stats, error)
	Checkpoint(ctx context.Context) error

	// Lifecycle
	Flush(ctx context.Context) error
	Close() error
}

var _ Ledger = (*SQLiteStore)(nil)
