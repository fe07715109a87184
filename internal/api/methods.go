package api

import (
	"context"
	"time"

	"tradedesk/internal/store"
)

// Method params. Field names follow the JSON the desktop client sends.

type reserveParams struct {
	DedupeKey string            `json:"dedupeKey"`
	WindowMs  int64             `json:"windowMs"`
	Entry     store.LedgerEntry `json:"entry"`
}

type findRecentParams struct {
	DedupeKey string `json:"dedupeKey"`
	WindowMs  int64  `json:"windowMs"`
	Broker    string `json:"broker"`
}

type updateParams struct {
	ID    string           `json:"id"`
	Patch store.EntryPatch `json:"patch"`
}

type limitParams struct {
	Limit int `json:"limit"`
}

type eventParams struct {
	Kind        string            `json:"kind"`
	Status      store.EntryStatus `json:"status"`
	Broker      string            `json:"broker"`
	Symbol      string            `json:"symbol"`
	Source      string            `json:"source"`
	DedupeKey   string            `json:"dedupeKey"`
	SinceMs     int64             `json:"sinceMs"`
	UntilMs     int64             `json:"untilMs"`
	Limit       int               `json:"limit"`
	OldestFirst bool              `json:"oldestFirst"`
}

type idParams struct {
	ID string `json:"id"`
}

type updateMemoryParams struct {
	ID   string            `json:"id"`
	Type *store.MemoryType `json:"type"`
	Text *string           `json:"text"`
}

type getAgentMemoryParams struct {
	Key   string `json:"key"`
	ID    string `json:"id"`
	Touch bool   `json:"touch"`
}

func (p getAgentMemoryParams) keyOrID() string {
	if p.Key != "" {
		return p.Key
	}
	return p.ID
}

type agentFilterParams struct {
	Symbol          string     `json:"symbol"`
	Timeframe       string     `json:"timeframe"`
	Kind            store.Kind `json:"kind"`
	Tags            []string   `json:"tags"`
	UpdatedAfterMs  int64      `json:"updatedAfterMs"`
	Limit           int        `json:"limit"`
	IncludeArchived bool       `json:"includeArchived"`
}

type clearAgentParams struct {
	IncludeArchive bool `json:"includeArchive"`
}

type lockParams struct {
	Key    string `json:"key"`
	ID     string `json:"id"`
	Locked bool   `json:"locked"`
}

type archiveParams struct {
	CutoffMs          int64        `json:"cutoffMs"`
	OlderThanMs       int64        `json:"olderThanMs"`
	Kinds             []store.Kind `json:"kinds"`
	KeepRecentPerKind int          `json:"keepRecentPerKind"`
	IncludeLocked     bool         `json:"includeLocked"`
}

type cacheKeyParams struct {
	CacheKey string `json:"cacheKey"`
}

type putCacheParams struct {
	store.OptimizerCacheEntry
	TTLMs int64 `json:"ttlMs"`
}

type pruneCacheParams struct {
	MaxEntries    int    `json:"maxEntries"`
	EngineVersion string `json:"engineVersion"`
}

type winnerFilterParams struct {
	SessionID string `json:"sessionId"`
	Round     *int   `json:"round"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Strategy  string `json:"strategy"`
	Limit     int    `json:"limit"`
}

type scopeParams struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Strategy  string `json:"strategy"`
	Status    string `json:"status"`
	Limit     int    `json:"limit"`
}

func (p scopeParams) filter() store.ScopeFilter {
	return store.ScopeFilter{Symbol: p.Symbol, Timeframe: p.Timeframe, Strategy: p.Strategy, Status: p.Status, Limit: p.Limit}
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit"`
}

type runIDParams struct {
	RunID string `json:"runId"`
}

type runFilterParams struct {
	PlaybookID string `json:"playbookId"`
	Symbol     string `json:"symbol"`
	Timeframe  string `json:"timeframe"`
	Status     string `json:"status"`
	Limit      int    `json:"limit"`
}

type none struct{}

type deleted struct {
	Deleted bool `json:"deleted"`
}

type cleared struct {
	Cleared int64 `json:"cleared"`
}

var methods map[string]handler

func init() {
	methods = map[string]handler{
		// Ledger entries
		"append": bind(func(ctx context.Context, s *Service, e store.LedgerEntry) (any, error) {
			return s.ledger.Append(ctx, e)
		}),
		"reserve": bind(func(ctx context.Context, s *Service, p reserveParams) (any, error) {
			return s.ledger.Reserve(ctx, p.DedupeKey, p.WindowMs, p.Entry)
		}),
		"findRecent": bind(func(ctx context.Context, s *Service, p findRecentParams) (any, error) {
			return s.ledger.FindRecent(ctx, p.DedupeKey, p.WindowMs, p.Broker)
		}),
		"update": bind(func(ctx context.Context, s *Service, p updateParams) (any, error) {
			return s.ledger.Update(ctx, p.ID, p.Patch)
		}),
		"list": bind(func(ctx context.Context, s *Service, p limitParams) (any, error) {
			return s.ledger.List(ctx, p.Limit)
		}),
		"listEvents": bind(func(ctx context.Context, s *Service, p eventParams) (any, error) {
			return s.ledger.ListEvents(ctx, store.EventFilter{
				Kind: p.Kind, Status: p.Status, Broker: p.Broker, Symbol: p.Symbol, Source: p.Source,
				DedupeKey: p.DedupeKey, SinceMs: p.SinceMs, UntilMs: p.UntilMs, Limit: p.Limit, OldestFirst: p.OldestFirst,
			})
		}),

		// Simple memories
		"addMemory": bind(func(ctx context.Context, s *Service, m store.SimpleMemory) (any, error) {
			return s.ledger.AddMemory(ctx, m)
		}),
		"updateMemory": bind(func(ctx context.Context, s *Service, p updateMemoryParams) (any, error) {
			return s.ledger.UpdateMemory(ctx, p.ID, p.Type, p.Text)
		}),
		"deleteMemory": bind(func(ctx context.Context, s *Service, p idParams) (any, error) {
			ok, err := s.ledger.DeleteMemory(ctx, p.ID)
			return deleted{ok}, err
		}),
		"listMemories": bind(func(ctx context.Context, s *Service, p limitParams) (any, error) {
			return s.ledger.ListMemories(ctx, p.Limit)
		}),
		"clearMemories": bind(func(ctx context.Context, s *Service, _ none) (any, error) {
			n, err := s.ledger.ClearMemories(ctx)
			return cleared{n}, err
		}),

		// Agent memory
		"upsertAgentMemory": bind(func(ctx context.Context, s *Service, m store.AgentMemory) (any, error) {
			return s.ledger.UpsertAgentMemory(ctx, m)
		}),
		"getAgentMemory": bind(func(ctx context.Context, s *Service, p getAgentMemoryParams) (any, error) {
			return s.ledger.GetAgentMemory(ctx, p.keyOrID(), p.Touch)
		}),
		"listAgentMemory": bind(func(ctx context.Context, s *Service, p agentFilterParams) (any, error) {
			return s.ledger.ListAgentMemory(ctx, store.AgentMemoryFilter{
				Symbol: p.Symbol, Timeframe: p.Timeframe, Kind: p.Kind, Tags: p.Tags,
				UpdatedAfterMs: p.UpdatedAfterMs, Limit: p.Limit, IncludeArchived: p.IncludeArchived,
			})
		}),
		"deleteAgentMemory": bind(func(ctx context.Context, s *Service, p getAgentMemoryParams) (any, error) {
			ok, err := s.ledger.DeleteAgentMemory(ctx, p.keyOrID())
			return deleted{ok}, err
		}),
		"clearAgentMemory": bind(func(ctx context.Context, s *Service, p clearAgentParams) (any, error) {
			n, err := s.ledger.ClearAgentMemory(ctx, p.IncludeArchive)
			return cleared{n}, err
		}),
		"setAgentMemoryLocked": bind(func(ctx context.Context, s *Service, p lockParams) (any, error) {
			key := p.Key
			if key == "" {
				key = p.ID
			}
			return nil, s.ledger.SetAgentMemoryLocked(ctx, key, p.Locked)
		}),
		"archiveAgentMemories": bind(func(ctx context.Context, s *Service, p archiveParams) (any, error) {
			cutoff := p.CutoffMs
			if cutoff <= 0 && p.OlderThanMs > 0 {
				cutoff = time.Now().UnixMilli() - p.OlderThanMs
			}
			return s.ledger.ArchiveAgentMemories(ctx, store.ArchiveOptions{
				CutoffMs: cutoff, Kinds: p.Kinds, KeepRecentPerKind: p.KeepRecentPerKind, IncludeLocked: p.IncludeLocked,
			})
		}),
		"enforceRetention": bind(func(ctx context.Context, s *Service, _ none) (any, error) {
			return s.ledger.EnforceRetention(ctx)
		}),

		// Optimizer
		"getOptimizerEvalCache": bind(func(ctx context.Context, s *Service, p cacheKeyParams) (any, error) {
			return s.ledger.GetOptimizerEvalCache(ctx, p.CacheKey)
		}),
		"putOptimizerEvalCache": bind(func(ctx context.Context, s *Service, p putCacheParams) (any, error) {
			return s.ledger.PutOptimizerEvalCache(ctx, p.OptimizerCacheEntry, time.Duration(p.TTLMs)*time.Millisecond)
		}),
		"pruneOptimizerEvalCache": bind(func(ctx context.Context, s *Service, p pruneCacheParams) (any, error) {
			return s.ledger.PruneOptimizerEvalCache(ctx, store.PruneCacheOptions{MaxEntries: p.MaxEntries, EngineVersion: p.EngineVersion})
		}),
		"createOptimizerWinner": bind(func(ctx context.Context, s *Service, w store.OptimizerWinner) (any, error) {
			return s.ledger.CreateOptimizerWinner(ctx, w)
		}),
		"getOptimizerWinner": bind(func(ctx context.Context, s *Service, p idParams) (any, error) {
			return s.ledger.GetOptimizerWinner(ctx, p.ID)
		}),
		"listOptimizerWinners": bind(func(ctx context.Context, s *Service, p winnerFilterParams) (any, error) {
			return s.ledger.ListOptimizerWinners(ctx, store.WinnerFilter{
				SessionID: p.SessionID, Round: p.Round, Symbol: p.Symbol, Timeframe: p.Timeframe, Strategy: p.Strategy, Limit: p.Limit,
			})
		}),

		// Research
		"createExperimentNote": bind(func(ctx context.Context, s *Service, n store.ExperimentNote) (any, error) {
			return s.ledger.CreateExperimentNote(ctx, n)
		}),
		"getExperimentNote": bind(func(ctx context.Context, s *Service, p idParams) (any, error) {
			return s.ledger.GetExperimentNote(ctx, p.ID)
		}),
		"listExperimentNotes": bind(func(ctx context.Context, s *Service, p scopeParams) (any, error) {
			return s.ledger.ListExperimentNotes(ctx, p.filter())
		}),
		"createResearchSession": bind(func(ctx context.Context, s *Service, r store.ResearchSession) (any, error) {
			return s.ledger.CreateResearchSession(ctx, r)
		}),
		"getResearchSession": bind(func(ctx context.Context, s *Service, p sessionIDParams) (any, error) {
			return s.ledger.GetResearchSession(ctx, p.SessionID)
		}),
		"listResearchSessions": bind(func(ctx context.Context, s *Service, p scopeParams) (any, error) {
			return s.ledger.ListResearchSessions(ctx, p.filter())
		}),
		"createResearchStep": bind(func(ctx context.Context, s *Service, r store.ResearchStep) (any, error) {
			return s.ledger.CreateResearchStep(ctx, r)
		}),
		"getResearchStep": bind(func(ctx context.Context, s *Service, p idParams) (any, error) {
			return s.ledger.GetResearchStep(ctx, p.ID)
		}),
		"listResearchSteps": bind(func(ctx context.Context, s *Service, p sessionIDParams) (any, error) {
			return s.ledger.ListResearchSteps(ctx, p.SessionID, p.Limit)
		}),
		"createPlaybookRun": bind(func(ctx context.Context, s *Service, r store.PlaybookRun) (any, error) {
			return s.ledger.CreatePlaybookRun(ctx, r)
		}),
		"getPlaybookRun": bind(func(ctx context.Context, s *Service, p runIDParams) (any, error) {
			return s.ledger.GetPlaybookRun(ctx, p.RunID)
		}),
		"listPlaybookRuns": bind(func(ctx context.Context, s *Service, p runFilterParams) (any, error) {
			return s.ledger.ListPlaybookRuns(ctx, store.PlaybookRunFilter{
				PlaybookID: p.PlaybookID, Symbol: p.Symbol, Timeframe: p.Timeframe, Status: p.Status, Limit: p.Limit,
			})
		}),

		// Diagnostics and lifecycle
		"stats": bind(func(ctx context.Context, s *Service, _ none) (any, error) {
			return s.ledger.Stats(ctx)
		}),
		"repairStatus": bind(func(ctx context.Context, s *Service, _ none) (any, error) {
			return s.ledger.RepairStatuses(ctx)
		}),
		"flush":     bind(flush),
		"flushSync": bind(flush),
	}
}

// flush checkpoints the engine and writes the mirror before returning.
func flush(ctx context.Context, s *Service, _ none) (any, error) {
	return nil, s.ledger.Flush(ctx)
}
