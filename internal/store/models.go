package store

// EntryStatus is the lifecycle status of a ledger entry.
type EntryStatus string

const (
	StatusPending   EntryStatus = "PENDING"
	StatusSubmitted EntryStatus = "SUBMITTED"
	StatusOpen      EntryStatus = "OPEN"
	StatusFilled    EntryStatus = "FILLED"
	StatusRejected  EntryStatus = "REJECTED"
	StatusCancelled EntryStatus = "CANCELLED"
	StatusClosed    EntryStatus = "CLOSED"
)

// IsTerminal reports whether the status ends a reservation.
func (s EntryStatus) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusClosed:
		return true
	}
	return false
}

// LedgerEntry is one trade, execution or system event.
type LedgerEntry struct {
	ID          string      `json:"id"`
	DedupeKey   string      `json:"dedupeKey,omitempty"`
	Kind        string      `json:"kind,omitempty"`
	Status      EntryStatus `json:"status,omitempty"`
	Broker      string      `json:"broker,omitempty"`
	Source      string      `json:"source,omitempty"`
	Symbol      string      `json:"symbol,omitempty"`
	CreatedAtMs int64       `json:"createdAtMs"`
	UpdatedAtMs int64       `json:"updatedAtMs"`
	Payload     Payload     `json:"payload"`
}

// EntryPatch holds the fields an update may change. Nil fields are left alone;
// Payload fields are merged onto the stored payload.
type EntryPatch struct {
	DedupeKey *string      `json:"dedupeKey,omitempty"`
	Kind      *string      `json:"kind,omitempty"`
	Status    *EntryStatus `json:"status,omitempty"`
	Broker    *string      `json:"broker,omitempty"`
	Source    *string      `json:"source,omitempty"`
	Symbol    *string      `json:"symbol,omitempty"`
	Payload   Payload      `json:"payload"`
}

// ReserveResult is the outcome of a reservation attempt.
type ReserveResult struct {
	Reserved bool        `json:"reserved"`
	Entry    LedgerEntry `json:"entry"`
}

// MemoryType classifies a simple lesson.
type MemoryType string

const (
	MemoryWin  MemoryType = "WIN"
	MemoryLoss MemoryType = "LOSS"
)

// SimpleMemory is a free-text win/loss lesson.
type SimpleMemory struct {
	ID          string     `json:"id"`
	Type        MemoryType `json:"type"`
	Text        string     `json:"text"`
	CreatedAtMs int64      `json:"createdAtMs"`
	UpdatedAtMs int64      `json:"updatedAtMs"`
}

// AgentMemory is a tagged knowledge unit used by the trading assistant.
type AgentMemory struct {
	ID               string   `json:"id"`
	Key              string   `json:"key"`
	FamilyKey        string   `json:"familyKey,omitempty"`
	Kind             Kind     `json:"kind,omitempty"`
	Symbol           string   `json:"symbol,omitempty"`
	Timeframe        string   `json:"timeframe,omitempty"`
	Summary          string   `json:"summary,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	Payload          Payload  `json:"payload"`
	Source           string   `json:"source,omitempty"`
	Locked           bool     `json:"locked,omitempty"`
	CreatedAtMs      int64    `json:"createdAtMs"`
	UpdatedAtMs      int64    `json:"updatedAtMs"`
	LastAccessedAtMs int64    `json:"lastAccessedAtMs,omitempty"`
	ArchivedAtMs     int64    `json:"archivedAtMs,omitempty"`
}

// Archived reports whether the record came from the archive tier.
func (m AgentMemory) Archived() bool {
	return m.ArchivedAtMs > 0
}

// OptimizerCacheEntry memoizes an expensive optimizer evaluation.
type OptimizerCacheEntry struct {
	CacheKey      string         `json:"cacheKey"`
	Payload       map[string]any `json:"payload"`
	EngineVersion string         `json:"engineVersion,omitempty"`
	CreatedAtMs   int64          `json:"createdAtMs"`
	UpdatedAtMs   int64          `json:"updatedAtMs"`
	ExpiresAtMs   int64          `json:"expiresAtMs,omitempty"`
}

// ExperimentNote records a research observation.
type ExperimentNote struct {
	ID          string  `json:"id"`
	Symbol      string  `json:"symbol,omitempty"`
	Timeframe   string  `json:"timeframe,omitempty"`
	Strategy    string  `json:"strategy,omitempty"`
	Title       string  `json:"title,omitempty"`
	Payload     Payload `json:"payload"`
	CreatedAtMs int64   `json:"createdAtMs"`
	UpdatedAtMs int64   `json:"updatedAtMs"`
}

// OptimizerWinner is the best parameter set found in an optimizer round.
type OptimizerWinner struct {
	ID          string  `json:"id"`
	SessionID   string  `json:"sessionId,omitempty"`
	Round       int     `json:"round"`
	Symbol      string  `json:"symbol,omitempty"`
	Timeframe   string  `json:"timeframe,omitempty"`
	Strategy    string  `json:"strategy,omitempty"`
	Payload     Payload `json:"payload"`
	CreatedAtMs int64   `json:"createdAtMs"`
	UpdatedAtMs int64   `json:"updatedAtMs"`
}

// ResearchSession groups research steps for one investigation.
type ResearchSession struct {
	SessionID   string  `json:"sessionId"`
	Symbol      string  `json:"symbol,omitempty"`
	Timeframe   string  `json:"timeframe,omitempty"`
	Strategy    string  `json:"strategy,omitempty"`
	Status      string  `json:"status,omitempty"`
	Payload     Payload `json:"payload"`
	CreatedAtMs int64   `json:"createdAtMs"`
	UpdatedAtMs int64   `json:"updatedAtMs"`
}

// ResearchStep is one step inside a research session.
type ResearchStep struct {
	ID          string  `json:"id"`
	SessionID   string  `json:"sessionId"`
	StepIndex   int     `json:"stepIndex"`
	Kind        string  `json:"kind,omitempty"`
	Payload     Payload `json:"payload"`
	CreatedAtMs int64   `json:"createdAtMs"`
	UpdatedAtMs int64   `json:"updatedAtMs"`
}

// PlaybookRun records one execution of an automation playbook.
type PlaybookRun struct {
	RunID       string  `json:"runId"`
	PlaybookID  string  `json:"playbookId,omitempty"`
	Symbol      string  `json:"symbol,omitempty"`
	Timeframe   string  `json:"timeframe,omitempty"`
	Status      string  `json:"status,omitempty"`
	Payload     Payload `json:"payload"`
	CreatedAtMs int64   `json:"createdAtMs"`
	UpdatedAtMs int64   `json:"updatedAtMs"`
}

// Stats summarises the store for diagnostics.
type Stats struct {
	Engine        string           `json:"engine"`
	Path          string           `json:"path"`
	SchemaVersion int              `json:"schemaVersion"`
	Counts        map[string]int64 `json:"counts"`
	LastError     string           `json:"lastError,omitempty"`
	LastErrorAtMs int64            `json:"lastErrorAtMs,omitempty"`
	Mirror        MirrorState      `json:"mirror"`
	DiskFreeBytes uint64           `json:"diskFreeBytes,omitempty"`
	Adopted       bool             `json:"adopted,omitempty"`
}
