package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "tradedesk/internal/errors"
)

func TestExperimentNotes(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	first, err := s.CreateExperimentNote(ctx, ExperimentNote{
		Symbol: "NIFTY", Timeframe: "15m", Strategy: "vwap",
		Title:   "VWAP reclaim fails on expiry days",
		Payload: Object(map[string]any{"trades": 14.0}),
	})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = s.CreateExperimentNote(ctx, ExperimentNote{Symbol: "INFY", Strategy: "orb", Title: "ORB"})
	require.NoError(t, err)

	got, err := s.GetExperimentNote(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "VWAP reclaim fails on expiry days", got.Title)
	assert.Equal(t, 14.0, got.Payload.Fields["trades"])

	all, err := s.ListExperimentNotes(ctx, ScopeFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "INFY", all[0].Symbol)

	nifty, err := s.ListExperimentNotes(ctx, ScopeFilter{Symbol: "nifty", Timeframe: "15M"})
	require.NoError(t, err)
	require.Len(t, nifty, 1)
	assert.Equal(t, first.ID, nifty[0].ID)

	_, err = s.GetExperimentNote(ctx, "missing")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestResearchSession_UpsertMerges(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	created, err := s.CreateResearchSession(ctx, ResearchSession{
		SessionID: "rs-1",
		Symbol:    "BANKNIFTY",
		Strategy:  "supertrend",
		Status:    "running",
		Payload:   Object(map[string]any{"rounds": 3.0, "objective": "sharpe"}),
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	updated, err := s.CreateResearchSession(ctx, ResearchSession{
		SessionID: "rs-1",
		Status:    "done",
		Payload:   Object(map[string]any{"rounds": 5.0}),
	})
	require.NoError(t, err)
	assert.Equal(t, created.CreatedAtMs, updated.CreatedAtMs)
	assert.Greater(t, updated.UpdatedAtMs, created.UpdatedAtMs)

	got, err := s.GetResearchSession(ctx, "rs-1")
	require.NoError(t, err)
	assert.Equal(t, "BANKNIFTY", got.Symbol)
	assert.Equal(t, "supertrend", got.Strategy)
	assert.Equal(t, "done", got.Status)
	assert.Equal(t, 5.0, got.Payload.Fields["rounds"])
	assert.Equal(t, "sharpe", got.Payload.Fields["objective"])

	_, err = s.CreateResearchSession(ctx, ResearchSession{SessionID: "rs-2", Status: "running"})
	require.NoError(t, err)
	running, err := s.ListResearchSessions(ctx, ScopeFilter{Status: "running"})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "rs-2", running[0].SessionID)
}

func TestResearchSteps_OrderedByIndex(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	for _, idx := range []int{2, 0, 1} {
		_, err := s.CreateResearchStep(ctx, ResearchStep{SessionID: "rs-1", StepIndex: idx, Kind: "eval"})
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}
	_, err := s.CreateResearchStep(ctx, ResearchStep{SessionID: "rs-other", StepIndex: 0})
	require.NoError(t, err)

	steps, err := s.ListResearchSteps(ctx, "rs-1", 0)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, st := range steps {
		assert.Equal(t, i, st.StepIndex)
		assert.Equal(t, "eval", st.Kind)
	}

	_, err = s.CreateResearchStep(ctx, ResearchStep{StepIndex: 0})
	require.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = s.CreateResearchStep(ctx, ResearchStep{SessionID: "rs-1", StepIndex: -1})
	require.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = s.ListResearchSteps(ctx, " ", 0)
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestPlaybookRuns(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	run, err := s.CreatePlaybookRun(ctx, PlaybookRun{
		PlaybookID: "opening-drive",
		Symbol:     "NIFTY",
		Status:     "started",
		Payload:    Object(map[string]any{"step": "scan"}),
	})
	require.NoError(t, err)
	require.NotEmpty(t, run.RunID)

	clock.Advance(time.Second)
	_, err = s.CreatePlaybookRun(ctx, PlaybookRun{
		RunID:   run.RunID,
		Status:  "completed",
		Payload: Object(map[string]any{"pnl": 1250.0}),
	})
	require.NoError(t, err)
	_, err = s.CreatePlaybookRun(ctx, PlaybookRun{PlaybookID: "mean-revert", Symbol: "TCS", Status: "started"})
	require.NoError(t, err)

	got, err := s.GetPlaybookRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, "opening-drive", got.PlaybookID)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, run.CreatedAtMs, got.CreatedAtMs)
	assert.Equal(t, "scan", got.Payload.Fields["step"])
	assert.Equal(t, 1250.0, got.Payload.Fields["pnl"])

	byPlaybook, err := s.ListPlaybookRuns(ctx, PlaybookRunFilter{PlaybookID: "opening-drive"})
	require.NoError(t, err)
	require.Len(t, byPlaybook, 1)

	started, err := s.ListPlaybookRuns(ctx, PlaybookRunFilter{Status: "started"})
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, "TCS", started[0].Symbol)
}

func TestSimpleMemories(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	win, err := s.AddMemory(ctx, SimpleMemory{Type: "win", Text: "  Trailed stop after 1R  "})
	require.NoError(t, err)
	assert.Equal(t, MemoryWin, win.Type)
	assert.Equal(t, "Trailed stop after 1R", win.Text)

	clock.Advance(time.Second)
	loss, err := s.AddMemory(ctx, SimpleMemory{Type: MemoryLoss, Text: "Chased a gap"})
	require.NoError(t, err)

	_, err = s.AddMemory(ctx, SimpleMemory{Type: "draw", Text: "x"})
	require.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = s.AddMemory(ctx, SimpleMemory{Type: MemoryWin, Text: " "})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	clock.Advance(time.Second)
	text := "Chased a gap on expiry"
	updated, err := s.UpdateMemory(ctx, loss.ID, nil, &text)
	require.NoError(t, err)
	assert.Equal(t, MemoryLoss, updated.Type)
	assert.Equal(t, text, updated.Text)
	assert.Equal(t, loss.CreatedAtMs, updated.CreatedAtMs)

	list, err := s.ListMemories(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, loss.ID, list[0].ID)

	missing := MemoryWin
	_, err = s.UpdateMemory(ctx, "nope", &missing, nil)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	deleted, err := s.DeleteMemory(ctx, win.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteMemory(ctx, win.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	n, err := s.ClearMemories(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
