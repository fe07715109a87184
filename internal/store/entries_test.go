package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "tradedesk/internal/errors"
)

func TestAppend_AssignsIdentityAndSymbol(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	e, err := s.Append(ctx, LedgerEntry{
		Kind:    "order",
		Status:  "submitted",
		Broker:  "zerodha",
		Payload: Object(map[string]any{"symbol": "TCS", "side": "BUY", "price": 3500.5}),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, StatusSubmitted, e.Status)
	assert.Equal(t, "TCS", e.Symbol)
	assert.Equal(t, clock.Now().UnixMilli(), e.CreatedAtMs)

	order := e.Order()
	assert.Equal(t, "BUY", order.Side)
	assert.Equal(t, "3500.5", order.Price.String())
}

func TestList_NewestFirstAndFilters(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	for i, sym := range []string{"INFY", "TCS", "INFY"} {
		_, err := s.Append(ctx, LedgerEntry{Kind: "fill", Symbol: sym, Broker: "paper", Payload: Object(map[string]any{"n": i})})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, float64(2), all[0].Payload.Fields["n"])

	infy, err := s.ListEvents(ctx, EventFilter{Symbol: "infy", OldestFirst: true})
	require.NoError(t, err)
	require.Len(t, infy, 2)
	assert.Equal(t, float64(0), infy[0].Payload.Fields["n"])
}

func TestAppend_EnforcesCap(t *testing.T) {
	s, clock := openTestStore(t, func(o *Options) { o.Limits.Entries = 3 })
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		e, err := s.Append(ctx, LedgerEntry{Kind: "event"})
		require.NoError(t, err)
		ids = append(ids, e.ID)
		clock.Advance(time.Millisecond)
	}
	list, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[4], list[0].ID)
	assert.Equal(t, ids[2], list[2].ID)
}

func TestReserve_IsIdempotentWithinWindow(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()
	window := time.Minute.Milliseconds()

	first, err := s.Reserve(ctx, "sig-1:BUY", window, LedgerEntry{Kind: "order", Broker: "zerodha"})
	require.NoError(t, err)
	require.True(t, first.Reserved)
	assert.Equal(t, StatusPending, first.Entry.Status)

	clock.Advance(10 * time.Second)
	second, err := s.Reserve(ctx, "sig-1:BUY", window, LedgerEntry{Kind: "order"})
	require.NoError(t, err)
	assert.False(t, second.Reserved)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)

	found, err := s.FindRecent(ctx, "sig-1:BUY", window, "ZERODHA")
	require.NoError(t, err)
	assert.Equal(t, first.Entry.ID, found.ID)

	_, err = s.FindRecent(ctx, "sig-1:BUY", window, "paper")
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	clock.Advance(time.Minute)
	third, err := s.Reserve(ctx, "sig-1:BUY", window, LedgerEntry{Kind: "order"})
	require.NoError(t, err)
	assert.True(t, third.Reserved)
	assert.NotEqual(t, first.Entry.ID, third.Entry.ID)
}

func TestReserve_TerminalStatusReleases(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	first, err := s.Reserve(ctx, "k", 0, LedgerEntry{Kind: "order"})
	require.NoError(t, err)
	require.True(t, first.Reserved)

	rejected := StatusRejected
	_, err = s.Update(ctx, first.Entry.ID, EntryPatch{Status: &rejected})
	require.NoError(t, err)

	again, err := s.Reserve(ctx, "k", 0, LedgerEntry{Kind: "order"})
	require.NoError(t, err)
	assert.True(t, again.Reserved)
}

func TestReserve_RequiresKey(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Reserve(context.Background(), "  ", 0, LedgerEntry{})
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestReserve_ConcurrentCallersGetOneReservation(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
		ids      = map[string]bool{}
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Reserve(ctx, "race", 0, LedgerEntry{Kind: "order"})
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Reserved {
				reserved++
			}
			ids[res.Entry.ID] = true
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, reserved)
	assert.Len(t, ids, 1)
}

func TestUpdate_MergesPayloadAndKeepsCreatedAt(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	e, err := s.Append(ctx, LedgerEntry{Kind: "order", Payload: Object(map[string]any{"qty": 10.0, "side": "BUY"})})
	require.NoError(t, err)

	clock.Advance(time.Second)
	filled := StatusFilled
	out, err := s.Update(ctx, e.ID, EntryPatch{
		Status:  &filled,
		Payload: Object(map[string]any{"qty": 5.0, "fillPrice": 101.25}),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, out.Status)
	assert.Equal(t, e.CreatedAtMs, out.CreatedAtMs)
	assert.Greater(t, out.UpdatedAtMs, e.UpdatedAtMs)
	assert.Equal(t, 5.0, out.Payload.Fields["qty"])
	assert.Equal(t, "BUY", out.Payload.Fields["side"])
	assert.Equal(t, 101.25, out.Payload.Fields["fillPrice"])

	_, err = s.Update(ctx, "missing", EntryPatch{Status: &filled})
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

// Property: any sequence of reservations on the same key inside one window
// produces exactly one reserved entry.
func TestProperty_ReservationIdempotence(t *testing.T) {
	s, clock := openTestStore(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	round := 0
	properties.Property("one reservation per key and window", prop.ForAll(
		func(attempts int, stepMs int64) bool {
			round++
			key := fmt.Sprintf("prop-%d", round)
			window := int64(60_000)
			reserved := 0
			var firstID string
			for i := 0; i < attempts; i++ {
				res, err := s.Reserve(ctx, key, window, LedgerEntry{Kind: "order"})
				if err != nil {
					return false
				}
				if res.Reserved {
					reserved++
				}
				if firstID == "" {
					firstID = res.Entry.ID
				} else if res.Entry.ID != firstID {
					return false
				}
				clock.Advance(time.Duration(stepMs) * time.Millisecond)
			}
			// Move past the window so the next round starts clean.
			clock.Advance(2 * time.Minute)
			return reserved == 1
		},
		gen.IntRange(1, 6),
		gen.Int64Range(0, 5_000),
	))

	properties.TestingRun(t)
}
