package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "tradedesk/internal/errors"
)

func TestSerializer_RunsInSubmissionOrder(t *testing.T) {
	q := NewSerializer(0)
	defer q.Close()

	var order []int
	for i := 0; i < 20; i++ {
		i := i
		require.NoError(t, q.Do(context.Background(), func() error {
			order = append(order, i)
			return nil
		}))
	}
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSerializer_NeverOverlaps(t *testing.T) {
	q := NewSerializer(8)
	defer q.Close()

	var inFlight, maxSeen atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), func() error {
				n := inFlight.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, 0, q.Pending())
}

func TestSerializer_RecoversPanics(t *testing.T) {
	q := NewSerializer(0)
	defer q.Close()

	err := q.Do(context.Background(), func() error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	require.NoError(t, q.Do(context.Background(), func() error { return nil }))
}

func TestSerializer_ClosedRejects(t *testing.T) {
	q := NewSerializer(0)
	q.Close()
	q.Close()
	err := q.Do(context.Background(), func() error { return nil })
	require.ErrorIs(t, err, apperrors.ErrClosed)
}

func TestSerializer_CancelledBeforeAccepted(t *testing.T) {
	q := NewSerializer(0)
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.Do(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := q.Do(ctx, func() error { ran = true; return nil })
	close(release)

	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}
