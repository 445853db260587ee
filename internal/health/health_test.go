package health_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ramazulay/email-relay/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStateStartsInStarting(t *testing.T) {
	t.Parallel()
	snap := health.NewState().Snapshot()

	assert.Equal(t, health.StatusStarting, snap.Status)
	assert.Nil(t, snap.LastPoll)
	assert.Zero(t, snap.MessagesProcessed)
}

func TestMarkPolled(t *testing.T) {
	t.Parallel()
	s := health.NewState()
	s.SetStatus(health.StatusUnhealthy)
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	s.MarkPolled(at)

	snap := s.Snapshot()
	assert.Equal(t, health.StatusHealthy, snap.Status)
	require.NotNil(t, snap.LastPoll)
	assert.True(t, at.Equal(*snap.LastPoll))
}

func TestSnapshotJSON(t *testing.T) {
	t.Parallel()
	s := health.NewState()
	s.AddProcessed(3)

	data, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)

	assert.JSONEq(t, `{"status":"starting","last_poll":null,"messages_processed":3}`, string(data))
}

func TestConcurrentReadsAndWrites(t *testing.T) {
	t.Parallel()
	s := health.NewState()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			s.AddProcessed(1)
			s.MarkPolled(time.Now())
			s.SetStatus(health.StatusUnhealthy)
		}
	}()
	go func() {
		defer wg.Done()
		var last uint64
		for i := 0; i < 1000; i++ {
			snap := s.Snapshot()
			assert.GreaterOrEqual(t, snap.MessagesProcessed, last)
			last = snap.MessagesProcessed
		}
	}()
	wg.Wait()

	assert.Equal(t, uint64(1000), s.Snapshot().MessagesProcessed)
}
