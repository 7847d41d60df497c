package state

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zangezia/fieldsync/pkg/models"
)

type memPersister struct {
	mu   sync.Mutex
	last map[string]any
	err  error
}

func (p *memPersister) SetMeta(_ context.Context, key string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.last == nil {
		p.last = make(map[string]any)
	}
	p.last[key] = value
	return nil
}

func (p *memPersister) get(key string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last[key]
}

func TestSubscribeStartsWithCurrentState(t *testing.T) {
	s := NewSyncStore(nil, models.SyncState{PendingCount: 3})

	ch, cancel := s.Subscribe()
	defer cancel()

	st := <-ch
	assert.Equal(t, 3, st.PendingCount)

	s.AddCounts(1, 0)
	st = <-ch
	assert.Equal(t, 4, st.PendingCount)
}

func TestCancelClosesChannel(t *testing.T) {
	s := NewSyncStore(nil, models.SyncState{})

	ch, cancel := s.Subscribe()
	<-ch
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// publishing after cancel must not panic
	s.AddCounts(1, 0)
}

func TestSlowSubscriberKeepsLatest(t *testing.T) {
	s := NewSyncStore(nil, models.SyncState{})

	ch, cancel := s.Subscribe()
	defer cancel()

	for i := 0; i < 3*subscriberBuffer; i++ {
		s.AddCounts(1, 0)
	}

	var last models.SyncState
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, 3*subscriberBuffer, last.PendingCount)
}

func TestCountsNeverNegative(t *testing.T) {
	s := NewSyncStore(nil, models.SyncState{PendingCount: 1})

	s.AddCounts(-5, -2)
	st := s.Snapshot()
	assert.Zero(t, st.PendingCount)
	assert.Zero(t, st.FailedCount)
}

func TestSyncStoreLifecycle(t *testing.T) {
	p := &memPersister{}
	s := NewSyncStore(p, models.SyncState{Syncing: true, Processed: 2, Total: 5, AuthRequired: true})

	st := s.Snapshot()
	assert.False(t, st.Syncing, "a drain does not survive a restart")
	assert.Zero(t, st.Total)
	assert.True(t, st.AuthRequired)

	s.SetAuthRequired(false)
	s.BeginSync(2)
	s.Advance()
	s.Advance()
	assert.Equal(t, 2, s.Snapshot().Processed)
	assert.True(t, s.Snapshot().Syncing)

	s.EndSync("boom")
	st = s.Snapshot()
	assert.False(t, st.Syncing)
	assert.Equal(t, "boom", st.LastError)
	assert.False(t, st.LastSyncAt.IsZero())

	saved, ok := p.get(SyncStateKey).(models.SyncState)
	require.True(t, ok)
	assert.Equal(t, st, saved)
}

func TestPersistFailureIsNotFatal(t *testing.T) {
	p := &memPersister{err: errors.New("disk full")}
	s := NewSyncStore(p, models.SyncState{})

	s.SetCounts(2, 1)
	assert.Equal(t, 2, s.Snapshot().PendingCount)
	assert.Equal(t, 1, s.Snapshot().FailedCount)
}

func TestWarmupStore(t *testing.T) {
	p := &memPersister{}
	s := NewWarmupStore(p, models.WarmupState{IsWarming: true, Progress: 40})

	st := s.Snapshot()
	assert.False(t, st.IsWarming, "interrupted warm-up is reset")
	assert.Equal(t, 100, st.Progress)

	require.True(t, s.Begin())
	assert.False(t, s.Begin(), "second warm-up is refused")
	assert.Zero(t, s.Snapshot().Progress)

	s.SetProgress(150, "pens")
	assert.Equal(t, 100, s.Snapshot().Progress)
	s.SetProgress(-3, "fields")
	assert.Zero(t, s.Snapshot().Progress)
	assert.Equal(t, "fields", s.Snapshot().CurrentStep)

	s.Finish()
	st = s.Snapshot()
	assert.False(t, st.IsWarming)
	assert.Equal(t, 100, st.Progress)
	assert.Empty(t, st.CurrentStep)
	assert.False(t, st.FinishedAt.IsZero())

	saved, ok := p.get(WarmupStateKey).(models.WarmupState)
	require.True(t, ok)
	assert.Equal(t, st, saved)

	assert.True(t, s.Begin(), "a finished warm-up can start again")
}

func TestNetworkStore(t *testing.T) {
	s := NewNetworkStore()
	assert.False(t, s.Online())
	assert.Equal(t, "not checked yet", s.Snapshot().Reason)

	assert.True(t, s.Set(false, "no route"), "first probe is a change")
	changedAt := s.Snapshot().ChangedAt
	assert.False(t, s.Set(false, "still no route"))
	assert.Equal(t, changedAt, s.Snapshot().ChangedAt)
	assert.Equal(t, "still no route", s.Snapshot().Reason)

	ch, cancel := s.Subscribe()
	defer cancel()
	<-ch

	assert.True(t, s.Set(true, "ok"))
	assert.True(t, s.Online())
	st := <-ch
	assert.True(t, st.Online)
}
