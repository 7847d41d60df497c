package state

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zangezia/fieldsync/pkg/models"
)

// Meta keys the stores persist under
const (
	SyncStateKey   = "sync_state"
	WarmupStateKey = "warmup_state"
)

// Persister saves a snapshot under a stable key
type Persister interface {
	SetMeta(ctx context.Context, key string, value any) error
}

const subscriberBuffer = 8

// broadcaster fans snapshots out to subscribers without blocking the writer.
// A subscriber that falls behind loses intermediate snapshots, never the latest.
type broadcaster[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
}

func (b *broadcaster[T]) subscribe(current T) (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[int]chan T)
	}
	id := b.next
	b.next++

	ch := make(chan T, subscriberBuffer)
	ch <- current
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *broadcaster[T]) publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			// full: drop the oldest so the newest always lands
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

func persist(p Persister, key string, v any) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.SetMeta(ctx, key, v); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to persist state")
	}
}

// SyncStore holds the SyncState shown by the sync indicator. Counts are
// written by the queue, progress and flags by the sync engine.
type SyncStore struct {
	mu    sync.RWMutex
	state models.SyncState
	p     Persister
	b     broadcaster[models.SyncState]
}

// NewSyncStore creates a store seeded with initial
func NewSyncStore(p Persister, initial models.SyncState) *SyncStore {
	// a drain cannot survive a restart
	initial.Syncing = false
	initial.Processed, initial.Total = 0, 0
	return &SyncStore{state: initial, p: p}
}

// Snapshot returns the current state
func (s *SyncStore) Snapshot() models.SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe returns a channel receiving every state change, starting with the
// current state, and a cancel func that closes it.
func (s *SyncStore) Subscribe() (<-chan models.SyncState, func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.b.subscribe(s.state)
}

func (s *SyncStore) update(fn func(st *models.SyncState)) {
	s.mu.Lock()
	fn(&s.state)
	if s.state.PendingCount < 0 {
		s.state.PendingCount = 0
	}
	if s.state.FailedCount < 0 {
		s.state.FailedCount = 0
	}
	snap := s.state
	s.b.publish(snap)
	s.mu.Unlock()

	persist(s.p, SyncStateKey, snap)
}

// SetCounts replaces the pending and failed counts
func (s *SyncStore) SetCounts(pending, failed int) {
	s.update(func(st *models.SyncState) {
		st.PendingCount = pending
		st.FailedCount = failed
	})
}

// AddCounts adjusts the pending and failed counts by the given deltas
func (s *SyncStore) AddCounts(pending, failed int) {
	s.update(func(st *models.SyncState) {
		st.PendingCount += pending
		st.FailedCount += failed
	})
}

// BeginSync marks a drain as running over total entries
func (s *SyncStore) BeginSync(total int) {
	s.update(func(st *models.SyncState) {
		st.Syncing = true
		st.Processed = 0
		st.Total = total
	})
}

// Advance records one more processed entry
func (s *SyncStore) Advance() {
	s.update(func(st *models.SyncState) {
		st.Processed++
	})
}

// EndSync marks the drain finished; lastErr is empty on a clean drain
func (s *SyncStore) EndSync(lastErr string) {
	s.update(func(st *models.SyncState) {
		st.Syncing = false
		st.LastSyncAt = time.Now()
		st.LastError = lastErr
	})
}

// SetAuthRequired flags (or clears) the need to re-authenticate
func (s *SyncStore) SetAuthRequired(required bool) {
	s.update(func(st *models.SyncState) {
		st.AuthRequired = required
	})
}

// WarmupStore holds the WarmupState shown by the warm-up indicator
type WarmupStore struct {
	mu    sync.RWMutex
	state models.WarmupState
	p     Persister
	b     broadcaster[models.WarmupState]
}

// NewWarmupStore creates a store seeded with initial
func NewWarmupStore(p Persister, initial models.WarmupState) *WarmupStore {
	if initial.IsWarming {
		// interrupted by a restart
		initial.IsWarming = false
		initial.Progress = 100
	}
	return &WarmupStore{state: initial, p: p}
}

// Snapshot returns the current state
func (s *WarmupStore) Snapshot() models.WarmupState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe works like SyncStore.Subscribe
func (s *WarmupStore) Subscribe() (<-chan models.WarmupState, func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.b.subscribe(s.state)
}

func (s *WarmupStore) update(fn func(st *models.WarmupState) bool) bool {
	s.mu.Lock()
	if !fn(&s.state) {
		s.mu.Unlock()
		return false
	}
	snap := s.state
	s.b.publish(snap)
	s.mu.Unlock()

	persist(s.p, WarmupStateKey, snap)
	return true
}

// Begin starts a warm-up. It returns false when one is already running.
func (s *WarmupStore) Begin() bool {
	return s.update(func(st *models.WarmupState) bool {
		if st.IsWarming {
			return false
		}
		*st = models.WarmupState{
			IsWarming: true,
			Progress:  0,
			StartedAt: time.Now(),
		}
		return true
	})
}

// SetProgress records progress (clamped to 0..100) and the current step label
func (s *WarmupStore) SetProgress(progress int, step string) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	s.update(func(st *models.WarmupState) bool {
		st.Progress = progress
		st.CurrentStep = step
		return true
	})
}

// Finish ends the warm-up
func (s *WarmupStore) Finish() {
	s.update(func(st *models.WarmupState) bool {
		st.IsWarming = false
		st.Progress = 100
		st.CurrentStep = ""
		st.FinishedAt = time.Now()
		return true
	})
}

// NetworkStore holds the NetworkState shown by the network indicator
type NetworkStore struct {
	mu    sync.RWMutex
	state models.NetworkState
	b     broadcaster[models.NetworkState]
}

// NewNetworkStore creates a store that starts offline until the first probe
func NewNetworkStore() *NetworkStore {
	return &NetworkStore{state: models.NetworkState{Reason: "not checked yet"}}
}

// Snapshot returns the current state
func (s *NetworkStore) Snapshot() models.NetworkState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Online reports the last known connectivity
func (s *NetworkStore) Online() bool {
	return s.Snapshot().Online
}

// Subscribe works like SyncStore.Subscribe
func (s *NetworkStore) Subscribe() (<-chan models.NetworkState, func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.b.subscribe(s.state)
}

// Set records a probe result and reports whether connectivity changed
func (s *NetworkStore) Set(online bool, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	changed := s.state.Online != online || s.state.ChangedAt.IsZero()
	s.state.Online = online
	s.state.Reason = reason
	s.state.CheckedAt = now
	if changed {
		s.state.ChangedAt = now
	}
	s.b.publish(s.state)
	return changed
}
