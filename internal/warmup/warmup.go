// Package warmup pre-fetches the reference data the measurement screens need
// so they keep working without a connection.
package warmup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zangezia/fieldsync/internal/api"
	"github.com/zangezia/fieldsync/internal/state"
	"github.com/zangezia/fieldsync/internal/store"
)

// ErrNoUser is returned when warm-up is requested without a user
var ErrNoUser = errors.New("no user to warm up for")

// Fetcher reads a backend resource
type Fetcher interface {
	Get(ctx context.Context, path string, dest any) error
}

// Cache stores fetched resources
type Cache interface {
	SetCache(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Connectivity reports whether the backend is reachable
type Connectivity interface {
	Online() bool
}

var (
	_ Fetcher      = (*api.Client)(nil)
	_ Cache        = (*store.DB)(nil)
	_ Connectivity = (*state.NetworkStore)(nil)
)

// Step is one unit of warm-up work. A failing step is logged and the next
// one still runs.
type Step struct {
	Name string
	Run  func(ctx context.Context, s *Session) error
}

// Options tunes a Loader
type Options struct {
	CacheTTL    time.Duration
	Timeout     time.Duration // bound on a whole warm-up
	Parallelism int           // concurrent requests in fan-out steps
}

// Loader runs the warm-up steps and reports progress to a WarmupStore
type Loader struct {
	fetch Fetcher
	cache Cache
	net   Connectivity
	state *state.WarmupStore
	steps []Step
	opts  Options
}

// New creates a loader running DefaultSteps
func New(fetch Fetcher, cache Cache, connectivity Connectivity, warmupState *state.WarmupStore, opts Options) *Loader {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	return &Loader{
		fetch: fetch,
		cache: cache,
		net:   connectivity,
		state: warmupState,
		steps: DefaultSteps(),
		opts:  opts,
	}
}

// SetSteps replaces the steps run by WarmUp
func (l *Loader) SetSteps(steps ...Step) {
	l.steps = steps
}

// Steps returns the configured step names in order
func (l *Loader) Steps() []string {
	names := make([]string, 0, len(l.steps))
	for _, s := range l.steps {
		names = append(names, s.Name)
	}
	return names
}

// WarmUp fetches and caches everything userID needs offline. Only a missing
// user is an error; step failures are logged and skipped. A call made while
// another warm-up is running returns immediately.
func (l *Loader) WarmUp(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrNoUser
	}
	if l.net != nil && !l.net.Online() {
		log.Info().Str("user", userID).Msg("Offline, skipping warm-up")
		return nil
	}
	if !l.state.Begin() {
		log.Debug().Str("user", userID).Msg("Warm-up already running")
		return nil
	}
	defer l.state.Finish()

	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	s := &Session{
		UserID:      userID,
		fetch:       l.fetch,
		cache:       l.cache,
		ttl:         l.opts.CacheTTL,
		parallelism: l.opts.Parallelism,
	}

	started := time.Now()
	log.Info().Str("user", userID).Int("steps", len(l.steps)).Msg("Starting warm-up")

	failed := 0
	for i, step := range l.steps {
		if ctx.Err() != nil {
			log.Warn().
				Str("step", step.Name).
				Dur("timeout", l.opts.Timeout).
				Msg("Warm-up interrupted, skipping remaining steps")
			break
		}

		stepStart := time.Now()
		if err := step.Run(ctx, s); err != nil {
			failed++
			log.Warn().Err(err).Str("step", step.Name).Msg("Warm-up step failed")
		} else {
			log.Debug().
				Str("step", step.Name).
				Dur("took", time.Since(stepStart)).
				Msg("Warm-up step finished")
		}
		l.state.SetProgress((i+1)*100/len(l.steps), step.Name)
	}

	log.Info().
		Str("user", userID).
		Int64("cached", s.cached.Load()).
		Int("failed_steps", failed).
		Dur("took", time.Since(started)).
		Msg("Warm-up finished")
	return nil
}

// Session carries what earlier steps fetched to the later ones
type Session struct {
	UserID        string
	FieldIDs      []string
	TypeObjectIDs []string
	PenIDs        []string

	fetch       Fetcher
	cache       Cache
	ttl         time.Duration
	parallelism int
	cached      atomic.Int64
}

// Cached returns how many keys the session has written
func (s *Session) Cached() int64 {
	return s.cached.Load()
}

// FetchAndCache gets path and stores the raw response under key
func (s *Session) FetchAndCache(ctx context.Context, path, key string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := s.fetch.Get(ctx, path, &raw); err != nil {
		return nil, err
	}
	if err := s.cache.SetCache(ctx, key, raw, s.ttl); err != nil {
		return nil, fmt.Errorf("failed to cache %s: %w", key, err)
	}
	s.cached.Add(1)
	return raw, nil
}

// ids extracts the id of every object in a JSON array. Ids may be numbers
// or strings.
func ids(raw json.RawMessage) ([]string, error) {
	var rows []struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("expected a list of objects: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		id := strings.Trim(string(r.ID), `"`)
		if id == "" || id == "null" {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
