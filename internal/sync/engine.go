// Package sync drives queued measurement mutations to the backend.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zangezia/fieldsync/internal/api"
	"github.com/zangezia/fieldsync/internal/queue"
	"github.com/zangezia/fieldsync/internal/state"
	"github.com/zangezia/fieldsync/internal/store"
	"github.com/zangezia/fieldsync/pkg/models"
)

var (
	// ErrOffline is returned by SyncNow while the backend is unreachable
	ErrOffline = errors.New("backend unreachable")
	// ErrAuthPaused is returned by SyncNow while the engine waits for a new token
	ErrAuthPaused = errors.New("sync paused until re-authentication")
	// ErrBusy is returned by SyncNow when a drain is already running
	ErrBusy = errors.New("sync already running")
)

// Backend sends measurement mutations
type Backend interface {
	BulkCreate(ctx context.Context, dto models.CreateBulkMeasurement) ([]models.Measurement, error)
	BulkUpdate(ctx context.Context, dto models.UpdateBulkMeasurement) ([]models.Measurement, error)
}

var _ Backend = (*api.Client)(nil)

// Connectivity reports whether the backend is reachable
type Connectivity interface {
	Online() bool
	Subscribe() (<-chan models.NetworkState, func())
}

var _ Connectivity = (*state.NetworkStore)(nil)

// Options tunes the engine
type Options struct {
	Interval       time.Duration // periodic drain
	MaxParallelism int           // report streams drained at once
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.MaxParallelism <= 0 {
		o.MaxParallelism = 4
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = 5 * time.Minute
	}
	return o
}

// Result summarizes one drain
type Result struct {
	Total    int `json:"total"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Deferred int `json:"deferred"` // left pending for a later drain
}

// Engine owns every dispatch decision. Only one drain runs at a time.
type Engine struct {
	queue   *queue.Queue
	backend Backend
	net     Connectivity
	state   *state.SyncStore

	mu   sync.RWMutex
	opts Options

	running  atomic.Bool
	rerun    atomic.Bool
	paused   atomic.Bool
	triggers chan string
	retune   chan time.Duration

	rnd func() float64
	now func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. It starts paused when the persisted state says the
// last token was rejected.
func New(q *queue.Queue, backend Backend, connectivity Connectivity, syncState *state.SyncStore, opts Options) *Engine {
	e := &Engine{
		queue:    q,
		backend:  backend,
		net:      connectivity,
		state:    syncState,
		opts:     opts.withDefaults(),
		triggers: make(chan string, 1),
		retune:   make(chan time.Duration, 1),
		rnd:      rand.Float64,
		now:      time.Now,
	}
	e.paused.Store(syncState.Snapshot().AuthRequired)
	return e
}

// SetOptions applies new tuning. The interval takes effect on the next tick.
func (e *Engine) SetOptions(opts Options) {
	opts = opts.withDefaults()

	e.mu.Lock()
	changed := opts.Interval != e.opts.Interval
	e.opts = opts
	e.mu.Unlock()

	if changed {
		select {
		case e.retune <- opts.Interval:
		default:
		}
	}
	log.Info().
		Dur("interval", opts.Interval).
		Int("parallelism", opts.MaxParallelism).
		Dur("backoff_base", opts.BackoffBase).
		Dur("backoff_max", opts.BackoffMax).
		Msg("Sync options updated")
}

func (e *Engine) options() Options {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts
}

// Paused reports whether draining waits for re-authentication
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

// Trigger requests a drain. While a drain is running the request is folded
// into a single follow-up drain instead of starting a second one.
func (e *Engine) Trigger(reason string) {
	if e.running.Load() {
		e.rerun.Store(true)
		// the drain may have finished before it could see the flag
		if e.running.Load() || !e.rerun.Swap(false) {
			log.Debug().Str("reason", reason).Msg("Drain already running, trigger coalesced")
			return
		}
	}
	select {
	case e.triggers <- reason:
	default:
		log.Debug().Str("reason", reason).Msg("Drain already requested, trigger coalesced")
	}
}

// Resume lifts an auth pause and requests a drain
func (e *Engine) Resume() {
	if e.paused.Swap(false) {
		log.Info().Msg("Sync resumed after re-authentication")
	}
	e.state.SetAuthRequired(false)
	e.Trigger("resume")
}

// Start runs the engine loop in the background until Stop
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Run(ctx)
	}()
}

// Stop halts the loop started by Start and waits for the current drain to
// release its entries.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Run owns the drain loop: explicit triggers, offline to online transitions,
// entries coming out of backoff and the periodic interval all end up here.
// It returns when ctx is done.
func (e *Engine) Run(ctx context.Context) {
	updates, unsubscribe := e.net.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(e.options().Interval)
	defer ticker.Stop()

	backoff := time.NewTimer(time.Hour)
	backoff.Stop()
	defer backoff.Stop()

	drain := func(reason string) {
		e.runDrain(ctx, reason)
		e.scheduleRetry(ctx, backoff)
	}

	online := e.net.Online()
	e.Trigger("startup")

	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-e.triggers:
			drain(reason)
		case st, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			wasOnline := online
			online = st.Online
			if online && !wasOnline {
				drain("online")
			}
		case <-backoff.C:
			drain("backoff")
		case <-ticker.C:
			drain("interval")
		case d := <-e.retune:
			ticker.Reset(d)
		}
	}
}

// scheduleRetry arms t for the earliest entry still backing off. Entries
// that are already due wait for the next trigger, so an offline or paused
// engine does not spin.
func (e *Engine) scheduleRetry(ctx context.Context, t *time.Timer) {
	t.Stop()
	if ctx.Err() != nil || e.paused.Load() || !e.net.Online() {
		return
	}

	now := e.now()
	next, ok, err := e.queue.NextDue(ctx, now)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to schedule retry")
		return
	}
	if !ok {
		return
	}
	t.Reset(next.Sub(now))
	log.Debug().Time("at", next).Msg("Retry scheduled")
}

func (e *Engine) runDrain(ctx context.Context, reason string) {
	if !e.running.CompareAndSwap(false, true) {
		e.Trigger(reason)
		return
	}
	defer e.finish()

	for {
		e.rerun.Store(false)
		res, err := e.drain(ctx)
		switch {
		case errors.Is(err, ErrOffline), errors.Is(err, ErrAuthPaused):
			log.Debug().Str("reason", reason).Err(err).Msg("Drain skipped")
		case err != nil && ctx.Err() == nil:
			log.Error().Err(err).Str("reason", reason).Msg("Drain failed")
		case res.Total > 0:
			log.Info().
				Str("reason", reason).
				Int("total", res.Total).
				Int("sent", res.Sent).
				Int("failed", res.Failed).
				Int("deferred", res.Deferred).
				Msg("Drain finished")
		}
		if ctx.Err() != nil || !e.rerun.Load() {
			return
		}
		reason = "coalesced"
	}
}

// SyncNow runs one drain on the caller's goroutine
func (e *Engine) SyncNow(ctx context.Context) (Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer e.finish()
	return e.drain(ctx)
}

// finish ends a drain and hands any trigger that arrived too late to be
// folded into it back to the loop.
func (e *Engine) finish() {
	e.running.Store(false)
	if e.rerun.Swap(false) {
		e.Trigger("coalesced")
	}
}

type outcome int

const (
	outcomeSent     outcome = iota
	outcomeFailed           // terminal, the stream moves on
	outcomeRetry            // re-queued with backoff, the stream stops
	outcomeDeferred         // not due or blocked, the stream stops
	outcomeSkipped          // gone from the queue, the stream moves on
)

func (e *Engine) drain(ctx context.Context) (Result, error) {
	var res Result

	if e.paused.Load() {
		return res, ErrAuthPaused
	}
	if !e.net.Online() {
		return res, ErrOffline
	}

	// group by report, keeping creation order inside each stream
	streams := make(map[int][]models.QueueEntry)
	var order []int
	for entry, err := range e.queue.Drain(ctx) {
		if err != nil {
			return res, fmt.Errorf("failed to read queue: %w", err)
		}
		if _, ok := streams[entry.ReportID]; !ok {
			order = append(order, entry.ReportID)
		}
		streams[entry.ReportID] = append(streams[entry.ReportID], entry)
		res.Total++
	}
	if res.Total == 0 {
		return res, nil
	}

	opts := e.options()
	e.state.BeginSync(res.Total)
	log.Info().
		Int("entries", res.Total).
		Int("streams", len(order)).
		Int("parallelism", opts.MaxParallelism).
		Msg("Starting drain")

	var (
		mu      sync.Mutex
		lastErr string
	)
	record := func(o outcome, reason string) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeSent:
			res.Sent++
		case outcomeFailed:
			res.Failed++
			lastErr = reason
		case outcomeRetry:
			lastErr = reason
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.MaxParallelism)
	for _, reportID := range order {
		entries := streams[reportID]
		g.Go(func() error {
			return e.runStream(gctx, reportID, entries, opts, record)
		})
	}
	err := g.Wait()

	mu.Lock()
	res.Deferred = res.Total - res.Sent - res.Failed
	if err != nil && lastErr == "" {
		lastErr = err.Error()
	}
	summary := lastErr
	mu.Unlock()

	e.state.EndSync(summary)
	if errors.Is(err, api.ErrAuthExpired) {
		return res, ErrAuthPaused
	}
	return res, err
}

func (e *Engine) runStream(ctx context.Context, reportID int, entries []models.QueueEntry, opts Options, record func(outcome, string)) error {
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		o, reason, err := e.process(ctx, entry, opts)
		if err != nil {
			return err
		}
		record(o, reason)

		switch o {
		case outcomeSent, outcomeFailed:
			e.state.Advance()
		case outcomeRetry, outcomeDeferred:
			log.Debug().
				Int("report", reportID).
				Str("entry", entry.ID).
				Msg("Stream halted until entry is sent")
			return nil
		}
	}
	return nil
}

// process sends one entry and settles it in the queue. The returned error
// aborts every stream: auth expiry or cancellation.
func (e *Engine) process(ctx context.Context, entry models.QueueEntry, opts Options) (outcome, string, error) {
	if !entry.Due(e.now()) {
		return outcomeDeferred, "", nil
	}

	// bookkeeping must land even when the drain is being cancelled
	bg := context.WithoutCancel(ctx)

	claimed, err := e.queue.MarkInFlight(ctx, entry.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return outcomeSkipped, "", nil
	case errors.Is(err, queue.ErrNotPending):
		return outcomeDeferred, "", nil
	case err != nil:
		return outcomeDeferred, "", err
	}

	var (
		serverIDs []int
		sendErr   error
	)
	switch claimed.Kind {
	case models.KindCreateBulk:
		var dto models.CreateBulkMeasurement
		if err := json.Unmarshal(claimed.Payload, &dto); err != nil {
			return e.fail(bg, claimed, fmt.Sprintf("corrupt payload: %v", err), false, opts)
		}
		var created []models.Measurement
		created, sendErr = e.backend.BulkCreate(ctx, dto)
		for _, m := range created {
			serverIDs = append(serverIDs, m.ID)
		}

	case models.KindUpdateBulk:
		var dto models.UpdateBulkMeasurement
		if err := json.Unmarshal(claimed.Payload, &dto); err != nil {
			return e.fail(bg, claimed, fmt.Sprintf("corrupt payload: %v", err), false, opts)
		}
		resolved, unresolved, err := e.queue.ResolveRefs(ctx, dto)
		if err != nil {
			e.release(bg, claimed.ID)
			return outcomeDeferred, "", err
		}
		if len(unresolved) > 0 {
			return e.settleUnresolved(bg, claimed, unresolved, opts)
		}
		_, sendErr = e.backend.BulkUpdate(ctx, resolved)

	default:
		return e.fail(bg, claimed, fmt.Sprintf("unknown entry kind %q", claimed.Kind), false, opts)
	}

	if errors.Is(sendErr, api.ErrUndecodableResponse) {
		// the 2xx is the acknowledgement, only the assigned ids are lost
		log.Warn().
			Err(sendErr).
			Str("entry", claimed.ID).
			Str("kind", string(claimed.Kind)).
			Msg("Backend accepted entry but its reply could not be read")
		serverIDs, sendErr = nil, nil
	}

	if sendErr == nil {
		if err := e.queue.MarkDone(bg, claimed.ID, serverIDs); err != nil {
			return outcomeDeferred, "", err
		}
		log.Debug().
			Str("entry", claimed.ID).
			Str("kind", string(claimed.Kind)).
			Int("report", claimed.ReportID).
			Msg("Entry synced")
		return outcomeSent, "", nil
	}

	if ctx.Err() != nil {
		e.release(bg, claimed.ID)
		return outcomeDeferred, "", ctx.Err()
	}

	class := Classify(sendErr)
	if class == Duplicate && claimed.Kind != models.KindCreateBulk {
		class = Permanent
	}

	switch class {
	case Duplicate:
		log.Warn().
			Err(sendErr).
			Str("entry", claimed.ID).
			Msg("Backend already has these measurements, dropping entry")
		if err := e.queue.MarkDone(bg, claimed.ID, nil); err != nil {
			return outcomeDeferred, "", err
		}
		return outcomeSent, "", nil

	case AuthExpired:
		e.release(bg, claimed.ID)
		e.pause()
		return outcomeDeferred, "", sendErr

	case Transient:
		return e.fail(bg, claimed, sendErr.Error(), true, opts)

	default:
		return e.fail(bg, claimed, sendErr.Error(), false, opts)
	}
}

func (e *Engine) settleUnresolved(ctx context.Context, entry *models.QueueEntry, unresolved []queue.UnresolvedRef, opts Options) (outcome, string, error) {
	for _, u := range unresolved {
		if u.Blocked() {
			// its create is still on the way
			e.release(ctx, entry.ID)
			return outcomeDeferred, "", nil
		}
	}

	refs := make([]string, 0, len(unresolved))
	for _, u := range unresolved {
		refs = append(refs, u.ClientRef)
	}
	return e.fail(ctx, entry, "unresolved reference: "+strings.Join(refs, ", "), false, opts)
}

func (e *Engine) fail(ctx context.Context, entry *models.QueueEntry, reason string, retryable bool, opts Options) (outcome, string, error) {
	var next time.Time
	if retryable {
		next = e.now().Add(Backoff(entry.Attempts, opts.BackoffBase, opts.BackoffMax, e.rnd))
	}

	terminal, err := e.queue.MarkFailed(ctx, entry.ID, reason, retryable, next)
	if err != nil {
		return outcomeDeferred, "", err
	}

	if terminal {
		log.Error().
			Str("entry", entry.ID).
			Str("kind", string(entry.Kind)).
			Int("report", entry.ReportID).
			Int("attempts", entry.Attempts+1).
			Str("error", reason).
			Msg("Entry failed permanently")
		return outcomeFailed, reason, nil
	}

	log.Warn().
		Str("entry", entry.ID).
		Int("attempt", entry.Attempts+1).
		Time("next_attempt", next).
		Str("error", reason).
		Msg("Entry send failed, will retry")
	return outcomeRetry, reason, nil
}

func (e *Engine) release(ctx context.Context, id string) {
	if err := e.queue.Release(ctx, id); err != nil {
		log.Error().Err(err).Str("entry", id).Msg("Failed to release entry")
	}
}

func (e *Engine) pause() {
	if e.paused.Swap(true) {
		return
	}
	e.state.SetAuthRequired(true)
	log.Warn().Msg("Backend rejected the token, sync paused until re-authentication")
}
