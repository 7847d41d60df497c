package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zangezia/fieldsync/internal/api"
	"github.com/zangezia/fieldsync/internal/queue"
	"github.com/zangezia/fieldsync/internal/state"
	"github.com/zangezia/fieldsync/internal/store"
	"github.com/zangezia/fieldsync/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// idle keep-alive connections of the test clients
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

type harness struct {
	db     *store.DB
	queue  *queue.Queue
	sync   *state.SyncStore
	net    *state.NetworkStore
	mock   *api.MockServer
	engine *Engine
	token  atomic.Value
}

func newHarness(t *testing.T, qopts queue.Options, eopts Options) *harness {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{db: db, mock: api.NewMockServer()}
	t.Cleanup(h.mock.Close)
	h.token.Store("")

	client, err := api.NewClient(h.mock.BaseURL(), 5*time.Second, func(context.Context) (string, error) {
		return h.token.Load().(string), nil
	})
	require.NoError(t, err)

	h.sync = state.NewSyncStore(db, models.SyncState{})
	h.net = state.NewNetworkStore()
	h.net.Set(true, "test")
	h.queue = queue.New(db, h.sync, qopts)
	h.engine = New(h.queue, client, h.net, h.sync, eopts)
	h.engine.rnd = nil
	return h
}

func (h *harness) create(t *testing.T, report, pen int, refs ...string) string {
	t.Helper()
	dto := models.CreateBulkMeasurement{}
	if len(refs) == 0 {
		refs = []string{""}
	}
	for i, ref := range refs {
		dto.Measurements = append(dto.Measurements, models.MeasurementRecord{
			PenVariableTypeOfObjectID: pen + i,
			Value:                     "1",
			ReportID:                  report,
			ClientRef:                 ref,
		})
	}
	id, err := h.queue.EnqueueCreate(context.Background(), dto)
	require.NoError(t, err)
	return id
}

// sentPens returns, per report, the pen ids of every accepted create in
// arrival order.
func (h *harness) sentPens(t *testing.T) map[int][]int {
	t.Helper()
	out := make(map[int][]int)
	for _, call := range h.mock.Creates() {
		var body models.CreateBulkMeasurement
		require.NoError(t, json.Unmarshal(call.Body, &body))
		for _, m := range body.Measurements {
			out[m.ReportID] = append(out[m.ReportID], m.PenVariableTypeOfObjectID)
		}
	}
	return out
}

func TestOfflineThenOnline(t *testing.T) {
	h := newHarness(t, queue.Options{}, Options{})
	ctx := context.Background()
	h.net.Set(false, "no route")

	for pen := 1; pen <= 3; pen++ {
		h.create(t, 5, pen)
	}
	assert.Equal(t, 3, h.sync.Snapshot().PendingCount)

	_, err := h.engine.SyncNow(ctx)
	assert.ErrorIs(t, err, ErrOffline)
	assert.Zero(t, h.mock.Hits("/measurements"))

	h.net.Set(true, "probe ok")
	res, err := h.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Total: 3, Sent: 3}, res)
	assert.Equal(t, []int{1, 2, 3}, h.sentPens(t)[5])

	st := h.sync.Snapshot()
	assert.Zero(t, st.PendingCount)
	assert.False(t, st.Syncing)
	assert.Equal(t, 3, st.Processed)
	assert.Equal(t, 3, st.Total)
	assert.False(t, st.LastSyncAt.IsZero())
	assert.Empty(t, st.LastError)

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{}, stats)
}

func TestStreamsKeepCreationOrder(t *testing.T) {
	h := newHarness(t, queue.Options{}, Options{MaxParallelism: 2})
	h.mock.SetDelay(5 * time.Millisecond)

	h.create(t, 1, 10)
	h.create(t, 2, 20)
	h.create(t, 1, 11)
	h.create(t, 2, 21)
	h.create(t, 1, 12)
	h.create(t, 3, 30)

	res, err := h.engine.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, res.Sent)

	sent := h.sentPens(t)
	assert.Equal(t, []int{10, 11, 12}, sent[1])
	assert.Equal(t, []int{20, 21}, sent[2])
	assert.Equal(t, []int{30}, sent[3])
}

func TestConcurrentSyncNowIsCoalesced(t *testing.T) {
	h := newHarness(t, queue.Options{}, Options{})
	h.mock.SetDelay(20 * time.Millisecond)
	for pen := 1; pen <= 4; pen++ {
		h.create(t, pen, pen)
	}

	var (
		wg   sync.WaitGroup
		busy atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.SyncNow(context.Background()); errors.Is(err, ErrBusy) {
				busy.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Positive(t, busy.Load())
	assert.Equal(t, 4, h.mock.Hits("/measurements"), "exactly one call per entry")
}

func TestTriggersDuringRunAreCoalesced(t *testing.T) {
	h := newHarness(t, queue.Options{}, Options{Interval: time.Hour})
	h.mock.SetDelay(10 * time.Millisecond)
	for pen := 1; pen <= 3; pen++ {
		h.create(t, 1, pen)
	}

	h.engine.Start(context.Background())
	defer h.engine.Stop()

	for i := 0; i < 20; i++ {
		go h.engine.Trigger("test")
	}

	require.Eventually(t, func() bool {
		return h.sync.Snapshot().PendingCount == 0
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 3, h.mock.Hits("/measurements"))
	assert.Equal(t, []int{1, 2, 3}, h.sentPens(t)[1])
}

func TestRunDrainsWhenConnectivityReturns(t *testing.T) {
	h := newHarness(t, queue.Options{}, Options{Interval: time.Hour})
	h.net.Set(false, "airplane mode")

	h.engine.Start(context.Background())
	defer h.engine.Stop()

	h.create(t, 1, 1)
	h.create(t, 1, 2)
	h.engine.Trigger("enqueue")

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.mock.Hits("/measurements"), "nothing is sent while offline")

	h.net.Set(true, "probe ok")
	require.Eventually(t, func() bool {
		return h.mock.Hits("/measurements") == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDependentUpdateGetsServerID(t *testing.T) {
	h := newHarness(t, queue.Options{}, Options{})
	ctx := context.Background()
	h.mock.SetDelay(100 * time.Millisecond)

	h.create(t, 8, 1, "m1", "m2")

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.SyncNow(ctx)
		done <- err
	}()

	// edit while the create is on the wire, so it cannot fold
	require.Eventually(t, func() bool {
		stats, err := h.queue.Stats(ctx)
		return err == nil && stats.InFlight == 1
	}, 5*time.Second, 5*time.Millisecond)
	updateID, err := h.queue.EnqueueUpdate(ctx, models.UpdateBulkMeasurement{
		Measurements: []models.MeasurementUpdate{{ClientRef: "m2", Value: "9"}},
	})
	require.NoError(t, err)
	require.NoError(t, <-done)

	creates := h.mock.Creates()
	require.Len(t, creates, 1)
	serverID := creates[0].Created[1].ID

	res, err := h.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	updates := h.mock.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, []int{serverID}, updates[0].IDs)

	row, ok := h.mock.Measurement(serverID)
	require.True(t, ok)
	assert.Equal(t, "9", row.Value)

	_, err = h.db.GetEntry(ctx, updateID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateOfFailedCreateFails(t *testing.T) {
	h := newHarness(t, queue.Options{}, Options{})
	ctx := context.Background()
	h.mock.SetDelay(100 * time.Millisecond)
	h.mock.FailNext("/measurements", api.Failure{Code: http.StatusBadRequest, Message: "pen does not exist"})

	h.create(t, 8, 1, "m1")

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.SyncNow(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool {
		stats, err := h.queue.Stats(ctx)
		return err == nil && stats.InFlight == 1
	}, 5*time.Second, 5*time.Millisecond)
	_, err := h.queue.EnqueueUpdate(ctx, models.UpdateBulkMeasurement{
		Measurements: []models.MeasurementUpdate{{ClientRef: "m1", Value: "9"}},
	})
	require.NoError(t, err)
	require.NoError(t, <-done)

	res, err := h.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, h.mock.Hits("/measurements/bulkUpdate"))

	failed, err := h.queue.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Contains(t, failed[1].LastError, "unresolved reference: m1")
	assert.Equal(t, 2, h.sync.Snapshot().FailedCount)
}

func TestTransientFailureBacksOffThenGivesUp(t *testing.T) {
	h := newHarness(t, queue.Options{MaxAttempts: 2}, Options{BackoffBase: time.Second, BackoffMax: time.Minute})
	ctx := context.Background()
	h.mock.FailNext("/measurements",
		api.Failure{Code: http.StatusServiceUnavailable, Message: "down"},
		api.Failure{Code: http.StatusServiceUnavailable, Message: "still down"},
	)

	first := h.create(t, 1, 1)
	h.create(t, 1, 2)

	before := time.Now()
	res, err := h.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Total: 2, Deferred: 2}, res)
	assert.Equal(t, 1, h.mock.Hits("/measurements"), "the stream stops behind a re-queued entry")

	entry, err := h.db.GetEntry(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.WithinDuration(t, before.Add(time.Second), entry.NextAttemptAt, 500*time.Millisecond)
	assert.Contains(t, h.sync.Snapshot().LastError, "down")

	// not due yet
	_, err = h.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.mock.Hits("/measurements"))

	h.engine.now = func() time.Time { return time.Now().Add(time.Hour) }
	res, err = h.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Total: 2, Sent: 1, Failed: 1}, res)
	assert.Equal(t, 3, h.mock.Hits("/measurements"))

	st := h.sync.Snapshot()
	assert.Zero(t, st.PendingCount)
	assert.Equal(t, 1, st.FailedCount)
	assert.Equal(t, []int{2}, h.sentPens(t)[1])
}

func TestRunRetriesWhenBackoffExpires(t *testing.T) {
	h := newHarness(t, queue.Options{MaxAttempts: 3}, Options{BackoffBase: 20 * time.Millisecond})
	h.mock.FailNext("/measurements", api.Failure{Code: http.StatusServiceUnavailable, Message: "down"})
	h.create(t, 1, 1)

	h.engine.Start(context.Background())
	defer h.engine.Stop()

	// the default interval is 30s, only the backoff timer can get here in time
	require.Eventually(t, func() bool {
		return h.mock.Hits("/measurements") == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.sync.Snapshot().PendingCount == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1}, h.sentPens(t)[1])
}

func TestLateTriggerIsHandedBack(t *testing.T) {
	h := newHarness(t, queue.Options{}, Options{})

	// a trigger that lands while a drain is wrapping up
	h.engine.running.Store(true)
	h.engine.Trigger("enqueue")
	h.engine.finish()

	select {
	case reason := <-h.engine.triggers:
		assert.Equal(t, "coalesced", reason)
	default:
		t.Fatal("trigger was dropped")
	}
	assert.False(t, h.engine.rerun.Load())
}

func TestUpdatesOfOneMeasurementStayOrdered(t *testing.T) {
	h := newHarness(t, queue.Options{}, Options{MaxParallelism: 1})
	ctx := context.Background()

	h.create(t, 5, 1, "m1")
	_, err := h.engine.SyncNow(ctx)
	require.NoError(t, err)
	x := h.mock.Creates()[0].Created[0].ID

	updates := []models.UpdateBulkMeasurement{
		{ReportID: 7, Measurements: []models.MeasurementUpdate{{ID: 77, Value: "y"}}},
		{ReportID: 5, Measurements: []models.MeasurementUpdate{{ID: x, Value: "a"}}},
		{Measurements: []models.MeasurementUpdate{{ID: x, Value: "b"}}},
	}
	for _, u := range updates {
		_, err := h.queue.EnqueueUpdate(ctx, u)
		require.NoError(t, err)
	}

	res, err := h.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)

	row, ok := h.mock.Measurement(x)
	require.True(t, ok)
	assert.Equal(t, "b", row.Value, "last write wins")
}

func TestUndecodableAckCompletesEntry(t *testing.T) {
	h := newHarness(t, queue.Options{}, Options{})
	ctx := context.Background()

	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"count":1}`))
	}))
	defer srv.Close()
	client, err := api.NewClient(srv.URL, 5*time.Second, nil)
	require.NoError(t, err)
	engine := New(h.queue, client, h.net, h.sync, Options{})

	h.create(t, 1, 1, "m1")
	res, err := engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Total: 1, Sent: 1}, res)
	assert.EqualValues(t, 1, posts.Load())

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{}, stats)
	assert.Zero(t, h.sync.Snapshot().FailedCount)
}

func TestPermanentFailureDoesNotBlockStream(t *testing.T) {
	h := newHarness(t, queue.Options{}, Options{})
	ctx := context.Background()
	h.mock.FailNext("/measurements", api.Failure{Code: http.StatusBadRequest, Message: "value must be a number string"})

	first := h.create(t, 1, 1)
	h.create(t, 1, 2)

	res, err := h.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Total: 2, Sent: 1, Failed: 1}, res)

	failed, err := h.queue.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, first, failed[0].ID)
	assert.Equal(t, 1, failed[0].Attempts)
	assert.Contains(t, failed[0].LastError, "value must be a number string")
}

func TestDuplicateCreateIsAcknowledged(t *testing.T) {
	h := newHarness(t, queue.Options{}, Options{})
	ctx := context.Background()
	h.mock.FailNext("/measurements", api.Failure{Code: http.StatusConflict, Message: "Measurement already exists"})

	h.create(t, 1, 1)
	res, err := h.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending+stats.Failed)
}

func TestAuthExpiryPausesWithoutSpendingAttempts(t *testing.T) {
	h := newHarness(t, queue.Options{MaxAttempts: 1}, Options{})
	ctx := context.Background()
	h.mock.RequireToken("fresh")
	h.token.Store("stale")

	a := h.create(t, 1, 1)
	b := h.create(t, 2, 2)

	_, err := h.engine.SyncNow(ctx)
	assert.ErrorIs(t, err, ErrAuthPaused)
	assert.True(t, h.engine.Paused())
	assert.True(t, h.sync.Snapshot().AuthRequired)

	for _, id := range []string{a, b} {
		entry, err := h.db.GetEntry(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, entry.Status)
		assert.Zero(t, entry.Attempts)
	}

	hits := h.mock.Hits("/measurements")
	_, err = h.engine.SyncNow(ctx)
	assert.ErrorIs(t, err, ErrAuthPaused)
	assert.Equal(t, hits, h.mock.Hits("/measurements"), "paused engine sends nothing")

	h.token.Store("fresh")
	h.engine.Resume()
	assert.False(t, h.sync.Snapshot().AuthRequired)

	res, err := h.engine.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
}

func TestEngineStartsPausedFromPersistedState(t *testing.T) {
	h := newHarness(t, queue.Options{}, Options{})
	syncState := state.NewSyncStore(nil, models.SyncState{AuthRequired: true})
	e := New(h.queue, nil, h.net, syncState, Options{})
	assert.True(t, e.Paused())
}

func TestSetOptions(t *testing.T) {
	h := newHarness(t, queue.Options{}, Options{})
	h.engine.SetOptions(Options{Interval: time.Minute, MaxParallelism: 8})

	opts := h.engine.options()
	assert.Equal(t, time.Minute, opts.Interval)
	assert.Equal(t, 8, opts.MaxParallelism)
	assert.Equal(t, 500*time.Millisecond, opts.BackoffBase)
	assert.Equal(t, time.Minute, <-h.engine.retune)
}
