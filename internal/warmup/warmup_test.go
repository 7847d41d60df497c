package warmup

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zangezia/fieldsync/internal/api"
	"github.com/zangezia/fieldsync/internal/state"
	"github.com/zangezia/fieldsync/internal/store"
	"github.com/zangezia/fieldsync/pkg/models"
)

type fixture struct {
	db     *store.DB
	mock   *api.MockServer
	net    *state.NetworkStore
	state  *state.WarmupStore
	loader *Loader
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "warmup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock := api.NewMockServer()
	t.Cleanup(mock.Close)

	client, err := api.NewClient(mock.BaseURL(), 5*time.Second, nil)
	require.NoError(t, err)

	f := &fixture{
		db:    db,
		mock:  mock,
		net:   state.NewNetworkStore(),
		state: state.NewWarmupStore(db, models.WarmupState{}),
	}
	f.net.Set(true, "test")
	f.loader = New(client, db, f.net, f.state, opts)
	return f
}

func (f *fixture) cached(t *testing.T, key string) bool {
	t.Helper()
	var v any
	hit, err := f.db.GetCache(context.Background(), key, &v)
	require.NoError(t, err)
	return hit
}

func TestWarmUpCachesMeasurementData(t *testing.T) {
	f := newFixture(t, Options{})
	f.mock.SetFixture("/fields/byUserId/7", []map[string]any{{"id": 1, "name": "North"}, {"id": 2, "name": "South"}})
	f.mock.SetFixture("/type-of-objects/byUser/7", []map[string]any{{"id": 3}, {"id": 4}})
	f.mock.SetFixture("/variables/byUser/7", []map[string]any{{"id": 5}})
	f.mock.SetFixture("/pens/byField/1?withObjects=true", []map[string]any{{"id": 10}})
	f.mock.SetFixture("/pens/byField/2?withObjects=true", []map[string]any{{"id": "11"}})
	f.mock.SetFixture("/pens-variables-type-of-objects/type-of-object/3/10", []map[string]any{{"id": 100}})
	f.mock.SetFixture("/pens-variables-type-of-objects/type-of-object/4/11", []map[string]any{{"id": 101}})

	require.NoError(t, f.loader.WarmUp(context.Background(), "7"))

	for _, key := range []string{
		FieldsKey("7"),
		TypeOfObjectsKey("7"),
		VariablesKey("7"),
		PensKey("1"),
		PensKey("2"),
		PenVariablesKey("3", "10"),
		PenVariablesKey("4", "11"),
	} {
		assert.True(t, f.cached(t, key), key)
	}
	assert.False(t, f.cached(t, PenVariablesKey("4", "10")), "missing combinations are skipped")

	var fields []map[string]any
	hit, err := f.db.GetCache(context.Background(), FieldsKey("7"), &fields)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "North", fields[0]["name"])

	st := f.state.Snapshot()
	assert.False(t, st.IsWarming)
	assert.Equal(t, 100, st.Progress)
	assert.False(t, st.FinishedAt.IsZero())
	assert.Equal(t, 4, f.mock.Hits("/pens-variables-type-of-objects/type-of-object/3/10")+
		f.mock.Hits("/pens-variables-type-of-objects/type-of-object/3/11")+
		f.mock.Hits("/pens-variables-type-of-objects/type-of-object/4/10")+
		f.mock.Hits("/pens-variables-type-of-objects/type-of-object/4/11"))
}

func TestWarmUpEscapesIDs(t *testing.T) {
	f := newFixture(t, Options{})
	f.mock.SetFixture("/fields/byUserId/north%2F7", []map[string]any{{"id": "a b"}})
	f.mock.SetFixture("/pens/byField/a%20b?withObjects=true", []map[string]any{{"id": 10}})
	f.loader.SetSteps(DefaultSteps()[0], DefaultSteps()[3])

	require.NoError(t, f.loader.WarmUp(context.Background(), "north/7"))
	assert.True(t, f.cached(t, FieldsKey("north/7")))
	assert.True(t, f.cached(t, PensKey("a b")))
	assert.Equal(t, 1, f.mock.Hits("/fields/byUserId/north%2F7"))
}

func TestWarmUpCacheUsesTTL(t *testing.T) {
	f := newFixture(t, Options{CacheTTL: time.Minute})
	f.mock.SetFixture("/variables/byUser/7", []map[string]any{})
	f.loader.SetSteps(DefaultSteps()[2])

	require.NoError(t, f.loader.WarmUp(context.Background(), "7"))
	assert.True(t, f.cached(t, VariablesKey("7")))

	later := time.Now().Add(2 * time.Minute)
	f.db.SetClock(func() time.Time { return later })
	assert.False(t, f.cached(t, VariablesKey("7")))
}

func TestFailingStepDoesNotAbortWarmUp(t *testing.T) {
	f := newFixture(t, Options{})

	var ran []string
	step := func(name string, err error) Step {
		return Step{Name: name, Run: func(context.Context, *Session) error {
			ran = append(ran, name)
			return err
		}}
	}
	f.loader.SetSteps(
		step("one", nil),
		step("two", errors.New("backend said no")),
		step("three", nil),
		step("four", nil),
	)

	updates, cancel := f.state.Subscribe()
	defer cancel()

	require.NoError(t, f.loader.WarmUp(context.Background(), "7"))
	assert.Equal(t, []string{"one", "two", "three", "four"}, ran)

	var progress []int
	for len(updates) > 0 {
		st := <-updates
		progress = append(progress, st.Progress)
	}
	assert.Contains(t, progress, 25)
	assert.Contains(t, progress, 50)
	assert.Contains(t, progress, 75)
	assert.Equal(t, 100, progress[len(progress)-1])
	assert.False(t, f.state.Snapshot().IsWarming)
}

func TestWarmUpWithoutUser(t *testing.T) {
	f := newFixture(t, Options{})

	assert.ErrorIs(t, f.loader.WarmUp(context.Background(), "  "), ErrNoUser)
	assert.True(t, f.state.Snapshot().StartedAt.IsZero(), "state is untouched")
}

func TestWarmUpOfflineIsSkipped(t *testing.T) {
	f := newFixture(t, Options{})
	f.net.Set(false, "no route")

	require.NoError(t, f.loader.WarmUp(context.Background(), "7"))
	assert.Zero(t, f.mock.Hits("/fields/byUserId/7"))
	assert.True(t, f.state.Snapshot().StartedAt.IsZero())
}

func TestConcurrentWarmUpIsNoop(t *testing.T) {
	f := newFixture(t, Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	f.loader.SetSteps(Step{Name: "slow", Run: func(ctx context.Context, _ *Session) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	}})

	done := make(chan error, 1)
	go func() { done <- f.loader.WarmUp(context.Background(), "7") }()

	<-started
	assert.True(t, f.state.Snapshot().IsWarming)
	assert.NoError(t, f.loader.WarmUp(context.Background(), "7"))
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, int32(1), runs.Load())
}

func TestWarmUpTimeout(t *testing.T) {
	f := newFixture(t, Options{Timeout: 20 * time.Millisecond})

	var second atomic.Bool
	f.loader.SetSteps(
		Step{Name: "hang", Run: func(ctx context.Context, _ *Session) error {
			<-ctx.Done()
			return ctx.Err()
		}},
		Step{Name: "never", Run: func(context.Context, *Session) error {
			second.Store(true)
			return nil
		}},
	)

	require.NoError(t, f.loader.WarmUp(context.Background(), "7"))
	assert.False(t, second.Load())
	assert.Equal(t, 100, f.state.Snapshot().Progress)
}

func TestIDs(t *testing.T) {
	got, err := ids([]byte(`[{"id":1},{"id":"2"},{"id":null},{"name":"x"}]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, got)

	_, err = ids([]byte(`{"id":1}`))
	assert.Error(t, err)
}

func TestDefaultStepOrder(t *testing.T) {
	f := newFixture(t, Options{})
	assert.Equal(t, []string{"fields", "type_of_objects", "variables", "pens", "pen_variables"}, f.loader.Steps())
}
