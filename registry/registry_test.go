package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/terminaldweller/spikescan/store"
)

type fakeSource struct {
	platform Platform
	ids      []string
	err      error
	calls    int
}

func (f *fakeSource) Platform() Platform { return f.platform }

func (f *fakeSource) Fetch(_ context.Context) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	return f.ids, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = now
}

// recordingStore remembers every key written, in order.
type recordingStore struct {
	*store.MemStore
	keys    []string
	failSet map[string]error
	failGet error
}

func (rs *recordingStore) Get(ctx context.Context, key string) ([]byte, error) {
	if rs.failGet != nil {
		return nil, rs.failGet
	}

	return rs.MemStore.Get(ctx, key)
}

func (rs *recordingStore) Set(ctx context.Context, key string, value []byte) error {
	if err := rs.failSet[key]; err != nil {
		return err
	}

	rs.keys = append(rs.keys, key)

	return rs.MemStore.Set(ctx, key, value)
}

func newFixture(t *testing.T) (*Registry, []*fakeSource, *recordingStore, *fakeClock) {
	t.Helper()

	sources := []*fakeSource{
		{platform: PrimaryExchange, ids: []string{"AAA", "Ddd"}},
		{platform: SecondaryExchange, ids: []string{}},
		{platform: Brokerage, ids: []string{"bbb"}},
	}

	st := &recordingStore{MemStore: store.NewMemStore(), failSet: map[string]error{}}
	clock := &fakeClock{now: time.Date(2024, 5, 1, 7, 15, 0, 0, time.UTC)}

	asSources := make([]Source, 0, len(sources))
	for _, s := range sources {
		asSources = append(asSources, s)
	}

	return New(st, asSources, MustParseSchedule(DefaultSchedule), clock), sources, st, clock
}

func totalCalls(sources []*fakeSource) int {
	total := 0
	for _, s := range sources {
		total += s.calls
	}

	return total
}

func TestLoadFirstRunForcesRefresh(t *testing.T) {
	reg, sources, st, _ := newFixture(t)

	state, err := reg.Load(context.Background())
	require.NoError(t, err)

	assert.True(t, state.Refreshed)
	assert.Equal(t, 3, totalCalls(sources))
	assert.Equal(t, "06:00", state.Window)
	assert.True(t, state.Supports(PrimaryExchange, "aaa"))
	assert.True(t, state.Supports(PrimaryExchange, "DDD"))
	assert.True(t, state.Supports(Brokerage, "bbb"))
	assert.Empty(t, state.IDs(SecondaryExchange))

	assert.Equal(t, []string{RegistryKey, WindowKey}, st.keys)

	raw, err := st.Get(context.Background(), RegistryKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"primary-exchange":["aaa","ddd"],"secondary-exchange":[],"brokerage":["bbb"]}`, string(raw))

	marker, err := st.Get(context.Background(), WindowKey)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01 06:00", string(marker))
}

func TestLoadTwiceInSameWindowIsNoop(t *testing.T) {
	reg, sources, st, clock := newFixture(t)
	ctx := context.Background()

	_, err := reg.Load(ctx)
	require.NoError(t, err)

	before, err := st.Get(ctx, RegistryKey)
	require.NoError(t, err)

	writes := st.Writes

	clock.Set(time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC))

	state, err := reg.Load(ctx)
	require.NoError(t, err)

	after, err := st.Get(ctx, RegistryKey)
	require.NoError(t, err)

	assert.False(t, state.Refreshed)
	assert.Equal(t, 3, totalCalls(sources))
	assert.Equal(t, writes, st.Writes)
	assert.Equal(t, before, after)
	assert.True(t, state.Supports(Brokerage, "BBB"))
}

func TestLoadNewWindowRefreshes(t *testing.T) {
	reg, sources, _, clock := newFixture(t)
	ctx := context.Background()

	_, err := reg.Load(ctx)
	require.NoError(t, err)

	sources[1].ids = []string{"EEE"}
	clock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	state, err := reg.Load(ctx)
	require.NoError(t, err)
	assert.True(t, state.Refreshed)
	assert.Equal(t, "12:00", state.Window)
	assert.Equal(t, 6, totalCalls(sources))
	assert.Equal(t, []string{"eee"}, state.IDs(SecondaryExchange))

	// same label on the next day still refreshes
	clock.Set(time.Date(2024, 5, 2, 12, 30, 0, 0, time.UTC))

	state, err = reg.Load(ctx)
	require.NoError(t, err)
	assert.True(t, state.Refreshed)
	assert.Equal(t, 9, totalCalls(sources))
}

func TestPartialFailureKeepsPreviousList(t *testing.T) {
	reg, sources, _, clock := newFixture(t)
	ctx := context.Background()

	_, err := reg.Load(ctx)
	require.NoError(t, err)

	sources[0].err = ErrScrapeExtraction
	sources[2].ids = []string{"zzz"}
	clock.Set(time.Date(2024, 5, 1, 18, 5, 0, 0, time.UTC))

	state, err := reg.Load(ctx)
	require.NoError(t, err)
	require.Len(t, state.Warnings, 1)
	assert.Contains(t, state.Warnings[0], string(PrimaryExchange))

	assert.Equal(t, []string{"aaa", "ddd"}, state.IDs(PrimaryExchange))
	assert.Equal(t, []string{"zzz"}, state.IDs(Brokerage))

	// the marker still advanced, so the failing source is not hammered
	sources[0].err = nil
	clock.Set(time.Date(2024, 5, 1, 19, 0, 0, 0, time.UTC))

	state, err = reg.Load(ctx)
	require.NoError(t, err)
	assert.False(t, state.Refreshed)
}

func TestAllSourcesFailOnFirstRun(t *testing.T) {
	reg, sources, st, _ := newFixture(t)

	for _, s := range sources {
		s.err = ErrNetwork
	}

	state, err := reg.Load(context.Background())
	require.ErrorIs(t, err, ErrRefreshFailed)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Len(t, state.Warnings, 3)
	assert.Empty(t, st.keys)

	for _, s := range sources {
		s.err = nil
	}

	state, err = reg.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Refreshed)
	assert.Equal(t, 6, totalCalls(sources))
}

func TestFailedCacheWriteLeavesOldCache(t *testing.T) {
	reg, sources, st, clock := newFixture(t)
	ctx := context.Background()

	_, err := reg.Load(ctx)
	require.NoError(t, err)

	old, err := st.Get(ctx, RegistryKey)
	require.NoError(t, err)

	st.failSet[RegistryKey] = errors.New("disk full")
	sources[2].ids = []string{"new"}
	clock.Set(time.Date(2024, 5, 1, 12, 1, 0, 0, time.UTC))

	state, err := reg.Load(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, state.Warnings)
	assert.True(t, state.Supports(Brokerage, "new"))

	current, err := st.Get(ctx, RegistryKey)
	require.NoError(t, err)
	assert.Equal(t, old, current)

	marker, err := st.Get(ctx, WindowKey)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01 06:00", string(marker))
}

func TestCorruptCacheInSameWindow(t *testing.T) {
	reg, sources, st, _ := newFixture(t)
	ctx := context.Background()

	_, err := reg.Load(ctx)
	require.NoError(t, err)

	require.NoError(t, st.MemStore.Set(ctx, RegistryKey, []byte("{not json")))

	state, err := reg.Load(ctx)
	require.ErrorIs(t, err, ErrCacheRead)
	assert.Equal(t, 0, state.Size())
	assert.Equal(t, 3, totalCalls(sources))
}

func TestUnreadableStoreRefreshesOncePerWindow(t *testing.T) {
	reg, sources, st, clock := newFixture(t)
	ctx := context.Background()

	_, err := reg.Load(ctx)
	require.NoError(t, err)

	st.failGet = errors.New("connection refused")

	for _, minute := range []int{20, 40, 59} {
		clock.Set(time.Date(2024, 5, 1, 7, minute, 0, 0, time.UTC))

		_, err = reg.Load(ctx)
		require.ErrorIs(t, err, ErrCacheRead)
	}

	assert.Equal(t, 3, totalCalls(sources))

	clock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	state, err := reg.Load(ctx)
	require.NoError(t, err)
	assert.True(t, state.Refreshed)
	assert.Equal(t, 6, totalCalls(sources))

	clock.Set(time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC))

	_, err = reg.Load(ctx)
	require.ErrorIs(t, err, ErrCacheRead)
	assert.Equal(t, 6, totalCalls(sources))
}

func TestCorruptCacheInNewWindowRefreshes(t *testing.T) {
	reg, sources, st, clock := newFixture(t)
	ctx := context.Background()

	_, err := reg.Load(ctx)
	require.NoError(t, err)

	require.NoError(t, st.MemStore.Set(ctx, RegistryKey, []byte("garbage")))
	clock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	state, err := reg.Load(ctx)
	require.NoError(t, err)
	assert.True(t, state.Refreshed)
	assert.Equal(t, 6, totalCalls(sources))
	assert.True(t, state.Supports(PrimaryExchange, "aaa"))
}

func TestStatePlatformsFor(t *testing.T) {
	state := NewState(map[Platform][]string{
		PrimaryExchange:   {"aaa"},
		SecondaryExchange: {},
		Brokerage:         {"bbb"},
		Platform("bogus"): {"ccc"},
	})

	assert.Equal(t, []Platform{PrimaryExchange}, state.PlatformsFor("aaa"))
	assert.Equal(t, []Platform{Brokerage}, state.PlatformsFor("nope", "BBB"))
	assert.Empty(t, state.PlatformsFor("ccc"))
	assert.Equal(t, 2, state.Size())
}
