package world

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/blockcore/internal/tick"
	"github.com/annel0/blockcore/internal/worker"
)

// fakeLoader хранилище в памяти с управляемыми задержками и ошибками
type fakeLoader struct {
	mu       sync.Mutex
	stored   map[ChunkCoord]*Chunk
	loads    map[ChunkCoord]int
	saves    map[ChunkCoord]int
	loadErr  error
	saveErr  error
	panicked bool

	loadGate chan struct{}
	saveGate chan struct{}
	loadWait time.Duration
	saveWait time.Duration

	parallelLoad bool
	parallelSave bool

	activeLoads atomic.Int32
	maxLoads    atomic.Int32
	activeSaves atomic.Int32
	maxSaves    atomic.Int32
}

func trackMax(active, max *atomic.Int32) {
	n := active.Add(1)
	for {
		m := max.Load()
		if n <= m || max.CompareAndSwap(m, n) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		stored:       make(map[ChunkCoord]*Chunk),
		loads:        make(map[ChunkCoord]int),
		saves:        make(map[ChunkCoord]int),
		parallelLoad: true,
		parallelSave: true,
	}
}

func (f *fakeLoader) LoadChunk(ctx context.Context, coord ChunkCoord) (*Chunk, error) {
	trackMax(&f.activeLoads, &f.maxLoads)
	defer f.activeLoads.Add(-1)

	f.mu.Lock()
	f.loads[coord]++
	gate, err, panicked, wait := f.loadGate, f.loadErr, f.panicked, f.loadWait
	stored := f.stored[coord]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if wait > 0 {
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, err
		}
	}
	if panicked {
		panic("хранилище сломано")
	}
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, nil
	}
	c := NewChunk(coord)
	for i := 0; i < SectionCount; i++ {
		if s := stored.Section(i); s != nil {
			_ = c.SetSection(i, s)
		}
	}
	return c, nil
}

func (f *fakeLoader) SaveChunk(ctx context.Context, c *Chunk) error {
	trackMax(&f.activeSaves, &f.maxSaves)
	defer f.activeSaves.Add(-1)

	f.mu.Lock()
	gate, err, wait := f.saveGate, f.saveErr, f.saveWait
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if wait > 0 {
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves[c.Coord()]++
	if err != nil {
		return err
	}
	f.stored[c.Coord()] = c
	return nil
}

func (f *fakeLoader) SupportsParallelLoading() bool { return f.parallelLoad }
func (f *fakeLoader) SupportsParallelSaving() bool  { return f.parallelSave }

func (f *fakeLoader) loadCount(c ChunkCoord) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[c]
}

func (f *fakeLoader) saveCount(c ChunkCoord) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves[c]
}

func newTestRegistry(t *testing.T, loader ChunkLoader, exec tick.Executor) *Registry {
	t.Helper()
	return newTestRegistryWith(t, RegistryConfig{Loader: loader, Executor: exec})
}

func newTestRegistryWith(t *testing.T, cfg RegistryConfig) *Registry {
	t.Helper()
	if cfg.Pool == nil {
		cfg.Pool = worker.NewPool(8, 256, nil)
	}
	t.Cleanup(cfg.Pool.Stop)
	cfg.Metrics = prometheus.NewRegistry()

	r, err := NewRegistry(cfg)
	require.NoError(t, err)
	return r
}

func waitIdle(t *testing.T, r *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.waitIdle(ctx))
}

func TestNewRegistryValidates(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{})
	assert.Error(t, err)
	_, err = NewRegistry(RegistryConfig{Loader: newFakeLoader()})
	assert.Error(t, err)
}

func TestEnsureLoadedGeneratesAbsentChunk(t *testing.T) {
	loader := newFakeLoader()
	r := newTestRegistry(t, loader, nil)
	coord := ChunkCoord{X: 0, Z: 0}

	assert.False(t, r.IsLoaded(coord))

	c, err := r.Load(context.Background(), coord)
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.True(t, r.IsLoaded(coord))
	assert.Equal(t, coord, c.Coord())
	assert.Equal(t, BlockGrass, c.Block(0, 3, 0), "чанк создан генератором")
	assert.True(t, c.Attached())
	assert.Equal(t, 1, loader.loadCount(coord))

	// Повторный запрос не обращается к хранилищу
	again, err := r.Load(context.Background(), coord)
	require.NoError(t, err)
	assert.Same(t, c, again)
	assert.Equal(t, 1, loader.loadCount(coord))
}

func TestConcurrentRequestsCoalesce(t *testing.T) {
	loader := newFakeLoader()
	loader.loadGate = make(chan struct{})
	r := newTestRegistry(t, loader, nil)
	coord := ChunkCoord{X: 4, Z: -7}

	const callers = 50
	results := make(chan *Chunk, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.EnsureLoaded(coord, func(c *Chunk, err error) {
				assert.NoError(t, err)
				results <- c
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, PendingLoad, r.State(coord))

	close(loader.loadGate)
	var first *Chunk
	for i := 0; i < callers; i++ {
		select {
		case c := <-results:
			if first == nil {
				first = c
			}
			assert.Same(t, first, c)
		case <-time.After(5 * time.Second):
			t.Fatal("не все обработчики вызваны")
		}
	}

	assert.Equal(t, 1, loader.loadCount(coord))
}

func TestCompletionAppliedOnTick(t *testing.T) {
	loader := newFakeLoader()
	q := tick.NewQueue()
	r := newTestRegistry(t, loader, q)
	coord := ChunkCoord{X: 1, Z: 1}

	called := false
	r.EnsureLoaded(coord, func(c *Chunk, err error) {
		called = true
	})

	require.Eventually(t, func() bool { return q.Len() > 0 }, 5*time.Second, time.Millisecond)
	assert.False(t, r.IsLoaded(coord), "чанк не загружен до тика")
	assert.False(t, called)

	q.Drain()
	assert.True(t, r.IsLoaded(coord))
	assert.True(t, called)
}

func TestIsLoadedNeverLoads(t *testing.T) {
	loader := newFakeLoader()
	r := newTestRegistry(t, loader, nil)
	coord := ChunkCoord{X: 9, Z: 9}

	assert.False(t, r.IsLoaded(coord))
	assert.Equal(t, Absent, r.State(coord))
	_, ok := r.Chunk(coord)
	assert.False(t, ok)
	assert.Equal(t, 0, loader.loadCount(coord))
}

func TestLoadFailureReturnsToAbsent(t *testing.T) {
	loader := newFakeLoader()
	loader.loadErr = errors.New("диск недоступен")
	r := newTestRegistry(t, loader, nil)
	coord := ChunkCoord{X: 2, Z: 3}

	_, err := r.Load(context.Background(), coord)
	var loadErr *ChunkLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, coord, loadErr.Coord)
	assert.ErrorIs(t, err, loader.loadErr)
	assert.Equal(t, Absent, r.State(coord))

	select {
	case reported := <-r.Errors():
		assert.ErrorAs(t, reported, &loadErr)
	default:
		t.Fatal("ошибка не попала в канал")
	}

	// Повтор выполняет вызывающий
	loader.mu.Lock()
	loader.loadErr = nil
	loader.mu.Unlock()
	c, err := r.Load(context.Background(), coord)
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.Equal(t, 2, loader.loadCount(coord))
}

func TestLoaderPanicBecomesError(t *testing.T) {
	loader := newFakeLoader()
	loader.panicked = true
	r := newTestRegistry(t, loader, nil)

	_, err := r.Load(context.Background(), ChunkCoord{})
	var loadErr *ChunkLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, err.Error(), "хранилище сломано")
	assert.Equal(t, Absent, r.State(ChunkCoord{}))
}

func TestStoredChunkIsClean(t *testing.T) {
	loader := newFakeLoader()
	stored := NewChunk(ChunkCoord{X: 5})
	require.NoError(t, stored.SetBlock(1, 1, 1, BlockSand))
	loader.stored[stored.Coord()] = stored

	r := newTestRegistry(t, loader, nil)
	c, err := r.Load(context.Background(), stored.Coord())
	require.NoError(t, err)
	assert.Equal(t, BlockSand, c.Block(1, 1, 1))
	assert.False(t, c.Dirty())
}

func TestUnloadRequiresResident(t *testing.T) {
	loader := newFakeLoader()
	loader.loadGate = make(chan struct{})
	r := newTestRegistry(t, loader, nil)
	coord := ChunkCoord{X: 1}

	assert.ErrorIs(t, r.Unload(coord), ErrNotResident)

	r.EnsureLoaded(coord, nil)
	assert.ErrorIs(t, r.Unload(coord), ErrNotResident, "нельзя выгрузить загружающийся чанк")
	close(loader.loadGate)
	waitIdle(t, r)

	require.NoError(t, r.Unload(coord))
	waitIdle(t, r)
	assert.Equal(t, Absent, r.State(coord))
	assert.Equal(t, 1, loader.saveCount(coord))
}

func TestUnloadSavesThenEvicts(t *testing.T) {
	loader := newFakeLoader()
	r := newTestRegistry(t, loader, nil)
	coord := ChunkCoord{X: -1, Z: 2}

	c, err := r.Load(context.Background(), coord)
	require.NoError(t, err)
	require.NoError(t, c.SetBlock(8, 100, 8, BlockStone))

	require.NoError(t, r.Unload(coord))
	waitIdle(t, r)

	assert.False(t, r.IsLoaded(coord))
	assert.False(t, c.Attached())

	reloaded, err := r.Load(context.Background(), coord)
	require.NoError(t, err)
	assert.NotSame(t, c, reloaded)
	assert.Equal(t, BlockStone, reloaded.Block(8, 100, 8))
}

func TestFailedSaveStillEvicts(t *testing.T) {
	loader := newFakeLoader()
	loader.saveErr = errors.New("нет места")
	r := newTestRegistry(t, loader, nil)
	coord := ChunkCoord{X: 7, Z: 7}

	var handled atomic.Int32
	r.SetErrorHandler(func(error) { handled.Add(1) })

	_, err := r.Load(context.Background(), coord)
	require.NoError(t, err)
	require.NoError(t, r.Unload(coord))
	waitIdle(t, r)

	assert.Equal(t, Absent, r.State(coord))
	assert.Equal(t, int32(1), handled.Load())

	select {
	case reported := <-r.Errors():
		var saveErr *ChunkSaveError
		require.ErrorAs(t, reported, &saveErr)
		assert.Equal(t, coord, saveErr.Coord)
		assert.ErrorIs(t, reported, loader.saveErr)
	default:
		t.Fatal("ошибка сохранения не попала в канал")
	}
}

func TestEnsureLoadedDuringUnloadReloads(t *testing.T) {
	loader := newFakeLoader()
	r := newTestRegistry(t, loader, nil)
	coord := ChunkCoord{X: 3, Z: 3}

	first, err := r.Load(context.Background(), coord)
	require.NoError(t, err)
	require.NoError(t, first.SetBlock(0, 200, 0, BlockSand))

	loader.mu.Lock()
	loader.saveGate = make(chan struct{})
	gate := loader.saveGate
	loader.mu.Unlock()

	require.NoError(t, r.Unload(coord))
	assert.Equal(t, PendingUnload, r.State(coord))

	got := make(chan *Chunk, 1)
	r.EnsureLoaded(coord, func(c *Chunk, err error) {
		assert.NoError(t, err)
		got <- c
	})
	assert.Equal(t, PendingUnload, r.State(coord))
	assert.Equal(t, 1, loader.loadCount(coord))

	close(gate)
	select {
	case c := <-got:
		assert.NotSame(t, first, c)
		assert.Equal(t, BlockSand, c.Block(0, 200, 0), "повторная загрузка видит сохранённые данные")
	case <-time.After(5 * time.Second):
		t.Fatal("повторная загрузка не завершилась")
	}
	assert.True(t, r.IsLoaded(coord))
	assert.Equal(t, 2, loader.loadCount(coord))
}

func TestNonParallelSaverRunsOneAtATime(t *testing.T) {
	loader := newFakeLoader()
	loader.parallelSave = false
	loader.saveWait = 5 * time.Millisecond
	r := newTestRegistry(t, loader, nil)

	coords := Square(ChunkCoord{}, 2)
	for _, coord := range coords {
		_, err := r.Load(context.Background(), coord)
		require.NoError(t, err)
	}

	saved, err := r.SaveAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(coords), saved)
	assert.Equal(t, int32(1), loader.maxSaves.Load())

	for _, coord := range coords {
		c, ok := r.Chunk(coord)
		require.True(t, ok)
		assert.False(t, c.Dirty())
	}

	// Чистые чанки не сохраняются повторно
	saved, err = r.SaveAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, saved)
}

func TestNonParallelLoaderRunsOneAtATime(t *testing.T) {
	loader := newFakeLoader()
	loader.parallelLoad = false
	loader.loadWait = 5 * time.Millisecond
	r := newTestRegistry(t, loader, nil)

	coords := Square(ChunkCoord{}, 2)
	for _, coord := range coords {
		r.EnsureLoaded(coord, nil)
	}
	waitIdle(t, r)

	assert.Equal(t, int32(1), loader.maxLoads.Load())
	for _, coord := range coords {
		assert.True(t, r.IsLoaded(coord))
		assert.Equal(t, 1, loader.loadCount(coord))
	}
}

func TestQueuedSavesNotLimitedByIOTimeout(t *testing.T) {
	loader := newFakeLoader()
	loader.parallelSave = false
	loader.saveWait = 40 * time.Millisecond
	r := newTestRegistryWith(t, RegistryConfig{
		Loader:    loader,
		IOTimeout: 100 * time.Millisecond,
	})

	var (
		mu   sync.Mutex
		errs []error
	)
	r.SetErrorHandler(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})

	// Шесть сохранений подряд занимают больше IOTimeout, но каждое
	// отдельное укладывается в него
	coords := Square(ChunkCoord{X: 3}, 1)[:6]
	for _, coord := range coords {
		_, err := r.Load(context.Background(), coord)
		require.NoError(t, err)
	}
	for _, coord := range coords {
		require.NoError(t, r.Unload(coord))
	}
	waitIdle(t, r)

	mu.Lock()
	assert.Empty(t, errs)
	mu.Unlock()
	assert.Equal(t, int32(1), loader.maxSaves.Load())
	for _, coord := range coords {
		assert.Equal(t, 1, loader.saveCount(coord))
		assert.False(t, r.IsLoaded(coord))
	}
}

func TestIOTimeoutStillBoundsSlowSave(t *testing.T) {
	loader := newFakeLoader()
	loader.parallelSave = false
	loader.saveWait = time.Second
	r := newTestRegistryWith(t, RegistryConfig{
		Loader:    loader,
		IOTimeout: 20 * time.Millisecond,
	})

	coord := ChunkCoord{X: -7, Z: 2}
	_, err := r.Load(context.Background(), coord)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = r.SaveAll(ctx)
	var se *ChunkSaveError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSaturatedPoolDoesNotBlockCaller(t *testing.T) {
	loader := newFakeLoader()
	loader.parallelLoad = false
	loader.parallelSave = false
	loader.loadGate = make(chan struct{})
	r := newTestRegistryWith(t, RegistryConfig{
		Loader: loader,
		Pool:   worker.NewPool(1, 1, nil),
	})

	coords := Square(ChunkCoord{X: 40, Z: 40}, 3)
	returned := make(chan struct{})
	go func() {
		for _, coord := range coords {
			r.EnsureLoaded(coord, nil)
		}
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("EnsureLoaded заблокировался на заполненном пуле")
	}

	close(loader.loadGate)
	waitIdle(t, r)
	for _, coord := range coords {
		assert.True(t, r.IsLoaded(coord))
	}
	assert.Equal(t, int32(1), loader.maxLoads.Load())
}

func TestCloseSavesEverything(t *testing.T) {
	loader := newFakeLoader()
	r := newTestRegistry(t, loader, nil)

	coords := Square(ChunkCoord{X: 10, Z: 10}, 1)
	for _, coord := range coords {
		r.EnsureLoaded(coord, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	assert.Empty(t, r.Resident())
	for _, coord := range coords {
		assert.Equal(t, 1, loader.saveCount(coord))
	}

	_, err := r.Load(context.Background(), ChunkCoord{})
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.ErrorIs(t, r.Close(ctx), ErrRegistryClosed)
}

func TestNeighbourLookup(t *testing.T) {
	r := newTestRegistry(t, newFakeLoader(), nil)

	a, err := r.Load(context.Background(), ChunkCoord{X: 0})
	require.NoError(t, err)
	_, ok := a.Neighbour(1, 0)
	assert.False(t, ok)

	b, err := r.Load(context.Background(), ChunkCoord{X: 1})
	require.NoError(t, err)
	n, ok := a.Neighbour(1, 0)
	require.True(t, ok)
	assert.Same(t, b, n)

	counts := r.Counts()
	assert.Equal(t, 2, counts[Resident])
}
