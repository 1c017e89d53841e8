package world

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"github.com/annel0/blockcore/internal/logging"
	"github.com/annel0/blockcore/internal/tick"
	"github.com/annel0/blockcore/internal/worker"
)

// State состояние координаты в реестре
type State int

const (
	Absent State = iota
	PendingLoad
	Resident
	PendingUnload
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case PendingLoad:
		return "pending_load"
	case Resident:
		return "resident"
	case PendingUnload:
		return "pending_unload"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LoadCallback получает загруженный чанк или ошибку. Для загрузок,
// прошедших через хранилище, вызывается на тиковом потоке.
type LoadCallback func(c *Chunk, err error)

const (
	shardCount       = 64
	saveAllLimit     = 16
	defaultErrBuffer = 64
)

type entry struct {
	state   State
	chunk   *Chunk
	waiters []LoadCallback
	reload  []LoadCallback
	started time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[ChunkCoord]*entry
}

// RegistryConfig параметры реестра
type RegistryConfig struct {
	Loader    ChunkLoader
	Generator Generator
	Pool      *worker.Pool
	// Executor выполняет завершения операций. По умолчанию tick.Immediate.
	Executor tick.Executor
	Logger   *logging.Logger
	// Metrics регистр для метрик реестра. nil - метрики не регистрируются.
	Metrics     prometheus.Registerer
	IOTimeout   time.Duration
	ErrorBuffer int
}

// Registry отображение координат в чанки. Загружает и выгружает чанки
// асинхронно, объединяя одновременные запросы одной координаты.
type Registry struct {
	shards   [shardCount]shard
	async    *AsyncLoader
	gen      Generator
	exec     tick.Executor
	logger   *logging.Logger
	metrics  *registryMetrics
	inflight tracker
	closed   atomic.Bool

	errs      chan error
	handlerMu sync.RWMutex
	onError   func(error)
}

// NewRegistry создаёт реестр
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Loader == nil {
		return nil, errors.New("не задан загрузчик чанков")
	}
	if cfg.Pool == nil {
		return nil, errors.New("не задан пул воркеров")
	}
	if cfg.Generator == nil {
		cfg.Generator = NewFlatGenerator()
	}
	if cfg.Executor == nil {
		cfg.Executor = tick.Immediate{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.ErrorBuffer <= 0 {
		cfg.ErrorBuffer = defaultErrBuffer
	}

	r := &Registry{
		async:   NewAsyncLoader(cfg.Loader, cfg.Pool),
		gen:     cfg.Generator,
		exec:    cfg.Executor,
		logger:  cfg.Logger,
		metrics: newRegistryMetrics(),
		errs:    make(chan error, cfg.ErrorBuffer),
	}
	r.async.SetTimeout(cfg.IOTimeout)
	for i := range r.shards {
		r.shards[i].entries = make(map[ChunkCoord]*entry)
	}

	if cfg.Metrics != nil {
		if err := r.metrics.register(cfg.Metrics); err != nil {
			return nil, fmt.Errorf("регистрация метрик реестра: %w", err)
		}
	}

	r.logger.Info("🧱 Реестр чанков создан (параллельная загрузка: %v, параллельное сохранение: %v)",
		cfg.Loader.SupportsParallelLoading(), cfg.Loader.SupportsParallelSaving())
	return r, nil
}

func (r *Registry) shard(coord ChunkCoord) *shard {
	var key [8]byte
	binary.LittleEndian.PutUint32(key[0:4], uint32(coord.X))
	binary.LittleEndian.PutUint32(key[4:8], uint32(coord.Z))
	return &r.shards[xxh3.Hash(key[:])%shardCount]
}

// EnsureLoaded гарантирует загрузку чанка и вызывает cb, когда он готов.
// Для загруженного чанка cb вызывается сразу в вызывающей горутине.
// Одновременные запросы одной координаты порождают одну загрузку.
func (r *Registry) EnsureLoaded(coord ChunkCoord, cb LoadCallback) {
	if cb == nil {
		cb = func(*Chunk, error) {}
	}

	sh := r.shard(coord)
	sh.mu.Lock()
	if e, ok := sh.entries[coord]; ok {
		switch e.state {
		case Resident:
			c := e.chunk
			sh.mu.Unlock()
			cb(c, nil)
			return
		case PendingLoad:
			e.waiters = append(e.waiters, cb)
			sh.mu.Unlock()
			r.metrics.coalesced.Inc()
			return
		case PendingUnload:
			// Загрузка начнётся после завершения сохранения
			e.reload = append(e.reload, cb)
			sh.mu.Unlock()
			r.metrics.coalesced.Inc()
			return
		}
	}

	if r.closed.Load() {
		sh.mu.Unlock()
		cb(nil, ErrRegistryClosed)
		return
	}

	sh.entries[coord] = &entry{
		state:   PendingLoad,
		waiters: []LoadCallback{cb},
		started: time.Now(),
	}
	r.inflight.add()
	sh.mu.Unlock()

	r.metrics.pending.Inc()
	r.logger.Debug("📥 Загрузка чанка %s", coord)
	r.issueLoad(coord)
}

// Load блокирующая загрузка для кода вне тикового потока.
// Нельзя вызывать из тикового потока, если Executor - очередь тика.
func (r *Registry) Load(ctx context.Context, coord ChunkCoord) (*Chunk, error) {
	type result struct {
		c   *Chunk
		err error
	}
	done := make(chan result, 1)
	r.EnsureLoaded(coord, func(c *Chunk, err error) {
		done <- result{c, err}
	})

	select {
	case res := <-done:
		return res.c, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) issueLoad(coord ChunkCoord) {
	r.async.Load(coord, func(c *Chunk, err error) {
		result := "stored"
		switch {
		case err != nil:
			result = "error"
		case c == nil:
			result = "generated"
			c, err = r.generate(coord)
			if err != nil {
				result = "error"
			}
		default:
			c.MarkClean()
		}

		r.exec.Execute(func() {
			defer r.inflight.done()
			r.completeLoad(coord, c, err, result)
		})
	})
}

func (r *Registry) generate(coord ChunkCoord) (c *Chunk, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			c, err = nil, &ChunkLoadError{Coord: coord, Err: worker.PanicError(rec)}
		}
	}()
	c = r.gen.Generate(coord)
	if c == nil {
		return nil, &ChunkLoadError{Coord: coord, Err: errors.New("генератор вернул nil")}
	}
	return c, nil
}

func (r *Registry) completeLoad(coord ChunkCoord, c *Chunk, err error, result string) {
	sh := r.shard(coord)
	sh.mu.Lock()
	e, ok := sh.entries[coord]
	if !ok || e.state != PendingLoad {
		sh.mu.Unlock()
		r.logger.Error("Завершение загрузки %s в неожиданном состоянии", coord)
		return
	}
	waiters := e.waiters
	e.waiters = nil
	started := e.started

	if err != nil {
		delete(sh.entries, coord)
	} else {
		c.attach(r)
		e.chunk = c
		e.state = Resident
	}
	sh.mu.Unlock()

	r.metrics.pending.Dec()
	r.metrics.observeLoad(result, started)

	if err != nil {
		r.logger.Warn("⚠️ Чанк %s не загружен: %v", coord, err)
		r.report(err)
		c = nil
	} else {
		r.metrics.resident.Inc()
		r.logger.Debug("✅ Чанк %s загружен (%s)", coord, result)
	}

	for _, w := range waiters {
		r.notify(w, c, err)
	}
}

func (r *Registry) notify(cb LoadCallback, c *Chunk, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Паника в обработчике загрузки чанка: %v", rec)
		}
	}()
	cb(c, err)
}

// IsLoaded сообщает, загружен ли чанк. Никогда не запускает загрузку.
func (r *Registry) IsLoaded(coord ChunkCoord) bool {
	return r.State(coord) == Resident
}

// State возвращает состояние координаты
func (r *Registry) State(coord ChunkCoord) State {
	sh := r.shard(coord)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[coord]; ok {
		return e.state
	}
	return Absent
}

// Chunk возвращает загруженный чанк
func (r *Registry) Chunk(coord ChunkCoord) (*Chunk, bool) {
	sh := r.shard(coord)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[coord]; ok && e.state == Resident {
		return e.chunk, true
	}
	return nil, false
}

// Resident возвращает координаты всех загруженных чанков
func (r *Registry) Resident() []ChunkCoord {
	var out []ChunkCoord
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for coord, e := range sh.entries {
			if e.state == Resident {
				out = append(out, coord)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// Counts возвращает количество координат в каждом состоянии
func (r *Registry) Counts() map[State]int {
	counts := make(map[State]int, 3)
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for _, e := range sh.entries {
			counts[e.state]++
		}
		sh.mu.Unlock()
	}
	return counts
}

// Unload сохраняет и выгружает чанк. Допустим только для загруженного
// чанка. Чанк выгружается даже при ошибке сохранения; ошибка уходит в
// канал Errors.
func (r *Registry) Unload(coord ChunkCoord) error {
	sh := r.shard(coord)
	sh.mu.Lock()
	e, ok := sh.entries[coord]
	if !ok || e.state != Resident {
		sh.mu.Unlock()
		return ErrNotResident
	}
	e.state = PendingUnload
	c := e.chunk
	r.inflight.add()
	sh.mu.Unlock()

	r.metrics.resident.Dec()
	r.metrics.pending.Inc()
	r.logger.Debug("📤 Выгрузка чанка %s", coord)

	started := time.Now()
	r.async.Save(c, func(err error) {
		r.exec.Execute(func() {
			defer r.inflight.done()
			r.completeUnload(coord, c, err, started)
		})
	})
	return nil
}

func (r *Registry) completeUnload(coord ChunkCoord, c *Chunk, err error, started time.Time) {
	sh := r.shard(coord)
	sh.mu.Lock()
	e, ok := sh.entries[coord]
	if !ok || e.state != PendingUnload || e.chunk != c {
		sh.mu.Unlock()
		r.logger.Error("Завершение выгрузки %s в неожиданном состоянии", coord)
		return
	}

	reload := e.reload
	e.reload = nil
	c.detach()

	reissue := len(reload) > 0 && !r.closed.Load()
	if reissue {
		e.state = PendingLoad
		e.chunk = nil
		e.waiters = reload
		e.started = time.Now()
		r.inflight.add()
	} else {
		delete(sh.entries, coord)
	}
	sh.mu.Unlock()

	r.metrics.observeSave(err, started)
	if !reissue {
		r.metrics.pending.Dec()
	}

	if err != nil {
		r.logger.Error("💥 Чанк %s выгружен без сохранения, изменения потеряны: %v", coord, err)
		r.report(err)
	}

	if reissue {
		r.logger.Debug("🔁 Повторная загрузка чанка %s после выгрузки", coord)
		r.issueLoad(coord)
		return
	}
	for _, w := range reload {
		r.notify(w, nil, ErrRegistryClosed)
	}
}

// SaveAll сохраняет все изменённые загруженные чанки и возвращает их
// количество. Чанки остаются загруженными.
func (r *Registry) SaveAll(ctx context.Context) (int, error) {
	var dirty []*Chunk
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.state == Resident && e.chunk.Dirty() {
				dirty = append(dirty, e.chunk)
			}
		}
		sh.mu.Unlock()
	}
	if len(dirty) == 0 {
		return 0, nil
	}

	var (
		mu    sync.Mutex
		errs  []error
		saved int
	)
	g := new(errgroup.Group)
	g.SetLimit(saveAllLimit)

	for _, c := range dirty {
		c := c
		g.Go(func() error {
			err := r.saveSync(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			} else {
				saved++
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		r.logger.Error("Автосохранение: %d из %d чанков не сохранены", len(errs), len(dirty))
		return saved, errors.Join(errs...)
	}
	r.logger.Debug("💾 Сохранено чанков: %d", saved)
	return saved, nil
}

func (r *Registry) saveSync(ctx context.Context, c *Chunk) error {
	done := make(chan error, 1)
	started := time.Now()
	r.inflight.add()
	r.async.Save(c, func(err error) {
		r.metrics.observeSave(err, started)
		if err != nil {
			r.report(err)
		}
		r.inflight.done()
		done <- err
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close запрещает новые загрузки, сохраняет и выгружает все чанки и
// дожидается завершения операций ввода-вывода.
func (r *Registry) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrRegistryClosed
	}
	r.logger.Info("🛑 Закрытие реестра чанков")

	for {
		if err := r.waitIdle(ctx); err != nil {
			return err
		}
		resident := r.Resident()
		if len(resident) == 0 {
			break
		}
		for _, coord := range resident {
			_ = r.Unload(coord)
		}
	}

	r.logger.Info("✅ Реестр чанков закрыт")
	return nil
}

func (r *Registry) waitIdle(ctx context.Context) error {
	select {
	case <-r.inflight.wait():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ожидание операций с чанками: %w", ctx.Err())
	}
}

// InFlight количество незавершённых операций ввода-вывода
func (r *Registry) InFlight() int {
	return r.inflight.count()
}

// Closed сообщает, закрыт ли реестр
func (r *Registry) Closed() bool {
	return r.closed.Load()
}

// Errors канал асинхронных ошибок загрузки и сохранения. При
// переполнении новые ошибки отбрасываются с записью в лог.
func (r *Registry) Errors() <-chan error {
	return r.errs
}

// SetErrorHandler устанавливает обработчик асинхронных ошибок
func (r *Registry) SetErrorHandler(h func(error)) {
	r.handlerMu.Lock()
	r.onError = h
	r.handlerMu.Unlock()
}

func (r *Registry) report(err error) {
	r.handlerMu.RLock()
	h := r.onError
	r.handlerMu.RUnlock()
	if h != nil {
		h(err)
	}

	select {
	case r.errs <- err:
	default:
		r.logger.Warn("Канал ошибок реестра переполнен, ошибка отброшена: %v", err)
	}
}

// tracker считает незавершённые операции и позволяет дождаться нуля
type tracker struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (t *tracker) add() {
	t.mu.Lock()
	if t.n == 0 {
		t.zero = make(chan struct{})
	}
	t.n++
	t.mu.Unlock()
}

func (t *tracker) done() {
	t.mu.Lock()
	t.n--
	if t.n == 0 {
		close(t.zero)
	}
	t.mu.Unlock()
}

func (t *tracker) wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		return closedChan
	}
	return t.zero
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}
