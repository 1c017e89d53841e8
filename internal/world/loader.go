package world

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/annel0/blockcore/internal/worker"
)

// ChunkLoader хранилище чанков. Методы блокирующие и вызываются только
// из воркеров AsyncLoader.
type ChunkLoader interface {
	// LoadChunk читает чанк. (nil, nil) означает, что данных нет.
	LoadChunk(ctx context.Context, coord ChunkCoord) (*Chunk, error)
	// SaveChunk записывает чанк целиком
	SaveChunk(ctx context.Context, c *Chunk) error
	// SupportsParallelLoading разрешает одновременные LoadChunk
	SupportsParallelLoading() bool
	// SupportsParallelSaving разрешает одновременные SaveChunk
	SupportsParallelSaving() bool
}

// AsyncLoader выполняет операции ChunkLoader на пуле воркеров.
// Каждый вызов Load/Save завершается ровно одним вызовом done,
// в том числе при панике загрузчика или остановленном пуле.
type AsyncLoader struct {
	loader   ChunkLoader
	pool     *worker.Pool
	loadLane *serialLane
	saveLane *serialLane
	timeout  time.Duration
	tracer   trace.Tracer
}

// NewAsyncLoader оборачивает загрузчик. Флаги параллельности читаются
// один раз: непараллельные операции идут через очередь, которая
// пропускает в пул не больше одной задачи.
func NewAsyncLoader(loader ChunkLoader, pool *worker.Pool) *AsyncLoader {
	a := &AsyncLoader{
		loader: loader,
		pool:   pool,
		tracer: otel.Tracer("blockcore/world"),
	}
	if !loader.SupportsParallelLoading() {
		a.loadLane = newSerialLane(pool)
	}
	if !loader.SupportsParallelSaving() {
		a.saveLane = newSerialLane(pool)
	}
	return a
}

// SetTimeout ограничивает время одной операции хранилища. Отсчёт идёт с
// момента вызова загрузчика, ожидание в очереди не учитывается.
// 0 - без ограничения.
func (a *AsyncLoader) SetTimeout(d time.Duration) {
	a.timeout = d
}

// Loader возвращает обёрнутый загрузчик
func (a *AsyncLoader) Loader() ChunkLoader {
	return a.loader
}

// Load загружает чанк асинхронно. done вызывается из воркера.
func (a *AsyncLoader) Load(coord ChunkCoord, done func(*Chunk, error)) {
	a.dispatch(a.loadLane, laneJob{
		run: func() {
			c, err := a.loadNow(coord)
			done(c, err)
		},
		fail: func(err error) {
			done(nil, &ChunkLoadError{Coord: coord, Err: err})
		},
	})
}

// Save сохраняет чанк асинхронно. done вызывается из воркера.
func (a *AsyncLoader) Save(c *Chunk, done func(error)) {
	a.dispatch(a.saveLane, laneJob{
		run: func() {
			done(a.saveNow(c))
		},
		fail: func(err error) {
			done(&ChunkSaveError{Coord: c.Coord(), Err: err})
		},
	})
}

func (a *AsyncLoader) dispatch(lane *serialLane, job laneJob) {
	if lane != nil {
		lane.push(job)
		return
	}
	if err := a.pool.Submit(job.run); err != nil {
		job.fail(err)
	}
}

func (a *AsyncLoader) operationContext() (context.Context, context.CancelFunc) {
	if a.timeout > 0 {
		return context.WithTimeout(context.Background(), a.timeout)
	}
	return context.WithCancel(context.Background())
}

func (a *AsyncLoader) loadNow(coord ChunkCoord) (c *Chunk, err error) {
	ctx, cancel := a.operationContext()
	defer cancel()

	ctx, span := a.tracer.Start(ctx, "chunk.load", trace.WithAttributes(
		attribute.Int("chunk.x", int(coord.X)),
		attribute.Int("chunk.z", int(coord.Z)),
	))
	defer span.End()

	c, err = a.callLoad(ctx, coord)
	if err == nil && c != nil && c.Coord() != coord {
		err = fmt.Errorf("загрузчик вернул чанк %s", c.Coord())
		c = nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var le *ChunkLoadError
		if !errors.As(err, &le) {
			err = &ChunkLoadError{Coord: coord, Err: err}
		}
		return nil, err
	}
	span.SetAttributes(attribute.Bool("chunk.found", c != nil))
	return c, nil
}

func (a *AsyncLoader) callLoad(ctx context.Context, coord ChunkCoord) (c *Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, worker.PanicError(r)
		}
	}()
	return a.loader.LoadChunk(ctx, coord)
}

func (a *AsyncLoader) saveNow(c *Chunk) error {
	ctx, cancel := a.operationContext()
	defer cancel()

	coord := c.Coord()
	ctx, span := a.tracer.Start(ctx, "chunk.save", trace.WithAttributes(
		attribute.Int("chunk.x", int(coord.X)),
		attribute.Int("chunk.z", int(coord.Z)),
	))
	defer span.End()

	version := c.Version()
	if err := a.callSave(ctx, c); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var se *ChunkSaveError
		if errors.As(err, &se) {
			return err
		}
		return &ChunkSaveError{Coord: coord, Err: err}
	}
	c.MarkSaved(version)
	return nil
}

func (a *AsyncLoader) callSave(ctx context.Context, c *Chunk) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = worker.PanicError(r)
		}
	}()
	return a.loader.SaveChunk(ctx, c)
}

type laneJob struct {
	run  func()
	fail func(error)
}

// serialLane очередь операций загрузчика без поддержки параллельности.
// Ожидающие задачи держатся здесь, а не в пуле, так что воркеры не
// простаивают в ожидании своей очереди.
type serialLane struct {
	pool    *worker.Pool
	sem     *semaphore.Weighted
	mu      sync.Mutex
	pending []laneJob
}

func newSerialLane(pool *worker.Pool) *serialLane {
	return &serialLane{pool: pool, sem: semaphore.NewWeighted(1)}
}

func (l *serialLane) push(job laneJob) {
	l.mu.Lock()
	l.pending = append(l.pending, job)
	l.mu.Unlock()
	l.next()
}

func (l *serialLane) pop() (laneJob, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pending) == 0 {
		return laneJob{}, false
	}
	job := l.pending[0]
	l.pending[0] = laneJob{}
	l.pending = l.pending[1:]
	return job, true
}

func (l *serialLane) empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending) == 0
}

// next запускает следующую задачу, если слот свободен
func (l *serialLane) next() {
	for {
		if !l.sem.TryAcquire(1) {
			return
		}
		job, ok := l.pop()
		if !ok {
			l.sem.Release(1)
			// push мог добавить задачу, пока слот был занят
			if l.empty() {
				return
			}
			continue
		}

		err := l.pool.Submit(func() {
			defer func() {
				l.sem.Release(1)
				l.next()
			}()
			job.run()
		})
		if err == nil {
			return
		}
		l.sem.Release(1)
		job.fail(err)
	}
}
