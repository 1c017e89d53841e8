package worker

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/getsentry/sentry-go"

	"github.com/annel0/blockcore/internal/logging"
)

// ErrPoolStopped возвращается при отправке задачи в остановленный пул
var ErrPoolStopped = errors.New("пул воркеров остановлен")

// PanicHandler вызывается, если задача запаниковала
type PanicHandler func(recovered interface{})

// Pool выполняет задачи ввода-вывода вне тикового потока.
// Задача, запаниковавшая внутри пула, не роняет воркер.
// Submit не блокируется: задачи сверх ёмкости очереди копятся в
// хвосте и переходят в очередь по мере её освобождения.
type Pool struct {
	queue    chan func()
	workers  int
	wg       sync.WaitGroup
	stopOnce sync.Once
	mu       sync.Mutex
	stopped  bool
	backlog  []func()
	logger   *logging.Logger
	onPanic  atomic.Pointer[PanicHandler]

	submitted atomic.Int64
	completed atomic.Int64
	panics    atomic.Int64
}

// Stats статистика пула
type Stats struct {
	Workers   int
	Queued    int
	Backlog   int
	Submitted int64
	Completed int64
	Panics    int64
}

// NewPool создаёт пул из workerCount горутин с очередью queueSize
func NewPool(workerCount, queueSize int, logger *logging.Logger) *Pool {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = workerCount * 64
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	p := &Pool{
		queue:   make(chan func(), queueSize),
		workers: workerCount,
		logger:  logger,
	}

	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	logger.Debug("Запущено %d воркеров (очередь %d)", workerCount, queueSize)
	return p
}

// OnPanic устанавливает обработчик паник задач
func (p *Pool) OnPanic(h PanicHandler) {
	p.onPanic.Store(&h)
}

// Submit ставит задачу в очередь и никогда не блокируется. Порядок
// постановки сохраняется.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	p.submitted.Add(1)
	if len(p.backlog) == 0 {
		select {
		case p.queue <- task:
			return nil
		default:
		}
	}
	p.backlog = append(p.backlog, task)
	return nil
}

// Stop перестаёт принимать задачи и дожидается выполнения очереди
// вместе с хвостом
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()
	})
	p.wg.Wait()
}

// Stats возвращает снимок статистики
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	backlog := len(p.backlog)
	p.mu.Unlock()

	return Stats{
		Workers:   p.workers,
		Queued:    len(p.queue),
		Backlog:   backlog,
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.queue {
		p.refill()
		p.run(id, task)
	}

	// очередь закрыта, дорабатываем хвост
	for {
		task := p.takeBacklog()
		if task == nil {
			return
		}
		p.run(id, task)
	}
}

// refill переносит задачи из хвоста в освободившиеся места очереди
func (p *Pool) refill() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}
	for len(p.backlog) > 0 {
		select {
		case p.queue <- p.backlog[0]:
			p.backlog[0] = nil
			p.backlog = p.backlog[1:]
		default:
			return
		}
	}
}

func (p *Pool) takeBacklog() func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.backlog) == 0 {
		return nil
	}
	task := p.backlog[0]
	p.backlog[0] = nil
	p.backlog = p.backlog[1:]
	return task
}

func (p *Pool) run(id int, task func()) {
	defer p.completed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			sentry.CurrentHub().Recover(r)
			p.logger.Error("Паника в воркере %d: %v", id, r)

			if h := p.onPanic.Load(); h != nil && *h != nil {
				(*h)(r)
			}
		}
	}()

	task()
}

// PanicError превращает значение recover() в ошибку
func PanicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
