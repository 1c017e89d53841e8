// Package tick владеет контекстом симуляции. Всё, что меняет состояние
// мира (входящие пакеты, завершения загрузки чанков), ставится в Queue и
// выполняется на тиковом потоке в начале очередного тика.
package tick

import "sync"

// Executor выполняет задачу в контексте тика
type Executor interface {
	Execute(task func())
}

// Queue очередь задач, которые будут выполнены на следующем тике
type Queue struct {
	mu      sync.Mutex
	pending []func()
	spare   []func()
	notify  chan struct{}
}

// NewQueue создаёт пустую очередь
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Execute ставит задачу в очередь. Безопасен для вызова из любых горутин.
func (q *Queue) Execute(task func()) {
	q.mu.Lock()
	q.pending = append(q.pending, task)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len возвращает количество ожидающих задач
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Notify возвращает канал, сигнализирующий о появлении задач
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Drain выполняет все задачи, поставленные до начала вызова, и
// возвращает их количество. Задачи, добавленные во время выполнения,
// остаются до следующего Drain.
func (q *Queue) Drain() int {
	q.mu.Lock()
	batch := q.pending
	q.pending = q.spare[:0]
	q.mu.Unlock()

	for i, task := range batch {
		task()
		batch[i] = nil
	}

	q.mu.Lock()
	q.spare = batch[:0]
	q.mu.Unlock()

	return len(batch)
}

// Immediate выполняет задачи сразу в вызывающей горутине.
// Используется утилитами и тестами, у которых нет тикового цикла.
type Immediate struct{}

// Execute реализует Executor
func (Immediate) Execute(task func()) {
	task()
}
