package network

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/annel0/blockcore/internal/logging"
)

// Handler обслуживает соединение до его закрытия
type Handler func(ctx context.Context, c *Conn)

// Server принимает соединения и запускает обработчик на каждое
type Server struct {
	listener Listener
	handler  Handler
	cfg      ConnConfig
	metrics  *Metrics
	logger   *logging.Logger

	mu    sync.Mutex
	conns map[string]*Conn
	wg    sync.WaitGroup
}

// NewServer создаёт сервер поверх открытого слушателя
func NewServer(l Listener, handler Handler, cfg ConnConfig, metrics *Metrics, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		listener: l,
		handler:  handler,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		conns:    make(map[string]*Conn),
	}
}

// Addr адрес слушателя
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve принимает соединения до отмены ctx, затем закрывает слушатель
// и все соединения и ждёт завершения обработчиков.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("🌐 %s сервер слушает %s", s.listener.Transport(), s.Addr())

	stop := context.AfterFunc(ctx, func() {
		s.listener.Close()
	})
	defer stop()

	for {
		raw, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, ErrListenerClosed) || ctx.Err() != nil {
				break
			}
			s.logger.Warn("Ошибка принятия соединения: %v", err)
			select {
			case <-time.After(50 * time.Millisecond):
				continue
			case <-ctx.Done():
			}
			break
		}

		c := NewConn(raw, s.listener.Transport(), s.cfg, s.metrics, s.logger)
		s.mu.Lock()
		s.conns[c.ID()] = c
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				c.Close()
				s.mu.Lock()
				delete(s.conns, c.ID())
				s.mu.Unlock()
			}()
			s.handler(ctx, c)
		}()
	}

	s.listener.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("🛑 %s сервер остановлен", s.listener.Transport())
	return nil
}

// Connections число открытых соединений
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
