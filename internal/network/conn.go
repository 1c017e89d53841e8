package network

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/annel0/blockcore/internal/logging"
	"github.com/annel0/blockcore/internal/protocol"
)

// ErrConnClosed соединение уже закрыто
var ErrConnClosed = errors.New("соединение закрыто")

// ErrSendBufferFull клиент не успевает читать, соединение разорвано
var ErrSendBufferFull = errors.New("очередь отправки переполнена")

// DefaultSendBuffer размер очереди исходящих кадров по умолчанию
const DefaultSendBuffer = 256

// ConnConfig параметры соединения
type ConnConfig struct {
	CompressionThreshold int
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	// SendBuffer число кадров, ожидающих записи в сокет
	SendBuffer int
}

// DefaultConnConfig возвращает настройки по умолчанию
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		CompressionThreshold: 256,
		ReadTimeout:          30 * time.Second,
		WriteTimeout:         10 * time.Second,
		SendBuffer:           DefaultSendBuffer,
	}
}

// Conn игровое соединение поверх потокового транспорта.
// Send не блокируется: кадры пишет в сокет отдельная горутина.
// Send безопасен для вызова из нескольких горутин, ReadPacket из одной.
type Conn struct {
	id        string
	transport Transport
	raw       net.Conn
	reader    *bufio.Reader
	codec     *FrameCodec
	cfg       ConnConfig
	metrics   *Metrics
	logger    *logging.Logger

	sendBuffer chan []byte
	quit       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	flush      bool
	closed     atomic.Bool
}

// NewConn оборачивает установленное соединение и запускает горутину записи
func NewConn(raw net.Conn, transport Transport, cfg ConnConfig, metrics *Metrics, logger *logging.Logger) *Conn {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	id := uuid.NewString()
	metrics.connOpened(transport)
	c := &Conn{
		id:         id,
		transport:  transport,
		raw:        raw,
		reader:     bufio.NewReader(raw),
		codec:      NewFrameCodec(cfg.CompressionThreshold),
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger.With("conn", id, "remote", raw.RemoteAddr().String()),
		sendBuffer: make(chan []byte, cfg.SendBuffer),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.sendLoop()
	return c
}

// ID уникальный идентификатор соединения
func (c *Conn) ID() string { return c.id }

// Transport тип транспорта
func (c *Conn) Transport() Transport { return c.transport }

// RemoteAddr адрес клиента
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Send кодирует пакет и ставит кадр в очередь отправки. Если очередь
// заполнена, соединение разрывается и возвращается ErrSendBufferFull.
func (c *Conn) Send(p protocol.Packet) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	body, err := protocol.Marshal(p)
	if err != nil {
		return err
	}
	frame, err := c.codec.AppendFrame(nil, body)
	if err != nil {
		return fmt.Errorf("пакет %s: %w", protocol.Name(p), err)
	}

	select {
	case c.sendBuffer <- frame:
		c.logger.Trace("📤 %s (%d байт)", protocol.Name(p), len(frame))
		return nil
	default:
	}

	c.metrics.sendOverflow()
	c.logger.Warn("⚠️ Клиент не читает данные, очередь отправки (%d) заполнена на %s", cap(c.sendBuffer), protocol.Name(p))
	c.shutdown(false)
	return ErrSendBufferFull
}

// sendLoop пишет кадры в сокет до закрытия соединения
func (c *Conn) sendLoop() {
	defer close(c.done)
	defer c.raw.Close()

	for {
		select {
		case frame := <-c.sendBuffer:
			if err := c.write(frame); err != nil {
				if !c.closed.Load() {
					c.logger.Debug("Ошибка записи: %v", err)
				}
				c.shutdown(false)
				return
			}
		case <-c.quit:
			if c.flush {
				c.drain()
			}
			return
		}
	}
}

// drain дописывает уже поставленные в очередь кадры, например Disconnect
func (c *Conn) drain() {
	for {
		select {
		case frame := <-c.sendBuffer:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(frame []byte) error {
	if c.cfg.WriteTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if _, err := c.raw.Write(frame); err != nil {
		return err
	}
	c.metrics.sent(len(frame))
	return nil
}

// ReadPacket читает следующий кадр и декодирует серверный пакет.
// Для неизвестных пакетов возвращается protocol.ErrUnknownPacket, соединение
// остаётся пригодным.
func (c *Conn) ReadPacket() (protocol.ServerboundPacket, error) {
	if c.cfg.ReadTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
	body, err := c.codec.ReadFrame(c.reader)
	if err != nil {
		return nil, err
	}
	c.metrics.received(len(body))

	pkt, err := protocol.DecodeServerbound(body)
	if err != nil {
		if !errors.Is(err, protocol.ErrUnknownPacket) {
			c.metrics.protocolError()
			c.logger.ProtocolError(c.id, err, body)
		}
		return nil, err
	}
	return pkt, nil
}

// Close закрывает соединение, дописав поставленные в очередь кадры.
// Повторный вызов ничего не делает.
func (c *Conn) Close() error {
	c.shutdown(true)
	return nil
}

// shutdown закрывает соединение один раз. Без flush сокет закрывается сразу,
// что прерывает зависшую запись.
func (c *Conn) shutdown(flush bool) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.flush = flush
		c.metrics.connClosed()
		close(c.quit)
		if !flush {
			c.raw.Close()
		}
	})
}

// Wait ждёт завершения горутины записи
func (c *Conn) Wait() {
	<-c.done
}

// Closed сообщает, закрыто ли соединение
func (c *Conn) Closed() bool {
	return c.closed.Load()
}
