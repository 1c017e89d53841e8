package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xtaci/kcp-go/v5"

	"github.com/annel0/blockcore/internal/logging"
)

// Transport вид транспорта
type Transport string

const (
	TransportTCP       Transport = "tcp"
	TransportKCP       Transport = "kcp"
	TransportWebSocket Transport = "ws"
)

// ErrListenerClosed слушатель закрыт
var ErrListenerClosed = errors.New("слушатель закрыт")

// Listener принимает потоковые соединения независимо от транспорта
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
	Transport() Transport
}

// Listen открывает слушатель выбранного транспорта
func Listen(transport Transport, addr string, logger *logging.Logger) (Listener, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	switch transport {
	case TransportTCP, "":
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		return &tcpListener{Listener: l}, nil
	case TransportKCP:
		l, err := kcp.ListenWithOptions(addr, nil, 10, 3)
		if err != nil {
			return nil, fmt.Errorf("не удалось открыть KCP %s: %w", addr, err)
		}
		return &kcpListener{l: l}, nil
	case TransportWebSocket:
		l, err := listenWebSocket(addr, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("неизвестный транспорт %q", transport)
	}
}

type tcpListener struct {
	net.Listener
}

func (l *tcpListener) Transport() Transport { return TransportTCP }

func (l *tcpListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return c, nil
}

type kcpListener struct {
	l *kcp.Listener
}

func (l *kcpListener) Transport() Transport { return TransportKCP }
func (l *kcpListener) Addr() net.Addr       { return l.l.Addr() }
func (l *kcpListener) Close() error         { return l.l.Close() }

func (l *kcpListener) Accept() (net.Conn, error) {
	s, err := l.l.AcceptKCP()
	if err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	ConfigureKCP(s)
	return s, nil
}

// ConfigureKCP выставляет параметры сессии для игрового трафика
func ConfigureKCP(s *kcp.UDPSession) {
	s.SetStreamMode(true)
	s.SetWriteDelay(false)
	s.SetNoDelay(1, 20, 2, 1)
	s.SetWindowSize(512, 512)
	s.SetMtu(1400)
}

// DialKCP подключается к KCP серверу
func DialKCP(addr string) (net.Conn, error) {
	s, err := kcp.DialWithOptions(addr, nil, 10, 3)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	ConfigureKCP(s)
	return s, nil
}

// wsListener принимает WebSocket соединения через HTTP сервер
type wsListener struct {
	ln       net.Listener
	srv      *http.Server
	conns    chan net.Conn
	done     chan struct{}
	once     sync.Once
	upgrader websocket.Upgrader
	logger   *logging.Logger
}

func listenWebSocket(addr string, logger *logging.Logger) (*wsListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &wsListener{
		ln:    ln,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
	l.srv = &http.Server{Handler: l, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("WebSocket сервер остановлен: %v", err)
		}
	}()
	return l, nil
}

func (l *wsListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Debug("Не удалось установить WebSocket: %v", err)
		return
	}
	select {
	case l.conns <- newWSConn(ws):
	case <-l.done:
		ws.Close()
	}
}

func (l *wsListener) Transport() Transport { return TransportWebSocket }
func (l *wsListener) Addr() net.Addr       { return l.ln.Addr() }

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrListenerClosed
	}
}

func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = l.srv.Shutdown(ctx)
	})
	return err
}

// wsConn представляет WebSocket как поток байт: каждая запись уходит
// бинарным сообщением, чтение склеивает сообщения.
type wsConn struct {
	ws *websocket.Conn
	r  io.Reader
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

// DialWebSocket подключается к WebSocket серверу
func DialWebSocket(ctx context.Context, url string) (net.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ws), nil
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func (c *wsConn) SetDeadline(t time.Time) error {
	return errors.Join(c.ws.SetReadDeadline(t), c.ws.SetWriteDeadline(t))
}
