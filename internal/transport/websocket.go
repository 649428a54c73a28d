package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ethan516/trawl/internal/logger"
)

const closeGracePeriod = time.Second

// wsStream exposes a WebSocket connection as a byte stream. Each Write is sent
// as one text frame; Read drains frames in order.
type wsStream struct {
	conn *websocket.Conn

	rmu sync.Mutex
	r   io.Reader

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	for {
		if s.r == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				return 0, wsReadErr(err)
			}
			s.r = r
		}

		n, err := s.r.Read(p)
		if errors.Is(err, io.EOF) {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			return n, wsReadErr(err)
		}
		if n > 0 {
			return n, nil
		}
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if err := s.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame, then closes the socket.
func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// wsReadErr maps a peer close to io.EOF so the channel treats it exactly
// like a TCP end of stream.
func wsReadErr(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// wsListener serves a single upgrade on its path. Only the first connection
// is handed out; later attempts are refused.
type wsListener struct {
	ep     Endpoint
	server *http.Server
	conns  chan io.ReadWriteCloser
	taken  atomic.Bool
	done   chan struct{}
	once   sync.Once
	log    *logger.Logger
}

func newWSListener(ln net.Listener, ep Endpoint, log *logger.Logger) *wsListener {
	log = log.With("component", "ws_listener")

	mux := http.NewServeMux()
	l := &wsListener{
		ep: ep,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          logger.NewStdLogger(log, logger.LevelError),
		},
		conns: make(chan io.ReadWriteCloser, 1),
		done:  make(chan struct{}),
		log:   log,
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}
	mux.HandleFunc(ep.Path, func(w http.ResponseWriter, r *http.Request) {
		if !l.taken.CompareAndSwap(false, true) {
			http.Error(w, "session already established", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.log.Warn(r.Context(), "failed to upgrade connection", "remote", r.RemoteAddr, "error", err)
			l.taken.Store(false)
			return
		}
		l.conns <- newWSStream(conn)
	})

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error(context.Background(), "websocket server stopped", "error", err)
		}
	}()

	return l
}

func (l *wsListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Addr() string { return l.ep.String() }

// Close stops the HTTP server. Streams already handed out stay open.
func (l *wsListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return err
}
