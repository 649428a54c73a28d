package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ethan516/trawl/internal/logger"
)

// Listener hands out inbound byte streams.
type Listener interface {
	// Accept blocks until a peer connects or ctx is done.
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
	// Addr returns an address a peer can pass to Dial.
	Addr() string
	Close() error
}

// Dial makes a single connection attempt to addr.
func Dial(ctx context.Context, addr string, timeout time.Duration) (io.ReadWriteCloser, error) {
	ep, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}

	switch ep.Scheme {
	case SchemeWS:
		return dialWS(ctx, ep, timeout)
	default:
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", ep.Host)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", ep, err)
		}
		return conn, nil
	}
}

func dialWS(ctx context.Context, ep Endpoint, timeout time.Duration) (io.ReadWriteCloser, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, ep.String(), nil)
	if err != nil {
		var details string
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			trimmed := strings.TrimSpace(string(body))
			if trimmed != "" {
				details = fmt.Sprintf(" (HTTP %s: %s)", resp.Status, trimmed)
			} else {
				details = fmt.Sprintf(" (HTTP %s)", resp.Status)
			}
		}
		return nil, fmt.Errorf("dial %s: %w%s", ep, err, details)
	}
	return newWSStream(conn), nil
}

// Listen binds addr. Bind failures are returned immediately.
func Listen(addr string, log *logger.Logger) (Listener, error) {
	ep, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", ep.Host)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", ep, err)
	}

	if ep.Scheme == SchemeWS {
		return newWSListener(ln, ep.withHost(ln.Addr()), log), nil
	}
	return &tcpListener{ln: ln}, nil
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	return conn, nil
}

func (l *tcpListener) Addr() string { return advertisedHost(l.ln.Addr().String()) }

func (l *tcpListener) Close() error {
	if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
