// Package agent implements the process that dials out to the controller,
// executes the commands it receives, and reports the results.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ethan516/trawl/internal/executor"
	"github.com/ethan516/trawl/internal/hostinfo"
	"github.com/ethan516/trawl/internal/logger"
	"github.com/ethan516/trawl/internal/protocol"
	"github.com/ethan516/trawl/internal/scanner"
	"github.com/ethan516/trawl/internal/transport"
)

// State is the connection state of an Agent.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// RetryPolicy builds a fresh backoff policy for each connection phase.
type RetryPolicy func() backoff.BackOff

// ConstantRetry waits delay between attempts and never gives up.
func ConstantRetry(delay time.Duration) RetryPolicy {
	return func() backoff.BackOff { return backoff.NewConstantBackOff(delay) }
}

// DialFunc opens one byte stream to the controller.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Agent holds at most one live connection to the controller at a time.
type Agent struct {
	addr    string
	dial    DialFunc
	retry   RetryPolicy
	exec    executor.Executor
	scanner *scanner.Scanner
	sysinfo func() hostinfo.Info

	log    *logger.Logger
	tracer trace.Tracer

	state atomic.Int32
}

// Option configures an Agent.
type Option func(*Agent)

// WithRetryPolicy replaces the default one-second constant retry.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(a *Agent) { a.retry = p }
}

// WithDialer replaces the transport dialer.
func WithDialer(d DialFunc) Option {
	return func(a *Agent) { a.dial = d }
}

// WithLogger sets the agent logger.
func WithLogger(l *logger.Logger) Option {
	return func(a *Agent) { a.log = l.With("component", "agent") }
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

// WithSysInfo replaces the host probe used by the sysinfo command.
func WithSysInfo(fn func() hostinfo.Info) Option {
	return func(a *Agent) { a.sysinfo = fn }
}

// New creates an agent for the controller at addr. Each dial attempt is
// bounded by dialTimeout.
func New(addr string, dialTimeout time.Duration, exec executor.Executor, sc *scanner.Scanner, opts ...Option) *Agent {
	a := &Agent{
		addr: addr,
		dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
			return transport.Dial(ctx, addr, dialTimeout)
		},
		retry:   ConstantRetry(time.Second),
		exec:    exec,
		scanner: sc,
		sysinfo: hostinfo.Collect,
		log:     logger.Noop(),
		tracer:  noop.NewTracerProvider().Tracer("agent"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State reports the current connection state.
func (a *Agent) State() State { return State(a.state.Load()) }

func (a *Agent) setState(s State) { a.state.Store(int32(s)) }

// Run connects, serves the controller until it disconnects, and reconnects.
// It returns ctx.Err() once ctx is done, or the last dial error when the
// retry policy gives up.
func (a *Agent) Run(ctx context.Context) error {
	defer a.setState(StateDisconnected)

	for {
		ch, err := a.connect(ctx)
		if err != nil {
			return err
		}

		err = a.serve(ctx, ch)
		a.setState(StateDisconnected)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			a.log.Warn(ctx, "session ended", "error", err)
		}
	}
}

// connect dials until a connection is established, ctx is done, or the
// retry policy stops.
func (a *Agent) connect(ctx context.Context) (*protocol.Channel, error) {
	a.setState(StateConnecting)

	var rwc io.ReadWriteCloser
	op := func() error {
		var err error
		rwc, err = a.dial(ctx)
		return err
	}
	notify := func(err error, next time.Duration) {
		a.log.Warn(ctx, "controller unavailable, retrying", "addr", a.addr, "error", err, "retry_in", next)
	}

	// backoff stops early when a context deadline is closer than the next
	// delay; retry on a context that only carries cancellation.
	retryCtx, stopRetry := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRetry()
	stopWatch := context.AfterFunc(ctx, stopRetry)
	defer stopWatch()

	err := backoff.RetryNotify(op, backoff.WithContext(a.retry(), retryCtx), notify)
	if ctxErr := ctx.Err(); ctxErr != nil {
		if err == nil && rwc != nil {
			_ = rwc.Close()
		}
		a.setState(StateDisconnected)
		return nil, ctxErr
	}
	if err != nil {
		a.setState(StateDisconnected)
		return nil, fmt.Errorf("connect to %s: %w", a.addr, err)
	}

	a.setState(StateConnected)
	return protocol.NewChannel(rwc), nil
}

// serve receives and answers messages until the session ends. A nil return
// means the controller closed the connection.
func (a *Agent) serve(ctx context.Context, ch *protocol.Channel) error {
	log := a.log.With("connection_id", uuid.NewString())
	log.Info(ctx, "connected to controller", "addr", a.addr)

	stop := context.AfterFunc(ctx, func() { _ = ch.Close() })
	defer stop()
	defer ch.Close()

	for {
		msg, err := ch.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			switch {
			case errors.Is(err, protocol.ErrPeerClosed):
				log.Info(ctx, "controller disconnected")
				return nil
			case errors.Is(err, protocol.ErrMalformedMessage):
				log.Error(ctx, "protocol violation, dropping connection", "error", err)
				return err
			default:
				return fmt.Errorf("receive: %w", err)
			}
		}

		reply, ok := a.dispatch(ctx, log, msg)
		if !ok {
			continue
		}
		if err := ch.Send(reply); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, protocol.ErrPeerClosed) {
				log.Info(ctx, "controller disconnected")
				return nil
			}
			return fmt.Errorf("send result: %w", err)
		}
	}
}
