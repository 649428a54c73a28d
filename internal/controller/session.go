package controller

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ethan516/trawl/internal/logger"
	"github.com/ethan516/trawl/internal/protocol"
)

const (
	promptMain  = "trawl> "
	promptShell = "shell> "

	// DefaultExtractDir is where extracted files are written.
	DefaultExtractDir = "extracted_files"
)

// errSessionOver ends the operator loop after the agent went away.
var errSessionOver = errors.New("session over")

// Session drives one agent connection from operator input.
type Session struct {
	ch    *protocol.Channel
	store *Store
	in    io.Reader
	out   printer

	extractDir string
	log        *logger.Logger
	tracer     trace.Tracer
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithExtractDir sets the directory extract writes into.
func WithExtractDir(dir string) SessionOption {
	return func(s *Session) { s.extractDir = dir }
}

// WithSessionLogger sets the diagnostics logger.
func WithSessionLogger(l *logger.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithSessionTracer sets the tracer used for request spans.
func WithSessionTracer(t trace.Tracer) SessionOption {
	return func(s *Session) { s.tracer = t }
}

// WithColor enables styled output.
func WithColor(enabled bool) SessionOption {
	return func(s *Session) { s.out.st = newStyles(s.out.w, enabled) }
}

// NewSession creates a session over ch. Operator commands are read from in
// and everything shown to the operator is written to out.
func NewSession(ch *protocol.Channel, store *Store, in io.Reader, out io.Writer, opts ...SessionOption) *Session {
	s := &Session{
		ch:         ch,
		store:      store,
		in:         in,
		out:        printer{w: out, st: newStyles(out, false)},
		extractDir: DefaultExtractDir,
		log:        logger.Noop(),
		tracer:     noop.NewTracerProvider().Tracer("controller"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "session", "session_id", uuid.NewString())
	return s
}

// Store returns the session's file store.
func (s *Session) Store() *Store { return s.store }

// Run serves operator commands until the operator exits, input ends, the
// agent disconnects, or ctx is done. The channel is closed on return. A
// protocol violation by the agent is returned as an error.
func (s *Session) Run(ctx context.Context) error {
	defer s.ch.Close()
	stop := context.AfterFunc(ctx, func() { _ = s.ch.Close() })
	defer stop()

	lines := readLines(s.in)
	s.out.menu()

	for {
		s.out.prompt(promptMain, false)
		line, ok := next(ctx, lines)
		if !ok {
			s.out.line("")
			s.out.infof("closing session.")
			return ctx.Err()
		}

		err := s.handle(ctx, lines, line)
		switch {
		case errors.Is(err, io.EOF):
			s.out.infof("closing session.")
			return nil
		case errors.Is(err, errSessionOver):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// handle runs one top-level command. io.EOF asks the loop to end.
func (s *Session) handle(ctx context.Context, lines <-chan string, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	keyword := strings.ToLower(fields[0])
	switch keyword {
	case "shell":
		return s.shell(ctx, lines)
	case "scan", "sysinfo":
		return s.request(ctx, strings.Join(append([]string{keyword}, fields[1:]...), " "))
	case "list":
		s.out.collected(s.store.List())
	case "extract":
		s.extract(fields[1:])
	case "help", "?":
		s.out.menu()
	case "exit", "quit":
		return io.EOF
	default:
		s.out.warnf("unknown command %q, type 'help' for the menu.", fields[0])
	}
	return nil
}

// shell forwards every line to the agent until the operator types exit.
// Empty lines are forwarded too.
func (s *Session) shell(ctx context.Context, lines <-chan string) error {
	for {
		s.out.prompt(promptShell, true)
		line, ok := next(ctx, lines)
		if !ok {
			s.out.line("")
			return io.EOF
		}

		cmd := strings.TrimSpace(line)
		if strings.EqualFold(cmd, "exit") {
			s.out.infof("leaving shell.")
			return nil
		}
		if err := s.request(ctx, cmd); err != nil {
			return err
		}
	}
}

// request sends command to the agent, waits for the result, stores any
// copied files and renders the reply.
func (s *Session) request(ctx context.Context, command string) error {
	ctx, span := s.tracer.Start(ctx, "controller.request")
	defer span.End()
	if fields := strings.Fields(command); len(fields) > 0 {
		span.SetAttributes(attribute.String("command.keyword", fields[0]))
	}

	if err := s.ch.Send(protocol.NewShell(command)); err != nil {
		span.RecordError(err)
		return s.connectionError(ctx, err)
	}
	reply, err := s.ch.Receive()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "receive failed")
		return s.connectionError(ctx, err)
	}

	s.out.reply(reply)
	s.collect(ctx, reply)
	return nil
}

func (s *Session) connectionError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	switch {
	case errors.Is(err, protocol.ErrPeerClosed):
		s.out.warnf("agent disconnected.")
		s.log.Info(ctx, "agent disconnected")
		return errSessionOver
	case errors.Is(err, protocol.ErrMalformedMessage):
		s.out.warnf("agent sent a malformed message, closing session.")
		s.log.Error(ctx, "protocol violation", "error", err)
		return fmt.Errorf("protocol violation: %w", err)
	default:
		s.out.warnf("connection error: %v", err)
		return fmt.Errorf("agent connection: %w", err)
	}
}

// collect stores every finding in reply that carries file content.
func (s *Session) collect(ctx context.Context, reply protocol.Message) {
	if reply.Status != protocol.StatusOK {
		return
	}
	res, ok := reply.ScanResult()
	if !ok {
		return
	}

	for _, f := range res.Findings {
		if f.FileContent == "" {
			continue
		}
		stored, err := s.store.Add(f)
		if err != nil {
			s.out.warnf("could not store %s: %v", f.Path, err)
			s.log.Warn(ctx, "failed to store collected file", "path", f.Path, "error", err)
			continue
		}
		s.out.infof("Stored copied file: %s (from %s)", stored.Filename, stored.OriginalPath)
		s.log.Info(ctx, "stored collected file", "filename", stored.Filename, "path", stored.OriginalPath, "size", stored.Size, "blake3", stored.Checksum)
	}
}

func (s *Session) extract(args []string) {
	if len(args) == 0 {
		s.out.warnf("Usage: extract <filename>")
		return
	}

	name := args[0]
	out, err := s.store.Extract(name, s.extractDir)
	switch {
	case errors.Is(err, ErrFileNotFound):
		s.out.warnf("file '%s' not found in collected files.", name)
	case err != nil:
		s.out.warnf("failed to extract file: %v", err)
	default:
		f, _ := s.store.Get(name)
		s.out.infof("Extracted '%s' to %s", name, out)
		s.out.infof("Original path: %s", f.OriginalPath)
	}
}

// readLines delivers lines from r until it ends. The goroutine outlives the
// session when r never ends; stdin is read for the life of the process.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
	}()
	return lines
}

// next returns the next operator line. ok is false when input ended or ctx
// is done.
func next(ctx context.Context, lines <-chan string) (string, bool) {
	select {
	case line, ok := <-lines:
		return line, ok
	case <-ctx.Done():
		return "", false
	}
}
