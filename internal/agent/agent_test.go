package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ethan516/trawl/internal/executor"
	"github.com/ethan516/trawl/internal/hostinfo"
	"github.com/ethan516/trawl/internal/logger"
	"github.com/ethan516/trawl/internal/protocol"
	"github.com/ethan516/trawl/internal/scanner"
	"github.com/ethan516/trawl/internal/transport"
)

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Run(ctx context.Context, command string) executor.Result {
	args := m.Called(ctx, command)
	return args.Get(0).(executor.Result)
}

func newTestScanner(t *testing.T) *scanner.Scanner {
	t.Helper()
	sc, err := scanner.New(scanner.DefaultConfig())
	require.NoError(t, err)
	return sc
}

func zeroRetry(max uint64) RetryPolicy {
	return func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, max) }
}

// pipeDialer hands the agent one end of a fresh pipe per dial and publishes
// the other end on conns.
func pipeDialer(conns chan<- net.Conn) DialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		conns <- server
		return client, nil
	}
}

func rawMessage(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "State(7)", State(7).String())
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		name      string
		msg       protocol.Message
		setup     func(m *mockExecutor)
		wantReply bool
		want      protocol.Message
	}{
		{
			name:      "successful command",
			msg:       protocol.NewShell("echo hi"),
			setup:     func(m *mockExecutor) { m.On("Run", mock.Anything, "echo hi").Return(executor.Result{OK: true, Stdout: "hi\n"}) },
			wantReply: true,
			want:      protocol.OK("hi\n"),
		},
		{
			name: "failed command echoes",
			msg:  protocol.NewShell("false"),
			setup: func(m *mockExecutor) {
				m.On("Run", mock.Anything, "false").Return(executor.Result{ExitCode: 1})
			},
			wantReply: true,
			want:      protocol.FailedEcho("false"),
		},
		{
			name: "stderr stays off the wire",
			msg:  protocol.NewShell("ls /nope"),
			setup: func(m *mockExecutor) {
				m.On("Run", mock.Anything, "ls /nope").Return(executor.Result{Stdout: "partial", Stderr: "No such file or directory\n", ExitCode: 2})
			},
			wantReply: true,
			want:      protocol.FailedEcho("ls /nope"),
		},
		{
			name:      "empty command",
			msg:       protocol.NewShell(""),
			wantReply: true,
			want:      protocol.Failed("No command provided"),
		},
		{
			name:      "missing data",
			msg:       protocol.Message{Type: protocol.TypeShell},
			wantReply: true,
			want:      protocol.Failed("No command provided"),
		},
		{
			name:      "non-string data",
			msg:       protocol.Message{Type: protocol.TypeShell, Data: json.RawMessage(`42`)},
			wantReply: true,
			want:      protocol.Failed("No command provided"),
		},
		{
			name:      "unknown type",
			msg:       protocol.Message{Type: "ping"},
			wantReply: false,
		},
		{
			name:      "result type is not handled",
			msg:       protocol.OK("stray"),
			wantReply: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := new(mockExecutor)
			if tt.setup != nil {
				tt.setup(exec)
			}
			a := New("unused", time.Second, exec, newTestScanner(t))

			reply, ok := a.dispatch(context.Background(), logger.Noop(), tt.msg)
			assert.Equal(t, tt.wantReply, ok)
			if tt.wantReply {
				assert.Equal(t, tt.want, reply)
			}
			if tt.setup == nil {
				exec.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
			}
			exec.AssertExpectations(t)
		})
	}
}

func TestParseScanArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantPath string
		wantCopy bool
		wantErr  bool
	}{
		{name: "defaults", args: nil, wantPath: "."},
		{name: "path", args: []string{"/etc"}, wantPath: "/etc"},
		{name: "copy only", args: []string{"--copy"}, wantPath: ".", wantCopy: true},
		{name: "path then copy", args: []string{"/tmp", "--copy"}, wantPath: "/tmp", wantCopy: true},
		{name: "copy then path", args: []string{"--copy", "/tmp"}, wantPath: "/tmp", wantCopy: true},
		{name: "unknown flag", args: []string{"--deep"}, wantErr: true},
		{name: "two paths", args: []string{"/a", "/b"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, copyFiles, err := parseScanArgs(tt.args)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidScanArgs)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPath, path)
			assert.Equal(t, tt.wantCopy, copyFiles)
		})
	}
}

func TestDispatch_Scan(t *testing.T) {
	root := t.TempDir()
	content := []byte("hello\n")
	path := filepath.Join(root, "secret.txt")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	exec := new(mockExecutor)
	a := New("unused", time.Second, exec, newTestScanner(t))

	reply, ok := a.dispatch(context.Background(), logger.Noop(), protocol.NewShell("scan "+root+" --copy"))
	require.True(t, ok)
	assert.Equal(t, protocol.StatusOK, reply.Status)
	assert.Equal(t, "Found 1 sensitive files", reply.Output)

	res, ok := reply.ScanResult()
	require.True(t, ok)
	assert.Equal(t, root, res.ScanPath)
	assert.Equal(t, 1, res.FindingsCount)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, protocol.Finding{
		Path:        path,
		Reason:      protocol.ReasonFilename,
		Detail:      "secret",
		FileContent: base64.StdEncoding.EncodeToString(content),
	}, res.Findings[0])

	exec.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestDispatch_ScanFailures(t *testing.T) {
	a := New("unused", time.Second, new(mockExecutor), newTestScanner(t))

	for _, cmd := range []string{
		"scan " + filepath.Join(t.TempDir(), "missing"),
		"scan /tmp --recursive",
		"scan /a /b",
	} {
		reply, ok := a.dispatch(context.Background(), logger.Noop(), protocol.NewShell(cmd))
		require.True(t, ok, cmd)
		assert.Equal(t, protocol.StatusFailed, reply.Status, cmd)
		assert.Contains(t, reply.Output, "Scan failed: ", cmd)
		assert.Empty(t, reply.Data, cmd)
	}
}

func TestDispatch_SysInfo(t *testing.T) {
	info := hostinfo.Info{Hostname: "box", OS: "linux", Arch: "amd64", Cores: 4, AgentVersion: "v1"}
	a := New("unused", time.Second, new(mockExecutor), newTestScanner(t), WithSysInfo(func() hostinfo.Info { return info }))

	reply, ok := a.dispatch(context.Background(), logger.Noop(), protocol.NewShell("sysinfo"))
	require.True(t, ok)
	assert.Equal(t, protocol.StatusOK, reply.Status)
	assert.Equal(t, info.Summary(), reply.Output)

	var got hostinfo.Info
	require.NoError(t, json.Unmarshal(reply.Data, &got))
	assert.Equal(t, info, got)
}

func TestRun_ServesAndReconnects(t *testing.T) {
	exec := new(mockExecutor)
	exec.On("Run", mock.Anything, "whoami").Return(executor.Result{OK: true, Stdout: "root\n"})

	conns := make(chan net.Conn, 4)
	a := New("pipe", time.Second, exec, newTestScanner(t),
		WithDialer(pipeDialer(conns)),
		WithRetryPolicy(zeroRetry(0)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	first := protocol.NewChannel(<-conns)

	require.NoError(t, first.Send(protocol.Message{Type: "noise"}))
	require.NoError(t, first.Send(protocol.NewShell("whoami")))
	reply, err := first.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.OK("root\n"), reply)
	assert.Equal(t, StateConnected, a.State())

	require.NoError(t, first.Send(protocol.NewShell("")))
	reply, err = first.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.Failed("No command provided"), reply)

	require.NoError(t, first.Close())

	var second *protocol.Channel
	select {
	case conn := <-conns:
		second = protocol.NewChannel(conn)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not reconnect")
	}

	require.NoError(t, second.Send(protocol.NewShell("whoami")))
	reply, err = second.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, reply.Status)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateDisconnected, a.State())
	exec.AssertNumberOfCalls(t, "Run", 2)
}

func TestRun_MalformedMessageDropsConnection(t *testing.T) {
	conns := make(chan net.Conn, 4)
	a := New("pipe", time.Second, new(mockExecutor), newTestScanner(t),
		WithDialer(pipeDialer(conns)),
		WithRetryPolicy(zeroRetry(0)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	first := <-conns
	_, err := first.Write([]byte("not json\n"))
	require.NoError(t, err)

	select {
	case <-conns:
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not reconnect after a malformed message")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_RetryPolicyGivesUp(t *testing.T) {
	dialErr := errors.New("connection refused")
	var attempts atomic.Int32
	a := New("nowhere", time.Second, new(mockExecutor), newTestScanner(t),
		WithDialer(func(ctx context.Context) (io.ReadWriteCloser, error) {
			attempts.Add(1)
			return nil, dialErr
		}),
		WithRetryPolicy(zeroRetry(2)),
	)

	err := a.Run(context.Background())
	require.ErrorIs(t, err, dialErr)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, StateDisconnected, a.State())
}

func TestRun_CancelWhileConnecting(t *testing.T) {
	a := New("nowhere", time.Second, new(mockExecutor), newTestScanner(t),
		WithDialer(func(ctx context.Context) (io.ReadWriteCloser, error) {
			return nil, errors.New("connection refused")
		}),
		WithRetryPolicy(ConstantRetry(10*time.Millisecond)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := a.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_DeadlineShorterThanRetryDelayKeepsRetrying(t *testing.T) {
	var attempts atomic.Int32
	a := New("nowhere", time.Second, new(mockExecutor), newTestScanner(t),
		WithDialer(func(ctx context.Context) (io.ReadWriteCloser, error) {
			attempts.Add(1)
			return nil, errors.New("connection refused")
		}),
		WithRetryPolicy(ConstantRetry(time.Second)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := a.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "returned before the deadline")
	assert.Equal(t, int32(1), attempts.Load())
	assert.Equal(t, StateDisconnected, a.State())
}

func TestRun_OverTCP(t *testing.T) {
	ln, err := transport.Listen("127.0.0.1:0", logger.Noop())
	require.NoError(t, err)
	defer ln.Close()

	exec := new(mockExecutor)
	exec.On("Run", mock.Anything, "uname").Return(executor.Result{OK: true, Stdout: "Linux\n"})
	a := New(ln.Addr(), time.Second, exec, newTestScanner(t), WithRetryPolicy(ConstantRetry(10*time.Millisecond)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	conn, err := ln.Accept(ctx)
	require.NoError(t, err)
	ch := protocol.NewChannel(conn)
	defer ch.Close()

	require.NoError(t, ch.Send(protocol.NewShell("uname")))
	reply, err := ch.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.OK("Linux\n"), reply)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
