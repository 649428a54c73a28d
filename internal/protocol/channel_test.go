package protocol

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bufferConn is a bytes.Buffer that satisfies io.ReadWriteCloser.
type bufferConn struct {
	*bytes.Buffer
	closes int
}

func (b *bufferConn) Close() error {
	b.closes++
	return nil
}

func newBufferConn(s string) *bufferConn {
	return &bufferConn{Buffer: bytes.NewBufferString(s)}
}

func TestChannel_RoundTrip(t *testing.T) {
	scan, err := OK("Found 1 sensitive files").WithData(ScanResult{
		ScanPath:      "/srv",
		FindingsCount: 1,
		Findings: []Finding{
			{Path: "/srv/.env", Reason: ReasonFilename, Detail: ".env", FileContent: "QVBJX0tFWT14eXo="},
		},
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		msg  Message
	}{
		{name: "shell command", msg: NewShell("ls -la /tmp")},
		{name: "command with newline", msg: NewShell("printf 'a\\nb'\necho done")},
		{name: "ok result", msg: OK("hello\nworld\n")},
		{name: "failed with echo", msg: FailedEcho("false")},
		{name: "failed with output", msg: Failed("No command provided")},
		{name: "html characters", msg: NewShell("echo '<a>' && true")},
		{name: "scan result", msg: scan},
		{name: "unknown type", msg: Message{Type: "ping"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newBufferConn("")
			ch := NewChannel(conn)

			require.NoError(t, ch.Send(tt.msg))

			raw := conn.String()
			assert.Equal(t, 1, strings.Count(raw, "\n"), "exactly one line per message")
			assert.True(t, strings.HasSuffix(raw, "\n"))

			got, err := ch.Receive()
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestChannel_MultipleMessages(t *testing.T) {
	conn := newBufferConn("")
	ch := NewChannel(conn)

	msgs := []Message{NewShell("id"), OK("uid=0(root)\n"), NewShell("true"), OK("")}
	for _, m := range msgs {
		require.NoError(t, ch.Send(m))
	}
	for i, want := range msgs {
		got, err := ch.Receive()
		require.NoError(t, err, "message %d", i)
		assert.Equal(t, want, got)
	}

	_, err := ch.Receive()
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestChannel_PeerClosed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty stream", input: ""},
		{name: "partial line", input: `{"type":"shell","data":"ls"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := NewChannel(newBufferConn(tt.input))
			_, err := ch.Receive()
			assert.ErrorIs(t, err, ErrPeerClosed)
		})
	}
}

func TestChannel_FullLineBeforeClose(t *testing.T) {
	ch := NewChannel(newBufferConn(`{"type":"shell","data":"whoami"}` + "\n"))

	msg, err := ch.Receive()
	require.NoError(t, err, "a complete line must be delivered even if the stream ends right after")
	assert.Equal(t, TypeShell, msg.Type)
	assert.Equal(t, "whoami", msg.Command())

	_, err = ch.Receive()
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestChannel_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "invalid json", input: "{invalid json\n"},
		{name: "array", input: "[1,2]\n"},
		{name: "null", input: "null\n"},
		{name: "blank line", input: "\n"},
		{name: "wrong field type", input: `{"type":5}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := NewChannel(newBufferConn(tt.input))
			_, err := ch.Receive()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedMessage)
			assert.False(t, errors.Is(err, ErrPeerClosed))
		})
	}
}

func TestChannel_CRLFTerminatedLine(t *testing.T) {
	ch := NewChannel(newBufferConn(`{"type":"shell","data":"pwd"}` + "\r\n"))
	msg, err := ch.Receive()
	require.NoError(t, err)
	assert.Equal(t, "pwd", msg.Command())
}

func TestChannel_CloseIsIdempotent(t *testing.T) {
	conn := newBufferConn("")
	ch := NewChannel(conn)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.Equal(t, 1, conn.closes)
}

func TestChannel_OverPipe(t *testing.T) {
	left, right := net.Pipe()
	controller := NewChannel(left)
	agent := NewChannel(right)
	defer controller.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- controller.Send(NewShell("uname -a")) }()

	msg, err := agent.Receive()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, "uname -a", msg.Command())

	require.NoError(t, agent.Close())

	_, err = controller.Receive()
	assert.ErrorIs(t, err, ErrPeerClosed)

	err = agent.Send(OK("late"))
	assert.Error(t, err)
}

func TestMessage_Command(t *testing.T) {
	assert.Equal(t, "", Message{Type: TypeShell}.Command())
	assert.Equal(t, "", Message{Type: TypeShell, Data: []byte(`{"a":1}`)}.Command())
	assert.Equal(t, "ls", NewShell("ls").Command())
}

func TestMessage_ScanResult(t *testing.T) {
	_, ok := OK("plain").ScanResult()
	assert.False(t, ok)

	_, ok = NewShell("scan").ScanResult()
	assert.False(t, ok)

	other, err := OK("info").WithData(map[string]string{"hostname": "box"})
	require.NoError(t, err)
	_, ok = other.ScanResult()
	assert.False(t, ok)

	msg, err := OK("Found 0 sensitive files").WithData(ScanResult{ScanPath: ".", Findings: []Finding{}})
	require.NoError(t, err)
	res, ok := msg.ScanResult()
	require.True(t, ok)
	assert.Equal(t, ".", res.ScanPath)
	assert.Empty(t, res.Findings)
}
