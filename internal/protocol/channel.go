package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
)

var (
	// ErrPeerClosed is returned by Receive when the stream ends before a
	// full line is available.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrMalformedMessage is returned by Receive when a full line does not
	// hold exactly one JSON object.
	ErrMalformedMessage = errors.New("malformed message")
)

// Channel turns a bidirectional byte stream into a sequence of JSON messages,
// one per line.
type Channel struct {
	rw io.ReadWriteCloser

	r *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer
	enc *json.Encoder

	closeOnce sync.Once
	closeErr  error
}

// NewChannel wraps rw. The channel owns rw and closes it on Close.
func NewChannel(rw io.ReadWriteCloser) *Channel {
	w := bufio.NewWriter(rw)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	return &Channel{
		rw:  rw,
		r:   bufio.NewReader(rw),
		w:   w,
		enc: enc,
	}
}

// Send writes msg as a single line and flushes it.
func (c *Channel) Send(msg Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	// Encode terminates the value with exactly one newline.
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("send %s message: %w", msg.Type, err)
	}
	if err := c.w.Flush(); err != nil {
		if isClosed(err) {
			return fmt.Errorf("send %s message: %w: %v", msg.Type, ErrPeerClosed, err)
		}
		return fmt.Errorf("send %s message: %w", msg.Type, err)
	}
	return nil
}

// Receive blocks until a full line is available and decodes it.
func (c *Channel) Receive() (Message, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		// A trailing partial line is never delivered.
		if isClosed(err) {
			return Message{}, ErrPeerClosed
		}
		return Message{}, fmt.Errorf("receive: %w", err)
	}

	line = bytes.TrimRight(line, "\r\n")
	if trimmed := bytes.TrimLeft(line, " \t"); len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, fmt.Errorf("%w: expected a JSON object, got %q", ErrMalformedMessage, truncate(line, 64))
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}

// Close releases the underlying stream. It is safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rw.Close()
	})
	return c.closeErr
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
