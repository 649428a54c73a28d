//go:build !windows

package executor

import (
	"bytes"
	"context"
	"io"

	"github.com/creack/pty"
)

// PTY runs commands attached to a pseudo-terminal, for programs that refuse
// to run without a TTY. Stdout and stderr arrive interleaved in Stdout.
type PTY struct {
	opts options
}

// NewPTY returns a pseudo-terminal executor.
func NewPTY(opts ...Option) (*PTY, error) {
	return &PTY{opts: buildOptions(opts)}, nil
}

// Run executes command and collects everything written to the terminal.
func (p *PTY) Run(ctx context.Context, command string) Result {
	if p.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.timeout)
		defer cancel()
	}

	cmd := shellCommand(ctx, p.opts.shell, command)
	ptm, err := pty.Start(cmd)
	if err != nil {
		return Result{ExitCode: -1, Stderr: err.Error()}
	}
	defer ptm.Close()

	// Reads end with EIO once the child exits and the slave side closes.
	var out bytes.Buffer
	_, _ = io.Copy(&out, ptm)

	return result(cmd.Wait(), out.String(), "")
}
