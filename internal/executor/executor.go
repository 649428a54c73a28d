// Package executor runs operator commands through the host shell.
package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"time"
)

const waitDelay = 2 * time.Second

// Result is the outcome of running one command.
type Result struct {
	OK       bool
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs a command string and reports whether it succeeded.
type Executor interface {
	Run(ctx context.Context, command string) Result
}

// Option configures a shell-backed executor.
type Option func(*options)

type options struct {
	shell   string
	timeout time.Duration
}

// WithShell overrides the shell binary. The default is $SHELL, then /bin/sh.
func WithShell(shell string) Option {
	return func(o *options) {
		if shell != "" {
			o.shell = shell
		}
	}
}

// WithTimeout bounds every command. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func buildOptions(opts []Option) options {
	o := options{shell: defaultShell()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func defaultShell() string {
	if runtime.GOOS == "windows" {
		if shell := os.Getenv("COMSPEC"); shell != "" {
			return shell
		}
		return "cmd.exe"
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// shellCommand builds the process that interprets command.
func shellCommand(ctx context.Context, shell, command string) *exec.Cmd {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, shell, "/C", command) // #nosec G204
	} else {
		cmd = exec.CommandContext(ctx, shell, "-c", command) // #nosec G204
	}
	cmd.Env = os.Environ()
	// Orphaned grandchildren may hold the output pipes open after a timeout.
	cmd.WaitDelay = waitDelay
	return cmd
}

// Shell runs commands with their stdout and stderr captured through pipes.
type Shell struct {
	opts options
}

// NewShell returns a pipe-capturing shell executor.
func NewShell(opts ...Option) *Shell {
	return &Shell{opts: buildOptions(opts)}
}

// Run executes command and waits for it to exit.
func (s *Shell) Run(ctx context.Context, command string) Result {
	if s.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.timeout)
		defer cancel()
	}

	cmd := shellCommand(ctx, s.opts.shell, command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return result(err, stdout.String(), stderr.String())
}

func result(err error, stdout, stderr string) Result {
	res := Result{OK: err == nil, Stdout: stdout, Stderr: stderr}
	if err == nil {
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
		if res.Stderr == "" {
			res.Stderr = err.Error()
		}
	}
	return res
}
