//go:build windows

package executor

import (
	"context"
	"errors"
)

// PTY is unavailable on Windows.
type PTY struct{}

// NewPTY reports that pseudo-terminals are not supported here.
func NewPTY(...Option) (*PTY, error) {
	return nil, errors.New("pty executor is not supported on windows")
}

func (*PTY) Run(context.Context, string) Result {
	return Result{ExitCode: -1, Stderr: "pty executor is not supported on windows"}
}
