package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethan516/trawl/internal/logger"
	"github.com/ethan516/trawl/internal/protocol"
	"github.com/ethan516/trawl/internal/scanner"
)

// Built-in command keywords handled by the agent itself.
const (
	cmdScan    = "scan"
	cmdSysInfo = "sysinfo"

	flagCopy = "--copy"
)

// ErrInvalidScanArgs is returned for scan commands with unknown flags or more
// than one path.
var ErrInvalidScanArgs = errors.New("invalid scan arguments")

// dispatch handles one incoming message. ok is false when no reply is due.
func (a *Agent) dispatch(ctx context.Context, log *logger.Logger, msg protocol.Message) (reply protocol.Message, ok bool) {
	ctx, span := a.tracer.Start(ctx, "agent.dispatch", trace.WithAttributes(
		attribute.String("message.type", msg.Type),
	))
	defer span.End()

	if msg.Type != protocol.TypeShell {
		log.Warn(ctx, "ignoring message of unknown type", "type", msg.Type)
		return protocol.Message{}, false
	}

	command := msg.Command()
	if command == "" {
		return protocol.Failed("No command provided"), true
	}

	fields := strings.Fields(command)
	var keyword string
	if len(fields) > 0 {
		keyword = fields[0]
	}
	span.SetAttributes(attribute.String("command.keyword", keyword))

	switch keyword {
	case cmdScan:
		return a.handleScan(ctx, log, fields[1:]), true
	case cmdSysInfo:
		return a.handleSysInfo(ctx, log), true
	}

	res := a.exec.Run(ctx, command)
	if !res.OK {
		log.Warn(ctx, "command failed", "exit_code", res.ExitCode, "stderr", res.Stderr)
		return protocol.FailedEcho(command), true
	}
	return protocol.OK(res.Stdout), true
}

// parseScanArgs parses "[path] [--copy]" in any order.
func parseScanArgs(args []string) (path string, copyFiles bool, err error) {
	path = "."
	var havePath bool
	for _, arg := range args {
		switch {
		case arg == flagCopy:
			copyFiles = true
		case strings.HasPrefix(arg, "-"):
			return "", false, fmt.Errorf("%w: unknown flag %q", ErrInvalidScanArgs, arg)
		case havePath:
			return "", false, fmt.Errorf("%w: unexpected argument %q", ErrInvalidScanArgs, arg)
		default:
			path, havePath = arg, true
		}
	}
	return path, copyFiles, nil
}

func (a *Agent) handleScan(ctx context.Context, log *logger.Logger, args []string) protocol.Message {
	path, copyFiles, err := parseScanArgs(args)
	if err != nil {
		return protocol.Failed("Scan failed: " + err.Error())
	}

	findings, err := a.scanner.WithCopy(copyFiles).Scan(ctx, path)
	if err != nil {
		log.Warn(ctx, "scan failed", "path", path, "error", err)
		return protocol.Failed("Scan failed: " + err.Error())
	}

	result := protocol.ScanResult{
		ScanPath:      path,
		FindingsCount: len(findings),
		Findings:      make([]protocol.Finding, 0, len(findings)),
	}
	for _, f := range findings {
		result.Findings = append(result.Findings, toWire(f))
	}

	log.Info(ctx, "scan complete", "path", path, "copy", copyFiles, "findings", len(findings))
	reply, err := protocol.OK(fmt.Sprintf("Found %d sensitive files", len(findings))).WithData(result)
	if err != nil {
		return protocol.Failed("Scan failed: " + err.Error())
	}
	return reply
}

func toWire(f scanner.Finding) protocol.Finding {
	return protocol.Finding{
		Path:        f.Path,
		Reason:      protocol.Reason(f.Reason),
		Detail:      f.Detail,
		FileContent: f.FileContent,
	}
}

func (a *Agent) handleSysInfo(ctx context.Context, log *logger.Logger) protocol.Message {
	info := a.sysinfo()
	reply, err := protocol.OK(info.Summary()).WithData(info)
	if err != nil {
		log.Error(ctx, "failed to encode host info", "error", err)
		return protocol.Failed("sysinfo failed: " + err.Error())
	}
	return reply
}
