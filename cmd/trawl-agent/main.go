package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ethan516/trawl/internal/agent"
	"github.com/ethan516/trawl/internal/config"
	"github.com/ethan516/trawl/internal/executor"
	"github.com/ethan516/trawl/internal/hostinfo"
	"github.com/ethan516/trawl/internal/instance"
	"github.com/ethan516/trawl/internal/logger"
	"github.com/ethan516/trawl/internal/scanner"
	"github.com/ethan516/trawl/internal/telemetry"
)

const serviceName = "trawl-agent"

func main() {
	cfg, err := config.LoadAgent(os.Args[1:])
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
	log := logger.New(os.Stderr, level, serviceName, telemetry.TraceID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg); err != nil {
		log.Error(ctx, "agent stopped", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg config.AgentConfig) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.Debug(ctx, fmt.Sprintf(format, args...))
	})); err != nil {
		log.Warn(ctx, "failed to set GOMAXPROCS", "error", err)
	}
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "version", hostinfo.AgentVersion())

	// -------------------------------------------------------------------------
	// Tracing
	tp, shutdownTracing, err := telemetry.InitTracing(log, telemetry.Config{
		ServiceName:      serviceName,
		ExporterEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())
	tracer := tp.Tracer(serviceName)

	// -------------------------------------------------------------------------
	// Single instance
	if cfg.LockFile != "" {
		lock, err := instance.Acquire(cfg.LockFile, instance.Owner{
			PID:            os.Getpid(),
			ControllerAddr: cfg.ControllerAddr,
			StartedAt:      time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				log.Warn(ctx, "failed to release lock file", "path", cfg.LockFile, "error", err)
			}
		}()
	}

	// -------------------------------------------------------------------------
	// Scanner
	scanCfg := scanner.DefaultConfig()
	scanCfg.MaxFileSizeBytes = cfg.Scanner.MaxFileSize
	scanCfg.MaxCopySizeBytes = cfg.Scanner.MaxCopySize
	if cfg.Scanner.RulesFile != "" {
		rules, err := scanner.NewFileLoader(cfg.Scanner.RulesFile).Load(ctx)
		if err != nil {
			return err
		}
		scanCfg = rules.Apply(scanCfg)
	}
	sc, err := scanner.New(scanCfg, scanner.WithLogger(log), scanner.WithTracer(tracer))
	if err != nil {
		return err
	}

	// -------------------------------------------------------------------------
	// Executor
	execOpts := []executor.Option{
		executor.WithShell(cfg.Shell),
		executor.WithTimeout(cfg.CommandTimeout),
	}
	var exec executor.Executor = executor.NewShell(execOpts...)
	if cfg.PTY {
		p, err := executor.NewPTY(execOpts...)
		if err != nil {
			return err
		}
		exec = p
	}

	// -------------------------------------------------------------------------
	// Agent
	a := agent.New(cfg.ControllerAddr, cfg.DialTimeout, exec, sc,
		agent.WithRetryPolicy(agent.ConstantRetry(cfg.RetryDelay)),
		agent.WithLogger(log),
		agent.WithTracer(tracer),
	)

	log.Info(ctx, "connecting to controller", "addr", cfg.ControllerAddr, "pty", cfg.PTY)
	err = a.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info(ctx, "shutting down")
		return nil
	}
	return err
}
