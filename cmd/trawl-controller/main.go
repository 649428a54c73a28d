package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ethan516/trawl/internal/config"
	"github.com/ethan516/trawl/internal/controller"
	"github.com/ethan516/trawl/internal/logger"
	"github.com/ethan516/trawl/internal/telemetry"
)

const serviceName = "trawl-controller"

func main() {
	cfg, err := config.LoadController(os.Args[1:])
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
		log.Error(ctx, "controller stopped", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg config.ControllerConfig) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		log.Debug(ctx, fmt.Sprintf(format, args...))
	})); err != nil {
		log.Warn(ctx, "failed to set GOMAXPROCS", "error", err)
	}
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

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

	// -------------------------------------------------------------------------
	// Listener
	srv, err := controller.Listen(cfg.ListenAddr, log)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "[controller] listening on %s\n", srv.Addr())

	ch, err := srv.Accept(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	fmt.Fprintln(os.Stdout, "[controller] agent connected.")

	// -------------------------------------------------------------------------
	// Session
	sess := controller.NewSession(ch, controller.NewStore(), os.Stdin, os.Stdout,
		controller.WithExtractDir(cfg.ExtractDir),
		controller.WithColor(controller.ColorEnabled(os.Stdout, cfg.NoColor)),
		controller.WithSessionLogger(log),
		controller.WithSessionTracer(tp.Tracer(serviceName)),
	)

	err = sess.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case err != nil:
		log.Error(ctx, "session ended with an error", "error", err)
	}
	return nil
}
