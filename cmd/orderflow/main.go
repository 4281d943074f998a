// Command orderflow runs the order saga service: the HTTP gateway and the
// workers that drive orders through inventory, approval, payment and
// shipping.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/petrijr/orderflow/internal/app"
	"github.com/petrijr/orderflow/internal/config"
	"github.com/petrijr/orderflow/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orderflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(flag.NewFlagSet("orderflow", flag.ExitOnError), os.Args[1:])
	if err != nil {
		return err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "orderflow", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("flush traces", slog.Any("error", err))
		}
	}()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("close backends", slog.Any("error", err))
		}
	}()

	logger.Info("starting orderflow",
		slog.String("store", cfg.Store),
		slog.String("queue", cfg.Queue),
		slog.Int("workers", cfg.Workers),
	)
	return a.Run(ctx)
}
