// Command collaborators serves the reference inventory, payment and shipping
// services on one port.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/orderflow/internal/collab"
)

func main() {
	addr := flag.String("http-addr", ":3002", "HTTP listen address")
	dbPath := flag.String("db", "inventory.db", "SQLite inventory database")
	delay := flag.Duration("delay", 2*time.Second, "simulated work per request")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(*addr, *dbPath, *delay, logger); err != nil {
		fmt.Fprintln(os.Stderr, "collaborators:", err)
		os.Exit(1)
	}
}

func run(addr, dbPath string, delay time.Duration, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	services, err := collab.New(ctx, db, collab.Config{Delay: delay, Logger: logger})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           services.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("collaborators listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
