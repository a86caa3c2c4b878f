package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// exitInterrupted is the exit status after a forced quit.
const exitInterrupted = 130

// osExit is replaced in tests.
var osExit = os.Exit

// shutdownContext returns a context canceled by the first SIGINT or SIGTERM.
// Cancellation reaches the running engine command, which still restores
// file names before the session closes. A second signal exits at once.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("interrupted, cancelling", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("interrupted again, exiting", slog.String("signal", sig.String()))
			osExit(exitInterrupted)
		case <-parent.Done():
		}
	}()

	return ctx
}
