package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
)

// commandContext is replaced in tests.
var commandContext = exec.CommandContext

// defaultOpenerBinary returns the platform's "open in file manager" program.
func defaultOpenerBinary() string {
	if runtime.GOOS == "darwin" {
		return "open"
	}

	return "xdg-open"
}

// newOpener returns a function that shows a directory in the desktop file
// manager. The program is started and reaped in the background.
func newOpener(binary string, logger *slog.Logger) func(ctx context.Context, dir string) error {
	if binary == "" {
		binary = defaultOpenerBinary()
	}

	return func(ctx context.Context, dir string) error {
		cmd := commandContext(context.WithoutCancel(ctx), binary, dir)

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("starting %s: %w", binary, err)
		}

		go func() {
			if err := cmd.Wait(); err != nil {
				logger.Debug("opener exited", slog.String("binary", binary), slog.String("error", err.Error()))
			}
		}()

		return nil
	}
}
