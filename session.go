package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/phototriage/phototriage/internal/annotation"
	"github.com/phototriage/phototriage/internal/coordinator"
	"github.com/phototriage/phototriage/internal/exiftool"
	"github.com/phototriage/phototriage/internal/fileid"
	"github.com/phototriage/phototriage/internal/triage"
	"github.com/phototriage/phototriage/internal/watch"
)

// Session owns every collaborator of one engine run on one directory.
type Session struct {
	Engine *triage.Synchronizer
	Store  *annotation.Store
	Gate   *watch.Gate
	Dir    string

	writer  *triage.Writer
	release func()
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *slog.Logger
}

// OpenSession locks the database, wires the engine and loads dir. The
// listener receives every engine notice.
func OpenSession(ctx context.Context, cc *CLIContext, dir string, listener triage.Listener) (*Session, error) {
	cfg := cc.Cfg
	logger := cc.Logger

	release, err := acquireLock(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	store, err := annotation.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		release()
		return nil, err
	}

	gate, err := watch.Open(watch.Options{
		Extensions:   cfg.Library.Extensions,
		RenameWindow: cfg.Watch.RenameWindowDuration(),
		EventBuffer:  cfg.Watch.EventBuffer,
		Logger:       logger,
	})
	if err != nil {
		store.Close()
		release()

		return nil, err
	}

	writer := triage.NewWriter()

	engine := triage.New(triage.Config{
		Store:           store,
		Gate:            gate,
		Writer:          writer,
		Tool:            exiftool.NewCLI(logger, exiftool.WithBinary(cfg.Tools.Exiftool)),
		Opener:          newOpener(cfg.Tools.Opener, logger),
		Extensions:      cfg.Library.Extensions,
		FavoritesDir:    cfg.Library.FavoritesDir,
		DateNameLayout:  cfg.Library.DateNameLayout,
		ShiftSuffix:     cfg.Operations.ShiftSuffix,
		BlockSize:       cfg.Operations.BlockSize,
		Parallelism:     cfg.Operations.Parallelism,
		MaxOpenDirs:     cfg.Operations.MaxOpenDirs,
		RefreshDebounce: cfg.Watch.RefreshDebounceDuration(),
		Listener:        listener,
		Logger:          logger,
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s := &Session{
		Engine:  engine,
		Store:   store,
		Gate:    gate,
		writer:  writer,
		release: release,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  logger,
	}

	// The gate drains the native queue even when nothing consumes engine
	// events, so the kernel buffer never overflows.
	go func() {
		defer close(s.done)

		if err := gate.Run(runCtx); err != nil {
			logger.Warn("watcher stopped", slog.String("error", err.Error()))
		}
	}()

	task, err := engine.Load(ctx, dir)
	if err != nil {
		s.Close()
		return nil, err
	}

	if err := waitTask(ctx, "load", task); err != nil {
		s.Close()
		return nil, err
	}

	s.Dir = engine.Directory()

	return s, nil
}

// Close stops the engine and releases every resource in reverse order.
func (s *Session) Close() {
	s.Engine.Close()
	s.cancel()
	<-s.done

	if err := s.Gate.Close(); err != nil {
		s.logger.Debug("closing watcher", slog.String("error", err.Error()))
	}

	s.writer.Close()

	if err := s.Store.Close(); err != nil {
		s.logger.Warn("closing annotation store", slog.String("error", err.Error()))
	}

	s.release()
}

// Select returns the photos named by args, relative to the session
// directory or absolute. No args selects every photo.
func (s *Session) Select(args []string) ([]*triage.Photo, error) {
	if len(args) == 0 {
		return s.Engine.Photos(), nil
	}

	var (
		photos  []*triage.Photo
		missing []string
	)

	for _, arg := range args {
		path := arg
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.Dir, path)
		}

		p := s.Engine.Find(fileid.Parse(path))
		if p == nil {
			missing = append(missing, arg)
			continue
		}

		photos = append(photos, p)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w in %s: %s", errNoPhotos, s.Dir, strings.Join(missing, ", "))
	}

	return photos, nil
}

// waitTask waits for task and turns its outcome into an error.
func waitTask(ctx context.Context, name string, task *coordinator.Task) error {
	res, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("%s interrupted: %w", name, err)
	}

	switch res.Outcome {
	case coordinator.OutcomeCompleted:
		return nil
	case coordinator.OutcomeCancelled:
		return fmt.Errorf("%s cancelled", name)
	default:
		return fmt.Errorf("%s failed: %w", name, res.Err)
	}
}
