package triage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/phototriage/phototriage/internal/coordinator"
	"github.com/phototriage/phototriage/internal/exiftool"
	"github.com/phototriage/phototriage/internal/fileid"
)

// operation carries the identity of one running bulk command for its
// progress notices.
type operation struct {
	s    *Synchronizer
	name string
	id   string
}

// progress reports current/total scaled to 0..100.
func (op *operation) progress(current, total int) {
	pct := 100
	if total > 0 {
		pct = current * 100 / total
	}

	op.s.emit(Notice{
		Kind:        NoticeProgress,
		Operation:   op.name,
		OperationID: op.id,
		Current:     pct,
		Total:       100,
	})
}

func (op *operation) warn(path, message string) {
	op.s.logger.Warn(message,
		slog.String("operation", op.name),
		slog.String("operation_id", op.id),
		slog.String("path", path),
	)
	op.s.emit(Notice{Kind: NoticeWarning, Operation: op.name, OperationID: op.id, Path: path, Message: message})
}

// startOperation runs fn under the operation coordinator. It refuses while
// another command runs and waits for a running load first.
func (s *Synchronizer) startOperation(
	ctx context.Context, name string, fn func(ctx context.Context, op *operation) error,
) (*coordinator.Task, error) {
	if err := s.load.WaitIdle(ctx); err != nil {
		return nil, err
	}

	op := &operation{s: s, name: name, id: uuid.NewString()}

	task, err := s.op.StartNew(ctx, func(ctx context.Context) error {
		s.operating.Store(true)
		defer s.operating.Store(false)

		started := time.Now()

		s.logger.Info("operation started", slog.String("operation", name), slog.String("operation_id", op.id))
		op.progress(0, 100)

		err := fn(ctx, op)

		op.progress(100, 100)
		s.refresh.Flush()
		s.logger.Info("operation finished",
			slog.String("operation", name),
			slog.String("operation_id", op.id),
			slog.Duration("duration", time.Since(started)),
		)

		return err
	}, false)
	if err != nil {
		s.warn(name, "", "another operation is in progress")
		return nil, err
	}

	return task, nil
}

// CancelOperation cancels the running bulk command, if any.
func (s *Synchronizer) CancelOperation() {
	s.op.Cancel()
}

// Favorite toggles the favorite flag of photos as a whole: if any lacks
// it, all become favorites (losing any deletion mark); otherwise all lose
// it.
func (s *Synchronizer) Favorite(ctx context.Context, photos []*Photo) (*coordinator.Task, error) {
	return s.toggle(ctx, "favorite", photos, true)
}

// MarkForDeletion toggles the deletion mark of photos as a whole, the
// same way Favorite does.
func (s *Synchronizer) MarkForDeletion(ctx context.Context, photos []*Photo) (*coordinator.Task, error) {
	return s.toggle(ctx, "mark", photos, false)
}

func (s *Synchronizer) toggle(ctx context.Context, name string, photos []*Photo, favorite bool) (*coordinator.Task, error) {
	if len(photos) == 0 {
		s.warn(name, "", "nothing selected")
		return nil, ErrEmptySelection
	}

	return s.startOperation(ctx, name, func(ctx context.Context, op *operation) error {
		has := func(p *Photo) bool {
			if favorite {
				return p.Favorited()
			}

			return p.MarkedForDeletion()
		}

		turnOn := false

		for _, p := range photos {
			if !has(p) {
				turnOn = true
				break
			}
		}

		ids := identities(photos)

		var err error

		switch {
		case favorite && turnOn:
			err = s.store.Favorite(ctx, ids...)
		case favorite:
			err = s.store.UnFavorite(ctx, ids...)
		case turnOn:
			err = s.store.MarkForDeletion(ctx, ids...)
		default:
			err = s.store.UnMarkForDeletion(ctx, ids...)
		}

		if err != nil {
			return err
		}

		s.writer.Do(func() {
			for _, p := range photos {
				fav, mark := p.Favorited(), p.MarkedForDeletion()

				switch {
				case favorite && turnOn:
					fav, mark = true, false
				case favorite:
					fav = false
				case turnOn:
					fav, mark = false, true
				default:
					mark = false
				}

				s.collection.SetFlags(p, fav, mark)
			}
		})

		for _, p := range photos {
			s.emit(Notice{Kind: NoticeChanged, OperationID: op.id, Path: p.Path()})
		}

		s.refresh.Notify()

		return nil
	})
}

// RenameToDate renames each photo after its capture time.
func (s *Synchronizer) RenameToDate(ctx context.Context, photos []*Photo) (*coordinator.Task, error) {
	if len(photos) == 0 {
		s.warn("rename-to-date", "", "nothing selected")
		return nil, ErrEmptySelection
	}

	return s.startOperation(ctx, "rename-to-date", func(ctx context.Context, op *operation) error {
		return s.gate.WithSuppressed(func() error {
			return s.renameToDate(ctx, op, photos)
		})
	})
}

// renameToDate processes photos in blocks. Cancellation is checked only
// between blocks; a started block always completes.
func (s *Synchronizer) renameToDate(ctx context.Context, op *operation, photos []*Photo) error {
	defer s.refresh.Notify()

	done := 0

	for start := 0; start < len(photos); start += s.blockSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		block := photos[start:min(start+s.blockSize, len(photos))]
		blockCtx := context.WithoutCancel(ctx)

		for _, p := range block {
			s.renameOneToDate(blockCtx, op, p)

			done++
			op.progress(done, len(photos))
		}
	}

	return nil
}

func (s *Synchronizer) renameOneToDate(ctx context.Context, op *operation, p *Photo) {
	m := s.loadMetadata(ctx, p)
	if !m.HasCaptureTime() {
		op.warn(p.Path(), "no capture date, not renamed")
		return
	}

	target, err := dateTarget(p.ID(), m.CaptureTime.Format(s.dateNameLayout))
	if err != nil {
		op.warn(p.Path(), err.Error())
		return
	}

	old := p.ID()
	if target.Equal(old) {
		s.logger.Debug("already named after its date", slog.String("path", old.Path()))
		return
	}

	if err := s.renameFile(ctx, p, target); err != nil {
		op.warn(old.Path(), err.Error())
		p.setFailed()

		return
	}

	s.emit(Notice{Kind: NoticeRenamed, OperationID: op.id, Path: target.Path(), OldPath: old.Path()})
}

// maxDateCollisions bounds the "-N" disambiguation search.
const maxDateCollisions = 1000

// dateTarget picks the first free name among base, base-2, base-3, ...
// A candidate equal to the current identity means nothing needs renaming.
func dateTarget(current fileid.Identity, base string) (fileid.Identity, error) {
	for n := 1; n <= maxDateCollisions; n++ {
		name := base
		if n > 1 {
			name = base + "-" + strconv.Itoa(n)
		}

		candidate := current.WithBase(name)
		if candidate.Equal(current) {
			return candidate, nil
		}

		if !exists(candidate.Path()) {
			return candidate, nil
		}
	}

	return fileid.Identity{}, fmt.Errorf("%w: no free name for %s", ErrTargetExists, base)
}

// ShiftDate moves the capture time of photos by amount. While the watcher
// is suppressed every file is renamed to carry the shift suffix, the tool
// runs over one suffix glob per directory, and then every suffix is
// stripped again whatever the tool did. With alsoRename the photos are
// then renamed after their new dates.
func (s *Synchronizer) ShiftDate(
	ctx context.Context, photos []*Photo, amount time.Duration, dir exiftool.Direction, alsoRename bool,
) (*coordinator.Task, error) {
	if len(photos) == 0 {
		s.warn("shift-date", "", "nothing selected")
		return nil, ErrEmptySelection
	}

	return s.startOperation(ctx, "shift-date", func(ctx context.Context, op *operation) error {
		return s.gate.WithSuppressed(func() error {
			return s.shiftDate(ctx, op, photos, amount, dir, alsoRename)
		})
	})
}

func (s *Synchronizer) shiftDate(
	ctx context.Context, op *operation, photos []*Photo, amount time.Duration, dir exiftool.Direction, alsoRename bool,
) error {
	defer func() {
		for _, p := range photos {
			p.clearTransient()
		}
	}()

	// Renames and cleanup must finish even when ctx is cancelled.
	cleanupCtx := context.WithoutCancel(ctx)

	original := make(map[*Photo]fileid.Identity, len(photos))
	suffixed := make([]*Photo, 0, len(photos))

	var runErr error

	for _, p := range photos {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		id := p.ID()
		target := id.WithBase(id.Base() + s.shiftSuffix)

		if err := s.renameFile(cleanupCtx, p, target); err != nil {
			op.warn(id.Path(), err.Error())
			p.setFailed()

			continue
		}

		original[p] = id
		suffixed = append(suffixed, p)
	}

	if runErr == nil && len(suffixed) > 0 {
		runErr = s.runShiftTool(ctx, op, suffixed, amount, dir)
	}

	delta := amount
	if dir == exiftool.Backward {
		delta = -amount
	}

	for _, p := range suffixed {
		switch {
		case runErr != nil || p.LastOperationFailed():
			// Whether the tool touched this file is unknown: re-read it.
			p.setFailed()
			p.invalidateMetadata()
		default:
			p.applyShift(delta)
		}

		if err := s.renameFile(cleanupCtx, p, original[p]); err != nil {
			s.logger.Error("restoring name after date shift",
				slog.String("path", p.Path()),
				slog.String("want", original[p].Path()),
				slog.String("error", err.Error()),
			)
			op.warn(p.Path(), "could not restore original name: "+err.Error())

			continue
		}

		s.emit(Notice{Kind: NoticeChanged, OperationID: op.id, Path: p.Path()})
	}

	s.refresh.Notify()

	if runErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		op.warn("", "date shift failed: "+runErr.Error())

		return runErr
	}

	if !alsoRename {
		return nil
	}

	var rename []*Photo

	for _, p := range suffixed {
		if !p.LastOperationFailed() {
			rename = append(rename, p)
		}
	}

	return s.renameToDate(ctx, op, rename)
}

// runShiftTool invokes the tool over one suffix glob per distinct
// directory and routes its per-file feedback to the photos' transient
// flags.
func (s *Synchronizer) runShiftTool(
	ctx context.Context, op *operation, photos []*Photo, amount time.Duration, dir exiftool.Direction,
) error {
	byKey := make(map[fileid.Key]*Photo, len(photos))
	seenDir := make(map[string]bool)

	var patterns []string

	for _, p := range photos {
		id := p.ID()
		byKey[id.Key()] = p

		if dk := fileid.Fold(id.Dir()); !seenDir[dk] {
			seenDir[dk] = true
			patterns = append(patterns, filepath.Join(id.Dir(), "*"+s.shiftSuffix+".*"))
		}
	}

	events := exiftool.ToolEvents{
		Progress: func(current, total int, path string) {
			if p := byKey[fileid.Parse(path).Key()]; p != nil {
				p.setFinished()
			}

			op.progress(current, total)
		},
		Error: func(path, message string) {
			if p := byKey[fileid.Parse(path).Key()]; p != nil {
				p.setFailed()
			}

			op.warn(path, message)
		},
	}

	return s.tool.ShiftDate(ctx, exiftool.ShiftRequest{
		Amount:    amount,
		Direction: dir,
		Patterns:  patterns,
	}, events)
}

// DeleteMarked sends every marked photo whose file still exists to the
// trash. Trashed photos leave the collection and the store.
func (s *Synchronizer) DeleteMarked(ctx context.Context) (*coordinator.Task, error) {
	return s.startOperation(ctx, "delete-marked", func(ctx context.Context, op *operation) error {
		var marked []*Photo

		s.writer.Do(func() {
			marked = s.collection.Where((*Photo).MarkedForDeletion)
		})

		if len(marked) == 0 {
			op.warn("", "nothing marked for deletion")
			return nil
		}

		trashed := make([]bool, len(marked))

		var (
			g    errgroup.Group
			done atomic.Int64
		)

		g.SetLimit(s.parallelism)

		for i, p := range marked {
			g.Go(func() error {
				defer func() { op.progress(int(done.Add(1)), len(marked)) }()

				if ctx.Err() != nil {
					return nil
				}

				path := p.Path()
				if !exists(path) {
					s.logger.Debug("marked file already gone", slog.String("path", path))
					return nil
				}

				if err := s.trash(path); err != nil {
					op.warn(path, err.Error())
					return nil
				}

				trashed[i] = true

				return nil
			})
		}

		_ = g.Wait()

		var gone []*Photo

		for i, p := range marked {
			if trashed[i] {
				gone = append(gone, p)
			}
		}

		if err := s.store.Delete(context.WithoutCancel(ctx), identities(gone)...); err != nil {
			s.logger.Warn("forgetting trashed annotations", slog.String("error", err.Error()))
		}

		s.writer.Do(func() {
			for _, p := range gone {
				s.collection.Remove(p.ID())
			}
		})

		for _, p := range gone {
			s.emit(Notice{Kind: NoticeRemoved, OperationID: op.id, Path: p.Path()})
		}

		s.refresh.Notify()

		s.logger.Info("trashed marked photos", slog.Int("trashed", len(gone)), slog.Int("marked", len(marked)))

		return ctx.Err()
	})
}

// CopyFavorited copies every favorite into its sibling favorites
// directory. Destinations that already exist are left untouched. The
// first few destination directories are opened afterwards.
func (s *Synchronizer) CopyFavorited(ctx context.Context) (*coordinator.Task, error) {
	return s.startOperation(ctx, "copy-favorited", func(ctx context.Context, op *operation) error {
		var favorites []*Photo

		s.writer.Do(func() {
			favorites = s.collection.Where((*Photo).Favorited)
		})

		if len(favorites) == 0 {
			op.warn("", "nothing favorited")
			return nil
		}

		dirs, err := s.prepareFavoriteDirs(favorites)
		if err != nil {
			return err
		}

		var (
			g    errgroup.Group
			done atomic.Int64
		)

		g.SetLimit(s.parallelism)

		for _, p := range favorites {
			g.Go(func() error {
				defer func() { op.progress(int(done.Add(1)), len(favorites)) }()

				if ctx.Err() != nil {
					return nil
				}

				src := p.Path()
				dst := p.ID().FavoritePath(s.favoritesDir)

				if exists(dst) {
					op.warn(dst, "destination already exists, left untouched")
					return nil
				}

				if err := copyFile(src, dst); err != nil {
					op.warn(src, err.Error())
				}

				return nil
			})
		}

		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return err
		}

		if s.opener != nil {
			for _, d := range dirs[:min(len(dirs), s.maxOpenDirs)] {
				if err := s.opener(ctx, d); err != nil {
					op.warn(d, "opening directory: "+err.Error())
				}
			}
		}

		return nil
	})
}

// prepareFavoriteDirs creates each distinct favorites directory and checks
// that its volume can hold the files still to be copied there. Directories
// are returned in first-seen order.
func (s *Synchronizer) prepareFavoriteDirs(favorites []*Photo) ([]string, error) {
	var dirs []string

	need := make(map[string]uint64)

	for _, p := range favorites {
		d := p.ID().FavoriteDir(s.favoritesDir)

		if _, ok := need[d]; !ok {
			dirs = append(dirs, d)
			need[d] = 0
		}

		if exists(p.ID().FavoritePath(s.favoritesDir)) {
			continue
		}

		if info, err := os.Stat(p.Path()); err == nil {
			need[d] += uint64(info.Size()) //nolint:gosec // sizes are non-negative
		}
	}

	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("triage: creating %s: %w", d, err)
		}

		available, err := s.statfsFunc(d)
		if err != nil {
			s.logger.Warn("checking free space", slog.String("dir", d), slog.String("error", err.Error()))
			continue
		}

		if available < need[d] {
			return nil, fmt.Errorf("%w: %s needs %d bytes, %d available", ErrInsufficientSpace, d, need[d], available)
		}
	}

	return dirs, nil
}

// renameFile is the one way engine code renames a photo: disk first, then
// the store, then the in-memory identity. A failed disk rename changes
// nothing else. An existing different file at the target is never
// overwritten.
func (s *Synchronizer) renameFile(ctx context.Context, p *Photo, target fileid.Identity) error {
	current := p.ID()

	if current.Path() == target.Path() {
		return nil
	}

	if !current.Equal(target) && exists(target.Path()) {
		return fmt.Errorf("%w: %s", ErrTargetExists, target.Path())
	}

	if err := os.Rename(current.Path(), target.Path()); err != nil {
		return fmt.Errorf("triage: renaming %s: %w", current.Path(), err)
	}

	if err := s.moveAnnotations(ctx, current, target); err != nil {
		s.logger.Warn("moving annotations after rename",
			slog.String("old", current.Path()),
			slog.String("new", target.Path()),
			slog.String("error", err.Error()),
		)
	}

	s.writer.Do(func() { s.collection.Rekey(p, target) })

	return nil
}

// moveAnnotations makes newID carry exactly oldID's flags. Flags left
// under newID by a file that used to have that name are dropped even when
// oldID has none.
func (s *Synchronizer) moveAnnotations(ctx context.Context, oldID, newID fileid.Identity) error {
	if !oldID.Equal(newID) {
		if err := s.store.Delete(ctx, newID); err != nil {
			return err
		}
	}

	return s.store.Rename(ctx, oldID, newID)
}

// copyFile copies src to a new file dst, keeping the modification time.
// A partially written dst is removed.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("triage: opening %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("triage: stat %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("triage: creating %s: %w", dst, err)
	}

	defer func() {
		if err != nil {
			os.Remove(dst)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("triage: copying %s: %w", src, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("triage: closing %s: %w", dst, err)
	}

	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("triage: setting times on %s: %w", dst, err)
	}

	return nil
}

func identities(photos []*Photo) []fileid.Identity {
	ids := make([]fileid.Identity, len(photos))
	for i, p := range photos {
		ids[i] = p.ID()
	}

	return ids
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
