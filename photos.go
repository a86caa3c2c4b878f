package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/phototriage/phototriage/internal/coordinator"
	"github.com/phototriage/phototriage/internal/exiftool"
	"github.com/phototriage/phototriage/internal/triage"
)

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <dir>",
		Short: "List photos with their flags and capture times",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnDirectory(cmd, args[0], runLs)
		},
	}
}

func newFavoriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "favorite <dir> <file>...",
		Short: "Toggle the favorite flag",
		Long: `Toggle the favorite flag of the named photos as a group: if any of them is
not a favorite, all become favorites (dropping any deletion mark);
otherwise all stop being favorites.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnDirectory(cmd, args[0], selectionRunner(args[1:], "favorite", (*triage.Synchronizer).Favorite))
		},
	}
}

func newMarkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mark <dir> <file>...",
		Short: "Toggle the mark for deletion",
		Long: `Toggle the deletion mark of the named photos as a group, the same way
favorite does. Marked photos are trashed by delete-marked.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnDirectory(cmd, args[0], selectionRunner(args[1:], "mark", (*triage.Synchronizer).MarkForDeletion))
		},
	}
}

func newRenameToDateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename-to-date <dir> [file...]",
		Short: "Rename photos after their capture time",
		Long: `Rename photos (all of them when no file is named) after their capture time.
Name collisions get a -2, -3, ... suffix. Photos without a capture time
are left alone.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnDirectory(cmd, args[0], selectionRunner(args[1:], "rename-to-date", (*triage.Synchronizer).RenameToDate))
		},
	}
}

func newShiftDateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shift-date <dir> --by <duration> [file...]",
		Short: "Shift capture times with exiftool",
		Long: `Shift the capture time of photos (all of them when no file is named) by a
duration such as 1h30m. Files keep their names unless --rename is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runShiftDate,
	}

	cmd.Flags().Duration("by", 0, "amount to shift by, e.g. 2h or 45m (required)")
	cmd.Flags().Bool("backward", false, "shift into the past")
	cmd.Flags().Bool("rename", false, "rename the photos after their new capture time")
	_ = cmd.MarkFlagRequired("by")

	return cmd
}

func newDeleteMarkedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-marked <dir>",
		Short: "Move every photo marked for deletion to the trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnDirectory(cmd, args[0], func(ctx context.Context, _ *CLIContext, s *Session) error {
				return runOperation(ctx, "delete-marked", func(ctx context.Context) (*coordinator.Task, error) {
					return s.Engine.DeleteMarked(ctx)
				})
			})
		},
	}
}

func newCopyFavoritedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "copy-favorited <dir>",
		Short: "Copy every favorite into the favorites folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnDirectory(cmd, args[0], func(ctx context.Context, _ *CLIContext, s *Session) error {
				return runOperation(ctx, "copy-favorited", func(ctx context.Context) (*coordinator.Task, error) {
					return s.Engine.CopyFavorited(ctx)
				})
			})
		},
	}

	return cmd
}

// sessionFunc is the body of a command that runs on one loaded directory.
type sessionFunc func(ctx context.Context, cc *CLIContext, s *Session) error

// runOnDirectory opens a session on dir, runs fn and closes the session.
// The first interrupt cancels the running work.
func runOnDirectory(cmd *cobra.Command, dir string, fn sessionFunc) error {
	cc := mustCLIContext(cmd.Context())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	ctx = shutdownContext(ctx, cc.Logger)

	printer := newNoticePrinter(cc, os.Stderr)
	defer printer.Finish()

	s, err := OpenSession(ctx, cc, dir, printer.Notice)
	if err != nil {
		return err
	}
	defer s.Close()

	return fn(ctx, cc, s)
}

// runOperation starts an engine command and waits for it. The command's
// scope derives from ctx, so an interrupt cancels it; the wait itself
// outlives ctx so cleanup always finishes before the session closes.
func runOperation(ctx context.Context, name string, start func(ctx context.Context) (*coordinator.Task, error)) error {
	task, err := start(ctx)
	if err != nil {
		return err
	}

	return waitTask(context.WithoutCancel(ctx), name, task)
}

type selectionCommand func(s *triage.Synchronizer, ctx context.Context, photos []*triage.Photo) (*coordinator.Task, error)

func selectionRunner(names []string, name string, command selectionCommand) sessionFunc {
	return func(ctx context.Context, cc *CLIContext, s *Session) error {
		photos, err := s.Select(names)
		if err != nil {
			return err
		}

		if err := runOperation(ctx, name, func(ctx context.Context) (*coordinator.Task, error) {
			return command(s.Engine, ctx, photos)
		}); err != nil {
			return err
		}

		fav, marked := s.Engine.Counts()
		cc.Statusf("%d favorited, %d marked for deletion\n", fav, marked)

		return nil
	}
}

func runShiftDate(cmd *cobra.Command, args []string) error {
	by, err := cmd.Flags().GetDuration("by")
	if err != nil {
		return err
	}

	if by <= 0 {
		return errors.New("--by must be a positive duration")
	}

	backward, err := cmd.Flags().GetBool("backward")
	if err != nil {
		return err
	}

	rename, err := cmd.Flags().GetBool("rename")
	if err != nil {
		return err
	}

	direction := exiftool.Forward
	if backward {
		direction = exiftool.Backward
	}

	return runOnDirectory(cmd, args[0], func(ctx context.Context, cc *CLIContext, s *Session) error {
		photos, err := s.Select(args[1:])
		if err != nil {
			return err
		}

		if err := runOperation(ctx, "shift-date", func(ctx context.Context) (*coordinator.Task, error) {
			return s.Engine.ShiftDate(ctx, photos, by, direction, rename)
		}); err != nil {
			return err
		}

		cc.Statusf("shifted %d photos %s by %s\n", len(photos), direction, by)

		return nil
	})
}

// lsEntry is the JSON form of one listed photo.
type lsEntry struct {
	Name      string     `json:"name"`
	Path      string     `json:"path"`
	Favorited bool       `json:"favorited"`
	Marked    bool       `json:"marked_for_deletion"`
	Captured  *time.Time `json:"captured,omitempty"`
	Camera    string     `json:"camera,omitempty"`
}

func runLs(ctx context.Context, cc *CLIContext, s *Session) error {
	photos := s.Engine.Photos()
	entries := make([]lsEntry, 0, len(photos))

	for _, p := range photos {
		e := lsEntry{
			Name:      p.Name(),
			Path:      p.Path(),
			Favorited: p.Favorited(),
			Marked:    p.MarkedForDeletion(),
		}

		if m := s.Engine.Metadata(ctx, p); m != nil {
			e.Captured = m.CaptureTime
			e.Camera = camera(m.CameraMake, m.CameraModel)
		}

		entries = append(entries, e)
	}

	if cc.Flags.JSON {
		enc := json.NewEncoder(cc.Out)
		enc.SetIndent("", "  ")

		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		cc.Statusf("no photos in %s\n", s.Dir)
		return nil
	}

	rows := make([][]string, 0, len(entries))

	for _, e := range entries {
		captured := ""
		if e.Captured != nil {
			captured = formatTime(*e.Captured)
		}

		rows = append(rows, []string{e.Name, flagLabel(e.Favorited, e.Marked), captured, e.Camera})
	}

	fmt.Fprintln(cc.Out, renderTable([]string{"NAME", "FLAG", "CAPTURED", "CAMERA"}, rows, nil))

	fav, marked := s.Engine.Counts()
	cc.Statusf("%d photos, %d favorited, %d marked for deletion\n", len(entries), fav, marked)

	return nil
}

func flagLabel(favorited, marked bool) string {
	switch {
	case favorited:
		return "favorite"
	case marked:
		return "delete"
	default:
		return ""
	}
}

func camera(cameraMake, model *string) string {
	switch {
	case cameraMake == nil && model == nil:
		return ""
	case cameraMake == nil:
		return *model
	case model == nil:
		return *cameraMake
	default:
		return *cameraMake + " " + *model
	}
}
