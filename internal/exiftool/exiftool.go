// Package exiftool shifts the EXIF date fields of many files in one
// invocation of the external exiftool program.
package exiftool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Direction of a date shift.
type Direction int

// Shift directions.
const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}

	return "forward"
}

// ShiftRequest describes one batch shift. Patterns are shell globs; with
// Recursive set they also match inside subdirectories of each pattern's
// directory.
type ShiftRequest struct {
	Amount    time.Duration
	Direction Direction
	Patterns  []string
	Recursive bool
}

// ToolEvents receives per-file feedback while the tool runs. Either
// callback may be nil. Callbacks run on the output-reading goroutines.
type ToolEvents struct {
	Progress func(current, total int, path string)
	Error    func(path, message string)
}

// Tool shifts dates for a batch of files.
type Tool interface {
	ShiftDate(ctx context.Context, req ShiftRequest, events ToolEvents) error
}

var (
	progressLine = regexp.MustCompile(`^=+\s+(.+?)\s+\[(\d+)/(\d+)\]\s*$`)
	errorLine    = regexp.MustCompile(`^Error:\s*(.*?)\s+-\s+(.+?)\s*$`)
)

// Option configures the CLI.
type Option func(*CLI)

// WithBinary overrides the exiftool binary.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if binary != "" {
			c.binary = binary
		}
	}
}

// CLI runs the exiftool command line program.
type CLI struct {
	binary         string
	logger         *slog.Logger
	commandContext func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewCLI constructs a CLI using "exiftool" from PATH unless overridden.
func NewCLI(logger *slog.Logger, opts ...Option) *CLI {
	if logger == nil {
		logger = slog.Default()
	}

	c := &CLI{
		binary:         "exiftool",
		logger:         logger,
		commandContext: exec.CommandContext,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ShiftDate shifts AllDates of every file matching req.Patterns. A
// request matching no files succeeds without running the tool. A
// cancelled ctx kills the tool and returns an error wrapping ctx.Err().
func (c *CLI) ShiftDate(ctx context.Context, req ShiftRequest, events ToolEvents) error {
	files, err := expand(req.Patterns, req.Recursive)
	if err != nil {
		return err
	}

	if len(files) == 0 {
		c.logger.Debug("exiftool: no files match", slog.Any("patterns", req.Patterns))
		return nil
	}

	args := append([]string{
		"-overwrite_original",
		"-progress",
		shiftArg(req.Amount, req.Direction),
	}, files...)

	c.logger.Info("exiftool: shifting dates",
		slog.Int("files", len(files)),
		slog.Duration("amount", req.Amount),
		slog.String("direction", req.Direction.String()),
	)

	cmd := c.commandContext(ctx, c.binary, args...) //nolint:gosec

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("exiftool: stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("exiftool: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("exiftool: starting %s: %w", c.binary, err)
	}

	var wg sync.WaitGroup

	wg.Add(2)

	go c.scan(&wg, stdout, events)
	go c.scan(&wg, stderr, events)

	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("exiftool: shifting dates: %w", ctxErr)
		}

		return fmt.Errorf("exiftool: shifting dates: %w", err)
	}

	return nil
}

func (c *CLI) scan(wg *sync.WaitGroup, r io.Reader, events ToolEvents) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.handleLine(scanner.Text(), events)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("exiftool: reading output", slog.String("error", err.Error()))
	}
}

func (c *CLI) handleLine(line string, events ToolEvents) {
	if m := progressLine.FindStringSubmatch(line); m != nil {
		current, _ := strconv.Atoi(m[2])
		total, _ := strconv.Atoi(m[3])

		if events.Progress != nil {
			events.Progress(current, total, m[1])
		}

		return
	}

	if m := errorLine.FindStringSubmatch(line); m != nil {
		c.logger.Warn("exiftool: file error", slog.String("path", m[2]), slog.String("message", m[1]))

		if events.Error != nil {
			events.Error(m[2], m[1])
		}

		return
	}

	if strings.TrimSpace(line) != "" {
		c.logger.Debug("exiftool", slog.String("output", line))
	}
}

// shiftArg renders "-AllDates+=H:MM:SS" (or -=). Hours are not folded into
// days; exiftool accepts any hour count.
func shiftArg(amount time.Duration, dir Direction) string {
	op := "+="

	if amount < 0 {
		amount = -amount
		dir = 1 - dir
	}

	if dir == Backward {
		op = "-="
	}

	total := int64(amount / time.Second)
	h, m, s := total/3600, (total/60)%60, total%60

	return fmt.Sprintf("-AllDates%s%d:%02d:%02d", op, h, m, s)
}

// expand resolves patterns into a sorted, de-duplicated file list.
func expand(patterns []string, recursive bool) ([]string, error) {
	seen := make(map[string]bool)

	var files []string

	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}

	for _, pattern := range patterns {
		if !recursive {
			matches, err := filepath.Glob(pattern)
			if err != nil {
				return nil, fmt.Errorf("exiftool: bad pattern %q: %w", pattern, err)
			}

			for _, m := range matches {
				add(m)
			}

			continue
		}

		root, base := filepath.Split(pattern)
		if _, err := filepath.Match(base, ""); err != nil {
			return nil, fmt.Errorf("exiftool: bad pattern %q: %w", pattern, err)
		}

		err := filepath.WalkDir(filepath.Clean(root), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}

				return err
			}

			if d.IsDir() {
				return nil
			}

			if ok, _ := filepath.Match(base, d.Name()); ok {
				add(path)
			}

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("exiftool: walking %s: %w", root, err)
		}
	}

	sort.Strings(files)

	return files, nil
}

var _ Tool = (*CLI)(nil)
