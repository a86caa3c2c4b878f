package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/phototriage/phototriage/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDBPath     string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// CLIFlags are the persistent flags a command needs after parsing.
type CLIFlags struct {
	JSON    bool
	Verbose bool
	Quiet   bool
}

// CLIContext carries the resolved configuration and logger to every
// subcommand through the command's context.
type CLIContext struct {
	Cfg    *config.Resolved
	Logger *slog.Logger
	Flags  CLIFlags
	Out    io.Writer
}

type cliContextKey struct{}

// skipConfigCommands lists commands that must work without a valid config.
var skipConfigCommands = map[string]bool{
	"phototriage":         true,
	"phototriage help":    true,
	"phototriage version": true,
}

// newRootCmd builds the root command with every subcommand registered.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phototriage",
		Short: "Triage a folder of photos",
		Long: `Review a folder of photos: favorite or mark them, rename them after their
capture time, shift their dates, trash the marked ones and collect the
favorites.`,
		Version: version,
		// We print errors ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipConfigCommands[cmd.CommandPath()] {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "annotation database path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newFavoriteCmd())
	cmd.AddCommand(newMarkCmd())
	cmd.AddCommand(newRenameToDateCmd())
	cmd.AddCommand(newShiftDateCmd())
	cmd.AddCommand(newDeleteMarkedCmd())
	cmd.AddCommand(newCopyFavoritedCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration and attaches a
// CLIContext to the command.
func loadConfig(cmd *cobra.Command) error {
	cc, err := newCLIContext(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

func newCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if cmd.Flags().Changed("db") {
		cli.DBPath = &flagDBPath
	}

	switch {
	case flagVerbose:
		level := "debug"
		cli.LogLevel = &level
	case flagQuiet:
		level := "error"
		cli.LogLevel = &level
	}

	if flagJSON {
		format := "json"
		cli.LogFormat = &format
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &CLIContext{
		Cfg:    resolved,
		Logger: buildLogger(resolved, os.Stderr),
		Flags:  CLIFlags{JSON: flagJSON, Verbose: flagVerbose, Quiet: flagQuiet},
		Out:    cmd.OutOrStdout(),
	}, nil
}

// cliContextFrom returns the CLIContext attached by loadConfig, or nil.
func cliContextFrom(ctx context.Context) *CLIContext {
	if ctx == nil {
		return nil
	}

	cc, _ := ctx.Value(cliContextKey{}).(*CLIContext)

	return cc
}

// mustCLIContext returns the CLIContext or panics; every command that calls
// it runs after loadConfig.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not set; command must not skip config loading")
	}

	return cc
}

// buildLogger creates the slog.Logger for the resolved log level and format.
// Format "auto" picks JSON when w is not a terminal.
func buildLogger(rc *config.Resolved, w io.Writer) *slog.Logger {
	level := slog.LevelInfo

	switch rc.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if rc.LogFormat == "json" || (rc.LogFormat == "auto" && !isTerminal(w)) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// errNoPhotos is returned when named files are not in the directory.
var errNoPhotos = errors.New("no matching photos")
