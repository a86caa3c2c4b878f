package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/phototriage/phototriage/internal/feed"
	"github.com/phototriage/phototriage/internal/triage"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Keep a directory loaded and follow changes on disk",
		Long: `Load a directory and apply every file added, removed or renamed on disk
until interrupted. With --listen, engine notices are also broadcast as JSON
over a websocket at /events.`,
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}

	cmd.Flags().String("listen", "", "address for the websocket event feed, e.g. :8765")

	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	ctx = shutdownContext(ctx, cc.Logger)

	listen, err := cmd.Flags().GetString("listen")
	if err != nil {
		return err
	}

	printer := newNoticePrinter(cc, os.Stderr)
	defer printer.Finish()

	hub := feed.NewHub(cc.Logger)

	s, err := OpenSession(ctx, cc, args[0], func(n triage.Notice) {
		printer.Notice(n)
		hub.Publish(n)
	})
	if err != nil {
		return err
	}
	defer s.Close()

	if listen != "" {
		srv := feed.NewServer(hub, cc.Logger)
		if err := srv.Start(ctx, listen); err != nil {
			return err
		}
		defer srv.Stop()

		cc.Statusf("event feed on ws://%s/events\n", srv.Addr())
	}

	s.Store.StartMaintenance(ctx)

	fav, marked := s.Engine.Counts()
	cc.Statusf("watching %s: %d photos, %d favorited, %d marked for deletion\n",
		s.Dir, len(s.Engine.Photos()), fav, marked)

	if err := s.Engine.Run(ctx); err != nil {
		return err
	}

	cc.Logger.Info("watch stopped", slog.String("dir", s.Dir))

	return nil
}
