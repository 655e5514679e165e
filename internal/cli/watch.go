package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/nickcecere/facesync/internal/config"
	"github.com/nickcecere/facesync/internal/syncer"
	"github.com/nickcecere/facesync/internal/ui"
	"github.com/nickcecere/facesync/internal/watcher"
)

var (
	watchNoInitial bool
	watchInterval  time.Duration
	watchNoFiles   bool
)

// watchCmd represents the watch command.
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Sync periodically and when new images arrive",
	Long: `Run sync passes on a schedule until interrupted.

Every pass repeats while discovery is truncated, so a large backlog is
drained before the next tick. With the local source backend the image
directory is also watched and new files trigger a pass.

Examples:
  # Sync every five minutes (the default)
  facesync watch

  # Sync every 30 seconds, skipping the startup pass
  facesync watch --interval 30s --no-initial`,
	Args: cobra.NoArgs,
	RunE: runWatchCmd,
}

func init() {
	watchCmd.Flags().BoolVar(&watchNoInitial, "no-initial", false, "skip the sync at startup")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "time between passes (default from config, 0 in config disables)")
	watchCmd.Flags().BoolVar(&watchNoFiles, "no-fs-events", false, "do not watch the local image directory")
}

func runWatchCmd(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	req := syncer.DefaultRequest(cfg)
	if err := req.Validate(); err != nil {
		return err
	}

	ctx, cancel := signalContext("Shutting down...")
	defer cancel()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	s, err := b.newSyncer(ctx, nil)
	if err != nil {
		return err
	}

	interval := cfg.Watch.Interval
	if cmd.Flags().Changed("interval") {
		interval = watchInterval
	}

	opts := []watcher.Option{
		watcher.WithInterval(interval),
		watcher.WithDebounceTime(cfg.Watch.Debounce),
		watcher.WithMaxRuns(cfg.Sync.MaxRuns),
		watcher.WithRunCallback(func(resp *syncer.Response, err error) {
			if resp != nil && resp.Added > 0 {
				log.Info("Store updated", "added", resp.Added, "total", resp.Total, "revision", resp.RevisionTag)
			}
		}),
	}
	if watchNoInitial {
		opts = append(opts, watcher.WithoutInitialRun())
	}

	dir := b.watchDir(req)
	if dir != "" && !watchNoFiles {
		opts = append(opts,
			watcher.WithDirectory(dir, cfg.Source.Recursive),
			watcher.WithIgnorePatterns(cfg.Ignore),
		)
	}

	fmt.Println(ui.Header.Render("Watching for New Faces"))
	fmt.Printf("Source: %s\n", req.InputBucket+"/"+req.InputPrefix)
	fmt.Printf("Store:  %s\n", req.Output())
	if interval > 0 {
		fmt.Printf("Every:  %s\n", interval)
	}
	if dir != "" && !watchNoFiles {
		fmt.Printf("Files:  %s\n", dir)
	}
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	err = watcher.New(s, req, opts...).Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
