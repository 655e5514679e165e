package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/nickcecere/facesync/internal/config"
	"github.com/nickcecere/facesync/internal/ingest"
	"github.com/nickcecere/facesync/internal/objectstore"
	"github.com/nickcecere/facesync/internal/syncer"
	"github.com/nickcecere/facesync/internal/ui"
)

var (
	syncSourceBucket   string
	syncSourcePrefix   string
	syncOutputBucket   string
	syncOutputKey      string
	syncOutput         string
	syncEndpoint       string
	syncThing          string
	syncPageSize       int
	syncMaxCandidates  int
	syncEvent          string
	syncJSON           bool
	syncUntilConverged bool
	syncMaxRuns        int
	syncDryRun         bool
	syncNoProgress     bool
)

// syncCmd represents the sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Ingest new face images into the embedding store",
	Long: `Run one synchronization pass over the source bucket.

This command will:
1. Load the persisted embedding store
2. List the source bucket, skipping checksums already in the store
3. Embed each new image and record it under its display name
4. Save the store if anything changed
5. Publish the new revision to the device shadow, when a thing is named

A run stops collecting candidates once the soft cap is exceeded; the response
then reports truncated and the next run continues where this one left off.

Examples:
  # One pass with the configured buckets
  facesync sync

  # Override the request from flags
  facesync sync --source-bucket faces --source-prefix team/ --output-key people.fsnp

  # Run from a scheduler event and print the response as JSON
  facesync sync --event event.json --json

  # Repeat until the source is fully ingested
  facesync sync --until-converged

  # Show what would be ingested
  facesync sync --dry-run`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncSourceBucket, "source-bucket", "", "bucket holding the face images")
	syncCmd.Flags().StringVar(&syncSourcePrefix, "source-prefix", "", "key prefix of the face images")
	syncCmd.Flags().StringVar(&syncOutputBucket, "output-bucket", "", "bucket of the embedding store")
	syncCmd.Flags().StringVar(&syncOutputKey, "output-key", "", "key of the embedding store")
	syncCmd.Flags().StringVarP(&syncOutput, "output", "o", "", "embedding store as bucket/key or s3://bucket/key")
	syncCmd.MarkFlagsMutuallyExclusive("output", "output-bucket")
	syncCmd.MarkFlagsMutuallyExclusive("output", "output-key")
	syncCmd.Flags().StringVar(&syncEndpoint, "endpoint", "", "inference endpoint name")
	syncCmd.Flags().StringVar(&syncThing, "thing", "", "IoT thing whose shadow receives the new revision")
	syncCmd.Flags().IntVar(&syncPageSize, "page-size", 0, "objects per listing page")
	syncCmd.Flags().IntVar(&syncMaxCandidates, "max-candidates", 0, "soft cap on new images per run")
	syncCmd.Flags().StringVarP(&syncEvent, "event", "e", "", "JSON invocation event to read the request from")
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "print the response as JSON")
	syncCmd.Flags().BoolVarP(&syncUntilConverged, "until-converged", "u", false, "repeat runs while discovery is truncated")
	syncCmd.Flags().IntVar(&syncMaxRuns, "max-runs", 0, "run limit for --until-converged (default from config)")
	syncCmd.Flags().BoolVarP(&syncDryRun, "dry-run", "d", false, "list candidates without embedding or writing")
	syncCmd.Flags().BoolVar(&syncNoProgress, "no-progress", false, "hide the progress bar")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	req, err := buildRequest(cmd, cfg)
	if err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	log.Debug("Starting sync",
		"input", req.InputBucket+"/"+req.InputPrefix,
		"output", req.Output().String(),
		"endpoint", req.EndpointName,
		"thing", req.ThingName,
	)

	ctx, cancel := signalContext("Interrupted, saving progress...")
	defer cancel()

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	bar := newIngestBar(!syncNoProgress && !syncJSON)
	s, err := b.newSyncer(ctx, func(opts *syncer.Options) {
		opts.Ingest.OnProgress = bar.update
	})
	if err != nil {
		return err
	}

	if syncDryRun {
		plan, err := s.Plan(ctx, req)
		if err != nil {
			return err
		}
		return printPlan(plan)
	}

	var resp *syncer.Response
	if syncUntilConverged {
		maxRuns := cfg.Sync.MaxRuns
		if syncMaxRuns > 0 {
			maxRuns = syncMaxRuns
		}
		resp, err = s.RunUntilConverged(ctx, req, maxRuns)
	} else {
		resp, err = s.Run(ctx, req)
	}
	bar.finish()

	if resp != nil {
		if perr := printResponse(resp); perr != nil {
			return perr
		}
	}
	if err != nil {
		if errors.Is(err, ingest.ErrAborted) && resp != nil && resp.Persisted {
			return fmt.Errorf("sync incomplete, partial progress saved: %w", err)
		}
		return fmt.Errorf("sync failed: %w", err)
	}
	return nil
}

// buildRequest layers the configuration, the event file and the flags.
func buildRequest(cmd *cobra.Command, cfg *config.Config) (syncer.Request, error) {
	req := syncer.DefaultRequest(cfg)
	if syncEvent != "" {
		var err error
		req, err = syncer.LoadRequest(syncEvent, req)
		if err != nil {
			return req, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("source-bucket") {
		req.InputBucket = syncSourceBucket
	}
	if flags.Changed("source-prefix") {
		req.InputPrefix = syncSourcePrefix
	}
	if flags.Changed("output-bucket") {
		req.OutputBucket = syncOutputBucket
	}
	if flags.Changed("output-key") {
		req.OutputKey = syncOutputKey
	}
	if flags.Changed("output") {
		addr, err := objectstore.ParseAddress(syncOutput)
		if err != nil {
			return req, err
		}
		req.OutputBucket, req.OutputKey = addr.Bucket, addr.Key
	}
	if flags.Changed("endpoint") {
		req.EndpointName = syncEndpoint
	}
	if flags.Changed("thing") {
		req.ThingName = syncThing
	}
	if flags.Changed("page-size") {
		req.PageSize = syncPageSize
	}
	if flags.Changed("max-candidates") {
		req.MaxCandidates = syncMaxCandidates
	}
	return req, nil
}

func printResponse(resp *syncer.Response) error {
	if syncJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	if resp.Persisted {
		fmt.Println(ui.Success.Render("Sync complete!"))
	} else {
		fmt.Println(ui.Dim.Render("Store unchanged"))
	}
	fmt.Println()
	fmt.Println(ui.FormatCount("Added", resp.Added))
	fmt.Println(ui.FormatCount("Replaced", resp.Replaced))
	fmt.Println(ui.FormatCount("Total", resp.Total))
	fmt.Println(ui.FormatCount("Unique", resp.Unique))
	if resp.Runs > 1 {
		fmt.Println(ui.FormatCount("Runs", resp.Runs))
	}
	fmt.Printf("  %-10s %s\n", "Revision:", resp.RevisionTag)
	fmt.Printf("  %-10s %s\n", "Duration:", (time.Duration(resp.DurationMs) * time.Millisecond).String())
	if resp.Truncated {
		fmt.Println()
		fmt.Println(ui.Warning.Render("More images are waiting; run again or use --until-converged."))
	}
	if resp.Published {
		fmt.Println(ui.Dim.Render("Shadow updated"))
	}
	if resp.PublishError != "" {
		fmt.Println(ui.Warning.Render("Shadow update failed: " + resp.PublishError))
	}
	return nil
}

func printPlan(plan *syncer.Plan) error {
	if syncJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}

	fmt.Println(ui.Header.Render("Dry Run"))
	fmt.Printf("Store: %d records, %d checksums (revision %s)\n", plan.Total, plan.Unique, orNone(plan.Revision))
	fmt.Printf("Scanned %d objects, %d new\n\n", plan.Scanned, len(plan.Candidates))

	for _, c := range plan.Candidates {
		fmt.Printf("  %s %s\n", ui.Key.Render(c.Key), ui.Dim.Render(c.Checksum))
	}
	if plan.Truncated {
		fmt.Println()
		fmt.Println(ui.Warning.Render("Listing stopped at the candidate cap; later runs will pick up the rest."))
	}
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// ingestBar draws one progress bar per ingestion pass.
type ingestBar struct {
	enabled bool
	bar     *progressbar.ProgressBar
	started time.Time
}

func newIngestBar(enabled bool) *ingestBar {
	return &ingestBar{enabled: enabled}
}

// update is called with the ingester's lock held.
func (b *ingestBar) update(p ingest.Progress) {
	if !b.enabled || p.Total == 0 {
		return
	}
	if b.bar == nil || !p.StartTime.Equal(b.started) {
		b.finish()
		b.started = p.StartTime
		b.bar = progressbar.NewOptions(p.Total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("Embedding faces"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}
	_ = b.bar.Set(p.Processed + p.Skipped + p.Failed)
}

func (b *ingestBar) finish() {
	if b.bar == nil {
		return
	}
	_ = b.bar.Finish()
	fmt.Fprintln(os.Stderr)
	b.bar = nil
}
