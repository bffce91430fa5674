package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"post_pipeline/internal/domain"
	"post_pipeline/internal/scheduler"
	"post_pipeline/internal/service"
)

const dateLayout = "2006-01-02"

var (
	runSince string
	runUntil string
	runBatch int
	runEvery time.Duration
)

func init() {
	runCmd.Flags().StringVar(&runSince, "since", "", "only keep posts published on or after this date (YYYY-MM-DD)")
	runCmd.Flags().StringVar(&runUntil, "until", "", "only keep posts published on or before this date (YYYY-MM-DD)")
	runCmd.Flags().IntVar(&runBatch, "batch", 0, "batch tag stored with the fetched posts")
	runCmd.Flags().DurationVar(&runEvery, "every", 0, "repeat the run at this interval until interrupted")
}

var runCmd = &cobra.Command{
	Use:   "run <handle> [count]",
	Short: "Fetch, store and classify the recent posts of a profile",
	Long: `Fetch the most recent posts of a profile, upsert them and classify every
stored post that has no category yet or whose last attempt failed.

Examples:
  # Classify the 20 most recent posts
  postpipe run @acme

  # Fetch 50 posts published in March and tag them as batch 3
  postpipe run acme 50 --since 2024-03-01 --until 2024-03-31 --batch 3

  # Keep running every 6 hours
  postpipe run acme --every 6h`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPipeline,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the pipeline for every configured profile on an interval",
	Args:  cobra.NoArgs,
	RunE:  runSchedule,
}

func runPipeline(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(args, runSince, runUntil, runBatch, cmd.Flags().Changed("batch"))
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	a.pipeline.OnStage(narrate(out))
	a.engine.OnProgress(func(i, total int, postID string) {
		fmt.Fprintf(out, "    [%d/%d] post %s\n", i, total, postID)
	})

	if runEvery > 0 {
		sched := scheduler.NewScheduler(a.pipeline, []domain.RunRequest{req}, runEvery, cfg.Pipeline.RunTimeout, logger)
		return ignoreCanceled(sched.Start(ctx))
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Pipeline.RunTimeout)
	defer cancel()

	stats, err := a.pipeline.Run(runCtx, req)
	return runResult(stats, err)
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Schedule.Handles) == 0 {
		return fmt.Errorf("%w: schedule.handles is empty", domain.ErrConfiguration)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.pipeline.OnStage(narrate(cmd.OutOrStdout()))

	requests := make([]domain.RunRequest, 0, len(cfg.Schedule.Handles))
	for _, h := range cfg.Schedule.Handles {
		requests = append(requests, domain.RunRequest{Handle: h, Count: cfg.Pipeline.DefaultCount})
	}

	sched := scheduler.NewScheduler(a.pipeline, requests, cfg.Schedule.Interval, cfg.Pipeline.RunTimeout, logger)
	return ignoreCanceled(sched.Start(ctx))
}

func buildRequest(args []string, since, until string, batch int, batchSet bool) (domain.RunRequest, error) {
	req := domain.RunRequest{Handle: domain.NormalizeHandle(args[0])}
	if req.Handle == "" {
		return req, fmt.Errorf("%w: profile handle is empty", domain.ErrConfiguration)
	}

	if len(args) > 1 {
		count, err := strconv.Atoi(args[1])
		if err != nil || count <= 0 {
			return req, fmt.Errorf("%w: count must be a positive integer, got %q", domain.ErrConfiguration, args[1])
		}
		req.Count = count
	}

	if since != "" {
		t, err := time.Parse(dateLayout, since)
		if err != nil {
			return req, fmt.Errorf("%w: invalid --since: %w", domain.ErrConfiguration, err)
		}
		req.Since = &t
	}
	if until != "" {
		t, err := time.Parse(dateLayout, until)
		if err != nil {
			return req, fmt.Errorf("%w: invalid --until: %w", domain.ErrConfiguration, err)
		}
		// the whole day is included
		end := t.Add(24*time.Hour - time.Nanosecond)
		req.Until = &end
	}
	if req.Since != nil && req.Until != nil && req.Until.Before(*req.Since) {
		return req, fmt.Errorf("%w: --until is before --since", domain.ErrConfiguration)
	}

	if batchSet {
		tag := batch
		req.BatchTag = &tag
	}
	return req, nil
}

// runResult turns a finished run into the command's error. A run that
// completed with a partial fetch or unclassified posts still reports it.
func runResult(stats *domain.RunStats, err error) error {
	if err != nil {
		return err
	}
	if stats.FetchDegraded {
		return fmt.Errorf("%w: only %d posts could be fetched", domain.ErrFetch, stats.Fetched)
	}
	if stats.ClassificationErrors > 0 {
		return fmt.Errorf("%w: %d posts tagged %s", domain.ErrClassification, stats.ClassificationErrors, domain.CategoryClassificationError)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func narrate(w io.Writer) service.StageObserver {
	return func(stage domain.Stage, stats domain.RunStats) {
		switch stage {
		case domain.StageFetching:
			fmt.Fprintf(w, "==> fetching recent posts of @%s\n", stats.Handle)
		case domain.StagePersisting:
			if stats.FetchDegraded {
				fmt.Fprintf(w, "    fetch interrupted, keeping %d posts\n", stats.Fetched)
			}
			fmt.Fprintf(w, "==> saving %d posts\n", stats.Fetched)
		case domain.StageReadingBack:
			fmt.Fprintln(w, "==> reading stored posts")
		case domain.StageSelectingPending:
			fmt.Fprintf(w, "    %d posts stored for @%s\n", stats.Stored, stats.Handle)
		case domain.StageClassifying:
			fmt.Fprintf(w, "==> classifying %d pending posts\n", stats.Pending)
		case domain.StageWritingBack:
			fmt.Fprintf(w, "==> writing %d categories back\n", stats.Classified)
		case domain.StageDone:
			printSummary(w, stats)
		case domain.StageFailed:
			fmt.Fprintf(w, "==> run %s failed\n", stats.RunID)
		}
	}
}

func printSummary(w io.Writer, stats domain.RunStats) {
	if stats.Pending == 0 {
		fmt.Fprintln(w, "    every stored post is already classified")
	}
	fmt.Fprintf(w, "==> done in %s: fetched %d, stored %d, classified %d, errors %d, missing %d\n",
		stats.Duration.Round(time.Millisecond),
		stats.Fetched,
		stats.Stored,
		stats.WrittenBack,
		stats.ClassificationErrors,
		stats.Missing,
	)
}
