package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"post_pipeline/internal/analytics"
	"post_pipeline/internal/domain"
	"post_pipeline/internal/storage/postgres"
)

var reportLimit int

func init() {
	reportCmd.Flags().IntVar(&reportLimit, "limit", 0, "only consider the N most recent posts (0 = all)")
}

var reportCmd = &cobra.Command{
	Use:   "report <handle>",
	Short: "Show mean engagement per category for a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runReport,
}

func runReport(cmd *cobra.Command, args []string) error {
	handle := domain.NormalizeHandle(args[0])
	if handle == "" {
		return fmt.Errorf("%w: profile handle is empty", domain.ErrConfiguration)
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Database.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	db, err := connectDB(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	posts, err := postgres.NewPostStore(db).FetchPosts(ctx, handle, reportLimit)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStore, err)
	}
	state, err := postgres.NewProfileStateStore(db).Get(ctx, handle)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStore, err)
	}

	return printReport(cmd.OutOrStdout(), handle, analytics.Summarize(posts), state)
}

func printReport(out io.Writer, handle string, report analytics.Report, state *domain.ProfileState) error {
	fmt.Fprintf(out, "@%s: %d posts, %d unclassified\n", handle, report.Total, report.Unclassified)
	if !state.LastRunAt.IsZero() {
		fmt.Fprintf(out, "last run %s at %s, %d fetched and %d classified in total\n",
			state.LastRunID,
			state.LastRunAt.Format("2006-01-02 15:04"),
			state.TotalFetched,
			state.TotalClassified,
		)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tPOSTS\tMEAN LIKES\tMEAN COMMENTS")
	for _, c := range report.Categories {
		fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\n", c.Category, c.Posts, c.MeanLikes, c.MeanComments)
	}
	return w.Flush()
}
