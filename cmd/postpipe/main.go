// Command postpipe collects a profile's recent posts, stores them and
// classifies the ones still waiting for a category.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"post_pipeline/internal/config"
	"post_pipeline/internal/domain"
)

const (
	exitOK             = 0
	exitUnexpected     = 1
	exitConfiguration  = 2
	exitAuthentication = 3
	exitFetch          = 4
	exitStore          = 5
	exitClassification = 6
	exitRunInProgress  = 7
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "postpipe",
	Short: "Collect and classify social media posts",
	Long: `postpipe fetches the most recent posts of a profile, upserts them into
Postgres and asks a language model to classify every post that has no
category yet.

Exit codes:
  0 success
  1 unexpected error
  2 configuration error
  3 authentication failed
  4 fetch degraded to a partial result
  5 store unavailable
  6 some posts could not be classified
  7 another run for the profile is in progress`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(reportCmd)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	cancel()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, domain.ErrConfiguration):
		return exitConfiguration
	case errors.Is(err, domain.ErrAuthentication):
		return exitAuthentication
	case errors.Is(err, domain.ErrRunInProgress):
		return exitRunInProgress
	case errors.Is(err, domain.ErrStore):
		return exitStore
	case errors.Is(err, domain.ErrFetch):
		return exitFetch
	case errors.Is(err, domain.ErrClassification):
		return exitClassification
	default:
		return exitUnexpected
	}
}

// loadConfig reads the config file and sets up the logger it describes.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", domain.ErrConfiguration, err)
	}
	return cfg, setupLogger(cfg.LogLevel), nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stderr, opts)
	return slog.New(handler)
}
