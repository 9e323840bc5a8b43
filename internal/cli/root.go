// Package cli implements the downpour command-line interface using Cobra:
// a single root command that downloads one URL with resume, retry and
// optional checksum verification.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/downpour/downpour/internal/config"
	"github.com/downpour/downpour/internal/logger"
	"github.com/downpour/downpour/internal/manager"
	"github.com/downpour/downpour/internal/task"
)

var (
	flagOutput         string
	flagRetryCount     int
	flagTimeout        int
	flagConnectTimeout int
	flagChecksum       string
)

var rootCmd = &cobra.Command{
	Use:   "downpour <URL> [OPTIONS]",
	Short: "Download Manager — concurrent HTTP downloader with resume and retry",
	Long: `downpour fetches a URL to a local file with resumable transfers,
retry with exponential backoff and optional SHA-256 verification.

A partial ".part" file left by an interrupted run is picked up and
resumed with an HTTP Range request on the next invocation.`,
	Example: `  downpour http://example.com/file.zip
  downpour http://example.com/file.zip -o myfile.zip
  downpour http://example.com/file.zip --retry-count 5
  downpour http://example.com/file.zip -o output.zip -r 5 -t 600
  downpour http://example.com/file.zip --checksum sha256:abc123...`,
	Args:          cobra.RangeArgs(1, 2),
	RunE:          runDownload,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output file path (default: filename from URL)")
	rootCmd.Flags().IntVarP(&flagRetryCount, "retry-count", "r", 3, "number of retries on failure")
	rootCmd.Flags().IntVarP(&flagTimeout, "timeout", "t", 300, "download timeout in seconds")
	rootCmd.Flags().IntVarP(&flagConnectTimeout, "connect-timeout", "c", 30, "connection timeout in seconds")
	rootCmd.Flags().StringVar(&flagChecksum, "checksum", "", "expected SHA-256 hash for verification")
}

// Execute runs the root command. Called from main.
func Execute() {
	rootCmd.Version = config.Version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runDownload(cmd *cobra.Command, args []string) error {
	url := args[0]
	if !isValidURL(url) {
		return fmt.Errorf("invalid URL format %q: URL must start with http:// or https://", url)
	}
	if flagRetryCount < 0 {
		return fmt.Errorf("retry count must be non-negative")
	}
	if flagTimeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if flagConnectTimeout <= 0 {
		return fmt.Errorf("connect-timeout must be positive")
	}

	configPath := config.Path()
	if err := config.EnsureExists(configPath); err != nil {
		fmt.Fprintln(os.Stderr, "Warning: could not write default config:", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Warning:", err, "— using defaults")
		cfg = config.Default()
	}

	// CLI overrides file overrides defaults.
	if cmd.Flags().Changed("retry-count") {
		cfg.RetryCount = flagRetryCount
	}
	if cmd.Flags().Changed("timeout") {
		cfg.TimeoutSeconds = flagTimeout
	}
	if cmd.Flags().Changed("connect-timeout") {
		cfg.ConnectTimeoutSeconds = flagConnectTimeout
	}

	dest := flagOutput
	if dest == "" && len(args) > 1 {
		dest = args[1]
	}
	if dest == "" {
		name := outputFilename(url)
		if cfg.DefaultDownloadDir != "" {
			dest = filepath.Join(cfg.DefaultDownloadDir, name)
		} else {
			dest = name
		}
	}

	log := logger.Default()
	defer log.Close()

	m := manager.New(4, &log.Logger)
	t := m.AddDownload(task.Spec{
		URL:                   url,
		Destination:           dest,
		RetryCount:            cfg.RetryCount,
		TimeoutSeconds:        cfg.TimeoutSeconds,
		ConnectTimeoutSeconds: cfg.ConnectTimeoutSeconds,
		Checksum:              normalizeChecksum(flagChecksum),
	})

	stopRender := renderProgress(t)
	m.Start()
	m.WaitForCompletion()
	m.Close()
	stopRender()

	switch t.State() {
	case task.StateCompleted:
		fmt.Fprintf(os.Stderr, "Downloaded %s -> %s\n", url, dest)
		return nil
	case task.StateFailed:
		return fmt.Errorf("download failed: %s", t.ErrorMessage())
	default:
		return fmt.Errorf("download did not complete (state: %s)", t.State())
	}
}

// renderProgress periodically draws the task's progress to stderr until the
// returned stop function is called.
func renderProgress(t *task.Task) func() {
	bar := newProgressBar()
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				bar.finish(t.BytesDownloaded(), t.TotalBytes(), t.State().String())
				return
			case <-ticker.C:
				if t.State() == task.StateDownloading {
					bar.render(t.BytesDownloaded(), t.TotalBytes())
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
	}
}
