package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"dtup/internal/app"
	"dtup/internal/config"
	"dtup/internal/core"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// version is set at build time via -ldflags.
var version = "dev"

const defaultEndpoint = "https://data2.deadtrees.earth/api/v1"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an UploadApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Upload", "Retry").
func newApp(operation string) (*app.UploadApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = defaults["log_dir"]
	}

	a, err := app.NewUploadApp(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:           "dtup",
	Short:         "Batch upload tool for aerial forest imagery",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := cmd.Flags().GetString("endpoint")

		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(endpoint, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("API Endpoint: %s\n", endpoint)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("API Endpoint: %s\n", cfg.APIEndpoint)
		fmt.Printf("Base Dir:     %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:      %s\n", cfg.LogDir)
		return nil
	},
}

// upload command
var uploadCmd = &cobra.Command{
	Use:   "upload DIRECTORY",
	Short: "Upload all GeoTIFF and ZIP files in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		metadataPath, _ := cmd.Flags().GetString("metadata")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		yes, _ := cmd.Flags().GetBool("yes")
		workers, _ := cmd.Flags().GetInt("workers")
		fresh, _ := cmd.Flags().GetBool("fresh")
		email, _ := cmd.Flags().GetString("email")

		a, err := newApp("Upload")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		batch, err := a.Prepare(args[0], metadataPath, fresh)
		if err != nil {
			return err
		}
		printBatch(batch)

		if !dryRun && !yes {
			if !confirm(fmt.Sprintf("Upload %d file(s) (%s)?", batch.PendingCount, humanSize(batch.PendingBytes))) {
				fmt.Println("Aborted.")
				return nil
			}
		}

		if !dryRun {
			if email == "" {
				email = a.DefaultEmail()
			}
			if err := login(ctx, a, email); err != nil {
				return err
			}
		}

		var bars *progressBars
		opts := app.RunOptions{DryRun: dryRun, Workers: workers}
		if !dryRun && term.IsTerminal(int(os.Stdout.Fd())) {
			bars = newProgressBars()
			bars.launchDisplay(ctx)
			opts.Progress = bars.callback
		}

		counts, runErr := a.Run(ctx, batch, opts)
		if bars != nil {
			bars.shutdown()
		}

		printCounts(counts, dryRun)
		if runErr != nil {
			return fmt.Errorf("upload halted: %w", runErr)
		}
		if counts.Failed > 0 || counts.ValidationFailed > 0 {
			return fmt.Errorf("%d file(s) did not complete", counts.Failed+counts.ValidationFailed)
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status DIRECTORY",
	Short: "Show the upload session state for a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Status")
		if err != nil {
			return err
		}
		defer a.Close()

		sess, err := a.Status(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Session %s (%s)\n", sess.SessionID, sess.APIEndpoint)
		fmt.Printf("Created %s, updated %s\n\n",
			sess.CreatedAt.Format("2006-01-02 15:04:05"),
			sess.UpdatedAt.Format("2006-01-02 15:04:05"))

		for _, t := range sess.Tasks {
			line := fmt.Sprintf("%-21s %10s  %s", t.Status, humanSize(t.BytesUploaded), t.Path)
			if t.LastError != "" {
				line += "  (" + t.LastError + ")"
			} else if t.SkipReason != "" {
				line += "  (" + t.SkipReason + ")"
			}
			fmt.Println(line)
		}

		c := sess.Counts()
		fmt.Printf("\n%d total: %d completed, %d skipped, %d failed, %d validation failed, %d pending\n",
			c.Total, c.Completed, c.Skipped, c.Failed, c.ValidationFailed, c.Pending)
		return nil
	},
}

// retry command
var retryCmd = &cobra.Command{
	Use:   "retry DIRECTORY [FILE...]",
	Short: "Reset failed uploads so the next run retries them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Retry")
		if err != nil {
			return err
		}
		defer a.Close()

		count, err := a.Retry(args[0], args[1:])
		if err != nil {
			return err
		}
		if count == 0 {
			fmt.Println("Nothing to retry.")
			return nil
		}
		fmt.Printf("Reset %d task(s) to pending. Run 'dtup upload' to retry.\n", count)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dtup %s\n", version)
	},
}

// login resolves credentials and authenticates. The password comes from
// DTUP_PASSWORD or an interactive prompt; it is never read from config or
// written anywhere.
func login(ctx context.Context, a *app.UploadApp, email string) error {
	if email == "" {
		fmt.Print("Email: ")
		r := bufio.NewReader(os.Stdin)
		line, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading email: %w", err)
		}
		email = strings.TrimSpace(line)
	}

	password := os.Getenv("DTUP_PASSWORD")
	if password == "" {
		fmt.Print("Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		password = string(raw)
	}

	return a.Login(ctx, email, password)
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	r := bufio.NewReader(os.Stdin)
	line, err := r.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printBatch(b *app.Batch) {
	if b.Resumed {
		fmt.Printf("Resuming session %s\n", b.Session.SessionID)
	} else {
		fmt.Printf("New session %s\n", b.Session.SessionID)
	}
	for _, e := range b.ParseErrors {
		fmt.Printf("  metadata: %v\n", e)
	}
	for _, p := range b.UnmatchedFiles {
		fmt.Printf("  skipping %s: no metadata record\n", p)
	}
	for _, p := range b.UnmatchedRecords {
		fmt.Printf("  metadata row %s matches no file\n", p)
	}
	for _, p := range b.MissingFiles {
		fmt.Printf("  %s: in session but missing on disk\n", p)
	}
	fmt.Printf("%d file(s) pending, %s to upload\n", b.PendingCount, humanSize(b.PendingBytes))
}

func printCounts(c core.SessionCounts, dryRun bool) {
	if dryRun {
		fmt.Printf("\nDry run: %d file(s) checked, %d failed validation, %d skipped as duplicates\n",
			c.Total, c.ValidationFailed, c.Skipped)
		return
	}
	fmt.Printf("\n%d total: %d completed, %d skipped, %d failed, %d validation failed, %d pending\n",
		c.Total, c.Completed, c.Skipped, c.Failed, c.ValidationFailed, c.Pending)
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("endpoint", defaultEndpoint, "Ingestion service base URL")

	uploadCmd.Flags().StringP("metadata", "m", "", "CSV file with per-file metadata")
	uploadCmd.MarkFlagRequired("metadata")
	uploadCmd.Flags().Bool("dry-run", false, "Validate and check duplicates without uploading")
	uploadCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	uploadCmd.Flags().IntP("workers", "w", 0, "Concurrent uploads (default from config)")
	uploadCmd.Flags().Bool("fresh", false, "Ignore any existing session and start over")
	uploadCmd.Flags().String("email", "", "Login email (prompted when empty)")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(versionCmd)
}
