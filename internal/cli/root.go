// Package cli provides the command-line interface for rollout.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/relicta-tech/rollout/internal/config"
)

// buildInfo is filled by main from ldflags.
type buildInfo struct {
	Version string
	Commit  string
	Date    string
}

// palette holds the lipgloss styles of CLI output.
type palette struct {
	Title   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Subtle  lipgloss.Style
	Bold    lipgloss.Style
}

func newPalette() palette {
	fg := func(c string) lipgloss.Style { return lipgloss.NewStyle().Foreground(lipgloss.Color(c)) }
	return palette{
		Title:   fg("99").Bold(true),
		Success: fg("42"),
		Warning: fg("214"),
		Info:    fg("33"),
		Subtle:  fg("241"),
		Bold:    lipgloss.NewStyle().Bold(true),
	}
}

var (
	versionInfo buildInfo

	// persistent flags
	cfgFile    string
	verbose    bool
	outputJSON bool
	noColor    bool
	logLevel   string

	cfg    *config.Config
	logger *log.Logger
	styles = newPalette()
)

// SetVersionInfo records the build information printed by `rollout version`.
func SetVersionInfo(version, commit, date string) {
	versionInfo = buildInfo{Version: version, Commit: commit, Date: date}
}

var rootCmd = &cobra.Command{
	Use:   "rollout",
	Short: "Track GitLab releases from tag to production and report them in chat",
	Long: `rollout follows a release from the moment it is requested until its
last environment is deployed.

It waits for the main branch build, creates the GitLab release with a
changelog built from merged merge requests, announces it in Slack,
webhooks or the dashboard, and reports every deployment stage as GitLab
deployment hooks arrive.

Get started with 'rollout serve' and a rollout.yaml declaring your projects.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			configureLogger(config.DefaultConfig().Output, cmd.ErrOrStderr())
			return nil
		}
		return initConfig(cmd)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs rollout with os.Args.
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs rollout; canceling ctx stops long-running commands.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: rollout.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output results and logs as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(changelogCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(migrateCmd)
}

// loadConfig loads the configuration. Validation is left to the commands
// that need a complete configuration.
func loadConfig() error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader.WithConfigPath(cfgFile)
	}

	var err error
	cfg, err = loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return nil
}

// applyGlobalFlags lets explicit flags override the loaded output settings.
func applyGlobalFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("log-level") {
		cfg.Output.LogLevel = logLevel
	}
	if verbose {
		cfg.Output.LogLevel = "debug"
	}
	if outputJSON {
		cfg.Output.Format = "json"
	}
	if noColor {
		cfg.Output.Color = false
	}
}

// configureLogger sets up the CLI logger and installs it as the slog
// default so every component logs through it.
func configureLogger(out config.OutputConfig, w io.Writer) {
	logger = log.NewWithOptions(w, log.Options{ReportTimestamp: true})

	if out.Format == "json" {
		logger.SetFormatter(log.JSONFormatter)
	} else {
		logger.SetFormatter(log.TextFormatter)
	}

	if !out.Color {
		lipgloss.SetColorProfile(termenv.Ascii)
		logger.SetColorProfile(termenv.Ascii)
	}

	switch out.LogLevel {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}

	slog.SetDefault(slog.New(logger))
}

func initConfig(cmd *cobra.Command) error {
	if err := loadConfig(); err != nil {
		return err
	}
	applyGlobalFlags(cmd)
	configureLogger(cfg.Output, cmd.ErrOrStderr())
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "rollout %s\n", versionInfo.Version)
		if verbose {
			fmt.Fprintf(out, "  commit: %s\n", versionInfo.Commit)
			fmt.Fprintf(out, "  built:  %s\n", versionInfo.Date)
		}
	},
}

func printSuccess(w io.Writer, msg string) {
	fmt.Fprintln(w, styles.Success.Render("✓ "+msg))
}

func printWarning(w io.Writer, msg string) {
	fmt.Fprintln(w, styles.Warning.Render("⚠ "+msg))
}

func printInfo(w io.Writer, msg string) {
	fmt.Fprintln(w, styles.Info.Render("ℹ "+msg))
}

func printTitle(w io.Writer, msg string) {
	fmt.Fprintln(w, styles.Title.Render(msg))
}

func printSubtle(w io.Writer, msg string) {
	fmt.Fprintln(w, styles.Subtle.Render(msg))
}

var (
	cleanupMu  sync.Mutex
	cleanupFns []func()
)

// registerCleanup schedules fn to run from Cleanup.
func registerCleanup(fn func()) {
	cleanupMu.Lock()
	defer cleanupMu.Unlock()
	cleanupFns = append(cleanupFns, fn)
}

// Cleanup releases resources commands held open, most recent first.
func Cleanup() {
	cleanupMu.Lock()
	fns := cleanupFns
	cleanupFns = nil
	cleanupMu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
