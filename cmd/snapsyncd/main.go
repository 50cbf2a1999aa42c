package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapsyncd/snapsyncd/internal/config"
	"github.com/snapsyncd/snapsyncd/internal/git"
	"github.com/snapsyncd/snapsyncd/internal/pipeline"
	"github.com/snapsyncd/snapsyncd/internal/remote"
	"github.com/snapsyncd/snapsyncd/internal/sdnotify"
	"github.com/snapsyncd/snapsyncd/internal/snapshot"
	"github.com/snapsyncd/snapsyncd/internal/statusapi"
	"github.com/snapsyncd/snapsyncd/internal/watch"
)

// Exit codes for scripted callers: deferred-only runs are distinguishable
// from failed runs.
const (
	exitOK       = 0
	exitFailed   = 1
	exitDeferred = 3
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Run/watch flags
	debounce time.Duration
	excludes []string
	noWatch  bool
	verbose  bool

	exitCode = exitOK
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitFailed)
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:   "snapsyncd",
	Short: "Back up directory trees into git history and mirror it remotely",
	Long: `snapsyncd watches one or more git-managed directory trees. Whenever a tree
settles after a burst of changes it records the state as a timestamped
revision and pushes the history to the configured remote, with a periodic
scheduler as a safety net against missed events.

The watched directory must already be a git repository with its remote
configured; snapsyncd does not provision repositories or credentials.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run [root]",
	Short: "Perform a one-shot snapshot and sync for each target",
	Long: `Run snapshots every configured target once (or the single directory given
as an argument) and attempts to push the resulting history.

Exit codes: 0 on success or no changes, 3 when the only problems were
deferred sync outcomes (remote unreachable, no remote configured), and 1
on a snapshot failure or a sync failure requiring human action.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOnce,
}

var watchCmd = &cobra.Command{
	Use:   "watch [root]",
	Short: "Watch targets continuously and back up on settled changes",
	Long: `Watch runs one pipeline per target: filesystem events are debounced into
settle signals, each settle triggers a snapshot and sync, and a periodic
scheduler re-runs the pipeline as a fallback. A single failed run is
logged and retried on the next trigger; the process keeps running until
interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("snapsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/snapsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	for _, cmd := range []*cobra.Command{runCmd, watchCmd} {
		cmd.Flags().DurationVar(&debounce, "debounce", 0, "quiet window before a burst of changes is snapshotted (default 10s)")
		cmd.Flags().StringSliceVar(&excludes, "exclude", nil, "glob patterns to exclude from watching and snapshots (repeatable)")
		cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose diagnostics (same as --log-level debug)")
	}
	watchCmd.Flags().BoolVar(&noWatch, "no-watch", false, "disable change detection and rely on the scheduler only")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger, args)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	pipelines, err := buildPipelines(ctx, cfg, logger)
	if err != nil {
		return err
	}

	worst := exitOK
	for _, p := range pipelines {
		rep := p.Trigger(ctx, pipeline.TriggerManual)
		if rep == nil {
			continue
		}
		switch rep.Outcome() {
		case "snapshot-failed", "sync-failed":
			worst = exitFailed
		case "deferred":
			if worst == exitOK {
				worst = exitDeferred
			}
		}
	}

	exitCode = worst
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger, args)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	pipelines, err := buildPipelines(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	var sources []watch.Source

	for i, p := range pipelines {
		target := cfg.Targets[i]

		var src watch.Source
		if !noWatch && !target.NoWatch {
			matcher := watch.NewMatcher(target.Root, target.ExcludePatterns())
			fsSrc, err := watch.NewFSSource(target.Root, matcher, logger)
			switch {
			case err == nil:
				src = fsSrc
				sources = append(sources, fsSrc)
			case errors.Is(err, watch.ErrCapabilityUnavailable):
				logger.Warn("change detection unavailable, falling back to scheduler-only mode",
					"target", p.Name(), "error", err)
			default:
				return fmt.Errorf("failed to start change source for %s: %w", target.Root, err)
			}
		}

		debouncer := watch.NewDebouncer(target.Debounce.Std())

		wg.Add(1)
		go func(p *pipeline.Pipeline, src watch.Source) {
			defer wg.Done()
			p.Watch(ctx, src, debouncer)
		}(p, src)

		logger.Info("pipeline started",
			"target", p.Name(),
			"root", target.Root,
			"debounce", target.Debounce.Std(),
			"interval", cfg.Schedule.Interval.Std(),
			"change_detection", src != nil)
	}

	if cfg.Status.Enabled {
		server := statusapi.NewServer(cfg.Status.ListenAddr, pipelines, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				logger.Error("status server stopped", "error", err)
			}
		}()
	}

	if ok, err := sdnotify.Notify(sdnotify.Ready); err != nil {
		logger.Warn("failed to notify systemd", "error", err)
	} else if ok {
		logger.Debug("notified systemd readiness")
	}

	<-ctx.Done()
	logger.Info("shutting down, letting in-flight snapshots finish")
	_, _ = sdnotify.Notify(sdnotify.Stopping)

	for _, src := range sources {
		_ = src.Close()
	}
	wg.Wait()

	return nil
}

// buildPipelines assembles one pipeline per configured target, verifying
// each target holds a pre-existing repository.
func buildPipelines(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]*pipeline.Pipeline, error) {
	client := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile, cfg.Remote.ConnectTimeout.Std())

	pipelines := make([]*pipeline.Pipeline, 0, len(cfg.Targets))
	for i := range cfg.Targets {
		target := &cfg.Targets[i]

		resolved, err := filepath.EvalSymlinks(target.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve target root %s: %w", target.Root, err)
		}
		target.Root = resolved

		engine := snapshot.NewEngine(target.Root, target.ExcludePatterns(), client, logger)
		if err := engine.Verify(ctx); err != nil {
			return nil, err
		}

		branch := target.Branch
		if branch == "" {
			branch, err = client.CurrentBranch(ctx, target.Root)
			if err != nil {
				return nil, fmt.Errorf("failed to determine branch for %s: %w", target.Root, err)
			}
		}

		syncer := remote.NewSyncer(target.Root, target.Remote, branch, client, cfg.Remote.OpTimeout.Std(), logger)
		p := pipeline.New(target.Name(), target.Root, cfg.StateFilePath(target), cfg.Schedule.Interval.Std(), engine, syncer, logger)
		pipelines = append(pipelines, p)
	}

	return pipelines, nil
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	} else {
		switch logLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadConfig resolves configuration: a root named on the command line
// builds a single-target config from flags; otherwise the config file is
// loaded, from --config or the default location.
func loadConfig(logger *slog.Logger, args []string) (*config.Config, error) {
	if len(args) == 1 {
		window := debounce
		if window == 0 {
			window = config.DefaultDebounce
		}
		return config.ForTarget(args[0], excludes, window)
	}

	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "snapsyncd", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	// Flag overrides apply to every target.
	for i := range cfg.Targets {
		if debounce > 0 {
			cfg.Targets[i].Debounce = config.Duration(debounce)
		}
		cfg.Targets[i].Excludes = append(cfg.Targets[i].Excludes, excludes...)
	}

	logger.Debug("configuration loaded",
		"targets", len(cfg.Targets),
		"interval", cfg.Schedule.Interval.Std(),
		"state_dir", cfg.Paths.StateDir,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
