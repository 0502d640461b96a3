package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/deixis/fvpctl"
	"github.com/deixis/fvpctl/internal/archive"
	"github.com/deixis/fvpctl/internal/config"
	"github.com/deixis/fvpctl/internal/logger"
	"github.com/deixis/fvpctl/internal/metrics"
	"github.com/deixis/fvpctl/internal/report"
	"github.com/deixis/fvpctl/internal/runner"
	"github.com/deixis/fvpctl/internal/tracing"
	"github.com/deixis/fvpctl/internal/workflow"
)

// errFailed is returned once a failing step has been reported; main exits
// non-zero without printing it again.
var errFailed = errors.New("failed")

// recordCacheSize is how many run records stay in memory.
const recordCacheSize = 16

type options struct {
	dir         string
	platform    string
	overlays    []string
	btvars      []string
	rootfs      string
	rtvars      []string
	installDeps bool
	updateRepo  bool
	timeout     time.Duration
	verbose     bool
}

var opts options

var rootCmd = &cobra.Command{
	Use:   "fvpctl",
	Short: "Build and boot the Arm CCA FVP software stack",
	Long: `fvpctl installs the toolchain, kernel and shrinkwrap, builds the CCA
software stack with shrinkwrap and boots it on the Fixed Virtual Platform.

Every step runs as a supervised process: its output is mirrored to the
terminal and written to a run log and a console log under <dir>/logs, and a
record of how it ended is kept for "fvpctl inspect".`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&opts.dir, "dir", "", "working directory for the toolchain, sources and logs (default "+config.DefaultDir+")")
	f.StringVar(&opts.platform, "platform", "", "shrinkwrap platform yaml, absolute path or file name (default "+config.DefaultPlatform+")")
	f.StringArrayVar(&opts.overlays, "overlay", nil, "shrinkwrap overlay yaml (repeatable)")
	f.StringArrayVar(&opts.btvars, "btvar", nil, "shrinkwrap build-time variable KEY=VALUE (repeatable)")
	f.StringVar(&opts.rootfs, "rootfs", "", "rootfs to boot, absolute path or file name under the package dir (default "+config.DefaultRootfs+")")
	f.StringArrayVar(&opts.rtvars, "rtvar", nil, "additional shrinkwrap runtime variable KEY=VALUE (repeatable)")
	f.BoolVar(&opts.installDeps, "install-missing-deps", true, "install system packages, Rust targets and Python deps (requires sudo on Ubuntu)")
	f.BoolVar(&opts.updateRepo, "update-repo", true, "fast-forward repositories that are already cloned")
	f.DurationVar(&opts.timeout, "timeout", config.DefaultRunTimeout, "kill the FVP run after this long; 0 disables the timeout")
	f.BoolVar(&opts.verbose, "verbose", false, "debug logging")

	for _, name := range []string{"platform", "overlay", "btvar", "rootfs", "rtvar", "update-repo"} {
		_ = f.MarkHidden(name)
	}

	rootCmd.AddCommand(pipelineCmd, installCmd, buildCmd, runCmd, execCmd, inspectCmd, mcpCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), fvpctl.Version)
	},
}

// app is everything a command needs, built from the config file and flags.
type app struct {
	cfg      *config.Config
	engine   *workflow.Engine
	store    report.Store
	recorder *metrics.Recorder
	tracing  *tracing.Provider
	log      *zap.Logger
}

func newApp(cmd *cobra.Command) (*app, error) {
	workspace, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("determining workspace: %w", err)
	}
	loaded, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg := loaded.Config
	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}

	level := cfg.LogLevel()
	if opts.verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Config{
		Level:      level,
		Encoding:   cfg.Log.Encoding,
		OutputPath: cfg.Log.File,
		Service:    "fvpctl",
	})
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	tp, err := tracing.Init(cmd.Context(), tracing.Config{
		ServiceName:    "fvpctl",
		ServiceVersion: fvpctl.Version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, err
	}

	recorder := metrics.NewRecorder()
	engine := &workflow.Engine{
		Config: cfg,
		Runner: &runner.Runner{
			PollInterval: cfg.PollInterval(),
			Logger:       log,
			Observer:     recorder,
		},
		Log:       log,
		Tracer:    tp.Tracer(),
		Workspace: workspace,
		RepoRoot:  loaded.RepoRoot,
	}

	store := report.NewLRUStore(recordCacheSize, report.NewDiskStore(engine.Layout().Runs))
	engine.Store = store

	engine.Archive, err = newArchive(cmd.Context(), cfg, loaded.RepoRoot)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		engine:   engine,
		store:    store,
		recorder: recorder,
		tracing:  tp,
		log:      log,
	}, nil
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("dir") {
		abs, err := filepath.Abs(opts.dir)
		if err != nil {
			return fmt.Errorf("--dir: %w", err)
		}
		cfg.Dir = abs
		// The flag wins over FVPCTL_DIR.
		if err := os.Setenv(config.EnvDir, abs); err != nil {
			return err
		}
	}
	if f.Changed("platform") {
		cfg.Platform = opts.platform
	}
	if f.Changed("overlay") {
		cfg.Overlays = opts.overlays
	}
	if f.Changed("btvar") {
		cfg.Btvars = opts.btvars
	}
	if f.Changed("rootfs") {
		cfg.Rootfs = opts.rootfs
	}
	if f.Changed("rtvar") {
		cfg.Rtvars = opts.rtvars
	}
	if f.Changed("install-missing-deps") {
		v := opts.installDeps
		cfg.InstallDeps = &v
	}
	if f.Changed("update-repo") {
		v := opts.updateRepo
		cfg.UpdateRepos = &v
	}
	if f.Changed("timeout") {
		if opts.timeout < 0 {
			return fmt.Errorf("--timeout: must not be negative")
		}
		cfg.Timeouts.Run = opts.timeout.String()
	}
	return nil
}

// newArchive returns the configured log archive, or nil when archiving is
// off. S3 wins when both a bucket and a directory are configured.
func newArchive(ctx context.Context, cfg *config.Config, repoRoot string) (archive.Store, error) {
	s, err := openArchive(ctx, cfg.Archive, repoRoot)
	if err != nil || s == nil {
		return nil, err
	}
	if cfg.Archive.Compress {
		return archive.NewZstd(s), nil
	}
	return s, nil
}

func openArchive(ctx context.Context, a config.ArchiveConfig, repoRoot string) (archive.Store, error) {
	switch {
	case a.S3.Bucket != "":
		s, err := archive.NewS3Store(ctx, archive.S3Config{
			Bucket:   a.S3.Bucket,
			Prefix:   a.S3.Prefix,
			Region:   a.S3.Region,
			Endpoint: a.S3.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case a.Dir != "":
		dir := a.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(repoRoot, dir)
		}
		s, err := archive.NewLocalStore(dir)
		if err != nil {
			return nil, fmt.Errorf("log archive: %w", err)
		}
		return s, nil
	}
	return nil, nil
}

// close exports the run metrics and traces and flushes the logger.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.log.Warn("flushing traces failed", zap.Error(err))
	}
	if err := a.recorder.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.log.Warn("writing metrics textfile failed", zap.String("path", a.cfg.Metrics.Textfile), zap.Error(err))
	}
	_ = a.log.Sync()
}
