// Package workflow provides the execution engine for the CCA FVP pipeline:
// install the toolchain and sources, build the software stack with
// shrinkwrap, then boot it on the FVP. It is consumed by both the MCP
// server and the CLI commands.
package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/deixis/fvpctl/internal/archive"
	"github.com/deixis/fvpctl/internal/config"
	"github.com/deixis/fvpctl/internal/report"
	"github.com/deixis/fvpctl/internal/runner"
	"github.com/deixis/fvpctl/internal/setup"
)

// archiveTimeout bounds the log upload after each step, which happens even
// when the step's own context was cancelled.
const archiveTimeout = 2 * time.Minute

const tracerName = "github.com/deixis/fvpctl/internal/workflow"

// Engine holds shared dependencies for all workflow operations.
type Engine struct {
	Config    *config.Config
	Runner    *runner.Runner
	Store     report.Store  // optional; records every supervised run
	Archive   archive.Store // optional; receives a copy of every log
	Log       *zap.Logger
	Tracer    trace.Tracer // optional; nil uses the global tracer
	Workspace string       // cwd; generic exec runs from here
	RepoRoot  string       // relative dirs resolve against this

	// Executor overrides how install commands run. Nil runs them through
	// Runner with one log pair each.
	Executor setup.Executor
}

// Layout is where everything lives under the working directory.
type Layout struct {
	Dir           string // absolute working directory
	Logs          string
	Runs          string // report records
	ShrinkwrapSrc string
	ShrinkwrapExe string
	ConfigDir     string // shrinkwrap platform and overlay yamls
	Venv          string
	BuildDir      string // SHRINKWRAP_BUILD
	PackageDir    string // SHRINKWRAP_PACKAGE

	ToolchainArchive string
	Toolchain        string
	CrossCompile     string // CROSS_COMPILE prefix
	KernelDir        string
	KernelImage      string
	TMKDir           string
	SimpleTMK        string
	TMKVMM           string
}

// Layout derives every path from the configured working directory. A
// relative directory is taken relative to the repository root.
func (e *Engine) Layout() Layout {
	dir := e.Config.WorkDir()
	if !filepath.IsAbs(dir) {
		base := e.RepoRoot
		if base == "" {
			base = e.Workspace
		}
		dir = filepath.Join(base, dir)
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}

	src := filepath.Join(dir, "shrinkwrap-src")
	build := filepath.Join(dir, "shrinkwrap-build")
	toolchain := filepath.Join(dir, toolchainName)
	kernel := filepath.Join(dir, "OHCL-Linux-Kernel")
	tmk := filepath.Join(dir, "OpenVMM-TMK")
	return Layout{
		Dir:              dir,
		Logs:             filepath.Join(dir, "logs"),
		Runs:             filepath.Join(dir, "runs"),
		ShrinkwrapSrc:    src,
		ShrinkwrapExe:    filepath.Join(src, "shrinkwrap", "shrinkwrap"),
		ConfigDir:        filepath.Join(src, "config"),
		Venv:             filepath.Join(src, "venv"),
		BuildDir:         build,
		PackageDir:       filepath.Join(build, "package"),
		ToolchainArchive: toolchain + ".tar.xz",
		Toolchain:        toolchain,
		CrossCompile:     filepath.Join(toolchain, "bin", "aarch64-none-elf-"),
		KernelDir:        kernel,
		KernelImage:      filepath.Join(kernel, "arch", "arm64", "boot", "Image"),
		TMKDir:           tmk,
		SimpleTMK:        filepath.Join(tmk, "target", "aarch64-minimal_rt-none", "debug", "simple_tmk"),
		TMKVMM:           filepath.Join(tmk, "target", "aarch64-unknown-linux-gnu", "debug", "tmk_vmm"),
	}
}

// PlatformPackageDir is where shrinkwrap puts the artifacts of platform,
// and where a bare rootfs file name is looked up.
func (l Layout) PlatformPackageDir(platform string) string {
	name := filepath.Base(platform)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	return filepath.Join(l.PackageDir, name)
}

// ResolvePath accepts an absolute path, returned unchanged, or a bare file
// name, joined onto searchDir. Anything else is rejected with an error
// naming option.
func ResolvePath(p, option, searchDir string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%s: empty path", option)
	}
	if filepath.IsAbs(p) {
		return p, nil
	}
	if !strings.ContainsRune(p, filepath.Separator) && p != "." && p != ".." {
		return filepath.Join(searchDir, p), nil
	}
	return "", fmt.Errorf("%s: only an absolute path or a file name is accepted, got %s", option, p)
}

func (e *Engine) runner() *runner.Runner {
	if e.Runner != nil {
		return e.Runner
	}
	return &runner.Runner{Logger: e.log()}
}

func (e *Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e *Engine) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return otel.Tracer(tracerName)
}

// runStep supervises one step and records its outcome.
func (e *Engine) runStep(ctx context.Context, pipelineID string, inv runner.Invocation) *runner.Outcome {
	o := e.runner().Run(ctx, inv)
	e.record(ctx, pipelineID, o)
	return o
}

// record archives the logs of o and saves it to the report store. Failures
// here never fail the step; they are logged.
func (e *Engine) record(ctx context.Context, pipelineID string, o *runner.Outcome) {
	e.traceRun(ctx, o)

	rec := report.NewRecord(pipelineID, o)
	if e.Archive != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		refs, err := archive.Outcome(actx, e.Archive, o)
		cancel()
		rec.Archived = refs
		if err != nil {
			rec.ArchiveErr = err.Error()
			e.log().Warn("archiving logs failed", zap.String("run_id", o.RunID), zap.Error(err))
		}
	}
	if e.Store != nil {
		if err := e.Store.Save(rec); err != nil {
			e.log().Warn("saving run record failed", zap.String("run_id", o.RunID), zap.Error(err))
		}
	}
}

// traceRun emits a span covering the process lifetime of o.
func (e *Engine) traceRun(ctx context.Context, o *runner.Outcome) {
	_, span := e.tracer().Start(ctx, "fvpctl.run",
		trace.WithTimestamp(o.StartedAt),
		trace.WithAttributes(
			attribute.String("fvpctl.run_id", o.RunID),
			attribute.String("fvpctl.step", o.Step),
			attribute.String("fvpctl.command", o.Command),
			attribute.String("fvpctl.outcome", string(o.Kind)),
			attribute.Int("fvpctl.exit_code", o.ExitCode),
		),
	)
	if !o.OK() {
		span.SetStatus(codes.Error, o.Detail())
	}
	span.End(trace.WithTimestamp(o.StartedAt.Add(o.Elapsed)))
}

// shrinkwrapEnv activates the shrinkwrap venv and keeps shrinkwrap's build
// and package trees under the working directory.
func shrinkwrapEnv(l Layout) map[string]string {
	env := runner.VenvOverlay(l.Venv)
	env["SHRINKWRAP_BUILD"] = l.BuildDir
	env["SHRINKWRAP_PACKAGE"] = l.PackageDir
	return env
}

// Exec supervises an arbitrary command from the workspace, with the same
// logging and classification as the pipeline steps.
func (e *Engine) Exec(ctx context.Context, argv []string, timeout time.Duration) (*runner.Outcome, error) {
	if len(argv) == 0 {
		return nil, runner.ErrEmptyExecutable
	}
	spec, err := runner.NewCommandSpec(argv[0], argv[1:], e.Workspace, nil)
	if err != nil {
		return nil, err
	}
	l := e.Layout()
	return e.runStep(ctx, "", runner.Invocation{
		Step:       StepExec,
		Spec:       spec,
		Timeout:    timeout,
		RunLog:     filepath.Join(l.Logs, "exec.log"),
		ConsoleLog: filepath.Join(l.Logs, "console-exec.log"),
	}), nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
