package workflow

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/deixis/fvpctl/internal/config"
	"github.com/deixis/fvpctl/internal/report"
	"github.com/deixis/fvpctl/internal/runner"
)

// fakeShrinkwrap echoes its arguments and environment, creates the rootfs
// on build, and fails or hangs on run when marker files exist in its cwd.
const fakeShrinkwrap = `#!/bin/sh
echo "shrinkwrap $*"
echo "SHRINKWRAP_BUILD=$SHRINKWRAP_BUILD"
echo "VIRTUAL_ENV=$VIRTUAL_ENV"
echo "progress" >&2
case "$1" in
build)
	mkdir -p "$SHRINKWRAP_PACKAGE/cca-3world"
	: > "$SHRINKWRAP_PACKAGE/cca-3world/rootfs.ext2"
	;;
run)
	[ -f fail-run ] && exit 3
	[ -f slow-run ] && sleep 30
	;;
esac
exit 0
`

func writeFakeShrinkwrap(t *testing.T, l Layout) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(l.ShrinkwrapExe), 0o755))
	require.NoError(t, os.WriteFile(l.ShrinkwrapExe, []byte(fakeShrinkwrap), 0o755))
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	t.Setenv(config.EnvDir, "")
	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	e := &Engine{
		Config: cfg,
		Runner: &runner.Runner{
			Stdout:       io.Discard,
			Stderr:       io.Discard,
			PollInterval: 10 * time.Millisecond,
		},
		RepoRoot:  cfg.Dir,
		Workspace: cfg.Dir,
	}
	e.Store = report.NewDiskStore(e.Layout().Runs)
	return e
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestBuild_InvokesShrinkwrap(t *testing.T) {
	e := newTestEngine(t, nil)
	l := e.Layout()
	writeFakeShrinkwrap(t, l)

	o, err := e.Build(context.Background())
	require.NoError(t, err)
	require.Equal(t, runner.Success, o.Kind, o.Summary())

	console := readFile(t, filepath.Join(l.Logs, "console-build.log"))
	assert.Contains(t, console, "shrinkwrap build "+filepath.Join(l.ConfigDir, "cca-3world.yaml")+
		" --overlay "+filepath.Join(l.ConfigDir, "buildroot.yaml")+
		" --overlay "+filepath.Join(l.ConfigDir, "planes.yaml")+
		" --btvar GUEST_ROOTFS=${artifact:BUILDROOT}")
	assert.Contains(t, console, "SHRINKWRAP_BUILD="+l.BuildDir)
	assert.Contains(t, console, "VIRTUAL_ENV="+l.Venv)
	assert.Contains(t, console, "progress\n")

	runLog := readFile(t, filepath.Join(l.Logs, "shrinkwrap-build.log"))
	assert.True(t, strings.HasPrefix(runLog, "cwd: "+l.Dir+"\n"), runLog)

	rec, err := e.Store.Load(o.RunID)
	require.NoError(t, err)
	assert.Equal(t, StepBuild, rec.Outcome.Step)
}

func TestRun_MissingRootfs(t *testing.T) {
	e := newTestEngine(t, nil)
	writeFakeShrinkwrap(t, e.Layout())

	o, err := e.Run(context.Background())
	assert.Nil(t, o)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROOTFS does not exist")
}

func TestRun_RejectsRelativeRootfs(t *testing.T) {
	e := newTestEngine(t, &config.Config{Rootfs: "images/rootfs.ext2"})
	_, err := e.Run(context.Background())
	assert.ErrorContains(t, err, "--rootfs")
}

func TestRun_PassesRtvarsAndExtraArgs(t *testing.T) {
	e := newTestEngine(t, &config.Config{
		Rtvars:       []string{"CMDLINE=console=ttyAMA0"},
		ExtraRunArgs: []string{"--no-color"},
	})
	l := e.Layout()
	writeFakeShrinkwrap(t, l)

	rootfs := filepath.Join(t.TempDir(), "my-rootfs.ext2")
	require.NoError(t, os.WriteFile(rootfs, nil, 0o644))
	e.Config.Rootfs = rootfs

	o, err := e.Run(context.Background())
	require.NoError(t, err)
	require.True(t, o.OK(), o.Summary())

	resolved, err := filepath.EvalSymlinks(rootfs)
	require.NoError(t, err)
	console := readFile(t, filepath.Join(l.Logs, "console.log"))
	assert.Contains(t, console, "--rtvar ROOTFS="+resolved+" --rtvar CMDLINE=console=ttyAMA0 --no-color")
	assert.FileExists(t, filepath.Join(l.Logs, "shrinkwrap-run.log"))
}

func TestPipeline_BuildThenRun(t *testing.T) {
	e := newTestEngine(t, nil)
	writeFakeShrinkwrap(t, e.Layout())

	res := e.Pipeline(context.Background(), []string{StepBuild, StepRun})
	require.True(t, res.OK(), "failed: %+v", res.Failed())
	require.Len(t, res.Steps, 2)
	for _, s := range res.Steps {
		assert.Equal(t, StatusPass, s.Status)
		require.NotNil(t, s.Outcome)
	}

	recs, err := e.Store.List(0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, res.ID, rec.PipelineID)
	}
}

func TestPipeline_StopsOnFirstFailure(t *testing.T) {
	e := newTestEngine(t, nil)
	l := e.Layout()
	writeFakeShrinkwrap(t, l)

	// run fails before spawning because nothing was built yet.
	res := e.Pipeline(context.Background(), []string{StepRun, StepBuild})
	assert.False(t, res.OK())
	assert.Equal(t, 0, res.FailedIdx)
	assert.Equal(t, StatusFail, res.Steps[0].Status)
	assert.Contains(t, res.Steps[0].Detail, "ROOTFS does not exist")
	assert.Equal(t, StatusSkipped, res.Steps[1].Status)
	assert.NoFileExists(t, filepath.Join(l.Logs, "console-build.log"))
}

func TestPipeline_RunNonZeroExit(t *testing.T) {
	e := newTestEngine(t, nil)
	l := e.Layout()
	writeFakeShrinkwrap(t, l)
	require.NoError(t, os.WriteFile(filepath.Join(l.Dir, "fail-run"), nil, 0o644))

	res := e.Pipeline(context.Background(), []string{StepBuild, StepRun})
	require.False(t, res.OK())
	failed := res.Failed()
	require.NotNil(t, failed)
	assert.Equal(t, StepRun, failed.Name)
	assert.Equal(t, runner.NonZeroExit, failed.Outcome.Kind)
	assert.Equal(t, 3, failed.Outcome.ExitCode)
	assert.Contains(t, failed.Summary(), "step run: nonzero_exit (exit status 3); logs: ")
}

func TestPipeline_RunTimeout(t *testing.T) {
	e := newTestEngine(t, &config.Config{Timeouts: config.TimeoutConfig{Run: "300ms"}})
	l := e.Layout()
	writeFakeShrinkwrap(t, l)
	require.NoError(t, os.WriteFile(filepath.Join(l.Dir, "slow-run"), nil, 0o644))

	start := time.Now()
	res := e.Pipeline(context.Background(), []string{StepBuild, StepRun})
	assert.Less(t, time.Since(start), 10*time.Second)
	require.False(t, res.OK())
	assert.Equal(t, runner.TimedOut, res.Failed().Outcome.Kind)
	assert.Contains(t, readFile(t, filepath.Join(l.Logs, "shrinkwrap-run.log")), "killed after")
}

func TestPipeline_UnknownStep(t *testing.T) {
	e := newTestEngine(t, nil)
	res := e.Pipeline(context.Background(), []string{"deploy"})
	assert.False(t, res.OK())
	assert.Contains(t, res.Steps[0].Detail, "unknown step")
}

func TestExec_Generic(t *testing.T) {
	e := newTestEngine(t, nil)
	o, err := e.Exec(context.Background(), []string{"/bin/sh", "-c", "echo hi; echo there >&2"}, time.Minute)
	require.NoError(t, err)
	require.True(t, o.OK())
	assert.Equal(t, runner.LineCounts{Stdout: 1, Stderr: 1}, o.Lines)

	_, err = e.Exec(context.Background(), nil, 0)
	assert.ErrorIs(t, err, runner.ErrEmptyExecutable)
}

// scriptedExecutor records install commands and simulates their effects on
// the filesystem.
type scriptedExecutor struct {
	t     *testing.T
	l     Layout
	mu    sync.Mutex
	names []string
	argv  []string
}

func (s *scriptedExecutor) Exec(_ context.Context, name string, spec runner.CommandSpec) error {
	s.mu.Lock()
	s.names = append(s.names, name)
	s.argv = append(s.argv, spec.String())
	s.mu.Unlock()

	args := spec.Args()
	touch := func(path string) {
		require.NoError(s.t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(s.t, os.WriteFile(path, nil, 0o755))
	}
	switch spec.Path() {
	case "wget":
		touch(args[1])
	case "tar":
		require.NoError(s.t, os.MkdirAll(s.l.Toolchain, 0o755))
	case "git":
		if args[0] == "clone" {
			dir := args[len(args)-1]
			require.NoError(s.t, os.MkdirAll(dir, 0o755))
			if dir == s.l.ShrinkwrapSrc {
				writeFakeShrinkwrap(s.t, s.l)
			}
		}
	case "make":
		if args[len(args)-2] == "Image" {
			touch(s.l.KernelImage)
		}
	case "cargo":
		if args[2] == "simple_tmk" {
			touch(s.l.SimpleTMK)
		} else {
			touch(s.l.TMKVMM)
		}
	case "python3":
		require.NoError(s.t, os.MkdirAll(s.l.Venv, 0o755))
	}
	return nil
}

func TestInstall_WithoutDeps(t *testing.T) {
	no := false
	e := newTestEngine(t, &config.Config{InstallDeps: &no})
	l := e.Layout()
	ex := &scriptedExecutor{t: t, l: l}
	e.Executor = ex

	require.NoError(t, e.Install(context.Background()))

	want := []string{
		"wget -O " + l.ToolchainArchive + " " + ToolchainURL,
		"tar -xf " + l.ToolchainArchive,
		"git clone --branch " + KernelBranch + " " + KernelRepo + " " + l.KernelDir,
		"make ARCH=arm64 CROSS_COMPILE=" + l.CrossCompile + " defconfig",
		"./scripts/config --file .config --enable CONFIG_VIRT_DRIVERS --enable CONFIG_ARM_CCA_GUEST",
		"./scripts/config --file .config --enable CONFIG_NET_9P --enable CONFIG_NET_9P_FD --enable CONFIG_NET_9P_VIRTIO --enable CONFIG_NET_9P_FS",
		"./scripts/config --file .config --enable CONFIG_HYPERV --enable CONFIG_HYPERV_MSHV --enable CONFIG_MSHV --enable CONFIG_MSHV_VTL --enable CONFIG_HYPERV_VTL_MODE",
		"make ARCH=arm64 CROSS_COMPILE=" + l.CrossCompile + " olddefconfig",
	}
	require.GreaterOrEqual(t, len(ex.argv), len(want)+3)
	assert.Equal(t, want, ex.argv[:len(want)])
	assert.True(t, strings.HasPrefix(ex.argv[len(want)], "make ARCH=arm64 CROSS_COMPILE="+l.CrossCompile+" Image -j"), ex.argv[len(want)])
	assert.Equal(t, "git clone --branch "+TMKBranch+" "+TMKRepo+" "+l.TMKDir, ex.argv[len(want)+1])
	assert.Equal(t, "git clone "+ShrinkwrapRepo+" "+l.ShrinkwrapSrc, ex.argv[len(want)+2])
	assert.Len(t, ex.argv, len(want)+3, "no dependency installs or TMK builds without install_deps")
}

func TestInstall_WithDepsThenIdempotent(t *testing.T) {
	no := false
	e := newTestEngine(t, &config.Config{UpdateRepos: &no})
	l := e.Layout()
	ex := &scriptedExecutor{t: t, l: l}
	e.Executor = ex

	require.NoError(t, e.Install(context.Background()))
	joined := strings.Join(ex.argv, "\n")
	assert.Contains(t, joined, "sudo apt-get install -y build-essential")
	assert.Contains(t, joined, "rustup target add aarch64-unknown-none")
	assert.Contains(t, joined, "cargo build -p simple_tmk --config openhcl/minimal_rt/aarch64-config.toml")
	assert.Contains(t, joined, "cargo build -p tmk_vmm --target aarch64-unknown-linux-gnu")
	assert.Contains(t, joined, "python3 -m venv "+l.Venv)
	assert.Contains(t, joined, filepath.Join(l.Venv, "bin", "pip")+" install pyyaml termcolor tuxmake")

	// Everything now exists: a second install only reinstalls packages.
	ex2 := &scriptedExecutor{t: t, l: l}
	e.Executor = ex2
	require.NoError(t, e.Install(context.Background()))
	for _, a := range ex2.argv {
		assert.NotContains(t, a, "git clone")
		assert.NotContains(t, a, "wget")
		assert.NotContains(t, a, "cargo build")
		assert.NotContains(t, a, " Image ")
		assert.NotContains(t, a, "-m venv")
	}
}

func TestInstall_MissingShrinkwrapEntrypoint(t *testing.T) {
	no := false
	e := newTestEngine(t, &config.Config{InstallDeps: &no, UpdateRepos: &no})
	l := e.Layout()
	e.Executor = &scriptedExecutor{t: t, l: l}
	// An existing but empty shrinkwrap checkout is left alone.
	require.NoError(t, os.MkdirAll(l.ShrinkwrapSrc, 0o755))

	err := e.Install(context.Background())
	assert.ErrorContains(t, err, "expected shrinkwrap directory")
}

func TestPipeline_FullWithScriptedInstall(t *testing.T) {
	no := false
	e := newTestEngine(t, &config.Config{InstallDeps: &no})
	e.Executor = &scriptedExecutor{t: t, l: e.Layout()}

	res := e.Pipeline(context.Background(), nil)
	require.True(t, res.OK(), "failed: %+v", res.Failed())
	require.Len(t, res.Steps, 3)
	assert.Nil(t, res.Steps[0].Outcome)
	assert.Equal(t, StepRun, res.Steps[2].Name)
	assert.Equal(t, runner.Success, res.Steps[2].Outcome.Kind)
}

func TestPipeline_Traces(t *testing.T) {
	e := newTestEngine(t, nil)
	l := e.Layout()
	writeFakeShrinkwrap(t, l)
	require.NoError(t, os.WriteFile(filepath.Join(l.Dir, "fail-run"), nil, 0o644))

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	e.Tracer = tp.Tracer("test")

	res := e.Pipeline(context.Background(), []string{StepBuild, StepRun})
	require.False(t, res.OK())

	byName := map[string][]sdktrace.ReadOnlySpan{}
	for _, s := range rec.Ended() {
		byName[s.Name()] = append(byName[s.Name()], s)
	}
	require.Len(t, byName["fvpctl.pipeline"], 1)
	require.Len(t, byName["fvpctl.step"], 2)
	require.Len(t, byName["fvpctl.run"], 2)

	pipeline := byName["fvpctl.pipeline"][0]
	assert.Equal(t, codes.Error, pipeline.Status().Code)
	for _, s := range byName["fvpctl.step"] {
		assert.Equal(t, pipeline.SpanContext().TraceID(), s.SpanContext().TraceID())
		assert.Equal(t, pipeline.SpanContext().SpanID(), s.Parent().SpanID())
	}

	run := byName["fvpctl.run"][1]
	assert.Equal(t, codes.Error, run.Status().Code)
	assert.Contains(t, run.Attributes(), attribute.String("fvpctl.outcome", string(runner.NonZeroExit)))
	assert.Contains(t, run.Attributes(), attribute.Int("fvpctl.exit_code", 3))
	assert.True(t, res.Steps[1].Outcome.StartedAt.Equal(run.StartTime()))
}

func TestInstallExecutor_RunSpansJoinStepTrace(t *testing.T) {
	e := newTestEngine(t, nil)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	e.Tracer = tp.Tracer("test")

	ctx, step := e.Tracer.Start(context.Background(), "fvpctl.step")
	spec, err := runner.NewCommandSpec("/bin/sh", []string{"-c", "echo fetched"}, "", nil)
	require.NoError(t, err)
	require.NoError(t, e.executor(e.Layout(), "p1").Exec(ctx, "fetch", spec))
	step.End()

	var runs []sdktrace.ReadOnlySpan
	for _, s := range rec.Ended() {
		if s.Name() == "fvpctl.run" {
			runs = append(runs, s)
		}
	}
	require.Len(t, runs, 1)
	assert.Equal(t, step.SpanContext().TraceID(), runs[0].SpanContext().TraceID())
	assert.Equal(t, step.SpanContext().SpanID(), runs[0].Parent().SpanID())

	recs, err := e.Store.List(0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "p1", recs[0].PipelineID)
	assert.Equal(t, StepInstall, recs[0].Outcome.Step)
}
