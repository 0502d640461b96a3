package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/deixis/fvpctl/internal/runner"
)

// BuildCommand returns the shrinkwrap build invocation for the current
// configuration.
func (e *Engine) BuildCommand() (runner.Invocation, error) {
	l := e.Layout()
	platform, err := ResolvePath(e.Config.PlatformFile(), "--platform", l.ConfigDir)
	if err != nil {
		return runner.Invocation{}, err
	}

	args := []string{"build", platform}
	for _, o := range e.Config.OverlayFiles() {
		overlay, err := ResolvePath(o, "--overlay", l.ConfigDir)
		if err != nil {
			return runner.Invocation{}, err
		}
		args = append(args, "--overlay", overlay)
	}
	for _, v := range e.Config.BuildVars() {
		args = append(args, "--btvar", v)
	}

	spec, err := runner.NewCommandSpec(l.ShrinkwrapExe, args, l.Dir, shrinkwrapEnv(l))
	if err != nil {
		return runner.Invocation{}, err
	}
	return runner.Invocation{
		Step:       StepBuild,
		Spec:       spec,
		Timeout:    e.Config.BuildTimeout(),
		RunLog:     filepath.Join(l.Logs, "shrinkwrap-build.log"),
		ConsoleLog: filepath.Join(l.Logs, "console-build.log"),
	}, nil
}

// RunCommand returns the shrinkwrap run invocation. The rootfs must
// already exist.
func (e *Engine) RunCommand() (runner.Invocation, error) {
	l := e.Layout()
	platform, err := ResolvePath(e.Config.PlatformFile(), "--platform", l.ConfigDir)
	if err != nil {
		return runner.Invocation{}, err
	}
	rootfs, err := ResolvePath(e.Config.RootfsFile(), "--rootfs", l.PlatformPackageDir(platform))
	if err != nil {
		return runner.Invocation{}, err
	}
	if resolved, err := filepath.EvalSymlinks(rootfs); err == nil {
		rootfs = resolved
	}
	if _, err := os.Stat(rootfs); err != nil {
		return runner.Invocation{}, fmt.Errorf("ROOTFS does not exist: %s", rootfs)
	}

	args := []string{"run", platform, "--rtvar", "ROOTFS=" + rootfs}
	for _, v := range e.Config.Rtvars {
		args = append(args, "--rtvar", v)
	}
	args = append(args, e.Config.ExtraRunArgs...)

	spec, err := runner.NewCommandSpec(l.ShrinkwrapExe, args, l.Dir, shrinkwrapEnv(l))
	if err != nil {
		return runner.Invocation{}, err
	}
	return runner.Invocation{
		Step:       StepRun,
		Spec:       spec,
		Timeout:    e.Config.RunTimeout(),
		RunLog:     filepath.Join(l.Logs, "shrinkwrap-run.log"),
		ConsoleLog: filepath.Join(l.Logs, "console.log"),
	}, nil
}

// Build runs shrinkwrap build. The error covers problems found before
// launch; everything after launch is reported through the Outcome.
func (e *Engine) Build(ctx context.Context) (*runner.Outcome, error) {
	return e.build(ctx, "")
}

func (e *Engine) build(ctx context.Context, pipelineID string) (*runner.Outcome, error) {
	inv, err := e.BuildCommand()
	if err != nil {
		return nil, err
	}
	e.log().Info("building FVP software stack", zap.String("cmd", inv.Spec.String()))
	return e.runStep(ctx, pipelineID, inv), nil
}

// Run boots the built stack with shrinkwrap run.
func (e *Engine) Run(ctx context.Context) (*runner.Outcome, error) {
	return e.run(ctx, "")
}

func (e *Engine) run(ctx context.Context, pipelineID string) (*runner.Outcome, error) {
	inv, err := e.RunCommand()
	if err != nil {
		return nil, err
	}
	e.log().Info("launching FVP", zap.String("cmd", inv.Spec.String()), zap.Duration("timeout", inv.Timeout))
	return e.runStep(ctx, pipelineID, inv), nil
}
