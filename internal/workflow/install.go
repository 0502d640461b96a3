package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/deixis/fvpctl/internal/runner"
	"github.com/deixis/fvpctl/internal/setup"
)

// Sources and toolchain pinned by the install step.
const (
	toolchainName = "arm-gnu-toolchain-14.3.rel1-x86_64-aarch64-none-elf"
	ToolchainURL  = "https://developer.arm.com/-/media/Files/downloads/gnu/14.3.rel1/binrel/" + toolchainName + ".tar.xz"

	KernelRepo   = "https://github.com/weiding-msft/OHCL-Linux-Kernel.git"
	KernelBranch = "with-arm-rebased-planes"

	TMKRepo   = "https://github.com/Flgodd67/openvmm.git"
	TMKBranch = "cca-enablement"

	ShrinkwrapRepo = "https://git.gitlab.arm.com/tooling/shrinkwrap.git"
)

var (
	aptPackages = []string{
		"build-essential", "flex", "bison", "libssl-dev", "libelf-dev", "bc", "git",
		"netcat-openbsd", "python3", "python3-pip", "python3-venv", "telnet", "docker.io", "unzip",
	}
	pipPackages = []string{"pyyaml", "termcolor", "tuxmake"}
	rustTargets = []string{"aarch64-unknown-linux-gnu", "aarch64-unknown-none"}
)

// kernelToggles are switched on after defconfig.
var kernelToggles = []setup.Toggles{
	{Group: "CCA", Enable: []string{"CONFIG_VIRT_DRIVERS", "CONFIG_ARM_CCA_GUEST"}},
	{Group: "9P", Enable: []string{"CONFIG_NET_9P", "CONFIG_NET_9P_FD", "CONFIG_NET_9P_VIRTIO", "CONFIG_NET_9P_FS"}},
	{Group: "Hyper-V", Enable: []string{"CONFIG_HYPERV", "CONFIG_HYPERV_MSHV", "CONFIG_MSHV", "CONFIG_MSHV_VTL", "CONFIG_HYPERV_VTL_MODE"}},
}

// Install prepares everything the build and run steps need. Every piece is
// skipped when already present, so Install is safe to repeat.
func (e *Engine) Install(ctx context.Context) error {
	return e.install(ctx, "")
}

func (e *Engine) install(ctx context.Context, pipelineID string) error {
	l := e.Layout()
	log := e.log().With(zap.String("step", StepInstall))
	h := setup.NewHelper(e.executor(l, pipelineID), log)
	deps := e.Config.ShouldInstallDeps()
	update := e.Config.ShouldUpdateRepos()

	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", l.Dir, err)
	}

	if deps {
		if err := e.installSystemDeps(ctx, h); err != nil {
			return err
		}
	}

	if err := h.FetchIfAbsent(ctx, ToolchainURL, l.ToolchainArchive); err != nil {
		return err
	}
	if err := h.ExtractIfAbsent(ctx, l.ToolchainArchive, l.Dir, l.Toolchain); err != nil {
		return err
	}
	log.Info("ARM GNU toolchain ready", zap.String("cross_compile", l.CrossCompile))

	if err := h.CloneOrUpdate(ctx, setup.Repo{URL: KernelRepo, Branch: KernelBranch, Dir: l.KernelDir}, update); err != nil {
		return err
	}
	if err := e.buildKernel(ctx, h, l); err != nil {
		return err
	}

	if err := h.CloneOrUpdate(ctx, setup.Repo{URL: TMKRepo, Branch: TMKBranch, Dir: l.TMKDir}, update); err != nil {
		return err
	}
	if deps {
		if err := e.buildTMK(ctx, h, l); err != nil {
			return err
		}
	} else {
		log.Info("skipping TMK builds; enable install_deps to build them")
	}

	if err := h.CloneOrUpdate(ctx, setup.Repo{URL: ShrinkwrapRepo, Dir: l.ShrinkwrapSrc}, update); err != nil {
		return err
	}
	if deps {
		if err := e.installPythonDeps(ctx, h, l); err != nil {
			return err
		}
	}

	if !exists(filepath.Dir(l.ShrinkwrapExe)) {
		return fmt.Errorf("expected shrinkwrap directory at %s, but it does not exist", filepath.Dir(l.ShrinkwrapExe))
	}

	log.Info("install complete",
		zap.String("shrinkwrap", l.ShrinkwrapExe),
		zap.String("venv", l.Venv),
		zap.String("kernel_image", l.KernelImage),
		zap.String("simple_tmk", l.SimpleTMK),
		zap.String("tmk_vmm", l.TMKVMM),
		zap.String("cross_compile", l.CrossCompile))
	return nil
}

// executor returns the configured Executor or one that supervises each
// install command with its own log pair and records it.
func (e *Engine) executor(l Layout, pipelineID string) setup.Executor {
	if e.Executor != nil {
		return e.Executor
	}
	return &setup.RunnerExecutor{
		Runner:  e.runner(),
		LogDir:  l.Logs,
		Step:    StepInstall,
		Timeout: e.Config.SetupTimeout(),
		OnOutcome: func(ctx context.Context, o *runner.Outcome) {
			e.record(ctx, pipelineID, o)
		},
	}
}

func (e *Engine) installSystemDeps(ctx context.Context, h *setup.Helper) error {
	if err := h.Run(ctx, "apt-update", "sudo", []string{"apt-get", "update"}, "", nil); err != nil {
		return fmt.Errorf("installing system packages: %w", err)
	}
	args := append([]string{"apt-get", "install", "-y"}, aptPackages...)
	if err := h.Run(ctx, "apt-install", "sudo", args, "", nil); err != nil {
		return fmt.Errorf("installing system packages: %w", err)
	}

	// The group usually exists already.
	_ = h.Run(ctx, "docker-groupadd", "sudo", []string{"groupadd", "docker"}, "", nil)

	user := os.Getenv("USER")
	if user == "" {
		user = "vscode"
	}
	if err := h.Run(ctx, "docker-usermod", "sudo", []string{"usermod", "-aG", "docker", user}, "", nil); err != nil {
		return fmt.Errorf("adding %s to the docker group: %w", user, err)
	}
	h.Log.Warn("docker group membership updated; log out and back in (or run newgrp docker) for it to take effect")
	return nil
}

// buildKernel builds the host kernel Image unless it already exists.
func (e *Engine) buildKernel(ctx context.Context, h *setup.Helper, l Layout) error {
	makeArgs := func(targets ...string) []string {
		return append([]string{"ARCH=arm64", "CROSS_COMPILE=" + l.CrossCompile}, targets...)
	}
	return h.BuildIfAbsent(ctx, setup.Artifact{
		Name: "OHCL Linux Kernel",
		Path: l.KernelImage,
		Dir:  l.KernelDir,
		Args: append([]string{"make"}, makeArgs("Image", "-j"+strconv.Itoa(setup.Parallelism()))...),
		Prepare: func(ctx context.Context) error {
			h.WarnLowMemory(setup.MinBuildMemory)
			if err := h.Run(ctx, "kernel-defconfig", "make", makeArgs("defconfig"), l.KernelDir, nil); err != nil {
				return fmt.Errorf("make defconfig: %w", err)
			}
			for _, t := range kernelToggles {
				t.Dir = l.KernelDir
				t.ConfigFile = ".config"
				if err := h.ApplyToggles(ctx, t); err != nil {
					return err
				}
			}
			if err := h.Run(ctx, "kernel-olddefconfig", "make", makeArgs("olddefconfig"), l.KernelDir, nil); err != nil {
				return fmt.Errorf("make olddefconfig: %w", err)
			}
			return nil
		},
	})
}

// buildTMK installs the Rust targets and builds simple_tmk and tmk_vmm.
// Both builds drop the kernel cross-compilation variables.
func (e *Engine) buildTMK(ctx context.Context, h *setup.Helper, l Layout) error {
	for _, target := range rustTargets {
		if err := h.Run(ctx, "rustup-"+target, "rustup", []string{"target", "add", target}, "", nil); err != nil {
			return fmt.Errorf("installing rust target %s: %w", target, err)
		}
	}

	env := map[string]string{"RUSTC_BOOTSTRAP": "1"}
	unset := []string{"ARCH", "CROSS_COMPILE"}
	if err := h.BuildIfAbsent(ctx, setup.Artifact{
		Name:  "simple_tmk",
		Path:  l.SimpleTMK,
		Dir:   l.TMKDir,
		Args:  []string{"cargo", "build", "-p", "simple_tmk", "--config", "openhcl/minimal_rt/aarch64-config.toml"},
		Env:   env,
		Unset: unset,
	}); err != nil {
		return err
	}
	return h.BuildIfAbsent(ctx, setup.Artifact{
		Name:  "tmk_vmm",
		Path:  l.TMKVMM,
		Dir:   l.TMKDir,
		Args:  []string{"cargo", "build", "-p", "tmk_vmm", "--target", "aarch64-unknown-linux-gnu"},
		Env:   env,
		Unset: unset,
	})
}

// installPythonDeps creates the shrinkwrap venv if needed and installs
// shrinkwrap's Python dependencies into it.
func (e *Engine) installPythonDeps(ctx context.Context, h *setup.Helper, l Layout) error {
	if !exists(l.Venv) {
		if err := h.Run(ctx, "venv", "python3", []string{"-m", "venv", l.Venv}, l.ShrinkwrapSrc, nil); err != nil {
			return fmt.Errorf("creating virtual environment: %w", err)
		}
	}
	pip := filepath.Join(l.Venv, "bin", "pip")
	if err := h.Run(ctx, "pip-upgrade", pip, []string{"install", "--upgrade", "pip"}, l.ShrinkwrapSrc, nil); err != nil {
		return fmt.Errorf("upgrading pip: %w", err)
	}
	args := append([]string{"install"}, pipPackages...)
	if err := h.Run(ctx, "pip-install", pip, args, l.ShrinkwrapSrc, nil); err != nil {
		return fmt.Errorf("installing python dependencies: %w", err)
	}
	return nil
}
