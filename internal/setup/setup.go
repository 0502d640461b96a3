// Package setup provides the idempotent helpers used to prepare an FVP
// environment: cloning repositories, fetching archives, building artifacts
// only when they are missing, and toggling kernel config options.
//
// Every command goes through an Executor so that it is supervised and
// logged like any other step. A Helper remembers which keys have already
// succeeded and does not repeat them within the same process.
package setup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/deixis/fvpctl/internal/runner"
)

// ErrArtifactMissing is returned when a build command succeeds but does not
// produce the artifact it was run for.
var ErrArtifactMissing = errors.New("artifact missing after build")

// Executor runs one setup command to completion.
type Executor interface {
	Exec(ctx context.Context, name string, spec runner.CommandSpec) error
}

// RunnerExecutor runs setup commands through a runner.Runner, with one pair
// of logs per command under LogDir/setup.
type RunnerExecutor struct {
	Runner  *runner.Runner
	LogDir  string
	Step    string        // step label for logs and metrics; defaults to "setup"
	Timeout time.Duration // per command; <= 0 means unbounded

	// OnOutcome, if set, receives every outcome, successful or not, with
	// the context the command ran under.
	OnOutcome func(context.Context, *runner.Outcome)
}

// Exec runs spec and returns the outcome as an error when it did not
// succeed.
func (e *RunnerExecutor) Exec(ctx context.Context, name string, spec runner.CommandSpec) error {
	step := e.Step
	if step == "" {
		step = "setup"
	}
	dir := filepath.Join(e.LogDir, "setup")
	o := e.Runner.Run(ctx, runner.Invocation{
		Step:       step,
		Spec:       spec,
		Timeout:    e.Timeout,
		RunLog:     filepath.Join(dir, name+".log"),
		ConsoleLog: filepath.Join(dir, name+".console.log"),
	})
	if e.OnOutcome != nil {
		e.OnOutcome(ctx, o)
	}
	return o.Err()
}

// Helper runs setup actions, memoizing the ones that succeeded.
type Helper struct {
	Exec Executor
	Log  *zap.Logger

	mu   sync.Mutex
	done map[string]bool
}

// NewHelper returns a Helper that executes commands through exec.
func NewHelper(exec Executor, log *zap.Logger) *Helper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Helper{Exec: exec, Log: log, done: make(map[string]bool)}
}

// once runs fn unless key already succeeded. Failures are not remembered so
// a later call retries.
func (h *Helper) once(key string, fn func() error) error {
	h.mu.Lock()
	if h.done == nil {
		h.done = make(map[string]bool)
	}
	if h.done[key] {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if err := fn(); err != nil {
		return err
	}

	h.mu.Lock()
	h.done[key] = true
	h.mu.Unlock()
	return nil
}

func (h *Helper) log() *zap.Logger {
	if h.Log != nil {
		return h.Log
	}
	return zap.NewNop()
}

// Run executes one command without memoization.
func (h *Helper) Run(ctx context.Context, name, path string, args []string, dir string, env map[string]string) error {
	spec, err := runner.NewCommandSpec(path, args, dir, env)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return h.Exec.Exec(ctx, name, spec)
}

// Repo is a git repository to keep checked out at Dir.
type Repo struct {
	URL    string
	Branch string // empty clones the default branch
	Dir    string
}

// CloneOrUpdate clones r when r.Dir does not exist. When it does exist and
// update is set, it is fast-forwarded; otherwise it is left alone.
func (h *Helper) CloneOrUpdate(ctx context.Context, r Repo, update bool) error {
	return h.once("repo:"+r.Dir, func() error {
		name := "git-" + slug(filepath.Base(r.Dir))
		if !exists(r.Dir) {
			h.log().Info("cloning repository", zap.String("url", r.URL), zap.String("dir", r.Dir))
			if err := os.MkdirAll(filepath.Dir(r.Dir), 0o755); err != nil {
				return fmt.Errorf("creating parent of %s: %w", r.Dir, err)
			}
			args := []string{"clone"}
			if r.Branch != "" {
				args = append(args, "--branch", r.Branch)
			}
			args = append(args, r.URL, r.Dir)
			if err := h.Run(ctx, name+"-clone", "git", args, filepath.Dir(r.Dir), gitEnv); err != nil {
				return fmt.Errorf("cloning %s: %w", r.URL, err)
			}
			return nil
		}
		if !update {
			h.log().Info("repository already present", zap.String("dir", r.Dir))
			return nil
		}
		h.log().Info("updating repository", zap.String("dir", r.Dir))
		if err := h.Run(ctx, name+"-pull", "git", []string{"pull", "--ff-only"}, r.Dir, gitEnv); err != nil {
			return fmt.Errorf("updating %s: %w", r.Dir, err)
		}
		return nil
	})
}

var gitEnv = map[string]string{"GIT_TERMINAL_PROMPT": "0"}

// Artifact is a file produced by a build command.
type Artifact struct {
	Name  string
	Path  string // presence of this file means the artifact is built
	Dir   string
	Args  []string // Args[0] is the program
	Env   map[string]string
	Unset []string // variables removed from the inherited environment

	// Prepare, if set, runs before the build command when the artifact is
	// missing.
	Prepare func(ctx context.Context) error
}

// BuildIfAbsent builds a unless a.Path already exists. A build that succeeds
// without producing a.Path fails with ErrArtifactMissing.
func (h *Helper) BuildIfAbsent(ctx context.Context, a Artifact) error {
	return h.once("artifact:"+a.Path, func() error {
		if exists(a.Path) {
			h.log().Info("artifact already built", zap.String("artifact", a.Name), zap.String("path", a.Path))
			return nil
		}
		if len(a.Args) == 0 {
			return fmt.Errorf("building %s: %w", a.Name, runner.ErrEmptyExecutable)
		}
		if a.Prepare != nil {
			if err := a.Prepare(ctx); err != nil {
				return fmt.Errorf("preparing %s: %w", a.Name, err)
			}
		}
		h.log().Info("building artifact", zap.String("artifact", a.Name))
		spec, err := runner.NewCommandSpec(a.Args[0], a.Args[1:], a.Dir, a.Env)
		if err != nil {
			return fmt.Errorf("building %s: %w", a.Name, err)
		}
		spec = spec.WithoutEnv(a.Unset...)
		if err := h.Exec.Exec(ctx, "build-"+slug(a.Name), spec); err != nil {
			return fmt.Errorf("building %s: %w", a.Name, err)
		}
		if !exists(a.Path) {
			return fmt.Errorf("%s: %w: %s", a.Name, ErrArtifactMissing, a.Path)
		}
		return nil
	})
}

// Toggles is one group of kernel config options to switch.
type Toggles struct {
	Group      string
	ConfigFile string // relative to Dir, usually ".config"
	Dir        string // kernel source tree
	Enable     []string
	Disable    []string
}

// ApplyToggles runs scripts/config once for the whole group.
func (h *Helper) ApplyToggles(ctx context.Context, t Toggles) error {
	return h.once("toggles:"+t.Dir+":"+t.Group, func() error {
		cfg := t.ConfigFile
		if cfg == "" {
			cfg = ".config"
		}
		args := []string{"--file", cfg}
		for _, opt := range t.Enable {
			args = append(args, "--enable", opt)
		}
		for _, opt := range t.Disable {
			args = append(args, "--disable", opt)
		}
		h.log().Info("applying kernel config toggles", zap.String("group", t.Group), zap.Int("options", len(t.Enable)+len(t.Disable)))
		if err := h.Run(ctx, "kconfig-"+slug(t.Group), "./scripts/config", args, t.Dir, nil); err != nil {
			return fmt.Errorf("enabling %s options: %w", t.Group, err)
		}
		return nil
	})
}

// FetchIfAbsent downloads url to dst unless dst exists.
func (h *Helper) FetchIfAbsent(ctx context.Context, url, dst string) error {
	return h.once("fetch:"+dst, func() error {
		if exists(dst) {
			h.log().Info("download already present", zap.String("path", dst))
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
		}
		h.log().Info("downloading", zap.String("url", url), zap.String("path", dst))
		if err := h.Run(ctx, "fetch-"+slug(filepath.Base(dst)), "wget", []string{"-O", dst, url}, filepath.Dir(dst), nil); err != nil {
			// wget leaves an empty file behind on failure.
			_ = os.Remove(dst)
			return fmt.Errorf("downloading %s: %w", url, err)
		}
		return nil
	})
}

// ExtractIfAbsent unpacks archive into dir unless extracted exists.
func (h *Helper) ExtractIfAbsent(ctx context.Context, archive, dir, extracted string) error {
	return h.once("extract:"+extracted, func() error {
		if exists(extracted) {
			h.log().Info("archive already extracted", zap.String("path", extracted))
			return nil
		}
		h.log().Info("extracting", zap.String("archive", archive), zap.String("dir", dir))
		if err := h.Run(ctx, "extract-"+slug(filepath.Base(extracted)), "tar", []string{"-xf", archive}, dir, nil); err != nil {
			return fmt.Errorf("extracting %s: %w", archive, err)
		}
		return nil
	})
}

// Parallelism returns the number of logical CPUs to use for builds.
func Parallelism() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// MinBuildMemory is the available memory below which a kernel build is
// likely to be slow or OOM-killed.
const MinBuildMemory = 4 << 30

// WarnLowMemory logs a warning when available memory is below min.
// It reports whether the warning was issued.
func (h *Helper) WarnLowMemory(min uint64) bool {
	vm, err := mem.VirtualMemory()
	if err != nil {
		h.log().Debug("reading memory stats failed", zap.Error(err))
		return false
	}
	if vm.Available >= min {
		return false
	}
	h.log().Warn("low available memory for build",
		zap.Uint64("available_bytes", vm.Available),
		zap.Uint64("recommended_bytes", min))
	return true
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// slug turns s into a file-name friendly lowercase token.
func slug(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
