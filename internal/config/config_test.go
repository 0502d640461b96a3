package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_FromRepoRoot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, FileName), "version: 1\ndir: out/fvp\ntimeouts:\n  run: 10m\n")

	res, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.RepoRoot != dir {
		t.Errorf("RepoRoot = %q, want %q", res.RepoRoot, dir)
	}
	if res.Config.Version != 1 {
		t.Errorf("Config.Version = %d, want 1", res.Config.Version)
	}
	if got := res.Config.RunTimeout(); got != 10*time.Minute {
		t.Errorf("RunTimeout() = %v, want 10m", got)
	}
	if got := res.Config.WorkDir(); got != "out/fvp" {
		t.Errorf("WorkDir() = %q, want %q", got, "out/fvp")
	}
}

func TestLoad_FromSubdirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, FileName), "version: 2\n")

	sub := filepath.Join(root, "guest", "tmk")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	res, err := Load(sub)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.RepoRoot != root {
		t.Errorf("RepoRoot = %q, want %q", res.RepoRoot, root)
	}
	if res.Config.Version != 2 {
		t.Errorf("Config.Version = %d, want 2", res.Config.Version)
	}
}

func TestLoad_GitRootWithoutConfig(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	res, err := Load(sub)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.RepoRoot != root {
		t.Errorf("RepoRoot = %q, want %q", res.RepoRoot, root)
	}
	if res.Config.Version != 0 {
		t.Errorf("expected default config, got Version = %d", res.Config.Version)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, FileName), "overlays: [unterminated\n")

	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_InvalidTimeout(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, FileName), "timeouts:\n  build: soon\n")

	if _, err := Load(dir); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoad_S3WithoutBucket(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, FileName), "archive:\n  s3:\n    prefix: fvp/\n")

	if _, err := Load(dir); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestDefaults(t *testing.T) {
	t.Setenv(EnvDir, "")
	t.Setenv(EnvLogLevel, "")
	c := &Config{}

	if got := c.WorkDir(); got != DefaultDir {
		t.Errorf("WorkDir() = %q, want %q", got, DefaultDir)
	}
	if got := c.PlatformFile(); got != DefaultPlatform {
		t.Errorf("PlatformFile() = %q, want %q", got, DefaultPlatform)
	}
	if got := c.OverlayFiles(); len(got) != 2 || got[0] != "buildroot.yaml" || got[1] != "planes.yaml" {
		t.Errorf("OverlayFiles() = %v", got)
	}
	if got := c.BuildVars(); len(got) != 1 || got[0] != "GUEST_ROOTFS=${artifact:BUILDROOT}" {
		t.Errorf("BuildVars() = %v", got)
	}
	if got := c.RootfsFile(); got != DefaultRootfs {
		t.Errorf("RootfsFile() = %q, want %q", got, DefaultRootfs)
	}
	if got := c.RunTimeout(); got != DefaultRunTimeout {
		t.Errorf("RunTimeout() = %v, want %v", got, DefaultRunTimeout)
	}
	if got := c.BuildTimeout(); got != 0 {
		t.Errorf("BuildTimeout() = %v, want unbounded", got)
	}
	if got := c.PollInterval(); got != DefaultPollInterval {
		t.Errorf("PollInterval() = %v, want %v", got, DefaultPollInterval)
	}
	if !c.ShouldInstallDeps() || !c.ShouldUpdateRepos() {
		t.Error("install_deps and update_repos should default to true")
	}
	if got := c.LogLevel(); got != "info" {
		t.Errorf("LogLevel() = %q, want info", got)
	}
	if got := c.PipelineSteps(); len(got) != 3 {
		t.Errorf("PipelineSteps() = %v", got)
	}
}

func TestZeroTimeoutDisables(t *testing.T) {
	c := &Config{Timeouts: TimeoutConfig{Run: "0"}}
	if got := c.RunTimeout(); got != 0 {
		t.Errorf("RunTimeout() = %v, want 0", got)
	}
}

func TestExplicitFalse(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, FileName), "install_deps: false\nupdate_repos: false\n")

	res, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Config.ShouldInstallDeps() {
		t.Error("ShouldInstallDeps() = true, want false")
	}
	if res.Config.ShouldUpdateRepos() {
		t.Error("ShouldUpdateRepos() = true, want false")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvDir, "/tmp/elsewhere")
	t.Setenv(EnvLogLevel, "debug")
	c := &Config{Dir: "target/x", Log: LogConfig{Level: "warn"}}

	if got := c.WorkDir(); got != "/tmp/elsewhere" {
		t.Errorf("WorkDir() = %q", got)
	}
	if got := c.LogLevel(); got != "debug" {
		t.Errorf("LogLevel() = %q", got)
	}
}

func TestLoad_InvalidSamplingRate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, FileName), "tracing:\n  endpoint: localhost:4318\n  sampling_rate: 1.5\n")

	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for sampling_rate above 1")
	}
}
