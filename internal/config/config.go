// Package config loads and validates the optional .fvpctl YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the name of the configuration file at the repository root.
const FileName = ".fvpctl"

// Default values.
const (
	DefaultDir          = "target/cca-fvp"
	DefaultPlatform     = "cca-3world.yaml"
	DefaultRootfs       = "rootfs.ext2"
	DefaultRunTimeout   = 30 * time.Minute
	DefaultPollInterval = 200 * time.Millisecond
)

// Environment overrides.
const (
	EnvDir      = "FVPCTL_DIR"
	EnvLogLevel = "FVPCTL_LOG_LEVEL"
)

// DefaultOverlays are passed to shrinkwrap build when none are configured.
var DefaultOverlays = []string{"buildroot.yaml", "planes.yaml"}

// DefaultBtvars are passed to shrinkwrap build when none are configured.
var DefaultBtvars = []string{"GUEST_ROOTFS=${artifact:BUILDROOT}"}

// DefaultSteps is the pipeline order when none is configured.
var DefaultSteps = []string{"install", "build", "run"}

// Config holds the parsed .fvpctl configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version         int           `yaml:"version"`
	Dir             string        `yaml:"dir"`      // working directory for everything FVP related
	Platform        string        `yaml:"platform"` // shrinkwrap platform yaml
	Overlays        []string      `yaml:"overlays"`
	Btvars          []string      `yaml:"btvars"` // KEY=VALUE
	Rtvars          []string      `yaml:"rtvars"` // KEY=VALUE, besides ROOTFS
	Rootfs          string        `yaml:"rootfs"`
	ExtraRunArgs    []string      `yaml:"extra_run_args"`
	Steps           []string      `yaml:"steps"`
	Timeouts        TimeoutConfig `yaml:"timeouts"`
	RawPollInterval string        `yaml:"poll_interval"`
	InstallDeps     *bool         `yaml:"install_deps"`
	UpdateRepos     *bool         `yaml:"update_repos"`
	Log             LogConfig     `yaml:"log"`
	Archive         ArchiveConfig `yaml:"archive"`
	Metrics         MetricsConfig `yaml:"metrics"`
	Tracing         TracingConfig `yaml:"tracing"`
}

// TimeoutConfig bounds the supervised steps, e.g. "45m". Empty uses the
// default; "0" disables the timeout.
type TimeoutConfig struct {
	Build string `yaml:"build"`
	Run   string `yaml:"run"`
	Setup string `yaml:"setup"` // each individual install command
}

// LogConfig controls operational logging.
type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"` // json or console
	File     string `yaml:"file"`
}

// ArchiveConfig selects where step logs are copied after each run.
// Both are optional; an empty config disables archiving.
type ArchiveConfig struct {
	Dir      string   `yaml:"dir"`
	S3       S3Config `yaml:"s3"`
	Compress bool     `yaml:"compress"` // zstd before storing
}

// S3Config configures an S3-compatible log archive.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // for MinIO and friends
}

// MetricsConfig controls metrics export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // node_exporter textfile collector target
}

// TracingConfig enables OTLP trace export of pipelines and steps. An empty
// endpoint disables it.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"` // OTLP/HTTP host:port, e.g. localhost:4318
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// WorkDir returns the configured working directory or the default.
func (c *Config) WorkDir() string {
	if v := os.Getenv(EnvDir); v != "" {
		return v
	}
	if c.Dir != "" {
		return c.Dir
	}
	return DefaultDir
}

// PlatformFile returns the configured platform yaml or the default.
func (c *Config) PlatformFile() string {
	if c.Platform != "" {
		return c.Platform
	}
	return DefaultPlatform
}

// OverlayFiles returns the configured overlays or the defaults.
func (c *Config) OverlayFiles() []string {
	if len(c.Overlays) > 0 {
		return c.Overlays
	}
	return DefaultOverlays
}

// BuildVars returns the configured btvars or the defaults.
func (c *Config) BuildVars() []string {
	if len(c.Btvars) > 0 {
		return c.Btvars
	}
	return DefaultBtvars
}

// RootfsFile returns the configured rootfs or the default.
func (c *Config) RootfsFile() string {
	if c.Rootfs != "" {
		return c.Rootfs
	}
	return DefaultRootfs
}

// PipelineSteps returns the configured steps, falling back to defaults.
func (c *Config) PipelineSteps() []string {
	if len(c.Steps) > 0 {
		return c.Steps
	}
	return DefaultSteps
}

// BuildTimeout returns the shrinkwrap build timeout. Unbounded by default.
func (c *Config) BuildTimeout() time.Duration {
	return parseTimeout(c.Timeouts.Build, 0)
}

// RunTimeout returns the shrinkwrap run timeout.
func (c *Config) RunTimeout() time.Duration {
	return parseTimeout(c.Timeouts.Run, DefaultRunTimeout)
}

// SetupTimeout returns the timeout for each install command. Unbounded by
// default.
func (c *Config) SetupTimeout() time.Duration {
	return parseTimeout(c.Timeouts.Setup, 0)
}

// PollInterval returns the supervisor poll period.
func (c *Config) PollInterval() time.Duration {
	if c.RawPollInterval != "" {
		d, err := time.ParseDuration(c.RawPollInterval)
		if err == nil && d > 0 {
			return d
		}
	}
	return DefaultPollInterval
}

// ShouldInstallDeps reports whether system packages, Rust targets and
// Python deps are installed. Defaults to true.
func (c *Config) ShouldInstallDeps() bool {
	return c.InstallDeps == nil || *c.InstallDeps
}

// ShouldUpdateRepos reports whether existing clones are fast-forwarded.
// Defaults to true.
func (c *Config) ShouldUpdateRepos() bool {
	return c.UpdateRepos == nil || *c.UpdateRepos
}

// LogLevel returns the log level, honouring FVPCTL_LOG_LEVEL.
func (c *Config) LogLevel() string {
	if v := os.Getenv(EnvLogLevel); v != "" {
		return v
	}
	if c.Log.Level != "" {
		return c.Log.Level
	}
	return "info"
}

func parseTimeout(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	if raw == "0" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// Validate checks values that cannot be defaulted silently.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"timeouts.build": c.Timeouts.Build,
		"timeouts.run":   c.Timeouts.Run,
		"timeouts.setup": c.Timeouts.Setup,
		"poll_interval":  c.RawPollInterval,
	} {
		if raw == "" || raw == "0" {
			continue
		}
		if d, err := time.ParseDuration(raw); err != nil || d < 0 {
			return fmt.Errorf("%s: invalid duration %q", name, raw)
		}
	}
	if c.Archive.S3.Bucket == "" && (c.Archive.S3.Prefix != "" || c.Archive.S3.Endpoint != "") {
		return fmt.Errorf("archive.s3: bucket is required")
	}
	if r := c.Tracing.SamplingRate; r < 0 || r > 1 {
		return fmt.Errorf("tracing.sampling_rate: must be between 0 and 1, got %v", r)
	}
	return nil
}

// LoadResult holds the parsed config and the discovered repository root.
type LoadResult struct {
	Config   *Config
	RepoRoot string // directory containing .fvpctl or .git; falls back to workspace
}

// Load reads the .fvpctl file from the repository root.
// The repository root is discovered by walking upward from workspace
// looking for .fvpctl, then .git. If no .fvpctl file exists, a default
// Config is returned.
func Load(workspace string) (*LoadResult, error) {
	root, err := findRepoRoot(workspace)
	if err != nil {
		root = workspace
	}

	path := filepath.Join(root, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &LoadResult{Config: &Config{}, RepoRoot: root}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return &LoadResult{Config: cfg, RepoRoot: root}, nil
}

// findRepoRoot walks upward from dir looking for a directory containing
// .fvpctl; failing that, one containing .git.
func findRepoRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for _, marker := range []string{FileName, ".git"} {
		for d := dir; ; {
			if _, err := os.Stat(filepath.Join(d, marker)); err == nil {
				return d, nil
			}
			parent := filepath.Dir(d)
			if parent == d {
				break
			}
			d = parent
		}
	}
	return "", fmt.Errorf("repository root not found")
}
