package runner

import (
	"errors"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrEmptyExecutable is returned when a CommandSpec is built without an
// executable path.
var ErrEmptyExecutable = errors.New("empty executable path")

// CommandSpec describes an external command ready to launch. It is a value:
// NewCommandSpec copies its inputs, so a spec never changes after
// construction.
type CommandSpec struct {
	path  string
	args  []string
	dir   string
	env   map[string]string
	unset []string
}

// NewCommandSpec builds a CommandSpec. env is an overlay applied on top of
// the inherited environment when the command is launched.
func NewCommandSpec(path string, args []string, dir string, env map[string]string) (CommandSpec, error) {
	if path == "" {
		return CommandSpec{}, ErrEmptyExecutable
	}
	return CommandSpec{
		path: path,
		args: slices.Clone(args),
		dir:  dir,
		env:  maps.Clone(env),
	}, nil
}

// WithoutEnv returns a copy of s that also removes keys from the inherited
// environment. Overlay entries for the same keys are dropped.
func (s CommandSpec) WithoutEnv(keys ...string) CommandSpec {
	c := s.clone()
	for _, k := range keys {
		delete(c.env, k)
		if !slices.Contains(c.unset, k) {
			c.unset = append(c.unset, k)
		}
	}
	return c
}

// Path returns the executable path.
func (s CommandSpec) Path() string { return s.path }

// Args returns a copy of the argument list.
func (s CommandSpec) Args() []string { return slices.Clone(s.args) }

// Dir returns the working directory. Empty means the caller's cwd.
func (s CommandSpec) Dir() string { return s.dir }

// Overlay returns a copy of the environment overlay.
func (s CommandSpec) Overlay() map[string]string { return maps.Clone(s.env) }

// Equal reports whether two specs describe the same invocation.
func (s CommandSpec) Equal(o CommandSpec) bool {
	return s.path == o.path &&
		s.dir == o.dir &&
		slices.Equal(s.args, o.args) &&
		maps.Equal(s.env, o.env) &&
		slices.Equal(s.unset, o.unset)
}

// Environ merges the overlay over base (KEY=VALUE entries, typically
// os.Environ()). Overlay keys replace inherited ones; the result is sorted.
func (s CommandSpec) Environ(base []string) []string {
	merged := make(map[string]string, len(base)+len(s.env))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		merged[k] = v
	}
	for _, k := range s.unset {
		delete(merged, k)
	}
	maps.Copy(merged, s.env)

	keys := slices.Sorted(maps.Keys(merged))
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// String renders the command shell-escaped, for log headers.
func (s CommandSpec) String() string {
	var b strings.Builder
	b.WriteString(shellEscape(s.path))
	for _, a := range s.args {
		b.WriteByte(' ')
		b.WriteString(shellEscape(a))
	}
	return b.String()
}

func (s CommandSpec) clone() CommandSpec {
	c := s
	c.args = slices.Clone(s.args)
	c.env = maps.Clone(s.env)
	if c.env == nil {
		c.env = map[string]string{}
	}
	c.unset = slices.Clone(s.unset)
	return c
}

// VenvOverlay returns the environment overlay that activates the Python
// virtual environment at venvDir: VIRTUAL_ENV is set and its bin directory
// is prepended to the inherited PATH.
func VenvOverlay(venvDir string) map[string]string {
	bin := filepath.Join(venvDir, "bin")
	path := bin
	if cur := os.Getenv("PATH"); cur != "" {
		path = bin + string(os.PathListSeparator) + cur
	}
	return map[string]string{
		"VIRTUAL_ENV": venvDir,
		"PATH":        path,
	}
}

// shellEscape quotes arg for a POSIX shell unless it only contains
// characters that need no quoting.
func shellEscape(arg string) string {
	if arg == "" {
		return "''"
	}
	safe := true
	for _, r := range arg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("_-./=:+,@%", r):
		default:
			safe = false
		}
		if !safe {
			break
		}
	}
	if safe {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}
