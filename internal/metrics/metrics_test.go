package metrics

import (
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deixis/fvpctl/internal/runner"
)

func TestRecorder_RunFinished(t *testing.T) {
	r := NewRecorder()

	r.RunFinished(&runner.Outcome{Step: "build", Kind: runner.Success, Elapsed: 2 * time.Second})
	r.RunFinished(&runner.Outcome{Step: "run", Kind: runner.TimedOut, ExitCode: -1, Elapsed: time.Minute, KillError: "operation not permitted"})
	r.RunFinished(&runner.Outcome{Step: "run", Kind: runner.NonZeroExit, ExitCode: 3})

	assert.Equal(t, 3, testutil.CollectAndCount(r.runs))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("build", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("run", "timed_out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.killFails.WithLabelValues("run")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.lastExit.WithLabelValues("run")))
}

func TestRecorder_LineTeed(t *testing.T) {
	r := NewRecorder()
	for i := 0; i < 5; i++ {
		r.LineTeed("run", runner.Stdout)
	}
	r.LineTeed("run", runner.Stderr)

	assert.Equal(t, 5.0, testutil.ToFloat64(r.lines.WithLabelValues("run", "stdout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.lines.WithLabelValues("run", "stderr")))
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder()
	r.RunFinished(&runner.Outcome{Step: "build", Kind: runner.Success})

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `fvpctl_runs_total{kind="success",step="build"} 1`)
}

func TestRecorder_WriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.RunFinished(&runner.Outcome{Step: "install", Kind: runner.SpawnFailed, ExitCode: -1})

	path := filepath.Join(t.TempDir(), "fvpctl.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `kind="spawn_failed"`))

	assert.NoError(t, r.WriteTextfile(""))
}
