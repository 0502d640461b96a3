package runner

import (
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is how often the supervisor checks a running process.
const DefaultPollInterval = 200 * time.Millisecond

// Terminal is the final state of a supervised process: either it completed
// with ExitCode, or it was Killed after Elapsed.
type Terminal struct {
	Killed   bool
	ExitCode int
	Elapsed  time.Duration

	// Cause is set when Killed: the deadline or the context error.
	Cause error
	// KillErr is set when the termination request itself failed.
	KillErr error
}

// errDeadline marks a kill caused by the run timeout.
var errDeadline = errors.New("timeout exceeded")

// supervise polls p until it exits or its budget runs out. timeout <= 0
// means no deadline. Cancelling ctx kills the process the same way a
// deadline does. supervise only returns once the process has been reaped.
func (r *Runner) supervise(ctx context.Context, p *process, step string, start time.Time, timeout time.Duration) Terminal {
	poll := r.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if !p.alive() {
			return Terminal{ExitCode: p.reap(), Elapsed: time.Since(start)}
		}
		if timeout > 0 && time.Since(start) > timeout {
			return r.kill(p, step, start, errDeadline)
		}
		if err := ctx.Err(); err != nil {
			return r.kill(p, step, start, err)
		}

		select {
		case <-p.done:
		case <-ticker.C:
		case <-ctx.Done():
		}
	}
}

// kill terminates p and reaps it unconditionally. A failed termination
// request is logged and carried on the Terminal; it is not an outcome of
// its own.
func (r *Runner) kill(p *process, step string, start time.Time, cause error) Terminal {
	t := Terminal{Killed: true, Cause: cause}

	if err := p.terminate(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		t.KillErr = err
		r.log().Warn("terminating process failed",
			zap.String("step", step),
			zap.Int("pid", p.pid),
			zap.Error(err))
	}
	p.reap()
	t.Elapsed = time.Since(start)

	// Group members other than the leader may take a moment to die.
	for i := 0; i < 20 && groupAlive(p.pid); i++ {
		time.Sleep(25 * time.Millisecond)
	}
	if groupAlive(p.pid) {
		r.log().Warn("process group still has members after kill",
			zap.String("step", step),
			zap.Int("pgid", p.pid))
	}
	return t
}
