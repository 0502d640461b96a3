package runner

import (
	"fmt"
	"time"
)

// Kind classifies how a supervised run ended.
type Kind string

const (
	Success     Kind = "success"
	NonZeroExit Kind = "nonzero_exit"
	TimedOut    Kind = "timed_out"
	SpawnFailed Kind = "spawn_failed"
)

// Logs holds the paths of the durable logs of a run.
type Logs struct {
	Run     string `json:"run"`     // header plus combined process output
	Console string `json:"console"` // raw mirror of what reached the console
}

// LineCounts records how many lines each stream produced.
type LineCounts struct {
	Stdout int `json:"stdout"`
	Stderr int `json:"stderr"`
}

// Outcome is the single result of one supervised run. It always carries
// the log paths, whatever its Kind.
type Outcome struct {
	RunID     string        `json:"run_id"`
	Step      string        `json:"step"`
	Command   string        `json:"command"`
	StartedAt time.Time     `json:"started_at"`
	Kind      Kind          `json:"kind"`
	ExitCode  int           `json:"exit_code"`
	Elapsed   time.Duration `json:"elapsed"`
	Reason    string        `json:"reason,omitempty"`
	KillError string        `json:"kill_error,omitempty"`
	Lines     LineCounts    `json:"lines"`
	Logs      Logs          `json:"logs"`
}

// Classify merges the spawn result and the supervisor's terminal state into
// an Outcome. A non-nil spawnErr wins over everything else; t is ignored
// in that case.
func Classify(spawnErr error, t Terminal, logs Logs) *Outcome {
	o := &Outcome{Logs: logs, Elapsed: t.Elapsed}
	switch {
	case spawnErr != nil:
		o.Kind = SpawnFailed
		o.ExitCode = -1
		o.Reason = spawnErr.Error()
	case t.Killed:
		o.Kind = TimedOut
		o.ExitCode = -1
		if t.Cause != nil && t.Cause != errDeadline {
			o.Reason = t.Cause.Error()
		}
		if t.KillErr != nil {
			o.KillError = t.KillErr.Error()
		}
	case t.ExitCode == 0:
		o.Kind = Success
	default:
		o.Kind = NonZeroExit
		o.ExitCode = t.ExitCode
	}
	return o
}

// OK reports whether the run succeeded.
func (o *Outcome) OK() bool { return o.Kind == Success }

// Detail describes the outcome without the log paths.
func (o *Outcome) Detail() string {
	switch o.Kind {
	case Success:
		return fmt.Sprintf("ok in %s", o.Elapsed.Round(time.Millisecond))
	case NonZeroExit:
		return fmt.Sprintf("exit status %d", o.ExitCode)
	case TimedOut:
		d := fmt.Sprintf("killed after %s", o.Elapsed.Round(time.Millisecond))
		if o.Reason != "" {
			d += ": " + o.Reason
		}
		if o.KillError != "" {
			d += " (kill failed: " + o.KillError + ")"
		}
		return d
	case SpawnFailed:
		return o.Reason
	}
	return string(o.Kind)
}

// Summary is the one-line report for a finished step.
func (o *Outcome) Summary() string {
	return fmt.Sprintf("step %s: %s (%s); logs: %s, %s", o.Step, o.Kind, o.Detail(), o.Logs.Run, o.Logs.Console)
}

// Err returns nil for a successful run and an *OutcomeError otherwise.
func (o *Outcome) Err() error {
	if o.OK() {
		return nil
	}
	return &OutcomeError{Outcome: o}
}

// OutcomeError reports a run that did not succeed.
type OutcomeError struct {
	Outcome *Outcome
}

func (e *OutcomeError) Error() string { return e.Outcome.Summary() }
