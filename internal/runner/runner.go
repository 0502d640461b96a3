// Package runner supervises external processes: it launches a command,
// tees both output streams line by line into durable logs and the console,
// enforces a wall-clock timeout, and classifies how the run ended.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultDrainTimeout bounds how long the tees may keep reading after the
// process has been reaped. Output still held open by a detached
// grandchild is cut off after this.
const DefaultDrainTimeout = 5 * time.Second

// Observer is notified about run activity. Implemented by metrics.Recorder.
type Observer interface {
	LineTeed(step string, stream Stream)
	RunFinished(o *Outcome)
}

// Runner launches and supervises one external process per Run call.
// The zero value is usable: output mirrors to os.Stdout and os.Stderr and
// operational logging is discarded.
type Runner struct {
	Stdout       io.Writer     // console mirror for stdout; nil means os.Stdout
	Stderr       io.Writer     // console mirror for stderr; nil means os.Stderr
	PollInterval time.Duration // liveness poll period; <= 0 means DefaultPollInterval
	DrainTimeout time.Duration // <= 0 means DefaultDrainTimeout
	Logger       *zap.Logger
	Observer     Observer
}

// Invocation is everything one run needs.
type Invocation struct {
	Step       string
	Spec       CommandSpec
	Timeout    time.Duration // <= 0 means unbounded
	RunLog     string        // header plus process output
	ConsoleLog string        // process output only
}

// Run executes inv and returns its Outcome. It never returns while the
// process or its tees are still running. Failures are reported through the
// Outcome, not as an error.
func (r *Runner) Run(ctx context.Context, inv Invocation) *Outcome {
	start := time.Now()
	logs := Logs{Run: inv.RunLog, Console: inv.ConsoleLog}
	log := r.log().With(zap.String("step", inv.Step))

	o := r.run(ctx, inv, logs, start, log)
	o.RunID = uuid.New().String()
	o.Step = inv.Step
	o.Command = inv.Spec.String()
	o.StartedAt = start

	if o.OK() {
		log.Info("run finished", zap.String("run_id", o.RunID), zap.Duration("elapsed", o.Elapsed))
	} else {
		log.Error("run failed",
			zap.String("run_id", o.RunID),
			zap.String("kind", string(o.Kind)),
			zap.String("detail", o.Detail()),
			zap.String("run_log", logs.Run),
			zap.String("console_log", logs.Console))
	}
	if r.Observer != nil {
		r.Observer.RunFinished(o)
	}
	return o
}

func (r *Runner) run(ctx context.Context, inv Invocation, logs Logs, start time.Time, log *zap.Logger) *Outcome {
	runLog, err := OpenLogSink(inv.RunLog)
	if err != nil {
		return Classify(fmt.Errorf("preparing run log: %w", err), Terminal{}, logs)
	}
	defer runLog.Close()

	consoleLog, err := OpenLogSink(inv.ConsoleLog)
	if err != nil {
		_ = runLog.Logf("spawn failed: %v", err)
		return Classify(fmt.Errorf("preparing console log: %w", err), Terminal{}, logs)
	}
	defer consoleLog.Close()

	_ = runLog.Logf("cwd: %s", inv.Spec.Dir())
	_ = runLog.Logf("cmd: %s", inv.Spec.String())
	_ = runLog.Logf("timeout: %s", formatTimeout(inv.Timeout))

	spawnFailed := func(err error) *Outcome {
		_ = runLog.Logf("spawn failed: %v", err)
		return Classify(err, Terminal{Elapsed: time.Since(start)}, logs)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return spawnFailed(fmt.Errorf("creating stdout pipe: %w", err))
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return spawnFailed(fmt.Errorf("creating stderr pipe: %w", err))
	}

	cmd := exec.Command(inv.Spec.Path(), inv.Spec.Args()...)
	cmd.Dir = inv.Spec.Dir()
	cmd.Env = inv.Spec.Environ(os.Environ())
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.SysProcAttr = sysProcAttr()

	proc, err := startProcess(cmd)
	// The child owns the write ends now; the parent's copies must go or
	// the tees would never see EOF.
	outW.Close()
	errW.Close()
	if err != nil {
		outR.Close()
		errR.Close()
		return spawnFailed(fmt.Errorf("starting %s: %w", inv.Spec.Path(), err))
	}
	log.Debug("process started", zap.Int("pid", proc.pid), zap.String("cmd", inv.Spec.String()))

	sinks := []*LogSink{runLog, consoleLog}
	outCon, errCon := consoles(r.stdout(), r.stderr())

	var lines LineCounts
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		lines.Stdout = r.tee(outR, Stdout, inv.Step, sinks, outCon)
	}()
	go func() {
		defer wg.Done()
		lines.Stderr = r.tee(errR, Stderr, inv.Step, sinks, errCon)
	}()

	term := r.supervise(ctx, proc, inv.Step, start, inv.Timeout)
	r.drain(&wg, inv.Step, outR, errR)

	if term.Killed {
		_ = runLog.Logf("killed after %s", term.Elapsed.Round(time.Millisecond))
	}

	o := Classify(nil, term, logs)
	o.Lines = lines
	return o
}

// drain waits for both tees to finish. If a pipe is still held open after
// the drain timeout, the read ends are closed so the tees return.
func (r *Runner) drain(wg *sync.WaitGroup, step string, readers ...*os.File) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timeout := r.DrainTimeout
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		r.log().Warn("output still open after process exit; closing pipes",
			zap.String("step", step),
			zap.Duration("drain_timeout", timeout))
		for _, f := range readers {
			_ = f.Close()
		}
		<-done
	}
	for _, f := range readers {
		_ = f.Close()
	}
}

func (r *Runner) stdout() io.Writer {
	if r.Stdout != nil {
		return r.Stdout
	}
	return os.Stdout
}

func (r *Runner) stderr() io.Writer {
	if r.Stderr != nil {
		return r.Stderr
	}
	return os.Stderr
}

func (r *Runner) log() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

func formatTimeout(d time.Duration) string {
	if d <= 0 {
		return "none"
	}
	return d.String()
}
