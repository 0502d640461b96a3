package runner

import (
	"os"
	"os/exec"
)

// process is the handle to a spawned command. Only the supervisor uses it.
type process struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	// Set by the waiter goroutine before done is closed.
	state   *os.ProcessState
	waitErr error
}

// startProcess starts cmd and begins waiting for it in the background, so
// liveness can be checked without blocking.
func startProcess(cmd *exec.Cmd) (*process, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &process{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	go func() {
		p.state, p.waitErr = cmd.Process.Wait()
		close(p.done)
	}()
	return p, nil
}

// alive reports whether the process is still running. It never blocks.
func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// terminate kills the process and, where supported, its process group.
// os.ErrProcessDone means it had already exited.
func (p *process) terminate() error {
	if !p.alive() {
		return os.ErrProcessDone
	}
	return killTree(p.cmd.Process)
}

// reap blocks until the process has exited and been collected, and returns
// its exit code. A process killed by a signal reports -1.
func (p *process) reap() int {
	<-p.done
	if p.waitErr != nil || p.state == nil {
		return -1
	}
	return p.state.ExitCode()
}
