package runner

import (
	"bufio"
	"errors"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Stream identifies one of the two output streams of a process.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// lockedWriter serialises writes to a console writer. The two tees get the
// same lockedWriter when they mirror to the same destination.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) writeLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.w, line)
	if f, ok := l.w.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
}

// consoles returns the mirror writers for stdout and stderr, sharing one
// lock when both point at the same writer.
func consoles(stdout, stderr io.Writer) (*lockedWriter, *lockedWriter) {
	out := &lockedWriter{w: stdout}
	if stdout == stderr {
		return out, out
	}
	return out, &lockedWriter{w: stderr}
}

// tee copies r line by line into every sink and then onto console, in the
// order the lines arrive. It returns the number of lines copied once r
// reaches EOF or fails; a read error ends the tee like EOF does.
func (r *Runner) tee(src io.Reader, stream Stream, step string, sinks []*LogSink, console *lockedWriter) int {
	br := bufio.NewReader(src)
	n := 0
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			n++
			for _, s := range sinks {
				if werr := s.WriteLine(line); werr != nil {
					r.log().Warn("log write failed",
						zap.String("step", step),
						zap.String("log", s.Path()),
						zap.Error(werr))
				}
			}
			console.writeLine(line)
			if r.Observer != nil {
				r.Observer.LineTeed(step, stream)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				r.log().Debug("stream read ended",
					zap.String("step", step),
					zap.String("stream", string(stream)),
					zap.Error(err))
			}
			return n
		}
	}
}
