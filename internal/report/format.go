package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/deixis/fvpctl/internal/archive"
)

// WriteDetails writes rec and the last n lines of its console log to w.
// When the local console log is gone and arch is not nil, the archived copy
// is read instead.
func WriteDetails(ctx context.Context, w io.Writer, rec *Record, n int, arch archive.Store) {
	o := rec.Outcome

	fmt.Fprintf(w, "Run: %s (%s)\n", rec.ID, o.Step)
	if rec.PipelineID != "" {
		fmt.Fprintf(w, "Pipeline: %s\n", rec.PipelineID)
	}
	fmt.Fprintf(w, "Started: %s\n", o.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Command: %s\n", o.Command)
	fmt.Fprintf(w, "Outcome: %s (%s)\n", o.Kind, o.Detail())
	fmt.Fprintf(w, "Lines: %d stdout, %d stderr\n", o.Lines.Stdout, o.Lines.Stderr)
	fmt.Fprintf(w, "Run log: %s\n", o.Logs.Run)
	fmt.Fprintf(w, "Console log: %s\n", o.Logs.Console)
	if rec.Archived.Run != "" || rec.Archived.Console != "" {
		fmt.Fprintf(w, "Archived: %s, %s\n", rec.Archived.Run, rec.Archived.Console)
	}
	if rec.ArchiveErr != "" {
		fmt.Fprintf(w, "Archive error: %s\n", rec.ArchiveErr)
	}

	lines, err := Tail(o.Logs.Console, n)
	if errors.Is(err, fs.ErrNotExist) && arch != nil && rec.Archived.Console != "" {
		lines, err = ArchivedTail(ctx, arch, rec.Archived.Console, n)
		if err == nil {
			fmt.Fprintf(w, "Local console log is gone; showing %s\n", rec.Archived.Console)
		}
	}
	fmt.Fprintln(w)
	switch {
	case err != nil:
		fmt.Fprintf(w, "Console log unavailable: %v\n", err)
	case len(lines) == 0:
		fmt.Fprintln(w, "Console log is empty.")
	default:
		WriteTail(w, lines)
	}
}

// WriteTail writes console lines indented under a heading.
func WriteTail(w io.Writer, lines []string) {
	fmt.Fprintf(w, "Console (last %d lines):\n", len(lines))
	for _, l := range lines {
		fmt.Fprintf(w, "    %s\n", l)
	}
}

// WriteList writes one line per record.
func WriteList(w io.Writer, recs []*Record) {
	for _, rec := range recs {
		o := rec.Outcome
		fmt.Fprintf(w, "%s  %-7s  %-12s  %s  %s\n",
			rec.ID, o.Step, o.Kind, o.StartedAt.Format(time.RFC3339), o.Elapsed.Round(time.Millisecond))
	}
}
