package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/deixis/fvpctl/internal/report"
	"github.com/deixis/fvpctl/internal/workflow"
)

// failureTail is how much of the console log a failed step prints.
const failureTail = 20

var pipelineCmd = &cobra.Command{
	Use:   "cca-fvp [steps...]",
	Short: "Install, build and run the CCA FVP stack",
	Long: `Run the CCA FVP pipeline: install the toolchain and sources, build the
stack with shrinkwrap, then boot it on the FVP. Steps run in order and the
pipeline stops at the first failure.

Pass step names to run a subset, e.g. "fvpctl cca-fvp build run".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		res := a.engine.Pipeline(cmd.Context(), args)
		writePipeline(cmd.OutOrStdout(), res)
		if !res.OK() {
			return errFailed
		}
		return nil
	},
}

var installCmd = stepCommand(workflow.StepInstall, "Install the toolchain, kernel, TMK and shrinkwrap")
var buildCmd = stepCommand(workflow.StepBuild, "Build the CCA stack with shrinkwrap")
var runCmd = stepCommand(workflow.StepRun, "Boot the built stack on the FVP")

func stepCommand(step, short string) *cobra.Command {
	return &cobra.Command{
		Use:   step,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			res := a.engine.Step(cmd.Context(), step)
			writeStep(cmd.OutOrStdout(), res)
			if res.Status != workflow.StatusPass {
				return errFailed
			}
			return nil
		},
	}
}

func writePipeline(w io.Writer, res *workflow.PipelineResult) {
	fmt.Fprintln(w)
	if res.OK() {
		fmt.Fprintln(w, "ok")
	} else {
		fmt.Fprintln(w, "FAIL")
	}
	fmt.Fprintln(w)
	for _, s := range res.Steps {
		switch s.Status {
		case workflow.StatusPass:
			fmt.Fprintf(w, "  %-10s ok", s.Name)
		case workflow.StatusFail:
			fmt.Fprintf(w, "  %-10s FAIL", s.Name)
		default:
			fmt.Fprintf(w, "  %-10s -", s.Name)
		}
		if s.Outcome != nil {
			fmt.Fprintf(w, "  %s", s.Outcome.Elapsed.Round(time.Millisecond))
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "\npipeline %s\n", res.ID)

	if failed := res.Failed(); failed != nil {
		fmt.Fprintln(w)
		writeFailure(w, *failed)
	}
}

func writeStep(w io.Writer, s workflow.StepResult) {
	fmt.Fprintln(w)
	if s.Status != workflow.StatusPass {
		writeFailure(w, s)
		return
	}
	fmt.Fprintln(w, s.Summary())
}

func writeFailure(w io.Writer, s workflow.StepResult) {
	if s.Outcome == nil {
		fmt.Fprintln(w, s.Summary())
		return
	}
	fmt.Fprintln(w, s.Outcome.Summary())
	if lines, err := report.Tail(s.Outcome.Logs.Console, failureTail); err == nil && len(lines) > 0 {
		fmt.Fprintln(w)
		report.WriteTail(w, lines)
	}
	fmt.Fprintf(w, "\nfvpctl inspect %s\n", s.Outcome.RunID)
}
