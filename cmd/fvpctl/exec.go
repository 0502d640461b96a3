package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/deixis/fvpctl/internal/workflow"
)

var execTimeout time.Duration

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- <command> [args...]",
	Short: "Run a command under the same supervision as the pipeline steps",
	Long: `Run any command from the current directory with the pipeline's
supervision: both output streams are mirrored and logged to
<dir>/logs/exec.log and <dir>/logs/console-exec.log, the process group is
killed when the timeout expires, and the outcome is recorded for inspect.

Example: fvpctl exec --exec-timeout 10m -- ./tests/run.sh --fvp`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		o, err := a.engine.Exec(cmd.Context(), args, execTimeout)
		if err != nil {
			return fmt.Errorf("exec: %w", err)
		}
		s := workflow.StepResult{Name: workflow.StepExec, Status: workflow.StatusPass, Outcome: o}
		if !o.OK() {
			s.Status = workflow.StatusFail
			s.Detail = o.Detail()
		}
		writeStep(cmd.OutOrStdout(), s)
		if !o.OK() {
			return errFailed
		}
		return nil
	},
}

func init() {
	execCmd.Flags().DurationVar(&execTimeout, "exec-timeout", 0, "kill the command after this long; 0 means no timeout")
}
