package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/fvpctl/internal/report"
	"github.com/deixis/fvpctl/internal/runner"
	"github.com/deixis/fvpctl/internal/workflow"
)

type pipelineParams struct {
	Steps []string `json:"steps,omitempty" jsonschema:"steps to run in order, from install, build and run. Defaults to the configured pipeline (install, build, run)."`
}

func (h *handler) pipelineHandler(ctx context.Context, req *mcp.CallToolRequest, params pipelineParams) (*mcp.CallToolResult, any, error) {
	h.run.Lock()
	defer h.run.Unlock()

	res := h.engine.Pipeline(ctx, params.Steps)
	return textResult(formatPipeline(res))
}

type stepParams struct {
	Step string `json:"step" jsonschema:"the step to run: install, build or run"`
}

func (h *handler) stepHandler(ctx context.Context, req *mcp.CallToolRequest, params stepParams) (*mcp.CallToolResult, any, error) {
	if params.Step == "" {
		return errorResult("step is required")
	}
	h.run.Lock()
	defer h.run.Unlock()

	res := h.engine.Step(ctx, params.Step)
	return textResult(formatStep(res))
}

type execParams struct {
	Command        []string `json:"command" jsonschema:"the program and its arguments, e.g. [\"make\", \"-C\", \"tests\"]"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" jsonschema:"kill the command after this many seconds. Defaults to no timeout."`
}

func (h *handler) execHandler(ctx context.Context, req *mcp.CallToolRequest, params execParams) (*mcp.CallToolResult, any, error) {
	if len(params.Command) == 0 {
		return errorResult("command is required")
	}
	h.run.Lock()
	defer h.run.Unlock()

	o, err := h.engine.Exec(ctx, params.Command, time.Duration(params.TimeoutSeconds)*time.Second)
	if err != nil {
		return errorResult(fmt.Sprintf("exec failed: %v", err))
	}
	return textResult(formatStep(workflow.StepResult{
		Name:    workflow.StepExec,
		Status:  statusOf(o),
		Detail:  o.Detail(),
		Outcome: o,
	}))
}

func statusOf(o *runner.Outcome) string {
	if o.OK() {
		return workflow.StatusPass
	}
	return workflow.StatusFail
}

func formatPipeline(res *workflow.PipelineResult) string {
	var b strings.Builder

	if res.OK() {
		fmt.Fprintln(&b, "Status: PASS")
	} else {
		fmt.Fprintln(&b, "Status: FAIL")
	}
	fmt.Fprintf(&b, "Pipeline: %s\n", res.ID)
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "Steps:")
	for _, s := range res.Steps {
		fmt.Fprintf(&b, "  %s: %s", s.Name, s.Status)
		if s.Outcome != nil {
			fmt.Fprintf(&b, " (run %s, %s)", s.Outcome.RunID, s.Outcome.Elapsed.Round(time.Millisecond))
		}
		fmt.Fprintln(&b)
	}

	if failed := res.Failed(); failed != nil {
		fmt.Fprintln(&b)
		writeFailure(&b, *failed)
	}
	return b.String()
}

func formatStep(s workflow.StepResult) string {
	var b strings.Builder

	if s.Status == workflow.StatusPass {
		fmt.Fprintln(&b, "Status: PASS")
	} else {
		fmt.Fprintln(&b, "Status: FAIL")
	}
	if s.Outcome != nil {
		fmt.Fprintf(&b, "Run: %s\n", s.Outcome.RunID)
	}
	fmt.Fprintln(&b)
	fmt.Fprintln(&b, s.Summary())

	if s.Status != workflow.StatusPass {
		fmt.Fprintln(&b)
		writeFailure(&b, s)
	}
	return b.String()
}

// writeFailure reports the failing step and, when it ran, the tail of its
// console log.
func writeFailure(b *strings.Builder, s workflow.StepResult) {
	fmt.Fprintf(b, "Failed step: %s\n", s.Summary())
	if s.Outcome == nil {
		return
	}
	lines, err := report.Tail(s.Outcome.Logs.Console, tailLines)
	if err == nil && len(lines) > 0 {
		fmt.Fprintln(b)
		report.WriteTail(b, lines)
	}
	fmt.Fprintln(b)
	fmt.Fprintf(b, "Use fvp_inspect with run_id %s for details.\n", s.Outcome.RunID)
}
