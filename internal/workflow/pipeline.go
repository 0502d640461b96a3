package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/deixis/fvpctl/internal/runner"
)

// Step names.
const (
	StepInstall = "install"
	StepBuild   = "build"
	StepRun     = "run"
	StepExec    = "exec"
)

// Step statuses.
const (
	StatusPass    = "pass"
	StatusFail    = "fail"
	StatusSkipped = "skipped"
)

// PipelineResult holds the full outcome of a pipeline run.
type PipelineResult struct {
	ID        string       `json:"id"`
	Steps     []StepResult `json:"steps"`
	FailedIdx int          `json:"failed_idx"` // -1 if all passed
}

// OK reports whether every step passed.
func (r *PipelineResult) OK() bool { return r.FailedIdx < 0 }

// Failed returns the failing step, if any.
func (r *PipelineResult) Failed() *StepResult {
	if r.FailedIdx < 0 || r.FailedIdx >= len(r.Steps) {
		return nil
	}
	return &r.Steps[r.FailedIdx]
}

// StepResult holds the outcome of a single pipeline step.
type StepResult struct {
	Name    string          `json:"name"`
	Status  string          `json:"status"`           // pass, fail, skipped
	Detail  string          `json:"detail,omitempty"` // failure summary
	Outcome *runner.Outcome `json:"outcome,omitempty"`
}

// Summary is the one-line report for the step.
func (s StepResult) Summary() string {
	if s.Outcome != nil {
		return s.Outcome.Summary()
	}
	if s.Detail != "" {
		return fmt.Sprintf("step %s: %s (%s)", s.Name, s.Status, s.Detail)
	}
	return fmt.Sprintf("step %s: %s", s.Name, s.Status)
}

// Pipeline runs steps in order, stopping at the first failure. Steps after
// the failure are reported as skipped. Empty steps runs the configured
// pipeline.
func (e *Engine) Pipeline(ctx context.Context, steps []string) *PipelineResult {
	if len(steps) == 0 {
		steps = e.Config.PipelineSteps()
	}
	res := &PipelineResult{
		ID:        uuid.New().String(),
		Steps:     make([]StepResult, len(steps)),
		FailedIdx: -1,
	}
	for i, step := range steps {
		res.Steps[i] = StepResult{Name: step, Status: StatusSkipped}
	}

	ctx, span := e.tracer().Start(ctx, "fvpctl.pipeline", trace.WithAttributes(
		attribute.String("fvpctl.pipeline_id", res.ID),
		attribute.StringSlice("fvpctl.steps", steps),
	))
	defer span.End()

	log := e.log().With(zap.String("pipeline_id", res.ID))
	log.Info("pipeline started", zap.Strings("steps", steps))
	for i, step := range steps {
		res.Steps[i] = e.step(ctx, res.ID, step)
		if res.Steps[i].Status != StatusPass {
			res.FailedIdx = i
			span.SetStatus(codes.Error, res.Steps[i].Summary())
			log.Error("pipeline stopped", zap.String("summary", res.Steps[i].Summary()))
			return res
		}
	}
	log.Info("pipeline finished")
	return res
}

// Step runs a single named step outside of a pipeline.
func (e *Engine) Step(ctx context.Context, name string) StepResult {
	return e.step(ctx, "", name)
}

func (e *Engine) step(ctx context.Context, pipelineID, name string) StepResult {
	ctx, span := e.tracer().Start(ctx, "fvpctl.step", trace.WithAttributes(attribute.String("fvpctl.step", name)))
	defer span.End()

	res := StepResult{Name: name}
	var (
		o   *runner.Outcome
		err error
	)
	switch strings.ToLower(name) {
	case StepInstall:
		err = e.install(ctx, pipelineID)
	case StepBuild:
		o, err = e.build(ctx, pipelineID)
	case StepRun:
		o, err = e.run(ctx, pipelineID)
	default:
		err = fmt.Errorf("unknown step: %s", name)
	}

	res.Outcome = o
	switch {
	case err != nil:
		res.Status = StatusFail
		res.Detail = err.Error()
	case o != nil && !o.OK():
		res.Status = StatusFail
		res.Detail = o.Detail()
	default:
		res.Status = StatusPass
	}
	if res.Status != StatusPass {
		span.SetStatus(codes.Error, res.Detail)
	}
	return res
}
