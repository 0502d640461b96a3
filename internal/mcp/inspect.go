package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/deixis/fvpctl/internal/report"
)

type inspectParams struct {
	RunID string `json:"run_id" jsonschema:"the run ID, or a unique prefix of it, from a previous tool result"`
	Lines int    `json:"lines,omitempty" jsonschema:"how many console log lines to show from the end. Defaults to 50; 0 or less shows the default."`
}

func (h *handler) inspectHandler(ctx context.Context, req *mcp.CallToolRequest, params inspectParams) (*mcp.CallToolResult, any, error) {
	if params.RunID == "" {
		return errorResult("run_id is required")
	}
	if h.store == nil {
		return errorResult("no run store configured")
	}

	rec, err := report.Resolve(h.store, params.RunID)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to load run %s: %v", params.RunID, err))
	}

	n := params.Lines
	if n <= 0 {
		n = 50
	}
	var b strings.Builder
	report.WriteDetails(ctx, &b, rec, n, h.engine.Archive)
	return textResult(b.String())
}

type runsParams struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of runs to list. Defaults to 20."`
}

func (h *handler) runsHandler(ctx context.Context, req *mcp.CallToolRequest, params runsParams) (*mcp.CallToolResult, any, error) {
	if h.store == nil {
		return errorResult("no run store configured")
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	recs, err := h.store.List(limit)
	if err != nil {
		return errorResult(fmt.Sprintf("listing runs: %v", err))
	}
	if len(recs) == 0 {
		return textResult("No runs recorded.")
	}

	var b strings.Builder
	report.WriteList(&b, recs)
	return textResult(b.String())
}
