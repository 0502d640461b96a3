// Package mcp provides the fvpctl MCP server, registering the pipeline
// tools and publishing model instructions.
package mcp

import (
	"context"
	_ "embed"
	"net/url"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/deixis/fvpctl"
	"github.com/deixis/fvpctl/internal/config"
	"github.com/deixis/fvpctl/internal/report"
	"github.com/deixis/fvpctl/internal/workflow"
)

//go:embed instructions.md
var Instructions string

// tailLines is how much of the console log a failure report includes.
const tailLines = 20

// recordCacheSize is how many run records stay in memory.
const recordCacheSize = 16

// handler holds shared dependencies for all tool handlers.
type handler struct {
	engine *workflow.Engine
	store  report.Store
	log    *zap.Logger

	// run serialises tool calls that launch processes; they share one
	// working directory.
	run sync.Mutex
}

// NewServer creates an MCP server with all fvpctl tools registered. store
// may be nil, in which case fvp_inspect and fvp_runs report an error.
func NewServer(engine *workflow.Engine, store report.Store) *mcp.Server {
	h := &handler{engine: engine, store: store, log: engine.Log}
	if h.log == nil {
		h.log = zap.NewNop()
	}

	opts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			h.updateWorkspaceFromRoots(ctx, req.Session)
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "fvpctl", Version: fvpctl.Version}, opts)

	mcp.AddTool(s, &mcp.Tool{
		Name: "fvp_pipeline",
		Description: `Run the CCA FVP pipeline (install, build, run) and stop on first failure.

Each step is a supervised process with a timeout; its output is teed to a run log and a console log.
Results are stored for drill-down via fvp_inspect.`,
	}, h.pipelineHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "fvp_step",
		Description: "Run a single pipeline step: install, build or run.",
	}, h.stepHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "fvp_exec",
		Description: `Run an arbitrary command under the same supervision as the pipeline steps.

The command runs from the workspace, is killed when the timeout expires, and both of its output streams are logged.`,
	}, h.execHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "fvp_inspect",
		Description: `Show a stored run: its command, how it ended, where its logs are, and the tail of its console log.

Use the run ID (or a unique prefix) printed by fvp_pipeline, fvp_step, fvp_exec or fvp_runs.`,
	}, h.inspectHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "fvp_runs",
		Description: "List recent supervised runs, most recent first.",
	}, h.runsHandler)

	return s
}

// updateWorkspaceFromRoots queries the client for MCP roots and points the
// engine at the first file root, reloading its configuration.
// This is called during session initialization, before any tool calls.
func (h *handler) updateWorkspaceFromRoots(ctx context.Context, session *mcp.ServerSession) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roots, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil || len(roots.Roots) == 0 {
		return
	}

	u, err := url.Parse(roots.Roots[0].URI)
	if err != nil || u.Scheme != "file" {
		return
	}
	if err := h.useWorkspace(u.Path); err != nil {
		h.log.Warn("ignoring workspace root", zap.String("root", u.Path), zap.Error(err))
	}
}

// useWorkspace reloads the configuration found from workspace and points
// the engine and the run store at its working directory. Only the
// configuration file and FVPCTL_DIR apply to the new workspace; flags given
// to "fvpctl mcp" are not reapplied.
func (h *handler) useWorkspace(workspace string) error {
	loaded, err := config.Load(workspace)
	if err != nil {
		return err
	}

	h.run.Lock()
	defer h.run.Unlock()
	h.engine.Config = loaded.Config
	h.engine.Workspace = workspace
	h.engine.RepoRoot = loaded.RepoRoot

	store := report.NewLRUStore(recordCacheSize, report.NewDiskStore(h.engine.Layout().Runs))
	h.engine.Store = store
	h.store = store
	h.log.Info("workspace updated from client roots", zap.String("repo_root", loaded.RepoRoot))
	return nil
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
