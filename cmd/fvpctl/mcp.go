package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	fvpmcp "github.com/deixis/fvpctl/internal/mcp"
)

var (
	mcpHTTPAddr     string
	mcpInstructions bool
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server",
	Long: `Serve the fvpctl tools over the Model Context Protocol, on stdio by
default or over streamable HTTP with --http. The HTTP server also exposes
the run metrics at /metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if mcpInstructions {
			fmt.Fprint(cmd.OutOrStdout(), fvpmcp.Instructions)
			return nil
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		server := fvpmcp.NewServer(a.engine, a.store)
		if mcpHTTPAddr != "" {
			return serveHTTP(cmd.Context(), a, server, mcpHTTPAddr)
		}

		// stdout carries the protocol; mirror tool output to stderr.
		a.engine.Runner.Stdout = os.Stderr
		a.engine.Runner.Stderr = os.Stderr
		return server.Run(cmd.Context(), &mcpsdk.StdioTransport{})
	},
}

func init() {
	mcpCmd.Flags().StringVar(&mcpHTTPAddr, "http", "", "start HTTP server on address (e.g. :9090)")
	mcpCmd.Flags().BoolVar(&mcpInstructions, "instructions", false, "print model instructions and exit")
}

func serveHTTP(ctx context.Context, a *app, server *mcpsdk.Server, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.recorder.Handler())
	mux.Handle("/", mcpsdk.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcpsdk.Server { return server },
		nil,
	))

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	a.log.Info("listening", zap.String("addr", addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
