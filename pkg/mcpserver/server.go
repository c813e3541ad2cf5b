// Package mcpserver exposes the registered tasks as MCP tools. A tool call
// submits a run and blocks until its payload is available.
package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/wilhg/geotask/pkg/errmodel"
	"github.com/wilhg/geotask/pkg/taskq"
)

// Server wraps an MCP server bound to a task runtime.
type Server struct {
	srv    *mcp.Server
	rt     *taskq.Runtime
	logger *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New registers one tool per task currently known to rt.
func New(rt *taskq.Runtime, version string, opts ...Option) *Server {
	s := &Server{
		srv:    mcp.NewServer(&mcp.Implementation{Name: "geotask", Version: version}, nil),
		rt:     rt,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, name := range rt.Names() {
		t, _ := rt.Lookup(name)
		schema := json.RawMessage(t.Schema)
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		s.srv.AddTool(&mcp.Tool{Name: t.Name, Description: t.Description, InputSchema: schema}, s.handler(t.Name))
	}
	return s
}

func (s *Server) handler(task string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		h, err := s.rt.Submit(ctx, task, req.Params.Arguments)
		if err != nil {
			// rejected arguments are a tool error the caller can act on
			return errorResult(errmodel.From(err).Message), nil
		}
		p, runErr := h.Await(ctx)
		if runErr != nil && p.Error == "" {
			return nil, runErr
		}
		raw, err := p.MarshalJSON()
		if err != nil {
			return nil, err
		}
		s.logger.Info("mcp task call", zap.String("task", task), zap.String("run_id", h.RunID), zap.Bool("failed", p.Failed()))
		return &mcp.CallToolResult{
			Content:           []mcp.Content{&mcp.TextContent{Text: string(raw)}},
			StructuredContent: json.RawMessage(raw),
			IsError:           p.Failed(),
		}, nil
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: msg}}, IsError: true}
}

// Handler serves the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.srv }, nil)
}

// RunStdio serves one client over stdin/stdout until ctx is done or the
// client disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.srv.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves a single pre-established transport.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.srv.Connect(ctx, t, nil)
}
