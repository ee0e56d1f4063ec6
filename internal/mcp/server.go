package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"tourdebug-mcp-server/internal/browser"
	"tourdebug-mcp-server/internal/config"
	"tourdebug-mcp-server/internal/host"
	"tourdebug-mcp-server/internal/mangle"
	"tourdebug-mcp-server/internal/panel"
	"tourdebug-mcp-server/internal/recorder"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Deps are the runtime components the tools drive. Any of them may be nil;
// tools that need a missing component report it as an error.
type Deps struct {
	Sessions *browser.SessionManager
	Host     *host.Host
	Panel    *panel.Controller
	Engine   *mangle.Engine
	Recorder *recorder.Recorder
}

// Server wires the MCP runtime to the session manager, the per-tab hosts and
// the tour panel.
type Server struct {
	cfg       config.Config
	deps      Deps
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the tour debugger MCP server and registers all tools.
func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		deps:      deps,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start launches the stdio server.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Printf("SSE server shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly (used by the CLI and tests).
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(ctx, args)
}

// ToolNames lists the registered tools.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	return names
}

func (s *Server) registerAllTools() {
	var sender panel.Sender
	if s.deps.Host != nil {
		sender = s.deps.Host
	}

	// Browser session management
	s.registerTool(&LaunchBrowserTool{sessions: s.deps.Sessions})
	s.registerTool(&ShutdownBrowserTool{sessions: s.deps.Sessions})
	s.registerTool(&ListSessionsTool{sessions: s.deps.Sessions})
	s.registerTool(&CreateSessionTool{sessions: s.deps.Sessions, startURL: s.cfg.Browser.StartURL})
	s.registerTool(&AttachSessionTool{sessions: s.deps.Sessions})
	s.registerTool(&SelectSessionTool{sessions: s.deps.Sessions})
	s.registerTool(&CloseSessionTool{sessions: s.deps.Sessions})

	// Tour panel
	s.registerTool(&TourStatusTool{panel: s.deps.Panel})
	s.registerTool(&TourActionTool{panel: s.deps.Panel})
	s.registerTool(&PollActiveTourTool{panel: s.deps.Panel})
	s.registerTool(&EnableDebugTool{panel: s.deps.Panel})
	s.registerTool(&PageActionTool{sender: sender})

	// Selector inspection
	s.registerTool(&CheckSelectorTool{sender: sender})
	s.registerTool(&HighlightSelectorTool{sender: sender})
	s.registerTool(&PickSelectorTool{sender: sender})
	s.registerTool(&CancelPickTool{sender: sender})

	// Facts and traces
	s.registerTool(&QueryFactsTool{engine: s.deps.Engine})
	s.registerTool(&ReadFactsTool{engine: s.deps.Engine})
	s.registerTool(&SubmitRuleTool{engine: s.deps.Engine})
	s.registerTool(&BlockedToursTool{engine: s.deps.Engine})
	s.registerTool(&AwaitFactTool{engine: s.deps.Engine})
	s.registerTool(&ReadTraceTool{recorder: s.deps.Recorder})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
