// Package binding exposes the continuation manager to MCP clients. Each tool
// call is forwarded to the facade over IPC and its result code is translated
// to the external business code applications see.
package binding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/AltairaLabs/continuation-manager/internal/config"
	"github.com/AltairaLabs/continuation-manager/internal/continuationmgr"
	"github.com/AltairaLabs/continuation-manager/internal/ipc"
	"github.com/AltairaLabs/continuation-manager/internal/types"
)

// Facade is the part of the continuation manager the tools drive.
// *continuationmgr.Proxy implements it.
type Facade interface {
	Register(ctx context.Context, params *types.ContinuationExtraParams) (int32, error)
	Unregister(ctx context.Context, token int32) error
	RegisterDeviceSelectionCallback(ctx context.Context, token int32, cbType string, notifier ipc.RemoteObject) error
	UnregisterDeviceSelectionCallback(ctx context.Context, token int32, cbType string) error
	UpdateConnectStatus(ctx context.Context, token int32, deviceID string, status types.DeviceConnectStatus) error
	StartDeviceManager(ctx context.Context, token int32, params *types.ContinuationExtraParams) error
}

// Server is the MCP front of the continuation manager
type Server struct {
	mcp      *server.MCPServer
	facade   Facade
	logger   *slog.Logger
	registry *Registry
	box      *inbox

	mu        sync.Mutex
	notifiers map[int32]*ipc.LocalObject
	sse       *server.SSEServer
	shutdown  bool
}

// NewServer creates the MCP server and registers every tool and resource
func NewServer(cfg config.BindingConfig, facade Facade, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcp: server.NewMCPServer(
			cfg.Name,
			cfg.Version,
			server.WithToolCapabilities(true),
			server.WithResourceCapabilities(false, false),
			server.WithRecovery(),
		),
		facade:    facade,
		logger:    logger,
		box:       newInbox(),
		notifiers: make(map[int32]*ipc.LocalObject),
	}
	s.registry = NewRegistry(map[string]HandlerFunc{
		config.ToolRegister:            s.handleRegister,
		config.ToolUnregister:          s.handleUnregister,
		config.ToolOn:                  s.handleOn,
		config.ToolOff:                 s.handleOff,
		config.ToolUpdateConnectStatus: s.handleUpdateConnectStatus,
		config.ToolStartDeviceManager:  s.handleStartDeviceManager,
		config.ToolPollEvents:          s.handlePollEvents,
	})
	s.registerTools()
	s.registerResources()
	return s
}

// MCP returns the underlying mcp-go server
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// Serve runs the server over stdio until the input closes
func (s *Server) Serve() error {
	s.logger.Info("Starting MCP binding with stdio transport")
	return server.ServeStdio(s.mcp)
}

// ServeHTTP runs the server over HTTP/SSE on addr until Shutdown
func (s *Server) ServeHTTP(addr string) error {
	s.logger.Info("Starting MCP binding with HTTP/SSE transport", "address", addr, "base_path", "/mcp")
	sse := server.NewSSEServer(s.mcp,
		server.WithBaseURL("http://"+addr),
		server.WithStaticBasePath("/mcp"),
	)
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.sse = sse
	s.mu.Unlock()
	if err := sse.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP/SSE transport. It is a no-op in stdio mode.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	sse := s.sse
	s.mu.Unlock()
	if sse == nil {
		return nil
	}
	return sse.Shutdown(ctx)
}

// notifierFor returns the notifier object delivering token's events,
// creating it on first use
func (s *Server) notifierFor(token int32) *ipc.LocalObject {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.notifiers[token]; ok {
		return n
	}
	n := continuationmgr.NewDeviceSelectionNotifierObject(listener{token: token, box: s.box}, s.logger)
	s.notifiers[token] = n
	return n
}

func (s *Server) dropToken(token int32) {
	s.mu.Lock()
	delete(s.notifiers, token)
	s.mu.Unlock()
	s.box.forget(token)
}

func (s *Server) registerTools() {
	add := func(tool mcp.Tool) {
		h, err := s.registry.Handler(tool.Name)
		if err != nil {
			panic(fmt.Sprintf("Tool %s not found in registry", tool.Name))
		}
		s.mcp.AddTool(tool, server.ToolHandlerFunc(h))
	}

	add(mcp.NewTool(config.ToolRegister,
		mcp.WithDescription("Register for continuation and receive a token"),
		mcp.WithString(argExtraParams,
			mcp.Description("Optional ContinuationExtraParams as a JSON object"),
		),
	))
	add(mcp.NewTool(config.ToolUnregister,
		mcp.WithDescription("Release a token and its callbacks"),
		tokenArg(),
	))
	add(mcp.NewTool(config.ToolOn,
		mcp.WithDescription("Subscribe a token to device selection events"),
		tokenArg(),
		mcp.WithString(argType,
			mcp.Required(),
			mcp.Description("Event type: connect or disconnect"),
			mcp.Enum(types.EventConnect, types.EventDisconnect, "deviceConnect", "deviceDisconnect"),
		),
	))
	add(mcp.NewTool(config.ToolOff,
		mcp.WithDescription("Unsubscribe a token from device selection events"),
		tokenArg(),
		mcp.WithString(argType,
			mcp.Required(),
			mcp.Description("Event type: connect or disconnect"),
			mcp.Enum(types.EventConnect, types.EventDisconnect, "deviceConnect", "deviceDisconnect"),
		),
	))
	add(mcp.NewTool(config.ToolUpdateConnectStatus,
		mcp.WithDescription("Report the connection state of a selected device"),
		tokenArg(),
		mcp.WithString(argDeviceID,
			mcp.Required(),
			mcp.Description("Identifier of the selected device"),
		),
		mcp.WithNumber(argStatus,
			mcp.Required(),
			mcp.Description("DeviceConnectState: 0 IDLE, 1 CONNECTING, 2 CONNECTED, 3 DISCONNECTING"),
		),
	))
	add(mcp.NewTool(config.ToolStartDeviceManager,
		mcp.WithDescription("Open the device selection panel for a token"),
		tokenArg(),
		mcp.WithString(argExtraParams,
			mcp.Description("Optional ContinuationExtraParams as a JSON object"),
		),
	))
	add(mcp.NewTool(config.ToolPollEvents,
		mcp.WithDescription("Drain device selection events delivered to a token"),
		tokenArg(),
	))
}

func tokenArg() mcp.ToolOption {
	return mcp.WithNumber(argToken,
		mcp.Required(),
		mcp.Description("Token returned by continuation.register"),
	)
}
