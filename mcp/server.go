package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/tether/logger"
	"github.com/zhubert/tether/permission"
)

// ChannelSendTimeout bounds handing a request to the TUI channel. If the TUI
// is not consuming requests at all, the CLI gets a deny instead of a hang.
// The wait for the user's decision itself has no timeout.
const ChannelSendTimeout = 10 * time.Second

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "tether-permission"
	ServerVersion   = "1.0.0"
	ToolName        = "permission"
)

// Server implements the MCP side of the permission bridge: a JSON-RPC server
// over stdio exposing a single permission tool to the Claude CLI.
type Server struct {
	reader       *bufio.Reader
	writer       io.Writer
	requestChan  chan<- PermissionRequest  // Relay permission requests toward the TUI
	responseChan <-chan PermissionResponse // Receive decisions back
	allowedTools []string                  // Pre-allowed tools for this session
	mu           sync.Mutex
	log          *slog.Logger
}

// NewServer creates a new MCP server
func NewServer(r io.Reader, w io.Writer, reqChan chan<- PermissionRequest, respChan <-chan PermissionResponse, allowedTools []string, sessionID string) *Server {
	return &Server{
		reader:       bufio.NewReader(r),
		writer:       w,
		requestChan:  reqChan,
		responseChan: respChan,
		allowedTools: allowedTools,
		log:          logger.WithSession(sessionID).With("component", "mcp"),
	}
}

// Run starts the MCP server loop. Returns on EOF (the CLI closed our stdin)
// or a read error.
func (s *Server) Run() error {
	s.log.Info("server starting")

	for {
		line, err := s.reader.ReadString('\n')
		if err == io.EOF {
			s.log.Info("EOF received, shutting down")
			return nil
		}
		if err != nil {
			s.log.Error("read error", "error", err)
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var req JSONRPCRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.log.Error("JSON parse error", "error", err)
			s.sendError(nil, -32700, "Parse error", nil)
			continue
		}

		s.handleRequest(&req)
	}
}

func (s *Server) handleRequest(req *JSONRPCRequest) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "initialized", "notifications/initialized":
		// Notification, no response needed
		s.log.Debug("initialized notification received")
	case "tools/list":
		s.handleToolsList(req)
	case "tools/call":
		s.handleToolsCall(req)
	default:
		s.log.Warn("unknown method", "method", req.Method)
		s.sendError(req.ID, -32601, "Method not found", nil)
	}
}

func (s *Server) handleInitialize(req *JSONRPCRequest) {
	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: Capability{
			Tools: &ToolCapability{},
		},
		ServerInfo: ServerInfo{
			Name:    ServerName,
			Version: ServerVersion,
		},
		Instructions: "This server handles permission prompts for Claude Code sessions.",
	}

	s.sendResult(req.ID, result)
}

func (s *Server) handleToolsList(req *JSONRPCRequest) {
	tools := []ToolDefinition{
		{
			Name:        ToolName,
			Description: "Handle permission prompts for Claude Code operations",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"tool_name": {
						Type:        "string",
						Description: "The tool requesting permission (e.g., Edit, Bash, Read)",
					},
					"input": {
						Type:        "object",
						Description: "The arguments to the tool",
					},
				},
				Required: []string{"tool_name"},
			},
		},
	}

	s.sendResult(req.ID, ToolsListResult{Tools: tools})
}

func (s *Server) handleToolsCall(req *JSONRPCRequest) {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.log.Error("failed to parse tool call params", "error", err)
		s.sendError(req.ID, -32602, "Invalid params", nil)
		return
	}

	if params.Name != ToolName {
		s.log.Warn("unknown tool", "tool", params.Name)
		s.sendError(req.ID, -32602, "Unknown tool", nil)
		return
	}

	s.handlePermissionToolCall(req, params)
}

func (s *Server) handlePermissionToolCall(req *JSONRPCRequest, params ToolCallParams) {
	// The CLI sends: tool_name, input, tool_use_id
	var tool, toolUseID string
	var arguments map[string]any

	if toolName, ok := params.Arguments["tool_name"].(string); ok {
		tool = toolName
	}
	if id, ok := params.Arguments["tool_use_id"].(string); ok {
		toolUseID = id
	}
	if input, ok := params.Arguments["input"].(map[string]any); ok {
		arguments = input
	}
	if tool == "" {
		tool = "Operation"
	}
	description := permission.Describe(tool, arguments)

	s.log.Info("permission request", "tool", tool, "description", description)

	// Check if tool is pre-allowed
	if s.isToolAllowed(tool) {
		s.log.Debug("tool is pre-allowed", "tool", tool)
		s.sendPermissionResult(req.ID, true, arguments, "")
		return
	}

	permReq := PermissionRequest{
		ID:          req.ID,
		Tool:        tool,
		ToolUseID:   toolUseID,
		Description: description,
		Arguments:   arguments,
	}

	// Hand off toward the TUI with a timeout so an unresponsive TUI cannot
	// deadlock the CLI
	select {
	case s.requestChan <- permReq:
		s.log.Debug("waiting for decision")
	case <-time.After(ChannelSendTimeout):
		s.log.Warn("timeout sending permission request to TUI")
		s.sendPermissionResult(req.ID, false, arguments, "TUI not responding")
		return
	}

	// A human resolves every prompt, so this wait is unbounded. A stopped
	// session closes the relay, which surfaces here as a deny response.
	resp := <-s.responseChan
	s.log.Info("received decision", "allowed", resp.Allowed, "always", resp.Always)

	if resp.Always {
		s.addAllowedTool(tool)
	}

	s.sendPermissionResult(req.ID, resp.Allowed, arguments, resp.Message)
}

func (s *Server) isToolAllowed(tool string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, allowed := range s.allowedTools {
		if allowed == "*" {
			return true
		}
		if allowed == tool {
			return true
		}
		// Handle pattern matching (e.g., "Bash(git:*)")
		if strings.HasPrefix(allowed, tool+"(") {
			return true
		}
	}
	return false
}

// addAllowedTool remembers a tool the user always-allowed so later calls in
// this session skip the prompt entirely.
func (s *Server) addAllowedTool(tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.Contains(s.allowedTools, tool) {
		return
	}
	s.allowedTools = append(s.allowedTools, tool)
}

func (s *Server) sendPermissionResult(id any, allowed bool, args map[string]any, message string) {
	var result PermissionResult
	if allowed {
		result = PermissionResult{
			Behavior:     "allow",
			UpdatedInput: args,
		}
	} else {
		result = PermissionResult{
			Behavior: "deny",
			Message:  message,
		}
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		s.log.Error("failed to marshal permission result", "error", err)
		s.sendResult(id, ToolCallResult{
			Content: []ContentItem{{
				Type: "text",
				Text: `{"behavior":"deny","message":"internal error: failed to marshal result"}`,
			}},
		})
		return
	}

	s.sendResult(id, ToolCallResult{
		Content: []ContentItem{{
			Type: "text",
			Text: string(resultJSON),
		}},
	})
}

func (s *Server) sendResult(id any, result any) {
	s.send(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (s *Server) sendError(id any, code int, message string, data any) {
	s.send(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &RPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}

func (s *Server) send(resp JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.writer, "%s\n", data); err != nil {
		s.log.Error("failed to write response", "error", err)
	}
}
