package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zhubert/tether/logger"
	"github.com/zhubert/tether/mcp"
)

// runMCPServer speaks MCP over stdin/stdout to the backend CLI and relays
// permission tool calls over the Unix socket to the Runner that spawned it.
// It exits when the backend closes stdin.
func runMCPServer(args []string) int {
	fs := flag.NewFlagSet("mcp-server", flag.ContinueOnError)
	socketPath := fs.String("socket", "", "unix socket path of the owning session")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *socketPath == "" {
		fmt.Fprintln(os.Stderr, "tether mcp-server: --socket is required")
		return 2
	}

	sessionID := sessionIDFromSocket(*socketPath)
	if logPath, err := logger.MCPLogPath(sessionID); err == nil {
		logger.Init(logPath)
	}
	defer logger.Close()
	log := logger.WithSession(sessionID).With("component", "mcp-server")

	client, err := mcp.NewSocketClient(*socketPath)
	if err != nil {
		log.Error("socket connect failed", "path", *socketPath, "error", err)
		fmt.Fprintf(os.Stderr, "tether mcp-server: %v\n", err)
		return 1
	}
	defer client.Close()

	pair := mcp.NewChannelPair[mcp.PermissionRequest, mcp.PermissionResponse](1)
	var wg sync.WaitGroup
	mcp.ForwardRequests(&wg, pair.Req, pair.Resp,
		client.SendPermissionRequest,
		func(req mcp.PermissionRequest) mcp.PermissionResponse {
			return mcp.PermissionResponse{ID: req.ID, Allowed: false, Message: "permission relay unavailable"}
		},
	)

	srv := mcp.NewServer(os.Stdin, os.Stdout, pair.Req, pair.Resp, nil, sessionID)
	runErr := srv.Run()
	pair.Close()
	wg.Wait()
	if runErr != nil {
		log.Error("server exited", "error", runErr)
		return 1
	}
	return 0
}

// sessionIDFromSocket recovers the abbreviated session id embedded in the
// socket filename, for log correlation only.
func sessionIDFromSocket(path string) string {
	name := filepath.Base(path)
	name = strings.TrimPrefix(name, "te-")
	return strings.TrimSuffix(name, ".sock")
}
