package mcp

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zhubert/tether/logger"
)

// Socket communication constants
const (
	// SocketReadTimeout is the poll interval for reading from the socket.
	// Read deadlines fire regularly so handlers can notice a closed server.
	SocketReadTimeout = 10 * time.Second

	// SocketWriteTimeout bounds writes so the MCP subprocess cannot block
	// indefinitely if the TUI becomes unresponsive.
	SocketWriteTimeout = 10 * time.Second
)

// MessageType identifies the type of socket message
type MessageType string

// MessageTypePermission is the only message the bridge carries.
const MessageTypePermission MessageType = "permission"

// SocketMessage wraps a permission request or response on the wire.
type SocketMessage struct {
	Type     MessageType         `json:"type"`
	PermReq  *PermissionRequest  `json:"permReq,omitempty"`
	PermResp *PermissionResponse `json:"permResp,omitempty"`
}

// SocketServer runs in the TUI process and listens for permission requests
// from the MCP server subprocess.
type SocketServer struct {
	socketPath string
	listener   net.Listener
	requestCh  chan<- PermissionRequest
	responseCh <-chan PermissionResponse
	done       <-chan struct{} // Closed when the session stops; unblocks decision waits

	closed   bool
	closedMu sync.RWMutex
	wg       sync.WaitGroup
	readyCh  chan struct{}
	log      *slog.Logger
}

// SocketPath returns the socket path a session's server listens on.
// The session ID is abbreviated to keep the path under the Unix socket
// length limit (~104 chars); 12 hex chars make collisions negligible.
func SocketPath(sessionID string) string {
	shortID := sessionID
	if len(shortID) > 12 {
		shortID = shortID[:12]
	}
	return filepath.Join(os.TempDir(), "te-"+shortID+".sock")
}

// NewSocketServer creates a socket server for the given session. done is
// closed when the session stops; any in-flight decision wait then resolves
// as a deny so the subprocess never hangs.
func NewSocketServer(sessionID string, reqCh chan<- PermissionRequest, respCh <-chan PermissionResponse, done <-chan struct{}) (*SocketServer, error) {
	socketPath := SocketPath(sessionID)
	log := logger.WithSession(sessionID).With("component", "mcp-socket")

	// Remove existing socket if present
	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}

	log.Info("listening", "socketPath", socketPath)

	return &SocketServer{
		socketPath: socketPath,
		listener:   listener,
		requestCh:  reqCh,
		responseCh: respCh,
		done:       done,
		readyCh:    make(chan struct{}),
		log:        log,
	}, nil
}

// Path returns the socket path this server listens on.
func (s *SocketServer) Path() string {
	return s.socketPath
}

// Start runs the accept loop in a goroutine.
func (s *SocketServer) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *SocketServer) run() {
	defer s.wg.Done()

	close(s.readyCh)

	for {
		if s.isClosed() {
			s.log.Info("server closed, stopping accept loop")
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() {
				s.log.Info("listener closed during shutdown, stopping")
				return
			}
			if opErr, ok := err.(*net.OpError); ok && opErr.Err.Error() == "use of closed network connection" {
				s.log.Info("listener closed, stopping")
				return
			}
			s.log.Warn("accept error (continuing)", "error", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *SocketServer) isClosed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

func (s *SocketServer) handleConnection(conn net.Conn) {
	defer conn.Close()
	s.log.Debug("connection accepted")

	reader := bufio.NewReader(conn)

	for {
		if s.isClosed() {
			return
		}

		conn.SetReadDeadline(time.Now().Add(SocketReadTimeout))

		line, err := reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// Deadline poll: loop around and re-check closed
				continue
			}
			s.log.Debug("read error, closing handler", "error", err)
			return
		}

		var msg SocketMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.log.Error("JSON parse error", "error", err)
			continue
		}

		switch msg.Type {
		case MessageTypePermission:
			s.handlePermissionMessage(conn, msg.PermReq)
		default:
			s.log.Warn("unknown message type", "type", msg.Type)
		}
	}
}

func (s *SocketServer) handlePermissionMessage(conn net.Conn, req *PermissionRequest) {
	if req == nil {
		s.log.Warn("nil permission request, sending deny response")
		s.sendPermissionResponse(conn, PermissionResponse{
			Allowed: false,
			Message: "Invalid permission request",
		})
		return
	}

	s.log.Info("received permission request", "tool", req.Tool)

	// Hand off to the session worker; a guard timeout covers the case where
	// nothing is consuming the channel
	select {
	case s.requestCh <- *req:
	case <-s.done:
		s.sendPermissionResponse(conn, PermissionResponse{
			ID:      req.ID,
			Allowed: false,
			Message: "Session stopped",
		})
		return
	case <-time.After(SocketReadTimeout):
		s.log.Warn("timeout sending permission request to session worker")
		s.sendPermissionResponse(conn, PermissionResponse{
			ID:      req.ID,
			Allowed: false,
			Message: "Session not responding",
		})
		return
	}

	// The decision wait is unbounded: only the user or session shutdown
	// resolves it
	select {
	case resp := <-s.responseCh:
		s.sendPermissionResponse(conn, resp)
		s.log.Info("sent permission response", "allowed", resp.Allowed)
	case <-s.done:
		s.log.Info("session stopped with decision pending, denying")
		s.sendPermissionResponse(conn, PermissionResponse{
			ID:      req.ID,
			Allowed: false,
			Message: "Session stopped",
		})
	}
}

func (s *SocketServer) sendPermissionResponse(conn net.Conn, resp PermissionResponse) {
	msg := SocketMessage{Type: MessageTypePermission, PermResp: &resp}

	respJSON, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("failed to marshal response", "error", err)
		return
	}

	conn.SetWriteDeadline(time.Now().Add(SocketWriteTimeout))
	if _, err := conn.Write(append(respJSON, '\n')); err != nil {
		s.log.Error("write error", "error", err)
	}
}

// Close shuts down the server and removes the socket file. Safe to call
// once the session is done with permission traffic.
func (s *SocketServer) Close() error {
	s.log.Info("closing socket server")

	// Mark closed before closing the listener so run() exits cleanly
	s.closedMu.Lock()
	s.closed = true
	s.closedMu.Unlock()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	// Wait for run() so the socket file is not removed while in use
	s.wg.Wait()

	if removeErr := os.Remove(s.socketPath); removeErr != nil && !os.IsNotExist(removeErr) {
		s.log.Warn("failed to remove socket file", "socketPath", s.socketPath, "error", removeErr)
	}

	return err
}

// SocketClient connects the MCP subprocess back to the TUI's socket server.
type SocketClient struct {
	socketPath string
	conn       net.Conn
	reader     *bufio.Reader
}

// NewSocketClient creates a client connected to the TUI socket
func NewSocketClient(socketPath string) (*SocketClient, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}

	return &SocketClient{
		socketPath: socketPath,
		conn:       conn,
		reader:     bufio.NewReader(conn),
	}, nil
}

// SendPermissionRequest relays one request and blocks until the TUI answers.
// No read deadline: the user decides on their own time.
func (c *SocketClient) SendPermissionRequest(req PermissionRequest) (PermissionResponse, error) {
	msg := SocketMessage{Type: MessageTypePermission, PermReq: &req}

	reqJSON, err := json.Marshal(msg)
	if err != nil {
		return PermissionResponse{}, err
	}

	c.conn.SetWriteDeadline(time.Now().Add(SocketWriteTimeout))
	if _, err := c.conn.Write(append(reqJSON, '\n')); err != nil {
		return PermissionResponse{}, err
	}

	c.conn.SetReadDeadline(time.Time{})
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return PermissionResponse{}, err
	}

	var respMsg SocketMessage
	if err := json.Unmarshal([]byte(line), &respMsg); err != nil {
		return PermissionResponse{}, err
	}
	if respMsg.PermResp == nil {
		return PermissionResponse{Allowed: false, Message: "malformed response"}, nil
	}

	return *respMsg.PermResp, nil
}

// Close closes the client connection.
func (c *SocketClient) Close() error {
	return c.conn.Close()
}
