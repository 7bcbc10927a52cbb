package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cruxlabs/crux/agent"
	"github.com/cruxlabs/crux/session"
	"github.com/cruxlabs/crux/tools"
)

// Run starts the Agent Client Protocol server over stdio using JSON-RPC.
// It implements a minimal subset of ACP:
// - initialize
// - session/new
// - session/load
// - session/prompt (emits session/update notifications with agent_message_chunk, tool_call, and tool_result)
// Notes:
// - Nothing but JSON-RPC messages is ever written to stdout; diagnostics go to the trace file.
// - Messages are newline-delimited JSON objects rather than Content-Length framed.
// - ACP sessions run with approvals auto-resolved; the editor client owns its own confirmation UX.
func Run(ctx context.Context, cruxAgent *agent.Agent, in *bufio.Reader, out *bufio.Writer, traceFlag *bool) error {
	var traceFile *os.File
	trace := func(msg string) {} // Do nothing by default
	if *traceFlag {
		traceFile, _ = os.OpenFile("acp.trace", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		defer traceFile.Close()
		trace = func(msg string) {
			if traceFile != nil {
				fmt.Fprintf(traceFile, "[%s] %s\n", time.Now().Format("15:04:05.000"), msg)
			}
		}
	}

	trace("Run: starting ACP server")
	server := &acpServer{
		ctx:          ctx,
		agent:        cruxAgent,
		sessions:     make(map[string]*session.Session),
		sessionIDSeq: 0,
		StdinReader:  in,
		StdoutWriter: out,
		writeLock:    &sync.Mutex{},
		trace:        trace,
	}

	for {
		payload, err := server.readFramedMessage()
		if err != nil {
			if err == io.EOF {
				trace("Run: EOF received, exiting")
				return nil
			}
			// If framing is broken, there isn't a safe way to continue.
			trace(fmt.Sprintf("Run: read error: %v", err))
			return fmt.Errorf("ACP: read error: %w", err)
		}
		if len(payload) == 0 {
			continue
		}

		trace(fmt.Sprintf("Run: received payload: %s", string(payload)))
		var req jsonrpcRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			trace(fmt.Sprintf("Run: JSON parse error: %v", err))
			_ = server.writeResponseError(nil, -32700, "Parse error", nil)
			continue
		}

		trace(fmt.Sprintf("Run: dispatching method: %s with ID: %v", req.Method, req.ID))
		switch req.Method {
		case "initialize":
			server.handleInitialize(&req)
		case "session/new":
			server.handleSessionNew(&req)
		case "session/load":
			server.handleSessionLoad(&req)
		case "session/prompt":
			server.handleSessionPrompt(&req)
		case "session/cancel":
			server.handleSessionCancel(&req)
		default:
			trace("Run: method not found")
			_ = server.writeResponseError(req.ID, -32601, "Method not found", nil)
		}
	}
}

// ---- Minimal ACP handling types ----

// jsonrpcRequest represents a JSON-RPC 2.0 request message
type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonrpcResponse represents a JSON-RPC 2.0 response message
type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

// jsonrpcError represents a JSON-RPC 2.0 error object
type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ---- acpServer ----

// acpServer holds the state of one ACP server instance: the agent, the
// sessions it created or loaded, and the framed stdio transport.
type acpServer struct {
	ctx          context.Context
	agent        *agent.Agent
	sessions     map[string]*session.Session
	sessionsLock sync.Mutex
	sessionIDSeq int64

	StdinReader  *bufio.Reader
	StdoutWriter *bufio.Writer
	writeLock    *sync.Mutex
	trace        func(string)
}

// readFramedMessage reads a single newline-delimited JSON-RPC payload.
func (s *acpServer) readFramedMessage() ([]byte, error) {
	line, _, err := s.StdinReader.ReadLine()
	if err != nil {
		return nil, err
	}
	s.trace(fmt.Sprintf("readFramedMessage: read message of length %d: %s", len(line), string(line)))
	return line, nil
}

// writeFramedJSON serializes and writes one newline-delimited JSON-RPC
// message to stdout.
func (s *acpServer) writeFramedJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to serialize JSON-RPC message: %w", err)
	}
	s.trace(fmt.Sprintf("writeFramedJSON: %s", string(data)))

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.StdoutWriter.Write(data); err != nil {
		return err
	}
	// The trailing newline tells the client the message is complete.
	if _, err := s.StdoutWriter.WriteString("\n"); err != nil {
		return err
	}
	return s.StdoutWriter.Flush()
}

// writeResponseOK sends a successful JSON-RPC response with the given result
func (s *acpServer) writeResponseOK(id any, result json.RawMessage) error {
	resp := jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
	return s.writeFramedJSON(resp)
}

// writeResponseError sends a JSON-RPC error response with the specified error code and message
func (s *acpServer) writeResponseError(id any, code int, msg string, data any) error {
	s.trace(fmt.Sprintf("writeResponseError: code=%d, msg=%s, data=%+v", code, msg, data))
	resp := jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &jsonrpcError{
			Code:    code,
			Message: msg,
			Data:    data,
		},
	}
	return s.writeFramedJSON(resp)
}

// writeNotification sends a JSON-RPC notification (request without an ID)
func (s *acpServer) writeNotification(method string, params any) error {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	}
	return s.writeFramedJSON(msg)
}

// decodeParams remarshals the loosely-typed params field into a concrete
// params struct.
func decodeParams(params any, dst any) error {
	b, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// ---- Handlers ----

// handleInitialize processes the initialize request from the ACP client.
// It returns the protocol version and agent capabilities: session loading is
// supported; audio, embedded context, and image prompts are not.
func (s *acpServer) handleInitialize(req *jsonrpcRequest) {
	type initParams struct {
		ProtocolVersion int             `json:"protocolVersion"`
		ClientCaps      json.RawMessage `json:"clientCapabilities,omitempty"`
	}

	var p initParams
	if err := decodeParams(req.Params, &p); err != nil {
		s.trace(fmt.Sprintf("handleInitialize: params decode error: %v", err))
	}

	// Minimal: we support v1
	resp := map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	}
	respBytes, err := json.Marshal(resp)
	if err != nil {
		s.trace(fmt.Sprintf("handleInitialize: marshal error: %v", err))
	}

	s.trace(fmt.Sprintf("handleInitialize: sending response: %s", string(respBytes)))
	_ = s.writeResponseOK(req.ID, json.RawMessage(respBytes))
}

// handleSessionNew creates a new session with a unique ID, seeded with the
// agent's configuration metadata, and returns the session ID to the client.
func (s *acpServer) handleSessionNew(req *jsonrpcRequest) {
	type sessionNewParams struct {
		Cwd        string          `json:"cwd"`
		McpServers json.RawMessage `json:"mcpServers"`
	}
	var p sessionNewParams
	if err := decodeParams(req.Params, &p); err != nil {
		s.trace(fmt.Sprintf("handleSessionNew: params decode error: %v", err))
	}

	sid := s.nextSessionID()
	sess, err := session.New(sid)
	if err != nil {
		s.trace(fmt.Sprintf("handleSessionNew: failed to create session: %v", err))
		_ = s.writeResponseError(req.ID, -32603, "Internal error", fmt.Sprintf("failed to create session: %v", err))
		return
	}

	sess.Mode = s.agent.Session.Mode
	sess.Toolset = s.agent.Session.Toolset
	sess.ToolVerbosity = s.agent.Session.ToolVerbosity
	// ACP sessions never block on a terminal approval prompt.
	sess.Acp = true

	s.sessionsLock.Lock()
	s.sessions[sid] = sess
	s.sessionsLock.Unlock()

	respBytes, err := json.Marshal(map[string]any{"sessionId": sid})
	if err != nil {
		s.trace(fmt.Sprintf("handleSessionNew: marshal error: %v", err))
	}
	s.trace(fmt.Sprintf("handleSessionNew: sending response: %s", string(respBytes)))
	_ = s.writeResponseOK(req.ID, json.RawMessage(respBytes))
}

// handleSessionLoad loads an existing session from disk and replays the
// conversation history as session/update notifications: user_message_chunk,
// agent_message_chunk, tool_call and tool_result. Returns null when the
// replay is complete.
func (s *acpServer) handleSessionLoad(req *jsonrpcRequest) {
	type sessionLoadParams struct {
		SessionID  string          `json:"sessionId"`
		Cwd        string          `json:"cwd"`
		McpServers json.RawMessage `json:"mcpServers"`
	}
	var p sessionLoadParams
	if err := decodeParams(req.Params, &p); err != nil {
		s.trace(fmt.Sprintf("handleSessionLoad: params decode error: %v", err))
		_ = s.writeResponseError(req.ID, -32603, "Internal error", fmt.Sprintf("params decode error: %v", err))
		return
	}

	s.trace(fmt.Sprintf("handleSessionLoad: loading session: %s", p.SessionID))
	sess, err := session.Load(p.SessionID)
	if err != nil {
		s.trace(fmt.Sprintf("handleSessionLoad: failed to load session: %v", err))
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", fmt.Sprintf("session not found: %v", err))
		return
	}
	sess.Acp = true

	s.sessionsLock.Lock()
	s.sessions[p.SessionID] = sess
	s.sessionsLock.Unlock()

	s.trace(fmt.Sprintf("handleSessionLoad: replaying %d messages", len(sess.Messages)))
	for _, msg := range sess.Messages {
		switch msg.Role {
		case "user":
			_ = s.writeNotification("session/update", map[string]any{
				"sessionId": p.SessionID,
				"update": map[string]any{
					"sessionUpdate": "user_message_chunk",
					"content": map[string]any{
						"type": "text",
						"text": msg.Content,
					},
				},
			})
		case "assistant":
			if msg.Content != "" {
				_ = s.sendAgentMessageChunk(p.SessionID, msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				_ = s.sendToolCallNotification(p.SessionID, tc)
			}
		case "tool":
			// The result is attributed to the call the message carries.
			if len(msg.ToolCalls) > 0 {
				_ = s.sendToolResultNotification(p.SessionID, msg.ToolCalls[0].ToolCallID, msg.Content)
			}
		}
	}

	_ = s.writeResponseOK(req.ID, json.RawMessage("null"))
}

// handleSessionCancel aborts the in-flight turn, if any. Tool calls already
// started run to completion; everything after the cancellation point is
// skipped and reported as such.
func (s *acpServer) handleSessionCancel(req *jsonrpcRequest) {
	s.trace("handleSessionCancel: aborting in-flight turn")
	s.agent.Abort()
	_ = s.writeResponseOK(req.ID, json.RawMessage("null"))
}

// contentBlock represents a content block in ACP prompt requests. Text and
// resource_link blocks are handled; everything else is ignored.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// ResourceLink fields
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// handleSessionPrompt runs one full agent turn for a session: the user text
// is extracted from the prompt blocks, the turn streams agent_message_chunk,
// tool_call and tool_result notifications as it unfolds, and the response
// reports stopReason end_turn once the agent settles.
func (s *acpServer) handleSessionPrompt(req *jsonrpcRequest) {
	type promptParams struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}

	var p promptParams
	if err := decodeParams(req.Params, &p); err != nil {
		s.trace(fmt.Sprintf("handleSessionPrompt: params decode error: %v", err))
		_ = s.writeResponseError(req.ID, -32603, "Internal error", fmt.Sprintf("params decode error: %v", err))
		return
	}

	s.sessionsLock.Lock()
	sess, ok := s.sessions[p.SessionID]
	s.sessionsLock.Unlock()
	if !ok {
		s.trace("handleSessionPrompt: unknown sessionId")
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", "unknown sessionId")
		return
	}

	userText := extractUserText(p.Prompt)
	s.trace(fmt.Sprintf("handleSessionPrompt: extracted user text from %d blocks: %s", len(p.Prompt), userText))

	callbacks := agent.TurnCallbacks{
		OnAssistantText: func(text string) {
			_ = s.sendAgentMessageChunk(p.SessionID, text)
		},
		OnToolCall: func(call session.ToolCall) {
			_ = s.sendToolCallNotification(p.SessionID, call)
		},
		OnToolResult: func(call session.ToolCall, result *tools.Result) {
			output := ""
			if result != nil {
				output = result.Output
			}
			_ = s.sendToolResultNotification(p.SessionID, call.ToolCallID, output)
		},
		OnNotice: func(text string) {
			_ = s.sendAgentMessageChunk(p.SessionID, text)
		},
	}

	// The turn runs against the requested ACP session; approvals are
	// auto-resolved because the session carries the Acp flag.
	s.agent.Session = sess
	if err := s.agent.SendTurn(s.ctx, userText, callbacks); err != nil {
		s.trace(fmt.Sprintf("handleSessionPrompt: turn failed: %v", err))
		_ = s.writeResponseError(req.ID, -32603, "Internal error", fmt.Sprintf("turn failed: %v", err))
		return
	}

	respBytes, err := json.Marshal(map[string]any{"stopReason": "end_turn"})
	if err != nil {
		s.trace(fmt.Sprintf("handleSessionPrompt: marshal error: %v", err))
	}
	s.trace(fmt.Sprintf("handleSessionPrompt: sending response: %s", string(respBytes)))
	_ = s.writeResponseOK(req.ID, json.RawMessage(respBytes))
}

// sendToolCallNotification emits a session/update notification telling the
// client the agent is executing a tool with specific arguments.
func (s *acpServer) sendToolCallNotification(sessionID string, toolCall session.ToolCall) error {
	notification := map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_call",
			"toolCall": map[string]any{
				"id":     toolCall.ToolCallID,
				"name":   toolCall.Name,
				"args":   toolCall.Args,
				"status": string(toolCall.Status),
			},
		},
	}
	return s.writeNotification("session/update", notification)
}

// sendToolResultNotification emits a session/update notification carrying the
// result of an executed tool call.
func (s *acpServer) sendToolResultNotification(sessionID, toolCallID, result string) error {
	notification := map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_result",
			"toolResult": map[string]any{
				"toolCallId": toolCallID,
				"result":     result,
			},
		},
	}
	return s.writeNotification("session/update", notification)
}

// sendAgentMessageChunk emits a session/update notification with one chunk of
// streamed agent text.
func (s *acpServer) sendAgentMessageChunk(sessionID, text string) error {
	notification := map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content": map[string]any{
				"type": "text",
				"text": text,
			},
		},
	}
	return s.writeNotification("session/update", notification)
}

// nextSessionID generates a unique session ID from a timestamp and a sequence
// number.
func (s *acpServer) nextSessionID() string {
	s.sessionIDSeq++
	return fmt.Sprintf("sess_%d_%d", time.Now().UnixNano(), s.sessionIDSeq)
}

// readFileFromURI reads file contents from a file:// URI.
func readFileFromURI(uri string) (string, error) {
	parsedURL, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid URI: %v", err)
	}
	if parsedURL.Scheme != "file" {
		return "", fmt.Errorf("unsupported URI scheme: %s", parsedURL.Scheme)
	}
	content, err := os.ReadFile(parsedURL.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %v", err)
	}
	return string(content), nil
}

// extractUserText concatenates text blocks and inlines resource_link blocks.
// Local file resources are embedded up to a size cap; remote resources keep
// their metadata only.
func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			resourceInfo := fmt.Sprintf("=== Resource: %s ===\n", b.Name)
			if b.Title != "" {
				resourceInfo += fmt.Sprintf("Title: %s\n", b.Title)
			}
			if b.Description != "" {
				resourceInfo += fmt.Sprintf("Description: %s\n", b.Description)
			}
			resourceInfo += fmt.Sprintf("URI: %s\n", b.URI)
			if b.MimeType != "" {
				resourceInfo += fmt.Sprintf("Type: %s\n", b.MimeType)
			}
			if b.Size != nil {
				resourceInfo += fmt.Sprintf("Size: %d bytes\n", *b.Size)
			}

			if strings.HasPrefix(b.URI, "file://") {
				content, err := readFileFromURI(b.URI)
				if err != nil {
					resourceInfo += fmt.Sprintf("\n[Error reading file: %v]\n", err)
				} else {
					// 50KB cap on inlined file contents.
					const maxContentSize = 50000
					if len(content) > maxContentSize {
						content = content[:maxContentSize] + "\n\n[... truncated to 50KB ...]"
					}
					resourceInfo += fmt.Sprintf("\n--- File Contents ---\n%s\n--- End of File ---\n", content)
				}
			} else {
				resourceInfo += "\n[External resource - content not available]\n"
			}

			resourceInfo += "=== End Resource ===\n"
			parts = append(parts, resourceInfo)
		}
	}
	return strings.Join(parts, "\n")
}
