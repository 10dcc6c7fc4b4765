// ABOUTME: MCP-compatible HTTP server exposing deepr resources to protocol clients.
// ABOUTME: Implements Streamable HTTP transport (spec 2025-11-25) with session management.

package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/deepr-mcp/internal/auth"
	"github.com/2389/deepr-mcp/internal/elicitation"
	"github.com/2389/deepr-mcp/internal/jobs"
	"github.com/2389/deepr-mcp/internal/resource"
	"github.com/2389/deepr-mcp/internal/subscription"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2025-03-26": true,
	"2025-11-25": true,
}

// latestProtocolVersion is the version we advertise in initialize responses
const latestProtocolVersion = subscription.ProtocolVersion

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// MethodElicitationCreate is pushed on the SSE stream when a human answer is
// needed.
const MethodElicitationCreate = "elicitation/create"

// JSON-RPC 2.0 types

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// jsonRPCNotification is a server-initiated message without an ID.
type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Standard JSON-RPC error codes
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603

	// MCPResourceNotFound is the MCP error code for an unknown resource.
	MCPResourceNotFound = -32002
)

// MCP-specific types

// MCPResourceInfo describes one listed resource.
type MCPResourceInfo struct {
	URI      string `json:"uri"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}

type listResourcesParams struct {
	Type string `json:"type,omitempty"`
}

type readResourceParams struct {
	URI string `json:"uri"`
}

type subscribeParams struct {
	URI      string `json:"uri"`
	Wildcard bool   `json:"wildcard,omitempty"`
}

type unsubscribeParams struct {
	URI            string `json:"uri,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

type elicitationRespondParams struct {
	RequestID string         `json:"requestId"`
	Response  map[string]any `json:"response"`
}

// Config holds configuration for the MCP server.
type Config struct {
	Handler *ResourceHandler
	Logger  *slog.Logger
	// TokenVerifier enables bearer auth on every request when set.
	TokenVerifier auth.TokenVerifier
	Version       string
}

// Server implements MCP-compatible HTTP endpoints for protocol clients.
// Conforms to MCP Streamable HTTP transport specification (2025-11-25).
type Server struct {
	handler  *ResourceHandler
	logger   *slog.Logger
	verifier auth.TokenVerifier
	version  string
	sessions *sessionStore
	queue    *elicitation.PendingQueue
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Handler == nil {
		return nil, errors.New("resource handler is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		handler:  cfg.Handler,
		logger:   logger.With("component", "mcp"),
		verifier: cfg.TokenVerifier,
		version:  version,
		sessions: newSessionStore(),
	}
	s.queue = elicitation.NewPendingQueue(s, logger)
	return s, nil
}

// ElicitationHandler answers elicitation requests through connected MCP
// clients. Register it with the router under elicitation.TargetMCP.
func (s *Server) ElicitationHandler() elicitation.Handler {
	return s.queue
}

// RegisterRoutes registers the MCP endpoint on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/mcp", auth.BearerMiddleware(s.verifier, s.logger)(http.HandlerFunc(s.handleMCP)))
}

// Close ends every session and drops their subscriptions.
func (s *Server) Close() {
	for _, sess := range s.sessions.drain() {
		s.endSession(sess)
	}
}

// handleMCP is the single MCP endpoint supporting POST, GET, and DELETE per the
// Streamable HTTP transport spec (2025-11-25).
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleStream(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// sessionFor resolves the request's session and verifies the caller owns it.
// It writes the HTTP error itself and returns false on failure.
func (s *Server) sessionFor(w http.ResponseWriter, r *http.Request) (*mcpSession, bool) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return nil, false
	}
	sess, ok := s.sessions.get(sessionID)
	if !ok {
		// Session expired or invalid - client must re-initialize
		http.Error(w, "Not Found", http.StatusNotFound)
		return nil, false
	}
	if sess.subject != "" && auth.SubjectFromContext(r.Context()) != sess.subject {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return nil, false
	}
	return sess, true
}

// handleDelete terminates a session per the Streamable HTTP spec.
// Verifies the caller owns the session to prevent unauthorized termination.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r)
	if !ok {
		return
	}

	s.sessions.delete(sess.id)
	s.endSession(sess)
	s.logger.Info("MCP session terminated", "session_id", sess.id)
	w.WriteHeader(http.StatusNoContent)
}

// endSession closes the session's stream and removes its subscriptions.
func (s *Server) endSession(sess *mcpSession) {
	for _, id := range sess.close() {
		s.handler.Unsubscribe(id)
	}
}

// handleStream serves the session's server-sent event stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFor(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	s.logger.Debug("SSE stream opened", "session_id", sess.id)
	for {
		select {
		case ev := <-sess.events:
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", ev); err != nil {
				s.logger.Debug("SSE write failed", "session_id", sess.id, "error", err)
				return
			}
			flusher.Flush()
		case <-sess.done:
			return
		case <-r.Context().Done():
			s.logger.Debug("SSE stream closed", "session_id", sess.id)
			return
		}
	}
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	protoVersion := r.Header.Get("Mcp-Protocol-Version")

	// Read and parse the body first so we can check if this is an initialize request
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "failed to read request body", nil)
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendJSONRPCError(w, nil, JSONRPCInvalidRequest, "request body too large", nil)
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "invalid JSON", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version", nil)
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	// Validate protocol version header (not required on initialize)
	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	if isInitialize {
		s.handleInitialize(w, r, req)
		return
	}

	sess, ok := s.sessionFor(w, r)
	if !ok {
		return
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", isNotification,
		"session_id", sess.id,
	)

	// Handle notifications: accept and return HTTP 202 with no body
	if isNotification {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Route to appropriate handler
	switch req.Method {
	case "ping":
		s.sendJSONRPCResult(w, req.ID, map[string]any{})
	case "resources/list":
		s.handleResourcesList(w, r, req)
	case "resources/read":
		s.handleResourcesRead(w, r, req)
	case "resources/subscribe":
		s.handleSubscribe(w, req, sess)
	case "resources/unsubscribe":
		s.handleUnsubscribe(w, req, sess)
	case "elicitation/respond":
		s.handleElicitationRespond(w, req)
	case "elicitation/pending":
		s.sendJSONRPCResult(w, req.ID, map[string]any{"requests": s.queue.Pending()})
	case "tools/list":
		s.sendJSONRPCResult(w, req.ID, MCPListToolsResult{Tools: s.toolDefinitions()})
	case "tools/call":
		s.handleToolsCall(w, r, req)
	default:
		s.sendJSONRPCError(w, req.ID, JSONRPCMethodNotFound, "method not found", nil)
	}
}

// handleInitialize handles the MCP initialize handshake and creates a session.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	// Bind the session to the verified subject that created it.
	sess := s.sessions.create(latestProtocolVersion, auth.SubjectFromContext(r.Context()))

	s.logger.Info("MCP session created",
		"session_id", sess.id,
		"protocol_version", sess.protocolVersion,
		"subject", sess.subject,
	)

	// Set the session ID header so the client can use it on subsequent requests
	w.Header().Set("Mcp-Session-Id", sess.id)

	result := map[string]any{
		"protocolVersion": latestProtocolVersion,
		"capabilities": map[string]any{
			"resources":   map[string]any{"subscribe": true},
			"tools":       map[string]any{},
			"elicitation": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "deepr-mcp",
			"version": s.version,
		},
	}
	s.sendJSONRPCResult(w, req.ID, result)
}

func (s *Server) handleResourcesList(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	var params listResourcesParams
	if !s.decodeParams(w, req, &params) {
		return
	}

	uris := s.handler.ListResources(r.Context(), resource.Type(params.Type))
	infos := make([]MCPResourceInfo, 0, len(uris))
	for _, uri := range uris {
		infos = append(infos, MCPResourceInfo{
			URI:      uri,
			Name:     strings.TrimPrefix(uri, resource.Scheme+"://"),
			MimeType: resourceMimeType(uri),
		})
	}
	s.sendJSONRPCResult(w, req.ID, map[string]any{"resources": infos})
}

func (s *Server) handleResourcesRead(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	var params readResourceParams
	if !s.decodeParams(w, req, &params) {
		return
	}

	res, err := s.handler.ReadResource(r.Context(), params.URI)
	switch {
	case errors.Is(err, ErrInvalidURI):
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid resource uri", params.URI)
	case errors.Is(err, ErrNotFound), errors.Is(err, jobs.ErrNotFound):
		s.sendJSONRPCError(w, req.ID, MCPResourceNotFound, "resource not found", params.URI)
	case err != nil:
		s.logger.Warn("resource read failed", "uri", params.URI, "error", err)
		s.sendJSONRPCError(w, req.ID, JSONRPCInternalError, "resource read failed", nil)
	default:
		s.sendJSONRPCResult(w, req.ID, map[string]any{"contents": []*ReadResult{res}})
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, req JSONRPCRequest, sess *mcpSession) {
	var params subscribeParams
	if !s.decodeParams(w, req, &params) {
		return
	}

	id, err := s.handler.Subscribe(params.URI, s.forwardTo(sess), params.Wildcard)
	if err != nil {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid resource uri", params.URI)
		return
	}
	sess.addSub(id, params.URI)

	s.logger.Debug("session subscribed", "session_id", sess.id, "uri", params.URI, "sub_id", id)
	s.sendJSONRPCResult(w, req.ID, map[string]any{"subscriptionId": id})
}

// forwardTo returns a callback that queues notification envelopes on the
// session's SSE stream.
func (s *Server) forwardTo(sess *mcpSession) subscription.Callback {
	return func(n subscription.Notification) error {
		data, err := json.Marshal(n.Envelope())
		if err != nil {
			return fmt.Errorf("encoding notification: %w", err)
		}
		return sess.send(data)
	}
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, req JSONRPCRequest, sess *mcpSession) {
	var params unsubscribeParams
	if !s.decodeParams(w, req, &params) {
		return
	}
	if params.URI == "" && params.SubscriptionID == "" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "uri or subscriptionId is required", nil)
		return
	}

	removed := 0
	for _, id := range sess.removeSubs(params.SubscriptionID, params.URI) {
		if s.handler.Unsubscribe(id) {
			removed++
		}
	}
	s.sendJSONRPCResult(w, req.ID, map[string]any{"removed": removed})
}

func (s *Server) handleElicitationRespond(w http.ResponseWriter, req JSONRPCRequest) {
	var params elicitationRespondParams
	if !s.decodeParams(w, req, &params) {
		return
	}
	if params.RequestID == "" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "requestId is required", nil)
		return
	}

	if err := s.queue.Deliver(params.RequestID, params.Response); err != nil {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "no pending elicitation", params.RequestID)
		return
	}
	s.sendJSONRPCResult(w, req.ID, map[string]any{"delivered": true})
}

// PublishElicitation pushes req to every connected session. It fails when no
// session could take it, so the router falls back to defaults immediately.
func (s *Server) PublishElicitation(req *elicitation.Request) error {
	data, err := json.Marshal(jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  MethodElicitationCreate,
		Params:  req,
	})
	if err != nil {
		return fmt.Errorf("encoding elicitation: %w", err)
	}

	delivered := 0
	for _, sess := range s.sessions.all() {
		if err := sess.send(data); err != nil {
			s.logger.Debug("elicitation not queued", "session_id", sess.id, "error", err)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errors.New("no connected MCP clients")
	}
	s.logger.Info("elicitation published", "request_id", req.ID, "sessions", delivered)
	return nil
}

// decodeParams unmarshals request params into dst, writing an error response
// on failure.
func (s *Server) decodeParams(w http.ResponseWriter, req JSONRPCRequest, dst any) bool {
	if len(req.Params) == 0 {
		return true
	}
	if err := json.Unmarshal(req.Params, dst); err != nil {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid params", nil)
		return false
	}
	return true
}

// sendJSONRPCResult sends a successful JSON-RPC response.
func (s *Server) sendJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

// sendJSONRPCError sends a JSON-RPC error response.
func (s *Server) sendJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string, data any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC error response", "error", err)
	}
}
