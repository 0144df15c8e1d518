package provider

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 framing shared by all three transports.

// rpcRequest is a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// rpcNotification is a JSON-RPC 2.0 notification (no ID).
type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is an error object returned by a provider. It indicates the
// provider understood the request and rejected it, which distinguishes it
// from transport-level failures.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes providers answer with.
const (
	rpcCodeMethodNotFound = -32601
	rpcCodeInvalidParams  = -32602
)

// Protocol methods spoken with a tool provider.
const (
	methodInitialize     = "initialize"
	methodInitialized    = "notifications/initialized"
	methodListOperations = "operations/list"
	methodCallOperation  = "operations/call"
)

// protocolVersion is the wire protocol revision sent during initialize.
const protocolVersion = "2025-03-26"

// Operation describes one callable operation exposed by a provider.
type Operation struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// providerInfo identifies the remote provider process.
type providerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the provider's reply to initialize.
type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Provider        providerInfo `json:"providerInfo"`
}

// listOperationsResult is the reply to operations/list.
type listOperationsResult struct {
	Operations []*Operation `json:"operations"`
}

// callOperationParams are the parameters for operations/call.
type callOperationParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentBlock is one piece of an operation result.
type ContentBlock struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallResult holds the outcome of invoking an operation.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}
