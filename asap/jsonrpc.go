package asap

import (
	"encoding/json"
	"fmt"
)

// MethodSend is the single JSON-RPC method of the protocol. Params carry
// one envelope; the result carries the response envelope.
const MethodSend = "asap.send"

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// JSONRPCRequest is a JSON-RPC 2.0 request frame.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response frame.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the error member of a JSON-RPC 2.0 response. Data carries
// the ASAP wire code under "code" when the failure maps to the protocol
// taxonomy.
type JSONRPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// AsProtocolError converts the JSON-RPC error into a remote-area protocol
// Error, preserving the peer's ASAP code when present in the data.
func (e *JSONRPCError) AsProtocolError(op string) *Error {
	return FromPeer(op, e.Code, e.Message, e.Data)
}

// SendParams is the params object of an asap.send request.
type SendParams struct {
	Envelope *Envelope `json:"envelope"`
}

// SendResult is the result object of a successful asap.send response.
type SendResult struct {
	Envelope *Envelope `json:"envelope"`
}

// NewSendRequest wraps an envelope in an asap.send request frame.
func NewSendRequest(id any, env *Envelope) (*JSONRPCRequest, error) {
	params, err := json.Marshal(SendParams{Envelope: env})
	if err != nil {
		return nil, fmt.Errorf("asap: marshal send params: %w", err)
	}
	return &JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  MethodSend,
		Params:  params,
	}, nil
}

// NewSendResult wraps a response envelope in a result frame answering id.
func NewSendResult(id any, env *Envelope) (*JSONRPCResponse, error) {
	result, err := json.Marshal(SendResult{Envelope: env})
	if err != nil {
		return nil, fmt.Errorf("asap: marshal send result: %w", err)
	}
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}, nil
}

// NewErrorResponse builds a JSON-RPC error frame. When err is a protocol
// Error its wire code and details are carried in the data object.
func NewErrorResponse(id any, rpcCode int, message string, err *Error) *JSONRPCResponse {
	rpcErr := &JSONRPCError{Code: rpcCode, Message: message}
	if err != nil {
		rpcErr.Data = err.RPCData()
	}
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcErr,
	}
}
