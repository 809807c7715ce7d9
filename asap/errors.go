package asap

import (
	"errors"
	"fmt"
	"strings"
)

// Area identifies the failure domain of a protocol error. Areas form the
// first segment of the wire code "asap:<area>/<kind>".
type Area string

const (
	// AreaTransport covers connection, dispatch, and delivery failures.
	AreaTransport Area = "transport"
	// AreaEnvelope covers structural and semantic envelope validation failures.
	AreaEnvelope Area = "envelope"
	// AreaAuth covers bearer, delegation token, and scope failures.
	AreaAuth Area = "auth"
	// AreaStorage covers snapshot, metering, and delegation store failures.
	AreaStorage Area = "storage"
	// AreaRemote wraps arbitrary failures surfaced by a peer agent.
	AreaRemote Area = "remote"
)

// Transport error kinds.
const (
	KindHandlerNotFound    = "handler_not_found"
	KindConnectionRefused  = "connection_refused"
	KindReadTimeout        = "read_timeout"
	KindCircuitOpen        = "circuit_open"
	KindWebhookURLRejected = "webhook_url_rejected"
)

// Envelope error kinds.
const (
	KindInvalidSchema          = "invalid_schema"
	KindMissingCorrelationID   = "missing_correlation_id"
	KindSenderMismatch         = "sender_mismatch"
	KindNonceInvalid           = "nonce_invalid"
	KindTimestampOutOfWindow   = "timestamp_out_of_window"
)

// Auth error kinds.
const (
	KindMissingBearer         = "missing_bearer"
	KindInvalidJWT            = "invalid_jwt"
	KindExpiredToken          = "expired_token"
	KindRevokedToken          = "revoked_token"
	KindScopeDenied           = "scope_denied"
	KindUnsupportedAuthScheme = "unsupported_auth_scheme"
)

// Storage error kinds.
const (
	KindNotFound        = "not_found"
	KindVersionConflict = "version_conflict"
	KindIOError         = "io_error"
)

// Error is a structured protocol error. It carries the wire code
// ("asap:<area>/<kind>"), the operation that produced it, optional
// structured details, and the underlying cause.
//
// Error implements the error and Unwrap interfaces for seamless integration
// with Go's errors package.
type Error struct {
	// Area identifies the failure domain.
	Area Area

	// Kind is the machine-readable failure kind within the area.
	Kind string

	// Op describes what was being done when the error occurred (e.g. "client.send").
	Op string

	// Details holds optional structured metadata about the error.
	// Details must not contain secrets; they cross process boundaries.
	Details map[string]any

	// Cause is the underlying error, if any.
	Cause error
}

// NewError creates a protocol Error with the given area, kind, operation,
// and cause.
func NewError(area Area, kind, op string, cause error) *Error {
	return &Error{
		Area:  area,
		Kind:  kind,
		Op:    op,
		Cause: cause,
	}
}

// Code returns the wire form "asap:<area>/<kind>".
func (e *Error) Code() string {
	return fmt.Sprintf("asap:%s/%s", e.Area, e.Kind)
}

// Message returns a short human-readable description derived from the kind.
func (e *Error) Message() string {
	return strings.ReplaceAll(e.Kind, "_", " ")
}

// Error returns a human-readable representation of the error.
func (e *Error) Error() string {
	base := e.Code()

	if e.Op != "" {
		base += ": " + e.Op
	}

	if e.Cause != nil {
		base += ": " + e.Cause.Error()
	}

	return base
}

// Unwrap returns the underlying cause, enabling use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetails returns the error with the given details map set.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// RPCData returns the JSON-RPC error data object for this error: the wire
// code plus any details, with the message under "error".
func (e *Error) RPCData() map[string]any {
	data := map[string]any{
		"error": e.Message(),
		"code":  e.Code(),
	}
	for k, v := range e.Details {
		data[k] = v
	}
	return data
}

// FromPeer builds a remote-area Error from a JSON-RPC error returned by a
// peer. The peer's own ASAP code, when present in the error data, is kept
// under the "peer_code" detail.
func FromPeer(op string, rpcCode int, message string, data map[string]any) *Error {
	e := NewError(AreaRemote, "peer_failure", op, fmt.Errorf("%s (code %d)", message, rpcCode))
	details := map[string]any{"rpc_code": rpcCode}
	if data != nil {
		if code, ok := data["code"].(string); ok && code != "" {
			details["peer_code"] = code
		}
	}
	return e.WithDetails(details)
}

// CodeOf extracts the ASAP wire code from an error chain. It returns the
// empty string when no protocol Error is present.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code()
	}
	return ""
}

// IsKind reports whether the error chain contains a protocol Error with the
// given area and kind.
func IsKind(err error, area Area, kind string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Area == area && e.Kind == kind
	}
	return false
}
