package asap

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Version is the protocol version stamped on envelopes created by this
// module.
const Version = "1.0"

// traceIDPattern matches a W3C-style trace id: 32 lowercase hex characters.
var traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Envelope is the atomic on-wire message. An Envelope is immutable once
// created; handlers produce new Envelopes (usually via Reply) instead of
// mutating inbound ones.
type Envelope struct {
	// ID is a ULID, unique per envelope and sortable by creation time.
	ID string `json:"id"`

	// Version is the asap protocol version the sender speaks.
	Version string `json:"asap_version"`

	// Timestamp is the UTC creation time.
	Timestamp time.Time `json:"timestamp"`

	// Sender and Recipient are agent URNs. They may be equal; an agent is
	// allowed to message itself.
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`

	// PayloadType discriminates the payload variant (e.g. "task.request").
	PayloadType string `json:"payload_type"`

	// Payload is kept raw and decoded lazily by handlers via DecodePayload.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CorrelationID is the id of the envelope this one responds to.
	// Required for response payload types.
	CorrelationID string `json:"correlation_id,omitempty"`

	// TraceID is a 32-hex distributed tracing id. Optional.
	TraceID string `json:"trace_id,omitempty"`

	// Extensions is an open map for span ids, nonces, and future fields.
	Extensions map[string]any `json:"extensions,omitempty"`
}

// NewEnvelope creates an envelope with a fresh ULID id, the current UTC
// timestamp, and the module's protocol version. The payload is marshaled
// immediately so later mutation of the payload value cannot leak into the
// envelope.
func NewEnvelope(sender, recipient, payloadType string, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("asap: new envelope: %w", err)
	}

	env := &Envelope{
		ID:          NewID(),
		Version:     Version,
		Timestamp:   time.Now().UTC(),
		Sender:      sender,
		Recipient:   recipient,
		PayloadType: payloadType,
		Payload:     raw,
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Reply creates a response envelope correlated to e: sender and recipient
// are swapped, CorrelationID is set to e.ID, and the trace id is carried
// forward.
func (e *Envelope) Reply(payloadType string, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("asap: reply envelope: %w", err)
	}

	reply := &Envelope{
		ID:            NewID(),
		Version:       Version,
		Timestamp:     time.Now().UTC(),
		Sender:        e.Recipient,
		Recipient:     e.Sender,
		PayloadType:   payloadType,
		Payload:       raw,
		CorrelationID: e.ID,
		TraceID:       e.TraceID,
	}

	if err := reply.Validate(); err != nil {
		return nil, err
	}
	return reply, nil
}

// Validate checks the structural invariants of the envelope: well-formed id
// and URNs, a known version shape, a payload type, a trace id in 32-hex
// form when present, and a correlation id on response payload types.
func (e *Envelope) Validate() error {
	if err := ValidateID(e.ID); err != nil {
		return err
	}

	if e.Version == "" {
		return NewError(AreaEnvelope, KindInvalidSchema, "validate envelope",
			fmt.Errorf("missing asap_version"))
	}
	if _, err := semver.NewVersion(e.Version); err != nil {
		return NewError(AreaEnvelope, KindInvalidSchema, "validate envelope",
			fmt.Errorf("asap_version %q: %w", e.Version, err))
	}

	if e.Timestamp.IsZero() {
		return NewError(AreaEnvelope, KindInvalidSchema, "validate envelope",
			fmt.Errorf("missing timestamp"))
	}

	if err := ValidateAgentURN(e.Sender); err != nil {
		return err
	}
	if err := ValidateAgentURN(e.Recipient); err != nil {
		return err
	}

	if e.PayloadType == "" {
		return NewError(AreaEnvelope, KindInvalidSchema, "validate envelope",
			fmt.Errorf("missing payload_type"))
	}

	if e.TraceID != "" && !traceIDPattern.MatchString(e.TraceID) {
		return NewError(AreaEnvelope, KindInvalidSchema, "validate envelope",
			fmt.Errorf("trace_id must be 32 lowercase hex characters"))
	}

	if IsResponseType(e.PayloadType) && e.CorrelationID == "" {
		return NewError(AreaEnvelope, KindMissingCorrelationID, "validate envelope",
			fmt.Errorf("payload_type %q requires correlation_id", e.PayloadType))
	}

	return nil
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Payload != nil {
		clone.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Extensions != nil {
		clone.Extensions = make(map[string]any, len(e.Extensions))
		for k, v := range e.Extensions {
			clone.Extensions[k] = v
		}
	}
	return &clone
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return append(json.RawMessage(nil), raw...), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}
