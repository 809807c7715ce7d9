package asap

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchema is the draft-07 JSON schema for the on-wire envelope.
// The correlation-id rule is enforced separately by Envelope.Validate so
// its failure surfaces with a distinct error code.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "asap_version", "timestamp", "sender", "recipient", "payload_type"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[0-9A-HJKMNP-TV-Z]{26}$"
    },
    "asap_version": {
      "type": "string",
      "minLength": 1
    },
    "timestamp": {
      "type": "string",
      "format": "date-time"
    },
    "sender": {
      "type": "string",
      "pattern": "^urn:asap:agent:[a-z0-9-]+(:[a-z0-9-]+)?$",
      "maxLength": 255
    },
    "recipient": {
      "type": "string",
      "pattern": "^urn:asap:agent:[a-z0-9-]+(:[a-z0-9-]+)?$",
      "maxLength": 255
    },
    "payload_type": {
      "type": "string",
      "minLength": 1
    },
    "payload": {
      "type": "object"
    },
    "correlation_id": {
      "type": "string",
      "pattern": "^[0-9A-HJKMNP-TV-Z]{26}$"
    },
    "trace_id": {
      "type": "string",
      "pattern": "^[0-9a-f]{32}$"
    },
    "extensions": {
      "type": "object"
    }
  },
  "additionalProperties": false
}`

// SchemaValidator validates raw envelope JSON against the protocol schema.
// Servers run it on inbound params before decoding into the Envelope type.
type SchemaValidator struct {
	schema *gojsonschema.Schema
}

// NewSchemaValidator compiles the envelope schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("asap: compile envelope schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// ValidateEnvelope checks raw envelope JSON against the schema.
func (sv *SchemaValidator) ValidateEnvelope(raw json.RawMessage) error {
	result, err := sv.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return NewError(AreaEnvelope, KindInvalidSchema, "schema validate", err)
	}

	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			errs[i] = desc.String()
		}
		return NewError(AreaEnvelope, KindInvalidSchema, "schema validate",
			fmt.Errorf("envelope validation failed: %v", errs))
	}

	return nil
}
