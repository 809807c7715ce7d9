package asap

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaValidator_Valid(t *testing.T) {
	sv, err := NewSchemaValidator()
	require.NoError(t, err)

	env, err := NewEnvelope(testSender, testRecipient, PayloadTaskRequest, TaskRequestPayload{
		SkillID: "echo",
		Input:   map[string]any{"m": "hi"},
	})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	assert.NoError(t, sv.ValidateEnvelope(raw))
}

func TestSchemaValidator_Rejects(t *testing.T) {
	sv, err := NewSchemaValidator()
	require.NoError(t, err)

	valid := func() map[string]any {
		return map[string]any{
			"id":           NewID(),
			"asap_version": "1.0",
			"timestamp":    "2026-01-15T10:30:00Z",
			"sender":       testSender,
			"recipient":    testRecipient,
			"payload_type": "task.request",
			"payload":      map[string]any{"skill_id": "echo"},
		}
	}

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing id", func(m map[string]any) { delete(m, "id") }},
		{"bad id shape", func(m map[string]any) { m["id"] = "xyz" }},
		{"missing sender", func(m map[string]any) { delete(m, "sender") }},
		{"bad sender urn", func(m map[string]any) { m["sender"] = "urn:asap:agent:UPPER" }},
		{"bad timestamp", func(m map[string]any) { m["timestamp"] = "yesterday" }},
		{"payload not object", func(m map[string]any) { m["payload"] = "text" }},
		{"bad trace id", func(m map[string]any) { m["trace_id"] = "zz" }},
		{"unknown field", func(m map[string]any) { m["surprise"] = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(m)

			raw, err := json.Marshal(m)
			require.NoError(t, err)

			err = sv.ValidateEnvelope(raw)
			assert.Error(t, err)
			assert.True(t, IsKind(err, AreaEnvelope, KindInvalidSchema))
		})
	}
}

func TestSchemaValidator_ExtensionsAllowed(t *testing.T) {
	sv, err := NewSchemaValidator()
	require.NoError(t, err)

	raw := []byte(`{
		"id": "` + NewID() + `",
		"asap_version": "1.0",
		"timestamp": "2026-01-15T10:30:00Z",
		"sender": "urn:asap:agent:a",
		"recipient": "urn:asap:agent:b",
		"payload_type": "task.request",
		"payload": {},
		"extensions": {"nonce": "n-1", "span_id": "00f067aa0ba902b7"}
	}`)

	assert.NoError(t, sv.ValidateEnvelope(raw))
}
