package asapserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asaplabs/asap-go/asap"
	"github.com/asaplabs/asap-go/asapclient"
	"github.com/asaplabs/asap-go/dispatch"
)

const (
	clientURN = "urn:asap:agent:client"
	serverURN = "urn:asap:agent:server"
)

func testManifest() *asap.Manifest {
	return &asap.Manifest{
		URN:     serverURN,
		Name:    "server",
		Version: "1.0.0",
		Capabilities: asap.Capabilities{
			ProtocolVersion: "1.0.0",
			Skills:          []asap.Skill{{ID: "echo"}},
		},
		Endpoints: asap.Endpoints{ASAP: "https://server.example.com/asap"},
	}
}

func echoRegistry(t *testing.T) *dispatch.Registry {
	t.Helper()
	r := dispatch.NewRegistry(0)
	r.Register(asap.PayloadTaskRequest, func(_ context.Context, env *asap.Envelope, _ *asap.Manifest) (*asap.Envelope, error) {
		req, err := asap.DecodePayload[asap.TaskRequestPayload](env)
		require.NoError(t, err)
		return env.Reply(asap.PayloadTaskResponse, asap.TaskResponsePayload{
			TaskID: "t1",
			Status: "completed",
			Result: map[string]any{"echo": req.Input},
		})
	})
	return r
}

func newTestServer(t *testing.T, registry *dispatch.Registry, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	opts = append([]Option{WithManifest(testManifest())}, opts...)
	s, err := NewServer(registry, opts...)
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Shutdown(context.Background())
	})
	return s, ts
}

func postRPC(t *testing.T, url string, body []byte) (*http.Response, asap.JSONRPCResponse) {
	t.Helper()
	resp, err := http.Post(url+"/asap", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var rpc asap.JSONRPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpc))
	return resp, rpc
}

func sendBody(t *testing.T, env *asap.Envelope) []byte {
	t.Helper()
	req, err := asap.NewSendRequest("req-1", env)
	require.NoError(t, err)
	body, err := json.Marshal(req)
	require.NoError(t, err)
	return body
}

func TestServer_EndToEndEcho(t *testing.T) {
	_, ts := newTestServer(t, echoRegistry(t))

	c := asapclient.New(ts.URL, asapclient.WithRequireHTTPS(false))
	defer c.Close()

	env, err := asap.NewEnvelope(clientURN, serverURN, asap.PayloadTaskRequest,
		asap.TaskRequestPayload{ConversationID: "c1", SkillID: "echo", Input: map[string]any{"text": "hi"}})
	require.NoError(t, err)

	resp, err := c.Send(context.Background(), env)
	require.NoError(t, err)

	assert.Equal(t, asap.PayloadTaskResponse, resp.PayloadType)
	assert.Equal(t, env.ID, resp.CorrelationID)
	assert.Equal(t, serverURN, resp.Sender)

	payload, err := asap.DecodePayload[asap.TaskResponsePayload](resp)
	require.NoError(t, err)
	assert.Equal(t, asap.TaskStateCompleted, payload.Status)
	assert.Equal(t, map[string]any{"echo": map[string]any{"text": "hi"}}, payload.Result)
}

func TestServer_ServesManifest(t *testing.T) {
	_, ts := newTestServer(t, echoRegistry(t))

	resp, err := http.Get(ts.URL + asap.ManifestPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var man asap.Manifest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&man))
	assert.Equal(t, serverURN, man.URN)
	require.NoError(t, man.Validate())
}

func TestServer_ServesMetrics(t *testing.T) {
	_, ts := newTestServer(t, echoRegistry(t))

	resp, err := http.Get(ts.URL + "/asap/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_MalformedJSONIsParseError(t *testing.T) {
	_, ts := newTestServer(t, echoRegistry(t))

	resp, rpc := postRPC(t, ts.URL, []byte("{not json"))
	assert.Equal(t, http.StatusOK, resp.StatusCode, "protocol errors live in the body")
	require.NotNil(t, rpc.Error)
	assert.Equal(t, asap.CodeParseError, rpc.Error.Code)
}

func TestServer_UnknownMethod(t *testing.T) {
	_, ts := newTestServer(t, echoRegistry(t))

	body, err := json.Marshal(asap.JSONRPCRequest{JSONRPC: "2.0", ID: "1", Method: "asap.unknown"})
	require.NoError(t, err)
	_, rpc := postRPC(t, ts.URL, body)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, asap.CodeMethodNotFound, rpc.Error.Code)
}

func TestServer_InvalidEnvelope(t *testing.T) {
	_, ts := newTestServer(t, echoRegistry(t))

	env, err := asap.NewEnvelope(clientURN, serverURN, asap.PayloadTaskRequest,
		asap.TaskRequestPayload{ConversationID: "c1", SkillID: "echo"})
	require.NoError(t, err)
	env.Sender = "not-a-urn"

	body, err := json.Marshal(asap.JSONRPCRequest{
		JSONRPC: "2.0", ID: "1", Method: asap.MethodSend,
		Params: mustMarshal(t, asap.SendParams{Envelope: env}),
	})
	require.NoError(t, err)

	_, rpc := postRPC(t, ts.URL, body)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, asap.CodeInvalidParams, rpc.Error.Code)
	assert.Equal(t, "Invalid envelope", rpc.Error.Data["error"])
	code, _ := rpc.Error.Data["code"].(string)
	assert.True(t, strings.HasPrefix(code, "asap:envelope/"), "got %q", code)
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestServer_HandlerNotFound(t *testing.T) {
	_, ts := newTestServer(t, dispatch.NewRegistry(0))

	env, err := asap.NewEnvelope(clientURN, serverURN, asap.PayloadTaskRequest,
		asap.TaskRequestPayload{ConversationID: "c1", SkillID: "echo"})
	require.NoError(t, err)

	_, rpc := postRPC(t, ts.URL, sendBody(t, env))
	require.NotNil(t, rpc.Error)
	assert.Equal(t, asap.CodeMethodNotFound, rpc.Error.Code)
	assert.Equal(t, "asap:transport/handler_not_found", rpc.Error.Data["code"])
}

func TestServer_PanicIsStripped(t *testing.T) {
	r := dispatch.NewRegistry(0)
	r.Register(asap.PayloadTaskRequest, func(context.Context, *asap.Envelope, *asap.Manifest) (*asap.Envelope, error) {
		panic("secret database password leaked")
	})
	_, ts := newTestServer(t, r)

	env, err := asap.NewEnvelope(clientURN, serverURN, asap.PayloadTaskRequest,
		asap.TaskRequestPayload{ConversationID: "c1", SkillID: "echo"})
	require.NoError(t, err)

	_, rpc := postRPC(t, ts.URL, sendBody(t, env))
	require.NotNil(t, rpc.Error)
	assert.Equal(t, asap.CodeInternalError, rpc.Error.Code)
	assert.NotContains(t, rpc.Error.Message, "secret", "panic details must not leak")
	assert.Empty(t, rpc.Error.Data)
}

func TestServer_RateLimit(t *testing.T) {
	_, ts := newTestServer(t, echoRegistry(t), WithRateLimit(1, 2))

	env, err := asap.NewEnvelope(clientURN, serverURN, asap.PayloadTaskRequest,
		asap.TaskRequestPayload{ConversationID: "c1", SkillID: "echo"})
	require.NoError(t, err)
	body := sendBody(t, env)

	var limited *http.Response
	for i := 0; i < 5; i++ {
		resp, _ := postRPC(t, ts.URL, body)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = resp
			break
		}
	}
	require.NotNil(t, limited, "burst of 2 must trip the limiter within 5 requests")
	assert.Equal(t, "1", limited.Header.Get("Retry-After"))
}

type staticAuth struct{ allow bool }

func (a *staticAuth) Authenticate(*http.Request) error {
	if a.allow {
		return nil
	}
	return fmt.Errorf("bad credentials")
}

func TestServer_AuthenticatorRejects(t *testing.T) {
	_, ts := newTestServer(t, echoRegistry(t), WithAuthenticator(&staticAuth{allow: false}))

	env, err := asap.NewEnvelope(clientURN, serverURN, asap.PayloadTaskRequest,
		asap.TaskRequestPayload{ConversationID: "c1", SkillID: "echo"})
	require.NoError(t, err)

	resp, rpc := postRPC(t, ts.URL, sendBody(t, env))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, rpc.Error)
}

func TestServer_ShutdownStopsEviction(t *testing.T) {
	s, _ := newTestServer(t, echoRegistry(t), WithTaskTTL(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	// Idempotent.
	require.NoError(t, s.Shutdown(ctx))
}
