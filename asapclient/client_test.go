package asapclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asaplabs/asap-go/asap"
)

const (
	senderURN    = "urn:asap:agent:client"
	recipientURN = "urn:asap:agent:server"
)

func testEnvelope(t *testing.T) *asap.Envelope {
	t.Helper()
	env, err := asap.NewEnvelope(senderURN, recipientURN, asap.PayloadTaskRequest,
		asap.TaskRequestPayload{ConversationID: "c1", SkillID: "echo"})
	require.NoError(t, err)
	return env
}

func testClient(url string, opts ...Option) *Client {
	base := []Option{
		WithRequireHTTPS(false),
		WithBackoff(5*time.Millisecond, 50*time.Millisecond),
		WithJitter(false),
	}
	return New(url, append(base, opts...)...)
}

// echoServer answers asap.send with a correlated task.response envelope.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req asap.JSONRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, asap.MethodSend, req.Method)

		var params asap.SendParams
		require.NoError(t, json.Unmarshal(req.Params, &params))

		reply, err := params.Envelope.Reply(asap.PayloadTaskResponse,
			asap.TaskResponsePayload{TaskID: "t1", Status: "completed"})
		require.NoError(t, err)

		resp, err := asap.NewSendResult(req.ID, reply)
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestSend_Success(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := testClient(srv.URL)
	defer c.Close()

	env := testEnvelope(t)
	resp, err := c.Send(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, asap.PayloadTaskResponse, resp.PayloadType)
	assert.Equal(t, env.ID, resp.CorrelationID)
}

func TestSend_RequiresHTTPS(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := New(srv.URL) // default: https required
	defer c.Close()

	_, err := c.Send(context.Background(), testEnvelope(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "https required")
}

func TestSend_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	echo := echoServer(t)
	defer echo.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		echo.Config.Handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	c := testClient(srv.URL, WithMaxRetries(3))
	defer c.Close()

	start := time.Now()
	resp, err := c.Send(context.Background(), testEnvelope(t))
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Equal(t, int32(3), calls.Load())
	// Two backoff sleeps: base, then doubled.
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestSend_ExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL, WithMaxRetries(2), WithBreaker(10, time.Minute))
	defer c.Close()

	_, err := c.Send(context.Background(), testEnvelope(t))
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSend_4xxIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := testClient(srv.URL, WithMaxRetries(5))
	defer c.Close()

	_, err := c.Send(context.Background(), testEnvelope(t))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "client errors must not be retried")
}

func TestSend_429IsRetriedWithoutTrippingBreaker(t *testing.T) {
	var calls atomic.Int32
	echo := echoServer(t)
	defer echo.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		echo.Config.Handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	// Threshold 1: a single breaker failure would open it and fail the send.
	c := testClient(srv.URL, WithMaxRetries(3), WithBreaker(1, time.Minute))
	defer c.Close()

	resp, err := c.Send(context.Background(), testEnvelope(t))
	require.NoError(t, err)
	assert.NotNil(t, resp)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSend_RPCErrorSurfacesAsRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req asap.JSONRPCRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := asap.NewErrorResponse(req.ID, asap.CodeInvalidParams, "bad envelope",
			asap.NewError(asap.AreaEnvelope, asap.KindInvalidSchema, "validate envelope", nil))
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	defer c.Close()

	_, err := c.Send(context.Background(), testEnvelope(t))
	require.Error(t, err)
	assert.Equal(t, "asap:remote/peer_failure", asap.CodeOf(err))

	var perr *asap.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "asap:envelope/invalid_schema", perr.Details["peer_code"])
}

func TestSend_CircuitOpensAndRecovers(t *testing.T) {
	var healthy atomic.Bool
	echo := echoServer(t)
	defer echo.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		echo.Config.Handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	c := testClient(srv.URL, WithMaxRetries(1), WithBreaker(2, 30*time.Millisecond))
	defer c.Close()
	ctx := context.Background()

	// Two failed sends reach the threshold.
	_, err := c.Send(ctx, testEnvelope(t))
	require.Error(t, err)
	_, err = c.Send(ctx, testEnvelope(t))
	require.Error(t, err)

	// Open: fail fast without touching the server.
	_, err = c.Send(ctx, testEnvelope(t))
	assert.True(t, asap.IsKind(err, asap.AreaTransport, asap.KindCircuitOpen), "got %v", err)

	// After the open timeout the probe goes through and closes the breaker.
	healthy.Store(true)
	time.Sleep(40 * time.Millisecond)

	resp, err := c.Send(ctx, testEnvelope(t))
	require.NoError(t, err)
	assert.NotNil(t, resp)

	resp, err = c.Send(ctx, testEnvelope(t))
	require.NoError(t, err)
	assert.NotNil(t, resp)
}

func TestSendBatch_PreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req asap.JSONRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		var params asap.SendParams
		require.NoError(t, json.Unmarshal(req.Params, &params))

		// Fail envelopes targeting the "flaky" sub-agent.
		if params.Envelope.Recipient == "urn:asap:agent:server:flaky" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		reply, err := params.Envelope.Reply(asap.PayloadTaskResponse,
			asap.TaskResponsePayload{TaskID: "t", Status: "completed"})
		require.NoError(t, err)
		resp, err := asap.NewSendResult(req.ID, reply)
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := testClient(srv.URL, WithMaxRetries(1))
	defer c.Close()

	envs := make([]*asap.Envelope, 5)
	for i := range envs {
		recipient := recipientURN
		if i == 2 {
			recipient = "urn:asap:agent:server:flaky"
		}
		env, err := asap.NewEnvelope(senderURN, recipient, asap.PayloadTaskRequest,
			asap.TaskRequestPayload{ConversationID: "c1", SkillID: "echo"})
		require.NoError(t, err)
		envs[i] = env
	}

	results := c.SendBatch(context.Background(), envs)
	require.Len(t, results, 5)
	for i, res := range results {
		if i == 2 {
			assert.Error(t, res.Err)
			continue
		}
		require.NoError(t, res.Err, "result %d", i)
		assert.Equal(t, envs[i].ID, res.Envelope.CorrelationID, "results keep input order")
	}
}

func testManifest() *asap.Manifest {
	return &asap.Manifest{
		URN:     recipientURN,
		Name:    "server",
		Version: "1.0.0",
		Capabilities: asap.Capabilities{
			ProtocolVersion: "1.0.0",
			Skills:          []asap.Skill{{ID: "echo"}},
		},
		Endpoints: asap.Endpoints{ASAP: "https://server.example.com/asap"},
	}
}

func TestGetManifest_CachesUntilTTL(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, asap.ManifestPath, r.URL.Path)
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(testManifest())
	}))
	defer srv.Close()

	c := testClient(srv.URL, WithManifestTTL(25*time.Millisecond))
	defer c.Close()
	ctx := context.Background()

	man, err := c.GetManifest(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, recipientURN, man.URN)

	_, err = c.GetManifest(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second fetch is served from cache")

	time.Sleep(30 * time.Millisecond)
	_, err = c.GetManifest(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "expired entry is refetched")
}

func TestGetManifest_RejectsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"urn": "not-a-urn"})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	defer c.Close()

	_, err := c.GetManifest(context.Background(), "")
	require.Error(t, err)
}
