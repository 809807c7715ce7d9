package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asaplabs/asap-go/asap"
	"github.com/asaplabs/asap-go/breaker"
)

// peer is a test-side WebSocket server. Every inbound frame on every
// connection is passed to handle, which may write replies on the same
// connection.
type peer struct {
	url       string
	conns     atomic.Int32
	dropFirst bool // close the first connection right after upgrade
}

func newPeer(t *testing.T, handle func(c *websocket.Conn, f frame)) *peer {
	t.Helper()
	p := &peer{}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := p.conns.Add(1)
		if p.dropFirst && n == 1 {
			c.Close()
			return
		}
		go func() {
			defer c.Close()
			for {
				_, data, err := c.ReadMessage()
				if err != nil {
					return
				}
				var f frame
				if err := json.Unmarshal(data, &f); err != nil {
					continue
				}
				if handle != nil {
					handle(c, f)
				}
			}
		}()
	}))
	t.Cleanup(srv.Close)
	p.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return p
}

func testConfig(url string) Config {
	return Config{
		URL:              url,
		InitialBackoff:   5 * time.Millisecond,
		MaxBackoff:       20 * time.Millisecond,
		AckCheckInterval: 10 * time.Millisecond,
		AckTimeout:       15 * time.Millisecond,
		ReceiveTimeout:   200 * time.Millisecond,
		RatePerSecond:    1000,
	}
}

func taskEnvelope(t *testing.T) *asap.Envelope {
	t.Helper()
	env, err := asap.NewEnvelope("urn:asap:agent:planner", "urn:asap:agent:worker",
		asap.PayloadTaskRequest, asap.TaskRequestPayload{SkillID: "summarize"})
	require.NoError(t, err)
	return env
}

func (t *Transport) pendingCount() int {
	t.pendMu.Lock()
	defer t.pendMu.Unlock()
	return len(t.pendingAcks)
}

func TestSend_DeliversEnvelopeFrame(t *testing.T) {
	var mu sync.Mutex
	var got []*asap.Envelope
	p := newPeer(t, func(_ *websocket.Conn, f frame) {
		if f.Type == frameEnvelope {
			mu.Lock()
			got = append(got, f.Envelope)
			mu.Unlock()
		}
	})

	tr := NewTransport(testConfig(p.url))
	require.NoError(t, tr.Connect(t.Context()))
	defer tr.Close()

	env := taskEnvelope(t)
	require.NoError(t, tr.Send(t.Context(), env))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, env.ID, got[0].ID)
	assert.Equal(t, asap.PayloadTaskRequest, got[0].PayloadType)
	assert.Zero(t, tr.pendingCount(), "fire-and-forget sends are not ack-tracked")
}

func TestSendWithAck_AckClearsPendingEntry(t *testing.T) {
	p := newPeer(t, func(c *websocket.Conn, f frame) {
		if f.Type == frameEnvelope {
			c.WriteJSON(frame{Type: frameAck, EnvelopeID: f.Envelope.ID})
		}
	})

	tr := NewTransport(testConfig(p.url))
	require.NoError(t, tr.Connect(t.Context()))
	defer tr.Close()

	require.NoError(t, tr.SendWithAck(t.Context(), taskEnvelope(t)))
	require.Eventually(t, func() bool {
		return tr.pendingCount() == 0
	}, time.Second, 2*time.Millisecond)
}

func TestSendWithAck_RetransmitsThenDrops(t *testing.T) {
	var frames atomic.Int32
	p := newPeer(t, func(_ *websocket.Conn, f frame) {
		if f.Type == frameEnvelope {
			frames.Add(1)
		}
		// never acknowledge
	})

	b := breaker.New("ack-drop", breaker.WithThreshold(1), breaker.WithTimeout(time.Minute))
	cfg := testConfig(p.url)
	cfg.MaxAckRetries = 2
	cfg.Breaker = b
	tr := NewTransport(cfg)
	require.NoError(t, tr.Connect(t.Context()))
	defer tr.Close()

	require.NoError(t, tr.SendWithAck(t.Context(), taskEnvelope(t)))

	// Original send plus two retransmissions, then the entry is dropped and
	// the breaker trips.
	require.Eventually(t, func() bool {
		return tr.pendingCount() == 0 && frames.Load() == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, breaker.Open, b.Snapshot().State)
}

func TestSendAndReceive_ResolvesFutureAndPendingAck(t *testing.T) {
	p := newPeer(t, func(c *websocket.Conn, f frame) {
		if f.Type != frameEnvelope {
			return
		}
		c.WriteJSON(frame{Type: frameAck, EnvelopeID: f.Envelope.ID})
		resp, err := f.Envelope.Reply(asap.PayloadTaskResponse, asap.TaskResponsePayload{
			Status: asap.TaskStateCompleted,
			Result: map[string]any{"summary": "done"},
		})
		if err != nil {
			return
		}
		c.WriteJSON(frame{Type: frameEnvelope, Envelope: resp})
	})

	tr := NewTransport(testConfig(p.url))
	require.NoError(t, tr.Connect(t.Context()))
	defer tr.Close()

	env := taskEnvelope(t)
	resp, err := tr.SendAndReceive(t.Context(), env)
	require.NoError(t, err)
	assert.Equal(t, env.ID, resp.CorrelationID)
	assert.Equal(t, asap.PayloadTaskResponse, resp.PayloadType)
	assert.Zero(t, tr.pendingCount())

	tr.pendMu.Lock()
	assert.Empty(t, tr.futures)
	tr.pendMu.Unlock()
}

func TestSendAndReceive_TimesOut(t *testing.T) {
	p := newPeer(t, func(c *websocket.Conn, f frame) {
		if f.Type == frameEnvelope {
			c.WriteJSON(frame{Type: frameAck, EnvelopeID: f.Envelope.ID})
		}
		// acknowledge but never respond
	})

	cfg := testConfig(p.url)
	cfg.ReceiveTimeout = 30 * time.Millisecond
	tr := NewTransport(cfg)
	require.NoError(t, tr.Connect(t.Context()))
	defer tr.Close()

	_, err := tr.SendAndReceive(t.Context(), taskEnvelope(t))
	require.Error(t, err)
	assert.True(t, asap.IsKind(err, asap.AreaTransport, asap.KindReadTimeout))

	tr.pendMu.Lock()
	assert.Empty(t, tr.futures, "future removed on timeout")
	tr.pendMu.Unlock()
}

func TestSendAndReceive_ContextCancelled(t *testing.T) {
	p := newPeer(t, nil)

	tr := NewTransport(testConfig(p.url))
	require.NoError(t, tr.Connect(t.Context()))
	defer tr.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := tr.SendAndReceive(ctx, taskEnvelope(t))
	require.Error(t, err)
	assert.True(t, asap.IsKind(err, asap.AreaTransport, asap.KindReadTimeout))
}

func TestInboundEnvelope_DeliveredToHandler(t *testing.T) {
	var serverConn *websocket.Conn
	var connMu sync.Mutex
	p := newPeer(t, func(c *websocket.Conn, _ frame) {
		connMu.Lock()
		serverConn = c
		connMu.Unlock()
	})

	received := make(chan *asap.Envelope, 1)
	cfg := testConfig(p.url)
	cfg.Handler = func(env *asap.Envelope) { received <- env }
	tr := NewTransport(cfg)
	require.NoError(t, tr.Connect(t.Context()))
	defer tr.Close()

	// Prime the peer with one frame so it captures its connection.
	require.NoError(t, tr.Send(t.Context(), taskEnvelope(t)))
	require.Eventually(t, func() bool {
		connMu.Lock()
		defer connMu.Unlock()
		return serverConn != nil
	}, time.Second, 2*time.Millisecond)

	inbound := taskEnvelope(t)
	connMu.Lock()
	require.NoError(t, serverConn.WriteJSON(frame{Type: frameEnvelope, Envelope: inbound}))
	connMu.Unlock()

	select {
	case env := <-received:
		assert.Equal(t, inbound.ID, env.ID)
	case <-time.After(time.Second):
		t.Fatal("handler never received the inbound envelope")
	}
}

func TestReconnect_AfterServerSideDrop(t *testing.T) {
	p := newPeer(t, func(c *websocket.Conn, f frame) {
		if f.Type == frameEnvelope {
			c.WriteJSON(frame{Type: frameAck, EnvelopeID: f.Envelope.ID})
		}
	})
	p.dropFirst = true

	tr := NewTransport(testConfig(p.url))
	require.NoError(t, tr.Connect(t.Context()))
	defer tr.Close()

	// The first connection dies immediately; the run loop should dial again.
	require.Eventually(t, func() bool {
		return p.conns.Load() >= 2 && tr.IsConnected()
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, tr.SendWithAck(t.Context(), taskEnvelope(t)))
	require.Eventually(t, func() bool {
		return tr.pendingCount() == 0
	}, time.Second, 2*time.Millisecond)
}

func TestConnect_RefusedRecordsBreakerFailure(t *testing.T) {
	b := breaker.New("refused", breaker.WithThreshold(1), breaker.WithTimeout(time.Minute))
	cfg := testConfig("ws://127.0.0.1:1/asap")
	cfg.DialTimeout = 100 * time.Millisecond
	cfg.Breaker = b

	tr := NewTransport(cfg)
	err := tr.Connect(t.Context())
	require.Error(t, err)
	assert.True(t, asap.IsKind(err, asap.AreaTransport, asap.KindConnectionRefused))
	assert.Equal(t, breaker.Open, b.Snapshot().State)

	// A second connect is rejected by the open breaker without dialling.
	err = tr.Connect(t.Context())
	require.Error(t, err)
	assert.True(t, asap.IsKind(err, asap.AreaTransport, asap.KindCircuitOpen))
}

func TestClose_FailsOutstandingFutures(t *testing.T) {
	p := newPeer(t, func(c *websocket.Conn, f frame) {
		if f.Type == frameEnvelope {
			c.WriteJSON(frame{Type: frameAck, EnvelopeID: f.Envelope.ID})
		}
	})

	cfg := testConfig(p.url)
	cfg.ReceiveTimeout = 5 * time.Second
	tr := NewTransport(cfg)
	require.NoError(t, tr.Connect(t.Context()))

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.SendAndReceive(context.Background(), taskEnvelope(t))
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		tr.pendMu.Lock()
		defer tr.pendMu.Unlock()
		return len(tr.futures) == 1
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, tr.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, asap.IsKind(err, asap.AreaTransport, asap.KindReadTimeout))
	case <-time.After(time.Second):
		t.Fatal("future not failed on close")
	}

	assert.False(t, tr.IsConnected())
	assert.Zero(t, tr.pendingCount())
	require.NoError(t, tr.Close(), "close is idempotent")
}

func TestSend_WhileDisconnected(t *testing.T) {
	tr := NewTransport(testConfig("ws://127.0.0.1:1/asap"))
	err := tr.Send(t.Context(), taskEnvelope(t))
	require.Error(t, err)
	assert.True(t, asap.IsKind(err, asap.AreaTransport, asap.KindConnectionRefused))
}

func TestBackoffDelay_Doubles(t *testing.T) {
	cfg := Config{URL: "ws://example", InitialBackoff: 10 * time.Millisecond, MaxBackoff: 35 * time.Millisecond}
	cfg.defaults()
	tr := &Transport{cfg: cfg}

	assert.Equal(t, 10*time.Millisecond, tr.backoffDelay(1))
	assert.Equal(t, 20*time.Millisecond, tr.backoffDelay(2))
	assert.Equal(t, 35*time.Millisecond, tr.backoffDelay(3), "capped at max")
	assert.Equal(t, 35*time.Millisecond, tr.backoffDelay(10))
}

func TestBucketRegistry_EvictsLeastRecentlyUsed(t *testing.T) {
	r := newBucketRegistry(2)
	a := r.limiterFor("ws://a", 10)
	r.limiterFor("ws://b", 10)
	r.limiterFor("ws://a", 10) // refresh a
	r.limiterFor("ws://c", 10) // evicts b

	assert.Len(t, r.buckets, 2)
	assert.Contains(t, r.buckets, "ws://a")
	assert.Contains(t, r.buckets, "ws://c")
	assert.NotContains(t, r.buckets, "ws://b")
	assert.Same(t, a, r.limiterFor("ws://a", 10), "existing bucket reused")
}
