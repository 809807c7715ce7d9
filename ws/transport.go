// Package ws maintains a persistent WebSocket connection to a remote agent
// with automatic reconnection, per-envelope acknowledgement tracking and
// request/response correlation.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/asaplabs/asap-go/asap"
	"github.com/asaplabs/asap-go/breaker"
	"github.com/asaplabs/asap-go/logger"
	"github.com/asaplabs/asap-go/metrics"
)

const (
	// DefaultDialTimeout bounds a single dial attempt.
	DefaultDialTimeout = 10 * time.Second
	// DefaultWriteWait bounds a single frame write.
	DefaultWriteWait = 10 * time.Second
	// DefaultMaxMessageSize caps inbound frames (1 MiB).
	DefaultMaxMessageSize = 1 << 20
	// DefaultInitialBackoff is the first reconnection delay.
	DefaultInitialBackoff = time.Second
	// DefaultMaxBackoff caps the reconnection delay.
	DefaultMaxBackoff = 30 * time.Second
	// DefaultMaxReconnectAttempts is how many consecutive failed dials the
	// run loop tolerates before giving up.
	DefaultMaxReconnectAttempts = 5
	// DefaultAckCheckInterval is how often pending acks are polled.
	DefaultAckCheckInterval = time.Second
	// DefaultAckTimeout is how long an envelope may stay unacknowledged
	// before it is retransmitted.
	DefaultAckTimeout = 5 * time.Second
	// DefaultMaxAckRetries is how many retransmissions an envelope gets
	// before it is dropped.
	DefaultMaxAckRetries = 3
	// DefaultReceiveTimeout bounds SendAndReceive.
	DefaultReceiveTimeout = 30 * time.Second
	// DefaultRatePerSecond is the outbound per-URL send rate.
	DefaultRatePerSecond = 50.0
	// DefaultBucketCapacity bounds the shared per-URL limiter registry.
	DefaultBucketCapacity = 64
)

// Frame types carried on the wire.
const (
	frameEnvelope = "envelope"
	frameAck      = "ack"
)

// frame is the on-wire unit. Envelope frames wrap a full envelope; ack
// frames carry only the acknowledged envelope id.
type frame struct {
	Type       string         `json:"type"`
	EnvelopeID string         `json:"envelope_id,omitempty"`
	Envelope   *asap.Envelope `json:"envelope,omitempty"`
}

// Config controls a Transport. The zero value is usable after defaults().
type Config struct {
	// URL is the ws:// or wss:// endpoint of the remote agent.
	URL string

	// Header is attached to the upgrade request (bearer tokens etc).
	Header http.Header

	DialTimeout          time.Duration
	WriteWait            time.Duration
	MaxMessageSize       int64
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	MaxReconnectAttempts int
	AckCheckInterval     time.Duration
	AckTimeout           time.Duration
	MaxAckRetries        int
	ReceiveTimeout       time.Duration
	RatePerSecond        float64

	// Handler receives inbound envelopes that do not correlate to an
	// outstanding SendAndReceive call. Optional.
	Handler func(*asap.Envelope)

	// Breaker guards dial attempts and records ack give-ups. When nil a
	// breaker named after the URL is created.
	Breaker *breaker.Breaker
}

func (c *Config) defaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteWait <= 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.AckCheckInterval <= 0 {
		c.AckCheckInterval = DefaultAckCheckInterval
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.MaxAckRetries <= 0 {
		c.MaxAckRetries = DefaultMaxAckRetries
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = DefaultRatePerSecond
	}
}

// pendingAck tracks an unacknowledged outbound envelope.
type pendingAck struct {
	env     *asap.Envelope
	sentAt  time.Time
	retries int
}

// Transport is a persistent connection to one remote agent. All methods
// are safe for concurrent use. A Transport is single-use: once closed it
// cannot be reconnected.
type Transport struct {
	cfg     Config
	dialer  *websocket.Dialer
	b       *breaker.Breaker
	limiter *rate.Limiter

	mu   sync.Mutex // guards conn
	conn *websocket.Conn

	// writeMu serializes frame writes; gorilla allows one writer at a time.
	writeMu sync.Mutex

	pendMu      sync.Mutex
	pendingAcks map[string]*pendingAck
	futures     map[string]chan *asap.Envelope

	done      chan struct{}
	lost      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewTransport builds a Transport for cfg.URL. Connect must be called
// before any send.
func NewTransport(cfg Config) *Transport {
	cfg.defaults()
	b := cfg.Breaker
	if b == nil {
		b = breaker.New(cfg.URL, breaker.WithStateChangeHook(func(_ string, _, to breaker.State) {
			metrics.RecordBreakerTransition(to.String())
		}))
	}
	return &Transport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		b:           b,
		limiter:     defaultBuckets.limiterFor(cfg.URL, cfg.RatePerSecond),
		pendingAcks: make(map[string]*pendingAck),
		futures:     make(map[string]chan *asap.Envelope),
		done:        make(chan struct{}),
		lost:        make(chan struct{}, 1),
	}
}

// Connect dials the remote agent and starts the run, receive and ack-check
// loops. The initial dial failure is returned synchronously; later
// disconnects are handled by the run loop.
func (t *Transport) Connect(ctx context.Context) error {
	if !t.b.Allow() {
		return asap.NewError(asap.AreaTransport, asap.KindCircuitOpen, "ws.connect", t.b.OpenError())
	}
	conn, err := t.dial(ctx)
	if err != nil {
		t.b.RecordFailure()
		return asap.NewError(asap.AreaTransport, asap.KindConnectionRefused, "ws.connect", err)
	}
	t.b.RecordSuccess()

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.wg.Add(3)
	go t.recvLoop(conn)
	go t.runLoop()
	go t.ackCheckLoop()

	logger.Info("ws connected", "url", t.cfg.URL)
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := t.dialer.DialContext(dctx, t.cfg.URL, t.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(t.cfg.MaxMessageSize)
	return conn, nil
}

// current returns the live connection, or nil while disconnected.
func (t *Transport) current() *websocket.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// IsConnected reports whether the transport currently has a live socket.
func (t *Transport) IsConnected() bool {
	return t.current() != nil
}

// Send writes env as a fire-and-forget envelope frame. It blocks for an
// outbound rate token first.
func (t *Transport) Send(ctx context.Context, env *asap.Envelope) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return asap.NewError(asap.AreaTransport, asap.KindConnectionRefused, "ws.send", err)
	}
	if err := t.writeFrame(frame{Type: frameEnvelope, Envelope: env}); err != nil {
		return err
	}
	logger.EnvelopeSent(env.ID, env.PayloadType, env.Recipient, 0, "transport", "ws")
	return nil
}

// SendWithAck writes env and tracks it until the peer acknowledges it. The
// ack-check loop retransmits on timeout; after MaxAckRetries retransmissions
// the envelope is dropped and one failure is recorded on the breaker.
func (t *Transport) SendWithAck(ctx context.Context, env *asap.Envelope) error {
	t.trackAck(env)
	if err := t.Send(ctx, env); err != nil {
		t.dropAck(env.ID)
		return err
	}
	return nil
}

// SendAndReceive writes env and blocks until a response envelope with a
// matching correlation_id arrives, the receive timeout elapses, ctx is
// cancelled, or the transport closes. The envelope is ack-tracked; receipt
// of the response also clears the pending ack.
func (t *Transport) SendAndReceive(ctx context.Context, env *asap.Envelope) (*asap.Envelope, error) {
	ch := make(chan *asap.Envelope, 1)
	t.pendMu.Lock()
	t.futures[env.ID] = ch
	t.pendMu.Unlock()
	defer func() {
		t.pendMu.Lock()
		delete(t.futures, env.ID)
		t.pendMu.Unlock()
	}()

	if err := t.SendWithAck(ctx, env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.cfg.ReceiveTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, asap.NewError(asap.AreaTransport, asap.KindReadTimeout, "ws.send_and_receive",
				fmt.Errorf("transport closed while awaiting response to %s", env.ID))
		}
		return resp, nil
	case <-timer.C:
		t.dropAck(env.ID)
		return nil, asap.NewError(asap.AreaTransport, asap.KindReadTimeout, "ws.send_and_receive",
			fmt.Errorf("no response to %s within %s", env.ID, t.cfg.ReceiveTimeout))
	case <-ctx.Done():
		t.dropAck(env.ID)
		return nil, asap.NewError(asap.AreaTransport, asap.KindReadTimeout, "ws.send_and_receive", ctx.Err())
	case <-t.done:
		return nil, asap.NewError(asap.AreaTransport, asap.KindReadTimeout, "ws.send_and_receive",
			fmt.Errorf("transport closed while awaiting response to %s", env.ID))
	}
}

// Ack sends an acknowledgement frame for an inbound envelope id.
func (t *Transport) Ack(envelopeID string) error {
	return t.writeFrame(frame{Type: frameAck, EnvelopeID: envelopeID})
}

// Close tears the transport down: stops all loops, sends a close frame,
// fails outstanding futures and clears the pending maps. Safe to call more
// than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)

		if conn := t.current(); conn != nil {
			t.writeMu.Lock()
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			t.writeMu.Unlock()
			conn.Close()
		}
		t.wg.Wait()

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()

		t.pendMu.Lock()
		for _, ch := range t.futures {
			close(ch)
		}
		t.futures = make(map[string]chan *asap.Envelope)
		t.pendingAcks = make(map[string]*pendingAck)
		t.pendMu.Unlock()
		metrics.SetWSAcksPending(0)

		logger.Info("ws closed", "url", t.cfg.URL)
	})
	return nil
}

func (t *Transport) writeFrame(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return asap.NewError(asap.AreaTransport, asap.KindConnectionRefused, "ws.write", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn := t.current()
	if conn == nil {
		return asap.NewError(asap.AreaTransport, asap.KindConnectionRefused, "ws.write",
			fmt.Errorf("not connected to %s", t.cfg.URL))
	}
	conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return asap.NewError(asap.AreaTransport, asap.KindConnectionRefused, "ws.write", err)
	}
	return nil
}

func (t *Transport) trackAck(env *asap.Envelope) {
	t.pendMu.Lock()
	t.pendingAcks[env.ID] = &pendingAck{env: env, sentAt: time.Now()}
	n := len(t.pendingAcks)
	t.pendMu.Unlock()
	metrics.SetWSAcksPending(n)
}

func (t *Transport) dropAck(envelopeID string) {
	t.pendMu.Lock()
	delete(t.pendingAcks, envelopeID)
	n := len(t.pendingAcks)
	t.pendMu.Unlock()
	metrics.SetWSAcksPending(n)
}

// recvLoop reads frames from one socket until it errors, then signals the
// run loop. A fresh recvLoop is started for each successful (re)connect.
func (t *Transport) recvLoop(conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.mu.Lock()
				if t.conn == conn {
					t.conn = nil
				}
				t.mu.Unlock()
				logger.Warn("ws connection lost", "url", t.cfg.URL, "error", err)
				select {
				case t.lost <- struct{}{}:
				default:
				}
			}
			return
		}
		t.route(data)
	}
}

func (t *Transport) route(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		logger.Warn("ws dropping malformed frame", "url", t.cfg.URL, "error", err)
		return
	}
	switch {
	case f.Type == frameAck:
		t.dropAck(f.EnvelopeID)
		logger.Debug("ws ack received", "envelope_id", f.EnvelopeID)
	case f.Envelope != nil:
		env := f.Envelope
		logger.EnvelopeReceived(env.ID, env.PayloadType, env.Sender, "transport", "ws")
		if env.CorrelationID != "" {
			t.pendMu.Lock()
			ch, ok := t.futures[env.CorrelationID]
			if ok {
				delete(t.futures, env.CorrelationID)
				delete(t.pendingAcks, env.CorrelationID)
			}
			n := len(t.pendingAcks)
			t.pendMu.Unlock()
			if ok {
				metrics.SetWSAcksPending(n)
				ch <- env
				return
			}
		}
		if t.cfg.Handler != nil {
			t.cfg.Handler(env)
		}
	default:
		logger.Warn("ws dropping frame with unknown type", "type", f.Type)
	}
}

// runLoop owns the connection lifecycle: it waits for a lost signal and
// reconnects with exponential backoff. It exits when the transport closes
// or when MaxReconnectAttempts consecutive dials fail.
func (t *Transport) runLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case <-t.lost:
			if !t.reconnect() {
				logger.Error("ws reconnect attempts exhausted", "url", t.cfg.URL,
					"attempts", t.cfg.MaxReconnectAttempts)
				return
			}
		}
	}
}

// reconnect dials until success or MaxReconnectAttempts failures. The
// attempt counter is local so a later disconnect starts fresh.
func (t *Transport) reconnect() bool {
	for attempt := 1; attempt <= t.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-t.done:
			return false
		case <-time.After(t.backoffDelay(attempt)):
		}
		if !t.b.Allow() {
			logger.Warn("ws reconnect blocked by open breaker", "url", t.cfg.URL, "attempt", attempt)
			continue
		}
		conn, err := t.dial(context.Background())
		if err != nil {
			t.b.RecordFailure()
			logger.Warn("ws reconnect failed", "url", t.cfg.URL, "attempt", attempt, "error", err)
			continue
		}
		t.b.RecordSuccess()
		metrics.RecordWSReconnect()

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()

		t.wg.Add(1)
		go t.recvLoop(conn)
		logger.Info("ws reconnected", "url", t.cfg.URL, "attempt", attempt)
		return true
	}
	return false
}

// backoffDelay returns min(initial·2^(attempt-1), max).
func (t *Transport) backoffDelay(attempt int) time.Duration {
	delay := t.cfg.InitialBackoff << (attempt - 1)
	if delay > t.cfg.MaxBackoff || delay <= 0 {
		delay = t.cfg.MaxBackoff
	}
	return delay
}

// ackCheckLoop polls pending acks every AckCheckInterval. Timed-out entries
// are retransmitted up to MaxAckRetries times; beyond that the envelope is
// dropped and a single failure recorded on the breaker.
func (t *Transport) ackCheckLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.AckCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			t.checkAcks(now)
		}
	}
}

func (t *Transport) checkAcks(now time.Time) {
	var resend []*asap.Envelope
	var dropped []string

	t.pendMu.Lock()
	for id, p := range t.pendingAcks {
		if now.Sub(p.sentAt) < t.cfg.AckTimeout {
			continue
		}
		if p.retries < t.cfg.MaxAckRetries {
			p.retries++
			p.sentAt = now
			resend = append(resend, p.env)
		} else {
			delete(t.pendingAcks, id)
			dropped = append(dropped, id)
		}
	}
	n := len(t.pendingAcks)
	t.pendMu.Unlock()
	metrics.SetWSAcksPending(n)

	for _, env := range resend {
		if err := t.writeFrame(frame{Type: frameEnvelope, Envelope: env}); err != nil {
			logger.Warn("ws ack retransmit failed", "envelope_id", env.ID, "error", err)
			continue
		}
		logger.Debug("ws envelope retransmitted", "envelope_id", env.ID)
	}
	for _, id := range dropped {
		t.b.RecordFailure()
		logger.Error("ws envelope dropped after ack retries", "envelope_id", id,
			"retries", t.cfg.MaxAckRetries)
	}
}
