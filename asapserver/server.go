// Package asapserver exposes an agent over HTTP: the asap.send JSON-RPC
// endpoint, the well-known manifest, Prometheus metrics, and the optional
// delegation REST surface.
package asapserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/asaplabs/asap-go/asap"
	"github.com/asaplabs/asap-go/delegation"
	"github.com/asaplabs/asap-go/dispatch"
	"github.com/asaplabs/asap-go/logger"
	"github.com/asaplabs/asap-go/metrics"
	"github.com/asaplabs/asap-go/store"
)

const (
	// defaultReadHeaderTimeout prevents Slowloris attacks.
	defaultReadHeaderTimeout = 10 * time.Second

	// defaultReadTimeout is the maximum duration for reading the entire
	// request, including the body.
	defaultReadTimeout = 30 * time.Second

	// defaultWriteTimeout is the maximum duration before timing out
	// writes of the response.
	defaultWriteTimeout = 60 * time.Second

	// defaultIdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled.
	defaultIdleTimeout = 120 * time.Second

	// defaultMaxBodySize is the maximum allowed size of a request body (10 MB).
	defaultMaxBodySize int64 = 10 << 20

	// defaultTaskTTL is how long terminal tasks are kept before eviction.
	defaultTaskTTL = 1 * time.Hour

	// evictionInterval is how often the background eviction loop runs.
	evictionInterval = 1 * time.Minute

	// rateLimiterCapacity bounds the per-client limiter registry.
	rateLimiterCapacity = 1024
)

// Authenticator validates incoming requests. Return a non-nil error to
// reject with HTTP 401.
type Authenticator interface {
	Authenticate(r *http.Request) error
}

// TokenValidator verifies an OAuth2 bearer token and returns the subject
// it authenticates. JWKS fetching and issuer policy live behind this
// callback.
type TokenValidator func(ctx context.Context, raw string) (subject string, err error)

// ManifestProvider returns the manifest served at the well-known path.
type ManifestProvider interface {
	Manifest(r *http.Request) (*asap.Manifest, error)
}

// StaticManifest is a ManifestProvider that always returns the same
// manifest.
type StaticManifest struct {
	M asap.Manifest
}

// Manifest returns the static manifest.
func (s *StaticManifest) Manifest(*http.Request) (*asap.Manifest, error) {
	return &s.M, nil
}

// Option configures a [Server].
type Option func(*Server)

// WithManifest sets the manifest served at /.well-known/asap/manifest.json.
func WithManifest(m *asap.Manifest) Option {
	return func(s *Server) { s.manifests = &StaticManifest{M: *m} }
}

// WithManifestProvider sets a dynamic manifest provider.
func WithManifestProvider(p ManifestProvider) Option {
	return func(s *Server) { s.manifests = p }
}

// WithPort sets the TCP port for ListenAndServe.
func WithPort(port int) Option {
	return func(s *Server) { s.port = port }
}

// WithTaskStore sets a custom task store. Defaults to an in-memory store.
func WithTaskStore(ts asap.TaskStore) Option {
	return func(s *Server) { s.tasks = ts }
}

// WithReadTimeout sets the maximum duration for reading the entire request.
// Default: 30s.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) { s.readTimeout = d }
}

// WithWriteTimeout sets the maximum duration before timing out writes of
// the response. Default: 60s.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithIdleTimeout sets the maximum amount of time to wait for the next
// request when keep-alives are enabled. Default: 120s.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

// WithMaxBodySize sets the maximum allowed request body size in bytes.
// Default: 10 MB.
func WithMaxBodySize(n int64) Option {
	return func(s *Server) { s.maxBodySize = n }
}

// WithTaskTTL sets how long terminal tasks are retained before automatic
// eviction. Default: 1 hour. Set to 0 to disable eviction.
func WithTaskTTL(d time.Duration) Option {
	return func(s *Server) { s.taskTTL = d }
}

// WithAuthenticator sets an authenticator for incoming requests.
func WithAuthenticator(auth Authenticator) Option {
	return func(s *Server) { s.authenticator = auth }
}

// WithTokenValidator sets the OAuth2 bearer validator. Required for
// delegation writes; also used to derive the rate-limit client key.
func WithTokenValidator(v TokenValidator) Option {
	return func(s *Server) { s.tokenValidator = v }
}

// WithRateLimit enables per-client rate limiting on POST /asap. Clients
// are keyed by bearer subject when available, remote IP otherwise.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.rateLimit = perSecond
		s.rateBurst = burst
	}
}

// WithDelegation mounts the delegation REST endpoints backed by the given
// key store and delegation store.
func WithDelegation(keys delegation.KeyStore, ds store.DelegationStore) Option {
	return func(s *Server) {
		s.issuer = delegation.NewIssuer(keys, ds)
		s.delegations = ds
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Server exposes a dispatch registry as an ASAP JSON-RPC endpoint.
type Server struct {
	registry       *dispatch.Registry
	tasks          asap.TaskStore
	manifests      ManifestProvider
	authenticator  Authenticator
	tokenValidator TokenValidator
	schema         *asap.SchemaValidator
	issuer         *delegation.Issuer
	delegations    store.DelegationStore
	exporter       *metrics.Exporter
	port           int
	httpSrv        *http.Server
	httpSrvMu      sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
	maxBodySize  int64

	rateLimit  float64
	rateBurst  int
	limitersMu sync.Mutex
	limiters   map[string]*clientLimiter

	taskTTL  time.Duration // 0 disables task eviction
	stopOnce sync.Once
	stopCh   chan struct{} // closed to stop the eviction goroutine
}

// NewServer creates a server dispatching to the given registry.
func NewServer(registry *dispatch.Registry, opts ...Option) (*Server, error) {
	schema, err := asap.NewSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("asapserver: compile envelope schema: %w", err)
	}

	s := &Server{
		registry:     registry,
		schema:       schema,
		exporter:     metrics.NewExporter(""),
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		idleTimeout:  defaultIdleTimeout,
		maxBodySize:  defaultMaxBodySize,
		taskTTL:      defaultTaskTTL,
		limiters:     make(map[string]*clientLimiter),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tasks == nil {
		s.tasks = asap.NewInMemoryTaskStore()
	}

	if s.taskTTL > 0 {
		go s.evictionLoop()
	}

	return s, nil
}

// Handler returns an http.Handler implementing the protocol surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+asap.ManifestPath, s.handleManifest)
	mux.HandleFunc("POST /asap", s.handleRPC)
	mux.Handle("GET /asap/metrics", s.exporter.Handler())
	if s.issuer != nil && s.delegations != nil {
		mux.HandleFunc("POST /asap/delegations", s.handleIssueDelegation)
		mux.HandleFunc("GET /asap/delegations", s.handleListDelegations)
		mux.HandleFunc("GET /asap/delegations/{id}", s.handleGetDelegation)
		mux.HandleFunc("DELETE /asap/delegations/{id}", s.handleRevokeDelegation)
	}
	return otelhttp.NewHandler(mux, "asap-server")
}

// ListenAndServe starts the HTTP server on the configured port.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}

	s.httpSrvMu.Lock()
	s.httpSrv = srv
	s.httpSrvMu.Unlock()

	return srv.ListenAndServe()
}

// Serve starts the HTTP server on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}

	s.httpSrvMu.Lock()
	s.httpSrv = srv
	s.httpSrvMu.Unlock()

	return srv.Serve(ln)
}

// Shutdown gracefully shuts down the server: stops the eviction goroutine
// and drains in-flight HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.httpSrvMu.Lock()
	srv := s.httpSrv
	s.httpSrvMu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// handleManifest serves the agent manifest as JSON.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if s.manifests == nil {
		http.Error(w, "no manifest configured", http.StatusNotFound)
		return
	}
	man, err := s.manifests.Manifest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(man)
}

// handleRPC runs the asap.send lifecycle: parse, validate, rate-limit,
// dispatch, respond. Protocol failures are JSON-RPC errors in a 200 body;
// HTTP status codes are reserved for framing concerns.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := "error"
	defer func() {
		metrics.RecordRequest(asap.MethodSend, status, time.Since(start).Seconds())
	}()

	if s.authenticator != nil {
		if err := s.authenticator.Authenticate(r); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			writeRPCError(w, nil, -32000, fmt.Sprintf("authentication failed: %v", err), nil)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)

	var req asap.JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nil, asap.CodeParseError, "Parse error", nil)
		return
	}
	if req.Method != asap.MethodSend {
		writeRPCError(w, req.ID, asap.CodeMethodNotFound, "Method not found", nil)
		return
	}

	var params asap.SendParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Envelope == nil {
		writeRPCError(w, req.ID, asap.CodeInvalidParams, "Invalid params", nil)
		return
	}
	env := params.Envelope

	if err := s.validateEnvelope(req.Params, env); err != nil {
		writeRPCError(w, req.ID, asap.CodeInvalidParams, "Invalid envelope",
			map[string]any{"error": "Invalid envelope", "code": asap.CodeOf(err)})
		return
	}
	logger.EnvelopeReceived(env.ID, env.PayloadType, env.Sender)

	if !s.allowClient(r) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		writeRPCError(w, req.ID, -32000, "Rate limit exceeded", nil)
		return
	}

	resp, err := s.dispatch(r.Context(), env)
	if err != nil {
		var perr *asap.Error
		code := asap.CodeInternalError
		msg := "Internal error"
		var data map[string]any
		if errors.As(err, &perr) {
			if asap.IsKind(err, asap.AreaTransport, asap.KindHandlerNotFound) {
				code = asap.CodeMethodNotFound
			}
			msg = perr.Message()
			data = perr.RPCData()
		}
		writeRPCError(w, req.ID, code, msg, data)
		return
	}

	result, err := asap.NewSendResult(req.ID, resp)
	if err != nil {
		writeRPCError(w, req.ID, asap.CodeInternalError, "Internal error", nil)
		return
	}
	status = "success"
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// dispatch invokes the registered handler with panic recovery. Panic
// details never leave the process; only the envelope id is logged with
// them.
func (s *Server) dispatch(ctx context.Context, env *asap.Envelope) (resp *asap.Envelope, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("handler panic", "envelope_id", env.ID, "panic", rec,
				"stack", string(debug.Stack()))
			metrics.RecordDispatch(env.PayloadType, "panic", 0)
			resp = nil
			err = fmt.Errorf("internal error")
		}
	}()

	var man *asap.Manifest
	if s.manifests != nil {
		man, _ = s.manifests.Manifest(nil)
	}
	return s.registry.Dispatch(ctx, env, man)
}

// validateEnvelope runs schema validation over the raw envelope JSON and
// then the structural invariants.
func (s *Server) validateEnvelope(rawParams json.RawMessage, env *asap.Envelope) error {
	var raw struct {
		Envelope json.RawMessage `json:"envelope"`
	}
	if err := json.Unmarshal(rawParams, &raw); err != nil {
		return asap.NewError(asap.AreaEnvelope, asap.KindInvalidSchema, "server.validate", err)
	}
	if err := s.schema.ValidateEnvelope(raw.Envelope); err != nil {
		return err
	}
	return env.Validate()
}

// allowClient consults the per-client limiter. Clients are keyed by bearer
// subject when a token validator is configured, remote IP otherwise.
func (s *Server) allowClient(r *http.Request) bool {
	if s.rateLimit <= 0 {
		return true
	}
	return s.limiterFor(s.clientKey(r)).Allow()
}

func (s *Server) clientKey(r *http.Request) string {
	if s.tokenValidator != nil {
		if token := bearerToken(r); token != "" {
			if subject, err := s.tokenValidator(r.Context(), token); err == nil {
				return "sub:" + subject
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

func (s *Server) limiterFor(key string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()

	if cl, ok := s.limiters[key]; ok {
		cl.lastUsed = time.Now()
		return cl.limiter
	}
	if len(s.limiters) >= rateLimiterCapacity {
		var oldestKey string
		var oldest time.Time
		for k, cl := range s.limiters {
			if oldestKey == "" || cl.lastUsed.Before(oldest) {
				oldestKey, oldest = k, cl.lastUsed
			}
		}
		delete(s.limiters, oldestKey)
	}
	cl := &clientLimiter{
		limiter:  rate.NewLimiter(rate.Limit(s.rateLimit), s.rateBurst),
		lastUsed: time.Now(),
	}
	s.limiters[key] = cl
	return cl.limiter
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	return token
}

// writeRPCError writes a JSON-RPC 2.0 error response.
func writeRPCError(w http.ResponseWriter, id any, code int, msg string, data map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(asap.JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &asap.JSONRPCError{Code: code, Message: msg, Data: data},
	})
}

// evictionLoop periodically sweeps expired terminal tasks. It runs until
// stopCh is closed (via Shutdown).
func (s *Server) evictionLoop() {
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n := s.tasks.Evict(time.Now().Add(-s.taskTTL)); n > 0 {
				logger.Debug("evicted terminal tasks", "count", n)
			}
		}
	}
}
