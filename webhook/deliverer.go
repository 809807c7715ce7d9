package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/asaplabs/asap-go/logger"
	"github.com/asaplabs/asap-go/metrics"
)

// Deliverer defaults.
const (
	DefaultMaxRetries     = 3
	DefaultBaseDelay      = 500 * time.Millisecond
	DefaultMaxDelay       = 30 * time.Second
	DefaultRatePerSecond  = 10
	DefaultBucketCapacity = 64
	DefaultDLQCapacity    = 1000
)

// Config tunes the delivery retry manager. Zero fields take the defaults
// above.
type Config struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RatePerSecond  float64
	BucketCapacity int
	DLQCapacity    int
	RequireHTTPS   bool

	// OnDeadLetter is invoked after an entry is pushed to the dead-letter
	// queue. Panics and slow callbacks are the callback's problem to avoid;
	// panics are recovered and logged, never propagated.
	OnDeadLetter func(DeadLetterEntry)
}

func (c *Config) setDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = DefaultRatePerSecond
	}
	if c.BucketCapacity <= 0 {
		c.BucketCapacity = DefaultBucketCapacity
	}
	if c.DLQCapacity <= 0 {
		c.DLQCapacity = DefaultDLQCapacity
	}
}

// DeliveryHeader carries the unique id shared by all attempts of one
// delivery, letting receivers deduplicate retransmissions.
const DeliveryHeader = "X-ASAP-Delivery"

// DeadLetterEntry records a delivery that exhausted its retries.
type DeadLetterEntry struct {
	DeliveryID string    `json:"delivery_id"`
	URL        string    `json:"url"`
	Payload    []byte    `json:"payload"`
	LastResult string    `json:"last_result"`
	Attempts   int       `json:"attempts"`
	CreatedAt  time.Time `json:"created_at"`
}

type urlBucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Deliverer posts signed payloads to webhook URLs with bounded retries,
// per-URL rate limits, and a capacity-bounded dead-letter queue.
type Deliverer struct {
	cfg      Config
	signer   *Signer
	client   *http.Client
	validate func(ctx context.Context, url string, requireHTTPS bool) error

	mu      sync.Mutex
	buckets map[string]*urlBucket
	dlq     []DeadLetterEntry
}

// NewDeliverer returns a Deliverer signing with the given secret.
func NewDeliverer(secret []byte, cfg Config) *Deliverer {
	cfg.setDefaults()
	return &Deliverer{
		cfg:      cfg,
		signer:   NewSigner(secret),
		client:   &http.Client{Timeout: 30 * time.Second},
		validate: ValidateURL,
		buckets:  make(map[string]*urlBucket),
	}
}

// Deliver validates the URL, canonicalizes and signs the payload, and
// attempts delivery with exponential backoff. Retryable failures (5xx,
// network errors) that exhaust the retry budget are dead-lettered; 4xx
// rejections fail immediately without a dead-letter entry.
func (d *Deliverer) Deliver(ctx context.Context, url string, payload any) error {
	if err := d.validate(ctx, url, d.cfg.RequireHTTPS); err != nil {
		metrics.RecordWebhookDelivery("rejected")
		return err
	}
	body, err := CanonicalBody(payload)
	if err != nil {
		return err
	}

	deliveryID := uuid.NewString()
	var lastResult string
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if err := d.limiterFor(url).Wait(ctx); err != nil {
			return err
		}

		result, retryable := d.attempt(ctx, deliveryID, url, body)
		if result == "" {
			metrics.RecordWebhookDelivery("success")
			logger.DebugContext(ctx, "webhook delivered", "url", url,
				"delivery_id", deliveryID, "attempt", attempt+1)
			return nil
		}
		lastResult = result
		if !retryable {
			// Receiver-side rejections (4xx) are final: no retries and no
			// dead-letter entry.
			metrics.RecordWebhookDelivery("failed")
			logger.WarnContext(ctx, "webhook delivery rejected by receiver", "url", url, "result", result)
			return fmt.Errorf("webhook delivery to %s failed: %s", url, result)
		}
		if attempt < d.cfg.MaxRetries {
			select {
			case <-time.After(backoffDelay(d.cfg.BaseDelay, d.cfg.MaxDelay, attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	metrics.RecordWebhookDelivery("dead_letter")
	entry := DeadLetterEntry{
		DeliveryID: deliveryID,
		URL:        url,
		Payload:    body,
		LastResult: lastResult,
		Attempts:   d.cfg.MaxRetries + 1,
		CreatedAt:  time.Now().UTC(),
	}
	d.pushDeadLetter(entry)
	logger.WarnContext(ctx, "webhook dead-lettered", "url", url,
		"delivery_id", deliveryID, "last_result", lastResult)
	return fmt.Errorf("webhook delivery to %s failed: %s", url, lastResult)
}

// attempt performs one POST. It returns an empty result on success,
// otherwise a description and whether the failure is retryable.
func (d *Deliverer) attempt(ctx context.Context, deliveryID, url string, body []byte) (result string, retryable bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err.Error(), false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, deliveryID)
	req.Header.Set(SignatureHeader, d.signer.Sign(body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err.Error(), true
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return "", false
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Sprintf("status %d", resp.StatusCode), false
	default:
		return fmt.Sprintf("status %d", resp.StatusCode), true
	}
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base << attempt
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// limiterFor returns the token bucket for a URL, creating it on first use
// and evicting the least recently used bucket when the registry is full.
func (d *Deliverer) limiterFor(url string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b, ok := d.buckets[url]; ok {
		b.lastUsed = time.Now()
		return b.limiter
	}
	if len(d.buckets) >= d.cfg.BucketCapacity {
		var oldestURL string
		var oldest time.Time
		for u, b := range d.buckets {
			if oldestURL == "" || b.lastUsed.Before(oldest) {
				oldestURL, oldest = u, b.lastUsed
			}
		}
		delete(d.buckets, oldestURL)
	}
	b := &urlBucket{
		limiter:  rate.NewLimiter(rate.Limit(d.cfg.RatePerSecond), int(d.cfg.RatePerSecond)+1),
		lastUsed: time.Now(),
	}
	d.buckets[url] = b
	return b.limiter
}

func (d *Deliverer) pushDeadLetter(entry DeadLetterEntry) {
	d.mu.Lock()
	d.dlq = append(d.dlq, entry)
	if len(d.dlq) > d.cfg.DLQCapacity {
		d.dlq = d.dlq[len(d.dlq)-d.cfg.DLQCapacity:]
	}
	depth := len(d.dlq)
	d.mu.Unlock()

	metrics.SetWebhookDLQDepth(depth)

	if cb := d.cfg.OnDeadLetter; cb != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("webhook dead-letter callback panicked", "panic", r)
				}
			}()
			cb(entry)
		}()
	}
}

// DeadLetters returns a copy of the dead-letter queue, oldest first.
func (d *Deliverer) DeadLetters() []DeadLetterEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetterEntry, len(d.dlq))
	copy(out, d.dlq)
	return out
}
