package ws

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// defaultBuckets is shared by all transports in the process so that several
// transports to the same URL draw from one bucket.
var defaultBuckets = newBucketRegistry(DefaultBucketCapacity)

type urlBucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// bucketRegistry holds per-URL outbound rate limiters, bounded in size.
// When full, the least recently used bucket is evicted.
type bucketRegistry struct {
	mu       sync.Mutex
	capacity int
	buckets  map[string]*urlBucket
}

func newBucketRegistry(capacity int) *bucketRegistry {
	if capacity <= 0 {
		capacity = DefaultBucketCapacity
	}
	return &bucketRegistry{
		capacity: capacity,
		buckets:  make(map[string]*urlBucket, capacity),
	}
}

func (r *bucketRegistry) limiterFor(url string, perSecond float64) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.buckets[url]; ok {
		b.lastUsed = time.Now()
		return b.limiter
	}
	if len(r.buckets) >= r.capacity {
		var oldestKey string
		var oldest time.Time
		for k, b := range r.buckets {
			if oldestKey == "" || b.lastUsed.Before(oldest) {
				oldestKey = k
				oldest = b.lastUsed
			}
		}
		delete(r.buckets, oldestKey)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	b := &urlBucket{
		limiter:  rate.NewLimiter(rate.Limit(perSecond), burst),
		lastUsed: time.Now(),
	}
	r.buckets[url] = b
	return b.limiter
}
