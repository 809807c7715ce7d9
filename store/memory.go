package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/asaplabs/asap-go/asap"
)

// MemorySnapshotStore is a mutex-guarded in-memory SnapshotStore. It is
// suitable for tests and single-instance agents; use SQLiteStore or
// RedisSnapshotStore for durability.
type MemorySnapshotStore struct {
	mu sync.RWMutex

	// snapshots maps task id to version to snapshot.
	snapshots map[string]map[int]*asap.StateSnapshot
}

// NewMemorySnapshotStore creates an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		snapshots: make(map[string]map[int]*asap.StateSnapshot),
	}
}

// Save inserts or overwrites the snapshot keyed by (TaskID, Version).
func (s *MemorySnapshotStore) Save(_ context.Context, snap *asap.StateSnapshot) error {
	if snap == nil || snap.TaskID == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.snapshots[snap.TaskID]
	if !ok {
		versions = make(map[int]*asap.StateSnapshot)
		s.snapshots[snap.TaskID] = versions
	}

	copied := copySnapshot(snap)
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}
	versions[snap.Version] = copied
	return nil
}

// Get returns the exact version when version is non-nil, otherwise the
// latest version for the task.
func (s *MemorySnapshotStore) Get(_ context.Context, taskID string, version *int) (*asap.StateSnapshot, error) {
	if taskID == "" {
		return nil, ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.snapshots[taskID]
	if !ok || len(versions) == 0 {
		return nil, ErrNotFound
	}

	var want int
	if version != nil {
		want = *version
	} else {
		first := true
		for v := range versions {
			if first || v > want {
				want = v
				first = false
			}
		}
	}

	snap, ok := versions[want]
	if !ok {
		return nil, ErrNotFound
	}
	return copySnapshot(snap), nil
}

// ListVersions returns the stored versions for a task in ascending order.
func (s *MemorySnapshotStore) ListVersions(_ context.Context, taskID string) ([]int, error) {
	if taskID == "" {
		return nil, ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.snapshots[taskID]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]int, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

// Delete removes one version or, when version is nil, every version of the
// task. Removing the last version drops the task entry entirely.
func (s *MemorySnapshotStore) Delete(_ context.Context, taskID string, version *int) error {
	if taskID == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.snapshots[taskID]
	if !ok {
		return ErrNotFound
	}

	if version == nil {
		delete(s.snapshots, taskID)
		return nil
	}

	if _, ok := versions[*version]; !ok {
		return ErrNotFound
	}
	delete(versions, *version)
	if len(versions) == 0 {
		delete(s.snapshots, taskID)
	}
	return nil
}

// copySnapshot deep-copies a snapshot through JSON so callers cannot mutate
// stored state.
func copySnapshot(snap *asap.StateSnapshot) *asap.StateSnapshot {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	var out asap.StateSnapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return &out
}

// MemoryMeteringStore is a mutex-guarded in-memory MeteringStore.
type MemoryMeteringStore struct {
	mu     sync.RWMutex
	events []*asap.UsageEvent
}

// NewMemoryMeteringStore creates an empty in-memory metering store.
func NewMemoryMeteringStore() *MemoryMeteringStore {
	return &MemoryMeteringStore{}
}

// Record persists one usage event.
func (s *MemoryMeteringStore) Record(_ context.Context, event *asap.UsageEvent) error {
	if event == nil || event.ID == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *event
	if copied.Timestamp.IsZero() {
		copied.Timestamp = time.Now().UTC()
	}
	if event.Metrics != nil {
		copied.Metrics = make(map[string]float64, len(event.Metrics))
		for k, v := range event.Metrics {
			copied.Metrics[k] = v
		}
	}
	s.events = append(s.events, &copied)
	return nil
}

// Query returns events matching q, newest first.
func (s *MemoryMeteringStore) Query(_ context.Context, q UsageQuery) ([]*asap.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*asap.UsageEvent
	for _, ev := range s.events {
		if matchesQuery(ev, q) {
			copied := *ev
			matched = append(matched, &copied)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	return paginateEvents(matched, q.Offset, q.Limit), nil
}

// Aggregate groups matching events by the given key and sums their metrics.
func (s *MemoryMeteringStore) Aggregate(ctx context.Context, q UsageQuery, groupBy string) ([]UsageAggregate, error) {
	// Aggregation walks every match; disable pagination for the scan.
	scan := q
	scan.Limit = 0
	scan.Offset = 0
	events, err := s.Query(ctx, scan)
	if err != nil {
		return nil, err
	}
	return aggregateEvents(events, groupBy)
}

// PurgeExpired removes events older than ttl and returns the count removed.
func (s *MemoryMeteringStore) PurgeExpired(_ context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	removed := 0
	for _, ev := range s.events {
		if ev.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return removed, nil
}

// matchesQuery reports whether ev satisfies every set filter in q.
func matchesQuery(ev *asap.UsageEvent, q UsageQuery) bool {
	if q.AgentID != "" && ev.AgentID != q.AgentID {
		return false
	}
	if q.ConsumerID != "" && ev.ConsumerID != q.ConsumerID {
		return false
	}
	if q.TaskID != "" && ev.TaskID != q.TaskID {
		return false
	}
	if !q.Start.IsZero() && ev.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && ev.Timestamp.After(q.End) {
		return false
	}
	return true
}

// paginateEvents applies offset and limit to an already-sorted slice.
func paginateEvents(events []*asap.UsageEvent, offset, limit int) []*asap.UsageEvent {
	if offset >= len(events) {
		return nil
	}
	events = events[offset:]
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events
}

// aggregateEvents buckets events by the group key and sums metrics.
func aggregateEvents(events []*asap.UsageEvent, groupBy string) ([]UsageAggregate, error) {
	keyOf, err := groupKeyFunc(groupBy)
	if err != nil {
		return nil, err
	}

	buckets := make(map[string]*UsageAggregate)
	for _, ev := range events {
		key := keyOf(ev)
		agg, ok := buckets[key]
		if !ok {
			agg = &UsageAggregate{Key: key, Metrics: make(map[string]float64)}
			buckets[key] = agg
		}
		agg.Events++
		for name, v := range ev.Metrics {
			agg.Metrics[name] += v
		}
	}

	out := make([]UsageAggregate, 0, len(buckets))
	for _, agg := range buckets {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// groupKeyFunc maps a GroupBy name to its bucketing function.
func groupKeyFunc(groupBy string) (func(*asap.UsageEvent) string, error) {
	switch groupBy {
	case GroupByAgent:
		return func(ev *asap.UsageEvent) string { return ev.AgentID }, nil
	case GroupByConsumer:
		return func(ev *asap.UsageEvent) string { return ev.ConsumerID }, nil
	case GroupByDay:
		return func(ev *asap.UsageEvent) string {
			return ev.Timestamp.UTC().Format("2006-01-02")
		}, nil
	case GroupByWeek:
		return func(ev *asap.UsageEvent) string {
			year, week := ev.Timestamp.UTC().ISOWeek()
			return fmt.Sprintf("%04d-W%02d", year, week)
		}, nil
	default:
		return nil, ErrInvalidID
	}
}

// MemoryDelegationStore is a mutex-guarded in-memory DelegationStore.
type MemoryDelegationStore struct {
	mu sync.RWMutex

	issued   map[string]*IssuedDelegation // jti → issuance record
	byIssuer map[string][]string          // delegator urn → []jti
	revoked  map[string]*Revocation       // jti → revocation record
}

// NewMemoryDelegationStore creates an empty in-memory delegation store.
func NewMemoryDelegationStore() *MemoryDelegationStore {
	return &MemoryDelegationStore{
		issued:   make(map[string]*IssuedDelegation),
		byIssuer: make(map[string][]string),
		revoked:  make(map[string]*Revocation),
	}
}

// RecordIssued persists an issuance record and indexes it by delegator.
func (s *MemoryDelegationStore) RecordIssued(_ context.Context, d *IssuedDelegation) error {
	if d == nil || d.JTI == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *d
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().UTC()
	}

	if _, exists := s.issued[d.JTI]; !exists {
		s.byIssuer[d.DelegatorURN] = append(s.byIssuer[d.DelegatorURN], d.JTI)
	}
	s.issued[d.JTI] = &copied
	return nil
}

// Issued returns the issuance record for a token id.
func (s *MemoryDelegationStore) Issued(_ context.Context, jti string) (*IssuedDelegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.issued[jti]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *d
	return &copied, nil
}

// ListIssued returns issuance records, optionally filtered by delegator,
// newest first.
func (s *MemoryDelegationStore) ListIssued(_ context.Context, delegatorURN string) ([]*IssuedDelegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*IssuedDelegation
	for _, d := range s.issued {
		if delegatorURN != "" && d.DelegatorURN != delegatorURN {
			continue
		}
		copied := *d
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// TokenIDsIssuedBy returns the ids of every token the delegator issued.
func (s *MemoryDelegationStore) TokenIDsIssuedBy(_ context.Context, delegatorURN string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byIssuer[delegatorURN]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

// Revoke marks a token revoked. Idempotent: re-revoking keeps the original
// revocation record.
func (s *MemoryDelegationStore) Revoke(_ context.Context, jti, reason string) error {
	if jti == "" {
		return ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, already := s.revoked[jti]; already {
		return nil
	}
	s.revoked[jti] = &Revocation{
		JTI:       jti,
		RevokedAt: time.Now().UTC(),
		Reason:    reason,
	}
	return nil
}

// IsRevoked reports whether the token id is revoked.
func (s *MemoryDelegationStore) IsRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[jti]
	return ok, nil
}

// AreRevoked checks a batch of token ids under one lock acquisition.
func (s *MemoryDelegationStore) AreRevoked(_ context.Context, jtis []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bool, len(jtis))
	for _, jti := range jtis {
		_, ok := s.revoked[jti]
		out[jti] = ok
	}
	return out, nil
}

// RevokeCascade revokes the token and every reachable descendant.
func (s *MemoryDelegationStore) RevokeCascade(ctx context.Context, jti, reason string) error {
	return revokeCascade(ctx, s, jti, reason)
}
