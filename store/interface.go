// Package store provides persistence for snapshots, metering events, and
// delegation records. Three backends exist: an in-memory one for tests and
// single-process agents, a SQLite-backed one keyed by a single file, and a
// Redis-backed snapshot store for distributed deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/asaplabs/asap-go/asap"
)

// Store errors.
var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidID is returned when an empty or malformed key is provided.
	ErrInvalidID = errors.New("store: invalid id")
)

// MaxCascadeDepth bounds the work done by RevokeCascade. Delegation chains
// deeper than this are cut off rather than followed; adversarial chains
// cannot make a revocation unbounded.
const MaxCascadeDepth = 50

// SnapshotStore persists versioned task state checkpoints. Versions are
// caller-assigned; saving an existing (task, version) pair overwrites it.
type SnapshotStore interface {
	// Save inserts or overwrites the snapshot keyed by (TaskID, Version).
	Save(ctx context.Context, snap *asap.StateSnapshot) error

	// Get returns the exact version when version is non-nil, otherwise the
	// latest version for the task.
	Get(ctx context.Context, taskID string, version *int) (*asap.StateSnapshot, error)

	// ListVersions returns the stored versions for a task in ascending order.
	ListVersions(ctx context.Context, taskID string) ([]int, error)

	// Delete removes one version when version is non-nil, otherwise every
	// version of the task. Deleting the latest version moves the latest
	// pointer to the new maximum; deleting the last version removes the
	// task entirely.
	Delete(ctx context.Context, taskID string, version *int) error
}

// UsageQuery filters metering events. Zero-value fields match everything.
type UsageQuery struct {
	AgentID    string
	ConsumerID string
	TaskID     string
	Start      time.Time
	End        time.Time
	Limit      int
	Offset     int
}

// Aggregation group keys.
const (
	GroupByAgent    = "agent"
	GroupByConsumer = "consumer"
	GroupByDay      = "day"
	GroupByWeek     = "week"
)

// UsageAggregate is one bucket of an Aggregate call: the group key, the
// number of events in the bucket, and the per-metric sums.
type UsageAggregate struct {
	Key     string             `json:"key"`
	Events  int                `json:"events"`
	Metrics map[string]float64 `json:"metrics"`
}

// MeteringStore records and queries typed usage events.
type MeteringStore interface {
	// Record persists one usage event.
	Record(ctx context.Context, event *asap.UsageEvent) error

	// Query returns events matching q, newest first, honoring Limit/Offset.
	Query(ctx context.Context, q UsageQuery) ([]*asap.UsageEvent, error)

	// Aggregate groups the events matching q by one of the GroupBy keys and
	// sums their metrics.
	Aggregate(ctx context.Context, q UsageQuery, groupBy string) ([]UsageAggregate, error)

	// PurgeExpired removes events older than ttl and returns how many were
	// removed.
	PurgeExpired(ctx context.Context, ttl time.Duration) (int, error)
}

// IssuedDelegation records a minted delegation token.
type IssuedDelegation struct {
	JTI          string    `json:"jti"`
	DelegatorURN string    `json:"delegator_urn"`
	DelegateURN  string    `json:"delegate_urn,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Revocation records a revoked delegation token.
type Revocation struct {
	JTI       string    `json:"jti"`
	RevokedAt time.Time `json:"revoked_at"`
	Reason    string    `json:"reason,omitempty"`
}

// DelegationStore owns the canonical issued-index and revoked-set for
// delegation tokens. Validators consult it before accepting a token.
type DelegationStore interface {
	// RecordIssued persists an issuance record.
	RecordIssued(ctx context.Context, d *IssuedDelegation) error

	// Issued returns the issuance record for a token id.
	Issued(ctx context.Context, jti string) (*IssuedDelegation, error)

	// ListIssued returns issuance records, optionally filtered by delegator.
	ListIssued(ctx context.Context, delegatorURN string) ([]*IssuedDelegation, error)

	// TokenIDsIssuedBy returns the ids of every token issued by the given
	// delegator URN.
	TokenIDsIssuedBy(ctx context.Context, delegatorURN string) ([]string, error)

	// Revoke marks a token revoked. Revoking an already-revoked token is a
	// no-op, not an error.
	Revoke(ctx context.Context, jti, reason string) error

	// IsRevoked reports whether the token id is in the revoked set.
	IsRevoked(ctx context.Context, jti string) (bool, error)

	// AreRevoked checks a batch of token ids in a single query. The result
	// map has one entry per input id.
	AreRevoked(ctx context.Context, jtis []string) (map[string]bool, error)

	// RevokeCascade revokes the token and every descendant reachable through
	// delegate-issued tokens, up to MaxCascadeDepth.
	RevokeCascade(ctx context.Context, jti, reason string) error
}

// revokeCascade is the shared cascade walk used by every backend. It is an
// iterative BFS with a visited set: recursion would risk stack exhaustion on
// adversarial chains, and the visited set guarantees termination on cycles.
func revokeCascade(ctx context.Context, ds DelegationStore, jti, reason string) error {
	type item struct {
		jti   string
		depth int
	}

	visited := make(map[string]bool)
	stack := []item{{jti: jti, depth: 0}}

	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[cur.jti] || cur.depth > MaxCascadeDepth {
			continue
		}
		visited[cur.jti] = true

		issued, err := ds.Issued(ctx, cur.jti)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if issued != nil && issued.DelegateURN != "" {
			children, err := ds.TokenIDsIssuedBy(ctx, issued.DelegateURN)
			if err != nil {
				return err
			}
			for _, child := range children {
				stack = append(stack, item{jti: child, depth: cur.depth + 1})
			}
		}

		if err := ds.Revoke(ctx, cur.jti, reason); err != nil {
			return err
		}
	}

	return nil
}
