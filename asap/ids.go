package asap

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new envelope id: a 26-character Crockford Base32 ULID.
// IDs carry a 48-bit millisecond timestamp followed by 80 bits of entropy,
// so ids created at least one millisecond apart sort lexicographically by
// creation time. Within the same millisecond the entropy is monotonically
// incremented, keeping ids unique and ordered under bursts.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Now(), entropy).String()
}

// ValidateID checks that id is a well-formed ULID in its canonical form.
func ValidateID(id string) error {
	if _, err := ulid.ParseStrict(id); err != nil {
		return NewError(AreaEnvelope, KindInvalidSchema, "validate id", err)
	}
	return nil
}

// IDTime extracts the creation time embedded in an envelope id.
func IDTime(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, NewError(AreaEnvelope, KindInvalidSchema, "parse id", err)
	}
	return ulid.Time(parsed.Time()).UTC(), nil
}
