package utils

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// IDGenerator produces ULIDs from a caller supplied clock and a seeded entropy source,
// so a replay with the same seed produces the same ids.
type IDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewIDGenerator creates a generator seeded with seed.
func NewIDGenerator(seed int64) *IDGenerator {
	return &IDGenerator{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0),
	}
}

// New returns a ULID stamped with at, prefixed when prefix is not empty.
func (g *IDGenerator) New(prefix string, at time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(at), g.entropy)
	if prefix == "" {
		return id.String()
	}
	return prefix + "_" + id.String()
}

// NewRunID generates a random id for runs and alerts.
func NewRunID() string {
	return uuid.New().String()
}
