// Package cache stores intermediate preprocessing results keyed by
// (schema version, document fingerprint, pipeline prefix). Back-ends share
// one contract so they can be layered into L1/L2 hierarchies.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/epi"
)

// Store is the uniform back-end contract.
//
// Get searches from the longest step prefix down to length 1 and returns the
// first hit together with the matched prefix length; a miss is (nil, 0, nil).
// Back-end failures are reported as errors, counted internally, and must be
// treated as misses by callers.
type Store interface {
	Get(ctx context.Context, fingerprint string, steps []epi.Step) (epi.Document, int, error)
	Set(ctx context.Context, fingerprint string, steps []epi.Step, value epi.Document, ttl time.Duration) error
	InvalidateByEpi(ctx context.Context, fingerprint string) error
	Stats() Stats
	Clear(ctx context.Context) error
	Name() string
}

// Stats are the monotonic counters every back-end owns. PartialHits counts
// successful gets whose matched prefix was shorter than requested.
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Sets        int64 `json:"sets"`
	Errors      int64 `json:"errors"`
	PartialHits int64 `json:"partialHits"`
}

// counters is the atomic backing shared by the back-end implementations.
type counters struct {
	hits        atomic.Int64
	misses      atomic.Int64
	sets        atomic.Int64
	errors      atomic.Int64
	partialHits atomic.Int64
}

func (c *counters) hit(matched, requested int) {
	c.hits.Add(1)
	if matched < requested {
		c.partialHits.Add(1)
	}
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Sets:        c.sets.Load(),
		Errors:      c.errors.Load(),
		PartialHits: c.partialHits.Load(),
	}
}

// Detailed is a stats tree for hierarchy inspection.
type Detailed struct {
	Name     string     `json:"name"`
	Stats    Stats      `json:"stats"`
	Children []Detailed `json:"children,omitempty"`
}

// DetailedOf walks a store hierarchy and snapshots every level.
func DetailedOf(store Store) Detailed {
	detailed := Detailed{Name: store.Name(), Stats: store.Stats()}
	if composite, ok := store.(*Composite); ok {
		detailed.Children = []Detailed{
			DetailedOf(composite.l1),
			DetailedOf(composite.l2),
		}
	}
	return detailed
}
