package cache

import (
	"context"
	"time"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/epi"
)

// Noop is the disabled back-end: every operation is total and side-effect
// free, and Get never hits.
type Noop struct {
	counters counters
}

func NewNoop() *Noop { return &Noop{} }

func (n *Noop) Name() string { return "none" }

func (n *Noop) Get(context.Context, string, []epi.Step) (epi.Document, int, error) {
	n.counters.misses.Add(1)
	return nil, 0, nil
}

func (n *Noop) Set(context.Context, string, []epi.Step, epi.Document, time.Duration) error {
	return nil
}

func (n *Noop) InvalidateByEpi(context.Context, string) error { return nil }

func (n *Noop) Stats() Stats { return n.counters.snapshot() }

func (n *Noop) Clear(context.Context) error { return nil }
