package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/epi"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/logging"
)

// Composite layers two back-ends as L1/L2: reads prefer L1 and promote L2
// hits into L1 under the prefix length L2 matched, writes go through to both
// levels concurrently. L2 may itself be a Composite, which yields hierarchies
// of arbitrary depth.
type Composite struct {
	l1, l2     Store
	promoteTTL time.Duration
	counters   counters
	logger     logging.Logger
}

// NewComposite wraps l1 and l2. promoteTTL bounds the lifetime of entries
// promoted from L2 into L1.
func NewComposite(l1, l2 Store, promoteTTL time.Duration, logger logging.Logger) *Composite {
	return &Composite{
		l1:         l1,
		l2:         l2,
		promoteTTL: promoteTTL,
		logger:     logging.OrNop(logger),
	}
}

func (c *Composite) Name() string {
	return fmt.Sprintf("%s<%s", c.l1.Name(), c.l2.Name())
}

func (c *Composite) Get(ctx context.Context, fingerprint string, steps []epi.Step) (epi.Document, int, error) {
	doc, matched, err := c.l1.Get(ctx, fingerprint, steps)
	if err != nil {
		c.counters.errors.Add(1)
		c.logger.Warn("L1 %s get failed: %v", c.l1.Name(), err)
	}
	if doc != nil {
		c.counters.hit(matched, len(steps))
		return doc, matched, nil
	}

	doc, matched, err = c.l2.Get(ctx, fingerprint, steps)
	if err != nil {
		c.counters.errors.Add(1)
		c.logger.Warn("L2 %s get failed: %v", c.l2.Name(), err)
	}
	if doc == nil {
		c.counters.misses.Add(1)
		return nil, 0, nil
	}

	// Promotion: make the L2 hit available to the next L1 read, keyed by
	// the prefix L2 actually matched.
	if err := c.l1.Set(ctx, fingerprint, steps[:matched], doc, c.promoteTTL); err != nil {
		c.counters.errors.Add(1)
		c.logger.Warn("promotion into %s failed: %v", c.l1.Name(), err)
	}
	c.counters.hit(matched, len(steps))
	return doc, matched, nil
}

func (c *Composite) Set(ctx context.Context, fingerprint string, steps []epi.Step, value epi.Document, ttl time.Duration) error {
	err := c.fanout(
		func() error { return c.l1.Set(ctx, fingerprint, steps, value, ttl) },
		func() error { return c.l2.Set(ctx, fingerprint, steps, value, ttl) },
	)
	if err != nil {
		c.counters.errors.Add(1)
		return err
	}
	c.counters.sets.Add(1)
	return nil
}

func (c *Composite) InvalidateByEpi(ctx context.Context, fingerprint string) error {
	err := c.fanout(
		func() error { return c.l1.InvalidateByEpi(ctx, fingerprint) },
		func() error { return c.l2.InvalidateByEpi(ctx, fingerprint) },
	)
	if err != nil {
		c.counters.errors.Add(1)
		return err
	}
	return nil
}

func (c *Composite) Stats() Stats { return c.counters.snapshot() }

func (c *Composite) Clear(ctx context.Context) error {
	return c.fanout(
		func() error { return c.l1.Clear(ctx) },
		func() error { return c.l2.Clear(ctx) },
	)
}

// fanout runs both levels to completion. One level failing must not cancel
// the other, so the operations keep their caller's context and the errors
// are joined afterwards.
func (c *Composite) fanout(l1Op, l2Op func() error) error {
	var group errgroup.Group
	var l1Err, l2Err error
	group.Go(func() error { l1Err = l1Op(); return nil })
	group.Go(func() error { l2Err = l2Op(); return nil })
	_ = group.Wait()
	return errors.Join(l1Err, l2Err)
}
