// Package pipeline executes the ordered preprocessing chain with prefix
// caching: the longest cached prefix of the requested step sequence is
// reused and only the remaining steps are called remotely.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/cache"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/epi"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/errs"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/logging"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/metrics"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/registry"
)

// Caller posts a document to a named preprocessor service.
type Caller interface {
	CallService(ctx context.Context, name string, doc epi.Document) (epi.Document, error)
}

// Pipeline drives the preprocessing chain against the cache and registry.
type Pipeline struct {
	store  cache.Store
	caller Caller
	ttl    time.Duration
	logger logging.Logger
	tracer trace.Tracer

	// Identical (fingerprint, step sequence) runs within this process share
	// one execution; the prefix cache absorbs the rest of the duplication.
	flight singleflight.Group
}

type runResult struct {
	doc      epi.Document
	failures []errs.StageError
}

// New creates a pipeline writing intermediates to store with the given TTL.
func New(store cache.Store, caller Caller, ttl time.Duration, logger logging.Logger) *Pipeline {
	return &Pipeline{
		store:  store,
		caller: caller,
		ttl:    ttl,
		logger: logging.OrNop(logger),
		tracer: otel.Tracer("focusing-manager/pipeline"),
	}
}

// Run applies the steps in order and returns the final document plus the
// per-step failures. Failures never abort the run; the failing step is
// skipped and the chain continues on the unchanged document.
func (p *Pipeline) Run(ctx context.Context, doc epi.Document, steps []epi.Step) (epi.Document, []errs.StageError) {
	if len(steps) == 0 {
		return doc, nil
	}
	fingerprint := epi.Fingerprint(doc)

	key := fingerprint + "|" + signatureChain(steps)
	value, _, shared := p.flight.Do(key, func() (interface{}, error) {
		finalDoc, failures := p.run(ctx, fingerprint, doc, steps)
		return runResult{doc: finalDoc, failures: failures}, nil
	})
	result := value.(runResult)
	if shared {
		// Followers get an isolated copy so the winner's document can keep
		// being mutated by its own lens phase.
		if clone, err := epi.Clone(result.doc); err == nil {
			return clone, result.failures
		}
	}
	return result.doc, result.failures
}

func (p *Pipeline) run(ctx context.Context, fingerprint string, doc epi.Document, steps []epi.Step) (epi.Document, []errs.StageError) {
	ctx, span := p.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.Int("steps", len(steps))))
	defer span.End()

	cached, matched, err := p.store.Get(ctx, fingerprint, steps)
	if err != nil {
		// Cache failures read as misses.
		p.logger.Warn("cache lookup failed: %v", err)
	}
	if matched == len(steps) {
		p.logger.Debug("full cache hit for %s after %d steps", fingerprint, matched)
		return cached, nil
	}

	current := doc
	completed := 0
	if matched > 0 {
		p.logger.Debug("resuming pipeline for %s from cached prefix of %d", fingerprint, matched)
		current = cached
		completed = matched
	}

	var failures []errs.StageError
	for _, step := range steps[matched:] {
		result, err := p.callStep(ctx, step, current)
		if err != nil {
			code := errs.UpstreamUnavailable
			if errors.Is(err, registry.ErrUnknownService) {
				code = errs.UnknownService
			}
			p.logger.Warn("preprocessor %s failed: %v", step.Name, err)
			failures = append(failures, errs.Stage("preprocess", code, step.Name))
			metrics.PreprocessorCalls.WithLabelValues(step.Name, "failure").Inc()
			continue
		}
		metrics.PreprocessorCalls.WithLabelValues(step.Name, "success").Inc()

		current = result
		completed++
		if err := epi.SetCategoryCode(current, epi.CategoryPreprocessed); err != nil {
			p.logger.Warn("cannot stamp category on %s output: %v", step.Name, err)
		}
		if err := p.store.Set(ctx, fingerprint, steps[:completed], current, p.ttl); err != nil {
			p.logger.Warn("cache write after %s failed: %v", step.Name, err)
		}
	}
	return current, failures
}

func (p *Pipeline) callStep(ctx context.Context, step epi.Step, doc epi.Document) (epi.Document, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.step",
		trace.WithAttributes(attribute.String("step", step.Signature())))
	defer span.End()
	return p.caller.CallService(ctx, step.Name, doc)
}

// InvalidateByEpi drops every cached prefix of a fingerprint. Callers use it
// when the document is known to have changed out-of-band.
func (p *Pipeline) InvalidateByEpi(ctx context.Context, fingerprint string) error {
	return p.store.InvalidateByEpi(ctx, fingerprint)
}

// CacheStats exposes the cache hierarchy counters for the stats endpoint.
func (p *Pipeline) CacheStats() cache.Detailed {
	return cache.DetailedOf(p.store)
}

func signatureChain(steps []epi.Step) string {
	signatures := make([]string, 0, len(steps))
	for _, step := range steps {
		signatures = append(signatures, step.Signature())
	}
	return strings.Join(signatures, "|")
}
