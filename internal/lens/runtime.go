// Package lens executes focusing lenses: small scripts that rewrite the
// leaflet xhtml of a preprocessed ePI using the patient summary and an
// optional persona vector. Scripts run inside a goja sandbox that exposes
// only the four bound variables and a console forwarded to the lens log
// sink; execution is wall-clock bounded and interruptible.
package lens

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/epi"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/errs"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/logging"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/metrics"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/registry"
)

const defaultExecutionBudget = 10 * time.Second

// Runtime applies lenses to documents.
type Runtime struct {
	logger     logging.Logger // LEE sink
	lensLogger logging.Logger // lens console sink
	budget     time.Duration
	explainer  *Explainer
	tracer     trace.Tracer
}

// NewRuntime creates a runtime with the given per-lens execution budget.
func NewRuntime(budget time.Duration, leeLogger, lensLogger logging.Logger) *Runtime {
	if budget <= 0 {
		budget = defaultExecutionBudget
	}
	return &Runtime{
		logger:     logging.OrNop(leeLogger),
		lensLogger: logging.OrNop(lensLogger),
		budget:     budget,
		explainer:  NewExplainer(),
		tracer:     otel.Tracer("focusing-manager/lens"),
	}
}

// Apply runs one lens over the document's leaflet in place. A nil return
// means the lens was applied and the document advanced to category E; a
// non-nil StageError means the lens was skipped and the document untouched.
func (r *Runtime) Apply(ctx context.Context, doc, ips epi.Document, pv map[string]interface{}, lens *registry.Lens) *errs.StageError {
	ctx, span := r.tracer.Start(ctx, "lens.apply",
		trace.WithAttributes(attribute.String("lens", lens.Key)))
	defer span.End()

	fail := func(code errs.Code, err error) *errs.StageError {
		r.logger.Warn("lens %s skipped (%s): %v", lens.Key, code, err)
		metrics.LensExecutions.WithLabelValues(lens.Key, string(code)).Inc()
		stageErr := errs.Stage("lens", code, lens.Key)
		return &stageErr
	}

	sections, located, err := epi.LeafletSections(doc)
	if err != nil {
		return fail(errs.EmptyLeaflet, err)
	}
	if len(sections) == 0 {
		return fail(errs.EmptyLeaflet, fmt.Errorf("leaflet has no sections"))
	}
	if !located {
		r.logger.Warn("document of lens %s has no marked leaflet container, using first section", lens.Key)
	}

	html := collectHTML(sections)
	if strings.TrimSpace(html) == "" {
		return fail(errs.EmptyLeaflet, fmt.Errorf("leaflet has no narrative"))
	}

	if strings.TrimSpace(lens.EncodedBody) == "" {
		return fail(errs.EmptyScript, fmt.Errorf("lens has no content"))
	}
	script, err := base64.StdEncoding.DecodeString(lens.EncodedBody)
	if err != nil {
		return fail(errs.DecodeFailure, err)
	}
	if strings.TrimSpace(string(script)) == "" {
		return fail(errs.EmptyScript, fmt.Errorf("lens body decodes to nothing"))
	}

	enhanced, explanation, code, err := r.execute(ctx, lens.Key, string(script), doc, ips, pv, html)
	if err != nil {
		return fail(code, err)
	}
	if explanation == "" {
		explanation = r.explainer.Build(lens.Key, epi.Language(doc), ips)
	}

	newSections, err := resegment(enhanced, sections)
	if err != nil {
		return fail(errs.SegmentationFailure, err)
	}

	// Only now, with everything in hand, advance the document.
	if err := epi.WriteLeafletSections(doc, newSections); err != nil {
		return fail(errs.SegmentationFailure, err)
	}
	if err := epi.SetCategoryCode(doc, epi.CategoryEnhanced); err != nil {
		r.logger.Warn("cannot stamp category after lens %s: %v", lens.Key, err)
	}
	if err := epi.AppendLensProvenance(doc, lens.Key, explanation); err != nil {
		r.logger.Warn("cannot record provenance of lens %s: %v", lens.Key, err)
	}
	metrics.LensExecutions.WithLabelValues(lens.Key, "success").Inc()
	r.logger.Info("lens %s applied: %d sections in, %d sections out", lens.Key, len(sections), len(newSections))
	return nil
}

// execute compiles and runs the lens body with the bound free variables
// {epi, ips, pv, html}. The body evaluates to (or returns) an object with
// enhance() and optionally explanation(), either of which may yield a
// promise.
func (r *Runtime) execute(ctx context.Context, key, script string, doc, ips epi.Document, pv map[string]interface{}, html string) (enhanced, explanation string, code errs.Code, err error) {
	program, err := goja.Compile("lens/"+key, wrapScript(script), true)
	if err != nil {
		return "", "", errs.CompileFailure, err
	}

	// The script sees isolated copies: a lens that mutates its bindings and
	// then throws must leave the host document untouched, and no lens may
	// leak state into the next one.
	sandboxDoc, err := epi.Clone(doc)
	if err != nil {
		return "", "", errs.RuntimeFailure, fmt.Errorf("isolating document: %w", err)
	}
	var sandboxIps epi.Document
	if ips != nil {
		if sandboxIps, err = epi.Clone(ips); err != nil {
			return "", "", errs.RuntimeFailure, fmt.Errorf("isolating patient summary: %w", err)
		}
	}
	var sandboxPv map[string]interface{}
	if pv != nil {
		if sandboxPv, err = epi.Clone(pv); err != nil {
			return "", "", errs.RuntimeFailure, fmt.Errorf("isolating persona vector: %w", err)
		}
	}

	vm := goja.New()
	vm.Set("epi", sandboxDoc)
	vm.Set("ips", sandboxIps)
	vm.Set("pv", sandboxPv)
	vm.Set("html", html)
	vm.Set("console", r.newConsole(vm, key))

	// The sandbox has no host access: goja exposes neither filesystem nor
	// network, and nothing else is bound. A runaway script is interrupted
	// at the execution budget or on request cancellation.
	timer := time.AfterFunc(r.budget, func() { vm.Interrupt("lens execution budget exceeded") })
	defer timer.Stop()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("request cancelled")
		case <-watchDone:
		}
	}()

	value, err := vm.RunProgram(program)
	if err != nil {
		return "", "", errs.RuntimeFailure, err
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return "", "", errs.CompileFailure, fmt.Errorf("lens body did not produce an object")
	}
	obj := value.ToObject(vm)

	enhance, ok := goja.AssertFunction(obj.Get("enhance"))
	if !ok {
		return "", "", errs.CompileFailure, fmt.Errorf("lens object has no enhance()")
	}
	result, err := enhance(obj)
	if err != nil {
		return "", "", errs.RuntimeFailure, err
	}
	result, err = awaitValue(result)
	if err != nil {
		return "", "", errs.RuntimeFailure, err
	}
	enhanced = result.String()
	if strings.TrimSpace(enhanced) == "" {
		return "", "", errs.RuntimeFailure, fmt.Errorf("enhance() returned an empty document")
	}

	explanation = r.callExplanation(obj, key)
	return enhanced, explanation, "", nil
}

// callExplanation asks the lens for its own explanation; failures fall back
// to the localized default built by the Explainer.
func (r *Runtime) callExplanation(obj *goja.Object, key string) string {
	for _, name := range []string{"explanation", "getExplanation"} {
		value := obj.Get(name)
		if value == nil || goja.IsUndefined(value) {
			continue
		}
		if fn, ok := goja.AssertFunction(value); ok {
			result, err := fn(obj)
			if err == nil {
				if result, err = awaitValue(result); err == nil {
					return result.String()
				}
			}
			r.logger.Warn("lens %s explanation() failed: %v", key, err)
			return ""
		}
		return value.String()
	}
	return ""
}

// awaitValue unwraps a settled promise. With no event loop a pending
// promise can never settle, so it is reported as a failure.
func awaitValue(value goja.Value) (goja.Value, error) {
	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		return value, nil
	}
	switch promise.State() {
	case goja.PromiseStateFulfilled:
		return promise.Result(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("promise rejected: %s", promise.Result().String())
	default:
		return nil, fmt.Errorf("promise never settled")
	}
}

// wrapScript turns the stored lens body into an expression yielding the
// lens object, with the four sandbox variables as arguments.
func wrapScript(script string) string {
	return "(function (epi, ips, pv, html) {\n" + script + "\n})(epi, ips, pv, html);"
}

// newConsole builds the console object handed to the sandbox; every level
// is forwarded to the lens log sink where the configured level filters it.
func (r *Runtime) newConsole(vm *goja.Runtime, key string) *goja.Object {
	console := vm.NewObject()
	format := func(call goja.FunctionCall) string {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		return strings.Join(parts, " ")
	}
	console.Set("debug", func(call goja.FunctionCall) goja.Value {
		r.lensLogger.Debug("[%s] %s", key, format(call))
		return goja.Undefined()
	})
	console.Set("log", func(call goja.FunctionCall) goja.Value {
		r.lensLogger.Info("[%s] %s", key, format(call))
		return goja.Undefined()
	})
	console.Set("info", func(call goja.FunctionCall) goja.Value {
		r.lensLogger.Info("[%s] %s", key, format(call))
		return goja.Undefined()
	})
	console.Set("warn", func(call goja.FunctionCall) goja.Value {
		r.lensLogger.Warn("[%s] %s", key, format(call))
		return goja.Undefined()
	})
	console.Set("error", func(call goja.FunctionCall) goja.Value {
		r.lensLogger.Error("[%s] %s", key, format(call))
		return goja.Undefined()
	})
	return console
}
