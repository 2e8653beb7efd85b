// Package async supervises the service's background work: one-shot tasks
// like registry warm-up and periodic tasks like re-discovery.
package async

import (
	"context"
	"runtime/debug"
	"time"
)

// PanicLogger receives panic reports from supervised goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on its own goroutine. A panic becomes a log line instead of a
// crash; the HTTP server must survive a failing background task.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Every runs fn immediately and then on every tick until ctx is done. Each
// round is guarded separately, so one panicking round does not stop the
// schedule.
func Every(ctx context.Context, logger PanicLogger, name string, interval time.Duration, fn func(context.Context)) {
	go func() {
		round := func() {
			defer Recover(logger, name)
			fn(ctx)
		}
		round()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				round()
			}
		}
	}()
}

// Recover is the shared deferred handler of the helpers above.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	logger.Error("background task %s panicked: %v\n%s", name, r, debug.Stack())
}
