package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Error(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

func TestGoRecoversPanics(t *testing.T) {
	logger := &recordingLogger{}
	done := make(chan struct{})

	Go(logger, "exploding", func() {
		defer close(done)
		panic("boom")
	})
	<-done

	assert.Eventually(t, func() bool { return logger.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, logger.lines[0], "exploding")
	assert.Contains(t, logger.lines[0], "boom")
}

func TestEveryKeepsTickingThroughPanics(t *testing.T) {
	logger := &recordingLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rounds atomic.Int64
	Every(ctx, logger, "flaky refresh", 5*time.Millisecond, func(context.Context) {
		if rounds.Add(1) == 1 {
			panic("first round fails")
		}
	})

	assert.Eventually(t, func() bool { return rounds.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, logger.count(), 1)
}

func TestEveryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var rounds atomic.Int64
	Every(ctx, nil, "counter", time.Millisecond, func(context.Context) {
		rounds.Add(1)
	})

	assert.Eventually(t, func() bool { return rounds.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	time.Sleep(10 * time.Millisecond)
	settled := rounds.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, rounds.Load())
}
