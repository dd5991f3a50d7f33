package async

import (
	"sync"
	"testing"
)

type capturingLogger struct {
	mu    sync.Mutex
	count int
}

func (c *capturingLogger) Error(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
}

func TestGoRecoversPanic(t *testing.T) {
	logger := &capturingLogger{}
	done := make(chan struct{})

	Go(logger, "test-loop", func() {
		defer close(done)
		panic("boom")
	})

	<-done
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if logger.count != 1 {
		t.Fatalf("expected panic to be logged once, got %d", logger.count)
	}
}

func TestRecoverNilLoggerDoesNotPanic(t *testing.T) {
	func() {
		defer Recover(nil, "anything")
		panic("boom")
	}()
}
