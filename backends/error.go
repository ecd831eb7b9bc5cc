package backends

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Error wraps any Backend and randomly returns errors based on a configured percentage.
// This is useful for checking that publish failures never affect renders.
type Error struct {
	backend   Backend
	errorRate float64 // Percentage of operations that should fail (0.0 to 1.0)

	rng   *rand.Rand
	rngMu sync.Mutex // Protects rng access (rand.Rand is not thread-safe)

	putErrors   atomic.Int64
	closeErrors atomic.Int64
	clearErrors atomic.Int64
}

// NewError creates a new error-injecting wrapper around an existing backend.
// errorRate should be between 0.0 (no errors) and 1.0 (all operations fail).
func NewError(backend Backend, errorRate float64) *Error {
	if errorRate < 0.0 {
		errorRate = 0.0
	}
	if errorRate > 1.0 {
		errorRate = 1.0
	}

	return &Error{
		backend:   backend,
		errorRate: errorRate,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// shouldError returns true if this operation should fail based on the error rate.
func (e *Error) shouldError() bool {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64() < e.errorRate
}

// Put stores an object in the wrapped backend, potentially returning an error.
func (e *Error) Put(ctx context.Context, name string, body io.Reader, size int64) error {
	if e.shouldError() {
		e.putErrors.Add(1)
		return fmt.Errorf("error backend: simulated Put error (error rate: %.2f%%)", e.errorRate*100)
	}
	return e.backend.Put(ctx, name, body, size)
}

// Clear removes all published objects, potentially returning an error.
func (e *Error) Clear(ctx context.Context) error {
	if e.shouldError() {
		e.clearErrors.Add(1)
		return fmt.Errorf("error backend: simulated Clear error (error rate: %.2f%%)", e.errorRate*100)
	}
	return e.backend.Clear(ctx)
}

// Close performs cleanup operations, potentially returning an error.
func (e *Error) Close() error {
	if e.shouldError() {
		e.closeErrors.Add(1)
		return fmt.Errorf("error backend: simulated Close error (error rate: %.2f%%)", e.errorRate*100)
	}
	return e.backend.Close()
}

// GetStats returns the number of errors injected for each operation type.
func (e *Error) GetStats() (putErrors, clearErrors, closeErrors int64) {
	return e.putErrors.Load(), e.clearErrors.Load(), e.closeErrors.Load()
}
