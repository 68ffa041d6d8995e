// Package notify wraps side operations whose failure must never stop a run.
package notify

import (
	"log"
	"time"
)

// BestEffort runs fn and logs any error under label. The error is
// swallowed; callers use this for acks, image pulls and other side
// effects that must not affect the main outcome.
func BestEffort(logger *log.Logger, label string, fn func() error) {
	if fn == nil {
		return
	}
	if err := fn(); err != nil && logger != nil {
		logger.Printf("%s WARN %s: %v", time.Now().Format(time.RFC3339), label, err)
	}
}

// BestEffortValue is BestEffort for operations that also produce a value.
// On failure the zero value is returned alongside false.
func BestEffortValue[T any](logger *log.Logger, label string, fn func() (T, error)) (T, bool) {
	var zero T
	if fn == nil {
		return zero, false
	}
	v, err := fn()
	if err != nil {
		if logger != nil {
			logger.Printf("%s WARN %s: %v", time.Now().Format(time.RFC3339), label, err)
		}
		return zero, false
	}
	return v, true
}
