package ocr

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds concurrent analysis calls. A nil Limiter does not limit.
type Limiter struct {
	sem *semaphore.Weighted
}

func NewLimiter(max int64) *Limiter {
	if max <= 0 {
		return nil
	}
	return &Limiter{sem: semaphore.NewWeighted(max)}
}

func (l *Limiter) do(ctx context.Context, fn func() (string, error)) (string, error) {
	if l == nil {
		return fn()
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer l.sem.Release(1)
	return fn()
}
