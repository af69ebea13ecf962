package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	ErrUnknownBucket  = errors.New("unknown rate limit bucket")
	ErrBucketExists   = errors.New("rate limit bucket already registered")
	ErrRegistryClosed = errors.New("rate limit registry closed")
)

// Registry holds the process's limiters keyed by bucket name. It is built once
// at startup, injected into callers and closed on shutdown.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	closers  []io.Closer
	closed   bool
}

func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// Register binds bucket to l.
func (r *Registry) Register(bucket string, l *Limiter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.limiters[bucket]; exists {
		return fmt.Errorf("%w: %s", ErrBucketExists, bucket)
	}
	r.limiters[bucket] = l
	return nil
}

// Get returns the limiter registered for bucket.
func (r *Registry) Get(bucket string) (*Limiter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	l, ok := r.limiters[bucket]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
	}
	return l, nil
}

// MustGet is Get for buckets registered at startup. It panics when bucket is unknown.
func (r *Registry) MustGet(bucket string) *Limiter {
	l, err := r.Get(bucket)
	if err != nil {
		panic(err)
	}
	return l
}

// Acquire looks up bucket and blocks on its limiter. Unknown buckets are an
// error, never an implicit pass.
func (r *Registry) Acquire(ctx context.Context, bucket string) (time.Time, error) {
	l, err := r.Get(bucket)
	if err != nil {
		return time.Time{}, err
	}
	return l.Acquire(ctx, bucket)
}

// Buckets lists registered bucket names.
func (r *Registry) Buckets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.limiters))
	for name := range r.limiters {
		names = append(names, name)
	}
	return names
}

// OnClose registers a resource, such as the shared redis client, released by Close.
func (r *Registry) OnClose(c io.Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, c)
}

// Close releases registered resources. Further Acquire calls fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
