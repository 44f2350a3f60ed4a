package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrPrimaryDown is returned by FailoverBackend.Get for a key the fallback does not hold while the primary
// is being skipped.
var ErrPrimaryDown = errors.New("session: primary backend unavailable")

// recoveryInterval is how long the primary is skipped after a failure before it is tried again.
const recoveryInterval = time.Minute

// FailoverBackend serves records from a primary Backend and switches to a fallback while the primary
// is failing. ErrNotFound from the primary is a normal answer, not a failure.
type FailoverBackend struct {
	primary  Backend
	fallback Backend
	logger   *zerolog.Logger

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverBackend(primary, fallback Backend, logger *zerolog.Logger) *FailoverBackend {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverBackend{primary: primary, fallback: fallback, logger: logger}
}

// usePrimary reports whether the next call should go to the primary.
func (f *FailoverBackend) usePrimary() bool {
	if !f.isDown.Load() {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if time.Since(f.lastCheck) < recoveryInterval {
		return false
	}
	f.lastCheck = time.Now()
	return true
}

func (f *FailoverBackend) markDown(op string, err error) {
	if !f.isDown.Swap(true) {
		f.logger.Warn().Err(err).Str("op", op).Msg("session primary unavailable, using fallback")
	}
	f.mu.Lock()
	f.lastCheck = time.Now()
	f.mu.Unlock()
}

func (f *FailoverBackend) markUp() {
	if f.isDown.Swap(false) {
		f.logger.Info().Msg("session primary recovered")
	}
}

// Get answers from the fallback only when it holds the record. A fallback miss while the primary is
// failing returns the primary's error rather than ErrNotFound, so the record still counts as unread.
func (f *FailoverBackend) Get(ctx context.Context, key string) ([]byte, error) {
	primaryErr := ErrPrimaryDown
	if f.usePrimary() {
		data, err := f.primary.Get(ctx, key)
		if err == nil || errors.Is(err, ErrNotFound) {
			f.markUp()
			return data, err
		}
		f.markDown("get", err)
		primaryErr = err
	}
	data, err := f.fallback.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, primaryErr
	}
	return data, err
}

func (f *FailoverBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.usePrimary() {
		err := f.primary.Set(ctx, key, value, ttl)
		if err == nil {
			f.markUp()
			return nil
		}
		f.markDown("set", err)
	}
	return f.fallback.Set(ctx, key, value, ttl)
}

// Delete removes the key from both backends so a stale fallback copy cannot resurface after recovery.
func (f *FailoverBackend) Delete(ctx context.Context, key string) error {
	fbErr := f.fallback.Delete(ctx, key)
	if f.usePrimary() {
		err := f.primary.Delete(ctx, key)
		if err == nil {
			f.markUp()
			return fbErr
		}
		f.markDown("delete", err)
	}
	return fbErr
}
