// Package session persists the in-progress checkout and the authenticated-session record.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lessonbook/internal/model"
)

// DefaultTTL is the staleness window of a saved checkout.
const DefaultTTL = 24 * time.Hour

// ErrNotLoaded is returned by Save before the initial Load has completed.
var ErrNotLoaded = errors.New("session: save before initial load")

// LoadState distinguishes "not yet loaded" from "loaded, nothing stored".
type LoadState int

const (
	NotLoaded LoadState = iota
	LoadedEmpty
	LoadedRestored
)

func (s LoadState) String() string {
	switch s {
	case LoadedEmpty:
		return "loaded-empty"
	case LoadedRestored:
		return "loaded-restored"
	default:
		return "not-loaded"
	}
}

type record struct {
	InstructorID string                `json:"instructorId"`
	SavedAt      time.Time             `json:"savedAt"`
	Session      model.CheckoutSession `json:"session"`
}

// Store is the only writer of the durable checkout record. One record is kept per namespace.
type Store struct {
	backend Backend
	key     string
	ttl     time.Duration
	now     func() time.Time
	logger  *zerolog.Logger

	mu    sync.Mutex
	state LoadState
}

func NewStore(backend Backend, namespace string, ttl time.Duration, logger *zerolog.Logger) *Store {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		backend: backend,
		key:     namespace + ":checkout",
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// State reports whether the initial load has completed.
func (s *Store) State() LoadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Load returns the saved checkout for instructorID, or nil when there is none. A record saved for another
// instructor, an expired record, or an undecodable record is cleared and reported as nil.
// A backend failure leaves the store not-loaded so later saves cannot clobber the unread record.
func (s *Store) Load(ctx context.Context, instructorID string) (*model.CheckoutSession, error) {
	data, err := s.backend.Get(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		s.setState(LoadedEmpty)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkout: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, s.discard(ctx, "undecodable", instructorID)
	}
	if rec.InstructorID != instructorID || rec.Session.InstructorID != instructorID {
		return nil, s.discard(ctx, "instructor mismatch", instructorID)
	}
	if s.now().Sub(rec.SavedAt) > s.ttl {
		return nil, s.discard(ctx, "expired", instructorID)
	}

	s.setState(LoadedRestored)
	sess := rec.Session
	return &sess, nil
}

func (s *Store) discard(ctx context.Context, reason, instructorID string) error {
	s.logger.Debug().Str("reason", reason).Str("instructor_id", instructorID).Msg("discarding saved checkout")
	s.setState(LoadedEmpty)
	if err := s.backend.Delete(ctx, s.key); err != nil {
		s.logger.Warn().Err(err).Msg("failed to clear discarded checkout")
	}
	return nil
}

// Save writes the checkout. It refuses to write until Load has completed.
func (s *Store) Save(ctx context.Context, sess model.CheckoutSession) error {
	if s.State() == NotLoaded {
		return ErrNotLoaded
	}

	data, err := json.Marshal(record{
		InstructorID: sess.InstructorID,
		SavedAt:      s.now().UTC(),
		Session:      sess,
	})
	if err != nil {
		return fmt.Errorf("encode checkout: %w", err)
	}
	if err := s.backend.Set(ctx, s.key, data, s.ttl); err != nil {
		return fmt.Errorf("save checkout: %w", err)
	}
	return nil
}

// Clear removes the saved checkout.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("clear checkout: %w", err)
	}
	return nil
}

func (s *Store) setState(st LoadState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
