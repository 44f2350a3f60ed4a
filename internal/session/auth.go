package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/rs/zerolog"
)

// AuthRecord is the persisted authenticated session.
type AuthRecord struct {
	AccountID string `json:"accountId"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	Token     string `json:"token"`
}

// AuthStore persists the single authenticated-session record.
type AuthStore struct {
	backend Backend
	key     string
	now     func() time.Time
	logger  *zerolog.Logger
}

func NewAuthStore(backend Backend, namespace string, logger *zerolog.Logger) *AuthStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &AuthStore{backend: backend, key: namespace + ":auth", now: time.Now, logger: logger}
}

// SetClock replaces the time source.
func (a *AuthStore) SetClock(now func() time.Time) {
	a.now = now
}

func (a *AuthStore) Save(ctx context.Context, rec AuthRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if exp, ok := tokenExpiry(rec.Token); ok {
		ttl = exp.Sub(a.now())
		if ttl <= 0 {
			return fmt.Errorf("auth token already expired at %s", exp.Format(time.RFC3339))
		}
	}
	if err := a.backend.Set(ctx, a.key, data, ttl); err != nil {
		return fmt.Errorf("save auth: %w", err)
	}
	return nil
}

// Load returns the stored record, or nil when there is none or its token has expired.
// Tokens that are not JWTs carry no expiry and are returned as stored.
func (a *AuthStore) Load(ctx context.Context) (*AuthRecord, error) {
	data, err := a.backend.Get(ctx, a.key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load auth: %w", err)
	}

	var rec AuthRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Token == "" {
		a.logger.Debug().Msg("discarding unreadable auth record")
		return nil, a.Clear(ctx)
	}
	if exp, ok := tokenExpiry(rec.Token); ok && !a.now().Before(exp) {
		a.logger.Debug().Str("account_id", rec.AccountID).Msg("discarding expired auth record")
		return nil, a.Clear(ctx)
	}
	return &rec, nil
}

func (a *AuthStore) Clear(ctx context.Context) error {
	if err := a.backend.Delete(ctx, a.key); err != nil {
		return fmt.Errorf("clear auth: %w", err)
	}
	return nil
}

// tokenExpiry reads the exp claim without verifying the signature; the backend remains the authority
// on token validity.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	switch exp := claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0), true
	case json.Number:
		v, err := exp.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(v, 0), true
	default:
		return time.Time{}, false
	}
}
