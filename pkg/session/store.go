package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-clientcache/pkg/kvstore"
)

// Persisted credential keys. These live outside the cache namespace so a
// cache ClearAll never touches them.
const (
	keyPrimaryToken      = "auth_token_primary"
	keySecondaryToken    = "auth_token_secondary"
	keySecondarySnapshot = "auth_snapshot_secondary"
)

// Store persists the per-kind credential tokens and, for the secondary
// identity, its profile snapshot. The one-active-kind invariant is enforced
// by the Supervisor, not here.
type Store struct {
	kv     kvstore.Store
	logger zerolog.Logger
}

// NewStore creates a credential store over the given key-value backend.
func NewStore(kv kvstore.Store, logger zerolog.Logger) (*Store, error) {
	if kv == nil {
		return nil, fmt.Errorf("kv store cannot be nil")
	}
	return &Store{
		kv:     kv,
		logger: logger.With().Str("component", "SessionStore").Logger(),
	}, nil
}

// SetToken writes the persisted token for an identity kind. An empty token
// removes it.
func (s *Store) SetToken(ctx context.Context, kind Kind, token string) error {
	key, err := tokenKey(kind)
	if err != nil {
		return err
	}
	if token == "" {
		return s.kv.Delete(ctx, key)
	}
	return s.kv.Set(ctx, key, token)
}

// Token returns the persisted token for an identity kind, or "" when none
// is stored.
func (s *Store) Token(ctx context.Context, kind Kind) (string, error) {
	key, err := tokenKey(kind)
	if err != nil {
		return "", err
	}
	token, err := s.kv.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s token: %w", kind, err)
	}
	return token, nil
}

// SetSnapshot persists the secondary identity's profile payload. A nil
// payload removes it.
func (s *Store) SetSnapshot(ctx context.Context, payload json.RawMessage) error {
	if payload == nil {
		return s.kv.Delete(ctx, keySecondarySnapshot)
	}
	return s.kv.Set(ctx, keySecondarySnapshot, string(payload))
}

// Snapshot returns the persisted secondary profile payload, or nil when none
// is stored. A snapshot that no longer parses is deleted on read, the same
// treatment corrupt cache entries get.
func (s *Store) Snapshot(ctx context.Context) (json.RawMessage, error) {
	raw, err := s.kv.Get(ctx, keySecondarySnapshot)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secondary snapshot: %w", err)
	}
	if !json.Valid([]byte(raw)) {
		s.logger.Warn().Msg("Deleting corrupt secondary snapshot found on read.")
		_ = s.kv.Delete(ctx, keySecondarySnapshot)
		return nil, nil
	}
	return json.RawMessage(raw), nil
}

func tokenKey(kind Kind) (string, error) {
	switch kind {
	case KindPrimary:
		return keyPrimaryToken, nil
	case KindSecondary:
		return keySecondaryToken, nil
	default:
		return "", fmt.Errorf("unknown identity kind %q", kind)
	}
}
