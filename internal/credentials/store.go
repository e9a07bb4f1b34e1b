package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"edubot/internal/kv"
)

// Well-known storage keys for the bearer tokens.
const (
	AccessTokenKey  = "access_token"
	RefreshTokenKey = "refresh_token"
)

// Tokens is the pair issued on login, registration, OAuth completion and renewal.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Store persists the bearer tokens with an expiry policy. Access tokens that
// are JWTs expire with their exp claim; opaque tokens use the configured TTL.
type Store struct {
	kv         kv.Store
	accessTTL  time.Duration
	refreshTTL time.Duration
	cipher     *Cipher
	now        func() time.Time
}

// NewStore builds a credential store over the given key/value backend.
func NewStore(backend kv.Store, accessTTL, refreshTTL time.Duration) *Store {
	if accessTTL <= 0 {
		accessTTL = 24 * time.Hour
	}
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &Store{
		kv:         backend,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// WithCipher seals tokens before they reach the backend. Values that do not
// decrypt read as absent, so the user signs in again.
func (s *Store) WithCipher(c *Cipher) *Store {
	s.cipher = c
	return s
}

// Load returns the persisted tokens. Missing values come back empty. Every
// call reads the backend, so expiry and renewals by clients sharing it are seen.
func (s *Store) Load(ctx context.Context) (Tokens, error) {
	access, err := s.read(ctx, AccessTokenKey)
	if err != nil {
		return Tokens{}, err
	}
	refresh, err := s.read(ctx, RefreshTokenKey)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{AccessToken: access, RefreshToken: refresh}, nil
}

// AccessToken returns the current access token or "".
func (s *Store) AccessToken(ctx context.Context) string {
	t, err := s.Load(ctx)
	if err != nil {
		return ""
	}
	return t.AccessToken
}

// RefreshToken returns the current refresh token or "".
func (s *Store) RefreshToken(ctx context.Context) string {
	t, err := s.Load(ctx)
	if err != nil {
		return ""
	}
	return t.RefreshToken
}

// Save persists both tokens. An empty refresh token keeps the previous one.
func (s *Store) Save(ctx context.Context, t Tokens) error {
	if t.AccessToken == "" {
		return errors.New("access token required")
	}
	if t.RefreshToken == "" {
		t.RefreshToken = s.RefreshToken(ctx)
	}
	if err := s.write(ctx, AccessTokenKey, t.AccessToken, s.ttlFor(t.AccessToken, s.accessTTL)); err != nil {
		return fmt.Errorf("save access token: %w", err)
	}
	if t.RefreshToken != "" {
		if err := s.write(ctx, RefreshTokenKey, t.RefreshToken, s.ttlFor(t.RefreshToken, s.refreshTTL)); err != nil {
			return fmt.Errorf("save refresh token: %w", err)
		}
	}
	return nil
}

// Clear removes both tokens.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Del(ctx, AccessTokenKey, RefreshTokenKey); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}

// Authenticated reports whether an access token is present.
func (s *Store) Authenticated(ctx context.Context) bool {
	return s.AccessToken(ctx) != ""
}

func (s *Store) read(ctx context.Context, key string) (string, error) {
	v, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	if s.cipher == nil {
		return v, nil
	}
	plain, err := s.cipher.Decrypt(v)
	if err != nil {
		return "", nil
	}
	return plain, nil
}

func (s *Store) write(ctx context.Context, key, value string, ttl time.Duration) error {
	if s.cipher != nil {
		sealed, err := s.cipher.Encrypt(value)
		if err != nil {
			return err
		}
		value = sealed
	}
	return s.kv.Set(ctx, key, value, ttl)
}

// ttlFor prefers the token's own exp claim when it carries one.
func (s *Store) ttlFor(token string, fallback time.Duration) time.Duration {
	exp, ok := expiryOf(token)
	if !ok {
		return fallback
	}
	ttl := exp.Sub(s.now())
	if ttl <= 0 {
		// already expired; keep it briefly so the next request can trigger renewal
		return time.Minute
	}
	return ttl
}

// expiryOf reads the exp claim without verifying the signature. The client
// never holds the signing key; the server remains the authority.
func expiryOf(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
