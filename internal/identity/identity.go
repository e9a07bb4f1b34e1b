// Package identity provides the anonymous per-device guest id.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"edubot/internal/kv"
)

const (
	GuestKey    = "guest_id"
	GuestHeader = "X-Guest-Id"
	guestMaxAge = 365 * 24 * time.Hour
)

var anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)

// Signer tells whether the device is signed in.
type Signer interface {
	Authenticated(ctx context.Context) bool
}

// Resolver hands out the quota identity: the signed-in user or the guest id.
type Resolver struct {
	kv     kv.Store
	signer Signer

	mu    sync.Mutex
	guest string
}

func NewResolver(store kv.Store, signer Signer) *Resolver {
	return &Resolver{kv: store, signer: signer}
}

// GuestID returns the persisted guest id, creating one on first use.
func (r *Resolver) GuestID(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.guest != "" {
		return r.guest, nil
	}
	id, err := r.kv.Get(ctx, GuestKey)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return "", fmt.Errorf("read guest id: %w", err)
	}
	if !isValidAnonID(id) {
		if id, err = generateAnonID(); err != nil {
			return "", err
		}
		if err := r.kv.Set(ctx, GuestKey, id, guestMaxAge); err != nil {
			return "", fmt.Errorf("store guest id: %w", err)
		}
	}
	r.guest = id
	return id, nil
}

// Guest reports whether quota should be tracked against the guest id.
func (r *Resolver) Guest(ctx context.Context) bool {
	return r.signer == nil || !r.signer.Authenticated(ctx)
}

// Key names the identity quota counters are kept under.
func (r *Resolver) Key(ctx context.Context) (string, error) {
	if !r.Guest(ctx) {
		return "user", nil
	}
	return r.GuestID(ctx)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}
