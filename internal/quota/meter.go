// Package quota tracks the daily message allowance of guests and free-tier
// users and the one-time guest bonus.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"edubot/internal/kv"
	"edubot/internal/models"
	"edubot/internal/session"
)

// BonusOutcome is the non-error result of a bonus claim.
type BonusOutcome int

const (
	BonusGranted BonusOutcome = iota + 1
	BonusAlreadyClaimed
)

func (o BonusOutcome) String() string {
	switch o {
	case BonusGranted:
		return "granted"
	case BonusAlreadyClaimed:
		return "already claimed"
	default:
		return "unknown"
	}
}

var ErrBonusUnavailable = errors.New("bonus is only offered to guests")

// Identity resolves who the counters belong to.
type Identity interface {
	Key(ctx context.Context) (string, error)
	Guest(ctx context.Context) bool
}

// Sender is the session client surface used for the guest endpoints.
type Sender interface {
	Send(ctx context.Context, req *session.Request) (*session.Response, error)
}

// Options configures a Meter.
type Options struct {
	Plan       models.Plan
	FreeLimit  int
	GuestLimit int
	Location   *time.Location
	Logger     *slog.Logger
}

// Meter is safe for concurrent use.
type Meter struct {
	kv       kv.Store
	client   Sender
	identity Identity
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	plan   models.Plan
	loaded string // identity key + day the state belongs to
	state  models.QuotaState
}

func NewMeter(store kv.Store, client Sender, identity Identity, opts Options) *Meter {
	if opts.Plan == "" {
		opts.Plan = models.PlanFree
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{
		kv:       store,
		client:   client,
		identity: identity,
		opts:     opts,
		plan:     opts.Plan,
		logger:   logger.With("component", "quota"),
		now:      time.Now,
	}
}

type usageResponse struct {
	Success        bool `json:"success"`
	Current        int  `json:"current"`
	Limit          int  `json:"limit"`
	MessagesLeft   int  `json:"messagesLeft"`
	BonusAvailable bool `json:"bonusAvailable"`
}

type claimResponse struct {
	Success        bool `json:"success"`
	AlreadyClaimed bool `json:"alreadyClaimed"`
	Limit          int  `json:"limit"`
}

// State returns the current quota snapshot.
func (m *Meter) State(ctx context.Context) (models.QuotaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureLocked(ctx); err != nil {
		return models.QuotaState{}, err
	}
	return m.snapshotLocked(), nil
}

// Allow reports whether another message may be sent.
func (m *Meter) Allow(ctx context.Context) bool {
	st, err := m.State(ctx)
	if err != nil {
		m.logger.Warn("quota state unavailable, allowing", "error", err)
		return true
	}
	return !st.Exhausted()
}

// SetPlan switches the billing tier, e.g. after an upgrade.
func (m *Meter) SetPlan(plan models.Plan) {
	m.mu.Lock()
	m.plan = plan
	m.loaded = ""
	m.mu.Unlock()
}

// RecordUse counts one accepted user message. Only the Free plan is metered.
func (m *Meter) RecordUse(ctx context.Context) error {
	m.mu.Lock()
	if err := m.ensureLocked(ctx); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.plan != models.PlanFree {
		m.mu.Unlock()
		return nil
	}
	m.state.Used++
	if err := m.persistLocked(ctx); err != nil {
		m.mu.Unlock()
		return err
	}
	guest := m.identity.Guest(ctx)
	m.mu.Unlock()

	if guest && m.client != nil {
		m.reportGuestUse(ctx)
	}
	return nil
}

// reportGuestUse mirrors the increment to the server. The local counter
// stays authoritative for this session; only limit and bonus are adopted.
func (m *Meter) reportGuestUse(ctx context.Context) {
	var resp usageResponse
	if err := m.guestCall(ctx, http.MethodPost, "/guest-usage/add-usage", &resp); err != nil {
		m.logger.Warn("report guest usage", "error", err)
		return
	}
	m.mu.Lock()
	if resp.Limit > 0 {
		limit := resp.Limit
		m.state.Limit = &limit
	}
	m.state.BonusAvailable = resp.BonusAvailable && !m.state.BonusClaimed
	m.mu.Unlock()
}

// Refresh adopts the server's view of a guest's usage.
func (m *Meter) Refresh(ctx context.Context) error {
	if !m.identity.Guest(ctx) || m.client == nil {
		return nil
	}
	var resp usageResponse
	if err := m.guestCall(ctx, http.MethodGet, "/guest-usage/status", &resp); err != nil {
		return fmt.Errorf("refresh guest usage: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureLocked(ctx); err != nil {
		return err
	}
	if resp.Current > m.state.Used {
		m.state.Used = resp.Current
	}
	if resp.Limit > 0 {
		limit := resp.Limit
		m.state.Limit = &limit
	}
	m.state.BonusAvailable = resp.BonusAvailable && !m.state.BonusClaimed
	if !resp.BonusAvailable {
		m.state.BonusClaimed = true
	}
	return m.persistLocked(ctx)
}

// ClaimBonus asks for the one-time guest bonus. Errors are the third outcome
// and leave the state untouched.
func (m *Meter) ClaimBonus(ctx context.Context) (BonusOutcome, error) {
	if !m.identity.Guest(ctx) {
		return 0, ErrBonusUnavailable
	}
	m.mu.Lock()
	if err := m.ensureLocked(ctx); err != nil {
		m.mu.Unlock()
		return 0, err
	}
	if m.state.BonusClaimed {
		m.mu.Unlock()
		return BonusAlreadyClaimed, nil
	}
	m.mu.Unlock()
	if m.client == nil {
		return 0, errors.New("no backend to claim the bonus from")
	}

	var resp claimResponse
	if err := m.guestCall(ctx, http.MethodPost, "/guest-usage/claim-bonus", &resp); err != nil {
		return 0, fmt.Errorf("claim bonus: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !resp.Success && !resp.AlreadyClaimed {
		return 0, errors.New("claim bonus: server declined")
	}
	m.state.BonusClaimed = true
	m.state.BonusAvailable = false
	if resp.Limit > 0 {
		limit := resp.Limit
		m.state.Limit = &limit
	}
	if err := m.persistLocked(ctx); err != nil {
		return 0, err
	}
	if resp.AlreadyClaimed {
		return BonusAlreadyClaimed, nil
	}
	m.logger.Info("bonus granted", "limit", resp.Limit)
	return BonusGranted, nil
}

func (m *Meter) guestCall(ctx context.Context, method, path string, out any) error {
	resp, err := m.client.Send(ctx, &session.Request{Method: method, Path: path, Anonymous: true})
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

type persisted struct {
	Used         int  `json:"used"`
	Limit        *int `json:"limit,omitempty"`
	BonusClaimed bool `json:"bonus_claimed"`
}

func (m *Meter) dayKey(identity string) string {
	return "quota:" + identity + ":" + m.now().In(m.opts.Location).Format("2006-01-02")
}

func bonusKey(identity string) string {
	return "quota_bonus:" + identity
}

// ensureLocked loads the counter for the current identity and day.
func (m *Meter) ensureLocked(ctx context.Context) error {
	who, err := m.identity.Key(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	key := m.dayKey(who)
	if key == m.loaded {
		return nil
	}

	guest := m.identity.Guest(ctx)
	st := models.QuotaState{Plan: m.plan}
	if m.plan == models.PlanFree {
		limit := m.opts.FreeLimit
		if guest {
			limit = m.opts.GuestLimit
		}
		if limit > 0 {
			st.Limit = &limit
		}
	}

	raw, err := m.kv.Get(ctx, key)
	switch {
	case err == nil:
		var p persisted
		if jerr := json.Unmarshal([]byte(raw), &p); jerr == nil {
			st.Used = p.Used
			if p.Limit != nil && st.Limit != nil {
				st.Limit = p.Limit
			}
		}
	case !errors.Is(err, kv.ErrNotFound):
		return fmt.Errorf("load quota: %w", err)
	}

	if guest {
		claimed, err := m.kv.Get(ctx, bonusKey(who))
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("load bonus flag: %w", err)
		}
		st.BonusClaimed, _ = strconv.ParseBool(claimed)
		st.BonusAvailable = !st.BonusClaimed
	}

	m.state = st
	m.loaded = key
	return nil
}

func (m *Meter) persistLocked(ctx context.Context) error {
	who, err := m.identity.Key(ctx)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	raw, err := json.Marshal(persisted{Used: m.state.Used, Limit: m.state.Limit, BonusClaimed: m.state.BonusClaimed})
	if err != nil {
		return err
	}
	if err := m.kv.Set(ctx, m.dayKey(who), string(raw), 48*time.Hour); err != nil {
		return fmt.Errorf("save quota: %w", err)
	}
	if m.state.BonusClaimed {
		if err := m.kv.Set(ctx, bonusKey(who), "true", 0); err != nil {
			return fmt.Errorf("save bonus flag: %w", err)
		}
	}
	return nil
}

func (m *Meter) snapshotLocked() models.QuotaState {
	st := m.state
	st.Plan = m.plan
	if m.plan != models.PlanFree {
		st.Limit = nil
	}
	if st.Limit != nil {
		limit := *st.Limit
		st.Limit = &limit
	}
	return st
}
