// Package conversation keeps the process-wide table of conversations and the
// selection pointer. Local actions mutate it synchronously; remote actions go
// through the gateway and merge the server's canonical record back in.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"edubot/internal/models"
	"edubot/internal/worker"
)

var ErrNotFound = errors.New("conversation not found")

// Remote is the gateway surface the store needs.
type Remote interface {
	List(ctx context.Context) ([]*models.Conversation, error)
	Create(ctx context.Context, c *models.Conversation) (*models.Conversation, error)
	Update(ctx context.Context, c *models.Conversation) (*models.Conversation, error)
	Delete(ctx context.Context, id string) error
}

// Options configures a Store.
type Options struct {
	// Sync runs fire-and-forget updates; without it they run on a goroutine.
	Sync   *worker.Dispatcher
	Logger *slog.Logger
	// OnSyncError observes background update failures, e.g. to toast them.
	OnSyncError func(id string, err error)
}

// Store is safe for concurrent use.
type Store struct {
	remote      Remote
	sync        *worker.Dispatcher
	logger      *slog.Logger
	onSyncError func(string, error)
	now         func() time.Time

	mu       sync.RWMutex
	records  map[string]*models.Conversation
	revs     map[string]uint64
	selected string
	status   map[Action]ActionState

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

func New(remote Remote, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		remote:      remote,
		sync:        opts.Sync,
		logger:      logger.With("component", "conversation"),
		onSyncError: opts.OnSyncError,
		now:         time.Now,
		records:     make(map[string]*models.Conversation),
		revs:        make(map[string]uint64),
		status:      make(map[Action]ActionState),
		subs:        make(map[int]func(Event)),
	}
}

// Get returns a copy of the record.
func (s *Store) Get(id string) (*models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// List returns copies ordered pinned first, then most recently updated.
func (s *Store) List() []*models.Conversation {
	s.mu.RLock()
	out := make([]*models.Conversation, 0, len(s.records))
	for _, c := range s.records {
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Selected returns the selected id, which may be "".
func (s *Store) Selected() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// SelectedConversation returns a copy of the selected record.
func (s *Store) SelectedConversation() (*models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected == "" {
		return nil, false
	}
	c, ok := s.records[s.selected]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Select points the selection at id; "" clears it. The id need not be known.
func (s *Store) Select(id string) {
	s.mu.Lock()
	changed := s.selected != id
	s.selected = id
	s.mu.Unlock()
	if changed {
		s.publish(Event{Kind: EventSelected, ConversationID: id})
	}
}

// Dirty lists records whose last remote update was rejected.
func (s *Store) Dirty() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, c := range s.records {
		if c.Dirty {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Put inserts or replaces a record without any remote call.
func (s *Store) Put(c *models.Conversation) {
	if c == nil || c.ID == "" {
		return
	}
	s.mu.Lock()
	s.records[c.ID] = c.Clone()
	s.revs[c.ID]++
	s.mu.Unlock()
	s.publish(Event{Kind: EventChanged, ConversationID: c.ID})
}

func (s *Store) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("conversation.Store{records: %d, selected: %q}", len(s.records), s.selected)
}
