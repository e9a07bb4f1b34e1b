package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"edubot/internal/models"
	"edubot/internal/worker"
)

// Action names a remote action.
type Action string

const (
	ActionFetchAll Action = "fetchAll"
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
)

// Status is the lifecycle of the latest invocation of an action.
type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusFulfilled
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFulfilled:
		return "fulfilled"
	case StatusRejected:
		return "rejected"
	default:
		return "idle"
	}
}

// ActionState is what Status reports.
type ActionState struct {
	Status Status
	Err    error
	At     time.Time
}

// Status returns the state of the most recent invocation of action.
func (s *Store) Status(action Action) ActionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status[action]
}

func (s *Store) setStatusLocked(action Action, st Status, err error) {
	s.status[action] = ActionState{Status: st, Err: err, At: s.now()}
}

func (s *Store) begin(action Action) {
	s.mu.Lock()
	s.setStatusLocked(action, StatusPending, nil)
	s.mu.Unlock()
}

func (s *Store) reject(action Action, err error) error {
	s.mu.Lock()
	s.setStatusLocked(action, StatusRejected, err)
	s.mu.Unlock()
	s.logger.Warn("remote action rejected", "action", action, "error", err)
	return err
}

// FetchAll replaces the table with the server's records. Local transcripts
// that are strictly ahead of the server's are kept.
func (s *Store) FetchAll(ctx context.Context) error {
	s.begin(ActionFetchAll)
	list, err := s.remote.List(ctx)
	if err != nil {
		return s.reject(ActionFetchAll, err)
	}

	s.mu.Lock()
	next := make(map[string]*models.Conversation, len(list))
	for _, remote := range list {
		if remote == nil || remote.ID == "" {
			continue
		}
		next[remote.ID] = reconcile(s.records[remote.ID], remote)
		s.revs[remote.ID]++
	}
	for id := range s.records {
		if _, ok := next[id]; !ok {
			delete(s.revs, id)
		}
	}
	s.records = next
	if _, ok := next[s.selected]; !ok && s.selected != "" {
		s.selected = ""
	}
	s.setStatusLocked(ActionFetchAll, StatusFulfilled, nil)
	s.mu.Unlock()

	s.publish(Event{Kind: EventReloaded})
	return nil
}

// Create persists draft and inserts the server's canonical record. Nothing is
// inserted on failure.
func (s *Store) Create(ctx context.Context, draft *models.Conversation) (*models.Conversation, error) {
	if draft == nil {
		return nil, errors.New("conversation draft required")
	}
	s.begin(ActionCreate)
	created, err := s.remote.Create(ctx, draft)
	if err != nil {
		return nil, s.reject(ActionCreate, err)
	}
	if created.ID == "" {
		return nil, s.reject(ActionCreate, errors.New("server returned conversation without id"))
	}

	accepted := draft.Clone()
	accepted.Dirty = false
	merged := reconcile(accepted, created)
	s.mu.Lock()
	s.records[merged.ID] = merged
	s.revs[merged.ID]++
	s.setStatusLocked(ActionCreate, StatusFulfilled, nil)
	s.mu.Unlock()

	s.publish(Event{Kind: EventChanged, ConversationID: merged.ID})
	s.publish(Event{Kind: EventSynced, ConversationID: merged.ID})
	return merged.Clone(), nil
}

// Update pushes the current local record, full message sequence included.
// A rejection marks the record dirty; local state is not rolled back.
func (s *Store) Update(ctx context.Context, id string) error {
	s.mu.RLock()
	current, ok := s.records[id]
	var snapshot *models.Conversation
	rev := s.revs[id]
	if ok {
		snapshot = current.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}

	s.begin(ActionUpdate)
	updated, err := s.remote.Update(ctx, snapshot)
	if err != nil {
		s.mu.Lock()
		if c, ok := s.records[id]; ok {
			c.Dirty = true
		}
		s.mu.Unlock()
		s.publish(Event{Kind: EventChanged, ConversationID: id})
		return s.reject(ActionUpdate, err)
	}

	s.mu.Lock()
	if c, ok := s.records[id]; ok {
		if s.revs[id] == rev {
			// the server accepted exactly this state
			c.Dirty = false
			merged := reconcile(c, updated)
			s.records[id] = merged
		} else {
			// changed while in flight; keep local content, adopt server metadata
			adoptMetadata(c, updated)
			c.Dirty = true
		}
		s.revs[id]++
	}
	s.setStatusLocked(ActionUpdate, StatusFulfilled, nil)
	s.mu.Unlock()

	s.publish(Event{Kind: EventChanged, ConversationID: id})
	s.publish(Event{Kind: EventSynced, ConversationID: id})
	return nil
}

// Delete removes the record remotely, then locally. Deleting the selected
// record clears the selection.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.begin(ActionDelete)
	if err := s.remote.Delete(ctx, id); err != nil {
		return s.reject(ActionDelete, err)
	}
	if s.sync != nil {
		s.sync.CancelKey(id)
	}

	s.mu.Lock()
	delete(s.records, id)
	delete(s.revs, id)
	cleared := s.selected == id
	if cleared {
		s.selected = ""
	}
	s.setStatusLocked(ActionDelete, StatusFulfilled, nil)
	s.mu.Unlock()

	s.publish(Event{Kind: EventDeleted, ConversationID: id})
	if cleared {
		s.publish(Event{Kind: EventSelected})
	}
	return nil
}

// SyncLater queues a best-effort Update. Updates for one conversation run in
// call order, so the last write wins.
func (s *Store) SyncLater(id string) {
	run := func(ctx context.Context) error {
		err := s.Update(ctx, id)
		if err != nil && s.onSyncError != nil {
			s.onSyncError(id, err)
		}
		return err
	}
	if s.sync == nil {
		go run(context.Background())
		return
	}
	if err := s.sync.Submit(worker.Job{Key: id, Name: "update " + id, Run: run}); err != nil {
		s.mu.Lock()
		if c, ok := s.records[id]; ok {
			c.Dirty = true
		}
		s.mu.Unlock()
		s.logger.Warn("sync not queued", "conversation", id, "error", err)
		if s.onSyncError != nil {
			s.onSyncError(id, err)
		}
	}
}

// Flush waits for queued background updates.
func (s *Store) Flush(ctx context.Context) error {
	if s.sync == nil {
		return nil
	}
	return s.sync.Wait(ctx)
}

// Resync pushes every dirty record and returns the joined failures.
func (s *Store) Resync(ctx context.Context) error {
	var errs []error
	for _, id := range s.Dirty() {
		if err := s.Update(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("resync %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// reconcile takes server as canonical but keeps a local transcript that the
// server's is a strict prefix of. A dirty local record keeps its content and
// adopts only server metadata so a later sync can still push it.
func reconcile(local, server *models.Conversation) *models.Conversation {
	if local != nil && local.Dirty {
		kept := local.Clone()
		adoptMetadata(kept, server)
		return kept
	}
	merged := server.Clone()
	merged.Dirty = false
	if local == nil {
		return merged
	}
	if isStrictPrefix(server.Messages, local.Messages) {
		merged.Messages = local.Clone().Messages
		merged.Dirty = true
	}
	return merged
}

func adoptMetadata(local, server *models.Conversation) {
	if !server.CreatedAt.IsZero() {
		local.CreatedAt = server.CreatedAt
	}
	if server.UpdatedAt.After(local.UpdatedAt) {
		local.UpdatedAt = server.UpdatedAt
	}
	if server.RemoteSessionID != "" {
		local.RemoteSessionID = server.RemoteSessionID
	}
}

func isStrictPrefix(prefix, full []models.Message) bool {
	if len(prefix) >= len(full) {
		return false
	}
	for i := range prefix {
		if prefix[i].ID != full[i].ID {
			return false
		}
	}
	return true
}
