package conversation

// EventKind says what changed.
type EventKind int

const (
	EventChanged EventKind = iota
	EventDeleted
	EventSelected
	EventReloaded
	// EventSynced follows a successful create or update on the server.
	EventSynced
)

// Event is delivered to subscribers after the store lock is released.
type Event struct {
	Kind           EventKind
	ConversationID string
}

// Subscribe registers fn and returns a func that removes it.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) publish(e Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}
