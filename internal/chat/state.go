package chat

import "fmt"

// State is the orchestrator's tagged union. Exactly one variant is current.
type State interface {
	state()
	String() string
}

// Idle accepts input.
type Idle struct{}

// AwaitingSchool holds the text typed before a school was known.
type AwaitingSchool struct {
	PendingText string
	// Resume is restored once a school is chosen.
	Resume State
}

// Intake is the guided three-step setup. Step counts the answer expected next.
type Intake struct {
	Step      int
	Collected IntakeAnswers
}

// Sending persists the user's message.
type Sending struct {
	Resume State
}

// AwaitingModel waits for the assistant reply of one conversation. Resume is
// restored when the reply arrives, so a regenerate inside the intake keeps it.
type AwaitingModel struct {
	ConversationID string
	Resume         State
}

func (Idle) state()           {}
func (AwaitingSchool) state() {}
func (Intake) state()         {}
func (Sending) state()        {}
func (AwaitingModel) state()  {}

func (Idle) String() string { return "idle" }
func (s AwaitingSchool) String() string {
	return "awaiting school"
}
func (s Intake) String() string        { return fmt.Sprintf("intake step %d", s.Step) }
func (Sending) String() string         { return "sending" }
func (s AwaitingModel) String() string { return "awaiting model for " + s.ConversationID }

// IntakeAnswers is what the guided intake collects.
type IntakeAnswers struct {
	Subject string
	Grade   string
	Topic   string
}

type event interface{ event() }

type (
	sendStarted    struct{}
	sendPersisted  struct{}
	sendAborted    struct{}
	needSchool     struct{ text string }
	schoolChosen   struct{}
	intakeStarted  struct{}
	intakeAnswered struct{ collected IntakeAnswers }
	modelStarted   struct{ conversationID string }
	modelFinished  struct{}
	reset          struct{}
)

func (sendStarted) event()    {}
func (sendPersisted) event()  {}
func (sendAborted) event()    {}
func (needSchool) event()     {}
func (schoolChosen) event()   {}
func (intakeStarted) event()  {}
func (intakeAnswered) event() {}
func (modelStarted) event()   {}
func (modelFinished) event()  {}
func (reset) event()          {}

// busy reports whether s refuses a new send.
func busy(s State) bool {
	switch s.(type) {
	case Sending, AwaitingModel:
		return true
	}
	return false
}

// resumable strips transient wrappers down to the state input returns to.
func resumable(s State) State {
	switch v := s.(type) {
	case Sending:
		return resumable(v.Resume)
	case AwaitingSchool:
		return resumable(v.Resume)
	case AwaitingModel:
		return resumable(v.Resume)
	case Intake:
		return v
	default:
		return Idle{}
	}
}

// transition is the only place the state changes.
func transition(s State, e event) State {
	switch e := e.(type) {
	case reset:
		return Idle{}
	case sendStarted:
		return Sending{Resume: resumable(s)}
	case sendPersisted, sendAborted:
		if v, ok := s.(Sending); ok {
			return v.Resume
		}
		return s
	case needSchool:
		return AwaitingSchool{PendingText: e.text, Resume: resumable(s)}
	case schoolChosen:
		if v, ok := s.(AwaitingSchool); ok {
			return v.Resume
		}
		return s
	case intakeStarted:
		return Intake{Step: 1}
	case intakeAnswered:
		if v, ok := s.(Intake); ok {
			if v.Step >= 3 {
				return Idle{}
			}
			return Intake{Step: v.Step + 1, Collected: e.collected}
		}
		return s
	case modelStarted:
		return AwaitingModel{ConversationID: e.conversationID, Resume: resumable(s)}
	case modelFinished:
		if v, ok := s.(AwaitingModel); ok {
			return resumable(v.Resume)
		}
		return s
	}
	return s
}
