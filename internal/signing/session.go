package signing

import "time"

type Status string

const (
	StatusAwaitingTurn Status = "awaiting_turn"
	StatusActive       Status = "active"
	StatusDeclined     Status = "declined"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
	StatusExpired      Status = "expired"
)

type Recipient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Index int    `json:"index"`
}

// Session is one recipient's in-progress interaction with a signing request.
// The Values map is exclusively owned by the session instance. While an
// autosave Coordinator loop is running, mutate it through the coordinator's
// SetValue/ClearValue so the loop's snapshot reads share a lock with writes.
type Session struct {
	ID           string
	Recipient    Recipient
	Status       Status
	Registry     *Registry
	Values       Values
	Requirements Requirements
	Verification Verification
	ExpiresAt    *time.Time
}

func NewSession(id string, recipient Recipient, registry *Registry, req Requirements) *Session {
	return &Session{
		ID:           id,
		Recipient:    recipient,
		Status:       StatusActive,
		Registry:     registry,
		Values:       make(Values),
		Requirements: req,
	}
}

func (s *Session) SetValue(fieldID string, value Value) {
	s.Values[fieldID] = value
}

// ClearValue deletes the entry outright so the field reads as unfilled again.
func (s *Session) ClearValue(fieldID string) {
	delete(s.Values, fieldID)
}

func (s *Session) Complete() bool {
	return IsComplete(s.Registry, s.Recipient.Index, s.Values)
}

func (s *Session) MissingFields() []string {
	return IncompleteFields(s.Registry, s.Recipient.Index, s.Values)
}

func (s *Session) NextGate() (Gate, bool) {
	return NextUnsatisfiedGate(s.Requirements, s.Verification)
}

func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// Restore replaces in-memory values wholesale with a persisted draft.
func (s *Session) Restore(draft Draft) {
	s.Values = draft.Values.Clone()
}
