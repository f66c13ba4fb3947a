package signing

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Phase is the submission state machine state.
type Phase string

const (
	PhaseEditing    Phase = "editing"
	PhaseGateCheck  Phase = "gate_check"
	PhaseSubmitting Phase = "submitting"
	PhaseCompleted  Phase = "completed"
	PhaseDeclined   Phase = "declined"
)

const minDeclineReason = 10

var (
	ErrReasonTooShort  = errors.New("decline reason must be at least 10 characters")
	ErrSessionTerminal = errors.New("session already completed or declined")
	ErrSessionExpired  = errors.New("session expired")
)

// ClientMeta is best-effort metadata attached to the final submission.
type ClientMeta struct {
	IP        string    `json:"ip,omitempty"`
	Submitted time.Time `json:"submittedAt"`
}

// Submitter performs the final submission against the external collaborator.
type Submitter interface {
	Submit(ctx context.Context, sessionID string, values Values, meta ClientMeta) error
}

// Decliner records a terminal decline.
type Decliner interface {
	Decline(ctx context.Context, sessionID, reason string) error
}

// MetaFunc looks up client metadata. ok=false means the lookup failed; the
// submission proceeds without it.
type MetaFunc func(ctx context.Context) (ip string, ok bool)

// SubmitResult reports where a submit attempt landed. Exactly one of the
// optional fields is set when the phase is not PhaseCompleted.
type SubmitResult struct {
	Phase         Phase    `json:"phase"`
	MissingFields []string `json:"missingFields,omitempty"`
	PendingGate   Gate     `json:"pendingGate,omitempty"`
}

// Orchestrator sequences completion checks, the gate chain, and the final
// submit-or-decline transition for one session.
type Orchestrator struct {
	session  *Session
	autosave *Coordinator
	submit   Submitter
	decline  Decliner
	meta     MetaFunc
	phase    Phase
	now      func() time.Time
}

func NewOrchestrator(session *Session, autosave *Coordinator, submit Submitter, decline Decliner, meta MetaFunc) *Orchestrator {
	return &Orchestrator{
		session:  session,
		autosave: autosave,
		submit:   submit,
		decline:  decline,
		meta:     meta,
		phase:    PhaseEditing,
		now:      time.Now,
	}
}

func (o *Orchestrator) Phase() Phase {
	return o.phase
}

// RequestSubmit drives the editing → gate_check → submitting → completed
// path. It halts at the first unmet requirement and reports it; the caller
// re-invokes after the user resolves that requirement. No partial completion
// is ever recorded: any failure rolls back to the pre-submit phase.
func (o *Orchestrator) RequestSubmit(ctx context.Context) (SubmitResult, error) {
	switch o.phase {
	case PhaseCompleted, PhaseDeclined:
		return SubmitResult{Phase: o.phase}, ErrSessionTerminal
	}
	if o.session.Expired(o.now()) {
		return SubmitResult{Phase: o.phase}, ErrSessionExpired
	}

	if !o.session.Complete() {
		o.phase = PhaseEditing
		return SubmitResult{Phase: PhaseEditing, MissingFields: o.session.MissingFields()}, nil
	}

	o.phase = PhaseGateCheck
	if gate, pending := o.session.NextGate(); pending {
		return SubmitResult{Phase: PhaseGateCheck, PendingGate: gate}, nil
	}

	o.phase = PhaseSubmitting
	meta := ClientMeta{Submitted: o.now()}
	if o.meta != nil {
		if ip, ok := o.meta(ctx); ok {
			meta.IP = ip
		}
	}
	if err := o.submit.Submit(ctx, o.session.ID, o.session.Values.Clone(), meta); err != nil {
		o.phase = PhaseGateCheck
		return SubmitResult{Phase: PhaseGateCheck}, err
	}

	o.phase = PhaseCompleted
	o.session.Status = StatusCompleted
	o.session.Values = make(Values)
	if o.autosave != nil {
		o.autosave.Stop()
	}
	return SubmitResult{Phase: PhaseCompleted}, nil
}

// Decline is irreversible and independent of the gate chain. The reason is
// validated locally before any network call.
func (o *Orchestrator) Decline(ctx context.Context, reason string) error {
	switch o.phase {
	case PhaseCompleted, PhaseDeclined:
		return ErrSessionTerminal
	}
	if len(strings.TrimSpace(reason)) < minDeclineReason {
		return ErrReasonTooShort
	}
	if err := o.decline.Decline(ctx, o.session.ID, strings.TrimSpace(reason)); err != nil {
		return err
	}
	o.phase = PhaseDeclined
	o.session.Status = StatusDeclined
	o.session.Values = make(Values)
	if o.autosave != nil {
		o.autosave.Stop()
	}
	return nil
}
