package signing

// Gate identifies one pre-submission verification step.
type Gate string

const (
	GateAccessCode  Gate = "access_code"
	GateSelfie      Gate = "selfie"
	GateIntentVideo Gate = "intent_video"
)

// gateOrder is fixed: selfie verification is only meaningful after the access
// code has established a provisional identity, and the intent video is the
// final acknowledgement immediately before submission.
var gateOrder = []Gate{GateAccessCode, GateSelfie, GateIntentVideo}

type GateState string

const (
	GateNotApplicable GateState = "not_applicable"
	GatePending       GateState = "pending"
	GateSatisfied     GateState = "satisfied"
)

// Requirements are the per-request configuration flags that enable gates.
type Requirements struct {
	AccessCodeRequired  bool `json:"accessCodeRequired"`
	SelfieRequired      bool `json:"selfieVerificationRequired"`
	IntentVideoRequired bool `json:"intentVideoRequired"`
}

// Verification holds the authoritative satisfied flags for a session. The
// server-persisted copy always wins over anything cached client-side.
type Verification struct {
	AccessCodeVerified  bool `json:"accessCodeVerified"`
	SelfieVerified      bool `json:"selfieVerified"`
	IntentVideoCaptured bool `json:"intentVideoCaptured"`
}

// GateStateOf returns the state of a single gate.
func GateStateOf(gate Gate, req Requirements, verified Verification) GateState {
	switch gate {
	case GateAccessCode:
		if !req.AccessCodeRequired {
			return GateNotApplicable
		}
		if verified.AccessCodeVerified {
			return GateSatisfied
		}
		return GatePending
	case GateSelfie:
		// No access code, no provisional identity to match a selfie against.
		if !req.SelfieRequired || !req.AccessCodeRequired {
			return GateNotApplicable
		}
		if !verified.AccessCodeVerified {
			return GateNotApplicable
		}
		if verified.SelfieVerified {
			return GateSatisfied
		}
		return GatePending
	case GateIntentVideo:
		if !req.IntentVideoRequired {
			return GateNotApplicable
		}
		if verified.IntentVideoCaptured {
			return GateSatisfied
		}
		return GatePending
	default:
		return GateNotApplicable
	}
}

// NextUnsatisfiedGate walks the gate chain in fixed order and returns the
// first pending gate. Later gates are not considered until earlier ones are
// satisfied, so callers surface exactly one acquisition flow at a time.
//
// A selfie requirement whose access-code prerequisite is still pending is
// reported as the access-code gate: the selfie gate only becomes pending once
// the code is verified.
func NextUnsatisfiedGate(req Requirements, verified Verification) (Gate, bool) {
	for _, gate := range gateOrder {
		if GateStateOf(gate, req, verified) == GatePending {
			return gate, true
		}
	}
	return "", false
}
