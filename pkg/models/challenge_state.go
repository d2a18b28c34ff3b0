package models

import "errors"

type ChallengeState string

const (
	StateIssued           ChallengeState = "issued"
	StateAwaitingResponse ChallengeState = "awaiting_response"
	StateVerified         ChallengeState = "verified"
	StateFailed           ChallengeState = "failed"
	StateExpired          ChallengeState = "expired"
)

var ErrInvalidTransition = errors.New("invalid challenge transition")

// CanTransition encodes Issued -> AwaitingResponse -> {Verified | Failed | Expired}.
// Issued may also expire directly when the first verify attempt arrives late.
func CanTransition(from, to ChallengeState) bool {
	switch from {
	case StateIssued:
		return to == StateAwaitingResponse || to == StateExpired
	case StateAwaitingResponse:
		return to == StateVerified || to == StateFailed || to == StateExpired
	default:
		return false
	}
}

func Transition(from, to ChallengeState) (ChallengeState, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func IsTerminal(state ChallengeState) bool {
	switch state {
	case StateVerified, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}
