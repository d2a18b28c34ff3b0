package models

import (
	"errors"
	"fmt"
)

// Reason codes are stable identifiers used in Decision.Reasons, GateResult.Reason,
// audit records and metrics labels.
const (
	ReasonOK                       = "OK"
	ReasonFastPath                 = "FAST_PATH"
	ReasonQuorum                   = "QUORUM"
	ReasonUnknownDevice            = "UNKNOWN_DEVICE"
	ReasonAlreadyRegistered        = "ALREADY_REGISTERED"
	ReasonChallengeNotFound        = "CHALLENGE_NOT_FOUND"
	ReasonChallengeExpired         = "CHALLENGE_EXPIRED"
	ReasonChallengeAlreadyConsumed = "CHALLENGE_ALREADY_CONSUMED"
	ReasonBindingMismatch          = "BINDING_MISMATCH"
	ReasonTotpInvalid              = "TOTP_INVALID"
	ReasonRateLimited              = "RATE_LIMITED"
	ReasonInsufficientGates        = "INSUFFICIENT_GATES"
	ReasonWeakSigningKey           = "WEAK_SIGNING_KEY"
	ReasonGateTimeout              = "GATE_TIMEOUT"
	ReasonMalformedToken           = "MALFORMED_TOKEN"
	ReasonSignatureInvalid         = "SIGNATURE_INVALID"
	ReasonTokenMissing             = "TOKEN_MISSING"
	ReasonSessionExpired           = "SESSION_EXPIRED"
	ReasonSessionRevoked           = "SESSION_REVOKED"
	ReasonBelowThreshold           = "BELOW_THRESHOLD"
	ReasonScorerError              = "SCORER_ERROR"
	ReasonInternal                 = "INTERNAL"
)

var (
	ErrUnknownDevice            = &CodedError{Code: ReasonUnknownDevice, Message: "device not registered"}
	ErrAlreadyRegistered        = &CodedError{Code: ReasonAlreadyRegistered, Message: "device already registered"}
	ErrChallengeNotFound        = &CodedError{Code: ReasonChallengeNotFound, Message: "challenge not found"}
	ErrChallengeExpired         = &CodedError{Code: ReasonChallengeExpired, Message: "challenge expired"}
	ErrChallengeAlreadyConsumed = &CodedError{Code: ReasonChallengeAlreadyConsumed, Message: "challenge already consumed"}
	ErrBindingMismatch          = &CodedError{Code: ReasonBindingMismatch, Message: "challenge binding mismatch"}
	ErrTotpInvalid              = &CodedError{Code: ReasonTotpInvalid, Message: "totp invalid"}
	ErrRateLimited              = &CodedError{Code: ReasonRateLimited, Message: "rate limited"}
	ErrInsufficientGates        = &CodedError{Code: ReasonInsufficientGates, Message: "insufficient gates"}
	ErrWeakSigningKey           = &CodedError{Code: ReasonWeakSigningKey, Message: "signing key too short"}
	ErrGateTimeout              = &CodedError{Code: ReasonGateTimeout, Message: "gate timed out"}
	ErrMalformedToken           = &CodedError{Code: ReasonMalformedToken, Message: "malformed session token"}
	ErrSignatureInvalid         = &CodedError{Code: ReasonSignatureInvalid, Message: "signature invalid"}
	ErrTokenMissing             = &CodedError{Code: ReasonTokenMissing, Message: "session token missing"}
	ErrSessionExpired           = &CodedError{Code: ReasonSessionExpired, Message: "session expired"}
	ErrSessionRevoked           = &CodedError{Code: ReasonSessionRevoked, Message: "session revoked"}
	ErrBelowThreshold           = &CodedError{Code: ReasonBelowThreshold, Message: "confidence below threshold"}
	ErrScorerError              = &CodedError{Code: ReasonScorerError, Message: "scorer failed"}
)

// CodedError pairs a stable reason code with a human-readable message and an
// optional cause.
type CodedError struct {
	Code    string
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// Is matches any CodedError carrying the same code, so wrapped copies still
// satisfy errors.Is against the package sentinels.
func (e *CodedError) Is(target error) bool {
	var other *CodedError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Wrap attaches cause to a copy of the sentinel.
func Wrap(sentinel *CodedError, cause error) error {
	return &CodedError{Code: sentinel.Code, Message: sentinel.Message, Err: cause}
}

// ReasonCode extracts the stable code from err, or INTERNAL for uncoded errors.
func ReasonCode(err error) string {
	if err == nil {
		return ReasonOK
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ReasonInternal
}
