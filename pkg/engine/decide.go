package engine

import "quadgate/pkg/models"

// Decide applies the quorum rule to gate results. Q4 never counts.
//
//	fast path: Q1 and (Q2 or Q3)
//	quorum:    at least two of Q1, Q2, Q3
//
// Deny reasons carry INSUFFICIENT_GATES followed by "<gate>:<reason>" for
// every attempted gate that failed.
func Decide(results []models.GateResult) (models.Outcome, []string) {
	var q1, q2, q3 bool
	successes := 0
	for _, r := range results {
		if !r.Attempted || !r.Success {
			continue
		}
		switch r.Gate {
		case models.GateCrypto:
			q1 = true
		case models.GateBehavior:
			q2 = true
		case models.GateSemantic:
			q3 = true
		default:
			continue
		}
		successes++
	}
	if q1 && (q2 || q3) {
		return models.OutcomeAllow, []string{models.ReasonFastPath}
	}
	if successes >= 2 {
		return models.OutcomeAllow, []string{models.ReasonQuorum}
	}
	reasons := []string{models.ReasonInsufficientGates}
	for _, r := range results {
		if r.Attempted && !r.Success && r.Reason != "" {
			reasons = append(reasons, string(r.Gate)+":"+r.Reason)
		}
	}
	return models.OutcomeDeny, reasons
}
