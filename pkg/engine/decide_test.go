package engine

import (
	"fmt"
	"testing"

	"quadgate/pkg/models"
)

type gateState int

const (
	stateSuccess gateState = iota
	stateFailure
	stateNotAttempted
)

func (s gateState) String() string {
	return [...]string{"success", "failure", "not_attempted"}[s]
}

func resultFor(id models.GateID, s gateState) models.GateResult {
	switch s {
	case stateSuccess:
		return models.GateResult{Gate: id, Attempted: true, Success: true, Confidence: 80, Reason: models.ReasonOK}
	case stateFailure:
		return models.GateResult{Gate: id, Attempted: true, Reason: models.ReasonBelowThreshold}
	default:
		return models.NotAttempted(id)
	}
}

func TestDecideAllCombinations(t *testing.T) {
	states := []gateState{stateSuccess, stateFailure, stateNotAttempted}
	for _, q1 := range states {
		for _, q2 := range states {
			for _, q3 := range states {
				for _, q4 := range states {
					name := fmt.Sprintf("Q1=%s/Q2=%s/Q3=%s/Q4=%s", q1, q2, q3, q4)
					results := []models.GateResult{
						resultFor(models.GateCrypto, q1),
						resultFor(models.GateBehavior, q2),
						resultFor(models.GateSemantic, q3),
						resultFor(models.GateIntegrity, q4),
					}
					outcome, reasons := Decide(results)

					ok1, ok2, ok3 := q1 == stateSuccess, q2 == stateSuccess, q3 == stateSuccess
					count := 0
					for _, ok := range []bool{ok1, ok2, ok3} {
						if ok {
							count++
						}
					}
					switch {
					case ok1 && (ok2 || ok3):
						if outcome != models.OutcomeAllow || reasons[0] != models.ReasonFastPath {
							t.Fatalf("%s: expected fast path allow, got %s %v", name, outcome, reasons)
						}
					case count >= 2:
						if outcome != models.OutcomeAllow || reasons[0] != models.ReasonQuorum {
							t.Fatalf("%s: expected quorum allow, got %s %v", name, outcome, reasons)
						}
					default:
						if outcome != models.OutcomeDeny || reasons[0] != models.ReasonInsufficientGates {
							t.Fatalf("%s: expected deny, got %s %v", name, outcome, reasons)
						}
					}
				}
			}
		}
	}
}

func TestDecideQ4NeverCounts(t *testing.T) {
	outcome, _ := Decide([]models.GateResult{
		resultFor(models.GateBehavior, stateSuccess),
		resultFor(models.GateIntegrity, stateSuccess),
	})
	if outcome != models.OutcomeDeny {
		t.Fatal("Q2 plus Q4 must not authorize")
	}
	outcome, _ = Decide([]models.GateResult{resultFor(models.GateCrypto, stateSuccess), resultFor(models.GateIntegrity, stateSuccess)})
	if outcome != models.OutcomeDeny {
		t.Fatal("Q1 plus Q4 must not authorize")
	}
}

func TestDecideDenyReasonsListFailedGates(t *testing.T) {
	_, reasons := Decide([]models.GateResult{
		{Gate: models.GateCrypto, Attempted: true, Reason: models.ReasonSignatureInvalid},
		resultFor(models.GateBehavior, stateNotAttempted),
		{Gate: models.GateIntegrity, Attempted: true, Reason: models.ReasonSessionExpired},
	})
	want := []string{models.ReasonInsufficientGates, "Q1:" + models.ReasonSignatureInvalid, "Q4:" + models.ReasonSessionExpired}
	if fmt.Sprint(reasons) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, reasons)
	}
}
