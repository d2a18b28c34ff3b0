package audit

import (
	"crypto/sha256"
	"encoding/hex"

	"quadgate/pkg/models"
)

// hashedEvidenceKeys are identifiers that link a record to live challenges
// or sessions. Everything else in evidence is scores and counters.
var hashedEvidenceKeys = map[string]struct{}{
	"challenge_id": {},
	"session_id":   {},
	"prompt_id":    {},
}

// droppedEvidenceKeys never reach the audit log.
var droppedEvidenceKeys = map[string]struct{}{
	"error": {},
}

func redactGateResults(results []models.GateResult, salt []byte) []models.GateResult {
	out := make([]models.GateResult, 0, len(results))
	for _, r := range results {
		r.Evidence = redactEvidence(r.Evidence, salt)
		out = append(out, r)
	}
	return out
}

func redactEvidence(evidence map[string]any, salt []byte) map[string]any {
	if len(evidence) == 0 {
		return nil
	}
	out := make(map[string]any, len(evidence))
	for k, v := range evidence {
		if _, drop := droppedEvidenceKeys[k]; drop {
			continue
		}
		if _, hash := hashedEvidenceKeys[k]; hash {
			if s, ok := v.(string); ok {
				out[k+"_hash"] = hashString(s, salt)
			}
			continue
		}
		out[k] = v
	}
	return out
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
