// Package integrity computes the determinism hashes of run traces.
// All functions are pure and deterministic.
//
// A step hash covers only the fields that must be stable under replay: index,
// skill, parameters, status, outcome category/code and retry count. Timestamps,
// durations and costs never enter a hash.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/agenticverz/agenticverz/internal/model"
)

// CanonicalJSON encodes v with sorted object keys and no insignificant
// whitespace. encoding/json already sorts map keys; nil maps encode as {} so
// that a missing and an empty parameter set hash identically.
func CanonicalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("integrity: canonical json: %w", err)
	}
	return b, nil
}

// StepHash produces a SHA-256 hex digest over the replay-stable fields of step.
// Each field is encoded as a 4-byte big-endian length prefix followed by the
// field bytes, which avoids delimiter collisions in free-form parameters.
func StepHash(step model.TraceStep) (string, error) {
	params, err := CanonicalJSON(step.Params)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	writeField := func(b []byte) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b))) //nolint:gosec // parameter payloads are bounded by the plan size
		h.Write(lenBuf[:])
		h.Write(b)
	}
	writeField([]byte(strconv.Itoa(step.Index)))
	writeField([]byte(step.Skill))
	writeField(params)
	writeField([]byte(step.Status))
	writeField([]byte(step.OutcomeCategory))
	writeField([]byte(step.OutcomeCode))
	writeField([]byte(strconv.Itoa(step.RetryCount)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RootHash returns SHA-256 over the concatenation of the step hashes, in order.
func RootHash(stepHashes []string) string {
	h := sha256.New()
	for _, s := range stepHashes {
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Seal computes every step hash of rec and its root hash in place.
func Seal(rec *model.TraceRecord) error {
	hashes := make([]string, len(rec.Steps))
	for i := range rec.Steps {
		sum, err := StepHash(rec.Steps[i])
		if err != nil {
			return fmt.Errorf("integrity: seal step %d: %w", rec.Steps[i].Index, err)
		}
		rec.Steps[i].Hash = sum
		hashes[i] = sum
	}
	rec.RootHash = RootHash(hashes)
	return nil
}

// Verify recomputes the hashes of rec and reports whether the stored step
// hashes and root hash all match.
func Verify(rec model.TraceRecord) bool {
	hashes := make([]string, len(rec.Steps))
	for i, step := range rec.Steps {
		sum, err := StepHash(step)
		if err != nil || sum != step.Hash {
			return false
		}
		hashes[i] = sum
	}
	return RootHash(hashes) == rec.RootHash
}
