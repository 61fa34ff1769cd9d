package scan

import (
	"encoding/json"
	"fmt"
)

// ViolationsPayload is the typed sum over the two shapes a stored violation
// list can take: an encoded JSON blob written by older rows, or rows that
// are already structured. Decoding happens exactly once at the result-store
// boundary so no caller ever branches on the encoding.
type ViolationsPayload interface {
	Decode() ([]Violation, error)
}

// EncodedViolations is a raw JSON document holding the violation list.
type EncodedViolations []byte

// Decode unmarshals the blob into structured violations. A SQL NULL or
// empty blob decodes to an absent list.
func (e EncodedViolations) Decode() ([]Violation, error) {
	if len(e) == 0 {
		return nil, nil
	}
	var out []Violation
	if err := json.Unmarshal(e, &out); err != nil {
		return nil, fmt.Errorf("decode violations: %w", err)
	}
	return out, nil
}

// DecodedViolations is a violation list that needs no further decoding.
type DecodedViolations []Violation

// Decode returns the list as-is.
func (d DecodedViolations) Decode() ([]Violation, error) {
	return []Violation(d), nil
}
