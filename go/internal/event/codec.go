package event

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an envelope for the wire.
func Encode(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope %s: %w", e.ID, err)
	}
	return data, nil
}

// Decode parses and validates an envelope off the wire. Malformed JSON
// and invariant violations both surface as errors so consumers never see
// a half-formed envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
