package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"presence/scanning-server/internal/model"
)

// ErrSecretMismatch reports an envelope whose shared secret does not match
// the configured one. Callers drop the payload without responding; the
// sender never learns whether the secret was the problem.
var ErrSecretMismatch = errors.New("envelope secret mismatch")

// DecodeEnvelope parses raw webhook bytes into a typed envelope and checks
// the shared secret. It is pure: no I/O, no side effects. Optional fields
// absent from the payload stay nil on the decoded observations.
func DecodeEnvelope(raw []byte, secret string) (*model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	if env.Secret != secret {
		return nil, ErrSecretMismatch
	}

	return &env, nil
}
