package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeVersion is the current envelope format.
const EnvelopeVersion = 1

// Envelope wraps one broadcast delta with routing and integrity metadata.
type Envelope struct {
	Timestamp time.Time       `json:"ts"`
	Model     string          `json:"model"`
	Symbol    string          `json:"symbol"`
	Version   int64           `json:"version"` // model version, not envelope format
	Payload   json.RawMessage `json:"payload"`
	Checksum  string          `json:"checksum"`
	Format    int             `json:"format"`
}

// NewEnvelope builds a checksummed envelope.
func NewEnvelope(model, symbol string, version int64, payload json.RawMessage, ts time.Time) Envelope {
	e := Envelope{
		Timestamp: ts.UTC(),
		Model:     model,
		Symbol:    symbol,
		Version:   version,
		Payload:   payload,
		Format:    EnvelopeVersion,
	}
	e.Checksum = e.ComputeChecksum()
	return e
}

// ComputeChecksum hashes payload||version||model||symbol.
func (e Envelope) ComputeChecksum() string {
	input := fmt.Sprintf("%s||%d||%s||%s", string(e.Payload), e.Version, e.Model, e.Symbol)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Validate checks required fields and the checksum when present.
func Validate(e Envelope) error {
	if e.Model == "" {
		return fmt.Errorf("envelope model is empty")
	}
	if e.Symbol == "" {
		return fmt.Errorf("envelope symbol is empty")
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope payload is empty")
	}
	if e.Format <= 0 {
		return fmt.Errorf("envelope format must be positive, got %d", e.Format)
	}
	if e.Checksum != "" && e.Checksum != e.ComputeChecksum() {
		return fmt.Errorf("envelope checksum mismatch")
	}
	return nil
}

// Decode parses and validates an envelope.
func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := Validate(e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
