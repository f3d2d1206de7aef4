package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Signal is the normalized inbound payload. Upstream sources format numbers
// and casing inconsistently; Normalize canonicalizes before hashing or
// execution so retries of the same logical signal dedupe correctly.
type Signal struct {
	Strategy string   `json:"strategy,omitempty"`
	Action   string   `json:"action"`
	Symbol   string   `json:"symbol"`
	Price    *float64 `json:"price,omitempty"`
	Quantity *int     `json:"quantity,omitempty"`
}

var ErrInvalidSignal = errors.New("invalid signal payload")

// ParseSignal decodes and normalizes a raw webhook body.
func ParseSignal(raw []byte) (*Signal, error) {
	var signal Signal
	if err := json.Unmarshal(raw, &signal); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if err := signal.Normalize(); err != nil {
		return nil, err
	}
	return &signal, nil
}

// Normalize uppercases action and symbol and validates the action verb.
func (s *Signal) Normalize() error {
	s.Action = strings.ToUpper(strings.TrimSpace(s.Action))
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	s.Strategy = strings.TrimSpace(s.Strategy)

	if s.Action != "BUY" && s.Action != "SELL" {
		return fmt.Errorf("%w: action must be BUY or SELL, got %q", ErrInvalidSignal, s.Action)
	}
	if s.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidSignal)
	}
	return nil
}

// CanonicalJSON renders the normalized signal with deterministic field order,
// the input to the idempotency hash.
func (s *Signal) CanonicalJSON() string {
	parts := []string{
		fmt.Sprintf("%q:%q", "action", s.Action),
		fmt.Sprintf("%q:%q", "symbol", s.Symbol),
	}
	if s.Strategy != "" {
		parts = append(parts, fmt.Sprintf("%q:%q", "strategy", s.Strategy))
	}
	if s.Price != nil {
		parts = append(parts, fmt.Sprintf("%q:%g", "price", *s.Price))
	}
	if s.Quantity != nil {
		parts = append(parts, fmt.Sprintf("%q:%d", "quantity", *s.Quantity))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
