// Package contracts defines the shared data model of the Vagus safety engine:
// executor and token identifiers, 32-byte commitments, intents, capability
// tokens, evidence packets and the safety state enumeration.
//
// Every other package depends on contracts; contracts depends on nothing but
// the standard library.
package contracts

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ExecutorID identifies a physical or virtual executor.
type ExecutorID uint64

// TokenID identifies a capability token. Ids are monotonic and start at 1.
type TokenID uint64

// Principal names an authenticated caller (a service, an operator, a planner).
type Principal string

// Hash is a 32-byte commitment. The zero value is the null commitment.
type Hash [32]byte

// ZeroHash is the null commitment.
var ZeroHash Hash

// IsZero reports whether h is the null commitment.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// String returns the 0x-prefixed lowercase hex encoding.
func (h Hash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 64-character hex string, with or without a 0x prefix.
func ParseHash(s string) (Hash, error) {
	var h Hash
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 64 {
		return h, fmt.Errorf("contracts: hash must be 32 bytes, got %d hex chars", len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("contracts: invalid hash: %w", err)
	}
	return h, nil
}

// MustParseHash is ParseHash for constants and tests.
func MustParseHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

// HashFromBytes copies b (which must be 32 bytes long) into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != len(h) {
		return h, fmt.Errorf("contracts: hash must be 32 bytes, got %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ANSState is the safety classification of an executor.
type ANSState uint8

const (
	StateSafe ANSState = iota
	StateDanger
	StateShutdown
)

// String implements fmt.Stringer.
func (s ANSState) String() string {
	switch s {
	case StateSafe:
		return "SAFE"
	case StateDanger:
		return "DANGER"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the three defined states.
func (s ANSState) Valid() bool {
	return s <= StateShutdown
}

// MarshalText implements encoding.TextMarshaler.
func (s ANSState) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("contracts: invalid state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ANSState) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState parses SAFE, DANGER or SHUTDOWN (case-insensitive).
func ParseState(v string) (ANSState, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "SAFE":
		return StateSafe, nil
	case "DANGER":
		return StateDanger, nil
	case "SHUTDOWN":
		return StateShutdown, nil
	}
	return 0, fmt.Errorf("contracts: unknown state %q", v)
}

// Basis points scale: 10000 = 100%.
const BasisPoints = 10000

// Tone scale: parts per million.
const MaxTone = 1_000_000

// Guard is the scaling and admission decision derived from an executor's state.
type Guard struct {
	ScalingFactor uint32 `json:"scalingFactor"` // basis points
	Allowed       bool   `json:"allowed"`
}

// GuardOf projects a state onto its guard.
func GuardOf(s ANSState) Guard {
	switch s {
	case StateSafe:
		return Guard{ScalingFactor: BasisPoints, Allowed: true}
	case StateDanger:
		return Guard{ScalingFactor: 6000, Allowed: true}
	default:
		return Guard{ScalingFactor: 0, Allowed: false}
	}
}

// Intent is a request to act. It is immutable once submitted.
type Intent struct {
	ExecutorID    ExecutorID `json:"executorId"`
	ActionID      Hash       `json:"actionId"`
	Params        []byte     `json:"params"`
	EnvelopeHash  Hash       `json:"envelopeHash"`
	PreStateRoot  Hash       `json:"preStateRoot"`
	NotBefore     int64      `json:"notBefore"`
	NotAfter      int64      `json:"notAfter"`
	MaxDurationMs uint64     `json:"maxDurationMs"`
	MaxEnergyJ    uint64     `json:"maxEnergyJ"`
	Requester     Principal  `json:"requester"`
	Nonce         uint64     `json:"nonce"`
}

// RevocationReason explains why a token was revoked.
type RevocationReason string

const (
	ReasonOwnerRevocation RevocationReason = "OWNER_REVOCATION"
	ReasonReflexTrigger   RevocationReason = "REFLEX_TRIGGER"
	ReasonExpiration      RevocationReason = "EXPIRATION"
)

// Valid reports whether r is a known reason.
func (r RevocationReason) Valid() bool {
	switch r {
	case ReasonOwnerRevocation, ReasonReflexTrigger, ReasonExpiration:
		return true
	}
	return false
}

// CapabilityToken is a time-bounded, revocable authorization for one
// executor/action pair. Tokens are never removed; Revoked flips once.
type CapabilityToken struct {
	TokenID          TokenID          `json:"tokenId"`
	ExecutorID       ExecutorID       `json:"executorId"`
	ActionID         Hash             `json:"actionId"`
	ScaledLimitsHash Hash             `json:"scaledLimitsHash"`
	IssuedAt         int64            `json:"issuedAt"`
	ExpiresAt        int64            `json:"expiresAt"`
	Revoked          bool             `json:"revoked"`
	RevokedAt        int64            `json:"revokedAt,omitempty"`
	RevocationReason RevocationReason `json:"revocationReason,omitempty"`
	Issuer           Principal        `json:"issuer"`
	Requester        Principal        `json:"requester"`
	Nonce            uint64           `json:"nonce,omitempty"` // replay nonce of the minting intent, 0 if none
}

// ValidAt reports whether the token authorizes action at time now (seconds).
func (t CapabilityToken) ValidAt(now int64) bool {
	return !t.Revoked && now <= t.ExpiresAt
}

// Evidence is one afferent evidence packet as posted by an attestor.
// Every commitment is carried twice, as SHA-256 and keccak-256.
type Evidence struct {
	ExecutorID        ExecutorID         `json:"executorId"`
	StateRootSHA256   Hash               `json:"stateRootSha256"`
	StateRootKeccak   Hash               `json:"stateRootKeccak"`
	MetricsHashSHA256 Hash               `json:"metricsHashSha256"`
	MetricsHashKeccak Hash               `json:"metricsHashKeccak"`
	Tone              *uint32            `json:"tone,omitempty"`
	Metrics           map[string]float64 `json:"metrics,omitempty"`
	Timestamp         int64              `json:"timestamp"`
	Attestor          Principal          `json:"attestor"`
}
