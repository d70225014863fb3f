// Package notify carries the engine's named notifications to their sinks.
//
// Field names of the payload types are part of the external interface and
// must not change. Emission is best-effort: a failing sink is logged and
// never fails the operation that produced the notification.
package notify

import "github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"

// Type names a notification.
type Type string

const (
	TypeCapabilityIssued  Type = "CapabilityIssued"
	TypeCapabilityRevoked Type = "CapabilityRevoked"
	TypeToneUpdated       Type = "ToneUpdated"
	TypeReflexTriggered   Type = "ReflexTriggered"
	TypeEvidencePosted    Type = "EvidencePosted"
)

// Payload is implemented by every notification body.
type Payload interface {
	EventType() Type
}

// CapabilityIssued announces a minted token with dual-digest commitments of
// the intent parameters and pre-state root.
type CapabilityIssued struct {
	TokenID       contracts.TokenID    `json:"tokenId"`
	ExecutorID    contracts.ExecutorID `json:"executorId"`
	Requester     contracts.Principal  `json:"requester"`
	ActionID      contracts.Hash       `json:"actionId"`
	ExpiresAt     int64                `json:"expiresAt"`
	ParamsHashA   contracts.Hash       `json:"paramsHashA"`
	ParamsHashB   contracts.Hash       `json:"paramsHashB"`
	PreStateHashA contracts.Hash       `json:"preStateHashA"`
	PreStateHashB contracts.Hash       `json:"preStateHashB"`
}

func (CapabilityIssued) EventType() Type { return TypeCapabilityIssued }

// CapabilityRevoked announces a revocation.
type CapabilityRevoked struct {
	TokenID contracts.TokenID          `json:"tokenId"`
	Reason  contracts.RevocationReason `json:"reason"`
}

func (CapabilityRevoked) EventType() Type { return TypeCapabilityRevoked }

// ToneUpdated is emitted on every accepted tone update.
type ToneUpdated struct {
	ExecutorID contracts.ExecutorID `json:"executorId"`
	Tone       uint32               `json:"tone"`
	State      contracts.ANSState   `json:"state"`
	UpdatedAt  int64                `json:"updatedAt"`
}

func (ToneUpdated) EventType() Type { return TypeToneUpdated }

// ReflexTriggered summarizes one revocation pass. It is only emitted when at
// least one token was revoked.
type ReflexTriggered struct {
	ExecutorID   contracts.ExecutorID `json:"executorId"`
	Reason       string               `json:"reason"`
	RevokedCount uint64               `json:"revokedCount"`
	TriggeredAt  int64                `json:"triggeredAt"`
}

func (ReflexTriggered) EventType() Type { return TypeReflexTriggered }

// EvidencePosted announces an accepted evidence packet.
type EvidencePosted struct {
	ExecutorID        contracts.ExecutorID `json:"executorId"`
	StateRootSHA256   contracts.Hash       `json:"stateRootSha256"`
	StateRootKeccak   contracts.Hash       `json:"stateRootKeccak"`
	MetricsHashSHA256 contracts.Hash       `json:"metricsHashSha256"`
	MetricsHashKeccak contracts.Hash       `json:"metricsHashKeccak"`
	Attestor          contracts.Principal  `json:"attestor"`
	Timestamp         int64                `json:"timestamp"`
}

func (EvidencePosted) EventType() Type { return TypeEvidencePosted }
