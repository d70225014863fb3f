package canonicalize

import "github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"

// ScaledLimits is the committed form of a scaled intent.
// Integers are encoded as decimal strings so that values above 2^53 survive
// the JCS number rules unchanged.
type ScaledLimits struct {
	ActionID            contracts.Hash `json:"actionId"`
	ScaledMaxDurationMs uint64         `json:"scaledMaxDurationMs,string"`
	ScaledMaxEnergyJ    uint64         `json:"scaledMaxEnergyJ,string"`
	ScalingFactor       uint32         `json:"scalingFactor,string"`
}

// ScaledLimitsCommitment is the SHA-256 commitment over the canonical
// encoding of sl. It is never zero.
func ScaledLimitsCommitment(sl ScaledLimits) (contracts.Hash, error) {
	b, err := Canonical(sl)
	if err != nil {
		return contracts.ZeroHash, err
	}
	return SHA256(b), nil
}

// IntentDigests are the dual commitments announced when a token is minted.
type IntentDigests struct {
	Params   DualDigest
	PreState DualDigest
}

// DigestIntent digests the raw parameter bytes and the pre-state root.
func DigestIntent(in contracts.Intent) IntentDigests {
	return IntentDigests{
		Params:   Digest(in.Params),
		PreState: Digest(in.PreStateRoot[:]),
	}
}

// EvidenceMetrics canonicalizes a metrics map and returns its dual digest,
// the form attestors commit to in an evidence packet.
func EvidenceMetrics(metrics map[string]float64) (DualDigest, error) {
	if metrics == nil {
		metrics = map[string]float64{}
	}
	return DigestOf(metrics)
}
