package canonicalize

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Beijing-Datoms-Technology-Corp/vagus/pkg/contracts"
)

func TestCanonical_SortsKeys(t *testing.T) {
	out, err := Canonical(map[string]any{"b": 1, "a": "x<y"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x<y","b":1}`, string(out))
}

func TestCanonical_NFC(t *testing.T) {
	composed, err := Canonical(map[string]string{"name": "caf\u00e9"})
	require.NoError(t, err)
	decomposed, err := Canonical(map[string]string{"name": "cafe\u0301"})
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestDigest_KnownVectors(t *testing.T) {
	d := Digest(nil)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", hex.EncodeToString(d.SHA256[:]))
	assert.Equal(t, "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", hex.EncodeToString(d.Keccak256[:]))
}

func TestScaledLimitsCommitment(t *testing.T) {
	action := contracts.Hash{1}
	a, err := ScaledLimitsCommitment(ScaledLimits{ActionID: action, ScaledMaxDurationMs: 6000, ScaledMaxEnergyJ: 600, ScalingFactor: 6000})
	require.NoError(t, err)
	b, err := ScaledLimitsCommitment(ScaledLimits{ActionID: action, ScaledMaxDurationMs: 6000, ScaledMaxEnergyJ: 600, ScalingFactor: 6000})
	require.NoError(t, err)
	c, err := ScaledLimitsCommitment(ScaledLimits{ActionID: action, ScaledMaxDurationMs: 6000, ScaledMaxEnergyJ: 601, ScalingFactor: 6000})
	require.NoError(t, err)

	assert.False(t, a.IsZero())
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestScaledLimits_LargeIntegersAreStrings(t *testing.T) {
	out, err := Canonical(ScaledLimits{ScaledMaxDurationMs: 1<<63 + 1})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"scaledMaxDurationMs":"9223372036854775809"`)
}

func TestDigestIntent(t *testing.T) {
	in := contracts.Intent{Params: []byte("move"), PreStateRoot: contracts.Hash{9}}
	d := DigestIntent(in)
	assert.Equal(t, SHA256([]byte("move")), d.Params.SHA256)
	assert.Equal(t, Keccak256([]byte("move")), d.Params.Keccak256)
	assert.NotEqual(t, d.Params.SHA256, d.PreState.SHA256)
}

func TestEvidenceMetrics_NilEqualsEmpty(t *testing.T) {
	a, err := EvidenceMetrics(nil)
	require.NoError(t, err)
	b, err := EvidenceMetrics(map[string]float64{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
