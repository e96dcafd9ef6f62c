package biometric

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerNames(t *testing.T) {
	assert.Equal(t, "left-thumb", LeftThumb.String())
	assert.Equal(t, "right-index-finger", RightIndex.String())
	assert.Equal(t, "any", FingerAny.String())
}

func TestFingerFromName(t *testing.T) {
	assert.Equal(t, RightIndex, FingerFromName("right-index-finger"))
	assert.Equal(t, LeftLittle, FingerFromName("left-little-finger"))

	// Unknown, empty, and "any" all mean no specific finger.
	assert.Equal(t, FingerAny, FingerFromName("any"))
	assert.Equal(t, FingerAny, FingerFromName(""))
	assert.Equal(t, FingerAny, FingerFromName("third-elbow"))
}

func TestFingerHexRoundTrip(t *testing.T) {
	for _, f := range Fingers() {
		got, ok := FingerFromHex(f.Hex())
		require.True(t, ok, "%s should round-trip", f)
		assert.Equal(t, f, got)
	}

	_, ok := FingerFromHex("z")
	assert.False(t, ok)
	_, ok = FingerFromHex("0")
	assert.False(t, ok, "unknown finger is not a stored code")
}

func TestFingersAreValid(t *testing.T) {
	fingers := Fingers()
	require.Len(t, fingers, 10)
	for _, f := range fingers {
		assert.True(t, f.Valid(), "%s should be valid", f)
	}
	assert.False(t, FingerAny.Valid())
	assert.False(t, FingerUnknown.Valid())
}
