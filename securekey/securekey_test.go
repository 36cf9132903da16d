package securekey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewZeroesCallerBuffer(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	k := New(src)
	assert.Equal(t, []byte{0, 0, 0, 0}, src)

	view, err := k.View()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, view)
}

func TestDestroyDeniesAccess(t *testing.T) {
	k := New([]byte{0xAA, 0xBB})
	k.Destroy()

	_, err := k.View()
	assert.ErrorIs(t, err, ErrDestroyed)

	_, err = k.ToHex()
	assert.ErrorIs(t, err, ErrDestroyed)

	assert.Equal(t, 0, k.Len())
}

func TestDestroyIdempotent(t *testing.T) {
	k := New([]byte{1})
	k.Destroy()
	assert.NotPanics(t, func() { k.Destroy() })
	assert.True(t, k.Destroyed())
}

func TestFromHexRejectsOddLength(t *testing.T) {
	_, err := FromHex("abc")
	assert.ErrorIs(t, err, ErrOddHex)
}

func TestFromHexRoundTrip(t *testing.T) {
	k, err := FromHex("deadbeef")
	require.NoError(t, err)
	hex, err := k.ToHex()
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", hex)
}

func TestGenerateProducesRequestedLength(t *testing.T) {
	k, err := Generate(32)
	require.NoError(t, err)
	assert.Equal(t, 32, k.Len())
}
