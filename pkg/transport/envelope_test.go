package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitEnvelopeTooShort(t *testing.T) {
	_, _, ok := SplitEnvelope([][]byte{[]byte("identity")})
	assert.False(t, ok)
}

func TestSplitEnvelopeRoundTrip(t *testing.T) {
	frames := [][]byte{[]byte("peer-1"), nil, []byte("body-1"), []byte("body-2")}

	env, body, ok := SplitEnvelope(frames)
	require.True(t, ok)
	assert.Equal(t, []byte("peer-1"), env.Identity)
	assert.Equal(t, [][]byte{[]byte("body-1"), []byte("body-2")}, body)
}

func TestEnvelopeWrapPrependsIdentityAndDelimiter(t *testing.T) {
	env := Envelope{Identity: []byte("peer-1")}
	out := env.Wrap([]byte("reply"))

	require.Len(t, out, 3)
	assert.Equal(t, []byte("peer-1"), out[0])
	assert.Nil(t, out[1])
	assert.Equal(t, []byte("reply"), out[2])
}

func TestWrapThenSplitRoundTrip(t *testing.T) {
	env := Envelope{Identity: []byte("client-42")}
	wrapped := env.Wrap([]byte("a"), []byte("b"))

	got, body, ok := SplitEnvelope(wrapped)
	require.True(t, ok)
	assert.Equal(t, env.Identity, got.Identity)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, body)
}
