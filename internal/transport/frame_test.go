package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	in := Frame{Topic: "agent-config-topic", Sender: "alice", Payload: []byte(`{"id":"x"}`), Sent: 1234}
	data, err := EncodeFrame(in)
	require.NoError(t, err)

	out, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFrameDeterministic(t *testing.T) {
	f := Frame{Topic: "t", Payload: []byte("p"), Sent: 1}
	a, err := EncodeFrame(f)
	require.NoError(t, err)
	b, err := EncodeFrame(f)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecodeFrameRejects(t *testing.T) {
	_, err := DecodeFrame([]byte{0xff, 0x00})
	assert.Error(t, err)

	data, err := EncodeFrame(Frame{Payload: []byte("no topic")})
	require.NoError(t, err)
	_, err = DecodeFrame(data)
	assert.ErrorContains(t, err, "missing topic")
}
