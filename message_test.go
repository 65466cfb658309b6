package coap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_MarshalUnmarshalRoundTrip(t *testing.T) {
	t.Parallel()

	m := NewMessage()
	m.Type = Confirmable
	m.Code = GET
	m.MessageID = 0x0001
	m.Token = []byte{0xAB}
	m.SetPathString("well-known/core")
	m.SetOption(Accept, AppLinkFormat)
	m.Payload = []byte("hello")

	data, err := m.MarshalBinary()
	require.NoError(t, err)

	var out Message
	require.NoError(t, out.UnmarshalBinary(data))

	assert.Equal(t, m.Type, out.Type)
	assert.Equal(t, m.Code, out.Code)
	assert.Equal(t, m.MessageID, out.MessageID)
	assert.Equal(t, m.Token, out.Token)
	assert.Equal(t, m.PathString(), out.PathString())
	assert.Equal(t, m.Payload, out.Payload)
	assert.Equal(t, AppLinkFormat, out.Option(Accept))
}

func TestMessage_UnmarshalRejectsBadVersion(t *testing.T) {
	t.Parallel()

	data := []byte{0x00, byte(GET), 0x00, 0x01}
	var m Message
	assert.ErrorIs(t, m.UnmarshalBinary(data), ErrBadVersion)
}

func TestMessage_UnmarshalRejectsShortHeader(t *testing.T) {
	t.Parallel()

	var m Message
	assert.ErrorIs(t, m.UnmarshalBinary([]byte{0x40, 0x01}), ErrMalformedHeader)
}

func TestMessage_UnmarshalRejectsEmptyPayloadMarker(t *testing.T) {
	t.Parallel()

	data := []byte{0x40, byte(GET), 0x00, 0x01, 0xff}
	var m Message
	assert.ErrorIs(t, m.UnmarshalBinary(data), ErrPayloadMarkerEmpty)
}

func TestMessage_UnmarshalPreservesUnknownElectiveOption(t *testing.T) {
	t.Parallel()

	m := NewMessage()
	m.Type = Confirmable
	m.Code = GET
	m.MessageID = 7
	// Option 2 (If-Match's neighbour) is unassigned and elective (even).
	m.AddOption(OptionID(2), []byte{0x01})

	data, err := m.MarshalBinary()
	require.NoError(t, err)

	var out Message
	require.NoError(t, out.UnmarshalBinary(data))
	assert.Equal(t, []byte{0x01}, out.Option(OptionID(2)))
}

func TestMessage_UnmarshalRejectsUnknownCriticalOption(t *testing.T) {
	t.Parallel()

	m := NewMessage()
	m.Type = Confirmable
	m.Code = GET
	m.MessageID = 7
	// Option 9 is unassigned and critical (odd).
	m.AddOption(OptionID(9), []byte{0x01})

	data, err := m.MarshalBinary()
	require.NoError(t, err)

	var out Message
	assert.ErrorIs(t, out.UnmarshalBinary(data), ErrUnknownCritical)
}

func TestMessage_MarshalRejectsOversizedToken(t *testing.T) {
	t.Parallel()

	m := NewMessage()
	m.Token = make([]byte, 9)
	_, err := m.MarshalBinary()
	assert.ErrorIs(t, err, ErrInvalidTokenLen)
}

func TestCCode_Classification(t *testing.T) {
	t.Parallel()

	assert.True(t, GET.IsRequest())
	assert.False(t, GET.IsResponse())
	assert.True(t, Content.IsResponse())
	assert.False(t, Content.IsRequest())
	assert.Equal(t, "request", ClassifyWire(GET))
	assert.Equal(t, "response", ClassifyWire(Content))
	assert.Equal(t, "empty", ClassifyWire(Empty))
	assert.Equal(t, "malformed", ClassifyWire(CCode(5)))
}
