package coap

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransaction() *Transaction {
	return newTransaction(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5683}, 1)
}

// ===== Block1 inbound reassembly =====

func TestBlockLayer_ReceiveRequest_NoBlock1PassesThrough(t *testing.T) {
	t.Parallel()

	bl := NewBlockLayer(1024)
	tr := newTestTransaction()
	tr.Request = NewMessage()
	tr.Request.Code = PUT

	assert.False(t, bl.ReceiveRequest(tr))
}

func TestBlockLayer_ReceiveRequest_MoreBlocksSendsContinue(t *testing.T) {
	t.Parallel()

	bl := NewBlockLayer(1024)
	tr := newTestTransaction()

	req := NewMessage()
	req.Code = PUT
	req.Token = []byte{0x01}
	req.Payload = make([]byte, 16)
	req.SetOption(Block1, EncodeBlockValue(0, true, 0)) // SZX=0 -> 16B blocks
	tr.Request = req

	shortCircuit := bl.ReceiveRequest(tr)
	require.True(t, shortCircuit)
	require.NotNil(t, tr.Response)
	assert.Equal(t, Continue, tr.Response.Code)
	assert.Equal(t, Acknowledgement, tr.Response.Type)
	assert.True(t, tr.BlockTransfer)
	assert.Equal(t, 16, len(tr.block1.buf))
}

func TestBlockLayer_ReceiveRequest_FinalBlockReassembles(t *testing.T) {
	t.Parallel()

	bl := NewBlockLayer(1024)
	tr := newTestTransaction()

	first := NewMessage()
	first.Code = PUT
	first.Payload = make([]byte, 16)
	for i := range first.Payload {
		first.Payload[i] = 'a'
	}
	first.SetOption(Block1, EncodeBlockValue(0, true, 0))
	tr.Request = first
	require.True(t, bl.ReceiveRequest(tr))

	second := NewMessage()
	second.Code = PUT
	second.Payload = []byte("tail")
	second.SetOption(Block1, EncodeBlockValue(1, false, 0))
	tr.Request = second

	shortCircuit := bl.ReceiveRequest(tr)
	assert.False(t, shortCircuit)
	assert.False(t, tr.BlockTransfer)
	assert.Equal(t, append(make([]byte, 16), []byte("tail")...), tr.Request.Payload)
}

func TestBlockLayer_ReceiveRequest_IdempotentReReceive(t *testing.T) {
	t.Parallel()

	bl := NewBlockLayer(1024)
	tr := newTestTransaction()

	blk0 := NewMessage()
	blk0.Code = PUT
	blk0.Payload = []byte("0123456789012345") // 16 bytes
	blk0.SetOption(Block1, EncodeBlockValue(0, true, 0))
	tr.Request = blk0
	require.True(t, bl.ReceiveRequest(tr))

	// Re-deliver block 0 (e.g. a retransmitted CON): must land at the same
	// offset and not corrupt or duplicate the buffer.
	repeat := NewMessage()
	repeat.Code = PUT
	repeat.Payload = []byte("0123456789012345")
	repeat.SetOption(Block1, EncodeBlockValue(0, true, 0))
	tr.Request = repeat
	bl.ReceiveRequest(tr)

	assert.Equal(t, 16, len(tr.block1.buf))
}

func TestBlockLayer_ReceiveRequest_MissingEarlierBlockWaits(t *testing.T) {
	t.Parallel()

	bl := NewBlockLayer(1024)
	tr := newTestTransaction()

	// Jump straight to block 1 without ever receiving block 0.
	req := NewMessage()
	req.Code = PUT
	req.Payload = []byte("tail")
	req.SetOption(Block1, EncodeBlockValue(1, false, 0))
	tr.Request = req

	shortCircuit := bl.ReceiveRequest(tr)
	assert.True(t, shortCircuit)
	assert.Empty(t, tr.block1.buf)
}

// ===== Block2 outbound split =====

func TestBlockLayer_SendResponse_SmallPayloadUnsplit(t *testing.T) {
	t.Parallel()

	bl := NewBlockLayer(1024)
	tr := newTestTransaction()
	tr.Request = NewMessage()
	tr.Request.Token = []byte{0x01}
	tr.Response = NewMessage()
	tr.Response.Payload = []byte("short")

	bl.SendResponse(tr, DefaultBlockSZX)
	assert.Equal(t, []byte("short"), tr.Response.Payload)
	assert.Nil(t, tr.Response.Option(Block2))
}

func TestBlockLayer_SendResponse_SplitsOversizedPayload(t *testing.T) {
	t.Parallel()

	bl := NewBlockLayer(1024)
	tr := newTestTransaction()
	tr.Request = NewMessage()
	tr.Request.Token = []byte{0x02}
	tr.Response = NewMessage()
	tr.Response.Token = []byte{0x02}
	full := make([]byte, 40)
	for i := range full {
		full[i] = byte(i)
	}
	tr.Response.Payload = full

	// SZX=1 -> 32 byte blocks; 40 bytes needs two.
	bl.SendResponse(tr, 1)
	assert.Len(t, tr.Response.Payload, 32)
	num, more, szx := DecodeBlockValue(toUint32(tr.Response.Option(Block2)))
	assert.Equal(t, uint32(0), num)
	assert.True(t, more)
	assert.Equal(t, uint8(1), szx)

	// Follow-up request for block 1 must serve the remaining 8 bytes from
	// the cached original payload, not a freshly (possibly-changed) one.
	tr2 := newTestTransaction()
	req2 := NewMessage()
	req2.Token = []byte{0x02}
	req2.SetOption(Block2, EncodeBlockValue(1, false, 1))
	tr2.Request = req2
	tr2.Response = NewMessage()
	tr2.Response.Token = []byte{0x02}
	tr2.Response.Payload = []byte("this would be wrong if served instead of cache")

	bl.SendResponse(tr2, 1)
	assert.Len(t, tr2.Response.Payload, 8)
	num2, more2, _ := DecodeBlockValue(toUint32(tr2.Response.Option(Block2)))
	assert.Equal(t, uint32(1), num2)
	assert.False(t, more2)
}

func TestBlockLayer_Sweep_DropsStaleCacheEntries(t *testing.T) {
	t.Parallel()

	bl := NewBlockLayer(1024)
	tr := newTestTransaction()
	tr.Request = NewMessage()
	tr.Request.Token = []byte{0x03}
	tr.Response = NewMessage()
	tr.Response.Token = []byte{0x03}
	tr.Response.Payload = make([]byte, 40)

	bl.SendResponse(tr, 1)
	require.Len(t, bl.cache, 1)

	bl.Sweep(time.Now().Add(time.Hour), time.Minute)
	assert.Empty(t, bl.cache)
}

func TestCapSZXToPayload_ClampsDown(t *testing.T) {
	t.Parallel()

	// maxPayload of 64 bytes can't support SZX=6 (1024B); should clamp to SZX=2.
	assert.Equal(t, uint8(2), capSZXToPayload(DefaultBlockSZX, 64))
}
