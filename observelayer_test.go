package coap

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPeer(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
}

// ===== subscribe / unsubscribe =====

func TestObserveLayer_ReceiveRequest_MarksSubscribeIntent(t *testing.T) {
	t.Parallel()

	ol := NewObserveLayer()
	tr := newTransaction(newTestPeer(1), 1)
	req := NewMessage()
	req.Code = GET
	req.SetOption(Observe, uint32(0))
	tr.Request = req

	ol.ReceiveRequest(tr)
	assert.True(t, tr.wantsSubscribe)
	assert.False(t, tr.wantsUnsubscribe)
}

func TestObserveLayer_ReceiveRequest_MarksUnsubscribeIntent(t *testing.T) {
	t.Parallel()

	ol := NewObserveLayer()
	tr := newTransaction(newTestPeer(1), 1)
	req := NewMessage()
	req.Code = GET
	req.SetOption(Observe, uint32(1))
	tr.Request = req

	ol.ReceiveRequest(tr)
	assert.True(t, tr.wantsUnsubscribe)
	assert.False(t, tr.wantsSubscribe)
}

func TestObserveLayer_ReceiveRequest_IgnoresNonGET(t *testing.T) {
	t.Parallel()

	ol := NewObserveLayer()
	tr := newTransaction(newTestPeer(1), 1)
	req := NewMessage()
	req.Code = PUT
	req.SetOption(Observe, uint32(0))
	tr.Request = req

	ol.ReceiveRequest(tr)
	assert.False(t, tr.wantsSubscribe)
}

func TestObserveLayer_SendResponse_SubscribesOn2xx(t *testing.T) {
	t.Parallel()

	ol := NewObserveLayer()
	res := NewResource("temp", true, true, false)

	tr := newTransaction(newTestPeer(1), 1)
	req := NewMessage()
	req.Code = GET
	req.Token = []byte{0x01}
	tr.Request = req
	tr.Resource = res
	tr.wantsSubscribe = true

	resp := NewMessage()
	resp.Code = Content
	tr.Response = resp

	ol.SendResponse(tr)
	assert.Equal(t, 1, ol.Count())
	assert.NotNil(t, resp.Option(Observe))
}

func TestObserveLayer_SendResponse_RejectsNonObservableResource(t *testing.T) {
	t.Parallel()

	ol := NewObserveLayer()
	res := NewResource("static", true, false, false)

	tr := newTransaction(newTestPeer(1), 1)
	req := NewMessage()
	req.Code = GET
	req.Token = []byte{0x01}
	tr.Request = req
	tr.Resource = res
	tr.wantsSubscribe = true
	tr.Response = &Message{Code: Content}

	ol.SendResponse(tr)
	assert.Equal(t, 0, ol.Count())
}

func TestObserveLayer_SendResponse_UnsubscribeRemovesRegistration(t *testing.T) {
	t.Parallel()

	ol := NewObserveLayer()
	res := NewResource("temp", true, true, false)
	peer := newTestPeer(1)
	token := []byte{0x05}

	// subscribe first
	tr := newTransaction(peer, 1)
	req := NewMessage()
	req.Code = GET
	req.Token = token
	tr.Request = req
	tr.Resource = res
	tr.wantsSubscribe = true
	tr.Response = &Message{Code: Content}
	ol.SendResponse(tr)
	require.Equal(t, 1, ol.Count())

	// then unsubscribe
	tr2 := newTransaction(peer, 2)
	req2 := NewMessage()
	req2.Code = GET
	req2.Token = token
	tr2.Request = req2
	tr2.Resource = res
	tr2.wantsUnsubscribe = true
	tr2.Response = &Message{Code: Content}
	ol.SendResponse(tr2)
	assert.Equal(t, 0, ol.Count())
}

func TestObserveLayer_SendResponse_ErrorResponseDeregisters(t *testing.T) {
	t.Parallel()

	ol := NewObserveLayer()
	res := NewResource("temp", true, true, false)
	peer := newTestPeer(1)
	token := []byte{0x07}

	tr := newTransaction(peer, 1)
	req := NewMessage()
	req.Code = GET
	req.Token = token
	tr.Request = req
	tr.Resource = res
	tr.wantsSubscribe = true
	tr.Response = &Message{Code: Content}
	ol.SendResponse(tr)
	require.Equal(t, 1, ol.Count())

	// A later notify attempt fails (e.g. resource now errors): 4.04.
	tr2 := newTransaction(peer, 3)
	req2 := NewMessage()
	req2.Code = GET
	req2.Token = token
	tr2.Request = req2
	tr2.Resource = res
	tr2.Response = &Message{Code: NotFound}
	ol.SendResponse(tr2)
	assert.Equal(t, 0, ol.Count())
}

// ===== notification fan-out =====

func TestObserveLayer_Notify_FanOutSharesSequenceNumber(t *testing.T) {
	t.Parallel()

	ol := NewObserveLayer()
	res := NewResource("temp", true, true, false)

	for i, port := range []int{1, 2, 3} {
		tr := newTransaction(newTestPeer(port), uint16(i+1))
		req := NewMessage()
		req.Code = GET
		req.Token = []byte{byte(i)}
		tr.Request = req
		tr.Resource = res
		tr.wantsSubscribe = true
		tr.Response = &Message{Code: Content}
		ol.SendResponse(tr)
	}
	require.Equal(t, 3, ol.Count())

	targets := ol.Notify(res)
	require.Len(t, targets, 3)
	seq := targets[0].seq
	for _, tgt := range targets {
		assert.Equal(t, seq, tgt.seq)
	}
}

func TestObserveLayer_RemoveSubscriber(t *testing.T) {
	t.Parallel()

	ol := NewObserveLayer()
	res := NewResource("temp", true, true, false)
	peer := newTestPeer(1)
	token := []byte{0x09}

	tr := newTransaction(peer, 1)
	req := NewMessage()
	req.Code = GET
	req.Token = token
	tr.Request = req
	tr.Resource = res
	tr.wantsSubscribe = true
	tr.Response = &Message{Code: Content}
	ol.SendResponse(tr)
	require.Equal(t, 1, ol.Count())

	ol.RemoveSubscriber(peer, token, "temp")
	assert.Equal(t, 0, ol.Count())
}

// ===== freshness window (RFC 7641 §3.4) =====

func TestIsFresh_SimpleIncrement(t *testing.T) {
	t.Parallel()

	assert.True(t, IsFresh(5, 6))
	assert.False(t, IsFresh(6, 5))
	assert.False(t, IsFresh(5, 5))
}

func TestIsFresh_WrapsAroundModulus(t *testing.T) {
	t.Parallel()

	// Near the top of the 24-bit space, wrapping to a small new value is
	// still fresh as long as it's within the window.
	old := uint32(observeModulus - 2)
	newer := uint32(3)
	assert.True(t, IsFresh(old, newer))
}

func TestIsFresh_OutsideWindowIsStale(t *testing.T) {
	t.Parallel()

	assert.False(t, IsFresh(0, observeWindow))
}
