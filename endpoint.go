package coap

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// EndpointConfig configures an Endpoint. Zero values fall back to this
// package's protocol defaults.
type EndpointConfig struct {
	Addr             string
	AckTimeout       time.Duration
	AckRandomFactor  float64
	MaxRetransmit    int
	ExchangeLifetime time.Duration
	BlockSZX         uint8
	MaxPayload       int
	Metrics          *Metrics
}

// Endpoint is the UDP socket pump and the pipeline that wires MessageLayer,
// BlockLayer, ObserveLayer and RequestLayer together in the order RFC 7252
// requires: dedup/retransmission, then block reassembly, then observe
// bookkeeping, then resource dispatch.
type Endpoint struct {
	conn *net.UDPConn
	tree *ResourceTree

	message *MessageLayer
	block   *BlockLayer
	observe *ObserveLayer
	request *RequestLayer

	blockSZX   uint8
	lifetime   time.Duration
	metrics    *Metrics

	onResponse func(msg *Message)
	onTimeout  func(msg *Message)

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewEndpoint opens a UDP socket at cfg.Addr and assembles the full layer
// pipeline over tree. Call Serve to start the receive loop.
func NewEndpoint(cfg EndpointConfig, tree *ResourceTree) (*Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("coap: resolve %q: %w", cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("coap: listen %q: %w", cfg.Addr, err)
	}

	blockSZX := cfg.BlockSZX
	if blockSZX == 0 {
		blockSZX = DefaultBlockSZX
	}

	ep := &Endpoint{
		conn:     conn,
		tree:     tree,
		block:    NewBlockLayer(cfg.MaxPayload),
		observe:  NewObserveLayer(),
		request:  NewRequestLayer(tree),
		blockSZX: blockSZX,
		lifetime: cfg.ExchangeLifetime,
		metrics:  cfg.Metrics,
		stopped:  make(chan struct{}),
	}
	if ep.lifetime <= 0 {
		ep.lifetime = DefaultExchangeLifetime
	}

	ep.message = NewMessageLayer(MessageLayerConfig{
		AckTimeout:       cfg.AckTimeout,
		AckRandomFactor:  cfg.AckRandomFactor,
		MaxRetransmit:    cfg.MaxRetransmit,
		ExchangeLifetime: cfg.ExchangeLifetime,
	}, ep.sendDatagram, ep.handleTimeout)

	return ep, nil
}

// LocalAddr reports the endpoint's bound UDP address.
func (ep *Endpoint) LocalAddr() net.Addr { return ep.conn.LocalAddr() }

// Resources returns the endpoint's resource tree, for registering handlers
// before or after Serve starts.
func (ep *Endpoint) Resources() *ResourceTree { return ep.tree }

// OnResponse installs the client-role callback invoked once per completed
// (fully block-reassembled) response.
func (ep *Endpoint) OnResponse(fn func(msg *Message)) { ep.onResponse = fn }

// OnTimeout installs the client-role callback invoked when an outbound CON
// request exhausts retransmission without an ACK.
func (ep *Endpoint) OnTimeout(fn func(msg *Message)) { ep.onTimeout = fn }

// Request sends a client-role request, assigning a fresh MessageID and
// entering it into the retransmission/dedup machinery. Type and Token are
// sent as the caller set them.
func (ep *Endpoint) Request(peer *net.UDPAddr, req *Message) (*Transaction, error) {
	return ep.message.SendRequest(peer, req)
}

// changePollInterval governs how quickly a resource changed/deleted outside
// of a request dispatch (e.g. a sensor value updated by an application
// timer) reaches its subscribers. It is independent of and much shorter
// than the dedup-cache sweep interval.
const changePollInterval = 20 * time.Millisecond

// Serve runs the receive loop until Shutdown is called. It should be run in
// its own goroutine.
func (ep *Endpoint) Serve() error {
	ep.wg.Add(1)
	go ep.sweepLoop()
	ep.wg.Add(1)
	go ep.changeLoop()

	buf := make([]byte, 65535)
	for {
		n, peer, err := ep.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ep.stopped:
				return nil
			default:
				return err
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		ep.wg.Add(1)
		go func() {
			defer ep.wg.Done()
			ep.handleDatagram(data, peer)
		}()
	}
}

// Shutdown stops the receive loop and waits for in-flight handlers to drain.
func (ep *Endpoint) Shutdown() {
	ep.stopOnce.Do(func() {
		close(ep.stopped)
		ep.conn.Close()
	})
	ep.wg.Wait()
}

func (ep *Endpoint) sweepLoop() {
	defer ep.wg.Done()
	ticker := time.NewTicker(ep.lifetime / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ep.stopped:
			return
		case now := <-ticker.C:
			ep.message.Sweep(now)
			ep.block.Sweep(now, ep.lifetime)
			if ep.metrics != nil {
				ep.metrics.SetDedupCacheSize(ep.message.CacheSize())
				ep.metrics.SetActiveObservations(ep.observe.Count())
			}
		}
	}
}

// changeLoop scans the resource tree for changed/deleted flags set by
// application code outside of a request dispatch, and notifies their
// subscribers. Flags set by a dispatched request are usually caught first
// by handleRequest's own check; TakeChanged/TakeDeleted take-and-clear so
// the two never double-notify the same transition.
func (ep *Endpoint) changeLoop() {
	defer ep.wg.Done()
	ticker := time.NewTicker(changePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ep.stopped:
			return
		case <-ticker.C:
			for _, res := range ep.tree.All() {
				if res.TakeChanged() || res.TakeDeleted() {
					ep.notify(res)
				}
			}
		}
	}
}

func (ep *Endpoint) sendDatagram(msg *Message) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if ep.metrics != nil {
		ep.metrics.ObserveDatagramOut(len(data))
	}
	_, err = ep.conn.WriteToUDP(data, msg.Destination)
	return err
}

// handleTimeout is the MessageLayer's onTimeout callback: it either
// deregisters a subscriber whose notification went unacknowledged (RFC 7641
// §3.6) or forwards to the client-role OnTimeout callback.
func (ep *Endpoint) handleTimeout(msg *Message) {
	if msg.NotificationPath != "" {
		ep.observe.RemoveSubscriber(msg.Destination, msg.Token, msg.NotificationPath)
		return
	}
	if ep.metrics != nil {
		ep.metrics.IncRetransmitExhausted()
	}
	if ep.onTimeout != nil {
		ep.onTimeout(msg)
	}
}

// handleDatagram is the inbound data flow: health-monitor ping, decode,
// classify, and per-category dispatch into the layer pipeline.
func (ep *Endpoint) handleDatagram(data []byte, peer *net.UDPAddr) {
	defer func() {
		if rec := recover(); rec != nil {
			TraceError("[coap] panic handling datagram from %v: %v", peer, rec)
		}
	}()

	if healthMonitorEnable && len(data) == 4 && string(data) == "RUOK" {
		_, _ = ep.conn.WriteToUDP([]byte("IMOK"), peer)
		return
	}

	var msg Message
	if err := msg.UnmarshalBinary(data); err != nil {
		ep.handleMalformed(data, peer, err)
		return
	}
	msg.Source = peer
	if ep.metrics != nil {
		ep.metrics.ObserveDatagramIn(len(data))
	}

	switch ClassifyWire(msg.Code) {
	case "empty":
		ep.handleEmpty(&msg)
	case "request":
		ep.handleRequest(&msg)
	case "response":
		ep.handleResponse(&msg)
	default:
		TraceWarn("[coap] dropping datagram with unclassifiable code %v from %v", msg.Code, peer)
		if msg.Type == Confirmable {
			_ = ep.message.SendEmpty(peer, msg.MessageID, Reset)
		}
	}
}

// handleMalformed handles a datagram that failed to decode (RFC 7252 §4.2):
// a malformed CON elicits a RST when enough of the header decoded to know
// the MID; anything else is silently dropped. No transaction is ever
// created for it.
func (ep *Endpoint) handleMalformed(data []byte, peer *net.UDPAddr, err error) {
	TraceWarn("[coap] malformed datagram from %v: %v", peer, err)
	if err == ErrMalformedHeader || len(data) < 4 {
		return
	}
	typ := CType((data[0] >> 4) & 0x3)
	if typ != Confirmable {
		return
	}
	mid := uint16(data[2])<<8 | uint16(data[3])
	_ = ep.message.SendEmpty(peer, mid, Reset)
}

func (ep *Endpoint) handleEmpty(msg *Message) {
	tr := ep.message.ReceiveEmpty(msg)
	if tr == nil {
		return
	}
	if msg.Type != Reset {
		return
	}
	tr.Lock()
	req := tr.Request
	res := tr.Resource
	tr.Unlock()
	if req != nil && res != nil {
		ep.observe.RemoveSubscriber(tr.Peer, req.Token, res.Path())
	}
}

// handleRequest runs the full pipeline for an inbound request: dedup/
// transaction lookup, Block1 reassembly, Observe subscription intent,
// resource dispatch, Observe response finalization, Block2 split, then
// message-layer send.
//
// A Transaction is only ever driven through this pipeline by the single
// goroutine handling its first (non-duplicate) datagram, so the block/
// observe/request layers touch tr's fields without their own locking; only
// MessageLayer's methods, which a concurrent retransmission or duplicate
// datagram can also reach, take tr's lock themselves.
func (ep *Endpoint) handleRequest(msg *Message) {
	tr := ep.message.ReceiveRequest(msg)

	if msg.Duplicated {
		tr.Lock()
		completed := tr.Completed
		resp := tr.Response
		tr.Unlock()
		if completed {
			if resp != nil {
				_ = ep.sendDatagram(resp)
			}
		} else {
			_ = ep.message.SendEmpty(msg.Source, msg.MessageID, Acknowledgement)
		}
		return
	}

	if msg.Type == Confirmable {
		tr.Lock()
		tr.separateTimer = time.AfterFunc(DefaultACKTimeout, func() {
			_ = ep.message.SendEmpty(tr.Peer, tr.MID, Acknowledgement)
		})
		tr.Unlock()
	}
	// stopSeparate cancels the pending separate-ACK timer and reports
	// whether it had already fired (Timer.Stop returns false once a timer
	// has fired or been stopped): if so, the eventual response can no
	// longer piggyback an ACK on the request's MID, since that MID was
	// already acknowledged separately.
	stopSeparate := func() bool {
		tr.Lock()
		defer tr.Unlock()
		if tr.separateTimer == nil {
			return false
		}
		fired := !tr.separateTimer.Stop()
		tr.separateACKSent = tr.separateACKSent || fired
		return tr.separateACKSent
	}

	if ep.block.ReceiveRequest(tr) {
		stopSeparate()
		_ = ep.message.SendResponse(tr)
		return
	}

	ep.observe.ReceiveRequest(tr)
	ep.request.ReceiveRequest(tr)

	if tr.Resource != nil {
		if tr.Resource.TakeChanged() || tr.Resource.TakeDeleted() {
			go ep.notify(tr.Resource)
		}
	}

	ep.observe.SendResponse(tr)
	ep.block.SendResponse(tr, ep.blockSZX)
	stopSeparate()
	_ = ep.message.SendResponse(tr)
}

// handleResponse runs the client-role receive path: match by token, ACK a
// separate response, reassemble a Block2 series, and invoke OnResponse once
// the full representation has arrived.
func (ep *Endpoint) handleResponse(msg *Message) {
	tr, needsAck := ep.message.ReceiveResponse(msg)
	if tr == nil {
		return
	}
	if needsAck {
		_ = ep.message.SendEmpty(msg.Source, msg.MessageID, Acknowledgement)
	}

	v := msg.Option(Block2)
	if v == nil {
		if ep.onResponse != nil {
			ep.onResponse(msg)
		}
		return
	}

	tr.Lock()
	num, more, szx := DecodeBlockValue(toUint32(v))
	tr.block2.buf = append(tr.block2.buf, msg.Payload...)
	tr.block2.szx = szx
	req := tr.Request
	tr.Unlock()

	if !more {
		msg.Payload = tr.block2.buf
		if ep.metrics != nil {
			ep.metrics.IncBlockReassembly()
		}
		if ep.onResponse != nil {
			ep.onResponse(msg)
		}
		return
	}

	if req == nil {
		return
	}
	next := *req
	next.Token = append([]byte(nil), req.Token...)
	next.SetOption(Block2, EncodeBlockValue(num+1, false, szx))
	if err := ep.message.SendFollowup(tr, &next); err != nil {
		TraceError("[coap] block2 follow-up request failed: %v", err)
	}
}

// notify re-runs every subscriber's snapshot request through the request/
// observe/block/message layers and sends the result (RFC 7641 §4).
func (ep *Endpoint) notify(res *Resource) {
	for _, target := range ep.observe.Notify(res) {
		tr := newTransaction(target.peer, 0)
		tr.Request = target.request
		tr.Notification = true

		ep.request.ReceiveRequest(tr)
		if tr.Response != nil {
			tr.Response.Type = Confirmable
			tr.Response.Token = target.token
			tr.Response.SetOption(Observe, target.seq)
			tr.Response.NotificationPath = target.path
			ep.block.SendResponse(tr, ep.blockSZX)
			_ = ep.message.SendResponse(tr)
		}

		if ep.metrics != nil {
			ep.metrics.IncNotification()
		}
	}
}
