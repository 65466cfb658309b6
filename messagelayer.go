package coap

import (
	"math/rand"
	"net"
	"sync"
	"time"
)

// Defaults for CoAP's reliable-transmission parameters (RFC 7252 §4.8).
const (
	DefaultACKTimeout      = 2 * time.Second
	DefaultACKRandomFactor = 1.5
	DefaultMaxRetransmit   = 4
	// NSTART is the maximum number of outstanding (unacknowledged)
	// confirmable requests a client keeps open to one peer at a time
	// (RFC 7252 §4.7).
	DefaultNSTART = 1
)

// sendFunc is the callback layers use to hand a message to the endpoint's
// socket pump, avoiding a hard cyclic reference between layer and endpoint.
type sendFunc func(msg *Message) error

// onTimeoutFunc is invoked when a CON exhausts retransmission.
type onTimeoutFunc func(msg *Message)

// MessageLayer implements MID allocation, dedup, CON/ACK/RST pairing, and
// the retransmission state machine (RFC 7252 §4).
type MessageLayer struct {
	cache *dedupCache
	mids  *midAllocator

	ackTimeout      time.Duration
	ackRandomFactor float64
	maxRetransmit   int

	send    sendFunc
	onTime  onTimeoutFunc

	nstartMu sync.Mutex
	outstanding map[string]bool // peer -> has an unacked outstanding CON request
}

// MessageLayerConfig configures retransmission timing.
type MessageLayerConfig struct {
	StartingMID      *uint16
	AckTimeout       time.Duration
	AckRandomFactor  float64
	MaxRetransmit    int
	ExchangeLifetime time.Duration
}

// NewMessageLayer builds a MessageLayer. send delivers an outbound wire
// message; onTimeout is called (may be nil) when a CON gives up retrying.
func NewMessageLayer(cfg MessageLayerConfig, send sendFunc, onTimeout onTimeoutFunc) *MessageLayer {
	ml := &MessageLayer{
		cache:           newDedupCache(cfg.ExchangeLifetime),
		mids:            newMIDAllocator(),
		ackTimeout:      cfg.AckTimeout,
		ackRandomFactor: cfg.AckRandomFactor,
		maxRetransmit:   cfg.MaxRetransmit,
		send:            send,
		onTime:          onTimeout,
		outstanding:     make(map[string]bool),
	}
	if cfg.StartingMID != nil {
		ml.mids.current = *cfg.StartingMID
	}
	if ml.ackTimeout <= 0 {
		ml.ackTimeout = DefaultACKTimeout
	}
	if ml.ackRandomFactor <= 1 {
		ml.ackRandomFactor = DefaultACKRandomFactor
	}
	if ml.maxRetransmit <= 0 {
		ml.maxRetransmit = DefaultMaxRetransmit
	}
	return ml
}

// Sweep evicts dedup-cache entries older than EXCHANGE_LIFETIME.
func (ml *MessageLayer) Sweep(now time.Time) { ml.cache.sweep(now) }

// CacheSize reports the current number of live dedup-cache entries, used
// for metrics reporting.
func (ml *MessageLayer) CacheSize() int { return ml.cache.size() }

// ReceiveRequest does the dedup lookup for an inbound request: transaction
// creation, and the duplicated/completed matrix.
func (ml *MessageLayer) ReceiveRequest(msg *Message) *Transaction {
	tr := ml.cache.lookupByMID(msg.Source, msg.MessageID)
	if tr == nil {
		tr = newTransaction(msg.Source, msg.MessageID)
		tr.Request = msg
		msg.Duplicated = false
		ml.cache.store(tr, msg.Token)
		return tr
	}

	tr.mu.Lock()
	msg.Duplicated = true
	if tr.Completed {
		// Hit, completed: caller resends the cached response (or the ACK
		// if a separate response is still pending).
	} else {
		// Hit, in progress: caller replies with an ACK but does not
		// re-dispatch.
	}
	tr.touch()
	tr.mu.Unlock()
	return tr
}

// ReceiveResponse matches an inbound response to its originating request by
// token. It returns the matched transaction (nil if the token is unknown,
// in which case the response is silently dropped) and whether an ACK must
// be emitted for a separate CON response.
func (ml *MessageLayer) ReceiveResponse(msg *Message) (tr *Transaction, sendAck bool) {
	tr = ml.cache.lookupByToken(msg.Source, msg.Token)
	if tr == nil {
		TraceInfo("[coap] response for unknown token from %v dropped", msg.Source)
		return nil, false
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()

	switch msg.Type {
	case Acknowledgement:
		if tr.Request != nil && tr.Request.MessageID == msg.MessageID {
			tr.Request.Acknowledged = true
			tr.stopRetransmit()
			ml.clearOutstanding(msg.Source)
		}
	case Reset:
		if tr.Request != nil && tr.Request.MessageID == msg.MessageID {
			tr.Request.Rejected = true
			tr.stopRetransmit()
			ml.clearOutstanding(msg.Source)
		}
	case Confirmable:
		if tr.Request != nil && tr.Request.MessageID == msg.MessageID {
			// Piggybacked: the response shares the request's MID.
			tr.Request.Acknowledged = true
			tr.stopRetransmit()
			ml.clearOutstanding(msg.Source)
		} else {
			// Separate response: a distinct MID, must be ACKed.
			sendAck = true
		}
	case NonConfirmable:
		// no ACK required
	}
	tr.Response = msg
	tr.touch()
	return tr, sendAck
}

// ReceiveEmpty handles an inbound ACK/RST/ping with code 0 that isn't
// matched as a piggybacked or separate response (e.g. a bare ACK for a
// separate-response placeholder, or an RST deregistering an observation).
func (ml *MessageLayer) ReceiveEmpty(msg *Message) *Transaction {
	tr := ml.cache.lookupByMID(msg.Source, msg.MessageID)
	if tr == nil {
		return nil
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	// Only a request this endpoint sent (Destination set by SendRequest or
	// SendFollowup) holds an NSTART reservation to release.
	ownRequest := tr.Request != nil && tr.Request.Destination != nil
	switch msg.Type {
	case Acknowledgement:
		if tr.Request != nil {
			tr.Request.Acknowledged = true
		}
		tr.stopRetransmit()
		if ownRequest {
			ml.clearOutstanding(msg.Source)
		}
	case Reset:
		if tr.Request != nil {
			tr.Request.Rejected = true
		}
		tr.stopRetransmit()
		if ownRequest {
			ml.clearOutstanding(msg.Source)
		}
	}
	tr.touch()
	return tr
}

// nstartKey returns the outstanding-CON bookkeeping key for a peer.
func (ml *MessageLayer) nstartKey(peer *net.UDPAddr) string { return peerString(peer) }

func (ml *MessageLayer) tryReserveOutstanding(peer *net.UDPAddr) bool {
	ml.nstartMu.Lock()
	defer ml.nstartMu.Unlock()
	key := ml.nstartKey(peer)
	if ml.outstanding[key] {
		return false
	}
	ml.outstanding[key] = true
	return true
}

func (ml *MessageLayer) clearOutstanding(peer *net.UDPAddr) {
	ml.nstartMu.Lock()
	defer ml.nstartMu.Unlock()
	delete(ml.outstanding, ml.nstartKey(peer))
}

// SendRequest assigns a fresh MID and transmits a new client request,
// enforcing NSTART=1 against the target peer (RFC 7252 §4.7).
func (ml *MessageLayer) SendRequest(peer *net.UDPAddr, req *Message) (*Transaction, error) {
	if req.Type == Confirmable && !ml.tryReserveOutstanding(peer) {
		return nil, ErrNSTARTExceeded
	}
	req.Source = nil
	req.Destination = peer
	req.MessageID = ml.mids.next(func(mid uint16) bool { return ml.cache.midInUse(peer, mid) })

	tr := newTransaction(peer, req.MessageID)
	tr.Request = req
	ml.cache.store(tr, req.Token)

	if err := ml.send(req); err != nil {
		ml.clearOutstanding(peer)
		return tr, err
	}
	if req.Type == Confirmable {
		ml.startRetransmission(tr, req)
	}
	return tr, nil
}

// SendFollowup re-issues a subsequent request for an already-open
// client-role exchange (e.g. a Block2 follow-up fetch for the next block of
// a response series), reusing tr instead of allocating a fresh Transaction.
// A fresh Transaction would lose tr's accumulated per-exchange state (the
// block2 reassembly buffer) the moment the series' next response arrives
// and gets matched, by (peer,token), to whichever Transaction is newest.
func (ml *MessageLayer) SendFollowup(tr *Transaction, req *Message) error {
	peer := tr.Peer
	if req.Type == Confirmable && !ml.tryReserveOutstanding(peer) {
		return ErrNSTARTExceeded
	}
	req.Source = nil
	req.Destination = peer
	req.MessageID = ml.mids.next(func(mid uint16) bool { return ml.cache.midInUse(peer, mid) })

	tr.mu.Lock()
	tr.Request = req
	tr.MID = req.MessageID
	tr.mu.Unlock()
	ml.cache.store(tr, req.Token)

	if err := ml.send(req); err != nil {
		ml.clearOutstanding(peer)
		return err
	}
	if req.Type == Confirmable {
		ml.startRetransmission(tr, req)
	}
	return nil
}

// SendResponse sends tr's response: for a piggybacked ACK the response
// inherits the request's MID and type=ACK; otherwise (a separate response,
// or one that follows an already-sent separate ACK) a fresh MID is
// assigned for CON/NON.
func (ml *MessageLayer) SendResponse(tr *Transaction) error {
	tr.mu.Lock()
	resp := tr.Response
	req := tr.Request
	alreadyACKed := tr.separateACKSent
	tr.mu.Unlock()
	if resp == nil {
		return nil
	}

	if req != nil && !tr.Notification && !alreadyACKed && req.Type == Confirmable && resp.Type != NonConfirmable {
		resp.Type = Acknowledgement
		resp.MessageID = req.MessageID
	} else if resp.MessageID == 0 {
		resp.MessageID = ml.mids.next(func(mid uint16) bool { return ml.cache.midInUse(tr.Peer, mid) })
	}
	resp.Destination = tr.Peer

	tr.mu.Lock()
	tr.MID = resp.MessageID
	tr.mu.Unlock()

	ml.cache.store(tr, resp.Token)

	tr.mu.Lock()
	tr.Completed = true
	tr.mu.Unlock()

	if err := ml.send(resp); err != nil {
		return err
	}
	if resp.Type == Confirmable {
		ml.startRetransmission(tr, resp)
	}
	return nil
}

// SendEmpty sends a bare ACK or RST: used for the separate-response
// handshake (RFC 7252 §5.2.2) and for deregistration resets.
func (ml *MessageLayer) SendEmpty(peer *net.UDPAddr, mid uint16, typ CType) error {
	m := NewMessage()
	m.Type = typ
	m.Code = Empty
	m.MessageID = mid
	m.Destination = peer
	return ml.send(m)
}

// startRetransmission runs the exponential-backoff retransmission state
// machine for an outbound CON (RFC 7252 §4.2).
func (ml *MessageLayer) startRetransmission(tr *Transaction, msg *Message) {
	tr.mu.Lock()
	tr.retransmitStop = make(chan struct{})
	stop := tr.retransmitStop
	tr.mu.Unlock()

	t0 := time.Duration(float64(ml.ackTimeout) * (1 + rand.Float64()*(ml.ackRandomFactor-1)))

	go ml.retransmitLoop(tr, msg, t0, stop)
}

// retransmitLoop waits, and if the message is still unacknowledged and
// unrejected, resends and doubles the wait, up to maxRetransmit resends,
// then declares the outcome.
func (ml *MessageLayer) retransmitLoop(tr *Transaction, msg *Message, wait time.Duration, stop chan struct{}) {
	count := 0
	for count < ml.maxRetransmit {
		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		tr.mu.Lock()
		done := msg.Acknowledged || msg.Rejected
		tr.mu.Unlock()
		if done {
			return
		}

		count++
		wait *= 2
		msg.Retransmitted = true
		tr.mu.Lock()
		tr.RetransmitCnt = count
		tr.mu.Unlock()
		_ = ml.send(msg)
	}

	tr.mu.Lock()
	done := msg.Acknowledged || msg.Rejected
	tr.mu.Unlock()
	if done {
		return
	}

	tr.mu.Lock()
	msg.Timeouted = true
	tr.mu.Unlock()
	ml.clearOutstanding(tr.Peer)
	if ml.onTime != nil {
		ml.onTime(msg)
	}
}
