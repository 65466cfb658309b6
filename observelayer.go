package coap

import (
	"net"
	"sync"
)

// observeWindow is the RFC 7641 §3.4 freshness window: a new sequence
// number is considered fresher than an old one if
// 0 < (new - old) mod 2^24 < 2^23.
const observeWindow = 1 << 23
const observeModulus = 1 << 24

// subscription is one RFC 7641 observation record: per (peer, token,
// resource-path), the originating request snapshot, the last delivered
// sequence number, and the accept format.
type subscription struct {
	peer         *net.UDPAddr
	token        []byte
	path         string
	request      *Message // snapshot, re-run on notify
	acceptFormat MediaType
	lastSeq      uint32
}

type subKey struct {
	peer  string
	token string
	path  string
}

func subscriptionKey(peer *net.UDPAddr, token []byte, path string) subKey {
	return subKey{peerString(peer), string(token), path}
}

// ObserveLayer is the RFC 7641 subscriber registry, notification fan-out,
// and sequence-number bookkeeping.
type ObserveLayer struct {
	mu   sync.Mutex
	subs map[subKey]*subscription
	// byPath indexes subscriptions for fast fan-out on resource change.
	byPath map[string]map[subKey]*subscription
}

// NewObserveLayer builds an empty ObserveLayer.
func NewObserveLayer() *ObserveLayer {
	return &ObserveLayer{
		subs:   make(map[subKey]*subscription),
		byPath: make(map[string]map[subKey]*subscription),
	}
}

// ReceiveRequest records subscription intent from an inbound GET carrying
// an Observe option, ahead of resource dispatch.
func (ol *ObserveLayer) ReceiveRequest(tr *Transaction) {
	req := tr.Request
	if req == nil || req.Code != GET {
		return
	}
	v := req.Option(Observe)
	if v == nil {
		return
	}
	n := toUint32(v)
	tr.Notification = false
	if n == 0 {
		tr.wantsSubscribe = true
	} else if n == 1 {
		tr.wantsUnsubscribe = true
	}
}

// SendResponse attaches Observe=N to a successful response to a
// subscribing GET, finalizes or removes the subscription, and deregisters
// on an error response (RFC 7641 §3.2/§3.6).
func (ol *ObserveLayer) SendResponse(tr *Transaction) {
	resp := tr.Response
	req := tr.Request
	if resp == nil || req == nil || tr.Resource == nil {
		return
	}
	path := tr.Resource.Path()
	key := subscriptionKey(tr.Peer, req.Token, path)

	switch {
	case tr.wantsUnsubscribe:
		ol.remove(key)
	case tr.wantsSubscribe && !tr.Resource.Observable():
		// not observable: respond normally, no subscription created
	case tr.wantsSubscribe && resp.Code.IsResponse() && resp.Code>>5 == 2:
		reqSnapshot := *req
		reqSnapshot.Token = append([]byte(nil), req.Token...)
		var accept MediaType
		if a := req.Option(Accept); a != nil {
			accept, _ = a.(MediaType)
		}
		ol.add(&subscription{
			peer:         tr.Peer,
			token:        append([]byte(nil), req.Token...),
			path:         path,
			request:      &reqSnapshot,
			acceptFormat: accept,
		}, tr.Resource.ObserveCount())
		resp.SetOption(Observe, tr.Resource.ObserveCount())
	case resp.Code.IsResponse() && resp.Code>>5 >= 4:
		// RFC 7641 §3.6: an error response deregisters any existing
		// subscription.
		ol.remove(key)
	}
}

func (ol *ObserveLayer) add(sub *subscription, seq uint32) {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	key := subscriptionKey(sub.peer, sub.token, sub.path)
	sub.lastSeq = seq
	ol.subs[key] = sub
	m, ok := ol.byPath[sub.path]
	if !ok {
		m = make(map[subKey]*subscription)
		ol.byPath[sub.path] = m
	}
	m[key] = sub
}

func (ol *ObserveLayer) remove(key subKey) {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	sub, ok := ol.subs[key]
	if !ok {
		return
	}
	delete(ol.subs, key)
	if m, ok := ol.byPath[sub.path]; ok {
		delete(m, key)
		if len(m) == 0 {
			delete(ol.byPath, sub.path)
		}
	}
}

// RemoveSubscriber deregisters a subscription for (peer,token,path),
// exposed for RST and retransmit-exhaustion handling in the endpoint
// runtime (RFC 7641 §3.6).
func (ol *ObserveLayer) RemoveSubscriber(peer *net.UDPAddr, token []byte, path string) {
	ol.remove(subscriptionKey(peer, token, path))
}

// Count reports the number of active subscriptions, for metrics.
func (ol *ObserveLayer) Count() int {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	return len(ol.subs)
}

// notifyTarget is a (request snapshot, destination) pair the endpoint
// re-runs through the pipeline to produce one subscriber's notification.
type notifyTarget struct {
	peer    *net.UDPAddr
	token   []byte
	path    string
	request *Message
	seq     uint32
}

// Notify walks resource's subscriber list and returns one notifyTarget per
// subscriber, each carrying the resource's freshly-bumped sequence number
// (RFC 7641 §4).
func (ol *ObserveLayer) Notify(res *Resource) []notifyTarget {
	seq := res.bumpObserveCount()

	ol.mu.Lock()
	m := ol.byPath[res.Path()]
	targets := make([]notifyTarget, 0, len(m))
	for _, sub := range m {
		reqCopy := *sub.request
		targets = append(targets, notifyTarget{
			peer:    sub.peer,
			token:   sub.token,
			path:    sub.path,
			request: &reqCopy,
			seq:     seq,
		})
		sub.lastSeq = seq
	}
	ol.mu.Unlock()
	return targets
}

// IsFresh reports whether newSeq is a fresher observation than oldSeq per
// RFC 7641 §3.4's 24-bit modular window.
func IsFresh(oldSeq, newSeq uint32) bool {
	diff := (newSeq - oldSeq) % observeModulus
	return diff > 0 && diff < observeWindow
}
