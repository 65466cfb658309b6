package coap

import (
	"net"
	"sync"
	"time"
)

// DefaultExchangeLifetime is EXCHANGE_LIFETIME (RFC 7252 §4.8.2).
const DefaultExchangeLifetime = 247 * time.Second

// minCacheSize is the dedup cache's entry bound: once it holds this many
// MID entries, each new store first evicts the oldest one.
const minCacheSize = 512

type midKey struct {
	peer string
	mid  uint16
}

type tokenKey struct {
	peer  string
	token string
}

// dedupCache is the "(peer, mid) -> transaction" / "(peer, token) ->
// transaction" store used to detect retransmitted datagrams and correlate
// responses to their originating request (RFC 7252 §4.5).
type dedupCache struct {
	mu       sync.Mutex
	lifetime time.Duration
	maxSize  int
	byMID    map[midKey]*Transaction
	byToken  map[tokenKey]*Transaction
}

func newDedupCache(lifetime time.Duration) *dedupCache {
	if lifetime <= 0 {
		lifetime = DefaultExchangeLifetime
	}
	return &dedupCache{
		lifetime: lifetime,
		maxSize:  minCacheSize,
		byMID:    make(map[midKey]*Transaction),
		byToken:  make(map[tokenKey]*Transaction),
	}
}

func peerString(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

func (c *dedupCache) lookupByMID(peer *net.UDPAddr, mid uint16) *Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byMID[midKey{peerString(peer), mid}]
}

func (c *dedupCache) lookupByToken(peer *net.UDPAddr, token []byte) *Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byToken[tokenKey{peerString(peer), string(token)}]
}

func (c *dedupCache) midInUse(peer *net.UDPAddr, mid uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.byMID[midKey{peerString(peer), mid}]
	return ok
}

// store indexes tr under (peer,mid) and, if a token is present, under
// (peer,token) too.
func (c *dedupCache) store(tr *Transaction, token []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	c.byMID[midKey{peerString(tr.Peer), tr.MID}] = tr
	if len(token) > 0 {
		c.byToken[tokenKey{peerString(tr.Peer), string(token)}] = tr
	}
}

func (c *dedupCache) remove(tr *Transaction, token []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byMID, midKey{peerString(tr.Peer), tr.MID})
	if len(token) > 0 {
		delete(c.byToken, tokenKey{peerString(tr.Peer), string(token)})
	}
}

// sweep evicts any entry whose last activity is older than the exchange
// lifetime. Called periodically by the endpoint's timer set.
func (c *dedupCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, tr := range c.byMID {
		tr.mu.Lock()
		expired := now.Sub(tr.LastActivityAt) > c.lifetime
		tr.mu.Unlock()
		if expired {
			delete(c.byMID, k)
		}
	}
	for k, tr := range c.byToken {
		tr.mu.Lock()
		expired := now.Sub(tr.LastActivityAt) > c.lifetime
		tr.mu.Unlock()
		if expired {
			delete(c.byToken, k)
		}
	}
}

// evictLocked drops the oldest entry once the cache exceeds maxSize. c.mu
// must already be held.
func (c *dedupCache) evictLocked() {
	if len(c.byMID) < c.maxSize {
		return
	}
	var oldestKey midKey
	var oldest time.Time
	first := true
	for k, tr := range c.byMID {
		if first || tr.CreatedAt.Before(oldest) {
			oldestKey = k
			oldest = tr.CreatedAt
			first = false
		}
	}
	if !first {
		delete(c.byMID, oldestKey)
	}
}

func (c *dedupCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byMID)
}
