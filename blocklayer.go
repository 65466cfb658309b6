package coap

import (
	"sync"
	"time"
)

// DefaultBlockSZX is the default negotiated block-size exponent: SZX=6,
// 1024-byte blocks (RFC 7959 §2.2).
const DefaultBlockSZX uint8 = 6

// block2Entry caches a fully-rendered response payload across the series of
// Block2 requests a client issues to fetch it one block at a time, so later
// blocks serve the exact bytes the first block was sliced from even if the
// resource has since changed.
type block2Entry struct {
	payload       []byte
	contentFormat MediaType
	szx           uint8
	lastSeen      time.Time
}

// BlockLayer implements RFC 7959 Block1/Block2 split and reassembly.
type BlockLayer struct {
	maxPayload int
	defaultSZX uint8

	mu    sync.Mutex
	cache map[tokenKey]*block2Entry
}

// NewBlockLayer builds a BlockLayer. maxPayload bounds the SZX this
// endpoint will ever negotiate up to, regardless of what a peer requests.
func NewBlockLayer(maxPayload int) *BlockLayer {
	if maxPayload <= 0 {
		maxPayload = BlockSize(DefaultBlockSZX)
	}
	return &BlockLayer{
		maxPayload: maxPayload,
		defaultSZX: capSZXToPayload(DefaultBlockSZX, maxPayload),
		cache:      make(map[tokenKey]*block2Entry),
	}
}

func capSZXToPayload(szx uint8, maxPayload int) uint8 {
	for szx > 0 && BlockSize(szx) > maxPayload {
		szx--
	}
	return szx
}

// ReceiveRequest reassembles a Block1-chunked request body (RFC 7959 §3).
// It returns true if the transaction should short-circuit (more blocks are
// expected, a 2.31 Continue has been placed in tr.Response) rather than
// proceed to the observe/request layers.
func (bl *BlockLayer) ReceiveRequest(tr *Transaction) bool {
	req := tr.Request
	v := req.Option(Block1)
	if v == nil {
		return false
	}
	num, more, szx := DecodeBlockValue(toUint32(v))
	blocksize := BlockSize(szx)

	tr.block1.lastSeen = time.Now()
	offset := int(num) * blocksize
	if offset != len(tr.block1.buf) {
		// Out-of-order or re-received block: only accept if it lands
		// exactly at a block boundary we've already filled.
		if offset > len(tr.block1.buf) {
			// Missing an earlier block; nothing useful to do but wait
			// for it - buffer grows from position 0 only.
			return true
		}
		// Re-received (idempotent) block: trust the new bytes at that
		// offset and leave the rest of the buffer untouched.
		end := offset + len(req.Payload)
		if end <= len(tr.block1.buf) {
			copy(tr.block1.buf[offset:end], req.Payload)
		}
	} else {
		tr.block1.buf = append(tr.block1.buf, req.Payload...)
	}
	tr.block1.num = num
	tr.block1.more = more
	tr.block1.szx = szx

	if more {
		tr.BlockTransfer = true
		resp := NewMessage()
		resp.Type = Acknowledgement
		resp.Code = Continue
		resp.Token = req.Token
		resp.SetOption(Block1, EncodeBlockValue(num, true, szx))
		tr.Response = resp
		return true
	}

	// Final block: hand the reassembled body to the request layer.
	req.Payload = tr.block1.buf
	tr.BlockTransfer = false
	tr.block1 = blockState{}
	return false
}

// SendResponse splits an oversized response payload into a Block2 series
// (RFC 7959 §2). negotiatedSZX is the block size to use absent an explicit
// client request.
func (bl *BlockLayer) SendResponse(tr *Transaction, negotiatedSZX uint8) {
	resp := tr.Response
	if resp == nil {
		return
	}
	req := tr.Request

	szx := capSZXToPayload(negotiatedSZX, bl.maxPayload)
	var num uint32
	if req != nil {
		if v := req.Option(Block2); v != nil {
			reqNum, _, reqSZX := DecodeBlockValue(toUint32(v))
			num = reqNum
			if reqSZX < szx {
				szx = reqSZX
			}
		}
	}
	blocksize := BlockSize(szx)

	key := tokenKey{peer: peerString(tr.Peer), token: string(tokenOf(req, resp))}

	full := resp.Payload
	bl.mu.Lock()
	if entry, ok := bl.cache[key]; ok && num > 0 {
		full = entry.payload
		entry.lastSeen = time.Now()
	}
	bl.mu.Unlock()

	if len(full) <= blocksize {
		bl.mu.Lock()
		delete(bl.cache, key)
		bl.mu.Unlock()
		if len(full) > blocksize {
			full = full[:blocksize]
		}
		return
	}

	start := int(num) * blocksize
	if start > len(full) {
		start = len(full)
	}
	end := start + blocksize
	more := true
	if end >= len(full) {
		end = len(full)
		more = false
	}

	resp.Payload = full[start:end]
	resp.SetOption(Block2, EncodeBlockValue(num, more, szx))

	bl.mu.Lock()
	if more {
		bl.cache[key] = &block2Entry{payload: full, szx: szx, lastSeen: time.Now()}
	} else {
		delete(bl.cache, key)
	}
	bl.mu.Unlock()
}

func tokenOf(req, resp *Message) []byte {
	if req != nil && len(req.Token) > 0 {
		return req.Token
	}
	if resp != nil {
		return resp.Token
	}
	return nil
}

func toUint32(v interface{}) uint32 {
	switch n := v.(type) {
	case uint32:
		return n
	case MediaType:
		return uint32(n)
	case int:
		return uint32(n)
	}
	return 0
}

// Sweep drops cached Block2 series that have gone stale, the same eviction
// policy as the dedup cache applies to abandoned transfers.
func (bl *BlockLayer) Sweep(now time.Time, lifetime time.Duration) {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	for k, e := range bl.cache {
		if now.Sub(e.lastSeen) > lifetime {
			delete(bl.cache, k)
		}
	}
}
