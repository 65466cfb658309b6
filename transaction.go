package coap

import (
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
)

// blockState is the per-direction block-wise transfer bookkeeping for one
// RFC 7959 Block1 or Block2 series.
type blockState struct {
	szx      uint8
	num      uint32
	more     bool
	buf      []byte
	lastSeen time.Time
}

// Transaction is the in-flight state for one request/response exchange. It
// is exclusively owned by its message-layer dedup-cache entry and mutated
// only while holding its own lock.
type Transaction struct {
	mu sync.Mutex

	ID xid.ID

	Peer *net.UDPAddr
	MID  uint16

	Request  *Message
	Response *Message
	Resource *Resource

	Completed      bool
	BlockTransfer  bool
	Notification   bool
	RetransmitCnt  int
	CreatedAt      time.Time
	LastActivityAt time.Time

	// wantsSubscribe/wantsUnsubscribe record the Observe-option intent
	// seen by the observe layer's ReceiveRequest, consumed by its
	// SendResponse once the resource has been dispatched.
	wantsSubscribe   bool
	wantsUnsubscribe bool

	// separateACKSent records that the separate-response timer already
	// emitted a bare ACK for this request's MID, so the eventual response
	// must go out as a separate CON/NON with a fresh MID rather than a
	// second ACK piggybacked on the same (already-acknowledged) MID.
	separateACKSent bool

	separateTimer  *time.Timer
	retransmitStop chan struct{}

	block1 blockState // inbound Block1 request reassembly (server role)
	block2 blockState // inbound Block2 response reassembly (client role)
}

// newTransaction creates a Transaction for a freshly observed (peer, mid).
func newTransaction(peer *net.UDPAddr, mid uint16) *Transaction {
	now := time.Now()
	return &Transaction{
		ID:             xid.New(),
		Peer:           peer,
		MID:            mid,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Lock acquires the transaction's exclusion gate.
func (t *Transaction) Lock() { t.mu.Lock() }

// Unlock releases the transaction's exclusion gate.
func (t *Transaction) Unlock() { t.mu.Unlock() }

// touch bumps LastActivityAt; callers hold the lock.
func (t *Transaction) touch() {
	t.LastActivityAt = time.Now()
}

// stopRetransmit signals the retransmission goroutine (if any) to exit.
// Safe to call multiple times.
func (t *Transaction) stopRetransmit() {
	if t.retransmitStop != nil {
		select {
		case <-t.retransmitStop:
			// already closed
		default:
			close(t.retransmitStop)
		}
	}
}
