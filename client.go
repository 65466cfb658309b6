package coap

import (
	"crypto/rand"
	"net"
	"time"
)

// Client is a thin convenience wrapper around an Endpoint's client role: a
// single socket, a fixed response/timeout callback pair, and request
// builders per method.
type Client struct {
	ep   *Endpoint
	peer *net.UDPAddr
}

// Dial opens a client-role Endpoint on an ephemeral local port and targets
// it at addr. onResponse is invoked once per completed (block-reassembled)
// response; onTimeout fires when a CON exhausts retransmission.
func Dial(addr string, onResponse func(*Message), onTimeout func(*Message)) (*Client, error) {
	peer, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	ep, err := NewEndpoint(EndpointConfig{Addr: ":0"}, NewResourceTree())
	if err != nil {
		return nil, err
	}
	ep.OnResponse(onResponse)
	ep.OnTimeout(onTimeout)
	go func() { _ = ep.Serve() }()
	return &Client{ep: ep, peer: peer}, nil
}

// Close shuts the client's endpoint down.
func (c *Client) Close() { c.ep.Shutdown() }

// newToken generates a random CoAP token of the given length (1-8 bytes).
func newToken(n int) []byte {
	if n <= 0 {
		n = 4
	}
	if n > 8 {
		n = 8
	}
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func (c *Client) request(method CCode, path string, confirmable bool, payload []byte) (*Transaction, error) {
	req := NewMessage()
	req.Code = method
	req.Token = newToken(4)
	req.SetPathString(path)
	req.Payload = payload
	if confirmable {
		req.Type = Confirmable
	} else {
		req.Type = NonConfirmable
	}
	return c.ep.Request(c.peer, req)
}

// Get sends a GET for path. confirmable selects CON vs NON.
func (c *Client) Get(path string, confirmable bool) (*Transaction, error) {
	return c.request(GET, path, confirmable, nil)
}

// Put sends a PUT with payload to path.
func (c *Client) Put(path string, payload []byte, confirmable bool) (*Transaction, error) {
	return c.request(PUT, path, confirmable, payload)
}

// Post sends a POST with payload to path.
func (c *Client) Post(path string, payload []byte, confirmable bool) (*Transaction, error) {
	return c.request(POST, path, confirmable, payload)
}

// Delete sends a DELETE for path.
func (c *Client) Delete(path string, confirmable bool) (*Transaction, error) {
	return c.request(DELETE, path, confirmable, nil)
}

// Observe issues a subscribing GET (Observe=0) to path. Subsequent
// notifications arrive through the Client's onResponse callback, carrying
// an ever-increasing Observe option value (RFC 7641 §3.4).
func (c *Client) Observe(path string) (*Transaction, error) {
	req := NewMessage()
	req.Code = GET
	req.Token = newToken(4)
	req.SetPathString(path)
	req.Type = Confirmable
	req.SetOption(Observe, uint32(0))
	return c.ep.Request(c.peer, req)
}

// Deregister issues a GET with Observe=1, ending an existing subscription
// (RFC 7641 §3.6).
func (c *Client) Deregister(path string, token []byte) (*Transaction, error) {
	req := NewMessage()
	req.Code = GET
	req.Token = token
	req.SetPathString(path)
	req.Type = Confirmable
	req.SetOption(Observe, uint32(1))
	return c.ep.Request(c.peer, req)
}

// WaitAcknowledged blocks until tr's request is acknowledged, rejected, or
// timed out, or until the deadline passes.
func WaitAcknowledged(tr *Transaction, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		tr.Lock()
		req := tr.Request
		tr.Unlock()
		if req == nil {
			return false
		}
		if req.Acknowledged || req.Rejected || req.Timeouted {
			return req.Acknowledged
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
