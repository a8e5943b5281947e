package p2p

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/canopy-network/hotshot/lib"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"
)

/*
	The Hub is an in-process network connecting the participants of one simulation.
	Every message crosses the hub in its encoded wire form, so no two nodes ever share memory,
	and the hub stamps the sender from the endpoint it came through (an authenticated channel).
	Faults are injected by silencing a participant: everything it sends or is sent is lost.
*/

// Receiver accepts inbound messages without blocking
type Receiver interface {
	Deliver(msg *lib.Message) lib.ErrorI
}

// Hub routes messages between the endpoints that joined it
type Hub struct {
	peers     map[string]*Endpoint // endpoints by hex public key
	silenced  map[string]bool      // participants cut off from the network
	closed    bool                 // no more messages are carried
	latency   time.Duration        // artificial delay before delivery
	delivered *atomic.Uint64       // messages handed to a receiver
	dropped   *atomic.Uint64       // messages lost to silencing or a full inbox
	mu        sync.RWMutex         // guards the maps above
	log       lib.LoggerI          // logger
}

// NewHub() creates an empty hub
func NewHub(config lib.P2PConfig, log lib.LoggerI) *Hub {
	if log == nil {
		log = lib.NewNullLogger()
	}
	return &Hub{
		peers:     make(map[string]*Endpoint),
		silenced:  make(map[string]bool),
		latency:   time.Duration(config.LatencyMS) * time.Millisecond,
		delivered: atomic.NewUint64(0),
		dropped:   atomic.NewUint64(0),
		log:       log.With("hub"),
	}
}

// Join() registers a participant and returns its network endpoint
// The endpoint carries nothing inbound until a receiver is bound to it
func (h *Hub) Join(publicKey []byte) (*Endpoint, lib.ErrorI) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := lib.BytesToString(publicKey)
	if _, found := h.peers[key]; found {
		return nil, ErrPeerAlreadyExists(key)
	}
	e := &Endpoint{hub: h, publicKey: publicKey}
	h.peers[key] = e
	return e, nil
}

// Leave() removes a participant from the hub
func (h *Hub) Leave(publicKey []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, lib.BytesToString(publicKey))
}

// Silence() cuts a participant off from (or reconnects it to) the network
func (h *Hub) Silence(publicKey []byte, silenced bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := lib.BytesToString(publicKey)
	if silenced {
		h.silenced[key] = true
		h.log.Warnf("Silenced %s", lib.BytesToTruncatedString(publicKey))
		return
	}
	delete(h.silenced, key)
}

// Close() stops the hub from carrying messages
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

// Peers() returns the public keys of every joined participant in a stable order
func (h *Hub) Peers() (keys [][]byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range h.peers {
		keys = append(keys, e.publicKey)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return
}

// Delivered() returns how many messages reached a receiver
func (h *Hub) Delivered() uint64 { return h.delivered.Load() }

// Dropped() returns how many messages were lost
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// send() carries one message from a participant to another
func (h *Hub) send(from, to []byte, msg *lib.Message) lib.ErrorI {
	h.mu.RLock()
	closed, target := h.closed, h.peers[lib.BytesToString(to)]
	lost := h.silenced[lib.BytesToString(from)] || h.silenced[lib.BytesToString(to)]
	h.mu.RUnlock()
	switch {
	case closed:
		return ErrNetworkClosed()
	case target == nil:
		return ErrPeerNotFound(lib.BytesToTruncatedString(to))
	case lost:
		h.dropped.Inc()
		return nil
	}
	bz, err := Encode(from, msg)
	if err != nil {
		return err
	}
	sender, copied, err := Decode(bz)
	if err != nil {
		return err
	}
	copied.Sender = sender
	if h.latency == 0 {
		return h.deliver(target, copied)
	}
	time.AfterFunc(h.latency, func() {
		if er := h.deliver(target, copied); er != nil {
			h.log.Debugf("Delayed delivery of %s failed with err: %s", copied, er.Error())
		}
	})
	return nil
}

// deliver() hands a decoded message to the target's receiver
func (h *Hub) deliver(target *Endpoint, msg *lib.Message) lib.ErrorI {
	r := target.Receiver()
	if r == nil {
		return ErrPeerNotFound(lib.BytesToTruncatedString(target.publicKey))
	}
	if err := r.Deliver(msg); err != nil {
		h.dropped.Inc()
		return err
	}
	h.delivered.Inc()
	return nil
}

// Endpoint is one participant's view of the hub; it implements the consensus network
type Endpoint struct {
	hub       *Hub
	publicKey []byte
	mu        sync.RWMutex
	receiver  Receiver
}

var _ lib.Network = &Endpoint{} // enforce the network interface

// Bind() sets where inbound messages go
func (e *Endpoint) Bind(r Receiver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.receiver = r
}

// Receiver() returns the bound receiver, nil if unbound
func (e *Endpoint) Receiver() Receiver {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.receiver
}

// PublicKey() returns the participant the endpoint belongs to
func (e *Endpoint) PublicKey() []byte { return e.publicKey }

// SendToLeader() delivers a message to a single participant
func (e *Endpoint) SendToLeader(leader []byte, msg *lib.Message) lib.ErrorI {
	if err := e.hub.send(e.publicKey, leader, msg); err != nil {
		return lib.ErrFailedToMessageLeader(err)
	}
	return nil
}

// Broadcast() delivers a message to every participant but the sender
// Every recipient is attempted; the failures are combined into one error
func (e *Endpoint) Broadcast(msg *lib.Message) lib.ErrorI {
	var result *multierror.Error
	for _, to := range e.hub.Peers() {
		if bytes.Equal(to, e.publicKey) {
			continue
		}
		if err := e.hub.send(e.publicKey, to, msg); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", lib.BytesToTruncatedString(to), err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return lib.ErrFailedToBroadcast(err)
	}
	return nil
}
