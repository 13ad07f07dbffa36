package rendezvous

import (
	"sort"
	"time"
)

// RetryInterval is the fixed, uncapped retransmission interval for
// unacked reliable sub-messages. Unlike the connection handshake's
// exponential backoff, retries continue at this fixed rate for as long
// as the enclosing connection is alive; there is no retry ceiling since
// the signaling channel itself may be high-latency or bursty.
const RetryInterval = 500 * time.Millisecond

type pendingOut struct {
	msg      ReliableMessage
	lastSent time.Time
}

// Channel manages one direction's reliable sub-messages layered over an
// Envelope stream: outgoing retransmission until acked, and incoming
// duplicate suppression plus in-order delivery. It is safe to use only
// from the single service thread that owns the enclosing connection.
type Channel struct {
	nextOutID uint32
	pending   map[uint32]*pendingOut

	lastDelivered uint32
	haveDelivered bool
	pendingIn     map[uint32]ReliableMessage
}

func NewChannel() *Channel {
	return &Channel{
		nextOutID: 1,
		pending:   map[uint32]*pendingOut{},
		pendingIn: map[uint32]ReliableMessage{},
	}
}

// Send queues a new outgoing reliable sub-message (an ICE candidate, auth
// credentials, or both) and returns it ready for its first transmission.
// The returned message's AckID reflects the current contiguous
// high-water mark of what this side has received.
func (c *Channel) Send(candidate, ufrag, password string) ReliableMessage {
	id := c.nextOutID
	c.nextOutID++
	m := ReliableMessage{
		MessageID: id,
		AckID:     c.lastDelivered,
		Candidate: candidate,
		Ufrag:     ufrag,
		Password:  password,
	}
	c.pending[id] = &pendingOut{msg: m}
	return m
}

// PendingRetransmits returns, in MessageID order, every queued outgoing
// message whose retry timer has elapsed, with AckID refreshed to the
// current contiguous high-water mark and its retry clock reset.
func (c *Channel) PendingRetransmits(now time.Time) []ReliableMessage {
	var out []ReliableMessage
	for _, pm := range c.pending {
		if pm.lastSent.IsZero() || now.Sub(pm.lastSent) >= RetryInterval {
			pm.msg.AckID = c.lastDelivered
			pm.lastSent = now
			out = append(out, pm.msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out
}

// OnAck discards every queued outgoing message with ID at or below ackID:
// the peer has confirmed contiguous delivery through that point.
func (c *Channel) OnAck(ackID uint32) {
	for id := range c.pending {
		if id <= ackID {
			delete(c.pending, id)
		}
	}
}

// Pending reports how many outgoing messages are still awaiting ack.
func (c *Channel) Pending() int { return len(c.pending) }

// Receive incorporates one incoming message: its AckID acks this side's
// own outgoing sends (via OnAck), and its MessageID is folded into the
// per-channel reorder buffer. delivered holds, in order, every message
// now deliverable to the application (possibly more than one, if this
// fill closes a gap); dup is true if MessageID was already delivered
// previously, in which case it must be acked again but not redelivered.
func (c *Channel) Receive(msg ReliableMessage) (delivered []ReliableMessage, dup bool) {
	c.OnAck(msg.AckID)

	if c.haveDelivered && msg.MessageID <= c.lastDelivered {
		return nil, true
	}

	c.pendingIn[msg.MessageID] = msg

	next := c.lastDelivered + 1
	if !c.haveDelivered {
		next = 1
	}
	for {
		m, ok := c.pendingIn[next]
		if !ok {
			break
		}
		delivered = append(delivered, m)
		delete(c.pendingIn, next)
		c.lastDelivered = next
		c.haveDelivered = true
		next++
	}
	return delivered, false
}

// LastDelivered returns the highest contiguous incoming MessageID
// delivered so far (0 if none).
func (c *Channel) LastDelivered() uint32 { return c.lastDelivered }
