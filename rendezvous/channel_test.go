package rendezvous

import (
	"testing"
	"time"
)

func TestChannelSendAndRetransmitSchedule(t *testing.T) {
	c := NewChannel()
	now := time.Now()
	m := c.Send("host 1.2.3.4:5", "uf", "pw")
	if m.MessageID != 1 {
		t.Fatalf("expected first message ID 1, got %d", m.MessageID)
	}

	// Immediately after Send the message is due: lastSent is zero, so the
	// first PendingRetransmits call returns it.
	due := c.PendingRetransmits(now)
	if len(due) != 1 || due[0].MessageID != 1 {
		t.Fatalf("expected initial transmission to be due immediately, got %+v", due)
	}

	// Right after its first transmission, it should not be due again.
	due = c.PendingRetransmits(now.Add(100 * time.Millisecond))
	if len(due) != 0 {
		t.Fatalf("expected no retransmit before RetryInterval elapses, got %+v", due)
	}

	// After RetryInterval, it is due again.
	due = c.PendingRetransmits(now.Add(RetryInterval + time.Millisecond))
	if len(due) != 1 || due[0].MessageID != 1 {
		t.Fatalf("expected retransmit after RetryInterval, got %+v", due)
	}
}

func TestChannelOnAckStopsRetransmission(t *testing.T) {
	c := NewChannel()
	now := time.Now()
	c.Send("cand-a", "", "")
	c.Send("cand-b", "", "")
	if c.Pending() != 2 {
		t.Fatalf("expected 2 pending, got %d", c.Pending())
	}
	c.OnAck(1)
	if c.Pending() != 1 {
		t.Fatalf("expected 1 pending after acking ID 1, got %d", c.Pending())
	}
	due := c.PendingRetransmits(now.Add(time.Hour))
	if len(due) != 1 || due[0].MessageID != 2 {
		t.Fatalf("expected only message 2 still pending, got %+v", due)
	}
}

func TestChannelReceiveInOrderDelivery(t *testing.T) {
	c := NewChannel()
	delivered, dup := c.Receive(ReliableMessage{MessageID: 1, Candidate: "a"})
	if dup || len(delivered) != 1 || delivered[0].Candidate != "a" {
		t.Fatalf("expected immediate delivery of message 1, got delivered=%+v dup=%v", delivered, dup)
	}
	if c.LastDelivered() != 1 {
		t.Fatalf("expected LastDelivered()=1, got %d", c.LastDelivered())
	}
}

func TestChannelReceiveOutOfOrderThenGapFilled(t *testing.T) {
	c := NewChannel()
	// Message 2 arrives before message 1: held pending, not delivered.
	delivered, dup := c.Receive(ReliableMessage{MessageID: 2, Candidate: "b"})
	if dup || len(delivered) != 0 {
		t.Fatalf("expected message 2 to be held pending a gap, got delivered=%+v dup=%v", delivered, dup)
	}
	// Message 1 arrives, filling the gap: both 1 and 2 deliver in order.
	delivered, dup = c.Receive(ReliableMessage{MessageID: 1, Candidate: "a"})
	if dup || len(delivered) != 2 {
		t.Fatalf("expected both messages delivered once gap filled, got delivered=%+v dup=%v", delivered, dup)
	}
	if delivered[0].Candidate != "a" || delivered[1].Candidate != "b" {
		t.Fatalf("expected in-order delivery [a,b], got %+v", delivered)
	}
}

func TestChannelReceiveDuplicateSuppression(t *testing.T) {
	c := NewChannel()
	c.Receive(ReliableMessage{MessageID: 1, Candidate: "a"})
	delivered, dup := c.Receive(ReliableMessage{MessageID: 1, Candidate: "a"})
	if !dup || len(delivered) != 0 {
		t.Fatalf("expected retransmit of already-delivered message to be a dup, got delivered=%+v dup=%v", delivered, dup)
	}
}

func TestChannelReceiveAcksOutgoingSends(t *testing.T) {
	sender := NewChannel()
	sender.Send("cand", "", "")
	if sender.Pending() != 1 {
		t.Fatalf("expected 1 pending send, got %d", sender.Pending())
	}
	// The peer's incoming message acks our send via its AckID field.
	sender.Receive(ReliableMessage{MessageID: 1, AckID: 1, Candidate: "peer-cand"})
	if sender.Pending() != 0 {
		t.Fatalf("expected outgoing send acked via incoming AckID, got %d pending", sender.Pending())
	}
}
