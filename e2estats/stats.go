// Package e2estats tracks per-connection round-trip time, a bounded ack
// queue, and lifetime counters, and produces the periodic inline stats
// blob piggybacked on outgoing data frames.
package e2estats

import (
	"sync"
	"time"
)

// AckMaxDelay bounds how long an unacked received packet may sit before
// it forces an immediate ack.
const AckMaxDelay = 20 * time.Millisecond

// FlagACKRequestImmediate, when set on an inbound packet, forces the
// receiver to include an ack in its very next outgoing packet.
const FlagACKRequestImmediate byte = 0x02

// PendingAck is one entry in the bounded ack queue: a wire sequence
// number and the local receive timestamp used to compute how long it
// has been waiting for a piggybacked ack.
type PendingAck struct {
	WireSeq     uint16
	ReceivedAt  time.Time
}

// PingTracker maintains smoothed and minimum RTT plus outstanding-ping
// bookkeeping for keepalive scheduling.
type PingTracker struct {
	mu sync.Mutex

	smoothedRTT      time.Duration
	minRTT           time.Duration
	haveSample       bool
	lastPingSentAt   time.Time
	pingOutstanding  bool
	replyTimeout     time.Duration
	consecutiveMiss  int
}

// NewPingTracker constructs a tracker with a starting reply timeout.
func NewPingTracker(initialReplyTimeout time.Duration) *PingTracker {
	return &PingTracker{replyTimeout: initialReplyTimeout}
}

// OnPingSent records that a ping was just transmitted and is awaiting a
// reply.
func (p *PingTracker) OnPingSent(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPingSentAt = now
	p.pingOutstanding = true
}

// OnPingReply folds a fresh RTT sample into the smoothed and minimum RTT
// estimates (exponential smoothing with an eighth weight, matching the
// usual TCP-style SRTT update) and clears the outstanding-ping state.
func (p *PingTracker) OnPingReply(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	sample := now.Sub(p.lastPingSentAt)
	if !p.haveSample {
		p.smoothedRTT = sample
		p.minRTT = sample
		p.haveSample = true
	} else {
		p.smoothedRTT = p.smoothedRTT + (sample-p.smoothedRTT)/8
		if sample < p.minRTT {
			p.minRTT = sample
		}
	}
	p.pingOutstanding = false
	p.consecutiveMiss = 0
	return p.smoothedRTT
}

// OnPingTimeout records a missed ping reply.
func (p *PingTracker) OnPingTimeout() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pingOutstanding = false
	p.consecutiveMiss++
	return p.consecutiveMiss
}

// SmoothedRTT returns the current smoothed RTT estimate (zero until the
// first sample arrives).
func (p *PingTracker) SmoothedRTT() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.smoothedRTT
}

// MinRTT returns the lowest RTT observed so far.
func (p *PingTracker) MinRTT() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minRTT
}

// RetransmissionTimeout computes RTO = max(200ms, 2*smoothedRTT).
func (p *PingTracker) RetransmissionTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	rto := 2 * p.smoothedRTT
	if rto < 200*time.Millisecond {
		return 200 * time.Millisecond
	}
	return rto
}

// AckQueue holds received-but-not-yet-acked wire sequence numbers,
// bounded to maxPending entries to cap memory under a misbehaving peer.
type AckQueue struct {
	mu         sync.Mutex
	pending    []PendingAck
	maxPending int
}

func NewAckQueue(maxPending int) *AckQueue {
	return &AckQueue{maxPending: maxPending}
}

// Add records that a datagram was received at wireSeq at time now. If the
// queue is full, the oldest entry is dropped (it will still be covered by
// the selective-ack bitmap's run-length window once delivered).
func (q *AckQueue) Add(wireSeq uint16, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.maxPending {
		q.pending = q.pending[1:]
	}
	q.pending = append(q.pending, PendingAck{WireSeq: wireSeq, ReceivedAt: now})
}

// NeedsImmediateAck reports whether the oldest pending ack has been
// waiting longer than AckMaxDelay, or forceImmediate (set when the peer's
// packet carried FlagACKRequestImmediate) is true.
func (q *AckQueue) NeedsImmediateAck(now time.Time, forceImmediate bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if forceImmediate {
		return true
	}
	if len(q.pending) == 0 {
		return false
	}
	return now.Sub(q.pending[0].ReceivedAt) > AckMaxDelay
}

// Drain returns and clears all pending acks, for inclusion in an
// outgoing packet's stats blob.
func (q *AckQueue) Drain() []PendingAck {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// LifetimeStats accumulates counters for the life of a connection,
// reported via a periodic inline stats blob (roughly every 5 seconds).
type LifetimeStats struct {
	mu sync.Mutex

	PacketsSent       uint64
	PacketsRecv       uint64
	PacketsDropped    uint64
	PacketsOutOfOrder uint64
	BytesSent         uint64
	BytesRecv         uint64

	pingSamples []time.Duration
}

func (s *LifetimeStats) RecordSent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PacketsSent++
	s.BytesSent += uint64(n)
}

func (s *LifetimeStats) RecordRecv(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PacketsRecv++
	s.BytesRecv += uint64(n)
}

func (s *LifetimeStats) RecordDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PacketsDropped++
}

func (s *LifetimeStats) RecordOutOfOrder() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PacketsOutOfOrder++
}

func (s *LifetimeStats) RecordPingSample(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingSamples = append(s.pingSamples, d)
}

// Snapshot is an immutable copy of the lifetime counters plus a histogram
// of the ping samples recorded since the connection began.
type Snapshot struct {
	PacketsSent, PacketsRecv, PacketsDropped, PacketsOutOfOrder uint64
	BytesSent, BytesRecv                                        uint64
	PingSampleCount                                             int
	PingMin, PingMax, PingMean                                  time.Duration
}

func (s *LifetimeStats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		PacketsSent:       s.PacketsSent,
		PacketsRecv:       s.PacketsRecv,
		PacketsDropped:    s.PacketsDropped,
		PacketsOutOfOrder: s.PacketsOutOfOrder,
		BytesSent:         s.BytesSent,
		BytesRecv:         s.BytesRecv,
		PingSampleCount:   len(s.pingSamples),
	}
	if len(s.pingSamples) == 0 {
		return snap
	}
	var sum time.Duration
	snap.PingMin = s.pingSamples[0]
	snap.PingMax = s.pingSamples[0]
	for _, d := range s.pingSamples {
		if d < snap.PingMin {
			snap.PingMin = d
		}
		if d > snap.PingMax {
			snap.PingMax = d
		}
		sum += d
	}
	snap.PingMean = sum / time.Duration(len(s.pingSamples))
	return snap
}

// ReportInterval is how often the periodic inline stats blob is sent.
const ReportInterval = 5 * time.Second
