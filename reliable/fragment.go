// Package reliable implements the message-oriented transport carried
// inside data frames: per-direction monotonic message IDs, MTU
// fragmentation and reassembly, a run-length selective-ack bitmap, a
// non-blocking bounded send buffer, and additive-increase/
// multiplicative-decrease rate control.
package reliable

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"
)

// DefaultMTU is the default path MTU budget for plaintext fragment
// payloads.
const DefaultMTU = 1200

// StaleUnreliableAge bounds how long a partially-reassembled unreliable
// message may sit before it is dropped.
const StaleUnreliableAge = time.Second

// FragmentHeader prefixes every reliable-transport fragment (itself
// carried inside an AEAD-sealed data frame): which message it belongs to,
// which channel, whether loss should trigger retransmission, and where
// this fragment sits within the whole message.
type FragmentHeader struct {
	MessageID uint64
	Channel   uint8
	Reliable  bool
	TotalSize uint32
	Offset    uint32
}

const fragmentHeaderSize = 8 + 1 + 1 + 4 + 4

// Encode writes the header followed by the fragment's slice of the
// message payload.
func (h FragmentHeader) Encode(fragmentData []byte) []byte {
	buf := make([]byte, fragmentHeaderSize+len(fragmentData))
	binary.BigEndian.PutUint64(buf[0:8], h.MessageID)
	buf[8] = h.Channel
	if h.Reliable {
		buf[9] = 1
	}
	binary.BigEndian.PutUint32(buf[10:14], h.TotalSize)
	binary.BigEndian.PutUint32(buf[14:18], h.Offset)
	copy(buf[fragmentHeaderSize:], fragmentData)
	return buf
}

// Decode splits a fragment datagram back into its header and payload.
func Decode(b []byte) (FragmentHeader, []byte, error) {
	if len(b) < fragmentHeaderSize {
		return FragmentHeader{}, nil, fmt.Errorf("reliable: fragment too short (%d bytes)", len(b))
	}
	h := FragmentHeader{
		MessageID: binary.BigEndian.Uint64(b[0:8]),
		Channel:   b[8],
		Reliable:  b[9] != 0,
		TotalSize: binary.BigEndian.Uint32(b[10:14]),
		Offset:    binary.BigEndian.Uint32(b[14:18]),
	}
	return h, b[fragmentHeaderSize:], nil
}

// Split fragments payload into a sequence of wire-ready fragment
// datagrams no larger than mtu bytes each (header included). A payload
// that fits in a single fragment still gets one.
func Split(msgID uint64, channel uint8, reliable bool, payload []byte, mtu int) [][]byte {
	chunkSize := mtu - fragmentHeaderSize
	if chunkSize <= 0 {
		chunkSize = 1
	}
	total := uint32(len(payload))
	var out [][]byte
	if len(payload) == 0 {
		h := FragmentHeader{MessageID: msgID, Channel: channel, Reliable: reliable, TotalSize: 0, Offset: 0}
		return [][]byte{h.Encode(nil)}
	}
	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		h := FragmentHeader{
			MessageID: msgID,
			Channel:   channel,
			Reliable:  reliable,
			TotalSize: total,
			Offset:    uint32(off),
		}
		out = append(out, h.Encode(payload[off:end]))
	}
	return out
}

type partialMessage struct {
	totalSize     uint32
	reliable      bool
	chunks        map[uint32][]byte
	receivedBytes uint32
	firstSeenAt   time.Time
}

type channelState struct {
	lastDelivered uint64
	haveDelivered bool
	pending       map[uint64]*partialMessage
}

// Reassembler reconstructs whole messages from fragments, per channel,
// discarding fragments that predate the highest already-delivered
// message on that channel (except a reliable retransmit of exactly that
// message, which is acked again but not redelivered).
type Reassembler struct {
	channels map[uint8]*channelState
}

func NewReassembler() *Reassembler {
	return &Reassembler{channels: map[uint8]*channelState{}}
}

// Feed incorporates one fragment. delivered is true iff this call
// completed a message, in which case payload holds the full reassembled
// message. dup is true if the fragment belongs to a message already
// delivered (ack it again; do not redeliver).
func (r *Reassembler) Feed(h FragmentHeader, fragmentData []byte, now time.Time) (payload []byte, delivered bool, dup bool, err error) {
	cs, ok := r.channels[h.Channel]
	if !ok {
		cs = &channelState{pending: map[uint64]*partialMessage{}}
		r.channels[h.Channel] = cs
	}

	if cs.haveDelivered && h.MessageID <= cs.lastDelivered {
		return nil, false, true, nil
	}

	pm, ok := cs.pending[h.MessageID]
	if !ok {
		pm = &partialMessage{
			totalSize:   h.TotalSize,
			reliable:    h.Reliable,
			chunks:      map[uint32][]byte{},
			firstSeenAt: now,
		}
		cs.pending[h.MessageID] = pm
	}

	if !pm.reliable && now.Sub(pm.firstSeenAt) > StaleUnreliableAge {
		delete(cs.pending, h.MessageID)
		return nil, false, false, nil
	}

	if _, dupFrag := pm.chunks[h.Offset]; !dupFrag {
		pm.chunks[h.Offset] = fragmentData
		pm.receivedBytes += uint32(len(fragmentData))
	}

	if pm.receivedBytes < pm.totalSize {
		return nil, false, false, nil
	}

	offsets := make([]uint32, 0, len(pm.chunks))
	for off := range pm.chunks {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	out := make([]byte, 0, pm.totalSize)
	for _, off := range offsets {
		out = append(out, pm.chunks[off]...)
	}

	delete(cs.pending, h.MessageID)
	if !cs.haveDelivered || h.MessageID > cs.lastDelivered {
		cs.lastDelivered = h.MessageID
		cs.haveDelivered = true
	}
	return out, true, false, nil
}
