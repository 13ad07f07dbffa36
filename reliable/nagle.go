package reliable

import "time"

// DefaultNagleTime is how long a reliable send may sit coalescing with
// later sends before it is flushed on its own.
const DefaultNagleTime = 5 * time.Millisecond

// NagleBuffer coalesces small reliable sends into fewer, larger
// datagrams: data accumulates until either nagleTime elapses since the
// first unflushed byte or the buffer reaches mtu.
type NagleBuffer struct {
	mtu       int
	nagleTime time.Duration

	buf       []byte
	openSince time.Time
}

func NewNagleBuffer(mtu int, nagleTime time.Duration) *NagleBuffer {
	return &NagleBuffer{mtu: mtu, nagleTime: nagleTime}
}

// Add appends data, returning a ready-to-send flush if the buffer has
// reached mtu as a result.
func (n *NagleBuffer) Add(data []byte, now time.Time) (flushed []byte) {
	if len(n.buf) == 0 {
		n.openSince = now
	}
	n.buf = append(n.buf, data...)
	if len(n.buf) >= n.mtu {
		return n.Flush()
	}
	return nil
}

// ShouldFlush reports whether the Nagle timer has expired on buffered data.
func (n *NagleBuffer) ShouldFlush(now time.Time) bool {
	return len(n.buf) > 0 && now.Sub(n.openSince) >= n.nagleTime
}

// Flush returns and clears whatever is currently buffered.
func (n *NagleBuffer) Flush() []byte {
	out := n.buf
	n.buf = nil
	return out
}

func (n *NagleBuffer) Len() int { return len(n.buf) }
