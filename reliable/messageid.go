package reliable

import "sync/atomic"

// MessageIDAllocator hands out a strictly increasing 64-bit MessageID
// per direction per connection, starting at 1 (0 is reserved to mean
// "no message").
type MessageIDAllocator struct {
	next uint64
}

func NewMessageIDAllocator() *MessageIDAllocator {
	return &MessageIDAllocator{next: 1}
}

func (a *MessageIDAllocator) Next() uint64 {
	return atomic.AddUint64(&a.next, 1) - 1
}
