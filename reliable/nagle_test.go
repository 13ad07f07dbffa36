package reliable

import (
	"bytes"
	"testing"
	"time"
)

func TestNagleBufferCoalescesUnderMTU(t *testing.T) {
	n := NewNagleBuffer(1200, 5*time.Millisecond)
	now := time.Now()
	if flushed := n.Add([]byte("hello"), now); flushed != nil {
		t.Fatalf("expected no flush yet, got %v", flushed)
	}
	if flushed := n.Add([]byte(" world"), now.Add(time.Millisecond)); flushed != nil {
		t.Fatalf("expected no flush yet, got %v", flushed)
	}
	if n.Len() != len("hello world") {
		t.Fatalf("expected buffered length %d, got %d", len("hello world"), n.Len())
	}
	if !n.ShouldFlush(now.Add(6 * time.Millisecond)) {
		t.Fatal("expected ShouldFlush true once nagle timer elapsed")
	}
	out := n.Flush()
	if !bytes.Equal(out, []byte("hello world")) {
		t.Fatalf("unexpected flush content: %q", out)
	}
	if n.Len() != 0 {
		t.Fatal("expected buffer empty after flush")
	}
}

func TestNagleBufferAutoFlushesAtMTU(t *testing.T) {
	n := NewNagleBuffer(10, time.Hour)
	now := time.Now()
	flushed := n.Add([]byte("12345"), now)
	if flushed != nil {
		t.Fatal("expected no flush below mtu")
	}
	flushed = n.Add([]byte("67890"), now)
	if !bytes.Equal(flushed, []byte("1234567890")) {
		t.Fatalf("expected auto-flush at mtu, got %q", flushed)
	}
	if n.Len() != 0 {
		t.Fatal("expected buffer drained after auto-flush")
	}
}

func TestNagleBufferShouldFlushFalseWhenEmpty(t *testing.T) {
	n := NewNagleBuffer(1200, 5*time.Millisecond)
	if n.ShouldFlush(time.Now().Add(time.Hour)) {
		t.Fatal("expected ShouldFlush false on empty buffer regardless of elapsed time")
	}
}
