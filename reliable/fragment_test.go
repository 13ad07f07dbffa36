package reliable

import (
	"bytes"
	"testing"
	"time"
)

func TestSplitAndReassembleSingleFragment(t *testing.T) {
	payload := []byte("short message")
	frags := Split(1, 0, true, payload, DefaultMTU)
	if len(frags) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(frags))
	}
	h, data, err := Decode(frags[0])
	if err != nil {
		t.Fatal(err)
	}
	r := NewReassembler()
	out, delivered, dup, err := r.Feed(h, data, time.Now())
	if err != nil || !delivered || dup {
		t.Fatalf("expected immediate delivery, got delivered=%v dup=%v err=%v", delivered, dup, err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("payload mismatch: got %q", out)
	}
}

func TestSplitAndReassembleMultiFragment(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdefgh"), 500) // 4000 bytes > MTU
	frags := Split(42, 3, true, payload, 256)
	if len(frags) < 2 {
		t.Fatalf("expected multiple fragments, got %d", len(frags))
	}

	r := NewReassembler()
	var out []byte
	var delivered bool
	now := time.Now()
	for i, f := range frags {
		h, data, err := Decode(f)
		if err != nil {
			t.Fatal(err)
		}
		var d bool
		out, d, _, err = r.Feed(h, data, now)
		if err != nil {
			t.Fatal(err)
		}
		if i < len(frags)-1 && d {
			t.Fatalf("delivered too early at fragment %d", i)
		}
		delivered = d
	}
	if !delivered {
		t.Fatal("expected delivery after final fragment")
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("reassembled payload mismatch")
	}
}

func TestReassemblerOutOfOrderFragments(t *testing.T) {
	payload := bytes.Repeat([]byte("xyz12345"), 200)
	frags := Split(7, 1, true, payload, 128)
	// Feed in reverse order.
	r := NewReassembler()
	now := time.Now()
	var out []byte
	var delivered bool
	for i := len(frags) - 1; i >= 0; i-- {
		h, data, err := Decode(frags[i])
		if err != nil {
			t.Fatal(err)
		}
		var d bool
		out, d, _, err = r.Feed(h, data, now)
		if err != nil {
			t.Fatal(err)
		}
		delivered = d
	}
	if !delivered || !bytes.Equal(out, payload) {
		t.Fatal("expected out-of-order fragments to reassemble correctly")
	}
}

func TestReassemblerDropsStalePredatingMessage(t *testing.T) {
	r := NewReassembler()
	now := time.Now()

	// Deliver message 5 on channel 0 fully.
	h5 := FragmentHeader{MessageID: 5, Channel: 0, Reliable: true, TotalSize: 3, Offset: 0}
	_, delivered, _, err := r.Feed(h5, []byte("abc"), now)
	if err != nil || !delivered {
		t.Fatalf("expected message 5 delivered, got %v %v", delivered, err)
	}

	// A retransmit of message 5 should be acked-as-dup, not redelivered or errored.
	_, delivered, dup, err := r.Feed(h5, []byte("abc"), now)
	if err != nil || delivered || !dup {
		t.Fatalf("expected dup for retransmit of already-delivered message, got delivered=%v dup=%v err=%v", delivered, dup, err)
	}

	// A fragment for message 3 (older) on the same channel is stale.
	h3 := FragmentHeader{MessageID: 3, Channel: 0, Reliable: true, TotalSize: 3, Offset: 0}
	_, delivered, dup, err = r.Feed(h3, []byte("old"), now)
	if err != nil || delivered || !dup {
		t.Fatalf("expected message predating last-delivered to be treated as dup/dropped, got delivered=%v dup=%v err=%v", delivered, dup, err)
	}
}

func TestReassemblerDropsStaleUnreliableMessage(t *testing.T) {
	r := NewReassembler()
	now := time.Now()
	h := FragmentHeader{MessageID: 1, Channel: 2, Reliable: false, TotalSize: 10, Offset: 0}
	// Only the first half arrives; never completed.
	_, delivered, _, err := r.Feed(h, []byte("12345"), now)
	if err != nil || delivered {
		t.Fatal("expected incomplete message, not delivered")
	}
	// Much later, the second half arrives - but the message is stale by then.
	h2 := FragmentHeader{MessageID: 1, Channel: 2, Reliable: false, TotalSize: 10, Offset: 5}
	_, delivered, _, err = r.Feed(h2, []byte("67890"), now.Add(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if delivered {
		t.Fatal("expected stale unreliable message to be dropped, not delivered")
	}
}

func TestDecodeRejectsShortFragment(t *testing.T) {
	if _, _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error decoding too-short fragment")
	}
}
