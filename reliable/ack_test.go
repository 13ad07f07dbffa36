package reliable

import (
	"reflect"
	"testing"
)

func TestBuildSelectiveAckRuns(t *testing.T) {
	received := map[uint16]bool{
		100: true,
		101: true,
		102: false,
		103: true,
		104: true,
		105: true,
	}
	runs := BuildSelectiveAck(100, received, 6)
	want := []AckRun{
		{Start: 100, Count: 2, Acked: true},
		{Start: 102, Count: 1, Acked: false},
		{Start: 103, Count: 3, Acked: true},
	}
	if !reflect.DeepEqual(runs, want) {
		t.Fatalf("got %+v, want %+v", runs, want)
	}
}

func TestBuildSelectiveAckEmptySpan(t *testing.T) {
	if runs := BuildSelectiveAck(0, map[uint16]bool{}, 0); runs != nil {
		t.Fatalf("expected nil runs for zero span, got %+v", runs)
	}
}

func TestSelectiveAckEncodeDecodeRoundTrip(t *testing.T) {
	runs := []AckRun{
		{Start: 10, Count: 5, Acked: true},
		{Start: 15, Count: 2, Acked: false},
		{Start: 17, Count: 1, Acked: true},
	}
	encoded := EncodeSelectiveAck(runs)
	if len(encoded) != 5*len(runs) {
		t.Fatalf("expected %d bytes, got %d", 5*len(runs), len(encoded))
	}
	decoded := DecodeSelectiveAck(encoded)
	if !reflect.DeepEqual(decoded, runs) {
		t.Fatalf("got %+v, want %+v", decoded, runs)
	}
}

func TestExpandAcked(t *testing.T) {
	runs := []AckRun{
		{Start: 10, Count: 3, Acked: true},
		{Start: 13, Count: 2, Acked: false},
		{Start: 15, Count: 1, Acked: true},
	}
	got := ExpandAcked(runs)
	want := []uint16{10, 11, 12, 15}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDecodeSelectiveAckIgnoresTrailingPartialBytes(t *testing.T) {
	runs := []AckRun{{Start: 1, Count: 1, Acked: true}}
	encoded := append(EncodeSelectiveAck(runs), 0x01, 0x02)
	decoded := DecodeSelectiveAck(encoded)
	if !reflect.DeepEqual(decoded, runs) {
		t.Fatalf("got %+v, want %+v", decoded, runs)
	}
}
