package reliable

import "encoding/binary"

// AckRun is one run in a run-length-encoded selective-ack bitmap: Count
// consecutive frame IDs starting at Start, each marked Acked or not.
type AckRun struct {
	Start uint16
	Count uint16
	Acked bool
}

// BuildSelectiveAck scans the contiguous range [base, base+span)
// and emits a run-length encoding of which offsets are present in
// received, for piggybacking in the stats blob.
func BuildSelectiveAck(base uint16, received map[uint16]bool, span int) []AckRun {
	var runs []AckRun
	if span <= 0 {
		return runs
	}
	cur := received[base]
	start := base
	count := uint16(1)
	for i := 1; i < span; i++ {
		id := base + uint16(i)
		v := received[id]
		if v == cur {
			count++
			continue
		}
		runs = append(runs, AckRun{Start: start, Count: count, Acked: cur})
		cur = v
		start = id
		count = 1
	}
	runs = append(runs, AckRun{Start: start, Count: count, Acked: cur})
	return runs
}

// EncodeSelectiveAck serializes runs as {u16 start, u16 count, u8 acked}
// tuples, for embedding in the stats blob.
func EncodeSelectiveAck(runs []AckRun) []byte {
	buf := make([]byte, 0, len(runs)*5)
	for _, r := range runs {
		var tmp [5]byte
		binary.BigEndian.PutUint16(tmp[0:2], r.Start)
		binary.BigEndian.PutUint16(tmp[2:4], r.Count)
		if r.Acked {
			tmp[4] = 1
		}
		buf = append(buf, tmp[:]...)
	}
	return buf
}

// DecodeSelectiveAck parses the form produced by EncodeSelectiveAck.
func DecodeSelectiveAck(b []byte) []AckRun {
	var runs []AckRun
	for len(b) >= 5 {
		runs = append(runs, AckRun{
			Start: binary.BigEndian.Uint16(b[0:2]),
			Count: binary.BigEndian.Uint16(b[2:4]),
			Acked: b[4] != 0,
		})
		b = b[5:]
	}
	return runs
}

// ExpandAcked returns every individually-acked frame ID encoded in runs.
func ExpandAcked(runs []AckRun) []uint16 {
	var out []uint16
	for _, r := range runs {
		if !r.Acked {
			continue
		}
		for i := uint16(0); i < r.Count; i++ {
			out = append(out, r.Start+i)
		}
	}
	return out
}
