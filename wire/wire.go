// Package wire implements the UDP datagram framing layer: the leading
// message-ID byte, padded connectionless handshake messages, the
// data-frame header, varint-prefixed stats blobs, and nonce construction
// for the AEAD record cipher.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/relaymesh/p2ptransport/pcrypto"
)

// MessageID is the leading byte of every UDP datagram.
type MessageID byte

const (
	MsgChallengeRequest  MessageID = 0x01
	MsgChallengeReply    MessageID = 0x02
	MsgConnectRequest    MessageID = 0x03
	MsgConnectOK         MessageID = 0x04
	MsgConnectionClosed  MessageID = 0x05
	MsgNoConnection      MessageID = 0x06
	MsgICEPingCheck      MessageID = 0x07
	dataMessageIDMask    byte      = 0x80
)

// IsData reports whether a leading message-ID byte marks a data frame
// (top bit set: the 0x80-0xFF range is reserved for data).
func IsData(id byte) bool { return id&dataMessageIDMask != 0 }

// MinPaddedSize is the minimum padded size of a connectionless handshake
// message, to prevent UDP amplification reflection attacks.
const MinPaddedSize = 512

// EncodePadded frames a handshake message as {u8 id, u16 len_le} followed
// by payload, zero-padded to at least MinPaddedSize bytes total.
func EncodePadded(id MessageID, payload []byte) []byte {
	if len(payload) > 0xFFFF {
		panic("wire: handshake payload too large for u16 length")
	}
	total := 1 + 2 + len(payload)
	if total < MinPaddedSize {
		total = MinPaddedSize
	}
	buf := make([]byte, total)
	buf[0] = byte(id)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[3:], payload)
	return buf
}

// DecodePadded parses a padded handshake message, returning the message
// ID and the (unpadded) payload slice.
func DecodePadded(datagram []byte) (MessageID, []byte, error) {
	if len(datagram) < 3 {
		return 0, nil, fmt.Errorf("wire: handshake datagram too short (%d bytes)", len(datagram))
	}
	id := MessageID(datagram[0])
	n := binary.LittleEndian.Uint16(datagram[1:3])
	if int(n)+3 > len(datagram) {
		return 0, nil, fmt.Errorf("wire: handshake length %d exceeds datagram size %d", n, len(datagram))
	}
	return id, datagram[3 : 3+int(n)], nil
}

// Data frame header flags.
const (
	FlagHasStats byte = 0x01
)

// DataHeader is the fixed portion of a data frame: {u8 flags, u32
// to_conn_id_le, u16 wire_seq_le}.
type DataHeader struct {
	Flags      byte
	ToConnID   uint32
	WireSeq    uint16
}

const DataHeaderSize = 1 + 4 + 2

// MsgDataLeadByte is the lead byte written for every data frame. Only its
// top bit is significant; the remaining bits are unused.
const MsgDataLeadByte byte = 0x80

// EncodeDataHeader writes the fixed data-frame header.

func EncodeDataHeader(h DataHeader) []byte {
	buf := make([]byte, 1+DataHeaderSize)
	buf[0] = MsgDataLeadByte
	buf[1] = h.Flags
	binary.LittleEndian.PutUint32(buf[2:6], h.ToConnID)
	binary.LittleEndian.PutUint16(buf[6:8], h.WireSeq)
	return buf
}

func DecodeDataHeader(datagram []byte) (DataHeader, []byte, error) {
	if len(datagram) < 1+DataHeaderSize {
		return DataHeader{}, nil, fmt.Errorf("wire: data datagram too short (%d bytes)", len(datagram))
	}
	if !IsData(datagram[0]) {
		return DataHeader{}, nil, fmt.Errorf("wire: not a data frame (lead byte %#x)", datagram[0])
	}
	h := DataHeader{
		Flags:    datagram[1],
		ToConnID: binary.LittleEndian.Uint32(datagram[2:6]),
		WireSeq:  binary.LittleEndian.Uint16(datagram[6:8]),
	}
	return h, datagram[1+DataHeaderSize:], nil
}

// PutVarint / ReadVarintBlob implement the varint-prefixed-blob framing used
// for an inline stats protobuf: an unsigned LEB128 varint length prefix
// followed by that many bytes.
func PutVarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func ReadVarintBlob(b []byte) (blob []byte, rest []byte, err error) {
	n, sz := binary.Uvarint(b)
	if sz <= 0 {
		return nil, nil, fmt.Errorf("wire: malformed varint length prefix")
	}
	if sz+int(n) > len(b) {
		return nil, nil, fmt.Errorf("wire: varint blob length %d exceeds remaining %d bytes", n, len(b)-sz)
	}
	return b[sz : sz+int(n)], b[sz+int(n):], nil
}

func PutVarintBlob(buf []byte, blob []byte) []byte {
	buf = PutVarint(buf, uint64(len(blob)))
	return append(buf, blob...)
}

// ReconstructFullSeq recovers the 64-bit full sequence number from its
// low 16 bits (wire) given the highest full sequence number we expect
// next: it chooses the nearest in-window value, snapping to within half
// a window of expected+1.
func ReconstructFullSeq(expectedNext uint64, wire uint16) uint64 {
	const window = 1 << 16
	base := expectedNext &^ (window - 1)
	full := base | uint64(wire)
	half := uint64(window / 2)
	if full < expectedNext && expectedNext-full > half {
		full += window
	} else if full > expectedNext && full-expectedNext > half {
		if full >= window {
			full -= window
		}
	}
	return full
}

// BuildNonce constructs the 12-byte AEAD nonce: the shared-secret-derived
// nonce seed occupies bytes 0..3 of a 12-byte scratch whose bytes 4..11
// hold the 64-bit full sequence number (little-endian).
func BuildNonce(nonceSeed [4]byte, fullSeq uint64) [pcrypto.NonceSize]byte {
	var nonce [pcrypto.NonceSize]byte
	for i := 0; i < 4; i++ {
		nonce[i] = nonceSeed[i]
	}
	binary.LittleEndian.PutUint64(nonce[4:12], fullSeq)
	return nonce
}
