package keys

import (
	"encoding/binary"
	"fmt"

	"github.com/relaymesh/p2ptransport/pcrypto"
)

// CipherID identifies the AEAD cipher negotiated for a connection. Only
// one is implemented, but the field exists so wire messages can name it
// explicitly.
type CipherID uint32

const CipherAES256GCM CipherID = 1

// CryptInfo is the per-connection DH-ephemeral X25519 public key plus a
// nonce seed and chosen cipher identifier, signed by the long-lived
// Ed25519 identity key.
type CryptInfo struct {
	EphemeralPublic pcrypto.X25519Public
	NonceSeed       [4]byte
	Cipher          CipherID
}

// Body serializes the fields the signature covers.
func (c CryptInfo) Body() []byte {
	buf := make([]byte, 0, 32+4+4)
	buf = append(buf, c.EphemeralPublic[:]...)
	buf = append(buf, c.NonceSeed[:]...)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], uint32(c.Cipher))
	buf = append(buf, cb[:]...)
	return buf
}

// SignedCryptInfo is a CryptInfo with its Ed25519 signature attached.
type SignedCryptInfo struct {
	Info      CryptInfo
	Signature []byte
}

// SignCryptInfo signs a CryptInfo with the long-lived Ed25519 identity
// key of the connection's local peer.
func SignCryptInfo(info CryptInfo, identityKey pcrypto.Ed25519Private) SignedCryptInfo {
	return SignedCryptInfo{Info: info, Signature: identityKey.Sign(info.Body())}
}

// VerifyCryptInfo checks the signature against the peer's Ed25519 public
// key (taken from their verified CERT's SubjectKey).
func VerifyCryptInfo(sc SignedCryptInfo, peerIdentityKey pcrypto.Ed25519Public) error {
	if sc.Info.Cipher != CipherAES256GCM {
		return fmt.Errorf("keys: unsupported cipher id %d", sc.Info.Cipher)
	}
	if !peerIdentityKey.Verify(sc.Info.Body(), sc.Signature) {
		return &VerifyError{Subcode: SubcodeBadSignature}
	}
	return nil
}

const cryptInfoBodySize = 32 + 4 + 4

// MarshalBinary serializes a SignedCryptInfo as Body() followed by the
// raw signature, for embedding in a handshake message.
func (sc SignedCryptInfo) MarshalBinary() []byte {
	return append(sc.Info.Body(), sc.Signature...)
}

// UnmarshalSignedCryptInfo parses the form produced by MarshalBinary.
func UnmarshalSignedCryptInfo(b []byte) (SignedCryptInfo, error) {
	if len(b) != cryptInfoBodySize+ed25519SignatureSize {
		return SignedCryptInfo{}, fmt.Errorf("keys: signed crypt info has %d bytes, want %d", len(b), cryptInfoBodySize+ed25519SignatureSize)
	}
	var pub pcrypto.X25519Public
	copy(pub[:], b[:32])
	var seed [4]byte
	copy(seed[:], b[32:36])
	cipher := CipherID(binary.BigEndian.Uint32(b[36:40]))
	sig := append([]byte(nil), b[40:]...)
	return SignedCryptInfo{
		Info:      CryptInfo{EphemeralPublic: pub, NonceSeed: seed, Cipher: cipher},
		Signature: sig,
	}, nil
}
