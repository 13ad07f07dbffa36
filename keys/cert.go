// Certificate model: issuer/subject identity, subject's Ed25519 public
// key, validity window, capabilities bitmap, and the signed-envelope /
// verification chain.
package keys

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/relaymesh/p2ptransport/identity"
	"github.com/relaymesh/p2ptransport/pcrypto"
)

// Capability is a bit in the CERT capabilities bitmap.
type Capability uint32

const (
	CapServerCanConnectAnyone Capability = 1 << iota
	CapClientCanConnectAnyServer
	CapRelay
)

// Cert is the unsigned certificate body: issuer identity, subject
// identity, subject's Ed25519 public key, validity window, and a
// capabilities bitmap.
type Cert struct {
	Issuer       identity.Identity
	Subject      identity.Identity
	SubjectKey   pcrypto.Ed25519Public
	NotBefore    time.Time
	NotAfter     time.Time
	Capabilities Capability
}

// SignedCert appends an Ed25519 signature by an authority key. A
// self-signed cert (Issuer == Subject, signed by the subject's own key)
// is allowed only if AuthPolicy.PermitUnsigned is set.
type SignedCert struct {
	Cert      Cert
	Signature []byte // Ed25519 signature over Body()
}

// Body serializes the exact bytes the signature covers: a simple
// length-prefixed concatenation of every Cert field, in field order.
func (c Cert) Body() []byte {
	var buf []byte
	appendStr := func(s string) {
		var lb [4]byte
		binary.BigEndian.PutUint32(lb[:], uint32(len(s)))
		buf = append(buf, lb[:]...)
		buf = append(buf, s...)
	}
	appendStr(c.Issuer.String())
	appendStr(c.Subject.String())
	pub := c.SubjectKey.Bytes()
	buf = append(buf, pub[:]...)
	var tb [16]byte
	binary.BigEndian.PutUint64(tb[:8], uint64(c.NotBefore.Unix()))
	binary.BigEndian.PutUint64(tb[8:], uint64(c.NotAfter.Unix()))
	buf = append(buf, tb[:]...)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], uint32(c.Capabilities))
	buf = append(buf, cb[:]...)
	return buf
}

// Sign produces a SignedCert using the given authority's Ed25519 private
// key (which may be the subject's own key, for self-signing).
func Sign(cert Cert, authority pcrypto.Ed25519Private) SignedCert {
	return SignedCert{Cert: cert, Signature: authority.Sign(cert.Body())}
}

// AuthPolicy controls how Verify resolves trust.
type AuthPolicy struct {
	// TrustedAuthorities lists keys whose signature is accepted regardless
	// of issuer identity.
	TrustedAuthorities []pcrypto.Ed25519Public
	// PermitUnsigned allows a self-signed cert (Issuer == Subject, signed
	// by SubjectKey itself) to verify even with no trusted authority match.
	PermitUnsigned bool
}

func (p AuthPolicy) isTrusted(k pcrypto.Ed25519Public) bool {
	for _, a := range p.TrustedAuthorities {
		if a.Equal(k) {
			return true
		}
	}
	return false
}

// VerifyError's Subcode values, surfaced as CertInvalid subcodes.
const (
	SubcodeBadSignature       = "bad-signature"
	SubcodeUntrustedAuthority = "untrusted-authority"
	SubcodeExpired            = "expired"
	SubcodeNotYetValid        = "not-yet-valid"
	SubcodeKeyMismatch        = "subject-key-mismatch"
)

// Now is overridable in tests; production code leaves it as time.Now.
var Now = time.Now

// Verify runs the full verification chain: check the issuer's public key
// against the trusted-authority list (or the permit-unsigned self-signed
// case), validate the signature over the exact serialized body, check
// the validity window, then check that the subject's Ed25519 public key
// equals expectedSubjectKey. The handshake code in package conn passes
// the received cert's own SubjectKey here; CryptInfo carries only an
// X25519 key, so there is no second Ed25519 key in the handshake to
// compare against.
func Verify(sc SignedCert, authorityKey pcrypto.Ed25519Public, policy AuthPolicy, expectedSubjectKey pcrypto.Ed25519Public) error {
	selfSigned := sc.Cert.Issuer.Equal(sc.Cert.Subject)

	trusted := policy.isTrusted(authorityKey)
	if !trusted {
		if !(selfSigned && policy.PermitUnsigned) {
			return &VerifyError{Subcode: SubcodeUntrustedAuthority}
		}
	}

	signer := authorityKey
	if !trusted {
		signer = sc.Cert.SubjectKey
	}
	if !signer.Verify(sc.Cert.Body(), sc.Signature) {
		return &VerifyError{Subcode: SubcodeBadSignature}
	}

	now := Now()
	if now.Before(sc.Cert.NotBefore) {
		return &VerifyError{Subcode: SubcodeNotYetValid}
	}
	if now.After(sc.Cert.NotAfter) {
		return &VerifyError{Subcode: SubcodeExpired}
	}

	subjectKeyBytes := sc.Cert.SubjectKey.Bytes()
	expectedBytes := expectedSubjectKey.Bytes()
	if subtle.ConstantTimeCompare(subjectKeyBytes[:], expectedBytes[:]) != 1 {
		return &VerifyError{Subcode: SubcodeKeyMismatch}
	}
	return nil
}

// VerifyError is CertInvalid with a subcode.
type VerifyError struct {
	Subcode string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("keys: CertInvalid/%s", e.Subcode)
}

const ed25519SignatureSize = 64

// MarshalBinary serializes a SignedCert as Body() followed by the raw
// signature, for embedding in a handshake message.
func (sc SignedCert) MarshalBinary() []byte {
	return append(sc.Cert.Body(), sc.Signature...)
}

// UnmarshalSignedCert parses the form produced by MarshalBinary.
func UnmarshalSignedCert(b []byte) (SignedCert, error) {
	cert, n, err := parseCertBody(b)
	if err != nil {
		return SignedCert{}, err
	}
	sig := b[n:]
	if len(sig) != ed25519SignatureSize {
		return SignedCert{}, fmt.Errorf("keys: signed cert has %d-byte signature, want %d", len(sig), ed25519SignatureSize)
	}
	return SignedCert{Cert: cert, Signature: append([]byte(nil), sig...)}, nil
}

// parseCertBody mirrors Cert.Body()'s field order and returns the number
// of bytes consumed, so the caller can locate the trailing signature.
func parseCertBody(b []byte) (Cert, int, error) {
	readStr := func(off int) (string, int, error) {
		if off+4 > len(b) {
			return "", 0, fmt.Errorf("keys: truncated cert (string length)")
		}
		n := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if off+n > len(b) {
			return "", 0, fmt.Errorf("keys: truncated cert (string body)")
		}
		return string(b[off : off+n]), off + n, nil
	}

	issuerStr, off, err := readStr(0)
	if err != nil {
		return Cert{}, 0, err
	}
	subjectStr, off, err := readStr(off)
	if err != nil {
		return Cert{}, 0, err
	}
	if off+32+16+4 > len(b) {
		return Cert{}, 0, fmt.Errorf("keys: truncated cert (fixed fields)")
	}
	subjectKey, err := pcrypto.Ed25519PublicFromBytes(b[off : off+32])
	if err != nil {
		return Cert{}, 0, err
	}
	off += 32
	notBefore := int64(binary.BigEndian.Uint64(b[off : off+8]))
	notAfter := int64(binary.BigEndian.Uint64(b[off+8 : off+16]))
	off += 16
	caps := Capability(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4

	issuer, err := identity.Parse(issuerStr)
	if err != nil {
		return Cert{}, 0, fmt.Errorf("keys: cert issuer: %w", err)
	}
	subject, err := identity.Parse(subjectStr)
	if err != nil {
		return Cert{}, 0, fmt.Errorf("keys: cert subject: %w", err)
	}

	return Cert{
		Issuer:       issuer,
		Subject:      subject,
		SubjectKey:   subjectKey,
		NotBefore:    time.Unix(notBefore, 0).UTC(),
		NotAfter:     time.Unix(notAfter, 0).UTC(),
		Capabilities: caps,
	}, off, nil
}
