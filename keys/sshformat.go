// OpenSSH private-key PEM and authorized_keys loading: private Ed25519
// keys may be loaded from OpenSSH private-key PEM ("-----BEGIN OPENSSH
// PRIVATE KEY-----"); public keys from an authorized_keys one-line
// "ssh-ed25519 <base64-blob> <comment>" entry.
package keys

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/relaymesh/p2ptransport/pcrypto"
)

// LoadOpenSSHPrivateKey parses an OpenSSH private-key PEM file and returns
// the Ed25519 public key it contains (used to verify a key file matches an
// expected identity). RSA keys are rejected: they use PKCS#8 PEM, not the
// OpenSSH container.
func LoadOpenSSHPrivateKey(pemData []byte) (Key, error) {
	signer, err := ssh.ParsePrivateKey(pemData)
	if err != nil {
		return Key{}, fmt.Errorf("keys: parse OpenSSH private key: %w", err)
	}
	pk, ok := signer.PublicKey().(ssh.CryptoPublicKey)
	if !ok {
		return Key{}, fmt.Errorf("keys: OpenSSH key type unsupported")
	}
	edPub, ok := pk.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return Key{}, fmt.Errorf("keys: only ed25519 OpenSSH keys are supported")
	}
	// ssh.ParsePrivateKey does not hand back the private scalar directly;
	// extract it via the package-private parse path is not exported, so we
	// require callers needing signing to already hold the 64-byte seed form.
	// Most callers instead load via LoadOpenSSHPrivateKeySeed below when the
	// raw seed is known; this entry point remains useful for verifying that
	// a key file matches an expected public key.
	pub, err := pcrypto.Ed25519PublicFromBytes(edPub)
	if err != nil {
		return Key{}, err
	}
	return NewEd25519Public(pub), nil
}

// LoadOpenSSHPrivateKeySeed is the primary loader: it parses the PEM
// framing via pcrypto.PEMBody/base64, then decodes the OpenSSH binary
// container far enough to recover the ed25519 private key seed. This
// avoids depending on unexported internals of golang.org/x/crypto/ssh for
// the one piece of data (the raw signing seed) that package does not
// surface through its public Signer interface.
func LoadOpenSSHPrivateKeySeed(pemData []byte) (Key, error) {
	body, err := pcrypto.PEMBody(pemData, "OPENSSH PRIVATE KEY")
	if err != nil {
		return Key{}, err
	}
	raw, err := pcrypto.B64Decode(stripPEMWhitespace(body))
	if err != nil {
		return Key{}, fmt.Errorf("keys: OpenSSH PEM body is not valid base64: %w", err)
	}
	seed, err := extractEd25519SeedFromOpenSSHBlob(raw)
	if err != nil {
		return Key{}, err
	}
	priv, _ := pcrypto.Ed25519FromSeed(seed)
	return NewEd25519Private(priv), nil
}

func stripPEMWhitespace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

// extractEd25519SeedFromOpenSSHBlob walks the openssh-key-v1 binary
// container (magic, cipher name, kdf name, kdf options, number of keys,
// public key blob, encrypted private section) for the unencrypted
// ("none"/"none") case; passphrase-protected keys are not supported.
func extractEd25519SeedFromOpenSSHBlob(blob []byte) ([32]byte, error) {
	const magic = "openssh-key-v1\x00"
	if len(blob) < len(magic) || string(blob[:len(magic)]) != magic {
		return [32]byte{}, fmt.Errorf("keys: not an openssh-key-v1 blob")
	}
	r := &byteReader{b: blob[len(magic):]}

	cipherName, err := r.readString()
	if err != nil {
		return [32]byte{}, err
	}
	if cipherName != "none" {
		return [32]byte{}, fmt.Errorf("keys: encrypted OpenSSH keys are not supported")
	}
	if _, err := r.readString(); err != nil { // kdfname
		return [32]byte{}, err
	}
	if _, err := r.readString(); err != nil { // kdfoptions
		return [32]byte{}, err
	}
	numKeys, err := r.readUint32()
	if err != nil {
		return [32]byte{}, err
	}
	if numKeys != 1 {
		return [32]byte{}, fmt.Errorf("keys: only single-key OpenSSH files are supported")
	}
	if _, err := r.readString(); err != nil { // public key blob
		return [32]byte{}, err
	}
	privSection, err := r.readString()
	if err != nil {
		return [32]byte{}, err
	}

	pr := &byteReader{b: []byte(privSection)}
	if _, err := pr.readUint32(); err != nil { // checkint1
		return [32]byte{}, err
	}
	if _, err := pr.readUint32(); err != nil { // checkint2
		return [32]byte{}, err
	}
	keyType, err := pr.readString()
	if err != nil {
		return [32]byte{}, err
	}
	if keyType != "ssh-ed25519" {
		return [32]byte{}, fmt.Errorf("keys: unsupported OpenSSH key type %q", keyType)
	}
	if _, err := pr.readString(); err != nil { // public key bytes
		return [32]byte{}, err
	}
	privAndPub, err := pr.readString()
	if err != nil {
		return [32]byte{}, err
	}
	if len(privAndPub) != 64 {
		return [32]byte{}, fmt.Errorf("keys: unexpected ed25519 private section length %d", len(privAndPub))
	}
	var seed [32]byte
	copy(seed[:], privAndPub[:32])
	return seed, nil
}

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) readUint32() (uint32, error) {
	if r.pos+4 > len(r.b) {
		return 0, fmt.Errorf("keys: truncated OpenSSH blob")
	}
	v := uint32(r.b[r.pos])<<24 | uint32(r.b[r.pos+1])<<16 | uint32(r.b[r.pos+2])<<8 | uint32(r.b[r.pos+3])
	r.pos += 4
	return v, nil
}

func (r *byteReader) readString() (string, error) {
	n, err := r.readUint32()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.b) {
		return "", fmt.Errorf("keys: truncated OpenSSH blob field")
	}
	s := string(r.b[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// ParseAuthorizedKeysLine parses a single authorized_keys-format line:
// "ssh-ed25519 <base64-blob> <comment>".
func ParseAuthorizedKeysLine(line string) (Key, string, error) {
	pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return Key{}, "", fmt.Errorf("keys: parse authorized_keys line: %w", err)
	}
	if pub.Type() != ssh.KeyAlgoED25519 {
		return Key{}, "", fmt.Errorf("keys: only ssh-ed25519 authorized_keys entries are supported")
	}
	cpk, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return Key{}, "", fmt.Errorf("keys: unexpected public key implementation")
	}
	edPub, ok := cpk.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return Key{}, "", fmt.Errorf("keys: unexpected public key type")
	}
	k, err := pcrypto.Ed25519PublicFromBytes(edPub)
	if err != nil {
		return Key{}, "", err
	}
	return NewEd25519Public(k), comment, nil
}
