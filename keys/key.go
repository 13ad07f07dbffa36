// Package keys implements a typed key container and certificate model: a
// tagged Key sum type, certificate issuance and verification, and
// OpenSSH/authorized_keys file format loading.
package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	"github.com/relaymesh/p2ptransport/pcrypto"
)

// Tag identifies which variant a Key holds.
type Tag int

const (
	TagRSAPublic Tag = iota
	TagRSAPrivate
	TagEd25519Public
	TagEd25519Private
	TagX25519Public
	TagX25519Private
)

// Key is a tagged union over the supported key types. Only one of the
// typed fields is meaningful, selected by Tag. Keys are immutable after
// construction: callers never get a mutable handle to the underlying
// bytes.
type Key struct {
	tag        Tag
	rsaPub     *rsa.PublicKey
	rsaPriv    *rsa.PrivateKey
	ed25519Pub pcrypto.Ed25519Public
	ed25519Pv  pcrypto.Ed25519Private
	x25519Pub  pcrypto.X25519Public
	x25519Pv   pcrypto.X25519Private
}

func (k Key) Tag() Tag { return k.tag }

func NewEd25519Public(pub pcrypto.Ed25519Public) Key {
	return Key{tag: TagEd25519Public, ed25519Pub: pub}
}

func NewEd25519Private(priv pcrypto.Ed25519Private) Key {
	return Key{tag: TagEd25519Private, ed25519Pv: priv}
}

func NewX25519Public(pub pcrypto.X25519Public) Key {
	return Key{tag: TagX25519Public, x25519Pub: pub}
}

func NewX25519Private(priv pcrypto.X25519Private) Key {
	return Key{tag: TagX25519Private, x25519Pv: priv}
}

func NewRSAPublic(pub *rsa.PublicKey) Key { return Key{tag: TagRSAPublic, rsaPub: pub} }

func NewRSAPrivate(priv *rsa.PrivateKey) Key { return Key{tag: TagRSAPrivate, rsaPriv: priv} }

// Ed25519Public returns the held Ed25519 public key; ok is false if the
// tag does not match.
func (k Key) Ed25519Public() (pcrypto.Ed25519Public, bool) {
	if k.tag == TagEd25519Public {
		return k.ed25519Pub, true
	}
	if k.tag == TagEd25519Private {
		return k.ed25519Pv.Public(), true
	}
	return pcrypto.Ed25519Public{}, false
}

func (k Key) Ed25519Private() (pcrypto.Ed25519Private, bool) {
	if k.tag != TagEd25519Private {
		return pcrypto.Ed25519Private{}, false
	}
	return k.ed25519Pv, true
}

func (k Key) X25519Public() (pcrypto.X25519Public, bool) {
	if k.tag == TagX25519Public {
		return k.x25519Pub, true
	}
	if k.tag == TagX25519Private {
		pub, err := pcrypto.PublicFromPrivate(k.x25519Pv)
		if err != nil {
			return pcrypto.X25519Public{}, false
		}
		return pub, true
	}
	return pcrypto.X25519Public{}, false
}

func (k Key) X25519Private() (pcrypto.X25519Private, bool) {
	if k.tag != TagX25519Private {
		return pcrypto.X25519Private{}, false
	}
	return k.x25519Pv, true
}

func (k Key) RSAPublic() (*rsa.PublicKey, bool) {
	if k.tag == TagRSAPublic {
		return k.rsaPub, true
	}
	if k.tag == TagRSAPrivate {
		return &k.rsaPriv.PublicKey, true
	}
	return nil, false
}

// IsValid checks the per-tag validity invariant: a valid 25519 key is
// exactly 32 raw bytes (guaranteed by the fixed-size arrays used
// throughout pcrypto). An Ed25519 private key is valid iff regenerating
// the public half from its seed reproduces the cached public half. Key
// holds no cached public half for an X25519 private key, so for that tag
// validity only means that a public half can be derived.
func (k Key) IsValid() bool {
	switch k.tag {
	case TagEd25519Private:
		_, regenerated := pcrypto.Ed25519FromSeed(k.ed25519Pv.Seed())
		return regenerated.Equal(k.ed25519Pv.Public())
	case TagX25519Private:
		_, err := pcrypto.PublicFromPrivate(k.x25519Pv)
		return err == nil
	case TagRSAPrivate:
		return k.rsaPriv != nil && k.rsaPriv.Validate() == nil
	case TagRSAPublic:
		return k.rsaPub != nil
	case TagEd25519Public, TagX25519Public:
		return true
	default:
		return false
	}
}

// ParsePKCS8RSA parses an RSA private key from a PKCS#8 DER block.
func ParsePKCS8RSA(der []byte) (Key, error) {
	priv, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return Key{}, fmt.Errorf("keys: PKCS8 parse: %w", err)
	}
	rsaPriv, ok := priv.(*rsa.PrivateKey)
	if !ok {
		return Key{}, fmt.Errorf("keys: PKCS8 key is not RSA")
	}
	return NewRSAPrivate(rsaPriv), nil
}
