// Package errs defines a small error taxonomy: Local, Crypto, Network,
// Protocol, and PeerReported errors, each carrying a stable Code so
// callers (and the status-changed callback) can switch on kind without
// string matching.
package errs

import "fmt"

// Kind is the top-level error taxonomy.
type Kind int

const (
	KindLocal Kind = iota
	KindCrypto
	KindNetwork
	KindProtocol
	KindPeerReported
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindCrypto:
		return "crypto"
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindPeerReported:
		return "peer-reported"
	default:
		return "unknown"
	}
}

// Code enumerates the specific error conditions a connection can report.
type Code int

const (
	_ Code = iota

	// Local
	CodeInvalidConfig
	CodeOutOfResources
	CodeMisuseOfAPI
	CodeCryptoSelfCheckFailed

	// Crypto
	CodeCertInvalid
	CodeCertExpired
	CodeCertAuthUnknown
	CodeKeyMismatch
	CodeAEADFailure

	// Network
	CodeTimeoutNoConnection
	CodeTimeoutInactive
	CodeRefused
	CodeSocketError

	// Protocol
	CodeBadPacket

	// Peer-reported
	CodeClosedByPeer
)

var kindOf = map[Code]Kind{
	CodeInvalidConfig:         KindLocal,
	CodeOutOfResources:        KindLocal,
	CodeMisuseOfAPI:           KindLocal,
	CodeCryptoSelfCheckFailed: KindLocal,

	CodeCertInvalid:     KindCrypto,
	CodeCertExpired:     KindCrypto,
	CodeCertAuthUnknown: KindCrypto,
	CodeKeyMismatch:     KindCrypto,
	CodeAEADFailure:     KindCrypto,

	CodeTimeoutNoConnection: KindNetwork,
	CodeTimeoutInactive:     KindNetwork,
	CodeRefused:             KindNetwork,
	CodeSocketError:         KindNetwork,

	CodeBadPacket: KindProtocol,

	CodeClosedByPeer: KindPeerReported,
}

func (c Code) String() string {
	names := map[Code]string{
		CodeInvalidConfig:         "InvalidConfig",
		CodeOutOfResources:        "OutOfResources",
		CodeMisuseOfAPI:           "MisuseOfAPI",
		CodeCryptoSelfCheckFailed: "CryptoSelfCheckFailed",
		CodeCertInvalid:           "CertInvalid",
		CodeCertExpired:           "CertExpired",
		CodeCertAuthUnknown:       "CertAuthUnknown",
		CodeKeyMismatch:           "KeyMismatch",
		CodeAEADFailure:           "AEADFailure",
		CodeTimeoutNoConnection:   "Timeout_NoConnection",
		CodeTimeoutInactive:       "Timeout_Inactive",
		CodeRefused:               "Refused",
		CodeSocketError:           "SocketError",
		CodeBadPacket:             "BadPacket",
		CodeClosedByPeer:          "ClosedByPeer",
	}
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Kind returns the taxonomy kind for a code.
func (c Code) Kind() Kind { return kindOf[c] }

// Error is the concrete error type carried across the library. Subcode is
// a component-specific refinement (e.g. which cert field failed to
// validate); Reason/Debug are populated for PeerReported errors, mirroring
// ConnectionClosed{reason_code, debug} on the wire.
type Error struct {
	Code    Code
	Subcode string
	Reason  uint32
	Debug   string
	Err     error
}

func (e *Error) Error() string {
	s := e.Code.String()
	if e.Subcode != "" {
		s += "/" + e.Subcode
	}
	if e.Code == CodeClosedByPeer {
		s += fmt.Sprintf(" (reason=%d debug=%q)", e.Reason, e.Debug)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is comparisons against a bare Code sentinel created
// with New(code, "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New builds a new *Error with the given code and optional wrapped cause.
func New(code Code, subcode string, cause error) *Error {
	return &Error{Code: code, Subcode: subcode, Err: cause}
}

// PeerClosed builds a PeerReported ClosedByPeer error as carried in an
// inbound ConnectionClosed message.
func PeerClosed(reason uint32, debug string) *Error {
	return &Error{Code: CodeClosedByPeer, Reason: reason, Debug: debug}
}

// Fatal reports whether an error kind always transitions the connection to
// ProblemDetectedLocally (Crypto and Network kinds are fatal; Protocol and
// BadPacket never are; Local errors are synchronous and never change
// connection state on their own).
func Fatal(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	switch e.Code.Kind() {
	case KindCrypto, KindNetwork:
		return true
	default:
		return false
	}
}
