package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"

	"github.com/uppehq/node/pkg/types"
)

// payloadDomain prefixes every signed result so the signature cannot be replayed as
// some other message type.
const payloadDomain = "uppe/result/v1"

// ErrUnsigned is returned when a result carries no signature.
var ErrUnsigned = errors.New("result is not signed")

// Verifier checks signatures produced by any peer.
type Verifier interface {
	Verify(payload, signature []byte, peerID string) bool
}

// CanonicalPayload encodes the signed fields of a result in a fixed order. Each field is
// a presence byte followed, when present, by a big-endian uint32 length and the value.
// Integers are encoded as 8 byte big-endian two's complement; the timestamp is Unix
// nanoseconds. An empty error message is encoded as absent.
func CanonicalPayload(r types.Result) []byte {
	var buf bytes.Buffer
	buf.WriteString(payloadDomain)
	writeString(&buf, r.MonitorUUID)
	writeInt(&buf, r.Timestamp.UnixNano())
	writeString(&buf, string(r.Status))
	if r.LatencyMs != nil {
		writeInt(&buf, *r.LatencyMs)
	} else {
		writeAbsent(&buf)
	}
	if r.StatusCode != nil {
		writeInt(&buf, int64(*r.StatusCode))
	} else {
		writeAbsent(&buf)
	}
	if r.ErrorMessage != "" {
		writeString(&buf, r.ErrorMessage)
	} else {
		writeAbsent(&buf)
	}
	writeString(&buf, r.PeerID)
	return buf.Bytes()
}

// SignResult stamps the identity's peer ID onto r and signs it in place.
func (id *Identity) SignResult(r *types.Result) {
	r.PeerID = id.peerID
	r.Signature = id.Sign(CanonicalPayload(*r))
}

// Ed25519Verifier verifies signatures against the public key encoded in the peer ID.
type Ed25519Verifier struct{}

// Verify never panics on malformed input; any decoding problem is a failed verification.
func (Ed25519Verifier) Verify(payload, signature []byte, peerID string) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	pub, err := ParsePeerID(peerID)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, payload, signature)
}

// Verify lets an Identity check signatures as well as produce them.
func (id *Identity) Verify(payload, signature []byte, peerID string) bool {
	return Ed25519Verifier{}.Verify(payload, signature, peerID)
}

// VerifyResult checks r's signature against its own PeerID.
func VerifyResult(v Verifier, r types.Result) error {
	if len(r.Signature) == 0 {
		return ErrUnsigned
	}
	if !v.Verify(CanonicalPayload(r), r.Signature, r.PeerID) {
		return errors.New("signature verification failed")
	}
	return nil
}

func writeAbsent(buf *bytes.Buffer) {
	buf.WriteByte(0)
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte(1)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

func writeInt(buf *bytes.Buffer, v int64) {
	buf.WriteByte(1)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], 8)
	buf.Write(n[:])
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}
