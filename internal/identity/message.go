package identity

import (
	"crypto/sha256"
	"errors"
)

const messageDomain = "uppe/msg/v1/"

// ErrBadMessageSignature is returned when a control message fails verification.
var ErrBadMessageSignature = errors.New("message signature verification failed")

// messagePayload binds a digest of body to a message kind so a signature over one
// kind of message never verifies as another.
func messagePayload(kind string, body []byte) []byte {
	sum := sha256.Sum256(body)
	payload := make([]byte, 0, len(messageDomain)+len(kind)+1+len(sum))
	payload = append(payload, messageDomain...)
	payload = append(payload, kind...)
	payload = append(payload, 0)
	return append(payload, sum[:]...)
}

// SignMessage signs a control message body such as a heartbeat or an announcement.
func (id *Identity) SignMessage(kind string, body []byte) []byte {
	return id.Sign(messagePayload(kind, body))
}

// VerifyMessage checks a control message signature against peerID.
func VerifyMessage(v Verifier, kind string, body, signature []byte, peerID string) error {
	if len(signature) == 0 {
		return ErrUnsigned
	}
	if !v.Verify(messagePayload(kind, body), signature, peerID) {
		return ErrBadMessageSignature
	}
	return nil
}
