package peering

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/uppehq/node/internal/identity"
)

const (
	HeaderPeerID    = "X-Uppe-Peer-Id"
	HeaderSignature = "X-Uppe-Signature"

	// MaxBodyBytes bounds every peer request body.
	MaxBodyBytes = 4 << 20
)

var (
	ErrMissingSignature = errors.New("request is not signed")
	ErrBodyTooLarge     = errors.New("request body too large")
)

// Signer signs outbound peer requests. *identity.Identity satisfies it.
type Signer interface {
	PeerID() string
	SignMessage(kind string, body []byte) []byte
}

var _ Signer = (*identity.Identity)(nil)

// signRequest attaches the sender's peer id and a signature over the request path and body.
func signRequest(req *http.Request, signer Signer, body []byte) {
	req.Header.Set(HeaderPeerID, signer.PeerID())
	sig := signer.SignMessage(req.URL.Path, body)
	req.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
}

// ReadSigned reads a peer request body and verifies it against the sender named in the
// peer id header. The signature covers the request path, so a body signed for one
// endpoint is refused by every other.
func ReadSigned(v identity.Verifier, r *http.Request) (string, []byte, error) {
	body, err := ReadBody(r)
	if err != nil {
		return "", nil, err
	}
	peerID := strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderPeerID)))
	encoded := r.Header.Get(HeaderSignature)
	if peerID == "" || encoded == "" {
		return "", nil, ErrMissingSignature
	}
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("decode signature: %w", err)
	}
	if err := identity.VerifyMessage(v, r.URL.Path, body, sig, peerID); err != nil {
		return "", nil, err
	}
	return peerID, body, nil
}

// ReadBody reads at most MaxBodyBytes of a request body.
func ReadBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}
