// Package trust verifies admin-signed monitor manifests before they are imported.
package trust

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	minisign "github.com/jedisct1/go-minisign"
	"gopkg.in/yaml.v3"

	"github.com/uppehq/node/pkg/types"
)

// SignatureSuffix is appended to a manifest path to find its detached signature.
const SignatureSuffix = ".minisig"

var ErrUntrusted = errors.New("manifest signature verification failed")

// Manifest is a YAML list of monitors distributed by an operator.
type Manifest struct {
	Version  int             `yaml:"version"`
	IssuedAt time.Time       `yaml:"issued_at"`
	Monitors []types.Monitor `yaml:"monitors"`
}

// Verifier checks manifests against a trusted Minisign public key.
type Verifier struct {
	publicKey minisign.PublicKey
}

// NewVerifier parses a Minisign public key, with or without its comment line.
func NewVerifier(pubKey string) (*Verifier, error) {
	pubKey = strings.TrimSpace(pubKey)
	if pubKey == "" {
		return nil, errors.New("minisign public key is required")
	}
	var (
		publicKey minisign.PublicKey
		err       error
	)
	if strings.Contains(pubKey, "\n") {
		publicKey, err = minisign.DecodePublicKey(pubKey)
	} else {
		publicKey, err = minisign.NewPublicKey(pubKey)
	}
	if err != nil {
		return nil, fmt.Errorf("parse minisign public key: %w", err)
	}
	return &Verifier{publicKey: publicKey}, nil
}

// Verify checks a detached signature over data and decodes the manifest.
func (v *Verifier) Verify(ctx context.Context, data, signature []byte) (Manifest, error) {
	if v == nil {
		return Manifest{}, errors.New("manifest verifier not configured")
	}
	if err := ctx.Err(); err != nil {
		return Manifest{}, err
	}
	sig, err := minisign.DecodeSignature(string(signature))
	if err != nil {
		return Manifest{}, fmt.Errorf("decode signature: %w", err)
	}
	ok, err := v.publicKey.Verify(data, sig)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrUntrusted, err)
	}
	if !ok {
		return Manifest{}, ErrUntrusted
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != 0 && m.Version != 1 {
		return Manifest{}, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	return m, nil
}

// VerifyFile reads a manifest and its detached signature from disk. An empty
// signaturePath means the manifest path plus SignatureSuffix.
func (v *Verifier) VerifyFile(ctx context.Context, path, signaturePath string) (Manifest, error) {
	if strings.TrimSpace(path) == "" {
		return Manifest{}, errors.New("manifest path is required")
	}
	if signaturePath == "" {
		signaturePath = path + SignatureSuffix
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest %q: %w", path, err)
	}
	sig, err := os.ReadFile(signaturePath)
	if err != nil {
		return Manifest{}, fmt.Errorf("read signature %q: %w", signaturePath, err)
	}
	return v.Verify(ctx, data, sig)
}
