// Package identity holds the node keypair and signs and verifies probe results.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// KeyFileName is the default name of the seed file inside the node data directory.
const KeyFileName = "node.key"

// Identity is the long-lived keypair of this node. It is never rotated while running.
type Identity struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	peerID  string
}

// New wraps an existing private key.
func New(private ed25519.PrivateKey) (*Identity, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length %d", len(private))
	}
	public, ok := private.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("derive public key")
	}
	return &Identity{
		private: private,
		public:  public,
		peerID:  hex.EncodeToString(public),
	}, nil
}

// Generate creates a fresh identity from the system random source.
func Generate() (*Identity, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return New(private)
}

// Load reads a 32 byte seed file.
func Load(path string) (*Identity, error) {
	seed, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read key file %q: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid key file %q: expected %d bytes, got %d", path, ed25519.SeedSize, len(seed))
	}
	return New(ed25519.NewKeyFromSeed(seed))
}

// Save writes the identity seed with owner-only permissions.
func (id *Identity) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("ensure key dir %q: %w", dir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, id.private.Seed(), 0o600); err != nil {
		return fmt.Errorf("write temp key file %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit key file %q: %w", path, err)
	}
	return nil
}

// LoadOrGenerate loads the identity at path, creating and persisting a new one when the
// file does not exist yet. The boolean reports whether a new key was generated.
func LoadOrGenerate(path string) (*Identity, bool, error) {
	id, err := Load(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	id, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := id.Save(path); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// PeerID is the hex encoded public key, which doubles as the node's network identity.
func (id *Identity) PeerID() string {
	return id.peerID
}

// PublicKey returns a copy of the raw public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), id.public...)
}

// Sign signs an arbitrary canonical payload.
func (id *Identity) Sign(payload []byte) []byte {
	return ed25519.Sign(id.private, payload)
}

// ParsePeerID decodes a peer ID back into the public key it names.
func ParsePeerID(peerID string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(peerID)
	if err != nil {
		return nil, fmt.Errorf("decode peer id: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("peer id must encode %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
