// Package identity manages the cryptographic identity of a node.
//
// A node is identified by an ed25519 key pair. Its [mesh.NodeID] is derived
// from the public key so any peer can check that a claimed id matches the
// key that signed a message, without a central registry.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/raskyld/noodlenet/pkg/mesh"
)

const pemBlockType = "PRIVATE KEY"

// nodeIDBytes is how many bytes of the public key digest make up a node id.
const nodeIDBytes = 16

var (
	ErrIdentity      = errors.New("identity: invalid key material")
	ErrIDMismatch    = errors.New("identity: node id does not match public key")
	ErrUnknownNode   = errors.New("identity: unknown node")
	ErrKeyConflict   = errors.New("identity: node already known with another key")
	ErrNotEd25519Key = errors.New("identity: key is not ed25519")
)

// IdentityError reports missing or corrupt key material. It is fatal for the
// local node.
type IdentityError struct {
	Op   string
	Path string
	Err  error
}

func (e *IdentityError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("identity: %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("identity: %s %s: %s", e.Op, e.Path, e.Err)
}

func (e *IdentityError) Unwrap() error {
	return e.Err
}

func (e *IdentityError) Is(target error) bool {
	return target == ErrIdentity
}

// Identity is immutable after creation.
type Identity struct {
	id        mesh.NodeID
	public    ed25519.PublicKey
	private   ed25519.PrivateKey
	createdAt time.Time
}

// Public is the shareable part of an Identity.
type Public struct {
	ID        mesh.NodeID
	PublicKey ed25519.PublicKey
	CreatedAt time.Time
}

// DeriveNodeID computes the node id owned by pub.
func DeriveNodeID(pub ed25519.PublicKey) mesh.NodeID {
	sum := sha256.Sum256(pub)
	return mesh.NodeID(hex.EncodeToString(sum[:nodeIDBytes]))
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, &IdentityError{Op: "generate", Err: err}
	}
	return &Identity{
		id:        DeriveNodeID(pub),
		public:    pub,
		private:   priv,
		createdAt: time.Now(),
	}, nil
}

// FromPrivateKey rebuilds an identity from existing key material.
func FromPrivateKey(priv ed25519.PrivateKey, createdAt time.Time) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, &IdentityError{Op: "load", Err: fmt.Errorf("private key has %d bytes", len(priv))}
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, &IdentityError{Op: "load", Err: ErrNotEd25519Key}
	}
	return &Identity{
		id:        DeriveNodeID(pub),
		public:    pub,
		private:   priv,
		createdAt: createdAt,
	}, nil
}

// Load reads a PKCS#8 PEM encoded ed25519 private key.
func Load(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &IdentityError{Op: "load", Path: path, Err: err}
	}

	block, _ := pem.Decode(raw)
	if block == nil || block.Type != pemBlockType {
		return nil, &IdentityError{Op: "load", Path: path, Err: errors.New("no PEM private key block")}
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, &IdentityError{Op: "load", Path: path, Err: err}
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, &IdentityError{Op: "load", Path: path, Err: ErrNotEd25519Key}
	}

	createdAt := time.Now()
	if st, err := os.Stat(path); err == nil {
		createdAt = st.ModTime()
	}

	ident, err := FromPrivateKey(priv, createdAt)
	if err != nil {
		var ierr *IdentityError
		if errors.As(err, &ierr) {
			ierr.Path = path
		}
		return nil, err
	}
	return ident, nil
}

// Save writes the private key with owner-only permissions.
func (ident *Identity) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(ident.private)
	if err != nil {
		return &IdentityError{Op: "save", Path: path, Err: err}
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return &IdentityError{Op: "save", Path: path, Err: err}
		}
	}

	buf := pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der})
	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return &IdentityError{Op: "save", Path: path, Err: err}
	}
	return nil
}

// LoadOrGenerate loads the key at path, creating and persisting a new one if
// the file does not exist. A file that exists but cannot be parsed is an
// error: a node must never silently change identity.
func LoadOrGenerate(path string) (*Identity, error) {
	if path == "" {
		return Generate()
	}

	ident, err := Load(path)
	if err == nil {
		return ident, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	ident, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := ident.Save(path); err != nil {
		return nil, err
	}
	return ident, nil
}

func (ident *Identity) ID() mesh.NodeID {
	return ident.id
}

func (ident *Identity) PublicKey() ed25519.PublicKey {
	return ident.public
}

func (ident *Identity) PrivateKey() ed25519.PrivateKey {
	return ident.private
}

func (ident *Identity) CreatedAt() time.Time {
	return ident.createdAt
}

func (ident *Identity) Public() Public {
	return Public{
		ID:        ident.id,
		PublicKey: ident.public,
		CreatedAt: ident.createdAt,
	}
}

// Sign signs payload with the node private key.
func (ident *Identity) Sign(payload []byte) []byte {
	return ed25519.Sign(ident.private, payload)
}

// VerifyKey checks a signature against a known public key.
func VerifyKey(pub ed25519.PublicKey, payload, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, payload, signature)
}
