package identity

import (
	"bytes"
	"crypto/ed25519"
	"slices"
	"sync"

	"github.com/raskyld/noodlenet/pkg/mesh"
)

// Directory maps node ids to public keys learned from handshakes and signed
// announces. Keys are only accepted when they derive to the claimed id, so a
// Directory never needs to trust who told it about a key.
type Directory struct {
	keys map[mesh.NodeID]ed25519.PublicKey
	lk   sync.RWMutex
}

func NewDirectory(self *Identity) *Directory {
	dir := &Directory{
		keys: make(map[mesh.NodeID]ed25519.PublicKey),
	}
	if self != nil {
		dir.keys[self.ID()] = self.PublicKey()
	}
	return dir
}

// Learn records pub for id.
func (dir *Directory) Learn(id mesh.NodeID, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrNotEd25519Key
	}
	if DeriveNodeID(pub) != id {
		return ErrIDMismatch
	}

	dir.lk.Lock()
	defer dir.lk.Unlock()
	if known, ok := dir.keys[id]; ok {
		// Ids are digests of keys so this only happens on a digest collision.
		if !bytes.Equal(known, pub) {
			return ErrKeyConflict
		}
		return nil
	}
	dir.keys[id] = slices.Clone(pub)
	return nil
}

func (dir *Directory) PublicKey(id mesh.NodeID) (ed25519.PublicKey, bool) {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	pub, ok := dir.keys[id]
	return pub, ok
}

// Verify checks that signature was produced over payload by node id.
// Unknown nodes never verify.
func (dir *Directory) Verify(payload, signature []byte, id mesh.NodeID) bool {
	pub, ok := dir.PublicKey(id)
	if !ok {
		return false
	}
	return VerifyKey(pub, payload, signature)
}

func (dir *Directory) Forget(id mesh.NodeID) {
	dir.lk.Lock()
	defer dir.lk.Unlock()
	delete(dir.keys, id)
}

func (dir *Directory) Len() int {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	return len(dir.keys)
}
