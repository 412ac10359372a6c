package security

import (
	"sync"
	"time"
)

// RevocationList remembers revoked capability ids until the capability
// would have expired anyway.
type RevocationList struct {
	entries map[string]time.Time
	lk      sync.RWMutex
}

func NewRevocationList() *RevocationList {
	return &RevocationList{entries: make(map[string]time.Time)}
}

// Add returns false if id was already revoked.
func (rl *RevocationList) Add(id string, expiry time.Time) bool {
	rl.lk.Lock()
	defer rl.lk.Unlock()
	if _, ok := rl.entries[id]; ok {
		return false
	}
	rl.entries[id] = expiry
	return true
}

func (rl *RevocationList) IsRevoked(id string) bool {
	rl.lk.RLock()
	defer rl.lk.RUnlock()
	_, ok := rl.entries[id]
	return ok
}

// Prune drops entries expired at now and returns how many were dropped.
func (rl *RevocationList) Prune(now time.Time) int {
	rl.lk.Lock()
	defer rl.lk.Unlock()
	n := 0
	for id, expiry := range rl.entries {
		if !now.Before(expiry) {
			delete(rl.entries, id)
			n++
		}
	}
	return n
}

func (rl *RevocationList) Len() int {
	rl.lk.RLock()
	defer rl.lk.RUnlock()
	return len(rl.entries)
}
