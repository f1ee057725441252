package spend

import "sync"

// KnownSpendSet is the local-only record of unvault txids this process's
// own SpendCoordinator has put in flight. The chain watcher consults it to
// tell an authorized unvault apart from an unauthorized one (spec.md §4.8
// step 3). Per the Open Question resolution in spec.md §9, this set is
// process-local state, never published through the signature-exchange
// server: a restarted process simply treats any unvault it doesn't
// recognize as unauthorized and cancels it, which is always safe (at
// worst a legitimate but forgotten spend gets revoked and must be
// re-initiated).
type KnownSpendSet struct {
	mu    sync.Mutex
	txids map[string]struct{}
}

// NewKnownSpendSet returns an empty set.
func NewKnownSpendSet() *KnownSpendSet {
	return &KnownSpendSet{txids: make(map[string]struct{})}
}

// Add records txid as an authorized in-flight unvault.
func (k *KnownSpendSet) Add(txid string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.txids[txid] = struct{}{}
}

// Contains implements chainwatcher.KnownSpends.
func (k *KnownSpendSet) Contains(txid string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.txids[txid]
	return ok
}
