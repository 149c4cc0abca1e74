package core

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// retainedState is a ledger state together with the set of live GCRoots
// currently pinning it in the multiverse.
type retainedState struct {
	state LedgerState
	roots map[uuid.UUID]struct{}
}

// Multiverse maps block hashes to live ledger states, across every
// competing fork, with reference-counted retention: a state survives as
// long as at least one GCRoot to it is alive, or it is an ancestor (via the
// block store's parent links) of some other retained state.
type Multiverse struct {
	mu     sync.RWMutex
	states map[HeaderHash]*retainedState
	owners map[uuid.UUID]HeaderHash
	logger *logrus.Logger
}

// NewMultiverse constructs an empty multiverse.
func NewMultiverse(logger *logrus.Logger) *Multiverse {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Multiverse{
		states: make(map[HeaderHash]*retainedState),
		owners: make(map[uuid.UUID]HeaderHash),
		logger: logger,
	}
}

// Add inserts or re-pins (hash, state) and returns a handle whose lifetime
// retains it. Adding an already-present hash bumps its refcount rather than
// overwriting the state, so the first writer for a hash wins.
func (m *Multiverse) Add(hash HeaderHash, state LedgerState) GCRoot {
	m.mu.Lock()
	defer m.mu.Unlock()

	root := newGCRoot()
	entry, ok := m.states[hash]
	if !ok {
		entry = &retainedState{state: state, roots: make(map[uuid.UUID]struct{})}
		m.states[hash] = entry
	}
	entry.roots[root.id] = struct{}{}
	m.owners[root.id] = hash
	return root
}

// Get returns the state for hash, or false if it was never inserted or has
// since been evicted.
func (m *Multiverse) Get(hash HeaderHash) (LedgerState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.states[hash]
	if !ok {
		return LedgerState{}, false
	}
	return entry.state, true
}

// Release drops root's hold. It does not evict immediately; eviction
// happens at the next GC pass. Releasing an unknown or already-released
// root is a logged no-op, not a panic — callers holding a stale token (e.g.
// after a GC already collapsed it) must stay safe.
func (m *Multiverse) Release(root GCRoot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash, ok := m.owners[root.id]
	if !ok {
		m.logger.WithField("root", root.String()).Warn("multiverse: release of unknown or already-released root")
		return
	}
	delete(m.owners, root.id)
	if entry, ok := m.states[hash]; ok {
		delete(entry.roots, root.id)
	}
}

// GC removes every (hash, state) whose GCRoot count is zero and that is not
// an ancestor, via the block store's parent links, of any retained state.
// It holds only a read lock while scanning and a write lock while deleting,
// so it does not block readers for its duration, only writers briefly.
func (m *Multiverse) GC(store BlockStore) {
	m.mu.RLock()
	retained := make([]HeaderHash, 0, len(m.states))
	candidates := make([]HeaderHash, 0)
	for h, entry := range m.states {
		if len(entry.roots) > 0 {
			retained = append(retained, h)
		} else {
			candidates = append(candidates, h)
		}
	}
	m.mu.RUnlock()

	if len(candidates) == 0 {
		return
	}

	reachable := make(map[HeaderHash]struct{}, len(retained)*2)
	for _, h := range retained {
		cur := h
		for {
			if _, seen := reachable[cur]; seen {
				break
			}
			reachable[cur] = struct{}{}
			info, err := store.GetBlockInfo(cur)
			if err != nil || info.ChainLength <= 1 {
				break
			}
			cur = info.ParentHash
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for _, h := range candidates {
		entry, ok := m.states[h]
		if !ok || len(entry.roots) > 0 {
			continue // re-pinned since the scan
		}
		if _, keep := reachable[h]; keep {
			continue
		}
		delete(m.states, h)
		evicted++
	}
	if evicted > 0 {
		m.logger.WithField("evicted", evicted).Debug("multiverse: gc pass complete")
	}
}

// Len reports the number of retained states, for tests and diagnostics.
func (m *Multiverse) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
