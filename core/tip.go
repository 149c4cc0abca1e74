package core

import (
	"fmt"
	"sync"

	"chainkernel/pkg/chainerr"
)

// Tip is the single mutable pointer to the current best block. It is
// protected by the owning Blockchain's coarse lock; the methods here assume
// the caller already holds it and exist only to centralize the invariant
// checks around replacement.
type Tip struct {
	mu      sync.RWMutex
	current *BlockInfo
}

// NewTip constructs an unset tip.
func NewTip() *Tip {
	return &Tip{}
}

// Hash returns the current tip's hash, or an error wrapping ErrTipGet if no
// tip has ever been installed.
func (t *Tip) Hash() (HeaderHash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return HeaderHash{}, fmt.Errorf("%w", chainerr.ErrTipGet)
	}
	return t.current.Hash, nil
}

// Info returns the current tip's full BlockInfo.
func (t *Tip) Info() (BlockInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return BlockInfo{}, fmt.Errorf("%w", chainerr.ErrTipGet)
	}
	return *t.current, nil
}

// Set installs info unconditionally. Used only at genesis and during crash
// recovery, where there is no prior tip to validate against.
func (t *Tip) Set(info BlockInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := info
	t.current = &cp
}

// ReplaceWith installs candidate as the new tip, enforcing that it is
// actually an improvement: either a direct child of the current tip
// (extension) or a fork whose chain length strictly exceeds the current
// tip's (reorg by strictly-greater length). Anything else — including a
// tie, which keeps the incumbent per the "first installed wins" rule — is
// rejected with ErrTipReplace, signalling a bug upstream (the pipeline only
// calls ReplaceWith for a candidate longer than the current tip).
func (t *Tip) ReplaceWith(candidate BlockInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		cp := candidate
		t.current = &cp
		return nil
	}

	switch {
	case candidate.ParentHash == t.current.Hash:
		// direct extension of the current tip
	case candidate.ChainLength > t.current.ChainLength:
		// strictly longer fork: reorg
	default:
		return fmt.Errorf("%w: candidate length %d does not exceed tip length %d and is not a direct child",
			chainerr.ErrTipReplace, candidate.ChainLength, t.current.ChainLength)
	}

	cp := candidate
	t.current = &cp
	return nil
}
