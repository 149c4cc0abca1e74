package core

import "sync"

// OrphanBuffer holds blocks admitted before their parent, keyed by the
// missing parent hash so a later arrival of that parent can reclaim every
// child waiting on it in one lookup. HandleBlock only adds to it and never
// calls Take; the caller (an operator-driven promotion loop) is responsible
// for calling Take after admitting a block whose hash other orphans might be
// waiting on.
type OrphanBuffer struct {
	mu       sync.Mutex
	byParent map[HeaderHash]map[HeaderHash]*Block
	count    int
}

// NewOrphanBuffer constructs an empty buffer.
func NewOrphanBuffer() *OrphanBuffer {
	return &OrphanBuffer{byParent: make(map[HeaderHash]map[HeaderHash]*Block)}
}

// Add stashes block under its parent's hash. Re-adding a hash already
// present is a no-op; the first copy received wins.
func (o *OrphanBuffer) Add(block *Block) {
	o.mu.Lock()
	defer o.mu.Unlock()

	parent := block.Header.ParentHash
	children, ok := o.byParent[parent]
	if !ok {
		children = make(map[HeaderHash]*Block)
		o.byParent[parent] = children
	}
	hash := block.Hash()
	if _, exists := children[hash]; exists {
		return
	}
	children[hash] = block
	o.count++
}

// Take removes and returns every orphan directly waiting on parentHash.
// Callers typically feed each returned block back through HandleBlock and,
// once one is admitted, call Take again with its hash to reach the orphans
// waiting on it in turn.
func (o *OrphanBuffer) Take(parentHash HeaderHash) []*Block {
	o.mu.Lock()
	defer o.mu.Unlock()

	children, ok := o.byParent[parentHash]
	if !ok || len(children) == 0 {
		return nil
	}
	out := make([]*Block, 0, len(children))
	for _, b := range children {
		out = append(out, b)
	}
	delete(o.byParent, parentHash)
	o.count -= len(out)
	return out
}

// Prune discards every orphan whose chain length does not exceed belowLength,
// under the assumption that such a block can no longer be of interest once
// the stable tip has advanced past it. Returns the number of blocks dropped.
func (o *OrphanBuffer) Prune(belowLength ChainLength) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	dropped := 0
	for parent, children := range o.byParent {
		for hash, b := range children {
			if b.Header.ChainLength <= belowLength {
				delete(children, hash)
				dropped++
			}
		}
		if len(children) == 0 {
			delete(o.byParent, parent)
		}
	}
	o.count -= dropped
	return dropped
}

// Len reports the total number of buffered orphans.
func (o *OrphanBuffer) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}
