package core

import (
	"fmt"

	"chainkernel/pkg/chainerr"
)

// checkpointOffsets are the exponentially receding distances from the tip
// used by GetCheckpoints, per the spec's "tip, tip-1, tip-2, tip-4, tip-8, …"
// schedule. The list is generous enough to cover any realistic chain depth;
// genesis is appended explicitly afterward if none of these offsets reached
// it exactly.
var checkpointOffsets = []uint64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192}

// Checkpoints produces the exponentially-spaced ancestor hashes of tip,
// ending with genesis, for peer-assisted chain-sync negotiation.
func Checkpoints(store BlockStore, tip BlockInfo) ([]HeaderHash, error) {
	out := make([]HeaderHash, 0, len(checkpointOffsets)+1)
	seen := make(map[HeaderHash]struct{}, len(checkpointOffsets)+1)

	for _, off := range checkpointOffsets {
		if off != 0 && off >= uint64(tip.ChainLength) {
			break
		}
		info, err := nthAncestor(store, tip.Hash, off)
		if err != nil {
			return nil, fmt.Errorf("%w: checkpoint ancestor at offset %d: %v", chainerr.ErrStorage, off, err)
		}
		if _, dup := seen[info.Hash]; dup {
			continue
		}
		seen[info.Hash] = struct{}{}
		out = append(out, info.Hash)
		if info.ChainLength == 1 {
			return out, nil
		}
	}

	genesisOffset := uint64(tip.ChainLength) - 1
	genesisInfo, err := nthAncestor(store, tip.Hash, genesisOffset)
	if err != nil {
		return nil, fmt.Errorf("%w: checkpoint genesis ancestor: %v", chainerr.ErrStorage, err)
	}
	if _, dup := seen[genesisInfo.Hash]; !dup {
		out = append(out, genesisInfo.Hash)
	}
	return out, nil
}

// nthAncestor returns the BlockInfo n generations back from hash, via the
// store's ancestor-walk primitive.
func nthAncestor(store BlockStore, hash HeaderHash, n uint64) (BlockInfo, error) {
	if n == 0 {
		return store.GetBlockInfo(hash)
	}
	var last BlockInfo
	found := false
	err := store.ForPathToNthAncestor(hash, int(n), func(info BlockInfo) error {
		last = info
		found = true
		return nil
	})
	if err != nil {
		return BlockInfo{}, err
	}
	if !found {
		return BlockInfo{}, fmt.Errorf("%w: no ancestor at offset %d", chainerr.ErrNotFound, n)
	}
	return last, nil
}
