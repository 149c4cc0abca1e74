package core

import (
	"testing"

	"go.uber.org/zap"
)

func forkHeader(k keypair, parent BlockHeader, epochLength, slot uint64) BlockHeader {
	h := BlockHeader{
		ParentHash:    parent.Hash(),
		ChainLength:   parent.ChainLength + 1,
		Slot:          slot,
		Epoch:         slot / epochLength,
		SlotLeaderKey: k.pk,
	}
	return k.sign(h)
}

func loadFreshChain(t *testing.T, store BlockStore, k keypair) (*Blockchain, *Block, LedgerState) {
	t.Helper()
	block0, genesisState := genesisFixture(t, k)
	bc, err := Load(block0, genesisState, store, &DefaultApplier{}, genesisState.Static.EpochLength, testLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return bc, block0, genesisState
}

func TestLoadFreshGenesisBootstrap(t *testing.T) {
	store := newTestStore(t)
	k := newKeypair(t)
	bc, block0, _ := loadFreshChain(t, store, k)

	tip, err := bc.GetTip()
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip.Hash != block0.Hash() || tip.ChainLength != 1 {
		t.Fatalf("tip after fresh bootstrap = %+v, want genesis", tip)
	}
	if _, ok := bc.multiverse.Get(block0.Hash()); !ok {
		t.Fatal("genesis ledger state should be retained after bootstrap")
	}
}

func TestHandleBlockLinearExtension(t *testing.T) {
	store := newTestStore(t)
	k := newKeypair(t)
	bc, block0, state := loadFreshChain(t, store, k)

	header := childHeader(k, block0.Header, state.Static.EpochLength)
	result, err := bc.HandleBlock(&Block{Header: header}, true)
	if err != nil {
		t.Fatalf("handle block: %v", err)
	}
	if result.Kind != AdmitAcquired {
		t.Fatalf("result.Kind = %v, want AdmitAcquired", result.Kind)
	}

	tip, err := bc.GetTip()
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip.Hash != header.Hash() || tip.ChainLength != 2 {
		t.Fatalf("tip after extension = %+v, want chain length 2 at the new block", tip)
	}
}

func TestHandleBlockDuplicateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	k := newKeypair(t)
	bc, block0, state := loadFreshChain(t, store, k)

	header := childHeader(k, block0.Header, state.Static.EpochLength)
	block := &Block{Header: header}

	first, err := bc.HandleBlock(block, true)
	if err != nil || first.Kind != AdmitAcquired {
		t.Fatalf("first admission = (%+v, %v), want AdmitAcquired", first, err)
	}

	second, err := bc.HandleBlock(block, true)
	if err != nil {
		t.Fatalf("second admission errored: %v", err)
	}
	if second.Kind != AdmitRejected {
		t.Fatalf("re-offering an admitted block = %+v, want AdmitRejected", second)
	}
}

func TestHandleBlockForkChoiceLongerWinsTieKeepsIncumbent(t *testing.T) {
	store := newTestStore(t)
	k := newKeypair(t)
	bc, block0, state := loadFreshChain(t, store, k)
	epochLength := state.Static.EpochLength

	a1 := forkHeader(k, block0.Header, epochLength, 1)
	if _, err := bc.HandleBlock(&Block{Header: a1}, true); err != nil {
		t.Fatalf("admit a1: %v", err)
	}
	tip, _ := bc.GetTip()
	if tip.Hash != a1.Hash() {
		t.Fatalf("tip after a1 = %v, want a1", tip.Hash)
	}

	b1 := forkHeader(k, block0.Header, epochLength, 2) // sibling of a1, same length: a tie
	if _, err := bc.HandleBlock(&Block{Header: b1}, true); err != nil {
		t.Fatalf("admit b1: %v", err)
	}
	tip, _ = bc.GetTip()
	if tip.Hash != a1.Hash() {
		t.Fatalf("tip after an equal-length fork = %v, want the incumbent a1 to survive", tip.Hash)
	}

	b2 := forkHeader(k, b1, epochLength, 3) // extends b1 past a1's length: a reorg
	if _, err := bc.HandleBlock(&Block{Header: b2}, true); err != nil {
		t.Fatalf("admit b2: %v", err)
	}
	tip, _ = bc.GetTip()
	if tip.Hash != b2.Hash() {
		t.Fatalf("tip after a strictly longer fork = %v, want b2 (reorg)", tip.Hash)
	}
}

func TestHandleBlockLosingForkHeadsStayRetained(t *testing.T) {
	store := newTestStore(t)
	k := newKeypair(t)
	bc, block0, state := loadFreshChain(t, store, k)
	epochLength := state.Static.EpochLength

	a1 := forkHeader(k, block0.Header, epochLength, 1)
	if _, err := bc.HandleBlock(&Block{Header: a1}, true); err != nil {
		t.Fatalf("admit a1: %v", err)
	}

	b1 := forkHeader(k, block0.Header, epochLength, 2) // sibling of a1, loses the tie
	if _, err := bc.HandleBlock(&Block{Header: b1}, true); err != nil {
		t.Fatalf("admit b1: %v", err)
	}
	if _, ok := bc.multiverse.Get(b1.Hash()); !ok {
		t.Fatal("b1's ledger state should still be retained immediately after admission")
	}
	// b1 never became tip, but must still be tracked as its own fork head —
	// not silently discarded as an un-released local var.
	if branch, tracked := bc.branchRoots[b1.Hash()]; !tracked || branch == nil {
		t.Fatal("b1 should be tracked as a live (losing) fork head after admission")
	}

	// b2 extends b1 past a1's length and becomes the new tip via reorg.
	b2 := forkHeader(k, b1, epochLength, 3)
	if _, err := bc.HandleBlock(&Block{Header: b2}, true); err != nil {
		t.Fatalf("admit b2: %v", err)
	}

	// a1 is now the head of a losing fork with no further children. It is
	// not an ancestor of the tip (b2, via b1), but its own branch-head root
	// is never transferred or released by any later admission, so its state
	// stays retained.
	if _, ok := bc.multiverse.Get(a1.Hash()); !ok {
		t.Fatal("a1's own branch-head root should still retain its state (never extended, never released)")
	}

	bc.RunGC()
	tip, _ := bc.GetTip()
	if tip.Hash != b2.Hash() {
		t.Fatalf("tip after reorg = %v, want b2", tip.Hash)
	}
	if _, ok := bc.multiverse.Get(b1.Hash()); !ok {
		t.Fatal("b1 should remain reachable as an ancestor of the tip b2 after GC")
	}
}

func TestHandleBlockMissingParentBuffersOrphan(t *testing.T) {
	store := newTestStore(t)
	k := newKeypair(t)
	bc, block0, state := loadFreshChain(t, store, k)

	orphanParent := forkHeader(k, block0.Header, state.Static.EpochLength, 1)
	orphanHeader := forkHeader(k, orphanParent, state.Static.EpochLength, 2)

	result, err := bc.HandleBlock(&Block{Header: orphanHeader}, true)
	if err != nil {
		t.Fatalf("handle orphan: %v", err)
	}
	if result.Kind != AdmitMissingBranch {
		t.Fatalf("result.Kind = %v, want AdmitMissingBranch", result.Kind)
	}
	if result.MissingHash != orphanHeader.ParentHash {
		t.Fatalf("MissingHash = %v, want %v", result.MissingHash, orphanHeader.ParentHash)
	}
	if bc.Orphans().Len() != 1 {
		t.Fatalf("orphan buffer len = %d, want 1", bc.Orphans().Len())
	}
}

func TestHandleBlockBackfillPromotesBufferedOrphan(t *testing.T) {
	store := newTestStore(t)
	k := newKeypair(t)
	bc, block0, state := loadFreshChain(t, store, k)
	epochLength := state.Static.EpochLength

	child1 := forkHeader(k, block0.Header, epochLength, 1)
	child2 := forkHeader(k, child1, epochLength, 2)

	// child2 arrives first: it's buffered as an orphan of child1.
	result, err := bc.HandleBlock(&Block{Header: child2}, true)
	if err != nil || result.Kind != AdmitMissingBranch {
		t.Fatalf("offering child2 first = (%+v, %v), want AdmitMissingBranch", result, err)
	}

	// child1 now arrives and is admitted normally.
	result, err = bc.HandleBlock(&Block{Header: child1}, true)
	if err != nil || result.Kind != AdmitAcquired {
		t.Fatalf("admitting child1 = (%+v, %v), want AdmitAcquired", result, err)
	}

	// Promotion is operator-driven: the caller pulls orphans waiting on the
	// hash that just became available and re-offers them.
	pending := bc.Orphans().Take(child1.Hash())
	if len(pending) != 1 {
		t.Fatalf("pending orphans for child1 = %d, want 1", len(pending))
	}
	result, err = bc.HandleBlock(pending[0], false)
	if err != nil || result.Kind != AdmitAcquired {
		t.Fatalf("promoting buffered child2 = (%+v, %v), want AdmitAcquired", result, err)
	}

	tip, _ := bc.GetTip()
	if tip.Hash != child2.Hash() {
		t.Fatalf("tip after backfill = %v, want child2", tip.Hash)
	}
}

func TestHandleBlockSiblingForksCrossingSameEpochKeepDistinctLeaderships(t *testing.T) {
	store := newTestStore(t)
	k := newKeypair(t)
	kA := newKeypair(t)
	kB := newKeypair(t)
	bc, block0, state := loadFreshChain(t, store, k)
	epochLength := state.Static.EpochLength

	mkBlock := func(parentHash HeaderHash, chainLength ChainLength, slot uint64, leader keypair, msgs []Message) *Block {
		h := BlockHeader{
			ParentHash:    parentHash,
			ChainLength:   chainLength,
			Slot:          slot,
			Epoch:         slot / epochLength,
			SlotLeaderKey: leader.pk,
		}
		h = leader.sign(h)
		return &Block{Header: h, Body: BlockBody{Messages: msgs}}
	}

	// Fork A: genesis -> a1 (elects kA for the next epoch) -> a2 (crosses
	// into epoch 1, led by kA) -> a3 (still epoch 1, led by kA).
	a1 := mkBlock(block0.Hash(), 2, epochLength-1, k, []Message{stakeUpdateMessage(kA.pk, 500)})
	if _, err := bc.HandleBlock(a1, true); err != nil {
		t.Fatalf("admit a1: %v", err)
	}
	a2 := mkBlock(a1.Hash(), 3, epochLength, kA, nil)
	if _, err := bc.HandleBlock(a2, true); err != nil {
		t.Fatalf("admit a2 (epoch crossing): %v", err)
	}
	a3 := mkBlock(a2.Hash(), 4, epochLength+1, kA, nil)

	// Fork B: genesis -> b1 (elects kB instead) -> b2 (crosses into epoch 1,
	// led by kB). No fork B block is longer than the current fork A tip (b1
	// is shorter, b2 ties it), so fork A stays canonical throughout but fork
	// B's blocks are still admitted and tracked as their own branch.
	b1 := mkBlock(block0.Hash(), 2, epochLength-2, k, []Message{stakeUpdateMessage(kB.pk, 500)})
	if _, err := bc.HandleBlock(b1, true); err != nil {
		t.Fatalf("admit b1: %v", err)
	}
	b2 := mkBlock(b1.Hash(), 3, epochLength, kB, nil)
	if _, err := bc.HandleBlock(b2, true); err != nil {
		t.Fatalf("admit b2 (epoch crossing): %v", err)
	}

	// By now LeadershipRegistry.Get(1) holds two entries of equal chain
	// length (a2's and b2's) — a3 must verify against the one whose anchor
	// is actually on its own fork (a2), not whichever sorts first.
	result, err := bc.HandleBlock(a3, true)
	if err != nil {
		t.Fatalf("admit a3: %v", err)
	}
	if result.Kind != AdmitAcquired {
		t.Fatalf("a3 result = %+v, want AdmitAcquired (kA must verify against fork A's own leadership, not fork B's)", result)
	}

	if got := len(bc.leadership.Get(1)); got != 2 {
		t.Fatalf("leadership.Get(1) = %d entries, want 2 (both forks' epoch-1 leaderships still retained)", got)
	}
}

func TestHandleBlockEpochCrossingSucceeds(t *testing.T) {
	store := newTestStore(t)
	k := newKeypair(t)
	bc, block0, state := loadFreshChain(t, store, k)
	epochLength := state.Static.EpochLength

	parent := block0.Header
	for slot := uint64(1); slot <= epochLength+1; slot++ {
		h := forkHeader(k, parent, epochLength, slot)
		result, err := bc.HandleBlock(&Block{Header: h}, true)
		if err != nil {
			t.Fatalf("handle block at slot %d: %v", slot, err)
		}
		if result.Kind != AdmitAcquired {
			t.Fatalf("slot %d: result.Kind = %v, want AdmitAcquired", slot, result.Kind)
		}
		parent = h
	}

	tip, err := bc.GetTip()
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip.Epoch == 0 {
		t.Fatalf("tip epoch = %d, expected the chain to have crossed into epoch 1", tip.Epoch)
	}
}

func TestLoadRecoversTipAfterRestart(t *testing.T) {
	dir := t.TempDir()
	k := newKeypair(t)

	store1, err := OpenFileBlockStore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	bc1, block0, genesisState := loadFreshChain(t, store1, k)
	epochLength := genesisState.Static.EpochLength

	parent := block0.Header
	var lastHash HeaderHash
	for slot := uint64(1); slot <= 3; slot++ {
		h := forkHeader(k, parent, epochLength, slot)
		if _, err := bc1.HandleBlock(&Block{Header: h}, true); err != nil {
			t.Fatalf("handle block at slot %d: %v", slot, err)
		}
		parent, lastHash = h, h.Hash()
	}
	if err := store1.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store2, err := OpenFileBlockStore(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()

	bc2, err := Load(block0, genesisState, store2, &DefaultApplier{}, epochLength, testLogger())
	if err != nil {
		t.Fatalf("load after restart: %v", err)
	}
	tip, err := bc2.GetTip()
	if err != nil {
		t.Fatalf("get tip after restart: %v", err)
	}
	if tip.Hash != lastHash || tip.ChainLength != 4 {
		t.Fatalf("tip after restart = %+v, want hash %v at chain length 4", tip, lastHash)
	}
	if _, ok := bc2.multiverse.Get(tip.Hash); !ok {
		t.Fatal("restarted chain should have rebuilt the tip's ledger state during replay")
	}
}
