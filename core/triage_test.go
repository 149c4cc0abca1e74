package core

import (
	"testing"

	"chainkernel/pkg/chainerr"
)

func TestTriageClassifyDuplicate(t *testing.T) {
	store := newTestStore(t)
	leadership := NewLeadershipRegistry(testLogger())
	tr, err := NewTriage(store, leadership, 16)
	if err != nil {
		t.Fatalf("new triage: %v", err)
	}
	k := newKeypair(t)

	block0, genesisState := genesisFixture(t, k)
	if err := store.PutBlock(block0); err != nil {
		t.Fatalf("put genesis: %v", err)
	}
	leadership.BuildAndRegister(0, 1, block0.Hash(), genesisState)

	header := block0.Header
	result := tr.Classify(header, true, 0)
	if result.Kind != TriageRejected || result.Reason != chainerr.ReasonAlreadyPresent {
		t.Fatalf("classify of a block already in the store = %+v, want AlreadyPresent", result)
	}
}

func TestTriageClassifyRecentCacheShortCircuits(t *testing.T) {
	store := newTestStore(t)
	leadership := NewLeadershipRegistry(testLogger())
	tr, err := NewTriage(store, leadership, 16)
	if err != nil {
		t.Fatalf("new triage: %v", err)
	}
	// A header whose hash was noted admitted is rejected as a duplicate
	// purely from the cache, without ever reaching the store.
	noted := BlockHeader{ParentHash: ZeroHash, ChainLength: 7, Slot: 9, Epoch: 0}
	tr.noteAdmitted(noted.Hash())
	result := tr.Classify(noted, false, 0)
	if result.Kind != TriageRejected || result.Reason != chainerr.ReasonAlreadyPresent {
		t.Fatalf("classify of a noted-admitted header = %+v, want AlreadyPresent", result)
	}
}

func TestTriageClassifyMissingParent(t *testing.T) {
	store := newTestStore(t)
	leadership := NewLeadershipRegistry(testLogger())
	tr, err := NewTriage(store, leadership, 16)
	if err != nil {
		t.Fatalf("new triage: %v", err)
	}
	k := newKeypair(t)

	header := BlockHeader{ParentHash: HashHeader([]byte("nowhere")), ChainLength: 2, Slot: 1, Epoch: 0, SlotLeaderKey: k.pk}
	header = k.sign(header)

	result := tr.Classify(header, true, 0)
	if result.Kind != TriageMissingParentOrBranch {
		t.Fatalf("classify with no parent in store = %+v, want MissingParentOrBranch", result)
	}
	if result.ParentHash != header.ParentHash {
		t.Fatalf("ParentHash = %v, want %v", result.ParentHash, header.ParentHash)
	}
}

func TestTriageClassifyConsensusRejected(t *testing.T) {
	store := newTestStore(t)
	leadership := NewLeadershipRegistry(testLogger())
	tr, err := NewTriage(store, leadership, 16)
	if err != nil {
		t.Fatalf("new triage: %v", err)
	}
	k := newKeypair(t)
	forger := newKeypair(t)

	block0, genesisState := genesisFixture(t, k)
	if err := store.PutBlock(block0); err != nil {
		t.Fatalf("put genesis: %v", err)
	}
	leadership.BuildAndRegister(0, 1, block0.Hash(), genesisState)

	header := BlockHeader{ParentHash: block0.Hash(), ChainLength: 2, Slot: 1, Epoch: 0, SlotLeaderKey: forger.pk}
	header = forger.sign(header)

	result := tr.Classify(header, true, 0)
	if result.Kind != TriageRejected || result.Reason != chainerr.ReasonConsensusRejected {
		t.Fatalf("classify of a header signed by an unstaked key = %+v, want Consensus rejection", result)
	}
}

func TestTriageClassifyBeyondStabilityDepth(t *testing.T) {
	store := newTestStore(t)
	leadership := NewLeadershipRegistry(testLogger())
	tr, err := NewTriage(store, leadership, 16)
	if err != nil {
		t.Fatalf("new triage: %v", err)
	}
	k := newKeypair(t)
	header := BlockHeader{ParentHash: HashHeader([]byte("whatever")), ChainLength: 2, Slot: 1, Epoch: 0, SlotLeaderKey: k.pk}
	header = k.sign(header)

	// Tip sits far ahead in epoch terms: a tip-candidate this stale is
	// rejected before the parent-in-store check ever runs.
	result := tr.Classify(header, true, 10)
	if result.Kind != TriageRejected || result.Reason != chainerr.ReasonBeyondStabilityDepth {
		t.Fatalf("classify of a stale tip candidate = %+v, want BeyondStabilityDepth", result)
	}
}

func TestTriageClassifyBackfillSkipsStabilityCheck(t *testing.T) {
	store := newTestStore(t)
	leadership := NewLeadershipRegistry(testLogger())
	tr, err := NewTriage(store, leadership, 16)
	if err != nil {
		t.Fatalf("new triage: %v", err)
	}
	k := newKeypair(t)
	header := BlockHeader{ParentHash: HashHeader([]byte("whatever")), ChainLength: 2, Slot: 1, Epoch: 0, SlotLeaderKey: k.pk}
	header = k.sign(header)

	// isTipCandidate=false: this is a backfill, so staleness doesn't apply;
	// it falls through to the parent-in-store check instead.
	result := tr.Classify(header, false, 10)
	if result.Kind != TriageMissingParentOrBranch {
		t.Fatalf("backfill classify = %+v, want MissingParentOrBranch (stability check bypassed)", result)
	}
}
