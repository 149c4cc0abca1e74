package core

import (
	"fmt"

	"chainkernel/pkg/chainerr"
)

// AdmitKind enumerates the three outcomes HandleBlock can report.
type AdmitKind int

const (
	AdmitAcquired AdmitKind = iota
	AdmitRejected
	AdmitMissingBranch
)

// AdmitResult is the outcome of one HandleBlock call.
type AdmitResult struct {
	Kind   AdmitKind
	Header BlockHeader

	// Reason is set when Kind == AdmitRejected.
	Reason chainerr.Reason

	// MissingHash is set when Kind == AdmitMissingBranch: the parent hash
	// the caller should go fetch from peers.
	MissingHash HeaderHash
}

// HandleBlock is the single entry point for offering a candidate block to
// the chain. isTipCandidate distinguishes freshly gossiped blocks (true)
// from blocks being backfilled to complete a chain (false); backfilled
// blocks skip the stability-depth check.
//
// The write lock is held for the whole call. If the holder panics mid-way,
// the invariants in the data model may have been left broken, so the
// process terminates rather than continuing with possibly-corrupt state.
func (bc *Blockchain) HandleBlock(block *Block, isTipCandidate bool) (result AdmitResult, err error) {
	bc.mu.Lock()
	defer func() {
		if r := recover(); r != nil {
			bc.logger.WithField("panic", r).Error("blockchain: write-lock holder panicked, invariants may be broken, terminating")
			bc.mu.Unlock()
			osExit(1)
			return
		}
		bc.mu.Unlock()
	}()

	header := block.Header

	var tipEpoch uint64
	tipInfo, tipErr := bc.tip.Info()
	if tipErr == nil {
		tipEpoch = tipInfo.Epoch
	}

	verdict := bc.triage.Classify(header, isTipCandidate, tipEpoch)
	switch verdict.Kind {
	case TriageRejected:
		return AdmitResult{Kind: AdmitRejected, Header: header, Reason: verdict.Reason}, nil
	case TriageMissingParentOrBranch:
		bc.orphans.Add(block)
		return AdmitResult{Kind: AdmitMissingBranch, Header: header, MissingHash: verdict.ParentHash}, nil
	}

	return bc.processBlock(block, tipInfo, tipErr == nil)
}

// processBlock implements triage's ProcessBlockToState verdict: apply,
// extend the multiverse, cross epoch boundaries, persist, and install a new
// tip if the candidate's chain length strictly exceeds the current one.
//
// Every admitted block becomes the new head of whichever fork it extends,
// regardless of whether it becomes the overall tip: bc.branchRoots tracks
// exactly one ledger/leadership root pair per live fork head, so a
// non-canonical branch's state stays retained independently of the canonical
// chain. A head's roots are released only when a child extends it; a head
// that is never extended stays pinned.
func (bc *Blockchain) processBlock(block *Block, tipInfo BlockInfo, hasTip bool) (AdmitResult, error) {
	header := block.Header
	hash := header.Hash()

	parentState, ok := bc.multiverse.Get(header.ParentHash)
	if !ok {
		return AdmitResult{}, fmt.Errorf("%w: ledger state for parent %s is no longer retained", chainerr.ErrLedger, header.ParentHash.Hex())
	}

	childState, err := bc.applier.Apply(parentState, header, block.Body.Messages)
	if err != nil {
		return AdmitResult{}, fmt.Errorf("%w: apply block %s: %v", chainerr.ErrLedger, hash.Hex(), err)
	}

	parentInfo, err := bc.store.GetBlockInfo(header.ParentHash)
	if err != nil {
		return AdmitResult{}, err
	}

	// This block inherits its parent fork's leadership root by default; it
	// only replaces it below if it actually crosses an epoch boundary.
	parentBranch, parentWasHead := bc.branchRoots[header.ParentHash]
	leadershipRoot := GCRoot{}
	hasLeadership := false
	if parentWasHead {
		leadershipRoot, hasLeadership = parentBranch.leadershipRoot, parentBranch.hasLeadership
	}

	builtLeadership := false
	if header.Epoch > parentInfo.Epoch {
		newLeadershipRoot, err := bc.leadership.BuildAndRegister(header.Epoch, header.ChainLength, hash, parentState)
		if err != nil {
			return AdmitResult{}, fmt.Errorf("%w: build leadership for epoch %d: %v", chainerr.ErrLedger, header.Epoch, err)
		}
		if hasLeadership {
			bc.leadership.Release(leadershipRoot)
		}
		leadershipRoot, hasLeadership, builtLeadership = newLeadershipRoot, true, true
	}

	childRoot := bc.multiverse.Add(hash, childState)

	if err := bc.store.PutBlock(block); err != nil {
		bc.multiverse.Release(childRoot)
		if builtLeadership {
			bc.leadership.Release(leadershipRoot)
		}
		return AdmitResult{}, err
	}

	if parentWasHead {
		bc.multiverse.Release(parentBranch.ledgerRoot)
		delete(bc.branchRoots, header.ParentHash)
	}
	bc.branchRoots[hash] = &branchState{ledgerRoot: childRoot, leadershipRoot: leadershipRoot, hasLeadership: hasLeadership}

	becomesTip := !hasTip || header.ChainLength > tipInfo.ChainLength
	if becomesTip {
		if err := bc.store.PutTag(tipTagName, hash); err != nil {
			return AdmitResult{}, err
		}
		newInfo := BlockInfo{
			Hash:        hash,
			ParentHash:  header.ParentHash,
			ChainLength: header.ChainLength,
			Slot:        header.Slot,
			Epoch:       header.Epoch,
		}
		if err := bc.tip.ReplaceWith(newInfo); err != nil {
			return AdmitResult{}, err
		}
		bc.logger.WithField("hash", hash.Hex()).WithField("chain_length", uint64(header.ChainLength)).Info("blockchain: tip advanced")
	}

	bc.triage.noteAdmitted(hash)
	return AdmitResult{Kind: AdmitAcquired, Header: header}, nil
}
