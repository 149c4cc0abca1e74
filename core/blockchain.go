package core

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"chainkernel/pkg/chainerr"
)

// tipTagName is the single block-store tag the core relies on.
const tipTagName = "tip"

// branchState is the pair of GCRoots a live fork head holds: the ledger
// state at that block, and (once this fork has crossed at least one epoch
// boundary) the leadership schedule built at the most recent crossing.
type branchState struct {
	ledgerRoot     GCRoot
	leadershipRoot GCRoot
	hasLeadership  bool
}

// osExit is a seam over os.Exit so lock-poisoning behavior is testable
// without actually terminating the test binary.
var osExit = os.Exit

// Blockchain is the top-level handle on the node's chain state: a single
// reader-writer lock guards the tip, multiverse, leadership registry, and
// orphan buffer together, because the invariants in the data model span all
// four and piecemeal locking would multiply the surface that has to stay
// consistent. Block-store I/O happens synchronously under the write lock.
type Blockchain struct {
	mu sync.RWMutex

	store      BlockStore
	multiverse *Multiverse
	leadership *LeadershipRegistry
	triage     *Triage
	tip        *Tip
	orphans    *OrphanBuffer
	applier    MessageApplier

	// branchRoots holds exactly one entry per live, not-yet-superseded fork
	// head: the hash of the most recent block admitted on that fork, mapped
	// to the GCRoots pinning its ledger state and (if this fork has crossed
	// an epoch boundary) its most recently built leadership. Everything
	// behind a head stays alive only via the multiverse/leadership
	// registries' own ancestor-reachability GC, never a second root here —
	// extending a fork releases its previous head's roots and moves them
	// forward, so two sibling forks crossing the same epoch never touch
	// each other's roots.
	branchRoots map[HeaderHash]*branchState

	timeFrame   TimeFrame
	epochLength uint64

	logger *logrus.Logger
}

// NewBlockchain wires up an empty, unloaded Blockchain around an already
// open store. Callers should use Load for a properly initialized instance;
// this constructor exists mainly so Load can build the pieces in order.
func NewBlockchain(store BlockStore, applier MessageApplier, epochLength uint64, logger *logrus.Logger) *Blockchain {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	leadership := NewLeadershipRegistry(logger)
	return &Blockchain{
		store:       store,
		multiverse:  NewMultiverse(logger),
		leadership:  leadership,
		tip:         NewTip(),
		orphans:     NewOrphanBuffer(),
		applier:     applier,
		branchRoots: make(map[HeaderHash]*branchState),
		epochLength: epochLength,
		logger:      logger,
	}
}

// Load brings up a Blockchain from durable storage, per the recovery
// contract: if the store already has a tip tag, replay from genesis to the
// tagged block, reconstructing every ledger state and leadership crossed
// along the way; otherwise treat block0 as a fresh genesis and seed the
// store, multiverse, and leadership registry from it. genesisState is the
// ledger state produced by applying block0's own messages (if any) to an
// empty parent — callers typically obtain it from the genesis descriptor
// rather than by invoking the applier themselves, since block0's static
// parameters (genesis start time, slot duration) are policy, not data
// derivable from the block alone.
func Load(block0 *Block, genesisState LedgerState, store BlockStore, applier MessageApplier, epochLength uint64, logger *logrus.Logger) (*Blockchain, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if genesisState.Static == nil {
		return nil, fmt.Errorf("%w: genesis state missing static parameters", chainerr.ErrBlock0)
	}

	bc := NewBlockchain(store, applier, epochLength, logger)
	triage, err := NewTriage(store, bc.leadership, 4096)
	if err != nil {
		return nil, fmt.Errorf("%w: build triage: %v", chainerr.ErrBlock0, err)
	}
	bc.triage = triage
	bc.timeFrame = TimeFrame{
		GenesisStart: genesisState.Static.GenesisStart,
		SlotDuration: genesisState.Static.SlotDuration,
	}

	genesisHash := block0.Hash()
	tagged, hasTag, err := store.GetTag(tipTagName)
	if err != nil {
		return nil, fmt.Errorf("%w: read tip tag: %v", chainerr.ErrStorage, err)
	}

	if !hasTag {
		if err := bc.seedGenesis(block0, genesisHash, genesisState); err != nil {
			return nil, err
		}
	} else {
		if err := bc.replayToTag(block0, genesisHash, genesisState, tagged); err != nil {
			return nil, err
		}
	}

	bc.multiverse.GC(store)
	bc.leadership.GC(store)

	tipHash, _ := bc.tip.Hash()
	logger.WithField("tip", tipHash.Hex()).Info("blockchain: load complete")
	return bc, nil
}

func (bc *Blockchain) seedGenesis(block0 *Block, genesisHash HeaderHash, genesisState LedgerState) error {
	if err := bc.store.PutBlock(block0); err != nil {
		return err
	}
	genesisRoot := bc.multiverse.Add(genesisHash, genesisState)
	leadershipRoot, err := bc.leadership.BuildAndRegister(block0.Header.Epoch, block0.Header.ChainLength, genesisHash, genesisState)
	if err != nil {
		return fmt.Errorf("%w: build genesis leadership: %v", chainerr.ErrBlock0, err)
	}
	bc.branchRoots[genesisHash] = &branchState{ledgerRoot: genesisRoot, leadershipRoot: leadershipRoot, hasLeadership: true}

	if err := bc.store.PutTag(tipTagName, genesisHash); err != nil {
		return err
	}
	bc.tip.Set(BlockInfo{
		Hash:        genesisHash,
		ParentHash:  block0.Header.ParentHash,
		ChainLength: block0.Header.ChainLength,
		Slot:        block0.Header.Slot,
		Epoch:       block0.Header.Epoch,
	})
	bc.triage.noteAdmitted(genesisHash)
	return nil
}

func (bc *Blockchain) replayToTag(block0 *Block, genesisHash HeaderHash, genesisState LedgerState, tagged HeaderHash) error {
	if !bc.store.BlockExists(genesisHash) {
		if err := bc.store.PutBlock(block0); err != nil {
			return err
		}
	}
	iter, err := bc.store.IterateRange(genesisHash, tagged)
	if err != nil {
		return fmt.Errorf("%w: replay range: %v", chainerr.ErrStorage, err)
	}

	state := genesisState
	var lastRoot GCRoot
	var lastLeadershipRoot GCRoot
	hasLastLeadership := false
	var lastInfo BlockInfo
	first := true

	for {
		info, more, err := iter()
		if err != nil {
			return fmt.Errorf("%w: replay: %v", chainerr.ErrStorage, err)
		}
		if !more {
			break
		}

		if first {
			root := bc.multiverse.Add(genesisHash, state)
			leadershipRoot, err := bc.leadership.BuildAndRegister(block0.Header.Epoch, block0.Header.ChainLength, genesisHash, state)
			if err != nil {
				return fmt.Errorf("%w: replay genesis leadership: %v", chainerr.ErrBlock0, err)
			}
			lastRoot, lastLeadershipRoot, hasLastLeadership = root, leadershipRoot, true
			lastInfo, first = info, false
			bc.triage.noteAdmitted(info.Hash)
			continue
		}

		blk, _, err := bc.store.GetBlock(info.Hash)
		if err != nil {
			return err
		}
		childState, err := bc.applier.Apply(state, blk.Header, blk.Body.Messages)
		if err != nil {
			return fmt.Errorf("%w: replay apply %s: %v", chainerr.ErrLedger, info.Hash.Hex(), err)
		}
		if blk.Header.Epoch > lastInfo.Epoch {
			leadershipRoot, err := bc.leadership.BuildAndRegister(blk.Header.Epoch, blk.Header.ChainLength, info.Hash, state)
			if err != nil {
				return fmt.Errorf("%w: replay leadership at epoch %d: %v", chainerr.ErrLedger, blk.Header.Epoch, err)
			}
			if hasLastLeadership {
				bc.leadership.Release(lastLeadershipRoot)
			}
			lastLeadershipRoot, hasLastLeadership = leadershipRoot, true
		}

		root := bc.multiverse.Add(info.Hash, childState)
		bc.multiverse.Release(lastRoot)
		lastRoot, state, lastInfo = root, childState, info
		bc.triage.noteAdmitted(info.Hash)
	}

	bc.tip.Set(lastInfo)
	bc.branchRoots[lastInfo.Hash] = &branchState{ledgerRoot: lastRoot, leadershipRoot: lastLeadershipRoot, hasLeadership: hasLastLeadership}
	return nil
}

// GetTip returns the current tip's BlockInfo.
func (bc *Blockchain) GetTip() (BlockInfo, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.tip.Info()
}

// GetBlockTip returns the full block at the current tip.
func (bc *Blockchain) GetBlockTip() (*Block, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	info, err := bc.tip.Info()
	if err != nil {
		return nil, err
	}
	blk, _, err := bc.store.GetBlock(info.Hash)
	if err != nil {
		return nil, err
	}
	return blk, nil
}

// GetLedger returns the ledger state at hash, if it is still retained.
func (bc *Blockchain) GetLedger(hash HeaderHash) (LedgerState, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	state, ok := bc.multiverse.Get(hash)
	if !ok {
		return LedgerState{}, fmt.Errorf("%w: ledger state %s", chainerr.ErrNotFound, hash.Hex())
	}
	return state, nil
}

// GetCheckpoints returns the exponentially-spaced ancestor hashes of the
// current tip.
func (bc *Blockchain) GetCheckpoints() ([]HeaderHash, error) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	tipInfo, err := bc.tip.Info()
	if err != nil {
		return nil, err
	}
	return Checkpoints(bc.store, tipInfo)
}

// TipState implements TipStateFunc for wiring an EpochClock to this chain.
func (bc *Blockchain) TipState() (HeaderHash, LedgerState, bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	info, err := bc.tip.Info()
	if err != nil {
		return HeaderHash{}, LedgerState{}, false
	}
	state, ok := bc.multiverse.Get(info.Hash)
	return info.Hash, state, ok
}

// TimeFrame returns the chain's genesis-derived time frame.
func (bc *Blockchain) TimeFrame() TimeFrame {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.timeFrame
}

// EpochLength returns the configured number of slots per epoch.
func (bc *Blockchain) EpochLength() uint64 {
	return bc.epochLength
}

// Orphans exposes the orphan buffer for an operator-driven promotion loop.
func (bc *Blockchain) Orphans() *OrphanBuffer {
	return bc.orphans
}

// RunGC runs a maintenance pass over the multiverse and leadership registry,
// reclaiming states and schedules that no root pins and that are not
// ancestors of a pinned entry. Every fork head, canonical or not, holds a
// root in branchRoots, so states on a live fork are not reclaimed. It is
// not invoked automatically by HandleBlock; callers are expected to run it
// periodically (see cmd/chaind for the housekeeping ticker).
func (bc *Blockchain) RunGC() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.multiverse.GC(bc.store)
	bc.leadership.GC(bc.store)
}
