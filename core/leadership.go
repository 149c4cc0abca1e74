package core

import (
	"fmt"
	"sort"
	"sync"

	bls "github.com/herumi/bls-eth-go-binary/bls"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"chainkernel/pkg/chainerr"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Errorf("leadership: bls init: %w", err))
	}
}

// Leadership is a per-epoch, stake-weighted slot-leader schedule.
type Leadership struct {
	Epoch    uint64
	Schedule StakeDistribution // keyed by hex-encoded BLS public key
	total    uint64
}

// BuildLeadership derives a leadership from the ledger state at the end of
// the preceding epoch: every staked key becomes eligible, weighted by its
// stake. This generalizes the teacher's public/authority-vote weighted
// electorate selection to per-epoch slot-leader eligibility.
func BuildLeadership(epoch uint64, stateAtEpochBoundary LedgerState) (Leadership, error) {
	if stateAtEpochBoundary.Dynamic == nil || len(stateAtEpochBoundary.Dynamic.Stake) == 0 {
		return Leadership{}, fmt.Errorf("%w: empty stake distribution for epoch %d", chainerr.ErrLedger, epoch)
	}
	schedule := make(StakeDistribution, len(stateAtEpochBoundary.Dynamic.Stake))
	var total uint64
	for k, v := range stateAtEpochBoundary.Dynamic.Stake {
		if v == 0 {
			continue
		}
		schedule[k] = v
		total += v
	}
	if total == 0 {
		return Leadership{}, fmt.Errorf("%w: zero total stake for epoch %d", chainerr.ErrLedger, epoch)
	}
	return Leadership{Epoch: epoch, Schedule: schedule, total: total}, nil
}

// Verify checks a header's slot-leader proof: the claimed key must be
// eligible (present with nonzero stake) and must have produced a valid
// BLS12-381 signature over the header's signable bytes.
func (l Leadership) Verify(header BlockHeader) error {
	weight, ok := l.Schedule[fmt.Sprintf("%x", header.SlotLeaderKey)]
	if !ok || weight == 0 {
		return chainerr.NewConsensusError("slot leader not eligible for this epoch")
	}

	var pk bls.PublicKey
	if err := pk.Deserialize(header.SlotLeaderKey); err != nil {
		return chainerr.NewConsensusError("malformed slot-leader key: " + err.Error())
	}
	var sig bls.Sign
	if err := sig.Deserialize(header.Proof); err != nil {
		return chainerr.NewConsensusError("malformed slot-leader proof: " + err.Error())
	}
	if !sig.VerifyByte(&pk, header.SignableBytes()) {
		return chainerr.NewConsensusError("slot-leader proof verification failed")
	}
	return nil
}

// LeadershipKey identifies one fork's leadership for a given epoch.
type LeadershipKey struct {
	Epoch       uint64
	ChainLength ChainLength
	Anchor      HeaderHash
}

type leadershipEntry struct {
	leadership Leadership
	roots      map[uuid.UUID]struct{}
}

// LeadershipEntry pairs a key with its leadership for registry lookups.
type LeadershipEntry struct {
	Key        LeadershipKey
	Leadership Leadership
}

// LeadershipRegistry is an ordered, refcounted collection of per-epoch,
// per-fork leaderships, analogous to the Multiverse.
type LeadershipRegistry struct {
	mu      sync.RWMutex
	entries map[LeadershipKey]*leadershipEntry
	owners  map[uuid.UUID]LeadershipKey
	group   singleflight.Group
	logger  *logrus.Logger
}

// NewLeadershipRegistry constructs an empty registry.
func NewLeadershipRegistry(logger *logrus.Logger) *LeadershipRegistry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LeadershipRegistry{
		entries: make(map[LeadershipKey]*leadershipEntry),
		owners:  make(map[uuid.UUID]LeadershipKey),
		logger:  logger,
	}
}

// Add inserts or re-pins the leadership under key and returns a handle.
func (r *LeadershipRegistry) Add(key LeadershipKey, leadership Leadership) GCRoot {
	r.mu.Lock()
	defer r.mu.Unlock()

	root := newGCRoot()
	entry, ok := r.entries[key]
	if !ok {
		entry = &leadershipEntry{leadership: leadership, roots: make(map[uuid.UUID]struct{})}
		r.entries[key] = entry
	}
	entry.roots[root.id] = struct{}{}
	r.owners[root.id] = key
	return root
}

// BuildAndRegister constructs (deduplicating concurrent builds for the same
// (epoch, anchor) pair via singleflight) and registers a leadership derived
// from parentState, returning a GCRoot pinning it.
func (r *LeadershipRegistry) BuildAndRegister(epoch uint64, chainLength ChainLength, anchor HeaderHash, parentState LedgerState) (GCRoot, error) {
	sfKey := fmt.Sprintf("%d:%s", epoch, anchor.Hex())
	v, err, _ := r.group.Do(sfKey, func() (interface{}, error) {
		return BuildLeadership(epoch, parentState)
	})
	if err != nil {
		return GCRoot{}, err
	}
	key := LeadershipKey{Epoch: epoch, ChainLength: chainLength, Anchor: anchor}
	return r.Add(key, v.(Leadership)), nil
}

// Get returns every leadership registered for epoch, ordered by descending
// chain length so callers try the longest (most likely canonical) fork's
// schedule first.
func (r *LeadershipRegistry) Get(epoch uint64) []LeadershipEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]LeadershipEntry, 0)
	for k, e := range r.entries {
		if k.Epoch == epoch {
			out = append(out, LeadershipEntry{Key: k, Leadership: e.leadership})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.ChainLength > out[j].Key.ChainLength })
	return out
}

// Release drops root's hold on its leadership entry.
func (r *LeadershipRegistry) Release(root GCRoot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.owners[root.id]
	if !ok {
		r.logger.WithField("root", root.String()).Warn("leadership registry: release of unknown or already-released root")
		return
	}
	delete(r.owners, root.id)
	if entry, ok := r.entries[key]; ok {
		delete(entry.roots, root.id)
	}
}

// GC evicts leadership entries with zero live roots whose anchor is not an
// ancestor of any still-retained anchor.
func (r *LeadershipRegistry) GC(store BlockStore) {
	r.mu.RLock()
	retainedAnchors := make([]HeaderHash, 0)
	candidates := make([]LeadershipKey, 0)
	for k, e := range r.entries {
		if len(e.roots) > 0 {
			retainedAnchors = append(retainedAnchors, k.Anchor)
		} else {
			candidates = append(candidates, k)
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return
	}

	reachable := make(map[HeaderHash]struct{}, len(retainedAnchors)*2)
	for _, h := range retainedAnchors {
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

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range candidates {
		entry, ok := r.entries[k]
		if !ok || len(entry.roots) > 0 {
			continue
		}
		if _, keep := reachable[k.Anchor]; keep {
			continue
		}
		delete(r.entries, k)
	}
}
