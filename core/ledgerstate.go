package core

import (
	"fmt"
	"time"
)

// StaticParams are fixed at genesis and shared, by pointer, across every
// ledger state descended from it — the structural-sharing the spec expects
// implementers to use rather than deep-copying state on every block.
type StaticParams struct {
	GenesisStart time.Time     `yaml:"genesis_start"`
	SlotDuration time.Duration `yaml:"slot_duration"`
	EpochLength  uint64        `yaml:"epoch_length"`
}

// FeeSchedule is the epoch-dependent fee table, part of DynamicParams.
type FeeSchedule struct {
	PerMessage uint64
	PerByte    uint64
}

// StakeDistribution maps a validator's public key (hex) to its stake
// weight, used by the leadership registry to build a per-epoch schedule.
type StakeDistribution map[string]uint64

// DynamicParams change as blocks apply messages; child states copy-on-write
// only the sub-structure a message actually mutates.
type DynamicParams struct {
	Fees  FeeSchedule
	Stake StakeDistribution
}

// Clone returns a deep copy suitable for copy-on-write mutation.
func (d *DynamicParams) Clone() *DynamicParams {
	if d == nil {
		return &DynamicParams{Stake: StakeDistribution{}}
	}
	stake := make(StakeDistribution, len(d.Stake))
	for k, v := range d.Stake {
		stake[k] = v
	}
	return &DynamicParams{Fees: d.Fees, Stake: stake}
}

// LedgerState is an immutable-by-convention snapshot produced by applying a
// block's messages to a parent state.
type LedgerState struct {
	Static  *StaticParams
	Dynamic *DynamicParams
	Root    HeaderHash // content hash summarizing ledger contents at this state
}

// MessageApplier applies a block's messages to a parent state, producing the
// child state. The core never interprets message contents itself — that is
// the transaction language, explicitly out of scope — it only requires that
// some applier exists.
type MessageApplier interface {
	Apply(parent LedgerState, header BlockHeader, messages []Message) (LedgerState, error)
}

// DefaultApplier is a minimal, deterministic applier sufficient to exercise
// the pipeline's admission and fork-choice logic without defining an actual
// transaction language. It folds each message into the state root and
// leaves stake/fees untouched unless a message is an epoch-boundary stake
// update (identified by a one-byte tag for simplicity).
type DefaultApplier struct{}

const tagStakeUpdate = 0x01

// Apply implements MessageApplier.
func (DefaultApplier) Apply(parent LedgerState, header BlockHeader, messages []Message) (LedgerState, error) {
	child := LedgerState{
		Static:  parent.Static,
		Dynamic: parent.Dynamic,
		Root:    parent.Root,
	}

	buf := append([]byte{}, parent.Root[:]...)
	dirty := false
	var dynamic *DynamicParams

	for _, msg := range messages {
		if len(msg) == 0 {
			return LedgerState{}, fmt.Errorf("ledger: empty message in block %s", header.Hash())
		}
		buf = append(buf, msg...)
		if msg[0] == tagStakeUpdate {
			if !dirty {
				dynamic = parent.Dynamic.Clone()
				dirty = true
			}
			applyStakeUpdate(dynamic, msg[1:])
		}
	}
	if dirty {
		child.Dynamic = dynamic
	}
	child.Root = HashHeader(buf)
	return child, nil
}

// applyStakeUpdate decodes a trivial stake delta: the raw public key bytes
// followed by an 8-byte big-endian stake, stored under the key's hex. Real
// stake accounting belongs to the ledger/consensus layer this core treats
// as an external collaborator; this only keeps DynamicParams internally
// consistent enough for leadership construction to exercise real data.
func applyStakeUpdate(d *DynamicParams, payload []byte) {
	if len(payload) < 9 {
		return
	}
	key := fmt.Sprintf("%x", payload[:len(payload)-8])
	var stake uint64
	for _, b := range payload[len(payload)-8:] {
		stake = stake<<8 | uint64(b)
	}
	if d.Stake == nil {
		d.Stake = StakeDistribution{}
	}
	d.Stake[key] = stake
}
