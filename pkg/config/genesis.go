package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"chainkernel/core"
)

// GenesisDescriptor is the on-disk YAML shape of a genesis block: the
// static, genesis-fixed parameters plus the initial stake distribution and
// the slot-leader proof for block 0 itself.
type GenesisDescriptor struct {
	GenesisStart   time.Time `yaml:"genesis_start"`
	SlotDurationMS uint64    `yaml:"slot_duration_ms"`
	EpochLength    uint64    `yaml:"epoch_length"`
	Fees           struct {
		PerMessage uint64 `yaml:"per_message"`
		PerByte    uint64 `yaml:"per_byte"`
	} `yaml:"fees"`
	Stake         map[string]uint64 `yaml:"stake"`
	SlotLeaderKey string            `yaml:"slot_leader_key"`
	Proof         string            `yaml:"proof"`
}

// LoadGenesis reads a YAML genesis descriptor from path and constructs both
// block 0 and its ledger state. Genesis is authoritative rather than a
// product of applying messages: the static parameters here are policy
// fixed at network launch, not something core.MessageApplier derives.
func LoadGenesis(path string) (*core.Block, core.LedgerState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.LedgerState{}, fmt.Errorf("read genesis descriptor %s: %w", path, err)
	}
	var desc GenesisDescriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, core.LedgerState{}, fmt.Errorf("parse genesis descriptor %s: %w", path, err)
	}

	leaderKey, err := hex.DecodeString(desc.SlotLeaderKey)
	if err != nil {
		return nil, core.LedgerState{}, fmt.Errorf("genesis descriptor: malformed slot_leader_key: %w", err)
	}
	proof, err := hex.DecodeString(desc.Proof)
	if err != nil {
		return nil, core.LedgerState{}, fmt.Errorf("genesis descriptor: malformed proof: %w", err)
	}

	header := core.BlockHeader{
		ParentHash:    core.ZeroHash,
		ChainLength:   1,
		Slot:          0,
		Epoch:         0,
		SlotLeaderKey: leaderKey,
		Proof:         proof,
	}
	block := &core.Block{Header: header, Body: core.BlockBody{}}

	stake := make(core.StakeDistribution, len(desc.Stake))
	for k, v := range desc.Stake {
		stake[k] = v
	}

	state := core.LedgerState{
		Static: &core.StaticParams{
			GenesisStart: desc.GenesisStart,
			SlotDuration: time.Duration(desc.SlotDurationMS) * time.Millisecond,
			EpochLength:  desc.EpochLength,
		},
		Dynamic: &core.DynamicParams{
			Fees: core.FeeSchedule{
				PerMessage: desc.Fees.PerMessage,
				PerByte:    desc.Fees.PerByte,
			},
			Stake: stake,
		},
		Root: block.Hash(),
	}
	return block, state, nil
}
