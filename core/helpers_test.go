package core

import (
	"testing"
	"time"

	bls "github.com/herumi/bls-eth-go-binary/bls"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// testLogger returns a logger quiet enough not to spam test output.
func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func newTestStore(t *testing.T) *FileBlockStore {
	t.Helper()
	store, err := OpenFileBlockStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// keypair is a BLS identity usable as a slot leader across the test suite.
type keypair struct {
	sk  bls.SecretKey
	pk  []byte
	hex string
}

func newKeypair(t *testing.T) keypair {
	t.Helper()
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	pk := sk.GetPublicKey().Serialize()
	return keypair{sk: sk, pk: pk, hex: hexKey(pk)}
}

func hexKey(pk []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(pk)*2)
	for i, b := range pk {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

func (k keypair) sign(h BlockHeader) BlockHeader {
	sig := k.sk.SignByte(h.SignableBytes())
	h.Proof = sig.Serialize()
	return h
}

// genesisFixture builds a signed genesis block together with the genesis
// ledger state a DefaultApplier chain would start from, both staking leader
// k as the sole validator.
func genesisFixture(t *testing.T, k keypair) (*Block, LedgerState) {
	t.Helper()
	header := BlockHeader{
		ParentHash:    ZeroHash,
		ChainLength:   1,
		Slot:          0,
		Epoch:         0,
		SlotLeaderKey: k.pk,
	}
	header = k.sign(header)
	block0 := &Block{Header: header}

	state := LedgerState{
		Static: &StaticParams{
			GenesisStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			SlotDuration: time.Second,
			EpochLength:  10,
		},
		Dynamic: &DynamicParams{
			Stake: StakeDistribution{k.hex: 1000},
		},
		Root: HashHeader([]byte("genesis")),
	}
	return block0, state
}

// stakeUpdateMessage builds a DefaultApplier stake-update message electing
// pk at the given stake, in the tag+key+big-endian-uint64 shape
// applyStakeUpdate expects.
func stakeUpdateMessage(pk []byte, stake uint64) Message {
	buf := make([]byte, 0, 1+len(pk)+8)
	buf = append(buf, tagStakeUpdate)
	buf = append(buf, pk...)
	for i := 7; i >= 0; i-- {
		buf = append(buf, byte(stake>>(8*i)))
	}
	return Message(buf)
}

// childHeader builds a signed header extending parent by one slot, staying
// in the same epoch unless slot crosses an epochLength boundary.
func childHeader(k keypair, parent BlockHeader, epochLength uint64) BlockHeader {
	slot := parent.Slot + 1
	h := BlockHeader{
		ParentHash:    parent.Hash(),
		ChainLength:   parent.ChainLength + 1,
		Slot:          slot,
		Epoch:         slot / epochLength,
		SlotLeaderKey: k.pk,
	}
	return k.sign(h)
}
