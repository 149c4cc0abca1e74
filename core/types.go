package core

import "encoding/binary"

// ChainLength is the sole fork-choice tiebreaker: genesis is length 1 and
// each child is exactly parent length + 1.
type ChainLength uint64

// Message is an ordered opaque unit within a block body. Only the ledger
// state machine (via MessageApplier) interprets its contents.
type Message []byte

// BlockHeader carries everything needed to verify and order a block without
// inspecting its body.
type BlockHeader struct {
	ParentHash    HeaderHash
	ChainLength   ChainLength
	Slot          uint64
	Epoch         uint64
	SlotLeaderKey []byte // BLS public key of the claimed slot leader
	Proof         []byte // BLS signature over SignableBytes()
}

// SignableBytes returns the header fields covered by the slot-leader proof,
// i.e. everything except the proof itself.
func (h BlockHeader) SignableBytes() []byte {
	buf := make([]byte, 0, 32+8+8+8+len(h.SlotLeaderKey))
	buf = append(buf, h.ParentHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.ChainLength))
	buf = binary.LittleEndian.AppendUint64(buf, h.Slot)
	buf = binary.LittleEndian.AppendUint64(buf, h.Epoch)
	buf = append(buf, h.SlotLeaderKey...)
	return buf
}

// Hash computes the header's content-addressed identifier, covering the
// proof as well so that two headers differing only in signature are
// distinct blocks.
func (h BlockHeader) Hash() HeaderHash {
	buf := h.SignableBytes()
	buf = append(buf, h.Proof...)
	return HashHeader(buf)
}

// BlockBody holds the ordered, opaque message sequence.
type BlockBody struct {
	Messages []Message
}

// Block is the unit of consensus: a header plus its body.
type Block struct {
	Header BlockHeader
	Body   BlockBody
}

// Hash returns the block's header hash.
func (b *Block) Hash() HeaderHash { return b.Header.Hash() }

// BlockInfo is the minimal metadata the block store returns alongside (or
// instead of) a full block.
type BlockInfo struct {
	Hash        HeaderHash
	ParentHash  HeaderHash
	ChainLength ChainLength
	Slot        uint64
	Epoch       uint64
}
