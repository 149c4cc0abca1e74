package core

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"
)

// HeaderHash is a fixed-size content-addressed identifier of a block header.
type HeaderHash [32]byte

// multicodecBlake3 is the blake3 default-output code from the multicodec
// table, used to wrap header hashes as CIDs for interop with the rest of
// the content-addressed storage conventions used elsewhere in the stack.
const multicodecBlake3 = 0x1e

// multicodecRaw marks the CID payload as opaque binary (no further codec).
const multicodecRaw = 0x55

// ZeroHash is the hash used to denote "no parent" for a genesis block.
var ZeroHash HeaderHash

// HashHeader computes the content-addressed hash of serialized header bytes.
func HashHeader(data []byte) HeaderHash {
	sum := blake3.Sum256(data)
	var h HeaderHash
	copy(h[:], sum[:])
	return h
}

// Bytes returns the raw 32-byte digest, suitable as a map key component.
func (h HeaderHash) Bytes() []byte { return h[:] }

// IsZero reports whether h is the zero hash (no parent / uninitialised).
func (h HeaderHash) IsZero() bool { return h == HeaderHash{} }

// CID renders h as a content identifier, mirroring the addressing scheme
// the storage subsystem uses for chunked objects.
func (h HeaderHash) CID() (cid.Cid, error) {
	digest, err := mh.Encode(h[:], multicodecBlake3)
	if err != nil {
		return cid.Undef, fmt.Errorf("encode multihash: %w", err)
	}
	return cid.NewCidV1(multicodecRaw, digest), nil
}

// String renders the CID form when possible, falling back to hex.
func (h HeaderHash) String() string {
	c, err := h.CID()
	if err != nil {
		return hex.EncodeToString(h[:])
	}
	return c.String()
}

// Hex returns the raw hex encoding of the digest, used for log fields where
// CID verbosity is unwanted.
func (h HeaderHash) Hex() string { return hex.EncodeToString(h[:]) }

// HeaderHashFromBytes copies b into a HeaderHash. b must be exactly 32 bytes.
func HeaderHashFromBytes(b []byte) (HeaderHash, error) {
	var h HeaderHash
	if len(b) != len(h) {
		return h, fmt.Errorf("header hash: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HeaderHashFromHex decodes a hex-encoded digest, as produced by Hex.
func HeaderHashFromHex(s string) (HeaderHash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return HeaderHash{}, fmt.Errorf("header hash: invalid hex: %w", err)
	}
	return HeaderHashFromBytes(raw)
}

// MarshalJSON renders h as a hex string rather than an array of integers,
// so JSON block records and API responses stay human-readable.
func (h HeaderHash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.Hex())
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (h *HeaderHash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := HeaderHashFromHex(s)
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}
