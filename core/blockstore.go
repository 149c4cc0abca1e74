package core

import (
	"bufio"
	"compress/gzip"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"go.uber.org/zap"

	"chainkernel/pkg/chainerr"
)

// BlockStore is the durable, crash-consistent block archive with a small
// named-tag namespace. Implementations must make PutBlock idempotent and
// PutTag atomic with respect to concurrent readers.
type BlockStore interface {
	PutBlock(block *Block) error
	GetBlock(hash HeaderHash) (*Block, BlockInfo, error)
	BlockExists(hash HeaderHash) bool
	GetBlockInfo(hash HeaderHash) (BlockInfo, error)
	PutTag(name string, hash HeaderHash) error
	GetTag(name string) (HeaderHash, bool, error)
	IterateRange(from, to HeaderHash) (func() (BlockInfo, bool, error), error)
	ForPathToNthAncestor(hash HeaderHash, n int, visit func(BlockInfo) error) error
}

type blockRecord struct {
	Block *Block `json:"block"`
}

// FileBlockStore persists blocks as newline-delimited JSON records in an
// append-only log, replayed on open, with a gzip archive for blocks pruned
// out of the in-memory index and a rename-swapped tag table for crash-safe,
// torn-read-free tag updates.
type FileBlockStore struct {
	mu     sync.RWMutex
	dir    string
	log    *os.File
	blocks map[HeaderHash]*Block
	infos  map[HeaderHash]BlockInfo
	tags   map[string]HeaderHash
	zlog   *zap.Logger

	archivePath string
}

// OpenFileBlockStore opens (creating if absent) a block store rooted at dir,
// replaying its log to rebuild the in-memory index.
func OpenFileBlockStore(dir string, zlog *zap.Logger) (*FileBlockStore, error) {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", chainerr.ErrStorage, dir, err)
	}

	s := &FileBlockStore{
		dir:         dir,
		blocks:      make(map[HeaderHash]*Block),
		infos:       make(map[HeaderHash]BlockInfo),
		tags:        make(map[string]HeaderHash),
		zlog:        zlog,
		archivePath: filepath.Join(dir, "archive.log.gz"),
	}

	logPath := filepath.Join(dir, "blocks.log")
	if err := s.replay(logPath); err != nil {
		return nil, err
	}
	if err := s.loadTags(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open block log: %v", chainerr.ErrStorage, err)
	}
	s.log = f
	return s, nil
}

func (s *FileBlockStore) replay(logPath string) error {
	rf, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: open block log: %v", chainerr.ErrStorage, err)
	}
	defer rf.Close()

	scanner := bufio.NewScanner(rf)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		var rec blockRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return fmt.Errorf("%w: corrupt block log entry: %v", chainerr.ErrStorage, err)
		}
		s.indexBlock(rec.Block)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: scan block log: %v", chainerr.ErrStorage, err)
	}
	return nil
}

func (s *FileBlockStore) indexBlock(b *Block) {
	h := b.Hash()
	s.blocks[h] = b
	s.infos[h] = BlockInfo{
		Hash:        h,
		ParentHash:  b.Header.ParentHash,
		ChainLength: b.Header.ChainLength,
		Slot:        b.Header.Slot,
		Epoch:       b.Header.Epoch,
	}
}

// PutBlock persists block, fsyncing before returning success. Re-putting a
// known block is a no-op.
func (s *FileBlockStore) PutBlock(block *Block) error {
	h := block.Hash()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blocks[h]; ok {
		return nil
	}

	data, err := json.Marshal(blockRecord{Block: block})
	if err != nil {
		return fmt.Errorf("%w: marshal block: %v", chainerr.ErrStorage, err)
	}
	if _, err := s.log.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: write block log: %v", chainerr.ErrStorage, err)
	}
	if err := s.log.Sync(); err != nil {
		return fmt.Errorf("%w: fsync block log: %v", chainerr.ErrStorage, err)
	}

	s.indexBlock(block)
	s.zlog.Debug("block persisted",
		zap.String("hash", h.Hex()),
		zap.Uint64("chain_length", uint64(block.Header.ChainLength)))
	return nil
}

// GetBlock returns the block and its metadata, falling back to the gzip
// archive for blocks pruned out of the in-memory index.
func (s *FileBlockStore) GetBlock(hash HeaderHash) (*Block, BlockInfo, error) {
	s.mu.RLock()
	b, ok := s.blocks[hash]
	info := s.infos[hash]
	s.mu.RUnlock()
	if ok {
		return b, info, nil
	}

	archived, err := s.getArchived(hash)
	if err != nil {
		return nil, BlockInfo{}, fmt.Errorf("%w: block %s", chainerr.ErrNotFound, hash.Hex())
	}
	return archived, info, nil
}

// BlockExists reports whether hash is known, live or archived.
func (s *FileBlockStore) BlockExists(hash HeaderHash) bool {
	s.mu.RLock()
	_, ok := s.infos[hash]
	s.mu.RUnlock()
	return ok
}

// GetBlockInfo returns metadata for hash without requiring the full body.
func (s *FileBlockStore) GetBlockInfo(hash HeaderHash) (BlockInfo, error) {
	s.mu.RLock()
	info, ok := s.infos[hash]
	s.mu.RUnlock()
	if !ok {
		return BlockInfo{}, fmt.Errorf("%w: block info %s", chainerr.ErrNotFound, hash.Hex())
	}
	return info, nil
}

// PutTag atomically installs name -> hash via a temp-file-then-rename swap,
// so concurrent readers never observe a torn tag file.
func (s *FileBlockStore) PutTag(name string, hash HeaderHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[name] = hash
	return s.writeTagsLocked()
}

// GetTag returns the hash currently bound to name, if any.
func (s *FileBlockStore) GetTag(name string) (HeaderHash, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.tags[name]
	return h, ok, nil
}

func (s *FileBlockStore) writeTagsLocked() error {
	serial := make(map[string]string, len(s.tags))
	for k, v := range s.tags {
		serial[k] = v.Hex()
	}
	data, err := json.Marshal(serial)
	if err != nil {
		return fmt.Errorf("%w: marshal tags: %v", chainerr.ErrStorage, err)
	}
	tmp := filepath.Join(s.dir, "tags.json.tmp")
	final := filepath.Join(s.dir, "tags.json")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: write tags: %v", chainerr.ErrStorage, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("%w: rename tags: %v", chainerr.ErrStorage, err)
	}
	return nil
}

func (s *FileBlockStore) loadTags() error {
	path := filepath.Join(s.dir, "tags.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: read tags: %v", chainerr.ErrStorage, err)
	}
	var serial map[string]string
	if err := json.Unmarshal(data, &serial); err != nil {
		return fmt.Errorf("%w: corrupt tags: %v", chainerr.ErrStorage, err)
	}
	for k, v := range serial {
		raw, err := hex.DecodeString(v)
		if err != nil {
			continue
		}
		hh, err := HeaderHashFromBytes(raw)
		if err != nil {
			continue
		}
		s.tags[k] = hh
	}
	return nil
}

// IterateRange returns a closure yielding BlockInfo from `from` to `to`
// inclusive, walking parent links. It errors immediately if `to` is not a
// descendant of `from`.
func (s *FileBlockStore) IterateRange(from, to HeaderHash) (func() (BlockInfo, bool, error), error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	toInfo, ok := s.infos[to]
	if !ok {
		return nil, fmt.Errorf("%w: range end %s", chainerr.ErrNotFound, to.Hex())
	}
	fromInfo, ok := s.infos[from]
	if !ok {
		return nil, fmt.Errorf("%w: range start %s", chainerr.ErrNotFound, from.Hex())
	}

	chain := []BlockInfo{}
	cur := toInfo
	for {
		chain = append(chain, cur)
		if cur.Hash == from {
			break
		}
		if cur.ChainLength <= fromInfo.ChainLength {
			return nil, fmt.Errorf("%w: %s is not a descendant of %s", chainerr.ErrStorage, to.Hex(), from.Hex())
		}
		parent, ok := s.infos[cur.ParentHash]
		if !ok {
			return nil, fmt.Errorf("%w: missing ancestor %s", chainerr.ErrStorage, cur.ParentHash.Hex())
		}
		cur = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	idx := -1
	return func() (BlockInfo, bool, error) {
		idx++
		if idx >= len(chain) {
			return BlockInfo{}, false, nil
		}
		return chain[idx], true, nil
	}, nil
}

// ForPathToNthAncestor walks n ancestors from hash, invoking visit on each.
func (s *FileBlockStore) ForPathToNthAncestor(hash HeaderHash, n int, visit func(BlockInfo) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, ok := s.infos[hash]
	if !ok {
		return fmt.Errorf("%w: %s", chainerr.ErrNotFound, hash.Hex())
	}
	for i := 0; i < n; i++ {
		if cur.ChainLength <= 1 {
			break
		}
		parent, ok := s.infos[cur.ParentHash]
		if !ok {
			return fmt.Errorf("%w: missing ancestor %s", chainerr.ErrStorage, cur.ParentHash.Hex())
		}
		if err := visit(parent); err != nil {
			return err
		}
		cur = parent
	}
	return nil
}

// Prune archives blocks beyond the most recent `retain` chain lengths into a
// gzip file, dropping them from the in-memory body index. BlockInfo for
// pruned blocks is kept so ancestor walks (invariant 2) remain intact;
// GetBlock transparently falls back to the archive.
func (s *FileBlockStore) Prune(retain int) error {
	if retain <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.blocks) <= retain {
		return nil
	}
	ordered := make([]*Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Header.ChainLength < ordered[j].Header.ChainLength
	})
	cut := len(ordered) - retain
	if cut <= 0 {
		return nil
	}

	f, err := os.OpenFile(s.archivePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("%w: open archive: %v", chainerr.ErrStorage, err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	for _, b := range ordered[:cut] {
		data, err := json.Marshal(blockRecord{Block: b})
		if err != nil {
			gz.Close()
			return fmt.Errorf("%w: marshal archive block: %v", chainerr.ErrStorage, err)
		}
		if _, err := gz.Write(append(data, '\n')); err != nil {
			gz.Close()
			return fmt.Errorf("%w: write archive: %v", chainerr.ErrStorage, err)
		}
		delete(s.blocks, b.Hash())
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("%w: close archive: %v", chainerr.ErrStorage, err)
	}
	s.zlog.Info("pruned blocks to archive", zap.Int("count", cut))
	return nil
}

func (s *FileBlockStore) getArchived(hash HeaderHash) (*Block, error) {
	f, err := os.Open(s.archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chainerr.ErrNotFound, err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chainerr.ErrNotFound, err)
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		var rec blockRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Block.Hash() == hash {
			return rec.Block, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", chainerr.ErrNotFound, hash.Hex())
}

// Close releases the underlying block log file handle.
func (s *FileBlockStore) Close() error {
	if s.log == nil {
		return nil
	}
	return s.log.Close()
}

// EncodeBlockRLP provides a compact binary encoding alternative to the
// block store's JSON-on-disk format, for inter-node transfer.
func EncodeBlockRLP(b *Block) ([]byte, error) {
	data, err := rlp.EncodeToBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: rlp encode: %v", chainerr.ErrStorage, err)
	}
	return data, nil
}

// DecodeBlockRLP is the inverse of EncodeBlockRLP.
func DecodeBlockRLP(data []byte) (*Block, error) {
	var b Block
	if err := rlp.DecodeBytes(data, &b); err != nil {
		return nil, fmt.Errorf("%w: rlp decode: %v", chainerr.ErrStorage, err)
	}
	return &b, nil
}
