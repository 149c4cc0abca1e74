// Package queryapi is the node's narrow, read-only HTTP surface over the
// blockchain core: tip, ledger, and checkpoint lookups for the chain-sync
// layer, plus a node-stats endpoint in the shape of the original node's
// stats counter. It never mutates chain state; every handler here only
// calls the read-only query methods on core.Blockchain.
package queryapi

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"chainkernel/core"
)

// StatsCounter tracks cheap atomic ingress counters, independent of the
// chain's own lock, mirroring the original node's StatsCounter: block
// receipt counts are useful to a dashboard even when the chain lock is busy
// processing a backlog.
type StatsCounter struct {
	blockRecvCount uint64
}

// AddBlockRecv records n newly offered blocks (admitted or not).
func (s *StatsCounter) AddBlockRecv(n uint64) {
	atomic.AddUint64(&s.blockRecvCount, n)
}

// BlockRecvCount returns the total blocks offered since process start.
func (s *StatsCounter) BlockRecvCount() uint64 {
	return atomic.LoadUint64(&s.blockRecvCount)
}

// ChainQuerier is the subset of *core.Blockchain this package depends on,
// narrowed so handler tests can supply a fake.
type ChainQuerier interface {
	GetTip() (core.BlockInfo, error)
	GetBlockTip() (*core.Block, error)
	GetLedger(hash core.HeaderHash) (core.LedgerState, error)
	GetCheckpoints() ([]core.HeaderHash, error)
}

// Server wires a ChainQuerier to an HTTP router.
type Server struct {
	chain  ChainQuerier
	stats  *StatsCounter
	logger *logrus.Logger
	router chi.Router
}

// New builds a Server with its routes registered.
func New(chain ChainQuerier, stats *StatsCounter, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if stats == nil {
		stats = &StatsCounter{}
	}
	s := &Server{chain: chain, stats: stats, logger: logger}

	r := chi.NewRouter()
	r.Get("/v0/tip", s.handleTip)
	r.Get("/v0/block/tip", s.handleBlockTip)
	r.Get("/v0/block/tip/rlp", s.handleBlockTipRLP)
	r.Get("/v0/ledger/{hash}", s.handleLedger)
	r.Get("/v0/checkpoints", s.handleCheckpoints)
	r.Get("/v0/node/stats", s.handleStats)
	s.router = r
	return s
}

// Router returns the underlying http.Handler for use with http.Server.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("queryapi: failed writing response body")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

type blockInfoView struct {
	Hash        string `json:"hash"`
	ParentHash  string `json:"parent_hash"`
	ChainLength uint64 `json:"chain_length"`
	Slot        uint64 `json:"slot"`
	Epoch       uint64 `json:"epoch"`
}

func newBlockInfoView(info core.BlockInfo) blockInfoView {
	return blockInfoView{
		Hash:        info.Hash.Hex(),
		ParentHash:  info.ParentHash.Hex(),
		ChainLength: uint64(info.ChainLength),
		Slot:        info.Slot,
		Epoch:       info.Epoch,
	}
}

func (s *Server) handleTip(w http.ResponseWriter, r *http.Request) {
	info, err := s.chain.GetTip()
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBlockInfoView(info))
}

func (s *Server) handleBlockTip(w http.ResponseWriter, r *http.Request) {
	blk, err := s.chain.GetBlockTip()
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, blk)
}

// handleBlockTipRLP serves the tip block in the compact RLP wire encoding
// rather than JSON, for peers syncing over the inter-node transfer path
// instead of a human-facing dashboard.
func (s *Server) handleBlockTipRLP(w http.ResponseWriter, r *http.Request) {
	blk, err := s.chain.GetBlockTip()
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	data, err := core.EncodeBlockRLP(blk)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.WithError(err).Warn("queryapi: failed writing rlp response body")
	}
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "hash")
	hash, err := core.HeaderHashFromHex(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	state, err := s.chain.GetLedger(hash)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := s.chain.GetCheckpoints()
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	out := make([]string, len(checkpoints))
	for i, h := range checkpoints {
		out[i] = h.Hex()
	}
	s.writeJSON(w, http.StatusOK, out)
}

type statsView struct {
	TipChainLength uint64 `json:"tip_chain_length"`
	TipEpoch       uint64 `json:"tip_epoch"`
	BlockRecvCount uint64 `json:"block_recv_count"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	view := statsView{BlockRecvCount: s.stats.BlockRecvCount()}
	if info, err := s.chain.GetTip(); err == nil {
		view.TipChainLength = uint64(info.ChainLength)
		view.TipEpoch = info.Epoch
	}
	s.writeJSON(w, http.StatusOK, view)
}
