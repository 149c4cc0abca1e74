// Package chainerr defines the blockchain core's error taxonomy, grouped by
// recovery locus: Storage failures are surfaced to the caller (which
// typically treats them as fatal), Ledger failures drop the offending block,
// Block0/TipReplace failures are fatal, and consensus-verification failures
// never escape as an error at all (they become a triage result instead).
package chainerr

import "errors"

// Sentinel errors identify the error category so callers can branch with
// errors.Is without parsing messages.
var (
	// ErrStorage marks an I/O failure in the block store. The core does not
	// retry; callers typically treat it as fatal.
	ErrStorage = errors.New("chainkernel: storage error")

	// ErrLedger marks an invalid state transition. The offending block is
	// dropped; the chain is otherwise unaffected.
	ErrLedger = errors.New("chainkernel: ledger error")

	// ErrBlock0 marks a malformed genesis block. Fatal at startup only.
	ErrBlock0 = errors.New("chainkernel: block0 error")

	// ErrTipGet marks that the tip was queried before ever being set.
	ErrTipGet = errors.New("chainkernel: tip not set")

	// ErrTipReplace marks a broken invariant detected while installing a
	// new tip. This indicates a bug elsewhere in the pipeline, not a
	// recoverable condition.
	ErrTipReplace = errors.New("chainkernel: tip replace invariant violated")

	// ErrNotFound marks an absent block, tag, or ledger state.
	ErrNotFound = errors.New("chainkernel: not found")
)

// Reason enumerates why triage found a block not of interest.
type Reason int

const (
	_ Reason = iota
	ReasonAlreadyPresent
	ReasonBeyondStabilityDepth
	ReasonConsensusRejected
)

func (r Reason) String() string {
	switch r {
	case ReasonAlreadyPresent:
		return "AlreadyPresent"
	case ReasonBeyondStabilityDepth:
		return "BeyondStabilityDepth"
	case ReasonConsensusRejected:
		return "Consensus"
	default:
		return "Unknown"
	}
}

// ConsensusError carries why a header failed leadership verification. It is
// never returned as a plain error to HandleBlock's caller — triage carries it
// in a TriageRejected result — but it implements the error interface so it
// composes with fmt.Errorf("%w", ...) internally.
type ConsensusError struct {
	Reason string
}

func (e *ConsensusError) Error() string {
	return "chainkernel: consensus rejected: " + e.Reason
}

// NewConsensusError builds a ConsensusError with the given reason text.
func NewConsensusError(reason string) *ConsensusError {
	return &ConsensusError{Reason: reason}
}
