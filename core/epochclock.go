package core

import (
	"time"

	"github.com/sirupsen/logrus"
)

// TimeFrame maps wall-clock time to slot and epoch numbers deterministically.
type TimeFrame struct {
	GenesisStart time.Time
	SlotDuration time.Duration
}

// SlotAt returns the slot number containing t. Times before genesis map to
// slot 0.
func (tf TimeFrame) SlotAt(t time.Time) uint64 {
	if t.Before(tf.GenesisStart) || tf.SlotDuration <= 0 {
		return 0
	}
	return uint64(t.Sub(tf.GenesisStart) / tf.SlotDuration)
}

// EpochAt returns the epoch containing t, given epochLength slots per epoch.
func (tf TimeFrame) EpochAt(t time.Time, epochLength uint64) uint64 {
	if epochLength == 0 {
		return 0
	}
	return tf.SlotAt(t) / epochLength
}

// EpochParameters is emitted to the leader-scheduling task at startup and at
// every end-of-epoch boundary.
type EpochParameters struct {
	Epoch     uint64
	Static    *StaticParams
	Dynamic   *DynamicParams
	TimeFrame TimeFrame
	LedgerRef HeaderHash
}

// TipStateFunc supplies the current tip's hash and ledger state. It returns
// ok == false if no tip has been installed yet (e.g. clock started before
// genesis load completed).
type TipStateFunc func() (hash HeaderHash, state LedgerState, ok bool)

// EpochClock drives the epoch-event sink from wall-clock time. It ticks
// once per slot duration and emits a new EpochParameters only when the
// epoch number actually advances, so a consumer sees at most one event per
// boundary crossing rather than one per tick (none if the sink was full).
type EpochClock struct {
	timeFrame   TimeFrame
	epochLength uint64
	tipState    TipStateFunc
	sink        chan<- EpochParameters
	logger      *logrus.Logger

	stop chan struct{}
	done chan struct{}
}

// NewEpochClock constructs a clock. sink should be a bounded channel; sends
// are always non-blocking, so an unbuffered channel with no ready receiver
// will simply drop every emission.
func NewEpochClock(timeFrame TimeFrame, epochLength uint64, tipState TipStateFunc, sink chan<- EpochParameters, logger *logrus.Logger) *EpochClock {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EpochClock{
		timeFrame:   timeFrame,
		epochLength: epochLength,
		tipState:    tipState,
		sink:        sink,
		logger:      logger,
	}
}

// emit sends an EpochParameters for epoch, built from the current tip
// state. It never blocks: the sink send is a select with a default case.
func (c *EpochClock) emit(epoch uint64) {
	hash, state, ok := c.tipState()
	if !ok {
		return
	}
	params := EpochParameters{
		Epoch:     epoch,
		Static:    state.Static,
		Dynamic:   state.Dynamic,
		TimeFrame: c.timeFrame,
		LedgerRef: hash,
	}
	select {
	case c.sink <- params:
	default:
		c.logger.WithField("epoch", epoch).Warn("epoch clock: event sink full, dropping emission")
	}
}

// Initial emits the startup event: the current tip's parameters, stamped
// with the epoch derived from wall-clock time.
func (c *EpochClock) Initial() {
	c.emit(c.timeFrame.EpochAt(time.Now(), c.epochLength))
}

// Start launches the background ticking goroutine. Safe to call once;
// calling Start twice without an intervening Stop leaks the first goroutine.
func (c *EpochClock) Start() {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop()
}

func (c *EpochClock) loop() {
	defer close(c.done)

	ticker := time.NewTicker(c.timeFrame.SlotDuration)
	defer ticker.Stop()

	lastEpoch := c.timeFrame.EpochAt(time.Now(), c.epochLength)
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			epoch := c.timeFrame.EpochAt(now, c.epochLength)
			if epoch > lastEpoch {
				lastEpoch = epoch
				c.emit(epoch)
			}
		}
	}
}

// Stop halts the ticking goroutine and waits for it to exit.
func (c *EpochClock) Stop() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
}
