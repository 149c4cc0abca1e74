package core

import (
	"testing"
	"time"
)

func TestTimeFrameSlotAndEpochAt(t *testing.T) {
	tf := TimeFrame{GenesisStart: time.Unix(1000, 0), SlotDuration: time.Second}

	if got := tf.SlotAt(time.Unix(999, 0)); got != 0 {
		t.Fatalf("slot before genesis = %d, want 0", got)
	}
	if got := tf.SlotAt(time.Unix(1005, 0)); got != 5 {
		t.Fatalf("slot at +5s = %d, want 5", got)
	}
	if got := tf.EpochAt(time.Unix(1025, 0), 10); got != 2 {
		t.Fatalf("epoch at slot 25 / epochLength 10 = %d, want 2", got)
	}
}

func TestEpochClockInitialEmitsOnce(t *testing.T) {
	tf := TimeFrame{GenesisStart: time.Now().Add(-time.Hour), SlotDuration: time.Millisecond}
	sink := make(chan EpochParameters, 4)
	tipState := func() (HeaderHash, LedgerState, bool) {
		return HashHeader([]byte("tip")), LedgerState{Static: &StaticParams{}}, true
	}
	clock := NewEpochClock(tf, 10, tipState, sink, testLogger())
	clock.Initial()

	select {
	case params := <-sink:
		if params.LedgerRef.IsZero() {
			t.Fatal("expected a non-zero ledger ref in the initial emission")
		}
	default:
		t.Fatal("expected Initial to emit exactly one event")
	}
}

func TestEpochClockNoTipYetEmitsNothing(t *testing.T) {
	tf := TimeFrame{GenesisStart: time.Now(), SlotDuration: time.Millisecond}
	sink := make(chan EpochParameters, 1)
	tipState := func() (HeaderHash, LedgerState, bool) { return HeaderHash{}, LedgerState{}, false }
	clock := NewEpochClock(tf, 10, tipState, sink, testLogger())
	clock.Initial()

	select {
	case p := <-sink:
		t.Fatalf("expected no emission with no tip installed yet, got %+v", p)
	default:
	}
}

func TestEpochClockDropsOnFullSink(t *testing.T) {
	tf := TimeFrame{GenesisStart: time.Now().Add(-time.Hour), SlotDuration: time.Millisecond}
	sink := make(chan EpochParameters) // unbuffered, no receiver ready
	tipState := func() (HeaderHash, LedgerState, bool) {
		return HashHeader([]byte("tip")), LedgerState{Static: &StaticParams{}}, true
	}
	clock := NewEpochClock(tf, 10, tipState, sink, testLogger())
	// Must return immediately rather than blocking forever.
	done := make(chan struct{})
	go func() {
		clock.Initial()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on a full sink instead of dropping")
	}
}
