package core_test

import (
	"IRSLedger/internal/core"
	"IRSLedger/internal/event"
	"IRSLedger/internal/ledger"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
)

func fixedClock() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func newDispatcher(t *testing.T, cfg core.Config) *core.Dispatcher {
	t.Helper()
	d, err := core.NewDispatcher(cfg, core.WithClock(fixedClock))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d
}

func rateEvent(ts int64) *event.RateUpdated {
	return &event.RateUpdated{Rate: big.NewInt(ts * 1000), Timestamp: ts}
}

func drain(ch <-chan core.Output) []core.Output {
	var out []core.Output
	for {
		select {
		case o, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, o)
		default:
			return out
		}
	}
}

// ============================================================================
// Test: sequencing and hash chain
// ============================================================================

func TestDispatcher_ChainValidates(t *testing.T) {
	d := newDispatcher(t, core.DefaultConfig())

	for ts := int64(1); ts <= 5; ts++ {
		d.Emit(rateEvent(ts))
	}
	d.Emit(&event.MarginAdded{Position: 7, Payer: uuid.New(), Amount: big.NewInt(10), Margin: big.NewInt(110), Version: 2, Timestamp: 9})

	outs := drain(d.Persist())
	if len(outs) != 6 {
		t.Fatalf("persisted %d outputs, want 6", len(outs))
	}

	v := core.NewSequenceValidator(0, core.GenesisHash())
	for _, o := range outs {
		if err := v.Validate(o.Envelope); err != nil {
			t.Fatalf("validate %s: %v", o, err)
		}
	}
	if v.Next() != 6 || d.Sequence() != 6 {
		t.Errorf("next sequence validator=%d dispatcher=%d, want 6", v.Next(), d.Sequence())
	}
	if _, tip := d.Tip(); tip != v.Tip() {
		t.Error("dispatcher tip differs from validated tip")
	}

	last := outs[5].Envelope
	if last.PositionID == nil || *last.PositionID != 7 {
		t.Errorf("position context not carried: %v", last.PositionID)
	}
	if !last.Timestamp.Equal(fixedClock()) {
		t.Errorf("timestamp %v, want %v", last.Timestamp, fixedClock())
	}
}

func TestDispatcher_TamperDetected(t *testing.T) {
	d := newDispatcher(t, core.DefaultConfig())
	d.Emit(rateEvent(1))
	d.Emit(rateEvent(2))
	outs := drain(d.Persist())

	outs[1].Envelope.Payload = []byte(`{"rate":1,"timestamp":2}`)

	v := core.NewSequenceValidator(0, core.GenesisHash())
	if err := v.Validate(outs[0].Envelope); err != nil {
		t.Fatalf("first envelope: %v", err)
	}
	if err := v.Validate(outs[1].Envelope); !errors.Is(err, core.ErrChainBroken) {
		t.Errorf("got %v, want ErrChainBroken", err)
	}
}

func TestDispatcher_GapDetected(t *testing.T) {
	d := newDispatcher(t, core.DefaultConfig())
	d.Emit(rateEvent(1))
	d.Emit(rateEvent(2))
	outs := drain(d.Persist())

	v := core.NewSequenceValidator(0, core.GenesisHash())
	if err := v.Validate(outs[1].Envelope); !errors.Is(err, core.ErrSequenceGap) {
		t.Errorf("got %v, want ErrSequenceGap", err)
	}
}

func TestDispatcher_ResumesFromTip(t *testing.T) {
	first := newDispatcher(t, core.DefaultConfig())
	first.Emit(rateEvent(1))
	first.Emit(rateEvent(2))
	seq, tip := first.Tip()

	cfg := core.DefaultConfig()
	cfg.StartSequence = seq
	cfg.Tip = tip
	second := newDispatcher(t, cfg)
	second.Emit(rateEvent(3))

	outs := drain(second.Persist())
	v := core.NewSequenceValidator(seq, tip)
	if err := v.Validate(outs[0].Envelope); err != nil {
		t.Fatalf("resumed chain: %v", err)
	}
	if outs[0].Envelope.Sequence != 2 {
		t.Errorf("sequence %d, want 2", outs[0].Envelope.Sequence)
	}
}

// ============================================================================
// Test: dedup
// ============================================================================

func TestDispatcher_DuplicateDropped(t *testing.T) {
	d := newDispatcher(t, core.DefaultConfig())
	d.Emit(rateEvent(1))
	d.Emit(rateEvent(1))

	if n := len(drain(d.Persist())); n != 1 {
		t.Errorf("persisted %d, want 1", n)
	}
	if d.Idempotency().Duplicates() != 1 {
		t.Errorf("duplicates %d, want 1", d.Idempotency().Duplicates())
	}
	if d.Sequence() != 1 {
		t.Errorf("duplicate consumed a sequence: %d", d.Sequence())
	}
}

func TestDispatcher_WarmedKeysDropped(t *testing.T) {
	d := newDispatcher(t, core.DefaultConfig())
	d.Idempotency().Warm([]string{core.CompositeKey("RateUpdated", "rate:1")})
	d.Emit(rateEvent(1))

	if n := len(drain(d.Persist())); n != 0 {
		t.Errorf("persisted %d, want 0", n)
	}
}

// ============================================================================
// Test: fan-out
// ============================================================================

func TestDispatcher_LossyChannelsDrop(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.PublishSize = 1
	cfg.ProjectionSize = 2
	d := newDispatcher(t, cfg)

	for ts := int64(1); ts <= 4; ts++ {
		d.Emit(rateEvent(ts))
	}

	if n := len(drain(d.Persist())); n != 4 {
		t.Errorf("persist %d, want 4", n)
	}
	if n := len(drain(d.Publish())); n != 1 {
		t.Errorf("publish %d, want 1", n)
	}
	if n := len(drain(d.Projection())); n != 2 {
		t.Errorf("projection %d, want 2", n)
	}
}

func TestDispatcher_PersistBlocksUntilDrained(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.PersistSize = 1
	d := newDispatcher(t, cfg)

	d.Emit(rateEvent(1))
	done := make(chan struct{})
	go func() {
		d.Emit(rateEvent(2))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("emit returned with a full persist channel")
	case <-time.After(50 * time.Millisecond):
	}

	first := <-d.Persist()
	<-done
	second := <-d.Persist()
	if first.Envelope.Sequence != 0 || second.Envelope.Sequence != 1 {
		t.Errorf("order %d, %d", first.Envelope.Sequence, second.Envelope.Sequence)
	}
}

func TestDispatcher_BatchesNotPublished(t *testing.T) {
	d := newDispatcher(t, core.DefaultConfig())

	asset, _ := ledger.GetAssetID("USDC")
	gen := ledger.NewJournalGenerator(0, asset)
	batch, err := gen.Generate("open:1", 1, []ledger.Transfer{{
		From:   ledger.WalletAccount(uuid.New(), asset),
		To:     ledger.MarginVaultAccount(asset),
		Amount: big.NewInt(100),
		Type:   ledger.JournalTypeMarginDeposit,
	}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	d.RecordBatch(batch)

	persisted := drain(d.Persist())
	if len(persisted) != 1 || persisted[0].Batch != batch {
		t.Fatalf("persist got %v", persisted)
	}
	if n := len(drain(d.Publish())); n != 0 {
		t.Errorf("batch published %d times", n)
	}
	if n := len(drain(d.Projection())); n != 1 {
		t.Errorf("projection %d, want 1", n)
	}
	if d.Sequence() != 0 {
		t.Error("batch consumed an event sequence")
	}
}

func TestDispatcher_CloseStopsOutputs(t *testing.T) {
	d := newDispatcher(t, core.DefaultConfig())
	d.Emit(rateEvent(1))
	d.Close()
	d.Close()
	d.Emit(rateEvent(2))

	var n int
	for range d.Persist() {
		n++
	}
	if n != 1 {
		t.Errorf("persist drained %d, want 1", n)
	}
	if d.Sequence() != 1 {
		t.Errorf("sequence advanced after close: %d", d.Sequence())
	}
}
