package persistence_test

import (
	"IRSLedger/internal/core"
	"IRSLedger/internal/errs"
	"IRSLedger/internal/event"
	"IRSLedger/internal/ledger"
	fpmath "IRSLedger/internal/math"
	"IRSLedger/internal/oracle"
	"IRSLedger/internal/persistence"
	"IRSLedger/internal/state"
	"context"
	"database/sql/driver"
	"errors"
	"math/big"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var governor = uuid.MustParse("00000000-0000-0000-0000-00000000beef")

type stack struct {
	persistence.Components
	now time.Time
}

func newStack(t *testing.T, d *core.Dispatcher) *stack {
	t.Helper()
	s := &stack{now: time.Unix(1_700_000_000, 0)}
	clock := func() time.Time { return s.now }

	usdc, _ := ledger.GetAssetID("USDC")
	var ledgerOpts []ledger.Option
	var stateOpts []state.Option
	if d != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithBatchSink(d.RecordBatch))
		stateOpts = append(stateOpts, state.WithEventSink(d))
	}
	s.Dispatcher = d
	s.Ledger = ledger.New(usdc, append(ledgerOpts, ledger.WithClock(clock))...)

	var err error
	s.Oracle, err = oracle.New(oracle.DefaultConfig(), nil, oracle.WithClock(clock))
	if err != nil {
		t.Fatalf("oracle: %v", err)
	}
	s.Risk, err = state.NewRiskParamsManager(governor, state.DefaultRiskParams())
	if err != nil {
		t.Fatalf("risk: %v", err)
	}
	margin, err := state.NewMarginEngine(s.Risk, s.Oracle, append(stateOpts, state.WithClock(clock))...)
	if err != nil {
		t.Fatalf("margin: %v", err)
	}
	s.Positions = state.NewPositionManager(s.Ledger, margin, append(stateOpts, state.WithClock(clock))...)
	return s
}

// captured records the bytes bound to one statement argument.
type captured struct{ data []byte }

func (c *captured) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	c.data = b
	return ok
}

func TestSnapshot_CaptureAndApply(t *testing.T) {
	ctx := context.Background()
	d, err := core.NewDispatcher(core.DefaultConfig())
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	src := newStack(t, d)

	if err := src.Oracle.Record(fpmath.PercentToWad(6), src.now.Unix()); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := src.Risk.SetProtocolFee(governor, fpmath.PercentToWad(3)); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	trader := uuid.New()
	if err := src.Ledger.Deposit(ctx, trader, fpmath.FromUnits(5_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	opened, err := src.Positions.OpenPosition(ctx, trader, state.OpenRequest{
		IsPayingFixed: true,
		Notional:      fpmath.FromUnits(10_000),
		FixedRate:     fpmath.PercentToWad(5),
		MaturityDays:  90,
		Margin:        fpmath.FromUnits(2_000),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	d.Emit(&event.RateUpdated{Rate: fpmath.PercentToWad(6), Timestamp: src.now.Unix()})

	snap := persistence.Capture(src.Components, src.now)
	if snap.Sequence != d.Sequence() {
		t.Fatalf("snapshot sequence %d, dispatcher %d", snap.Sequence, d.Sequence())
	}

	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)
	arg := &captured{}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_log.snapshots`)).
		WithArgs(sqlmock.AnyArg(), snap.Sequence, arg, snap.StateHash, 1, sqlmock.AnyArg(), true, snap.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if _, err := sm.SaveSnapshot(ctx, snap, true); err != nil {
		t.Fatalf("save: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM event_log.snapshots`)).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(arg.data))
	loaded, err := sm.LoadLatestSnapshot(ctx)
	if err != nil || loaded == nil {
		t.Fatalf("load: %v", err)
	}

	dst := newStack(t, nil)
	if err := persistence.Apply(loaded, dst.Components); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, err := dst.Positions.GetPosition(opened.ID)
	if err != nil {
		t.Fatalf("restored position: %v", err)
	}
	if got.Trader != trader || got.Margin.Cmp(opened.Margin) != 0 || got.Notional.Cmp(opened.Notional) != 0 || got.Version != opened.Version {
		t.Errorf("position mismatch: %+v vs %+v", got, opened)
	}
	if dst.Ledger.WalletBalance(trader).Cmp(fpmath.FromUnits(3_000)) != 0 {
		t.Errorf("wallet %s", dst.Ledger.WalletBalance(trader))
	}
	if dst.Ledger.Balance(ledger.MarginVaultAccount(dst.Ledger.AssetID())).Cmp(fpmath.FromUnits(2_000)) != 0 {
		t.Error("vault balance not restored")
	}
	if err := dst.Ledger.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
	rate, err := dst.Oracle.CurrentRate()
	if err != nil || rate.Rate.Cmp(fpmath.PercentToWad(6)) != 0 {
		t.Errorf("rate %v err %v", rate.Rate, err)
	}
	if p := dst.Risk.Get(); p.ProtocolFee.Cmp(fpmath.PercentToWad(3)) != 0 || p.Version != src.Risk.Version() {
		t.Errorf("risk params not restored: fee %s version %d", p.ProtocolFee, p.Version)
	}

	// Ids continue after the restored position
	if err := dst.Ledger.Deposit(ctx, trader, fpmath.FromUnits(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	next, err := dst.Positions.OpenPosition(ctx, trader, state.OpenRequest{
		Notional: fpmath.FromUnits(1_000), FixedRate: fpmath.PercentToWad(5), MaturityDays: 30, Margin: fpmath.FromUnits(200),
	})
	if err != nil {
		t.Fatalf("open after restore: %v", err)
	}
	if next.ID != opened.ID+1 {
		t.Errorf("next id %d, want %d", next.ID, opened.ID+1)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestApply_RejectsMalformedSnapshot(t *testing.T) {
	dst := newStack(t, nil)
	snap := &persistence.SnapshotData{
		Balances:   map[string]string{"nowhere:x": "1"},
		RiskParams: persistence.RiskParamsSnap{Values: map[string]string{}},
	}
	if err := persistence.Apply(snap, dst.Components); err == nil {
		t.Error("expected bad account path to fail")
	}

	snap.Balances = nil
	if err := persistence.Apply(snap, dst.Components); !errors.Is(err, errs.InvalidInput) {
		t.Errorf("missing risk params: got %v", err)
	}
}

// ============================================================================
// Test: Recovery
// ============================================================================

func eventRows(t *testing.T, envs ...*event.EventEnvelope) *sqlmock.Rows {
	t.Helper()
	rows := sqlmock.NewRows([]string{"sequence", "event_type", "idempotency_key", "position_id", "payload", "state_hash", "prev_hash", "timestamp"})
	for _, env := range envs {
		r := persistence.FromEnvelope(env)
		var pos driver.Value
		if r.PositionID != nil {
			pos = *r.PositionID
		}
		rows.AddRow(r.Sequence, r.EventType, r.IdempotencyKey, pos, r.Payload, r.StateHash, r.PrevHash, r.Timestamp)
	}
	return rows
}

func emitRates(t *testing.T, n int) []*event.EventEnvelope {
	t.Helper()
	d, err := core.NewDispatcher(core.DefaultConfig())
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	for ts := 1; ts <= n; ts++ {
		d.Emit(&event.RateUpdated{Rate: big.NewInt(int64(ts)), Timestamp: int64(ts)})
	}
	d.Close()
	var envs []*event.EventEnvelope
	for out := range d.Persist() {
		envs = append(envs, out.Envelope)
	}
	return envs
}

func TestRecover_ColdStartEmptyLog(t *testing.T) {
	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM event_log.snapshots`)).WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM event_log.events`)).WithArgs(int64(0), 10).WillReturnRows(eventRows(t))

	res, err := persistence.Recover(context.Background(), sm, nil, newStack(t, nil).Components,
		persistence.RecoverOptions{PageSize: 10}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.Sequence != 0 || res.Tip != core.GenesisHash() || res.FromSnapshot {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRecover_LogAheadRefusedByDefault(t *testing.T) {
	envs := emitRates(t, 3)
	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM event_log.snapshots`)).WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM event_log.events`)).WithArgs(int64(0), 10).WillReturnRows(eventRows(t, envs...))

	_, err := persistence.Recover(context.Background(), sm, nil, newStack(t, nil).Components,
		persistence.RecoverOptions{PageSize: 10}, zerolog.Nop())
	if !errors.Is(err, persistence.ErrLogAhead) || !errors.Is(err, errs.StateConflict) {
		t.Errorf("got %v, want ErrLogAhead", err)
	}
}

func TestRecover_LogAheadAllowedContinuesChain(t *testing.T) {
	envs := emitRates(t, 3)
	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM event_log.snapshots`)).WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM event_log.events`)).WithArgs(int64(0), 2).WillReturnRows(eventRows(t, envs[:2]...))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM event_log.events`)).WithArgs(int64(2), 2).WillReturnRows(eventRows(t, envs[2]))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT event_type, idempotency_key`)).WithArgs(100).
		WillReturnRows(sqlmock.NewRows([]string{"event_type", "idempotency_key"}).
			AddRow("RateUpdated", "rate:3").AddRow("RateUpdated", "rate:2").AddRow("RateUpdated", "rate:1"))

	res, err := persistence.Recover(context.Background(), sm, persistence.NewIdempotencyStore(db), newStack(t, nil).Components,
		persistence.RecoverOptions{AllowLogAhead: true, PageSize: 2, WarmKeys: 100}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.Sequence != 3 || res.Tip != envs[2].StateHash || res.TailEvents != 3 {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(res.IdempotencyKeys) != 3 || res.IdempotencyKeys[0] != "RateUpdated:rate:1" {
		t.Errorf("keys not oldest first: %v", res.IdempotencyKeys)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestVerifyLog_DetectsTamperedRow(t *testing.T) {
	envs := emitRates(t, 2)
	envs[1].Payload = []byte(`{"rate":99,"timestamp":2}`)

	db, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM event_log.events`)).WillReturnRows(eventRows(t, envs...))

	_, err := persistence.NewSnapshotManager(db).VerifyLog(context.Background(), 0, core.GenesisHash(), 10)
	if !errors.Is(err, core.ErrChainBroken) {
		t.Errorf("got %v, want ErrChainBroken", err)
	}
}

func TestSaveVerified_RequiresDrainedLog(t *testing.T) {
	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT MAX(sequence)`)).WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(4)))
	_, err := persistence.SaveVerified(context.Background(), sm, &persistence.SnapshotData{Sequence: 9})
	if !errors.Is(err, errs.StateConflict) {
		t.Errorf("got %v, want StateConflict", err)
	}
}
