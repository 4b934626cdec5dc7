package projection_test

import (
	"IRSLedger/internal/core"
	"IRSLedger/internal/event"
	"IRSLedger/internal/ledger"
	"IRSLedger/internal/projection"
	"context"
	"math/big"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestProjectionWorker_AppliesBatchesAndEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	cfg := core.DefaultConfig()
	cfg.PersistSize = 0
	cfg.PublishSize = 0
	d, err := core.NewDispatcher(cfg)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	usdc, _ := ledger.GetAssetID("USDC")
	owner := uuid.New()
	l := ledger.New(usdc, ledger.WithBatchSink(d.RecordBatch))
	if err := l.Deposit(context.Background(), owner, big.NewInt(500)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	liquidator := uuid.New()
	d.Emit(&event.PositionLiquidated{
		Position: 9, Liquidator: liquidator, HealthFactor: big.NewInt(8), Seized: big.NewInt(100),
		Fee: big.NewInt(10), Bonus: big.NewInt(5), Reward: big.NewInt(105), Revenue: big.NewInt(5),
		RemainingMargin: big.NewInt(400), Partial: true, Version: 3, Timestamp: 77,
	})
	d.Close()

	walletPath := ledger.WalletAccount(owner, usdc).AccountPath()
	depositsPath := ledger.ExternalAccount(ledger.SubTypeExternalDeposits, usdc).AccountPath()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`balance = projections.balances.balance + $3`)).
		WithArgs(walletPath, uint16(usdc), "500", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`balance = projections.balances.balance - $3`)).
		WithArgs(depositsPath, uint16(usdc), "500", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO projections.liquidations`)).
		WithArgs(int64(0), int64(9), liquidator, "8", "100", "105", "5", true, false, int64(77)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE projections.positions SET margin = $2`)).
		WithArgs(int64(9), "400", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO projections.watermark`)).
		WithArgs("main", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	history := projection.NewHistory(10)
	w := projection.NewProjectionWorker(db, d.Projection(), history, zerolog.Nop(), nil)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if w.LastSequence() != 0 {
		t.Errorf("last sequence %d", w.LastSequence())
	}
	got := history.LiquidationsByPosition(9, 10)
	if len(got) != 1 || got[0].Liquidator != liquidator || !got[0].Partial {
		t.Errorf("history: %+v", got)
	}
}

func TestProjectionWorker_FailureDoesNotStop(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	input := make(chan core.Output, 2)
	input <- core.Output{Envelope: &event.EventEnvelope{Sequence: 0, EventType: event.EventTypeRateUpdated, Payload: []byte(`not json`)}}
	input <- core.Output{Envelope: &event.EventEnvelope{Sequence: 1, EventType: event.EventTypeRateUpdated, Payload: []byte(`{"rate":5,"timestamp":10}`)}}
	close(input)

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO projections.rates`)).
		WithArgs(int64(10), "5", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO projections.watermark`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	history := projection.NewHistory(10)
	w := projection.NewProjectionWorker(db, input, history, zerolog.Nop(), nil)
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if rates := history.Rates(5); len(rates) != 1 || rates[0].Timestamp != 10 {
		t.Errorf("rates: %+v", rates)
	}
}

func TestHistory_BoundedNewestFirst(t *testing.T) {
	h := projection.NewHistory(3)
	for ts := int64(1); ts <= 5; ts++ {
		h.Record(ts, &event.RateUpdated{Rate: big.NewInt(ts), Timestamp: ts})
	}

	rates := h.Rates(10)
	if len(rates) != 3 {
		t.Fatalf("kept %d rates, want 3", len(rates))
	}
	if rates[0].Timestamp != 5 || rates[2].Timestamp != 3 {
		t.Errorf("order: %d..%d", rates[0].Timestamp, rates[2].Timestamp)
	}
	if n := len(h.Rates(2)); n != 2 {
		t.Errorf("limit ignored: %d", n)
	}

	var nilHistory *projection.History
	nilHistory.Record(1, &event.RateUpdated{Rate: big.NewInt(1), Timestamp: 1})
}

func TestRebuildProjections_ReplaysLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	trader := uuid.New()
	opened := `{"position_id":1,"trader":"` + trader.String() + `","is_paying_fixed":true,"notional":1000,"margin":100,"fixed_rate":5,"start_time":1,"maturity":2}`

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`TRUNCATE projections.balances`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM projections.watermark`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO projections.balances`)).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT sequence, event_type, payload FROM event_log.events`)).
		WithArgs(int64(0), 2).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "event_type", "payload"}).
			AddRow(int64(0), "PositionOpened", []byte(opened)).
			AddRow(int64(1), "RiskParamUpdated", []byte(`{"param":"protocol_fee","old":1,"new":2,"version":2,"timestamp":3}`)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO projections.positions`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT sequence, event_type, payload FROM event_log.events`)).
		WithArgs(int64(2), 2).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "event_type", "payload"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO projections.watermark`)).
		WithArgs("main", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := projection.RebuildProjections(context.Background(), db, 2, zerolog.Nop())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if applied != 2 {
		t.Errorf("applied %d, want 2", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
