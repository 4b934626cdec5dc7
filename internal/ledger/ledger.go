package ledger

import (
	"IRSLedger/internal/errs"
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BatchSink receives every committed batch, in sequence order.
// Sinks run under the ledger lock and must not call back into the ledger.
type BatchSink func(*Batch)

// Ledger is the in-process token ledger: atomic multi-leg transfers over a
// single margin asset. A batch either applies completely or not at all.
type Ledger struct {
	mu        sync.Mutex
	assetID   AssetID
	tracker   *BalanceTracker
	validator *InvariantValidator
	generator *JournalGenerator
	sinks     []BatchSink
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the batch timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithBatchSink registers a consumer for committed batches.
func WithBatchSink(sink BatchSink) Option {
	return func(l *Ledger) { l.sinks = append(l.sinks, sink) }
}

// WithLogger sets the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithStartSequence continues batch numbering after a restore.
func WithStartSequence(seq int64) Option {
	return func(l *Ledger) { l.generator = NewJournalGenerator(seq, l.assetID) }
}

func New(assetID AssetID, opts ...Option) *Ledger {
	tracker := NewBalanceTracker()
	l := &Ledger{
		assetID:   assetID,
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
		generator: NewJournalGenerator(1, assetID),
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AssetID returns the margin asset.
func (l *Ledger) AssetID() AssetID {
	return l.assetID
}

// Execute applies all legs atomically. Zero legs are skipped; a batch with
// no non-zero legs is a no-op returning (nil, nil). Fails with
// InsufficientFunds if any non-external account would go negative.
func (l *Ledger) Execute(ctx context.Context, ref string, legs ...Transfer) (*Batch, error) {
	const op = "ledger.Execute"

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	batch, err := l.generator.Generate(ref, l.now().UnixMicro(), legs)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, op, err)
	}
	if batch == nil {
		return nil, nil
	}

	if err := l.validator.ValidateBatchBalance(batch); err != nil {
		l.generator.Rewind()
		return nil, errs.Wrap(errs.InvalidInput, op, err)
	}
	if err := l.validator.ValidateNoOverdraft(batch); err != nil {
		l.generator.Rewind()
		return nil, errs.Wrap(errs.InsufficientFunds, op, err)
	}

	if err := l.tracker.ApplyBatch(batch); err != nil {
		l.generator.Rewind()
		return nil, errs.Wrap(errs.InvalidInput, op, err)
	}

	l.logger.Debug().
		Str("ref", ref).
		Int64("sequence", batch.Sequence).
		Int("journals", len(batch.Journals)).
		Msg("batch committed")

	for _, sink := range l.sinks {
		sink(batch)
	}

	return batch, nil
}

// Deposit credits an owner's wallet from outside the ledger.
func (l *Ledger) Deposit(ctx context.Context, owner uuid.UUID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errs.E(errs.InvalidInput, "ledger.Deposit", "amount must be positive")
	}
	_, err := l.Execute(ctx, "deposit:"+owner.String(), Transfer{
		From:   ExternalAccount(SubTypeExternalDeposits, l.assetID),
		To:     WalletAccount(owner, l.assetID),
		Amount: amount,
		Type:   JournalTypeDeposit,
	})
	return err
}

// Withdraw moves funds from an owner's wallet out of the ledger.
func (l *Ledger) Withdraw(ctx context.Context, owner uuid.UUID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errs.E(errs.InvalidInput, "ledger.Withdraw", "amount must be positive")
	}
	_, err := l.Execute(ctx, "withdraw:"+owner.String(), Transfer{
		From:   WalletAccount(owner, l.assetID),
		To:     ExternalAccount(SubTypeExternalWithdrawals, l.assetID),
		Amount: amount,
		Type:   JournalTypeWithdrawal,
	})
	return err
}

// Fund seeds a system account (swap pool, insurance fund) from outside the ledger.
func (l *Ledger) Fund(ctx context.Context, account AccountKey, amount *big.Int) error {
	if account.Scope != AccountScopeSystem {
		return errs.E(errs.InvalidInput, "ledger.Fund", "%s is not a system account", account.AccountPath())
	}
	if amount == nil || amount.Sign() <= 0 {
		return errs.E(errs.InvalidInput, "ledger.Fund", "amount must be positive")
	}
	_, err := l.Execute(ctx, "fund:"+account.AccountPath(), Transfer{
		From:   ExternalAccount(SubTypeExternalDeposits, l.assetID),
		To:     account,
		Amount: amount,
		Type:   JournalTypePoolFunding,
	})
	return err
}

// Balance returns a copy of an account balance.
func (l *Ledger) Balance(key AccountKey) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.GetBalance(key)
}

// WalletBalance returns the free balance of an owner.
func (l *Ledger) WalletBalance(owner uuid.UUID) *big.Int {
	return l.Balance(WalletAccount(owner, l.assetID))
}

// CheckInvariants verifies the ledger is zero-sum and no internal account is overdrawn.
func (l *Ledger) CheckInvariants() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errList []error
	if err := l.validator.ValidateGlobalBalance(); err != nil {
		errList = append(errList, err)
	}
	for key := range l.tracker.balances {
		if key.MayOverdraw() {
			continue
		}
		if err := l.tracker.ValidateNonNegative(key); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// State returns balances and the next batch sequence for snapshotting.
func (l *Ledger) State() (map[AccountKey]*big.Int, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tracker.Snapshot(), l.generator.Sequence()
}

// Restore reloads balances from a snapshot.
func (l *Ledger) Restore(balances map[AccountKey]*big.Int, nextSequence int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracker.Restore(balances)
	l.generator = NewJournalGenerator(nextSequence, l.assetID)
}
