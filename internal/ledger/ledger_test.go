package ledger_test

import (
	"IRSLedger/internal/errs"
	"IRSLedger/internal/ledger"
	fpmath "IRSLedger/internal/math"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"
)

func usdc(t *testing.T) ledger.AssetID {
	t.Helper()
	id, ok := ledger.GetAssetID("USDC")
	if !ok {
		t.Fatal("USDC should be a known asset")
	}
	return id
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_WalletPath(t *testing.T) {
	owner := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.WalletAccount(owner, usdc(t))

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:wallet:USDC"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPaths(t *testing.T) {
	asset := usdc(t)
	tests := map[string]ledger.AccountKey{
		"system:margin_vault:USDC":   ledger.MarginVaultAccount(asset),
		"system:swap_pool:USDC":      ledger.SwapPoolAccount(asset),
		"system:fees:USDC":           ledger.FeeAccount(asset),
		"system:insurance_fund:USDC": ledger.InsuranceFundAccount(asset),
		"external:deposits:USDC":     ledger.ExternalAccount(ledger.SubTypeExternalDeposits, asset),
	}
	for want, key := range tests {
		if got := key.AccountPath(); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	asset := usdc(t)
	keys := []ledger.AccountKey{
		ledger.WalletAccount(uuid.New(), asset),
		ledger.MarginVaultAccount(asset),
		ledger.SwapPoolAccount(asset),
		ledger.FeeAccount(asset),
		ledger.InsuranceFundAccount(asset),
		ledger.ExternalAccount(ledger.SubTypeExternalDeposits, asset),
	}
	for _, key := range keys {
		got, err := ledger.ParseAccountPath(key.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", key.AccountPath(), err)
		}
		if got != key {
			t.Errorf("round trip of %s gave %s", key.AccountPath(), got.AccountPath())
		}
	}

	for _, bad := range []string{"", "user:not-a-uuid:wallet:USDC", "system:margin_vault:XYZ", "system:wallet:USDC", "ledger:x:y"} {
		if _, err := ledger.ParseAccountPath(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestAccountKey_OnlyExternalMayOverdraw(t *testing.T) {
	asset := usdc(t)
	if !ledger.ExternalAccount(ledger.SubTypeExternalDeposits, asset).MayOverdraw() {
		t.Error("external accounts should be allowed to overdraw")
	}
	if ledger.SwapPoolAccount(asset).MayOverdraw() {
		t.Error("swap pool must not overdraw")
	}
	if ledger.WalletAccount(uuid.New(), asset).MayOverdraw() {
		t.Error("wallets must not overdraw")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func newJournal(batchID uuid.UUID, from, to ledger.AccountKey, amount *big.Int) ledger.Journal {
	return ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       batchID,
		DebitAccount:  to,
		CreditAccount: from,
		AssetID:       to.AssetID,
		Amount:        amount,
		JournalType:   ledger.JournalTypeMarginDeposit,
	}
}

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	b := &ledger.Batch{BatchID: uuid.New()}
	if err := b.Validate(); err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestBatchValidate_NonPositiveAmount_Fails(t *testing.T) {
	asset := usdc(t)
	for _, amount := range []*big.Int{big.NewInt(0), big.NewInt(-5), nil} {
		batchID := uuid.New()
		b := &ledger.Batch{
			BatchID: batchID,
			Journals: []ledger.Journal{
				newJournal(batchID, ledger.WalletAccount(uuid.New(), asset), ledger.MarginVaultAccount(asset), amount),
			},
		}
		if err := b.Validate(); err == nil {
			t.Errorf("expected error for amount %v", amount)
		}
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	asset := usdc(t)
	batchID := uuid.New()
	vault := ledger.MarginVaultAccount(asset)
	b := &ledger.Batch{
		BatchID:  batchID,
		Journals: []ledger.Journal{newJournal(batchID, vault, vault, big.NewInt(1))},
	}
	if err := b.Validate(); err == nil {
		t.Fatal("expected error for self transfer")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	asset := usdc(t)
	b := &ledger.Batch{
		BatchID: uuid.New(),
		Journals: []ledger.Journal{
			newJournal(uuid.New(), ledger.WalletAccount(uuid.New(), asset), ledger.MarginVaultAccount(asset), big.NewInt(1)),
		},
	}
	if err := b.Validate(); err == nil {
		t.Fatal("expected error for mismatched batch id")
	}
}

// ============================================================================
// Test: Ledger
// ============================================================================

func TestLedger_DepositAndWithdraw(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(usdc(t))
	owner := uuid.New()

	if err := l.Deposit(ctx, owner, fpmath.FromUnits(1000)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := l.Withdraw(ctx, owner, fpmath.FromUnits(400)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if got := l.WalletBalance(owner); got.Cmp(fpmath.FromUnits(600)) != 0 {
		t.Errorf("wallet = %s, want 600e18", got)
	}
	if err := l.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestLedger_Execute_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	asset := usdc(t)
	l := ledger.New(asset)
	owner := uuid.New()

	if err := l.Deposit(ctx, owner, fpmath.FromUnits(100)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// First leg is covered, second is not: nothing may apply
	_, err := l.Execute(ctx, "test",
		ledger.Transfer{
			From:   ledger.WalletAccount(owner, asset),
			To:     ledger.MarginVaultAccount(asset),
			Amount: fpmath.FromUnits(50),
			Type:   ledger.JournalTypeMarginDeposit,
		},
		ledger.Transfer{
			From:   ledger.SwapPoolAccount(asset),
			To:     ledger.MarginVaultAccount(asset),
			Amount: fpmath.FromUnits(10),
			Type:   ledger.JournalTypeSwapPnL,
		},
	)
	if !errors.Is(err, errs.InsufficientFunds) {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}
	var overdraft *ledger.OverdraftError
	if !errors.As(err, &overdraft) {
		t.Fatalf("expected *OverdraftError in chain, got %v", err)
	}
	if overdraft.Account != ledger.SwapPoolAccount(asset) {
		t.Errorf("overdraft reported on %s", overdraft.Account.AccountPath())
	}

	if got := l.WalletBalance(owner); got.Cmp(fpmath.FromUnits(100)) != 0 {
		t.Errorf("wallet changed to %s after rejected batch", got)
	}
	if got := l.Balance(ledger.MarginVaultAccount(asset)); got.Sign() != 0 {
		t.Errorf("vault changed to %s after rejected batch", got)
	}
}

func TestLedger_Execute_LegsNetWithinBatch(t *testing.T) {
	ctx := context.Background()
	asset := usdc(t)
	l := ledger.New(asset)
	owner := uuid.New()
	if err := l.Deposit(ctx, owner, fpmath.FromUnits(10)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// Vault is empty before the batch but funded by the first leg
	batch, err := l.Execute(ctx, "chain",
		ledger.Transfer{From: ledger.WalletAccount(owner, asset), To: ledger.MarginVaultAccount(asset), Amount: fpmath.FromUnits(10), Type: ledger.JournalTypeMarginDeposit},
		ledger.Transfer{From: ledger.MarginVaultAccount(asset), To: ledger.FeeAccount(asset), Amount: fpmath.FromUnits(3), Type: ledger.JournalTypeLiquidationFee},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batch.Journals) != 2 {
		t.Errorf("journals = %d, want 2", len(batch.Journals))
	}
	if got := l.Balance(ledger.FeeAccount(asset)); got.Cmp(fpmath.FromUnits(3)) != 0 {
		t.Errorf("fees = %s", got)
	}
}

func TestLedger_Execute_ZeroLegsIsNoop(t *testing.T) {
	asset := usdc(t)
	var seen int
	l := ledger.New(asset, ledger.WithBatchSink(func(*ledger.Batch) { seen++ }))

	batch, err := l.Execute(context.Background(), "noop", ledger.Transfer{
		From:   ledger.SwapPoolAccount(asset),
		To:     ledger.MarginVaultAccount(asset),
		Amount: new(big.Int),
	})
	if err != nil || batch != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", batch, err)
	}
	if seen != 0 {
		t.Errorf("sink called %d times for a no-op", seen)
	}
}

func TestLedger_SequencesAreContiguous(t *testing.T) {
	ctx := context.Background()
	asset := usdc(t)
	var seqs []int64
	l := ledger.New(asset, ledger.WithBatchSink(func(b *ledger.Batch) { seqs = append(seqs, b.Sequence) }))
	owner := uuid.New()

	_ = l.Deposit(ctx, owner, fpmath.FromUnits(1))
	_ = l.Withdraw(ctx, owner, fpmath.FromUnits(5)) // rejected
	_ = l.Withdraw(ctx, owner, fpmath.FromUnits(1))

	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Errorf("sequences = %v, want [1 2]", seqs)
	}
}

func TestLedger_RejectsNegativeLeg(t *testing.T) {
	asset := usdc(t)
	l := ledger.New(asset)
	_, err := l.Execute(context.Background(), "neg", ledger.Transfer{
		From:   ledger.ExternalAccount(ledger.SubTypeExternalDeposits, asset),
		To:     ledger.SwapPoolAccount(asset),
		Amount: big.NewInt(-1),
	})
	if !errors.Is(err, errs.InvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestLedger_FundRequiresSystemAccount(t *testing.T) {
	asset := usdc(t)
	l := ledger.New(asset)
	if err := l.Fund(context.Background(), ledger.WalletAccount(uuid.New(), asset), big.NewInt(1)); !errors.Is(err, errs.InvalidInput) {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
	if err := l.Fund(context.Background(), ledger.SwapPoolAccount(asset), fpmath.FromUnits(5)); err != nil {
		t.Fatalf("fund failed: %v", err)
	}
}

func TestLedger_StateRestore(t *testing.T) {
	ctx := context.Background()
	asset := usdc(t)
	src := ledger.New(asset)
	owner := uuid.New()
	_ = src.Deposit(ctx, owner, fpmath.FromUnits(42))

	balances, next := src.State()
	dst := ledger.New(asset)
	dst.Restore(balances, next)

	if got := dst.WalletBalance(owner); got.Cmp(fpmath.FromUnits(42)) != 0 {
		t.Errorf("restored wallet = %s", got)
	}
	if err := dst.CheckInvariants(); err != nil {
		t.Errorf("invariants after restore: %v", err)
	}

	var seq int64
	dst2 := ledger.New(asset, ledger.WithBatchSink(func(b *ledger.Batch) { seq = b.Sequence }))
	dst2.Restore(balances, next)
	_ = dst2.Withdraw(ctx, owner, fpmath.FromUnits(1))
	if seq != next {
		t.Errorf("sequence after restore = %d, want %d", seq, next)
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	asset := usdc(t)
	bt := ledger.NewBalanceTracker()
	batchID := uuid.New()
	b := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			newJournal(batchID, ledger.ExternalAccount(ledger.SubTypeExternalDeposits, asset), ledger.SwapPoolAccount(asset), big.NewInt(7)),
		},
	}
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	v := ledger.NewInvariantValidator(bt)
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance should be zero: %v", err)
	}
}
