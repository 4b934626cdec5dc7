package oracle_test

import (
	"IRSLedger/internal/errs"
	fpmath "IRSLedger/internal/math"
	"IRSLedger/internal/oracle"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixedSource struct {
	name   string
	supply *big.Int
	borrow *big.Int
	err    error
	block  bool
}

func (s *fixedSource) Name() string { return s.name }

func (s *fixedSource) SupplyRate(ctx context.Context) (*big.Int, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.supply, s.err
}

func (s *fixedSource) BorrowRate(ctx context.Context) (*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.borrow, nil
}

func newOracle(t *testing.T, clock *fakeClock, cfg oracle.Config, sources ...oracle.RateSource) *oracle.RateOracle {
	t.Helper()
	o, err := oracle.New(cfg, sources, oracle.WithClock(clock.Now))
	require.NoError(t, err)
	return o
}

// ============================================================================
// Test: state machine & staleness
// ============================================================================

func TestOracle_Lifecycle(t *testing.T) {
	require := require.New(t)
	clock := newClock()
	cfg := oracle.DefaultConfig()
	cfg.MaxStaleness = time.Minute
	o := newOracle(t, clock, cfg, &fixedSource{name: "a", supply: fpmath.PercentToWad(8)})

	require.Equal(oracle.StatusUninitialized, o.Status())
	_, err := o.CurrentRate()
	require.ErrorIs(err, oracle.ErrNoRate)
	require.ErrorIs(err, errs.StaleData)

	snap, err := o.UpdateRate(context.Background())
	require.NoError(err)
	require.Equal(0, snap.Rate.Cmp(fpmath.PercentToWad(8)))
	require.Equal(oracle.StatusFresh, o.Status())

	clock.Advance(2 * time.Minute)
	require.Equal(oracle.StatusStale, o.Status())
	_, err = o.CurrentRate()
	var stale *oracle.StaleRateError
	require.True(errors.As(err, &stale))
	require.Equal(2*time.Minute, stale.Age)
	require.Equal(time.Minute, stale.MaxAge)

	_, err = o.UpdateRate(context.Background())
	require.NoError(err)
	require.Equal(oracle.StatusFresh, o.Status())
}

func TestOracle_RecordRejectsNonMonotonic(t *testing.T) {
	require := require.New(t)
	o := newOracle(t, newClock(), oracle.DefaultConfig())

	require.NoError(o.Record(fpmath.PercentToWad(5), 100))
	err := o.Record(fpmath.PercentToWad(6), 100)
	require.ErrorIs(err, oracle.ErrNonMonotonic)
	require.ErrorIs(err, errs.StateConflict)
	require.ErrorIs(o.Record(fpmath.PercentToWad(6), 99), oracle.ErrNonMonotonic)
	require.ErrorIs(o.Record(big.NewInt(-1), 200), errs.InvalidInput)
}

func TestOracle_UpdateRate_SameSecondRejected(t *testing.T) {
	clock := newClock()
	o := newOracle(t, clock, oracle.DefaultConfig(), &fixedSource{name: "a", supply: fpmath.PercentToWad(3)})

	_, err := o.UpdateRate(context.Background())
	require.NoError(t, err)
	_, err = o.UpdateRate(context.Background())
	require.ErrorIs(t, err, oracle.ErrNonMonotonic)
}

// ============================================================================
// Test: aggregation & source failures
// ============================================================================

func TestOracle_MedianAggregationSkipsFailedSources(t *testing.T) {
	require := require.New(t)
	cfg := oracle.DefaultConfig()
	o := newOracle(t, newClock(), cfg,
		&fixedSource{name: "a", supply: fpmath.PercentToWad(4)},
		&fixedSource{name: "b", err: errors.New("down")},
		&fixedSource{name: "c", supply: fpmath.PercentToWad(9)},
		&fixedSource{name: "d", supply: fpmath.PercentToWad(5)},
	)

	snap, err := o.UpdateRate(context.Background())
	require.NoError(err)
	require.Equal(0, snap.Rate.Cmp(fpmath.PercentToWad(5)), "median of 4,5,9 is 5")
}

func TestOracle_FirstAndBorrowSide(t *testing.T) {
	require := require.New(t)
	cfg := oracle.DefaultConfig()
	cfg.Aggregator = oracle.First
	cfg.Side = oracle.SideBorrow
	o := newOracle(t, newClock(), cfg,
		&fixedSource{name: "a", supply: fpmath.PercentToWad(1), borrow: fpmath.PercentToWad(7)},
		&fixedSource{name: "b", supply: fpmath.PercentToWad(2), borrow: fpmath.PercentToWad(3)},
	)

	snap, err := o.UpdateRate(context.Background())
	require.NoError(err)
	require.Equal(0, snap.Rate.Cmp(fpmath.PercentToWad(7)))
}

func TestOracle_AllSourcesFail(t *testing.T) {
	cfg := oracle.DefaultConfig()
	cfg.SourceTimeout = 10 * time.Millisecond
	o := newOracle(t, newClock(), cfg,
		&fixedSource{name: "slow", block: true},
		&fixedSource{name: "down", err: errors.New("boom")},
	)

	_, err := o.UpdateRate(context.Background())
	require.ErrorIs(t, err, oracle.ErrNoSources)
	require.ErrorIs(t, err, errs.StaleData)
	require.Equal(t, oracle.StatusUninitialized, o.Status())
}

func TestAggregators(t *testing.T) {
	rates := []*big.Int{big.NewInt(10), big.NewInt(40), big.NewInt(20), big.NewInt(30)}
	require.Equal(t, int64(25), oracle.Median(rates).Int64())
	require.Equal(t, int64(25), oracle.Mean(rates).Int64())
	require.Equal(t, int64(10), oracle.First(rates).Int64())
	require.Equal(t, int64(10), rates[0].Int64(), "median must not reorder its input")

	_, err := oracle.AggregatorByName("mode")
	require.Error(t, err)
}

// ============================================================================
// Test: TWAP
// ============================================================================

func TestOracle_TWAP_StepFunction(t *testing.T) {
	require := require.New(t)
	clock := newClock()
	o := newOracle(t, clock, oracle.DefaultConfig())
	base := clock.Now().Unix()

	// 4% for 60s, 10% for 30s, then query 30s after the second point
	require.NoError(o.Record(fpmath.PercentToWad(4), base))
	require.NoError(o.Record(fpmath.PercentToWad(10), base+60))
	clock.Advance(90 * time.Second)

	twap, err := o.TWAP(5 * time.Minute)
	require.NoError(err)
	require.Equal(0, twap.Cmp(fpmath.PercentToWad(6)), "got %s", twap)
}

func TestOracle_TWAP_BoundedByWindowMinMax(t *testing.T) {
	require := require.New(t)
	clock := newClock()
	o := newOracle(t, clock, oracle.DefaultConfig())
	base := clock.Now().Unix()

	rates := []int64{7, 3, 11, 5, 9, 2, 8}
	for i, r := range rates {
		require.NoError(o.Record(fpmath.BpsToWad(r*100+int64(i)), base+int64(i*37)))
	}
	clock.Advance(time.Duration(len(rates)*37+13) * time.Second)

	for _, window := range []time.Duration{60 * time.Second, 100 * time.Second, 200 * time.Second, time.Hour} {
		twap, err := o.TWAP(window)
		require.NoError(err)

		lo, hi := inWindowBounds(o.Snapshots(), clock.Now().Unix()-int64(window/time.Second), clock.Now().Unix())
		require.NotNil(lo, "window %s should contain snapshots", window)
		require.True(twap.Cmp(lo) >= 0 && twap.Cmp(hi) <= 0,
			"window %s: twap %s outside [%s, %s]", window, twap, lo, hi)
	}
}

func inWindowBounds(snaps []oracle.RateSnapshot, start, end int64) (*big.Int, *big.Int) {
	var lo, hi *big.Int
	for _, s := range snaps {
		if s.Timestamp < start || s.Timestamp > end {
			continue
		}
		if lo == nil || s.Rate.Cmp(lo) < 0 {
			lo = s.Rate
		}
		if hi == nil || s.Rate.Cmp(hi) > 0 {
			hi = s.Rate
		}
	}
	return lo, hi
}

func TestOracle_TWAP_FallbackPolicy(t *testing.T) {
	clock := newClock()
	base := clock.Now().Unix()

	latest := newOracle(t, clock, oracle.DefaultConfig())
	require.NoError(t, latest.Record(fpmath.PercentToWad(3), base-600))
	require.NoError(t, latest.Record(fpmath.PercentToWad(4), base-300))

	twap, err := latest.TWAP(time.Minute)
	require.NoError(t, err)
	require.Equal(t, 0, twap.Cmp(fpmath.PercentToWad(4)), "falls back to the most recent snapshot")

	cfg := oracle.DefaultConfig()
	cfg.Fallback = oracle.FallbackFail
	strict := newOracle(t, clock, cfg)
	require.NoError(t, strict.Record(fpmath.PercentToWad(4), base-300))

	_, err = strict.TWAP(time.Minute)
	require.ErrorIs(t, err, oracle.ErrInsufficientData)

	_, err = strict.TWAP(0)
	require.ErrorIs(t, err, oracle.ErrInvalidWindow)
}

func TestOracle_TWAP_Empty(t *testing.T) {
	o := newOracle(t, newClock(), oracle.DefaultConfig())
	_, err := o.TWAP(time.Minute)
	require.ErrorIs(t, err, oracle.ErrNoRate)
}

// ============================================================================
// Test: retention, restore, concurrency
// ============================================================================

func TestOracle_PrunesButKeepsLatest(t *testing.T) {
	require := require.New(t)
	clock := newClock()
	cfg := oracle.DefaultConfig()
	cfg.Retention = time.Minute
	cfg.MaxSnapshots = 3
	o := newOracle(t, clock, cfg)
	base := clock.Now().Unix()

	for i := int64(0); i < 5; i++ {
		require.NoError(o.Record(fpmath.PercentToWad(i+1), base+i))
	}
	snaps := o.Snapshots()
	require.Len(snaps, 3)
	require.Equal(base+2, snaps[0].Timestamp)

	// Far in the future: everything but the newest is outside retention
	require.NoError(o.Record(fpmath.PercentToWad(9), base+10_000))
	snaps = o.Snapshots()
	require.Len(snaps, 1)
	require.Equal(base+10_000, snaps[0].Timestamp)
}

func TestOracle_RestoreAndHook(t *testing.T) {
	require := require.New(t)
	clock := newClock()
	var hooked []oracle.RateSnapshot
	o, err := oracle.New(oracle.DefaultConfig(), nil,
		oracle.WithClock(clock.Now),
		oracle.WithUpdateHook(func(s oracle.RateSnapshot) { hooked = append(hooked, s) }),
	)
	require.NoError(err)
	base := clock.Now().Unix()

	require.ErrorIs(o.Restore([]oracle.RateSnapshot{
		{Rate: big.NewInt(1), Timestamp: base},
		{Rate: big.NewInt(2), Timestamp: base},
	}), oracle.ErrNonMonotonic)

	require.NoError(o.Restore([]oracle.RateSnapshot{
		{Rate: fpmath.PercentToWad(2), Timestamp: base - 20},
		{Rate: fpmath.PercentToWad(3), Timestamp: base - 10},
	}))
	cur, err := o.CurrentRate()
	require.NoError(err)
	require.Equal(base-10, cur.Timestamp)
	require.Empty(hooked, "restore does not fire update hooks")

	require.ErrorIs(o.Record(fpmath.PercentToWad(1), base-10), oracle.ErrNonMonotonic)
	require.NoError(o.Record(fpmath.PercentToWad(1), base))
	require.Len(hooked, 1)
}

func TestOracle_ConcurrentReadersSeeConsistentPairs(t *testing.T) {
	clock := newClock()
	o := newOracle(t, clock, oracle.DefaultConfig())
	base := clock.Now().Unix()

	// Rate encodes its own timestamp, so a torn read is detectable
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= 500; i++ {
			_ = o.Record(big.NewInt(base+i), base+i)
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				snap, err := o.CurrentRate()
				if err != nil {
					continue
				}
				if snap.Rate.Int64() != snap.Timestamp {
					t.Errorf("torn read: rate %s at %d", snap.Rate, snap.Timestamp)
					return
				}
			}
		}()
	}
	wg.Wait()
}
