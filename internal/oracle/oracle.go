// Package oracle maintains the floating reference rate: it polls lending-market
// rate sources, keeps an append-only snapshot history and serves a
// staleness-checked current rate and a time-weighted average.
package oracle

import (
	"IRSLedger/internal/errs"
	fpmath "IRSLedger/internal/math"
	"IRSLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoRate indicates the oracle has never recorded a rate.
	ErrNoRate = errors.New("no rate recorded")

	// ErrInsufficientData indicates no snapshot falls inside the TWAP window.
	ErrInsufficientData = errors.New("no rate snapshot inside TWAP window")

	// ErrNonMonotonic indicates a snapshot timestamp that does not advance.
	ErrNonMonotonic = errors.New("snapshot timestamp must increase")

	// ErrNoSources indicates every configured source failed.
	ErrNoSources = errors.New("no rate source answered")

	// ErrInvalidWindow indicates a non-positive TWAP window.
	ErrInvalidWindow = errors.New("TWAP window must be positive")
)

// RateSource adapts one lending market to annualized WAD rates.
type RateSource interface {
	Name() string
	SupplyRate(ctx context.Context) (*big.Int, error)
	BorrowRate(ctx context.Context) (*big.Int, error)
}

// RateSnapshot is one aggregated observation. Timestamp is unix seconds.
type RateSnapshot struct {
	Rate      *big.Int
	Timestamp int64
}

// Side selects which market rate feeds the floating leg.
type Side int

const (
	SideSupply Side = iota
	SideBorrow
)

func (s Side) String() string {
	if s == SideBorrow {
		return "borrow"
	}
	return "supply"
}

// ParseSide maps "supply" or "borrow".
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "supply", "":
		return SideSupply, nil
	case "borrow":
		return SideBorrow, nil
	}
	return 0, fmt.Errorf("unknown rate side %q", s)
}

// FallbackPolicy decides what TWAP returns when its window holds no snapshot.
type FallbackPolicy int

const (
	FallbackLatest FallbackPolicy = iota // Most recent snapshot before the window
	FallbackFail                         // ErrInsufficientData
)

// ParseFallback maps "latest" or "fail".
func ParseFallback(s string) (FallbackPolicy, error) {
	switch strings.ToLower(s) {
	case "latest", "":
		return FallbackLatest, nil
	case "fail":
		return FallbackFail, nil
	}
	return 0, fmt.Errorf("unknown TWAP fallback %q", s)
}

// Status is the freshness state of the oracle.
type Status int

const (
	StatusUninitialized Status = iota
	StatusFresh
	StatusStale
)

func (s Status) String() string {
	switch s {
	case StatusFresh:
		return "Fresh"
	case StatusStale:
		return "Stale"
	default:
		return "Uninitialized"
	}
}

// StaleRateError reports how old the last rate is.
type StaleRateError struct {
	Age    time.Duration
	MaxAge time.Duration
}

func (e *StaleRateError) Error() string {
	return fmt.Sprintf("rate is stale: age %s exceeds %s", e.Age, e.MaxAge)
}

// Config holds the oracle policy.
type Config struct {
	MaxStaleness  time.Duration
	Retention     time.Duration // Snapshots older than this are pruned lazily
	MaxSnapshots  int
	Side          Side
	Aggregator    Aggregator
	SourceTimeout time.Duration
	Fallback      FallbackPolicy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxStaleness:  time.Hour,
		Retention:     7 * 24 * time.Hour,
		MaxSnapshots:  10_000,
		Side:          SideSupply,
		Aggregator:    Median,
		SourceTimeout: 5 * time.Second,
		Fallback:      FallbackLatest,
	}
}

// RateOracle is safe for concurrent use. Readers never observe a torn (rate, timestamp) pair.
type RateOracle struct {
	mu        sync.RWMutex
	cfg       Config
	sources   []RateSource
	snapshots []RateSnapshot

	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
	hooks   []func(RateSnapshot)
}

// Option configures a RateOracle.
type Option func(*RateOracle)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(o *RateOracle) { o.now = now }
}

// WithLogger sets the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *RateOracle) { o.logger = logger }
}

// WithMetrics records updates and stale reads.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *RateOracle) { o.metrics = m }
}

// WithUpdateHook is called, outside the lock, after every accepted snapshot.
func WithUpdateHook(fn func(RateSnapshot)) Option {
	return func(o *RateOracle) { o.hooks = append(o.hooks, fn) }
}

// New builds an oracle over the given sources. Sources may be empty when
// rates are pushed through Record.
func New(cfg Config, sources []RateSource, opts ...Option) (*RateOracle, error) {
	if cfg.MaxStaleness <= 0 {
		return nil, errs.E(errs.InvalidInput, "oracle.New", "max staleness must be positive")
	}
	if cfg.Retention <= 0 {
		return nil, errs.E(errs.InvalidInput, "oracle.New", "retention must be positive")
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = DefaultConfig().MaxSnapshots
	}
	if cfg.Aggregator == nil {
		cfg.Aggregator = Median
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = DefaultConfig().SourceTimeout
	}

	o := &RateOracle{
		cfg:       cfg,
		sources:   sources,
		snapshots: make([]RateSnapshot, 0, 64),
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// UpdateRate polls every source with a bounded timeout, aggregates the answers
// and appends a snapshot stamped with the oracle clock. Failed sources are
// skipped; when none answers the update fails with StaleData.
func (o *RateOracle) UpdateRate(ctx context.Context) (RateSnapshot, error) {
	const op = "oracle.UpdateRate"

	rates := o.poll(ctx)
	if len(rates) == 0 {
		err := errs.Wrap(errs.StaleData, op, ErrNoSources)
		o.metrics.ObserveOracleUpdate(err, 0, 0)
		return RateSnapshot{}, err
	}

	rate := o.cfg.Aggregator(rates)
	snap := RateSnapshot{Rate: rate, Timestamp: o.now().Unix()}
	if err := o.Record(snap.Rate, snap.Timestamp); err != nil {
		return RateSnapshot{}, err
	}
	return snap, nil
}

// poll queries all sources concurrently and returns the answers in source order.
func (o *RateOracle) poll(ctx context.Context) []*big.Int {
	answers := make([]*big.Int, len(o.sources))

	var g errgroup.Group
	for i, src := range o.sources {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, o.cfg.SourceTimeout)
			defer cancel()

			var (
				rate *big.Int
				err  error
			)
			if o.cfg.Side == SideBorrow {
				rate, err = src.BorrowRate(sctx)
			} else {
				rate, err = src.SupplyRate(sctx)
			}
			if err == nil && (rate == nil || rate.Sign() < 0) {
				err = fmt.Errorf("invalid rate %v", rate)
			}
			if err != nil {
				o.logger.Warn().Err(err).Str("source", src.Name()).Msg("rate source failed")
				o.metrics.ObserveSourceError(src.Name())
				return nil
			}
			answers[i] = rate
			return nil
		})
	}
	_ = g.Wait()

	rates := make([]*big.Int, 0, len(answers))
	for _, r := range answers {
		if r != nil {
			rates = append(rates, r)
		}
	}
	return rates
}

// Record appends an externally observed snapshot. Timestamps must strictly increase.
func (o *RateOracle) Record(rate *big.Int, timestamp int64) error {
	const op = "oracle.Record"

	if rate == nil || rate.Sign() < 0 {
		return errs.E(errs.InvalidInput, op, "rate must be non-negative")
	}

	o.mu.Lock()
	if n := len(o.snapshots); n > 0 && timestamp <= o.snapshots[n-1].Timestamp {
		last := o.snapshots[n-1].Timestamp
		o.mu.Unlock()
		return errs.Wrap(errs.StateConflict, op,
			fmt.Errorf("%w: %d <= last update %d", ErrNonMonotonic, timestamp, last))
	}

	snap := RateSnapshot{Rate: new(big.Int).Set(rate), Timestamp: timestamp}
	o.snapshots = append(o.snapshots, snap)
	o.prune(timestamp)
	count := len(o.snapshots)
	o.mu.Unlock()

	o.metrics.ObserveOracleUpdate(nil, fpmath.WadToFloat64(rate), count)
	o.logger.Debug().
		Str("rate", fpmath.FormatWad(rate)).
		Int64("timestamp", timestamp).
		Msg("rate recorded")

	for _, hook := range o.hooks {
		hook(RateSnapshot{Rate: new(big.Int).Set(rate), Timestamp: timestamp})
	}
	return nil
}

// prune drops snapshots older than the retention window and caps the history.
// The newest snapshot is always kept. Must be called with the lock held.
func (o *RateOracle) prune(now int64) {
	cutoff := now - int64(o.cfg.Retention/time.Second)

	start := 0
	for start < len(o.snapshots)-1 && o.snapshots[start].Timestamp < cutoff {
		start++
	}
	if excess := len(o.snapshots) - start - o.cfg.MaxSnapshots; excess > 0 {
		start += excess
	}
	if start > 0 {
		o.snapshots = append(o.snapshots[:0], o.snapshots[start:]...)
	}
}

// CurrentRate returns the last aggregated snapshot if it is fresh.
func (o *RateOracle) CurrentRate() (RateSnapshot, error) {
	const op = "oracle.CurrentRate"

	o.mu.RLock()
	n := len(o.snapshots)
	if n == 0 {
		o.mu.RUnlock()
		o.metrics.ObserveStaleRead()
		return RateSnapshot{}, errs.Wrap(errs.StaleData, op, ErrNoRate)
	}
	last := o.snapshots[n-1]
	o.mu.RUnlock()

	age := o.now().Sub(time.Unix(last.Timestamp, 0))
	if age > o.cfg.MaxStaleness {
		o.metrics.ObserveStaleRead()
		return RateSnapshot{}, errs.Wrap(errs.StaleData, op, &StaleRateError{Age: age, MaxAge: o.cfg.MaxStaleness})
	}

	return RateSnapshot{Rate: new(big.Int).Set(last.Rate), Timestamp: last.Timestamp}, nil
}

// Status reports Uninitialized, Fresh or Stale at the current clock.
func (o *RateOracle) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	n := len(o.snapshots)
	if n == 0 {
		return StatusUninitialized
	}
	if o.now().Sub(time.Unix(o.snapshots[n-1].Timestamp, 0)) > o.cfg.MaxStaleness {
		return StatusStale
	}
	return StatusFresh
}

// TWAP integrates the step function of the snapshots inside [now-window, now]:
// each snapshot's rate holds until the next snapshot, the last one until now.
// The result always lies between the smallest and largest in-window rate.
func (o *RateOracle) TWAP(window time.Duration) (*big.Int, error) {
	const op = "oracle.TWAP"

	if window <= 0 {
		return nil, errs.Wrap(errs.InvalidInput, op, ErrInvalidWindow)
	}

	now := o.now().Unix()
	start := now - int64(window/time.Second)

	o.mu.RLock()
	defer o.mu.RUnlock()

	if len(o.snapshots) == 0 {
		return nil, errs.Wrap(errs.StaleData, op, ErrNoRate)
	}

	var inWindow []RateSnapshot
	var latestBefore *RateSnapshot
	for i := range o.snapshots {
		s := o.snapshots[i]
		if s.Timestamp > now {
			break
		}
		if s.Timestamp < start {
			latestBefore = &o.snapshots[i]
			continue
		}
		inWindow = append(inWindow, s)
	}

	if len(inWindow) == 0 {
		if o.cfg.Fallback == FallbackLatest && latestBefore != nil {
			return new(big.Int).Set(latestBefore.Rate), nil
		}
		return nil, errs.Wrap(errs.StaleData, op, ErrInsufficientData)
	}

	weighted := new(big.Int)
	var total int64
	for i, s := range inWindow {
		end := now
		if i+1 < len(inWindow) {
			end = inWindow[i+1].Timestamp
		}
		if d := end - s.Timestamp; d > 0 {
			weighted.Add(weighted, new(big.Int).Mul(s.Rate, big.NewInt(d)))
			total += d
		}
	}

	if total == 0 {
		// Single snapshot stamped exactly now
		return new(big.Int).Set(inWindow[len(inWindow)-1].Rate), nil
	}
	return weighted.Quo(weighted, big.NewInt(total)), nil
}

// Snapshots returns a copy of the retained history, oldest first.
func (o *RateOracle) Snapshots() []RateSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]RateSnapshot, len(o.snapshots))
	for i, s := range o.snapshots {
		out[i] = RateSnapshot{Rate: new(big.Int).Set(s.Rate), Timestamp: s.Timestamp}
	}
	return out
}

// Restore reloads persisted history. Snapshots must be in strictly increasing time order.
func (o *RateOracle) Restore(snapshots []RateSnapshot) error {
	for i := 1; i < len(snapshots); i++ {
		if snapshots[i].Timestamp <= snapshots[i-1].Timestamp {
			return errs.Wrap(errs.InvalidInput, "oracle.Restore",
				fmt.Errorf("%w at index %d", ErrNonMonotonic, i))
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.snapshots = o.snapshots[:0]
	for _, s := range snapshots {
		o.snapshots = append(o.snapshots, RateSnapshot{Rate: new(big.Int).Set(s.Rate), Timestamp: s.Timestamp})
	}
	if n := len(o.snapshots); n > 0 {
		o.prune(o.snapshots[n-1].Timestamp)
	}
	return nil
}
