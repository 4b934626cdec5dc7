package rates

import (
	"IRSLedger/internal/errs"
	fpmath "IRSLedger/internal/math"
	"IRSLedger/internal/oracle"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// FeedMessage is a pushed rate update, published on the NATS rate subject.
type FeedMessage struct {
	Source     string `json:"source"`
	SupplyRate string `json:"supply_rate"`
	BorrowRate string `json:"borrow_rate"`
	Timestamp  int64  `json:"timestamp"` // Unix seconds at the publisher
}

type feedRates struct {
	supply   *big.Int
	borrow   *big.Int
	observed int64
}

// FeedSource caches the latest pushed rates and serves them until they age
// out. It does no I/O on read; a subscriber delivers messages through Handle.
type FeedSource struct {
	name   string
	maxAge time.Duration
	now    func() time.Time

	mu   sync.RWMutex
	last *feedRates
}

var _ oracle.RateSource = (*FeedSource)(nil)

func NewFeedSource(name string, maxAge time.Duration, now func() time.Time) *FeedSource {
	if now == nil {
		now = time.Now
	}
	return &FeedSource{name: name, maxAge: maxAge, now: now}
}

func (s *FeedSource) Name() string { return s.name }

// Handle decodes and caches one message. Older messages than the cached one are ignored.
func (s *FeedSource) Handle(data []byte) error {
	const op = "feed.Handle"

	var msg FeedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return errs.Wrap(errs.InvalidInput, op, err)
	}
	supply, err := fpmath.ParseWad(msg.SupplyRate)
	if err != nil {
		return fmt.Errorf("supply_rate: %w", err)
	}
	borrow, err := fpmath.ParseWad(msg.BorrowRate)
	if err != nil {
		return fmt.Errorf("borrow_rate: %w", err)
	}
	if supply.Sign() < 0 || borrow.Sign() < 0 {
		return errs.E(errs.InvalidInput, op, "negative rate")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil && msg.Timestamp <= s.last.observed {
		return nil
	}
	s.last = &feedRates{supply: supply, borrow: borrow, observed: msg.Timestamp}
	return nil
}

func (s *FeedSource) SupplyRate(ctx context.Context) (*big.Int, error) {
	r, err := s.current()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(r.supply), nil
}

func (s *FeedSource) BorrowRate(ctx context.Context) (*big.Int, error) {
	r, err := s.current()
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(r.borrow), nil
}

func (s *FeedSource) current() (*feedRates, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.last == nil {
		return nil, errs.E(errs.StaleData, "feed.current", "%s: no message received", s.name)
	}
	age := s.now().Sub(time.Unix(s.last.observed, 0))
	if age > s.maxAge {
		return nil, errs.Wrap(errs.StaleData, "feed.current", &oracle.StaleRateError{Age: age, MaxAge: s.maxAge})
	}
	return s.last, nil
}
