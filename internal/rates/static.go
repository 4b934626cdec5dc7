package rates

import (
	"IRSLedger/internal/oracle"
	"context"
	"math/big"
	"sync"
)

// StaticSource serves fixed rates. Used in development and tests.
type StaticSource struct {
	name string

	mu     sync.RWMutex
	supply *big.Int
	borrow *big.Int
}

var _ oracle.RateSource = (*StaticSource)(nil)

func NewStaticSource(name string, supply, borrow *big.Int) *StaticSource {
	return &StaticSource{name: name, supply: new(big.Int).Set(supply), borrow: new(big.Int).Set(borrow)}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) SupplyRate(context.Context) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.supply), nil
}

func (s *StaticSource) BorrowRate(context.Context) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return new(big.Int).Set(s.borrow), nil
}

// Set replaces both rates.
func (s *StaticSource) Set(supply, borrow *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supply = new(big.Int).Set(supply)
	s.borrow = new(big.Int).Set(borrow)
}
