package oracle

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// Aggregator reduces the rates reported by the answering sources to one value.
// It is never called with an empty slice.
type Aggregator func(rates []*big.Int) *big.Int

// Median returns the middle rate; with an even count, the truncated mean of the two middles.
func Median(rates []*big.Int) *big.Int {
	sorted := make([]*big.Int, len(rates))
	copy(sorted, rates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Int).Set(sorted[mid])
	}
	sum := new(big.Int).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewInt(2))
}

// First returns the rate of the first answering source in configuration order.
func First(rates []*big.Int) *big.Int {
	return new(big.Int).Set(rates[0])
}

// Mean returns the truncated arithmetic mean.
func Mean(rates []*big.Int) *big.Int {
	sum := new(big.Int)
	for _, r := range rates {
		sum.Add(sum, r)
	}
	return sum.Quo(sum, big.NewInt(int64(len(rates))))
}

// AggregatorByName resolves a configured aggregation policy.
func AggregatorByName(name string) (Aggregator, error) {
	switch strings.ToLower(name) {
	case "median", "":
		return Median, nil
	case "first":
		return First, nil
	case "mean":
		return Mean, nil
	default:
		return nil, fmt.Errorf("unknown aggregator %q", name)
	}
}
