// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package selection implements the two UTXO coin-selection routines the
// release pipeline uses: a greedy selector and a wrapper that pads the
// result once the managed UTXO set grows large, to consolidate dust over
// time.
package selection

import "math/big"

// UtxosCountThreshold is the number of UTXOs under management above which
// Select starts padding inputs to match (or exceed) the output count.
const UtxosCountThreshold = 1000

// Greedy selects items from *pool summing to at least target, removing
// chosen items from *pool. At each step it picks the largest-valued
// remaining item if that item alone is smaller than the remaining goal,
// otherwise the smallest item whose value is still >= the remaining goal
// (minimizing leftover change). If the pool empties before the goal is
// met, every picked item is restored to *pool and Greedy returns nil.
//
// Property: sum(pool) >= target implies a nonempty result with
// sum(result) >= target; on a nil return, *pool is unchanged.
func Greedy[T any](pool *[]T, target *big.Int, value func(T) *big.Int) []T {
	original := append([]T(nil), *pool...)
	goal := new(big.Int).Set(target)
	var selected []T

	for goal.Sign() > 0 {
		if len(*pool) == 0 {
			*pool = original
			return nil
		}

		maxIdx := argmax(*pool, value)
		maxVal := value((*pool)[maxIdx])

		pickIdx := maxIdx
		if maxVal.Cmp(goal) >= 0 {
			if idx, ok := smallestAtLeast(*pool, goal, value); ok {
				pickIdx = idx
			}
		}

		picked := (*pool)[pickIdx]
		selected = append(selected, picked)
		goal.Sub(goal, value(picked))
		*pool = remove(*pool, pickIdx)
	}

	return selected
}

// Select runs Greedy and, if the items remaining in the pool after that
// selection exceed UtxosCountThreshold, pads the result with the
// smallest-valued remaining items until it has at least outputCount+2
// inputs or the pool is exhausted - consolidating dust over time.
func Select[T any](pool *[]T, target *big.Int, outputCount int, value func(T) *big.Int) []T {
	selected := Greedy(pool, target, value)
	if selected == nil {
		return nil
	}

	if len(*pool) <= UtxosCountThreshold {
		return selected
	}

	for len(selected) < outputCount+2 && len(*pool) > 0 {
		idx := argmin(*pool, value)
		selected = append(selected, (*pool)[idx])
		*pool = remove(*pool, idx)
	}

	return selected
}

func argmax[T any](items []T, value func(T) *big.Int) int {
	best := 0
	for i := 1; i < len(items); i++ {
		if value(items[i]).Cmp(value(items[best])) > 0 {
			best = i
		}
	}
	return best
}

func argmin[T any](items []T, value func(T) *big.Int) int {
	best := 0
	for i := 1; i < len(items); i++ {
		if value(items[i]).Cmp(value(items[best])) < 0 {
			best = i
		}
	}
	return best
}

// smallestAtLeast returns the index of the smallest item whose value is >=
// goal, if one exists.
func smallestAtLeast[T any](items []T, goal *big.Int, value func(T) *big.Int) (int, bool) {
	found := -1
	for i, item := range items {
		v := value(item)
		if v.Cmp(goal) < 0 {
			continue
		}
		if found == -1 || v.Cmp(value(items[found])) < 0 {
			found = i
		}
	}
	return found, found != -1
}

func remove[T any](items []T, idx int) []T {
	out := make([]T, 0, len(items)-1)
	out = append(out, items[:idx]...)
	out = append(out, items[idx+1:]...)
	return out
}
