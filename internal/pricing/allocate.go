package pricing

import (
	"slices"

	"github.com/shopspring/decimal"
)

// Allocate distributes amount across weights proportionally using the largest
// remainder method. Shares always sum to amount, and when amount does not exceed
// the sum of weights no share exceeds its weight.
func Allocate(amount Money, weights []Money) []Money {
	shares := make([]Money, len(weights))
	if amount <= 0 || len(weights) == 0 {
		return shares
	}
	var total Money
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return shares
	}

	den := decimal.NewFromInt(total)
	rems := make([]decimal.Decimal, len(weights))
	var assigned Money
	for i, w := range weights {
		if w <= 0 {
			rems[i] = decimal.Zero
			continue
		}
		q, r := decimal.NewFromInt(amount).Mul(decimal.NewFromInt(w)).QuoRem(den, 0)
		shares[i] = q.IntPart()
		rems[i] = r
		assigned += shares[i]
	}

	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return rems[b].Cmp(rems[a])
	})
	for left := amount - assigned; left > 0; {
		for _, idx := range order {
			if left == 0 {
				break
			}
			if weights[idx] <= 0 {
				continue
			}
			shares[idx]++
			left--
		}
	}
	return shares
}
