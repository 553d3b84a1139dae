// Package selector implements the greedy UTXO coin selection algorithm: pick
// the fewest/tightest-covering UTXOs for a target value, with a clean
// rollback on failure.
package selector

import (
	"encoding/binary"
	"sort"

	"github.com/Fantasim/ckbtc-minter/internal/models"
)

// Set is an ordered collection of UTXOs keyed by outpoint. Ordering is fixed
// to outpoint byte-order (txid then vout) so that repeated selection over
// equal-value UTXOs is deterministic across runs and replay.
type Set struct {
	byKey map[string]models.UTXO
}

// NewSet builds a selection Set from a slice of UTXOs.
func NewSet(utxos []models.UTXO) *Set {
	s := &Set{byKey: make(map[string]models.UTXO, len(utxos))}
	for _, u := range utxos {
		s.byKey[key(u.OutPoint)] = u
	}
	return s
}

func key(op models.OutPoint) string {
	var voutBytes [4]byte
	binary.BigEndian.PutUint32(voutBytes[:], op.Vout)
	return string(op.Txid[:]) + string(voutBytes[:])
}

// Add inserts or replaces a UTXO in the set.
func (s *Set) Add(u models.UTXO) {
	s.byKey[key(u.OutPoint)] = u
}

// Remove deletes a UTXO from the set by outpoint.
func (s *Set) Remove(op models.OutPoint) {
	delete(s.byKey, key(op))
}

// Len returns the number of UTXOs currently in the set.
func (s *Set) Len() int {
	return len(s.byKey)
}

// Slice returns all UTXOs in deterministic outpoint order.
func (s *Set) Slice() []models.UTXO {
	out := make([]models.UTXO, 0, len(s.byKey))
	for _, u := range s.byKey {
		out = append(out, u)
	}
	sortUTXOs(out)
	return out
}

// Total returns the sum of all UTXO values currently in the set.
func (s *Set) Total() int64 {
	var total int64
	for _, u := range s.byKey {
		total += u.Value
	}
	return total
}

func sortUTXOs(utxos []models.UTXO) {
	sort.Slice(utxos, func(i, j int) bool {
		a, b := utxos[i].OutPoint, utxos[j].OutPoint
		if cmp := compareBytes(a.Txid[:], b.Txid[:]); cmp != 0 {
			return cmp < 0
		}
		return a.Vout < b.Vout
	})
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// Select greedily removes UTXOs from available covering at least target
// satoshi, per spec §4.1:
//
//  1. While the remaining goal is positive: if the maximum-value UTXO is
//     still below goal, take it (it can never overshoot); otherwise take the
//     minimum-value UTXO that is at least goal (the tightest over-cover).
//  2. If no UTXO remains and the goal is unmet, every UTXO taken this call is
//     restored to available and Select returns an empty, non-nil slice.
//
// Tie-breaking among equal-value UTXOs follows Set's deterministic outpoint
// order, so repeated calls over the same inputs always pick the same UTXO.
func Select(available *Set, target int64) []models.UTXO {
	if target <= 0 {
		return []models.UTXO{}
	}

	var taken []models.UTXO
	remaining := target

	for remaining > 0 {
		candidates := available.Slice()
		if len(candidates) == 0 {
			restore(available, taken)
			return []models.UTXO{}
		}

		var pick models.UTXO
		found := false

		max := candidates[0]
		for _, c := range candidates[1:] {
			if c.Value > max.Value {
				max = c
			}
		}

		if max.Value < remaining {
			pick = max
			found = true
		} else {
			// Tightest over-cover: minimum value that is still >= remaining.
			var best *models.UTXO
			for i := range candidates {
				c := candidates[i]
				if c.Value >= remaining {
					if best == nil || c.Value < best.Value {
						cCopy := c
						best = &cCopy
					}
				}
			}
			if best != nil {
				pick = *best
				found = true
			}
		}

		if !found {
			restore(available, taken)
			return []models.UTXO{}
		}

		available.Remove(pick.OutPoint)
		taken = append(taken, pick)
		remaining -= pick.Value
	}

	return taken
}

func restore(available *Set, taken []models.UTXO) {
	for _, u := range taken {
		available.Add(u)
	}
}
