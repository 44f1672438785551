package matcher

import (
	"sort"
	"time"

	"recon-core/internal/models"
)

// dateIndex buckets one side's transactions by calendar day so candidate
// lookup within the blocking window avoids scanning the whole partition.
// Blocking is a performance optimization only: a lookup over ±window days
// returns exactly the transactions a naive scan with the same
// comparability predicate would.
type dateIndex struct {
	buckets map[string][]*models.CanonicalTransaction
	all     []*models.CanonicalTransaction
}

func newDateIndex(txs []*models.CanonicalTransaction) *dateIndex {
	idx := &dateIndex{
		buckets: make(map[string][]*models.CanonicalTransaction),
		all:     txs,
	}

	for _, tx := range txs {
		key := tx.DateKey()
		idx.buckets[key] = append(idx.buckets[key], tx)
	}

	// Buckets are consumed in key order during lookup; keep each bucket's
	// contents ordered by id so candidate lists are deterministic.
	for _, bucket := range idx.buckets {
		sort.Slice(bucket, func(i, j int) bool {
			return bucket[i].ID < bucket[j].ID
		})
	}

	return idx
}

// candidatesWithin returns all transactions whose transaction date lies
// within ±windowDays of the anchor date, ordered by date bucket then id.
func (idx *dateIndex) candidatesWithin(anchor time.Time, windowDays int) []*models.CanonicalTransaction {
	var result []*models.CanonicalTransaction

	day := time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 0, 0, 0, 0, time.UTC)
	for offset := -windowDays; offset <= windowDays; offset++ {
		key := day.AddDate(0, 0, offset).Format("2006-01-02")
		if bucket, ok := idx.buckets[key]; ok {
			result = append(result, bucket...)
		}
	}

	return result
}

// size returns the number of indexed transactions.
func (idx *dateIndex) size() int {
	return len(idx.all)
}
