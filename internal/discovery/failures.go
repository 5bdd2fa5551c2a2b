package discovery

import (
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// FailureTracker counts consecutive discovery failures per file. The counts
// live in a bounded LRU so a pathological project cannot grow the map without
// limit; evicting a rarely-failing file merely restarts its count. A file
// whose count exceeds the budget is given up on permanently: it is dropped
// from the queue and further change events for it are ignored. A later
// successful run resets the count.
type FailureTracker struct {
	counts *lru.Cache[string, int]
	budget int
}

func NewFailureTracker(capacity, budget int) (*FailureTracker, error) {
	counts, err := lru.New[string, int](capacity)
	if err != nil {
		return nil, err
	}
	return &FailureTracker{counts: counts, budget: budget}, nil
}

// RecordFailure increments the count for fileURL and reports whether the
// retry budget is now exhausted.
func (t *FailureTracker) RecordFailure(fileURL string) bool {
	n, _ := t.counts.Get(fileURL)
	n++
	t.counts.Add(fileURL, n)
	if n > t.budget {
		log.WithFields(log.Fields{"file": fileURL, "failures": n}).Warn("retry budget exhausted, giving up on file")
		return true
	}
	return false
}

// Exhausted reports whether fileURL has already burned its retry budget.
func (t *FailureTracker) Exhausted(fileURL string) bool {
	n, ok := t.counts.Get(fileURL)
	return ok && n > t.budget
}

// Reset clears the count after a successful run.
func (t *FailureTracker) Reset(fileURL string) {
	t.counts.Remove(fileURL)
}

// Count returns the current consecutive-failure count for fileURL.
func (t *FailureTracker) Count(fileURL string) int {
	n, _ := t.counts.Get(fileURL)
	return n
}
