// Package stats counts gateway decisions per site. Recording is best
// effort everywhere: a stats failure must never block or fail a
// submission.
package stats

import (
	"context"
	"sync"
	"time"
)

// Outcome of one contact request, from the gateway's point of view.
type Outcome string

const (
	OutcomeSubmitted   Outcome = "submitted"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeRejected    Outcome = "rejected"
	OutcomeFailed      Outcome = "failed"
)

// Event is one recorded decision. Identifier is the rate-limit bucket key;
// mind its cardinality when persisting per-key series.
type Event struct {
	Site       string
	Identifier string
	Outcome    Outcome
	At         time.Time
}

// Store is the persistence strategy for decision counters.
type Store interface {
	Record(ctx context.Context, ev Event) error
}

// Counters are per-outcome totals.
type Counters map[Outcome]int64

// MemoryStore is the default in-process Store. It never expires and is
// meant for single-instance deployments and tests.
type MemoryStore struct {
	mu     sync.Mutex
	total  Counters
	bySite map[string]Counters
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		total:  Counters{},
		bySite: map[string]Counters{},
	}
}

func (s *MemoryStore) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total[ev.Outcome]++
	site := s.bySite[ev.Site]
	if site == nil {
		site = Counters{}
		s.bySite[ev.Site] = site
	}
	site[ev.Outcome]++
	return nil
}

// Total returns a copy of the process-wide counters.
func (s *MemoryStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneCounters(s.total)
}

// BySite returns a copy of one site's counters.
func (s *MemoryStore) BySite(site string) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneCounters(s.bySite[site])
}

func cloneCounters(c Counters) Counters {
	out := make(Counters, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
