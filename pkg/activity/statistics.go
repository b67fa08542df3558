package activity

import (
	"sync"
	"time"
)

// DefaultStatisticsWindow is how many outcomes Statistics keeps by default
const DefaultStatisticsWindow = 10000

// Outcome is the record kept for one finished activity
type Outcome struct {
	At       time.Time
	Success  bool
	Duration time.Duration
}

// Summary aggregates the outcomes that fell inside a time window
type Summary struct {
	From            time.Time
	To              time.Time
	Total           int64
	Succeeded       int64
	Failed          int64
	AverageDuration time.Duration
}

// Statistics keeps the most recent outcomes in a fixed-size ring. Older
// outcomes are overwritten once the window is full.
type Statistics struct {
	mu   sync.RWMutex
	ring []Outcome
	next int
	full bool
	now  func() time.Time
}

// NewStatistics creates a window holding up to size outcomes
func NewStatistics(size int) *Statistics {
	if size <= 0 {
		size = DefaultStatisticsWindow
	}
	return &Statistics{ring: make([]Outcome, size), now: time.Now}
}

// Record stores one outcome
func (s *Statistics) Record(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring[s.next] = o
	s.next++
	if s.next == len(s.ring) {
		s.next = 0
		s.full = true
	}
}

// Len returns how many outcomes are currently held
func (s *Statistics) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return len(s.ring)
	}
	return s.next
}

// Summarize aggregates outcomes with from <= At <= to. A zero from means the
// start of the window, a zero to means now.
func (s *Statistics) Summarize(from, to time.Time) Summary {
	if to.IsZero() {
		to = s.now()
	}
	sum := Summary{From: from, To: to}

	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.next
	if s.full {
		n = len(s.ring)
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		o := s.ring[i]
		if (!from.IsZero() && o.At.Before(from)) || o.At.After(to) {
			continue
		}
		sum.Total++
		if o.Success {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
		total += o.Duration
	}
	if sum.Total > 0 {
		sum.AverageDuration = total / time.Duration(sum.Total)
	}
	return sum
}
