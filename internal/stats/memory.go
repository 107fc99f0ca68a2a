package stats

import (
	"context"
	"sync"
)

// Memory keeps counters in process. They reset on restart and never expire.
type Memory struct {
	mu    sync.Mutex
	total Counters
}

func NewMemory() *Memory {
	return &Memory{total: Counters{Outcomes: map[string]int64{}}}
}

func (s *Memory) Record(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total.Total++
	s.total.Attempts += int64(ev.Attempts)
	s.total.Bytes += int64(ev.Bytes)
	if ev.Outcome != "" {
		s.total.Outcomes[ev.Outcome]++
	}
	return nil
}

func (s *Memory) Totals(context.Context) (Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.total
	out.Outcomes = make(map[string]int64, len(s.total.Outcomes))
	for k, v := range s.total.Outcomes {
		out.Outcomes[k] = v
	}
	return out, nil
}

func (s *Memory) Close() error { return nil }
