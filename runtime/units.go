package runtime

import (
	"sync"

	"github.com/cohortnet/node/types"
)

// unitSet is the concurrency-safe active-run set. Units keep dispatch
// order so that completions drain FIFO among exited containers. At most
// one unit exists per run id.
type unitSet struct {
	mu    sync.Mutex
	units []*OrchestrationUnit
}

func newUnitSet() *unitSet {
	return &unitSet{}
}

func (s *unitSet) add(u *OrchestrationUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = append(s.units, u)
}

func (s *unitSet) contains(runID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexLocked(runID) >= 0
}

func (s *unitSet) get(runID int64) *OrchestrationUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(runID); i >= 0 {
		return s.units[i]
	}
	return nil
}

// snapshot returns the units in dispatch order. The slice is a copy; the
// pointed-to units are shared, so callers must only read the immutable
// identity fields and go through setState for the mutable state.
func (s *unitSet) snapshot() []*OrchestrationUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*OrchestrationUnit, len(s.units))
	copy(out, s.units)
	return out
}

func (s *unitSet) setState(runID int64, state ContainerState, status types.RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(runID); i >= 0 {
		s.units[i].state = state
		s.units[i].status = status
	}
}

func (s *unitSet) markKilled(runID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(runID); i >= 0 {
		s.units[i].killed = true
	}
}

// popTerminal removes and returns the oldest unit whose mapped status is
// terminal, or nil when every tracked container is still going. Scanning
// in dispatch order keeps completions FIFO among exited containers.
func (s *unitSet) popTerminal() *OrchestrationUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, u := range s.units {
		if u.status.IsTerminal() {
			s.units = append(s.units[:i], s.units[i+1:]...)
			return u
		}
	}
	return nil
}

// drain empties the set and returns everything that was tracked.
func (s *unitSet) drain() []*OrchestrationUnit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.units
	s.units = nil
	return out
}

func (s *unitSet) indexLocked(runID int64) int {
	for i, u := range s.units {
		if u.RunID == runID {
			return i
		}
	}
	return -1
}
