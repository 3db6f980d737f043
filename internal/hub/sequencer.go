package hub

import "sync"

// sequencer hands out one mutex per room. Entries are dropped when nobody
// holds or waits for them.
type sequencer struct {
	mu    sync.Mutex
	rooms map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func newSequencer() *sequencer {
	return &sequencer{rooms: make(map[string]*roomLock)}
}

// lock blocks until room is free and returns the matching unlock.
func (s *sequencer) lock(room string) func() {
	s.mu.Lock()
	l, ok := s.rooms[room]
	if !ok {
		l = &roomLock{}
		s.rooms[room] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.rooms, room)
		}
		s.mu.Unlock()
	}
}

func (s *sequencer) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}
