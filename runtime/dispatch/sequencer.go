package dispatch

import "sync/atomic"

// Sequencer tracks the last committed sequence of one session.
type Sequencer struct {
	last atomic.Int64
}

// NewSequencer returns a sequencer resuming after last.
func NewSequencer(last int64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(last)
	return s
}

// Last returns the last committed sequence.
func (s *Sequencer) Last() int64 { return s.last.Load() }

// Next returns the sequence the next message receives.
func (s *Sequencer) Next() int64 { return s.last.Load() + 1 }

func (s *Sequencer) advance(seq int64) {
	s.last.Store(seq)
}
