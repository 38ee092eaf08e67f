// ABOUTME: Maps wrapping 16-bit wire sequence numbers onto session offsets
// ABOUTME: The first packet of a speech session lands at SequenceLead
package jitter

// SequenceLead is the offset given to the first packet of a speech session.
// Packets up to this many frames older than it still map to valid offsets,
// so reordered opening frames can be played.
const SequenceLead = 64

// Sequencer turns a speaker's 16-bit sequence numbers into monotonically
// comparable offsets within the current speech session.
type Sequencer struct {
	started bool
	highest int64 // offset of the newest packet so far
	highSeq uint16
}

// Start rebases on first, which becomes offset SequenceLead.
func (s *Sequencer) Start(first uint16) {
	s.started = true
	s.highest = SequenceLead
	s.highSeq = first
}

// Started reports whether Start has been called since the last Reset.
func (s *Sequencer) Started() bool { return s.started }

// Offset converts a wire sequence number. It returns ok=false for packets
// more than SequenceLead frames before the first one of the session.
func (s *Sequencer) Offset(seq uint16) (uint32, bool) {
	if !s.started {
		s.Start(seq)
	}
	// int16 distance from the newest packet handles wrap in both directions.
	off := s.highest + int64(int16(seq-s.highSeq))
	if off < 0 {
		return 0, false
	}
	if off > s.highest {
		s.highest = off
		s.highSeq = seq
	}
	return uint32(off), true
}

// Reset forgets the base so the next packet starts a new session.
func (s *Sequencer) Reset() {
	*s = Sequencer{}
}
