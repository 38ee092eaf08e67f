// ABOUTME: Per-channel session epoch tracking for one remote speaker
// ABOUTME: Decides when a change of epochs requires a full decoder reset
package channel

// EpochTracker remembers the last session id seen on each channel of a
// speaker. It is not safe for concurrent use; the owning speaker's lock
// guards it.
type EpochTracker struct {
	epochs map[Key]uint8
	seen   map[Key]struct{}
}

// NewEpochTracker returns an empty tracker.
func NewEpochTracker() *EpochTracker {
	return &EpochTracker{
		epochs: make(map[Key]uint8),
		seen:   make(map[Key]struct{}),
	}
}

// Observation is the outcome of feeding one packet's channels to the tracker.
type Observation struct {
	// ForceReset is set when every channel in the packet changed epoch while
	// the speaker was already open.
	ForceReset bool
	// Changed lists channels whose epoch differs from the stored one.
	Changed []Key
	// Evicted lists channels that no longer appear and were forgotten.
	Evicted []Key
}

// Observe records the epochs carried by one packet. open reports whether the
// speaker was already talking before this packet.
func (t *EpochTracker) Observe(channels []Descriptor, open bool) Observation {
	var obs Observation
	clear(t.seen)

	unique := 0
	for _, c := range channels {
		k := c.Key()
		if _, dup := t.seen[k]; dup {
			continue
		}
		t.seen[k] = struct{}{}
		unique++

		prev, known := t.epochs[k]
		if known && prev != c.Session {
			obs.Changed = append(obs.Changed, k)
		}
		t.epochs[k] = c.Session
	}

	for k := range t.epochs {
		if _, ok := t.seen[k]; !ok {
			delete(t.epochs, k)
			obs.Evicted = append(obs.Evicted, k)
		}
	}

	obs.ForceReset = open && unique > 0 && len(obs.Changed) == unique
	return obs
}

// Epoch returns the stored epoch for k.
func (t *EpochTracker) Epoch(k Key) (uint8, bool) {
	e, ok := t.epochs[k]
	return e, ok
}

// Len reports how many channels are tracked.
func (t *EpochTracker) Len() int { return len(t.epochs) }

// Reset forgets every channel.
func (t *EpochTracker) Reset() {
	clear(t.epochs)
}
