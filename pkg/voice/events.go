// ABOUTME: Speaker events and subscriber fan-out
// ABOUTME: A panicking subscriber is logged and skipped without stopping dispatch
package voice

import (
	"sync"

	"github.com/Resonate-Protocol/resonate-voice/pkg/channel"
	"github.com/sirupsen/logrus"
)

// EventType is the kind of speaker transition.
type EventType int

const (
	SpeakingStarted EventType = iota
	SpeakingStopped
	// SpeakerReset fires when every channel of a talking speaker changed
	// epoch and its playback was restarted.
	SpeakerReset
	// SpeakerRemoved fires when a speaker leaves the server.
	SpeakerRemoved
)

func (t EventType) String() string {
	switch t {
	case SpeakingStarted:
		return "started"
	case SpeakingStopped:
		return "stopped"
	case SpeakerReset:
		return "reset"
	case SpeakerRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event describes a change in a remote speaker's state.
type Event struct {
	Type    EventType
	Speaker uint16
	Options channel.Options
}

// Subscriber receives events on the network goroutine. It must not block.
type Subscriber func(Event)

type subscriber struct {
	id int
	fn Subscriber
}

type subscribers struct {
	log  logrus.FieldLogger
	mu   sync.RWMutex
	next int
	subs []subscriber
}

func newSubscribers(log logrus.FieldLogger) *subscribers {
	return &subscribers{log: log}
}

func (s *subscribers) add(fn Subscriber) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *subscribers) emit(ev Event) {
	s.mu.RLock()
	subs := s.subs
	s.mu.RUnlock()

	for _, sub := range subs {
		s.call(sub, ev)
	}
}

func (s *subscribers) call(sub subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{
				"subscriber": sub.id,
				"event":      ev.Type.String(),
				"panic":      r,
			}).Warn("Voice event subscriber panicked")
		}
	}()
	sub.fn(ev)
}
