// ABOUTME: Outgoing voice packets with channel lifecycle and session epochs
// ABOUTME: Applies pending open/close changes atomically before each frame
package voice

import (
	"fmt"
	"sync"

	"github.com/Resonate-Protocol/resonate-voice/pkg/channel"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
	"github.com/sirupsen/logrus"
)

// Transport delivers encoded protocol messages. Destinations are client ids
// to relay to; nil lets the server route by the packet's channels. The
// packet must not be retained after the call returns.
type Transport interface {
	SendUnreliable(packet []byte, destinations []uint16) error
	SendReliable(packet []byte, destinations []uint16) error
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	Transport Transport
	// Identity returns the server session and the local client id. It is
	// read for every packet so a reconnect takes effect at once.
	Identity func() (session uint32, clientID uint16)
	Logger   logrus.FieldLogger
}

type channelChange struct {
	desc  channel.Descriptor
	close bool
}

// Sender stamps encoded frames with the open channel set. Open and Close
// may be called from any goroutine; Send is called by the capture loop.
type Sender struct {
	cfg SenderConfig

	mu      sync.Mutex
	pending []channelChange

	// Owned by Send.
	open     map[channel.Key]channel.Descriptor
	order    []channel.Key
	sessions map[channel.Key]uint8
	epoch    uint8
	seq      uint16
	buf      []byte
	entries  []wire.ChannelEntry
	sent     uint64
}

// NewSender creates a sender with no open channels.
func NewSender(cfg SenderConfig) *Sender {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Identity == nil {
		cfg.Identity = func() (uint32, uint16) { return 0, 0 }
	}
	return &Sender{
		cfg:      cfg,
		open:     make(map[channel.Key]channel.Descriptor),
		sessions: make(map[channel.Key]uint8),
	}
}

// Open starts talking on a channel, or updates its options if it is
// already open. It takes effect with the next frame.
func (s *Sender) Open(t channel.Type, recipient uint16, opts channel.Options) {
	s.mu.Lock()
	s.pending = append(s.pending, channelChange{desc: channel.Descriptor{Type: t, Recipient: recipient, Options: opts}})
	s.mu.Unlock()
}

// OpenRoom opens the channel of a named room.
func (s *Sender) OpenRoom(room string, opts channel.Options) {
	s.Open(channel.Room, channel.RoomID(room), opts)
}

// Close stops talking on a channel. The next frame carries it one last time
// flagged as closing.
func (s *Sender) Close(t channel.Type, recipient uint16) {
	s.mu.Lock()
	s.pending = append(s.pending, channelChange{desc: channel.Descriptor{Type: t, Recipient: recipient}, close: true})
	s.mu.Unlock()
}

// CloseAll closes every channel.
func (s *Sender) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.openKeysLocked() {
		s.pending = append(s.pending, channelChange{desc: channel.Descriptor{Type: k.Type, Recipient: k.Recipient}, close: true})
	}
}

// openKeysLocked lists the channels that will be open once pending changes
// apply. The caller holds s.mu.
func (s *Sender) openKeysLocked() []channel.Key {
	open := make(map[channel.Key]bool, len(s.open))
	for k := range s.open {
		open[k] = true
	}
	for _, c := range s.pending {
		open[c.desc.Key()] = !c.close
	}
	keys := make([]channel.Key, 0, len(open))
	for k, ok := range open {
		if ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// Talking reports whether any channel is open or about to be.
func (s *Sender) Talking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.openKeysLocked()) > 0
}

// Epoch returns the current 7-bit channel epoch.
func (s *Sender) Epoch() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// apply folds pending changes into the open set and returns the channels
// that closed with this frame.
func (s *Sender) apply() []channel.Descriptor {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	wasEmpty := len(s.open) == 0

	var closing []channel.Descriptor
	for _, c := range pending {
		k := c.desc.Key()
		prev, isOpen := s.open[k]
		switch {
		case c.close && isOpen:
			delete(s.open, k)
			s.removeOrder(k)
			prev.Closing = true
			closing = append(closing, prev)
		case c.close:
		case isOpen:
			prev.Options = c.desc.Options
			s.open[k] = prev
		default:
			// Closed to open starts a new channel session.
			next := s.sessions[k] + 1
			s.sessions[k] = next
			d := c.desc
			d.Session = next
			s.open[k] = d
			s.order = append(s.order, k)
		}
	}

	if wasEmpty && len(s.open) > 0 {
		s.epoch = (s.epoch + 1) & 0x7F
	}
	s.mu.Unlock()
	return closing
}

func (s *Sender) removeOrder(k channel.Key) {
	for i, o := range s.order {
		if o == k {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// Send transmits one encoded frame on the open channels. A frame sent with
// no open channels is dropped unless channels just closed, in which case it
// carries the closing flags.
func (s *Sender) Send(payload []byte) error {
	closing := s.apply()

	s.entries = s.entries[:0]
	for _, k := range s.order {
		s.entries = append(s.entries, s.open[k].Entry())
	}
	for _, d := range closing {
		s.entries = append(s.entries, d.Entry())
	}
	if len(s.entries) == 0 {
		return nil
	}

	session, id := s.cfg.Identity()
	msg := &wire.VoiceData{
		Session:        session,
		Sender:         id,
		ChannelSession: s.Epoch(),
		Sequence:       s.seq,
		Channels:       s.entries,
		Payload:        payload,
	}
	if n := msg.Size(); cap(s.buf) < n {
		s.buf = make([]byte, n)
	}
	p, err := wire.Encode(msg, s.buf[:cap(s.buf)])
	if err != nil {
		return err
	}
	s.seq++
	s.sent++

	if err := s.cfg.Transport.SendUnreliable(p, nil); err != nil {
		return fmt.Errorf("failed to send voice frame: %w", err)
	}
	if len(closing) > 0 {
		s.cfg.Logger.WithFields(logrus.Fields{
			"closed": len(closing),
			"open":   len(s.order),
		}).Debug("Closed voice channels")
	}
	return nil
}

// Flush sends pending channel closes without audio so listeners stop at
// once instead of waiting for the next frame.
func (s *Sender) Flush() error {
	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	if n == 0 {
		return nil
	}
	return s.Send(nil)
}

// Sequence returns the sequence number of the next frame.
func (s *Sender) Sequence() uint16 { return s.seq }
