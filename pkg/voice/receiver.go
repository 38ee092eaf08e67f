// ABOUTME: Demultiplexes incoming voice packets into per-speaker playback
// ABOUTME: Filters channels for this listener and drives speaker state
package voice

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/resonate-voice/internal/logging"
	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/channel"
	"github.com/Resonate-Protocol/resonate-voice/pkg/jitter"
	"github.com/Resonate-Protocol/resonate-voice/pkg/pipeline"
	"github.com/Resonate-Protocol/resonate-voice/pkg/pool"
	"github.com/Resonate-Protocol/resonate-voice/pkg/session"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
	"github.com/sirupsen/logrus"
)

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// Pipeline is the template for every speaker's decode pipelines.
	// Its Format is replaced per speaker.
	Pipeline pipeline.Config
	// DefaultFormat is used for speakers whose format is not known.
	DefaultFormat audio.Format
	// MaxPayload sizes pooled payload buffers. Defaults to 4096.
	MaxPayload int
	Clock      func() time.Time
	Logger     logrus.FieldLogger
}

// ReceiverStats counts packets across every speaker.
type ReceiverStats struct {
	Received     uint64
	Malformed    uint64
	WrongSession uint64
	NotForUs     uint64
	Speakers     int
}

// Receiver routes voice packets to speakers. HandlePacket and the
// membership setters are called from the network side; speakers are read
// by the Mixer on the audio side.
type Receiver struct {
	cfg      ReceiverConfig
	pipes    *pipeline.Pool
	payloads *pool.Bytes
	subs     *subscribers
	badLog   *logging.Limited

	session    atomic.Uint32
	hasSession atomic.Bool
	localID    atomic.Uint32

	roomsMu sync.RWMutex
	rooms   map[uint16]string

	mu       sync.RWMutex
	speakers map[uint16]*Speaker
	formats  map[uint16]audio.Format
	// sorted is speakers ordered by id, rebuilt under mu on every add or
	// remove and read without locking.
	sorted atomic.Pointer[[]*Speaker]

	received     atomic.Uint64
	malformed    atomic.Uint64
	wrongSession atomic.Uint64
	notForUs     atomic.Uint64
}

// NewReceiver creates a receiver with no speakers.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = 4096
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.DefaultFormat.SampleRate == 0 {
		cfg.DefaultFormat = audio.Format{Codec: wire.CodecOpus, SampleRate: 48000, Channels: 1, FrameSize: 960}
	}

	payloads := pool.NewBytes(cfg.MaxPayload, 1024)
	tmpl := cfg.Pipeline
	tmpl.Payloads = payloads
	if tmpl.Logger == nil {
		tmpl.Logger = cfg.Logger
	}

	return &Receiver{
		cfg:      cfg,
		pipes:    pipeline.NewPool(tmpl),
		payloads: payloads,
		subs:     newSubscribers(cfg.Logger),
		badLog:   logging.NewLimited(cfg.Logger, time.Second, 5),
		rooms:    make(map[uint16]string),
		speakers: make(map[uint16]*Speaker),
		formats:  make(map[uint16]audio.Format),
	}
}

// SetIdentity sets the server session packets must carry and the local
// client id that player channels must address.
func (r *Receiver) SetIdentity(session uint32, localID uint16) {
	r.session.Store(session)
	r.localID.Store(uint32(localID))
	r.hasSession.Store(true)
}

// JoinRoom accepts audio sent to the room.
func (r *Receiver) JoinRoom(name string) {
	r.roomsMu.Lock()
	r.rooms[channel.RoomID(name)] = name
	r.roomsMu.Unlock()
}

// LeaveRoom stops accepting audio sent to the room.
func (r *Receiver) LeaveRoom(name string) {
	r.roomsMu.Lock()
	delete(r.rooms, channel.RoomID(name))
	r.roomsMu.Unlock()
}

// Rooms lists joined rooms.
func (r *Receiver) Rooms() []string {
	r.roomsMu.RLock()
	defer r.roomsMu.RUnlock()
	out := make([]string, 0, len(r.rooms))
	for _, name := range r.rooms {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (r *Receiver) inRoom(id uint16) bool {
	r.roomsMu.RLock()
	defer r.roomsMu.RUnlock()
	_, ok := r.rooms[id]
	return ok
}

// SetSpeakerFormat records the codec a client announced. It applies from
// that speaker's next speech session.
func (r *Receiver) SetSpeakerFormat(id uint16, f audio.Format) {
	r.mu.Lock()
	r.formats[id] = f
	sp := r.speakers[id]
	r.mu.Unlock()
	if sp != nil {
		sp.setFormat(f)
	}
}

// RemoveSpeaker drops a speaker that left the server.
func (r *Receiver) RemoveSpeaker(id uint16) {
	r.mu.Lock()
	sp := r.speakers[id]
	delete(r.speakers, id)
	delete(r.formats, id)
	if sp != nil {
		r.rebuildSorted()
	}
	r.mu.Unlock()
	if sp == nil {
		return
	}
	sp.close()
	r.subs.emit(Event{Type: SpeakerRemoved, Speaker: id, Options: sp.Options()})
}

// Subscribe registers fn for speaker events and returns a function that
// unregisters it.
func (r *Receiver) Subscribe(fn Subscriber) func() {
	return r.subs.add(fn)
}

// Speaker returns the speaker with the given id.
func (r *Receiver) Speaker(id uint16) (*Speaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sp, ok := r.speakers[id]
	return sp, ok
}

// Speakers returns every known speaker ordered by id. The slice is shared
// until the next add or remove and must not be modified.
func (r *Receiver) Speakers() []*Speaker {
	if p := r.sorted.Load(); p != nil {
		return *p
	}
	return nil
}

// rebuildSorted must be called with mu held for writing.
func (r *Receiver) rebuildSorted() {
	out := make([]*Speaker, 0, len(r.speakers))
	for _, sp := range r.speakers {
		out = append(out, sp)
	}
	slices.SortFunc(out, func(a, b *Speaker) int { return int(a.id) - int(b.id) })
	r.sorted.Store(&out)
}

func (r *Receiver) speaker(id uint16) *Speaker {
	r.mu.RLock()
	sp, ok := r.speakers[id]
	r.mu.RUnlock()
	if ok {
		return sp
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sp, ok := r.speakers[id]; ok {
		return sp
	}
	format, ok := r.formats[id]
	if !ok {
		format = r.cfg.DefaultFormat
	}
	stream := session.NewStream(session.Config{
		Pool:   r.pipes,
		Clock:  r.cfg.Clock,
		Logger: r.cfg.Logger.WithField("speaker", id),
	})
	sp = newSpeaker(id, stream, format)
	r.speakers[id] = sp
	r.rebuildSorted()
	return sp
}

// HandlePacket decodes and applies one VoiceData message. Malformed and
// foreign packets are dropped with a rate-limited warning and the error is
// returned for counting.
func (r *Receiver) HandlePacket(p []byte) error {
	v, err := wire.DecodeVoiceData(p)
	if err != nil {
		r.malformed.Add(1)
		r.badLog.Warn(logrus.Fields{"error": err, "size": len(p)}, "Dropped malformed voice packet")
		return err
	}
	return r.Receive(v)
}

// Receive applies a decoded packet. v.Payload is copied.
func (r *Receiver) Receive(v *wire.VoiceData) error {
	if r.hasSession.Load() {
		if want := r.session.Load(); v.Session != want {
			r.wrongSession.Add(1)
			err := &wire.SessionMismatchError{Expected: want, Got: v.Session}
			r.badLog.Warn(logrus.Fields{"sender": v.Sender, "session": v.Session}, "Dropped voice packet from another session")
			return err
		}
	}
	r.received.Add(1)

	local := uint16(r.localID.Load())
	if r.hasSession.Load() && v.Sender == local {
		return nil
	}

	var relevant []channel.Descriptor
	for _, e := range v.Channels {
		d := channel.FromEntry(e)
		switch d.Type {
		case channel.Player:
			if d.Recipient != local {
				continue
			}
		case channel.Room:
			if !r.inRoom(d.Recipient) {
				continue
			}
		}
		relevant = append(relevant, d)
	}

	sp, known := r.Speaker(v.Sender)
	if len(relevant) == 0 && (!known || !sp.Talking()) {
		r.notForUs.Add(1)
		return nil
	}
	if !known {
		sp = r.speaker(v.Sender)
	}

	res := sp.receive(v, relevant)
	sp.packets.Add(1)
	err := sp.apply(res)
	if err != nil {
		r.cfg.Logger.WithError(err).WithField("speaker", v.Sender).Error("Failed to start speech session")
		res.push = false
	}
	if res.push {
		pk := jitter.Packet{Sequence: res.offset, Payload: r.payloads.Copy(v.Payload)}
		if !sp.stream.Push(pk, r.cfg.Clock()) {
			r.payloads.Put(pk.Payload)
			sp.dropped.Add(1)
		}
	} else if res.late {
		sp.dropped.Add(1)
	}

	opts := sp.Options()
	for _, t := range res.events {
		if t == SpeakerReset {
			r.cfg.Logger.WithFields(logrus.Fields{
				"speaker": v.Sender,
				"epoch":   v.ChannelSession,
			}).Warn("Every channel changed epoch, restarting speaker playback")
		}
		r.subs.emit(Event{Type: t, Speaker: v.Sender, Options: opts})
	}
	return err
}

// Stats returns receiver counters.
func (r *Receiver) Stats() ReceiverStats {
	r.mu.RLock()
	n := len(r.speakers)
	r.mu.RUnlock()
	return ReceiverStats{
		Received:     r.received.Load(),
		Malformed:    r.malformed.Load(),
		WrongSession: r.wrongSession.Load(),
		NotForUs:     r.notForUs.Load(),
		Speakers:     n,
	}
}

// Close releases every speaker's pipelines.
func (r *Receiver) Close() {
	r.mu.Lock()
	speakers := r.speakers
	r.speakers = make(map[uint16]*Speaker)
	r.sorted.Store(nil)
	r.mu.Unlock()
	for _, sp := range speakers {
		sp.close()
	}
}

// IsSessionMismatch reports whether err came from a packet stamped with a
// foreign session.
func IsSessionMismatch(err error) bool {
	return errors.Is(err, wire.ErrWrongSession)
}
