// ABOUTME: Tests for the voice sender, receiver, mixer and capture loop
// ABOUTME: Packets flow through the real wire encoding between sender and receiver
package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/audio/encode"
	"github.com/Resonate-Protocol/resonate-voice/pkg/channel"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSession = 0xC0FFEE
	localID     = 2
)

var testFormat = audio.Format{Codec: wire.CodecPCM, SampleRate: 48000, Channels: 1, FrameSize: 480}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTransport struct {
	mu       sync.Mutex
	packets  [][]byte
	reliable [][]byte
}

func (t *fakeTransport) SendUnreliable(p []byte, _ []uint16) error {
	t.mu.Lock()
	t.packets = append(t.packets, append([]byte(nil), p...))
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) SendReliable(p []byte, _ []uint16) error {
	t.mu.Lock()
	t.reliable = append(t.reliable, append([]byte(nil), p...))
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) take() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.packets
	t.packets = nil
	return out
}

func decodeAll(t *testing.T, packets [][]byte) []*wire.VoiceData {
	t.Helper()
	out := make([]*wire.VoiceData, len(packets))
	for i, p := range packets {
		v, err := wire.DecodeVoiceData(p)
		require.NoError(t, err)
		out[i] = v
	}
	return out
}

func newSender(tr Transport, id uint16) *Sender {
	return NewSender(SenderConfig{
		Transport: tr,
		Identity:  func() (uint32, uint16) { return testSession, id },
	})
}

func pcmFrame(t *testing.T, v float32) []byte {
	t.Helper()
	enc, err := encode.NewPCM(testFormat)
	require.NoError(t, err)
	pcm := make([]float32, testFormat.FrameSamples())
	for i := range pcm {
		pcm[i] = v
	}
	data, err := enc.Encode(pcm)
	require.NoError(t, err)
	return append([]byte(nil), data...)
}

func newReceiver(clock *fakeClock) *Receiver {
	r := NewReceiver(ReceiverConfig{DefaultFormat: testFormat, Clock: clock.Now})
	r.SetIdentity(testSession, localID)
	return r
}

func TestSenderChannelLifecycle(t *testing.T) {
	tr := &fakeTransport{}
	s := newSender(tr, 1)

	require.NoError(t, s.Send([]byte{1}))
	assert.Empty(t, tr.take(), "nothing open, nothing sent")

	s.OpenRoom("lobby", channel.DefaultOptions())
	require.NoError(t, s.Send([]byte{1}))
	require.NoError(t, s.Send([]byte{2}))

	got := decodeAll(t, tr.take())
	require.Len(t, got, 2)
	assert.Equal(t, uint8(1), got[0].ChannelSession)
	assert.Equal(t, uint16(0), got[0].Sequence)
	assert.Equal(t, uint16(1), got[1].Sequence)
	require.Len(t, got[0].Channels, 1)
	d := channel.FromEntry(got[0].Channels[0])
	assert.Equal(t, channel.Room, d.Type)
	assert.Equal(t, channel.RoomID("lobby"), d.Recipient)
	assert.Equal(t, uint8(1), d.Session)
	assert.False(t, d.Closing)

	s.CloseAll()
	assert.False(t, s.Talking())
	require.NoError(t, s.Flush())
	require.NoError(t, s.Send([]byte{3}))

	got = decodeAll(t, tr.take())
	require.Len(t, got, 1, "one closing packet, then silence")
	assert.True(t, channel.FromEntry(got[0].Channels[0]).Closing)
	assert.Empty(t, got[0].Payload)

	s.OpenRoom("lobby", channel.DefaultOptions())
	require.NoError(t, s.Send([]byte{4}))
	got = decodeAll(t, tr.take())
	require.Len(t, got, 1)
	assert.Equal(t, uint8(2), got[0].ChannelSession)
	assert.Equal(t, uint8(2), channel.FromEntry(got[0].Channels[0]).Session)
	assert.Equal(t, uint16(3), got[0].Sequence)
}

func TestSenderOptionUpdateKeepsSession(t *testing.T) {
	tr := &fakeTransport{}
	s := newSender(tr, 1)
	s.Open(channel.Player, 9, channel.DefaultOptions())
	require.NoError(t, s.Send(nil))
	s.Open(channel.Player, 9, channel.Options{Priority: channel.High, Amplitude: 2})
	require.NoError(t, s.Send(nil))

	got := decodeAll(t, tr.take())
	require.Len(t, got, 2)
	second := channel.FromEntry(got[1].Channels[0])
	assert.Equal(t, uint8(1), second.Session)
	assert.Equal(t, channel.High, second.Priority)
	assert.Equal(t, got[0].ChannelSession, got[1].ChannelSession)
}

func TestSenderEpochOnlyOnEmptyToNonEmpty(t *testing.T) {
	tr := &fakeTransport{}
	s := newSender(tr, 1)
	s.Open(channel.Player, 9, channel.DefaultOptions())
	require.NoError(t, s.Send(nil))
	s.OpenRoom("lobby", channel.DefaultOptions())
	s.Close(channel.Player, 9)
	require.NoError(t, s.Send(nil))
	assert.Equal(t, uint8(1), s.Epoch())
}

func TestReceiverStartStop(t *testing.T) {
	clock := &fakeClock{now: time.Unix(500, 0)}
	r := newReceiver(clock)
	r.JoinRoom("lobby")

	var events []EventType
	r.Subscribe(func(ev Event) {
		assert.Equal(t, uint16(1), ev.Speaker)
		events = append(events, ev.Type)
	})

	tr := &fakeTransport{}
	s := newSender(tr, 1)
	s.OpenRoom("lobby", channel.Options{Priority: channel.Medium, Amplitude: 1})
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Send(pcmFrame(t, 0.5)))
	}
	s.CloseAll()
	require.NoError(t, s.Flush())

	packets := tr.take()
	for _, p := range packets[:3] {
		require.NoError(t, r.HandlePacket(p))
	}
	sp, ok := r.Speaker(1)
	require.True(t, ok)
	assert.True(t, sp.Talking())
	assert.Equal(t, channel.Medium, sp.Options().Priority)
	assert.Equal(t, []EventType{SpeakingStarted}, events)

	require.NoError(t, r.HandlePacket(packets[3]))
	assert.False(t, sp.Talking())
	assert.Equal(t, []EventType{SpeakingStarted, SpeakingStopped}, events)

	// The queued audio still plays out after the speaker stopped.
	clock.Advance(time.Second)
	out := make([]float32, 480)
	assert.True(t, sp.Read(out))
	assert.InDelta(t, 0.5, out[240], 0.05)
}

func TestReceiverIgnoresOtherRecipients(t *testing.T) {
	clock := &fakeClock{now: time.Unix(500, 0)}
	r := newReceiver(clock)

	tr := &fakeTransport{}
	s := newSender(tr, 1)
	s.Open(channel.Player, 7, channel.DefaultOptions())
	s.OpenRoom("elsewhere", channel.DefaultOptions())
	require.NoError(t, s.Send(pcmFrame(t, 0.1)))

	for _, p := range tr.take() {
		require.NoError(t, r.HandlePacket(p))
	}
	_, ok := r.Speaker(1)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), r.Stats().NotForUs)
}

func TestReceiverDropsOwnPackets(t *testing.T) {
	clock := &fakeClock{now: time.Unix(500, 0)}
	r := newReceiver(clock)
	r.JoinRoom("lobby")

	tr := &fakeTransport{}
	s := newSender(tr, localID)
	s.OpenRoom("lobby", channel.DefaultOptions())
	require.NoError(t, s.Send(pcmFrame(t, 0.1)))
	require.NoError(t, r.HandlePacket(tr.take()[0]))
	assert.Empty(t, r.Speakers())
}

func TestReceiverRejectsBadPackets(t *testing.T) {
	clock := &fakeClock{now: time.Unix(500, 0)}
	r := newReceiver(clock)

	err := r.HandlePacket([]byte{0x00, 0x01, 0x02})
	assert.Error(t, err)

	p, err := wire.Marshal(&wire.VoiceData{Session: 1, Sender: 1})
	require.NoError(t, err)
	err = r.HandlePacket(p)
	assert.True(t, IsSessionMismatch(err))

	st := r.Stats()
	assert.Equal(t, uint64(1), st.Malformed)
	assert.Equal(t, uint64(1), st.WrongSession)
}

// voiceData builds a packet from speaker 1 on two channels addressed to
// this listener with the given channel sessions.
func voiceData(seq uint16, epoch uint8, sessions [2]uint8, payload []byte) *wire.VoiceData {
	a := channel.Descriptor{Type: channel.Player, Recipient: localID, Options: channel.DefaultOptions(), Session: sessions[0]}
	b := channel.Descriptor{Type: channel.Room, Recipient: channel.RoomID("lobby"), Options: channel.DefaultOptions(), Session: sessions[1]}
	return &wire.VoiceData{
		Session:        testSession,
		Sender:         1,
		ChannelSession: epoch,
		Sequence:       seq,
		Channels:       []wire.ChannelEntry{a.Entry(), b.Entry()},
		Payload:        payload,
	}
}

func TestEpochChangeOnOneChannelKeepsPlayback(t *testing.T) {
	clock := &fakeClock{now: time.Unix(500, 0)}
	r := newReceiver(clock)
	r.JoinRoom("lobby")
	var events []EventType
	r.Subscribe(func(ev Event) { events = append(events, ev.Type) })

	frame := pcmFrame(t, 0.2)
	require.NoError(t, r.Receive(voiceData(0, 1, [2]uint8{1, 1}, frame)))
	require.NoError(t, r.Receive(voiceData(1, 1, [2]uint8{2, 1}, frame)))
	assert.Equal(t, []EventType{SpeakingStarted}, events)

	sp, _ := r.Speaker(1)
	assert.Equal(t, 1, sp.Stats().Pending, "still one speech session")

	require.NoError(t, r.Receive(voiceData(2, 1, [2]uint8{3, 2}, frame)))
	assert.Equal(t, []EventType{SpeakingStarted, SpeakerReset}, events)
	assert.Equal(t, 1, sp.Stats().Pending, "reset keeps only the newest session")
}

func TestTopLevelEpochStartsNewSession(t *testing.T) {
	clock := &fakeClock{now: time.Unix(500, 0)}
	r := newReceiver(clock)
	r.JoinRoom("lobby")

	frame := pcmFrame(t, 0.2)
	require.NoError(t, r.Receive(voiceData(0, 1, [2]uint8{1, 1}, frame)))
	require.NoError(t, r.Receive(voiceData(1, 2, [2]uint8{1, 1}, frame)))

	sp, _ := r.Speaker(1)
	assert.Equal(t, 2, sp.Stats().Pending)
}

func TestReorderedOpeningFramesArePlayed(t *testing.T) {
	clock := &fakeClock{now: time.Unix(500, 0)}
	r := newReceiver(clock)
	r.JoinRoom("lobby")

	levels := map[uint16]float32{100: 0.1, 101: 0.2, 102: 0.3, 103: 0.4}
	for _, seq := range []uint16{101, 100, 102, 103} {
		require.NoError(t, r.Receive(voiceData(seq, 1, [2]uint8{1, 1}, pcmFrame(t, levels[seq]))))
	}

	sp, ok := r.Speaker(1)
	require.True(t, ok)
	st := sp.Stats()
	assert.Equal(t, uint64(4), st.Packets)
	assert.Zero(t, st.Dropped)

	clock.Advance(time.Second)
	out := make([]float32, 480)
	require.True(t, sp.Read(out))
	assert.InDelta(t, 0.1, out[240], 0.05, "earliest frame plays first")

	st = sp.Stats()
	require.True(t, st.Playing)
	jst := st.Pipeline.Jitter
	assert.Equal(t, uint64(4), jst.Delivered+uint64(jst.Pending))
	assert.Zero(t, jst.Lost)
	assert.Zero(t, jst.Late)
}

func TestSpeakerListIsCachedBetweenChanges(t *testing.T) {
	clock := &fakeClock{now: time.Unix(500, 0)}
	r := newReceiver(clock)
	r.JoinRoom("lobby")

	for _, sender := range []uint16{3, 1} {
		v := voiceData(0, 1, [2]uint8{1, 1}, pcmFrame(t, 0.1))
		v.Sender = sender
		require.NoError(t, r.Receive(v))
	}

	first := r.Speakers()
	require.Len(t, first, 2)
	assert.Equal(t, uint16(1), first[0].ID())
	assert.Equal(t, uint16(3), first[1].ID())
	assert.Same(t, &first[0], &r.Speakers()[0], "unchanged roster reuses the slice")

	allocs := testing.AllocsPerRun(100, func() { _ = r.Speakers() })
	assert.Zero(t, allocs)

	r.RemoveSpeaker(3)
	after := r.Speakers()
	require.Len(t, after, 1)
	assert.Equal(t, uint16(1), after[0].ID())
	require.Len(t, first, 2, "earlier snapshots are not modified")
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	clock := &fakeClock{now: time.Unix(500, 0)}
	r := newReceiver(clock)
	r.JoinRoom("lobby")

	var got []EventType
	r.Subscribe(func(Event) { panic("broken listener") })
	unsubscribe := r.Subscribe(func(ev Event) { got = append(got, ev.Type) })

	require.NoError(t, r.Receive(voiceData(0, 1, [2]uint8{1, 1}, pcmFrame(t, 0))))
	assert.Equal(t, []EventType{SpeakingStarted}, got)

	unsubscribe()
	r.RemoveSpeaker(1)
	assert.Equal(t, []EventType{SpeakingStarted}, got)
	assert.Empty(t, r.Speakers())
}

func TestMixerDucksLowerPriority(t *testing.T) {
	clock := &fakeClock{now: time.Unix(500, 0)}
	r := newReceiver(clock)
	r.JoinRoom("lobby")

	tr := &fakeTransport{}
	loud := newSender(tr, 1)
	loud.OpenRoom("lobby", channel.Options{Priority: channel.High, Amplitude: 1})
	quiet := newSender(tr, 3)
	quiet.OpenRoom("lobby", channel.Options{Priority: channel.Low, Amplitude: 1})
	for i := 0; i < 20; i++ {
		require.NoError(t, loud.Send(pcmFrame(t, 0.1)))
		require.NoError(t, quiet.Send(pcmFrame(t, 0.1)))
	}
	for _, p := range tr.take() {
		require.NoError(t, r.HandlePacket(p))
	}

	m := NewMixer(r, MixerConfig{Channels: 2})
	clock.Advance(time.Second)
	out := make([]float32, 960)
	m.Read(out)
	m.Read(out)
	assert.Equal(t, 2, m.Active())
	assert.Equal(t, out[100], out[101], "mono copied to both channels")

	sp1, _ := r.Speaker(1)
	sp3, _ := r.Speaker(3)
	assert.InDelta(t, 1.0, sp1.Stats().Pipeline.Gain, 0.01)
	assert.InDelta(t, DefaultDuckGain, sp3.Stats().Pipeline.Gain, 0.01)

	m.Close()
	assert.True(t, m.Read(out))
}

func TestMixerMute(t *testing.T) {
	clock := &fakeClock{now: time.Unix(500, 0)}
	r := newReceiver(clock)
	r.JoinRoom("lobby")
	require.NoError(t, r.Receive(voiceData(0, 1, [2]uint8{1, 1}, pcmFrame(t, 0.5))))
	require.NoError(t, r.Receive(voiceData(1, 1, [2]uint8{1, 1}, pcmFrame(t, 0.5))))

	m := NewMixer(r, MixerConfig{})
	m.SetMuted(true)
	clock.Advance(time.Second)
	out := make([]float32, 480)
	assert.False(t, m.Read(out))
	assert.Equal(t, 1, m.Active())
	for _, s := range out {
		require.Zero(t, s)
	}
}

func TestQueueDrainsInOrder(t *testing.T) {
	q := NewQueue[int](3)
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	assert.Equal(t, uint64(2), q.Dropped())
	select {
	case <-q.Wake():
	default:
		t.Fatal("expected a wake signal")
	}

	var got []int
	assert.Equal(t, 3, q.Drain(func(v int) { got = append(got, v) }))
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.Equal(t, 0, q.Len())

	q.Push(9)
	got = nil
	q.Drain(func(v int) { got = append(got, v) })
	assert.Equal(t, []int{9}, got)
}

func TestCaptureSendsAndClosesOnFinish(t *testing.T) {
	tr := &fakeTransport{}
	s := newSender(tr, 1)
	s.OpenRoom("lobby", channel.DefaultOptions())

	reads := 0
	src := audio.SourceFunc(func(out []float32) bool {
		for i := range out {
			out[i] = 0.25
		}
		reads++
		return reads == 5
	})
	enc, err := encode.NewPCM(testFormat)
	require.NoError(t, err)

	c, err := NewCapture(CaptureConfig{Source: src, Encoder: enc, Format: testFormat, Sender: s})
	require.NoError(t, err)
	c.SetTransmit(true)
	require.NoError(t, c.Run(context.Background()))

	got := decodeAll(t, tr.take())
	require.Len(t, got, 6)
	for i, v := range got[:5] {
		assert.Equal(t, uint16(i), v.Sequence)
		assert.False(t, channel.FromEntry(v.Channels[0]).Closing)
	}
	assert.True(t, channel.FromEntry(got[5].Channels[0]).Closing)
	assert.Equal(t, uint64(5), c.Stats().Encoded)
}

func TestCaptureStopsWithContext(t *testing.T) {
	tr := &fakeTransport{}
	s := newSender(tr, 1)
	src := audio.SourceFunc(func(out []float32) bool { return false })
	enc, err := encode.NewPCM(testFormat)
	require.NoError(t, err)

	c, err := NewCapture(CaptureConfig{Source: src, Encoder: enc, Format: testFormat, Sender: s, Paced: true})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Run(ctx), context.DeadlineExceeded)
	assert.Empty(t, tr.take(), "not transmitting")
}
