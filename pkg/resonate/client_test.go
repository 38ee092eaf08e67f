// ABOUTME: Tests for the VoiceClient against a real relay
// ABOUTME: Covers defaults, speech between two clients, rooms and text
package resonate

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/resonate-voice/internal/server"
	"github.com/Resonate-Protocol/resonate-voice/internal/source"
	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/channel"
	"github.com/Resonate-Protocol/resonate-voice/pkg/protocol"
	"github.com/Resonate-Protocol/resonate-voice/pkg/voice"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pcmFormat = audio.Format{Codec: wire.CodecPCM, SampleRate: 16000, Channels: 1, FrameSize: 320}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func startRelay(t *testing.T) string {
	t.Helper()
	s := server.New(server.Config{Logger: quietLogger()})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return strings.TrimPrefix(ts.URL, "http://")
}

type recorder struct {
	mu     sync.Mutex
	events []voice.Event
	texts  []protocol.TextMessage
}

func (r *recorder) onEvent(ev voice.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) onText(m protocol.TextMessage) {
	r.mu.Lock()
	r.texts = append(r.texts, m)
	r.mu.Unlock()
}

func (r *recorder) started(from uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == voice.SpeakingStarted && ev.Speaker == from {
			return true
		}
	}
	return false
}

func (r *recorder) textCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

func dial(t *testing.T, addr, name string, src audio.Source, rooms ...string) (*VoiceClient, *recorder) {
	t.Helper()
	rec := &recorder{}
	vc, err := NewVoiceClient(Config{
		ServerAddr: addr,
		Name:       name,
		Format:     pcmFormat,
		Rooms:      rooms,
		Output:     NoOutput,
		Source:     src,
		Paced:      true,
		OnEvent:    rec.onEvent,
		OnText:     rec.onText,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, vc.Connect(ctx))
	t.Cleanup(func() { vc.Close() })
	return vc, rec
}

func TestNewVoiceClientDefaults(t *testing.T) {
	vc, err := NewVoiceClient(Config{ServerAddr: "localhost:8927", Output: NoOutput, Logger: quietLogger()})
	require.NoError(t, err)
	defer vc.Close()

	assert.Equal(t, DefaultFormat(), vc.config.Format)
	assert.Equal(t, 48000, vc.config.DeviceRate)
	assert.Equal(t, 2, vc.config.DeviceChannels)
	assert.Equal(t, float32(1), vc.Volume())
	assert.False(t, vc.Transmitting())
}

func TestNewVoiceClientValidates(t *testing.T) {
	_, err := NewVoiceClient(Config{})
	assert.Error(t, err)

	_, err = NewVoiceClient(Config{ServerAddr: "x:1", Format: audio.Format{Codec: wire.CodecPCM, SampleRate: 16000}})
	assert.Error(t, err)
}

func TestSpeechReachesPlayer(t *testing.T) {
	addr := startRelay(t)
	listener, rec := dial(t, addr, "listener", nil)
	talker, _ := dial(t, addr, "talker", source.NewTone(440, pcmFormat.SampleRate))

	_, listenerID := listener.client.Identity()
	_, talkerID := talker.client.Identity()

	talker.OpenPlayer(listenerID, channel.DefaultOptions())
	talker.SetTransmit(true)
	assert.True(t, talker.Transmitting())

	require.Eventually(t, func() bool { return rec.started(talkerID) }, 5*time.Second, 10*time.Millisecond)

	st := listener.Stats()
	assert.True(t, st.Connected)
	assert.NotZero(t, st.Receiver.Received)
	require.NotEmpty(t, st.Speakers)
	assert.Equal(t, talkerID, st.Speakers[0].ID)

	// Pulling from the mixer drives playback without a device.
	out := make([]float32, 2*pcmFormat.FrameSize)
	listener.Mixer().Read(out)

	assert.True(t, talker.Stats().Talking)
	talker.StopTalking()
}

func TestRoomSpeechNeedsMembership(t *testing.T) {
	addr := startRelay(t)
	member, memberRec := dial(t, addr, "member", nil, "lobby")
	outsider, outsiderRec := dial(t, addr, "outsider", nil)
	talker, _ := dial(t, addr, "talker", source.NewTone(440, pcmFormat.SampleRate), "lobby")

	assert.Equal(t, []string{"lobby"}, member.Rooms())
	assert.Empty(t, outsider.Rooms())

	_, talkerID := talker.client.Identity()
	talker.OpenRoom("lobby", channel.DefaultOptions())
	talker.SetTransmit(true)

	require.Eventually(t, func() bool { return memberRec.started(talkerID) }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.False(t, outsiderRec.started(talkerID))
}

func TestTextToRoom(t *testing.T) {
	addr := startRelay(t)
	_, rec := dial(t, addr, "reader", nil, "lobby")
	writer, _ := dial(t, addr, "writer", nil)

	require.Eventually(t, func() bool {
		for _, p := range writer.Peers() {
			if p.Name == "reader" && len(p.Rooms) == 1 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, writer.SendRoomText("lobby", "hello"))
	require.Eventually(t, func() bool { return rec.textCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "hello", rec.texts[0].Text)
	assert.True(t, rec.texts[0].ToRoom)
}

func TestVolumeAndMute(t *testing.T) {
	vc, err := NewVoiceClient(Config{ServerAddr: "localhost:8927", Output: NoOutput, Logger: quietLogger()})
	require.NoError(t, err)
	defer vc.Close()

	vc.SetVolume(0.5)
	assert.Equal(t, float32(0.5), vc.Volume())
	vc.SetMuted(true)
	assert.True(t, vc.Muted())
	assert.False(t, vc.MuteSpeaker(7, true))
}

func TestSendTextBeforeConnect(t *testing.T) {
	vc, err := NewVoiceClient(Config{ServerAddr: "localhost:8927", Output: NoOutput, Logger: quietLogger()})
	require.NoError(t, err)
	defer vc.Close()
	assert.ErrorIs(t, vc.SendText(false, 1, "hi"), ErrNotConnected)
}
