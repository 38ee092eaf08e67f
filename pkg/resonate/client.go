// ABOUTME: High-level voice client API for Resonate relays
// ABOUTME: Wires the connection, receiver, mixer, output and capture loop together
package resonate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/audio/encode"
	"github.com/Resonate-Protocol/resonate-voice/pkg/audio/output"
	"github.com/Resonate-Protocol/resonate-voice/pkg/channel"
	"github.com/Resonate-Protocol/resonate-voice/pkg/pipeline"
	"github.com/Resonate-Protocol/resonate-voice/pkg/protocol"
	"github.com/Resonate-Protocol/resonate-voice/pkg/voice"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
	"github.com/sirupsen/logrus"
)

// NoOutput disables the audio device. Speakers are still decoded when
// the caller pulls from Mixer.
const NoOutput = "none"

// ErrNotConnected is returned by operations that need a live connection.
var ErrNotConnected = errors.New("resonate: not connected")

// Config holds voice client configuration
type Config struct {
	// ServerAddr is the relay address (host:port)
	ServerAddr string
	Path       string

	// Name is the display name announced to peers
	Name string

	// Format is the codec this client sends with. Defaults to 48kHz
	// mono Opus in 20ms frames.
	Format audio.Format

	// DeviceRate and DeviceChannels describe the output device.
	// DeviceRate defaults to Format.SampleRate, DeviceChannels to 2.
	DeviceRate     int
	DeviceChannels int

	// Rooms are joined on connect
	Rooms []string

	// Output names the playback backend: "oto", "portaudio" or NoOutput.
	Output string

	// Source is the microphone. Nil makes a listen-only client.
	Source audio.Source
	// Paced reads Source on a timer instead of blocking on a device.
	Paced bool

	// Pipeline is the template for each speaker's decode pipelines.
	Pipeline pipeline.Config

	// SoftClip limits the mixed output.
	SoftClip bool
	// Volume is the initial master gain (default 1).
	Volume float32

	OnText  func(protocol.TextMessage)
	OnEvent func(voice.Event)
	OnPeer  func(protocol.PeerEvent)
	// OnError is called when the connection ends with an error.
	OnError func(error)

	Logger logrus.FieldLogger
}

// Stats is a snapshot of the whole client.
type Stats struct {
	Connected    bool
	Session      uint32
	ClientID     uint16
	Talking      bool
	Transmitting bool
	Receiver     voice.ReceiverStats
	Capture      voice.CaptureStats
	Speakers     []voice.SpeakerStats
	SendDropped  uint64
}

// VoiceClient is a connected participant: it plays every speaker that
// addresses it and optionally transmits from a microphone.
type VoiceClient struct {
	config Config
	log    logrus.FieldLogger

	client   *protocol.Client
	receiver *voice.Receiver
	sender   *voice.Sender
	mixer    *voice.Mixer
	capture  *voice.Capture
	output   output.Output
	encoder  encode.Encoder

	identityOnce sync.Once
	unsubscribe  func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// DefaultFormat is the voice format used when none is configured.
func DefaultFormat() audio.Format {
	return audio.Format{Codec: wire.CodecOpus, SampleRate: 48000, Channels: 1, FrameSize: 960}
}

// NewVoiceClient creates a disconnected client.
func NewVoiceClient(config Config) (*VoiceClient, error) {
	if config.ServerAddr == "" {
		return nil, errors.New("server address is required")
	}
	if config.Format.SampleRate == 0 {
		config.Format = DefaultFormat()
	}
	if err := config.Format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid format: %w", err)
	}
	if config.DeviceRate <= 0 {
		config.DeviceRate = config.Format.SampleRate
	}
	if config.DeviceChannels <= 0 {
		config.DeviceChannels = 2
	}
	if config.Volume == 0 {
		config.Volume = 1
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	tmpl := config.Pipeline
	tmpl.DeviceRate = config.DeviceRate

	vc := &VoiceClient{
		config: config,
		log:    config.Logger,
	}
	vc.receiver = voice.NewReceiver(voice.ReceiverConfig{
		Pipeline:      tmpl,
		DefaultFormat: config.Format,
		Logger:        config.Logger,
	})
	if config.OnEvent != nil {
		vc.unsubscribe = vc.receiver.Subscribe(config.OnEvent)
	}
	for _, room := range config.Rooms {
		vc.receiver.JoinRoom(room)
	}

	vc.mixer = voice.NewMixer(vc.receiver, voice.MixerConfig{
		Channels: config.DeviceChannels,
		SoftClip: config.SoftClip,
	})
	vc.mixer.SetVolume(config.Volume)

	vc.client = protocol.NewClient(protocol.Config{
		ServerAddr: config.ServerAddr,
		Path:       config.Path,
		Name:       config.Name,
		Format:     config.Format,
		Rooms:      config.Rooms,
		OnVoice:    vc.handleVoice,
		OnText:     config.OnText,
		OnPeer:     vc.handlePeer,
		OnError:    vc.handleError,
		Logger:     config.Logger,
	})
	vc.sender = voice.NewSender(voice.SenderConfig{
		Transport: vc.client,
		Identity:  vc.client.Identity,
		Logger:    config.Logger,
	})

	vc.ctx, vc.cancel = context.WithCancel(context.Background())
	return vc, nil
}

// Connect performs the handshake, starts playback and, when a source is
// configured, the capture loop.
func (vc *VoiceClient) Connect(ctx context.Context) error {
	if err := vc.client.Connect(ctx); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	vc.setIdentity()
	for _, p := range vc.client.Peers() {
		vc.receiver.SetSpeakerFormat(p.ID, p.Format)
	}

	if vc.config.Output != NoOutput {
		out, err := output.New(vc.config.Output)
		if err != nil {
			vc.client.Close()
			return err
		}
		if err := out.Start(vc.mixer, vc.config.DeviceRate, vc.config.DeviceChannels); err != nil {
			vc.client.Close()
			return fmt.Errorf("failed to start output: %w", err)
		}
		vc.output = out
	}

	if vc.config.Source != nil {
		enc, err := encode.New(vc.config.Format)
		if err != nil {
			vc.Close()
			return fmt.Errorf("failed to create encoder: %w", err)
		}
		vc.encoder = enc
		vc.capture, err = voice.NewCapture(voice.CaptureConfig{
			Source:  vc.config.Source,
			Encoder: enc,
			Format:  vc.config.Format,
			Sender:  vc.sender,
			Paced:   vc.config.Paced,
			Logger:  vc.log,
		})
		if err != nil {
			vc.Close()
			return err
		}
		vc.wg.Add(1)
		go func() {
			defer vc.wg.Done()
			if err := vc.capture.Run(vc.ctx); err != nil && !errors.Is(err, context.Canceled) {
				vc.log.WithError(err).Warn("Capture loop ended")
			}
		}()
	}

	session, id := vc.client.Identity()
	vc.log.WithFields(logrus.Fields{
		"session":   session,
		"client_id": id,
		"format":    vc.config.Format.String(),
	}).Info("Voice client ready")
	return nil
}

// setIdentity hands the handshake result to the receiver. Voice can
// arrive on the read goroutine before Connect returns.
func (vc *VoiceClient) setIdentity() {
	vc.identityOnce.Do(func() {
		vc.receiver.SetIdentity(vc.client.Identity())
	})
}

func (vc *VoiceClient) handleVoice(packet []byte) {
	vc.setIdentity()
	if err := vc.receiver.HandlePacket(packet); err != nil && voice.IsSessionMismatch(err) {
		vc.log.Debug("Voice packet from a foreign session")
	}
}

func (vc *VoiceClient) handlePeer(ev protocol.PeerEvent) {
	switch ev.Type {
	case protocol.PeerJoined, protocol.PeerUpdated:
		vc.receiver.SetSpeakerFormat(ev.Peer.ID, ev.Peer.Format)
	case protocol.PeerLeft:
		vc.receiver.RemoveSpeaker(ev.Peer.ID)
	}
	if vc.config.OnPeer != nil {
		vc.config.OnPeer(ev)
	}
}

func (vc *VoiceClient) handleError(err error) {
	vc.cancel()
	if vc.config.OnError != nil {
		vc.config.OnError(err)
	}
}

// OpenPlayer starts talking to one client.
func (vc *VoiceClient) OpenPlayer(id uint16, opts channel.Options) {
	vc.sender.Open(channel.Player, id, opts)
}

// OpenRoom starts talking to a room.
func (vc *VoiceClient) OpenRoom(room string, opts channel.Options) {
	vc.sender.OpenRoom(room, opts)
}

// CloseChannel stops talking on one channel.
func (vc *VoiceClient) CloseChannel(t channel.Type, recipient uint16) {
	vc.sender.Close(t, recipient)
}

// CloseRoom stops talking to a room.
func (vc *VoiceClient) CloseRoom(room string) {
	vc.sender.Close(channel.Room, channel.RoomID(room))
}

// StopTalking closes every open channel.
func (vc *VoiceClient) StopTalking() {
	vc.sender.CloseAll()
}

// SetTransmit gates the microphone. It has no effect on a listen-only
// client.
func (vc *VoiceClient) SetTransmit(on bool) {
	if vc.capture != nil {
		vc.capture.SetTransmit(on)
	}
}

// Transmitting reports whether the microphone is live.
func (vc *VoiceClient) Transmitting() bool {
	return vc.capture != nil && vc.capture.Transmitting()
}

// SetVolume sets the master playback gain.
func (vc *VoiceClient) SetVolume(g float32) { vc.mixer.SetVolume(g) }

// Volume returns the master playback gain.
func (vc *VoiceClient) Volume() float32 { return vc.mixer.Volume() }

// SetMuted silences playback without stopping decode.
func (vc *VoiceClient) SetMuted(m bool) { vc.mixer.SetMuted(m) }

// Muted reports whether playback is muted.
func (vc *VoiceClient) Muted() bool { return vc.mixer.Muted() }

// MuteSpeaker silences one remote speaker.
func (vc *VoiceClient) MuteSpeaker(id uint16, m bool) bool {
	sp, ok := vc.receiver.Speaker(id)
	if ok {
		sp.SetMuted(m)
	}
	return ok
}

// JoinRoom starts receiving a room and announces it to the server.
func (vc *VoiceClient) JoinRoom(room string) error {
	vc.receiver.JoinRoom(room)
	return vc.client.JoinRoom(room)
}

// LeaveRoom stops receiving a room.
func (vc *VoiceClient) LeaveRoom(room string) error {
	vc.receiver.LeaveRoom(room)
	return vc.client.LeaveRoom(room)
}

// Rooms lists the joined rooms.
func (vc *VoiceClient) Rooms() []string { return vc.receiver.Rooms() }

// Peers returns the server roster.
func (vc *VoiceClient) Peers() []protocol.Peer { return vc.client.Peers() }

// SendText sends a chat message to a client or a room.
func (vc *VoiceClient) SendText(toRoom bool, recipient uint16, text string) error {
	if !vc.client.IsConnected() {
		return ErrNotConnected
	}
	return vc.client.SendText(toRoom, recipient, text)
}

// SendRoomText sends a chat message to a room by name.
func (vc *VoiceClient) SendRoomText(room, text string) error {
	return vc.SendText(true, channel.RoomID(room), text)
}

// Mixer is the playback source. Headless callers pull from it directly.
func (vc *VoiceClient) Mixer() *voice.Mixer { return vc.mixer }

// Subscribe registers for speaker events.
func (vc *VoiceClient) Subscribe(fn voice.Subscriber) func() {
	return vc.receiver.Subscribe(fn)
}

// Stats returns a snapshot for display.
func (vc *VoiceClient) Stats() Stats {
	session, id := vc.client.Identity()
	st := Stats{
		Connected:    vc.client.IsConnected(),
		Session:      session,
		ClientID:     id,
		Talking:      vc.sender.Talking(),
		Transmitting: vc.Transmitting(),
		Receiver:     vc.receiver.Stats(),
		SendDropped:  vc.client.Dropped(),
	}
	if vc.capture != nil {
		st.Capture = vc.capture.Stats()
	}
	for _, sp := range vc.receiver.Speakers() {
		st.Speakers = append(st.Speakers, sp.Stats())
	}
	return st
}

// Done is closed when the connection ends.
func (vc *VoiceClient) Done() <-chan struct{} { return vc.client.Done() }

// Err returns the error that ended the connection, if any.
func (vc *VoiceClient) Err() error { return vc.client.Err() }

// Close stops capture and playback and disconnects.
func (vc *VoiceClient) Close() error {
	vc.closeOnce.Do(func() {
		vc.cancel()
		vc.wg.Wait()

		if vc.capture != nil {
			// Let peers see the end of the speech session.
			vc.sender.CloseAll()
			if err := vc.sender.Flush(); err != nil {
				vc.log.WithError(err).Debug("Failed to flush closing channels")
			}
		}
		vc.client.Close()

		vc.mixer.Close()
		if vc.output != nil {
			if err := vc.output.Close(); err != nil {
				vc.log.WithError(err).Warn("Failed to close output")
			}
		}
		if vc.encoder != nil {
			vc.encoder.Close()
		}
		if vc.unsubscribe != nil {
			vc.unsubscribe()
		}
		vc.receiver.Close()
	})
	return nil
}
