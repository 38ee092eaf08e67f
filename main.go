// ABOUTME: Entry point for the Resonate voice client
// ABOUTME: Parses CLI flags and config, connects to a relay and runs the TUI
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Resonate-Protocol/resonate-voice/internal/config"
	"github.com/Resonate-Protocol/resonate-voice/internal/logging"
	"github.com/Resonate-Protocol/resonate-voice/internal/source"
	"github.com/Resonate-Protocol/resonate-voice/internal/ui"
	"github.com/Resonate-Protocol/resonate-voice/internal/version"
	"github.com/Resonate-Protocol/resonate-voice/pkg/channel"
	"github.com/Resonate-Protocol/resonate-voice/pkg/discovery"
	"github.com/Resonate-Protocol/resonate-voice/pkg/jitter"
	"github.com/Resonate-Protocol/resonate-voice/pkg/pipeline"
	"github.com/Resonate-Protocol/resonate-voice/pkg/protocol"
	"github.com/Resonate-Protocol/resonate-voice/pkg/resonate"
	vsync "github.com/Resonate-Protocol/resonate-voice/pkg/sync"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	serverAddr string
	name       string
	rooms      []string
	talkTo     []uint
	codec      string
	sourceFile string
	loop       bool
	outputName string
	logFile    string
	logLevel   string
	noTUI      bool
	noSync     bool
	transmit   bool
	listenOnly bool
)

var rootCmd = &cobra.Command{
	Use:   "resonate-voice",
	Short: "Voice chat client for Resonate relays",
	Long: `Voice chat client for Resonate relays.

Connects to a relay (found with mDNS when --server is not given), plays
every speaker that talks to this client or its rooms, and transmits from
an audio file or a test tone.

Examples:
  resonate-voice --server localhost:8927 --room house
  resonate-voice --room house --source speech.mp3 --loop --no-tui --transmit`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "YAML config file")
	f.StringVarP(&serverAddr, "server", "s", "", "Relay address host:port (default: discover with mDNS)")
	f.StringVarP(&name, "name", "n", "", "Display name (default: hostname-voice)")
	f.StringSliceVarP(&rooms, "room", "r", nil, "Room to join and talk to (repeatable)")
	f.UintSliceVar(&talkTo, "to", nil, "Client id to talk to directly (repeatable)")
	f.StringVar(&codec, "codec", "", "Send codec: opus or pcm")
	f.StringVar(&sourceFile, "source", "", "MP3 or FLAC file used as the microphone (default: test tone)")
	f.BoolVar(&loop, "loop", false, "Loop the source file")
	f.StringVar(&outputName, "output", "", "Audio output: oto, portaudio or none")
	f.StringVar(&logFile, "log-file", "resonate-voice.log", "Log file path")
	f.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	f.BoolVar(&noTUI, "no-tui", false, "Disable TUI, stream logs instead")
	f.BoolVar(&noSync, "no-sync", false, "Play at the nominal rate without clock compensation")
	f.BoolVar(&transmit, "transmit", false, "Start transmitting immediately")
	f.BoolVar(&listenOnly, "listen-only", false, "Do not open a microphone source")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// applyFlags lets explicitly set flags override the config file.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Client.Server = serverAddr
	}
	if flags.Changed("name") {
		cfg.Client.Name = name
	}
	if flags.Changed("room") {
		cfg.Client.Rooms = rooms
	}
	if flags.Changed("codec") {
		cfg.Client.Codec = codec
	}
	if flags.Changed("source") {
		cfg.Client.Source = sourceFile
	}
	if flags.Changed("loop") {
		cfg.Client.Loop = loop
	}
	if flags.Changed("output") {
		cfg.Client.Output = outputName
	}
	if flags.Changed("log-file") || cfg.Log.File == "" {
		cfg.Log.File = logFile
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if noSync {
		cfg.Playback.Sync = false
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	useTUI := !noTUI
	closer, err := logging.Setup(cfg.Log.Level, cfg.Log.File, !useTUI)
	if err != nil {
		return err
	}
	defer closer.Close()
	log := logrus.StandardLogger()

	displayName := cfg.Client.Name
	if displayName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		displayName = fmt.Sprintf("%s-voice", hostname)
	}
	log.WithField("name", displayName).Infof("Starting %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr, path := cfg.Client.Server, protocol.DefaultPath
	if addr == "" {
		log.Info("Starting server discovery...")
		servers, err := discovery.Discover(ctx, 10*time.Second)
		if err != nil {
			return fmt.Errorf("discovery failed: %w", err)
		}
		if len(servers) == 0 {
			return fmt.Errorf("no server found after 10 seconds")
		}
		addr, path = servers[0].Addr(), servers[0].Path
		log.WithFields(logrus.Fields{"server": servers[0].Name, "addr": addr}).Info("Discovered server")
	}

	format := cfg.Format()
	var mic source.Source
	if !listenOnly {
		mic, err = source.New(cfg.Client.Source, format.SampleRate, cfg.Client.Loop, log)
		if err != nil {
			return err
		}
		defer mic.Close()
		log.WithField("source", mic.Title()).Info("Microphone source ready")
	}

	var tuiProg *tea.Program
	var control *ui.Control
	if useTUI {
		control = ui.NewControl()
		tuiProg = ui.Run(control, int(cfg.Playback.Volume*100))
		go func() {
			if _, err := tuiProg.Run(); err != nil {
				log.WithError(err).Error("TUI failed")
			}
		}()
		defer tuiProg.Quit()
	}

	vcfg := resonate.Config{
		ServerAddr:     addr,
		Path:           path,
		Name:           displayName,
		Format:         format,
		DeviceRate:     cfg.Client.DeviceRate,
		DeviceChannels: cfg.Client.DeviceChannels,
		Rooms:          cfg.Client.Rooms,
		Output:         cfg.Client.Output,
		Paced:          true,
		SoftClip:       cfg.Playback.SoftClip,
		Volume:         cfg.Playback.Volume,
		Pipeline: pipeline.Config{
			FixedRate: !cfg.Playback.Sync,
			Jitter:    jitter.Config{WarnPending: cfg.Playback.JitterWarn},
			Sync: vsync.Config{
				DeadZone:      cfg.Playback.DeadZone(),
				MaxRateChange: cfg.Playback.MaxRateShift,
			},
		},
		OnText: func(m protocol.TextMessage) {
			log.WithField("from", m.From).Info(m.Text)
			if tuiProg != nil {
				tuiProg.Send(ui.TextMsg(fmt.Sprintf("#%d: %s", m.From, m.Text)))
			}
		},
		OnError: func(err error) {
			log.WithError(err).Error("Disconnected from server")
		},
		Logger: log,
	}
	if mic != nil {
		vcfg.Source = mic
	}

	vc, err := resonate.NewVoiceClient(vcfg)
	if err != nil {
		return err
	}
	defer vc.Close()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := vc.Connect(connectCtx); err != nil {
		return err
	}

	for _, room := range cfg.Client.Rooms {
		vc.OpenRoom(room, channel.DefaultOptions())
	}
	for _, id := range talkTo {
		vc.OpenPlayer(uint16(id), channel.DefaultOptions())
	}
	vc.SetTransmit(transmit)

	var quit <-chan struct{}
	if tuiProg != nil {
		tuiProg.Send(ui.StatusMsg{ServerName: addr, Format: format.String(), Rooms: vc.Rooms()})
		go handleControls(vc, control, log)
		go statsUpdateLoop(ctx, vc, tuiProg)
		quit = control.Quit
	}

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case <-quit:
		log.Info("Received quit signal from TUI")
	case <-vc.Done():
		if err := vc.Err(); err != nil {
			return err
		}
	}
	log.Info("Voice client stopped")
	return nil
}

// handleControls applies key presses from the TUI
func handleControls(vc *resonate.VoiceClient, control *ui.Control, log logrus.FieldLogger) {
	for {
		select {
		case c := <-control.Changes:
			log.WithFields(logrus.Fields{
				"transmit": c.Transmit,
				"muted":    c.Muted,
				"volume":   c.Volume,
			}).Debug("Control change")
			vc.SetTransmit(c.Transmit)
			vc.SetMuted(c.Muted)
			vc.SetVolume(c.Gain())
		case <-vc.Done():
			return
		}
	}
}

// statsUpdateLoop periodically updates TUI with playback statistics
func statsUpdateLoop(ctx context.Context, vc *resonate.VoiceClient, prog *tea.Program) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			names := make(map[uint16]string)
			for _, p := range vc.Peers() {
				names[p.ID] = p.Name
			}
			msg := ui.StatusFromStats(vc.Stats(), names)
			msg.Rooms = vc.Rooms()
			prog.Send(msg)
		case <-ctx.Done():
			return
		case <-vc.Done():
			return
		}
	}
}
