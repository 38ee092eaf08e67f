// ABOUTME: YAML configuration for the voice client and relay server
// ABOUTME: Fills defaults, loads files with goccy/go-yaml and validates values
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/wire"
	"github.com/goccy/go-yaml"
	"github.com/sirupsen/logrus"
)

// Config is the whole configuration file.
type Config struct {
	Client   Client   `yaml:"client"`
	Playback Playback `yaml:"playback"`
	Server   Server   `yaml:"server"`
	Log      Log      `yaml:"log"`
}

// Client holds the voice client settings.
type Client struct {
	// Server is host:port. Empty means browse with mDNS.
	Server string   `yaml:"server,omitempty"`
	Name   string   `yaml:"name,omitempty"`
	Rooms  []string `yaml:"rooms,omitempty"`

	// Codec is "opus" or "pcm".
	Codec      string `yaml:"codec"`
	FrameSize  int    `yaml:"frame_size"`
	SampleRate int    `yaml:"sample_rate"`

	// DeviceRate is the output device rate. Zero plays at SampleRate.
	DeviceRate     int    `yaml:"device_rate,omitempty"`
	DeviceChannels int    `yaml:"device_channels"`
	Output         string `yaml:"output,omitempty"`

	// Source is an MP3 or FLAC file used as the microphone. Empty uses a
	// test tone.
	Source string `yaml:"source,omitempty"`
	Loop   bool   `yaml:"loop,omitempty"`
}

// Playback tunes the receive side.
type Playback struct {
	Sync         bool    `yaml:"sync"`
	SoftClip     bool    `yaml:"soft_clip"`
	JitterWarn   int     `yaml:"jitter_warn"`
	Volume       float32 `yaml:"volume"`
	DeadZoneMs   int     `yaml:"dead_zone_ms,omitempty"`
	MaxRateShift float64 `yaml:"max_rate_shift,omitempty"`
}

// Server holds relay settings.
type Server struct {
	Port        int    `yaml:"port"`
	Name        string `yaml:"name,omitempty"`
	MDNS        bool   `yaml:"mdns"`
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// Log configures logrus.
type Log struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Client: Client{
			Codec:          "opus",
			FrameSize:      960,
			SampleRate:     48000,
			DeviceChannels: 2,
		},
		Playback: Playback{
			Sync:       true,
			SoftClip:   true,
			JitterWarn: 40,
			Volume:     1,
		},
		Server: Server{
			Port: 8927,
			MDNS: true,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseCodec(c.Client.Codec); err != nil {
		errs = append(errs, err)
	}
	if err := c.Format().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("client: %w", err))
	}
	if c.Client.DeviceRate < 0 {
		errs = append(errs, fmt.Errorf("client: invalid device rate: %d", c.Client.DeviceRate))
	}
	if c.Client.DeviceChannels < 1 || c.Client.DeviceChannels > 2 {
		errs = append(errs, fmt.Errorf("client: device channels must be 1 or 2, got %d", c.Client.DeviceChannels))
	}
	if c.Playback.Volume < 0 || c.Playback.Volume > 2 {
		errs = append(errs, fmt.Errorf("playback: volume must be within [0, 2], got %v", c.Playback.Volume))
	}
	if c.Playback.JitterWarn < 0 {
		errs = append(errs, fmt.Errorf("playback: invalid jitter warn threshold: %d", c.Playback.JitterWarn))
	}
	if c.Playback.MaxRateShift < 0 || c.Playback.MaxRateShift >= 1 {
		errs = append(errs, fmt.Errorf("playback: max rate shift must be within [0, 1), got %v", c.Playback.MaxRateShift))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server: invalid port: %d", c.Server.Port))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	return errors.Join(errs...)
}

// ParseCodec maps a codec name to its wire value.
func ParseCodec(name string) (wire.Codec, error) {
	switch strings.ToLower(name) {
	case "opus":
		return wire.CodecOpus, nil
	case "pcm":
		return wire.CodecPCM, nil
	default:
		return 0, fmt.Errorf("unsupported codec %q (supported: opus, pcm)", name)
	}
}

// Format is the send format described by the client section. Voice is
// always mono.
func (c *Config) Format() audio.Format {
	codec, _ := ParseCodec(c.Client.Codec)
	return audio.Format{
		Codec:      codec,
		SampleRate: c.Client.SampleRate,
		Channels:   1,
		FrameSize:  c.Client.FrameSize,
	}
}

// DeadZone is the synchronizer dead zone, zero for the library default.
func (p Playback) DeadZone() time.Duration {
	return time.Duration(p.DeadZoneMs) * time.Millisecond
}
