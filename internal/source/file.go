// ABOUTME: File-backed microphone sources decoding MP3 and FLAC
// ABOUTME: Downmixes to mono and converts to the voice sample rate
package source

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Resonate-Protocol/resonate-voice/pkg/audio"
	"github.com/Resonate-Protocol/resonate-voice/pkg/audio/resample"
	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
	"github.com/sirupsen/logrus"
)

// Source is a closable microphone.
type Source interface {
	audio.Source
	io.Closer
	Title() string
}

// decoder yields mono samples at the file's native rate.
type decoder interface {
	read(out []float32) (int, error)
	rate() int
	rewind() error
	io.Closer
}

// File plays an audio file as if it were a microphone.
type File struct {
	dec   decoder
	title string
	loop  bool
	done  bool
	out   audio.Source
}

// New opens path as a source at sampleRate. An empty path gives a 440 Hz
// tone. With loop the file restarts at the end instead of completing.
func New(path string, sampleRate int, loop bool, log logrus.FieldLogger) (Source, error) {
	if path == "" {
		return NewTone(440, sampleRate), nil
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audio file not found: %w", err)
	}

	var (
		dec decoder
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3":
		dec, err = openMP3(path)
	case ".flac":
		dec, err = openFLAC(path)
	default:
		return nil, fmt.Errorf("unsupported audio format: %s (supported: .mp3, .flac)", ext)
	}
	if err != nil {
		return nil, err
	}

	name := filepath.Base(path)
	f := &File{dec: dec, title: strings.TrimSuffix(name, filepath.Ext(name)), loop: loop}
	f.out = audio.SourceFunc(f.readNative)
	if dec.rate() != sampleRate {
		hq, err := resample.NewHQ(f.out, 1, dec.rate(), sampleRate)
		if err != nil {
			dec.Close()
			return nil, err
		}
		f.out = hq
	}

	log.WithFields(logrus.Fields{
		"title":       f.title,
		"file_rate":   dec.rate(),
		"sample_rate": sampleRate,
		"loop":        loop,
	}).Info("Loaded audio file as microphone")
	return f, nil
}

// Read fills out at the voice rate.
func (f *File) Read(out []float32) bool {
	return f.out.Read(out)
}

func (f *File) readNative(out []float32) bool {
	n := 0
	for n < len(out) && !f.done {
		got, err := f.dec.read(out[n:])
		n += got
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) && f.loop {
			if err := f.dec.rewind(); err == nil {
				continue
			}
		}
		f.done = true
	}
	audio.Silence(out[n:])
	return f.done
}

// Title is the file name without extension.
func (f *File) Title() string { return f.title }

// Close closes the file.
func (f *File) Close() error { return f.dec.Close() }

// mp3Decoder wraps go-mp3, which always produces 16-bit stereo.
type mp3Decoder struct {
	file *os.File
	dec  *mp3.Decoder
	buf  []byte
}

func openMP3(path string) (*mp3Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}
	d, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}
	return &mp3Decoder{file: f, dec: d}, nil
}

func (d *mp3Decoder) read(out []float32) (int, error) {
	need := len(out) * 4
	if cap(d.buf) < need {
		d.buf = make([]byte, need)
	}
	n, err := io.ReadFull(d.dec, d.buf[:need])
	frames := n / 4
	for i := 0; i < frames; i++ {
		l := int16(binary.LittleEndian.Uint16(d.buf[i*4:]))
		r := int16(binary.LittleEndian.Uint16(d.buf[i*4+2:]))
		out[i] = (audio.FromInt16(l) + audio.FromInt16(r)) / 2
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return frames, err
}

func (d *mp3Decoder) rate() int { return d.dec.SampleRate() }

func (d *mp3Decoder) rewind() error {
	_, err := d.dec.Seek(0, io.SeekStart)
	return err
}

func (d *mp3Decoder) Close() error { return d.file.Close() }

// flacDecoder downmixes mewkiz/flac frames.
type flacDecoder struct {
	file    *os.File
	stream  *flac.Stream
	pending []float32
}

func openFLAC(path string) (*flacDecoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open FLAC file: %w", err)
	}
	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}
	return &flacDecoder{file: f, stream: stream}, nil
}

func (d *flacDecoder) read(out []float32) (int, error) {
	n := 0
	for n < len(out) {
		if len(d.pending) == 0 {
			if err := d.next(); err != nil {
				return n, err
			}
		}
		c := copy(out[n:], d.pending)
		d.pending = d.pending[c:]
		n += c
	}
	return n, nil
}

func (d *flacDecoder) next() error {
	frame, err := d.stream.ParseNext()
	if err != nil {
		return err
	}
	depth := int(d.stream.Info.BitsPerSample)
	channels := len(frame.Subframes)
	block := int(frame.BlockSize)
	if cap(d.pending) < block {
		d.pending = make([]float32, block)
	}
	d.pending = d.pending[:block]
	for i := 0; i < block; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += audio.FromInt(frame.Subframes[ch].Samples[i], depth)
		}
		d.pending[i] = sum / float32(channels)
	}
	return nil
}

func (d *flacDecoder) rate() int { return int(d.stream.Info.SampleRate) }

func (d *flacDecoder) rewind() error {
	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start: %w", err)
	}
	stream, err := flac.New(d.file)
	if err != nil {
		return fmt.Errorf("failed to create new stream: %w", err)
	}
	d.stream = stream
	d.pending = d.pending[:0]
	return nil
}

func (d *flacDecoder) Close() error { return d.file.Close() }
