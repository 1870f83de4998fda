package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Encoder consumes PCM frames and produces one encoded blob on Finalize.
// Finalize may be called at most once.
type Encoder interface {
	Write(frames []float32) error
	Finalize() ([]byte, error)
	MIMEType() string
}

// EncoderFactory creates a fresh encoder for one recording.
type EncoderFactory func(sampleRate, channels, bitDepth int) (Encoder, error)

// encodingCandidate is one entry in the capability negotiation table.
type encodingCandidate struct {
	mimeType  string
	available func() bool
	factory   EncoderFactory
}

// encodingPreference is probed once at initialization, in order. The first
// available entry is cached for the whole session.
var encodingPreference = []encodingCandidate{
	{
		mimeType:  "audio/wav",
		available: func() bool { return true },
		factory:   newWAVEncoder,
	},
	{
		mimeType:  "audio/pcm",
		available: func() bool { return true },
		factory:   newRawEncoder,
	},
}

// negotiateEncoding probes the preference table and returns the chosen
// factory and MIME type, or a FaultNoSupportedEncoding.
func negotiateEncoding() (EncoderFactory, string, error) {
	for _, candidate := range encodingPreference {
		if candidate.available() {
			slog.Debug("encoding negotiated", "mime_type", candidate.mimeType)
			return candidate.factory, candidate.mimeType, nil
		}
	}
	return nil, "", NewFault(FaultNoSupportedEncoding, fmt.Errorf("no encoding in the preference table is available"))
}

// memWriteSeeker is an in-memory io.WriteSeeker so the WAV encoder can patch
// chunk sizes without a temp file.
type memWriteSeeker struct {
	buf []byte
	pos int
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	if need := m.pos + len(p); need > len(m.buf) {
		grown := make([]byte, need)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[m.pos:], p)
	m.pos += len(p)
	return len(p), nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = int64(m.pos) + offset
	case io.SeekEnd:
		pos = int64(len(m.buf)) + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative seek position: %d", pos)
	}
	m.pos = int(pos)
	return pos, nil
}

// wavEncoder encodes PCM16 into a WAV container via go-audio.
type wavEncoder struct {
	sink      *memWriteSeeker
	enc       *wav.Encoder
	channels  int
	finalized bool
}

func newWAVEncoder(sampleRate, channels, bitDepth int) (Encoder, error) {
	// go-audio writes PCM; clamp the container to 16-bit which every
	// consumer of the catalog accepts.
	if bitDepth != 16 {
		bitDepth = 16
	}
	sink := &memWriteSeeker{}
	return &wavEncoder{
		sink:     sink,
		enc:      wav.NewEncoder(sink, sampleRate, bitDepth, channels, 1),
		channels: channels,
	}, nil
}

func (e *wavEncoder) MIMEType() string { return "audio/wav" }

func (e *wavEncoder) Write(frames []float32) error {
	if e.finalized {
		return fmt.Errorf("encoder already finalized")
	}

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: e.channels, SampleRate: e.enc.SampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(frames)),
	}
	for i, s := range frames {
		buf.Data[i] = int(clampSample(s) * math.MaxInt16)
	}

	if err := e.enc.Write(buf); err != nil {
		return fmt.Errorf("wav encode failed: %w", err)
	}
	return nil
}

func (e *wavEncoder) Finalize() ([]byte, error) {
	if e.finalized {
		return nil, fmt.Errorf("encoder already finalized")
	}
	e.finalized = true

	if err := e.enc.Close(); err != nil {
		return nil, fmt.Errorf("wav finalize failed: %w", err)
	}
	return e.sink.buf, nil
}

// rawEncoder is the fallback: headerless little-endian PCM16.
type rawEncoder struct {
	buf       bytes.Buffer
	finalized bool
}

func newRawEncoder(sampleRate, channels, bitDepth int) (Encoder, error) {
	return &rawEncoder{}, nil
}

func (e *rawEncoder) MIMEType() string { return "audio/pcm" }

func (e *rawEncoder) Write(frames []float32) error {
	if e.finalized {
		return fmt.Errorf("encoder already finalized")
	}
	for _, s := range frames {
		sample := int16(clampSample(s) * math.MaxInt16)
		if err := binary.Write(&e.buf, binary.LittleEndian, sample); err != nil {
			return fmt.Errorf("pcm encode failed: %w", err)
		}
	}
	return nil
}

func (e *rawEncoder) Finalize() ([]byte, error) {
	if e.finalized {
		return nil, fmt.Errorf("encoder already finalized")
	}
	e.finalized = true
	return e.buf.Bytes(), nil
}

func clampSample(s float32) float64 {
	v := float64(s)
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}
