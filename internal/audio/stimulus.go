package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/oto/v2"
)

// StimulusKind tags the reference signal to play alongside a recording.
type StimulusKind string

const (
	StimulusAmbient     StimulusKind = "ambient"
	StimulusSweepLinear StimulusKind = "sweep-linear"
	StimulusSweepLog    StimulusKind = "sweep-log"
	StimulusNoiseWhite  StimulusKind = "noise-white"
	StimulusNoisePink   StimulusKind = "noise-pink"
	StimulusImpulse     StimulusKind = "impulse"
)

// StimulusKinds lists every supported kind, for CLI help and validation.
func StimulusKinds() []StimulusKind {
	return []StimulusKind{
		StimulusAmbient, StimulusSweepLinear, StimulusSweepLog,
		StimulusNoiseWhite, StimulusNoisePink, StimulusImpulse,
	}
}

// StimulusSpec describes a reference signal: a synthesis recipe, optionally
// overridden by a reference-audio asset found in the asset directory.
type StimulusSpec struct {
	Kind     StimulusKind
	Duration time.Duration // 0 selects the kind's default
}

const (
	defaultSweepDuration   = 3 * time.Second
	defaultNoiseDuration   = 3 * time.Second
	defaultImpulseDuration = 300 * time.Millisecond
	defaultToneDuration    = 2 * time.Second
	sweepStartFreq         = 20.0
	sweepEndFreq           = 20000.0
	ambientToneFreq        = 440.0
	fadeDuration           = 10 * time.Millisecond
)

// PreparedStimulus is a resolved, playable buffer with a known duration.
type PreparedStimulus struct {
	Kind     StimulusKind
	samples  []float32
	duration time.Duration
}

func (p *PreparedStimulus) Duration() time.Duration { return p.duration }

// PlaybackSink plays a buffer once through the output device. Play returns
// a channel closed on completion; Halt cuts playback short.
type PlaybackSink interface {
	Play(samples []float32, sampleRate int) (<-chan struct{}, error)
	Halt()
}

// StimulusPlayer synthesizes or loads reference signals and plays them once
// through the output device.
type StimulusPlayer struct {
	sampleRate int
	assetDir   string
	sink       PlaybackSink
}

// NewStimulusPlayer creates a player. assetDir may be empty to disable
// reference-asset lookup; sink may be nil to use the speaker output.
func NewStimulusPlayer(sampleRate int, assetDir string, sink PlaybackSink) *StimulusPlayer {
	if sink == nil {
		sink = &otoSink{sampleRate: sampleRate}
	}
	return &StimulusPlayer{
		sampleRate: sampleRate,
		assetDir:   assetDir,
		sink:       sink,
	}
}

// Prepare resolves a spec into a playable buffer. A reference asset named
// after the kind ("<kind>.wav") wins over synthesis when present; asset
// decode failure degrades to synthesis.
func (p *StimulusPlayer) Prepare(spec StimulusSpec) (*PreparedStimulus, error) {
	if p.assetDir != "" {
		assetPath := filepath.Join(p.assetDir, string(spec.Kind)+".wav")
		if _, err := os.Stat(assetPath); err == nil {
			samples, err := loadWAVAsset(assetPath)
			if err != nil {
				slog.Warn("stimulus asset decode failed, falling back to synthesis",
					"kind", spec.Kind, "path", assetPath, "error", err)
			} else {
				return &PreparedStimulus{
					Kind:     spec.Kind,
					samples:  samples,
					duration: time.Duration(float64(len(samples)) / float64(p.sampleRate) * float64(time.Second)),
				}, nil
			}
		}
	}

	samples, err := p.synthesize(spec)
	if err != nil {
		return nil, NewFault(FaultStimulusLoad, err)
	}

	applyFades(samples, p.sampleRate)

	return &PreparedStimulus{
		Kind:     spec.Kind,
		samples:  samples,
		duration: time.Duration(float64(len(samples)) / float64(p.sampleRate) * float64(time.Second)),
	}, nil
}

// Play starts playback and returns a completion channel.
func (p *StimulusPlayer) Play(st *PreparedStimulus) (<-chan struct{}, error) {
	done, err := p.sink.Play(st.samples, p.sampleRate)
	if err != nil {
		return nil, NewFault(FaultStimulusLoad, err)
	}
	slog.Debug("stimulus playback started", "kind", st.Kind, "duration", st.duration)
	return done, nil
}

// Halt cuts any in-flight playback short.
func (p *StimulusPlayer) Halt() {
	p.sink.Halt()
}

func (p *StimulusPlayer) synthesize(spec StimulusSpec) ([]float32, error) {
	duration := spec.Duration

	switch spec.Kind {
	case StimulusAmbient:
		if duration == 0 {
			duration = defaultToneDuration
		}
		return p.synthTone(ambientToneFreq, duration), nil

	case StimulusSweepLinear:
		if duration == 0 {
			duration = defaultSweepDuration
		}
		return p.synthSweep(duration, false), nil

	case StimulusSweepLog:
		if duration == 0 {
			duration = defaultSweepDuration
		}
		return p.synthSweep(duration, true), nil

	case StimulusNoiseWhite:
		if duration == 0 {
			duration = defaultNoiseDuration
		}
		return p.synthWhiteNoise(duration), nil

	case StimulusNoisePink:
		if duration == 0 {
			duration = defaultNoiseDuration
		}
		return p.synthPinkNoise(duration), nil

	case StimulusImpulse:
		if duration == 0 {
			duration = defaultImpulseDuration
		}
		return p.synthImpulse(duration), nil

	default:
		return nil, fmt.Errorf("unknown stimulus kind: %s", spec.Kind)
	}
}

func (p *StimulusPlayer) sampleCount(duration time.Duration) int {
	return int(float64(p.sampleRate) * duration.Seconds())
}

func (p *StimulusPlayer) synthTone(freq float64, duration time.Duration) []float32 {
	n := p.sampleCount(duration)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2.0*math.Pi*freq*float64(i)/float64(p.sampleRate)))
	}
	return samples
}

// synthSweep generates a sine sweep from sweepStartFreq to sweepEndFreq by
// phase integration, linear or exponential in frequency.
func (p *StimulusPlayer) synthSweep(duration time.Duration, logarithmic bool) []float32 {
	n := p.sampleCount(duration)
	samples := make([]float32, n)

	phase := 0.0
	logRatio := math.Log(sweepEndFreq / sweepStartFreq)
	for i := range samples {
		progress := float64(i) / float64(n)
		var freq float64
		if logarithmic {
			freq = sweepStartFreq * math.Exp(logRatio*progress)
		} else {
			freq = sweepStartFreq + (sweepEndFreq-sweepStartFreq)*progress
		}
		phase += 2.0 * math.Pi * freq / float64(p.sampleRate)
		samples[i] = float32(0.5 * math.Sin(phase))
	}
	return samples
}

func (p *StimulusPlayer) synthWhiteNoise(duration time.Duration) []float32 {
	n := p.sampleCount(duration)
	samples := make([]float32, n)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range samples {
		samples[i] = float32(0.4 * (rng.Float64()*2.0 - 1.0))
	}
	return samples
}

// synthPinkNoise filters white noise with the Paul Kellet three-pole
// approximation for a -3 dB/octave slope.
func (p *StimulusPlayer) synthPinkNoise(duration time.Duration) []float32 {
	n := p.sampleCount(duration)
	samples := make([]float32, n)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var b0, b1, b2 float64
	for i := range samples {
		white := rng.Float64()*2.0 - 1.0
		b0 = 0.99765*b0 + white*0.0990460
		b1 = 0.96300*b1 + white*0.2965164
		b2 = 0.57000*b2 + white*1.0526913
		pink := (b0 + b1 + b2 + white*0.1848) * 0.12
		samples[i] = float32(pink)
	}
	return samples
}

// synthImpulse generates a decaying noise burst approximating a hand clap.
func (p *StimulusPlayer) synthImpulse(duration time.Duration) []float32 {
	n := p.sampleCount(duration)
	samples := make([]float32, n)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	decay := 8.0 / float64(n)
	for i := range samples {
		envelope := math.Exp(-decay * float64(i))
		samples[i] = float32(0.8 * envelope * (rng.Float64()*2.0 - 1.0))
	}
	return samples
}

// applyFades applies short linear fade-in/out envelopes to avoid clicks.
func applyFades(samples []float32, sampleRate int) {
	fadeSamples := int(float64(sampleRate) * fadeDuration.Seconds())
	if fadeSamples*2 > len(samples) {
		fadeSamples = len(samples) / 2
	}
	for i := 0; i < fadeSamples; i++ {
		gain := float32(i) / float32(fadeSamples)
		samples[i] *= gain
		samples[len(samples)-1-i] *= gain
	}
}

// loadWAVAsset decodes a reference asset to mono float32 samples.
func loadWAVAsset(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open asset: %w", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode asset: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("asset contains no samples")
	}

	floatBuf := buf.AsFloat32Buffer()
	channels := buf.Format.NumChannels
	if channels <= 1 {
		return floatBuf.Data, nil
	}

	// Downmix to mono
	mono := make([]float32, len(floatBuf.Data)/channels)
	for i := range mono {
		sum := float32(0)
		for ch := 0; ch < channels; ch++ {
			sum += floatBuf.Data[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono, nil
}

// otoSink plays buffers through the default output device.
type otoSink struct {
	sampleRate int

	mu      sync.Mutex
	player  oto.Player
	initErr error
	ctx     *oto.Context
	once    sync.Once
}

func (s *otoSink) Play(samples []float32, sampleRate int) (<-chan struct{}, error) {
	s.once.Do(func() {
		ctx, ready, err := oto.NewContext(sampleRate, 1, 2)
		if err != nil {
			s.initErr = fmt.Errorf("failed to open output device: %w", err)
			return
		}
		<-ready
		s.ctx = ctx
	})
	if s.initErr != nil {
		return nil, s.initErr
	}

	pcm := make([]byte, len(samples)*2)
	for i, sample := range samples {
		v := int16(clampSample(sample) * math.MaxInt16)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}

	s.mu.Lock()
	player := s.ctx.NewPlayer(bytes.NewReader(pcm))
	s.player = player
	s.mu.Unlock()

	player.Play()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for player.IsPlaying() {
			time.Sleep(10 * time.Millisecond)
		}
	}()
	return done, nil
}

func (s *otoSink) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil {
		s.player.Close()
		s.player = nil
	}
}
