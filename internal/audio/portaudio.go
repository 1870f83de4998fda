package audio

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/gordonklaus/portaudio"

	"github.com/Technologic101/resonance-detector-sub000/internal/config"
)

// PortAudioBackend implements CaptureBackend using the host's default
// PortAudio input device.
type PortAudioBackend struct{}

func (b *PortAudioBackend) Name() string { return "portaudio" }

// Open acquires the default input device. The stream delivers frames via
// the PortAudio callback; each buffer is copied before being handed to the
// frame handler because PortAudio reuses it.
func (b *PortAudioBackend) Open(cfg *config.Config, onFrames FrameHandler, onError ErrorHandler) (CaptureStream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, classifyOpenError(fmt.Errorf("failed to initialize portaudio: %w", err))
	}

	framesPerBuffer := cfg.Analysis.WindowSize / 2

	stream, err := portaudio.OpenDefaultStream(
		cfg.Audio.Channels, 0,
		float64(cfg.Audio.SampleRate),
		framesPerBuffer,
		func(in []float32) {
			frames := make([]float32, len(in))
			copy(frames, in)
			onFrames(frames)
		},
	)
	if err != nil {
		portaudio.Terminate()
		return nil, classifyOpenError(fmt.Errorf("failed to open capture stream: %w", err))
	}

	slog.Debug("capture stream opened",
		"backend", b.Name(),
		"sample_rate", cfg.Audio.SampleRate,
		"channels", cfg.Audio.Channels,
		"frames_per_buffer", framesPerBuffer)

	return &portAudioStream{stream: stream, onError: onError}, nil
}

// ListDevices reports the names of all input-capable devices.
func (b *PortAudioBackend) ListDevices() ([]string, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	var names []string
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			names = append(names, d.Name)
		}
	}
	return names, nil
}

// classifyOpenError maps a device-open failure onto the fault taxonomy.
func classifyOpenError(err error) *Fault {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "access denied") {
		return NewFault(FaultPermissionDenied, err)
	}
	return NewFault(FaultDeviceUnavailable, err)
}

type portAudioStream struct {
	stream  *portaudio.Stream
	onError ErrorHandler
	closed  bool
}

func (s *portAudioStream) Start() error {
	if err := s.stream.Start(); err != nil {
		return NewFault(FaultDeviceUnavailable, fmt.Errorf("failed to start capture stream: %w", err))
	}
	return nil
}

func (s *portAudioStream) Stop() error {
	if err := s.stream.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture stream: %w", err)
	}
	return nil
}

func (s *portAudioStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.stream.Close(); err != nil {
		portaudio.Terminate()
		return fmt.Errorf("failed to close capture stream: %w", err)
	}
	return portaudio.Terminate()
}
