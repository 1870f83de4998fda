package audio

import (
	"github.com/Technologic101/resonance-detector-sub000/internal/config"
)

// FrameHandler receives interleaved float32 PCM frames from the capture
// stream. It is called from the backend's capture goroutine.
type FrameHandler func(frames []float32)

// ErrorHandler receives asynchronous device faults detected mid-capture.
type ErrorHandler func(err error)

// CaptureStream is a live input stream. Start/Stop gate frame delivery;
// Close releases the device handle.
type CaptureStream interface {
	Start() error
	Stop() error
	Close() error
}

// CaptureBackend opens capture streams against the host's audio-input
// facility.
type CaptureBackend interface {
	// Open acquires the capture device under the config's constraints and
	// wires frame delivery. Open failures are reported as Fault values
	// (FaultPermissionDenied or FaultDeviceUnavailable).
	Open(cfg *config.Config, onFrames FrameHandler, onError ErrorHandler) (CaptureStream, error)

	// ListDevices reports the available capture devices.
	ListDevices() ([]string, error)

	Name() string
}

// NewCaptureBackend returns the default backend for this host.
func NewCaptureBackend() CaptureBackend {
	return &PortAudioBackend{}
}
