package audio

import (
	"errors"
	"fmt"
	"time"

	"github.com/Technologic101/resonance-detector-sub000/internal/dsp"
)

// SessionState represents the current state of a recording session.
type SessionState string

const (
	StateIdle         SessionState = "IDLE"
	StateInitializing SessionState = "INITIALIZING"
	StateReady        SessionState = "READY"
	StateRecording    SessionState = "RECORDING"
	StatePaused       SessionState = "PAUSED"
	StateStopping     SessionState = "STOPPING"
	StateStopped      SessionState = "STOPPED"
	StateErrored      SessionState = "ERRORED"
)

// Terminal reports whether no further transitions or ticks may occur.
func (s SessionState) Terminal() bool {
	return s == StateStopped || s == StateErrored
}

// FaultKind classifies session failures.
type FaultKind string

const (
	FaultPermissionDenied    FaultKind = "permission_denied"
	FaultDeviceUnavailable   FaultKind = "device_unavailable"
	FaultNoSupportedEncoding FaultKind = "no_supported_encoding"
	FaultNotReady            FaultKind = "not_ready"
	FaultTooShort            FaultKind = "too_short"
	FaultEncoder             FaultKind = "encoder_fault"
	FaultStimulusLoad        FaultKind = "stimulus_load_failed"
)

// Fault is a classified session error.
type Fault struct {
	Kind FaultKind
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault wraps err with a fault kind.
func NewFault(kind FaultKind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// FaultKindOf extracts the fault kind from err, or "" if err carries none.
func FaultKindOf(err error) FaultKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// StateChange is delivered to the state observer on every transition and on
// every analysis tick.
type StateChange struct {
	State      SessionState
	Duration   time.Duration
	InputLevel float64
	Fault      *Fault
}

// StateObserver receives state-change notifications.
type StateObserver func(StateChange)

// AnalysisObserver receives the per-tick analysis snapshot.
type AnalysisObserver func(dsp.AudioAnalysis)

// RecordingResult is produced once, at Stopped. The controller discards its
// internal buffers afterward; the caller owns persistence.
type RecordingResult struct {
	Blob     []byte
	MIMEType string
	Duration time.Duration
	Analysis dsp.AudioAnalysis
}
