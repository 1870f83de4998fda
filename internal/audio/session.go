package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Technologic101/resonance-detector-sub000/internal/config"
	"github.com/Technologic101/resonance-detector-sub000/internal/dsp"
)

const (
	// ambientMaxDuration caps ambient recordings regardless of the
	// configured maximum.
	ambientMaxDuration = 20 * time.Second

	// stimulusStopBuffer is added to the stimulus playback duration when
	// scheduling the auto-stop.
	stimulusStopBuffer = 500 * time.Millisecond
)

type finalizeResult struct {
	blob []byte
	err  error
}

// Controller owns one recording session: the capture device handle, the
// encoder and the analysis loop. A controller is single-use; after Stopped
// or a fatal fault the caller must create a new one (Initialize is accepted
// again only from Errored).
//
// Observers are invoked with the controller's lock held and must not call
// back into it.
type Controller struct {
	cfg     *config.Config
	backend CaptureBackend
	player  *StimulusPlayer
	now     clock

	// Injected for tests; nil means negotiate at Initialize.
	injectedFactory EncoderFactory
	injectedMIME    string

	onState    StateObserver
	onAnalysis AnalysisObserver

	mu             sync.Mutex
	state          SessionState
	fault          *Fault
	encoderFactory EncoderFactory
	mimeType       string
	stream         CaptureStream
	encoder        Encoder
	tracker        *durationTracker
	extractor      *dsp.MetricsExtractor
	detector       *dsp.PeakDetector
	window         []float64
	lastLevel      float64
	lastAnalysis   dsp.AudioAnalysis
	stimulus       *PreparedStimulus
	loopStop       chan struct{}
	loopDone       chan struct{}
	disposed       bool

	finalizeOnce sync.Once
	finalize     finalizeResult

	resultCh chan *RecordingResult
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock injects the wall-clock source used for duration accounting.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithEncoderFactory bypasses encoding negotiation.
func WithEncoderFactory(factory EncoderFactory, mimeType string) Option {
	return func(c *Controller) {
		c.injectedFactory = factory
		c.injectedMIME = mimeType
	}
}

// NewController creates an idle controller. player may be nil when no
// stimulus playback is wanted.
func NewController(cfg *config.Config, backend CaptureBackend, player *StimulusPlayer, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		backend:  backend,
		player:   player,
		now:      time.Now,
		state:    StateIdle,
		resultCh: make(chan *RecordingResult, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetObservers registers the two consumer callbacks. Must be called before
// Initialize.
func (c *Controller) SetObservers(onState StateObserver, onAnalysis AnalysisObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = onState
	c.onAnalysis = onAnalysis
}

// State returns the current session state.
func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastAnalysis returns the most recent analysis snapshot.
func (c *Controller) LastAnalysis() dsp.AudioAnalysis {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAnalysis
}

// Result delivers the RecordingResult produced at Stopped, whether the stop
// was caller-driven or an auto-stop.
func (c *Controller) Result() <-chan *RecordingResult {
	return c.resultCh
}

// Initialize acquires the capture device and negotiates the encoding.
// Valid from Idle, and from Errored to re-request the device.
func (c *Controller) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return NewFault(FaultNotReady, fmt.Errorf("controller is disposed"))
	}
	if c.state != StateIdle && c.state != StateErrored {
		return NewFault(FaultNotReady, fmt.Errorf("can only initialize from idle or errored state, current: %s", c.state))
	}

	c.state = StateInitializing
	c.fault = nil
	c.emitStateLocked()

	factory, mimeType := c.injectedFactory, c.injectedMIME
	if factory == nil {
		var err error
		factory, mimeType, err = negotiateEncoding()
		if err != nil {
			return c.failLocked(err)
		}
	}
	c.encoderFactory = factory
	c.mimeType = mimeType

	stream, err := c.backend.Open(c.cfg, c.onFrames, c.onDeviceError)
	if err != nil {
		// A partially acquired handle is released by the backend itself.
		return c.failLocked(err)
	}
	c.stream = stream

	c.extractor = dsp.NewMetricsExtractor(c.cfg.Audio.SampleRate, c.cfg.Analysis.WindowSize)
	c.detector = dsp.NewPeakDetector(c.cfg.Audio.SampleRate, c.cfg.Analysis.PeakThreshold, c.cfg.Analysis.MinPeakDistance)
	c.tracker = newDurationTracker(c.now)

	c.state = StateReady
	c.emitStateLocked()

	slog.Info("session ready",
		"backend", c.backend.Name(),
		"mime_type", c.mimeType,
		"sample_rate", c.cfg.Audio.SampleRate)
	return nil
}

// Start begins recording from Ready. A non-nil spec plays the stimulus
// concurrently; stimulus failures are logged and never fail the recording.
func (c *Controller) Start(spec *StimulusSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return NewFault(FaultNotReady, fmt.Errorf("controller is disposed"))
	}
	if c.state != StateReady {
		return NewFault(FaultNotReady, fmt.Errorf("can only start from ready state, current: %s", c.state))
	}

	encoder, err := c.encoderFactory(c.cfg.Audio.SampleRate, c.cfg.Audio.Channels, c.cfg.Audio.BitDepth)
	if err != nil {
		return c.failLocked(NewFault(FaultEncoder, fmt.Errorf("failed to create encoder: %w", err)))
	}
	c.encoder = encoder
	c.window = nil
	c.lastLevel = 0
	c.lastAnalysis = dsp.AudioAnalysis{}
	c.stimulus = nil

	if spec != nil && c.player != nil {
		prepared, err := c.player.Prepare(*spec)
		if err != nil {
			slog.Warn("stimulus preparation failed, recording without reference signal",
				"kind", spec.Kind, "error", err)
		} else {
			c.stimulus = prepared
			if _, err := c.player.Play(prepared); err != nil {
				slog.Warn("stimulus playback failed, recording without reference signal",
					"kind", spec.Kind, "error", err)
			}
		}
	}

	if err := c.stream.Start(); err != nil {
		return c.failLocked(err)
	}

	c.tracker.Start()
	c.state = StateRecording
	c.startLoopLocked()
	c.emitStateLocked()

	slog.Info("recording started", "stimulus", stimulusKindOrNone(c.stimulus))
	return nil
}

// Pause suspends the encoder and the analysis loop without discarding
// accumulated data, and halts the stimulus if still playing.
func (c *Controller) Pause() error {
	c.mu.Lock()
	if c.disposed || c.state != StateRecording {
		c.mu.Unlock()
		return NewFault(FaultNotReady, fmt.Errorf("can only pause while recording, current: %s", c.state))
	}

	c.tracker.Pause()
	c.state = StatePaused
	stop, done := c.takeLoopLocked()
	stream := c.stream
	c.emitStateLocked()
	c.mu.Unlock()

	cancelLoop(stop, done)
	if stream != nil {
		if err := stream.Stop(); err != nil {
			slog.Error("failed to stop capture stream on pause", "error", err)
		}
	}
	if c.player != nil {
		c.player.Halt()
	}

	slog.Debug("recording paused")
	return nil
}

// Resume restarts the encoder and analysis loop from Paused.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed || c.state != StatePaused {
		return NewFault(FaultNotReady, fmt.Errorf("can only resume while paused, current: %s", c.state))
	}

	if err := c.stream.Start(); err != nil {
		return c.failLocked(err)
	}

	c.tracker.Resume()
	c.state = StateRecording
	c.startLoopLocked()
	c.emitStateLocked()

	slog.Debug("recording resumed")
	return nil
}

// Stop finalizes the recording. It fails with TooShort, leaving the session
// in place, when the active duration is below the configured minimum. On
// success the result is returned and also delivered on Result().
func (c *Controller) Stop() (*RecordingResult, error) {
	c.mu.Lock()

	if c.disposed || (c.state != StateRecording && c.state != StatePaused) {
		c.mu.Unlock()
		return nil, NewFault(FaultNotReady, fmt.Errorf("no recording in progress, current: %s", c.state))
	}

	duration := c.tracker.Active()
	if duration < c.cfg.Recording.MinDuration {
		c.mu.Unlock()
		return nil, NewFault(FaultTooShort, fmt.Errorf("recording is %s, minimum is %s", duration, c.cfg.Recording.MinDuration))
	}

	c.state = StateStopping
	stop, done := c.takeLoopLocked()
	stream := c.stream
	encoder := c.encoder
	c.emitStateLocked()
	c.mu.Unlock()

	// Signal loop cancellation first, then wait for it: the loop and the
	// frame callback must not interleave with finalization.
	cancelLoop(stop, done)
	if c.player != nil {
		c.player.Halt()
	}
	if stream != nil {
		if err := stream.Stop(); err != nil {
			slog.Error("failed to stop capture stream", "error", err)
		}
	}

	// At most one blob materialization per session.
	c.finalizeOnce.Do(func() {
		blob, err := encoder.Finalize()
		c.finalize = finalizeResult{blob: blob, err: err}
	})

	c.mu.Lock()
	if c.finalize.err != nil {
		fault := NewFault(FaultEncoder, fmt.Errorf("failed to finalize recording: %w", c.finalize.err))
		c.releaseLocked()
		c.state = StateErrored
		c.fault = fault
		c.emitStateLocked()
		c.mu.Unlock()
		return nil, fault
	}

	result := &RecordingResult{
		Blob:     c.finalize.blob,
		MIMEType: c.mimeType,
		Duration: duration,
		Analysis: c.lastAnalysis,
	}
	c.releaseLocked()
	c.state = StateStopped
	c.emitStateLocked()
	c.mu.Unlock()

	select {
	case c.resultCh <- result:
	default:
	}

	slog.Info("recording stopped", "duration", duration, "blob_bytes", len(result.Blob))
	return result, nil
}

// Dispose releases the capture device, cancels pending work and is
// idempotent from any state.
func (c *Controller) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	stop, done := c.takeLoopLocked()
	stream := c.stream
	c.stream = nil
	c.encoder = nil
	c.window = nil
	c.mu.Unlock()

	cancelLoop(stop, done)
	if c.player != nil {
		c.player.Halt()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			slog.Error("failed to close capture stream on dispose", "error", err)
		}
	}

	slog.Debug("controller disposed")
	return nil
}

// onFrames is the capture backend's frame callback. Together with the
// analysis tick these are the only mutation points of the session buffers.
func (c *Controller) onFrames(frames []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRecording || c.encoder == nil {
		return
	}

	level := 0.0
	mono := make([]float64, 0, len(frames)/c.cfg.Audio.Channels)
	channels := c.cfg.Audio.Channels
	for i := 0; i+channels <= len(frames); i += channels {
		sum := 0.0
		for ch := 0; ch < channels; ch++ {
			s := float64(frames[i+ch])
			sum += s
			if a := abs64(s); a > level {
				level = a
			}
		}
		mono = append(mono, sum/float64(channels))
	}
	c.lastLevel = level

	windowSize := c.extractor.WindowSize()
	c.window = append(c.window, mono...)
	if len(c.window) > windowSize {
		c.window = c.window[len(c.window)-windowSize:]
	}

	if err := c.encoder.Write(frames); err != nil {
		fault := NewFault(FaultEncoder, fmt.Errorf("encoder fault during recording: %w", err))
		slog.Error("encoder fault, session errored", "error", fault)
		c.releaseLocked()
		c.state = StateErrored
		c.fault = fault
		c.emitStateLocked()
	}
}

// onDeviceError handles asynchronous device faults; the session terminates
// and the caller must initialize again.
func (c *Controller) onDeviceError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed || c.state.Terminal() {
		return
	}

	fault := NewFault(FaultDeviceUnavailable, err)
	if kind := FaultKindOf(err); kind != "" {
		fault = NewFault(kind, err)
	}

	slog.Error("device fault, session errored", "error", fault)
	c.releaseLocked()
	c.state = StateErrored
	c.fault = fault
	c.emitStateLocked()
}

// analysisLoop drives the periodic tick. The next tick is scheduled only
// after the previous computation completes.
func (c *Controller) analysisLoop(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-time.After(c.cfg.Analysis.TickInterval):
			if !c.tick() {
				return
			}
		}
	}
}

// tick runs one analysis pass and checks the auto-stop policy. Returns
// false when the loop should exit.
func (c *Controller) tick() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed || c.state != StateRecording {
		return false
	}

	frame := make([]float64, len(c.window))
	copy(frame, c.window)

	metrics, spectrum := c.extractor.Analyze(frame)
	freq := c.detector.Analyze(spectrum)
	score, grade := dsp.ScoreQuality(metrics, freq)

	c.lastAnalysis = dsp.AudioAnalysis{
		Metrics:   metrics,
		Frequency: freq,
		Score:     score,
		Grade:     grade,
	}

	duration := c.tracker.Active()
	if c.onAnalysis != nil {
		c.onAnalysis(c.lastAnalysis)
	}
	if c.onState != nil {
		c.onState(StateChange{State: c.state, Duration: duration, InputLevel: c.lastLevel})
	}

	// The auto-stop never undercuts the configured minimum: a stimulus
	// shorter than min_duration keeps recording until the minimum is
	// reached. The loop stays alive until the state leaves Recording, so a
	// rejected stop is retried on the next tick instead of stranding the
	// session.
	if duration >= c.effectiveMaxDurationLocked() && duration >= c.cfg.Recording.MinDuration {
		slog.Info("auto-stop triggered", "duration", duration, "limit", c.effectiveMaxDurationLocked())
		go func() {
			if _, err := c.Stop(); err != nil {
				slog.Warn("auto-stop rejected, will retry", "error", err)
			}
		}()
	}
	return true
}

// effectiveMaxDurationLocked implements the auto-stop policy: a fixed short
// cap for ambient recordings, the stimulus duration plus a small buffer for
// stimulus-driven ones, otherwise the configured maximum.
func (c *Controller) effectiveMaxDurationLocked() time.Duration {
	if c.stimulus == nil {
		return c.cfg.Recording.MaxDuration
	}
	if c.stimulus.Kind == StimulusAmbient {
		return ambientMaxDuration
	}
	return c.stimulus.Duration() + stimulusStopBuffer
}

func (c *Controller) startLoopLocked() {
	c.loopStop = make(chan struct{})
	c.loopDone = make(chan struct{})
	go c.analysisLoop(c.loopStop, c.loopDone)
}

// takeLoopLocked detaches the loop channels so exactly one caller cancels.
func (c *Controller) takeLoopLocked() (chan struct{}, chan struct{}) {
	stop, done := c.loopStop, c.loopDone
	c.loopStop, c.loopDone = nil, nil
	return stop, done
}

func cancelLoop(stop, done chan struct{}) {
	if stop != nil {
		close(stop)
	}
	if done != nil {
		<-done
	}
}

// failLocked transitions to Errored with the given fault, releasing all
// resources. Returns the fault for convenience.
func (c *Controller) failLocked(err error) error {
	fault, ok := err.(*Fault)
	if !ok {
		fault = NewFault(FaultDeviceUnavailable, err)
	}
	c.releaseLocked()
	c.state = StateErrored
	c.fault = fault
	c.emitStateLocked()
	return fault
}

// releaseLocked closes the device handle and drops session buffers. Safe to
// call more than once.
func (c *Controller) releaseLocked() {
	if c.stream != nil {
		if err := c.stream.Close(); err != nil {
			slog.Error("failed to close capture stream", "error", err)
		}
		c.stream = nil
	}
	if c.player != nil {
		c.player.Halt()
	}
	c.encoder = nil
	c.window = nil
	c.stimulus = nil
}

func (c *Controller) emitStateLocked() {
	if c.onState == nil {
		return
	}
	var duration time.Duration
	if c.tracker != nil {
		duration = c.tracker.Active()
	}
	c.onState(StateChange{
		State:      c.state,
		Duration:   duration,
		InputLevel: c.lastLevel,
		Fault:      c.fault,
	})
}

func stimulusKindOrNone(st *PreparedStimulus) string {
	if st == nil {
		return "none"
	}
	return string(st.Kind)
}

func abs64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
