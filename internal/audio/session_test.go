package audio

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/Technologic101/resonance-detector-sub000/internal/config"
	"github.com/Technologic101/resonance-detector-sub000/internal/dsp"
)

type fakeStream struct {
	mu       sync.Mutex
	starts   int
	stops    int
	closes   int
	startErr error
}

func (s *fakeStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.starts++
	return nil
}

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

type fakeBackend struct {
	stream   *fakeStream
	openErr  error
	onFrames FrameHandler
	onError  ErrorHandler
}

func (b *fakeBackend) Open(cfg *config.Config, onFrames FrameHandler, onError ErrorHandler) (CaptureStream, error) {
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.onFrames = onFrames
	b.onError = onError
	if b.stream == nil {
		b.stream = &fakeStream{}
	}
	return b.stream, nil
}

func (b *fakeBackend) ListDevices() ([]string, error) { return []string{"fake input"}, nil }

func (b *fakeBackend) Name() string { return "fake" }

type fakeEncoder struct {
	mu        sync.Mutex
	frames    int
	writeErr  error
	finalized int
}

func (e *fakeEncoder) Write(frames []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writeErr != nil {
		return e.writeErr
	}
	e.frames += len(frames)
	return nil
}

func (e *fakeEncoder) Finalize() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalized++
	return []byte{0xCA, 0xFE}, nil
}

func (e *fakeEncoder) MIMEType() string { return "audio/test" }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSink struct {
	mu      sync.Mutex
	plays   int
	halts   int
	playErr error
	done    chan struct{}
}

func (s *fakeSink) Play(samples []float32, sampleRate int) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playErr != nil {
		return nil, s.playErr
	}
	s.plays++
	s.done = make(chan struct{})
	return s.done, nil
}

func (s *fakeSink) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halts++
	if s.done != nil {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
}

type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *stateRecorder) observe(ch StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ch)
}

func (r *stateRecorder) states() []SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionState, len(r.changes))
	for i, ch := range r.changes {
		out[i] = ch.State
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Recording.MinDuration = time.Second
	cfg.Recording.MaxDuration = 300 * time.Second
	cfg.Analysis.TickInterval = 5 * time.Millisecond
	cfg.Analysis.WindowSize = 512
	return cfg
}

func newTestController(t *testing.T, cfg *config.Config) (*Controller, *fakeBackend, *fakeEncoder, *fakeClock, *fakeSink) {
	t.Helper()
	backend := &fakeBackend{}
	encoder := &fakeEncoder{}
	clk := newFakeClock()
	sink := &fakeSink{}
	player := NewStimulusPlayer(cfg.Audio.SampleRate, "", sink)
	factory := func(sampleRate, channels, bitDepth int) (Encoder, error) {
		return encoder, nil
	}
	c := NewController(cfg, backend, player,
		WithClock(clk.Now),
		WithEncoderFactory(factory, "audio/test"))
	return c, backend, encoder, clk, sink
}

func waitForState(t *testing.T, c *Controller, want SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, current: %s", want, c.State())
}

func TestLifecycleHappyPath(t *testing.T) {
	c, backend, encoder, clk, _ := newTestController(t, testConfig())
	rec := &stateRecorder{}
	c.SetObservers(rec.observe, nil)

	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if got := c.State(); got != StateReady {
		t.Fatalf("state after Initialize = %s, want %s", got, StateReady)
	}

	if err := c.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := c.State(); got != StateRecording {
		t.Fatalf("state after Start = %s, want %s", got, StateRecording)
	}

	backend.onFrames(make([]float32, 1024))
	clk.Advance(2 * time.Second)

	result, err := c.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if c.State() != StateStopped {
		t.Errorf("state after Stop = %s, want %s", c.State(), StateStopped)
	}
	if len(result.Blob) == 0 {
		t.Error("result blob is empty")
	}
	if result.MIMEType != "audio/test" {
		t.Errorf("MIMEType = %q, want audio/test", result.MIMEType)
	}
	if result.Duration != 2*time.Second {
		t.Errorf("Duration = %s, want 2s", result.Duration)
	}
	if encoder.frames != 1024 {
		t.Errorf("encoder received %d samples, want 1024", encoder.frames)
	}
	if encoder.finalized != 1 {
		t.Errorf("encoder finalized %d times, want 1", encoder.finalized)
	}

	// Stopping must always precede Stopped.
	states := rec.states()
	stoppingAt, stoppedAt := -1, -1
	for i, s := range states {
		if s == StateStopping && stoppingAt == -1 {
			stoppingAt = i
		}
		if s == StateStopped && stoppedAt == -1 {
			stoppedAt = i
		}
	}
	if stoppingAt == -1 || stoppedAt == -1 || stoppingAt > stoppedAt {
		t.Errorf("expected STOPPING before STOPPED, got sequence %v", states)
	}
}

func TestPausedIntervalsExcludedFromDuration(t *testing.T) {
	c, _, _, clk, _ := newTestController(t, testConfig())
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clk.Advance(3 * time.Second)
	if err := c.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	clk.Advance(5 * time.Second)
	if err := c.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	clk.Advance(2 * time.Second)

	result, err := c.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if result.Duration != 5*time.Second {
		t.Errorf("Duration = %s, want 5s (pause excluded)", result.Duration)
	}
}

func TestStopTooShortLeavesSessionIntact(t *testing.T) {
	c, _, _, clk, _ := newTestController(t, testConfig())
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clk.Advance(200 * time.Millisecond)
	if _, err := c.Stop(); FaultKindOf(err) != FaultTooShort {
		t.Fatalf("Stop on short recording = %v, want too_short fault", err)
	}
	if c.State() != StateRecording {
		t.Fatalf("state after rejected Stop = %s, want %s", c.State(), StateRecording)
	}

	// The session keeps recording and a later Stop succeeds.
	clk.Advance(2 * time.Second)
	if _, err := c.Stop(); err != nil {
		t.Fatalf("Stop after more recording failed: %v", err)
	}
}

func TestInvalidTransitionsReturnNotReady(t *testing.T) {
	c, _, _, _, _ := newTestController(t, testConfig())

	if err := c.Start(nil); FaultKindOf(err) != FaultNotReady {
		t.Errorf("Start from idle = %v, want not_ready", err)
	}
	if err := c.Pause(); FaultKindOf(err) != FaultNotReady {
		t.Errorf("Pause from idle = %v, want not_ready", err)
	}
	if err := c.Resume(); FaultKindOf(err) != FaultNotReady {
		t.Errorf("Resume from idle = %v, want not_ready", err)
	}
	if _, err := c.Stop(); FaultKindOf(err) != FaultNotReady {
		t.Errorf("Stop from idle = %v, want not_ready", err)
	}

	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Initialize(); FaultKindOf(err) != FaultNotReady {
		t.Errorf("Initialize from ready = %v, want not_ready", err)
	}
	if err := c.Resume(); FaultKindOf(err) != FaultNotReady {
		t.Errorf("Resume from ready = %v, want not_ready", err)
	}
}

func TestAmbientRecordingCapBeatsConfiguredMax(t *testing.T) {
	cfg := testConfig()
	cfg.Recording.MaxDuration = 300 * time.Second
	c, _, _, _, _ := newTestController(t, cfg)
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(&StimulusSpec{Kind: StimulusAmbient}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Dispose()

	c.mu.Lock()
	limit := c.effectiveMaxDurationLocked()
	c.mu.Unlock()
	if limit != ambientMaxDuration {
		t.Errorf("ambient limit = %s, want %s", limit, ambientMaxDuration)
	}
}

func TestStimulusLimitIsDurationPlusBuffer(t *testing.T) {
	c, _, _, _, _ := newTestController(t, testConfig())
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	spec := &StimulusSpec{Kind: StimulusSweepLinear, Duration: 2 * time.Second}
	if err := c.Start(spec); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer c.Dispose()

	c.mu.Lock()
	limit := c.effectiveMaxDurationLocked()
	c.mu.Unlock()
	want := 2*time.Second + stimulusStopBuffer
	if limit != want {
		t.Errorf("stimulus limit = %s, want %s", limit, want)
	}
}

func TestAutoStopDeliversResult(t *testing.T) {
	cfg := testConfig()
	cfg.Recording.MinDuration = 0
	c, _, _, clk, _ := newTestController(t, cfg)
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	spec := &StimulusSpec{Kind: StimulusSweepLinear, Duration: 2 * time.Second}
	if err := c.Start(spec); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Jump past the stimulus duration plus buffer; the next tick auto-stops.
	clk.Advance(3 * time.Second)
	waitForState(t, c, StateStopped)

	select {
	case result := <-c.Result():
		if result.Duration < 2*time.Second {
			t.Errorf("auto-stop Duration = %s, want at least 2s", result.Duration)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered after auto-stop")
	}
}

func TestAutoStopWaitsForMinimumDuration(t *testing.T) {
	cfg := testConfig() // min_duration 1s
	c, _, _, clk, _ := newTestController(t, cfg)
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	// Default impulse is 300ms; with the stop buffer the effective limit
	// lands below the 1s minimum.
	if err := c.Start(&StimulusSpec{Kind: StimulusImpulse}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clk.Advance(900 * time.Millisecond)
	// Several ticks pass the effective limit but not the minimum; the
	// session must keep recording rather than error or strand itself.
	time.Sleep(50 * time.Millisecond)
	if got := c.State(); got != StateRecording {
		t.Fatalf("state below minimum duration = %s, want %s", got, StateRecording)
	}

	clk.Advance(200 * time.Millisecond)
	waitForState(t, c, StateStopped)

	select {
	case result := <-c.Result():
		if result.Duration < cfg.Recording.MinDuration {
			t.Errorf("auto-stop Duration = %s, want at least %s", result.Duration, cfg.Recording.MinDuration)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered after delayed auto-stop")
	}
}

func TestOperationsAfterDisposeReturnNotReady(t *testing.T) {
	c, _, _, clk, _ := newTestController(t, testConfig())
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clk.Advance(2 * time.Second)
	if err := c.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}

	if _, err := c.Stop(); FaultKindOf(err) != FaultNotReady {
		t.Errorf("Stop after Dispose = %v, want not_ready", err)
	}
	if err := c.Pause(); FaultKindOf(err) != FaultNotReady {
		t.Errorf("Pause after Dispose = %v, want not_ready", err)
	}
	if err := c.Resume(); FaultKindOf(err) != FaultNotReady {
		t.Errorf("Resume after Dispose = %v, want not_ready", err)
	}
}

func TestStartAfterReadyDisposeReturnsNotReady(t *testing.T) {
	c, _, _, _, _ := newTestController(t, testConfig())
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	if err := c.Start(nil); FaultKindOf(err) != FaultNotReady {
		t.Errorf("Start after Dispose = %v, want not_ready", err)
	}
}

func TestNoTicksAfterTerminalState(t *testing.T) {
	cfg := testConfig()
	c, _, _, clk, _ := newTestController(t, cfg)
	rec := &stateRecorder{}
	c.SetObservers(rec.observe, nil)

	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clk.Advance(2 * time.Second)
	if _, err := c.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// Give any straggler goroutine several tick intervals to misbehave.
	time.Sleep(50 * time.Millisecond)

	states := rec.states()
	sawStopped := false
	for _, s := range states {
		if sawStopped && s == StateRecording {
			t.Fatalf("tick emitted after terminal state, sequence %v", states)
		}
		if s == StateStopped {
			sawStopped = true
		}
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	c, backend, _, _, _ := newTestController(t, testConfig())
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Dispose(); err != nil {
		t.Fatalf("first Dispose failed: %v", err)
	}
	if err := c.Dispose(); err != nil {
		t.Fatalf("second Dispose failed: %v", err)
	}
	if backend.stream.closes != 1 {
		t.Errorf("stream closed %d times, want 1", backend.stream.closes)
	}
	if err := c.Initialize(); FaultKindOf(err) != FaultNotReady {
		t.Errorf("Initialize after Dispose = %v, want not_ready", err)
	}
}

func TestDeviceFaultErrorsSessionAndAllowsReinitialize(t *testing.T) {
	c, backend, _, _, _ := newTestController(t, testConfig())
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	backend.onError(errors.New("device unplugged"))
	waitForState(t, c, StateErrored)

	// Errored is recoverable through a fresh Initialize.
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize from errored failed: %v", err)
	}
	if c.State() != StateReady {
		t.Errorf("state after re-Initialize = %s, want %s", c.State(), StateReady)
	}
	c.Dispose()
}

func TestEncoderWriteFaultErrorsSession(t *testing.T) {
	c, backend, encoder, _, _ := newTestController(t, testConfig())
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	encoder.writeErr = fmt.Errorf("disk full")
	backend.onFrames(make([]float32, 256))

	if c.State() != StateErrored {
		t.Fatalf("state after encoder fault = %s, want %s", c.State(), StateErrored)
	}
}

func TestOpenFailureErrorsSession(t *testing.T) {
	cfg := testConfig()
	backend := &fakeBackend{openErr: NewFault(FaultPermissionDenied, errors.New("access denied"))}
	factory := func(sampleRate, channels, bitDepth int) (Encoder, error) {
		return &fakeEncoder{}, nil
	}
	c := NewController(cfg, backend, nil, WithEncoderFactory(factory, "audio/test"))

	err := c.Initialize()
	if FaultKindOf(err) != FaultPermissionDenied {
		t.Fatalf("Initialize = %v, want permission_denied", err)
	}
	if c.State() != StateErrored {
		t.Errorf("state after failed Initialize = %s, want %s", c.State(), StateErrored)
	}
}

func TestStimulusFailureIsNonFatal(t *testing.T) {
	cfg := testConfig()
	c, _, _, _, sink := newTestController(t, cfg)
	sink.playErr = errors.New("output device busy")

	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(&StimulusSpec{Kind: StimulusNoisePink}); err != nil {
		t.Fatalf("Start with failing stimulus = %v, want nil", err)
	}
	if c.State() != StateRecording {
		t.Errorf("state = %s, want %s", c.State(), StateRecording)
	}
	c.Dispose()
}

func TestPauseHaltsStimulusAndStopsStream(t *testing.T) {
	c, backend, encoder, _, sink := newTestController(t, testConfig())
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(&StimulusSpec{Kind: StimulusSweepLog}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	if sink.halts == 0 {
		t.Error("stimulus not halted on pause")
	}
	if backend.stream.stops == 0 {
		t.Error("capture stream not stopped on pause")
	}

	// Frames arriving while paused are dropped, not encoded.
	before := encoder.frames
	backend.onFrames(make([]float32, 256))
	if encoder.frames != before {
		t.Error("frames encoded while paused")
	}

	c.Dispose()
}

func TestAnalysisObserverReceivesTicks(t *testing.T) {
	c, backend, _, _, _ := newTestController(t, testConfig())
	var mu sync.Mutex
	var snapshots []dsp.AudioAnalysis
	c.SetObservers(nil, func(a dsp.AudioAnalysis) {
		mu.Lock()
		snapshots = append(snapshots, a)
		mu.Unlock()
	})

	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := c.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Feed a 440 Hz tone so the tick has something to analyze.
	frames := make([]float32, 2048)
	for i := range frames {
		frames[i] = float32(0.5 * math.Sin(2.0*math.Pi*440.0*float64(i)/48000.0))
	}
	backend.onFrames(frames)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(snapshots)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(snapshots) < 2 {
		t.Fatalf("got %d analysis snapshots, want at least 2", len(snapshots))
	}
	last := snapshots[len(snapshots)-1]
	if last.Metrics.RMS <= 0 {
		t.Errorf("tick RMS = %f, want > 0 for a live tone", last.Metrics.RMS)
	}
	c.Dispose()
}
