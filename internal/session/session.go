// Package session runs one kit verification for a maintenance request.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aflt-toolscan/kit-verifier/internal/camera"
	"github.com/aflt-toolscan/kit-verifier/internal/capture"
	"github.com/aflt-toolscan/kit-verifier/internal/decision"
	"github.com/aflt-toolscan/kit-verifier/internal/geometry"
	"github.com/aflt-toolscan/kit-verifier/internal/logger"
	"github.com/aflt-toolscan/kit-verifier/internal/metrics"
	"github.com/aflt-toolscan/kit-verifier/internal/overlay"
	"github.com/aflt-toolscan/kit-verifier/internal/recognition"
	"github.com/aflt-toolscan/kit-verifier/internal/recorder"
	"github.com/aflt-toolscan/kit-verifier/internal/stream"
	"github.com/aflt-toolscan/kit-verifier/internal/workflow"
	"github.com/aflt-toolscan/kit-verifier/pkg/types"
)

var (
	// ErrNotStarted is returned by actions that need a running session
	ErrNotStarted = errors.New("session not started")
	// ErrTornDown is returned after Teardown
	ErrTornDown = errors.New("session torn down")
)

// Channel is the detection stream as seen by the session
type Channel interface {
	capture.Sink
	Events() <-chan types.DetectionEvent
	Connected() bool
	Disconnects() int
	Close() error
}

// Dialer opens the detection stream
type Dialer func(ctx context.Context, endpoint string, opts stream.Options) (Channel, error)

// DialStream is the production Dialer
func DialStream(ctx context.Context, endpoint string, opts stream.Options) (Channel, error) {
	return stream.Dial(ctx, endpoint, opts)
}

// Config holds per-session settings
type Config struct {
	RequestID   int
	BatchNumber string
	Endpoint    string        // ws:// URL of the detection stream
	Interval    time.Duration // Capture period
	Threshold   float64       // Recognition probability threshold (exclusive)
	Mirror      bool          // Preview is mirrored horizontally
	Capture     capture.Options
	Stream      stream.Options
}

// Deps are the collaborators a session uses
type Deps struct {
	Backend    workflow.Backend
	Inventory  types.Inventory
	OpenCamera func() (camera.Device, error) // nil means no camera
	Dial       Dialer                        // nil means DialStream
	Evidence   *recorder.Evidence            // nil disables evidence
	Metrics    *metrics.Metrics
}

// Session owns the channel, capture loop, tracker and workflow of one request.
type Session struct {
	id   string
	cfg  Config
	deps Deps
	log  logger.Module

	tracker *recognition.Tracker
	flow    *workflow.Workflow
	metrics *metrics.Metrics

	channel Channel
	device  camera.Device
	loop    *capture.Loop

	mu           sync.RWMutex
	snapshot     types.Snapshot
	decision     types.CompletionDecision
	lastEventAt  *time.Time
	cameraDenied bool
	manualFrame  *types.Frame
	started      bool
	tornDown     bool
	listeners    []func()

	manualSeq    atomic.Uint64
	stop         chan struct{}
	teardownOnce sync.Once
	wg           sync.WaitGroup
}

// New creates an idle session
func New(cfg Config, deps Deps) *Session {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Dial == nil {
		deps.Dial = DialStream
	}
	if cfg.Stream.Metrics == nil {
		cfg.Stream.Metrics = deps.Metrics
	}

	s := &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		deps:    deps,
		log:     logger.For("Session"),
		tracker: recognition.NewTracker(),
		flow:    workflow.New(cfg.RequestID, deps.Backend),
		metrics: deps.Metrics,
		stop:    make(chan struct{}),
	}
	s.decision = decision.Decide(types.Snapshot{}, deps.Inventory, cfg.Threshold)
	s.flow.UpdateDecision(s.decision)
	s.flow.OnChange(func(from, to workflow.State) { s.notify() })
	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Workflow exposes the confirmation workflow state machine
func (s *Session) Workflow() *workflow.Workflow {
	return s.flow
}

// OnUpdate registers a callback run after every applied event or transition
func (s *Session) OnUpdate(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start connects the stream, opens the camera and begins capture. A denied
// camera leaves the session running in a degraded state where frames can
// only be submitted manually. A failed Start may be retried.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.tornDown {
		s.mu.Unlock()
		return fmt.Errorf("session %s already started", s.id)
	}
	s.started = true
	s.mu.Unlock()

	if err := s.open(ctx); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	s.log.Info("Session %s started for request %d (%d tools expected, threshold %.2f)",
		s.id, s.cfg.RequestID, s.deps.Inventory.Len(), s.cfg.Threshold)
	s.notify()
	return nil
}

func (s *Session) open(ctx context.Context) error {
	ch, err := s.deps.Dial(ctx, s.cfg.Endpoint, s.cfg.Stream)
	if err != nil {
		return fmt.Errorf("failed to open detection stream: %w", err)
	}

	var dev camera.Device
	denied := false
	if s.deps.OpenCamera != nil {
		d, err := s.deps.OpenCamera()
		switch {
		case err == nil:
			dev = d
		case errors.Is(err, camera.ErrPermissionDenied):
			s.log.Warn("Camera unavailable, manual frames only: %v", err)
			denied = true
		default:
			ch.Close()
			return fmt.Errorf("failed to open camera: %w", err)
		}
	}

	var loop *capture.Loop
	if dev != nil {
		loop = capture.NewLoop(dev, ch, s.metrics, s.cfg.Capture)
		if err := loop.Start(s.cfg.Interval); err != nil {
			dev.Close()
			ch.Close()
			return fmt.Errorf("failed to start capture: %w", err)
		}
	}

	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		if loop != nil {
			loop.Stop()
		}
		ch.Close()
		if dev != nil {
			dev.Close()
		}
		return ErrTornDown
	}
	s.channel = ch
	s.device = dev
	s.loop = loop
	s.cameraDenied = denied
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ch.Events())
	return nil
}

// run applies events in arrival order until the stream ends or the session stops
func (s *Session) run(events <-chan types.DetectionEvent) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-events:
			if !ok {
				s.log.Warn("Detection stream ended")
				if loop := s.captureLoop(); loop != nil {
					loop.Stop()
				}
				s.notify()
				return
			}
			s.apply(ev)
		}
	}
}

func (s *Session) apply(ev types.DetectionEvent) {
	snap, err := s.tracker.Apply(ev)
	if err != nil {
		s.metrics.EventsRejected.Add(1)
		return
	}
	s.metrics.EventsAccepted.Add(1)
	s.metrics.UpdateEventLatency(ev.Timestamp)
	s.metrics.SetBackendFPS(ev.FPS)

	d := decision.Decide(snap, s.deps.Inventory, s.cfg.Threshold)
	s.flow.UpdateDecision(d)
	s.metrics.RecognizedTools.Store(uint64(decision.Recognized(d, s.deps.Inventory)))
	s.metrics.MissingTools.Store(uint64(len(d.Missing)))

	now := time.Now()
	s.mu.Lock()
	wasComplete := s.decision.Complete
	s.snapshot = snap
	s.decision = d
	s.lastEventAt = &now
	s.mu.Unlock()

	if d.Complete && !wasComplete {
		s.log.Info("All %d tools recognized, ready to finish", s.deps.Inventory.Len())
	}
	s.notify()
}

// SubmitImage encodes img and sends it as one frame. Used when the camera
// is unavailable or the operator uploads a photo.
func (s *Session) SubmitImage(ctx context.Context, img image.Image) error {
	if err := s.ready(); err != nil {
		return err
	}

	opts := s.cfg.Capture
	data, err := capture.EncodeImage(img, opts.Width, opts.Height, opts.Quality)
	if err != nil {
		return err
	}
	frame := &types.Frame{
		Seq:       s.manualSeq.Add(1),
		Timestamp: time.Now(),
		Width:     opts.Width,
		Height:    opts.Height,
		JPEG:      data,
	}
	if frame.Width == 0 || frame.Height == 0 {
		frame.Width, frame.Height = img.Bounds().Dx(), img.Bounds().Dy()
	}

	s.mu.Lock()
	s.manualFrame = frame
	s.mu.Unlock()

	s.mu.RLock()
	ch := s.channel
	s.mu.RUnlock()
	if err := ch.SendFrame(ctx, frame); err != nil {
		s.metrics.SendErrors.Add(1)
		return fmt.Errorf("failed to send frame: %w", err)
	}
	s.metrics.FramesSent.Add(1)
	return nil
}

// Finish opens the review step
func (s *Session) Finish() error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.flow.Finish()
}

// Cancel returns to scanning
func (s *Session) Cancel() error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.flow.Cancel()
}

// Retry starts a new attempt after a failed confirmation
func (s *Session) Retry() error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.flow.Retry()
}

// Confirm closes the request. Incidents store the current frame as
// evidence first. The session tears down once the request is closed.
func (s *Session) Confirm(ctx context.Context, comment string) error {
	if err := s.ready(); err != nil {
		return err
	}

	s.mu.RLock()
	latest := s.decision
	s.mu.RUnlock()

	d := s.flow.Decision()
	incident := s.flow.State() == workflow.Reviewing && !d.Complete && !latest.Complete &&
		strings.TrimSpace(comment) != ""
	if incident {
		s.saveEvidence()
	}

	err := s.flow.Confirm(ctx, comment)
	var failure *workflow.Failure
	switch {
	case errors.Is(err, workflow.ErrDecisionChanged):
		s.notify()
	case err == nil:
		if d.Complete {
			s.metrics.RequestsCompleted.Add(1)
		} else {
			s.metrics.IncidentsReported.Add(1)
		}
	case errors.As(err, &failure):
		s.metrics.WorkflowFailures.Add(1)
	}

	if s.flow.State() == workflow.Closed {
		s.Teardown()
	}
	return err
}

func (s *Session) saveEvidence() {
	if s.deps.Evidence == nil {
		return
	}
	frame := s.LatestFrame()
	if frame == nil {
		s.log.Warn("No frame available for incident evidence")
		return
	}

	snap := s.Snapshot()
	overlays := geometry.Overlays(snap, float64(frame.Width), float64(frame.Height), false)
	opts := overlay.DefaultOptions()
	opts.Mirror = false
	annotated, err := overlay.Render(frame.JPEG, overlays, opts)
	if err != nil {
		s.log.Warn("Failed to annotate evidence frame: %v", err)
		annotated = nil
	}
	if _, err := s.deps.Evidence.Save(s.cfg.RequestID, frame.JPEG, annotated); err != nil {
		s.log.Error("Failed to save incident evidence: %v", err)
	}
}

// Teardown stops capture, closes the stream and discards the snapshot, in
// that order. Safe to call more than once.
func (s *Session) Teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.tornDown = true
		loop, ch, dev := s.loop, s.channel, s.device
		s.mu.Unlock()

		if loop != nil {
			loop.Stop()
		}
		if ch != nil {
			if err := ch.Close(); err != nil {
				s.log.Debug("Channel close: %v", err)
			}
		}
		close(s.stop)
		s.wg.Wait()

		if dev != nil {
			dev.Close()
		}
		s.tracker.Reset()
		s.mu.Lock()
		s.snapshot = types.Snapshot{}
		s.mu.Unlock()

		s.log.Info("Session %s torn down", s.id)
		s.notify()
	})
}

// EvidenceStatus reports what the incident evidence recorder has written.
// ok is false when evidence is disabled.
func (s *Session) EvidenceStatus() (st recorder.Status, ok bool) {
	if s.deps.Evidence == nil {
		return recorder.Status{}, false
	}
	return s.deps.Evidence.GetStatus(), true
}

// Done reports whether Teardown has run
func (s *Session) Done() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tornDown
}

func (s *Session) captureLoop() *capture.Loop {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loop
}

func (s *Session) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tornDown {
		return ErrTornDown
	}
	if !s.started || s.channel == nil {
		return ErrNotStarted
	}
	return nil
}

func (s *Session) notify() {
	s.mu.RLock()
	listeners := append([]func(){}, s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// Snapshot returns a copy of the current recognition snapshot
func (s *Session) Snapshot() types.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}

// LatestFrame returns the most recent captured or submitted frame
func (s *Session) LatestFrame() *types.Frame {
	s.mu.RLock()
	manual := s.manualFrame
	loop := s.loop
	s.mu.RUnlock()

	var captured *types.Frame
	if loop != nil {
		captured = loop.Latest()
	}
	switch {
	case captured == nil:
		return manual
	case manual == nil:
		return captured
	case manual.Timestamp.After(captured.Timestamp):
		return manual
	default:
		return captured
	}
}

// State returns the observable connection state
func (s *Session) State() types.SessionState {
	s.mu.RLock()
	st := types.SessionState{
		ID:           s.id,
		LastEventAt:  s.lastEventAt,
		CameraDenied: s.cameraDenied,
		Overlap:      s.snapshot.Overlap,
	}
	tornDown := s.tornDown
	ch, loop := s.channel, s.loop
	s.mu.RUnlock()

	if ch != nil && !tornDown {
		st.Connected = ch.Connected()
	}
	if ch != nil {
		st.Disconnects = ch.Disconnects()
	}
	if loop != nil {
		st.Streaming = loop.Running()
	}
	return st
}
