package session

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aflt-toolscan/kit-verifier/internal/backend"
	"github.com/aflt-toolscan/kit-verifier/internal/camera"
	"github.com/aflt-toolscan/kit-verifier/internal/capture"
	"github.com/aflt-toolscan/kit-verifier/internal/metrics"
	"github.com/aflt-toolscan/kit-verifier/internal/recorder"
	"github.com/aflt-toolscan/kit-verifier/internal/stream"
	"github.com/aflt-toolscan/kit-verifier/internal/workflow"
	"github.com/aflt-toolscan/kit-verifier/pkg/types"
)

type fakeChannel struct {
	mu        sync.Mutex
	frames    []*types.Frame
	events    chan types.DetectionEvent
	closed    bool
	closes    int
	onClose   func()
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan types.DetectionEvent, 16)}
}

func (c *fakeChannel) SendFrame(ctx context.Context, f *types.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return stream.ErrClosed
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeChannel) Events() <-chan types.DetectionEvent { return c.events }
func (c *fakeChannel) Disconnects() int                    { return 0 }

func (c *fakeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeChannel) Close() error {
	if c.onClose != nil {
		c.onClose()
	}
	c.mu.Lock()
	c.closes++
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *fakeChannel) sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

type fakeCamera struct {
	mu     sync.Mutex
	closed bool
}

func (d *fakeCamera) Capture(ctx context.Context) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 40, 30)), nil
}

func (d *fakeCamera) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type fakeBackend struct {
	mu          sync.Mutex
	completed   int
	incidents   []string
	incidentErr error
}

func (b *fakeBackend) CompleteRequest(ctx context.Context, id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed++
	return nil
}

func (b *fakeBackend) MarkIncident(ctx context.Context, id int, comment string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.incidents = append(b.incidents, comment)
	return b.incidentErr
}

var kit = types.NewInventory([]types.ToolSpec{
	{ID: 1, Name: "Pliers", Class: "PASSATIGI"},
	{ID: 2, Name: "Brace", Class: "KOLOVOROT"},
	{ID: 3, Name: "Wrench", Class: "RAZVODNOY_KEY"},
})

func quad() types.OrientedQuad {
	return types.OrientedQuad{{X: 0.1, Y: 0.1}, {X: 0.4, Y: 0.1}, {X: 0.4, Y: 0.3}, {X: 0.1, Y: 0.3}}
}

func event(n int, probs map[types.ToolClass]float64) types.DetectionEvent {
	ev := types.DetectionEvent{FrameNumber: n, Timestamp: time.Now(), FPS: 1}
	for c, p := range probs {
		ev.Classes = append(ev.Classes, c)
		ev.Probs = append(ev.Probs, p)
		ev.Quads = append(ev.Quads, quad())
	}
	return ev
}

type harness struct {
	s       *Session
	ch      *fakeChannel
	cam     *fakeCamera
	backend *fakeBackend
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, withCamera bool, evidence *recorder.Evidence) *harness {
	t.Helper()
	h := &harness{ch: newFakeChannel(), cam: &fakeCamera{}, backend: &fakeBackend{}, metrics: metrics.New()}

	deps := Deps{
		Backend:   h.backend,
		Inventory: kit,
		Evidence:  evidence,
		Metrics:   h.metrics,
		Dial: func(ctx context.Context, endpoint string, opts stream.Options) (Channel, error) {
			return h.ch, nil
		},
	}
	if withCamera {
		deps.OpenCamera = func() (camera.Device, error) { return h.cam, nil }
	} else {
		deps.OpenCamera = func() (camera.Device, error) { return nil, camera.ErrPermissionDenied }
	}

	h.s = New(Config{
		RequestID: 42,
		Endpoint:  "ws://test/api/ws/video",
		Interval:  5 * time.Millisecond,
		Threshold: 0.98,
		Capture:   capture.Options{Width: 32, Height: 24, Quality: 80},
	}, deps)

	if err := h.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.s.Teardown)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSessionProgressesToComplete(t *testing.T) {
	h := newHarness(t, true, nil)

	waitFor(t, "frames streamed", func() bool { return h.ch.sent() >= 2 })
	if st := h.s.State(); !st.Streaming || !st.Connected || st.CameraDenied {
		t.Fatalf("state = %+v", st)
	}

	h.ch.events <- event(1, map[types.ToolClass]float64{"PASSATIGI": 0.99})
	waitFor(t, "first event", func() bool { return h.s.Status().FrameNumber == 1 })
	st := h.s.Status()
	if st.Recognized != 1 || st.Decision.Complete || st.MissingNames != "Brace, Wrench" {
		t.Fatalf("status after one tool = %+v", st)
	}

	h.ch.events <- event(2, map[types.ToolClass]float64{"PASSATIGI": 0.99, "KOLOVOROT": 0.995, "RAZVODNOY_KEY": 0.985})
	waitFor(t, "complete decision", func() bool { return h.s.Status().Decision.Complete })

	if h.s.Workflow().State() != workflow.Scanning {
		t.Fatalf("complete decision changed workflow state")
	}
	if h.metrics.RecognizedTools.Load() != 3 || h.metrics.MissingTools.Load() != 0 {
		t.Fatalf("metrics recognized=%d missing=%d", h.metrics.RecognizedTools.Load(), h.metrics.MissingTools.Load())
	}
	if h.s.State().LastEventAt == nil {
		t.Fatalf("LastEventAt not set")
	}
}

func TestMalformedEventKeepsSnapshot(t *testing.T) {
	h := newHarness(t, false, nil)

	h.ch.events <- event(1, map[types.ToolClass]float64{"PASSATIGI": 0.99})
	waitFor(t, "first event", func() bool { return h.s.Status().FrameNumber == 1 })

	h.ch.events <- types.DetectionEvent{FrameNumber: 2, Classes: []types.ToolClass{"KOLOVOROT"}}
	waitFor(t, "rejection", func() bool { return h.metrics.EventsRejected.Load() == 1 })

	if snap := h.s.Snapshot(); snap.FrameNumber != 1 {
		t.Fatalf("snapshot changed by malformed event: %+v", snap)
	}
}

func TestCameraDeniedAllowsManualFrames(t *testing.T) {
	h := newHarness(t, false, nil)

	st := h.s.State()
	if !st.CameraDenied || st.Streaming {
		t.Fatalf("state = %+v", st)
	}
	if h.ch.sent() != 0 {
		t.Fatalf("frames sent without camera")
	}

	if err := h.s.SubmitImage(context.Background(), image.NewRGBA(image.Rect(0, 0, 64, 48))); err != nil {
		t.Fatalf("SubmitImage: %v", err)
	}
	if h.ch.sent() != 1 {
		t.Fatalf("sent = %d", h.ch.sent())
	}
	if f := h.s.LatestFrame(); f == nil || f.Width != 32 {
		t.Fatalf("latest frame = %+v", f)
	}
}

func TestConfirmCompleteTearsDown(t *testing.T) {
	h := newHarness(t, true, nil)

	h.ch.events <- event(1, map[types.ToolClass]float64{"PASSATIGI": 0.99, "KOLOVOROT": 0.99, "RAZVODNOY_KEY": 0.99})
	waitFor(t, "complete decision", func() bool { return h.s.Status().Decision.Complete })

	if err := h.s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := h.s.Confirm(context.Background(), ""); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	if h.backend.completed != 1 || h.metrics.RequestsCompleted.Load() != 1 {
		t.Fatalf("completed = %d", h.backend.completed)
	}
	if !h.s.Done() {
		t.Fatalf("session not torn down after close")
	}
	st := h.s.Status()
	if st.Workflow != "closed" || st.Session.Streaming || st.Session.Connected || st.FrameNumber != 0 {
		t.Fatalf("status after close = %+v", st)
	}
	if err := h.s.Finish(); !errors.Is(err, ErrTornDown) {
		t.Fatalf("Finish after close err = %v", err)
	}
}

func TestIncidentStoresEvidence(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, false, recorder.NewEvidence(dir))

	if err := h.s.SubmitImage(context.Background(), image.NewRGBA(image.Rect(0, 0, 32, 24))); err != nil {
		t.Fatalf("SubmitImage: %v", err)
	}
	h.ch.events <- event(1, map[types.ToolClass]float64{"PASSATIGI": 0.99})
	waitFor(t, "event", func() bool { return h.s.Status().FrameNumber == 1 })

	h.s.Finish()
	if err := h.s.Confirm(context.Background(), ""); !errors.Is(err, workflow.ErrCommentRequired) {
		t.Fatalf("Confirm without comment err = %v", err)
	}
	if err := h.s.Confirm(context.Background(), "brace and wrench missing"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	if len(h.backend.incidents) != 1 || h.metrics.IncidentsReported.Load() != 1 {
		t.Fatalf("incidents = %v", h.backend.incidents)
	}
	files, err := filepath.Glob(filepath.Join(dir, "request_42", "*.jpg"))
	if err != nil || len(files) != 2 {
		t.Fatalf("evidence files = %v (%v)", files, err)
	}
	for _, f := range files {
		if info, err := os.Stat(f); err != nil || info.Size() == 0 {
			t.Fatalf("empty evidence file %s", f)
		}
	}
	if st, ok := h.s.EvidenceStatus(); !ok || st.FileCount != 2 {
		t.Fatalf("evidence status = %+v, %v", st, ok)
	}
}

func TestBusinessFailureKeepsSessionOpen(t *testing.T) {
	h := newHarness(t, false, nil)
	h.backend.incidentErr = &backend.APIError{Status: 400, Detail: "Maintenance request already has an associated incident"}

	h.s.Finish()
	err := h.s.Confirm(context.Background(), "missing tools")
	var f *workflow.Failure
	if !errors.As(err, &f) || f.Kind != workflow.BusinessRule {
		t.Fatalf("err = %v", err)
	}
	if h.s.Done() {
		t.Fatalf("session torn down after failure")
	}
	st := h.s.Status()
	if st.Workflow != "failed" || st.Failure == nil || st.Failure.Retryable {
		t.Fatalf("status = %+v", st)
	}
	if st.Failure.Message != "Maintenance request already has an associated incident" {
		t.Fatalf("message = %q", st.Failure.Message)
	}
	if h.metrics.WorkflowFailures.Load() != 1 {
		t.Fatalf("failures = %d", h.metrics.WorkflowFailures.Load())
	}
	if err := h.s.Retry(); err != nil {
		t.Fatalf("Retry: %v", err)
	}
}

func TestTeardownOrderAndIdempotence(t *testing.T) {
	h := newHarness(t, true, nil)
	waitFor(t, "streaming", func() bool { return h.ch.sent() >= 1 })

	h.ch.events <- event(1, map[types.ToolClass]float64{"PASSATIGI": 0.99})
	waitFor(t, "event", func() bool { return h.s.Status().FrameNumber == 1 })

	loopRunningAtClose := true
	h.ch.onClose = func() { loopRunningAtClose = h.s.captureLoop().Running() }

	h.s.Teardown()
	h.s.Teardown()

	if loopRunningAtClose {
		t.Fatalf("channel closed while capture loop still running")
	}
	if h.ch.closes != 1 {
		t.Fatalf("channel closed %d times", h.ch.closes)
	}
	sent := h.ch.sent()
	time.Sleep(20 * time.Millisecond)
	if h.ch.sent() != sent {
		t.Fatalf("frames sent after teardown")
	}
	if !h.cam.closed {
		t.Fatalf("camera not released")
	}
	if snap := h.s.Snapshot(); snap.FrameNumber != 0 || len(snap.Classes) != 0 {
		t.Fatalf("snapshot not discarded: %+v", snap)
	}
	if h.s.tracker.Snapshot().FrameNumber != 0 {
		t.Fatalf("tracker not reset")
	}
}

func TestStreamEndStopsCapture(t *testing.T) {
	h := newHarness(t, true, nil)
	waitFor(t, "streaming", func() bool { return h.s.State().Streaming })

	h.ch.closeOnce.Do(func() { close(h.ch.events) })
	h.ch.mu.Lock()
	h.ch.closed = true
	h.ch.mu.Unlock()

	waitFor(t, "capture stop", func() bool { return !h.s.State().Streaming })
	if h.s.State().Connected {
		t.Fatalf("still connected after stream end")
	}
}

func TestActionsBeforeStart(t *testing.T) {
	s := New(Config{RequestID: 1, Threshold: 0.98}, Deps{Backend: &fakeBackend{}, Inventory: kit})
	if err := s.Finish(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Finish before Start err = %v", err)
	}
	if err := s.SubmitImage(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1))); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("SubmitImage before Start err = %v", err)
	}
	if s.ID() == "" {
		t.Fatalf("empty session id")
	}
	s.Teardown()
}

func TestUpdateListeners(t *testing.T) {
	h := newHarness(t, false, nil)

	var mu sync.Mutex
	calls := 0
	h.s.OnUpdate(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	h.ch.events <- event(1, nil)
	waitFor(t, "listener", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 1
	})
}

func TestConfirmRechecksKitAfterFinish(t *testing.T) {
	h := newHarness(t, false, nil)

	h.ch.events <- event(1, map[types.ToolClass]float64{"PASSATIGI": 0.99, "KOLOVOROT": 0.99, "RAZVODNOY_KEY": 0.99})
	waitFor(t, "complete decision", func() bool { return h.s.Status().Decision.Complete })
	if err := h.s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	h.ch.events <- event(2, map[types.ToolClass]float64{"PASSATIGI": 0.99, "KOLOVOROT": 0.99})
	waitFor(t, "second event", func() bool { return h.s.Snapshot().FrameNumber == 2 })

	if err := h.s.Confirm(context.Background(), ""); !errors.Is(err, workflow.ErrDecisionChanged) {
		t.Fatalf("Confirm err = %v, want ErrDecisionChanged", err)
	}
	if h.backend.completed != 0 || h.s.Done() {
		t.Fatalf("completed=%d done=%v", h.backend.completed, h.s.Done())
	}
	if st := h.s.Status(); st.Decision.Complete || st.MissingNames != "Wrench" {
		t.Fatalf("review not refreshed: %+v", st)
	}

	if err := h.s.Confirm(context.Background(), "wrench missing"); err != nil {
		t.Fatalf("Confirm incident: %v", err)
	}
	if len(h.backend.incidents) != 1 || h.backend.completed != 0 {
		t.Fatalf("incidents=%v completed=%d", h.backend.incidents, h.backend.completed)
	}
}

func TestStartCanBeRetriedAfterDialFailure(t *testing.T) {
	ch := newFakeChannel()
	dials := 0
	s := New(Config{RequestID: 1, Threshold: 0.98, Interval: time.Second}, Deps{
		Backend:   &fakeBackend{},
		Inventory: kit,
		Dial: func(ctx context.Context, endpoint string, opts stream.Options) (Channel, error) {
			dials++
			if dials == 1 {
				return nil, errors.New("connection refused")
			}
			return ch, nil
		},
	})
	defer s.Teardown()

	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("first Start succeeded")
	}
	if err := s.Finish(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Finish after failed start err = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := s.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("Start on a running session succeeded")
	}
}
