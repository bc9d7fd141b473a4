// Package capture periodically grabs camera frames and hands them to the channel.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/aflt-toolscan/kit-verifier/internal/camera"
	"github.com/aflt-toolscan/kit-verifier/internal/logger"
	"github.com/aflt-toolscan/kit-verifier/internal/metrics"
	"github.com/aflt-toolscan/kit-verifier/pkg/types"
)

// Sink receives encoded frames
type Sink interface {
	SendFrame(ctx context.Context, frame *types.Frame) error
}

// Options controls frame encoding
type Options struct {
	Width   int // Encoded width, 0 keeps the source size
	Height  int // Encoded height, 0 keeps the source size
	Quality int // JPEG quality 1-100
}

// DefaultOptions matches the 640x480 q90 frames the detection backend is tuned for.
func DefaultOptions() Options {
	return Options{Width: 640, Height: 480, Quality: 90}
}

// ErrAlreadyRunning is returned by Start on a running loop
var ErrAlreadyRunning = errors.New("capture loop already running")

// Loop captures one frame per tick. A tick that fires while the previous
// capture is still in flight is skipped.
type Loop struct {
	device  camera.Device
	sink    Sink
	opts    Options
	metrics *metrics.Metrics
	log     logger.Module

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	inFlight atomic.Bool
	seq      atomic.Uint64
	latest   atomic.Pointer[types.Frame]
}

// NewLoop creates a stopped loop
func NewLoop(device camera.Device, sink Sink, m *metrics.Metrics, opts Options) *Loop {
	if m == nil {
		m = metrics.New()
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultOptions().Quality
	}
	return &Loop{
		device:  device,
		sink:    sink,
		opts:    opts,
		metrics: m,
		log:     logger.For("Capture"),
	}
}

// Start begins periodic capture
func (l *Loop) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid capture interval %v", interval)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.running = true
	metrics.SetBool(&l.metrics.Streaming, true)

	l.wg.Add(1)
	go l.run(ctx, interval)

	l.log.Info("Capture started (interval=%v, %dx%d q%d)", interval, l.opts.Width, l.opts.Height, l.opts.Quality)
	return nil
}

// Stop cancels the loop and waits for the ticker and any in-flight capture
// to exit. Safe to call more than once.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
	metrics.SetBool(&l.metrics.Streaming, false)
	l.log.Info("Capture stopped (frames=%d)", l.seq.Load())
}

// Running reports whether the loop is active
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Latest returns the last successfully encoded frame, or nil
func (l *Loop) Latest() *types.Frame {
	return l.latest.Load()
}

func (l *Loop) run(ctx context.Context, interval time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.inFlight.CompareAndSwap(false, true) {
				l.metrics.TicksSkipped.Add(1)
				l.log.Debug("Previous capture still in flight, skipping tick")
				continue
			}
			l.wg.Add(1)
			go l.captureOnce(ctx)
		}
	}
}

func (l *Loop) captureOnce(ctx context.Context) {
	defer l.wg.Done()
	defer l.inFlight.Store(false)

	start := time.Now()
	img, err := l.device.Capture(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.metrics.CaptureErrors.Add(1)
		l.log.Warn("Capture error: %v", err)
		return
	}

	data, err := EncodeImage(img, l.opts.Width, l.opts.Height, l.opts.Quality)
	if err != nil {
		l.metrics.CaptureErrors.Add(1)
		l.log.Warn("Encode error: %v", err)
		return
	}

	frame := &types.Frame{
		Seq:       l.seq.Add(1),
		Timestamp: start,
		Width:     l.opts.Width,
		Height:    l.opts.Height,
		JPEG:      data,
	}
	if frame.Width == 0 || frame.Height == 0 {
		frame.Width, frame.Height = img.Bounds().Dx(), img.Bounds().Dy()
	}
	l.latest.Store(frame)
	l.metrics.FramesCaptured.Add(1)
	l.metrics.UpdateCaptureLatency(time.Since(start))

	if ctx.Err() != nil {
		return
	}
	if err := l.sink.SendFrame(ctx, frame); err != nil {
		l.metrics.SendErrors.Add(1)
		l.log.Warn("Send error (frame #%d): %v", frame.Seq, err)
		return
	}
	l.metrics.FramesSent.Add(1)
}

// EncodeImage scales img to width x height (when both are set) and encodes it as JPEG.
func EncodeImage(img image.Image, width, height, quality int) ([]byte, error) {
	src := img
	if width > 0 && height > 0 && (img.Bounds().Dx() != width || img.Bounds().Dy() != height) {
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
		src = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
