// Package recognition keeps the per-class recognition snapshot.
package recognition

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/aflt-toolscan/kit-verifier/internal/logger"
	"github.com/aflt-toolscan/kit-verifier/pkg/types"
)

// ErrMalformedEvent marks a detection event that violates the parallel-array invariant.
var ErrMalformedEvent = errors.New("malformed detection event")

// Tracker holds the snapshot of the most recently accepted event.
type Tracker struct {
	mu       sync.RWMutex
	snapshot types.Snapshot
	now      func() time.Time
	log      logger.Module
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		now: time.Now,
		log: logger.For("Tracker"),
	}
}

// Validate checks the event invariants without applying it.
func Validate(ev types.DetectionEvent) error {
	if len(ev.Classes) != len(ev.Probs) || len(ev.Classes) != len(ev.Quads) {
		return fmt.Errorf("%w: frame %d has %d classes, %d probs, %d quads",
			ErrMalformedEvent, ev.FrameNumber, len(ev.Classes), len(ev.Probs), len(ev.Quads))
	}
	for i, p := range ev.Probs {
		if math.IsNaN(p) || p < 0 || p > 1 {
			return fmt.Errorf("%w: frame %d prob[%d]=%v out of [0,1]", ErrMalformedEvent, ev.FrameNumber, i, p)
		}
	}
	return nil
}

// Apply replaces the snapshot with ev. A malformed event is rejected and
// the previous snapshot is returned unchanged.
func (t *Tracker) Apply(ev types.DetectionEvent) (types.Snapshot, error) {
	if err := Validate(ev); err != nil {
		t.log.Warn("Rejected event: %v", err)
		return t.Snapshot(), err
	}

	next := types.Snapshot{
		FrameNumber: ev.FrameNumber,
		ReceivedAt:  t.now(),
		Overlap:     ev.Overlap,
		Classes:     append([]types.ToolClass(nil), ev.Classes...),
		Probs:       append([]float64(nil), ev.Probs...),
		Quads:       append([]types.OrientedQuad(nil), ev.Quads...),
		Recognized:  make(map[types.ToolClass]types.Recognition, len(ev.Classes)),
	}
	for i, class := range ev.Classes {
		// Duplicate classes keep the highest probability
		if cur, ok := next.Recognized[class]; ok && cur.Probability >= ev.Probs[i] {
			continue
		}
		next.Recognized[class] = types.Recognition{Probability: ev.Probs[i], QuadIndex: i}
	}

	t.mu.Lock()
	t.snapshot = next
	t.mu.Unlock()

	t.log.Debug("Frame %d: %d boxes, %d classes", ev.FrameNumber, len(ev.Classes), len(next.Recognized))
	return next.Clone(), nil
}

// Snapshot returns a copy of the current snapshot
func (t *Tracker) Snapshot() types.Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot.Clone()
}

// Reset discards all recognition state
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.snapshot = types.Snapshot{}
	t.mu.Unlock()
}
