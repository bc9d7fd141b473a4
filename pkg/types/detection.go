package types

import (
	"image/color"
	"time"
)

// ToolClass is the detector label of a tool type (e.g. "PASSATIGI")
type ToolClass string

// ToolSpec is one expected tool of a kit.
type ToolSpec struct {
	ID           int        `json:"id"`
	Name         string     `json:"name"`
	Class        ToolClass  `json:"tool_class"`
	DisplayColor color.RGBA `json:"-"`
}

// Inventory is the ordered set of tools expected in a kit, unique by class.
// It is immutable once built.
type Inventory struct {
	specs []ToolSpec
	index map[ToolClass]int
}

// NewInventory builds an inventory preserving order. Specs without a class
// (category nodes) are skipped and only the first spec of each class is kept.
func NewInventory(specs []ToolSpec) Inventory {
	inv := Inventory{index: make(map[ToolClass]int, len(specs))}
	for _, s := range specs {
		if s.Class == "" {
			continue
		}
		if _, dup := inv.index[s.Class]; dup {
			continue
		}
		inv.index[s.Class] = len(inv.specs)
		inv.specs = append(inv.specs, s)
	}
	return inv
}

// Len returns the number of expected tools
func (inv Inventory) Len() int { return len(inv.specs) }

// Specs returns a copy of the expected tools in order
func (inv Inventory) Specs() []ToolSpec {
	out := make([]ToolSpec, len(inv.specs))
	copy(out, inv.specs)
	return out
}

// Classes returns the expected classes in order
func (inv Inventory) Classes() []ToolClass {
	out := make([]ToolClass, len(inv.specs))
	for i, s := range inv.specs {
		out[i] = s.Class
	}
	return out
}

// Contains reports whether class is expected
func (inv Inventory) Contains(class ToolClass) bool {
	_, ok := inv.index[class]
	return ok
}

// Spec returns the spec for class
func (inv Inventory) Spec(class ToolClass) (ToolSpec, bool) {
	i, ok := inv.index[class]
	if !ok {
		return ToolSpec{}, false
	}
	return inv.specs[i], true
}

// Point is a 2-D point. Normalized [0,1] in image space, or pixels after mapping.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// OrientedQuad is the 4 ordered corners of a rotated bounding box.
type OrientedQuad [4]Point

// DetectionEvent is one decoded detection result for a streamed frame.
// Classes, Probs and Quads are parallel arrays.
type DetectionEvent struct {
	FrameNumber int
	Timestamp   time.Time
	FPS         float64
	Classes     []ToolClass
	Probs       []float64
	Quads       []OrientedQuad
	Overlap     bool
}

// Recognition is the current belief about one class
type Recognition struct {
	Probability float64 `json:"probability"`
	QuadIndex   int     `json:"quad_index"`
}

// Snapshot reflects the most recent accepted detection event only.
type Snapshot struct {
	FrameNumber int                       `json:"frame_number"`
	ReceivedAt  time.Time                 `json:"received_at"`
	Overlap     bool                      `json:"overlap"`
	Classes     []ToolClass               `json:"classes"`
	Probs       []float64                 `json:"probs"`
	Quads       []OrientedQuad            `json:"quads"`
	Recognized  map[ToolClass]Recognition `json:"recognized"`
}

// Probability returns the recognized probability of class, if detected.
func (s Snapshot) Probability(class ToolClass) (float64, bool) {
	r, ok := s.Recognized[class]
	return r.Probability, ok
}

// Clone returns a deep copy
func (s Snapshot) Clone() Snapshot {
	c := s
	c.Classes = append([]ToolClass(nil), s.Classes...)
	c.Probs = append([]float64(nil), s.Probs...)
	c.Quads = append([]OrientedQuad(nil), s.Quads...)
	if s.Recognized != nil {
		c.Recognized = make(map[ToolClass]Recognition, len(s.Recognized))
		for k, v := range s.Recognized {
			c.Recognized[k] = v
		}
	}
	return c
}

// CompletionDecision is the gating verdict for the confirm step.
type CompletionDecision struct {
	Complete bool        `json:"complete"`
	Missing  []ToolClass `json:"missing"`
}
