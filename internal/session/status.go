package session

import (
	"fmt"

	"github.com/aflt-toolscan/kit-verifier/internal/decision"
	"github.com/aflt-toolscan/kit-verifier/pkg/types"
)

// ToolStatus is one expected tool and its current recognition
type ToolStatus struct {
	ID          int             `json:"id"`
	Name        string          `json:"name"`
	Class       types.ToolClass `json:"tool_class"`
	Color       string          `json:"color"`
	Probability float64         `json:"probability"`
	Detected    bool            `json:"detected"`
	Recognized  bool            `json:"recognized"`
}

// FailureView is the operator-facing form of a workflow failure
type FailureView struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Status is a consistent view of the session for the operator UI
type Status struct {
	Session      types.SessionState       `json:"session"`
	RequestID    int                      `json:"request_id"`
	BatchNumber  string                   `json:"batch_number"`
	Workflow     string                   `json:"workflow"`
	Threshold    float64                  `json:"threshold"`
	Decision     types.CompletionDecision `json:"decision"`
	Expected     int                      `json:"expected"`
	Recognized   int                      `json:"recognized"`
	MissingNames string                   `json:"missing_names"`
	Tools        []ToolStatus             `json:"tools"`
	FrameNumber  int                      `json:"frame_number"`
	Failure      *FailureView             `json:"failure,omitempty"`
	Closed       bool                     `json:"closed"`
}

// Status assembles the current view
func (s *Session) Status() Status {
	inv := s.deps.Inventory
	snap := s.Snapshot()
	d := s.flow.Decision()

	st := Status{
		Session:      s.State(),
		RequestID:    s.cfg.RequestID,
		BatchNumber:  s.cfg.BatchNumber,
		Workflow:     s.flow.State().String(),
		Threshold:    s.cfg.Threshold,
		Decision:     d,
		Expected:     inv.Len(),
		Recognized:   decision.Recognized(d, inv),
		MissingNames: decision.MissingNames(d, inv),
		FrameNumber:  snap.FrameNumber,
		Closed:       s.Done(),
	}

	missing := make(map[types.ToolClass]bool, len(d.Missing))
	for _, c := range d.Missing {
		missing[c] = true
	}
	for _, spec := range inv.Specs() {
		p, ok := snap.Probability(spec.Class)
		st.Tools = append(st.Tools, ToolStatus{
			ID:          spec.ID,
			Name:        spec.Name,
			Class:       spec.Class,
			Color:       fmt.Sprintf("#%02x%02x%02x", spec.DisplayColor.R, spec.DisplayColor.G, spec.DisplayColor.B),
			Probability: p,
			Detected:    ok,
			Recognized:  !missing[spec.Class],
		})
	}

	if f := s.flow.Failure(); f != nil {
		st.Failure = &FailureView{Kind: f.Kind.String(), Message: f.Message, Retryable: f.Retryable()}
	}
	return st
}
