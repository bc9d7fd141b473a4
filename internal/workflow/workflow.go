// Package workflow drives the operator's review and confirmation of a kit.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aflt-toolscan/kit-verifier/internal/backend"
	"github.com/aflt-toolscan/kit-verifier/internal/logger"
	"github.com/aflt-toolscan/kit-verifier/pkg/types"
)

// State of the confirmation workflow
type State int

const (
	Scanning State = iota
	Reviewing
	Completing
	ReportingIncident
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Scanning:
		return "scanning"
	case Reviewing:
		return "reviewing"
	case Completing:
		return "completing"
	case ReportingIncident:
		return "reporting_incident"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrInvalidTransition is returned when an action is not allowed in the current state
	ErrInvalidTransition = errors.New("invalid workflow transition")
	// ErrCommentRequired is returned when an incident is confirmed without a comment
	ErrCommentRequired = errors.New("comment required to report an incident")
	// ErrDecisionChanged is returned by Confirm when the latest decision no
	// longer matches the one shown at Finish. The review shows the new one.
	ErrDecisionChanged = errors.New("kit status changed during review")
)

// Backend performs the two closing actions
type Backend interface {
	CompleteRequest(ctx context.Context, id int) error
	MarkIncident(ctx context.Context, id int, comment string) error
}

// FailureKind classifies a failed closing action
type FailureKind int

const (
	Transient FailureKind = iota
	BusinessRule
)

func (k FailureKind) String() string {
	if k == BusinessRule {
		return "business_rule"
	}
	return "transient"
}

// Failure describes the last failed closing action
type Failure struct {
	Kind    FailureKind
	Message string // shown to the operator
	Err     error
}

func (f *Failure) Error() string { return f.Message }
func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether resending the same action may succeed
func (f *Failure) Retryable() bool { return f.Kind == Transient }

const (
	msgCompleteFailed = "Could not complete the request. Please try again."
	msgIncidentFailed = "Could not report the incident. Please try again."
)

// Listener is notified after every transition
type Listener func(from, to State)

// Workflow is safe for concurrent use. Backend calls run without the lock
// held; the in-progress states reject other actions meanwhile.
type Workflow struct {
	requestID int
	backend   Backend
	log       logger.Module

	mu        sync.Mutex
	state     State
	latest    types.CompletionDecision
	frozen    types.CompletionDecision
	comment   string
	failure   *Failure
	listeners []Listener
}

// New creates a workflow in Scanning for the given request
func New(requestID int, b Backend) *Workflow {
	return &Workflow{
		requestID: requestID,
		backend:   b,
		log:       logger.For("Workflow"),
		state:     Scanning,
	}
}

// OnChange registers a transition listener
func (w *Workflow) OnChange(l Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, l)
}

// State returns the current state
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Decision returns the decision shown for review, or the latest one while scanning
func (w *Workflow) Decision() types.CompletionDecision {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == Scanning {
		return w.latest
	}
	return w.frozen
}

// Failure returns the last failure, or nil
func (w *Workflow) Failure() *Failure {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failure
}

// UpdateDecision records the latest decision. It never changes state.
func (w *Workflow) UpdateDecision(d types.CompletionDecision) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.latest = d
}

// Finish moves to Reviewing and freezes the current decision
func (w *Workflow) Finish() error {
	return w.transition(Reviewing, func() {
		w.frozen = w.latest
	}, Scanning)
}

// Cancel returns to Scanning from review or failure
func (w *Workflow) Cancel() error {
	return w.transition(Scanning, func() {
		w.failure = nil
		w.comment = ""
	}, Reviewing, Failed)
}

// Retry starts a new review attempt after a failure
func (w *Workflow) Retry() error {
	return w.transition(Reviewing, func() {
		w.failure = nil
	}, Failed)
}

// Confirm closes the request: completion when the latest decision is
// complete, otherwise an incident carrying comment. If the latest decision
// differs from the one shown at Finish, the review is refreshed and
// ErrDecisionChanged returned without calling the backend.
func (w *Workflow) Confirm(ctx context.Context, comment string) error {
	w.mu.Lock()
	if w.state != Reviewing {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: confirm in %s", ErrInvalidTransition, state)
	}

	if w.latest.Complete != w.frozen.Complete {
		w.frozen = w.latest
		now := w.latest.Complete
		w.mu.Unlock()
		w.log.Warn("Request %d: kit status changed during review (complete=%v)", w.requestID, now)
		return ErrDecisionChanged
	}
	w.frozen = w.latest
	complete := w.frozen.Complete
	comment = strings.TrimSpace(comment)
	if !complete && comment == "" {
		w.mu.Unlock()
		return ErrCommentRequired
	}

	next := Completing
	if !complete {
		next = ReportingIncident
		w.comment = comment
	}
	notify := w.setStateLocked(next)
	w.mu.Unlock()
	notify()

	var err error
	if complete {
		err = w.backend.CompleteRequest(ctx, w.requestID)
	} else {
		err = w.backend.MarkIncident(ctx, w.requestID, comment)
	}

	w.mu.Lock()
	if err == nil {
		w.failure = nil
		notify = w.setStateLocked(Closed)
		w.mu.Unlock()
		notify()
		return nil
	}

	f := classify(err, complete)
	w.failure = f
	notify = w.setStateLocked(Failed)
	w.mu.Unlock()
	notify()

	w.log.Warn("Confirm failed (%s): %v", f.Kind, err)
	return f
}

func classify(err error, complete bool) *Failure {
	var apiErr *backend.APIError
	if backend.IsBusinessRule(err) && errors.As(err, &apiErr) {
		return &Failure{Kind: BusinessRule, Message: apiErr.Detail, Err: err}
	}
	msg := msgCompleteFailed
	if !complete {
		msg = msgIncidentFailed
	}
	return &Failure{Kind: Transient, Message: msg, Err: err}
}

func (w *Workflow) transition(to State, apply func(), from ...State) error {
	w.mu.Lock()
	allowed := false
	for _, s := range from {
		if w.state == s {
			allowed = true
			break
		}
	}
	if !allowed {
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state, to)
	}
	if apply != nil {
		apply()
	}
	notify := w.setStateLocked(to)
	w.mu.Unlock()
	notify()
	return nil
}

// setStateLocked changes state and returns a func that notifies listeners.
// The returned func must be called after w.mu is released.
func (w *Workflow) setStateLocked(to State) func() {
	from := w.state
	w.state = to
	listeners := append([]Listener(nil), w.listeners...)
	w.log.Info("Request %d: %s -> %s", w.requestID, from, to)
	return func() {
		for _, l := range listeners {
			l(from, to)
		}
	}
}
