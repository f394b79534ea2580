package engine

import (
	"fmt"
	"time"

	"github.com/nugget/mobo/internal/governor"
	"github.com/nugget/mobo/internal/retrieval"
	"github.com/nugget/mobo/internal/tools"
)

// State is one step of message processing.
type State string

// Processing states. Suppressed and Failed are terminal.
const (
	StateAdmitted     State = "admitted"
	StateContext      State = "context"
	StateDecided      State = "decided"
	StateToolExecuted State = "tool_executed"
	StateSynthesized  State = "synthesized"
	StatePersisted    State = "persisted"
	StateSuppressed   State = "suppressed"
	StateFailed       State = "failed"
)

// Upstream steps named in [UpstreamError].
const (
	StepDecision  = "decision"
	StepSynthesis = "synthesis"
)

// Inbound is a message the bot may answer.
type Inbound struct {
	ActorID     string
	ActorName   string
	ChannelID   string
	IsBot       bool
	IsDM        bool
	Text        string
	MentionsBot bool
}

// Outcome describes what happened to one inbound message.
type Outcome struct {
	TurnID string
	// Path lists every state entered, in order.
	Path      []State
	Text      string
	Artifacts []tools.Artifact
	Admission governor.Admission
	Strategy  retrieval.Strategy
	// Silent is true when nothing should be sent to the channel.
	Silent   bool
	Duration time.Duration
}

// State returns the last state entered.
func (o *Outcome) State() State {
	if len(o.Path) == 0 {
		return ""
	}
	return o.Path[len(o.Path)-1]
}

func (o *Outcome) enter(s State) {
	o.Path = append(o.Path, s)
}

// UpstreamError reports a failed LLM call.
type UpstreamError struct {
	Step string
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s call failed: %v", e.Step, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// PersistenceError reports that a turn could not be stored. The reply
// it accompanies is still valid.
type PersistenceError struct {
	TurnID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist turn %s: %v", e.TurnID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
