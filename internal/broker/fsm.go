package broker

import "time"

// FrameWaitDeadline bounds how long a turn waits for a requested frame before
// proceeding without one.
const FrameWaitDeadline = 500 * time.Millisecond

// TurnState is the lifecycle state of a response turn.
type TurnState int

const (
	// StateIdle means no turn is in flight.
	StateIdle TurnState = iota

	// StateWaitingForFrame means a turn has started and is holding for a
	// requested camera frame.
	StateWaitingForFrame

	// StateActive means the turn is generating or streaming a response.
	StateActive

	// StateCancelling means the turn was interrupted and its late output
	// must be dropped.
	StateCancelling
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForFrame:
		return "waiting_for_frame"
	case StateActive:
		return "active"
	case StateCancelling:
		return "cancelling"
	default:
		return "unknown"
	}
}

// TurnFSM tracks the single in-flight response turn of a session. Triggers
// arriving while a turn is busy are dropped, never queued: the conversation
// moves on and a stale response would land out of context.
//
// Owned by the session task, not safe for concurrent use.
type TurnFSM struct {
	state   TurnState
	turnID  string
	dropped int
}

// NewTurnFSM returns an FSM in the idle state.
func NewTurnFSM() *TurnFSM {
	return &TurnFSM{state: StateIdle}
}

// Begin starts a turn. When needsFrame is set the turn enters
// waiting_for_frame and the caller should request a capture; otherwise it goes
// straight to active. Returns false, counting a dropped trigger, when a turn
// is already in flight.
func (f *TurnFSM) Begin(turnID string, needsFrame bool) bool {
	if f.state != StateIdle {
		f.dropped++
		return false
	}
	f.turnID = turnID
	if needsFrame {
		f.state = StateWaitingForFrame
	} else {
		f.state = StateActive
	}
	return true
}

// FrameArrived moves a waiting turn to active. Returns false when the turn is
// not waiting for a frame.
func (f *TurnFSM) FrameArrived() bool {
	if f.state != StateWaitingForFrame {
		return false
	}
	f.state = StateActive
	return true
}

// FrameTimeout moves a waiting turn to active without a frame. Returns false
// when the turn is not waiting for a frame.
func (f *TurnFSM) FrameTimeout() bool {
	if f.state != StateWaitingForFrame {
		return false
	}
	f.state = StateActive
	return true
}

// Cancel marks the in-flight turn as cancelled. Late output for the turn must
// be discarded until Finish. Returns false when no turn is in flight.
func (f *TurnFSM) Cancel() bool {
	if f.state != StateWaitingForFrame && f.state != StateActive {
		return false
	}
	f.state = StateCancelling
	return true
}

// Finish returns the FSM to idle, ending the current turn.
func (f *TurnFSM) Finish() {
	f.state = StateIdle
	f.turnID = ""
}

// State returns the current turn state.
func (f *TurnFSM) State() TurnState { return f.state }

// TurnID returns the identifier of the in-flight turn, empty when idle.
func (f *TurnFSM) TurnID() string { return f.turnID }

// IsCancelling reports whether late output must be dropped.
func (f *TurnFSM) IsCancelling() bool { return f.state == StateCancelling }

// Busy reports whether a turn is in flight in any state.
func (f *TurnFSM) Busy() bool { return f.state != StateIdle }

// DroppedTriggers returns how many triggers were dropped because a turn was
// already in flight.
func (f *TurnFSM) DroppedTriggers() int { return f.dropped }
