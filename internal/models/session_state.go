package models

// SessionStatus is the closed set of live-session states.
type SessionStatus string

const (
	SessionScheduled  SessionStatus = "SCHEDULED"
	SessionPreparing  SessionStatus = "PREPARING"
	SessionLive       SessionStatus = "LIVE"
	SessionEnded      SessionStatus = "ENDED"
	SessionTerminated SessionStatus = "TERMINATED"
)

// Terminal reports whether no further transitions leave the state.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionTerminated
}

// Valid reports whether s is one of the declared states.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionScheduled, SessionPreparing, SessionLive, SessionEnded, SessionTerminated:
		return true
	}
	return false
}

// NonTerminalStatuses lists the states that count against the one active
// session per channel rule.
func NonTerminalStatuses() []SessionStatus {
	return []SessionStatus{SessionScheduled, SessionPreparing, SessionLive}
}

// SessionEvent names a state-machine input.
type SessionEvent string

const (
	EventPrepare   SessionEvent = "prepare"
	EventActivate  SessionEvent = "activate"
	EventStop      SessionEvent = "stop"
	EventTerminate SessionEvent = "terminate"
	EventCancel    SessionEvent = "cancel"
)

type transition struct {
	from []SessionStatus
	to   SessionStatus
}

var sessionTransitions = map[SessionEvent]transition{
	EventPrepare:   {from: []SessionStatus{SessionScheduled}, to: SessionPreparing},
	EventActivate:  {from: []SessionStatus{SessionPreparing}, to: SessionLive},
	EventStop:      {from: []SessionStatus{SessionPreparing, SessionLive}, to: SessionEnded},
	EventTerminate: {from: []SessionStatus{SessionPreparing, SessionLive}, to: SessionTerminated},
	EventCancel:    {from: []SessionStatus{SessionScheduled}, to: SessionTerminated},
}

// Transition resolves the source states and target state of event. Unknown
// events report ok=false.
func Transition(event SessionEvent) (from []SessionStatus, to SessionStatus, ok bool) {
	t, ok := sessionTransitions[event]
	if !ok {
		return nil, "", false
	}
	return append([]SessionStatus(nil), t.from...), t.to, true
}

// CanTransition reports whether event is allowed from the current state.
func CanTransition(current SessionStatus, event SessionEvent) bool {
	t, ok := sessionTransitions[event]
	if !ok {
		return false
	}
	for _, from := range t.from {
		if from == current {
			return true
		}
	}
	return false
}
