package session

// State is a session lifecycle phase. Transitions walk the edge set below;
// ended and error are terminal.
type State string

const (
	StateInitializing State = "initializing"
	StateConnected    State = "connected"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateThinking     State = "thinking"
	StateSpeaking     State = "speaking"
	StateEnded        State = "ended"
	StateError        State = "error"
)

var transitions = map[State][]State{
	StateInitializing: {StateConnected, StateEnded},
	StateConnected:    {StateListening, StateEnded},
	StateListening:    {StateTranscribing, StateEnded},
	StateTranscribing: {StateListening, StateThinking, StateEnded},
	StateThinking:     {StateSpeaking, StateListening, StateEnded},
	StateSpeaking:     {StateListening, StateEnded},
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateError
}

// CanProcessAudio reports whether inbound audio is accepted in this state.
func (s State) CanProcessAudio() bool {
	switch s {
	case StateListening, StateTranscribing, StateSpeaking:
		return true
	default:
		return false
	}
}

// ValidTransition reports whether from -> to is an edge of the lifecycle
// graph. Any non-terminal state may move to error.
func ValidTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateError {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
