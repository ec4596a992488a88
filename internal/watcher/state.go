package watcher

// State is the watcher lifecycle state.
type State int

const (
	Stopped State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsRunning is true while a connection is being opened or is open.
func (s State) IsRunning() bool {
	return s == Connecting || s == Connected
}

var transitions = map[State][]State{
	Stopped:    {Connecting},
	Connecting: {Connected, Error},
	Connected:  {Error, Stopped},
	Error:      {Stopped},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
