package recorder

// State of the recording loop
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateFiltering
	StateNormalizing
	StatePersisting
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateFiltering:
		return "filtering"
	case StateNormalizing:
		return "normalizing"
	case StatePersisting:
		return "persisting"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
