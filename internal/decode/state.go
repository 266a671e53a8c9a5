package decode

// State is the lifecycle state of a Session.
type State int32

const (
	StateUnconfigured State = iota
	StateConfiguring
	StateConfigured
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfiguring:
		return "configuring"
	case StateConfigured:
		return "configured"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}
