package supervisor

// Status is the connection state shown to the user.
type Status int

const (
	// StatusConnecting is the state before the first connection opens.
	StatusConnecting Status = iota
	// StatusConnected means a connection is open, or was open less than one
	// grace window ago.
	StatusConnected
	// StatusReconnecting means the connection dropped and a retry is pending.
	StatusReconnecting
	// StatusDisconnected is terminal: stopped on purpose or out of attempts.
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}
