package fixp

// State is the FIX session connection state.
type State uint8

const (
	// StateConnected: TCP is up, no Logon exchanged yet. Initiator's and
	// acceptor's initial state.
	StateConnected State = iota + 1

	// StateSentLogon: initiator has emitted Logon and awaits the reply.
	StateSentLogon

	// StateActive: Logon exchange complete; business traffic flows.
	StateActive

	// StateAwaitingLogout: local side sent Logout and waits for the
	// counterparty's Logout (bounded by the heartbeat interval).
	StateAwaitingLogout

	// StateDisconnected is terminal.
	StateDisconnected
)

// String returns the human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "Connected"
	case StateSentLogon:
		return "SentLogon"
	case StateActive:
		return "Active"
	case StateAwaitingLogout:
		return "AwaitingLogout"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Role determines which side of the Logon exchange this session plays.
type Role uint8

const (
	// RoleInitiator dials the counterparty and sends the first Logon.
	RoleInitiator Role = iota + 1

	// RoleAcceptor waits for an inbound Logon and mirrors it.
	RoleAcceptor
)

// String returns the human-readable name for the role.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "Initiator"
	case RoleAcceptor:
		return "Acceptor"
	default:
		return "Unknown"
	}
}
