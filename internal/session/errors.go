package session

import (
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Error taxonomy
// -------------------------------------------------------------------------

// Sentinel errors shared across the session layer. Call sites wrap them
// with fmt.Errorf("...: %w", err) so errors.Is classification survives.
var (
	// ErrProtocolViolation covers low sequence numbers without PossDup,
	// bad checksums, bad BeginString, and malformed SBE headers.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrAuthenticationFailure covers rejected Logon, NegotiateReject
	// and EstablishmentReject.
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrTimeout indicates no peer reply arrived within the configured
	// window.
	ErrTimeout = errors.New("peer reply timeout")

	// ErrTransportFault indicates the TCP connection dropped unexpectedly.
	ErrTransportFault = errors.New("transport fault")

	// ErrDuplicateConnection indicates the registry rejected a second
	// bind for an already-bound (key, host profile).
	ErrDuplicateConnection = errors.New("duplicate connection for session key")

	// ErrUnknownSession indicates a frame arrived for an unbound
	// connection id.
	ErrUnknownSession = errors.New("unknown session for connection")

	// ErrInvalidUUID indicates the peer terminated with a uuid that does
	// not match the current connection epoch.
	ErrInvalidUUID = errors.New("terminate carried invalid uuid")

	// ErrBackPressure indicates the outbound publication cannot accept a
	// claim right now. The caller retries on the next poll; pending work
	// stays represented by FSM state, never by a growing queue.
	ErrBackPressure = errors.New("publication back pressure")

	// ErrIllegalState indicates an operation is not permitted in the
	// session's current state, e.g. business sends during a retransmit
	// replay.
	ErrIllegalState = errors.New("operation illegal in current session state")
)

// InvalidUUIDError wraps ErrInvalidUUID with the offending uuid so the
// application handler can log the peer's view of the connection.
func InvalidUUIDError(uuid uint64) error {
	return fmt.Errorf("peer uuid %d: %w", uuid, ErrInvalidUUID)
}
