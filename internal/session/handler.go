package session

// -------------------------------------------------------------------------
// Application handler contract
// -------------------------------------------------------------------------

// NotAppliedAction is the application's chosen resolution for a peer
// NotApplied notification.
type NotAppliedAction uint8

const (
	// ActionGapFill replies with a Sequence message advancing the
	// outbound sequence past the gap. No business retransmission occurs.
	ActionGapFill NotAppliedAction = iota + 1

	// ActionRetransmit replays the persisted messages from the local
	// archive in order. Business sends are locked out until the replay
	// completes.
	ActionRetransmit
)

// String returns the human-readable name for the action.
func (a NotAppliedAction) String() string {
	switch a {
	case ActionGapFill:
		return "GapFill"
	case ActionRetransmit:
		return "Retransmit"
	default:
		return "Unknown"
	}
}

// Handler receives session events. All callbacks run on the framer
// goroutine and must not block; long-running work belongs on another
// goroutine. Handlers identify sessions by their opaque ID — the registry
// owns the sessions themselves.
type Handler interface {
	// OnMessage delivers an inbound business message in wire order.
	// buf is valid only for the duration of the call.
	OnMessage(id ID, seqNo uint64, templateID uint16, buf []byte)

	// OnNotApplied reports a counterparty-detected gap in our outbound
	// stream and asks how to resolve it.
	OnNotApplied(id ID, fromSeqNo, msgCount uint64) NotAppliedAction

	// OnRetransmitReject reports a rejected retransmit batch. The
	// session skips the batch and proceeds; the handler decides whether
	// the missed range matters.
	OnRetransmitReject(id ID, reason string, fromSeqNo, msgCount uint64, errorCodes uint16)

	// OnSessionReady fires when the session reaches its established
	// state and business traffic may flow.
	OnSessionReady(id ID)

	// OnDisconnect fires exactly once when the session reaches its
	// terminal state.
	OnDisconnect(id ID, reason DisconnectReason)

	// OnError surfaces asynchronous faults that do not fit a dedicated
	// callback, e.g. an invalid-uuid Terminate from the peer.
	OnError(id ID, err error)
}

// ReplaySource replays persisted outbound messages from the archive.
// The archive itself is an external collaborator; the session layer only
// depends on this contract.
type ReplaySource interface {
	// Replay invokes fn for each persisted message with uuid in
	// [fromSeqNo, fromSeqNo+msgCount), in sequence order. fn returns
	// false to stop early (publication back pressure); Replay then
	// returns the count delivered so the caller can resume.
	Replay(uuid, fromSeqNo, msgCount uint64, fn func(seqNo uint64, buf []byte) bool) (uint64, error)
}
