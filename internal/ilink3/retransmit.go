package ilink3

import (
	"github.com/renanleonellocastro/artio/internal/session"
)

// DefaultRetransmitBatchMax is the per-request message cap when the
// configuration does not override it.
const DefaultRetransmitBatchMax = 2500

// gap is one queued retransmit range against a specific epoch.
type gap struct {
	from  uint64
	count uint64
	uuid  uint64
}

// retransmitController shapes gap ranges into bounded requests and
// tracks the fill watermark of the batch in flight. It is a pure state
// holder — the session performs the actual sends — which keeps the
// batching and interleaving rules independently testable.
//
// Invariant: at most one batch is in flight (requested or accepted) at a
// time; further gaps queue behind it.
type retransmitController struct {
	maxBatch uint64

	// queue holds batches not yet requested, in detection order.
	queue []gap

	// current is the batch in flight. Valid when requested is true.
	current   gap
	requested bool
	accepted  bool

	// fillSeqNo is current.from+current.count once accepted;
	// session.NotAwaitingRetransmit when nothing is outstanding.
	fillSeqNo uint64

	// nextFill is the next retransmitted sequence number expected,
	// advancing in order through the accepted batch.
	nextFill uint64
}

// newRetransmitController returns a controller with the given batch cap.
func newRetransmitController(maxBatch uint64) *retransmitController {
	if maxBatch == 0 {
		maxBatch = DefaultRetransmitBatchMax
	}
	return &retransmitController{
		maxBatch:  maxBatch,
		fillSeqNo: session.NotAwaitingRetransmit,
	}
}

// awaiting reports whether any batch is outstanding or queued.
func (rc *retransmitController) awaiting() bool {
	return rc.requested || len(rc.queue) > 0
}

// onGap splits [from, from+count) into batches and queues them.
func (rc *retransmitController) onGap(from, count, uuid uint64) {
	for count > 0 {
		n := count
		if n > rc.maxBatch {
			n = rc.maxBatch
		}
		rc.queue = append(rc.queue, gap{from: from, count: n, uuid: uuid})
		from += n
		count -= n
	}
}

// nextRequest returns the batch to request now, if any. The caller marks
// it with markRequested only after the request actually reached the
// publication, so back pressure retries naturally.
func (rc *retransmitController) nextRequest() (gap, bool) {
	if rc.requested || len(rc.queue) == 0 {
		return gap{}, false
	}
	return rc.queue[0], true
}

// markRequested moves the head of the queue into flight.
func (rc *retransmitController) markRequested() {
	rc.current = rc.queue[0]
	rc.queue = rc.queue[1:]
	rc.requested = true
	rc.accepted = false
}

// onAccepted records the peer's acceptance of the in-flight batch.
func (rc *retransmitController) onAccepted() {
	if !rc.requested {
		return
	}
	rc.accepted = true
	rc.fillSeqNo = rc.current.from + rc.current.count
	rc.nextFill = rc.current.from
}

// onReject skips the in-flight batch without stalling the session. The
// skipped gap is returned for the application callback. The watermark
// clears so the next queued batch (or none) takes over.
func (rc *retransmitController) onReject() gap {
	skipped := rc.current
	rc.requested = false
	rc.accepted = false
	rc.fillSeqNo = session.NotAwaitingRetransmit
	rc.nextFill = 0
	return skipped
}

// onRetransMessage consumes one replayed message. Returns deliver=false
// for out-of-order or unexpected replays (dropped), and done=true when
// the batch completed with this message.
func (rc *retransmitController) onRetransMessage(seqNo uint64) (deliver, done bool) {
	if !rc.accepted {
		return false, false
	}
	if seqNo != rc.nextFill {
		// Replays must arrive in the order the peer sent them.
		return false, false
	}
	rc.nextFill++
	if rc.nextFill == rc.fillSeqNo {
		rc.requested = false
		rc.accepted = false
		rc.fillSeqNo = session.NotAwaitingRetransmit
		rc.nextFill = 0
		return true, true
	}
	return true, false
}

// isFillBoundary reports whether a Sequence message at seqNo gap-fills
// the remainder of the accepted batch.
func (rc *retransmitController) isFillBoundary(seqNo uint64) bool {
	return rc.accepted && seqNo == rc.fillSeqNo
}

// completeByGapFill closes the accepted batch when the peer gap-filled
// the remainder with a Sequence message.
func (rc *retransmitController) completeByGapFill() {
	rc.requested = false
	rc.accepted = false
	rc.fillSeqNo = session.NotAwaitingRetransmit
	rc.nextFill = 0
}
