package fixp

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/renanleonellocastro/artio/internal/session"
	"github.com/renanleonellocastro/artio/internal/store"
)

// protocolName labels FIX sessions in logs and metrics.
const protocolName = "fix"

// Session configuration validation errors.
var (
	// ErrInvalidHeartbeat indicates a non-positive heartbeat interval.
	ErrInvalidHeartbeat = errors.New("heartbeat interval must be > 0")

	// ErrInvalidRole indicates an unknown session role.
	ErrInvalidRole = errors.New("invalid session role")

	// ErrNotActive indicates a business claim outside the Active state.
	ErrNotActive = fmt.Errorf("session not active: %w", session.ErrIllegalState)
)

// Config carries the parameters for one FIX session.
type Config struct {
	// Key identifies the logical session.
	Key session.CompositeKey

	// Role selects initiator or acceptor behavior.
	Role Role

	// BeginString is stamped into every outbound header, e.g. "FIX.4.4".
	BeginString string

	// HeartbeatInterval is the requested heartbeat period. The acceptor
	// negotiates down to min(requested, configured).
	HeartbeatInterval time.Duration

	// ReasonableTransmissionTime is the grace window added on top of
	// the heartbeat interval before the peer is considered silent.
	ReasonableTransmissionTime time.Duration

	// SendingTimeWindow bounds the acceptable skew of inbound
	// SendingTime. Zero disables the check.
	SendingTimeWindow time.Duration

	// ReplyTimeout bounds the wait for the counterparty Logon reply.
	ReplyTimeout time.Duration

	// ResetSeqNum requests a sequence reset at logon.
	ResetSeqNum bool

	// Username and Password are carried in the Logon when set.
	Username string
	Password string

	// IncludeLastMsgSeqNum enables the LastMsgSeqNumProcessed (369)
	// logon field.
	IncludeLastMsgSeqNum bool
}

// validate checks the configuration.
func (c Config) validate() error {
	if err := c.Key.Validate(); err != nil {
		return err
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat %v: %w", c.HeartbeatInterval, ErrInvalidHeartbeat)
	}
	if c.Role != RoleInitiator && c.Role != RoleAcceptor {
		return fmt.Errorf("role %d: %w", c.Role, ErrInvalidRole)
	}
	return nil
}

// Session is one FIX session. All mutable state is owned by the framer
// goroutine; there are no internal locks. Progress is made exclusively
// through Poll and OnFrame.
type Session struct {
	id      session.ID
	cfg     Config
	state   State
	seq     session.SequenceState
	enc     *Encoder
	pub     *session.Publication
	seqs    *store.Store
	handler session.Handler
	metrics session.MetricsReporter
	logger  *slog.Logger

	// Negotiated heartbeat interval in ms. Set at logon.
	heartbeatMs int64

	// Liveness timestamps, all from the injected clock.
	lastSentMs int64
	lastRecvMs int64

	// TestRequest probe state: testReqPending is true while a probe is
	// outstanding; the counter makes TestReqIDs unique.
	testReqCounter uint64
	testReqPending bool

	// Pending-work flags. Backpressure keeps work here, never in queues.
	pendingLogon        bool
	pendingHeartbeat    bool
	pendingTestReqEcho  string
	pendingTestRequest  bool
	pendingLogoutText   string
	pendingLogout       bool
	pendingResend       bool
	resendFrom          uint64
	resendTo            uint64
	pendingGapFill      bool
	gapFillAtSeq        uint64
	gapFillNewSeq       uint64

	// Outstanding inbound gap: we asked for a resend up to resendTo and
	// send no further ResendRequest until it is repaired. PossDup fills
	// below next_recv are accepted whether or not this is set.
	awaitingResend bool

	logoutSentMs     int64
	disconnectReason session.DisconnectReason
}

// NewSession builds a FIX session. The sequence state is the persisted
// record the registry loaded (or a fresh one); the store is consulted on
// every sent-sequence advance.
func NewSession(
	id session.ID,
	cfg Config,
	seq session.SequenceState,
	pub *session.Publication,
	seqs *store.Store,
	handler session.Handler,
	metrics session.MetricsReporter,
	logger *slog.Logger,
) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.BeginString == "" {
		cfg.BeginString = "FIX.4.4"
	}
	s := &Session{
		id:          id,
		cfg:         cfg,
		state:       StateConnected,
		seq:         seq,
		enc:         NewEncoder(cfg.BeginString, cfg.Key),
		pub:         pub,
		seqs:        seqs,
		handler:     handler,
		metrics:     metrics,
		heartbeatMs: cfg.HeartbeatInterval.Milliseconds(),
		logger: logger.With(
			slog.String("protocol", protocolName),
			slog.String("session", cfg.Key.String()),
			slog.String("role", cfg.Role.String()),
		),
	}
	if s.cfg.ResetSeqNum {
		s.seq.ResetSequences()
	}
	if s.seq.NextSentSeqNo == 0 {
		s.seq.NextSentSeqNo = 1
	}
	if s.seq.NextRecvSeqNo == 0 {
		s.seq.NextRecvSeqNo = 1
	}
	return s, nil
}

// ID returns the registry-assigned session id.
func (s *Session) ID() session.ID { return s.id }

// State returns the current connection state.
func (s *Session) State() State { return s.state }

// Key returns the session's composite key.
func (s *Session) Key() session.CompositeKey { return s.cfg.Key }

// HostProfile is empty for FIX sessions; duplicate rejection is per key.
func (s *Session) HostProfile() string { return "" }

// StateName is the current state for monitoring.
func (s *Session) StateName() string { return s.state.String() }

// SequenceState returns a copy of the current sequencing record.
func (s *Session) SequenceState() session.SequenceState { return s.seq }

// Terminal reports whether the session reached its final state.
func (s *Session) Terminal() bool { return s.state == StateDisconnected }

// -------------------------------------------------------------------------
// Poll — timer-driven progress
// -------------------------------------------------------------------------

// Poll advances every deadline-driven behavior and flushes pending work.
// Returns the number of actions taken; zero means the session is idle or
// blocked on back pressure and will be re-polled.
func (s *Session) Poll(nowMs int64) int {
	work := 0
	switch s.state {
	case StateConnected:
		if s.cfg.Role == RoleInitiator {
			work += s.sendLogon(nowMs)
		}
		// Acceptor waits in Connected for the inbound Logon.
	case StateSentLogon:
		work += s.flushPending(nowMs)
		if s.cfg.ReplyTimeout > 0 && nowMs-s.lastSentMs >= s.cfg.ReplyTimeout.Milliseconds() {
			s.logger.Warn("no logon reply, disconnecting")
			s.disconnect(session.ReasonTimeout)
			work++
		}
	case StateActive:
		work += s.flushPending(nowMs)
		work += s.pollLiveness(nowMs)
	case StateAwaitingLogout:
		work += s.flushPending(nowMs)
		if nowMs-s.logoutSentMs >= s.heartbeatMs {
			s.logger.Info("logout reply timeout, disconnecting")
			s.disconnect(s.disconnectReason)
			work++
		}
	case StateDisconnected:
	}
	return work
}

// pollLiveness drives heartbeats and the TestRequest probe.
func (s *Session) pollLiveness(nowMs int64) int {
	work := 0
	if nowMs-s.lastSentMs >= s.heartbeatMs {
		s.pendingHeartbeat = true
		work += s.flushPending(nowMs)
	}

	silence := nowMs - s.lastRecvMs
	grace := s.heartbeatMs + s.cfg.ReasonableTransmissionTime.Milliseconds()
	switch {
	case !s.testReqPending && silence >= grace:
		s.testReqCounter++
		s.pendingTestRequest = true
		s.testReqPending = true
		work += s.flushPending(nowMs)
	case s.testReqPending && silence >= grace+s.heartbeatMs:
		// Probe went unanswered for a full further interval.
		s.logger.Warn("peer silent past detection window, logging out",
			slog.Int64("silence_ms", silence),
		)
		work += s.startLogout(nowMs, "heartbeat timeout", session.ReasonTimeout)
	}
	return work
}

// flushPending retries any work blocked by publication back pressure.
// Order matters: replies owed to the peer go out before our own probes.
func (s *Session) flushPending(nowMs int64) int {
	work := 0
	if s.pendingLogon {
		work += s.sendLogon(nowMs)
	}
	if s.pendingGapFill {
		if s.send(nowMs, s.enc.SequenceReset(s.gapFillAtSeq, nowMs, s.gapFillNewSeq, true)) {
			s.pendingGapFill = false
			work++
		}
	}
	if s.pendingTestReqEcho != "" || s.pendingHeartbeat {
		echo := s.pendingTestReqEcho
		if s.sendSequenced(nowMs, func(seq uint64) []byte { return s.enc.Heartbeat(seq, nowMs, echo) }) {
			s.pendingTestReqEcho = ""
			s.pendingHeartbeat = false
			work++
		}
	}
	if s.pendingTestRequest {
		id := "TEST-" + strconv.FormatUint(s.testReqCounter, 10)
		if s.sendSequenced(nowMs, func(seq uint64) []byte { return s.enc.TestRequest(seq, nowMs, id) }) {
			s.pendingTestRequest = false
			work++
		}
	}
	if s.pendingResend {
		if s.sendSequenced(nowMs, func(seq uint64) []byte {
			return s.enc.ResendRequest(seq, nowMs, s.resendFrom, s.resendTo)
		}) {
			s.pendingResend = false
			s.awaitingResend = true
			work++
		}
	}
	if s.pendingLogout {
		if s.sendSequenced(nowMs, func(seq uint64) []byte { return s.enc.Logout(seq, nowMs, s.pendingLogoutText) }) {
			s.pendingLogout = false
			s.logoutSentMs = nowMs
			s.transition(StateAwaitingLogout)
			work++
		}
	}
	return work
}

// -------------------------------------------------------------------------
// Outbound
// -------------------------------------------------------------------------

// sendLogon emits the Logon, consuming one sequence number.
func (s *Session) sendLogon(nowMs int64) int {
	fields := LogonFields{
		HeartBtIntSecs:       int(s.cfg.HeartbeatInterval / time.Second),
		ResetSeqNum:          s.cfg.ResetSeqNum,
		Username:             s.cfg.Username,
		Password:             s.cfg.Password,
		IncludeLastMsgSeqNum: s.cfg.IncludeLastMsgSeqNum,
	}
	if s.cfg.IncludeLastMsgSeqNum {
		fields.LastMsgSeqNum = s.seq.NextRecvSeqNo - 1
	}
	if !s.sendSequenced(nowMs, func(seq uint64) []byte { return s.enc.Logon(seq, nowMs, fields) }) {
		s.pendingLogon = true
		return 0
	}
	s.pendingLogon = false
	if s.state == StateConnected && s.cfg.Role == RoleInitiator {
		s.transition(StateSentLogon)
	}
	return 1
}

// sendSequenced persists the advanced sequence state, then claims and
// commits one frame built with the consumed sequence number. The durable
// save of the intended next value happens before the bytes reach the
// publication, so a crash can never have sent N without having persisted
// next=N+1.
func (s *Session) sendSequenced(nowMs int64, build func(seq uint64) []byte) bool {
	seqNo := s.seq.NextSentSeqNo
	next := s.seq
	next.NextSentSeqNo = seqNo + 1
	if err := s.seqs.Save(s.cfg.Key, next); err != nil {
		s.logger.Error("sequence save failed", slog.String("error", err.Error()))
		return false
	}
	if !s.send(nowMs, build(seqNo)) {
		// Durable state may run ahead of the wire; that direction is
		// harmless and reconciled at the next establish.
		return false
	}
	s.seq = next
	return true
}

// send claims, copies and commits one encoded frame. Returns false on
// back pressure.
func (s *Session) send(nowMs int64, frame []byte) bool {
	claim, err := s.pub.TryClaim(len(frame))
	if err != nil {
		if !errors.Is(err, session.ErrBackPressure) {
			s.logger.Error("claim failed", slog.String("error", err.Error()))
		}
		return false
	}
	copy(claim.Buffer(), frame)
	claim.Commit()
	s.lastSentMs = nowMs
	s.metrics.IncMessagesSent(protocolName, s.cfg.Key.String())
	return true
}

// ClaimBusiness reserves space for one outbound application message and
// returns the claim together with the sequence number the message must
// carry. The sequence advance is persisted before the claim is handed
// out. Callers commit or abort the claim; an abort does not reuse the
// sequence number.
func (s *Session) ClaimBusiness(nowMs int64, length int) (session.Claim, uint64, error) {
	if s.state != StateActive {
		return session.Claim{}, 0, ErrNotActive
	}
	seqNo := s.seq.NextSentSeqNo
	next := s.seq
	next.NextSentSeqNo = seqNo + 1
	if err := s.seqs.Save(s.cfg.Key, next); err != nil {
		return session.Claim{}, 0, fmt.Errorf("persist sequence advance: %w", err)
	}
	claim, err := s.pub.TryClaim(length)
	if err != nil {
		return session.Claim{}, 0, err
	}
	s.seq = next
	s.lastSentMs = nowMs
	s.metrics.IncMessagesSent(protocolName, s.cfg.Key.String())
	return claim, seqNo, nil
}

// -------------------------------------------------------------------------
// Inbound
// -------------------------------------------------------------------------

// OnFrame processes one complete inbound frame. Parse errors are
// protocol violations: the session logs out and the error is returned to
// the registry for accounting.
func (s *Session) OnFrame(nowMs int64, buf []byte) error {
	if s.state == StateDisconnected {
		return session.ErrUnknownSession
	}
	msg, _, err := ParseFrame(buf)
	if err != nil {
		if errors.Is(err, ErrIncompleteFrame) {
			return err
		}
		s.metrics.IncProtocolErrors(s.cfg.Key.String(), "parse")
		s.logger.Warn("malformed frame", slog.String("error", err.Error()))
		s.startLogout(nowMs, "malformed message", session.ReasonProtocolViolation)
		return err
	}

	s.lastRecvMs = nowMs
	s.testReqPending = false
	s.metrics.IncMessagesReceived(protocolName, s.cfg.Key.String())

	if err := s.checkSendingTime(nowMs, &msg); err != nil {
		return err
	}

	// Reset-mode SequenceReset is exempt from sequence policing: its
	// purpose is to overwrite the expected inbound number.
	if msg.MsgType == MsgTypeSequenceReset && !msg.GapFillFlag {
		return s.onSequenceResetReset(nowMs, &msg)
	}

	// A Logon carrying ResetSeqNumFlag restarts both streams before
	// policing, so its own MsgSeqNum=1 is in sequence.
	if msg.MsgType == MsgTypeLogon && msg.ResetSeqNumFlag && !s.cfg.ResetSeqNum {
		s.seq.ResetSequences()
	}

	switch {
	case msg.MsgSeqNum == s.seq.NextRecvSeqNo:
		s.seq.NextRecvSeqNo++
		if s.awaitingResend && s.seq.NextRecvSeqNo > s.resendTo {
			s.awaitingResend = false
		}
		return s.dispatch(nowMs, &msg, buf)

	case msg.MsgSeqNum > s.seq.NextRecvSeqNo:
		return s.onSequenceGap(nowMs, &msg, buf)

	default: // msg.MsgSeqNum < next expected
		if msg.PossDup {
			// Replayed duplicate: accept idempotently, do not advance,
			// do not re-deliver.
			s.logger.Debug("possdup below expected, ignoring",
				slog.Uint64("seq", msg.MsgSeqNum),
				slog.Uint64("expected", s.seq.NextRecvSeqNo),
			)
			return nil
		}
		s.metrics.IncProtocolErrors(s.cfg.Key.String(), "low_seq")
		s.logger.Error("sequence number lower than expected",
			slog.Uint64("seq", msg.MsgSeqNum),
			slog.Uint64("expected", s.seq.NextRecvSeqNo),
		)
		text := "MsgSeqNum too low, expecting " + strconv.FormatUint(s.seq.NextRecvSeqNo, 10)
		s.startLogout(nowMs, text, session.ReasonProtocolViolation)
		return fmt.Errorf("seq %d below expected %d: %w",
			msg.MsgSeqNum, s.seq.NextRecvSeqNo, session.ErrProtocolViolation)
	}
}

// checkSendingTime enforces the configured SendingTime window.
func (s *Session) checkSendingTime(nowMs int64, msg *Message) error {
	if s.cfg.SendingTimeWindow <= 0 || msg.SendingTime.IsZero() {
		return nil
	}
	skew := nowMs - msg.SendingTime.UnixMilli()
	if skew < 0 {
		skew = -skew
	}
	if skew <= s.cfg.SendingTimeWindow.Milliseconds() {
		return nil
	}
	s.metrics.IncProtocolErrors(s.cfg.Key.String(), "sending_time")
	s.send(nowMs, s.enc.Reject(s.seq.NextSentSeqNo, nowMs, msg.MsgSeqNum, "SendingTime outside window"))
	s.startLogout(nowMs, "SendingTime accuracy problem", session.ReasonProtocolViolation)
	return fmt.Errorf("sending time skew %dms: %w", skew, session.ErrProtocolViolation)
}

// onSequenceGap handles seq > expected: request the missing range once
// and act only on the admin messages that remain meaningful mid-gap.
func (s *Session) onSequenceGap(nowMs int64, msg *Message, buf []byte) error {
	if !s.awaitingResend && !s.pendingResend {
		s.resendFrom = s.seq.NextRecvSeqNo
		s.resendTo = msg.MsgSeqNum - 1
		s.pendingResend = true
		s.logger.Info("inbound gap detected",
			slog.Uint64("from", s.resendFrom),
			slog.Uint64("to", s.resendTo),
		)
		s.flushPending(nowMs)
	}

	// Logon, TestRequest and Logout must still take effect while the
	// gap is being repaired; everything else waits for the replay.
	switch msg.MsgType {
	case MsgTypeLogon, MsgTypeTestRequest, MsgTypeLogout:
		return s.dispatch(nowMs, msg, buf)
	}
	return nil
}

// onSequenceResetReset applies a reset-mode SequenceReset.
func (s *Session) onSequenceResetReset(nowMs int64, msg *Message) error {
	if msg.NewSeqNo >= s.seq.NextRecvSeqNo {
		s.logger.Info("sequence reset",
			slog.Uint64("new_seq_no", msg.NewSeqNo),
			slog.Uint64("old_expected", s.seq.NextRecvSeqNo),
		)
		s.seq.NextRecvSeqNo = msg.NewSeqNo
		s.awaitingResend = false
		return nil
	}
	// Rewinding the inbound stream requires operator intervention; a
	// plain reset below the watermark is rejected.
	s.metrics.IncProtocolErrors(s.cfg.Key.String(), "reset_below")
	s.send(nowMs, s.enc.Reject(s.seq.NextSentSeqNo, nowMs, msg.MsgSeqNum,
		"SequenceReset below expected"))
	return fmt.Errorf("reset to %d below expected %d: %w",
		msg.NewSeqNo, s.seq.NextRecvSeqNo, session.ErrProtocolViolation)
}

// dispatch routes an in-sequence message by type.
func (s *Session) dispatch(nowMs int64, msg *Message, buf []byte) error {
	if !msg.Admin() {
		s.handler.OnMessage(s.id, msg.MsgSeqNum, 0, buf)
		return nil
	}
	switch msg.MsgType {
	case MsgTypeLogon:
		return s.onLogon(nowMs, msg)
	case MsgTypeHeartbeat:
		return nil
	case MsgTypeTestRequest:
		s.pendingTestReqEcho = msg.TestReqID
		s.flushPending(nowMs)
		return nil
	case MsgTypeResendRequest:
		return s.onResendRequest(nowMs, msg)
	case MsgTypeSequenceReset:
		// Gap-fill mode: advance past skipped admin numbers.
		if msg.NewSeqNo > s.seq.NextRecvSeqNo {
			s.seq.NextRecvSeqNo = msg.NewSeqNo
		}
		if s.awaitingResend && s.seq.NextRecvSeqNo > s.resendTo {
			s.awaitingResend = false
		}
		return nil
	case MsgTypeReject:
		s.logger.Warn("session-level reject from peer",
			slog.Uint64("ref_seq_num", msg.RefSeqNum),
			slog.String("text", msg.Text),
		)
		return nil
	case MsgTypeLogout:
		return s.onLogout(nowMs, msg)
	}
	return nil
}

// onLogon completes the logon exchange for either role.
func (s *Session) onLogon(nowMs int64, msg *Message) error {
	// Heartbeat negotiation: min of requested and configured.
	if msg.HeartBtIntSecs > 0 {
		peerMs := int64(msg.HeartBtIntSecs) * 1000
		if peerMs < s.heartbeatMs {
			s.heartbeatMs = peerMs
		}
	}

	switch s.cfg.Role {
	case RoleAcceptor:
		if s.state != StateConnected && s.state != StateActive {
			return nil
		}
		if !s.sendSequenced(nowMs, func(seq uint64) []byte {
			return s.enc.Logon(seq, nowMs, LogonFields{
				HeartBtIntSecs: int(s.heartbeatMs / 1000),
				ResetSeqNum:    msg.ResetSeqNumFlag,
			})
		}) {
			s.pendingLogon = true
			return nil
		}
		s.transition(StateActive)
		s.handler.OnSessionReady(s.id)
	case RoleInitiator:
		if s.state != StateSentLogon {
			return nil
		}
		s.transition(StateActive)
		s.handler.OnSessionReady(s.id)
	}
	return nil
}

// onResendRequest answers a peer resend request. Session administration
// is never replayed; the whole requested range is gap-filled and the
// archive replay of business messages is the owning library's call.
func (s *Session) onResendRequest(nowMs int64, msg *Message) error {
	end := msg.EndSeqNo
	if end == 0 || end >= s.seq.NextSentSeqNo {
		// EndSeqNo=0 means "through the latest".
		end = s.seq.NextSentSeqNo - 1
	}
	s.logger.Info("peer requested resend",
		slog.Uint64("from", msg.BeginSeqNo),
		slog.Uint64("to", end),
	)
	s.gapFillAtSeq = msg.BeginSeqNo
	s.gapFillNewSeq = s.seq.NextSentSeqNo
	s.pendingGapFill = true
	s.flushPending(nowMs)
	return nil
}

// onLogout handles the counterparty's Logout.
func (s *Session) onLogout(nowMs int64, msg *Message) error {
	if s.state == StateAwaitingLogout {
		// Our logout was answered; the exchange is complete.
		s.disconnect(s.disconnectReason)
		return nil
	}
	s.logger.Info("peer initiated logout", slog.String("text", msg.Text))
	s.disconnectReason = session.ReasonLogout
	if !s.sendSequenced(nowMs, func(seq uint64) []byte { return s.enc.Logout(seq, nowMs, "") }) {
		s.pendingLogout = true
		s.pendingLogoutText = ""
		return nil
	}
	s.disconnect(session.ReasonLogout)
	return nil
}

// -------------------------------------------------------------------------
// Shutdown
// -------------------------------------------------------------------------

// startLogout begins a local logout with the given reason text.
func (s *Session) startLogout(nowMs int64, text string, reason session.DisconnectReason) int {
	if s.state == StateAwaitingLogout || s.state == StateDisconnected {
		return 0
	}
	s.disconnectReason = reason
	s.pendingLogoutText = text
	s.pendingLogout = true
	return s.flushPending(nowMs)
}

// RequestShutdown asks the session to terminate gracefully. Called by
// the engine during drain; idempotent.
func (s *Session) RequestShutdown(nowMs int64) {
	switch s.state {
	case StateConnected, StateSentLogon:
		s.disconnect(session.ReasonEngineClose)
	case StateActive:
		s.startLogout(nowMs, "engine shutdown", session.ReasonEngineClose)
	case StateAwaitingLogout, StateDisconnected:
	}
}

// OnTransportDisconnect records an abrupt transport loss: the session
// goes terminal immediately, state is persisted, the handler notified.
func (s *Session) OnTransportDisconnect() {
	if s.state == StateDisconnected {
		return
	}
	s.disconnect(session.ReasonRemoteDisconnect)
}

// disconnect persists the final sequence state and goes terminal.
func (s *Session) disconnect(reason session.DisconnectReason) {
	if s.state == StateDisconnected {
		return
	}
	if reason == 0 {
		reason = session.ReasonLogout
	}
	if err := s.seqs.Save(s.cfg.Key, s.seq); err != nil {
		s.logger.Error("final sequence save failed", slog.String("error", err.Error()))
	}
	s.transition(StateDisconnected)
	s.logger.Info("session disconnected", slog.String("reason", reason.String()))
	s.handler.OnDisconnect(s.id, reason)
}

// transition moves to a new state, recording metrics.
func (s *Session) transition(to State) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	s.metrics.RecordStateTransition(protocolName, s.cfg.Key.String(), from.String(), to.String())
	s.logger.Debug("state transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
}
