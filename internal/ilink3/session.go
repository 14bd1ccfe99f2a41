package ilink3

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/renanleonellocastro/artio/internal/session"
	"github.com/renanleonellocastro/artio/internal/store"
)

// protocolName labels ILink3 sessions in logs and metrics.
const protocolName = "ilink3"

// KeepAliveIntervalMax caps the configurable keepalive interval.
const KeepAliveIntervalMax = 60 * time.Second

// State is the ILink3 session state.
type State uint8

const (
	// StateConnected: TCP is up, Negotiate not yet sent.
	StateConnected State = iota + 1

	// StateSentNegotiate: Negotiate emitted, awaiting the response.
	StateSentNegotiate

	// StateNegotiated: uuid accepted, Establish not yet sent.
	StateNegotiated

	// StateSentEstablish: Establish emitted, awaiting the ack.
	StateSentEstablish

	// StateEstablished: business traffic flows.
	StateEstablished

	// StateAwaitingRetransmit: established with a retransmit batch
	// outstanding.
	StateAwaitingRetransmit

	// StateUnbinding: local Terminate emitted, awaiting the peer echo.
	StateUnbinding

	// StateUnbound is terminal.
	StateUnbound
)

// String returns the human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "Connected"
	case StateSentNegotiate:
		return "SentNegotiate"
	case StateNegotiated:
		return "Negotiated"
	case StateSentEstablish:
		return "SentEstablish"
	case StateEstablished:
		return "Established"
	case StateAwaitingRetransmit:
		return "AwaitingRetransmit"
	case StateUnbinding:
		return "Unbinding"
	case StateUnbound:
		return "Unbound"
	default:
		return "Unknown"
	}
}

// Session errors.
var (
	// ErrNegotiateTimeout indicates both the Negotiate and its single
	// retransmit went unanswered.
	ErrNegotiateTimeout = fmt.Errorf("negotiate timeout: %w", session.ErrTimeout)

	// ErrEstablishTimeout indicates both the Establish and its single
	// retransmit went unanswered.
	ErrEstablishTimeout = fmt.Errorf("establish timeout: %w", session.ErrTimeout)

	// ErrNegotiateRejected indicates the counterparty rejected Negotiate.
	ErrNegotiateRejected = fmt.Errorf("negotiate rejected: %w", session.ErrAuthenticationFailure)

	// ErrEstablishmentRejected indicates the counterparty rejected
	// Establish.
	ErrEstablishmentRejected = fmt.Errorf("establishment rejected: %w", session.ErrAuthenticationFailure)

	// ErrReplayInProgress indicates a business send while a NotApplied
	// retransmit replay is draining.
	ErrReplayInProgress = fmt.Errorf("retransmit replay in progress: %w", session.ErrIllegalState)

	// ErrMissingUUID indicates a fresh session was constructed without a
	// uuid nonce.
	ErrMissingUUID = errors.New("fresh ilink3 session requires a nonzero uuid")
)

// Config carries the parameters for one ILink3 initiator session.
type Config struct {
	// Key identifies the logical session for the sequence store.
	Key session.CompositeKey

	// HostProfile names the market-segment host this connection targets.
	// Registry duplicate rejection is per (Key, HostProfile).
	HostProfile string

	// UUID is the connection nonce for a fresh epoch. Ignored when
	// ReEstablish finds a persisted epoch to resume.
	UUID uint64

	// AccessKeyID and FirmID are the Negotiate/Establish credentials.
	AccessKeyID string
	FirmID      string

	// KeepAliveInterval sizes both keepalive deadlines. Capped at
	// KeepAliveIntervalMax.
	KeepAliveInterval time.Duration

	// NegotiateTimeout bounds each Negotiate attempt.
	NegotiateTimeout time.Duration

	// ReplyTimeout bounds each Establish attempt.
	ReplyTimeout time.Duration

	// RetransmitBatchMax caps one retransmit request.
	RetransmitBatchMax uint64

	// ReEstablish resumes the persisted epoch (same uuid, continuing
	// sequence numbers) instead of negotiating a fresh one.
	ReEstablish bool

	// Replay provides archived outbound messages for NotApplied
	// retransmission. Optional; without it the handler's Retransmit
	// choice degrades to GapFill.
	Replay session.ReplaySource
}

// validate checks the configuration.
func (c Config) validate() error {
	if err := c.Key.Validate(); err != nil {
		return err
	}
	if c.KeepAliveInterval <= 0 {
		return errors.New("keep alive interval must be > 0")
	}
	return nil
}

// Session is one ILink3 initiator session. All mutable state is owned by
// the framer goroutine.
type Session struct {
	id      session.ID
	cfg     Config
	state   State
	seq     session.SequenceState
	rc      *retransmitController
	pub     *session.Publication
	seqs    *store.Store
	handler session.Handler
	metrics session.MetricsReporter
	logger  *slog.Logger

	keepAliveMs int64

	// prevNextRecv is the inbound watermark of the previous epoch,
	// captured before the uuid rotation. Cross-uuid retransmit queries
	// compare it against the ack's PreviousSeqNo.
	prevNextRecv uint64

	// Handshake retry state: each request may be retransmitted exactly
	// once before its timeout is fatal.
	requestSentMs  int64
	requestRetried bool

	// Keepalive deadlines and the one-shot lapsed warning.
	nextSendDeadline    int64
	nextReceiveDeadline int64
	lapsedWarningSent   bool

	// Pending-work flags, retried under back pressure.
	pendingNotLapsedReply bool
	pendingKeepAlive      bool
	pendingGapFillSeq     bool
	pendingTerminate      bool
	terminateReason       string
	terminateCodes        uint16
	disconnectAfterSend   bool

	// NotApplied replay state. While replaying, business sends fail
	// with ErrReplayInProgress.
	replaying       bool
	replayFrom      uint64
	replayRemaining uint64

	terminateSentMs  int64
	disconnectReason session.DisconnectReason
	notified         bool

	// resume is true when the session continues a persisted epoch and
	// the handshake starts at Establish.
	resume bool
}

// NewSession builds an ILink3 initiator session from the persisted (or
// fresh) sequence state.
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
	if cfg.KeepAliveInterval > KeepAliveIntervalMax {
		cfg.KeepAliveInterval = KeepAliveIntervalMax
	}
	if cfg.NegotiateTimeout <= 0 {
		cfg.NegotiateTimeout = 2 * time.Second
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = cfg.NegotiateTimeout
	}

	s := &Session{
		id:          id,
		cfg:         cfg,
		state:       StateConnected,
		seq:         seq,
		rc:          newRetransmitController(cfg.RetransmitBatchMax),
		pub:         pub,
		seqs:        seqs,
		handler:     handler,
		metrics:     metrics,
		keepAliveMs: cfg.KeepAliveInterval.Milliseconds(),
		logger: logger.With(
			slog.String("protocol", protocolName),
			slog.String("session", cfg.Key.String()),
			slog.String("host_profile", cfg.HostProfile),
		),
	}

	if cfg.ReEstablish && s.seq.UUID != 0 {
		// Resume the persisted epoch: same uuid, sequences continue.
		s.resume = true
		s.logger.Info("re-establishing previous connection",
			slog.Uint64("uuid", s.seq.UUID),
		)
	} else {
		if cfg.UUID == 0 {
			return nil, ErrMissingUUID
		}
		s.prevNextRecv = s.seq.NextRecvSeqNo
		s.seq.RotateUUID(cfg.UUID)
	}
	return s, nil
}

// ID returns the registry-assigned session id.
func (s *Session) ID() session.ID { return s.id }

// Key returns the session's composite key.
func (s *Session) Key() session.CompositeKey { return s.cfg.Key }

// HostProfile returns the target market-segment host name.
func (s *Session) HostProfile() string { return s.cfg.HostProfile }

// UUID returns the current connection epoch nonce.
func (s *Session) UUID() uint64 { return s.seq.UUID }

// SequenceState returns a copy of the current sequencing record.
func (s *Session) SequenceState() session.SequenceState { return s.seq }

// FillSeqNo exposes the retransmit watermark for tests and monitoring.
func (s *Session) FillSeqNo() uint64 { return s.rc.fillSeqNo }

// State reports the externally visible state; an established session
// with an outstanding retransmit shows as AwaitingRetransmit.
func (s *Session) State() State {
	if s.state == StateEstablished && s.rc.awaiting() {
		return StateAwaitingRetransmit
	}
	return s.state
}

// StateName is the current state for monitoring.
func (s *Session) StateName() string { return s.State().String() }

// Terminal reports whether the session reached its final state.
func (s *Session) Terminal() bool { return s.state == StateUnbound }

// -------------------------------------------------------------------------
// Poll
// -------------------------------------------------------------------------

// Poll advances every deadline-driven behavior. Returns the number of
// actions taken this cycle.
func (s *Session) Poll(nowMs int64) int {
	work := 0
	switch s.state {
	case StateConnected:
		work += s.beginHandshake(nowMs)
	case StateSentNegotiate:
		work += s.pollHandshakeTimeout(nowMs, s.cfg.NegotiateTimeout, s.sendNegotiate, ErrNegotiateTimeout)
	case StateNegotiated:
		work += s.sendEstablish(nowMs)
	case StateSentEstablish:
		work += s.pollHandshakeTimeout(nowMs, s.cfg.ReplyTimeout, s.sendEstablish, ErrEstablishTimeout)
	case StateEstablished:
		work += s.flushPending(nowMs)
		work += s.pollRetransmit(nowMs)
		work += s.pollReplay(nowMs)
		work += s.pollKeepAlive(nowMs)
	case StateUnbinding:
		work += s.flushPending(nowMs)
		if nowMs-s.terminateSentMs >= s.keepAliveMs {
			s.disconnect(s.disconnectReason)
			work++
		}
	case StateUnbound:
	}
	return work
}

// beginHandshake emits the first request of the epoch: Negotiate for a
// fresh uuid, Establish when resuming.
func (s *Session) beginHandshake(nowMs int64) int {
	if s.resume {
		s.transition(StateNegotiated)
		return 1 + s.sendEstablish(nowMs)
	}
	return s.sendNegotiate(nowMs)
}

// pollHandshakeTimeout applies the single-retransmit policy shared by
// Negotiate and Establish: one resend on the first timeout, failure on
// the second.
func (s *Session) pollHandshakeTimeout(
	nowMs int64,
	timeout time.Duration,
	resend func(int64) int,
	failure error,
) int {
	if nowMs-s.requestSentMs < timeout.Milliseconds() {
		return 0
	}
	if !s.requestRetried {
		s.requestRetried = true
		s.logger.Warn("handshake timeout, retransmitting once")
		return resend(nowMs)
	}
	s.logger.Error("handshake failed", slog.String("error", failure.Error()))
	s.handler.OnError(s.id, failure)
	s.disconnect(session.ReasonTimeout)
	return 1
}

// pollKeepAlive drives the two independent keepalive deadlines.
func (s *Session) pollKeepAlive(nowMs int64) int {
	work := 0
	if nowMs >= s.nextSendDeadline {
		s.pendingKeepAlive = true
		work += s.flushPending(nowMs)
	}
	if nowMs >= s.nextReceiveDeadline {
		if !s.lapsedWarningSent {
			// One warning Sequence flagged Lapsed, then one more
			// interval of grace.
			s.lapsedWarningSent = true
			s.nextReceiveDeadline = nowMs + s.keepAliveMs
			if s.sendSequence(nowMs, KeepAliveLapsed) {
				work++
			}
		} else {
			s.logger.Warn("peer keepalive lapsed twice, terminating")
			work += s.startTerminate(nowMs, "keep alive expired", 0, session.ReasonTimeout)
		}
	}
	return work
}

// pollRetransmit issues the next queued retransmit batch when none is in
// flight.
func (s *Session) pollRetransmit(nowMs int64) int {
	g, ok := s.rc.nextRequest()
	if !ok {
		return 0
	}
	req := RetransmitRequest{
		UUID:             s.seq.UUID,
		RequestTimestamp: uint64(nowMs) * uint64(time.Millisecond),
		FromSeqNo:        g.from,
		MsgCount:         uint16(g.count),
	}
	if g.uuid != s.seq.UUID {
		req.LastUUID = g.uuid
	}
	claim, err := s.pub.TryClaim(RetransmitRequestSize)
	if err != nil {
		return 0
	}
	_, _ = EncodeRetransmitRequest(claim.Buffer(), TemplateRetransmitRequest, &req)
	claim.Commit()
	s.afterSend(nowMs)
	s.rc.markRequested()
	s.metrics.IncRetransmitRequests(s.cfg.Key.String())
	s.logger.Info("retransmit requested",
		slog.Uint64("from", g.from),
		slog.Uint64("count", g.count),
		slog.Uint64("target_uuid", g.uuid),
	)
	return 1
}

// pollReplay drains an in-progress NotApplied replay, resuming across
// publication back pressure.
func (s *Session) pollReplay(nowMs int64) int {
	if !s.replaying {
		return 0
	}
	delivered, err := s.cfg.Replay.Replay(s.seq.UUID, s.replayFrom, s.replayRemaining,
		func(seqNo uint64, buf []byte) bool {
			claim, cerr := s.pub.TryClaim(len(buf))
			if cerr != nil {
				return false
			}
			copy(claim.Buffer(), buf)
			claim.Commit()
			s.afterSend(nowMs)
			return true
		})
	if err != nil {
		s.logger.Error("replay failed, gap-filling remainder", slog.String("error", err.Error()))
		s.replaying = false
		s.pendingGapFillSeq = true
		return s.flushPending(nowMs)
	}
	s.replayFrom += delivered
	s.replayRemaining -= delivered
	if s.replayRemaining == 0 {
		s.replaying = false
		s.logger.Info("replay complete")
	}
	if delivered > 0 {
		return int(delivered)
	}
	return 0
}

// flushPending retries work blocked by back pressure, peer-owed replies
// first.
func (s *Session) flushPending(nowMs int64) int {
	work := 0
	if s.pendingTerminate {
		if s.sendTerminate(nowMs, s.terminateReason, s.terminateCodes) {
			s.pendingTerminate = false
			work++
			if s.disconnectAfterSend {
				s.disconnect(s.disconnectReason)
			}
		}
	}
	if s.pendingNotLapsedReply {
		if s.sendSequence(nowMs, KeepAliveNotLapsed) {
			s.pendingNotLapsedReply = false
			work++
		}
	}
	if s.pendingGapFillSeq {
		if s.sendSequence(nowMs, KeepAliveNotLapsed) {
			s.pendingGapFillSeq = false
			work++
		}
	}
	if s.pendingKeepAlive {
		if s.sendSequence(nowMs, KeepAliveNotLapsed) {
			s.pendingKeepAlive = false
			work++
		}
	}
	return work
}

// -------------------------------------------------------------------------
// Outbound
// -------------------------------------------------------------------------

// afterSend resets the send-side keepalive deadline.
func (s *Session) afterSend(nowMs int64) {
	s.nextSendDeadline = nowMs + s.keepAliveMs
	s.metrics.IncMessagesSent(protocolName, s.cfg.Key.String())
}

// sendNegotiate emits (or re-emits) the Negotiate.
func (s *Session) sendNegotiate(nowMs int64) int {
	m := Negotiate{
		UUID:             s.seq.UUID,
		RequestTimestamp: uint64(nowMs) * uint64(time.Millisecond),
		AccessKeyID:      s.cfg.AccessKeyID,
		FirmID:           s.cfg.FirmID,
	}
	claim, err := s.pub.TryClaim(NegotiateSize)
	if err != nil {
		return 0
	}
	_, _ = EncodeNegotiate(claim.Buffer(), &m)
	claim.Commit()
	s.afterSend(nowMs)
	s.requestSentMs = nowMs
	if s.state == StateConnected {
		s.transition(StateSentNegotiate)
	}
	return 1
}

// sendEstablish persists the intended outbound sequence, then emits (or
// re-emits) the Establish carrying it.
func (s *Session) sendEstablish(nowMs int64) int {
	// The durable record must cover the advertised NextSeqNo before the
	// Establish reaches the wire.
	if err := s.seqs.Save(s.cfg.Key, s.seq); err != nil {
		s.logger.Error("sequence save failed", slog.String("error", err.Error()))
		return 0
	}
	m := Establish{
		UUID:              s.seq.UUID,
		RequestTimestamp:  uint64(nowMs) * uint64(time.Millisecond),
		NextSeqNo:         s.seq.NextSentSeqNo,
		KeepAliveInterval: uint16(s.keepAliveMs),
		AccessKeyID:       s.cfg.AccessKeyID,
		FirmID:            s.cfg.FirmID,
	}
	claim, err := s.pub.TryClaim(EstablishSize)
	if err != nil {
		return 0
	}
	_, _ = EncodeEstablish(claim.Buffer(), &m)
	claim.Commit()
	s.afterSend(nowMs)
	s.requestSentMs = nowMs
	if s.state != StateSentEstablish {
		s.requestRetried = false
		s.transition(StateSentEstablish)
	}
	return 1
}

// sendSequence emits a Sequence keepalive with the given lapsed flag.
func (s *Session) sendSequence(nowMs int64, lapsed uint8) bool {
	m := Sequence{
		UUID:            s.seq.UUID,
		NextSeqNo:       s.seq.NextSentSeqNo,
		KeepAliveLapsed: lapsed,
	}
	claim, err := s.pub.TryClaim(SequenceSize)
	if err != nil {
		return false
	}
	_, _ = EncodeSequence(claim.Buffer(), &m)
	claim.Commit()
	s.afterSend(nowMs)
	return true
}

// sendTerminate emits a Terminate with the current epoch's uuid.
func (s *Session) sendTerminate(nowMs int64, reason string, codes uint16) bool {
	m := Terminate{
		UUID:             s.seq.UUID,
		RequestTimestamp: uint64(nowMs) * uint64(time.Millisecond),
		ErrorCodes:       codes,
		Reason:           reason,
	}
	claim, err := s.pub.TryClaim(TerminateSize)
	if err != nil {
		return false
	}
	_, _ = EncodeTerminate(claim.Buffer(), &m)
	claim.Commit()
	s.afterSend(nowMs)
	return true
}

// SendBusiness encodes and publishes one outbound business message,
// consuming a sequence number. The sequence advance is durable before
// the frame reaches the publication. Fails with ErrReplayInProgress
// while a NotApplied replay is draining.
func (s *Session) SendBusiness(nowMs int64, templateID uint16, payload []byte) (uint64, error) {
	if s.state != StateEstablished {
		return 0, fmt.Errorf("state %s: %w", s.state, session.ErrIllegalState)
	}
	if s.replaying {
		return 0, ErrReplayInProgress
	}
	seqNo := s.seq.NextSentSeqNo
	next := s.seq
	next.NextSentSeqNo = seqNo + 1
	if err := s.seqs.Save(s.cfg.Key, next); err != nil {
		return 0, fmt.Errorf("persist sequence advance: %w", err)
	}
	claim, err := s.pub.TryClaim(BusinessFrameOverhead + len(payload))
	if err != nil {
		return 0, err
	}
	bh := BusinessHeader{UUID: s.seq.UUID, SeqNo: seqNo}
	if _, err := EncodeBusiness(claim.Buffer(), templateID, &bh, payload); err != nil {
		claim.Abort()
		return 0, err
	}
	claim.Commit()
	s.seq = next
	s.afterSend(nowMs)
	return seqNo, nil
}

// -------------------------------------------------------------------------
// Inbound
// -------------------------------------------------------------------------

// OnFrame processes one complete inbound SBE frame.
func (s *Session) OnFrame(nowMs int64, buf []byte) error {
	if s.state == StateUnbound {
		return session.ErrUnknownSession
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		s.metrics.IncProtocolErrors(s.cfg.Key.String(), "parse")
		s.logger.Warn("malformed frame", slog.String("error", err.Error()))
		s.startTerminate(nowMs, "malformed message", 0, session.ReasonProtocolViolation)
		return err
	}

	// Any inbound frame proves link liveness: the receive deadline and
	// the lapsed warning both reset, including for a Lapsed Sequence.
	s.nextReceiveDeadline = nowMs + s.keepAliveMs
	s.lapsedWarningSent = false
	s.metrics.IncMessagesReceived(protocolName, s.cfg.Key.String())

	if IsBusiness(h.TemplateID) {
		return s.onBusiness(nowMs, h, buf)
	}

	switch h.TemplateID {
	case TemplateNegotiateResponse:
		return s.onNegotiateResponse(nowMs, buf)
	case TemplateNegotiateReject:
		return s.onReject(nowMs, buf, ErrNegotiateRejected)
	case TemplateEstablishmentAck:
		return s.onEstablishmentAck(nowMs, buf)
	case TemplateEstablishmentReject:
		return s.onReject(nowMs, buf, ErrEstablishmentRejected)
	case TemplateSequence:
		return s.onSequence(nowMs, buf)
	case TemplateTerminate:
		return s.onTerminate(nowMs, buf)
	case TemplateRetransmission:
		s.rc.onAccepted()
		return nil
	case TemplateRetransmitReject:
		return s.onRetransmitReject(nowMs, buf)
	case TemplateNotApplied:
		return s.onNotApplied(nowMs, buf)
	default:
		s.logger.Debug("ignoring unknown template", slog.Int("template_id", int(h.TemplateID)))
		return nil
	}
}

// onNegotiateResponse completes negotiation and sends Establish.
func (s *Session) onNegotiateResponse(nowMs int64, buf []byte) error {
	if s.state != StateSentNegotiate {
		return nil
	}
	m, _ := DecodeNegotiateResponse(buf)
	if m.UUID != s.seq.UUID {
		s.logger.Warn("negotiate response for foreign uuid", slog.Uint64("uuid", m.UUID))
		return nil
	}
	s.requestRetried = false
	s.transition(StateNegotiated)
	return nil
}

// onReject fails the handshake: surface, persist, disconnect.
func (s *Session) onReject(nowMs int64, buf []byte, failure error) error {
	m, _ := DecodeReject(buf)
	err := fmt.Errorf("%s (codes %d): %w", m.Reason, m.ErrorCodes, failure)
	s.logger.Error("handshake rejected", slog.String("error", err.Error()))
	s.handler.OnError(s.id, err)
	s.disconnect(session.ReasonAuthenticationFailure)
	return err
}

// onEstablishmentAck completes the handshake and records gaps for both
// the current and the previous epoch.
func (s *Session) onEstablishmentAck(nowMs int64, buf []byte) error {
	if s.state != StateSentEstablish {
		return nil
	}
	m, _ := DecodeEstablishmentAck(buf)

	if m.KeepAliveInterval > 0 && int64(m.KeepAliveInterval) < s.keepAliveMs {
		s.keepAliveMs = int64(m.KeepAliveInterval)
	}
	s.nextSendDeadline = nowMs + s.keepAliveMs
	s.nextReceiveDeadline = nowMs + s.keepAliveMs
	s.transition(StateEstablished)

	// Gap in the current epoch: the peer will next send NextSeqNo, so
	// everything from our watermark up to it is missing.
	if m.NextSeqNo > s.seq.NextRecvSeqNo {
		s.rc.onGap(s.seq.NextRecvSeqNo, m.NextSeqNo-s.seq.NextRecvSeqNo, s.seq.UUID)
		s.seq.NextRecvSeqNo = m.NextSeqNo
	}

	// Cross-epoch gap: the peer sent through PreviousSeqNo on the
	// previous uuid but we only received up to prevNextRecv-1.
	if m.PreviousUUID != 0 && m.PreviousUUID == s.seq.LastUUID &&
		s.prevNextRecv > 0 && m.PreviousSeqNo >= s.prevNextRecv {
		s.rc.onGap(s.prevNextRecv, m.PreviousSeqNo-s.prevNextRecv+1, m.PreviousUUID)
	}

	if err := s.seqs.Save(s.cfg.Key, s.seq); err != nil {
		s.logger.Error("sequence save failed", slog.String("error", err.Error()))
	}
	s.handler.OnSessionReady(s.id)
	s.pollRetransmit(nowMs)
	return nil
}

// onSequence applies a keepalive / gap-fill Sequence message.
func (s *Session) onSequence(nowMs int64, buf []byte) error {
	m, _ := DecodeSequence(buf)

	// A peer-lapsed Sequence is a must-reply: answer NotLapsed now.
	if m.KeepAliveLapsed == KeepAliveLapsed {
		s.pendingNotLapsedReply = true
		s.flushPending(nowMs)
	}

	if s.state != StateEstablished {
		return nil
	}

	// During retransmission, a Sequence at the fill watermark gap-fills
	// the remainder of the batch.
	if s.rc.isFillBoundary(m.NextSeqNo) {
		s.rc.completeByGapFill()
		s.pollRetransmit(nowMs)
		return nil
	}

	switch {
	case m.NextSeqNo > s.seq.NextRecvSeqNo:
		s.rc.onGap(s.seq.NextRecvSeqNo, m.NextSeqNo-s.seq.NextRecvSeqNo, s.seq.UUID)
		s.seq.NextRecvSeqNo = m.NextSeqNo
		s.pollRetransmit(nowMs)
	case m.NextSeqNo < s.seq.NextRecvSeqNo:
		// The peer rewound its stream: fatal. The persisted watermark
		// is left untouched.
		s.metrics.IncProtocolErrors(s.cfg.Key.String(), "low_seq")
		s.logger.Error("sequence below expected",
			slog.Uint64("peer_next", m.NextSeqNo),
			slog.Uint64("expected", s.seq.NextRecvSeqNo),
		)
		s.startTerminate(nowMs, "sequence number too low", 0, session.ReasonProtocolViolation)
		return fmt.Errorf("peer next %d below expected %d: %w",
			m.NextSeqNo, s.seq.NextRecvSeqNo, session.ErrProtocolViolation)
	}
	return nil
}

// onTerminate handles the peer's Terminate, echoing as required.
func (s *Session) onTerminate(nowMs int64, buf []byte) error {
	m, _ := DecodeTerminate(buf)

	if s.state == StateUnbinding {
		// Our Terminate was answered; the exchange is complete.
		s.disconnect(s.disconnectReason)
		return nil
	}

	var surfaced error
	if m.UUID != s.seq.UUID {
		// Echo with the correct local uuid and surface the anomaly.
		surfaced = session.InvalidUUIDError(m.UUID)
		s.handler.OnError(s.id, surfaced)
		s.metrics.IncProtocolErrors(s.cfg.Key.String(), "invalid_uuid")
	}

	s.logger.Info("peer initiated terminate", slog.String("reason", m.Reason))
	s.disconnectReason = session.ReasonTerminate
	s.disconnectAfterSend = true
	if s.sendTerminate(nowMs, "", 0) {
		s.disconnect(session.ReasonTerminate)
	} else {
		s.pendingTerminate = true
		s.terminateReason = ""
		s.terminateCodes = 0
	}
	return surfaced
}

// onRetransmitReject skips the rejected batch and proceeds to the next.
func (s *Session) onRetransmitReject(nowMs int64, buf []byte) error {
	m, _ := DecodeReject(buf)
	skipped := s.rc.onReject()
	s.logger.Warn("retransmit rejected, skipping batch",
		slog.String("reason", m.Reason),
		slog.Uint64("from", skipped.from),
		slog.Uint64("count", skipped.count),
	)
	s.handler.OnRetransmitReject(s.id, m.Reason, skipped.from, skipped.count, m.ErrorCodes)
	s.pollRetransmit(nowMs)
	return nil
}

// onNotApplied resolves a peer-detected gap in our outbound stream.
func (s *Session) onNotApplied(nowMs int64, buf []byte) error {
	m, _ := DecodeNotApplied(buf)

	if s.replaying {
		// A second NotApplied while the first replay drains is not
		// queued; sends are already locked out, so the peer cannot see
		// further gaps from us.
		err := fmt.Errorf("NotApplied during replay: %w", session.ErrIllegalState)
		s.handler.OnError(s.id, err)
		return err
	}

	action := s.handler.OnNotApplied(s.id, m.FromSeqNo, m.MsgCount)
	if action == session.ActionRetransmit && s.cfg.Replay != nil {
		s.logger.Info("replaying not-applied range",
			slog.Uint64("from", m.FromSeqNo),
			slog.Uint64("count", m.MsgCount),
		)
		s.replaying = true
		s.replayFrom = m.FromSeqNo
		s.replayRemaining = m.MsgCount
		s.pollReplay(nowMs)
		return nil
	}

	// Gap fill: advance the outbound stream past the hole and tell the
	// peer with a Sequence message.
	target := m.FromSeqNo + m.MsgCount
	if target > s.seq.NextSentSeqNo {
		s.seq.NextSentSeqNo = target
		if err := s.seqs.Save(s.cfg.Key, s.seq); err != nil {
			s.logger.Error("sequence save failed", slog.String("error", err.Error()))
		}
	}
	s.pendingGapFillSeq = true
	s.flushPending(nowMs)
	return nil
}

// onBusiness polices and delivers one business message.
func (s *Session) onBusiness(nowMs int64, h Header, buf []byte) error {
	bh, payload, err := DecodeBusinessHeader(buf, h)
	if err != nil {
		s.metrics.IncProtocolErrors(s.cfg.Key.String(), "parse")
		return err
	}

	if bh.PossRetrans {
		deliver, done := s.rc.onRetransMessage(bh.SeqNo)
		if deliver {
			s.handler.OnMessage(s.id, bh.SeqNo, h.TemplateID, payload)
		}
		if done {
			s.pollRetransmit(nowMs)
		}
		return nil
	}

	switch {
	case bh.SeqNo == s.seq.NextRecvSeqNo:
		s.seq.NextRecvSeqNo++
		s.handler.OnMessage(s.id, bh.SeqNo, h.TemplateID, payload)
	case bh.SeqNo > s.seq.NextRecvSeqNo:
		// The triggering message is live and delivered; the hole below
		// it is batched for retransmission.
		s.rc.onGap(s.seq.NextRecvSeqNo, bh.SeqNo-s.seq.NextRecvSeqNo, s.seq.UUID)
		s.seq.NextRecvSeqNo = bh.SeqNo + 1
		s.handler.OnMessage(s.id, bh.SeqNo, h.TemplateID, payload)
		s.pollRetransmit(nowMs)
	default:
		s.metrics.IncProtocolErrors(s.cfg.Key.String(), "low_seq")
		s.logger.Error("business message below expected",
			slog.Uint64("seq", bh.SeqNo),
			slog.Uint64("expected", s.seq.NextRecvSeqNo),
		)
		s.startTerminate(nowMs, "sequence number too low", 0, session.ReasonProtocolViolation)
		return fmt.Errorf("seq %d below expected %d: %w",
			bh.SeqNo, s.seq.NextRecvSeqNo, session.ErrProtocolViolation)
	}
	return nil
}

// -------------------------------------------------------------------------
// Shutdown
// -------------------------------------------------------------------------

// startTerminate begins a locally initiated terminate exchange.
func (s *Session) startTerminate(nowMs int64, reason string, codes uint16, dreason session.DisconnectReason) int {
	if s.state == StateUnbinding || s.state == StateUnbound {
		return 0
	}
	s.disconnectReason = dreason
	if !s.sendTerminate(nowMs, reason, codes) {
		s.pendingTerminate = true
		s.terminateReason = reason
		s.terminateCodes = codes
		s.disconnectAfterSend = false
		s.terminateSentMs = nowMs
		s.transition(StateUnbinding)
		return 0
	}
	s.terminateSentMs = nowMs
	s.transition(StateUnbinding)
	return 1
}

// RequestShutdown asks the session to terminate gracefully. Called by
// the engine during drain; idempotent.
func (s *Session) RequestShutdown(nowMs int64) {
	switch s.state {
	case StateConnected, StateSentNegotiate, StateNegotiated, StateSentEstablish:
		s.disconnect(session.ReasonEngineClose)
	case StateEstablished:
		s.startTerminate(nowMs, "engine shutdown", 0, session.ReasonEngineClose)
	case StateUnbinding, StateUnbound:
	}
}

// OnTransportDisconnect records an abrupt transport loss.
func (s *Session) OnTransportDisconnect() {
	if s.state == StateUnbound {
		return
	}
	s.disconnect(session.ReasonRemoteDisconnect)
}

// disconnect persists the final sequence state and goes terminal.
func (s *Session) disconnect(reason session.DisconnectReason) {
	if s.state == StateUnbound {
		return
	}
	if reason == 0 {
		reason = session.ReasonTerminate
	}
	if err := s.seqs.Save(s.cfg.Key, s.seq); err != nil {
		s.logger.Error("final sequence save failed", slog.String("error", err.Error()))
	}
	s.transition(StateUnbound)
	s.logger.Info("session unbound", slog.String("reason", reason.String()))
	if !s.notified {
		s.notified = true
		s.handler.OnDisconnect(s.id, reason)
	}
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
