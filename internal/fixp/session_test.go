package fixp_test

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/renanleonellocastro/artio/internal/fixp"
	"github.com/renanleonellocastro/artio/internal/session"
	"github.com/renanleonellocastro/artio/internal/store"
)

// recordingHandler captures every callback for assertions.
type recordingHandler struct {
	messages    []uint64
	ready       bool
	disconnects []session.DisconnectReason
	errs        []error
}

func (h *recordingHandler) OnMessage(_ session.ID, seqNo uint64, _ uint16, _ []byte) {
	h.messages = append(h.messages, seqNo)
}

func (h *recordingHandler) OnNotApplied(session.ID, uint64, uint64) session.NotAppliedAction {
	return session.ActionGapFill
}

func (h *recordingHandler) OnRetransmitReject(session.ID, string, uint64, uint64, uint16) {}

func (h *recordingHandler) OnSessionReady(session.ID) { h.ready = true }

func (h *recordingHandler) OnDisconnect(_ session.ID, reason session.DisconnectReason) {
	h.disconnects = append(h.disconnects, reason)
}

func (h *recordingHandler) OnError(_ session.ID, err error) { h.errs = append(h.errs, err) }

// fixture bundles one initiator session with its collaborators.
type fixture struct {
	t       *testing.T
	sess    *fixp.Session
	pub     *session.Publication
	handler *recordingHandler
	peer    *fixp.Encoder
	peerSeq uint64
}

// newFixture builds an initiator session and its peer-side encoder.
func newFixture(t *testing.T, cfg fixp.Config) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	seqs, err := store.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	pub, err := session.NewPublication(1 << 16)
	if err != nil {
		t.Fatalf("NewPublication: %v", err)
	}
	handler := &recordingHandler{}

	sess, err := fixp.NewSession(1, cfg, session.NewSequenceState(), pub, seqs, handler, session.NoopMetrics{}, logger)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	peerKey := session.CompositeKey{
		SenderCompID:     cfg.Key.TargetCompID,
		SenderSubID:      cfg.Key.SenderSubID,
		SenderLocationID: cfg.Key.SenderLocationID,
		TargetCompID:     cfg.Key.SenderCompID,
	}
	return &fixture{
		t:       t,
		sess:    sess,
		pub:     pub,
		handler: handler,
		peer:    fixp.NewEncoder("FIX.4.4", peerKey),
		peerSeq: 1,
	}
}

// initiatorConfig returns a default initiator configuration.
func initiatorConfig() fixp.Config {
	return fixp.Config{
		Key: session.CompositeKey{
			SenderCompID: "ARTIO",
			TargetCompID: "BANK",
		},
		Role:                       fixp.RoleInitiator,
		BeginString:                "FIX.4.4",
		HeartbeatInterval:          30 * time.Second,
		ReasonableTransmissionTime: 2 * time.Second,
		ReplyTimeout:               10 * time.Second,
	}
}

// outbound drains and parses everything the session published.
func (f *fixture) outbound() []fixp.Message {
	f.t.Helper()
	var out []fixp.Message
	f.pub.Poll(func(frame []byte) {
		m, _, err := fixp.ParseFrame(bytes.Clone(frame))
		if err != nil {
			f.t.Fatalf("outbound frame unparseable: %v", err)
		}
		out = append(out, m)
	})
	return out
}

// deliver feeds one peer frame into the session.
func (f *fixture) deliver(nowMs int64, frame []byte) error {
	f.t.Helper()
	return f.sess.OnFrame(nowMs, frame)
}

// activate completes the logon exchange and returns the time used.
func (f *fixture) activate(nowMs int64) int64 {
	f.t.Helper()
	f.sess.Poll(nowMs)
	msgs := f.outbound()
	if len(msgs) != 1 || msgs[0].MsgType != fixp.MsgTypeLogon {
		f.t.Fatalf("expected initiator Logon, got %+v", msgs)
	}
	reply := f.peer.Logon(f.peerSeq, nowMs, fixp.LogonFields{HeartBtIntSecs: 30})
	f.peerSeq++
	if err := f.deliver(nowMs, reply); err != nil {
		f.t.Fatalf("logon reply: %v", err)
	}
	if f.sess.State() != fixp.StateActive {
		f.t.Fatalf("state = %s, want Active", f.sess.State())
	}
	return nowMs
}

// TestInitiatorLogonHandshake covers the Connected -> SentLogon ->
// Active path and the ready callback.
func TestInitiatorLogonHandshake(t *testing.T) {
	t.Parallel()

	f := newFixture(t, initiatorConfig())
	now := int64(1_000)

	f.sess.Poll(now)
	if f.sess.State() != fixp.StateSentLogon {
		t.Fatalf("state = %s, want SentLogon", f.sess.State())
	}
	msgs := f.outbound()
	if len(msgs) != 1 || msgs[0].MsgType != fixp.MsgTypeLogon || msgs[0].MsgSeqNum != 1 {
		t.Fatalf("first frame = %+v", msgs)
	}

	reply := f.peer.Logon(1, now, fixp.LogonFields{HeartBtIntSecs: 30})
	if err := f.deliver(now, reply); err != nil {
		t.Fatalf("deliver logon: %v", err)
	}
	if f.sess.State() != fixp.StateActive {
		t.Fatalf("state = %s, want Active", f.sess.State())
	}
	if !f.handler.ready {
		t.Error("OnSessionReady not fired")
	}
}

// TestAcceptorMirrorsLogon verifies the acceptor replies with a Logon
// carrying the negotiated (minimum) heartbeat interval.
func TestAcceptorMirrorsLogon(t *testing.T) {
	t.Parallel()

	cfg := initiatorConfig()
	cfg.Role = fixp.RoleAcceptor
	cfg.HeartbeatInterval = 60 * time.Second
	f := newFixture(t, cfg)
	now := int64(1_000)

	// Peer requests a shorter interval than configured: min wins.
	logon := f.peer.Logon(1, now, fixp.LogonFields{HeartBtIntSecs: 20})
	if err := f.deliver(now, logon); err != nil {
		t.Fatalf("deliver logon: %v", err)
	}
	if f.sess.State() != fixp.StateActive {
		t.Fatalf("state = %s, want Active", f.sess.State())
	}
	msgs := f.outbound()
	if len(msgs) != 1 || msgs[0].MsgType != fixp.MsgTypeLogon {
		t.Fatalf("reply = %+v", msgs)
	}
	if msgs[0].HeartBtIntSecs != 20 {
		t.Errorf("negotiated heartbeat %ds, want 20s", msgs[0].HeartBtIntSecs)
	}
	if !f.handler.ready {
		t.Error("OnSessionReady not fired")
	}
}

// TestHeartbeatEmission verifies a Heartbeat goes out once the interval
// elapses with no other traffic.
func TestHeartbeatEmission(t *testing.T) {
	t.Parallel()

	f := newFixture(t, initiatorConfig())
	now := f.activate(1_000)

	f.sess.Poll(now + 29_000)
	if msgs := f.outbound(); len(msgs) != 0 {
		t.Fatalf("premature traffic: %+v", msgs)
	}

	f.sess.Poll(now + 30_000)
	msgs := f.outbound()
	if len(msgs) != 1 || msgs[0].MsgType != fixp.MsgTypeHeartbeat {
		t.Fatalf("want one Heartbeat, got %+v", msgs)
	}
}

// TestTestRequestEcho verifies an inbound TestRequest is answered with a
// Heartbeat echoing the TestReqID.
func TestTestRequestEcho(t *testing.T) {
	t.Parallel()

	f := newFixture(t, initiatorConfig())
	now := f.activate(1_000)

	tr := f.peer.TestRequest(f.peerSeq, now, "ALIVE?")
	f.peerSeq++
	if err := f.deliver(now, tr); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	msgs := f.outbound()
	if len(msgs) != 1 || msgs[0].MsgType != fixp.MsgTypeHeartbeat || msgs[0].TestReqID != "ALIVE?" {
		t.Fatalf("want echoing Heartbeat, got %+v", msgs)
	}
}

// TestSilenceProbesThenLogsOut verifies the probe-then-logout ladder:
// silence past interval+grace emits a TestRequest; another interval of
// silence starts the logout.
func TestSilenceProbesThenLogsOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t, initiatorConfig())
	now := f.activate(1_000)

	// Past heartbeat + reasonable transmission time: probe.
	f.sess.Poll(now + 32_100)
	var sawTestRequest bool
	for _, m := range f.outbound() {
		if m.MsgType == fixp.MsgTypeTestRequest {
			sawTestRequest = true
		}
	}
	if !sawTestRequest {
		t.Fatal("no TestRequest after silence window")
	}

	// A full further interval of silence: Logout.
	f.sess.Poll(now + 62_200)
	var sawLogout bool
	for _, m := range f.outbound() {
		if m.MsgType == fixp.MsgTypeLogout {
			sawLogout = true
		}
	}
	if !sawLogout {
		t.Fatal("no Logout after extended silence")
	}
	if f.sess.State() != fixp.StateAwaitingLogout {
		t.Fatalf("state = %s, want AwaitingLogout", f.sess.State())
	}
}

// TestSequenceGapTriggersResendRequest verifies seq > expected sends a
// ResendRequest for exactly the missing range.
func TestSequenceGapTriggersResendRequest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, initiatorConfig())
	now := f.activate(1_000)

	// Peer jumps from 2 to 5: missing 2,3,4.
	hb := f.peer.Heartbeat(5, now, "")
	if err := f.deliver(now, hb); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	msgs := f.outbound()
	if len(msgs) != 1 || msgs[0].MsgType != fixp.MsgTypeResendRequest {
		t.Fatalf("want ResendRequest, got %+v", msgs)
	}
	if msgs[0].BeginSeqNo != 2 || msgs[0].EndSeqNo != 4 {
		t.Errorf("range [%d,%d], want [2,4]", msgs[0].BeginSeqNo, msgs[0].EndSeqNo)
	}
}

// TestLowSeqNonPossDupIsFatal verifies the MsgSeqNumTooLow logout path
// completes within one poll cycle.
func TestLowSeqNonPossDupIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, initiatorConfig())
	now := f.activate(1_000)

	// Advance expected to 3.
	for seq := uint64(2); seq <= 2; seq++ {
		if err := f.deliver(now, f.peer.Heartbeat(seq, now, "")); err != nil {
			t.Fatalf("deliver seq %d: %v", seq, err)
		}
	}
	f.outbound()

	// Re-send seq 2 without PossDup: fatal.
	err := f.deliver(now, f.peer.Heartbeat(2, now, ""))
	if !errors.Is(err, session.ErrProtocolViolation) {
		t.Fatalf("want protocol violation, got %v", err)
	}
	msgs := f.outbound()
	if len(msgs) != 1 || msgs[0].MsgType != fixp.MsgTypeLogout {
		t.Fatalf("want Logout, got %+v", msgs)
	}
	if f.sess.State() != fixp.StateAwaitingLogout {
		t.Fatalf("state = %s, want AwaitingLogout", f.sess.State())
	}
}

// TestLowSeqPossDupAccepted verifies a PossDup replay below the
// watermark is accepted idempotently without advancing.
func TestLowSeqPossDupAccepted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, initiatorConfig())
	now := f.activate(1_000)

	if err := f.deliver(now, f.peer.Heartbeat(2, now, "")); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	// A gap-fill SequenceReset below the watermark carries PossDup.
	if err := f.deliver(now, f.peer.SequenceReset(1, now, 2, true)); err != nil {
		t.Fatalf("possdup replay rejected: %v", err)
	}
	if f.sess.State() != fixp.StateActive {
		t.Fatalf("state = %s, want Active", f.sess.State())
	}
	if got := f.sess.SequenceState().NextRecvSeqNo; got != 3 {
		t.Errorf("NextRecvSeqNo = %d, want 3", got)
	}
}

// TestSequenceResetForwardAndRejectBelow covers both reset directions.
func TestSequenceResetForwardAndRejectBelow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, initiatorConfig())
	now := f.activate(1_000)

	// Forward reset is applied.
	if err := f.deliver(now, f.peer.SequenceReset(0, now, 50, false)); err != nil {
		t.Fatalf("forward reset: %v", err)
	}
	if got := f.sess.SequenceState().NextRecvSeqNo; got != 50 {
		t.Fatalf("NextRecvSeqNo = %d, want 50", got)
	}
	f.outbound()

	// Rewind without authorisation is rejected.
	err := f.deliver(now, f.peer.SequenceReset(0, now, 10, false))
	if !errors.Is(err, session.ErrProtocolViolation) {
		t.Fatalf("want protocol violation, got %v", err)
	}
	msgs := f.outbound()
	if len(msgs) != 1 || msgs[0].MsgType != fixp.MsgTypeReject {
		t.Fatalf("want Reject, got %+v", msgs)
	}
	if got := f.sess.SequenceState().NextRecvSeqNo; got != 50 {
		t.Errorf("NextRecvSeqNo moved to %d after rejected rewind", got)
	}
}

// TestPeerResendRequestGapFilled verifies an inbound ResendRequest is
// answered with a PossDup gap-fill SequenceReset.
func TestPeerResendRequestGapFilled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, initiatorConfig())
	now := f.activate(1_000)

	rr := f.peer.ResendRequest(f.peerSeq, now, 1, 0)
	f.peerSeq++
	if err := f.deliver(now, rr); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	msgs := f.outbound()
	if len(msgs) != 1 || msgs[0].MsgType != fixp.MsgTypeSequenceReset {
		t.Fatalf("want SequenceReset, got %+v", msgs)
	}
	if !msgs[0].GapFillFlag || !msgs[0].PossDup {
		t.Error("gap fill must carry GapFillFlag and PossDup")
	}
	if msgs[0].MsgSeqNum != 1 {
		t.Errorf("gap fill at seq %d, want 1", msgs[0].MsgSeqNum)
	}
	if msgs[0].NewSeqNo != f.sess.SequenceState().NextSentSeqNo {
		t.Errorf("NewSeqNo = %d, want %d", msgs[0].NewSeqNo, f.sess.SequenceState().NextSentSeqNo)
	}
}

// TestLogoutExchange verifies the peer-initiated logout is answered and
// the session goes terminal with the final state persisted.
func TestLogoutExchange(t *testing.T) {
	t.Parallel()

	f := newFixture(t, initiatorConfig())
	now := f.activate(1_000)

	lo := f.peer.Logout(f.peerSeq, now, "done for today")
	f.peerSeq++
	if err := f.deliver(now, lo); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	msgs := f.outbound()
	if len(msgs) != 1 || msgs[0].MsgType != fixp.MsgTypeLogout {
		t.Fatalf("want Logout reply, got %+v", msgs)
	}
	if !f.sess.Terminal() {
		t.Fatal("session not terminal after logout exchange")
	}
	if len(f.handler.disconnects) != 1 || f.handler.disconnects[0] != session.ReasonLogout {
		t.Errorf("disconnects = %v", f.handler.disconnects)
	}
}

// TestLocalLogoutTimeout verifies an unanswered local Logout disconnects
// after the heartbeat interval.
func TestLocalLogoutTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, initiatorConfig())
	now := f.activate(1_000)

	f.sess.RequestShutdown(now)
	if f.sess.State() != fixp.StateAwaitingLogout {
		t.Fatalf("state = %s, want AwaitingLogout", f.sess.State())
	}
	f.outbound()

	f.sess.Poll(now + 30_000)
	if !f.sess.Terminal() {
		t.Fatal("session not terminal after logout timeout")
	}
}

// TestBusinessMessageDelivery verifies in-sequence business messages
// reach the handler in wire order.
func TestBusinessMessageDelivery(t *testing.T) {
	t.Parallel()

	f := newFixture(t, initiatorConfig())
	now := f.activate(1_000)

	// A business frame is any non-admin MsgType; build one by hand from
	// the peer side using an order-entry type.
	for seq := uint64(2); seq <= 4; seq++ {
		frame := buildBusinessFrame(t, f.peer, seq, now)
		if err := f.deliver(now, frame); err != nil {
			t.Fatalf("deliver seq %d: %v", seq, err)
		}
	}
	want := []uint64{2, 3, 4}
	if len(f.handler.messages) != len(want) {
		t.Fatalf("delivered %v, want %v", f.handler.messages, want)
	}
	for i, seq := range want {
		if f.handler.messages[i] != seq {
			t.Errorf("message %d has seq %d, want %d", i, f.handler.messages[i], seq)
		}
	}
}

// TestClaimBusinessAssignsMonotoneSequences verifies consecutive claims
// carry consecutive sequence numbers.
func TestClaimBusinessAssignsMonotoneSequences(t *testing.T) {
	t.Parallel()

	f := newFixture(t, initiatorConfig())
	now := f.activate(1_000)
	f.outbound()

	var prev uint64
	for i := 0; i < 5; i++ {
		claim, seqNo, err := f.sess.ClaimBusiness(now, 16)
		if err != nil {
			t.Fatalf("ClaimBusiness: %v", err)
		}
		claim.Commit()
		if prev != 0 && seqNo != prev+1 {
			t.Fatalf("seq %d after %d", seqNo, prev)
		}
		prev = seqNo
	}
}

// buildBusinessFrame fabricates a peer business message (NewOrderSingle)
// with the given sequence number. The session layer treats the type
// opaquely; only the header fields matter here.
func buildBusinessFrame(t *testing.T, _ *fixp.Encoder, seq uint64, nowMs int64) []byte {
	t.Helper()
	// Hand-rolled: header fields in conventional order with a D MsgType.
	body := "35=D\x0134=" + uitoa(seq) + "\x0149=BANK\x0156=ARTIO\x0152=" +
		time.UnixMilli(nowMs).UTC().Format("20060102-15:04:05.000") + "\x0111=ORD1\x01"
	head := "8=FIX.4.4\x019=" + uitoa(uint64(len(body))) + "\x01"
	full := head + body
	var sum uint32
	for _, c := range []byte(full) {
		sum += uint32(c)
	}
	sum %= 256
	return []byte(full + "10=" + pad3(sum) + "\x01")
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for v > 0 {
		i--
		b[i] = byte('0' + v%10)
		v /= 10
	}
	return string(b[i:])
}

func pad3(v uint32) string {
	return string([]byte{byte('0' + v/100), byte('0' + v/10%10), byte('0' + v%10)})
}
