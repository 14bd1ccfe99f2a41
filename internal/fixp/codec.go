// Package fixp implements the FIX session layer: the tag=value codec for
// administrative messages and the per-connection state machine driving
// logon, heartbeating, sequence policing, resend requests and logout.
package fixp

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/renanleonellocastro/artio/internal/session"
)

// -------------------------------------------------------------------------
// Wire constants
// -------------------------------------------------------------------------

// soh is the FIX field delimiter.
const soh = 0x01

// Session-administration message types.
const (
	MsgTypeHeartbeat     = "0"
	MsgTypeTestRequest   = "1"
	MsgTypeResendRequest = "2"
	MsgTypeReject        = "3"
	MsgTypeSequenceReset = "4"
	MsgTypeLogout        = "5"
	MsgTypeLogon         = "A"
)

// Tags used by the session layer.
const (
	tagBeginString      = 8
	tagBodyLength       = 9
	tagCheckSum         = 10
	tagMsgSeqNum        = 34
	tagMsgType          = 35
	tagNewSeqNo         = 36
	tagPossDupFlag      = 43
	tagRefSeqNum        = 45
	tagSenderCompID     = 49
	tagSendingTime      = 52
	tagTargetCompID     = 56
	tagText             = 58
	tagSenderSubID      = 50
	tagSenderLocationID = 142
	tagBeginSeqNo       = 7
	tagEndSeqNo         = 16
	tagEncryptMethod    = 98
	tagHeartBtInt       = 108
	tagTestReqID        = 112
	tagGapFillFlag      = 123
	tagResetSeqNumFlag  = 141
	tagLastMsgSeqNumProcessed = 369
	tagUsername         = 553
	tagPassword         = 554
)

// sendingTimeLayout is the UTCTimestamp format with milliseconds.
const sendingTimeLayout = "20060102-15:04:05.000"

// Codec errors. All except ErrIncompleteFrame wrap
// session.ErrProtocolViolation so the session can classify them uniformly.
var (
	// ErrIncompleteFrame indicates the buffer ends before the frame does.
	// Not a violation — the transport simply has more bytes to deliver.
	ErrIncompleteFrame = errors.New("incomplete FIX frame")

	// ErrBadBeginString indicates the frame does not open with 8=FIX.
	ErrBadBeginString = fmt.Errorf("bad BeginString: %w", session.ErrProtocolViolation)

	// ErrBadBodyLength indicates a missing or non-numeric BodyLength.
	ErrBadBodyLength = fmt.Errorf("bad BodyLength: %w", session.ErrProtocolViolation)

	// ErrBadCheckSum indicates the trailer checksum does not match.
	ErrBadCheckSum = fmt.Errorf("bad CheckSum: %w", session.ErrProtocolViolation)

	// ErrMissingField indicates a mandatory header field is absent.
	ErrMissingField = fmt.Errorf("missing mandatory field: %w", session.ErrProtocolViolation)
)

// -------------------------------------------------------------------------
// Parsed message
// -------------------------------------------------------------------------

// Message is the decoded view of one FIX frame. Only the fields the
// session layer acts on are extracted; business payloads are delivered to
// the application as raw bytes alongside this header view.
type Message struct {
	BeginString string
	MsgType     string
	MsgSeqNum   uint64
	PossDup     bool

	SenderCompID     string
	SenderSubID      string
	SenderLocationID string
	TargetCompID     string
	SendingTime      time.Time

	// Logon
	HeartBtIntSecs  int
	ResetSeqNumFlag bool
	Username        string
	Password        string

	// LastMsgSeqNumProcessed (tag 369), optional feature.
	LastMsgSeqNumProcessed uint64
	HasLastMsgSeqNum       bool

	// Heartbeat / TestRequest
	TestReqID string

	// ResendRequest
	BeginSeqNo uint64
	EndSeqNo   uint64

	// SequenceReset
	NewSeqNo    uint64
	GapFillFlag bool

	// Logout / Reject
	Text      string
	RefSeqNum uint64
}

// Admin reports whether the message type is session administration.
func (m *Message) Admin() bool {
	if len(m.MsgType) != 1 {
		return false
	}
	switch m.MsgType {
	case MsgTypeHeartbeat, MsgTypeTestRequest, MsgTypeResendRequest,
		MsgTypeReject, MsgTypeSequenceReset, MsgTypeLogout, MsgTypeLogon:
		return true
	}
	return false
}

// CompositeKey returns the session identity as seen from the peer's
// header, flipped to the local perspective (their sender is our target).
func (m *Message) CompositeKey() session.CompositeKey {
	return session.CompositeKey{
		SenderCompID:     m.TargetCompID,
		SenderSubID:      m.SenderSubID,
		SenderLocationID: m.SenderLocationID,
		TargetCompID:     m.SenderCompID,
	}
}

// -------------------------------------------------------------------------
// Frame parsing
// -------------------------------------------------------------------------

// ParseFrame decodes one frame from the start of buf and returns the
// message and the total frame length. ErrIncompleteFrame means the caller
// should wait for more bytes; every other error is a protocol violation.
func ParseFrame(buf []byte) (Message, int, error) {
	var msg Message

	// 8=FIX...<SOH>
	begin, next, err := expectField(buf, 0, tagBeginString)
	if err != nil {
		return msg, 0, err
	}
	if len(begin) < 3 || string(begin[:3]) != "FIX" {
		return msg, 0, fmt.Errorf("BeginString %q: %w", begin, ErrBadBeginString)
	}
	msg.BeginString = string(begin)

	// 9=<len><SOH>
	lenField, bodyStart, err := expectField(buf, next, tagBodyLength)
	if err != nil {
		return msg, 0, err
	}
	bodyLen, ok := parseUint(lenField)
	if !ok {
		return msg, 0, fmt.Errorf("BodyLength %q: %w", lenField, ErrBadBodyLength)
	}

	// Body plus 10=NNN<SOH> trailer must be present.
	trailerStart := bodyStart + int(bodyLen)
	frameEnd := trailerStart + 7 // "10=NNN" + SOH
	if len(buf) < frameEnd {
		return msg, 0, ErrIncompleteFrame
	}

	sumField, _, err := expectField(buf, trailerStart, tagCheckSum)
	if err != nil {
		return msg, 0, fmt.Errorf("trailer: %w", ErrBadCheckSum)
	}
	want, ok := parseUint(sumField)
	if !ok || len(sumField) != 3 {
		return msg, 0, fmt.Errorf("CheckSum %q: %w", sumField, ErrBadCheckSum)
	}
	var sum uint32
	for _, b := range buf[:trailerStart] {
		sum += uint32(b)
	}
	if sum%256 != uint32(want) {
		return msg, 0, fmt.Errorf("computed %03d, frame says %03d: %w", sum%256, want, ErrBadCheckSum)
	}

	if err := parseBody(buf[bodyStart:trailerStart], &msg); err != nil {
		return msg, 0, err
	}
	if msg.MsgType == "" || msg.SenderCompID == "" || msg.TargetCompID == "" {
		return msg, 0, fmt.Errorf("MsgType/SenderCompID/TargetCompID: %w", ErrMissingField)
	}
	return msg, frameEnd, nil
}

// parseBody walks tag=value pairs and extracts known fields.
func parseBody(body []byte, msg *Message) error {
	off := 0
	for off < len(body) {
		tag, val, next, err := readField(body, off)
		if err != nil {
			return err
		}
		off = next
		applyField(tag, val, msg)
	}
	return nil
}

// applyField stores a recognized tag into the message. Unknown tags are
// skipped; the session layer is not a validator for business content.
func applyField(tag int, val []byte, msg *Message) {
	switch tag {
	case tagMsgType:
		msg.MsgType = string(val)
	case tagMsgSeqNum:
		msg.MsgSeqNum, _ = parseUint(val)
	case tagPossDupFlag:
		msg.PossDup = len(val) == 1 && val[0] == 'Y'
	case tagSenderCompID:
		msg.SenderCompID = string(val)
	case tagSenderSubID:
		msg.SenderSubID = string(val)
	case tagSenderLocationID:
		msg.SenderLocationID = string(val)
	case tagTargetCompID:
		msg.TargetCompID = string(val)
	case tagSendingTime:
		msg.SendingTime, _ = time.Parse(sendingTimeLayout, string(val))
	case tagHeartBtInt:
		v, _ := parseUint(val)
		msg.HeartBtIntSecs = int(v)
	case tagResetSeqNumFlag:
		msg.ResetSeqNumFlag = len(val) == 1 && val[0] == 'Y'
	case tagUsername:
		msg.Username = string(val)
	case tagPassword:
		msg.Password = string(val)
	case tagLastMsgSeqNumProcessed:
		msg.LastMsgSeqNumProcessed, _ = parseUint(val)
		msg.HasLastMsgSeqNum = true
	case tagTestReqID:
		msg.TestReqID = string(val)
	case tagBeginSeqNo:
		msg.BeginSeqNo, _ = parseUint(val)
	case tagEndSeqNo:
		msg.EndSeqNo, _ = parseUint(val)
	case tagNewSeqNo:
		msg.NewSeqNo, _ = parseUint(val)
	case tagGapFillFlag:
		msg.GapFillFlag = len(val) == 1 && val[0] == 'Y'
	case tagText:
		msg.Text = string(val)
	case tagRefSeqNum:
		msg.RefSeqNum, _ = parseUint(val)
	}
}

// expectField reads one field at off and requires the given tag.
func expectField(buf []byte, off, wantTag int) ([]byte, int, error) {
	tag, val, next, err := readField(buf, off)
	if err != nil {
		return nil, 0, err
	}
	if tag != wantTag {
		return nil, 0, fmt.Errorf("expected tag %d, found %d: %w", wantTag, tag, session.ErrProtocolViolation)
	}
	return val, next, nil
}

// readField reads tag=value<SOH> at off. Returns ErrIncompleteFrame when
// the buffer ends mid-field.
func readField(buf []byte, off int) (int, []byte, int, error) {
	tag := 0
	i := off
	for ; i < len(buf); i++ {
		c := buf[i]
		if c == '=' {
			break
		}
		if c < '0' || c > '9' {
			return 0, nil, 0, fmt.Errorf("byte 0x%02x in tag at offset %d: %w", c, i, session.ErrProtocolViolation)
		}
		tag = tag*10 + int(c-'0')
	}
	if i >= len(buf) {
		return 0, nil, 0, ErrIncompleteFrame
	}
	if i == off {
		return 0, nil, 0, fmt.Errorf("empty tag at offset %d: %w", off, session.ErrProtocolViolation)
	}
	valStart := i + 1
	for i = valStart; i < len(buf); i++ {
		if buf[i] == soh {
			return tag, buf[valStart:i], i + 1, nil
		}
	}
	return 0, nil, 0, ErrIncompleteFrame
}

// parseUint parses an ASCII decimal without allocation.
func parseUint(b []byte) (uint64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	var v uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
	}
	return v, true
}

// -------------------------------------------------------------------------
// Encoder
// -------------------------------------------------------------------------

// Encoder builds FIX frames into an internal scratch buffer that is
// reused across calls. The returned slice is valid until the next encode
// call; callers copy it into a publication claim.
type Encoder struct {
	beginString string
	key         session.CompositeKey
	scratch     []byte
	body        []byte
	pending     []byte
}

// NewEncoder creates an encoder stamping the given BeginString and
// composite key into every header.
func NewEncoder(beginString string, key session.CompositeKey) *Encoder {
	return &Encoder{
		beginString: beginString,
		key:         key,
		scratch:     make([]byte, 0, 512),
		body:        make([]byte, 0, 512),
		pending:     make([]byte, 0, 256),
	}
}

// LogonFields carries the message-specific content of a Logon.
type LogonFields struct {
	HeartBtIntSecs       int
	ResetSeqNum          bool
	Username             string
	Password             string
	LastMsgSeqNum        uint64
	IncludeLastMsgSeqNum bool
}

// Logon encodes a Logon(A) frame.
func (e *Encoder) Logon(seqNum uint64, nowMs int64, f LogonFields) []byte {
	p := e.pending[:0]
	p = appendUintField(p, tagEncryptMethod, 0)
	p = appendUintField(p, tagHeartBtInt, uint64(f.HeartBtIntSecs))
	if f.ResetSeqNum {
		p = appendBoolField(p, tagResetSeqNumFlag, true)
	}
	if f.Username != "" {
		p = appendField(p, tagUsername, f.Username)
	}
	if f.Password != "" {
		p = appendField(p, tagPassword, f.Password)
	}
	if f.IncludeLastMsgSeqNum {
		p = appendUintField(p, tagLastMsgSeqNumProcessed, f.LastMsgSeqNum)
	}
	e.pending = p
	return e.assemble(MsgTypeLogon, seqNum, nowMs, false)
}

// Heartbeat encodes a Heartbeat(0) frame. testReqID is echoed when the
// heartbeat answers a TestRequest.
func (e *Encoder) Heartbeat(seqNum uint64, nowMs int64, testReqID string) []byte {
	p := e.pending[:0]
	if testReqID != "" {
		p = appendField(p, tagTestReqID, testReqID)
	}
	e.pending = p
	return e.assemble(MsgTypeHeartbeat, seqNum, nowMs, false)
}

// TestRequest encodes a TestRequest(1) frame.
func (e *Encoder) TestRequest(seqNum uint64, nowMs int64, testReqID string) []byte {
	p := e.pending[:0]
	p = appendField(p, tagTestReqID, testReqID)
	e.pending = p
	return e.assemble(MsgTypeTestRequest, seqNum, nowMs, false)
}

// ResendRequest encodes a ResendRequest(2) frame for [beginSeqNo, endSeqNo].
func (e *Encoder) ResendRequest(seqNum uint64, nowMs int64, beginSeqNo, endSeqNo uint64) []byte {
	p := e.pending[:0]
	p = appendUintField(p, tagBeginSeqNo, beginSeqNo)
	p = appendUintField(p, tagEndSeqNo, endSeqNo)
	e.pending = p
	return e.assemble(MsgTypeResendRequest, seqNum, nowMs, false)
}

// SequenceReset encodes a SequenceReset(4) frame. Gap-fill replies to a
// ResendRequest carry PossDup per the FIX session rules.
func (e *Encoder) SequenceReset(seqNum uint64, nowMs int64, newSeqNo uint64, gapFill bool) []byte {
	p := e.pending[:0]
	if gapFill {
		p = appendBoolField(p, tagGapFillFlag, true)
	}
	p = appendUintField(p, tagNewSeqNo, newSeqNo)
	e.pending = p
	return e.assemble(MsgTypeSequenceReset, seqNum, nowMs, gapFill)
}

// Logout encodes a Logout(5) frame with an optional reason text.
func (e *Encoder) Logout(seqNum uint64, nowMs int64, text string) []byte {
	p := e.pending[:0]
	if text != "" {
		p = appendField(p, tagText, text)
	}
	e.pending = p
	return e.assemble(MsgTypeLogout, seqNum, nowMs, false)
}

// Reject encodes a session-level Reject(3) frame.
func (e *Encoder) Reject(seqNum uint64, nowMs int64, refSeqNum uint64, text string) []byte {
	p := e.pending[:0]
	p = appendUintField(p, tagRefSeqNum, refSeqNum)
	if text != "" {
		p = appendField(p, tagText, text)
	}
	e.pending = p
	return e.assemble(MsgTypeReject, seqNum, nowMs, false)
}

// assemble builds header + pending fields + trailer into scratch.
func (e *Encoder) assemble(msgType string, seqNum uint64, nowMs int64, possDup bool) []byte {
	b := e.body[:0]
	b = appendField(b, tagMsgType, msgType)
	b = appendUintField(b, tagMsgSeqNum, seqNum)
	if possDup {
		b = appendField(b, tagPossDupFlag, "Y")
	}
	b = appendField(b, tagSenderCompID, e.key.SenderCompID)
	if e.key.SenderSubID != "" {
		b = appendField(b, tagSenderSubID, e.key.SenderSubID)
	}
	if e.key.SenderLocationID != "" {
		b = appendField(b, tagSenderLocationID, e.key.SenderLocationID)
	}
	b = appendField(b, tagTargetCompID, e.key.TargetCompID)
	b = appendField(b, tagSendingTime, time.UnixMilli(nowMs).UTC().Format(sendingTimeLayout))
	b = append(b, e.pending...)
	e.pending = e.pending[:0]
	e.body = b

	out := e.scratch[:0]
	out = appendField(out, tagBeginString, e.beginString)
	out = appendUintField(out, tagBodyLength, uint64(len(b)))
	out = append(out, b...)

	var sum uint32
	for _, c := range out {
		sum += uint32(c)
	}
	sum %= 256
	out = append(out, '1', '0', '=')
	out = append(out, byte('0'+sum/100), byte('0'+sum/10%10), byte('0'+sum%10))
	out = append(out, soh)
	e.scratch = out
	return out
}

func appendField(b []byte, tag int, val string) []byte {
	b = strconv.AppendInt(b, int64(tag), 10)
	b = append(b, '=')
	b = append(b, val...)
	return append(b, soh)
}

func appendUintField(b []byte, tag int, val uint64) []byte {
	b = strconv.AppendInt(b, int64(tag), 10)
	b = append(b, '=')
	b = strconv.AppendUint(b, val, 10)
	return append(b, soh)
}

func appendBoolField(b []byte, tag int, val bool) []byte {
	if val {
		return appendField(b, tag, "Y")
	}
	return appendField(b, tag, "N")
}
