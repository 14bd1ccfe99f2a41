// Package ilink3 implements the ILink3 initiator session layer: the SBE
// codec for the session templates, the Negotiate/Establish handshake,
// keepalive sequencing, terminate handling and the retransmit engine.
package ilink3

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/renanleonellocastro/artio/internal/session"
)

// -------------------------------------------------------------------------
// SBE framing
// -------------------------------------------------------------------------

// SBE message header: blockLength, templateID, schemaID, version — four
// little-endian uint16 fields.
const sbeHeaderSize = 8

// SchemaID identifies the session-layer schema.
const SchemaID uint16 = 8

// SchemaVersion is the schema version stamped into every header.
const SchemaVersion uint16 = 5

// Session template IDs.
const (
	TemplateNegotiate           uint16 = 500
	TemplateNegotiateResponse   uint16 = 501
	TemplateNegotiateReject     uint16 = 502
	TemplateEstablish           uint16 = 503
	TemplateEstablishmentAck    uint16 = 504
	TemplateEstablishmentReject uint16 = 505
	TemplateSequence            uint16 = 506
	TemplateTerminate           uint16 = 507
	TemplateRetransmitRequest   uint16 = 508
	TemplateRetransmission      uint16 = 509
	TemplateRetransmitReject    uint16 = 510
	TemplateNotApplied          uint16 = 513
)

// businessTemplateBase is the first template ID of business messages.
// Everything at or above it is delivered to the application opaquely.
const businessTemplateBase uint16 = 514

// reasonLen is the fixed width of textual reason fields.
const reasonLen = 48

// accessKeyIDLen and firmIDLen are the fixed credential field widths.
const (
	accessKeyIDLen = 20
	firmIDLen      = 5
)

// KeepAliveLapsed values for the Sequence message.
const (
	KeepAliveNotLapsed uint8 = 0
	KeepAliveLapsed    uint8 = 1
)

// Codec errors.
var (
	// ErrShortBuffer indicates the target buffer cannot hold the frame.
	ErrShortBuffer = errors.New("buffer too small for SBE frame")

	// ErrTruncatedFrame indicates the buffer ends inside the declared
	// message block.
	ErrTruncatedFrame = fmt.Errorf("truncated SBE frame: %w", session.ErrProtocolViolation)

	// ErrBadSchema indicates a header with a foreign schema id.
	ErrBadSchema = fmt.Errorf("unexpected SBE schema: %w", session.ErrProtocolViolation)
)

// Header is the decoded SBE message header.
type Header struct {
	BlockLength uint16
	TemplateID  uint16
	SchemaID    uint16
	Version     uint16
}

// DecodeHeader parses the fixed header at the start of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < sbeHeaderSize {
		return Header{}, fmt.Errorf("%d bytes: %w", len(buf), ErrTruncatedFrame)
	}
	h := Header{
		BlockLength: binary.LittleEndian.Uint16(buf[0:]),
		TemplateID:  binary.LittleEndian.Uint16(buf[2:]),
		SchemaID:    binary.LittleEndian.Uint16(buf[4:]),
		Version:     binary.LittleEndian.Uint16(buf[6:]),
	}
	if h.SchemaID != SchemaID {
		return Header{}, fmt.Errorf("schema %d: %w", h.SchemaID, ErrBadSchema)
	}
	if len(buf) < sbeHeaderSize+int(h.BlockLength) {
		return Header{}, fmt.Errorf("block %d, have %d: %w",
			h.BlockLength, len(buf)-sbeHeaderSize, ErrTruncatedFrame)
	}
	return h, nil
}

// encodeHeader writes the fixed header.
func encodeHeader(buf []byte, blockLength, templateID uint16) {
	binary.LittleEndian.PutUint16(buf[0:], blockLength)
	binary.LittleEndian.PutUint16(buf[2:], templateID)
	binary.LittleEndian.PutUint16(buf[4:], SchemaID)
	binary.LittleEndian.PutUint16(buf[6:], SchemaVersion)
}

// putReason copies a reason string into its fixed-width field, truncating
// or zero-padding as needed.
func putReason(dst []byte, reason string) {
	n := copy(dst, reason)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// reasonString trims the zero padding off a fixed-width reason field.
func reasonString(src []byte) string {
	end := len(src)
	for end > 0 && src[end-1] == 0 {
		end--
	}
	return string(src[:end])
}

// -------------------------------------------------------------------------
// Negotiate 500 / NegotiateResponse 501 / NegotiateReject 502
// -------------------------------------------------------------------------

// Negotiate opens a connection epoch: the initiator proposes the uuid.
type Negotiate struct {
	UUID             uint64
	RequestTimestamp uint64
	AccessKeyID      string
	FirmID           string
}

const negotiateBlockLength = 8 + 8 + accessKeyIDLen + firmIDLen

// NegotiateSize is the full frame size of a Negotiate.
const NegotiateSize = sbeHeaderSize + negotiateBlockLength

// EncodeNegotiate writes m as a complete frame and returns its length.
func EncodeNegotiate(buf []byte, m *Negotiate) (int, error) {
	if len(buf) < NegotiateSize {
		return 0, ErrShortBuffer
	}
	encodeHeader(buf, negotiateBlockLength, TemplateNegotiate)
	b := buf[sbeHeaderSize:]
	binary.LittleEndian.PutUint64(b[0:], m.UUID)
	binary.LittleEndian.PutUint64(b[8:], m.RequestTimestamp)
	putReason(b[16:16+accessKeyIDLen], m.AccessKeyID)
	putReason(b[16+accessKeyIDLen:16+accessKeyIDLen+firmIDLen], m.FirmID)
	return NegotiateSize, nil
}

// DecodeNegotiate parses a Negotiate frame body.
func DecodeNegotiate(buf []byte) (Negotiate, error) {
	b := buf[sbeHeaderSize:]
	return Negotiate{
		UUID:             binary.LittleEndian.Uint64(b[0:]),
		RequestTimestamp: binary.LittleEndian.Uint64(b[8:]),
		AccessKeyID:      reasonString(b[16 : 16+accessKeyIDLen]),
		FirmID:           reasonString(b[16+accessKeyIDLen : 16+accessKeyIDLen+firmIDLen]),
	}, nil
}

// NegotiateResponse acknowledges a Negotiate.
type NegotiateResponse struct {
	UUID             uint64
	RequestTimestamp uint64
}

const negotiateResponseBlockLength = 16

// NegotiateResponseSize is the full frame size of a NegotiateResponse.
const NegotiateResponseSize = sbeHeaderSize + negotiateResponseBlockLength

// EncodeNegotiateResponse writes m as a complete frame.
func EncodeNegotiateResponse(buf []byte, m *NegotiateResponse) (int, error) {
	if len(buf) < NegotiateResponseSize {
		return 0, ErrShortBuffer
	}
	encodeHeader(buf, negotiateResponseBlockLength, TemplateNegotiateResponse)
	b := buf[sbeHeaderSize:]
	binary.LittleEndian.PutUint64(b[0:], m.UUID)
	binary.LittleEndian.PutUint64(b[8:], m.RequestTimestamp)
	return NegotiateResponseSize, nil
}

// DecodeNegotiateResponse parses a NegotiateResponse frame.
func DecodeNegotiateResponse(buf []byte) (NegotiateResponse, error) {
	b := buf[sbeHeaderSize:]
	return NegotiateResponse{
		UUID:             binary.LittleEndian.Uint64(b[0:]),
		RequestTimestamp: binary.LittleEndian.Uint64(b[8:]),
	}, nil
}

// Reject is the shared shape of NegotiateReject, EstablishmentReject and
// RetransmitReject: uuid, timestamp, error codes, textual reason.
type Reject struct {
	UUID             uint64
	RequestTimestamp uint64
	ErrorCodes       uint16
	Reason           string
}

const rejectBlockLength = 8 + 8 + 2 + reasonLen

// RejectSize is the full frame size of any reject template.
const RejectSize = sbeHeaderSize + rejectBlockLength

// EncodeReject writes m under the given reject template id.
func EncodeReject(buf []byte, templateID uint16, m *Reject) (int, error) {
	if len(buf) < RejectSize {
		return 0, ErrShortBuffer
	}
	encodeHeader(buf, rejectBlockLength, templateID)
	b := buf[sbeHeaderSize:]
	binary.LittleEndian.PutUint64(b[0:], m.UUID)
	binary.LittleEndian.PutUint64(b[8:], m.RequestTimestamp)
	binary.LittleEndian.PutUint16(b[16:], m.ErrorCodes)
	putReason(b[18:18+reasonLen], m.Reason)
	return RejectSize, nil
}

// DecodeReject parses any reject-shaped frame.
func DecodeReject(buf []byte) (Reject, error) {
	b := buf[sbeHeaderSize:]
	return Reject{
		UUID:             binary.LittleEndian.Uint64(b[0:]),
		RequestTimestamp: binary.LittleEndian.Uint64(b[8:]),
		ErrorCodes:       binary.LittleEndian.Uint16(b[16:]),
		Reason:           reasonString(b[18 : 18+reasonLen]),
	}, nil
}

// -------------------------------------------------------------------------
// Establish 503 / EstablishmentAck 504
// -------------------------------------------------------------------------

// Establish binds a negotiated uuid to a live connection.
type Establish struct {
	UUID              uint64
	RequestTimestamp  uint64
	NextSeqNo         uint64
	KeepAliveInterval uint16 // milliseconds
	AccessKeyID       string
	FirmID            string
}

const establishBlockLength = 8 + 8 + 4 + 2 + accessKeyIDLen + firmIDLen

// EstablishSize is the full frame size of an Establish.
const EstablishSize = sbeHeaderSize + establishBlockLength

// EncodeEstablish writes m as a complete frame.
func EncodeEstablish(buf []byte, m *Establish) (int, error) {
	if len(buf) < EstablishSize {
		return 0, ErrShortBuffer
	}
	encodeHeader(buf, establishBlockLength, TemplateEstablish)
	b := buf[sbeHeaderSize:]
	binary.LittleEndian.PutUint64(b[0:], m.UUID)
	binary.LittleEndian.PutUint64(b[8:], m.RequestTimestamp)
	binary.LittleEndian.PutUint32(b[16:], uint32(m.NextSeqNo))
	binary.LittleEndian.PutUint16(b[20:], m.KeepAliveInterval)
	putReason(b[22:22+accessKeyIDLen], m.AccessKeyID)
	putReason(b[22+accessKeyIDLen:22+accessKeyIDLen+firmIDLen], m.FirmID)
	return EstablishSize, nil
}

// DecodeEstablish parses an Establish frame.
func DecodeEstablish(buf []byte) (Establish, error) {
	b := buf[sbeHeaderSize:]
	return Establish{
		UUID:              binary.LittleEndian.Uint64(b[0:]),
		RequestTimestamp:  binary.LittleEndian.Uint64(b[8:]),
		NextSeqNo:         uint64(binary.LittleEndian.Uint32(b[16:])),
		KeepAliveInterval: binary.LittleEndian.Uint16(b[20:]),
		AccessKeyID:       reasonString(b[22 : 22+accessKeyIDLen]),
		FirmID:            reasonString(b[22+accessKeyIDLen : 22+accessKeyIDLen+firmIDLen]),
	}, nil
}

// EstablishmentAck confirms an Establish and reports the peer's view of
// both connection epochs.
type EstablishmentAck struct {
	UUID              uint64
	RequestTimestamp  uint64
	NextSeqNo         uint64
	PreviousSeqNo     uint64
	PreviousUUID      uint64
	KeepAliveInterval uint16
}

const establishmentAckBlockLength = 8 + 8 + 4 + 4 + 8 + 2

// EstablishmentAckSize is the full frame size of an EstablishmentAck.
const EstablishmentAckSize = sbeHeaderSize + establishmentAckBlockLength

// EncodeEstablishmentAck writes m as a complete frame.
func EncodeEstablishmentAck(buf []byte, m *EstablishmentAck) (int, error) {
	if len(buf) < EstablishmentAckSize {
		return 0, ErrShortBuffer
	}
	encodeHeader(buf, establishmentAckBlockLength, TemplateEstablishmentAck)
	b := buf[sbeHeaderSize:]
	binary.LittleEndian.PutUint64(b[0:], m.UUID)
	binary.LittleEndian.PutUint64(b[8:], m.RequestTimestamp)
	binary.LittleEndian.PutUint32(b[16:], uint32(m.NextSeqNo))
	binary.LittleEndian.PutUint32(b[20:], uint32(m.PreviousSeqNo))
	binary.LittleEndian.PutUint64(b[24:], m.PreviousUUID)
	binary.LittleEndian.PutUint16(b[32:], m.KeepAliveInterval)
	return EstablishmentAckSize, nil
}

// DecodeEstablishmentAck parses an EstablishmentAck frame.
func DecodeEstablishmentAck(buf []byte) (EstablishmentAck, error) {
	b := buf[sbeHeaderSize:]
	return EstablishmentAck{
		UUID:              binary.LittleEndian.Uint64(b[0:]),
		RequestTimestamp:  binary.LittleEndian.Uint64(b[8:]),
		NextSeqNo:         uint64(binary.LittleEndian.Uint32(b[16:])),
		PreviousSeqNo:     uint64(binary.LittleEndian.Uint32(b[20:])),
		PreviousUUID:      binary.LittleEndian.Uint64(b[24:]),
		KeepAliveInterval: binary.LittleEndian.Uint16(b[32:]),
	}, nil
}

// -------------------------------------------------------------------------
// Sequence 506
// -------------------------------------------------------------------------

// Sequence is the keepalive and gap-fill message.
type Sequence struct {
	UUID            uint64
	NextSeqNo       uint64
	KeepAliveLapsed uint8
}

const sequenceBlockLength = 8 + 4 + 1

// SequenceSize is the full frame size of a Sequence.
const SequenceSize = sbeHeaderSize + sequenceBlockLength

// EncodeSequence writes m as a complete frame.
func EncodeSequence(buf []byte, m *Sequence) (int, error) {
	if len(buf) < SequenceSize {
		return 0, ErrShortBuffer
	}
	encodeHeader(buf, sequenceBlockLength, TemplateSequence)
	b := buf[sbeHeaderSize:]
	binary.LittleEndian.PutUint64(b[0:], m.UUID)
	binary.LittleEndian.PutUint32(b[8:], uint32(m.NextSeqNo))
	b[12] = m.KeepAliveLapsed
	return SequenceSize, nil
}

// DecodeSequence parses a Sequence frame.
func DecodeSequence(buf []byte) (Sequence, error) {
	b := buf[sbeHeaderSize:]
	return Sequence{
		UUID:            binary.LittleEndian.Uint64(b[0:]),
		NextSeqNo:       uint64(binary.LittleEndian.Uint32(b[8:])),
		KeepAliveLapsed: b[12],
	}, nil
}

// -------------------------------------------------------------------------
// Terminate 507
// -------------------------------------------------------------------------

// Terminate closes a connection epoch.
type Terminate struct {
	UUID             uint64
	RequestTimestamp uint64
	ErrorCodes       uint16
	Reason           string
}

const terminateBlockLength = rejectBlockLength

// TerminateSize is the full frame size of a Terminate.
const TerminateSize = sbeHeaderSize + terminateBlockLength

// EncodeTerminate writes m as a complete frame.
func EncodeTerminate(buf []byte, m *Terminate) (int, error) {
	r := Reject{UUID: m.UUID, RequestTimestamp: m.RequestTimestamp, ErrorCodes: m.ErrorCodes, Reason: m.Reason}
	return EncodeReject(buf, TemplateTerminate, &r)
}

// DecodeTerminate parses a Terminate frame.
func DecodeTerminate(buf []byte) (Terminate, error) {
	r, err := DecodeReject(buf)
	if err != nil {
		return Terminate{}, err
	}
	return Terminate{UUID: r.UUID, RequestTimestamp: r.RequestTimestamp, ErrorCodes: r.ErrorCodes, Reason: r.Reason}, nil
}

// -------------------------------------------------------------------------
// RetransmitRequest 508 / Retransmission 509
// -------------------------------------------------------------------------

// RetransmitRequest asks the peer to replay [FromSeqNo, FromSeqNo+MsgCount)
// for the given epoch. LastUUID targets the previous epoch for
// cross-connection queries; zero means the current epoch.
type RetransmitRequest struct {
	UUID             uint64
	LastUUID         uint64
	RequestTimestamp uint64
	FromSeqNo        uint64
	MsgCount         uint16
}

const retransmitRequestBlockLength = 8 + 8 + 8 + 4 + 2

// RetransmitRequestSize is the full frame size of a RetransmitRequest.
const RetransmitRequestSize = sbeHeaderSize + retransmitRequestBlockLength

// EncodeRetransmitRequest writes m under the given template id (508 for
// the request, 509 for the acceptance echo).
func EncodeRetransmitRequest(buf []byte, templateID uint16, m *RetransmitRequest) (int, error) {
	if len(buf) < RetransmitRequestSize {
		return 0, ErrShortBuffer
	}
	encodeHeader(buf, retransmitRequestBlockLength, templateID)
	b := buf[sbeHeaderSize:]
	binary.LittleEndian.PutUint64(b[0:], m.UUID)
	binary.LittleEndian.PutUint64(b[8:], m.LastUUID)
	binary.LittleEndian.PutUint64(b[16:], m.RequestTimestamp)
	binary.LittleEndian.PutUint32(b[24:], uint32(m.FromSeqNo))
	binary.LittleEndian.PutUint16(b[28:], m.MsgCount)
	return RetransmitRequestSize, nil
}

// DecodeRetransmitRequest parses a 508 or 509 frame.
func DecodeRetransmitRequest(buf []byte) (RetransmitRequest, error) {
	b := buf[sbeHeaderSize:]
	return RetransmitRequest{
		UUID:             binary.LittleEndian.Uint64(b[0:]),
		LastUUID:         binary.LittleEndian.Uint64(b[8:]),
		RequestTimestamp: binary.LittleEndian.Uint64(b[16:]),
		FromSeqNo:        uint64(binary.LittleEndian.Uint32(b[24:])),
		MsgCount:         binary.LittleEndian.Uint16(b[28:]),
	}, nil
}

// -------------------------------------------------------------------------
// NotApplied 513
// -------------------------------------------------------------------------

// NotApplied is the peer's notification that it missed messages from us.
type NotApplied struct {
	UUID      uint64
	FromSeqNo uint64
	MsgCount  uint64
}

const notAppliedBlockLength = 8 + 4 + 4

// NotAppliedSize is the full frame size of a NotApplied.
const NotAppliedSize = sbeHeaderSize + notAppliedBlockLength

// EncodeNotApplied writes m as a complete frame.
func EncodeNotApplied(buf []byte, m *NotApplied) (int, error) {
	if len(buf) < NotAppliedSize {
		return 0, ErrShortBuffer
	}
	encodeHeader(buf, notAppliedBlockLength, TemplateNotApplied)
	b := buf[sbeHeaderSize:]
	binary.LittleEndian.PutUint64(b[0:], m.UUID)
	binary.LittleEndian.PutUint32(b[8:], uint32(m.FromSeqNo))
	binary.LittleEndian.PutUint32(b[12:], uint32(m.MsgCount))
	return NotAppliedSize, nil
}

// DecodeNotApplied parses a NotApplied frame.
func DecodeNotApplied(buf []byte) (NotApplied, error) {
	b := buf[sbeHeaderSize:]
	return NotApplied{
		UUID:      binary.LittleEndian.Uint64(b[0:]),
		FromSeqNo: uint64(binary.LittleEndian.Uint32(b[8:])),
		MsgCount:  uint64(binary.LittleEndian.Uint32(b[12:])),
	}, nil
}

// -------------------------------------------------------------------------
// Business envelope
// -------------------------------------------------------------------------

// BusinessHeader is the sequencing prefix every business message carries
// after the SBE header: uuid, sequence number and the PossRetrans flag.
type BusinessHeader struct {
	UUID        uint64
	SeqNo       uint64
	PossRetrans bool
}

// businessPrefixSize is uuid (8) + seqNo (4) + possRetrans (1).
const businessPrefixSize = 13

// BusinessFrameOverhead is the non-payload size of a business frame.
const BusinessFrameOverhead = sbeHeaderSize + businessPrefixSize

// IsBusiness reports whether the template id is a business message.
func IsBusiness(templateID uint16) bool { return templateID >= businessTemplateBase }

// EncodeBusiness writes the envelope for a business payload and returns
// the full frame length. payload is copied after the prefix.
func EncodeBusiness(buf []byte, templateID uint16, h *BusinessHeader, payload []byte) (int, error) {
	total := BusinessFrameOverhead + len(payload)
	if len(buf) < total {
		return 0, ErrShortBuffer
	}
	encodeHeader(buf, uint16(businessPrefixSize+len(payload)), templateID)
	b := buf[sbeHeaderSize:]
	binary.LittleEndian.PutUint64(b[0:], h.UUID)
	binary.LittleEndian.PutUint32(b[8:], uint32(h.SeqNo))
	if h.PossRetrans {
		b[12] = 1
	} else {
		b[12] = 0
	}
	copy(b[businessPrefixSize:], payload)
	return total, nil
}

// DecodeBusinessHeader parses the sequencing prefix of a business frame
// and returns it with the payload slice.
func DecodeBusinessHeader(buf []byte, h Header) (BusinessHeader, []byte, error) {
	if int(h.BlockLength) < businessPrefixSize {
		return BusinessHeader{}, nil, fmt.Errorf("business block %d: %w", h.BlockLength, ErrTruncatedFrame)
	}
	b := buf[sbeHeaderSize:]
	bh := BusinessHeader{
		UUID:        binary.LittleEndian.Uint64(b[0:]),
		SeqNo:       uint64(binary.LittleEndian.Uint32(b[8:])),
		PossRetrans: b[12] == 1,
	}
	return bh, b[businessPrefixSize : h.BlockLength], nil
}
