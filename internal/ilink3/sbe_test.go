package ilink3_test

import (
	"errors"
	"testing"

	"github.com/renanleonellocastro/artio/internal/ilink3"
	"github.com/renanleonellocastro/artio/internal/session"
)

// TestNegotiateRoundTrip verifies Negotiate encode/decode.
func TestNegotiateRoundTrip(t *testing.T) {
	t.Parallel()

	want := ilink3.Negotiate{
		UUID:             0xABCDEF0123,
		RequestTimestamp: 1_700_000_000_000_000_000,
		AccessKeyID:      "AK-0123456789",
		FirmID:           "F123",
	}
	buf := make([]byte, ilink3.NegotiateSize)
	n, err := ilink3.EncodeNegotiate(buf, &want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if n != ilink3.NegotiateSize {
		t.Errorf("encoded %d bytes, want %d", n, ilink3.NegotiateSize)
	}

	h, err := ilink3.DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.TemplateID != ilink3.TemplateNegotiate {
		t.Errorf("template %d", h.TemplateID)
	}
	got, err := ilink3.DecodeNegotiate(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != want {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

// TestSessionTemplatesRoundTrip covers the remaining fixed templates.
func TestSessionTemplatesRoundTrip(t *testing.T) {
	t.Parallel()

	t.Run("establishment ack", func(t *testing.T) {
		t.Parallel()
		want := ilink3.EstablishmentAck{
			UUID:              7,
			RequestTimestamp:  9,
			NextSeqNo:         100,
			PreviousSeqNo:     55,
			PreviousUUID:      6,
			KeepAliveInterval: 500,
		}
		buf := make([]byte, ilink3.EstablishmentAckSize)
		if _, err := ilink3.EncodeEstablishmentAck(buf, &want); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := ilink3.DecodeEstablishmentAck(buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != want {
			t.Errorf("got %+v, want %+v", got, want)
		}
	})

	t.Run("sequence", func(t *testing.T) {
		t.Parallel()
		want := ilink3.Sequence{UUID: 3, NextSeqNo: 42, KeepAliveLapsed: ilink3.KeepAliveLapsed}
		buf := make([]byte, ilink3.SequenceSize)
		if _, err := ilink3.EncodeSequence(buf, &want); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := ilink3.DecodeSequence(buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != want {
			t.Errorf("got %+v, want %+v", got, want)
		}
	})

	t.Run("terminate", func(t *testing.T) {
		t.Parallel()
		want := ilink3.Terminate{UUID: 11, RequestTimestamp: 22, ErrorCodes: 5, Reason: "bad day"}
		buf := make([]byte, ilink3.TerminateSize)
		if _, err := ilink3.EncodeTerminate(buf, &want); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := ilink3.DecodeTerminate(buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != want {
			t.Errorf("got %+v, want %+v", got, want)
		}
	})

	t.Run("retransmit request", func(t *testing.T) {
		t.Parallel()
		want := ilink3.RetransmitRequest{UUID: 1, LastUUID: 2, RequestTimestamp: 3, FromSeqNo: 4, MsgCount: 2500}
		buf := make([]byte, ilink3.RetransmitRequestSize)
		if _, err := ilink3.EncodeRetransmitRequest(buf, ilink3.TemplateRetransmitRequest, &want); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := ilink3.DecodeRetransmitRequest(buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != want {
			t.Errorf("got %+v, want %+v", got, want)
		}
	})

	t.Run("not applied", func(t *testing.T) {
		t.Parallel()
		want := ilink3.NotApplied{UUID: 9, FromSeqNo: 10, MsgCount: 5}
		buf := make([]byte, ilink3.NotAppliedSize)
		if _, err := ilink3.EncodeNotApplied(buf, &want); err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := ilink3.DecodeNotApplied(buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got != want {
			t.Errorf("got %+v, want %+v", got, want)
		}
	})
}

// TestBusinessEnvelopeRoundTrip verifies the business prefix and payload
// survive encoding.
func TestBusinessEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	payload := []byte("order-payload")
	bh := ilink3.BusinessHeader{UUID: 77, SeqNo: 1234, PossRetrans: true}
	buf := make([]byte, ilink3.BusinessFrameOverhead+len(payload))
	if _, err := ilink3.EncodeBusiness(buf, 600, &bh, payload); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	h, err := ilink3.DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if !ilink3.IsBusiness(h.TemplateID) {
		t.Fatalf("template %d not classified as business", h.TemplateID)
	}
	got, gotPayload, err := ilink3.DecodeBusinessHeader(buf, h)
	if err != nil {
		t.Fatalf("DecodeBusinessHeader: %v", err)
	}
	if got != bh {
		t.Errorf("header %+v, want %+v", got, bh)
	}
	if string(gotPayload) != string(payload) {
		t.Errorf("payload %q, want %q", gotPayload, payload)
	}
}

// TestDecodeHeaderRejections covers truncation and foreign schemas.
func TestDecodeHeaderRejections(t *testing.T) {
	t.Parallel()

	buf := make([]byte, ilink3.SequenceSize)
	if _, err := ilink3.EncodeSequence(buf, &ilink3.Sequence{UUID: 1, NextSeqNo: 1}); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	t.Run("truncated header", func(t *testing.T) {
		t.Parallel()
		if _, err := ilink3.DecodeHeader(buf[:4]); !errors.Is(err, session.ErrProtocolViolation) {
			t.Fatalf("want protocol violation, got %v", err)
		}
	})

	t.Run("truncated block", func(t *testing.T) {
		t.Parallel()
		if _, err := ilink3.DecodeHeader(buf[:10]); !errors.Is(err, session.ErrProtocolViolation) {
			t.Fatalf("want protocol violation, got %v", err)
		}
	})

	t.Run("foreign schema", func(t *testing.T) {
		t.Parallel()
		bad := make([]byte, len(buf))
		copy(bad, buf)
		bad[4] = 0xFF // schema id low byte
		if _, err := ilink3.DecodeHeader(bad); !errors.Is(err, ilink3.ErrBadSchema) {
			t.Fatalf("want ErrBadSchema, got %v", err)
		}
	})
}
