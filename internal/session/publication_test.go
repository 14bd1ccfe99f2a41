package session_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/renanleonellocastro/artio/internal/session"
)

// drain consumes all committed frames as copies.
func drain(p *session.Publication) [][]byte {
	var out [][]byte
	p.Poll(func(frame []byte) {
		out = append(out, bytes.Clone(frame))
	})
	return out
}

// TestPublicationCommitDeliversInOrder verifies claim/commit frames are
// consumed in commit order with exact contents.
func TestPublicationCommitDeliversInOrder(t *testing.T) {
	t.Parallel()

	pub, err := session.NewPublication(1024)
	if err != nil {
		t.Fatalf("NewPublication: %v", err)
	}

	payloads := [][]byte{
		[]byte("first"),
		[]byte("second frame"),
		[]byte("x"),
	}
	for _, p := range payloads {
		claim, err := pub.TryClaim(len(p))
		if err != nil {
			t.Fatalf("TryClaim(%d): %v", len(p), err)
		}
		copy(claim.Buffer(), p)
		claim.Commit()
	}

	got := drain(pub)
	if len(got) != len(payloads) {
		t.Fatalf("consumed %d frames, want %d", len(got), len(payloads))
	}
	for i := range payloads {
		if !bytes.Equal(got[i], payloads[i]) {
			t.Errorf("frame %d = %q, want %q", i, got[i], payloads[i])
		}
	}
}

// TestPublicationAbortReleasesSpace verifies aborted claims publish
// nothing and their space is reusable.
func TestPublicationAbortReleasesSpace(t *testing.T) {
	t.Parallel()

	pub, err := session.NewPublication(64)
	if err != nil {
		t.Fatalf("NewPublication: %v", err)
	}

	claim, err := pub.TryClaim(32)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	claim.Abort()

	if got := drain(pub); len(got) != 0 {
		t.Fatalf("aborted claim delivered %d frames", len(got))
	}

	// The aborted region must be claimable again.
	if _, err := pub.TryClaim(32); err != nil {
		t.Fatalf("TryClaim after abort: %v", err)
	}
}

// TestPublicationBackPressure verifies a full ring fails with
// ErrBackPressure and recovers after the consumer drains.
func TestPublicationBackPressure(t *testing.T) {
	t.Parallel()

	pub, err := session.NewPublication(128)
	if err != nil {
		t.Fatalf("NewPublication: %v", err)
	}

	// Fill the ring.
	committed := 0
	for {
		claim, err := pub.TryClaim(24)
		if err != nil {
			if !errors.Is(err, session.ErrBackPressure) {
				t.Fatalf("want ErrBackPressure, got %v", err)
			}
			break
		}
		claim.Commit()
		committed++
	}
	if committed == 0 {
		t.Fatal("no frames committed before back pressure")
	}

	// Drain and verify space frees up.
	if got := drain(pub); len(got) != committed {
		t.Fatalf("drained %d frames, committed %d", len(got), committed)
	}
	if _, err := pub.TryClaim(24); err != nil {
		t.Fatalf("TryClaim after drain: %v", err)
	}
}

// TestPublicationWrapAround verifies frames crossing the end of the ring
// are padded and remain contiguous for the consumer.
func TestPublicationWrapAround(t *testing.T) {
	t.Parallel()

	pub, err := session.NewPublication(128)
	if err != nil {
		t.Fatalf("NewPublication: %v", err)
	}

	// Cycle enough frames of co-prime-ish sizes to force wraps.
	sizes := []int{40, 28, 52, 36, 40, 20, 44}
	for round, size := range sizes {
		payload := bytes.Repeat([]byte{byte(round + 1)}, size)
		claim, err := pub.TryClaim(size)
		if err != nil {
			t.Fatalf("round %d TryClaim(%d): %v", round, size, err)
		}
		copy(claim.Buffer(), payload)
		claim.Commit()

		got := drain(pub)
		if len(got) != 1 {
			t.Fatalf("round %d: consumed %d frames, want 1", round, len(got))
		}
		if !bytes.Equal(got[0], payload) {
			t.Fatalf("round %d: frame corrupted across wrap", round)
		}
	}
}

// TestPublicationSingleOutstandingClaim verifies the one-claim-at-a-time
// contract.
func TestPublicationSingleOutstandingClaim(t *testing.T) {
	t.Parallel()

	pub, err := session.NewPublication(256)
	if err != nil {
		t.Fatalf("NewPublication: %v", err)
	}
	claim, err := pub.TryClaim(16)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if _, err := pub.TryClaim(16); !errors.Is(err, session.ErrClaimOutstanding) {
		t.Fatalf("want ErrClaimOutstanding, got %v", err)
	}
	claim.Commit()
	if _, err := pub.TryClaim(16); err != nil {
		t.Fatalf("TryClaim after commit: %v", err)
	}
}
