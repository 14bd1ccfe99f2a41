package session

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// -------------------------------------------------------------------------
// CompositeKey — logical session identity
// -------------------------------------------------------------------------

// Sentinel errors for CompositeKey encoding and decoding.
var (
	// ErrInsufficientSpace indicates the target buffer cannot hold the
	// encoded key. The buffer is left untouched.
	ErrInsufficientSpace = errors.New("insufficient space for composite key")

	// ErrMalformedKey indicates the wire record does not decode to a
	// valid composite key.
	ErrMalformedKey = errors.New("malformed composite key record")

	// ErrEmptyCompID indicates a mandatory comp ID component is empty.
	ErrEmptyCompID = errors.New("sender and target comp IDs must be non-empty")

	// ErrNonASCIIKey indicates a key component contains a byte outside
	// the printable ASCII range.
	ErrNonASCIIKey = errors.New("composite key components must be printable ASCII")
)

// keyEncodingVersion is the wire record version for encoded keys.
const keyEncodingVersion uint8 = 1

// keyComponentCount is the number of length-prefixed components in the
// wire record: sender comp, sender sub, sender location, target comp.
const keyComponentCount = 4

// keyHeaderSize is the fixed header of the wire record: version (1) +
// component count (1).
const keyHeaderSize = 2

// maxKeyComponentLen bounds a single component. Comp IDs are short ASCII
// identifiers; 255 keeps the length prefix in one byte per component
// would be enough, but a uint16 prefix matches the sequence file layout.
const maxKeyComponentLen = 0xFFFF

// CompositeKey identifies a logical FIX session across reconnections.
// Equality is component-wise byte equality, which Go string comparison
// provides directly, so the struct is usable as a map key.
type CompositeKey struct {
	// SenderCompID is the local comp ID (mandatory).
	SenderCompID string

	// SenderSubID is the optional local sub ID.
	SenderSubID string

	// SenderLocationID is the optional local location ID.
	SenderLocationID string

	// TargetCompID is the counterparty comp ID (mandatory).
	TargetCompID string
}

// String renders the key in SenderCompID[/Sub][/Loc]->TargetCompID form
// for logging.
func (k CompositeKey) String() string {
	s := k.SenderCompID
	if k.SenderSubID != "" {
		s += "/" + k.SenderSubID
	}
	if k.SenderLocationID != "" {
		s += "/" + k.SenderLocationID
	}
	return s + "->" + k.TargetCompID
}

// Validate checks the mandatory components and the ASCII constraint.
func (k CompositeKey) Validate() error {
	if k.SenderCompID == "" || k.TargetCompID == "" {
		return ErrEmptyCompID
	}
	for _, c := range k.components() {
		for i := 0; i < len(c); i++ {
			if c[i] < 0x20 || c[i] > 0x7E {
				return fmt.Errorf("component %q: %w", c, ErrNonASCIIKey)
			}
		}
	}
	return nil
}

// components returns the components in wire order.
func (k CompositeKey) components() [keyComponentCount]string {
	return [keyComponentCount]string{
		k.SenderCompID, k.SenderSubID, k.SenderLocationID, k.TargetCompID,
	}
}

// EncodedLength returns the exact size of the wire record for this key.
func (k CompositeKey) EncodedLength() int {
	n := keyHeaderSize
	for _, c := range k.components() {
		n += 2 + len(c)
	}
	return n
}

// Encode writes the key's wire record into buf and returns the number of
// bytes written. The record is a 2-byte header followed by each component
// with an explicit uint16 length prefix. When buf cannot hold the full
// record, Encode returns ErrInsufficientSpace and leaves buf untouched.
func (k CompositeKey) Encode(buf []byte) (int, error) {
	need := k.EncodedLength()
	if len(buf) < need {
		return 0, fmt.Errorf("need %d bytes, have %d: %w", need, len(buf), ErrInsufficientSpace)
	}
	buf[0] = keyEncodingVersion
	buf[1] = keyComponentCount
	off := keyHeaderSize
	for _, c := range k.components() {
		if len(c) > maxKeyComponentLen {
			return 0, fmt.Errorf("component length %d: %w", len(c), ErrInsufficientSpace)
		}
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(c)))
		off += 2
		off += copy(buf[off:], c)
	}
	return off, nil
}

// DecodeCompositeKey parses a wire record produced by Encode. It returns
// the key and the number of bytes consumed.
func DecodeCompositeKey(buf []byte) (CompositeKey, int, error) {
	if len(buf) < keyHeaderSize {
		return CompositeKey{}, 0, fmt.Errorf("record truncated at header: %w", ErrMalformedKey)
	}
	if buf[0] != keyEncodingVersion {
		return CompositeKey{}, 0, fmt.Errorf("unknown record version %d: %w", buf[0], ErrMalformedKey)
	}
	if buf[1] != keyComponentCount {
		return CompositeKey{}, 0, fmt.Errorf("component count %d: %w", buf[1], ErrMalformedKey)
	}

	var parts [keyComponentCount]string
	off := keyHeaderSize
	for i := range parts {
		if len(buf) < off+2 {
			return CompositeKey{}, 0, fmt.Errorf("record truncated at component %d: %w", i, ErrMalformedKey)
		}
		clen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if len(buf) < off+clen {
			return CompositeKey{}, 0, fmt.Errorf("component %d overruns record: %w", i, ErrMalformedKey)
		}
		parts[i] = string(buf[off : off+clen])
		off += clen
	}

	k := CompositeKey{
		SenderCompID:     parts[0],
		SenderSubID:      parts[1],
		SenderLocationID: parts[2],
		TargetCompID:     parts[3],
	}
	return k, off, nil
}

// Hash returns the xxhash of the key's length-prefixed components (the
// Encode record without its two-byte header). The sequence store
// uses it to derive content-addressed file names.
func (k CompositeKey) Hash() uint64 {
	d := xxhash.New()
	var lenBuf [2]byte
	for _, c := range k.components() {
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(c)))
		_, _ = d.Write(lenBuf[:])
		_, _ = d.WriteString(c)
	}
	return d.Sum64()
}
