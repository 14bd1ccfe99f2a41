// Package store persists per-session sequence state to disk. One file
// per logical session, content-addressed by the hash of the composite
// key, rewritten with a write-temp-then-rename cycle so a crash never
// leaves a torn record behind.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/renanleonellocastro/artio/internal/session"
)

// -------------------------------------------------------------------------
// File format
// -------------------------------------------------------------------------

// fileMagic identifies a sequence file. Little-endian "ASEQ".
const fileMagic uint32 = 0x51455341

// fileVersion is the record layout version.
const fileVersion uint32 = 1

// stateFieldsSize is the fixed-width sequence state block:
// nextSent (8) + nextRecv (8) + sequenceIndex (4) + uuid (8) + lastUuid (8).
const stateFieldsSize = 36

// headerSize is magic (4) + version (4).
const headerSize = 8

// checksumSize is the trailing xxhash of everything before it.
const checksumSize = 8

// fileSuffix is the sequence file extension.
const fileSuffix = ".seq"

// tmpSuffix is the in-flight rewrite extension.
const tmpSuffix = ".tmp"

// Sentinel errors for sequence file handling.
var (
	// ErrCorruptFile indicates a sequence file failed structural or
	// checksum validation.
	ErrCorruptFile = errors.New("corrupt sequence file")

	// ErrKeyMismatch indicates a file's embedded key does not match the
	// requested key. Either a hash collision or foreign data in the
	// directory.
	ErrKeyMismatch = errors.New("sequence file key mismatch")
)

// -------------------------------------------------------------------------
// Store
// -------------------------------------------------------------------------

// Store reads and writes sequence files under a single directory. It is
// written only by the framer goroutine; no internal locking is needed.
type Store struct {
	dir    string
	logger *slog.Logger
}

// Open creates the directory if needed and returns a Store over it.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create sequence dir %s: %w", dir, err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With(slog.String("component", "seqstore")),
	}, nil
}

// Dir returns the directory the store writes under.
func (s *Store) Dir() string { return s.dir }

// path returns the content-addressed file name for a key.
func (s *Store) path(key session.CompositeKey) string {
	return filepath.Join(s.dir, fmt.Sprintf("%016x%s", key.Hash(), fileSuffix))
}

// Load reads the persisted state for key. The second return value is
// false when no file exists; a structurally broken file is an error, not
// an absence — silently restarting sequences at 1 after a torn write
// would violate the counterparty's view of the stream.
func (s *Store) Load(key session.CompositeKey) (session.SequenceState, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return session.SequenceState{}, false, nil
	}
	if err != nil {
		return session.SequenceState{}, false, fmt.Errorf("read sequence file: %w", err)
	}

	st, err := decodeFile(data, key)
	if err != nil {
		return session.SequenceState{}, false, err
	}
	return st, true, nil
}

// Save atomically persists state for key: encode to a temp file in the
// same directory, fsync, rename over the final name. The caller ordering
// contract is save-then-claim — the durable record of the intended next
// sequence number lands before the message reaches the publication.
func (s *Store) Save(key session.CompositeKey, st session.SequenceState) error {
	data, err := encodeFile(key, st)
	if err != nil {
		return err
	}

	final := s.path(key)
	tmp := final + tmpSuffix

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create temp sequence file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp sequence file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync temp sequence file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp sequence file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename sequence file: %w", err)
	}
	return nil
}

// Reset deletes the persisted state for key. Missing files are not an
// error.
func (s *Store) Reset(key session.CompositeKey) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove sequence file: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Record codec
// -------------------------------------------------------------------------

// encodeFile builds the full file image:
// header | length-prefixed key record | state fields | xxhash checksum.
func encodeFile(key session.CompositeKey, st session.SequenceState) ([]byte, error) {
	keyLen := key.EncodedLength()
	total := headerSize + 2 + keyLen + stateFieldsSize + checksumSize
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:], fileMagic)
	binary.LittleEndian.PutUint32(buf[4:], fileVersion)

	binary.LittleEndian.PutUint16(buf[headerSize:], uint16(keyLen))
	if _, err := key.Encode(buf[headerSize+2:]); err != nil {
		return nil, fmt.Errorf("encode key record: %w", err)
	}

	off := headerSize + 2 + keyLen
	binary.LittleEndian.PutUint64(buf[off:], st.NextSentSeqNo)
	binary.LittleEndian.PutUint64(buf[off+8:], st.NextRecvSeqNo)
	binary.LittleEndian.PutUint32(buf[off+16:], st.SequenceIndex)
	binary.LittleEndian.PutUint64(buf[off+20:], st.UUID)
	binary.LittleEndian.PutUint64(buf[off+28:], st.LastUUID)

	sum := xxhash.Sum64(buf[:total-checksumSize])
	binary.LittleEndian.PutUint64(buf[total-checksumSize:], sum)
	return buf, nil
}

// decodeFile validates and parses a file image for the expected key.
func decodeFile(data []byte, key session.CompositeKey) (session.SequenceState, error) {
	if len(data) < headerSize+2+stateFieldsSize+checksumSize {
		return session.SequenceState{}, fmt.Errorf("file too short (%d bytes): %w", len(data), ErrCorruptFile)
	}
	if binary.LittleEndian.Uint32(data[0:]) != fileMagic {
		return session.SequenceState{}, fmt.Errorf("bad magic: %w", ErrCorruptFile)
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != fileVersion {
		return session.SequenceState{}, fmt.Errorf("unknown version %d: %w", v, ErrCorruptFile)
	}

	want := binary.LittleEndian.Uint64(data[len(data)-checksumSize:])
	got := xxhash.Sum64(data[:len(data)-checksumSize])
	if want != got {
		return session.SequenceState{}, fmt.Errorf("checksum mismatch: %w", ErrCorruptFile)
	}

	keyLen := int(binary.LittleEndian.Uint16(data[headerSize:]))
	if len(data) < headerSize+2+keyLen+stateFieldsSize+checksumSize {
		return session.SequenceState{}, fmt.Errorf("key record overruns file: %w", ErrCorruptFile)
	}

	fileKey, _, err := session.DecodeCompositeKey(data[headerSize+2 : headerSize+2+keyLen])
	if err != nil {
		return session.SequenceState{}, fmt.Errorf("decode key record: %w", err)
	}
	if fileKey != key {
		return session.SequenceState{}, fmt.Errorf("file holds %s, wanted %s: %w", fileKey, key, ErrKeyMismatch)
	}

	off := headerSize + 2 + keyLen
	return session.SequenceState{
		NextSentSeqNo: binary.LittleEndian.Uint64(data[off:]),
		NextRecvSeqNo: binary.LittleEndian.Uint64(data[off+8:]),
		SequenceIndex: binary.LittleEndian.Uint32(data[off+16:]),
		UUID:          binary.LittleEndian.Uint64(data[off+20:]),
		LastUUID:      binary.LittleEndian.Uint64(data[off+28:]),
	}, nil
}
