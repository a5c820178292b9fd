// Package eventid implements the 16-byte event identifier shared by the
// append, replay and notification paths. An id orders events within a
// ledger by (timestamp, checksum) and carries the owning ledger id so a
// bare id is enough to route a request.
package eventid

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Size is the packed length of an event id in bytes.
const Size = 16

// HexLen is the length of the canonical lowercase hex form.
const HexLen = 32

// LedgerIDLen is the length of a ledger id: 8 hex chars (4 packed bytes).
const LedgerIDLen = 8

// ID locates a single event. Timestamp is the event's epoch-microsecond
// instant, Checksum disambiguates events written at the same instant, and
// LedgerID names the owning ledger.
type ID struct {
	Timestamp uint64
	Checksum  uint32
	LedgerID  string
}

// New builds an ID, validating and normalizing the ledger id.
func New(timestamp uint64, checksum uint32, ledgerID string) (ID, error) {
	lid, err := NormalizeLedgerID(ledgerID)
	if err != nil {
		return ID{}, err
	}
	return ID{Timestamp: timestamp, Checksum: checksum, LedgerID: lid}, nil
}

// NormalizeLedgerID lowercases a ledger id and verifies it is 8 hex chars.
func NormalizeLedgerID(s string) (string, error) {
	s = strings.ToLower(s)
	if len(s) != LedgerIDLen {
		return "", fmt.Errorf("invalid ledger id %q: want %d hex chars", s, LedgerIDLen)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("invalid ledger id %q: %w", s, err)
	}
	return s, nil
}

// Parse decodes the canonical 32-char lowercase hex form.
func Parse(s string) (ID, error) {
	if len(s) != HexLen {
		return ID{}, fmt.Errorf("invalid event id %q: want %d hex chars", s, HexLen)
	}
	b, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return ID{}, fmt.Errorf("invalid event id %q: %w", s, err)
	}
	return FromBytes(b)
}

// FromBytes decodes the 16-byte big-endian packed form: u64 timestamp,
// u32 checksum, 4 ledger-id bytes.
func FromBytes(b []byte) (ID, error) {
	if len(b) != Size {
		return ID{}, fmt.Errorf("invalid event id: want %d bytes, got %d", Size, len(b))
	}
	return ID{
		Timestamp: binary.BigEndian.Uint64(b[0:8]),
		Checksum:  binary.BigEndian.Uint32(b[8:12]),
		LedgerID:  hex.EncodeToString(b[12:16]),
	}, nil
}

// FromUUID reinterprets a UUID's 16 bytes as an event id. The database
// returns event ids as UUID values over the same packing.
func FromUUID(u uuid.UUID) ID {
	id, _ := FromBytes(u[:])
	return id
}

// Bytes returns the 16-byte packed form.
func (id ID) Bytes() ([]byte, error) {
	lid, err := NormalizeLedgerID(id.LedgerID)
	if err != nil {
		return nil, err
	}
	b := make([]byte, Size)
	binary.BigEndian.PutUint64(b[0:8], id.Timestamp)
	binary.BigEndian.PutUint32(b[8:12], id.Checksum)
	if _, err := hex.Decode(b[12:16], []byte(lid)); err != nil {
		return nil, fmt.Errorf("invalid ledger id %q: %w", id.LedgerID, err)
	}
	return b, nil
}

// UUID returns the packed form as a UUID for database parameters.
func (id ID) UUID() (uuid.UUID, error) {
	b, err := id.Bytes()
	if err != nil {
		return uuid.UUID{}, err
	}
	var u uuid.UUID
	copy(u[:], b)
	return u, nil
}

// Hex returns the canonical 32-char lowercase hex form.
func (id ID) Hex() string {
	return fmt.Sprintf("%016x%08x%s", id.Timestamp, id.Checksum, strings.ToLower(id.LedgerID))
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return id.Hex()
}

// MarshalText renders the canonical hex form for JSON and URL use.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

// UnmarshalText parses the canonical hex form.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Before reports whether id precedes other in ledger order. Ledger order
// compares timestamps first, then checksums.
func (id ID) Before(other ID) bool {
	if id.Timestamp != other.Timestamp {
		return id.Timestamp < other.Timestamp
	}
	return id.Checksum < other.Checksum
}

// IsZero reports whether the id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}
