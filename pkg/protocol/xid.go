package protocol

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// MaxGtridSize is the largest global transaction id accepted.
	MaxGtridSize = 64
	// MaxBqualSize is the largest branch qualifier accepted.
	MaxBqualSize = 64

	// DefaultFormatID is used by GenerateXid.
	DefaultFormatID int32 = 0x5850 // "XP"
)

// Xid identifies one branch of a global transaction.
//
// Xid is an immutable value: the byte components are held as strings so two
// Xids compare equal with == exactly when all three components are equal, and
// an Xid can be used as a map key.
type Xid struct {
	formatID int32
	gtrid    string
	bqual    string
}

// NewXid builds an Xid, copying the given byte slices.
func NewXid(formatID int32, gtrid, bqual []byte) (Xid, error) {
	if formatID == -1 {
		return Xid{}, fmt.Errorf("format id -1 denotes a null xid")
	}
	if len(gtrid) == 0 || len(gtrid) > MaxGtridSize {
		return Xid{}, fmt.Errorf("global transaction id must be 1..%d bytes, got %d", MaxGtridSize, len(gtrid))
	}
	if len(bqual) > MaxBqualSize {
		return Xid{}, fmt.Errorf("branch qualifier must be at most %d bytes, got %d", MaxBqualSize, len(bqual))
	}
	return Xid{formatID: formatID, gtrid: string(gtrid), bqual: string(bqual)}, nil
}

// GenerateXid returns a fresh Xid with random global and branch identifiers.
func GenerateXid() Xid {
	g := uuid.New()
	b := uuid.New()
	return Xid{formatID: DefaultFormatID, gtrid: string(g[:]), bqual: string(b[:])}
}

// Branch returns a sibling Xid in the same global transaction.
func (x Xid) Branch(bqual []byte) (Xid, error) {
	return NewXid(x.formatID, []byte(x.gtrid), bqual)
}

// FormatID returns the format identifier
func (x Xid) FormatID() int32 { return x.formatID }

// GlobalTransactionID returns a copy of the global transaction id
func (x Xid) GlobalTransactionID() []byte { return []byte(x.gtrid) }

// BranchQualifier returns a copy of the branch qualifier
func (x Xid) BranchQualifier() []byte { return []byte(x.bqual) }

// IsZero reports whether x is the zero value (no transaction).
func (x Xid) IsZero() bool {
	return x == Xid{}
}

// Equal reports structural equality.
func (x Xid) Equal(o Xid) bool {
	return x == o
}

// String renders x as formatID:hex(gtrid):hex(bqual). ParseXid reverses it.
func (x Xid) String() string {
	if x.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%d:%s:%s", x.formatID, hex.EncodeToString([]byte(x.gtrid)), hex.EncodeToString([]byte(x.bqual)))
}

// ParseXid parses the output of Xid.String.
func ParseXid(s string) (Xid, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return Xid{}, fmt.Errorf("invalid xid %q: want formatID:gtrid:bqual", s)
	}
	formatID, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return Xid{}, fmt.Errorf("invalid xid format id %q: %w", parts[0], err)
	}
	gtrid, err := hex.DecodeString(parts[1])
	if err != nil {
		return Xid{}, fmt.Errorf("invalid xid gtrid %q: %w", parts[1], err)
	}
	bqual, err := hex.DecodeString(parts[2])
	if err != nil {
		return Xid{}, fmt.Errorf("invalid xid bqual %q: %w", parts[2], err)
	}
	return NewXid(int32(formatID), gtrid, bqual)
}
