package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"PDALedger/internal/pda"
)

const (
	// MaxNameLen bounds BankAccount.Name so the record stays fixed-size.
	MaxNameLen = 32

	discriminatorLen = 8

	// RecordSize is the serialized size of every BankAccount:
	// discriminator | name len (u32 LE) | name (padded) | balance (u64 LE) | owner.
	RecordSize = discriminatorLen + 4 + MaxNameLen + 8 + pda.PubkeySize
)

var (
	ErrInvalidName   = errors.New("invalid account name")
	ErrInvalidRecord = errors.New("invalid account record")

	recordDiscriminator = func() [discriminatorLen]byte {
		sum := sha256.Sum256([]byte("account:BankAccount"))
		var d [discriminatorLen]byte
		copy(d[:], sum[:discriminatorLen])
		return d
	}()
)

// BankAccount is the persisted state of one account.
type BankAccount struct {
	Name    string     `json:"name"`
	Balance uint64     `json:"balance"`
	Owner   pda.Pubkey `json:"owner"`
}

// ValidateName checks a label is usable as an account name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidName, len(name), MaxNameLen)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidName)
	}
	return nil
}

// MarshalBinary encodes the fixed-size record.
func (a *BankAccount) MarshalBinary() ([]byte, error) {
	if err := ValidateName(a.Name); err != nil {
		return nil, err
	}

	buf := make([]byte, RecordSize)
	off := copy(buf, recordDiscriminator[:])

	binary.LittleEndian.PutUint32(buf[off:], uint32(len(a.Name)))
	off += 4
	copy(buf[off:off+MaxNameLen], a.Name)
	off += MaxNameLen

	binary.LittleEndian.PutUint64(buf[off:], a.Balance)
	off += 8

	copy(buf[off:], a.Owner[:])
	return buf, nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (a *BankAccount) UnmarshalBinary(data []byte) error {
	if len(data) != RecordSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrInvalidRecord, len(data), RecordSize)
	}
	if !bytes.Equal(data[:discriminatorLen], recordDiscriminator[:]) {
		return fmt.Errorf("%w: discriminator mismatch", ErrInvalidRecord)
	}
	off := discriminatorLen

	nameLen := int(binary.LittleEndian.Uint32(data[off:]))
	off += 4
	if nameLen > MaxNameLen {
		return fmt.Errorf("%w: name length %d", ErrInvalidRecord, nameLen)
	}
	name := string(data[off : off+nameLen])
	off += MaxNameLen

	balance := binary.LittleEndian.Uint64(data[off:])
	off += 8

	var owner pda.Pubkey
	copy(owner[:], data[off:off+pda.PubkeySize])

	a.Name = name
	a.Balance = balance
	a.Owner = owner
	return nil
}

// CanonicalBytes for deterministic hashing
func (a *BankAccount) CanonicalBytes(addr pda.Pubkey) []byte {
	buf := make([]byte, 0, pda.PubkeySize*2+len(a.Name)+9)
	buf = append(buf, addr[:]...)
	buf = append(buf, byte(len(a.Name)))
	buf = append(buf, a.Name...)
	buf = binary.LittleEndian.AppendUint64(buf, a.Balance)
	buf = append(buf, a.Owner[:]...)
	return buf
}
