package pda

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/oasisprotocol/curve25519-voi/curve"
)

// PubkeySize is the length of identities and derived addresses.
const PubkeySize = 32

// Pubkey is a 32-byte identity or account address.
// Identities are ed25519 public keys; derived addresses are deliberately off-curve.
type Pubkey [PubkeySize]byte

var ErrInvalidPubkey = errors.New("invalid pubkey")

// ParsePubkey decodes a base58 string.
func ParsePubkey(s string) (Pubkey, error) {
	var pk Pubkey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}
	if len(raw) != PubkeySize {
		return pk, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPubkey, len(raw), PubkeySize)
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustParsePubkey is ParsePubkey for constants and tests.
func MustParsePubkey(s string) Pubkey {
	pk, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// PubkeyFromBytes copies a 32-byte slice into a Pubkey.
func PubkeyFromBytes(b []byte) (Pubkey, error) {
	var pk Pubkey
	if len(b) != PubkeySize {
		return pk, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPubkey, len(b), PubkeySize)
	}
	copy(pk[:], b)
	return pk, nil
}

func (pk Pubkey) String() string {
	return base58.Encode(pk[:])
}

func (pk Pubkey) Bytes() []byte {
	out := make([]byte, PubkeySize)
	copy(out, pk[:])
	return out
}

func (pk Pubkey) IsZero() bool {
	return pk == Pubkey{}
}

// IsOnCurve reports whether pk decompresses to an ed25519 point, i.e. whether
// a private key could exist for it.
func (pk Pubkey) IsOnCurve() bool {
	compressed := curve.CompressedEdwardsY(pk)
	var p curve.EdwardsPoint
	_, err := p.SetCompressedY(&compressed)
	return err == nil
}

// MarshalText encodes as base58 so Pubkey works as a JSON value and map key.
func (pk Pubkey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *Pubkey) UnmarshalText(text []byte) error {
	parsed, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}
