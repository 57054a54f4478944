package pda

import (
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	// MaxSeedLen bounds each seed, including the label.
	MaxSeedLen = 32
	// MaxSeeds bounds the number of seeds, including the bump.
	MaxSeeds = 16

	derivationMarker = "ProgramDerivedAddress"

	// DefaultSeedPrefix is the fixed label every bank account address is derived under.
	DefaultSeedPrefix = "bankaccount"
)

// DefaultProgramID is the program identity addresses are derived under unless configured.
var DefaultProgramID = MustParsePubkey("C7TxEfdd9bZQPvKhV2nmbirHqgFMn2Wn8fEcejrLpyJt")

var (
	ErrMaxSeedLengthExceeded = errors.New("seed exceeds max length")
	ErrTooManySeeds          = errors.New("too many seeds")
	ErrOnCurve               = errors.New("derived address is on curve")
	ErrDerivationExhausted   = errors.New("no off-curve bump found")
	ErrAddressMismatch       = errors.New("address does not match derivation")
)

// CreateProgramAddress hashes seeds under programID. It fails with ErrOnCurve when
// the digest is a valid ed25519 point, since such an address could have a signer.
func CreateProgramAddress(seeds [][]byte, programID Pubkey) (Pubkey, error) {
	if len(seeds) > MaxSeeds {
		return Pubkey{}, ErrTooManySeeds
	}

	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return Pubkey{}, fmt.Errorf("%w: %d bytes", ErrMaxSeedLengthExceeded, len(seed))
		}
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write([]byte(derivationMarker))

	var addr Pubkey
	copy(addr[:], h.Sum(nil))
	if addr.IsOnCurve() {
		return Pubkey{}, ErrOnCurve
	}
	return addr, nil
}

// FindProgramAddress searches bumps from 255 down to 0 and returns the first
// off-curve address together with the bump that produced it.
func FindProgramAddress(seeds [][]byte, programID Pubkey) (Pubkey, uint8, error) {
	if len(seeds) >= MaxSeeds {
		return Pubkey{}, 0, ErrTooManySeeds
	}

	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	bump := []byte{0}
	withBump[len(seeds)] = bump

	for b := 255; b >= 0; b-- {
		bump[0] = uint8(b)
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, uint8(b), nil
		}
		if !errors.Is(err, ErrOnCurve) {
			return Pubkey{}, 0, err
		}
	}
	return Pubkey{}, 0, ErrDerivationExhausted
}

// Derivation is a derived account address and the bump proving it is off-curve.
type Derivation struct {
	Address Pubkey
	Bump    uint8
}

// Deriver maps (label, owner) pairs to account addresses.
// The seeds are prefix || label || owner || bump. Every seed except the label is
// fixed-length, so distinct pairs never produce the same preimage.
type Deriver struct {
	programID Pubkey
	prefix    []byte
}

func NewDeriver(programID Pubkey, prefix string) *Deriver {
	if prefix == "" {
		prefix = DefaultSeedPrefix
	}
	return &Deriver{programID: programID, prefix: []byte(prefix)}
}

func (d *Deriver) ProgramID() Pubkey {
	return d.programID
}

// Derive returns the address for (label, owner). It is pure and deterministic.
func (d *Deriver) Derive(label string, owner Pubkey) (Derivation, error) {
	addr, bump, err := FindProgramAddress(d.seeds(label, owner), d.programID)
	if err != nil {
		return Derivation{}, err
	}
	return Derivation{Address: addr, Bump: bump}, nil
}

// Verify checks addr against the derivation for (label, owner) with a known bump,
// which costs a single hash instead of a search.
func (d *Deriver) Verify(label string, owner Pubkey, bump uint8, addr Pubkey) error {
	seeds := append(d.seeds(label, owner), []byte{bump})
	expected, err := CreateProgramAddress(seeds, d.programID)
	if err != nil {
		return err
	}
	if expected != addr {
		return fmt.Errorf("%w: want %s, got %s", ErrAddressMismatch, expected, addr)
	}
	return nil
}

func (d *Deriver) seeds(label string, owner Pubkey) [][]byte {
	return [][]byte{d.prefix, []byte(label), owner[:]}
}
