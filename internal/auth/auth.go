// Package auth binds operations to the identities that authorized them.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"

	"PDALedger/internal/event"
	"PDALedger/internal/pda"

	"github.com/mr-tron/base58"
	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("signature verification failed")
	// ErrAdminRequired rejects admin operations signed by any other key.
	ErrAdminRequired = errors.New("operation requires the admin key")
)

// Keypair is an ed25519 identity.
type Keypair struct {
	Public  pda.Pubkey
	private ed25519.PrivateKey
}

// GenerateKeypair creates a fresh identity.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	pk, err := pda.PubkeyFromBytes(pub)
	if err != nil {
		return nil, err
	}
	return &Keypair{Public: pk, private: priv}, nil
}

// KeypairFromSeed rebuilds an identity from its 32-byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pk, err := pda.PubkeyFromBytes(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Keypair{Public: pk, private: priv}, nil
}

// ParseSecret decodes a base58 seed or 64-byte secret key.
func ParseSecret(s string) (*Keypair, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode secret: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return KeypairFromSeed(raw)
	case ed25519.PrivateKeySize:
		return KeypairFromSeed(raw[:ed25519.SeedSize])
	}
	return nil, fmt.Errorf("secret must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
}

// Sign signs the operation's canonical bytes.
func (k *Keypair) Sign(evt event.Event) []byte {
	return ed25519.Sign(k.private, evt.SigningBytes())
}

// SignatureString is Sign in base58, the form used on the wire.
func (k *Keypair) SignatureString(evt event.Event) string {
	return base58.Encode(k.Sign(evt))
}

// Verifier checks that operations are signed by their authority. Admin
// operations (those with a zero authority) must be signed by the admin key.
type Verifier struct {
	admin pda.Pubkey
}

func NewVerifier(admin pda.Pubkey) *Verifier {
	return &Verifier{admin: admin}
}

// Verify checks sig over evt. It returns the identity that signed.
func (v *Verifier) Verify(evt event.Event, sig []byte) (pda.Pubkey, error) {
	if len(sig) == 0 {
		return pda.Pubkey{}, ErrMissingSignature
	}

	signer := evt.Authority()
	if signer.IsZero() {
		if v.admin.IsZero() {
			return pda.Pubkey{}, ErrAdminRequired
		}
		signer = v.admin
	}

	if len(sig) != ed25519.SignatureSize ||
		!ed25519.Verify(ed25519.PublicKey(signer[:]), evt.SigningBytes(), sig) {
		return pda.Pubkey{}, fmt.Errorf("%w: %s %s", ErrBadSignature, evt.EventType(), evt.IdempotencyKey())
	}
	return signer, nil
}

// VerifyString is Verify for a base58 signature.
func (v *Verifier) VerifyString(evt event.Event, sig string) (pda.Pubkey, error) {
	if sig == "" {
		return pda.Pubkey{}, ErrMissingSignature
	}
	raw, err := base58.Decode(sig)
	if err != nil {
		return pda.Pubkey{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return v.Verify(evt, raw)
}
