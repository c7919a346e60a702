// Package signer produces sponsor signatures over transaction intent
// digests, either from a locally held keypair or through a signing
// sidecar that keeps the key out of this process.
package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"

	"golang.org/x/crypto/blake2b"

	"github.com/R3E-Network/gaspool/internal/errs"
	"github.com/R3E-Network/gaspool/internal/ledger"
	"github.com/R3E-Network/gaspool/internal/types"
)

// schemeEd25519 is the signature scheme flag byte used in keypair and
// signature serialization.
const schemeEd25519 byte = 0x00

// Signer signs sponsored transactions for a single sponsor address.
type Signer interface {
	// Address is the sponsor address the signatures belong to.
	Address() types.Address
	// Sign returns the base64 serialized signature over the intent
	// digest of txBytes.
	Sign(ctx context.Context, txBytes []byte) (string, error)
}

// Local signs with an in-process ed25519 keypair.
type Local struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	address types.Address
}

// NewLocal parses a base64 keypair of the form flag byte plus 32-byte
// seed, as exported by the ledger keystore.
func NewLocal(keypairB64 string) (*Local, error) {
	raw, err := base64.StdEncoding.DecodeString(keypairB64)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalid, err, "keypair is not base64")
	}
	if len(raw) != 1+ed25519.SeedSize {
		return nil, errs.Newf(errs.KindInvalid,
			"keypair must be %d bytes (flag plus seed), got %d", 1+ed25519.SeedSize, len(raw))
	}
	if raw[0] != schemeEd25519 {
		return nil, errs.Newf(errs.KindInvalid, "unsupported key scheme flag %#x", raw[0])
	}

	priv := ed25519.NewKeyFromSeed(raw[1:])
	pub := priv.Public().(ed25519.PublicKey)
	return &Local{
		priv:    priv,
		pub:     pub,
		address: AddressFromPublicKey(pub),
	}, nil
}

// AddressFromPublicKey derives the account address for an ed25519
// public key: the blake2b-256 hash of the flag byte plus the key.
func AddressFromPublicKey(pub ed25519.PublicKey) types.Address {
	msg := make([]byte, 0, 1+ed25519.PublicKeySize)
	msg = append(msg, schemeEd25519)
	msg = append(msg, pub...)
	return types.Address(blake2b.Sum256(msg))
}

func (l *Local) Address() types.Address {
	return l.address
}

// Sign hashes txBytes into its intent digest and returns the serialized
// signature: flag byte, 64 signature bytes, 32 public key bytes.
func (l *Local) Sign(_ context.Context, txBytes []byte) (string, error) {
	digest := ledger.SigningDigest(txBytes)
	sig := ed25519.Sign(l.priv, digest)

	serialized := make([]byte, 0, 1+len(sig)+len(l.pub))
	serialized = append(serialized, schemeEd25519)
	serialized = append(serialized, sig...)
	serialized = append(serialized, l.pub...)
	return base64.StdEncoding.EncodeToString(serialized), nil
}
