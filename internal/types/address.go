// Package types holds the core domain objects shared across the gas
// station: ledger addresses, gas coin references and reservations.
package types

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AddressLength is the byte length of a ledger address.
const AddressLength = 32

// Address is a 32-byte account address on the ledger, rendered as
// 0x-prefixed lowercase hex.
type Address [AddressLength]byte

// ObjectID identifies an on-chain object. Object ids share the address
// format on IOTA-family ledgers.
type ObjectID = Address

// ParseAddress parses a 0x-prefixed hex address. Short forms such as
// 0x2 are left-padded to the full 32 bytes.
func ParseAddress(s string) (Address, error) {
	var a Address
	raw := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if raw == "" {
		return a, fmt.Errorf("empty address")
	}
	if len(raw) > 2*AddressLength {
		return a, fmt.Errorf("address %q longer than %d bytes", s, AddressLength)
	}
	if len(raw)%2 == 1 {
		raw = "0" + raw
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return a, fmt.Errorf("address %q is not hex: %w", s, err)
	}
	copy(a[AddressLength-len(b):], b)
	return a, nil
}

// MustParseAddress is ParseAddress for static inputs; it panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Short returns the address with leading zero bytes trimmed, keeping at
// least one digit. Used in log fields only.
func (a Address) Short() string {
	s := strings.TrimLeft(hex.EncodeToString(a[:]), "0")
	if s == "" {
		s = "0"
	}
	return "0x" + s
}

// IsZero reports whether the address is all zero bytes.
func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
