// handle.go - Opaque handle and principal types for encrypted values.

package fhe

import (
	"encoding/hex"
	"fmt"
)

// HandleSize is the byte length of a ciphertext handle.
const HandleSize = 32

// Handle is an opaque reference to an encrypted 64-bit unsigned integer held
// by the encrypted-computation provider. The zero Handle is the
// "uninitialized" state; it is a valid map default but must never be passed
// to arithmetic. Possession of a Handle grants nothing: decryption rights
// are tracked separately, per handle, by the provider.
type Handle [HandleSize]byte

// Principal identifies a party that can be granted decryption rights on a
// handle: an account, or a contract-like component such as the ledger or the
// vault itself.
type Principal string

// IsZero reports whether h is the uninitialized handle.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// String returns the hex form of the handle.
func (h Handle) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler so handles can key JSON maps
// in persisted state.
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Handle) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid handle encoding: %w", err)
	}
	if len(raw) != HandleSize {
		return fmt.Errorf("invalid handle length: %d", len(raw))
	}
	copy(h[:], raw)
	return nil
}
