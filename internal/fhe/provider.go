// provider.go - The encrypted-computation capability consumed by the ledger
// and the vault.

package fhe

import "errors"

// Provider errors. Only ErrInvalidProof ever aborts a caller-visible
// operation; the others indicate misuse of the capability itself.
var (
	// ErrInvalidProof means an ingested input failed proof verification or
	// the proof did not bind to the accompanying ciphertext.
	ErrInvalidProof = errors.New("fhe: invalid input proof")

	// ErrUnknownHandle means a handle was never issued by this provider.
	ErrUnknownHandle = errors.New("fhe: unknown handle")

	// ErrUninitialized means the zero handle reached an operation that
	// requires a value. Callers must check IsInitialized first.
	ErrUninitialized = errors.New("fhe: uninitialized handle")

	// ErrAccessDenied means the principal holds no decrypt grant for the
	// handle. Surfaced only by the decryption collaborator, never by the
	// core operations.
	ErrAccessDenied = errors.New("fhe: principal has no access to handle")

	// ErrAmountRange means a plaintext amount exceeds MaxAmount.
	ErrAmountRange = errors.New("fhe: amount out of range")
)

// Provider is the abstract encrypted-computation capability. Every operation
// that produces a handle produces a fresh one with an empty grant list;
// grants never carry over from inputs to outputs.
type Provider interface {
	// IngestExternal verifies the proof accompanying a client-encrypted
	// ciphertext and, on success, adopts it as an internal handle.
	IngestExternal(ciphertext, proof []byte) (Handle, error)

	// Add returns a handle to a + b, computed homomorphically.
	Add(a, b Handle) (Handle, error)

	// Sub returns a handle to a - b, computed homomorphically. Callers are
	// expected to have clamped b to at most a; the provider does not guard
	// against wraparound.
	Sub(a, b Handle) (Handle, error)

	// CompareGreaterOrEqual returns a handle encrypting 1 if a >= b and 0
	// otherwise. The result is a fresh ciphertext either way.
	CompareGreaterOrEqual(a, b Handle) (Handle, error)

	// SelectIf returns a handle to ifTrue when cond encrypts a nonzero
	// value and to ifFalse otherwise. Both arms are consumed
	// unconditionally and the output is a fresh ciphertext, so the chosen
	// branch is not observable.
	SelectIf(cond, ifTrue, ifFalse Handle) (Handle, error)

	// ConstantFromPlaintext encrypts a plaintext constant.
	ConstantFromPlaintext(value uint64) (Handle, error)

	// GrantAccess records that principal may later decrypt handle.
	GrantAccess(h Handle, p Principal) error

	// IsInitialized reports whether h refers to a value. The zero handle
	// and handles never issued by this provider are uninitialized.
	IsInitialized(h Handle) bool
}
