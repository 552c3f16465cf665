// Package fhe models encrypted 64-bit unsigned integers as opaque handles
// and routes every arithmetic operation through a capability interface, so
// that no consumer of the package ever touches a plaintext amount.
//
// Overview:
//   - Handle is an opaque reference to an encrypted integer; the zero Handle
//     means "never initialized" and must not reach arithmetic.
//   - Provider is the encrypted-computation capability: proofed ingest,
//     homomorphic add/sub, comparison, conditional select, plaintext
//     constants, and per-handle decrypt grants.
//   - Enclave realizes Provider with BGV ciphertexts (lattigo). Addition and
//     subtraction are evaluated homomorphically; comparison and selection
//     execute inside the enclave's trusted decryption boundary and always
//     emit a fresh ciphertext, so callers cannot tell which branch was taken.
//   - Client is the caller-side helper that encrypts an amount under the
//     enclave key and attaches a Groth16 range/commitment proof (gnark,
//     BW6-761, MiMC), the precondition for IngestExternal.
//
// Permission model:
//   - Every handle carries its own grant list. Handles produced by
//     arithmetic start with an empty list; access to an input handle never
//     carries over to a derived one. Decrypt refuses principals that were
//     not explicitly granted.
//
// All randomness comes from crypto/rand. Key material for the Groth16
// circuit is generated once and persisted via SetupOrLoadKeys.
package fhe
