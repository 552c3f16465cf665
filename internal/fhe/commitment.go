// commitment.go - Native MiMC commitment matching the in-circuit hash, plus
// protocol randomness.

package fhe

import (
	"crypto/rand"
	"encoding/binary"

	fr "github.com/consensys/gnark-crypto/ecc/bw6-761/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
)

// commitAmount computes Cm = MiMC(amount, salt) over the BW6-761 scalar
// field, byte-for-byte compatible with CircuitIngest.
func commitAmount(amount, salt uint64) []byte {
	var a, s fr.Element
	a.SetUint64(amount)
	s.SetUint64(salt)
	aBytes := a.Bytes()
	sBytes := s.Bytes()
	h := mimcNative.NewMiMC()
	h.Write(aBytes[:])
	h.Write(sBytes[:])
	return h.Sum(nil)
}

// randomSalt draws a fresh blinding salt from crypto/rand. The salt rides in
// a ciphertext slot next to the amount, so it must stay below the plaintext
// modulus; it is bounded to AmountBits bits.
func randomSalt() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]) & MaxAmount, nil
}
