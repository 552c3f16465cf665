// circuit.go - Groth16 circuit for proofed amount ingestion.
//
// A client submitting an encrypted amount proves, in zero knowledge, that
// the amount behind its MiMC commitment fits in AmountBits bits. The enclave
// separately checks that the commitment opens to the plaintext carried by
// the ciphertext, binding proof and ciphertext together.

package fhe

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"
)

// AmountBits bounds every ingested or minted amount. With a 60-bit BGV
// plaintext modulus this leaves 2^11 of additive headroom before any
// aggregate could wrap.
const AmountBits = 48

// MaxAmount is the largest representable amount, inclusive.
const MaxAmount = uint64(1)<<AmountBits - 1

// CircuitIngest proves knowledge of an in-range amount and blinding salt
// behind a public MiMC commitment.
type CircuitIngest struct {
	// Public
	Commitment frontend.Variable `gnark:",public"`

	// Private
	Amount frontend.Variable
	Salt   frontend.Variable
}

// Define constrains the witness.
func (c *CircuitIngest) Define(api frontend.API) error {
	// (1) Range: Amount decomposes into AmountBits bits.
	api.ToBinary(c.Amount, AmountBits)

	// (2) Commitment: Cm = MiMC(Amount, Salt)
	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	hasher.Write(c.Amount)
	hasher.Write(c.Salt)
	api.AssertIsEqual(c.Commitment, hasher.Sum())
	return nil
}
