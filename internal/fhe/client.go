// client.go - Caller-side encryption helper.
//
// A Client encrypts an amount under the enclave public key and attaches the
// Groth16 range/commitment proof that IngestExternal demands. This is the
// collaborator role of the protocol: it never sees enclave secrets and the
// enclave never sees the blinding salt outside its trusted boundary.

package fhe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/heint"
)

// Client produces proofed ciphertext inputs for a specific enclave.
type Client struct {
	params    heint.Parameters
	encoder   *heint.Encoder
	encryptor *rlwe.Encryptor
	ccs       constraint.ConstraintSystem
	pk        groth16.ProvingKey
}

// NewClient builds a client bound to the enclave's parameters and
// encryption key, with the ingest circuit and its proving key.
func NewClient(params heint.Parameters, enclaveKey *rlwe.PublicKey, ccs constraint.ConstraintSystem, pk groth16.ProvingKey) *Client {
	return &Client{
		params:    params,
		encoder:   heint.NewEncoder(params),
		encryptor: heint.NewEncryptor(params, enclaveKey),
		ccs:       ccs,
		pk:        pk,
	}
}

// EncryptAmount encrypts amount with a fresh blinding salt and proves that
// the committed amount is in range. The returned pair feeds
// Provider.IngestExternal.
func (c *Client) EncryptAmount(amount uint64) (ciphertext, proof []byte, err error) {
	if amount > MaxAmount {
		return nil, nil, ErrAmountRange
	}
	salt, err := randomSalt()
	if err != nil {
		return nil, nil, fmt.Errorf("salt generation: %w", err)
	}

	// Slot 0 carries the amount, slot 1 the salt; the enclave opens both to
	// check the commitment binding.
	values := make([]uint64, c.params.MaxSlots())
	values[0] = amount
	values[1] = salt
	pt := heint.NewPlaintext(c.params, c.params.MaxLevel())
	if err := c.encoder.Encode(values, pt); err != nil {
		return nil, nil, fmt.Errorf("encode: %w", err)
	}
	ct, err := c.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt: %w", err)
	}
	ciphertext, err = ct.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("ciphertext serialization: %w", err)
	}

	cm := new(big.Int).SetBytes(commitAmount(amount, salt))
	assignment := &CircuitIngest{
		Commitment: cm,
		Amount:     amount,
		Salt:       salt,
	}
	witness, err := frontend.NewWitness(assignment, ecc.BW6_761.ScalarField())
	if err != nil {
		return nil, nil, fmt.Errorf("witness: %w", err)
	}
	g16Proof, err := groth16.Prove(c.ccs, c.pk, witness)
	if err != nil {
		return nil, nil, fmt.Errorf("prove: %w", err)
	}
	var proofBuf bytes.Buffer
	if _, err := g16Proof.WriteTo(&proofBuf); err != nil {
		return nil, nil, fmt.Errorf("proof serialization: %w", err)
	}

	proof, err = json.Marshal(ingestProof{
		Commitment: cm.String(),
		Proof:      proofBuf.Bytes(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("proof blob: %w", err)
	}
	return ciphertext, proof, nil
}
