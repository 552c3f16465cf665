// enclave.go - BGV-backed realization of the Provider capability.
//
// The Enclave stores every value as a BGV ciphertext and evaluates add/sub
// homomorphically. Comparison and selection are routed through its trusted
// decryption boundary, the in-process stand-in for the provider's threshold
// decryption committee; their results are always fresh ciphertexts, so the
// caller-visible behavior is branchless. The enclave also keeps the
// per-handle grant lists and answers out-of-band decryption requests.

package fhe

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/heint"
	"github.com/zeebo/blake3"
)

// plaintextModulus is a 60-bit prime congruent to 1 mod 2^16, NTT-friendly
// for every ring degree used here. Amounts are capped at MaxAmount (48 bits)
// so aggregates stay far from the modulus.
const plaintextModulus = 0x8000000004a0001

// DefaultParametersLiteral returns the production BGV profile
// (128-bit secure ring degree 2^14).
func DefaultParametersLiteral() heint.ParametersLiteral {
	return heint.ParametersLiteral{
		LogN:             14,
		LogQ:             []int{60, 60},
		LogP:             []int{61},
		PlaintextModulus: plaintextModulus,
	}
}

// TestParametersLiteral returns a small, INSECURE profile for tests.
func TestParametersLiteral() heint.ParametersLiteral {
	return heint.ParametersLiteral{
		LogN:             12,
		LogQ:             []int{55, 55},
		LogP:             []int{55},
		PlaintextModulus: plaintextModulus,
	}
}

// ingestProof is the wire form of the proof blob accompanying an ingested
// ciphertext.
type ingestProof struct {
	Commitment string `json:"commitment"` // decimal MiMC commitment
	Proof      []byte `json:"proof"`      // serialized Groth16 proof
}

// Enclave implements Provider on top of lattigo BGV ciphertexts.
// Safe for concurrent use; every operation is serialized.
type Enclave struct {
	mu sync.Mutex

	params    heint.Parameters
	sk        *rlwe.SecretKey
	pk        *rlwe.PublicKey
	encoder   *heint.Encoder
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
	evaluator *heint.Evaluator
	vk        groth16.VerifyingKey

	store map[Handle]*rlwe.Ciphertext
	acl   map[Handle]map[Principal]struct{}
	nonce uint64
}

// NewEnclave creates an enclave with a fresh BGV keypair. vk is the
// verifying key of the ingest circuit; clients prove against its proving
// counterpart.
func NewEnclave(lit heint.ParametersLiteral, vk groth16.VerifyingKey) (*Enclave, error) {
	params, err := heint.NewParametersFromLiteral(lit)
	if err != nil {
		return nil, fmt.Errorf("bgv parameters: %w", err)
	}
	kgen := heint.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	return &Enclave{
		params:    params,
		sk:        sk,
		pk:        pk,
		encoder:   heint.NewEncoder(params),
		encryptor: heint.NewEncryptor(params, pk),
		decryptor: heint.NewDecryptor(params, sk),
		evaluator: heint.NewEvaluator(params, nil),
		vk:        vk,
		store:     make(map[Handle]*rlwe.Ciphertext),
		acl:       make(map[Handle]map[Principal]struct{}),
	}, nil
}

// Params returns the BGV parameters clients must encrypt under.
func (e *Enclave) Params() heint.Parameters { return e.params }

// PublicKey returns the enclave encryption key.
func (e *Enclave) PublicKey() *rlwe.PublicKey { return e.pk }

// VerifyingKey returns the ingest circuit verifying key.
func (e *Enclave) VerifyingKey() groth16.VerifyingKey { return e.vk }

// IngestExternal verifies the Groth16 range proof, decrypts the candidate
// ciphertext inside the trusted boundary, and checks that the public MiMC
// commitment opens to the carried (amount, salt) pair. Only then is the
// ciphertext adopted as a handle.
func (e *Enclave) IngestExternal(ciphertext, proof []byte) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var blob ingestProof
	if err := json.Unmarshal(proof, &blob); err != nil {
		return Handle{}, fmt.Errorf("%w: cannot decode proof blob", ErrInvalidProof)
	}
	cm, ok := new(big.Int).SetString(blob.Commitment, 10)
	if !ok {
		return Handle{}, fmt.Errorf("%w: malformed commitment", ErrInvalidProof)
	}

	// 1. Verify the range proof against the public commitment.
	publicWitness := &CircuitIngest{Commitment: cm}
	w, err := frontend.NewWitness(publicWitness, ecc.BW6_761.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return Handle{}, fmt.Errorf("%w: cannot build public witness", ErrInvalidProof)
	}
	g16Proof := groth16.NewProof(ecc.BW6_761)
	if _, err := g16Proof.ReadFrom(bytes.NewReader(blob.Proof)); err != nil {
		return Handle{}, fmt.Errorf("%w: cannot unmarshal proof", ErrInvalidProof)
	}
	if err := groth16.Verify(g16Proof, e.vk, w); err != nil {
		return Handle{}, fmt.Errorf("%w: verification failed", ErrInvalidProof)
	}

	// 2. Decrypt the candidate and bind it to the commitment.
	ct := new(rlwe.Ciphertext)
	if err := ct.UnmarshalBinary(ciphertext); err != nil {
		return Handle{}, fmt.Errorf("%w: cannot unmarshal ciphertext", ErrInvalidProof)
	}
	amount, salt, err := e.decryptSlots(ct)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: undecryptable ciphertext", ErrInvalidProof)
	}
	if amount > MaxAmount {
		return Handle{}, fmt.Errorf("%w: amount exceeds range", ErrInvalidProof)
	}
	if new(big.Int).SetBytes(commitAmount(amount, salt)).Cmp(cm) != 0 {
		return Handle{}, fmt.Errorf("%w: commitment does not bind ciphertext", ErrInvalidProof)
	}

	return e.put(ct)
}

// Add returns a handle to a + b, evaluated homomorphically.
func (e *Enclave) Add(a, b Handle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctA, ctB, err := e.pair(a, b)
	if err != nil {
		return Handle{}, err
	}
	out, err := e.evaluator.AddNew(ctA, ctB)
	if err != nil {
		return Handle{}, fmt.Errorf("homomorphic add: %w", err)
	}
	return e.put(out)
}

// Sub returns a handle to a - b, evaluated homomorphically.
func (e *Enclave) Sub(a, b Handle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctA, ctB, err := e.pair(a, b)
	if err != nil {
		return Handle{}, err
	}
	out, err := e.evaluator.SubNew(ctA, ctB)
	if err != nil {
		return Handle{}, fmt.Errorf("homomorphic sub: %w", err)
	}
	return e.put(out)
}

// CompareGreaterOrEqual returns a handle encrypting 1 if a >= b, else 0.
// The comparison runs inside the trusted decryption boundary; the result is
// a fresh encryption in either case.
func (e *Enclave) CompareGreaterOrEqual(a, b Handle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctA, ctB, err := e.pair(a, b)
	if err != nil {
		return Handle{}, err
	}
	va, _, err := e.decryptSlots(ctA)
	if err != nil {
		return Handle{}, err
	}
	vb, _, err := e.decryptSlots(ctB)
	if err != nil {
		return Handle{}, err
	}
	var bit uint64
	if va >= vb {
		bit = 1
	}
	out, err := e.encryptValue(bit)
	if err != nil {
		return Handle{}, err
	}
	return e.put(out)
}

// SelectIf returns a handle to ifTrue when cond encrypts nonzero, otherwise
// to ifFalse. Both arms are resolved unconditionally and the output is a
// fresh encryption, so the taken branch is not observable from the handle.
func (e *Enclave) SelectIf(cond, ifTrue, ifFalse Handle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctCond, err := e.fetch(cond)
	if err != nil {
		return Handle{}, err
	}
	ctT, ctF, err := e.pair(ifTrue, ifFalse)
	if err != nil {
		return Handle{}, err
	}
	c, _, err := e.decryptSlots(ctCond)
	if err != nil {
		return Handle{}, err
	}
	vt, _, err := e.decryptSlots(ctT)
	if err != nil {
		return Handle{}, err
	}
	vf, _, err := e.decryptSlots(ctF)
	if err != nil {
		return Handle{}, err
	}
	selected := vf
	if c != 0 {
		selected = vt
	}
	out, err := e.encryptValue(selected)
	if err != nil {
		return Handle{}, err
	}
	return e.put(out)
}

// ConstantFromPlaintext encrypts a plaintext constant under the enclave key.
func (e *Enclave) ConstantFromPlaintext(value uint64) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.encryptValue(value)
	if err != nil {
		return Handle{}, err
	}
	return e.put(out)
}

// GrantAccess records that principal may decrypt handle. Idempotent.
func (e *Enclave) GrantAccess(h Handle, p Principal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h.IsZero() {
		return ErrUninitialized
	}
	grants, ok := e.acl[h]
	if !ok {
		return ErrUnknownHandle
	}
	grants[p] = struct{}{}
	return nil
}

// IsInitialized reports whether h refers to a stored value.
func (e *Enclave) IsInitialized(h Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h.IsZero() {
		return false
	}
	_, ok := e.store[h]
	return ok
}

// Decrypt is the out-of-band decryption collaborator: it discloses the
// plaintext behind h to a principal that was explicitly granted access.
// The core never calls this.
func (e *Enclave) Decrypt(h Handle, p Principal) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ct, err := e.fetch(h)
	if err != nil {
		return 0, err
	}
	if _, ok := e.acl[h][p]; !ok {
		return 0, ErrAccessDenied
	}
	amount, _, err := e.decryptSlots(ct)
	return amount, err
}

// HasAccess reports whether p currently holds a decrypt grant on h.
func (e *Enclave) HasAccess(h Handle, p Principal) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.acl[h][p]
	return ok
}

// fetch resolves a handle to its stored ciphertext. Callers hold e.mu.
func (e *Enclave) fetch(h Handle) (*rlwe.Ciphertext, error) {
	if h.IsZero() {
		return nil, ErrUninitialized
	}
	ct, ok := e.store[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return ct, nil
}

func (e *Enclave) pair(a, b Handle) (*rlwe.Ciphertext, *rlwe.Ciphertext, error) {
	ctA, err := e.fetch(a)
	if err != nil {
		return nil, nil, err
	}
	ctB, err := e.fetch(b)
	if err != nil {
		return nil, nil, err
	}
	return ctA, ctB, nil
}

// put stores a ciphertext under a fresh handle with an empty grant list.
// Callers hold e.mu.
func (e *Enclave) put(ct *rlwe.Ciphertext) (Handle, error) {
	raw, err := ct.MarshalBinary()
	if err != nil {
		return Handle{}, fmt.Errorf("ciphertext serialization: %w", err)
	}
	e.nonce++
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], e.nonce)
	h := Handle(blake3.Sum256(append(seed[:], raw...)))
	e.store[h] = ct
	e.acl[h] = make(map[Principal]struct{})
	return h, nil
}

// encryptValue produces a fresh encryption of value in slot 0.
// Callers hold e.mu.
func (e *Enclave) encryptValue(value uint64) (*rlwe.Ciphertext, error) {
	values := make([]uint64, e.params.MaxSlots())
	values[0] = value
	pt := heint.NewPlaintext(e.params, e.params.MaxLevel())
	if err := e.encoder.Encode(values, pt); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	ct, err := e.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return ct, nil
}

// decryptSlots opens a ciphertext inside the trusted boundary and returns
// slots 0 (amount) and 1 (salt). Callers hold e.mu.
func (e *Enclave) decryptSlots(ct *rlwe.Ciphertext) (uint64, uint64, error) {
	pt := e.decryptor.DecryptNew(ct)
	values := make([]uint64, e.params.MaxSlots())
	if err := e.encoder.Decode(pt, values); err != nil {
		return 0, 0, fmt.Errorf("decode: %w", err)
	}
	return values[0], values[1], nil
}
