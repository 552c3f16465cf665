package fhe

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// testRig shares one Groth16 setup and one enclave keypair across the
// package tests; circuit compilation and key generation dominate otherwise.
type testRig struct {
	enclave *Enclave
	client  *Client
}

var (
	rigOnce sync.Once
	rig     *testRig
	rigErr  error
)

func getRig(t *testing.T) *testRig {
	t.Helper()
	rigOnce.Do(func() {
		dir, err := filepath.Abs(t.TempDir())
		if err != nil {
			rigErr = err
			return
		}
		ccs, err := CompileIngestCircuit()
		if err != nil {
			rigErr = err
			return
		}
		pk, vk, err := SetupOrLoadKeys(ccs, filepath.Join(dir, "ingest_pk.bin"), filepath.Join(dir, "ingest_vk.bin"))
		if err != nil {
			rigErr = err
			return
		}
		enclave, err := NewEnclave(TestParametersLiteral(), vk)
		if err != nil {
			rigErr = err
			return
		}
		rig = &testRig{
			enclave: enclave,
			client:  NewClient(enclave.Params(), enclave.PublicKey(), ccs, pk),
		}
	})
	require.NoError(t, rigErr)
	return rig
}

func TestIngestRoundTrip(t *testing.T) {
	r := getRig(t)

	ct, proof, err := r.client.EncryptAmount(123456789)
	require.NoError(t, err)

	h, err := r.enclave.IngestExternal(ct, proof)
	require.NoError(t, err)
	require.True(t, r.enclave.IsInitialized(h))

	alice := Principal("alice")
	require.NoError(t, r.enclave.GrantAccess(h, alice))
	v, err := r.enclave.Decrypt(h, alice)
	require.NoError(t, err)
	require.Equal(t, uint64(123456789), v)
}

func TestIngestRejectsTamperedProof(t *testing.T) {
	r := getRig(t)

	ct, proof, err := r.client.EncryptAmount(42)
	require.NoError(t, err)

	tampered := make([]byte, len(proof))
	copy(tampered, proof)
	tampered[len(tampered)/2] ^= 0xff
	_, err = r.enclave.IngestExternal(ct, tampered)
	require.ErrorIs(t, err, ErrInvalidProof)
}

func TestIngestRejectsSwappedCiphertext(t *testing.T) {
	r := getRig(t)

	ctA, _, err := r.client.EncryptAmount(5)
	require.NoError(t, err)
	_, proofB, err := r.client.EncryptAmount(9)
	require.NoError(t, err)

	// A's ciphertext under B's proof: the commitment no longer opens to the
	// carried plaintext.
	_, err = r.enclave.IngestExternal(ctA, proofB)
	require.ErrorIs(t, err, ErrInvalidProof)
}

func TestClientRejectsOversizedAmount(t *testing.T) {
	r := getRig(t)

	_, _, err := r.client.EncryptAmount(MaxAmount + 1)
	require.ErrorIs(t, err, ErrAmountRange)
}

func TestHomomorphicAddSub(t *testing.T) {
	r := getRig(t)
	p := Principal("reader")

	a, err := r.enclave.ConstantFromPlaintext(700)
	require.NoError(t, err)
	b, err := r.enclave.ConstantFromPlaintext(42)
	require.NoError(t, err)

	sum, err := r.enclave.Add(a, b)
	require.NoError(t, err)
	require.NoError(t, r.enclave.GrantAccess(sum, p))
	v, err := r.enclave.Decrypt(sum, p)
	require.NoError(t, err)
	require.Equal(t, uint64(742), v)

	diff, err := r.enclave.Sub(sum, b)
	require.NoError(t, err)
	require.NoError(t, r.enclave.GrantAccess(diff, p))
	v, err = r.enclave.Decrypt(diff, p)
	require.NoError(t, err)
	require.Equal(t, uint64(700), v)
}

func TestCompareSelectClamp(t *testing.T) {
	r := getRig(t)
	p := Principal("reader")

	balance, err := r.enclave.ConstantFromPlaintext(300)
	require.NoError(t, err)

	for _, tc := range []struct {
		name      string
		requested uint64
		want      uint64
	}{
		{"within balance", 120, 120},
		{"exact balance", 300, 300},
		{"over balance", 999, 300},
	} {
		t.Run(tc.name, func(t *testing.T) {
			requested, err := r.enclave.ConstantFromPlaintext(tc.requested)
			require.NoError(t, err)
			ge, err := r.enclave.CompareGreaterOrEqual(balance, requested)
			require.NoError(t, err)
			actual, err := r.enclave.SelectIf(ge, requested, balance)
			require.NoError(t, err)
			require.NoError(t, r.enclave.GrantAccess(actual, p))
			v, err := r.enclave.Decrypt(actual, p)
			require.NoError(t, err)
			require.Equal(t, tc.want, v)
		})
	}
}

func TestDerivedHandlesStartUngranted(t *testing.T) {
	r := getRig(t)
	p := Principal("alice")

	a, err := r.enclave.ConstantFromPlaintext(10)
	require.NoError(t, err)
	require.NoError(t, r.enclave.GrantAccess(a, p))

	b, err := r.enclave.ConstantFromPlaintext(1)
	require.NoError(t, err)

	derived, err := r.enclave.Add(a, b)
	require.NoError(t, err)

	// The grant on the input does not carry over to the derived handle.
	_, err = r.enclave.Decrypt(derived, p)
	require.ErrorIs(t, err, ErrAccessDenied)
	require.False(t, r.enclave.HasAccess(derived, p))

	require.NoError(t, r.enclave.GrantAccess(derived, p))
	v, err := r.enclave.Decrypt(derived, p)
	require.NoError(t, err)
	require.Equal(t, uint64(11), v)
}

func TestIsInitialized(t *testing.T) {
	r := getRig(t)

	require.False(t, r.enclave.IsInitialized(Handle{}))

	var bogus Handle
	bogus[0] = 0xaa
	require.False(t, r.enclave.IsInitialized(bogus))

	h, err := r.enclave.ConstantFromPlaintext(0)
	require.NoError(t, err)
	// A zero-valued ciphertext is initialized, distinct from "never set".
	require.True(t, r.enclave.IsInitialized(h))
}

func TestUninitializedHandleRejectedByArithmetic(t *testing.T) {
	r := getRig(t)

	h, err := r.enclave.ConstantFromPlaintext(1)
	require.NoError(t, err)

	_, err = r.enclave.Add(h, Handle{})
	require.ErrorIs(t, err, ErrUninitialized)
	_, err = r.enclave.Sub(Handle{}, h)
	require.ErrorIs(t, err, ErrUninitialized)
	require.ErrorIs(t, r.enclave.GrantAccess(Handle{}, Principal("x")), ErrUninitialized)
}

func TestHandleTextRoundTrip(t *testing.T) {
	r := getRig(t)

	h, err := r.enclave.ConstantFromPlaintext(77)
	require.NoError(t, err)

	text, err := h.MarshalText()
	require.NoError(t, err)
	var back Handle
	require.NoError(t, back.UnmarshalText(text))
	require.Equal(t, h, back)
}
