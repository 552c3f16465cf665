package vault

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/yukinakamura601/CipherStake/internal/fhe"
	"github.com/yukinakamura601/CipherStake/internal/ledger"
)

// unit is the 6-decimal fixed-point scale used by the client layer; the
// core only ever sees the raw integers.
const unit = uint64(1_000_000)

var (
	rigOnce sync.Once
	rigEnc  *fhe.Enclave
	rigCli  *fhe.Client
	rigErr  error
)

func testRig(t *testing.T) (*fhe.Enclave, *fhe.Client) {
	t.Helper()
	rigOnce.Do(func() {
		dir := t.TempDir()
		ccs, err := fhe.CompileIngestCircuit()
		if err != nil {
			rigErr = err
			return
		}
		pk, vk, err := fhe.SetupOrLoadKeys(ccs, filepath.Join(dir, "pk.bin"), filepath.Join(dir, "vk.bin"))
		if err != nil {
			rigErr = err
			return
		}
		rigEnc, rigErr = fhe.NewEnclave(fhe.TestParametersLiteral(), vk)
		if rigErr != nil {
			return
		}
		rigCli = fhe.NewClient(rigEnc.Params(), rigEnc.PublicKey(), ccs, pk)
	})
	if rigErr != nil {
		t.Fatalf("rig setup failed: %v", rigErr)
	}
	return rigEnc, rigCli
}

func newTestVault(t *testing.T) (*Vault, *ledger.Ledger, *fhe.Enclave, *fhe.Client) {
	e, c := testRig(t)
	l := ledger.NewLedger(e, zerolog.Nop())
	v := NewVault(e, l, ledger.Account("vault"), zerolog.Nop())
	return v, l, e, c
}

// fund mints amount to account and authorizes the vault to pull from it.
func fund(t *testing.T, l *ledger.Ledger, v *Vault, account ledger.Account, amount uint64) {
	t.Helper()
	if err := l.Mint(account, amount); err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	l.SetOperator(account, v.Account())
}

func stake(t *testing.T, v *Vault, c *fhe.Client, caller ledger.Account, amount uint64) fhe.Handle {
	t.Helper()
	ct, proof, err := c.EncryptAmount(amount)
	if err != nil {
		t.Fatalf("EncryptAmount failed: %v", err)
	}
	actual, err := v.Stake(caller, ct, proof)
	if err != nil {
		t.Fatalf("Stake failed: %v", err)
	}
	return actual
}

func unstake(t *testing.T, v *Vault, c *fhe.Client, caller ledger.Account, amount uint64) fhe.Handle {
	t.Helper()
	ct, proof, err := c.EncryptAmount(amount)
	if err != nil {
		t.Fatalf("EncryptAmount failed: %v", err)
	}
	actual, err := v.Unstake(caller, ct, proof)
	if err != nil {
		t.Fatalf("Unstake failed: %v", err)
	}
	return actual
}

func decryptStake(t *testing.T, v *Vault, e *fhe.Enclave, account ledger.Account) uint64 {
	t.Helper()
	h := v.StakeOf(account)
	if !e.IsInitialized(h) {
		return 0
	}
	if err := v.RefreshMyStakeAccess(account); err != nil {
		t.Fatalf("RefreshMyStakeAccess failed: %v", err)
	}
	value, err := e.Decrypt(h, account.Principal())
	if err != nil {
		t.Fatalf("stake decrypt failed: %v", err)
	}
	return value
}

func decryptTotal(t *testing.T, v *Vault, e *fhe.Enclave, caller ledger.Account) uint64 {
	t.Helper()
	h := v.TotalStaked()
	if !e.IsInitialized(h) {
		return 0
	}
	if err := v.RequestTotalAccess(caller); err != nil {
		t.Fatalf("RequestTotalAccess failed: %v", err)
	}
	value, err := e.Decrypt(h, caller.Principal())
	if err != nil {
		t.Fatalf("total decrypt failed: %v", err)
	}
	return value
}

func decryptLiquid(t *testing.T, l *ledger.Ledger, e *fhe.Enclave, account ledger.Account) uint64 {
	t.Helper()
	h := l.BalanceOf(account)
	if !e.IsInitialized(h) {
		return 0
	}
	if err := l.RequestBalanceAccess(account); err != nil {
		t.Fatalf("RequestBalanceAccess failed: %v", err)
	}
	value, err := e.Decrypt(h, account.Principal())
	if err != nil {
		t.Fatalf("balance decrypt failed: %v", err)
	}
	return value
}

func decryptActual(t *testing.T, e *fhe.Enclave, h fhe.Handle, caller ledger.Account) uint64 {
	t.Helper()
	// Stake/Unstake grant the caller on the returned amount; no extra
	// grant should be needed.
	value, err := e.Decrypt(h, caller.Principal())
	if err != nil {
		t.Fatalf("actual decrypt failed: %v", err)
	}
	return value
}

func TestStakeAll(t *testing.T) {
	v, l, e, c := newTestVault(t)
	alice := ledger.Account("alice")

	fund(t, l, v, alice, 1000*unit)
	actual := stake(t, v, c, alice, 1000*unit)

	if got := decryptActual(t, e, actual, alice); got != 1000*unit {
		t.Errorf("actual = %d, want %d", got, 1000*unit)
	}
	if got := decryptStake(t, v, e, alice); got != 1000*unit {
		t.Errorf("stakeOf = %d, want %d", got, 1000*unit)
	}
	if got := decryptTotal(t, v, e, alice); got != 1000*unit {
		t.Errorf("totalStaked = %d, want %d", got, 1000*unit)
	}
	if got := decryptLiquid(t, l, e, alice); got != 0 {
		t.Errorf("liquid balance = %d, want 0", got)
	}
}

func TestPartialUnstake(t *testing.T) {
	v, l, e, c := newTestVault(t)
	alice := ledger.Account("alice")

	fund(t, l, v, alice, 1000*unit)
	stake(t, v, c, alice, 1000*unit)
	actual := unstake(t, v, c, alice, 500*unit)

	if got := decryptActual(t, e, actual, alice); got != 500*unit {
		t.Errorf("actual = %d, want %d", got, 500*unit)
	}
	if got := decryptStake(t, v, e, alice); got != 500*unit {
		t.Errorf("stakeOf = %d, want %d", got, 500*unit)
	}
	if got := decryptTotal(t, v, e, alice); got != 500*unit {
		t.Errorf("totalStaked = %d, want %d", got, 500*unit)
	}
	if got := decryptLiquid(t, l, e, alice); got != 500*unit {
		t.Errorf("liquid balance = %d, want %d", got, 500*unit)
	}
}

func TestOversizedUnstakeIsCommittedNoOp(t *testing.T) {
	v, l, e, c := newTestVault(t)
	alice := ledger.Account("alice")

	fund(t, l, v, alice, 500*unit)
	stake(t, v, c, alice, 500*unit)
	actual := unstake(t, v, c, alice, 1000*unit)

	// The effective withdrawal clamps to zero, not to the available stake.
	if got := decryptActual(t, e, actual, alice); got != 0 {
		t.Errorf("actual = %d, want 0", got)
	}
	if got := decryptStake(t, v, e, alice); got != 500*unit {
		t.Errorf("stakeOf = %d, want %d (unchanged)", got, 500*unit)
	}
	if got := decryptTotal(t, v, e, alice); got != 500*unit {
		t.Errorf("totalStaked = %d, want %d (unchanged)", got, 500*unit)
	}
	if got := decryptLiquid(t, l, e, alice); got != 0 {
		t.Errorf("liquid balance = %d, want 0 (unchanged)", got)
	}
	if events := v.Events(); len(events) != 2 || events[1].Kind != KindUnstake {
		t.Errorf("expected a committed unstake event, got %+v", events)
	}
}

func TestUnstakeWithoutStakeMovesZero(t *testing.T) {
	v, l, e, c := newTestVault(t)
	bob := ledger.Account("bob")
	l.SetOperator(bob, v.Account())

	actual := unstake(t, v, c, bob, 10*unit)
	if got := decryptActual(t, e, actual, bob); got != 0 {
		t.Errorf("actual = %d, want 0", got)
	}
	// "Never staked" now reads as an initialized zero, distinct from the
	// pre-operation uninitialized state.
	if got := decryptStake(t, v, e, bob); got != 0 {
		t.Errorf("stakeOf = %d, want 0", got)
	}
}

func TestStakeClampsToLiquidBalance(t *testing.T) {
	v, l, e, c := newTestVault(t)
	alice := ledger.Account("alice")

	fund(t, l, v, alice, 100*unit)
	actual := stake(t, v, c, alice, 250*unit)

	// The stake record mirrors the actually transferred amount, not the
	// requested one.
	if got := decryptActual(t, e, actual, alice); got != 100*unit {
		t.Errorf("actual = %d, want %d", got, 100*unit)
	}
	if got := decryptStake(t, v, e, alice); got != 100*unit {
		t.Errorf("stakeOf = %d, want %d", got, 100*unit)
	}
	if got := decryptTotal(t, v, e, alice); got != 100*unit {
		t.Errorf("totalStaked = %d, want %d", got, 100*unit)
	}
}

func TestMintStakeUnstakeRoundTrip(t *testing.T) {
	v, l, e, c := newTestVault(t)
	alice := ledger.Account("alice")

	fund(t, l, v, alice, 750*unit)
	stake(t, v, c, alice, 750*unit)
	unstake(t, v, c, alice, 750*unit)

	if got := decryptLiquid(t, l, e, alice); got != 750*unit {
		t.Errorf("liquid balance = %d, want %d", got, 750*unit)
	}
	if got := decryptStake(t, v, e, alice); got != 0 {
		t.Errorf("stakeOf = %d, want 0", got)
	}
	if got := decryptTotal(t, v, e, alice); got != 0 {
		t.Errorf("totalStaked = %d, want 0", got)
	}
}

func TestStakeRequiresOperatorAuthorization(t *testing.T) {
	v, l, e, c := newTestVault(t)
	alice := ledger.Account("alice")
	if err := l.Mint(alice, 100*unit); err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	ct, proof, err := c.EncryptAmount(50 * unit)
	if err != nil {
		t.Fatalf("EncryptAmount failed: %v", err)
	}
	if _, err := v.Stake(alice, ct, proof); !errors.Is(err, ledger.ErrNotOperator) {
		t.Fatalf("Stake error = %v, want ErrNotOperator", err)
	}
	if e.IsInitialized(v.StakeOf(alice)) {
		t.Errorf("stake record should stay uninitialized after a refused stake")
	}
	if len(v.Events()) != 0 {
		t.Errorf("no event should be recorded for a refused stake")
	}
}

func TestInvalidProofAbortsStake(t *testing.T) {
	v, l, e, c := newTestVault(t)
	alice := ledger.Account("alice")
	fund(t, l, v, alice, 100*unit)

	ct, proof, err := c.EncryptAmount(50 * unit)
	if err != nil {
		t.Fatalf("EncryptAmount failed: %v", err)
	}
	proof[len(proof)/2] ^= 0x01
	if _, err := v.Stake(alice, ct, proof); !errors.Is(err, fhe.ErrInvalidProof) {
		t.Fatalf("Stake error = %v, want ErrInvalidProof", err)
	}
	if e.IsInitialized(v.StakeOf(alice)) {
		t.Errorf("stake record should stay uninitialized after an aborted stake")
	}
	if got := decryptLiquid(t, l, e, alice); got != 100*unit {
		t.Errorf("liquid balance = %d, want %d (untouched)", got, 100*unit)
	}
}

func TestRefreshMyStakeAccessIsIdempotent(t *testing.T) {
	v, l, e, c := newTestVault(t)
	alice := ledger.Account("alice")

	// No-op before any stake.
	if err := v.RefreshMyStakeAccess(alice); err != nil {
		t.Fatalf("refresh before staking should be a no-op, got %v", err)
	}

	fund(t, l, v, alice, 200*unit)
	stake(t, v, c, alice, 200*unit)

	for i := 0; i < 3; i++ {
		if err := v.RefreshMyStakeAccess(alice); err != nil {
			t.Fatalf("refresh %d failed: %v", i, err)
		}
		value, err := e.Decrypt(v.StakeOf(alice), alice.Principal())
		if err != nil {
			t.Fatalf("decrypt after refresh %d failed: %v", i, err)
		}
		if value != 200*unit {
			t.Errorf("refresh %d changed the value: %d", i, value)
		}
	}
}

func TestAnyCallerMayReadAggregateTotal(t *testing.T) {
	v, l, e, c := newTestVault(t)
	alice, bob := ledger.Account("alice"), ledger.Account("bob")

	fund(t, l, v, alice, 300*unit)
	stake(t, v, c, alice, 300*unit)

	// bob never staked, yet may read the aggregate.
	if got := decryptTotal(t, v, e, bob); got != 300*unit {
		t.Errorf("total via bob = %d, want %d", got, 300*unit)
	}
	// bob still has no grant on alice's individual stake.
	if _, err := e.Decrypt(v.StakeOf(alice), bob.Principal()); !errors.Is(err, fhe.ErrAccessDenied) {
		t.Errorf("bob decrypting alice's stake: err = %v, want ErrAccessDenied", err)
	}
}

func TestTotalMatchesSumOfStakes(t *testing.T) {
	v, l, e, c := newTestVault(t)
	accounts := []ledger.Account{"a", "b", "c"}
	for _, acct := range accounts {
		fund(t, l, v, acct, 1000*unit)
	}

	stake(t, v, c, "a", 400*unit)
	stake(t, v, c, "b", 250*unit)
	unstake(t, v, c, "a", 100*unit)
	stake(t, v, c, "c", 50*unit)
	unstake(t, v, c, "b", 999*unit) // oversized, commits as zero
	stake(t, v, c, "a", 25*unit)

	var sum uint64
	for _, acct := range accounts {
		sum += decryptStake(t, v, e, acct)
	}
	total := decryptTotal(t, v, e, "a")
	if total != sum {
		t.Errorf("totalStaked = %d, sum of stakes = %d", total, sum)
	}
	if want := (400-100+25+250+50)*unit; total != want {
		t.Errorf("totalStaked = %d, want %d", total, want)
	}
}

func TestStakeEventCarriesEncryptedAmount(t *testing.T) {
	v, l, e, c := newTestVault(t)
	alice := ledger.Account("alice")

	fund(t, l, v, alice, 80*unit)
	stake(t, v, c, alice, 80*unit)

	events := v.Events()
	if len(events) != 1 || events[0].Kind != KindStake || events[0].Account != alice {
		t.Fatalf("unexpected events: %+v", events)
	}
	value, err := e.Decrypt(events[0].Amount, alice.Principal())
	if err != nil {
		t.Fatalf("event amount decrypt failed: %v", err)
	}
	if value != 80*unit {
		t.Errorf("event amount = %d, want %d", value, 80*unit)
	}
}

func TestVaultSnapshotRoundTrip(t *testing.T) {
	v, l, e, c := newTestVault(t)
	alice := ledger.Account("alice")

	fund(t, l, v, alice, 120*unit)
	stake(t, v, c, alice, 120*unit)

	path := filepath.Join(t.TempDir(), "vault.json")
	if err := v.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}
	restored := NewVault(e, l, ledger.Account("vault"), zerolog.Nop())
	if err := restored.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if got := decryptStake(t, restored, e, alice); got != 120*unit {
		t.Errorf("restored stake = %d, want %d", got, 120*unit)
	}
	if got := decryptTotal(t, restored, e, alice); got != 120*unit {
		t.Errorf("restored total = %d, want %d", got, 120*unit)
	}
	if len(restored.Events()) != 1 {
		t.Errorf("restored events = %d, want 1", len(restored.Events()))
	}
}
