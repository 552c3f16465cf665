// cipherstake.go - Single-process assembly of the confidential staking stack.
//
// System wires together the encrypted-computation enclave, the confidential
// ledger and the staking vault, and exposes the plaintext-in, plaintext-out
// flows a front end needs: amounts enter through the proving client, travel
// encrypted, and are only decrypted for principals holding a grant.

package cipherstake

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/tuneinsight/lattigo/v5/he/heint"

	"github.com/yukinakamura601/CipherStake/internal/fhe"
	"github.com/yukinakamura601/CipherStake/internal/ledger"
	"github.com/yukinakamura601/CipherStake/internal/vault"
)

// Options configures a System.
type Options struct {
	// KeyDir holds the Groth16 proving and verifying keys. Keys are
	// generated on first use and reloaded afterwards.
	KeyDir string

	// VaultAccount is the ledger account holding the vault's pooled funds.
	VaultAccount ledger.Account

	// Params overrides the encryption parameters. The zero value selects
	// the production defaults.
	Params heint.ParametersLiteral

	Logger zerolog.Logger
}

// System bundles one enclave, one proving client, one ledger and one vault.
type System struct {
	Enclave *fhe.Enclave
	Client  *fhe.Client
	Ledger  *ledger.Ledger
	Vault   *vault.Vault
}

// NewSystem compiles the ingest circuit, generates or loads the proof keys
// under opts.KeyDir, and assembles the full stack.
func NewSystem(opts Options) (*System, error) {
	if opts.VaultAccount == "" {
		opts.VaultAccount = ledger.Account("vault")
	}
	lit := opts.Params
	if lit.LogN == 0 {
		lit = fhe.DefaultParametersLiteral()
	}

	ccs, err := fhe.CompileIngestCircuit()
	if err != nil {
		return nil, fmt.Errorf("circuit compile: %w", err)
	}
	pkPath := filepath.Join(opts.KeyDir, "ingest_pk.bin")
	vkPath := filepath.Join(opts.KeyDir, "ingest_vk.bin")
	pk, vk, err := fhe.SetupOrLoadKeys(ccs, pkPath, vkPath)
	if err != nil {
		return nil, fmt.Errorf("key setup: %w", err)
	}

	enclave, err := fhe.NewEnclave(lit, vk)
	if err != nil {
		return nil, fmt.Errorf("enclave setup: %w", err)
	}
	client := fhe.NewClient(enclave.Params(), enclave.PublicKey(), ccs, pk)
	l := ledger.NewLedger(enclave, opts.Logger)
	v := vault.NewVault(enclave, l, opts.VaultAccount, opts.Logger)

	return &System{Enclave: enclave, Client: client, Ledger: l, Vault: v}, nil
}

// Mint credits account with a plaintext amount.
func (s *System) Mint(account ledger.Account, amount uint64) error {
	return s.Ledger.Mint(account, amount)
}

// AuthorizeVault lets the vault pull stake deposits from account.
func (s *System) AuthorizeVault(account ledger.Account) {
	s.Ledger.SetOperator(account, s.Vault.Account())
}

// RevokeVault withdraws the vault's operator authorization for account.
func (s *System) RevokeVault(account ledger.Account) {
	s.Ledger.RemoveOperator(account, s.Vault.Account())
}

// Transfer encrypts and proves amount on the client side, ingests it, and
// runs a clamped confidential transfer. Returns the actually moved amount.
func (s *System) Transfer(from, to ledger.Account, amount uint64) (uint64, error) {
	requested, err := s.ingest(amount)
	if err != nil {
		return 0, err
	}
	if err := s.Enclave.GrantAccess(requested, ledger.SelfPrincipal); err != nil {
		return 0, err
	}
	actual, err := s.Ledger.ConfidentialTransfer(from, to, requested)
	if err != nil {
		return 0, err
	}
	return s.decryptAs(actual, from.Principal())
}

// Stake encrypts and proves amount, then deposits it into the vault on
// behalf of caller. The caller must have authorized the vault first.
// Returns the actually staked amount, which is clamped to the caller's
// liquid balance.
func (s *System) Stake(caller ledger.Account, amount uint64) (uint64, error) {
	ciphertext, proof, err := s.Client.EncryptAmount(amount)
	if err != nil {
		return 0, err
	}
	actual, err := s.Vault.Stake(caller, ciphertext, proof)
	if err != nil {
		return 0, err
	}
	return s.Enclave.Decrypt(actual, caller.Principal())
}

// Unstake encrypts and proves amount, then withdraws it from the vault.
// A request exceeding the caller's stake commits as a zero withdrawal.
func (s *System) Unstake(caller ledger.Account, amount uint64) (uint64, error) {
	ciphertext, proof, err := s.Client.EncryptAmount(amount)
	if err != nil {
		return 0, err
	}
	actual, err := s.Vault.Unstake(caller, ciphertext, proof)
	if err != nil {
		return 0, err
	}
	return s.Enclave.Decrypt(actual, caller.Principal())
}

// BalanceOf decrypts account's liquid balance for the account itself.
// Accounts never credited read as zero.
func (s *System) BalanceOf(account ledger.Account) (uint64, error) {
	h := s.Ledger.BalanceOf(account)
	if !s.Enclave.IsInitialized(h) {
		return 0, nil
	}
	if err := s.Ledger.RequestBalanceAccess(account); err != nil {
		return 0, err
	}
	return s.Enclave.Decrypt(h, account.Principal())
}

// StakeOf decrypts caller's own stake. Accounts that never staked read as
// zero.
func (s *System) StakeOf(caller ledger.Account) (uint64, error) {
	h := s.Vault.StakeOf(caller)
	if !s.Enclave.IsInitialized(h) {
		return 0, nil
	}
	if err := s.Vault.RefreshMyStakeAccess(caller); err != nil {
		return 0, err
	}
	return s.Enclave.Decrypt(h, caller.Principal())
}

// TotalStaked decrypts the aggregate staked total for any caller. Reads as
// zero while nothing was ever staked.
func (s *System) TotalStaked(caller ledger.Account) (uint64, error) {
	h := s.Vault.TotalStaked()
	if !s.Enclave.IsInitialized(h) {
		return 0, nil
	}
	if err := s.Vault.RequestTotalAccess(caller); err != nil {
		return 0, err
	}
	return s.Enclave.Decrypt(h, caller.Principal())
}

// SaveState snapshots the ledger and vault as JSON files under dir.
func (s *System) SaveState(dir string) error {
	if err := s.Ledger.SaveToFile(filepath.Join(dir, "ledger.json")); err != nil {
		return fmt.Errorf("ledger save: %w", err)
	}
	if err := s.Vault.SaveToFile(filepath.Join(dir, "vault.json")); err != nil {
		return fmt.Errorf("vault save: %w", err)
	}
	return nil
}

// LoadState restores a previously saved snapshot from dir. Handles in the
// snapshot are only meaningful with the enclave that issued them.
func (s *System) LoadState(dir string) error {
	if err := s.Ledger.LoadFromFile(filepath.Join(dir, "ledger.json")); err != nil {
		return fmt.Errorf("ledger load: %w", err)
	}
	if err := s.Vault.LoadFromFile(filepath.Join(dir, "vault.json")); err != nil {
		return fmt.Errorf("vault load: %w", err)
	}
	return nil
}

// ingest runs the full client-side path for a plaintext amount: encrypt,
// prove, and submit to the enclave.
func (s *System) ingest(amount uint64) (fhe.Handle, error) {
	ciphertext, proof, err := s.Client.EncryptAmount(amount)
	if err != nil {
		return fhe.Handle{}, err
	}
	return s.Enclave.IngestExternal(ciphertext, proof)
}

// decryptAs grants p on h and decrypts.
func (s *System) decryptAs(h fhe.Handle, p fhe.Principal) (uint64, error) {
	if err := s.Enclave.GrantAccess(h, p); err != nil {
		return 0, err
	}
	return s.Enclave.Decrypt(h, p)
}
