// vault.go - Encrypted stake records and the global encrypted total.

package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yukinakamura601/CipherStake/internal/fhe"
	"github.com/yukinakamura601/CipherStake/internal/ledger"
)

// EventKind tags vault events.
type EventKind string

const (
	KindStake   EventKind = "stake"
	KindUnstake EventKind = "unstake"
)

// Event records a stake or unstake with its encrypted actual amount, for
// off-band indexing. The amount handle reveals nothing without a grant.
type Event struct {
	Kind    EventKind      `json:"kind"`
	Account ledger.Account `json:"account"`
	Amount  fhe.Handle     `json:"amount"`
	At      time.Time      `json:"at"`
}

// Vault is the staking vault. It owns a ledger account (its liquid pool)
// and an encrypted stake record per staker.
type Vault struct {
	mu       sync.Mutex
	provider fhe.Provider
	ledger   *ledger.Ledger
	account  ledger.Account
	self     fhe.Principal
	log      zerolog.Logger

	stakes map[ledger.Account]fhe.Handle
	total  fhe.Handle
	events []Event
}

// NewVault creates a vault holding its pooled funds under account on l.
// Stakers must authorize that account as an operator before staking.
func NewVault(provider fhe.Provider, l *ledger.Ledger, account ledger.Account, log zerolog.Logger) *Vault {
	return &Vault{
		provider: provider,
		ledger:   l,
		account:  account,
		self:     account.Principal(),
		log:      log.With().Str("component", "vault").Logger(),
		stakes:   make(map[ledger.Account]fhe.Handle),
	}
}

// Account returns the vault's ledger account.
func (v *Vault) Account() ledger.Account { return v.account }

// Stake ingests a proofed encrypted amount, moves min(requested, liquid
// balance) from caller to the vault, and folds the actually-moved amount
// into the caller's stake and the global total. Returns the actual amount,
// still encrypted, decryptable by the caller.
func (v *Vault) Stake(caller ledger.Account, ciphertext, proof []byte) (fhe.Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	requested, err := v.provider.IngestExternal(ciphertext, proof)
	if err != nil {
		return fhe.Handle{}, err
	}
	// The ledger computes on the ingested value; grant it up front.
	if err := v.grantDerived(requested, ledger.SelfPrincipal); err != nil {
		return fhe.Handle{}, err
	}

	actual, err := v.ledger.ConfidentialTransferFrom(v.account, caller, v.account, requested)
	if err != nil {
		return fhe.Handle{}, err
	}

	stake, err := v.stakeOrZero(caller)
	if err != nil {
		return fhe.Handle{}, err
	}
	newStake, err := v.provider.Add(stake, actual)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("stake fold: %w", err)
	}
	total, err := v.totalOrZero()
	if err != nil {
		return fhe.Handle{}, err
	}
	newTotal, err := v.provider.Add(total, actual)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("total fold: %w", err)
	}

	if err := v.grantAll(caller, newStake, newTotal, actual); err != nil {
		return fhe.Handle{}, err
	}
	v.stakes[caller] = newStake
	v.total = newTotal
	v.events = append(v.events, Event{Kind: KindStake, Account: caller, Amount: actual, At: time.Now()})
	v.log.Info().Str("account", string(caller)).Msg("stake committed")
	return actual, nil
}

// Unstake ingests a proofed withdrawal request and returns the caller's
// funds to their liquid balance. A request exceeding the current stake is
// clamped to an effective withdrawal of ZERO (a committed no-op), not to
// the available stake; the ledger transfer underneath additionally clamps
// against the vault's own balance.
func (v *Vault) Unstake(caller ledger.Account, ciphertext, proof []byte) (fhe.Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	requested, err := v.provider.IngestExternal(ciphertext, proof)
	if err != nil {
		return fhe.Handle{}, err
	}

	stake, err := v.stakeOrZero(caller)
	if err != nil {
		return fhe.Handle{}, err
	}
	withinStake, err := v.provider.CompareGreaterOrEqual(stake, requested)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("unstake compare: %w", err)
	}
	zero, err := v.provider.ConstantFromPlaintext(0)
	if err != nil {
		return fhe.Handle{}, err
	}
	allowed, err := v.provider.SelectIf(withinStake, requested, zero)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("unstake select: %w", err)
	}
	if err := v.grantDerived(allowed, ledger.SelfPrincipal); err != nil {
		return fhe.Handle{}, err
	}

	actual, err := v.ledger.ConfidentialTransfer(v.account, caller, allowed)
	if err != nil {
		return fhe.Handle{}, err
	}

	newStake, err := v.provider.Sub(stake, actual)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("stake unfold: %w", err)
	}
	total, err := v.totalOrZero()
	if err != nil {
		return fhe.Handle{}, err
	}
	newTotal, err := v.provider.Sub(total, actual)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("total unfold: %w", err)
	}

	if err := v.grantAll(caller, newStake, newTotal, actual); err != nil {
		return fhe.Handle{}, err
	}
	v.stakes[caller] = newStake
	v.total = newTotal
	v.events = append(v.events, Event{Kind: KindUnstake, Account: caller, Amount: actual, At: time.Now()})
	v.log.Info().Str("account", string(caller)).Msg("unstake committed")
	return actual, nil
}

// StakeOf returns the account's current stake handle. No grant is issued;
// callers wanting to read the value go through RefreshMyStakeAccess.
func (v *Vault) StakeOf(account ledger.Account) fhe.Handle {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stakes[account]
}

// TotalStaked returns the global total handle. No grant is issued; callers
// wanting to read the value go through RequestTotalAccess.
func (v *Vault) TotalStaked() fhe.Handle {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.total
}

// RefreshMyStakeAccess re-issues decrypt grants on the caller's stake to
// the caller and the vault. A no-op for accounts that never staked.
// Idempotent: repeated calls change nothing but keep the grant current.
func (v *Vault) RefreshMyStakeAccess(caller ledger.Account) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	stake, ok := v.stakes[caller]
	if !ok || !v.provider.IsInitialized(stake) {
		return nil
	}
	return v.grantDerived(stake, v.self, caller.Principal())
}

// RequestTotalAccess grants the caller decrypt access to the aggregate
// total. Any caller may read the aggregate while individual stakes stay
// private. A no-op while nothing was ever staked.
func (v *Vault) RequestTotalAccess(caller ledger.Account) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.provider.IsInitialized(v.total) {
		return nil
	}
	return v.grantDerived(v.total, v.self, caller.Principal())
}

// Events returns a copy of the vault event journal.
func (v *Vault) Events() []Event {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Event, len(v.events))
	copy(out, v.events)
	return out
}

// stakeOrZero resolves the caller's stake, lazily materializing an
// encrypted zero on first use. Callers hold v.mu.
func (v *Vault) stakeOrZero(account ledger.Account) (fhe.Handle, error) {
	stake, ok := v.stakes[account]
	if ok && v.provider.IsInitialized(stake) {
		return stake, nil
	}
	zero, err := v.provider.ConstantFromPlaintext(0)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("zero stake: %w", err)
	}
	return zero, nil
}

// totalOrZero resolves the global total, lazily initialized on first stake.
// Callers hold v.mu.
func (v *Vault) totalOrZero() (fhe.Handle, error) {
	if v.provider.IsInitialized(v.total) {
		return v.total, nil
	}
	zero, err := v.provider.ConstantFromPlaintext(0)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("zero total: %w", err)
	}
	return zero, nil
}

// grantAll re-grants the derived handles of one operation to the vault and
// the affected caller.
func (v *Vault) grantAll(caller ledger.Account, handles ...fhe.Handle) error {
	for _, h := range handles {
		if err := v.grantDerived(h, v.self, caller.Principal()); err != nil {
			return err
		}
	}
	return nil
}

// grantDerived re-grants one freshly derived handle to the given principals.
// Centralized so no mutation path can forget the re-grant.
func (v *Vault) grantDerived(h fhe.Handle, principals ...fhe.Principal) error {
	for _, p := range principals {
		if err := v.provider.GrantAccess(h, p); err != nil {
			return fmt.Errorf("grant to %q: %w", p, err)
		}
	}
	return nil
}

// vaultState is the persisted snapshot form.
type vaultState struct {
	Stakes map[ledger.Account]fhe.Handle `json:"stakes"`
	Total  fhe.Handle                    `json:"total"`
	Events []Event                       `json:"events"`
}

// SaveToFile writes the vault state as an indented JSON snapshot.
func (v *Vault) SaveToFile(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(vaultState{Stakes: v.stakes, Total: v.total, Events: v.events})
}

// LoadFromFile replaces the vault state with a previously saved snapshot.
func (v *Vault) LoadFromFile(path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var state vaultState
	if err := json.NewDecoder(f).Decode(&state); err != nil {
		return err
	}
	if state.Stakes == nil {
		state.Stakes = make(map[ledger.Account]fhe.Handle)
	}
	v.stakes = state.Stakes
	v.total = state.Total
	v.events = state.Events
	return nil
}
