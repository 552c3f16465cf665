// ledger.go - Encrypted balance map and clamped confidential transfers.
//
// The Ledger records every transfer in an append-only journal and can be
// persisted as a JSON snapshot (handles only; ciphertexts live with the
// encrypted-computation provider).
//
// NOTE: all public mutations serialize on an internal mutex; each call is a
// single atomic transaction as seen by other callers.

package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yukinakamura601/CipherStake/internal/fhe"
)

// Account is a stable account identifier.
type Account string

// Principal returns the decryption principal for the account.
func (a Account) Principal() fhe.Principal {
	return fhe.Principal(a)
}

// SelfPrincipal is the ledger's own decryption identity. The ledger must
// re-grant itself on every balance handle it derives, or it would lose the
// ability to keep computing on its own state.
const SelfPrincipal = fhe.Principal("ledger")

// ErrNotOperator is returned by ConfidentialTransferFrom when the spender is
// neither the holder nor an authorized operator. Operator status is public,
// so this error leaks nothing about amounts.
var ErrNotOperator = errors.New("ledger: spender is not an authorized operator")

// TransferKind tags journal entries.
type TransferKind string

const (
	KindMint     TransferKind = "mint"
	KindTransfer TransferKind = "transfer"
)

// TransferRecord is one journal entry. Amount is the encrypted actually-moved
// amount; the journal is for off-band indexing, not for revealing values.
type TransferRecord struct {
	Kind   TransferKind `json:"kind"`
	From   Account      `json:"from,omitempty"`
	To     Account      `json:"to"`
	Amount fhe.Handle   `json:"amount"`
	At     time.Time    `json:"at"`
}

// Ledger is the confidential token ledger.
type Ledger struct {
	mu       sync.Mutex
	provider fhe.Provider
	log      zerolog.Logger

	balances  map[Account]fhe.Handle
	operators map[Account]map[Account]bool
	journal   []TransferRecord
}

// NewLedger creates an empty ledger over the given provider.
func NewLedger(provider fhe.Provider, log zerolog.Logger) *Ledger {
	return &Ledger{
		provider:  provider,
		log:       log.With().Str("component", "ledger").Logger(),
		balances:  make(map[Account]fhe.Handle),
		operators: make(map[Account]map[Account]bool),
	}
}

// Mint credits account with a plaintext amount, encrypted on entry. Only the
// ledger itself is granted on the updated balance; minting implies no
// user-facing decrypt grant.
func (l *Ledger) Mint(account Account, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount > fhe.MaxAmount {
		return fhe.ErrAmountRange
	}
	minted, err := l.provider.ConstantFromPlaintext(amount)
	if err != nil {
		return fmt.Errorf("mint encrypt: %w", err)
	}
	balance, err := l.balanceOrZero(account)
	if err != nil {
		return err
	}
	updated, err := l.provider.Add(balance, minted)
	if err != nil {
		return fmt.Errorf("mint credit: %w", err)
	}
	if err := l.provider.GrantAccess(updated, SelfPrincipal); err != nil {
		return err
	}
	l.balances[account] = updated
	l.journal = append(l.journal, TransferRecord{Kind: KindMint, To: account, Amount: minted, At: time.Now()})
	l.log.Info().Str("account", string(account)).Msg("mint committed")
	return nil
}

// ConfidentialTransfer moves min(requested, balance[from]) from from to to
// and returns the actually-moved amount, still encrypted.
func (l *Ledger) ConfidentialTransfer(from, to Account, requested fhe.Handle) (fhe.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfer(from, to, requested)
}

// ConfidentialTransferFrom is ConfidentialTransfer on behalf of a holder.
// The spender must be the holder or one of the holder's operators.
func (l *Ledger) ConfidentialTransferFrom(spender, from, to Account, requested fhe.Handle) (fhe.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if spender != from && !l.operators[from][spender] {
		return fhe.Handle{}, ErrNotOperator
	}
	return l.transfer(from, to, requested)
}

// transfer implements the clamped move. Callers hold l.mu.
//
// The comparison and selection run unconditionally; whether the clamp bit
// was taken is never observable from control flow.
func (l *Ledger) transfer(from, to Account, requested fhe.Handle) (fhe.Handle, error) {
	if !l.provider.IsInitialized(requested) {
		return fhe.Handle{}, fhe.ErrUninitialized
	}
	fromBalance, err := l.balanceOrZero(from)
	if err != nil {
		return fhe.Handle{}, err
	}

	// actual = min(requested, balance[from])
	enough, err := l.provider.CompareGreaterOrEqual(fromBalance, requested)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("transfer compare: %w", err)
	}
	actual, err := l.provider.SelectIf(enough, requested, fromBalance)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("transfer select: %w", err)
	}

	newFrom, err := l.provider.Sub(fromBalance, actual)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("transfer debit: %w", err)
	}
	l.balances[from] = newFrom

	// The credit side reads after the debit committed, so a self-transfer
	// nets out to no change.
	toBalance, err := l.balanceOrZero(to)
	if err != nil {
		return fhe.Handle{}, err
	}
	newTo, err := l.provider.Add(toBalance, actual)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("transfer credit: %w", err)
	}
	l.balances[to] = newTo

	if err := l.grant(newFrom, SelfPrincipal, from.Principal()); err != nil {
		return fhe.Handle{}, err
	}
	if err := l.grant(newTo, SelfPrincipal, to.Principal()); err != nil {
		return fhe.Handle{}, err
	}
	if err := l.grant(actual, SelfPrincipal); err != nil {
		return fhe.Handle{}, err
	}
	l.journal = append(l.journal, TransferRecord{Kind: KindTransfer, From: from, To: to, Amount: actual, At: time.Now()})
	l.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("confidential transfer committed")
	return actual, nil
}

// BalanceOf returns the current balance handle. It does not grant access;
// use RequestBalanceAccess before attempting decryption.
func (l *Ledger) BalanceOf(account Account) fhe.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// RequestBalanceAccess re-issues decrypt grants on the account's balance to
// the account and the ledger. A no-op for accounts never credited.
func (l *Ledger) RequestBalanceAccess(account Account) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance, ok := l.balances[account]
	if !ok || !l.provider.IsInitialized(balance) {
		return nil
	}
	return l.grant(balance, SelfPrincipal, account.Principal())
}

// SetOperator authorizes operator to move holder's funds via
// ConfidentialTransferFrom.
func (l *Ledger) SetOperator(holder, operator Account) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.operators[holder] == nil {
		l.operators[holder] = make(map[Account]bool)
	}
	l.operators[holder][operator] = true
}

// RemoveOperator revokes a previously granted operator authorization.
func (l *Ledger) RemoveOperator(holder, operator Account) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.operators[holder], operator)
}

// IsOperator reports whether operator may spend on behalf of holder.
func (l *Ledger) IsOperator(holder, operator Account) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.operators[holder][operator]
}

// Journal returns a copy of the transfer journal.
func (l *Ledger) Journal() []TransferRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]TransferRecord, len(l.journal))
	copy(out, l.journal)
	return out
}

// balanceOrZero resolves the account's balance, lazily materializing an
// encrypted zero for accounts never touched. Callers hold l.mu.
func (l *Ledger) balanceOrZero(account Account) (fhe.Handle, error) {
	balance, ok := l.balances[account]
	if ok && l.provider.IsInitialized(balance) {
		return balance, nil
	}
	zero, err := l.provider.ConstantFromPlaintext(0)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("zero balance: %w", err)
	}
	return zero, nil
}

// grant re-grants a freshly derived handle to the given principals.
func (l *Ledger) grant(h fhe.Handle, principals ...fhe.Principal) error {
	for _, p := range principals {
		if err := l.provider.GrantAccess(h, p); err != nil {
			return fmt.Errorf("grant to %q: %w", p, err)
		}
	}
	return nil
}

// ledgerState is the persisted snapshot form.
type ledgerState struct {
	Balances  map[Account]fhe.Handle       `json:"balances"`
	Operators map[Account]map[Account]bool `json:"operators"`
	Journal   []TransferRecord             `json:"journal"`
}

// SaveToFile writes the ledger state as an indented JSON snapshot.
// Overwrites the file if it exists.
func (l *Ledger) SaveToFile(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(ledgerState{
		Balances:  l.balances,
		Operators: l.operators,
		Journal:   l.journal,
	})
}

// LoadFromFile replaces the ledger state with a previously saved snapshot.
// Handles in the snapshot are only meaningful with the provider that issued
// them.
func (l *Ledger) LoadFromFile(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var state ledgerState
	if err := json.NewDecoder(f).Decode(&state); err != nil {
		return err
	}
	if state.Balances == nil {
		state.Balances = make(map[Account]fhe.Handle)
	}
	if state.Operators == nil {
		state.Operators = make(map[Account]map[Account]bool)
	}
	l.balances = state.Balances
	l.operators = state.Operators
	l.journal = state.Journal
	return nil
}
