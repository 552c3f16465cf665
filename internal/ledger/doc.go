// Package ledger implements the confidential token ledger: a per-account
// map of encrypted balances, plaintext mint, and clamped confidential
// transfers.
//
// Overview:
//   - Balances are fhe.Handle values; an absent entry reads as an encrypted
//     zero once an operation touches it.
//   - Transfers compute actual = min(requested, balance) homomorphically
//     (compare + select) and always commit. Insufficient balance is not an
//     error: it degrades to moving whatever is available, possibly zero, so
//     outside observers cannot probe balances through revert side channels.
//   - Every mutation replaces a stored handle with a freshly derived one and
//     re-grants decryption access, since grants never carry over to derived
//     handles.
//   - The sum of all balances is conserved across any sequence of
//     transfers, modulo mint issuance.
//
// Operator authorization (TransferFrom) is public metadata: whether a
// spender may move a holder's funds reveals nothing about amounts.
package ledger
