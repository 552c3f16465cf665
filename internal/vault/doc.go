// Package vault implements the staking vault on top of the confidential
// ledger: accounts move funds between liquid (ledger) and staked (vault)
// state while amounts and the running total stay encrypted end to end.
//
// Overview:
//   - Stake ingests a proofed ciphertext, pulls the funds through
//     ConfidentialTransferFrom, and folds the ACTUAL transferred amount
//     (not the requested one) into the caller's stake and the global total.
//   - Unstake clamps the EFFECTIVE withdrawal to zero when the request
//     exceeds the caller's stake; the ledger transfer underneath re-clamps
//     against the vault's own balance. Oversized withdrawals therefore
//     commit as no-ops rather than failing.
//   - TotalStaked mirrors the sum of all stake records at all times; any
//     caller may request decrypt access to the aggregate (a transparency
//     valve), while individual stakes stay private to their owners.
//   - Every derived handle is re-granted to the vault and the affected
//     caller immediately, because grants never survive handle replacement.
//
// Each entry point is one serialized, atomically-completed operation; the
// only per-handle state is {uninitialized -> initialized}, one-way.
package vault
