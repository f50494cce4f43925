package models

import "time"

// Ledger entry types.
const (
	EntryReserve = "RESERVE"
	EntryConsume = "CONSUME"
	EntryRefund  = "REFUND"
	// EntryCredit funds a wallet and is not tied to a job.
	EntryCredit = "CREDIT"
)

// Wallet is a tenant's spendable token balance.
type Wallet struct {
	TenantID  string    `json:"tenant_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is one append-only movement of tokens for a job.
//
// Amount is signed against the spendable balance: RESERVE is negative and
// REFUND positive. CONSUME records the settled hold as a positive amount and
// leaves the balance untouched. CREDIT is positive and has an empty JobID.
type LedgerEntry struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	JobID        string         `json:"job_id"`
	Type         string         `json:"type"`
	Amount       int64          `json:"amount"`
	BalanceAfter int64          `json:"balance_after"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
