package query

import (
	"encoding/json"
	"time"
)

// Amounts are base-10 strings throughout; they can exceed 64 bits.

// LoanView is a loan record for API queries.
type LoanView struct {
	Account         string `json:"account"`
	Asset           string `json:"asset"`
	Principal       string `json:"principal"`
	Collateral      string `json:"collateral"`
	InterestRateBps int64  `json:"interest_rate_bps"`
	StartTime       int64  `json:"start_time"`
	EndTime         int64  `json:"end_time"`
	Status          string `json:"status"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// HealthView is what repay and liquidate would compute right now.
type HealthView struct {
	Loan            LoanView `json:"loan"`
	Now             int64    `json:"now"`
	Elapsed         int64    `json:"elapsed"`
	Interest        string   `json:"interest"`
	TotalDue        string   `json:"total_due"`
	Price           string   `json:"price"`
	CollateralValue string   `json:"collateral_value"`
	CollateralRatio string   `json:"collateral_ratio"` // percent
	Liquidatable    bool     `json:"liquidatable"`
}

type TotalView struct {
	Asset        string `json:"asset"`
	Total        string `json:"total"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type StakeView struct {
	Account      string `json:"account"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// EventView is one event log entry.
type EventView struct {
	Sequence       int64           `json:"sequence"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Account        string          `json:"account"`
	Asset          string          `json:"asset"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool            `json:"is_healthy"`
	EventsVerified  int64           `json:"events_verified"`
	HashChainBreaks []int64         `json:"hash_chain_breaks,omitempty"`
	LoansScanned    int             `json:"loans_scanned"`
	ActiveLoans     int             `json:"active_loans"`
	AssetsChecked   int             `json:"assets_checked"`
	TotalMismatches []TotalMismatch `json:"total_mismatches,omitempty"`
	AsOfSequence    int64           `json:"as_of_sequence"`
}

// TotalMismatch is an asset whose stored aggregate differs from its loans.
type TotalMismatch struct {
	Asset    string `json:"asset"`
	Stored   string `json:"stored"`
	Computed string `json:"computed"`
}
