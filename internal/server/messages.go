package server

import "LoanLedger/internal/query"

// Request and response messages for the loanledger.v1 services. Amounts are
// base-10 strings; a request without a request_id gets a generated one, which
// means a retried call is not deduplicated.

type CreateLoanRequest struct {
	RequestID  string `json:"request_id"`
	Account    string `json:"account"`
	Asset      string `json:"asset"`
	Principal  string `json:"principal"`
	Collateral string `json:"collateral"`
}

type RepayLoanRequest struct {
	RequestID string `json:"request_id"`
	Account   string `json:"account"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
}

type LiquidateLoanRequest struct {
	RequestID string `json:"request_id"`
	Account   string `json:"account"`
	Asset     string `json:"asset"`
}

// LoanReceipt is returned by every loan mutation. A duplicate request carries
// the loan's current state instead of the original receipt.
type LoanReceipt struct {
	RequestID       string          `json:"request_id"`
	Sequence        int64           `json:"sequence,omitempty"`
	Duplicate       bool            `json:"duplicate,omitempty"`
	Loan            *query.LoanView `json:"loan,omitempty"`
	TotalLoans      string          `json:"total_loans,omitempty"`
	Interest        string          `json:"interest,omitempty"`
	Paid            string          `json:"paid,omitempty"`
	Price           string          `json:"price,omitempty"`
	CollateralRatio string          `json:"collateral_ratio,omitempty"`
}

type AccountAssetRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
}

type AssetRequest struct {
	Asset string `json:"asset"`
}

type StakeRequest struct {
	RequestID string `json:"request_id"`
	Account   string `json:"account"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
}

type StakeReceipt struct {
	RequestID string `json:"request_id,omitempty"`
	Sequence  int64  `json:"sequence,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Account   string `json:"account"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount,omitempty"`
	Balance   string `json:"balance,omitempty"`
	Total     string `json:"total,omitempty"`
}

type SwapRequest struct {
	FromAsset string `json:"from_asset"`
	ToAsset   string `json:"to_asset"`
	Amount    string `json:"amount"`
	MinOutput string `json:"min_output,omitempty"`
	Recipient string `json:"recipient"`
}

type SwapResponse struct {
	SwapAmount  string        `json:"swap_amount"`
	StakeAmount string        `json:"stake_amount"`
	Output      string        `json:"output"`
	Stake       *StakeReceipt `json:"stake,omitempty"`
}

type GetFeeRequest struct{}

type GetFeeResponse struct {
	FeeBps int64 `json:"fee_bps"`
}

type VerifyIntegrityRequest struct{}

type ListEventsRequest struct {
	Account       string `json:"account"`
	Asset         string `json:"asset"`
	AfterSequence int64  `json:"after_sequence,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

type ListEventsResponse struct {
	Events       []query.EventView `json:"events"`
	NextSequence int64             `json:"next_sequence,omitempty"`
}
