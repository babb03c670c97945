package event

import "math/big"

type CreateLoan struct {
	RequestID  string
	Account    string
	Asset      string
	Principal  *big.Int
	Collateral *big.Int
}

func (c *CreateLoan) IdempotencyKey() string { return c.RequestID }

func (c *CreateLoan) EventType() EventType { return EventTypeLoanCreated }

func (c *CreateLoan) Target() (string, string) { return c.Account, c.Asset }

type RepayLoan struct {
	RequestID string
	Account   string
	Asset     string
	Amount    *big.Int
}

func (r *RepayLoan) IdempotencyKey() string { return r.RequestID }

func (r *RepayLoan) EventType() EventType { return EventTypeLoanRepaid }

func (r *RepayLoan) Target() (string, string) { return r.Account, r.Asset }

type LiquidateLoan struct {
	RequestID string
	Account   string
	Asset     string
}

func (l *LiquidateLoan) IdempotencyKey() string { return l.RequestID }

func (l *LiquidateLoan) EventType() EventType { return EventTypeLoanLiquidated }

func (l *LiquidateLoan) Target() (string, string) { return l.Account, l.Asset }

// LoanPayload is the JSON body of loan events. Amounts are base-10 strings.
type LoanPayload struct {
	Account         string `json:"account"`
	Asset           string `json:"asset"`
	Principal       string `json:"principal"`
	Collateral      string `json:"collateral"`
	InterestRateBps int64  `json:"interest_rate_bps"`
	StartTime       int64  `json:"start_time"`
	EndTime         int64  `json:"end_time"`
	Status          string `json:"status"`
	TotalLoans      string `json:"total_loans"`

	Interest        string `json:"interest,omitempty"`
	Paid            string `json:"paid,omitempty"`
	Price           string `json:"price,omitempty"`
	CollateralRatio string `json:"collateral_ratio,omitempty"`
}
