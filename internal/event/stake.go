package event

import "math/big"

type StakeDeposit struct {
	RequestID string
	Account   string
	Asset     string
	Amount    *big.Int
	// Source names the originator, e.g. "swap" for routed fees.
	Source string
}

func (s *StakeDeposit) IdempotencyKey() string { return s.RequestID }

func (s *StakeDeposit) EventType() EventType { return EventTypeStakeDeposited }

func (s *StakeDeposit) Target() (string, string) { return s.Account, s.Asset }

type StakeWithdraw struct {
	RequestID string
	Account   string
	Asset     string
	Amount    *big.Int
}

func (s *StakeWithdraw) IdempotencyKey() string { return s.RequestID }

func (s *StakeWithdraw) EventType() EventType { return EventTypeStakeWithdrawn }

func (s *StakeWithdraw) Target() (string, string) { return s.Account, s.Asset }

type StakePayload struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	Balance string `json:"balance"`
	Total   string `json:"total"`
	Source  string `json:"source,omitempty"`
}
