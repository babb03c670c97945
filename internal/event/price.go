package event

import (
	"fmt"
	"math/big"
)

// PriceUpdate is an oracle price observation. It feeds the price oracle
// directly and never reaches the event log.
type PriceUpdate struct {
	Asset       string
	Price       *big.Int // 6 implied decimals
	Sequence    int64    // Monotonic per asset
	TimestampUs int64    // Epoch microseconds
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Asset, p.Sequence)
}

func (p *PriceUpdate) EventType() EventType { return EventTypePriceUpdated }

func (p *PriceUpdate) Target() (string, string) { return "", p.Asset }
