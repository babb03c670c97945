package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	fpmath "LoanLedger/internal/math"

	"github.com/nats-io/nats.go"
)

// DefaultExchangeSubject is where swap requests are sent for the exchange to answer.
const DefaultExchangeSubject = "exchange.swap"

type exchangeRequest struct {
	FromAsset string `json:"from_asset"`
	ToAsset   string `json:"to_asset"`
	Amount    string `json:"amount"`
	MinOutput string `json:"min_output"`
}

type exchangeReply struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// NATSExchange forwards swaps to an exchange service over NATS request/reply.
type NATSExchange struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
}

func NewNATSExchange(nc *nats.Conn, subject string, timeout time.Duration) *NATSExchange {
	if subject == "" {
		subject = DefaultExchangeSubject
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSExchange{nc: nc, subject: subject, timeout: timeout}
}

func (e *NATSExchange) Swap(ctx context.Context, fromAsset, toAsset string, amount, minOutput *big.Int) (*big.Int, error) {
	body, err := json.Marshal(exchangeRequest{
		FromAsset: fromAsset,
		ToAsset:   toAsset,
		Amount:    amount.String(),
		MinOutput: minOutput.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal swap request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	msg, err := e.nc.RequestWithContext(ctx, e.subject, body)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", e.subject, err)
	}

	var reply exchangeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode swap reply: %w", err)
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	return fpmath.ParseInt128(reply.Output)
}
