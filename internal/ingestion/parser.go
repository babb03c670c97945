package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"LoanLedger/internal/event"
	fpmath "LoanLedger/internal/math"
)

var (
	ErrUnknownEventType = errors.New("ingestion: unknown event type")
	ErrMalformedPayload = errors.New("ingestion: malformed payload")
)

// ParseRawEvent converts a RawEvent into a typed command. Amounts arrive as
// base-10 strings; prices as decimal strings with up to 6 fractional digits.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	switch raw.EventType {
	case TypeCreateLoan:
		return parseCreateLoan(raw)
	case TypeRepayLoan:
		return parseRepayLoan(raw)
	case TypeLiquidateLoan:
		return parseLiquidateLoan(raw)
	case TypeStakeDeposit:
		return parseStakeDeposit(raw)
	case TypeStakeWithdraw:
		return parseStakeWithdraw(raw)
	case TypePriceUpdate:
		return parsePriceUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, raw.EventType)
	}
}

// --- JSON wire formats ---

type commandJSON struct {
	RequestID  string `json:"request_id"`
	Account    string `json:"account"`
	Asset      string `json:"asset"`
	Principal  string `json:"principal,omitempty"`
	Collateral string `json:"collateral,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Source     string `json:"source,omitempty"`
}

func decodeCommand(raw RawEvent) (*commandJSON, error) {
	var j commandJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, raw.EventType, err)
	}
	if j.RequestID == "" {
		j.RequestID = raw.MsgID
	}
	if j.RequestID == "" {
		return nil, fmt.Errorf("%w: %s: request_id is required", ErrMalformedPayload, raw.EventType)
	}
	return &j, nil
}

func parseAmount(field, s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: %s is required", ErrMalformedPayload, field)
	}
	v, err := fpmath.ParseInt128(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, field, err)
	}
	return v, nil
}

func parseCreateLoan(raw RawEvent) (*event.CreateLoan, error) {
	j, err := decodeCommand(raw)
	if err != nil {
		return nil, err
	}
	principal, err := parseAmount("principal", j.Principal)
	if err != nil {
		return nil, err
	}
	collateral, err := parseAmount("collateral", j.Collateral)
	if err != nil {
		return nil, err
	}
	return &event.CreateLoan{
		RequestID:  j.RequestID,
		Account:    j.Account,
		Asset:      j.Asset,
		Principal:  principal,
		Collateral: collateral,
	}, nil
}

func parseRepayLoan(raw RawEvent) (*event.RepayLoan, error) {
	j, err := decodeCommand(raw)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.RepayLoan{RequestID: j.RequestID, Account: j.Account, Asset: j.Asset, Amount: amount}, nil
}

func parseLiquidateLoan(raw RawEvent) (*event.LiquidateLoan, error) {
	j, err := decodeCommand(raw)
	if err != nil {
		return nil, err
	}
	return &event.LiquidateLoan{RequestID: j.RequestID, Account: j.Account, Asset: j.Asset}, nil
}

func parseStakeDeposit(raw RawEvent) (*event.StakeDeposit, error) {
	j, err := decodeCommand(raw)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.StakeDeposit{
		RequestID: j.RequestID,
		Account:   j.Account,
		Asset:     j.Asset,
		Amount:    amount,
		Source:    j.Source,
	}, nil
}

func parseStakeWithdraw(raw RawEvent) (*event.StakeWithdraw, error) {
	j, err := decodeCommand(raw)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.StakeWithdraw{RequestID: j.RequestID, Account: j.Account, Asset: j.Asset, Amount: amount}, nil
}

type priceJSON struct {
	Asset       string `json:"asset"`
	Price       string `json:"price"` // decimal, e.g. "0.75"
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: PriceUpdate: %v", ErrMalformedPayload, err)
	}
	if j.Asset == "" {
		return nil, fmt.Errorf("%w: asset is required", ErrMalformedPayload)
	}
	if j.Sequence <= 0 {
		return nil, fmt.Errorf("%w: sequence must be positive", ErrMalformedPayload)
	}
	price, err := fpmath.ParseDecimal(j.Price, fpmath.PriceConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: price: %v", ErrMalformedPayload, err)
	}
	return &event.PriceUpdate{
		Asset:       j.Asset,
		Price:       price,
		Sequence:    j.Sequence,
		TimestampUs: j.TimestampUs,
	}, nil
}
