package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	fpmath "LoanLedger/internal/math"
	"LoanLedger/internal/stake"

	"github.com/rs/zerolog"
)

// DefaultFeeBps is the share of every swap that is staked for the recipient.
const DefaultFeeBps int64 = 1000

var (
	ErrInvalidAmount = errors.New("swap router: invalid amount")
	ErrInvalidInput  = errors.New("swap router: invalid input")
	ErrSlippage      = errors.New("swap router: output below minimum")
	ErrExchange      = errors.New("swap router: exchange failed")
)

// Exchange executes the swap leg and returns the amount of toAsset received.
type Exchange interface {
	Swap(ctx context.Context, fromAsset, toAsset string, amount, minOutput *big.Int) (*big.Int, error)
}

// Staker receives the fee leg.
type Staker interface {
	Deposit(ctx context.Context, asset string, amount *big.Int, account string) (*stake.Receipt, error)
}

type Request struct {
	FromAsset string
	ToAsset   string
	Amount    *big.Int
	MinOutput *big.Int // zero or nil accepts any output
	Recipient string
}

type Result struct {
	SwapAmount  *big.Int
	StakeAmount *big.Int
	Output      *big.Int
	Stake       *stake.Receipt // nil when StakeAmount is zero
}

// Router splits an input into a swap leg and a staked fee leg. It holds no state.
type Router struct {
	exchange Exchange
	staker   Staker
	feeBps   int64
	logger   zerolog.Logger
}

type Option func(*Router)

func WithFeeBps(bps int64) Option {
	return func(r *Router) { r.feeBps = bps }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

func NewRouter(exchange Exchange, staker Staker, opts ...Option) (*Router, error) {
	if exchange == nil || staker == nil {
		return nil, errors.New("swap router: exchange and staker are required")
	}
	r := &Router{
		exchange: exchange,
		staker:   staker,
		feeBps:   DefaultFeeBps,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.feeBps < 0 || r.feeBps > fpmath.BpsConfig.Scale {
		return nil, fmt.Errorf("swap router: fee %d bps outside [0, %d]", r.feeBps, fpmath.BpsConfig.Scale)
	}
	return r, nil
}

func (r *Router) FeeBps() int64 {
	return r.feeBps
}

// Split returns amount*(10_000-fee)/10_000 and the remainder.
func (r *Router) Split(amount *big.Int) (swapAmount, stakeAmount *big.Int, err error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if !fpmath.FitsInt128(amount) {
		return nil, nil, fmt.Errorf("%w: amount outside int128", ErrInvalidAmount)
	}
	swapAmount, err = fpmath.MulDiv(
		big.NewInt(fpmath.BpsConfig.Scale),
		amount,
		big.NewInt(fpmath.BpsConfig.Scale-r.feeBps),
	)
	if err != nil {
		return nil, nil, err
	}
	stakeAmount = new(big.Int).Sub(amount, swapAmount)
	return swapAmount, stakeAmount, nil
}

// Swap forwards the swap leg to the exchange, then stakes the fee leg of
// FromAsset for the recipient. A staking failure after a completed exchange
// is returned with the exchange output so the caller can reconcile.
func (r *Router) Swap(ctx context.Context, req Request) (*Result, error) {
	if req.FromAsset == "" || req.ToAsset == "" || req.Recipient == "" {
		return nil, fmt.Errorf("%w: from asset, to asset and recipient are required", ErrInvalidInput)
	}
	if req.FromAsset == req.ToAsset {
		return nil, fmt.Errorf("%w: cannot swap %s into itself", ErrInvalidInput, req.FromAsset)
	}
	minOutput := req.MinOutput
	if minOutput == nil {
		minOutput = new(big.Int)
	}
	if minOutput.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative minimum output", ErrInvalidAmount)
	}

	swapAmount, stakeAmount, err := r.Split(req.Amount)
	if err != nil {
		return nil, err
	}
	if swapAmount.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s too small to swap after fee", ErrInvalidAmount, req.Amount)
	}

	output, err := r.exchange.Swap(ctx, req.FromAsset, req.ToAsset, swapAmount, minOutput)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchange, err)
	}
	if output == nil || output.Cmp(minOutput) < 0 {
		return nil, fmt.Errorf("%w: got %v, want at least %s", ErrSlippage, output, minOutput)
	}

	result := &Result{SwapAmount: swapAmount, StakeAmount: stakeAmount, Output: output}
	if stakeAmount.Sign() > 0 {
		receipt, err := r.staker.Deposit(ctx, req.FromAsset, stakeAmount, req.Recipient)
		if err != nil {
			r.logger.Error().Err(err).
				Str("recipient", req.Recipient).
				Str("asset", req.FromAsset).
				Str("stake_amount", stakeAmount.String()).
				Msg("fee stake failed after exchange completed")
			return result, fmt.Errorf("swap router: stake fee: %w", err)
		}
		result.Stake = receipt
	}

	r.logger.Info().
		Str("from", req.FromAsset).
		Str("to", req.ToAsset).
		Str("swap_amount", swapAmount.String()).
		Str("stake_amount", stakeAmount.String()).
		Str("output", output.String()).
		Msg("swap routed")
	return result, nil
}
