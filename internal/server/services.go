package server

import (
	"context"
	"errors"
	"math/big"

	"LoanLedger/internal/core"
	"LoanLedger/internal/event"
	fpmath "LoanLedger/internal/math"
	"LoanLedger/internal/observability"
	"LoanLedger/internal/query"
	"LoanLedger/internal/stake"
	"LoanLedger/internal/swap"

	"github.com/google/uuid"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CommandProcessor applies one mutating command; *core.Engine implements it.
type CommandProcessor interface {
	ProcessEvent(ctx context.Context, evt event.Event) (*core.Outcome, error)
}

// Swapper routes a swap; *swap.Router implements it.
type Swapper interface {
	Swap(ctx context.Context, req swap.Request) (*swap.Result, error)
	FeeBps() int64
}

func requestID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func parseAmount(field, s string) (*big.Int, error) {
	v, err := fpmath.ParseInt128(s)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid %s %q: %v", field, s, err)
	}
	return v, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// ============================================================================
// LoanService
// ============================================================================

type loanService struct {
	engine  CommandProcessor
	queries *query.QueryService
}

func (s *loanService) CreateLoan(ctx context.Context, req *CreateLoanRequest) (*LoanReceipt, error) {
	principal, err := parseAmount("principal", req.Principal)
	if err != nil {
		return nil, err
	}
	collateral, err := parseAmount("collateral", req.Collateral)
	if err != nil {
		return nil, err
	}

	cmd := &event.CreateLoan{
		RequestID:  requestID(req.RequestID),
		Account:    req.Account,
		Asset:      req.Asset,
		Principal:  principal,
		Collateral: collateral,
	}
	return s.apply(ctx, cmd)
}

func (s *loanService) RepayLoan(ctx context.Context, req *RepayLoanRequest) (*LoanReceipt, error) {
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, &event.RepayLoan{
		RequestID: requestID(req.RequestID),
		Account:   req.Account,
		Asset:     req.Asset,
		Amount:    amount,
	})
}

func (s *loanService) LiquidateLoan(ctx context.Context, req *LiquidateLoanRequest) (*LoanReceipt, error) {
	return s.apply(ctx, &event.LiquidateLoan{
		RequestID: requestID(req.RequestID),
		Account:   req.Account,
		Asset:     req.Asset,
	})
}

func (s *loanService) apply(ctx context.Context, cmd event.Event) (*LoanReceipt, error) {
	out, err := s.engine.ProcessEvent(ctx, cmd)
	if err != nil {
		return nil, toStatus(err)
	}

	resp := &LoanReceipt{RequestID: cmd.IdempotencyKey()}
	if out.Duplicate {
		resp.Duplicate = true
		account, asset := cmd.Target()
		if v, err := s.queries.GetLoan(ctx, account, asset); err == nil {
			resp.Loan = v
		}
		return resp, nil
	}

	r := out.LoanReceipt
	if r == nil {
		return nil, status.Error(codes.Internal, "engine returned no loan receipt")
	}
	view := query.NewLoanView(r.Loan, out.Envelope.Sequence)
	resp.Sequence = out.Envelope.Sequence
	resp.Loan = &view
	resp.TotalLoans = amountString(r.TotalLoans)
	resp.Interest = amountString(r.Interest)
	resp.Paid = amountString(r.Paid)
	resp.Price = amountString(r.Price)
	resp.CollateralRatio = amountString(r.CollateralRatio)
	return resp, nil
}

func (s *loanService) GetLoan(ctx context.Context, req *AccountAssetRequest) (*query.LoanView, error) {
	v, err := s.queries.GetLoan(ctx, req.Account, req.Asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return v, nil
}

func (s *loanService) GetLoanHealth(ctx context.Context, req *AccountAssetRequest) (*query.HealthView, error) {
	v, err := s.queries.GetLoanHealth(ctx, req.Account, req.Asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return v, nil
}

func (s *loanService) GetTotalLoans(ctx context.Context, req *AssetRequest) (*query.TotalView, error) {
	if req.Asset == "" {
		return nil, status.Error(codes.InvalidArgument, "asset is required")
	}
	v, err := s.queries.GetTotalLoans(ctx, req.Asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return v, nil
}

// ============================================================================
// StakeService
// ============================================================================

type stakeService struct {
	engine  CommandProcessor
	queries *query.QueryService
}

func (s *stakeService) Deposit(ctx context.Context, req *StakeRequest) (*StakeReceipt, error) {
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, &event.StakeDeposit{
		RequestID: requestID(req.RequestID),
		Account:   req.Account,
		Asset:     req.Asset,
		Amount:    amount,
		Source:    "api",
	})
}

func (s *stakeService) Withdraw(ctx context.Context, req *StakeRequest) (*StakeReceipt, error) {
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, &event.StakeWithdraw{
		RequestID: requestID(req.RequestID),
		Account:   req.Account,
		Asset:     req.Asset,
		Amount:    amount,
	})
}

func (s *stakeService) apply(ctx context.Context, cmd event.Event) (*StakeReceipt, error) {
	out, err := s.engine.ProcessEvent(ctx, cmd)
	if err != nil {
		return nil, toStatus(err)
	}

	account, asset := cmd.Target()
	if out.Duplicate {
		resp := &StakeReceipt{RequestID: cmd.IdempotencyKey(), Duplicate: true, Account: account, Asset: asset}
		if v, err := s.queries.GetStake(ctx, account, asset); err == nil {
			resp.Balance = v.Amount
		}
		return resp, nil
	}
	if out.StakeReceipt == nil {
		return nil, status.Error(codes.Internal, "engine returned no stake receipt")
	}
	resp := stakeReceipt(out.StakeReceipt)
	resp.RequestID = cmd.IdempotencyKey()
	resp.Sequence = out.Envelope.Sequence
	return resp, nil
}

func stakeReceipt(r *stake.Receipt) *StakeReceipt {
	return &StakeReceipt{
		Account: r.Account,
		Asset:   r.Asset,
		Amount:  amountString(r.Amount),
		Balance: amountString(r.Balance),
		Total:   amountString(r.Total),
	}
}

func (s *stakeService) GetStake(ctx context.Context, req *AccountAssetRequest) (*query.StakeView, error) {
	v, err := s.queries.GetStake(ctx, req.Account, req.Asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return v, nil
}

func (s *stakeService) GetTotalStake(ctx context.Context, req *AssetRequest) (*query.TotalView, error) {
	if req.Asset == "" {
		return nil, status.Error(codes.InvalidArgument, "asset is required")
	}
	v, err := s.queries.GetTotalStake(ctx, req.Asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return v, nil
}

// ============================================================================
// SwapService
// ============================================================================

// FeeStakeFailedReason is the ErrorInfo reason on an Aborted swap whose
// exchange leg completed.
const FeeStakeFailedReason = "FEE_STAKE_FAILED"

type swapService struct {
	router  Swapper
	metrics *observability.Metrics
}

func (s *swapService) Swap(ctx context.Context, req *SwapRequest) (*SwapResponse, error) {
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	var minOutput *big.Int
	if req.MinOutput != "" {
		if minOutput, err = parseAmount("min_output", req.MinOutput); err != nil {
			return nil, err
		}
	}

	res, err := s.router.Swap(ctx, swap.Request{
		FromAsset: req.FromAsset,
		ToAsset:   req.ToAsset,
		Amount:    amount,
		MinOutput: minOutput,
		Recipient: req.Recipient,
	})
	if s.metrics != nil {
		s.metrics.SwapsRouted.WithLabelValues(swapResult(err)).Inc()
	}
	if err != nil {
		if res != nil {
			return nil, partialSwapStatus(res, err)
		}
		return nil, toStatus(err)
	}

	resp := &SwapResponse{
		SwapAmount:  res.SwapAmount.String(),
		StakeAmount: res.StakeAmount.String(),
		Output:      res.Output.String(),
	}
	if res.Stake != nil {
		resp.Stake = stakeReceipt(res.Stake)
	}
	return resp, nil
}

// partialSwapStatus reports a swap whose exchange leg completed but whose fee
// stake did not. The details carry the amounts needed to reconcile it.
func partialSwapStatus(res *swap.Result, err error) error {
	st := status.New(codes.Aborted, err.Error())
	detailed, derr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: FeeStakeFailedReason,
		Domain: SwapServiceName,
		Metadata: map[string]string{
			"swap_amount":  res.SwapAmount.String(),
			"stake_amount": res.StakeAmount.String(),
			"output":       res.Output.String(),
		},
	})
	if derr != nil {
		return st.Err()
	}
	return detailed.Err()
}

func swapResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, swap.ErrSlippage):
		return "slippage"
	case errors.Is(err, swap.ErrExchange):
		return "exchange_failed"
	case errors.Is(err, swap.ErrInvalidAmount), errors.Is(err, swap.ErrInvalidInput):
		return "invalid_input"
	default:
		return "stake_failed"
	}
}

func (s *swapService) GetFee(context.Context, *GetFeeRequest) (*GetFeeResponse, error) {
	return &GetFeeResponse{FeeBps: s.router.FeeBps()}, nil
}

// ============================================================================
// AdminService
// ============================================================================

type adminService struct {
	queries *query.QueryService
}

func (s *adminService) VerifyIntegrity(ctx context.Context, _ *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	report, err := s.queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}

func (s *adminService) ListEvents(ctx context.Context, req *ListEventsRequest) (*ListEventsResponse, error) {
	if req.Account == "" || req.Asset == "" {
		return nil, status.Error(codes.InvalidArgument, "account and asset are required")
	}
	if req.AfterSequence < 0 {
		return nil, status.Error(codes.InvalidArgument, "after_sequence must not be negative")
	}

	events, err := s.queries.GetEventHistory(ctx, req.Account, req.Asset, req.AfterSequence, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &ListEventsResponse{Events: events}
	if n := len(events); n > 0 {
		resp.NextSequence = events[n-1].Sequence
	}
	return resp, nil
}
