package query

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"LoanLedger/internal/core"
	"LoanLedger/internal/event"
	"LoanLedger/internal/loan"
	"LoanLedger/internal/persistence"
	"LoanLedger/internal/stake"
)

var ErrHistoryUnavailable = errors.New("query: event history requires the postgres event log")

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000

	verifyPageSize = 1000
	maxChainBreaks = 10
)

// HeadSource reports the engine's chain tip.
type HeadSource interface {
	Head() core.Head
}

// EventSource reads the persisted event log.
type EventSource interface {
	ListEvents(ctx context.Context, account, asset string, after int64, limit int) ([]persistence.EventRow, error)
	LoadRange(ctx context.Context, from int64, limit int) ([]persistence.EventRow, error)
}

// QueryService provides read-only access to ledger state and the event log.
// Responses carry as_of_sequence, the engine tip at read time.
type QueryService struct {
	loans  *loan.Ledger
	stakes *stake.Ledger
	head   HeadSource
	events EventSource
}

// NewQueryService builds the read side. events may be nil when no event log
// is configured.
func NewQueryService(loans *loan.Ledger, stakes *stake.Ledger, head HeadSource, events EventSource) *QueryService {
	return &QueryService{loans: loans, stakes: stakes, head: head, events: events}
}

func (qs *QueryService) asOf() int64 {
	if qs.head == nil {
		return 0
	}
	return qs.head.Head().Sequence
}

func (qs *QueryService) GetLoan(ctx context.Context, account, asset string) (*LoanView, error) {
	seq := qs.asOf()
	l, err := qs.loans.GetLoan(ctx, asset, account)
	if err != nil {
		return nil, err
	}
	v := NewLoanView(l, seq)
	return &v, nil
}

func (qs *QueryService) GetLoanHealth(ctx context.Context, account, asset string) (*HealthView, error) {
	seq := qs.asOf()
	h, err := qs.loans.GetLoanHealth(ctx, asset, account)
	if err != nil {
		return nil, err
	}
	return &HealthView{
		Loan:            NewLoanView(h.Loan, seq),
		Now:             h.Now,
		Elapsed:         h.Elapsed,
		Interest:        h.Interest.String(),
		TotalDue:        h.TotalDue.String(),
		Price:           h.Price.String(),
		CollateralValue: h.CollateralValue.String(),
		CollateralRatio: h.CollateralRatio.String(),
		Liquidatable:    h.Liquidatable,
	}, nil
}

func (qs *QueryService) GetTotalLoans(ctx context.Context, asset string) (*TotalView, error) {
	seq := qs.asOf()
	total, err := qs.loans.GetTotalLoans(ctx, asset)
	if err != nil {
		return nil, err
	}
	return &TotalView{Asset: asset, Total: total.String(), AsOfSequence: seq}, nil
}

func (qs *QueryService) GetStake(ctx context.Context, account, asset string) (*StakeView, error) {
	seq := qs.asOf()
	amount, err := qs.stakes.GetStake(ctx, asset, account)
	if err != nil {
		return nil, err
	}
	return &StakeView{Account: account, Asset: asset, Amount: amount.String(), AsOfSequence: seq}, nil
}

func (qs *QueryService) GetTotalStake(ctx context.Context, asset string) (*TotalView, error) {
	seq := qs.asOf()
	total, err := qs.stakes.GetTotalStake(ctx, asset)
	if err != nil {
		return nil, err
	}
	return &TotalView{Asset: asset, Total: total.String(), AsOfSequence: seq}, nil
}

// GetEventHistory returns events touching (account, asset) after the given
// sequence, oldest first. Supports cursor-based pagination.
func (qs *QueryService) GetEventHistory(ctx context.Context, account, asset string, afterSequence int64, limit int) ([]EventView, error) {
	if qs.events == nil {
		return nil, ErrHistoryUnavailable
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	rows, err := qs.events.ListEvents(ctx, account, asset, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	views := make([]EventView, 0, len(rows))
	for _, r := range rows {
		views = append(views, EventView{
			Sequence:       r.Sequence,
			EventID:        r.EventID,
			EventType:      r.EventType,
			IdempotencyKey: r.IdempotencyKey,
			Account:        r.Account,
			Asset:          r.Asset,
			Payload:        json.RawMessage(r.Payload),
			StateHash:      hex.EncodeToString(r.StateHash),
			PrevHash:       hex.EncodeToString(r.PrevHash),
			Timestamp:      r.Timestamp,
		})
	}
	return views, nil
}

// --- Admin APIs ---

// VerifyIntegrity recomputes per-asset loan totals and, when an event log is
// configured, re-walks the hash chain from genesis.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{AsOfSequence: qs.asOf()}

	totals, err := qs.loans.VerifyTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify totals: %w", err)
	}
	report.LoansScanned = totals.LoansScanned
	report.ActiveLoans = totals.ActiveLoans
	report.AssetsChecked = totals.AssetsChecked
	for _, m := range totals.Mismatches {
		report.TotalMismatches = append(report.TotalMismatches, TotalMismatch{
			Asset:    m.Asset,
			Stored:   m.Stored.String(),
			Computed: m.Computed.String(),
		})
	}

	if qs.events != nil {
		if err := qs.verifyChain(ctx, report); err != nil {
			return nil, fmt.Errorf("verify chain: %w", err)
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.TotalMismatches) == 0
	return report, nil
}

func (qs *QueryService) verifyChain(ctx context.Context, report *IntegrityReport) error {
	prev := core.GenesisHash()
	next := int64(1)

	for {
		rows, err := qs.events.LoadRange(ctx, next, verifyPageSize)
		if err != nil {
			return err
		}

		for _, r := range rows {
			var stateHash [32]byte
			copy(stateHash[:], r.StateHash)

			broken := r.Sequence != next || !bytes.Equal(r.PrevHash, prev[:])
			if !broken {
				env := &event.EventEnvelope{EventType: event.ParseEventType(r.EventType), Payload: r.Payload}
				digest := core.StateDigest(env)
				broken = core.VerifyChain(prev, []int64{r.Sequence}, [][]byte{digest}, [][32]byte{stateHash}) != -1
			}
			if broken && len(report.HashChainBreaks) < maxChainBreaks {
				report.HashChainBreaks = append(report.HashChainBreaks, r.Sequence)
			}

			// resync on the stored hash so one break is reported once
			prev = stateHash
			next = r.Sequence + 1
			report.EventsVerified++
		}

		if len(rows) < verifyPageSize {
			return nil
		}
	}
}

// NewLoanView renders a loan as of the given sequence.
func NewLoanView(l *loan.Loan, seq int64) LoanView {
	return LoanView{
		Account:         l.Account,
		Asset:           l.Asset,
		Principal:       l.Principal.String(),
		Collateral:      l.Collateral.String(),
		InterestRateBps: l.InterestRateBps,
		StartTime:       l.StartTime,
		EndTime:         l.EndTime,
		Status:          l.Status.String(),
		AsOfSequence:    seq,
	}
}
