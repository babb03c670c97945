package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"LoanLedger/internal/event"
	"LoanLedger/internal/loan"
	"LoanLedger/internal/observability"
	"LoanLedger/internal/stake"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrMissingIdempotencyKey = errors.New("core: idempotency key is required")
	ErrUnsupportedEvent      = errors.New("core: unsupported event")
)

// Engine is the single logical thread through which every mutating command
// passes. It orders commands, assigns the global sequence, and extends the
// state hash chain.
type Engine struct {
	mu sync.Mutex

	sequence    int64 // next sequence to assign
	hasher      *StateHasher
	loans       *loan.Ledger
	stakes      *stake.Ledger
	clock       loan.Clock
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope *event.EventEnvelope
}

// Outcome of one ProcessEvent call. Duplicate outcomes carry no receipts.
type Outcome struct {
	Envelope     *event.EventEnvelope
	Duplicate    bool
	LoanReceipt  *loan.Receipt
	StakeReceipt *stake.Receipt
}

// Head is the event-log tip the engine resumes from.
type Head struct {
	Sequence int64 // last applied sequence, 0 for an empty log
	Hash     [32]byte
}

type EngineDeps struct {
	Loans       *loan.Ledger
	Stakes      *stake.Ledger
	Clock       loan.Clock
	DBChecker   DBIdempotencyChecker
	PersistChan chan<- CoreOutput
	PublishChan chan<- CoreOutput
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

// NewEngine builds an engine. A nil head starts a fresh chain at sequence 1.
func NewEngine(head *Head, lruCapacity int, deps EngineDeps) *Engine {
	hasher := NewStateHasher()
	next := int64(1)
	if head != nil && head.Sequence > 0 {
		hasher = NewStateHasherFrom(head.Hash)
		next = head.Sequence + 1
	}

	clock := deps.Clock
	if clock == nil {
		clock = loan.SystemClock{}
	}

	return &Engine{
		sequence:    next,
		hasher:      hasher,
		loans:       deps.Loans,
		stakes:      deps.Stakes,
		clock:       clock,
		idempotency: NewIdempotencyChecker(lruCapacity, deps.DBChecker, deps.Metrics, deps.Logger),
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		persistChan: deps.PersistChan,
		publishChan: deps.PublishChan,
	}
}

// Idempotency exposes the checker so recovery can warm it.
func (c *Engine) Idempotency() *IdempotencyChecker {
	return c.idempotency
}

// Head returns the current chain tip.
func (c *Engine) Head() Head {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Head{Sequence: c.sequence - 1, Hash: c.hasher.GetPrevHash()}
}

// ProcessEvent is the main processing pipeline
func (c *Engine) ProcessEvent(ctx context.Context, evt event.Event) (*Outcome, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()
	if idempotencyKey == "" {
		return nil, ErrMissingIdempotencyKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Step 1: Idempotency check (two-tier)
	if c.idempotency.IsDuplicate(ctx, eventType, idempotencyKey) {
		c.reject(eventType, "duplicate")
		return &Outcome{Duplicate: true}, nil
	}

	// Step 2: Dispatch to exactly one ledger operation
	outcome, payload, err := c.dispatch(ctx, evt)
	if err != nil {
		c.reject(eventType, RejectReason(err))
		return nil, err
	}

	// Step 3: Hash chain and envelope. Loan operations carry the ledger time
	// they read; stake operations have no clock of their own.
	var at int64
	if outcome.LoanReceipt != nil {
		at = outcome.LoanReceipt.Time
	} else {
		at = c.clock.Now()
	}
	account, asset := evt.Target()
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest(eventType, payload))

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		EventID:        uuid.New(),
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Account:        account,
		Asset:          asset,
		Timestamp:      time.Unix(at, 0).UTC(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	outcome.Envelope = envelope
	c.sequence++

	// Step 4: Emit. Persistence is a blocking send so the event log never
	// misses an applied event; publishing drops when the channel is full.
	output := CoreOutput{Envelope: envelope}
	if c.persistChan != nil {
		c.persistChan <- output
	}
	if c.publishChan != nil {
		select {
		case c.publishChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PublishDrops.Inc()
			}
		}
	}

	// Step 5: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(envelope.Sequence))
		c.recordTotals(outcome)
	}

	c.logger.Debug().
		Int64("sequence", envelope.Sequence).
		Str("event_type", eventType).
		Str("account", account).
		Str("asset", asset).
		Msg("event applied")

	return outcome, nil
}

func (c *Engine) dispatch(ctx context.Context, evt event.Event) (*Outcome, []byte, error) {
	switch e := evt.(type) {
	case *event.CreateLoan:
		r, err := c.loans.CreateLoan(ctx, e.Asset, e.Principal, e.Collateral, e.Account)
		return c.loanResult(r, err)

	case *event.RepayLoan:
		r, err := c.loans.RepayLoan(ctx, e.Asset, e.Amount, e.Account)
		return c.loanResult(r, err)

	case *event.LiquidateLoan:
		r, err := c.loans.LiquidateLoan(ctx, e.Asset, e.Account)
		if c.metrics != nil {
			c.metrics.LiquidationChecks.WithLabelValues(loan.ErrorKind(err)).Inc()
			if err == nil {
				c.metrics.LoansLiquidated.WithLabelValues(e.Asset).Inc()
			}
		}
		return c.loanResult(r, err)

	case *event.StakeDeposit:
		if c.stakes == nil {
			break
		}
		r, err := c.stakes.Deposit(ctx, e.Asset, e.Amount, e.Account)
		return c.stakeResult(r, e.Source, err)

	case *event.StakeWithdraw:
		if c.stakes == nil {
			break
		}
		r, err := c.stakes.Withdraw(ctx, e.Asset, e.Amount, e.Account)
		return c.stakeResult(r, "", err)
	}

	return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, evt.EventType())
}

func (c *Engine) loanResult(r *loan.Receipt, err error) (*Outcome, []byte, error) {
	if err != nil {
		return nil, nil, err
	}
	payload, err := json.Marshal(LoanPayload(r))
	if err != nil {
		return nil, nil, fmt.Errorf("encode loan payload: %w", err)
	}
	return &Outcome{LoanReceipt: r}, payload, nil
}

func (c *Engine) stakeResult(r *stake.Receipt, source string, err error) (*Outcome, []byte, error) {
	if err != nil {
		return nil, nil, err
	}
	payload, err := json.Marshal(event.StakePayload{
		Account: r.Account,
		Asset:   r.Asset,
		Amount:  r.Amount.String(),
		Balance: r.Balance.String(),
		Total:   r.Total.String(),
		Source:  source,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encode stake payload: %w", err)
	}
	return &Outcome{StakeReceipt: r}, payload, nil
}

// Deposit stakes a routed swap fee through the engine so it is sequenced and
// logged like any other command.
func (c *Engine) Deposit(ctx context.Context, asset string, amount *big.Int, account string) (*stake.Receipt, error) {
	outcome, err := c.ProcessEvent(ctx, &event.StakeDeposit{
		RequestID: uuid.NewString(),
		Account:   account,
		Asset:     asset,
		Amount:    amount,
		Source:    "swap",
	})
	if err != nil {
		return nil, err
	}
	return outcome.StakeReceipt, nil
}

func (c *Engine) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *Engine) recordTotals(o *Outcome) {
	if r := o.LoanReceipt; r != nil {
		c.metrics.LoanTotal.WithLabelValues(r.Loan.Asset).Set(observability.BigToFloat(r.TotalLoans))
	}
	if r := o.StakeReceipt; r != nil {
		c.metrics.StakeTotal.WithLabelValues(r.Asset).Set(observability.BigToFloat(r.Total))
	}
}

// LoanPayload renders a receipt as the logged event body.
func LoanPayload(r *loan.Receipt) event.LoanPayload {
	p := event.LoanPayload{
		Account:         r.Loan.Account,
		Asset:           r.Loan.Asset,
		Principal:       r.Loan.Principal.String(),
		Collateral:      r.Loan.Collateral.String(),
		InterestRateBps: r.Loan.InterestRateBps,
		StartTime:       r.Loan.StartTime,
		EndTime:         r.Loan.EndTime,
		Status:          r.Loan.Status.String(),
		TotalLoans:      r.TotalLoans.String(),
	}
	if r.Interest != nil {
		p.Interest = r.Interest.String()
	}
	if r.Paid != nil {
		p.Paid = r.Paid.String()
	}
	if r.Price != nil {
		p.Price = r.Price.String()
	}
	if r.CollateralRatio != nil {
		p.CollateralRatio = r.CollateralRatio.String()
	}
	return p
}

// stateDigest is the canonical input to the hash chain: the event type name,
// a separator, then the JSON payload.
func stateDigest(eventType string, payload []byte) []byte {
	digest := make([]byte, 0, len(eventType)+1+len(payload))
	digest = append(digest, eventType...)
	digest = append(digest, 0)
	return append(digest, payload...)
}

// StateDigest exposes the digest so logged events can be re-verified.
func StateDigest(env *event.EventEnvelope) []byte {
	return stateDigest(env.EventType.String(), env.Payload)
}

// RejectReason maps a processing error to a stable metric and transport label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, stake.ErrInsufficientStake):
		return "insufficient_stake"
	case errors.Is(err, stake.ErrInvalidAmount), errors.Is(err, stake.ErrInvalidInput),
		errors.Is(err, ErrMissingIdempotencyKey):
		return "invalid_input"
	case errors.Is(err, stake.ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrUnsupportedEvent):
		return "unsupported"
	default:
		return loan.ErrorKind(err)
	}
}
