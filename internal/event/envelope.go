package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeLoanCreated
	EventTypeLoanRepaid
	EventTypeLoanLiquidated
	EventTypeStakeDeposited
	EventTypeStakeWithdrawn
	EventTypePriceUpdated
)

// EventEnvelope wraps every applied event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	EventID uuid.UUID

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	Account string
	Asset   string

	// Ledger time the command was applied at
	Timestamp time.Time

	// JSON-encoded LoanPayload or StakePayload
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all inbound commands implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Target returns the (account, asset) the event touches
	Target() (account, asset string)
}

var eventTypeNames = map[EventType]string{
	EventTypeLoanCreated:    "LoanCreated",
	EventTypeLoanRepaid:     "LoanRepaid",
	EventTypeLoanLiquidated: "LoanLiquidated",
	EventTypeStakeDeposited: "StakeDeposited",
	EventTypeStakeWithdrawn: "StakeWithdrawn",
	EventTypePriceUpdated:   "PriceUpdated",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String; unknown names map to EventTypeUnknown.
func ParseEventType(s string) EventType {
	for et, name := range eventTypeNames {
		if name == s {
			return et
		}
	}
	return EventTypeUnknown
}
