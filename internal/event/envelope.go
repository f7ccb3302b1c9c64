package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCollateralDeposit
	EventTypeCollateralWithdraw
	EventTypePositionOpen
	EventTypePositionClose
	EventTypeLiquidateAccount
	EventTypeAdlFill
	EventTypePositionReallocate
	EventTypeLiquidityAdd
	EventTypeLiquidityRemove
	EventTypeOraclePriceUpdate
	EventTypeMarketPoke
	EventTypeMarketConfigUpdate
	EventTypePoolConfigUpdate
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Market context (nullable for global events)
	MarketID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// EventTime returns the versioned input timestamp (NOT wall-clock)
	EventTime() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeCollateralDeposit:
		return "CollateralDeposit"
	case EventTypeCollateralWithdraw:
		return "CollateralWithdraw"
	case EventTypePositionOpen:
		return "PositionOpen"
	case EventTypePositionClose:
		return "PositionClose"
	case EventTypeLiquidateAccount:
		return "LiquidateAccount"
	case EventTypeAdlFill:
		return "AdlFill"
	case EventTypePositionReallocate:
		return "PositionReallocate"
	case EventTypeLiquidityAdd:
		return "LiquidityAdd"
	case EventTypeLiquidityRemove:
		return "LiquidityRemove"
	case EventTypeOraclePriceUpdate:
		return "OraclePriceUpdate"
	case EventTypeMarketPoke:
		return "MarketPoke"
	case EventTypeMarketConfigUpdate:
		return "MarketConfigUpdate"
	case EventTypePoolConfigUpdate:
		return "PoolConfigUpdate"
	default:
		return "Unknown"
	}
}
