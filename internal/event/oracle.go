package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OraclePriceUpdate carries a signed oracle price for one asset feed.
// Feeds publish independently, so sequence gaps are tolerated as long
// as order holds per asset.
type OraclePriceUpdate struct {
	AssetID        string
	Price          decimal.Decimal
	PriceSequence  int64 // Monotonic per asset
	PriceTimestamp int64 // Epoch microseconds (versioned input)
}

func (o *OraclePriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", o.AssetID, o.PriceSequence)
}

func (o *OraclePriceUpdate) EventType() EventType {
	return EventTypeOraclePriceUpdate
}

func (o *OraclePriceUpdate) MarketID() *string {
	return nil // Asset feeds are shared across markets
}

func (o *OraclePriceUpdate) SourceSequence() int64 {
	return o.PriceSequence
}

func (o *OraclePriceUpdate) EventTime() time.Time {
	return time.UnixMicro(o.PriceTimestamp).UTC()
}

// MarketPoke accrues borrowing fees on a market's backing pools without
// any other settlement. Keepers send these so stale markets stay
// priced between trades.
type MarketPoke struct {
	PokeID    uuid.UUID // Idempotency key
	Market    string
	Sequence  int64
	Timestamp time.Time
}

func (p *MarketPoke) IdempotencyKey() string {
	return p.PokeID.String()
}

func (p *MarketPoke) EventType() EventType {
	return EventTypeMarketPoke
}

func (p *MarketPoke) MarketID() *string {
	m := p.Market
	return &m
}

func (p *MarketPoke) SourceSequence() int64 {
	return p.Sequence
}

func (p *MarketPoke) EventTime() time.Time {
	return p.Timestamp
}
