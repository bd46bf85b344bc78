package types

import (
	"time"

	"gorm.io/gorm"
)

// Balance is the shared quote-currency ledger row for one asset.
// Spendable funds are Available - Hold; a reservation only ever raises Hold.
type Balance struct {
	gorm.Model `json:"-"`
	Asset      string    `gorm:"uniqueIndex" json:"asset"`
	Available  float64   `json:"available"`
	Hold       float64   `json:"hold"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Position is the shared asset inventory row for one trading pair.
// CautionCap, when non-zero, is an asset-level advisory limit cleared once
// the position is fully exhausted.
type Position struct {
	gorm.Model `json:"-"`
	Symbol     string    `gorm:"uniqueIndex" json:"symbol"`
	Qty        float64   `json:"qty"`
	Hold       float64   `json:"hold"`
	CautionCap float64   `json:"caution_cap"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OrderStatus is the simulated order state machine. Filled and cancelled are
// terminal; filled_size is monotonically non-decreasing and never exceeds size.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// SimOrder is a resting simulated order owned by the matching engine.
type SimOrder struct {
	gorm.Model   `json:"-"`
	OrderID      string      `gorm:"uniqueIndex" json:"order_id"`
	ProposalID   uint        `json:"proposal_id"`
	Symbol       string      `json:"symbol"`
	Side         Side        `json:"side"`
	Price        float64     `json:"price"`
	Size         float64     `json:"size"`
	FilledSize   float64     `json:"filled_size"`
	Status       OrderStatus `json:"status"`
	Deleted      bool        `json:"deleted"`
	DelayedUntil *time.Time  `json:"delayed_until,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Remaining is the unfilled quantity of the order.
func (o *SimOrder) Remaining() float64 {
	return o.Size - o.FilledSize
}

// Trade is an immutable record of one fill event.
type Trade struct {
	gorm.Model `json:"-"`
	TradeID    string    `gorm:"uniqueIndex" json:"trade_id"`
	OrderID    string    `gorm:"index" json:"order_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Price      float64   `json:"price"`
	Size       float64   `json:"size"`
	Fee        float64   `json:"fee"`
	CreatedAt  time.Time `json:"created_at"`
}

// RealismKind names the single fill-realism effect applied to an order.
type RealismKind string

const (
	RealismSlippage RealismKind = "slippage"
	RealismPartial  RealismKind = "partial_fill"
	RealismDelay    RealismKind = "delay"
	RealismSkip     RealismKind = "skip_on_touch"
)

// RealismRecord marks that an order has had its one realism effect.
// The unique index on OrderID is the idempotency guard: at most one effect
// per simulated order, ever.
type RealismRecord struct {
	gorm.Model `json:"-"`
	OrderID    string      `gorm:"uniqueIndex" json:"order_id"`
	Kind       RealismKind `json:"kind"`
	AppliedAt  time.Time   `json:"applied_at"`
	Details    string      `json:"details"`
}

// ReservationKind distinguishes quote-currency holds from asset holds.
type ReservationKind string

const (
	ReservationFunds     ReservationKind = "funds"
	ReservationInventory ReservationKind = "inventory"
)

// ReservationState tracks whether a hold is live, linked to an order, or
// released. Released is terminal; a second release is a no-op.
type ReservationState string

const (
	ReservationHeld     ReservationState = "held"
	ReservationLinked   ReservationState = "linked"
	ReservationReleased ReservationState = "released"
)

// Reservation correlates a hold to its originating proposal via a token
// derived from the proposal id. The unique token index makes reserve
// idempotent; the state column makes release idempotent.
type Reservation struct {
	gorm.Model `json:"-"`
	Token      string           `gorm:"uniqueIndex" json:"token"`
	ProposalID uint             `gorm:"index" json:"proposal_id"`
	Kind       ReservationKind  `json:"kind"`
	Instrument string           `json:"instrument"`
	Amount     float64          `json:"amount"`
	State      ReservationState `json:"state"`
	OrderID    string           `json:"order_id,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// AuditEntry is an append-only protocol decision record.
type AuditEntry struct {
	gorm.Model `json:"-"`
	ProposalID uint      `gorm:"index" json:"proposal_id"`
	Tag        string    `json:"tag"`
	Details    string    `json:"details"`
	CreatedAt  time.Time `json:"created_at"`
}

// EquitySnapshot records total account equity at a point in time; the risk
// circuit breaker derives daily loss and drawdown from these rows.
type EquitySnapshot struct {
	gorm.Model `json:"-"`
	Equity     float64   `json:"equity"`
	CreatedAt  time.Time `json:"created_at"`
}

// Heartbeat is the liveness row upserted by each long-running process.
type Heartbeat struct {
	gorm.Model `json:"-"`
	Component  string    `gorm:"uniqueIndex" json:"component"`
	LastSeen   time.Time `json:"last_seen"`
}
