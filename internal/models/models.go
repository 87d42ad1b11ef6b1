package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	IsShared  bool            `json:"is_shared"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"created_at"`
}

type Order struct {
	ID               int64           `json:"id"`
	OrderID          string          `json:"order_id"`
	ProductID        int64           `json:"product_id"`
	Amount           decimal.Decimal `json:"amount"`
	Quantity         int             `json:"quantity"`
	Status           string          `json:"status"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	TradeNo          *string         `json:"trade_no,omitempty"`
	CardKey          *string         `json:"card_key,omitempty"`
	CurrentPaymentID *string         `json:"current_payment_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Card is one allocatable unit of a product's stock.
type Card struct {
	ID              int64      `json:"id"`
	ProductID       int64      `json:"product_id"`
	CardKey         string     `json:"card_key"`
	IsUsed          bool       `json:"is_used"`
	UsedAt          *time.Time `json:"used_at,omitempty"`
	ReservedOrderID *string    `json:"reserved_order_id,omitempty"`
	ReservedAt      *time.Time `json:"reserved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

const (
	OrderStatusPending   = "pending"
	OrderStatusCancelled = "cancelled"
	OrderStatusPaid      = "paid"
	OrderStatusDelivered = "delivered"
)

// validNext lists every status change fulfillment writes. Paid moves on only
// through a resync once stock arrives; delivered is final.
var validNext = map[string]map[string]bool{
	OrderStatusPending:   {OrderStatusPaid: true, OrderStatusDelivered: true, OrderStatusCancelled: true},
	OrderStatusCancelled: {OrderStatusPaid: true, OrderStatusDelivered: true},
	OrderStatusPaid:      {OrderStatusDelivered: true},
	OrderStatusDelivered: {},
}

var statusOrder = []string{OrderStatusPending, OrderStatusCancelled, OrderStatusPaid, OrderStatusDelivered}

func CanTransition(from, to string) bool {
	return validNext[from][to]
}

// SourcesOf returns the statuses among from that may move to to. The result
// is what a conditional update guards on.
func SourcesOf(to string, from ...string) []string {
	if len(from) == 0 {
		from = statusOrder
	}
	var out []string
	for _, s := range from {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// Fulfillable reports whether a payment may still be applied to the order.
func (o *Order) Fulfillable() bool {
	return CanTransition(o.Status, OrderStatusPaid)
}

// AwaitingStock reports whether the order was paid but nothing was delivered.
func (o *Order) AwaitingStock() bool {
	return o.Status == OrderStatusPaid && (o.CardKey == nil || *o.CardKey == "")
}
