package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderProcessing OrderStatus = "PROCESSING"
	OrderShipped    OrderStatus = "SHIPPED"
	OrderDelivered  OrderStatus = "DELIVERED"
	OrderCancelled  OrderStatus = "CANCELLED"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// OrderPaymentStatus is derived from amount_paid vs amount, except REFUNDED
// which only an explicit refund sets.
type OrderPaymentStatus string

const (
	Unpaid        OrderPaymentStatus = "UNPAID"
	PartiallyPaid OrderPaymentStatus = "PARTIALLY_PAID"
	Paid          OrderPaymentStatus = "PAID"
	Refunded      OrderPaymentStatus = "REFUNDED"
)

type Customer struct {
	ID    int
	Login string
	Phone string
}

type Product struct {
	ID    int64           `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

type Order struct {
	ID             int64              `json:"id"`
	CustomerID     int                `json:"-"`
	Amount         decimal.Decimal    `json:"amount"`
	AmountPaid     decimal.Decimal    `json:"amount_paid"`
	Status         OrderStatus        `json:"status"`
	PaymentStatus  OrderPaymentStatus `json:"payment_status"`
	TrackingNumber *string            `json:"tracking_number"`
	Items          []OrderItem        `json:"items,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// OrderItem is a quantity x price snapshot taken at order time, read-only
// after creation.
type OrderItem struct {
	ProductID   int64           `json:"product_id"`
	Quantity    int             `json:"quantity"`
	PriceAtTime decimal.Decimal `json:"price_at_time"`
}

type Payment struct {
	ID            int64           `json:"id"`
	OrderID       int64           `json:"order"`
	Amount        decimal.Decimal `json:"amount"`
	PhoneNumber   string          `json:"phone_number"`
	Status        PaymentStatus   `json:"status"`
	TransactionID *string         `json:"transaction_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (o Order) RemainingBalance() decimal.Decimal {
	rest := o.Amount.Sub(o.AmountPaid)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

func (o Order) IsFullyPaid() bool {
	return o.AmountPaid.GreaterThanOrEqual(o.Amount)
}

func DerivePaymentStatus(amount, amountPaid decimal.Decimal) OrderPaymentStatus {
	switch {
	case amountPaid.GreaterThanOrEqual(amount):
		return Paid
	case amountPaid.IsPositive():
		return PartiallyPaid
	default:
		return Unpaid
	}
}

// TrackingNumber embeds the date the order became fully paid, not the
// placement date. Assigned exactly once, at the PAID transition.
func TrackingNumber(orderID int64, at time.Time) string {
	return fmt.Sprintf("SNBL%s%06d", at.Format("20060102"), orderID)
}

// MapGatewayStatus translates the gateway status vocabulary. Unknown values
// fall back to PENDING, never to COMPLETED or FAILED.
func MapGatewayStatus(transactionStatus string) PaymentStatus {
	switch strings.ToLower(transactionStatus) {
	case "success":
		return PaymentCompleted
	case "failed":
		return PaymentFailed
	default:
		return PaymentPending
	}
}
