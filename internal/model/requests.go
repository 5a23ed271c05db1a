package model

import "github.com/shopspring/decimal"

type OrderItemRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type CreateOrderRequest struct {
	Items []OrderItemRequest `json:"items"`
}

type InitiatePaymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	PhoneNumber string          `json:"phone_number"`
}

// WebhookRequest is the gateway callback payload.
type WebhookRequest struct {
	ExternalID        int64  `json:"externalId"`
	TransactionStatus string `json:"transactionStatus"`
}

// OrderSummary is the order view returned alongside a payment.
type OrderSummary struct {
	ID               int64              `json:"id"`
	AmountPaid       decimal.Decimal    `json:"amount_paid"`
	RemainingBalance decimal.Decimal    `json:"remaining_balance"`
	PaymentStatus    OrderPaymentStatus `json:"payment_status"`
	TrackingNumber   *string            `json:"tracking_number"`
}

func Summarize(o Order) OrderSummary {
	return OrderSummary{
		ID:               o.ID,
		AmountPaid:       o.AmountPaid,
		RemainingBalance: o.RemainingBalance(),
		PaymentStatus:    o.PaymentStatus,
		TrackingNumber:   o.TrackingNumber,
	}
}

type PaymentResponse struct {
	Payment Payment      `json:"payment"`
	Order   OrderSummary `json:"order"`
}
