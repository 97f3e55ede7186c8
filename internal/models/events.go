package models

import "time"

// Event types published to the payment events topic.
const (
	EventTypePaymentStatusChanged = "PaymentStatusChanged"
	EventTypePaymentInitiated     = "PaymentInitiated"
	EventTypePaymentRefunded      = "PaymentRefunded"
)

// BaseEvent contains common event fields
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PaymentInitiatedEvent is published after a provider transaction is opened.
type PaymentInitiatedEvent struct {
	BaseEvent
	OrderID       int64   `json:"order_id"`
	Gateway       string  `json:"gateway"`
	TransactionID string  `json:"transaction_id"`
	PaymentMethod string  `json:"payment_method"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
}

// PaymentStatusChangedEvent is published after every reconciliation that
// mutated order state. Downstream consumers (print queue, notification
// feeds) react to these instead of polling the orders table.
type PaymentStatusChangedEvent struct {
	BaseEvent
	OrderID       int64   `json:"order_id"`
	Gateway       string  `json:"gateway"`
	TransactionID string  `json:"transaction_id"`
	PaymentStatus string  `json:"payment_status"`
	OrderStatus   string  `json:"order_status"`
	Amount        float64 `json:"amount,omitempty"`
	Currency      string  `json:"currency,omitempty"`
}

// PaymentRefundedEvent is published after a successful refund operation.
type PaymentRefundedEvent struct {
	BaseEvent
	TransactionID string  `json:"transaction_id"`
	RefundID      string  `json:"refund_id,omitempty"`
	Amount        float64 `json:"amount"`
	Partial       bool    `json:"partial"`
}
