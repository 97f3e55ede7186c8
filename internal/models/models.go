package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Extra is the provider-specific payload attached to transactions, attempts
// and webhook events. It is stored as a JSON column and merged key-by-key
// on updates (last writer wins per key).
type Extra map[string]any

// Merge returns a copy of e overlaid with the keys of other.
func (e Extra) Merge(other Extra) Extra {
	merged := make(Extra, len(e)+len(other))
	for k, v := range e {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// Value implements driver.Valuer so Extra can be bound as a JSON column.
func (e Extra) Value() (driver.Value, error) {
	if e == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e)
}

// Scan implements sql.Scanner.
func (e *Extra) Scan(src any) error {
	if src == nil {
		*e = Extra{}
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type for Extra: %T", src)
	}
	if len(raw) == 0 {
		*e = Extra{}
		return nil
	}
	return json.Unmarshal(raw, e)
}

// Transaction is one provider-side transaction. Rows are never deleted;
// status updates rewrite the most recent row for a provider transaction id.
type Transaction struct {
	ID            int64     `db:"id" json:"id"`
	OrderID       int64     `db:"order_id" json:"order_id"`
	GatewayName   string    `db:"gateway_name" json:"gateway_name"`
	TransactionID string    `db:"transaction_id" json:"transaction_id"`
	Status        string    `db:"status" json:"status"`
	Amount        float64   `db:"amount" json:"amount"`
	Currency      string    `db:"currency" json:"currency"`
	PaymentMethod string    `db:"payment_method" json:"payment_method"`
	Extra         Extra     `db:"additional_data" json:"additional_data,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// PaymentAttempt is one row per orchestration call, success or failure.
// Write-once, kept for diagnostics.
type PaymentAttempt struct {
	ID            int64     `db:"id" json:"id"`
	OrderID       int64     `db:"order_id" json:"order_id"`
	PaymentMethod string    `db:"payment_method" json:"payment_method"`
	Gateway       string    `db:"gateway" json:"gateway"`
	TransactionID string    `db:"transaction_id" json:"transaction_id,omitempty"`
	Status        string    `db:"status" json:"status"`
	Amount        float64   `db:"amount" json:"amount"`
	Success       bool      `db:"success" json:"success"`
	Extra         Extra     `db:"additional_data" json:"additional_data,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// WebhookEvent is the append-only log of inbound provider notifications.
// The request payload is redacted before it is written.
type WebhookEvent struct {
	ID            int64     `db:"id" json:"id"`
	Gateway       string    `db:"gateway" json:"gateway"`
	EventType     string    `db:"event_type" json:"event_type"`
	TransactionID string    `db:"transaction_id" json:"transaction_id,omitempty"`
	RequestData   Extra     `db:"request_data" json:"request_data,omitempty"`
	ProcessResult Extra     `db:"process_result" json:"process_result,omitempty"`
	Success       bool      `db:"success" json:"success"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// OrderStatusHistory is appended on every reconciliation event.
type OrderStatusHistory struct {
	ID            int64     `db:"id" json:"id"`
	OrderID       int64     `db:"order_id" json:"order_id"`
	Status        string    `db:"status" json:"status"`
	PaymentStatus string    `db:"payment_status" json:"payment_status"`
	Details       Extra     `db:"details" json:"details,omitempty"`
	Notes         string    `db:"notes" json:"notes,omitempty"`
	CreatedBy     string    `db:"created_by" json:"created_by"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Refund records one refund operation against a transaction.
type Refund struct {
	ID            int64     `db:"id" json:"id"`
	TransactionID string    `db:"transaction_id" json:"transaction_id"`
	RefundID      string    `db:"refund_id" json:"refund_id,omitempty"`
	Amount        float64   `db:"amount" json:"amount"`
	Reason        string    `db:"reason" json:"reason,omitempty"`
	Status        string    `db:"status" json:"status"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Order is the slice of the orders table this service reads and updates.
type Order struct {
	ID            int64     `db:"id" json:"id"`
	OrderNumber   string    `db:"order_number" json:"order_number"`
	Status        string    `db:"status" json:"status"`
	PaymentStatus string    `db:"payment_status" json:"payment_status"`
	Total         float64   `db:"total" json:"total"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Setting is one row of the hierarchical settings table
// (payment.<gateway>.<facet> keys plus the flat payment_methods list).
type Setting struct {
	Key   string `db:"setting_key"`
	Value string `db:"setting_value"`
}

// PaymentMethod is one entry of the configured payment-methods list.
type PaymentMethod struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Gateway string `json:"gateway"`
	Active  bool   `json:"active"`
}

// Payment statuses (normalized across providers).
const (
	PaymentStatusPending           = "pending"
	PaymentStatusInProcess         = "in_process"
	PaymentStatusApproved          = "approved"
	PaymentStatusAuthorized        = "authorized"
	PaymentStatusFailed            = "failed"
	PaymentStatusRejected          = "rejected"
	PaymentStatusCancelled         = "cancelled"
	PaymentStatusRefunded          = "refunded"
	PaymentStatusPartiallyRefunded = "partially_refunded"
	PaymentStatusChargedBack       = "charged_back"
)

// Order statuses.
const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusCancelled  = "cancelled"
	OrderStatusRefunded   = "refunded"
	OrderStatusDisputed   = "disputed"
	OrderStatusFailed     = "failed"
)

// TerminalPaymentStatus reports whether a payment status is not expected to
// transition further under normal operation. Terminal statuses are never
// regressed to pending by a late or unmapped callback.
func TerminalPaymentStatus(status string) bool {
	switch status {
	case PaymentStatusRefunded, PaymentStatusCancelled, PaymentStatusChargedBack:
		return true
	}
	return false
}
