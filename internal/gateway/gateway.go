// Package gateway defines the capability contract every payment provider
// adapter implements, plus the shared adapter base and the registration
// table used to construct adapters by configured name.
package gateway

import (
	"context"
	"net/http"
	"time"

	"payment-service/internal/models"

	"go.uber.org/zap"
)

// OrderData is the order slice a gateway needs to open a transaction.
type OrderData struct {
	ID          int64   `json:"id"`
	OrderNumber string  `json:"order_number"`
	Total       float64 `json:"total"`
	Currency    string  `json:"currency,omitempty"`
}

// CustomerData identifies the payer.
type CustomerData struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Document string `json:"document,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// PaymentData carries the method selection and method-specific fields.
type PaymentData struct {
	Method       string       `json:"payment_method"`
	Installments int          `json:"installments,omitempty"`
	CardToken    string       `json:"card_token,omitempty"`
	CardBrand    string       `json:"card_brand,omitempty"`
	Extra        models.Extra `json:"extra,omitempty"`
}

// CardData is raw card input for server-side tokenization.
type CardData struct {
	Number      string `json:"card_number"`
	HolderName  string `json:"holder_name"`
	ExpireMonth string `json:"expire_month"`
	ExpireYear  string `json:"expire_year"`
	CVV         string `json:"cvv"`
}

// TransactionResult describes a provider-side transaction. A declined or
// rejected payment is a result with Success=false, not an error.
type TransactionResult struct {
	Success       bool         `json:"success"`
	TransactionID string       `json:"transaction_id,omitempty"`
	Status        string       `json:"status,omitempty"`
	RawStatus     string       `json:"raw_status,omitempty"`
	RedirectURL   string       `json:"redirect_url,omitempty"`
	QRCode        string       `json:"qr_code,omitempty"`
	QRCodeText    string       `json:"qr_code_text,omitempty"`
	Amount        float64      `json:"amount,omitempty"`
	Currency      string       `json:"currency,omitempty"`
	PaymentMethod string       `json:"payment_method,omitempty"`
	CaptureIDs    []string     `json:"capture_ids,omitempty"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	Extra         models.Extra `json:"extra,omitempty"`
}

// CallbackResult is the normalized interpretation of an inbound webhook.
type CallbackResult struct {
	Success       bool         `json:"success"`
	Status        string       `json:"status,omitempty"`
	TransactionID string       `json:"transaction_id,omitempty"`
	OrderRef      string       `json:"order_ref,omitempty"`
	EventType     string       `json:"event_type,omitempty"`
	Message       string       `json:"message,omitempty"`
	Amount        float64      `json:"amount,omitempty"`
	Currency      string       `json:"currency,omitempty"`
	Extra         models.Extra `json:"extra,omitempty"`
}

// OperationResult is the outcome of a cancel, refund or capture.
type OperationResult struct {
	Success       bool    `json:"success"`
	TransactionID string  `json:"transaction_id,omitempty"`
	Status        string  `json:"status,omitempty"`
	RefundID      string  `json:"refund_id,omitempty"`
	CaptureID     string  `json:"capture_id,omitempty"`
	Amount        float64 `json:"amount,omitempty"`
	Partial       bool    `json:"partial,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// Gateway is the capability contract implemented by every provider adapter.
// Operations return errors only for unexpected failures; expected business
// outcomes (declined, pending) are encoded in the result.
type Gateway interface {
	Name() string

	InitiateTransaction(ctx context.Context, order OrderData, customer CustomerData, payment PaymentData) (*TransactionResult, error)
	CheckTransactionStatus(ctx context.Context, transactionID string) (*TransactionResult, error)
	HandleCallback(ctx context.Context, payload map[string]any) (*CallbackResult, error)
	CancelTransaction(ctx context.Context, transactionID, reason string) (*OperationResult, error)
	// RefundTransaction refunds fully when amount is nil, partially otherwise.
	RefundTransaction(ctx context.Context, transactionID string, amount *float64, reason string) (*OperationResult, error)
	// CapturePayment settles a previously authorized transaction. Adapters
	// without server-side capture return a ProviderError.
	CapturePayment(ctx context.Context, transactionID string) (*OperationResult, error)
	GenerateToken(ctx context.Context, card CardData) (string, error)
	// FrontendConfig returns only publishable fields (public keys, client
	// ids). Secrets must never appear in the returned map.
	FrontendConfig(method string) map[string]any
}

// TransactionStore is the persistence surface adapters use for the audit
// trail. Implemented by the sqlx store; faked in tests.
type TransactionStore interface {
	InsertTransaction(ctx context.Context, txn *models.Transaction) error
	LatestTransactionByProviderID(ctx context.Context, transactionID string) (*models.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, transactionID, status string, extra models.Extra) (bool, error)
}

// Config is the per-provider configuration bound at orchestrator startup.
type Config struct {
	Name        string
	DisplayName string
	Sandbox     bool
	Active      bool
	Values      models.Extra
}

// Str returns the string value for key, or "" when absent.
func (c Config) Str(key string) string {
	if c.Values == nil {
		return ""
	}
	if v, ok := c.Values[key].(string); ok {
		return v
	}
	return ""
}

// Require fails with a ValidationError when any named credential is missing
// or empty. Adapters call this from their constructors so a misconfigured
// provider fails fast instead of at first use.
func (c Config) Require(fields ...string) error {
	for _, f := range fields {
		if c.Str(f) == "" {
			return &ValidationError{Field: f, Reason: "required gateway configuration is missing"}
		}
	}
	return nil
}

// Deps carries the collaborators handed to adapter factories.
type Deps struct {
	Store  TransactionStore
	Client *http.Client
	Logger *zap.Logger
}

// NewHTTPClient builds the outbound client adapters share. Providers that
// stall must not hold a request-handling goroutine past the timeout.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}
