package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/redact"

	"go.uber.org/zap"
)

// maxInteractionLog bounds the in-memory audit log per adapter instance.
const maxInteractionLog = 256

// Interaction is one audited outbound call, recorded with redacted
// request/response payloads.
type Interaction struct {
	Timestamp time.Time      `json:"timestamp"`
	Endpoint  string         `json:"endpoint"`
	Request   map[string]any `json:"request,omitempty"`
	Response  map[string]any `json:"response,omitempty"`
	Success   bool           `json:"success"`
}

// Base carries the behavior shared by every adapter: audit logging,
// signature utilities and best-effort transaction persistence. Concrete
// adapters embed it and keep their provider specifics on top.
type Base struct {
	Cfg    Config
	Store  TransactionStore
	Logger *zap.Logger

	mu  sync.Mutex
	log []Interaction
}

// NewBase validates nothing by itself; adapters call Cfg.Require with their
// provider-specific credential list before building the Base.
func NewBase(cfg Config, deps Deps) *Base {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Base{Cfg: cfg, Store: deps.Store, Logger: logger}
}

// Sandbox reports whether the adapter targets the provider's test
// environment.
func (b *Base) Sandbox() bool { return b.Cfg.Sandbox }

// LogInteraction appends a redacted request/response pair to the bounded
// in-memory audit log. Never fails; payment correctness must not depend on
// audit logging succeeding.
func (b *Base) LogInteraction(endpoint string, request, response map[string]any, success bool) {
	entry := Interaction{
		Timestamp: time.Now(),
		Endpoint:  endpoint,
		Request:   redact.Map(request),
		Response:  redact.Map(response),
		Success:   success,
	}

	b.mu.Lock()
	b.log = append(b.log, entry)
	if len(b.log) > maxInteractionLog {
		b.log = b.log[len(b.log)-maxInteractionLog:]
	}
	b.mu.Unlock()

	b.Logger.Debug("gateway api call",
		zap.String("gateway", b.Cfg.Name),
		zap.String("endpoint", endpoint),
		zap.Bool("success", success))
}

// Interactions returns a snapshot of the audit log.
func (b *Base) Interactions() []Interaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Interaction, len(b.log))
	copy(out, b.log)
	return out
}

// RecordTransaction inserts an audit row for a newly opened provider
// transaction. Persistence failures are logged and swallowed.
func (b *Base) RecordTransaction(ctx context.Context, orderID int64, transactionID, status string, extra models.Extra) {
	if b.Store == nil {
		return
	}
	amount, _ := extra["amount"].(float64)
	currency, _ := extra["currency"].(string)
	method, _ := extra["payment_method"].(string)

	txn := &models.Transaction{
		OrderID:       orderID,
		GatewayName:   b.Cfg.Name,
		TransactionID: transactionID,
		Status:        status,
		Amount:        amount,
		Currency:      currency,
		PaymentMethod: method,
		Extra:         models.Extra(redact.Map(extra)),
	}
	if err := b.Store.InsertTransaction(ctx, txn); err != nil {
		b.Logger.Error("failed to record transaction",
			zap.String("gateway", b.Cfg.Name),
			zap.String("transaction_id", transactionID),
			zap.Error(err))
	}
}

// UpdateTransaction merges extra into the most recent row for the provider
// transaction id and rewrites its status. Returns false when no prior row
// exists. Persistence failures are logged and reported as false.
func (b *Base) UpdateTransaction(ctx context.Context, transactionID, status string, extra models.Extra) bool {
	if b.Store == nil {
		return false
	}
	updated, err := b.Store.UpdateTransactionStatus(ctx, transactionID, status, models.Extra(redact.Map(extra)))
	if err != nil {
		b.Logger.Error("failed to update transaction status",
			zap.String("gateway", b.Cfg.Name),
			zap.String("transaction_id", transactionID),
			zap.Error(err))
		return false
	}
	return updated
}

// Sign computes HMAC-SHA256 over the canonical JSON encoding of data.
func Sign(data map[string]any, secret string) string {
	canonical, _ := json.Marshal(canonicalize(data))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a callback signature in constant time.
func VerifySignature(data map[string]any, signature, secret string) bool {
	expected := Sign(data, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// canonicalize normalizes nested maps so the JSON encoding is stable.
// encoding/json already sorts map keys; this only ensures nested values are
// of a type it can sort.
func canonicalize(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if m, ok := v.(map[string]any); ok {
			out[k] = canonicalize(m)
			continue
		}
		out[k] = v
	}
	return out
}
