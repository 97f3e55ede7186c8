// Package service holds the payment orchestration core: gateway
// resolution, payment lifecycle operations, webhook processing and order
// reconciliation.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"time"

	"payment-service/internal/gateway"
	"payment-service/internal/models"
	"payment-service/internal/redact"
	"payment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence surface the orchestrator depends on.
// Implemented by the sqlx store; faked in tests.
type Store interface {
	gateway.TransactionStore

	LatestTransactionByOrderID(ctx context.Context, orderID int64) (*models.Transaction, error)
	UpsertProviderTransaction(ctx context.Context, txn *models.Transaction) error
	FindOrderIDByPayloadMatch(ctx context.Context, transactionID string) (int64, error)
	ListPendingTransactions(ctx context.Context, limit int) ([]models.Transaction, error)
	InsertAttempt(ctx context.Context, attempt *models.PaymentAttempt) error
	InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	InsertRefund(ctx context.Context, refund *models.Refund) error

	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	FindOrderIDByNumber(ctx context.Context, orderNumber string) (int64, error)
	UpdateOrderPaymentStatus(ctx context.Context, orderID int64, orderStatus, paymentStatus string) error
	InsertOrderStatusHistory(ctx context.Context, h *models.OrderStatusHistory) error

	PaymentSettings(ctx context.Context) ([]models.Setting, error)
	PaymentMethods(ctx context.Context) ([]models.PaymentMethod, error)
}

// EventPublisher is the outbound event surface. Implemented by the Kafka
// publisher; faked in tests.
type EventPublisher interface {
	PublishPaymentInitiated(ctx context.Context, event *models.PaymentInitiatedEvent) error
	PublishPaymentStatusChanged(ctx context.Context, event *models.PaymentStatusChangedEvent) error
	PublishPaymentRefunded(ctx context.Context, event *models.PaymentRefundedEvent) error
}

// Cache is the Redis surface used for advisory locks and the
// frontend-config cache. Both uses are best-effort; a nil Cache disables
// them without changing payment semantics.
type Cache interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// PaymentRequest is the input to ProcessPayment.
type PaymentRequest struct {
	Order    gateway.OrderData    `json:"order" binding:"required"`
	Customer gateway.CustomerData `json:"customer" binding:"required"`
	Payment  gateway.PaymentData  `json:"payment" binding:"required"`
}

const paymentLockTTL = 30 * time.Second

// Orchestrator coordinates payment operations across the configured
// gateways. Gateways are bound once at startup from the settings table;
// a provider that fails to configure is recorded as a startup error and
// skipped, it never prevents the others from serving.
type Orchestrator struct {
	store     Store
	publisher EventPublisher
	cache     Cache
	logger    *zap.Logger

	gateways      map[string]gateway.Gateway
	methods       []models.PaymentMethod
	methodGateway map[string]string
	startupErrors []string

	reconciler *Reconciler
	ipn        IPNVerifier
}

// NewOrchestrator loads gateway configuration from the settings table and
// constructs every active, registered gateway. Configuration problems are
// collected into StartupErrors instead of failing construction.
func NewOrchestrator(ctx context.Context, store Store, publisher EventPublisher, cache Cache, ipn IPNVerifier) (*Orchestrator, error) {
	o := &Orchestrator{
		store:         store,
		publisher:     publisher,
		cache:         cache,
		logger:        util.GetLogger(),
		gateways:      make(map[string]gateway.Gateway),
		methodGateway: make(map[string]string),
		ipn:           ipn,
	}
	o.reconciler = NewReconciler(store, publisher)

	settings, err := store.PaymentSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment settings: %w", err)
	}

	for name, cfg := range groupGatewayConfigs(settings) {
		if !cfg.Active {
			continue
		}
		gw, err := gateway.New(name, cfg, gateway.Deps{
			Store:  store,
			Client: gateway.NewHTTPClient(),
			Logger: o.logger,
		})
		if err != nil {
			o.startupErrors = append(o.startupErrors,
				fmt.Sprintf("gateway %s: %v", name, err))
			o.logger.Warn("skipping misconfigured gateway",
				zap.String("gateway", name), zap.Error(err))
			continue
		}
		o.gateways[name] = gw
	}

	methods, err := store.PaymentMethods(ctx)
	if err != nil {
		o.startupErrors = append(o.startupErrors,
			fmt.Sprintf("payment methods: %v", err))
		methods = nil
	}
	for _, m := range methods {
		if !m.Active {
			continue
		}
		if _, ok := o.gateways[m.Gateway]; !ok {
			o.startupErrors = append(o.startupErrors,
				fmt.Sprintf("payment method %s: gateway %s is not configured", m.ID, m.Gateway))
			continue
		}
		o.methods = append(o.methods, m)
		o.methodGateway[m.ID] = m.Gateway
	}

	o.logger.Info("payment orchestrator ready",
		zap.Strings("gateways", o.ListGateways()),
		zap.Int("methods", len(o.methods)),
		zap.Int("startup_errors", len(o.startupErrors)))
	return o, nil
}

// groupGatewayConfigs folds payment.<gateway>.<facet> rows into one
// Config per gateway.
func groupGatewayConfigs(settings []models.Setting) map[string]gateway.Config {
	configs := make(map[string]gateway.Config)
	for _, s := range settings {
		parts := strings.SplitN(s.Key, ".", 3)
		if len(parts) != 3 || parts[0] != "payment" {
			continue
		}
		name, facet := parts[1], parts[2]

		cfg, ok := configs[name]
		if !ok {
			cfg = gateway.Config{Name: name, Values: models.Extra{}}
		}
		switch facet {
		case "active":
			cfg.Active = settingBool(s.Value)
		case "sandbox":
			cfg.Sandbox = settingBool(s.Value)
		case "display_name":
			cfg.DisplayName = s.Value
		default:
			cfg.Values[facet] = s.Value
		}
		configs[name] = cfg
	}
	return configs
}

func settingBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// StartupErrors returns the non-fatal configuration problems collected at
// construction.
func (o *Orchestrator) StartupErrors() []string {
	return append([]string(nil), o.startupErrors...)
}

// ListGateways returns the names of successfully configured gateways.
func (o *Orchestrator) ListGateways() []string {
	names := make([]string, 0, len(o.gateways))
	for name := range o.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListPaymentMethods returns the active methods backed by a configured
// gateway.
func (o *Orchestrator) ListPaymentMethods() []models.PaymentMethod {
	return append([]models.PaymentMethod(nil), o.methods...)
}

func (o *Orchestrator) validateRequest(req *PaymentRequest) error {
	if req.Order.ID <= 0 {
		return &gateway.ValidationError{Field: "order.id", Reason: "must be a positive integer"}
	}
	if strings.TrimSpace(req.Order.OrderNumber) == "" {
		return &gateway.ValidationError{Field: "order.order_number", Reason: "must not be empty"}
	}
	if req.Order.Total <= 0 {
		return &gateway.ValidationError{Field: "order.total", Reason: "must be greater than zero"}
	}
	if strings.TrimSpace(req.Customer.Name) == "" {
		return &gateway.ValidationError{Field: "customer.name", Reason: "must not be empty"}
	}
	if _, err := mail.ParseAddress(req.Customer.Email); err != nil {
		return &gateway.ValidationError{Field: "customer.email", Reason: "must be a valid email address"}
	}
	if strings.TrimSpace(req.Payment.Method) == "" {
		return &gateway.ValidationError{Field: "payment.payment_method", Reason: "must not be empty"}
	}
	return nil
}

// resolveMethod maps a payment-method id to its configured gateway. A
// method outside the active configured set fails validation.
func (o *Orchestrator) resolveMethod(method string) (gateway.Gateway, error) {
	name, ok := o.methodGateway[method]
	if !ok {
		return nil, &gateway.ValidationError{Field: "payment.payment_method", Reason: fmt.Sprintf("%q is not an active configured payment method", method)}
	}
	gw, ok := o.gateways[name]
	if !ok {
		return nil, &gateway.NotAvailableError{Kind: "gateway", Name: name}
	}
	return gw, nil
}

// resolveTransaction finds the gateway that owns a provider transaction
// id by looking at the most recent stored row carrying it.
func (o *Orchestrator) resolveTransaction(ctx context.Context, transactionID string) (gateway.Gateway, *models.Transaction, error) {
	txn, err := o.store.LatestTransactionByProviderID(ctx, transactionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up transaction: %w", err)
	}
	if txn == nil {
		return nil, nil, &gateway.NotFoundError{Kind: "transaction", ID: transactionID}
	}
	gw, ok := o.gateways[txn.GatewayName]
	if !ok {
		return nil, nil, &gateway.NotAvailableError{Kind: "gateway", Name: txn.GatewayName}
	}
	return gw, txn, nil
}

// ProcessPayment validates the request, resolves the method's gateway and
// opens a provider transaction. An attempt row is recorded for every call
// that reaches gateway resolution, success or failure.
func (o *Orchestrator) ProcessPayment(ctx context.Context, req *PaymentRequest) (*gateway.TransactionResult, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.ProcessPayment")
	defer span.End()

	if err := o.validateRequest(req); err != nil {
		return nil, err
	}

	gw, err := o.resolveMethod(req.Payment.Method)
	if err != nil {
		o.recordAttempt(ctx, req, "", "", models.PaymentStatusFailed, false, models.Extra{"error": err.Error()})
		util.PaymentAttemptsFailedTotal.WithLabelValues("none", "invalid_method").Inc()
		return nil, err
	}

	if o.cache != nil {
		lockKey := fmt.Sprintf("payment:lock:order:%d", req.Order.ID)
		acquired, lockErr := o.cache.AcquireLock(ctx, lockKey, paymentLockTTL)
		if lockErr != nil {
			o.logger.Warn("payment lock unavailable, proceeding without it", zap.Error(lockErr))
		} else if !acquired {
			return nil, &gateway.ValidationError{Field: "order.id", Reason: "a payment for this order is already in progress"}
		} else {
			defer o.cache.ReleaseLock(ctx, lockKey)
		}
	}

	util.PaymentAttemptsTotal.WithLabelValues(gw.Name(), req.Payment.Method).Inc()
	start := time.Now()
	result, err := gw.InitiateTransaction(ctx, req.Order, req.Customer, req.Payment)
	util.GatewayRequestLatency.WithLabelValues(gw.Name(), "initiate").Observe(time.Since(start).Seconds())

	if err != nil {
		o.recordAttempt(ctx, req, gw.Name(), "", models.PaymentStatusFailed, false, models.Extra{"error": err.Error()})
		util.PaymentAttemptsFailedTotal.WithLabelValues(gw.Name(), "provider_error").Inc()
		return nil, err
	}

	o.recordAttempt(ctx, req, gw.Name(), result.TransactionID, result.Status, result.Success, models.Extra{
		"raw_status": result.RawStatus,
	})

	if o.publisher != nil && result.Success {
		event := &models.PaymentInitiatedEvent{
			BaseEvent:     newBaseEvent(models.EventTypePaymentInitiated),
			OrderID:       req.Order.ID,
			Gateway:       gw.Name(),
			TransactionID: result.TransactionID,
			PaymentMethod: req.Payment.Method,
			Amount:        result.Amount,
			Currency:      result.Currency,
		}
		if err := o.publisher.PublishPaymentInitiated(ctx, event); err != nil {
			o.logger.Error("failed to publish payment initiated event", zap.Error(err))
		}
	}
	return result, nil
}

func (o *Orchestrator) recordAttempt(ctx context.Context, req *PaymentRequest, gatewayName, transactionID, status string, success bool, extra models.Extra) {
	attempt := &models.PaymentAttempt{
		OrderID:       req.Order.ID,
		PaymentMethod: req.Payment.Method,
		Gateway:       gatewayName,
		TransactionID: transactionID,
		Status:        status,
		Amount:        req.Order.Total,
		Success:       success,
		Extra:         models.Extra(redact.Map(extra)),
	}
	if err := o.store.InsertAttempt(ctx, attempt); err != nil {
		o.logger.Error("failed to record payment attempt",
			zap.Int64("order_id", req.Order.ID), zap.Error(err))
	}
}

// CheckTransactionStatus queries the owning gateway for the current
// provider-side status and refreshes the stored transaction row.
func (o *Orchestrator) CheckTransactionStatus(ctx context.Context, transactionID string) (*gateway.TransactionResult, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.CheckTransactionStatus")
	defer span.End()

	gw, txn, err := o.resolveTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := gw.CheckTransactionStatus(ctx, transactionID)
	util.GatewayRequestLatency.WithLabelValues(gw.Name(), "status").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	if result.Status != "" && result.Status != txn.Status {
		if _, err := o.store.UpdateTransactionStatus(ctx, transactionID, result.Status, models.Extra{
			"raw_status": result.RawStatus,
			"checked_at": time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			o.logger.Error("failed to refresh transaction status", zap.Error(err))
		}
		if txn.OrderID > 0 {
			if err := o.reconciler.Apply(ctx, txn.OrderID, &ReconcileUpdate{
				Gateway:       gw.Name(),
				TransactionID: transactionID,
				PaymentStatus: result.Status,
				Source:        "status_check",
				Details:       models.Extra{"raw_status": result.RawStatus},
			}); err != nil {
				o.logger.Error("reconciliation after status check failed", zap.Error(err))
			}
		}
	}
	return result, nil
}

// CancelTransaction cancels a transaction through its owning gateway and
// reconciles the order to cancelled.
func (o *Orchestrator) CancelTransaction(ctx context.Context, transactionID, reason string) (*gateway.OperationResult, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.CancelTransaction")
	defer span.End()

	gw, txn, err := o.resolveTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := gw.CancelTransaction(ctx, transactionID, reason)
	util.GatewayRequestLatency.WithLabelValues(gw.Name(), "cancel").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	util.PaymentsCancelledTotal.WithLabelValues(gw.Name()).Inc()
	if txn.OrderID > 0 {
		if err := o.reconciler.Apply(ctx, txn.OrderID, &ReconcileUpdate{
			Gateway:       gw.Name(),
			TransactionID: transactionID,
			PaymentStatus: models.PaymentStatusCancelled,
			Source:        "cancel",
			Details:       models.Extra{"reason": reason},
		}); err != nil {
			o.logger.Error("reconciliation after cancel failed", zap.Error(err))
		}
	}
	return result, nil
}

// RefundTransaction refunds a transaction, fully when amount is nil, and
// reconciles the order. A refund row is recorded for every successful
// provider refund.
func (o *Orchestrator) RefundTransaction(ctx context.Context, transactionID string, amount *float64, reason string) (*gateway.OperationResult, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.RefundTransaction")
	defer span.End()

	if amount != nil && *amount <= 0 {
		return nil, &gateway.ValidationError{Field: "amount", Reason: "must be greater than zero when present"}
	}

	gw, txn, err := o.resolveTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := gw.RefundTransaction(ctx, transactionID, amount, reason)
	util.GatewayRequestLatency.WithLabelValues(gw.Name(), "refund").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	refund := &models.Refund{
		TransactionID: transactionID,
		RefundID:      result.RefundID,
		Amount:        result.Amount,
		Reason:        reason,
		Status:        result.Status,
	}
	if err := o.store.InsertRefund(ctx, refund); err != nil {
		o.logger.Error("failed to record refund", zap.Error(err))
	}

	util.PaymentsRefundedTotal.WithLabelValues(gw.Name(), fmt.Sprintf("%t", result.Partial)).Inc()
	if txn.OrderID > 0 {
		if err := o.reconciler.Apply(ctx, txn.OrderID, &ReconcileUpdate{
			Gateway:       gw.Name(),
			TransactionID: transactionID,
			PaymentStatus: result.Status,
			Source:        "refund",
			Details: models.Extra{
				"refund_id": result.RefundID,
				"amount":    result.Amount,
				"partial":   result.Partial,
			},
		}); err != nil {
			o.logger.Error("reconciliation after refund failed", zap.Error(err))
		}
	}

	if o.publisher != nil {
		event := &models.PaymentRefundedEvent{
			BaseEvent:     newBaseEvent(models.EventTypePaymentRefunded),
			TransactionID: transactionID,
			RefundID:      result.RefundID,
			Amount:        result.Amount,
			Partial:       result.Partial,
		}
		if err := o.publisher.PublishPaymentRefunded(ctx, event); err != nil {
			o.logger.Error("failed to publish refund event", zap.Error(err))
		}
	}
	return result, nil
}

// CapturePayment settles a previously authorized transaction through its
// owning gateway and reconciles the order.
func (o *Orchestrator) CapturePayment(ctx context.Context, transactionID string) (*gateway.OperationResult, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.CapturePayment")
	defer span.End()

	gw, txn, err := o.resolveTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := gw.CapturePayment(ctx, transactionID)
	util.GatewayRequestLatency.WithLabelValues(gw.Name(), "capture").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	if txn.OrderID > 0 {
		if err := o.reconciler.Apply(ctx, txn.OrderID, &ReconcileUpdate{
			Gateway:       gw.Name(),
			TransactionID: transactionID,
			PaymentStatus: result.Status,
			Source:        "capture",
			Details:       models.Extra{"capture_id": result.CaptureID},
		}); err != nil {
			o.logger.Error("reconciliation after capture failed", zap.Error(err))
		}
	}
	return result, nil
}

// ProcessWebhook handles an inbound provider notification. Every delivery
// is appended to the webhook log with a redacted payload, whatever the
// outcome; processing a replay again is safe and appends again.
func (o *Orchestrator) ProcessWebhook(ctx context.Context, provider string, payload map[string]any) (*gateway.CallbackResult, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.ProcessWebhook")
	defer span.End()

	util.WebhooksReceivedTotal.WithLabelValues(provider).Inc()

	event := &models.WebhookEvent{
		Gateway:     provider,
		RequestData: models.Extra(redact.Map(payload)),
	}

	gw, ok := o.gateways[provider]
	if !ok {
		event.Success = false
		event.ProcessResult = models.Extra{"error": "gateway not configured"}
		o.logWebhookEvent(ctx, event)
		util.WebhooksFailedTotal.WithLabelValues(provider, "unknown_gateway").Inc()
		return nil, &gateway.NotAvailableError{Kind: "gateway", Name: provider}
	}

	result, err := gw.HandleCallback(ctx, payload)
	if err != nil {
		event.Success = false
		event.ProcessResult = models.Extra{"error": err.Error()}
		o.logWebhookEvent(ctx, event)
		util.WebhooksFailedTotal.WithLabelValues(provider, "callback_rejected").Inc()
		return nil, err
	}

	event.Success = result.Success
	event.EventType = result.EventType
	event.TransactionID = result.TransactionID
	event.ProcessResult = models.Extra{
		"status":  result.Status,
		"message": result.Message,
	}
	o.logWebhookEvent(ctx, event)

	// Notifications without a status carry no state change.
	if result.Status == "" {
		return result, nil
	}

	orderID, err := o.correlateOrder(ctx, result)
	if err != nil {
		o.logger.Error("order correlation failed",
			zap.String("gateway", provider),
			zap.String("transaction_id", result.TransactionID),
			zap.Error(err))
		return result, nil
	}
	if orderID == 0 {
		o.logger.Warn("webhook could not be correlated to an order",
			zap.String("gateway", provider),
			zap.String("transaction_id", result.TransactionID))
		return result, nil
	}

	if err := o.reconciler.Apply(ctx, orderID, &ReconcileUpdate{
		Gateway:       provider,
		TransactionID: result.TransactionID,
		PaymentStatus: result.Status,
		Source:        "webhook",
		Amount:        result.Amount,
		Currency:      result.Currency,
		Details: models.Extra{
			"event_type": result.EventType,
		},
	}); err != nil {
		o.logger.Error("webhook reconciliation failed", zap.Error(err))
	}
	return result, nil
}

// correlateOrder resolves the system order an inbound callback refers to:
// first by stored transaction, then by order number, finally by a
// full-text payload match.
func (o *Orchestrator) correlateOrder(ctx context.Context, result *gateway.CallbackResult) (int64, error) {
	if result.TransactionID != "" {
		txn, err := o.store.LatestTransactionByProviderID(ctx, result.TransactionID)
		if err != nil {
			return 0, err
		}
		if txn != nil && txn.OrderID > 0 {
			return txn.OrderID, nil
		}
	}
	if result.OrderRef != "" {
		id, err := o.store.FindOrderIDByNumber(ctx, result.OrderRef)
		if err != nil {
			return 0, err
		}
		if id > 0 {
			return id, nil
		}
	}
	return o.store.FindOrderIDByPayloadMatch(ctx, result.TransactionID)
}

func (o *Orchestrator) logWebhookEvent(ctx context.Context, event *models.WebhookEvent) {
	if err := o.store.InsertWebhookEvent(ctx, event); err != nil {
		o.logger.Error("failed to log webhook event",
			zap.String("gateway", event.Gateway), zap.Error(err))
	}
}

const frontendConfigTTL = 5 * time.Minute

// FrontendConfig returns the publishable configuration for a gateway and
// method, cached briefly in Redis since it only changes on redeploy.
func (o *Orchestrator) FrontendConfig(ctx context.Context, provider, method string) (map[string]any, error) {
	gw, ok := o.gateways[provider]
	if !ok {
		return nil, &gateway.NotAvailableError{Kind: "gateway", Name: provider}
	}

	cacheKey := fmt.Sprintf("payment:frontend_config:%s:%s", provider, method)
	if o.cache != nil {
		if cached, err := o.cache.Get(ctx, cacheKey); err == nil && cached != "" {
			var cfg map[string]any
			if err := json.Unmarshal([]byte(cached), &cfg); err == nil {
				return cfg, nil
			}
		}
	}

	cfg := gw.FrontendConfig(method)
	if o.cache != nil {
		if encoded, err := json.Marshal(cfg); err == nil {
			if err := o.cache.Set(ctx, cacheKey, string(encoded), frontendConfigTTL); err != nil {
				o.logger.Warn("failed to cache frontend config", zap.Error(err))
			}
		}
	}
	return cfg, nil
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}
