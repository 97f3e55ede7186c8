package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"payment-service/internal/models"
)

const (
	mercadoPagoAPIBase = "https://api.mercadopago.com/v1"
	mpPreferencePrefix = "pref_"
)

// mpStatusMap translates MercadoPago payment statuses into the internal
// vocabulary. Unknown statuses fall back to pending so a later
// reconciliation pass can settle them.
var mpStatusMap = map[string]string{
	"pending":      models.PaymentStatusPending,
	"approved":     models.PaymentStatusApproved,
	"authorized":   models.PaymentStatusAuthorized,
	"in_process":   models.PaymentStatusInProcess,
	"in_mediation": models.PaymentStatusChargedBack,
	"rejected":     models.PaymentStatusFailed,
	"cancelled":    models.PaymentStatusCancelled,
	"refunded":     models.PaymentStatusRefunded,
	"charged_back": models.PaymentStatusChargedBack,
}

// MercadoPago implements Gateway against the MercadoPago checkout and
// payments APIs. Hosted checkout preferences carry the pref_ prefix on
// their transaction id so lifecycle calls can tell them apart from
// payment ids.
type MercadoPago struct {
	*Base
	client      *http.Client
	apiBase     string
	accessToken string
	publicKey   string
}

func init() {
	Register("mercadopago", NewMercadoPago)
}

// NewMercadoPago validates credentials and builds the adapter.
func NewMercadoPago(cfg Config, deps Deps) (Gateway, error) {
	if err := cfg.Require("access_token", "public_key"); err != nil {
		return nil, err
	}
	if deps.Client == nil {
		deps.Client = NewHTTPClient()
	}
	base := cfg.Str("api_base_url")
	if base == "" {
		base = mercadoPagoAPIBase
	}
	return &MercadoPago{
		Base:        NewBase(cfg, deps),
		client:      deps.Client,
		apiBase:     base,
		accessToken: cfg.Str("access_token"),
		publicKey:   cfg.Str("public_key"),
	}, nil
}

func (g *MercadoPago) Name() string { return "mercadopago" }

func (g *MercadoPago) request(ctx context.Context, method, path string, body any) (*apiResponse, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + g.accessToken,
	}
	var reqData map[string]any
	if m, ok := body.(map[string]any); ok {
		reqData = m
	}
	resp, err := doJSON(ctx, g.client, method, g.apiBase+path, headers, body)
	if err != nil {
		g.LogInteraction(method+" "+path, reqData, map[string]any{"error": err.Error()}, false)
		return nil, &ProviderError{Provider: "mercadopago", Message: "request failed", Err: err}
	}
	g.LogInteraction(method+" "+path, reqData, resp.Body, resp.Status < 300)
	return resp, nil
}

// InitiateTransaction creates a hosted checkout preference for the order
// and records the resulting transaction as pending.
func (g *MercadoPago) InitiateTransaction(ctx context.Context, order OrderData, customer CustomerData, payment PaymentData) (*TransactionResult, error) {
	amount := order.Total
	currency := order.Currency
	if currency == "" {
		currency = g.Cfg.Str("currency")
	}
	if currency == "" {
		currency = "BRL"
	}

	pref := map[string]any{
		"external_reference": order.OrderNumber,
		"items": []map[string]any{
			{
				"id":          strconv.FormatInt(order.ID, 10),
				"title":       "Pedido " + order.OrderNumber,
				"quantity":    1,
				"unit_price":  amount,
				"currency_id": currency,
			},
		},
		"payer": map[string]any{
			"name":  customer.Name,
			"email": customer.Email,
		},
		"metadata": map[string]any{
			"order_id":     order.ID,
			"order_number": order.OrderNumber,
		},
		"notification_url": g.Cfg.Str("notification_url"),
		"back_urls": map[string]any{
			"success": g.Cfg.Str("success_url"),
			"pending": g.Cfg.Str("pending_url"),
			"failure": g.Cfg.Str("failure_url"),
		},
	}

	switch payment.Method {
	case "pix":
		pref["payment_methods"] = map[string]any{
			"default_payment_method_id": "pix",
			"excluded_payment_types":    []map[string]any{{"id": "credit_card"}, {"id": "ticket"}},
		}
		pref["date_of_expiration"] = time.Now().Add(30 * time.Minute).UTC().Format(time.RFC3339)
	case "boleto":
		pref["payment_methods"] = map[string]any{
			"default_payment_method_id": "bolbradesco",
			"excluded_payment_types":    []map[string]any{{"id": "credit_card"}},
		}
		pref["date_of_expiration"] = time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339)
	case "credit_card":
		if payment.Installments > 1 {
			pref["payment_methods"] = map[string]any{
				"installments": payment.Installments,
			}
		}
	}

	resp, err := g.request(ctx, "POST", "/checkout/preferences", pref)
	if err != nil {
		return nil, err
	}

	prefID := bodyStr(resp.Body, "id")
	if resp.Status >= 300 || prefID == "" {
		return nil, &ProviderError{
			Provider: "mercadopago",
			Message:  "preference creation rejected",
			Code:     resp.Status,
		}
	}

	txnID := mpPreferencePrefix + prefID
	redirect := bodyStr(resp.Body, "init_point")
	if g.Sandbox() {
		if s := bodyStr(resp.Body, "sandbox_init_point"); s != "" {
			redirect = s
		}
	}

	result := &TransactionResult{
		Success:       true,
		TransactionID: txnID,
		Status:        models.PaymentStatusPending,
		RawStatus:     "pending",
		RedirectURL:   redirect,
		Amount:        amount,
		Currency:      currency,
		PaymentMethod: payment.Method,
		Extra: models.Extra{
			"preference_id":      prefID,
			"external_reference": order.OrderNumber,
		},
	}

	g.RecordTransaction(ctx, order.ID, txnID, result.Status, models.Extra{
		"amount":             amount,
		"currency":           currency,
		"payment_method":     payment.Method,
		"preference_id":      prefID,
		"external_reference": order.OrderNumber,
	})
	return result, nil
}

// CheckTransactionStatus resolves either a checkout preference (by
// looking up its payments) or a payment id directly.
func (g *MercadoPago) CheckTransactionStatus(ctx context.Context, transactionID string) (*TransactionResult, error) {
	if strings.HasPrefix(transactionID, mpPreferencePrefix) {
		return g.checkPreference(ctx, transactionID)
	}
	return g.checkPayment(ctx, transactionID)
}

func (g *MercadoPago) checkPayment(ctx context.Context, paymentID string) (*TransactionResult, error) {
	resp, err := g.request(ctx, "GET", "/payments/"+paymentID, nil)
	if err != nil {
		return nil, err
	}
	if resp.Status == 404 {
		return nil, &NotFoundError{Kind: "payment", ID: paymentID}
	}
	if resp.Status >= 300 {
		return nil, &ProviderError{Provider: "mercadopago", Message: "payment lookup failed", Code: resp.Status}
	}
	return g.paymentResult(resp.Body), nil
}

func (g *MercadoPago) checkPreference(ctx context.Context, prefTxnID string) (*TransactionResult, error) {
	prefID := strings.TrimPrefix(prefTxnID, mpPreferencePrefix)
	resp, err := g.request(ctx, "GET", "/payments/search?external_reference="+prefID+"&sort=date_created&criteria=desc", nil)
	if err != nil {
		return nil, err
	}
	if resp.Status >= 300 {
		return nil, &ProviderError{Provider: "mercadopago", Message: "payment search failed", Code: resp.Status}
	}
	results := bodySlice(resp.Body, "results")
	if len(results) == 0 {
		// No payment attached yet, the checkout is still open.
		return &TransactionResult{
			Success:       true,
			TransactionID: prefTxnID,
			Status:        models.PaymentStatusPending,
			RawStatus:     "pending",
		}, nil
	}
	latest, ok := results[0].(map[string]any)
	if !ok {
		return nil, &ProviderError{Provider: "mercadopago", Message: "malformed payment search response"}
	}
	return g.paymentResult(latest), nil
}

func (g *MercadoPago) paymentResult(body map[string]any) *TransactionResult {
	raw := bodyStr(body, "status")
	status, ok := mpStatusMap[raw]
	if !ok {
		status = models.PaymentStatusPending
	}

	result := &TransactionResult{
		Success:       true,
		TransactionID: paymentIDString(body),
		Status:        status,
		RawStatus:     raw,
		Amount:        bodyFloat(body, "transaction_amount"),
		Currency:      bodyStr(body, "currency_id"),
		PaymentMethod: bodyStr(body, "payment_method_id"),
		Extra: models.Extra{
			"status_detail":      bodyStr(body, "status_detail"),
			"external_reference": bodyStr(body, "external_reference"),
		},
	}

	if poi := bodyMap(body, "point_of_interaction"); poi != nil {
		if td := bodyMap(poi, "transaction_data"); td != nil {
			result.QRCode = bodyStr(td, "qr_code_base64")
			result.QRCodeText = bodyStr(td, "qr_code")
		}
	}
	return result
}

func paymentIDString(body map[string]any) string {
	switch v := body["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	}
	return ""
}

// HandleCallback interprets a MercadoPago IPN/webhook notification. Only
// payment notifications carry actionable state; everything else is
// acknowledged without effect.
func (g *MercadoPago) HandleCallback(ctx context.Context, payload map[string]any) (*CallbackResult, error) {
	g.LogInteraction("callback", payload, nil, true)

	kind := bodyStr(payload, "type")
	if kind == "" {
		kind = bodyStr(payload, "topic")
	}
	if kind != "payment" && !strings.HasPrefix(bodyStr(payload, "action"), "payment.") {
		return &CallbackResult{
			Success:   true,
			EventType: kind,
			Message:   "notification acknowledged without action",
		}, nil
	}

	paymentID := ""
	if data := bodyMap(payload, "data"); data != nil {
		paymentID = paymentIDString(data)
	}
	if paymentID == "" {
		paymentID = paymentIDString(payload)
	}
	if paymentID == "" {
		return nil, &InvalidCallbackError{Provider: "mercadopago", Reason: "payment id missing"}
	}

	txn, err := g.checkPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	g.UpdateTransaction(ctx, paymentID, txn.Status, models.Extra{
		"raw_status":    txn.RawStatus,
		"status_detail": txn.Extra["status_detail"],
		"notified_at":   time.Now().UTC().Format(time.RFC3339),
	})

	orderRef := ""
	if s, ok := txn.Extra["external_reference"].(string); ok {
		orderRef = s
	}

	return &CallbackResult{
		Success:       true,
		Status:        txn.Status,
		TransactionID: paymentID,
		OrderRef:      orderRef,
		EventType:     "payment",
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Extra:         txn.Extra,
	}, nil
}

// CancelTransaction cancels a payment that has not settled yet. Payments
// already approved or terminal cannot be cancelled.
func (g *MercadoPago) CancelTransaction(ctx context.Context, transactionID, reason string) (*OperationResult, error) {
	current, err := g.CheckTransactionStatus(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if current.Status != models.PaymentStatusPending && current.Status != models.PaymentStatusInProcess {
		return nil, &ProviderError{
			Provider: "mercadopago",
			Message:  fmt.Sprintf("transaction in status %q cannot be cancelled", current.Status),
		}
	}

	if strings.HasPrefix(transactionID, mpPreferencePrefix) {
		// Open checkouts have no payment to void; expire locally.
		g.UpdateTransaction(ctx, transactionID, models.PaymentStatusCancelled, models.Extra{
			"cancel_reason": reason,
			"cancelled_at":  time.Now().UTC().Format(time.RFC3339),
		})
		return &OperationResult{
			Success:       true,
			TransactionID: transactionID,
			Status:        models.PaymentStatusCancelled,
			Message:       "checkout preference expired",
		}, nil
	}

	resp, err := g.request(ctx, "PUT", "/payments/"+transactionID, map[string]any{"status": "cancelled"})
	if err != nil {
		return nil, err
	}
	if resp.Status >= 300 {
		return nil, &ProviderError{Provider: "mercadopago", Message: "cancellation rejected", Code: resp.Status}
	}

	g.UpdateTransaction(ctx, transactionID, models.PaymentStatusCancelled, models.Extra{
		"cancel_reason": reason,
		"cancelled_at":  time.Now().UTC().Format(time.RFC3339),
	})
	return &OperationResult{
		Success:       true,
		TransactionID: transactionID,
		Status:        models.PaymentStatusCancelled,
	}, nil
}

// RefundTransaction refunds an approved payment, fully when amount is
// nil, otherwise partially.
func (g *MercadoPago) RefundTransaction(ctx context.Context, transactionID string, amount *float64, reason string) (*OperationResult, error) {
	current, err := g.CheckTransactionStatus(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if current.Status != models.PaymentStatusApproved {
		return nil, &ProviderError{
			Provider: "mercadopago",
			Message:  fmt.Sprintf("transaction in status %q cannot be refunded", current.Status),
		}
	}

	var body any
	partial := false
	if amount != nil {
		partial = *amount < current.Amount
		body = map[string]any{"amount": *amount}
	}

	paymentID := current.TransactionID
	resp, err := g.request(ctx, "POST", "/payments/"+paymentID+"/refunds", body)
	if err != nil {
		return nil, err
	}
	if resp.Status >= 300 {
		return nil, &ProviderError{Provider: "mercadopago", Message: "refund rejected", Code: resp.Status}
	}

	refundID := paymentIDString(resp.Body)
	status := models.PaymentStatusRefunded
	if partial {
		status = models.PaymentStatusPartiallyRefunded
	}
	refunded := current.Amount
	if amount != nil {
		refunded = *amount
	}

	g.UpdateTransaction(ctx, transactionID, status, models.Extra{
		"refund_id":     refundID,
		"refund_amount": refunded,
		"refund_reason": reason,
		"refunded_at":   time.Now().UTC().Format(time.RFC3339),
	})
	return &OperationResult{
		Success:       true,
		TransactionID: transactionID,
		Status:        status,
		RefundID:      refundID,
		Amount:        refunded,
		Partial:       partial,
	}, nil
}

// CapturePayment is not a server-side flow on MercadoPago checkout.
func (g *MercadoPago) CapturePayment(ctx context.Context, transactionID string) (*OperationResult, error) {
	return nil, &ProviderError{Provider: "mercadopago", Message: "capture is not supported, payments settle on approval"}
}

// GenerateToken is intentionally unsupported: card tokenization happens
// in the browser via the MercadoPago JS SDK so card data never touches
// this service.
func (g *MercadoPago) GenerateToken(ctx context.Context, card CardData) (string, error) {
	return "", &ProviderError{Provider: "mercadopago", Message: "card tokenization must be performed by the frontend SDK"}
}

// FrontendConfig exposes the public configuration the checkout page
// needs to bootstrap the MercadoPago SDK.
func (g *MercadoPago) FrontendConfig(method string) map[string]any {
	cfg := map[string]any{
		"public_key": g.publicKey,
		"site_id":    "MLB",
		"is_sandbox": g.Sandbox(),
	}
	switch method {
	case "credit_card":
		cfg["max_installments"] = 12
	case "pix":
		cfg["expiration_minutes"] = 30
	case "boleto":
		cfg["expiration_days"] = 3
	}
	return cfg
}

var _ Gateway = (*MercadoPago)(nil)
