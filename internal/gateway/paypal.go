package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"payment-service/internal/models"
)

const (
	payPalLiveAPIBase    = "https://api-m.paypal.com"
	payPalSandboxAPIBase = "https://api-m.sandbox.paypal.com"

	// Refresh the OAuth token a minute before the provider expires it.
	payPalTokenSlack = 60 * time.Second
)

// payPalStatusMap translates PayPal order/capture statuses. Keys are
// uppercase, matching the provider wire format.
var payPalStatusMap = map[string]string{
	"CREATED":               models.PaymentStatusPending,
	"SAVED":                 models.PaymentStatusPending,
	"PAYER_ACTION_REQUIRED": models.PaymentStatusPending,
	"APPROVED":              models.PaymentStatusAuthorized,
	"COMPLETED":             models.PaymentStatusApproved,
	"CAPTURED":              models.PaymentStatusApproved,
	"VOIDED":                models.PaymentStatusCancelled,
	"DENIED":                models.PaymentStatusFailed,
	"EXPIRED":               models.PaymentStatusFailed,
	"FAILED":                models.PaymentStatusFailed,
	"REFUNDED":              models.PaymentStatusRefunded,
	"PARTIALLY_REFUNDED":    models.PaymentStatusPartiallyRefunded,
}

func payPalStatus(raw string) string {
	if s, ok := payPalStatusMap[strings.ToUpper(raw)]; ok {
		return s
	}
	return models.PaymentStatusPending
}

// PayPal implements Gateway against the PayPal Orders v2 API. Hosted
// checkout orders are authorized by the payer on PayPal's side and then
// captured, either by webhook-driven capture or an explicit call.
type PayPal struct {
	*Base
	client       *http.Client
	clientID     string
	clientSecret string

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func init() {
	Register("paypal", NewPayPal)
}

// NewPayPal validates credentials and builds the adapter.
func NewPayPal(cfg Config, deps Deps) (Gateway, error) {
	if err := cfg.Require("client_id", "client_secret"); err != nil {
		return nil, err
	}
	for _, field := range []string{"return_url", "cancel_url"} {
		if raw := cfg.Str(field); raw != "" {
			if _, err := url.ParseRequestURI(raw); err != nil {
				return nil, &ValidationError{Field: field, Reason: "must be an absolute URL"}
			}
		}
	}
	if deps.Client == nil {
		deps.Client = NewHTTPClient()
	}
	return &PayPal{
		Base:         NewBase(cfg, deps),
		client:       deps.Client,
		clientID:     cfg.Str("client_id"),
		clientSecret: cfg.Str("client_secret"),
	}, nil
}

func (g *PayPal) Name() string { return "paypal" }

func (g *PayPal) apiBase() string {
	if override := g.Cfg.Str("api_base_url"); override != "" {
		return override
	}
	if g.Sandbox() {
		return payPalSandboxAPIBase
	}
	return payPalLiveAPIBase
}

// token returns a cached OAuth access token, fetching a fresh one via
// the client-credentials grant when the cache is empty or near expiry.
func (g *PayPal) token(ctx context.Context) (string, error) {
	g.tokenMu.Lock()
	defer g.tokenMu.Unlock()

	if g.accessToken != "" && time.Now().Before(g.tokenExpiry.Add(-payPalTokenSlack)) {
		return g.accessToken, nil
	}

	form := strings.NewReader("grant_type=client_credentials")
	req, err := http.NewRequestWithContext(ctx, "POST", g.apiBase()+"/v1/oauth2/token", form)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(g.clientID + ":" + g.clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", &ProviderError{Provider: "paypal", Message: "token request failed", Err: err}
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := decodeJSONBody(resp, &body); err != nil {
		return "", &ProviderError{Provider: "paypal", Message: "token response unreadable", Err: err}
	}
	if resp.StatusCode >= 300 || body.AccessToken == "" {
		return "", &ProviderError{Provider: "paypal", Message: "authentication rejected", Code: resp.StatusCode}
	}

	g.accessToken = body.AccessToken
	g.tokenExpiry = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	return g.accessToken, nil
}

func (g *PayPal) request(ctx context.Context, method, path string, body any) (*apiResponse, error) {
	tok, err := g.token(ctx)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{"Authorization": "Bearer " + tok}
	var reqData map[string]any
	if m, ok := body.(map[string]any); ok {
		reqData = m
	}
	resp, err := doJSON(ctx, g.client, method, g.apiBase()+path, headers, body)
	if err != nil {
		g.LogInteraction(method+" "+path, reqData, map[string]any{"error": err.Error()}, false)
		return nil, &ProviderError{Provider: "paypal", Message: "request failed", Err: err}
	}
	g.LogInteraction(method+" "+path, reqData, resp.Body, resp.Status < 300)
	return resp, nil
}

// InitiateTransaction creates a checkout order with intent CAPTURE and
// returns the payer approval link. Direct card charges are not offered
// through this integration.
func (g *PayPal) InitiateTransaction(ctx context.Context, order OrderData, customer CustomerData, payment PaymentData) (*TransactionResult, error) {
	if payment.Method != "" && payment.Method != "paypal" {
		return nil, &ValidationError{Field: "payment_method", Reason: fmt.Sprintf("method %q is not offered by this provider", payment.Method)}
	}

	currency := order.Currency
	if currency == "" {
		currency = g.Cfg.Str("currency")
	}
	if currency == "" {
		currency = "BRL"
	}
	amount := formatAmount(order.Total)

	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{
			{
				"reference_id": order.OrderNumber,
				"custom_id":    strconv.FormatInt(order.ID, 10),
				"invoice_id":   order.OrderNumber,
				"amount": map[string]any{
					"currency_code": currency,
					"value":         amount,
				},
			},
		},
		"application_context": map[string]any{
			"landing_page": "BILLING",
			"user_action":  "PAY_NOW",
			"return_url":   g.Cfg.Str("return_url"),
			"cancel_url":   g.Cfg.Str("cancel_url"),
		},
	}
	if customer.Name != "" && customer.Email != "" {
		payload["payer"] = map[string]any{
			"name": map[string]any{
				"given_name": firstName(customer.Name),
				"surname":    lastName(customer.Name),
			},
			"email_address": customer.Email,
		}
	}

	resp, err := g.request(ctx, "POST", "/v2/checkout/orders", payload)
	if err != nil {
		return nil, err
	}

	orderID := bodyStr(resp.Body, "id")
	if resp.Status >= 300 || orderID == "" {
		return nil, &ProviderError{Provider: "paypal", Message: "order creation rejected", Code: resp.Status}
	}

	approval := linkByRel(resp.Body, "approve")
	if approval == "" {
		return nil, &ProviderError{Provider: "paypal", Message: "approval link missing from order response"}
	}

	raw := bodyStr(resp.Body, "status")
	status := payPalStatus(raw)
	result := &TransactionResult{
		Success:       true,
		TransactionID: orderID,
		Status:        status,
		RawStatus:     raw,
		RedirectURL:   approval,
		Amount:        order.Total,
		Currency:      currency,
		PaymentMethod: "paypal",
		Extra: models.Extra{
			"external_reference": order.OrderNumber,
		},
	}

	g.RecordTransaction(ctx, order.ID, orderID, status, models.Extra{
		"amount":             order.Total,
		"currency":           currency,
		"payment_method":     "paypal",
		"external_reference": order.OrderNumber,
	})
	return result, nil
}

// CheckTransactionStatus queries the checkout order and reports its
// mapped status plus any capture ids already attached.
func (g *PayPal) CheckTransactionStatus(ctx context.Context, transactionID string) (*TransactionResult, error) {
	resp, err := g.request(ctx, "GET", "/v2/checkout/orders/"+transactionID, nil)
	if err != nil {
		return nil, err
	}
	if resp.Status == 404 {
		return nil, &NotFoundError{Kind: "order", ID: transactionID}
	}
	if resp.Status >= 300 {
		return nil, &ProviderError{Provider: "paypal", Message: "order lookup failed", Code: resp.Status}
	}

	raw := bodyStr(resp.Body, "status")
	result := &TransactionResult{
		Success:       true,
		TransactionID: transactionID,
		Status:        payPalStatus(raw),
		RawStatus:     raw,
		PaymentMethod: "paypal",
		Extra:         models.Extra{},
	}

	units := bodySlice(resp.Body, "purchase_units")
	if len(units) > 0 {
		if unit, ok := units[0].(map[string]any); ok {
			if amt := bodyMap(unit, "amount"); amt != nil {
				result.Currency = bodyStr(amt, "currency_code")
				if v, err := strconv.ParseFloat(bodyStr(amt, "value"), 64); err == nil {
					result.Amount = v
				}
			}
			result.Extra["external_reference"] = bodyStr(unit, "invoice_id")
			result.CaptureIDs = captureIDs(unit)
		}
	}
	return result, nil
}

// CapturePayment captures an approved checkout order. PayPal only moves
// money at capture time, so this is the settlement step after the payer
// returns from the approval flow.
func (g *PayPal) CapturePayment(ctx context.Context, transactionID string) (*OperationResult, error) {
	resp, err := g.request(ctx, "POST", "/v2/checkout/orders/"+transactionID+"/capture", map[string]any{})
	if err != nil {
		return nil, err
	}
	if resp.Status == 404 {
		return nil, &NotFoundError{Kind: "order", ID: transactionID}
	}
	if resp.Status >= 300 {
		return nil, &ProviderError{Provider: "paypal", Message: "capture rejected", Code: resp.Status}
	}

	raw := bodyStr(resp.Body, "status")
	status := payPalStatus(raw)
	captureID := ""
	if units := bodySlice(resp.Body, "purchase_units"); len(units) > 0 {
		if unit, ok := units[0].(map[string]any); ok {
			if ids := captureIDs(unit); len(ids) > 0 {
				captureID = ids[0]
			}
		}
	}

	g.UpdateTransaction(ctx, transactionID, status, models.Extra{
		"capture_id":  captureID,
		"captured_at": time.Now().UTC().Format(time.RFC3339),
	})
	return &OperationResult{
		Success:       true,
		TransactionID: transactionID,
		Status:        status,
		CaptureID:     captureID,
	}, nil
}

// HandleCallback routes PayPal webhook events by event_type. Events
// without a handler are acknowledged so the provider stops retrying.
func (g *PayPal) HandleCallback(ctx context.Context, payload map[string]any) (*CallbackResult, error) {
	g.LogInteraction("callback", payload, nil, true)

	eventType := bodyStr(payload, "event_type")
	if eventType == "" {
		return nil, &InvalidCallbackError{Provider: "paypal", Reason: "event_type missing"}
	}
	resource := bodyMap(payload, "resource")

	switch eventType {
	case "PAYMENT.AUTHORIZATION.CREATED":
		return g.resourceCallback(ctx, eventType, resource, models.PaymentStatusAuthorized)
	case "PAYMENT.CAPTURE.COMPLETED":
		return g.resourceCallback(ctx, eventType, resource, models.PaymentStatusApproved)
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.REVERSED":
		return g.resourceCallback(ctx, eventType, resource, models.PaymentStatusFailed)
	case "PAYMENT.CAPTURE.REFUNDED":
		return g.refundCallback(ctx, eventType, resource)
	default:
		return &CallbackResult{
			Success:   true,
			EventType: eventType,
			Message:   "event acknowledged without action",
		}, nil
	}
}

func (g *PayPal) resourceCallback(ctx context.Context, eventType string, resource map[string]any, status string) (*CallbackResult, error) {
	resourceID := bodyStr(resource, "id")
	if resourceID == "" {
		return nil, &InvalidCallbackError{Provider: "paypal", Reason: "resource id missing"}
	}

	// Captures link back to their checkout order; the transaction is
	// keyed by the order id when that link is present.
	txnID := orderIDFromLinks(resource)
	if txnID == "" {
		txnID = resourceID
	}

	raw := bodyStr(resource, "status")
	if raw == "" {
		raw = eventType
	}

	g.UpdateTransaction(ctx, txnID, status, models.Extra{
		"event_type":  eventType,
		"resource_id": resourceID,
		"raw_status":  raw,
	})

	result := &CallbackResult{
		Success:       true,
		Status:        status,
		TransactionID: txnID,
		OrderRef:      bodyStr(resource, "invoice_id"),
		EventType:     eventType,
		Extra: models.Extra{
			"resource_id": resourceID,
		},
	}
	if amt := bodyMap(resource, "amount"); amt != nil {
		result.Currency = bodyStr(amt, "currency_code")
		if v, err := strconv.ParseFloat(bodyStr(amt, "value"), 64); err == nil {
			result.Amount = v
		}
	}
	return result, nil
}

func (g *PayPal) refundCallback(ctx context.Context, eventType string, resource map[string]any) (*CallbackResult, error) {
	refundID := bodyStr(resource, "id")
	if refundID == "" {
		return nil, &InvalidCallbackError{Provider: "paypal", Reason: "refund id missing"}
	}

	txnID := orderIDFromLinks(resource)
	if txnID == "" {
		txnID = refundID
	}

	amount := 0.0
	currency := ""
	if amt := bodyMap(resource, "amount"); amt != nil {
		currency = bodyStr(amt, "currency_code")
		if v, err := strconv.ParseFloat(bodyStr(amt, "value"), 64); err == nil {
			amount = v
		}
	}

	g.UpdateTransaction(ctx, txnID, models.PaymentStatusRefunded, models.Extra{
		"event_type":    eventType,
		"refund_id":     refundID,
		"refund_amount": amount,
		"refunded_at":   time.Now().UTC().Format(time.RFC3339),
	})

	return &CallbackResult{
		Success:       true,
		Status:        models.PaymentStatusRefunded,
		TransactionID: txnID,
		OrderRef:      bodyStr(resource, "invoice_id"),
		EventType:     eventType,
		Amount:        amount,
		Currency:      currency,
		Extra: models.Extra{
			"refund_id": refundID,
		},
	}, nil
}

// CancelTransaction voids a checkout order that has not been captured.
func (g *PayPal) CancelTransaction(ctx context.Context, transactionID, reason string) (*OperationResult, error) {
	current, err := g.CheckTransactionStatus(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	switch current.Status {
	case models.PaymentStatusPending, models.PaymentStatusAuthorized:
	default:
		return nil, &ProviderError{
			Provider: "paypal",
			Message:  fmt.Sprintf("order in status %q cannot be voided", current.Status),
		}
	}

	resp, err := g.request(ctx, "POST", "/v2/checkout/orders/"+transactionID+"/void", map[string]any{})
	if err != nil {
		return nil, err
	}
	if resp.Status >= 300 {
		return nil, &ProviderError{Provider: "paypal", Message: "void rejected", Code: resp.Status}
	}

	g.UpdateTransaction(ctx, transactionID, models.PaymentStatusCancelled, models.Extra{
		"cancel_reason": reason,
		"cancelled_at":  time.Now().UTC().Format(time.RFC3339),
	})
	return &OperationResult{
		Success:       true,
		TransactionID: transactionID,
		Status:        models.PaymentStatusCancelled,
		Message:       "order voided before capture",
	}, nil
}

// RefundTransaction refunds against the order's first capture, fully
// when amount is nil.
func (g *PayPal) RefundTransaction(ctx context.Context, transactionID string, amount *float64, reason string) (*OperationResult, error) {
	current, err := g.CheckTransactionStatus(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if current.Status != models.PaymentStatusApproved {
		return nil, &ProviderError{
			Provider: "paypal",
			Message:  fmt.Sprintf("order in status %q cannot be refunded", current.Status),
		}
	}
	if len(current.CaptureIDs) == 0 {
		return nil, &ProviderError{Provider: "paypal", Message: "order has no capture to refund against"}
	}
	captureID := current.CaptureIDs[0]

	payload := map[string]any{}
	partial := false
	if amount != nil {
		partial = *amount < current.Amount
		payload["amount"] = map[string]any{
			"value":         formatAmount(*amount),
			"currency_code": current.Currency,
		}
	}
	if reason != "" {
		payload["note_to_payer"] = reason
	}

	resp, err := g.request(ctx, "POST", "/v2/payments/captures/"+captureID+"/refund", payload)
	if err != nil {
		return nil, err
	}
	if resp.Status >= 300 {
		return nil, &ProviderError{Provider: "paypal", Message: "refund rejected", Code: resp.Status}
	}

	refundID := bodyStr(resp.Body, "id")
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
		"capture_id":    captureID,
		"refunded_at":   time.Now().UTC().Format(time.RFC3339),
	})
	return &OperationResult{
		Success:       true,
		TransactionID: transactionID,
		Status:        status,
		RefundID:      refundID,
		CaptureID:     captureID,
		Amount:        refunded,
		Partial:       partial,
	}, nil
}

// GenerateToken is unsupported: the payer authenticates on PayPal's own
// pages, no card data reaches this service.
func (g *PayPal) GenerateToken(ctx context.Context, card CardData) (string, error) {
	return "", &ProviderError{Provider: "paypal", Message: "card tokenization is handled by the hosted checkout"}
}

// FrontendConfig exposes the public configuration the checkout page
// needs to render PayPal buttons.
func (g *PayPal) FrontendConfig(method string) map[string]any {
	return map[string]any{
		"client_id":  g.clientID,
		"currency":   g.Cfg.Str("currency"),
		"is_sandbox": g.Sandbox(),
		"intent":     "capture",
	}
}

func captureIDs(unit map[string]any) []string {
	payments := bodyMap(unit, "payments")
	if payments == nil {
		return nil
	}
	var ids []string
	for _, c := range bodySlice(payments, "captures") {
		if capture, ok := c.(map[string]any); ok {
			if id := bodyStr(capture, "id"); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func linkByRel(body map[string]any, rel string) string {
	for _, l := range bodySlice(body, "links") {
		link, ok := l.(map[string]any)
		if !ok {
			continue
		}
		if bodyStr(link, "rel") == rel {
			return bodyStr(link, "href")
		}
	}
	return ""
}

// orderIDFromLinks follows the "up" link on a capture or refund resource
// back to its checkout order id.
func orderIDFromLinks(resource map[string]any) string {
	href := linkByRel(resource, "up")
	if href == "" || !strings.Contains(href, "/orders/") {
		return ""
	}
	parts := strings.Split(href, "/")
	return parts[len(parts)-1]
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func firstName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func lastName(full string) string {
	fields := strings.Fields(full)
	if len(fields) < 2 {
		return ""
	}
	return strings.Join(fields[1:], " ")
}

var _ Gateway = (*PayPal)(nil)
