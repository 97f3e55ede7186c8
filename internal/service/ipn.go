package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"payment-service/internal/gateway"
	"payment-service/internal/models"
	"payment-service/internal/redact"
	"payment-service/internal/util"

	"go.uber.org/zap"
)

// IPNVerifier echoes an IPN message back to PayPal to confirm it really
// originated there. Faked in tests.
type IPNVerifier interface {
	Verify(ctx context.Context, form url.Values) (bool, error)
}

const (
	payPalIPNLiveURL    = "https://ipnpb.paypal.com/cgi-bin/webscr"
	payPalIPNSandboxURL = "https://ipnpb.sandbox.paypal.com/cgi-bin/webscr"
)

// PayPalIPNVerifier performs the postback handshake: the received form is
// echoed to PayPal with cmd=_notify-validate prepended, and only the
// literal response body VERIFIED counts as authentic.
type PayPalIPNVerifier struct {
	Client   *http.Client
	Sandbox  bool
	Endpoint string // overrides the default URL, used in tests
}

// NewPayPalIPNVerifier builds a verifier with a 30 second client timeout.
func NewPayPalIPNVerifier(sandbox bool) *PayPalIPNVerifier {
	return &PayPalIPNVerifier{
		Client:  &http.Client{Timeout: 30 * time.Second},
		Sandbox: sandbox,
	}
}

func (v *PayPalIPNVerifier) url() string {
	if v.Endpoint != "" {
		return v.Endpoint
	}
	if v.Sandbox {
		return payPalIPNSandboxURL
	}
	return payPalIPNLiveURL
}

// Verify implements IPNVerifier.
func (v *PayPalIPNVerifier) Verify(ctx context.Context, form url.Values) (bool, error) {
	body := "cmd=_notify-validate&" + form.Encode()

	req, err := http.NewRequestWithContext(ctx, "POST", v.url(), strings.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "payment-service-ipn")

	client := v.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("verification postback failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return false, fmt.Errorf("read verification response: %w", err)
	}
	return strings.TrimSpace(string(raw)) == "VERIFIED", nil
}

// IPNResult is the outcome of processing one IPN delivery.
type IPNResult struct {
	Verified      bool   `json:"verified"`
	TransactionID string `json:"transaction_id,omitempty"`
	OrderID       int64  `json:"order_id,omitempty"`
	PaymentStatus string `json:"payment_status,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ipnStatus maps PayPal IPN payment_status values. Statuses without a
// mapping are logged without touching order state.
func ipnStatus(raw string) (string, bool) {
	switch raw {
	case "Completed":
		return models.PaymentStatusApproved, true
	case "Refunded", "Reversed":
		return models.PaymentStatusRefunded, true
	case "Failed", "Denied":
		return models.PaymentStatusFailed, true
	case "Pending":
		return models.PaymentStatusPending, true
	}
	return "", false
}

// ProcessPayPalIPN runs the legacy IPN pipeline: shape check, postback
// verification, order correlation, status mapping, reconciliation. Every
// delivery is appended to the webhook log, verified or not. Unverified
// or malformed messages never mutate order state.
func (o *Orchestrator) ProcessPayPalIPN(ctx context.Context, form url.Values) (*IPNResult, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.ProcessPayPalIPN")
	defer span.End()

	payload := formToExtra(form)
	txnID := form.Get("txn_id")
	rawStatus := form.Get("payment_status")

	event := &models.WebhookEvent{
		Gateway:       "paypal",
		EventType:     "ipn:" + rawStatus,
		TransactionID: txnID,
		RequestData:   models.Extra(redact.Map(payload)),
	}

	if strings.TrimSpace(txnID) == "" {
		event.ProcessResult = models.Extra{"error": "missing txn_id"}
		o.logWebhookEvent(ctx, event)
		util.IPNVerificationsTotal.WithLabelValues("malformed").Inc()
		return nil, &gateway.InvalidCallbackError{Provider: "paypal", Reason: "missing txn_id"}
	}

	if o.ipn == nil {
		event.ProcessResult = models.Extra{"error": "no verifier configured"}
		o.logWebhookEvent(ctx, event)
		return nil, &gateway.NotAvailableError{Kind: "gateway", Name: "paypal ipn"}
	}

	verified, err := o.ipn.Verify(ctx, form)
	if err != nil {
		event.ProcessResult = models.Extra{"error": err.Error()}
		o.logWebhookEvent(ctx, event)
		util.IPNVerificationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("ipn verification failed: %w", err)
	}
	if !verified {
		event.ProcessResult = models.Extra{"error": "postback not verified"}
		o.logWebhookEvent(ctx, event)
		util.IPNVerificationsTotal.WithLabelValues("invalid").Inc()
		return nil, &gateway.InvalidCallbackError{Provider: "paypal", Reason: "message failed postback verification"}
	}
	util.IPNVerificationsTotal.WithLabelValues("verified").Inc()

	orderID, err := o.correlateIPNOrder(ctx, form, txnID)
	if err != nil {
		event.ProcessResult = models.Extra{"error": fmt.Sprintf("correlation failed: %v", err)}
		o.logWebhookEvent(ctx, event)
		return nil, fmt.Errorf("ipn order correlation failed: %w", err)
	}

	result := &IPNResult{Verified: true, TransactionID: txnID}

	status, mapped := ipnStatus(rawStatus)
	if !mapped {
		result.Message = fmt.Sprintf("payment_status %q recorded without action", rawStatus)
		event.Success = true
		event.ProcessResult = models.Extra{"message": result.Message}
		o.logWebhookEvent(ctx, event)
		return result, nil
	}
	result.PaymentStatus = status

	if orderID == 0 {
		result.Message = "verified but not matched to an order"
		event.ProcessResult = models.Extra{"message": result.Message}
		o.logWebhookEvent(ctx, event)
		o.logger.Warn("verified ipn without order match",
			zap.String("txn_id", txnID), zap.String("payment_status", rawStatus))
		return result, nil
	}
	result.OrderID = orderID

	details := models.Extra{"raw_status": rawStatus, "payer_email": form.Get("payer_email")}
	if rawStatus == "Pending" {
		details["pending_reason"] = form.Get("pending_reason")
	}

	amount, _ := strconv.ParseFloat(form.Get("mc_gross"), 64)
	if err := o.reconciler.Apply(ctx, orderID, &ReconcileUpdate{
		Gateway:       "paypal",
		TransactionID: txnID,
		PaymentStatus: status,
		Source:        "paypal_ipn",
		Amount:        amount,
		Currency:      form.Get("mc_currency"),
		Details:       details,
	}); err != nil {
		event.ProcessResult = models.Extra{"error": err.Error()}
		o.logWebhookEvent(ctx, event)
		return nil, err
	}

	event.Success = true
	event.ProcessResult = models.Extra{"status": status, "order_id": orderID}
	o.logWebhookEvent(ctx, event)
	return result, nil
}

// correlateIPNOrder resolves the order an IPN refers to: the custom field
// (JSON with an order_id), then the invoice/order number, then a
// full-text match over stored payloads.
func (o *Orchestrator) correlateIPNOrder(ctx context.Context, form url.Values, txnID string) (int64, error) {
	if custom := form.Get("custom"); custom != "" {
		var payload struct {
			OrderID int64 `json:"order_id"`
		}
		if err := json.Unmarshal([]byte(custom), &payload); err == nil && payload.OrderID > 0 {
			return payload.OrderID, nil
		}
		if id, err := strconv.ParseInt(custom, 10, 64); err == nil && id > 0 {
			return id, nil
		}
	}

	for _, field := range []string{"invoice", "order_number"} {
		if ref := form.Get(field); ref != "" {
			id, err := o.store.FindOrderIDByNumber(ctx, ref)
			if err != nil {
				return 0, err
			}
			if id > 0 {
				return id, nil
			}
		}
	}

	return o.store.FindOrderIDByPayloadMatch(ctx, txnID)
}

func formToExtra(form url.Values) map[string]any {
	out := make(map[string]any, len(form))
	for k, v := range form {
		if len(v) == 1 {
			out[k] = v[0]
			continue
		}
		out[k] = strings.Join(v, ",")
	}
	return out
}
