package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"payment-service/internal/gateway"
	"payment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerifier struct {
	verified bool
	err      error
	calls    int
}

func (f *fakeVerifier) Verify(ctx context.Context, form url.Values) (bool, error) {
	f.calls++
	return f.verified, f.err
}

func newIPNOrchestrator(t *testing.T, store *fakeStore, verifier IPNVerifier) *Orchestrator {
	t.Helper()
	if store.settings == nil {
		store.settings = testSettings()
	}
	if store.methods == nil {
		store.methods = testMethods()
	}
	o, err := NewOrchestrator(context.Background(), store, &fakePublisher{}, nil, verifier)
	require.NoError(t, err)
	return o
}

func ipnForm(status string) url.Values {
	return url.Values{
		"txn_id":         {"7FW12345AB123456C"},
		"payment_status": {status},
		"mc_gross":       {"150.00"},
		"mc_currency":    {"BRL"},
		"invoice":        {"ORD-42"},
		"custom":         {`{"order_id":42}`},
		"payer_email":    {"ana@example.com"},
	}
}

func TestIPNMissingTxnID(t *testing.T) {
	store := newFakeStore()
	verifier := &fakeVerifier{verified: true}
	o := newIPNOrchestrator(t, store, verifier)

	form := ipnForm("Completed")
	form.Set("txn_id", "  ")

	_, err := o.ProcessPayPalIPN(context.Background(), form)
	require.True(t, gateway.IsInvalidCallback(err))

	assert.Equal(t, 0, verifier.calls, "messages without a txn_id are rejected before the postback")
	require.Len(t, store.webhooks, 1)
	assert.False(t, store.webhooks[0].Success)
	assert.Empty(t, store.history)
}

func TestIPNNonstandardTxnIDIsVerified(t *testing.T) {
	store := newFakeStore()
	store.addOrder(&models.Order{ID: 42, OrderNumber: "ORD-42", Status: models.OrderStatusPending, PaymentStatus: models.PaymentStatusPending})
	verifier := &fakeVerifier{verified: true}
	o := newIPNOrchestrator(t, store, verifier)

	form := ipnForm("Completed")
	form.Set("txn_id", "LEGACY-2019/000042-XYZ")

	result, err := o.ProcessPayPalIPN(context.Background(), form)
	require.NoError(t, err)

	assert.Equal(t, 1, verifier.calls)
	assert.Equal(t, int64(42), result.OrderID)
	assert.Equal(t, models.PaymentStatusApproved, store.orders[42].PaymentStatus)
}

func TestIPNUnverifiedNeverMutates(t *testing.T) {
	store := newFakeStore()
	store.addOrder(&models.Order{ID: 42, OrderNumber: "ORD-42", Status: models.OrderStatusPending, PaymentStatus: models.PaymentStatusPending})
	o := newIPNOrchestrator(t, store, &fakeVerifier{verified: false})

	_, err := o.ProcessPayPalIPN(context.Background(), ipnForm("Completed"))
	require.True(t, gateway.IsInvalidCallback(err))

	assert.Equal(t, models.PaymentStatusPending, store.orders[42].PaymentStatus)
	assert.Empty(t, store.history)
	assert.Empty(t, store.transactions)
	require.Len(t, store.webhooks, 1)
	assert.False(t, store.webhooks[0].Success)
}

func TestIPNCompletedApprovesOrder(t *testing.T) {
	store := newFakeStore()
	store.addOrder(&models.Order{ID: 42, OrderNumber: "ORD-42", Status: models.OrderStatusPending, PaymentStatus: models.PaymentStatusPending, Total: 150.00})
	o := newIPNOrchestrator(t, store, &fakeVerifier{verified: true})

	result, err := o.ProcessPayPalIPN(context.Background(), ipnForm("Completed"))
	require.NoError(t, err)

	assert.True(t, result.Verified)
	assert.Equal(t, int64(42), result.OrderID)
	assert.Equal(t, models.PaymentStatusApproved, result.PaymentStatus)

	assert.Equal(t, models.OrderStatusProcessing, store.orders[42].Status)
	assert.Equal(t, models.PaymentStatusApproved, store.orders[42].PaymentStatus)

	require.Len(t, store.history, 1)
	require.Len(t, store.transactions, 1)
	assert.Equal(t, "7FW12345AB123456C", store.transactions[0].TransactionID)
	assert.Equal(t, 150.00, store.transactions[0].Amount)

	require.Len(t, store.webhooks, 1)
	assert.True(t, store.webhooks[0].Success)
}

func TestIPNReplayKeyedByOrderAndTxn(t *testing.T) {
	store := newFakeStore()
	store.addOrder(&models.Order{ID: 42, OrderNumber: "ORD-42", Status: models.OrderStatusPending, PaymentStatus: models.PaymentStatusPending})
	o := newIPNOrchestrator(t, store, &fakeVerifier{verified: true})

	for i := 0; i < 3; i++ {
		_, err := o.ProcessPayPalIPN(context.Background(), ipnForm("Completed"))
		require.NoError(t, err)
	}

	assert.Len(t, store.transactions, 1, "replays rewrite the same transaction row")
	assert.Len(t, store.history, 3, "every delivery appends history")
	assert.Len(t, store.webhooks, 3)
	assert.Equal(t, models.PaymentStatusApproved, store.orders[42].PaymentStatus)
}

func TestIPNPendingKeepsReason(t *testing.T) {
	store := newFakeStore()
	store.addOrder(&models.Order{ID: 42, OrderNumber: "ORD-42", Status: models.OrderStatusPending, PaymentStatus: models.PaymentStatusPending})
	o := newIPNOrchestrator(t, store, &fakeVerifier{verified: true})

	form := ipnForm("Pending")
	form.Set("pending_reason", "echeck")

	result, err := o.ProcessPayPalIPN(context.Background(), form)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, result.PaymentStatus)

	require.Len(t, store.history, 1)
	assert.Equal(t, "echeck", store.history[0].Details["pending_reason"])
}

func TestIPNRefundedAndReversed(t *testing.T) {
	for _, raw := range []string{"Refunded", "Reversed"} {
		store := newFakeStore()
		store.addOrder(&models.Order{ID: 42, OrderNumber: "ORD-42", Status: models.OrderStatusProcessing, PaymentStatus: models.PaymentStatusApproved})
		o := newIPNOrchestrator(t, store, &fakeVerifier{verified: true})

		_, err := o.ProcessPayPalIPN(context.Background(), ipnForm(raw))
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusRefunded, store.orders[42].Status, raw)
	}
}

func TestIPNUnmappedStatusIsLogOnly(t *testing.T) {
	store := newFakeStore()
	store.addOrder(&models.Order{ID: 42, OrderNumber: "ORD-42", Status: models.OrderStatusPending, PaymentStatus: models.PaymentStatusPending})
	o := newIPNOrchestrator(t, store, &fakeVerifier{verified: true})

	result, err := o.ProcessPayPalIPN(context.Background(), ipnForm("Voided"))
	require.NoError(t, err)

	assert.Empty(t, result.PaymentStatus)
	assert.Contains(t, result.Message, "Voided")
	assert.Empty(t, store.history)
	require.Len(t, store.webhooks, 1)
	assert.True(t, store.webhooks[0].Success)
}

func TestIPNCorrelationFallsBackToInvoice(t *testing.T) {
	store := newFakeStore()
	store.addOrder(&models.Order{ID: 42, OrderNumber: "ORD-42", Status: models.OrderStatusPending, PaymentStatus: models.PaymentStatusPending})
	o := newIPNOrchestrator(t, store, &fakeVerifier{verified: true})

	form := ipnForm("Completed")
	form.Del("custom")

	result, err := o.ProcessPayPalIPN(context.Background(), form)
	require.NoError(t, err)
	assert.Equal(t, int64(42), result.OrderID)
}

func TestIPNCorrelationFallsBackToPayloadMatch(t *testing.T) {
	store := newFakeStore()
	store.addOrder(&models.Order{ID: 42, OrderNumber: "ORD-42", Status: models.OrderStatusPending, PaymentStatus: models.PaymentStatusPending})
	store.transactions = append(store.transactions, &models.Transaction{
		ID: 1, OrderID: 42, GatewayName: "paypal", TransactionID: "PP-OLD",
		Status: models.PaymentStatusPending,
		Extra:  models.Extra{"parent_txn": "7FW12345AB123456C"},
	})
	o := newIPNOrchestrator(t, store, &fakeVerifier{verified: true})

	form := ipnForm("Completed")
	form.Del("custom")
	form.Del("invoice")

	result, err := o.ProcessPayPalIPN(context.Background(), form)
	require.NoError(t, err)
	assert.Equal(t, int64(42), result.OrderID)
}

func TestIPNUnmatchedOrderIsRecorded(t *testing.T) {
	store := newFakeStore()
	o := newIPNOrchestrator(t, store, &fakeVerifier{verified: true})

	form := ipnForm("Completed")
	form.Del("custom")
	form.Del("invoice")

	result, err := o.ProcessPayPalIPN(context.Background(), form)
	require.NoError(t, err)

	assert.Zero(t, result.OrderID)
	assert.Contains(t, result.Message, "not matched")
	assert.Empty(t, store.history)
	require.Len(t, store.webhooks, 1)
	assert.False(t, store.webhooks[0].Success, "an unmatched delivery is not a processed one")
}

func TestPayPalIPNVerifierPostback(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.Write([]byte("VERIFIED"))
	}))
	defer srv.Close()

	v := NewPayPalIPNVerifier(true)
	v.Endpoint = srv.URL

	ok, err := v.Verify(context.Background(), url.Values{"txn_id": {"7FW12345AB123456C"}})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, gotBody, "cmd=_notify-validate")
	assert.Contains(t, gotBody, "txn_id=7FW12345AB123456C")
}

func TestPayPalIPNVerifierRejectsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("INVALID"))
	}))
	defer srv.Close()

	v := NewPayPalIPNVerifier(false)
	v.Endpoint = srv.URL

	ok, err := v.Verify(context.Background(), url.Values{})
	require.NoError(t, err)
	assert.False(t, ok)
}
