package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"payment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPayPalTest(t *testing.T, handler http.HandlerFunc) (*PayPal, *fakeStore, *int32) {
	t.Helper()

	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "client-id", user)
		require.Equal(t, "client-secret", pass)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		handler(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	store := &fakeStore{updateOK: true}
	g, err := NewPayPal(Config{
		Name:    "paypal",
		Sandbox: true,
		Values: models.Extra{
			"client_id":     "client-id",
			"client_secret": "client-secret",
			"api_base_url":  srv.URL,
			"return_url":    "https://shop.test/pedido/sucesso",
			"cancel_url":    "https://shop.test/pedido/cancelado",
			"currency":      "BRL",
		},
	}, Deps{Store: store})
	require.NoError(t, err)
	return g.(*PayPal), store, &tokenCalls
}

func TestNewPayPalValidation(t *testing.T) {
	_, err := NewPayPal(Config{Values: models.Extra{"client_id": "x"}}, Deps{})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "client_secret", verr.Field)

	_, err = NewPayPal(Config{Values: models.Extra{
		"client_id": "x", "client_secret": "y", "return_url": "not a url",
	}}, Deps{})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "return_url", verr.Field)
}

func TestPayPalTokenIsCached(t *testing.T) {
	g, _, tokenCalls := newPayPalTest(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "PP-1", "status": "CREATED"})
	})

	for i := 0; i < 3; i++ {
		_, err := g.CheckTransactionStatus(context.Background(), "PP-1")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(tokenCalls))
}

func TestPayPalInitiate(t *testing.T) {
	var gotBody map[string]any
	g, store, _ := newPayPalTest(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/v2/checkout/orders", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "PP-ORDER-1",
			"status": "CREATED",
			"links": []map[string]any{
				{"rel": "self", "href": "https://pp.test/self"},
				{"rel": "approve", "href": "https://pp.test/approve"},
			},
		})
	})

	result, err := g.InitiateTransaction(context.Background(),
		OrderData{ID: 42, OrderNumber: "ORD-42", Total: 150.00},
		CustomerData{Name: "Ana Souza", Email: "ana@example.com"},
		PaymentData{Method: "paypal"},
	)
	require.NoError(t, err)

	assert.Equal(t, "CAPTURE", gotBody["intent"])
	units := gotBody["purchase_units"].([]any)
	unit := units[0].(map[string]any)
	assert.Equal(t, "ORD-42", unit["invoice_id"])
	assert.Equal(t, "42", unit["custom_id"])
	amount := unit["amount"].(map[string]any)
	assert.Equal(t, "150.00", amount["value"])

	assert.Equal(t, "PP-ORDER-1", result.TransactionID)
	assert.Equal(t, models.PaymentStatusPending, result.Status)
	assert.Equal(t, "https://pp.test/approve", result.RedirectURL)

	require.Len(t, store.inserted, 1)
	assert.Equal(t, "PP-ORDER-1", store.inserted[0].TransactionID)
}

func TestPayPalInitiateRejectsForeignMethods(t *testing.T) {
	g, _, _ := newPayPalTest(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider must not be called")
	})

	_, err := g.InitiateTransaction(context.Background(),
		OrderData{ID: 1, OrderNumber: "ORD-1", Total: 10},
		CustomerData{Name: "Ana", Email: "ana@example.com"},
		PaymentData{Method: "pix"},
	)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
}

func TestPayPalCheckStatusCompleted(t *testing.T) {
	g, _, _ := newPayPalTest(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/checkout/orders/PP-ORDER-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "PP-ORDER-1",
			"status": "COMPLETED",
			"purchase_units": []map[string]any{
				{
					"invoice_id": "ORD-42",
					"amount":     map[string]any{"currency_code": "BRL", "value": "150.00"},
					"payments": map[string]any{
						"captures": []map[string]any{{"id": "CAP-1"}},
					},
				},
			},
		})
	})

	result, err := g.CheckTransactionStatus(context.Background(), "PP-ORDER-1")
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusApproved, result.Status)
	assert.Equal(t, "COMPLETED", result.RawStatus)
	assert.Equal(t, 150.00, result.Amount)
	assert.Equal(t, "BRL", result.Currency)
	assert.Equal(t, []string{"CAP-1"}, result.CaptureIDs)
}

func TestPayPalCheckStatusNotFound(t *testing.T) {
	g, _, _ := newPayPalTest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := g.CheckTransactionStatus(context.Background(), "PP-GONE")
	var nerr *NotFoundError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, "PP-GONE", nerr.ID)
}

func TestPayPalCapture(t *testing.T) {
	g, store, _ := newPayPalTest(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/v2/checkout/orders/PP-ORDER-1/capture", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "PP-ORDER-1",
			"status": "COMPLETED",
			"purchase_units": []map[string]any{
				{"payments": map[string]any{"captures": []map[string]any{{"id": "CAP-9"}}}},
			},
		})
	})

	result, err := g.CapturePayment(context.Background(), "PP-ORDER-1")
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusApproved, result.Status)
	assert.Equal(t, "CAP-9", result.CaptureID)
	require.Len(t, store.updates, 1)
	assert.Equal(t, "PP-ORDER-1:approved", store.updates[0])
}

func TestPayPalCallbackCaptureCompleted(t *testing.T) {
	g, store, _ := newPayPalTest(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("callback handling must not call the provider")
	})

	result, err := g.HandleCallback(context.Background(), map[string]any{
		"event_type": "PAYMENT.CAPTURE.COMPLETED",
		"resource": map[string]any{
			"id":         "CAP-1",
			"status":     "COMPLETED",
			"invoice_id": "ORD-42",
			"amount":     map[string]any{"currency_code": "BRL", "value": "150.00"},
			"links": []any{
				map[string]any{"rel": "up", "href": "https://pp.test/v2/checkout/orders/PP-ORDER-1"},
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, models.PaymentStatusApproved, result.Status)
	assert.Equal(t, "PP-ORDER-1", result.TransactionID)
	assert.Equal(t, "ORD-42", result.OrderRef)
	assert.Equal(t, 150.00, result.Amount)
	require.Len(t, store.updates, 1)
	assert.Equal(t, "PP-ORDER-1:approved", store.updates[0])
}

func TestPayPalCallbackRefund(t *testing.T) {
	g, _, _ := newPayPalTest(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("callback handling must not call the provider")
	})

	result, err := g.HandleCallback(context.Background(), map[string]any{
		"event_type": "PAYMENT.CAPTURE.REFUNDED",
		"resource": map[string]any{
			"id":     "REF-1",
			"amount": map[string]any{"currency_code": "BRL", "value": "150.00"},
			"links": []any{
				map[string]any{"rel": "up", "href": "https://pp.test/v2/checkout/orders/PP-ORDER-1"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, result.Status)
	assert.Equal(t, "REF-1", result.Extra["refund_id"])
}

func TestPayPalCallbackUnknownEventAcknowledged(t *testing.T) {
	g, store, _ := newPayPalTest(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("callback handling must not call the provider")
	})

	result, err := g.HandleCallback(context.Background(), map[string]any{
		"event_type": "CHECKOUT.ORDER.APPROVED",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Status)
	assert.Empty(t, store.updates)
}

func TestPayPalRefundFull(t *testing.T) {
	g, _, _ := newPayPalTest(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/checkout/orders/PP-ORDER-1":
			json.NewEncoder(w).Encode(map[string]any{
				"id":     "PP-ORDER-1",
				"status": "COMPLETED",
				"purchase_units": []map[string]any{
					{
						"amount":   map[string]any{"currency_code": "BRL", "value": "150.00"},
						"payments": map[string]any{"captures": []map[string]any{{"id": "CAP-1"}}},
					},
				},
			})
		case "/v2/payments/captures/CAP-1/refund":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "customer request", body["note_to_payer"])
			_, hasAmount := body["amount"]
			assert.False(t, hasAmount)
			json.NewEncoder(w).Encode(map[string]any{"id": "REF-1", "status": "COMPLETED"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	result, err := g.RefundTransaction(context.Background(), "PP-ORDER-1", nil, "customer request")
	require.NoError(t, err)

	assert.False(t, result.Partial)
	assert.Equal(t, models.PaymentStatusRefunded, result.Status)
	assert.Equal(t, "REF-1", result.RefundID)
	assert.Equal(t, "CAP-1", result.CaptureID)
	assert.Equal(t, 150.00, result.Amount)
}

func TestPayPalCancelVoidsUpstream(t *testing.T) {
	voided := false
	g, store, _ := newPayPalTest(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/checkout/orders/PP-ORDER-2":
			json.NewEncoder(w).Encode(map[string]any{"id": "PP-ORDER-2", "status": "CREATED"})
		case "/v2/checkout/orders/PP-ORDER-2/void":
			require.Equal(t, "POST", r.Method)
			voided = true
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	result, err := g.CancelTransaction(context.Background(), "PP-ORDER-2", "customer changed mind")
	require.NoError(t, err)

	assert.True(t, voided, "cancellation must reach the provider")
	assert.Equal(t, models.PaymentStatusCancelled, result.Status)
	assert.Contains(t, store.updates, "PP-ORDER-2:cancelled")
}

func TestPayPalCancelRejectedVoidLeavesTransaction(t *testing.T) {
	g, store, _ := newPayPalTest(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/checkout/orders/PP-ORDER-3":
			json.NewEncoder(w).Encode(map[string]any{"id": "PP-ORDER-3", "status": "CREATED"})
		case "/v2/checkout/orders/PP-ORDER-3/void":
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]any{"name": "UNPROCESSABLE_ENTITY"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	_, err := g.CancelTransaction(context.Background(), "PP-ORDER-3", "x")
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Empty(t, store.updates)
}

func TestPayPalStatusDefaultsToPending(t *testing.T) {
	assert.Equal(t, models.PaymentStatusPending, payPalStatus("SOMETHING_NEW"))
	assert.Equal(t, models.PaymentStatusApproved, payPalStatus("completed"))
	assert.Equal(t, models.PaymentStatusFailed, payPalStatus("DENIED"))
}
