package store

import (
	"context"
	"database/sql"
	"errors"

	"payment-service/internal/models"
)

// InsertTransaction records a new provider transaction. Rows are
// append-only; status changes go through UpdateTransactionStatus.
func (s *Store) InsertTransaction(ctx context.Context, txn *models.Transaction) error {
	query := `
		INSERT INTO payment_transactions
			(order_id, gateway_name, transaction_id, status, amount, currency, payment_method, additional_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, txn, query,
		txn.OrderID, txn.GatewayName, txn.TransactionID, txn.Status,
		txn.Amount, txn.Currency, txn.PaymentMethod, txn.Extra)
}

// LatestTransactionByProviderID returns the most recent row carrying the
// provider transaction id, or nil when none exists.
func (s *Store) LatestTransactionByProviderID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.GetContext(ctx, &txn,
		"SELECT * FROM payment_transactions WHERE transaction_id = $1 ORDER BY id DESC LIMIT 1",
		transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// LatestTransactionByOrderID returns the most recent transaction opened
// for an order, or nil when the order has none.
func (s *Store) LatestTransactionByOrderID(ctx context.Context, orderID int64) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.GetContext(ctx, &txn,
		"SELECT * FROM payment_transactions WHERE order_id = $1 ORDER BY id DESC LIMIT 1",
		orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// UpdateTransactionStatus rewrites the status of the most recent row for
// the provider transaction id and merges extra into its additional_data.
// Returns false when no row carries that id.
func (s *Store) UpdateTransactionStatus(ctx context.Context, transactionID, status string, extra models.Extra) (bool, error) {
	current, err := s.LatestTransactionByProviderID(ctx, transactionID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}

	merged := current.Extra.Merge(extra)
	_, err = s.db.ExecContext(ctx,
		"UPDATE payment_transactions SET status = $1, additional_data = $2, updated_at = NOW() WHERE id = $3",
		status, merged, current.ID)
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpsertProviderTransaction records a provider-reported transaction that
// may not have been opened through this service. The row is keyed by
// (order_id, transaction_id); replayed notifications rewrite the same row.
func (s *Store) UpsertProviderTransaction(ctx context.Context, txn *models.Transaction) error {
	var existingID int64
	err := s.db.GetContext(ctx, &existingID,
		"SELECT id FROM payment_transactions WHERE order_id = $1 AND transaction_id = $2 ORDER BY id DESC LIMIT 1",
		txn.OrderID, txn.TransactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return s.InsertTransaction(ctx, txn)
	}
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE payment_transactions SET status = $1, additional_data = $2, updated_at = NOW() WHERE id = $3",
		txn.Status, txn.Extra, existingID)
	return err
}

// FindOrderIDByPayloadMatch is the correlation of last resort: a full-text
// match of the provider transaction id against stored payloads. Returns 0
// when nothing matches.
func (s *Store) FindOrderIDByPayloadMatch(ctx context.Context, transactionID string) (int64, error) {
	if transactionID == "" {
		return 0, nil
	}
	var orderID int64
	err := s.db.GetContext(ctx, &orderID,
		"SELECT order_id FROM payment_transactions WHERE additional_data::text LIKE $1 ORDER BY id DESC LIMIT 1",
		"%"+transactionID+"%")
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return orderID, nil
}

// ListPendingTransactions returns transactions still awaiting settlement,
// oldest first, for the reconciliation worker.
func (s *Store) ListPendingTransactions(ctx context.Context, limit int) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := s.db.SelectContext(ctx, &txns,
		"SELECT * FROM payment_transactions WHERE status IN ($1, $2) ORDER BY updated_at ASC LIMIT $3",
		models.PaymentStatusPending, models.PaymentStatusInProcess, limit)
	return txns, err
}

// InsertAttempt records one orchestration attempt, success or failure.
func (s *Store) InsertAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts
			(order_id, payment_method, gateway, transaction_id, status, amount, success, additional_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, attempt, query,
		attempt.OrderID, attempt.PaymentMethod, attempt.Gateway, attempt.TransactionID,
		attempt.Status, attempt.Amount, attempt.Success, attempt.Extra)
}

// InsertWebhookEvent appends one inbound notification to the webhook log.
func (s *Store) InsertWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	query := `
		INSERT INTO payment_webhooks
			(gateway, event_type, transaction_id, request_data, process_result, success)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, event, query,
		event.Gateway, event.EventType, event.TransactionID,
		event.RequestData, event.ProcessResult, event.Success)
}

// InsertRefund records one refund operation.
func (s *Store) InsertRefund(ctx context.Context, refund *models.Refund) error {
	query := `
		INSERT INTO payment_refunds (transaction_id, refund_id, amount, reason, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, refund, query,
		refund.TransactionID, refund.RefundID, refund.Amount, refund.Reason, refund.Status)
}
