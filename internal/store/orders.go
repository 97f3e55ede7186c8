package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"payment-service/internal/models"
)

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT id, order_number, status, payment_status, total, updated_at FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FindOrderIDByNumber resolves an order number to its id. Returns 0 when
// no order carries that number.
func (s *Store) FindOrderIDByNumber(ctx context.Context, orderNumber string) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		"SELECT id FROM orders WHERE order_number = $1", orderNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateOrderPaymentStatus rewrites an order's status pair.
func (s *Store) UpdateOrderPaymentStatus(ctx context.Context, orderID int64, orderStatus, paymentStatus string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, payment_status = $2, updated_at = NOW() WHERE id = $3",
		orderStatus, paymentStatus, orderID)
	return err
}

// InsertOrderStatusHistory appends one history row. Every reconciliation
// event appends, including replays that leave the status unchanged, so
// the history is a complete delivery record.
func (s *Store) InsertOrderStatusHistory(ctx context.Context, h *models.OrderStatusHistory) error {
	query := `
		INSERT INTO order_status_history (order_id, status, payment_status, details, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, h, query,
		h.OrderID, h.Status, h.PaymentStatus, h.Details, h.Notes, h.CreatedBy)
}

// ListOrderStatusHistory returns the history of an order, oldest first.
func (s *Store) ListOrderStatusHistory(ctx context.Context, orderID int64) ([]models.OrderStatusHistory, error) {
	var history []models.OrderStatusHistory
	err := s.db.SelectContext(ctx, &history,
		"SELECT * FROM order_status_history WHERE order_id = $1 ORDER BY id ASC", orderID)
	return history, err
}
