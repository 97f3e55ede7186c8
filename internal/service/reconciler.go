package service

import (
	"context"
	"fmt"

	"payment-service/internal/models"
	"payment-service/internal/util"

	"go.uber.org/zap"
)

// orderStatusFor maps a normalized payment status to the order status it
// implies. Unknown payment statuses keep the order pending until a later
// notification settles them.
func orderStatusFor(paymentStatus string) string {
	switch paymentStatus {
	case models.PaymentStatusPending, models.PaymentStatusInProcess:
		return models.OrderStatusPending
	case models.PaymentStatusApproved, models.PaymentStatusAuthorized:
		return models.OrderStatusProcessing
	case models.PaymentStatusCancelled:
		return models.OrderStatusCancelled
	case models.PaymentStatusRefunded, models.PaymentStatusPartiallyRefunded:
		return models.OrderStatusRefunded
	case models.PaymentStatusChargedBack:
		return models.OrderStatusDisputed
	case models.PaymentStatusFailed, models.PaymentStatusRejected:
		return models.OrderStatusFailed
	default:
		return models.OrderStatusPending
	}
}

// ReconcileUpdate is one settlement fact to apply against an order.
type ReconcileUpdate struct {
	Gateway       string
	TransactionID string
	PaymentStatus string
	Source        string
	Amount        float64
	Currency      string
	Details       models.Extra
}

// Reconciler applies payment status changes to orders. Every application
// appends a history row, including replays that leave the status
// unchanged, so the history records each delivery. A terminal payment
// status is never regressed by a late or out-of-order notification.
type Reconciler struct {
	store     Store
	publisher EventPublisher
	logger    *zap.Logger
}

// NewReconciler builds a reconciler over the given store.
func NewReconciler(store Store, publisher EventPublisher) *Reconciler {
	return &Reconciler{
		store:     store,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// Apply reconciles one update against the order. The history append and
// the status write are both attempted even when the other fails; history
// is a delivery log, not a transition log.
func (r *Reconciler) Apply(ctx context.Context, orderID int64, update *ReconcileUpdate) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.Apply")
	defer span.End()

	order, err := r.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load order %d: %w", orderID, err)
	}

	newPayment := update.PaymentStatus
	newOrder := orderStatusFor(newPayment)
	notes := fmt.Sprintf("payment status %s via %s (%s)", newPayment, update.Gateway, update.Source)

	blocked := models.TerminalPaymentStatus(order.PaymentStatus) &&
		order.PaymentStatus != newPayment &&
		!models.TerminalPaymentStatus(newPayment)
	if blocked {
		util.OrderStatusRegressionsBlocked.Inc()
		r.logger.Warn("ignoring status regression on settled order",
			zap.Int64("order_id", orderID),
			zap.String("current", order.PaymentStatus),
			zap.String("incoming", newPayment),
			zap.String("source", update.Source))
		notes = fmt.Sprintf("ignored %s from %s: order already %s", newPayment, update.Source, order.PaymentStatus)
		newPayment = order.PaymentStatus
		newOrder = order.Status
	}

	changed := order.PaymentStatus != newPayment || order.Status != newOrder
	if changed {
		if err := r.store.UpdateOrderPaymentStatus(ctx, orderID, newOrder, newPayment); err != nil {
			return fmt.Errorf("failed to update order %d: %w", orderID, err)
		}
		util.OrderStatusTransitionsTotal.WithLabelValues(newOrder).Inc()
		if newPayment == models.PaymentStatusApproved {
			util.PaymentsApprovedTotal.WithLabelValues(update.Gateway).Inc()
		}
	}

	history := &models.OrderStatusHistory{
		OrderID:       orderID,
		Status:        newOrder,
		PaymentStatus: newPayment,
		Details:       update.Details,
		Notes:         notes,
		CreatedBy:     "payment-service",
	}
	if err := r.store.InsertOrderStatusHistory(ctx, history); err != nil {
		r.logger.Error("failed to append order status history",
			zap.Int64("order_id", orderID), zap.Error(err))
	}

	if update.TransactionID != "" {
		txn := &models.Transaction{
			OrderID:       orderID,
			GatewayName:   update.Gateway,
			TransactionID: update.TransactionID,
			Status:        newPayment,
			Amount:        update.Amount,
			Currency:      update.Currency,
			Extra:         update.Details,
		}
		if err := r.store.UpsertProviderTransaction(ctx, txn); err != nil {
			r.logger.Error("failed to upsert provider transaction",
				zap.String("transaction_id", update.TransactionID), zap.Error(err))
		}
	}

	if changed && r.publisher != nil {
		event := &models.PaymentStatusChangedEvent{
			BaseEvent:     newBaseEvent(models.EventTypePaymentStatusChanged),
			OrderID:       orderID,
			Gateway:       update.Gateway,
			TransactionID: update.TransactionID,
			PaymentStatus: newPayment,
			OrderStatus:   newOrder,
			Amount:        update.Amount,
			Currency:      update.Currency,
		}
		if err := r.publisher.PublishPaymentStatusChanged(ctx, event); err != nil {
			r.logger.Error("failed to publish status change event",
				zap.Int64("order_id", orderID), zap.Error(err))
		}
	}
	return nil
}
