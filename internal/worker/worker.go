// Package worker holds the background reconciliation loops: a Kafka
// consumer reacting to payment events and a periodic sweep that re-checks
// transactions stuck in pending.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"payment-service/internal/broker"
	"payment-service/internal/gateway"
	"payment-service/internal/models"
	"payment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// StatusChecker re-checks one transaction against its provider. The
// orchestrator implements it.
type StatusChecker interface {
	CheckTransactionStatus(ctx context.Context, transactionID string) (*gateway.TransactionResult, error)
}

// PendingLister lists transactions awaiting settlement. The sqlx store
// implements it.
type PendingLister interface {
	ListPendingTransactions(ctx context.Context, limit int) ([]models.Transaction, error)
}

// PaymentEventWorker consumes the payment events topic and re-checks
// transactions that are still pending when their event arrives. Providers
// that settle asynchronously (boleto, pix) converge through this path
// when a webhook is lost.
type PaymentEventWorker struct {
	consumer *broker.Consumer
	checker  StatusChecker
	logger   *zap.Logger
}

// NewPaymentEventWorker creates a new payment event worker
func NewPaymentEventWorker(consumer *broker.Consumer, checker StatusChecker) *PaymentEventWorker {
	return &PaymentEventWorker{
		consumer: consumer,
		checker:  checker,
		logger:   util.GetLogger(),
	}
}

// Start starts the worker
func (w *PaymentEventWorker) Start(ctx context.Context) error {
	log.Println("Starting payment event worker...")

	return w.consumer.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		var baseEvent models.BaseEvent
		if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
			w.logger.Error("failed to unmarshal event", zap.Error(err))
			return err
		}

		switch baseEvent.EventType {
		case models.EventTypePaymentInitiated:
			var event models.PaymentInitiatedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return err
			}
			return w.recheck(ctx, event.TransactionID)

		case models.EventTypePaymentStatusChanged:
			var event models.PaymentStatusChangedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return err
			}
			if event.PaymentStatus == models.PaymentStatusPending || event.PaymentStatus == models.PaymentStatusInProcess {
				return w.recheck(ctx, event.TransactionID)
			}
		}
		return nil
	})
}

func (w *PaymentEventWorker) recheck(ctx context.Context, transactionID string) error {
	if transactionID == "" {
		return nil
	}
	if _, err := w.checker.CheckTransactionStatus(ctx, transactionID); err != nil {
		// A transient provider failure is retried by the next sweep, not
		// by redelivering the message.
		w.logger.Warn("pending re-check failed",
			zap.String("transaction_id", transactionID), zap.Error(err))
	}
	return nil
}

// Stop stops the worker
func (w *PaymentEventWorker) Stop() error {
	log.Println("Stopping payment event worker...")
	return w.consumer.Close()
}

const sweepBatchSize = 50

// ReconciliationWorker periodically re-checks every transaction still
// pending.
type ReconciliationWorker struct {
	lister   PendingLister
	checker  StatusChecker
	interval time.Duration
	logger   *zap.Logger
}

// NewReconciliationWorker creates a new reconciliation worker
func NewReconciliationWorker(lister PendingLister, checker StatusChecker, interval time.Duration) *ReconciliationWorker {
	return &ReconciliationWorker{
		lister:   lister,
		checker:  checker,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start runs the sweep loop until the context is cancelled.
func (w *ReconciliationWorker) Start(ctx context.Context) error {
	log.Printf("Starting reconciliation worker, interval %s", w.interval)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Reconciliation worker context cancelled, stopping...")
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep re-checks one batch of pending transactions.
func (w *ReconciliationWorker) Sweep(ctx context.Context) {
	pending, err := w.lister.ListPendingTransactions(ctx, sweepBatchSize)
	if err != nil {
		w.logger.Error("failed to list pending transactions", zap.Error(err))
		return
	}

	for _, txn := range pending {
		util.PendingReconciliationsTotal.Inc()
		if _, err := w.checker.CheckTransactionStatus(ctx, txn.TransactionID); err != nil {
			w.logger.Warn("pending sweep re-check failed",
				zap.String("transaction_id", txn.TransactionID),
				zap.String("gateway", txn.GatewayName),
				zap.Error(err))
		}
	}
}
