package services

import (
	"context"
	"errors"
	"time"

	aws_pkg "github.com/tuitrade/backend/pkg/aws"
	"github.com/tuitrade/backend/services/payment-service/models"
	"github.com/tuitrade/backend/services/payment-service/repository"
	"go.uber.org/zap"
)

// ReasonIntentNeverAttached is recorded on orders the reconciler fails.
const ReasonIntentNeverAttached = "payment intent was never attached"

const reconcileBatchSize = 100

// OrderReconciler fails pending orders whose payment intent was never attached, which
// happens when the process dies between creating the order and patching in the intent id.
type OrderReconciler struct {
	orders   repository.OrderRepository
	ttl      time.Duration
	interval time.Duration
	metrics  aws_pkg.MetricsRecorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewOrderReconciler(orders repository.OrderRepository, ttl, interval time.Duration, metrics aws_pkg.MetricsRecorder, logger *zap.Logger) *OrderReconciler {
	return &OrderReconciler{
		orders:   orders,
		ttl:      ttl,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Sweep runs one reconciliation pass and returns how many orders it failed.
func (r *OrderReconciler) Sweep(ctx context.Context) (int, error) {
	now := r.now().UTC()
	stale, err := r.orders.FindStalePending(ctx, now.Add(-r.ttl), reconcileBatchSize)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, o := range stale {
		err := r.orders.Transition(ctx, o.ID, models.StatusChange{
			To:     models.OrderStatusFailed,
			At:     now,
			Reason: ReasonIntentNeverAttached,
		})
		if errors.Is(err, repository.ErrInvalidTransition) || errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			r.logger.Warn("Failed to reconcile order", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		failed++
		r.logger.Info("Reconciled orphaned order",
			zap.String("order_id", o.ID),
			zap.Time("created_at", o.CreatedAt),
		)
		if r.metrics != nil && r.metrics.IsEnabled() {
			_ = r.metrics.RecordCount(ctx, aws_pkg.MetricOrdersReconciled, map[string]string{"Service": "payment-service"})
		}
	}

	return failed, nil
}

// Start sweeps every interval until ctx is cancelled.
func (r *OrderReconciler) Start(ctx context.Context) {
	r.logger.Info("Starting order reconciler",
		zap.Duration("pending_ttl", r.ttl),
		zap.Duration("interval", r.interval),
	)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Order reconciler stopped")
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.logger.Error("Reconciliation sweep failed", zap.Error(err))
			} else if n > 0 {
				r.logger.Info("Reconciliation sweep finished", zap.Int("failed_orders", n))
			}
		}
	}
}
