package worker

import (
	"context"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/repo"
	"time"

	"go.uber.org/zap"
)

const reconcileBatch = 50

type ReconcileConfig struct {
	Interval time.Duration
	// After is how old a pending payment must be before it is looked at.
	After time.Duration
	// AbandonAfter is when a payment with no definitive answer is failed.
	AbandonAfter time.Duration
}

// ReconciliationWorker settles payments nothing else finished: mobile-money
// payments whose watcher and callback both went missing, and card payments
// charged at Stripe but not recorded.
type ReconciliationWorker struct {
	payments repo.PaymentRepo
	provider StatusQuerier
	cards    CardStatusQuerier
	settler  Settler
	cfg      ReconcileConfig
	log      *zap.Logger
	now      func() time.Time
}

func NewReconciliationWorker(
	payments repo.PaymentRepo,
	provider StatusQuerier,
	cards CardStatusQuerier,
	settler Settler,
	cfg ReconcileConfig,
	log *zap.Logger,
) *ReconciliationWorker {
	return &ReconciliationWorker{
		payments: payments,
		provider: provider,
		cards:    cards,
		settler:  settler,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

func (rw *ReconciliationWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(rw.cfg.Interval)
	defer ticker.Stop()

	rw.log.Info("reconciliation worker started", zap.Duration("interval", rw.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			rw.log.Info("reconciliation worker stopped")
			return
		case <-ticker.C:
			if _, err := rw.Process(ctx); err != nil {
				rw.log.Error("reconciliation failed", zap.Error(err))
			}
		}
	}
}

// Process runs one pass and returns how many payments it settled.
func (rw *ReconciliationWorker) Process(ctx context.Context) (int, error) {
	now := rw.now()
	settled, err := rw.processMobileMoney(ctx, now)
	if err != nil {
		return settled, err
	}
	if rw.cards == nil {
		return settled, nil
	}
	n, err := rw.processCards(ctx, now)
	return settled + n, err
}

func (rw *ReconciliationWorker) processMobileMoney(ctx context.Context, now time.Time) (int, error) {
	stuck, err := rw.payments.FindPendingBefore(ctx, domain.MethodMpesa, now.Add(-rw.cfg.After), reconcileBatch)
	if err != nil {
		return 0, err
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	rw.log.Info("found stuck payments", zap.Int("count", len(stuck)), zap.String("method", string(domain.MethodMpesa)))

	settled := 0
	for i := range stuck {
		p := &stuck[i]
		log := rw.log.With(zap.String("order_id", p.OrderID.String()), zap.String("checkout_request_id", p.CheckoutRequestID))
		expired := now.Sub(p.CreatedAt) >= rw.cfg.AbandonAfter

		var res *payment.STKQueryResult
		if p.CheckoutRequestID != "" {
			res, err = rw.provider.QuerySTKStatus(ctx, p.CheckoutRequestID)
			if err != nil {
				log.Warn("status lookup failed", zap.Error(err))
			}
		}

		var applied bool
		switch {
		case res != nil && res.Outcome != payment.STKProcessing:
			applied, err = rw.settler.SettleSTK(ctx, p.CheckoutRequestID, res, "")
		case expired:
			applied, err = rw.settler.Settle(ctx, p, domain.PaymentFailed, "", "confirmation timed out")
		default:
			continue
		}
		if err != nil {
			log.Error("failed to settle stuck payment", zap.Error(err))
			continue
		}
		if applied {
			settled++
		}
	}
	return settled, nil
}

// processCards only settles payments whose PaymentIntent id was stored. One
// without it is left for manual review since the customer may have been charged.
func (rw *ReconciliationWorker) processCards(ctx context.Context, now time.Time) (int, error) {
	stuck, err := rw.payments.FindPendingBefore(ctx, domain.MethodCard, now.Add(-rw.cfg.After), reconcileBatch)
	if err != nil {
		return 0, err
	}

	settled := 0
	for i := range stuck {
		p := &stuck[i]
		log := rw.log.With(zap.String("order_id", p.OrderID.String()), zap.String("payment_intent", p.ProviderRef))
		if p.ProviderRef == "" {
			log.Warn("card payment pending without payment intent")
			continue
		}

		charge, err := rw.cards.ChargeStatus(ctx, p.ProviderRef)
		if err != nil {
			log.Warn("status lookup failed", zap.Error(err))
			continue
		}
		if !charge.Final() {
			continue
		}

		status, reason := domain.PaymentPaid, ""
		if !charge.Succeeded() {
			status, reason = domain.PaymentFailed, charge.FailureMessage
		}
		applied, err := rw.settler.Settle(ctx, p, status, charge.ID, reason)
		if err != nil {
			log.Error("failed to settle stuck payment", zap.Error(err))
			continue
		}
		if applied {
			settled++
		}
	}
	return settled, nil
}
