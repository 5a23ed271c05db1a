package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sunbelt/shop/internal/errs"
	"github.com/sunbelt/shop/internal/model"
)

const (
	pollerWorkerCount = 3
	// pendingGrace leaves room for the synchronous flow and a first webhook
	// before a payment counts as stuck
	pendingGrace = 2 * time.Minute
	pollInterval = 15 * time.Second
)

// PendingPaymentsControl recovers payments the gateway confirmed but whose
// webhook never arrived. Verdicts go through the same reconciliation step
// as the webhook, so the idempotency guard holds if both race.
func (srv *Server) PendingPaymentsControl(ctx context.Context) {
	ch := make(chan model.Payment, 10*pollerWorkerCount)
	go srv.collectPendingPayments(ctx, ch)

	for i := 0; i < pollerWorkerCount; i++ {
		go srv.resolvePendingPayments(ctx, ch)
	}
}

func (srv *Server) collectPendingPayments(ctx context.Context, ch chan model.Payment) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			payments, err := srv.storage.GetStalePendingPayments(ctx, time.Now().Add(-pendingGrace))
			if err != nil {
				srv.deps.Logger.Errorf("collect pending payments: %v", err)
				time.Sleep(pollInterval)
				continue
			}
			skipped := 0
			for _, payment := range payments {
				select {
				case ch <- payment:

				default:
					skipped++
					if skipped%10 == 0 {
						srv.deps.Logger.Warnf("channel full, skipped %d payments", skipped)
					}
				}
			}
			time.Sleep(pollInterval)
		}
	}
}

func (srv *Server) resolvePendingPayments(ctx context.Context, ch chan model.Payment) {
	for {
		select {
		case <-ctx.Done():
			return
		case payment := <-ch:
			if err := srv.resolvePayment(ctx, payment); err != nil {
				srv.deps.Logger.Errorf("resolve payment %d: %v", payment.ID, err)
			}
		}
	}
}

func (srv *Server) resolvePayment(ctx context.Context, payment model.Payment) error {
	status, err := srv.gateway.CheckStatus(ctx, payment.OrderID)
	if err != nil {
		return fmt.Errorf("check status: %w", err)
	}

	switch model.MapGatewayStatus(status) {
	case model.PaymentCompleted:
		_, _, err := srv.storage.CompleteAndApplyPayment(ctx, payment.ID, "")
		if err != nil && !errors.Is(err, errs.ErrDuplicatePayment) {
			return fmt.Errorf("apply payment: %w", err)
		}
	case model.PaymentFailed:
		if err := srv.storage.FailPayment(ctx, payment.ID); err != nil {
			return fmt.Errorf("fail payment: %w", err)
		}
	}

	// still pending at the gateway, a later sweep retries
	return nil
}
