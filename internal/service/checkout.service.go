package service

import (
	"context"
	"errors"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/repo"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Watcher tracks confirmation of mobile-money payments per order.
type Watcher interface {
	Watch(orderID uuid.UUID, handle string)
	WatchState(orderID uuid.UUID) (domain.WatchState, bool)
	Unwatch(orderID uuid.UUID) bool
}

type PaymentDispatcher interface {
	Dispatch(ctx context.Context, order *domain.Order, items []domain.OrderItem, in DispatchInput) (*domain.DispatchResult, error)
}

type CheckoutResult struct {
	OrderID uuid.UUID              `json:"order_id"`
	Result  *domain.DispatchResult `json:"result,omitempty"`
	State   domain.WatchState      `json:"state,omitempty"`
}

type PaymentView struct {
	OrderID       uuid.UUID            `json:"order_id"`
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
	State         domain.WatchState    `json:"state"`
	Watching      bool                 `json:"watching"`
	Payment       *domain.Payment      `json:"payment,omitempty"`
}

// CheckoutService runs the whole checkout: intake, dispatch, and handing
// accepted mobile-money prompts to the watcher.
type CheckoutService struct {
	orders     OrderService
	orderRepo  repo.OrderRepo
	payments   repo.PaymentRepo
	dispatcher PaymentDispatcher
	watcher    Watcher
	log        *zap.Logger
}

func NewCheckoutService(
	orders OrderService,
	orderRepo repo.OrderRepo,
	payments repo.PaymentRepo,
	dispatcher PaymentDispatcher,
	watcher Watcher,
	log *zap.Logger,
) *CheckoutService {
	return &CheckoutService{
		orders:     orders,
		orderRepo:  orderRepo,
		payments:   payments,
		dispatcher: dispatcher,
		watcher:    watcher,
		log:        log,
	}
}

// Checkout returns a nil result only when no order was created. A dispatch
// failure keeps the order and returns both the result and the error.
func (s *CheckoutService) Checkout(ctx context.Context, req *domain.CheckoutRequest) (*CheckoutResult, error) {
	placed, err := s.orders.Place(ctx, req)
	if err != nil {
		return nil, err
	}
	order := placed.Order
	out := &CheckoutResult{OrderID: order.ID}

	res, err := s.dispatcher.Dispatch(ctx, order, placed.Items, DispatchInput{
		MpesaPhone: req.MpesaPhone,
		Card:       req.Card,
	})
	out.Result = res
	if err != nil {
		return out, err
	}

	switch {
	case !res.Success:
		out.State = domain.ConfirmedFailed
	case order.PaymentMethod == domain.MethodMpesa:
		s.watcher.Watch(order.ID, res.TransactionHandle)
		out.State = domain.AwaitingConfirmation
	case order.PaymentMethod == domain.MethodCard && order.PaymentStatus == domain.PaymentPaid:
		out.State = domain.ConfirmedPaid
	default:
		out.State = domain.AwaitingConfirmation
	}
	return out, nil
}

func (s *CheckoutService) GetOrder(ctx context.Context, id uuid.UUID) (*OrderView, error) {
	return s.orders.GetOrder(ctx, id)
}

// PaymentStatus prefers the live watch and otherwise derives the state from
// the stored order.
func (s *CheckoutService) PaymentStatus(ctx context.Context, orderID uuid.UUID) (*PaymentView, error) {
	order, err := s.orderRepo.FindById(ctx, orderID)
	if err != nil {
		return nil, err
	}
	view := &PaymentView{OrderID: orderID, PaymentStatus: order.PaymentStatus}

	if p, err := s.payments.FindPendingByOrder(ctx, orderID); err == nil {
		view.Payment = p
	} else if !errors.Is(err, domain.ErrPaymentNotFound) {
		return nil, &domain.PersistenceError{Op: "load payment", Err: err}
	}

	if state, ok := s.watcher.WatchState(orderID); ok {
		view.State = state
		view.Watching = !state.Terminal()
		return view, nil
	}

	switch order.PaymentStatus {
	case domain.PaymentPaid:
		view.State = domain.ConfirmedPaid
	case domain.PaymentFailed:
		view.State = domain.ConfirmedFailed
	default:
		view.State = domain.AwaitingConfirmation
		if order.PaymentMethod == domain.MethodMpesa {
			// nobody is polling; reconciliation settles it eventually
			view.State = domain.Abandoned
		}
	}
	return view, nil
}

// StopWatching is the navigate-away path. It reports whether a watch was running.
func (s *CheckoutService) StopWatching(orderID uuid.UUID) bool {
	stopped := s.watcher.Unwatch(orderID)
	if stopped {
		s.log.Info("confirmation watch cancelled", zap.String("order_id", orderID.String()))
	}
	return stopped
}
