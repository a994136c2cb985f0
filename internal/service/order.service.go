package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/idempotency"
	"storefront-checkout/internal/repo"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type OrderService interface {
	// SubmitOrder validates a checkout and persists the order with its items.
	SubmitOrder(ctx context.Context, req *domain.CheckoutRequest) (uuid.UUID, error)
	Place(ctx context.Context, req *domain.CheckoutRequest) (*PlacedOrder, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*OrderView, error)
}

type PlacedOrder struct {
	Order *domain.Order
	Items []domain.OrderItem
}

type OrderView struct {
	Order *domain.Order      `json:"order"`
	Items []domain.OrderItem `json:"items"`
}

type orderService struct {
	orderRepo repo.OrderRepo
	guard     idempotency.Guard
	validate  *validator.Validate
	log       *zap.Logger
	now       func() time.Time
}

func NewOrderService(orderRepo repo.OrderRepo, guard idempotency.Guard, log *zap.Logger) OrderService {
	return &orderService{
		orderRepo: orderRepo,
		guard:     guard,
		validate:  newValidator(),
		log:       log,
		now:       time.Now,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("cents", func(fl validator.FieldLevel) bool {
		return domain.WholeCents(fl.Field().Float())
	})
	return v
}

func (s *orderService) SubmitOrder(ctx context.Context, req *domain.CheckoutRequest) (uuid.UUID, error) {
	placed, err := s.Place(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}
	return placed.Order.ID, nil
}

func (s *orderService) Place(ctx context.Context, req *domain.CheckoutRequest) (*PlacedOrder, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" && s.guard != nil {
		ok, err := s.guard.Acquire(ctx, req.IdempotencyKey)
		if err != nil {
			// a guard outage should not block checkout
			s.log.Warn("idempotency guard unavailable", zap.Error(err))
		} else if !ok {
			return nil, domain.ErrDuplicateSubmission
		}
	}

	now := s.now().UTC()
	order := &domain.Order{
		ID:              uuid.New(),
		UserID:          req.UserID,
		Status:          domain.OrderPending,
		PaymentStatus:   domain.PaymentPending,
		PaymentMethod:   req.PaymentMethod,
		ShippingAddress: trimmedShipping(req.Shipping).ToAddress(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	items := make([]domain.OrderItem, 0, len(req.Cart))
	for _, line := range req.Cart {
		items = append(items, domain.OrderItem{
			ID:          uuid.New(),
			OrderID:     order.ID,
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			UnitPrice:   line.UnitPrice,
			Quantity:    line.Quantity,
			Size:        line.Size,
			Color:       line.Color,
		})
	}
	order.TotalAmount = domain.OrderTotal(items)

	if err := s.orderRepo.CreateOrder(ctx, order, items); err != nil {
		s.log.Error("failed to place order", zap.String("order_id", order.ID.String()), zap.Error(err))
		if req.IdempotencyKey != "" && s.guard != nil {
			if rerr := s.guard.Release(ctx, req.IdempotencyKey); rerr != nil {
				s.log.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		return nil, &domain.PersistenceError{Op: "failed to place order", Err: err}
	}

	s.log.Info("order placed",
		zap.String("order_id", order.ID.String()),
		zap.String("payment_method", string(order.PaymentMethod)),
		zap.Float64("total", order.TotalAmount),
		zap.Int("items", len(items)),
	)
	return &PlacedOrder{Order: order, Items: items}, nil
}

func (s *orderService) GetOrder(ctx context.Context, id uuid.UUID) (*OrderView, error) {
	order, err := s.orderRepo.FindById(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.orderRepo.ListItems(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list items of order %s: %w", id, err)
	}
	return &OrderView{Order: order, Items: items}, nil
}

func trimmedShipping(f domain.ShippingForm) domain.ShippingForm {
	return domain.ShippingForm{
		FirstName:  strings.TrimSpace(f.FirstName),
		LastName:   strings.TrimSpace(f.LastName),
		Email:      strings.TrimSpace(f.Email),
		Phone:      strings.TrimSpace(f.Phone),
		Address:    strings.TrimSpace(f.Address),
		City:       strings.TrimSpace(f.City),
		Region:     strings.TrimSpace(f.Region),
		PostalCode: strings.TrimSpace(f.PostalCode),
		Country:    strings.TrimSpace(f.Country),
	}
}

// validateRequest runs every check that needs no I/O. The first failure wins.
func (s *orderService) validateRequest(req *domain.CheckoutRequest) error {
	if !req.AcceptedTerms {
		return domain.NewValidationError("accepted_terms", "you must accept the terms and conditions")
	}

	if len(req.Cart) == 0 {
		return domain.NewValidationError("cart", "your cart is empty")
	}
	for i, line := range req.Cart {
		if err := s.validate.Struct(line); err != nil {
			return fieldError(fmt.Sprintf("cart[%d]", i), err)
		}
	}

	if err := s.validate.Struct(trimmedShipping(req.Shipping)); err != nil {
		return fieldError("shipping", err)
	}

	switch req.PaymentMethod {
	case domain.MethodMpesa:
		if !domain.IsKenyanMobile(req.MpesaPhone) {
			return domain.NewValidationError("mpesa_phone", "enter a valid Safaricom number, e.g. 0712345678")
		}
	case domain.MethodCard:
		if req.Card == nil {
			return domain.NewValidationError("card", "card details are required")
		}
		if err := domain.ValidateCard(req.Card, s.now()); err != nil {
			return err
		}
	case domain.MethodHostedCheckout:
	default:
		return domain.NewValidationError("payment_method", "choose a payment method")
	}
	return nil
}

func fieldError(prefix string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return domain.NewValidationError(prefix, err.Error())
	}
	fe := verrs[0]
	field := prefix + "." + fe.Field()
	switch fe.Tag() {
	case "required":
		return domain.NewValidationError(field, "is required")
	case "email":
		return domain.NewValidationError(field, "must be a valid email address")
	case "gte":
		return domain.NewValidationError(field, "must be at least "+fe.Param())
	case "gt":
		return domain.NewValidationError(field, "must be greater than "+fe.Param())
	case "cents":
		return domain.NewValidationError(field, "must have at most two decimal places")
	default:
		return domain.NewValidationError(field, "is invalid")
	}
}
