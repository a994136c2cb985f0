package service

import (
	"context"
	"errors"
	"sort"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/infrastructure/payment"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memOrderRepo struct {
	mu        sync.Mutex
	orders    map[uuid.UUID]domain.Order
	items     map[uuid.UUID][]domain.OrderItem
	createErr error
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: map[uuid.UUID]domain.Order{}, items: map[uuid.UUID][]domain.OrderItem{}}
}

func (r *memOrderRepo) CreateOrder(_ context.Context, order *domain.Order, items []domain.OrderItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.orders[order.ID] = *order
	r.items[order.ID] = append([]domain.OrderItem(nil), items...)
	return nil
}

func (r *memOrderRepo) FindById(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &o, nil
}

func (r *memOrderRepo) ListItems(_ context.Context, id uuid.UUID) ([]domain.OrderItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.OrderItem(nil), r.items[id]...), nil
}

func (r *memOrderRepo) setPaymentStatus(id uuid.UUID, s domain.PaymentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.orders[id]
	o.PaymentStatus = s
	r.orders[id] = o
}

type memPaymentRepo struct {
	mu        sync.Mutex
	orders    *memOrderRepo
	payments  map[uuid.UUID]domain.Payment
	createErr error
	attachErr error
	settleErr error
}

func newMemPaymentRepo(orders *memOrderRepo) *memPaymentRepo {
	return &memPaymentRepo{orders: orders, payments: map[uuid.UUID]domain.Payment{}}
}

func (r *memPaymentRepo) CreatePayment(_ context.Context, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.payments {
		if existing.OrderID == p.OrderID && existing.Status == domain.PaymentPending {
			return errors.New("duplicate pending payment")
		}
	}
	r.payments[p.ID] = *p
	return nil
}

func (r *memPaymentRepo) find(match func(domain.Payment) bool) (*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if match(p) {
			return &p, nil
		}
	}
	return nil, domain.ErrPaymentNotFound
}

func (r *memPaymentRepo) FindById(_ context.Context, id uuid.UUID) (*domain.Payment, error) {
	return r.find(func(p domain.Payment) bool { return p.ID == id })
}

func (r *memPaymentRepo) FindByCheckoutRequestID(_ context.Context, id string) (*domain.Payment, error) {
	return r.find(func(p domain.Payment) bool { return id != "" && p.CheckoutRequestID == id })
}

func (r *memPaymentRepo) FindByProviderRef(_ context.Context, ref string) (*domain.Payment, error) {
	return r.find(func(p domain.Payment) bool { return ref != "" && p.ProviderRef == ref })
}

func (r *memPaymentRepo) FindPendingByOrder(_ context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	return r.find(func(p domain.Payment) bool { return p.OrderID == orderID && p.Status == domain.PaymentPending })
}

func (r *memPaymentRepo) SettlePayment(_ context.Context, p *domain.Payment, status domain.PaymentStatus, ref, desc string) (bool, error) {
	r.mu.Lock()
	if r.settleErr != nil {
		r.mu.Unlock()
		return false, r.settleErr
	}
	cur, ok := r.payments[p.ID]
	if !ok || cur.Status != domain.PaymentPending {
		r.mu.Unlock()
		return false, nil
	}
	cur.Status = status
	if ref != "" {
		cur.ProviderRef = ref
	}
	cur.ResultDesc = desc
	r.payments[p.ID] = cur
	r.mu.Unlock()

	r.orders.mu.Lock()
	defer r.orders.mu.Unlock()
	if o, ok := r.orders.orders[p.OrderID]; ok && o.PaymentStatus == domain.PaymentPending {
		o.PaymentStatus = status
		r.orders.orders[p.OrderID] = o
	}
	return true, nil
}

func (r *memPaymentRepo) FindPendingBefore(_ context.Context, method domain.PaymentMethod, before time.Time, limit int) ([]domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Payment
	for _, p := range r.payments {
		if p.Method == method && p.Status == domain.PaymentPending && p.CreatedAt.Before(before) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memPaymentRepo) AttachRefs(_ context.Context, p *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attachErr != nil {
		return r.attachErr
	}
	cur, ok := r.payments[p.ID]
	if !ok || cur.Status != domain.PaymentPending {
		return domain.ErrPaymentNotFound
	}
	cur.CheckoutRequestID = p.CheckoutRequestID
	cur.MerchantRequestID = p.MerchantRequestID
	cur.ProviderRef = p.ProviderRef
	r.payments[p.ID] = cur
	return nil
}

func (r *memPaymentRepo) DiscardPending(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.payments[id]; ok && p.Status == domain.PaymentPending {
		delete(r.payments, id)
	}
	return nil
}

func (r *memPaymentRepo) all() []domain.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Payment, 0, len(r.payments))
	for _, p := range r.payments {
		out = append(out, p)
	}
	return out
}

type fakeMpesa struct {
	pushes []payment.STKPushRequest
	resp   *payment.STKPushResponse
	err    error
}

func (f *fakeMpesa) InitiateSTKPush(_ context.Context, in payment.STKPushRequest) (*payment.STKPushResponse, error) {
	f.pushes = append(f.pushes, in)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeMpesa) QuerySTKStatus(context.Context, string) (*payment.STKQueryResult, error) {
	return &payment.STKQueryResult{Outcome: payment.STKProcessing}, nil
}

type fakeWatcher struct {
	started map[uuid.UUID]string
	states  map[uuid.UUID]domain.WatchState
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{started: map[uuid.UUID]string{}, states: map[uuid.UUID]domain.WatchState{}}
}

func (w *fakeWatcher) Watch(orderID uuid.UUID, handle string) {
	w.started[orderID] = handle
	w.states[orderID] = domain.AwaitingConfirmation
}

func (w *fakeWatcher) WatchState(orderID uuid.UUID) (domain.WatchState, bool) {
	s, ok := w.states[orderID]
	return s, ok
}

func (w *fakeWatcher) Unwatch(orderID uuid.UUID) bool {
	_, ok := w.states[orderID]
	delete(w.states, orderID)
	return ok
}

type recordingPublisher struct {
	events []domain.PaymentEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.PaymentEvent) error {
	p.events = append(p.events, ev)
	return nil
}
