package worker

import (
	"context"
	"errors"
	"fmt"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/infrastructure/payment"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// backend plays the order store, the provider and settlement at once.
type backend struct {
	mu       sync.Mutex
	status   map[uuid.UUID]domain.PaymentStatus
	outcome  map[string]*payment.STKQueryResult
	pending  []domain.Payment
	queryErr error
	queries  atomic.Int32
	settled  map[uuid.UUID]string
	charges  map[string]*payment.CardCharge
}

func newBackend() *backend {
	return &backend{
		status:  map[uuid.UUID]domain.PaymentStatus{},
		outcome: map[string]*payment.STKQueryResult{},
		settled: map[uuid.UUID]string{},
		charges: map[string]*payment.CardCharge{},
	}
}

func (b *backend) CreateOrder(context.Context, *domain.Order, []domain.OrderItem) error { return nil }

func (b *backend) ListItems(context.Context, uuid.UUID) ([]domain.OrderItem, error) { return nil, nil }

func (b *backend) FindById(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.status[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &domain.Order{ID: id, PaymentStatus: s, PaymentMethod: domain.MethodMpesa}, nil
}

func (b *backend) set(id uuid.UUID, s domain.PaymentStatus) {
	b.mu.Lock()
	b.status[id] = s
	b.mu.Unlock()
}

func (b *backend) QuerySTKStatus(_ context.Context, handle string) (*payment.STKQueryResult, error) {
	b.queries.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queryErr != nil {
		return nil, b.queryErr
	}
	if res, ok := b.outcome[handle]; ok {
		return res, nil
	}
	return &payment.STKQueryResult{Outcome: payment.STKProcessing}, nil
}

func (b *backend) Settle(_ context.Context, p *domain.Payment, status domain.PaymentStatus, _, reason string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status[p.OrderID] != domain.PaymentPending {
		return false, nil
	}
	b.status[p.OrderID] = status
	b.settled[p.OrderID] = reason
	return true, nil
}

func (b *backend) settleFound(ctx context.Context, match func(domain.Payment) bool, res *payment.STKQueryResult) (bool, error) {
	b.mu.Lock()
	var p *domain.Payment
	for i := range b.pending {
		if match(b.pending[i]) {
			p = &b.pending[i]
		}
	}
	b.mu.Unlock()
	if p == nil {
		return false, domain.ErrPaymentNotFound
	}
	status := domain.PaymentPaid
	if res.Outcome == payment.STKFailed {
		status = domain.PaymentFailed
	}
	return b.Settle(ctx, p, status, "", res.ResultDesc)
}

func (b *backend) SettleSTK(ctx context.Context, handle string, res *payment.STKQueryResult, _ string) (bool, error) {
	return b.settleFound(ctx, func(p domain.Payment) bool { return p.CheckoutRequestID == handle }, res)
}

func (b *backend) SettleOrderSTK(ctx context.Context, orderID uuid.UUID, handle string, res *payment.STKQueryResult) (bool, error) {
	return b.settleFound(ctx, func(p domain.Payment) bool {
		return p.CheckoutRequestID == handle || (p.OrderID == orderID && p.CheckoutRequestID == "")
	}, res)
}

func (b *backend) ChargeStatus(_ context.Context, id string) (*payment.CardCharge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.charges[id]
	if !ok {
		return nil, errors.New("no such payment_intent")
	}
	return c, nil
}

func (b *backend) addPending(orderID uuid.UUID, handle string, created time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status[orderID] = domain.PaymentPending
	b.pending = append(b.pending, domain.Payment{
		ID: uuid.New(), OrderID: orderID, Method: domain.MethodMpesa, Status: domain.PaymentPending,
		CheckoutRequestID: handle, CreatedAt: created,
	})
}

func (b *backend) addCard(orderID uuid.UUID, ref string, created time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status[orderID] = domain.PaymentPending
	b.pending = append(b.pending, domain.Payment{
		ID: uuid.New(), OrderID: orderID, Method: domain.MethodCard, Status: domain.PaymentPending,
		ProviderRef: ref, CreatedAt: created,
	})
}

func fastPolicy() PollPolicy {
	return PollPolicy{Initial: 5 * time.Millisecond, Multiplier: 1.5, Max: 20 * time.Millisecond, MaxElapsed: 2 * time.Second}
}

func TestCheckOnce_IdempotentWhileNothingChanges(t *testing.T) {
	b := newBackend()
	orderID := uuid.New()
	b.addPending(orderID, "ws_CO_1", time.Now())
	w := NewConfirmationWatcher(b, b, b)

	for i := 0; i < 5; i++ {
		state, err := w.CheckOnce(context.Background(), orderID, "ws_CO_1")
		require.NoError(t, err)
		assert.Equal(t, domain.AwaitingConfirmation, state)
	}
	assert.Empty(t, b.settled)
}

func TestCheckOnce_StoredStatusWins(t *testing.T) {
	b := newBackend()
	orderID := uuid.New()
	b.addPending(orderID, "ws_CO_1", time.Now())
	w := NewConfirmationWatcher(b, b, b)

	b.set(orderID, domain.PaymentFailed)
	state, err := w.CheckOnce(context.Background(), orderID, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConfirmedFailed, state)
	assert.Zero(t, b.queries.Load(), "no provider call once the order is settled")
}

func TestCheckOnce_ProviderOutcomeSettles(t *testing.T) {
	b := newBackend()
	orderID := uuid.New()
	b.addPending(orderID, "ws_CO_1", time.Now())
	b.outcome["ws_CO_1"] = payment.ClassifyResult("1032", "Request cancelled by user")
	w := NewConfirmationWatcher(b, b, b)

	state, err := w.CheckOnce(context.Background(), orderID, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConfirmedFailed, state)
	assert.Equal(t, "Request cancelled by user", b.settled[orderID])
}

func TestCheckOnce_SettlesPaymentMissingItsHandle(t *testing.T) {
	b := newBackend()
	orderID := uuid.New()
	b.addPending(orderID, "", time.Now())
	b.outcome["ws_CO_1"] = payment.ClassifyResult("0", "The service request is processed successfully.")
	w := NewConfirmationWatcher(b, b, b)

	state, err := w.CheckOnce(context.Background(), orderID, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ConfirmedPaid, state)
	assert.Equal(t, domain.PaymentPaid, b.status[orderID])
}

func TestRegistry_ConfirmsPaidAndStops(t *testing.T) {
	b := newBackend()
	orderID := uuid.New()
	b.addPending(orderID, "ws_CO_1", time.Now())
	r := NewRegistry(NewConfirmationWatcher(b, b, b), fastPolicy(), zap.NewNop())
	defer r.Close()

	w := r.Start(orderID, "ws_CO_1")
	assert.Same(t, w, r.Start(orderID, "ws_CO_1"), "one watch per order")

	require.Eventually(t, func() bool { return w.Polls() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, domain.AwaitingConfirmation, w.State())

	b.set(orderID, domain.PaymentPaid)

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("watch did not stop after confirmation")
	}
	assert.Equal(t, domain.ConfirmedPaid, w.State())
	assert.NoError(t, w.Err())

	polls := w.Polls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, polls, w.Polls(), "no polling after a terminal state")

	_, ok := r.Get(orderID)
	assert.False(t, ok)
}

func TestRegistry_AbandonsAfterMaxElapsed(t *testing.T) {
	b := newBackend()
	orderID := uuid.New()
	b.addPending(orderID, "ws_CO_1", time.Now())
	policy := fastPolicy()
	policy.MaxElapsed = 60 * time.Millisecond
	r := NewRegistry(NewConfirmationWatcher(b, b, b), policy, zap.NewNop())
	defer r.Close()

	w := r.Start(orderID, "ws_CO_1")
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not time out")
	}
	assert.Equal(t, domain.Abandoned, w.State())
	assert.ErrorIs(t, w.Err(), domain.ErrPollTimeout)
	assert.Empty(t, b.settled, "timing out does not settle the payment")
}

func TestRegistry_TickErrorsAreSwallowed(t *testing.T) {
	b := newBackend()
	orderID := uuid.New()
	b.addPending(orderID, "ws_CO_1", time.Now())
	b.queryErr = errors.New("connection refused")
	r := NewRegistry(NewConfirmationWatcher(b, b, b), fastPolicy(), zap.NewNop())
	defer r.Close()

	w := r.Start(orderID, "ws_CO_1")
	require.Eventually(t, func() bool { return w.Polls() >= 3 }, time.Second, time.Millisecond)
	assert.Equal(t, domain.AwaitingConfirmation, w.State())

	b.mu.Lock()
	b.queryErr = nil
	b.outcome["ws_CO_1"] = payment.ClassifyResult("0", "The service request is processed successfully.")
	b.mu.Unlock()

	<-w.Done()
	assert.Equal(t, domain.ConfirmedPaid, w.State())
}

func TestRegistry_UnwatchCancels(t *testing.T) {
	b := newBackend()
	orderID := uuid.New()
	b.addPending(orderID, "ws_CO_1", time.Now())
	r := NewRegistry(NewConfirmationWatcher(b, b, b), fastPolicy(), zap.NewNop())
	defer r.Close()

	r.Watch(orderID, "ws_CO_1")
	state, ok := r.WatchState(orderID)
	require.True(t, ok)
	assert.Equal(t, domain.AwaitingConfirmation, state)

	assert.True(t, r.Unwatch(orderID))
	assert.False(t, r.Unwatch(orderID))
	_, ok = r.WatchState(orderID)
	assert.False(t, ok)

	queries := b.queries.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, queries, b.queries.Load(), "no polling after teardown")
}

func TestRegistry_ConcurrentReplaceLeavesNoStrayWatch(t *testing.T) {
	b := newBackend()
	orderID := uuid.New()
	b.addPending(orderID, "ws_CO_0", time.Now())
	r := NewRegistry(NewConfirmationWatcher(b, b, b), fastPolicy(), zap.NewNop())
	defer r.Close()

	watches := make([]*Watch, 16)
	var wg sync.WaitGroup
	for i := range watches {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			watches[i] = r.Start(orderID, fmt.Sprintf("ws_CO_%d", i))
		}(i)
	}
	wg.Wait()

	require.True(t, r.Unwatch(orderID))
	for i, w := range watches {
		select {
		case <-w.Done():
		case <-time.After(time.Second):
			t.Fatalf("watch %d still polling after the order was unwatched", i)
		}
	}
}

func TestRegistry_CloseStopsEverything(t *testing.T) {
	b := newBackend()
	r := NewRegistry(NewConfirmationWatcher(b, b, b), fastPolicy(), zap.NewNop())
	var watches []*Watch
	for i := 0; i < 3; i++ {
		id := uuid.New()
		b.addPending(id, id.String(), time.Now())
		watches = append(watches, r.Start(id, id.String()))
	}
	r.Close()
	for _, w := range watches {
		select {
		case <-w.Done():
		default:
			t.Fatal("watch still running after Close")
		}
	}
}

func TestPollPolicyIntervals(t *testing.T) {
	b := DefaultPollPolicy().backOff()
	want := []time.Duration{5 * time.Second, 7500 * time.Millisecond, 11250 * time.Millisecond, 16875 * time.Millisecond, 25312500 * time.Microsecond, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "interval %d", i)
	}
}
