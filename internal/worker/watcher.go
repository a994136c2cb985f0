package worker

import (
	"context"
	"errors"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/repo"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type StatusQuerier interface {
	QuerySTKStatus(ctx context.Context, checkoutRequestID string) (*payment.STKQueryResult, error)
}

type CardStatusQuerier interface {
	ChargeStatus(ctx context.Context, id string) (*payment.CardCharge, error)
}

type Settler interface {
	Settle(ctx context.Context, p *domain.Payment, status domain.PaymentStatus, providerRef, reason string) (bool, error)
	SettleSTK(ctx context.Context, checkoutRequestID string, res *payment.STKQueryResult, receipt string) (bool, error)
	SettleOrderSTK(ctx context.Context, orderID uuid.UUID, checkoutRequestID string, res *payment.STKQueryResult) (bool, error)
}

// PollPolicy controls the interval between confirmation checks.
type PollPolicy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	MaxElapsed time.Duration
}

func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Initial:    5 * time.Second,
		Multiplier: 1.5,
		Max:        30 * time.Second,
		MaxElapsed: 3 * time.Minute,
	}
}

func (p PollPolicy) backOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Initial,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.Max,
		MaxElapsedTime:      p.MaxElapsed,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// ConfirmationWatcher performs one confirmation check for an order.
type ConfirmationWatcher struct {
	orders   repo.OrderRepo
	provider StatusQuerier
	settler  Settler
}

func NewConfirmationWatcher(orders repo.OrderRepo, provider StatusQuerier, settler Settler) *ConfirmationWatcher {
	return &ConfirmationWatcher{orders: orders, provider: provider, settler: settler}
}

func stateOf(status domain.PaymentStatus) domain.WatchState {
	switch status {
	case domain.PaymentPaid:
		return domain.ConfirmedPaid
	case domain.PaymentFailed:
		return domain.ConfirmedFailed
	default:
		return domain.AwaitingConfirmation
	}
}

// CheckOnce reads the stored order first and asks the provider only while the
// order is still pending. Running it repeatedly without any backend change
// leaves the state at awaiting_confirmation.
func (w *ConfirmationWatcher) CheckOnce(ctx context.Context, orderID uuid.UUID, handle string) (domain.WatchState, error) {
	order, err := w.orders.FindById(ctx, orderID)
	if err != nil {
		return domain.AwaitingConfirmation, err
	}
	if state := stateOf(order.PaymentStatus); state.Terminal() {
		return state, nil
	}

	res, err := w.provider.QuerySTKStatus(ctx, handle)
	if err != nil {
		return domain.AwaitingConfirmation, err
	}
	if res.Outcome == payment.STKProcessing {
		return domain.AwaitingConfirmation, nil
	}

	applied, err := w.settler.SettleOrderSTK(ctx, orderID, handle, res)
	if err != nil {
		return domain.AwaitingConfirmation, err
	}
	if !applied {
		// someone else settled first; their outcome is the stored one
		order, err = w.orders.FindById(ctx, orderID)
		if err != nil {
			return domain.AwaitingConfirmation, err
		}
		return stateOf(order.PaymentStatus), nil
	}
	if res.Outcome == payment.STKPaid {
		return domain.ConfirmedPaid, nil
	}
	return domain.ConfirmedFailed, nil
}

// Watch is one order's polling loop.
type Watch struct {
	OrderID uuid.UUID
	Handle  string

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.RWMutex
	state domain.WatchState
	err   error
	polls int
}

func (w *Watch) State() domain.WatchState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Err is ErrPollTimeout once the watch is abandoned.
func (w *Watch) Err() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.err
}

func (w *Watch) Polls() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.polls
}

func (w *Watch) Done() <-chan struct{} { return w.done }

// Stop cancels polling and waits for the loop to exit.
func (w *Watch) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watch) set(state domain.WatchState, err error) {
	w.mu.Lock()
	w.state = state
	w.err = err
	w.mu.Unlock()
}

// Registry owns the running watches, at most one per order.
type Registry struct {
	watcher *ConfirmationWatcher
	policy  PollPolicy
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	watches map[uuid.UUID]*Watch
	wg      sync.WaitGroup
}

func NewRegistry(watcher *ConfirmationWatcher, policy PollPolicy, log *zap.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		watcher: watcher,
		policy:  policy,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		watches: make(map[uuid.UUID]*Watch),
	}
}

// Start begins polling handle for orderID. A running watch for the same
// order and handle is returned as is; one for a different handle is replaced.
func (r *Registry) Start(orderID uuid.UUID, handle string) *Watch {
	r.mu.Lock()
	old, replaced := r.watches[orderID]
	if replaced && old.Handle == handle {
		r.mu.Unlock()
		return old
	}

	ctx, cancel := context.WithCancel(r.ctx)
	w := &Watch{
		OrderID: orderID,
		Handle:  handle,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   domain.AwaitingConfirmation,
	}
	r.watches[orderID] = w
	r.wg.Add(1)
	r.mu.Unlock()

	// the old watch is out of the map before it is stopped
	if replaced {
		old.Stop()
	}
	go r.run(ctx, w)
	return w
}

func (r *Registry) Get(orderID uuid.UUID) (*Watch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watches[orderID]
	return w, ok
}

func (r *Registry) Watch(orderID uuid.UUID, handle string) {
	r.Start(orderID, handle)
}

func (r *Registry) WatchState(orderID uuid.UUID) (domain.WatchState, bool) {
	w, ok := r.Get(orderID)
	if !ok {
		return "", false
	}
	return w.State(), true
}

// Unwatch stops the order's watch, if any.
func (r *Registry) Unwatch(orderID uuid.UUID) bool {
	r.mu.Lock()
	w, ok := r.watches[orderID]
	delete(r.watches, orderID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	w.Stop()
	return true
}

// Close stops every watch and waits for them.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) forget(w *Watch) {
	r.mu.Lock()
	if cur, ok := r.watches[w.OrderID]; ok && cur == w {
		delete(r.watches, w.OrderID)
	}
	r.mu.Unlock()
}

func (r *Registry) run(ctx context.Context, w *Watch) {
	defer r.wg.Done()
	defer close(w.done)
	defer r.forget(w)

	log := r.log.With(zap.String("order_id", w.OrderID.String()), zap.String("checkout_request_id", w.Handle))
	b := r.policy.backOff()

	for {
		next := b.NextBackOff()
		if next == backoff.Stop {
			w.set(domain.Abandoned, domain.ErrPollTimeout)
			log.Warn("payment confirmation abandoned", zap.Int("polls", w.Polls()))
			return
		}

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		state, err := r.watcher.CheckOnce(ctx, w.OrderID, w.Handle)
		w.mu.Lock()
		w.polls++
		w.mu.Unlock()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, domain.ErrOrderNotFound) {
				w.set(domain.Abandoned, err)
				log.Warn("watched order disappeared")
				return
			}
			log.Warn("confirmation check failed", zap.Error(err))
			continue
		}
		if state.Terminal() {
			w.set(state, nil)
			log.Info("payment confirmation finished", zap.String("state", string(state)))
			return
		}
	}
}
