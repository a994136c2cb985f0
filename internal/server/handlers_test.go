package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/infrastructure/payment"
	"storefront-checkout/internal/service"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCheckout struct {
	lastReq  *domain.CheckoutRequest
	result   *service.CheckoutResult
	err      error
	order    *service.OrderView
	view     *service.PaymentView
	watching map[uuid.UUID]bool
}

func (f *fakeCheckout) Checkout(_ context.Context, req *domain.CheckoutRequest) (*service.CheckoutResult, error) {
	f.lastReq = req
	return f.result, f.err
}

func (f *fakeCheckout) GetOrder(_ context.Context, id uuid.UUID) (*service.OrderView, error) {
	if f.order == nil || f.order.Order.ID != id {
		return nil, domain.ErrOrderNotFound
	}
	return f.order, nil
}

func (f *fakeCheckout) PaymentStatus(_ context.Context, id uuid.UUID) (*service.PaymentView, error) {
	if f.view == nil || f.view.OrderID != id {
		return nil, domain.ErrOrderNotFound
	}
	return f.view, nil
}

func (f *fakeCheckout) StopWatching(id uuid.UUID) bool {
	ok := f.watching[id]
	delete(f.watching, id)
	return ok
}

type fakeSettlement struct {
	stk     []string
	outcome payment.STKOutcome
	receipt string
	hooks   []*payment.WebhookOutcome
	err     error
}

func (f *fakeSettlement) SettleSTK(_ context.Context, id string, res *payment.STKQueryResult, receipt string) (bool, error) {
	f.stk = append(f.stk, id)
	f.outcome = res.Outcome
	f.receipt = receipt
	return f.err == nil, f.err
}

func (f *fakeSettlement) SettleWebhook(_ context.Context, out *payment.WebhookOutcome) (bool, error) {
	f.hooks = append(f.hooks, out)
	return f.err == nil, f.err
}

type fakeVerifier struct {
	out *payment.WebhookOutcome
	err error
}

func (f fakeVerifier) ParseWebhook(_ []byte, sig string) (*payment.WebhookOutcome, error) {
	if sig == "" {
		return nil, errors.New("missing signature")
	}
	return f.out, f.err
}

type fakeDB struct{ status string }

func (f fakeDB) Health(context.Context) map[string]string { return map[string]string{"status": f.status} }
func (f fakeDB) Close() error                            { return nil }

func setup(co *fakeCheckout, st *fakeSettlement, wv WebhookVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := &Handler{Checkout: co, Settlement: st, Webhooks: wv, DB: fakeDB{status: "up"}, Logger: zap.NewNop()}
	return NewRouter(h, RouterConfig{CheckoutRatePerM: 600})
}

func do(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const checkoutBody = `{
	"cart": [{"product_id":"kitenge-01","product_name":"Kitenge Dress","unit_price":4500,"quantity":2}],
	"shipping": {"first_name":"Amina","last_name":"Njeri","email":"amina@example.com","phone":"0712345678","address":"Moi Avenue 12","city":"Nairobi","postal_code":"00100"},
	"payment_method": "mpesa",
	"mpesa_phone": "0712345678",
	"accepted_terms": true
}`

func TestPostCheckout_Created(t *testing.T) {
	orderID := uuid.New()
	co := &fakeCheckout{result: &service.CheckoutResult{
		OrderID: orderID,
		Result:  &domain.DispatchResult{Success: true, TransactionHandle: "ws_CO_1"},
		State:   domain.AwaitingConfirmation,
	}}
	r := setup(co, &fakeSettlement{}, nil)
	userID := uuid.New()

	w := do(r, http.MethodPost, "/api/v1/checkout", checkoutBody, map[string]string{
		"Idempotency-Key": "attempt-1",
		"X-User-ID":       userID.String(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body checkoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, orderID, body.OrderID)
	assert.True(t, body.Success)
	assert.Equal(t, "ws_CO_1", body.TransactionHandle)
	assert.Equal(t, domain.AwaitingConfirmation, body.State)

	require.NotNil(t, co.lastReq)
	assert.Equal(t, "attempt-1", co.lastReq.IdempotencyKey)
	assert.Equal(t, userID, co.lastReq.UserID)
	assert.Equal(t, domain.MethodMpesa, co.lastReq.PaymentMethod)
	assert.Equal(t, 2, co.lastReq.Cart[0].Quantity)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestPostCheckout_ErrorMapping(t *testing.T) {
	orderID := uuid.New()
	cases := []struct {
		name   string
		result *service.CheckoutResult
		err    error
		code   int
		msg    string
	}{
		{"validation", nil, domain.NewValidationError("mpesa_phone", "enter a valid Safaricom number"), http.StatusBadRequest, "enter a valid Safaricom number"},
		{"duplicate", nil, domain.ErrDuplicateSubmission, http.StatusConflict, domain.ErrDuplicateSubmission.Error()},
		{"persistence", nil, &domain.PersistenceError{Op: "failed to place order", Err: errors.New("tx aborted")}, http.StatusInternalServerError, "Failed to place order. Please try again."},
		{
			"provider rejected",
			&service.CheckoutResult{OrderID: orderID, Result: &domain.DispatchResult{Error: "The initiator information is invalid."}},
			&domain.ProviderRequestError{Provider: "mpesa", Code: "1", Message: "The initiator information is invalid."},
			http.StatusBadGateway,
			"The initiator information is invalid.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := setup(&fakeCheckout{result: tc.result, err: tc.err}, &fakeSettlement{}, nil)
			w := do(r, http.MethodPost, "/api/v1/checkout", checkoutBody, nil)
			assert.Equal(t, tc.code, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.msg, body["error"])
			if tc.result != nil {
				assert.Equal(t, orderID.String(), body["order_id"])
				assert.Equal(t, false, body["success"])
			}
		})
	}
}

func TestPostCheckout_BadInput(t *testing.T) {
	r := setup(&fakeCheckout{}, &fakeSettlement{}, nil)

	w := do(r, http.MethodPost, "/api/v1/checkout", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/v1/checkout", checkoutBody, map[string]string{"X-User-ID": "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostCheckout_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	co := &fakeCheckout{result: &service.CheckoutResult{Result: &domain.DispatchResult{Success: true}}}
	h := &Handler{Checkout: co, Settlement: &fakeSettlement{}, DB: fakeDB{status: "up"}, Logger: zap.NewNop()}
	r := NewRouter(h, RouterConfig{CheckoutRatePerM: 3})

	assert.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/api/v1/checkout", checkoutBody, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(r, http.MethodPost, "/api/v1/checkout", checkoutBody, nil).Code)
}

func TestGetOrder(t *testing.T) {
	id := uuid.New()
	co := &fakeCheckout{order: &service.OrderView{
		Order: &domain.Order{ID: id, TotalAmount: 9000, PaymentStatus: domain.PaymentPending},
		Items: []domain.OrderItem{{ProductName: "Kitenge Dress", UnitPrice: 4500, Quantity: 2}},
	}}
	r := setup(co, &fakeSettlement{}, nil)

	w := do(r, http.MethodGet, "/api/v1/orders/"+id.String(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Order domain.Order `json:"order"`
		Items []struct {
			ProductName string  `json:"product_name"`
			LineTotal   float64 `json:"line_total"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 9000.0, body.Order.TotalAmount)
	require.Len(t, body.Items, 1)
	assert.Equal(t, 9000.0, body.Items[0].LineTotal)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/v1/orders/"+uuid.NewString(), "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/api/v1/orders/abc", "", nil).Code)
}

func TestPaymentWatchEndpoints(t *testing.T) {
	id := uuid.New()
	co := &fakeCheckout{
		view:     &service.PaymentView{OrderID: id, PaymentStatus: domain.PaymentPending, State: domain.AwaitingConfirmation, Watching: true},
		watching: map[uuid.UUID]bool{id: true},
	}
	r := setup(co, &fakeSettlement{}, nil)

	w := do(r, http.MethodGet, "/api/v1/orders/"+id.String()+"/payment", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"awaiting_confirmation"`)

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/api/v1/orders/"+id.String()+"/payment/watch", "", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, "/api/v1/orders/"+id.String()+"/payment/watch", "", nil).Code)
}

func TestMpesaCallback(t *testing.T) {
	st := &fakeSettlement{}
	r := setup(&fakeCheckout{}, st, nil)

	body := `{"Body":{"stkCallback":{"MerchantRequestID":"29115-1","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":9000},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"}]}}}}`
	w := do(r, http.MethodPost, "/api/v1/payments/mpesa/callback", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ResultCode":0`)
	assert.Equal(t, []string{"ws_CO_1"}, st.stk)
	assert.Equal(t, payment.STKPaid, st.outcome)
	assert.Equal(t, "NLJ7RT61SV", st.receipt)

	st.err = domain.ErrPaymentNotFound
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/payments/mpesa/callback", body, nil).Code)

	st.err = &domain.PersistenceError{Op: "settle payment", Err: errors.New("db down")}
	assert.Equal(t, http.StatusInternalServerError, do(r, http.MethodPost, "/api/v1/payments/mpesa/callback", body, nil).Code)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/v1/payments/mpesa/callback", `{"Body":{}}`, nil).Code)
}

func TestStripeWebhook(t *testing.T) {
	st := &fakeSettlement{}
	out := &payment.WebhookOutcome{EventID: "evt_1", EventType: "checkout.session.completed", ProviderRef: "cs_1", Status: domain.PaymentPaid}
	r := setup(&fakeCheckout{}, st, fakeVerifier{out: out})

	w := do(r, http.MethodPost, "/api/v1/payments/stripe/webhook", `{}`, map[string]string{"Stripe-Signature": "t=1,v1=abc"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, st.hooks, 1)
	assert.Equal(t, "cs_1", st.hooks[0].ProviderRef)

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/v1/payments/stripe/webhook", `{}`, nil).Code)

	ignored := setup(&fakeCheckout{}, st, fakeVerifier{})
	w = do(ignored, http.MethodPost, "/api/v1/payments/stripe/webhook", `{}`, map[string]string{"Stripe-Signature": "t=1,v1=abc"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
	assert.Len(t, st.hooks, 1)

	unconfigured := setup(&fakeCheckout{}, st, nil)
	assert.Equal(t, http.StatusNotFound, do(unconfigured, http.MethodPost, "/api/v1/payments/stripe/webhook", `{}`, nil).Code)
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	up := NewRouter(&Handler{DB: fakeDB{status: "up"}, Logger: zap.NewNop()}, RouterConfig{})
	assert.Equal(t, http.StatusOK, do(up, http.MethodGet, "/health", "", nil).Code)

	down := NewRouter(&Handler{DB: fakeDB{status: "down"}, Logger: zap.NewNop()}, RouterConfig{})
	assert.Equal(t, http.StatusServiceUnavailable, do(down, http.MethodGet, "/health", "", nil).Code)
}
