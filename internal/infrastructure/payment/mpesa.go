package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"storefront-checkout/internal/domain"
	"strconv"
	"sync"
	"time"
)

const mpesaProvider = "mpesa"

// Daraja reports an in-flight STK push on the query endpoint with this error code.
const mpesaStillProcessing = "500.001.1001"

var eastAfrica = time.FixedZone("EAT", 3*60*60)

type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
}

// MpesaClient talks to the Safaricom Daraja STK push API.
type MpesaClient struct {
	cfg        MpesaConfig
	httpClient *http.Client
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewMpesaClient(cfg MpesaConfig) *MpesaClient {
	return &MpesaClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

// ---- Daraja request/response structs ----

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type darajaError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// STKPushRequest is what the dispatcher asks for.
type STKPushRequest struct {
	Phone       string
	Amount      float64
	Reference   string
	Description string
}

// STKPushResponse is Daraja's answer to an STK push. ResponseCode "0" means accepted.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

func (r *STKPushResponse) Accepted() bool {
	return r.ResponseCode == "0"
}

type STKOutcome int

const (
	STKProcessing STKOutcome = iota
	STKPaid
	STKFailed
)

// STKQueryResult is the outcome of a transaction-status lookup.
type STKQueryResult struct {
	Outcome    STKOutcome
	ResultCode string
	ResultDesc string
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// RoundAmount converts to the whole currency units Daraja accepts.
func RoundAmount(amount float64) int64 {
	return int64(math.Round(amount))
}

// Password is base64(shortcode + passkey + timestamp).
func (c *MpesaClient) Password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.Shortcode + c.cfg.Passkey + timestamp))
}

func (c *MpesaClient) timestamp() string {
	return c.now().In(eastAfrica).Format("20060102150405")
}

func (c *MpesaClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", &domain.ProviderAuthError{Provider: mpesaProvider, Err: err}
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &domain.ProviderAuthError{Provider: mpesaProvider, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &domain.ProviderAuthError{Provider: mpesaProvider, Err: fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return "", &domain.ProviderAuthError{Provider: mpesaProvider, Err: fmt.Errorf("malformed token response: %s", body)}
	}

	ttl, err := strconv.Atoi(tr.ExpiresIn)
	if err != nil || ttl <= 0 {
		ttl = 3599
	}
	c.token = tr.AccessToken
	// refresh a minute early so an in-flight request never carries an expired token
	c.tokenExpiry = c.now().Add(time.Duration(ttl)*time.Second - time.Minute)
	return c.token, nil
}

func (c *MpesaClient) post(ctx context.Context, path string, payload any, out any) (*darajaError, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.ProviderRequestError{Provider: mpesaProvider, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.ProviderRequestError{Provider: mpesaProvider, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var de darajaError
		if json.Unmarshal(body, &de) == nil && de.ErrorCode != "" {
			return &de, nil
		}
		return nil, &domain.ProviderRequestError{
			Provider: mpesaProvider,
			Code:     strconv.Itoa(resp.StatusCode),
			Message:  string(body),
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return nil, &domain.ProviderRequestError{Provider: mpesaProvider, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil, nil
}

// InitiateSTKPush sends the PIN prompt to the payer's phone. A rejected push
// with a Daraja error body comes back as a ProviderRequestError.
func (c *MpesaClient) InitiateSTKPush(ctx context.Context, in STKPushRequest) (*STKPushResponse, error) {
	phone := domain.NormalizeMSISDN(in.Phone)
	if phone == "" {
		return nil, domain.NewValidationError("phone", "not a valid mobile number")
	}

	ts := c.timestamp()
	reqBody := stkPushRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          c.Password(ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            RoundAmount(in.Amount),
		PartyA:            phone,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  in.Reference,
		TransactionDesc:   in.Description,
	}

	var out STKPushResponse
	de, err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", reqBody, &out)
	if err != nil {
		return nil, err
	}
	if de != nil {
		return nil, &domain.ProviderRequestError{Provider: mpesaProvider, Code: de.ErrorCode, Message: de.ErrorMessage}
	}
	return &out, nil
}

// QuerySTKStatus looks up the outcome of an earlier push.
func (c *MpesaClient) QuerySTKStatus(ctx context.Context, checkoutRequestID string) (*STKQueryResult, error) {
	ts := c.timestamp()
	reqBody := stkQueryRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          c.Password(ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	var out stkQueryResponse
	de, err := c.post(ctx, "/mpesa/stkpushquery/v1/query", reqBody, &out)
	if err != nil {
		return nil, err
	}
	if de != nil {
		if de.ErrorCode == mpesaStillProcessing {
			return &STKQueryResult{Outcome: STKProcessing, ResultCode: de.ErrorCode, ResultDesc: de.ErrorMessage}, nil
		}
		return nil, &domain.ProviderRequestError{Provider: mpesaProvider, Code: de.ErrorCode, Message: de.ErrorMessage}
	}
	return ClassifyResult(out.ResultCode, out.ResultDesc), nil
}

// ClassifyResult maps a Daraja ResultCode to an outcome. Callback and query share it.
func ClassifyResult(code, desc string) *STKQueryResult {
	res := &STKQueryResult{ResultCode: code, ResultDesc: desc}
	switch code {
	case "0":
		res.Outcome = STKPaid
	case "":
		res.Outcome = STKProcessing
	default:
		// 1032 cancelled, 1037 unreachable, 1 insufficient funds, 2001 wrong PIN
		res.Outcome = STKFailed
	}
	return res
}

// ---- callback ----

// STKCallback is the body Daraja posts to CallBackURL.
type STKCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value,omitempty"`
				} `json:"Item"`
			} `json:"CallbackMetadata,omitempty"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func (cb *STKCallback) CheckoutRequestID() string {
	return cb.Body.StkCallback.CheckoutRequestID
}

func (cb *STKCallback) Result() *STKQueryResult {
	s := cb.Body.StkCallback
	return ClassifyResult(strconv.Itoa(s.ResultCode), s.ResultDesc)
}

// Receipt returns the MpesaReceiptNumber item, if any.
func (cb *STKCallback) Receipt() string {
	meta := cb.Body.StkCallback.CallbackMetadata
	if meta == nil {
		return ""
	}
	for _, it := range meta.Item {
		if it.Name == "MpesaReceiptNumber" {
			if s, ok := it.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}
