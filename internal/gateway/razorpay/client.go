package razorpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/bookingpay/internal/config"
	gatewaydomain "github.com/smallbiznis/bookingpay/internal/gateway/domain"
	obsmetrics "github.com/smallbiznis/bookingpay/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	opCreateOrder        = "create_order"
	opFetchPayment       = "fetch_payment"
	opFetchOrderPayments = "fetch_order_payments"
	opCapturePayment     = "capture_payment"

	maxErrorBody = 64 << 10
)

type Params struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
	HTTPClient *http.Client        `optional:"true"`
}

// Client talks to the Razorpay REST API with basic auth.
type Client struct {
	baseURL    string
	keyID      string
	keySecret  string
	client     *http.Client
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) *Client {
	timeout := p.Config.Razorpay.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpClient := p.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(p.Config.Razorpay.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.razorpay.com"
	}
	return &Client{
		baseURL:    baseURL,
		keyID:      strings.TrimSpace(p.Config.Razorpay.KeyID),
		keySecret:  strings.TrimSpace(p.Config.Razorpay.KeySecret),
		client:     httpClient,
		log:        log.Named("gateway.razorpay"),
		obsMetrics: p.ObsMetrics,
	}
}

// Provide exposes the client behind the gateway interface.
func Provide(p Params) gatewaydomain.Client {
	return New(p)
}

func (c *Client) KeyID() string {
	return c.keyID
}

type orderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt,omitempty"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type orderResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

type captureRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type paymentResponse struct {
	ID        string `json:"id"`
	OrderID   string `json:"order_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	Method    string `json:"method"`
	Email     string `json:"email"`
	Contact   string `json:"contact"`
	Notes     notes  `json:"notes"`
	CreatedAt int64  `json:"created_at"`
}

type collectionResponse struct {
	Count int               `json:"count"`
	Items []paymentResponse `json:"items"`
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
		Reason      string `json:"reason"`
	} `json:"error"`
}

// notes decodes Razorpay's notes field, which is an object when populated
// and an empty array otherwise.
type notes map[string]string

func (n *notes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		*n = nil
		return nil
	}
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	*n = out
	return nil
}

func (c *Client) CreateOrder(ctx context.Context, req gatewaydomain.CreateOrderRequest) (gatewaydomain.OrderResult, error) {
	if req.Amount <= 0 {
		return gatewaydomain.OrderResult{}, &gatewaydomain.GatewayError{
			Op:          opCreateOrder,
			Kind:        gatewaydomain.ErrGatewayRejected,
			Description: "amount must be positive",
		}
	}
	body := orderRequest{
		Amount:   req.Amount,
		Currency: strings.ToUpper(strings.TrimSpace(req.Currency)),
		Receipt:  strings.TrimSpace(req.Receipt),
		Notes:    req.Notes,
	}
	var out orderResponse
	if err := c.doRequest(ctx, opCreateOrder, http.MethodPost, "/v1/orders", body, &out); err != nil {
		return gatewaydomain.OrderResult{}, err
	}
	if out.ID == "" {
		return gatewaydomain.OrderResult{}, &gatewaydomain.GatewayError{
			Op:          opCreateOrder,
			Kind:        gatewaydomain.ErrGatewayUnavailable,
			Description: "response missing order id",
		}
	}
	return gatewaydomain.OrderResult{
		OrderID:  out.ID,
		KeyID:    c.keyID,
		Amount:   out.Amount,
		Currency: strings.ToUpper(out.Currency),
	}, nil
}

func (c *Client) FetchPayment(ctx context.Context, paymentID string) (gatewaydomain.PaymentDetail, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return gatewaydomain.PaymentDetail{}, &gatewaydomain.GatewayError{Op: opFetchPayment, Kind: gatewaydomain.ErrNotFound}
	}
	var out paymentResponse
	if err := c.doRequest(ctx, opFetchPayment, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, &out); err != nil {
		return gatewaydomain.PaymentDetail{}, err
	}
	if out.ID == "" {
		return gatewaydomain.PaymentDetail{}, &gatewaydomain.GatewayError{Op: opFetchPayment, Kind: gatewaydomain.ErrNotFound}
	}
	return out.toDetail(), nil
}

func (c *Client) FetchOrderPayments(ctx context.Context, orderID string) ([]gatewaydomain.PaymentDetail, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, &gatewaydomain.GatewayError{Op: opFetchOrderPayments, Kind: gatewaydomain.ErrNotFound}
	}
	var out collectionResponse
	if err := c.doRequest(ctx, opFetchOrderPayments, http.MethodGet, "/v1/orders/"+url.PathEscape(orderID)+"/payments", nil, &out); err != nil {
		return nil, err
	}
	payments := make([]gatewaydomain.PaymentDetail, 0, len(out.Items))
	for _, item := range out.Items {
		if item.ID == "" {
			continue
		}
		detail := item.toDetail()
		if detail.OrderID == "" {
			detail.OrderID = orderID
		}
		payments = append(payments, detail)
	}
	return payments, nil
}

func (c *Client) CapturePayment(ctx context.Context, paymentID string, amount int64, currency string) (gatewaydomain.PaymentDetail, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" || amount <= 0 {
		return gatewaydomain.PaymentDetail{}, &gatewaydomain.GatewayError{
			Op:          opCapturePayment,
			Kind:        gatewaydomain.ErrCaptureRejected,
			Description: "payment id and positive amount are required",
		}
	}
	body := captureRequest{Amount: amount, Currency: strings.ToUpper(strings.TrimSpace(currency))}
	var out paymentResponse
	path := "/v1/payments/" + url.PathEscape(paymentID) + "/capture"
	if err := c.doRequest(ctx, opCapturePayment, http.MethodPost, path, body, &out); err != nil {
		return gatewaydomain.PaymentDetail{}, err
	}
	return out.toDetail(), nil
}

func (c *Client) doRequest(ctx context.Context, op, method, path string, body any, out any) error {
	if c.keyID == "" || c.keySecret == "" {
		return fmt.Errorf("%s: %w", op, gatewaydomain.ErrInvalidConfig)
	}

	start := time.Now()
	statusLabel := "error"
	defer func() {
		c.obsMetrics.RecordGatewayRequest(ctx, op, statusLabel, time.Since(start))
	}()

	var reader io.Reader
	if body != nil {
		payload, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return marshalErr
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("gateway request failed",
			zap.String("op", op),
			zap.Error(err),
		)
		return &gatewaydomain.GatewayError{Op: op, Kind: gatewaydomain.ErrGatewayUnavailable, Err: err}
	}
	defer resp.Body.Close()
	statusLabel = strconv.Itoa(resp.StatusCode)

	if resp.StatusCode >= http.StatusBadRequest {
		return c.classify(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &gatewaydomain.GatewayError{
			Op:          op,
			StatusCode:  resp.StatusCode,
			Kind:        gatewaydomain.ErrGatewayUnavailable,
			Description: "undecodable response",
			Err:         err,
		}
	}
	return nil
}

func (c *Client) classify(op string, resp *http.Response) error {
	var apiErr errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = json.Unmarshal(raw, &apiErr)

	gwErr := &gatewaydomain.GatewayError{
		Op:          op,
		StatusCode:  resp.StatusCode,
		Code:        strings.TrimSpace(apiErr.Error.Code),
		Description: strings.TrimSpace(apiErr.Error.Description),
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		gwErr.Kind = gatewaydomain.ErrGatewayUnavailable
	case resp.StatusCode == http.StatusNotFound,
		isMissingResource(gwErr.Description):
		gwErr.Kind = gatewaydomain.ErrNotFound
	case op == opCapturePayment:
		gwErr.Kind = gatewaydomain.ErrCaptureRejected
	case resp.StatusCode == http.StatusUnauthorized:
		gwErr.Kind = gatewaydomain.ErrGatewayRejected
		c.log.Error("gateway rejected credentials", zap.String("op", op))
	default:
		gwErr.Kind = gatewaydomain.ErrGatewayRejected
	}
	return gwErr
}

func isMissingResource(description string) bool {
	description = strings.ToLower(description)
	return strings.Contains(description, "does not exist") || strings.Contains(description, "not found")
}

func (p paymentResponse) toDetail() gatewaydomain.PaymentDetail {
	detail := gatewaydomain.PaymentDetail{
		ID:       p.ID,
		OrderID:  p.OrderID,
		Amount:   p.Amount,
		Currency: strings.ToUpper(p.Currency),
		Status:   strings.ToLower(strings.TrimSpace(p.Status)),
		Method:   p.Method,
		Email:    strings.TrimSpace(p.Email),
		Contact:  strings.TrimSpace(p.Contact),
		Notes:    map[string]string(p.Notes),
	}
	if p.CreatedAt > 0 {
		detail.CreatedAt = time.Unix(p.CreatedAt, 0).UTC()
	}
	return detail
}

var _ gatewaydomain.Client = (*Client)(nil)
