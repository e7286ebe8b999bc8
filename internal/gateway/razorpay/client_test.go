package razorpay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/bookingpay/internal/config"
	gatewaydomain "github.com/smallbiznis/bookingpay/internal/gateway/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(Params{
		Config: config.Config{
			Razorpay: config.RazorpayConfig{
				KeyID:     "rzp_test_key",
				KeySecret: "rzp_test_secret",
				BaseURL:   srv.URL,
				Timeout:   2 * time.Second,
			},
		},
		Log: zap.NewNop(),
	})
}

func TestFetchOrderPaymentsDecodesCollection(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_test_key", user)
		assert.Equal(t, "rzp_test_secret", pass)
		assert.Equal(t, "/v1/orders/order_A/payments", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"entity": "collection",
			"count": 2,
			"items": [
				{"id": "pay_1", "order_id": "order_A", "amount": 5000, "currency": "inr", "status": "captured",
				 "email": "a@example.com", "notes": {"reference_id": "P2H-TEST-1"}, "created_at": 1700000000},
				{"id": "pay_2", "order_id": "order_A", "amount": 5000, "currency": "INR", "status": "failed",
				 "notes": [], "created_at": 1699999000}
			]
		}`))
	})

	payments, err := client.FetchOrderPayments(context.Background(), "order_A")
	require.NoError(t, err)
	require.Len(t, payments, 2)

	assert.Equal(t, "pay_1", payments[0].ID)
	assert.Equal(t, "INR", payments[0].Currency)
	assert.Equal(t, "captured", payments[0].Status)
	assert.Equal(t, "P2H-TEST-1", payments[0].Notes[gatewaydomain.NoteReferenceID])
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), payments[0].CreatedAt)
	assert.Nil(t, payments[1].Notes)
}

func TestFetchOrderPaymentsEmpty(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"entity":"collection","count":0,"items":[]}`))
	})

	payments, err := client.FetchOrderPayments(context.Background(), "order_B")
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		op     func(c *Client) error
		want   error
	}{
		{
			name:   "server_error_is_unavailable",
			status: http.StatusBadGateway,
			body:   `{"error":{"code":"SERVER_ERROR","description":"upstream"}}`,
			op: func(c *Client) error {
				_, err := c.FetchOrderPayments(context.Background(), "order_A")
				return err
			},
			want: gatewaydomain.ErrGatewayUnavailable,
		},
		{
			name:   "rate_limited_is_unavailable",
			status: http.StatusTooManyRequests,
			body:   `{}`,
			op: func(c *Client) error {
				_, err := c.FetchPayment(context.Background(), "pay_1")
				return err
			},
			want: gatewaydomain.ErrGatewayUnavailable,
		},
		{
			name:   "missing_id_is_not_found",
			status: http.StatusBadRequest,
			body:   `{"error":{"code":"BAD_REQUEST_ERROR","description":"The id provided does not exist"}}`,
			op: func(c *Client) error {
				_, err := c.FetchPayment(context.Background(), "pay_missing")
				return err
			},
			want: gatewaydomain.ErrNotFound,
		},
		{
			name:   "bad_request_is_rejected",
			status: http.StatusBadRequest,
			body:   `{"error":{"code":"BAD_REQUEST_ERROR","description":"amount exceeds maximum"}}`,
			op: func(c *Client) error {
				_, err := c.CreateOrder(context.Background(), gatewaydomain.CreateOrderRequest{Amount: 5000, Currency: "INR"})
				return err
			},
			want: gatewaydomain.ErrGatewayRejected,
		},
		{
			name:   "capture_4xx_is_capture_rejected",
			status: http.StatusBadRequest,
			body:   `{"error":{"code":"BAD_REQUEST_ERROR","description":"This payment has already been captured"}}`,
			op: func(c *Client) error {
				_, err := c.CapturePayment(context.Background(), "pay_1", 5000, "INR")
				return err
			},
			want: gatewaydomain.ErrCaptureRejected,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			err := tc.op(client)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "expected %v, got %v", tc.want, err)

			var gwErr *gatewaydomain.GatewayError
			require.True(t, errors.As(err, &gwErr))
			assert.Equal(t, tc.status, gwErr.StatusCode)
		})
	}
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	client.baseURL = "http://127.0.0.1:1"

	_, err := client.FetchOrderPayments(context.Background(), "order_A")
	require.Error(t, err)
	assert.True(t, gatewaydomain.IsTransient(err))
}

func TestUndecodableBodyIsUnavailable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	})

	_, err := client.FetchPayment(context.Background(), "pay_1")
	assert.True(t, errors.Is(err, gatewaydomain.ErrGatewayUnavailable))
}

func TestCreateOrderSendsNotes(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/orders", r.URL.Path)

		var body orderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(5000), body.Amount)
		assert.Equal(t, "INR", body.Currency)
		assert.Equal(t, "P2H-TEST-1", body.Notes[gatewaydomain.NoteReferenceID])

		_, _ = w.Write([]byte(`{"id":"order_A","amount":5000,"currency":"INR","status":"created"}`))
	})

	res, err := client.CreateOrder(context.Background(), gatewaydomain.CreateOrderRequest{
		Amount:   5000,
		Currency: "inr",
		Receipt:  "P2H-TEST-1",
		Notes:    map[string]string{gatewaydomain.NoteReferenceID: "P2H-TEST-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "order_A", res.OrderID)
	assert.Equal(t, "rzp_test_key", res.KeyID)
}

func TestMissingCredentials(t *testing.T) {
	client := New(Params{Log: zap.NewNop()})
	_, err := client.FetchPayment(context.Background(), "pay_1")
	assert.True(t, errors.Is(err, gatewaydomain.ErrInvalidConfig))
}
