package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/sunbelt/shop/internal/auth"
	"github.com/sunbelt/shop/internal/config"
	"github.com/sunbelt/shop/internal/deps"
	"github.com/sunbelt/shop/internal/errs"
	"github.com/sunbelt/shop/internal/gateway"
	"github.com/sunbelt/shop/internal/middleware"
	"github.com/sunbelt/shop/internal/mocks"
	"github.com/sunbelt/shop/internal/model"
	"go.uber.org/zap/zaptest"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func setup(t *testing.T) (*Server, *mocks.MockStorage, *mocks.MockGateway) {
	t.Helper()

	ctrl := gomock.NewController(t)
	mockStorage := mocks.NewMockStorage(ctrl)
	mockGateway := mocks.NewMockGateway(ctrl)

	logger := zaptest.NewLogger(t)
	cfg := &config.Config{}
	deps := &deps.Deps{
		TokenManager: auth.NewTokenManager("testsecret"),
		Logger:       logger.Sugar(),
	}

	srv := NewServer(mockStorage, mockGateway, cfg, deps)

	return srv, mockStorage, mockGateway
}

func newCustomerRequest(method, path, body string, customer model.Customer) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	ctx := context.WithValue(req.Context(), middleware.CustomerContextKey, customer)
	return req.WithContext(ctx)
}

func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestInitiatePaymentFullAmount(t *testing.T) {
	srv, mockStorage, mockGateway := setup(t)
	customer := model.Customer{ID: 1}

	order := model.Order{ID: 5, CustomerID: 1, Amount: dec("250.00"), AmountPaid: dec("0.00"),
		Status: model.OrderPending, PaymentStatus: model.Unpaid}
	mockStorage.EXPECT().
		GetOrder(gomock.Any(), customer, int64(5)).
		Return(order, nil)

	mockStorage.EXPECT().
		CreatePayment(gomock.Any(), model.Payment{OrderID: 5, Amount: dec("250.00"), PhoneNumber: "255712345678"}).
		Return(model.Payment{ID: 7, OrderID: 5, Amount: dec("250.00"), PhoneNumber: "255712345678", Status: model.PaymentPending}, nil)

	mockGateway.EXPECT().
		Submit(gomock.Any(), gomock.Any()).
		Return(gateway.SubmitResult{Success: true, TransactionID: "TX-250"}, nil)

	tn := model.TrackingNumber(5, time.Now())
	txID := "TX-250"
	paidOrder := model.Order{ID: 5, CustomerID: 1, Amount: dec("250.00"), AmountPaid: dec("250.00"),
		Status: model.OrderPending, PaymentStatus: model.Paid, TrackingNumber: &tn}
	completedPayment := model.Payment{ID: 7, OrderID: 5, Amount: dec("250.00"), PhoneNumber: "255712345678",
		Status: model.PaymentCompleted, TransactionID: &txID}
	mockStorage.EXPECT().
		CompleteAndApplyPayment(gomock.Any(), int64(7), "TX-250").
		Return(paidOrder, completedPayment, nil)

	body := `{"amount":"250.00","phone_number":"+255712345678"}`
	req := withURLParam(newCustomerRequest("POST", "/api/orders/5/payments", body, customer), "id", "5")
	w := httptest.NewRecorder()

	srv.InitiatePaymentHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, w.Body.String())
	}

	var got model.PaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Order.PaymentStatus != model.Paid {
		t.Errorf("expected PAID, got %s", got.Order.PaymentStatus)
	}
	if !got.Order.RemainingBalance.IsZero() {
		t.Errorf("expected zero remaining balance, got %s", got.Order.RemainingBalance)
	}
	if got.Order.TrackingNumber == nil || *got.Order.TrackingNumber != tn {
		t.Errorf("expected tracking number %s, got %v", tn, got.Order.TrackingNumber)
	}
	if got.Payment.Status != model.PaymentCompleted {
		t.Errorf("expected COMPLETED payment, got %s", got.Payment.Status)
	}
}

func TestInitiatePaymentOverpaymentRejected(t *testing.T) {
	srv, mockStorage, _ := setup(t)
	customer := model.Customer{ID: 1}

	// remaining balance is 40.00, the attempt is one cent more
	order := model.Order{ID: 5, CustomerID: 1, Amount: dec("100.00"), AmountPaid: dec("60.00"),
		Status: model.OrderPending, PaymentStatus: model.PartiallyPaid}
	mockStorage.EXPECT().
		GetOrder(gomock.Any(), customer, int64(5)).
		Return(order, nil)

	body := `{"amount":"40.01","phone_number":"+255712345678"}`
	req := withURLParam(newCustomerRequest("POST", "/api/orders/5/payments", body, customer), "id", "5")
	w := httptest.NewRecorder()

	srv.InitiatePaymentHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", resp.StatusCode)
	}
	if !strings.Contains(w.Body.String(), "remaining balance") {
		t.Errorf("expected overpayment message, got %s", w.Body.String())
	}
}

func TestInitiatePaymentLosesRaceToConcurrentPayment(t *testing.T) {
	srv, mockStorage, mockGateway := setup(t)
	customer := model.Customer{ID: 1}

	// pre-lock the balance check passes, the transaction re-checks and rejects
	order := model.Order{ID: 5, CustomerID: 1, Amount: dec("100.00"), AmountPaid: dec("0.00"),
		Status: model.OrderPending, PaymentStatus: model.Unpaid}
	mockStorage.EXPECT().
		GetOrder(gomock.Any(), customer, int64(5)).
		Return(order, nil)

	mockStorage.EXPECT().
		CreatePayment(gomock.Any(), gomock.Any()).
		Return(model.Payment{ID: 8, OrderID: 5, Amount: dec("60.00"), Status: model.PaymentPending}, nil)

	mockGateway.EXPECT().
		Submit(gomock.Any(), gomock.Any()).
		Return(gateway.SubmitResult{Success: true, TransactionID: "TX-60"}, nil)

	mockStorage.EXPECT().
		CompleteAndApplyPayment(gomock.Any(), int64(8), "TX-60").
		Return(model.Order{}, model.Payment{}, errs.ErrOverpayment)

	body := `{"amount":"60.00","phone_number":"+255712345678"}`
	req := withURLParam(newCustomerRequest("POST", "/api/orders/5/payments", body, customer), "id", "5")
	w := httptest.NewRecorder()

	srv.InitiatePaymentHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", resp.StatusCode)
	}
}

func TestInitiatePaymentGatewayDeclined(t *testing.T) {
	srv, mockStorage, mockGateway := setup(t)
	customer := model.Customer{ID: 1}

	order := model.Order{ID: 5, CustomerID: 1, Amount: dec("100.00"), AmountPaid: dec("0.00"),
		Status: model.OrderPending, PaymentStatus: model.Unpaid}
	mockStorage.EXPECT().
		GetOrder(gomock.Any(), customer, int64(5)).
		Return(order, nil)

	mockStorage.EXPECT().
		CreatePayment(gomock.Any(), gomock.Any()).
		Return(model.Payment{ID: 9, OrderID: 5, Amount: dec("100.00"), Status: model.PaymentPending}, nil)

	mockGateway.EXPECT().
		Submit(gomock.Any(), gomock.Any()).
		Return(gateway.SubmitResult{Success: false}, nil)

	// the tentative payment must be rolled back
	mockStorage.EXPECT().
		DeletePayment(gomock.Any(), int64(9)).
		Return(nil)

	body := `{"amount":"100.00","phone_number":"+255712345678"}`
	req := withURLParam(newCustomerRequest("POST", "/api/orders/5/payments", body, customer), "id", "5")
	w := httptest.NewRecorder()

	srv.InitiatePaymentHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", resp.StatusCode)
	}
}

func TestInitiatePaymentGatewayError(t *testing.T) {
	srv, mockStorage, mockGateway := setup(t)
	customer := model.Customer{ID: 1}

	order := model.Order{ID: 5, CustomerID: 1, Amount: dec("100.00"), AmountPaid: dec("0.00"),
		Status: model.OrderPending, PaymentStatus: model.Unpaid}
	mockStorage.EXPECT().
		GetOrder(gomock.Any(), customer, int64(5)).
		Return(order, nil)

	mockStorage.EXPECT().
		CreatePayment(gomock.Any(), gomock.Any()).
		Return(model.Payment{ID: 10, OrderID: 5, Amount: dec("50.00"), Status: model.PaymentPending}, nil)

	mockGateway.EXPECT().
		Submit(gomock.Any(), gomock.Any()).
		Return(gateway.SubmitResult{}, errors.New("connection refused"))

	mockStorage.EXPECT().
		DeletePayment(gomock.Any(), int64(10)).
		Return(nil)

	body := `{"amount":"50.00","phone_number":"+255712345678"}`
	req := withURLParam(newCustomerRequest("POST", "/api/orders/5/payments", body, customer), "id", "5")
	w := httptest.NewRecorder()

	srv.InitiatePaymentHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", resp.StatusCode)
	}
}

func TestInitiatePaymentValidation(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"non-positive amount", `{"amount":"0","phone_number":"+255712345678"}`, "amount"},
		{"negative amount", `{"amount":"-5.00","phone_number":"+255712345678"}`, "amount"},
		{"too many decimals", `{"amount":"10.001","phone_number":"+255712345678"}`, "amount"},
		{"local phone format", `{"amount":"10.00","phone_number":"0712345678"}`, "phone_number"},
		{"garbage phone", `{"amount":"10.00","phone_number":"call-me"}`, "phone_number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := setup(t)
			customer := model.Customer{ID: 1}

			req := withURLParam(newCustomerRequest("POST", "/api/orders/5/payments", tt.body, customer), "id", "5")
			w := httptest.NewRecorder()

			srv.InitiatePaymentHandler(w, req)

			resp := w.Result()
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", resp.StatusCode)
			}
			if !strings.Contains(w.Body.String(), tt.field) {
				t.Errorf("expected field %q in response, got %s", tt.field, w.Body.String())
			}
		})
	}
}

func TestInitiatePaymentCancelledOrder(t *testing.T) {
	srv, mockStorage, _ := setup(t)
	customer := model.Customer{ID: 1}

	order := model.Order{ID: 5, CustomerID: 1, Amount: dec("100.00"), AmountPaid: dec("0.00"),
		Status: model.OrderCancelled, PaymentStatus: model.Unpaid}
	mockStorage.EXPECT().
		GetOrder(gomock.Any(), customer, int64(5)).
		Return(order, nil)

	body := `{"amount":"100.00","phone_number":"+255712345678"}`
	req := withURLParam(newCustomerRequest("POST", "/api/orders/5/payments", body, customer), "id", "5")
	w := httptest.NewRecorder()

	srv.InitiatePaymentHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", resp.StatusCode)
	}
}

func TestWebhookCompletesPayment(t *testing.T) {
	srv, mockStorage, _ := setup(t)

	mockStorage.EXPECT().
		FindPaymentForOrder(gomock.Any(), int64(5)).
		Return(model.Payment{ID: 7, OrderID: 5, Amount: dec("250.00"), Status: model.PaymentPending}, nil)

	mockStorage.EXPECT().
		CompleteAndApplyPayment(gomock.Any(), int64(7), "").
		Return(model.Order{ID: 5, PaymentStatus: model.Paid}, model.Payment{ID: 7, Status: model.PaymentCompleted}, nil)

	body := `{"externalId":5,"transactionStatus":"success"}`
	req := httptest.NewRequest("POST", "/api/payments/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()

	srv.WebhookHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(w.Body.String(), `"status":"success"`) {
		t.Errorf("expected success response, got %s", w.Body.String())
	}
}

func TestWebhookReplayIsNoOp(t *testing.T) {
	srv, mockStorage, _ := setup(t)

	// already COMPLETED: no reconciliation call may happen
	mockStorage.EXPECT().
		FindPaymentForOrder(gomock.Any(), int64(5)).
		Return(model.Payment{ID: 7, OrderID: 5, Amount: dec("250.00"), Status: model.PaymentCompleted}, nil)

	body := `{"externalId":5,"transactionStatus":"success"}`
	req := httptest.NewRequest("POST", "/api/payments/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()

	srv.WebhookHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(w.Body.String(), `"status":"success"`) {
		t.Errorf("expected success response, got %s", w.Body.String())
	}
}

func TestWebhookDuplicateRaceIsNoOp(t *testing.T) {
	srv, mockStorage, _ := setup(t)

	mockStorage.EXPECT().
		FindPaymentForOrder(gomock.Any(), int64(5)).
		Return(model.Payment{ID: 7, OrderID: 5, Status: model.PaymentPending}, nil)

	mockStorage.EXPECT().
		CompleteAndApplyPayment(gomock.Any(), int64(7), "").
		Return(model.Order{}, model.Payment{}, errs.ErrDuplicatePayment)

	body := `{"externalId":5,"transactionStatus":"success"}`
	req := httptest.NewRequest("POST", "/api/payments/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()

	srv.WebhookHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestWebhookFailedMarksPayment(t *testing.T) {
	srv, mockStorage, _ := setup(t)

	mockStorage.EXPECT().
		FindPaymentForOrder(gomock.Any(), int64(5)).
		Return(model.Payment{ID: 7, OrderID: 5, Status: model.PaymentPending}, nil)

	mockStorage.EXPECT().
		FailPayment(gomock.Any(), int64(7)).
		Return(nil)

	body := `{"externalId":5,"transactionStatus":"FAILED"}`
	req := httptest.NewRequest("POST", "/api/payments/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()

	srv.WebhookHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestWebhookUnknownStatusIsIgnored(t *testing.T) {
	srv, mockStorage, _ := setup(t)

	mockStorage.EXPECT().
		FindPaymentForOrder(gomock.Any(), int64(5)).
		Return(model.Payment{ID: 7, OrderID: 5, Status: model.PaymentPending}, nil)

	body := `{"externalId":5,"transactionStatus":"on_hold"}`
	req := httptest.NewRequest("POST", "/api/payments/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()

	srv.WebhookHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(w.Body.String(), `"status":"success"`) {
		t.Errorf("expected success response, got %s", w.Body.String())
	}
}

func TestWebhookUnknownOrder(t *testing.T) {
	srv, mockStorage, _ := setup(t)

	mockStorage.EXPECT().
		FindPaymentForOrder(gomock.Any(), int64(999)).
		Return(model.Payment{}, errs.ErrPaymentNotFound)

	body := `{"externalId":999,"transactionStatus":"success"}`
	req := httptest.NewRequest("POST", "/api/payments/webhook", strings.NewReader(body))
	w := httptest.NewRecorder()

	srv.WebhookHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	if !strings.Contains(w.Body.String(), `"status":"error"`) {
		t.Errorf("expected error response, got %s", w.Body.String())
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	srv, _, _ := setup(t)

	tests := []string{
		"not json",
		`{"transactionStatus":"success"}`,
		`{"externalId":5}`,
	}

	for _, body := range tests {
		req := httptest.NewRequest("POST", "/api/payments/webhook", strings.NewReader(body))
		w := httptest.NewRecorder()

		srv.WebhookHandler(w, req)

		resp := w.Result()
		resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestCreateOrderHandler(t *testing.T) {
	srv, mockStorage, _ := setup(t)
	customer := model.Customer{ID: 1}

	items := []model.OrderItemRequest{{ProductID: 3, Quantity: 2}}
	mockStorage.EXPECT().
		CreateOrder(gomock.Any(), customer, items).
		Return(model.Order{ID: 5, CustomerID: 1, Amount: dec("50.00"), AmountPaid: dec("0.00"),
			Status: model.OrderPending, PaymentStatus: model.Unpaid}, nil)

	body := `{"items":[{"product_id":3,"quantity":2}]}`
	req := newCustomerRequest("POST", "/api/orders", body, customer)
	w := httptest.NewRecorder()

	srv.CreateOrderHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected 201, got %d: %s", resp.StatusCode, w.Body.String())
	}
}

func TestCreateOrderHandlerValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no items", `{"items":[]}`},
		{"zero quantity", `{"items":[{"product_id":3,"quantity":0}]}`},
		{"duplicate product", `{"items":[{"product_id":3,"quantity":1},{"product_id":3,"quantity":2}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := setup(t)

			req := newCustomerRequest("POST", "/api/orders", tt.body, model.Customer{ID: 1})
			w := httptest.NewRecorder()

			srv.CreateOrderHandler(w, req)

			resp := w.Result()
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestGetOrdersHandler(t *testing.T) {
	srv, mockStorage, _ := setup(t)
	customer := model.Customer{ID: 1}

	mockStorage.EXPECT().
		GetCustomerOrders(gomock.Any(), customer).
		Return([]model.Order{
			{ID: 1, Amount: dec("100.00"), AmountPaid: dec("60.00"), PaymentStatus: model.PartiallyPaid, CreatedAt: time.Now()},
		}, nil)

	req := newCustomerRequest("GET", "/api/orders", "", customer)
	w := httptest.NewRecorder()

	srv.GetOrdersHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestGetOrdersHandlerEmpty(t *testing.T) {
	srv, mockStorage, _ := setup(t)
	customer := model.Customer{ID: 1}

	mockStorage.EXPECT().
		GetCustomerOrders(gomock.Any(), customer).
		Return(nil, nil)

	req := newCustomerRequest("GET", "/api/orders", "", customer)
	w := httptest.NewRecorder()

	srv.GetOrdersHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
}

func TestGetOrderHandlerNotFound(t *testing.T) {
	srv, mockStorage, _ := setup(t)
	customer := model.Customer{ID: 1}

	mockStorage.EXPECT().
		GetOrder(gomock.Any(), customer, int64(42)).
		Return(model.Order{}, errs.ErrOrderNotFound)

	req := withURLParam(newCustomerRequest("GET", "/api/orders/42", "", customer), "id", "42")
	w := httptest.NewRecorder()

	srv.GetOrderHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
