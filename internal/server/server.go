package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	chiMiddleware "github.com/go-chi/chi/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sunbelt/shop/internal/config"
	"github.com/sunbelt/shop/internal/deps"
	"github.com/sunbelt/shop/internal/errs"
	"github.com/sunbelt/shop/internal/gateway"
	"github.com/sunbelt/shop/internal/middleware"
	"github.com/sunbelt/shop/internal/model"
	"github.com/sunbelt/shop/internal/utils"
)

type Storage interface {
	GetCustomerByID(ctx context.Context, id int) (model.Customer, error)

	CreateOrder(ctx context.Context, customer model.Customer, items []model.OrderItemRequest) (model.Order, error)
	GetOrder(ctx context.Context, customer model.Customer, orderID int64) (model.Order, error)
	GetCustomerOrders(ctx context.Context, customer model.Customer) ([]model.Order, error)

	CreatePayment(ctx context.Context, payment model.Payment) (model.Payment, error)
	DeletePayment(ctx context.Context, paymentID int64) error
	CompleteAndApplyPayment(ctx context.Context, paymentID int64, transactionID string) (model.Order, model.Payment, error)
	FailPayment(ctx context.Context, paymentID int64) error
	FindPaymentForOrder(ctx context.Context, orderID int64) (model.Payment, error)
	GetStalePendingPayments(ctx context.Context, cutoff time.Time) ([]model.Payment, error)
}

type Gateway interface {
	Submit(ctx context.Context, req gateway.SubmitRequest) (gateway.SubmitResult, error)
	CheckStatus(ctx context.Context, externalID int64) (string, error)
}

type Server struct {
	storage Storage
	gateway Gateway
	config  *config.Config
	deps    *deps.Deps
}

func NewServer(storage Storage, gateway Gateway, config *config.Config, deps *deps.Deps) *Server {
	return &Server{
		storage: storage,
		gateway: gateway,
		config:  config,
		deps:    deps,
	}
}

func (srv *Server) buildRouter() http.Handler {
	router := chi.NewRouter()
	router.Use(chiMiddleware.StripSlashes)
	router.Use(middleware.LogMiddleware(srv.deps.Logger))
	router.Use(middleware.DecompressMiddleware)
	router.Use(middleware.CompressMiddleware(srv.deps.Logger))

	// the gateway calls back without a bearer token
	router.Post("/api/payments/webhook", srv.WebhookHandler)

	router.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(srv.storage, srv.deps.TokenManager))

		r.Post("/api/orders", srv.CreateOrderHandler)
		r.Get("/api/orders", srv.GetOrdersHandler)
		r.Get("/api/orders/{id}", srv.GetOrderHandler)
		r.Post("/api/orders/{id}/payments", srv.InitiatePaymentHandler)
	})

	return router
}

func (srv *Server) Run(ctx context.Context) error {
	router := srv.buildRouter()

	server := &http.Server{
		Addr:    srv.config.RunAddress,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srv.deps.Logger.Fatalf("server error: %v", err)
		}
	}()

	go srv.PendingPaymentsControl(ctx)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, statusResponse{Status: "error", Message: message})
}

func writeFieldError(w http.ResponseWriter, field, message string) {
	writeJSON(w, http.StatusBadRequest, statusResponse{Status: "error", Field: field, Message: message})
}

func customerFromContext(r *http.Request) (model.Customer, bool) {
	customer, ok := r.Context().Value(middleware.CustomerContextKey).(model.Customer)
	return customer, ok
}

func (s *Server) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerFromContext(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req model.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if len(req.Items) == 0 {
		writeFieldError(w, "items", "at least one item is required")
		return
	}
	seen := make(map[int64]bool, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			writeFieldError(w, "quantity", "must be positive")
			return
		}
		if seen[item.ProductID] {
			writeFieldError(w, "items", "duplicate product")
			return
		}
		seen[item.ProductID] = true
	}

	order, err := s.storage.CreateOrder(r.Context(), customer, req.Items)
	if err != nil {
		var ve *errs.ValidationError
		switch {
		case errors.As(err, &ve):
			writeFieldError(w, ve.Field, ve.Message)
		case errors.Is(err, errs.ErrProductNotFound):
			writeFieldError(w, "items", "unknown product")
		default:
			s.deps.Logger.Errorf("create order: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to create order")
		}
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) GetOrdersHandler(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerFromContext(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	orders, err := s.storage.GetCustomerOrders(r.Context(), customer)
	if err != nil {
		http.Error(w, "failed to get orders", http.StatusInternalServerError)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerFromContext(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	order, err := s.storage.GetOrder(r.Context(), customer, orderID)
	if err != nil {
		if errors.Is(err, errs.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		http.Error(w, "failed to get order", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// InitiatePaymentHandler creates a tentative payment, submits it to the
// gateway and, on synchronous success, credits the order in one
// reconciliation step. A failed or errored gateway call deletes the
// tentative row so no half-created payment survives the request.
func (s *Server) InitiatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerFromContext(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	var req model.InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if !req.Amount.IsPositive() {
		writeFieldError(w, "amount", "must be positive")
		return
	}
	if req.Amount.Exponent() < -2 {
		writeFieldError(w, "amount", "at most 2 decimal places")
		return
	}

	phone, valid := utils.NormalizePhone(req.PhoneNumber)
	if !valid {
		writeFieldError(w, "phone_number", "digits with a country-code prefix required")
		return
	}

	order, err := s.storage.GetOrder(r.Context(), customer, orderID)
	if err != nil {
		if errors.Is(err, errs.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		http.Error(w, "failed to get order", http.StatusInternalServerError)
		return
	}

	if order.Status == model.OrderCancelled {
		writeError(w, http.StatusConflict, errs.ErrOrderNotPayable.Error())
		return
	}
	if req.Amount.GreaterThan(order.RemainingBalance()) {
		writeError(w, http.StatusUnprocessableEntity, errs.ErrOverpayment.Error())
		return
	}

	payment, err := s.storage.CreatePayment(r.Context(), model.Payment{
		OrderID:     orderID,
		Amount:      req.Amount,
		PhoneNumber: phone,
	})
	if err != nil {
		s.deps.Logger.Errorf("create payment: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create payment")
		return
	}

	result, err := s.gateway.Submit(r.Context(), gateway.SubmitRequest{
		Amount:     req.Amount,
		Mobile:     phone,
		ExternalID: orderID,
		Reference:  fmt.Sprintf("ORDER-%d-%s", orderID, uuid.NewString()),
	})
	if err != nil || !result.Success {
		if err != nil {
			s.deps.Logger.Errorf("gateway submit for payment %d: %v", payment.ID, err)
		}
		if delErr := s.storage.DeletePayment(r.Context(), payment.ID); delErr != nil {
			s.deps.Logger.Errorf("rollback payment %d: %v", payment.ID, delErr)
		}
		writeError(w, http.StatusBadGateway, errs.ErrGatewayDeclined.Error())
		return
	}

	order, payment, err = s.storage.CompleteAndApplyPayment(r.Context(), payment.ID, result.TransactionID)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrOverpayment):
			// lost the race to a concurrent payment; the row stays PENDING
			// and the poller or a webhook settles it
			writeError(w, http.StatusUnprocessableEntity, errs.ErrOverpayment.Error())
		case errors.Is(err, errs.ErrOrderNotPayable):
			writeError(w, http.StatusConflict, errs.ErrOrderNotPayable.Error())
		default:
			s.deps.Logger.Errorf("apply payment %d: %v", payment.ID, err)
			writeError(w, http.StatusInternalServerError, "failed to apply payment")
		}
		return
	}

	writeJSON(w, http.StatusCreated, model.PaymentResponse{
		Payment: payment,
		Order:   model.Summarize(order),
	})
}

// WebhookHandler processes asynchronous delivery-status callbacks. The
// response is always a structured body; redelivery of an already-settled
// callback answers success so the gateway stops retrying.
func (s *Server) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	var req model.WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	if req.ExternalID == 0 || req.TransactionStatus == "" {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	payment, err := s.storage.FindPaymentForOrder(r.Context(), req.ExternalID)
	if err != nil {
		if errors.Is(err, errs.ErrPaymentNotFound) {
			writeError(w, http.StatusNotFound, "payment not found")
			return
		}
		s.deps.Logger.Errorf("webhook lookup order %d: %v", req.ExternalID, err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	switch model.MapGatewayStatus(req.TransactionStatus) {
	case model.PaymentCompleted:
		if payment.Status == model.PaymentCompleted {
			// redelivery, already credited
			break
		}
		_, _, err := s.storage.CompleteAndApplyPayment(r.Context(), payment.ID, "")
		if err != nil {
			if errors.Is(err, errs.ErrDuplicatePayment) {
				// raced with another delivery of the same callback
				break
			}
			s.deps.Logger.Errorf("webhook reconcile payment %d: %v", payment.ID, err)
			switch {
			case errors.Is(err, errs.ErrOverpayment),
				errors.Is(err, errs.ErrOrderNotPayable),
				errors.Is(err, errs.ErrPaymentNotPending):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusInternalServerError, "reconciliation failed")
			}
			return
		}

	case model.PaymentFailed:
		if payment.Status == model.PaymentPending {
			if err := s.storage.FailPayment(r.Context(), payment.ID); err != nil {
				s.deps.Logger.Errorf("webhook fail payment %d: %v", payment.ID, err)
				writeError(w, http.StatusInternalServerError, "update failed")
				return
			}
		}

	default:
		// unrecognized or still-pending status, nothing to change
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "success"})
}
