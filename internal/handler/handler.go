// Package handler содержит HTTP-обработчики API сервиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-settlement/internal/accurate"
	"github.com/mmeshcher/storefront-settlement/internal/discount"
	"github.com/mmeshcher/storefront-settlement/internal/midtrans"
	"github.com/mmeshcher/storefront-settlement/internal/middleware"
	"github.com/mmeshcher/storefront-settlement/internal/model"
	"github.com/mmeshcher/storefront-settlement/internal/repository"
	"github.com/mmeshcher/storefront-settlement/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, in service.RegisterInput) (*model.User, error)
	AuthenticateUser(ctx context.Context, email, password string) (*model.User, error)

	PlaceOrder(ctx context.Context, userID int64, in service.PlaceOrderInput) (*model.Order, *model.Payment, error)
	ListOrders(ctx context.Context, userID int64) ([]model.Order, error)
	GetOrder(ctx context.Context, userID int64, number string) (*model.Order, *model.Payment, error)
	QuotePrice(ctx context.Context, userID, productID int64) (discount.Resolution, error)

	HandlePaymentNotification(ctx context.Context, n midtrans.Notification) (string, error)
	HandleLedgerEvent(ctx context.Context, evs []accurate.Event) error
	HandleCarrierEvent(ctx context.Context, ev service.CarrierEvent) error

	CreateShipment(ctx context.Context, orderNumber string, in service.ShipmentInput) (*model.Shipment, error)
	RetriggerLedgerSync(ctx context.Context, orderNumber string) error
	LinkSalesOrder(ctx context.Context, orderNumber, salesOrderNumber string) error
	SyncCustomerCategory(ctx context.Context, userID, categoryID int64) error
	SetUserDiscounts(ctx context.Context, userID int64, in service.DiscountInput) error
	SetPaymentMethodMapping(ctx context.Context, key string, in service.PaymentMethodInput) error
	TriggerCatalogSync(ctx context.Context) error

	LedgerAuthorizeURL() (string, string)
	CompleteLedgerAuth(ctx context.Context, code string) error
	OpenLedgerDatabase(ctx context.Context, in service.OpenDatabaseInput) error
}

// Pinger проверяет доступность хранилища.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	health         Pinger
	metrics        http.Handler
	production     bool
}

// Option настраивает Handler.
type Option func(*Handler)

// WithHealth подключает проверку хранилища к /healthz.
func WithHealth(p Pinger) Option {
	return func(h *Handler) { h.health = p }
}

// WithMetrics задаёт обработчик /metrics.
func WithMetrics(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithProduction включает строгие заголовки безопасности.
func WithProduction(on bool) Option {
	return func(h *Handler) { h.production = on }
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, opts ...Option) *Handler {
	h := &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type messageResponse struct {
	Message string `json:"message"`
}

// writeError сопоставляет доменные ошибки с кодами HTTP.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, service.ErrValidation):
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: err.Error()})
		return
	case errors.Is(err, service.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrProductNotFound),
		errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrShipmentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrInsufficientStock):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, repository.ErrUserExists),
		errors.Is(err, repository.ErrInvalidTransition),
		errors.Is(err, repository.ErrSalesOrderTaken),
		errors.Is(err, repository.ErrPaymentMethodUnmapped):
		status = http.StatusConflict
	case errors.Is(err, midtrans.ErrGatewayRejected),
		errors.Is(err, accurate.ErrRejected):
		status = http.StatusBadGateway
	case errors.Is(err, accurate.ErrDatabaseNotOpened),
		errors.Is(err, repository.ErrLedgerSessionMissing):
		status = http.StatusServiceUnavailable
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.logger.Debug("request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	writeJSON(w, status, messageResponse{Message: err.Error()})
}

func identity(w http.ResponseWriter, r *http.Request) (middleware.Identity, bool) {
	id, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return id, ok
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type userResponse struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, Name: u.Name, Role: string(u.Role)}
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	u, err := h.service.RegisterUser(r.Context(), service.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, u.ID, u.Role)
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.authMiddleware.SetAuthCookie(w, u.ID, u.Role)
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// Healthz проверяет доступность базы данных.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
