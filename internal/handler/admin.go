package handler

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-settlement/internal/service"
)

const ledgerStateCookie = "ledger_oauth_state"

// LedgerAuthorize перенаправляет администратора на страницу согласия учётной системы.
func (h *Handler) LedgerAuthorize(w http.ResponseWriter, r *http.Request) {
	url, state := h.service.LedgerAuthorizeURL()

	http.SetCookie(w, &http.Cookie{
		Name:     ledgerStateCookie,
		Value:    state,
		Path:     "/api",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   h.production,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, url, http.StatusFound)
}

// LedgerCallback завершает OAuth-авторизацию в учётной системе.
func (h *Handler) LedgerCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	cookie, err := r.Cookie(ledgerStateCookie)
	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) != 1 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.CompleteLedgerAuth(r.Context(), code); err != nil {
		h.writeError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{Name: ledgerStateCookie, Path: "/api", MaxAge: -1})
	writeJSON(w, http.StatusOK, messageResponse{Message: "ledger connected"})
}

// OpenLedgerDatabase выбирает базу данных учётной системы.
func (h *Handler) OpenLedgerDatabase(w http.ResponseWriter, r *http.Request) {
	var req service.OpenDatabaseInput
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.OpenLedgerDatabase(r.Context(), req); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "database opened"})
}

// CreateShipment регистрирует отправку заказа.
func (h *Handler) CreateShipment(w http.ResponseWriter, r *http.Request) {
	var req service.ShipmentInput
	if !decodeJSON(w, r, &req) {
		return
	}

	sh, err := h.service.CreateShipment(r.Context(), chi.URLParam(r, "number"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"courier":        sh.Courier,
		"trackingNumber": sh.TrackingNumber,
		"shippingCost":   sh.ShippingCost,
	})
}

// RetriggerLedgerSync повторно ставит заказ в очередь синхронизации.
func (h *Handler) RetriggerLedgerSync(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	if err := h.service.RetriggerLedgerSync(r.Context(), number); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("ledger sync re-triggered", zap.String("order", number))
	writeJSON(w, http.StatusAccepted, messageResponse{Message: "ledger sync scheduled"})
}

type salesOrderRequest struct {
	SalesOrderNumber string `json:"salesOrderNumber"`
}

// LinkSalesOrder привязывает заказ к заказу учётной системы.
func (h *Handler) LinkSalesOrder(w http.ResponseWriter, r *http.Request) {
	var req salesOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.LinkSalesOrder(r.Context(), chi.URLParam(r, "number"), req.SalesOrderNumber); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type priceCategoryRequest struct {
	CategoryID int64 `json:"categoryId"`
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// SyncCustomerCategory назначает покупателю категорию цен в учётной системе.
func (h *Handler) SyncCustomerCategory(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	var req priceCategoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.SyncCustomerCategory(r.Context(), userID, req.CategoryID); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetUserDiscounts заменяет персональные скидки покупателя.
func (h *Handler) SetUserDiscounts(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}

	var req service.DiscountInput
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.SetUserDiscounts(r.Context(), userID, req); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetPaymentMethodMapping задаёт счёт учётной системы для канала оплаты.
func (h *Handler) SetPaymentMethodMapping(w http.ResponseWriter, r *http.Request) {
	var req service.PaymentMethodInput
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.SetPaymentMethodMapping(r.Context(), chi.URLParam(r, "key"), req); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TriggerCatalogSync ставит выгрузку каталога в очередь.
func (h *Handler) TriggerCatalogSync(w http.ResponseWriter, r *http.Request) {
	if err := h.service.TriggerCatalogSync(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, messageResponse{Message: "catalog sync scheduled"})
}
