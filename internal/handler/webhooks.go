package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-settlement/internal/accurate"
	"github.com/mmeshcher/storefront-settlement/internal/midtrans"
	"github.com/mmeshcher/storefront-settlement/internal/service"
)

// Внешние системы повторяют доставку при любом ответе кроме 2xx,
// поэтому внутренние ошибки только логируются.

// PaymentNotification принимает уведомления платёжного шлюза.
// Неверная подпись отклоняется с 403, остальные исходы отвечают 200.
func (h *Handler) PaymentNotification(w http.ResponseWriter, r *http.Request) {
	var n midtrans.Notification
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&n); err != nil {
		h.logger.Warn("malformed payment notification", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, messageResponse{Message: "malformed notification"})
		return
	}
	if n.SignatureKey == "" {
		n.SignatureKey = r.Header.Get("X-Signature-Key")
	}

	msg, err := h.service.HandlePaymentNotification(r.Context(), n)
	switch {
	case errors.Is(err, midtrans.ErrInvalidSignature):
		h.logger.Warn("payment notification rejected", zap.String("order", n.OrderID))
		writeJSON(w, http.StatusForbidden, messageResponse{Message: "invalid signature"})
		return
	case err != nil:
		h.logger.Error("payment notification failed",
			zap.String("order", n.OrderID),
			zap.String("transaction_status", n.TransactionStatus),
			zap.Error(err),
		)
		msg = "notification received"
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}

// LedgerWebhook принимает события учётной системы.
func (h *Handler) LedgerWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("read ledger webhook", zap.Error(err))
		writeJSON(w, http.StatusOK, messageResponse{Message: "ignored"})
		return
	}

	evs, err := accurate.ParseEvent(body)
	if err != nil {
		h.logger.Warn("malformed ledger webhook", zap.Error(err))
		writeJSON(w, http.StatusOK, messageResponse{Message: "ignored"})
		return
	}

	if err := h.service.HandleLedgerEvent(r.Context(), evs); err != nil {
		h.logger.Error("ledger webhook failed", zap.Int("events", len(evs)), zap.Error(err))
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

// CarrierWebhook принимает статусы доставки от перевозчика.
func (h *Handler) CarrierWebhook(w http.ResponseWriter, r *http.Request) {
	var ev service.CarrierEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&ev); err != nil {
		h.logger.Warn("malformed carrier webhook", zap.Error(err))
		writeJSON(w, http.StatusOK, messageResponse{Message: "ignored"})
		return
	}

	if err := h.service.HandleCarrierEvent(r.Context(), ev); err != nil {
		h.logger.Error("carrier webhook failed",
			zap.String("waybill", ev.WaybillID),
			zap.String("status", ev.Status),
			zap.Error(err),
		)
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}
