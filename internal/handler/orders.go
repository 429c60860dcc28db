package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/storefront-settlement/internal/model"
	"github.com/mmeshcher/storefront-settlement/internal/service"
)

type orderItemResponse struct {
	ProductID          int64           `json:"productId"`
	SKU                string          `json:"sku"`
	Name               string          `json:"name"`
	Quantity           int             `json:"quantity"`
	Price              int64           `json:"price"`
	OriginalPrice      int64           `json:"originalPrice"`
	DiscountPercentage decimal.Decimal `json:"discountPercentage"`
}

type paymentResponse struct {
	Amount      int64  `json:"amount"`
	Method      string `json:"method,omitempty"`
	Class       string `json:"class"`
	Status      string `json:"status"`
	Token       string `json:"token,omitempty"`
	RedirectURL string `json:"redirectUrl,omitempty"`
}

type orderResponse struct {
	OrderNumber    string              `json:"orderNumber"`
	Status         string              `json:"status"`
	Subtotal       int64               `json:"subtotal"`
	DiscountAmount int64               `json:"discountAmount"`
	TaxAmount      int64               `json:"taxAmount"`
	ShippingCost   int64               `json:"shippingCost"`
	AdminFee       int64               `json:"adminFee"`
	TotalAmount    int64               `json:"totalAmount"`
	Courier        string              `json:"courier,omitempty"`
	CreatedAt      string              `json:"createdAt"`
	Items          []orderItemResponse `json:"items,omitempty"`
	Payment        *paymentResponse    `json:"payment,omitempty"`
}

func toOrderResponse(o *model.Order, p *model.Payment) orderResponse {
	resp := orderResponse{
		OrderNumber:    o.OrderNumber,
		Status:         string(o.Status),
		Subtotal:       o.Subtotal,
		DiscountAmount: o.DiscountAmount,
		TaxAmount:      o.TaxAmount,
		ShippingCost:   o.ShippingCost,
		AdminFee:       o.AdminFee,
		TotalAmount:    o.TotalAmount,
		Courier:        o.Courier,
		CreatedAt:      o.CreatedAt.Format(time.RFC3339),
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			ProductID:          it.ProductID,
			SKU:                it.SKU,
			Name:               it.Name,
			Quantity:           it.Quantity,
			Price:              it.Price,
			OriginalPrice:      it.OriginalPrice,
			DiscountPercentage: it.DiscountPercentage,
		})
	}
	if p != nil {
		resp.Payment = &paymentResponse{
			Amount:      p.Amount,
			Method:      p.Method,
			Class:       string(p.Class),
			Status:      string(p.Status),
			Token:       p.TransactionID,
			RedirectURL: p.RedirectURL,
		}
	}
	return resp
}

// PlaceOrder оформляет заказ и возвращает ссылку на оплату.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req service.PlaceOrderInput
	if !decodeJSON(w, r, &req) {
		return
	}

	order, payment, err := h.service.PlaceOrder(r.Context(), id.UserID, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order, payment))
}

// ListOrders возвращает заказы пользователя.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	orders, err := h.service.ListOrders(r.Context(), id.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i], nil))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetOrder возвращает заказ пользователя вместе с оплатой.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	order, payment, err := h.service.GetOrder(r.Context(), id.UserID, chi.URLParam(r, "number"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order, payment))
}

// QuotePrice показывает персональную цену товара.
func (h *Handler) QuotePrice(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}

	productID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || productID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.QuotePrice(r.Context(), id.UserID, productID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}
