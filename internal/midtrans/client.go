// Package midtrans предоставляет клиент платёжного шлюза Midtrans Snap и проверку его уведомлений.
package midtrans

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/mmeshcher/storefront-settlement/internal/model"
)

// Адреса Snap API.
const (
	SandboxURL    = "https://app.sandbox.midtrans.com/snap/v1/transactions"
	ProductionURL = "https://app.midtrans.com/snap/v1/transactions"
)

var (
	// ErrGatewayRejected возвращается, если шлюз отказал в создании платёжной сессии.
	ErrGatewayRejected = errors.New("payment gateway rejected the session")
	// ErrInvalidSignature возвращается для уведомления с неверной подписью.
	ErrInvalidSignature = errors.New("invalid notification signature")
)

var enabledPayments = map[model.PaymentClass][]string{
	model.PaymentClassCreditCard:   {"credit_card"},
	model.PaymentClassBankTransfer: {"bca_va", "bni_va", "bri_va", "permata_va", "echannel", "other_va"},
	model.PaymentClassEWallet:      {"gopay", "shopeepay", "qris"},
}

// Client инкапсулирует HTTP-взаимодействие со Snap API.
type Client struct {
	url        string
	serverKey  string
	httpClient *http.Client
}

// URLFor возвращает адрес Snap API для окружения.
func URLFor(production bool) string {
	if production {
		return ProductionURL
	}
	return SandboxURL
}

// NewClient создаёт клиент шлюза с пулом соединений.
func NewClient(url, serverKey string) *Client {
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = 10 * time.Second

	return &Client{
		url:        strings.TrimRight(url, "/"),
		serverKey:  serverKey,
		httpClient: hc,
	}
}

// ServerKey возвращает ключ, которым подписываются уведомления.
func (c *Client) ServerKey() string {
	return c.serverKey
}

// Customer содержит данные покупателя для платёжной формы.
type Customer struct {
	Name  string
	Email string
}

// SessionRequest описывает платёжную сессию заказа.
type SessionRequest struct {
	OrderNumber  string
	Breakdown    Breakdown
	Customer     Customer
	PaymentClass model.PaymentClass
	// Expiry ограничивает время оплаты; нулевое значение оставляет срок шлюза по умолчанию.
	Expiry time.Duration
}

// Session содержит токен и адрес платёжной формы.
type Session struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

type transactionDetails struct {
	OrderID     string `json:"order_id"`
	GrossAmount int64  `json:"gross_amount"`
}

type customerDetails struct {
	FirstName string `json:"first_name,omitempty"`
	Email     string `json:"email,omitempty"`
}

type snapExpiry struct {
	Unit     string `json:"unit"`
	Duration int64  `json:"duration"`
}

type snapRequest struct {
	TransactionDetails transactionDetails `json:"transaction_details"`
	ItemDetails        []Line             `json:"item_details"`
	CustomerDetails    customerDetails    `json:"customer_details"`
	EnabledPayments    []string           `json:"enabled_payments,omitempty"`
	Expiry             *snapExpiry        `json:"expiry,omitempty"`
}

// expiryFor переводит срок в минуты Snap, округляя вниз.
func expiryFor(d time.Duration) *snapExpiry {
	minutes := int64(d / time.Minute)
	if minutes <= 0 {
		return nil
	}
	return &snapExpiry{Unit: "minute", Duration: minutes}
}

type snapError struct {
	ErrorMessages []string `json:"error_messages"`
}

// CreateSession открывает платёжную сессию. gross_amount всегда равен сумме строк разбивки.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if c == nil || c.url == "" || c.serverKey == "" {
		return nil, fmt.Errorf("%w: client not configured", ErrGatewayRejected)
	}

	body, err := json.Marshal(snapRequest{
		TransactionDetails: transactionDetails{
			OrderID:     req.OrderNumber,
			GrossAmount: req.Breakdown.GrossAmount(),
		},
		ItemDetails:     req.Breakdown.Lines,
		CustomerDetails: customerDetails{FirstName: req.Customer.Name, Email: req.Customer.Email},
		EnabledPayments: enabledPayments[req.PaymentClass],
		Expiry:          expiryFor(req.Expiry),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.SetBasicAuth(c.serverKey, "")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		var se snapError
		_ = json.Unmarshal(raw, &se)
		return nil, fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, resp.StatusCode, strings.Join(se.ErrorMessages, "; "))
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if s.Token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrGatewayRejected)
	}

	return &s, nil
}
