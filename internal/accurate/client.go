// Package accurate предоставляет клиент учётной системы Accurate Online:
// OAuth-сессию, документы продаж, справочник клиентов и каталог товаров.
package accurate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/storefront-settlement/internal/model"
)

var (
	// ErrRejected возвращается, если учётная система явно отклонила запрос.
	ErrRejected = errors.New("ledger rejected the request")
	// ErrInvoiceNotVisible возвращается, если счёт ещё не виден при создании квитанции.
	ErrInvoiceNotVisible = errors.New("ledger invoice is not visible yet")
	// ErrNumberTaken возвращается, если документ с таким номером уже существует.
	ErrNumberTaken = errors.New("ledger document number already used")
	// ErrNotFound возвращается, если документ или клиент не найден.
	ErrNotFound = errors.New("ledger entity not found")
)

// DateLayout задаёт формат дат в документах учётной системы.
const DateLayout = "02/01/2006"

// Sessioner выдаёт действующую сессию с открытой базой данных.
type Sessioner interface {
	Session(ctx context.Context) (*model.LedgerSession, error)
}

// Client инкапсулирует HTTP-взаимодействие с API учётной системы.
type Client struct {
	sessions   Sessioner
	httpClient *http.Client
	bulk       *retryablehttp.Client
	customers  *CustomerCache
	logger     *zap.Logger
}

// NewClient создаёт клиент. cache может быть nil, тогда поиск клиентов не кэшируется.
func NewClient(sessions Sessioner, cache *CustomerCache, logger *zap.Logger) *Client {
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = 20 * time.Second

	bulk := retryablehttp.NewClient()
	bulk.HTTPClient = cleanhttp.DefaultPooledClient()
	bulk.HTTPClient.Timeout = 30 * time.Second
	bulk.RetryMax = 4
	bulk.RetryWaitMin = time.Second
	bulk.RetryWaitMax = 30 * time.Second
	bulk.Logger = leveledLogger{s: logger.Sugar()}

	return &Client{
		sessions:   sessions,
		httpClient: hc,
		bulk:       bulk,
		customers:  cache,
		logger:     logger,
	}
}

type envelope struct {
	S  bool            `json:"s"`
	D  json.RawMessage `json:"d"`
	R  json.RawMessage `json:"r"`
	SP *pageInfo       `json:"sp"`
}

type pageInfo struct {
	Page      int `json:"page"`
	PageSize  int `json:"pageSize"`
	PageCount int `json:"pageCount"`
	RowCount  int `json:"rowCount"`
}

// messageOf извлекает текст ошибки: поле d бывает строкой или массивом строк.
func messageOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (c *Client) endpoint(s *model.LedgerSession, path string) string {
	return s.Host + "/accurate/api/" + strings.TrimLeft(path, "/")
}

func authorize(h http.Header, s *model.LedgerSession) {
	h.Set("Authorization", "Bearer "+s.AccessToken)
	h.Set("X-Session-ID", s.SessionID)
	h.Set("Accept", "application/json")
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, payload any) (*envelope, error) {
	s, err := c.sessions.Session(ctx)
	if err != nil {
		return nil, err
	}

	u := c.endpoint(s, path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	authorize(req.Header, s)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request %s: %w", path, err)
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp, path)
}

func decodeEnvelope(resp *http.Response, path string) (*envelope, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", path, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode response %s (status %d): %w", path, resp.StatusCode, err)
	}
	if !env.S {
		return &env, &rejection{path: path, msg: messageOf(env.D)}
	}
	return &env, nil
}

// rejection хранит текст отказа отдельно от пути запроса для классификации.
type rejection struct {
	path string
	msg  string
}

func (r *rejection) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrRejected, r.path, r.msg)
}

func (r *rejection) Is(target error) bool {
	return target == ErrRejected
}

// classifySaveError уточняет отказ при сохранении документа.
func classifySaveError(err error) error {
	var rj *rejection
	if !errors.As(err, &rj) {
		return err
	}
	msg := strings.ToLower(rj.msg)

	switch {
	case (strings.Contains(msg, "sudah") && strings.Contains(msg, "nomor")) ||
		(strings.Contains(msg, "already") && strings.Contains(msg, "number")):
		return fmt.Errorf("%w: %w", ErrNumberTaken, err)
	case (strings.Contains(msg, "faktur") || strings.Contains(msg, "invoice")) &&
		(strings.Contains(msg, "tidak ditemukan") || strings.Contains(msg, "not found") || strings.Contains(msg, "tidak ada")):
		return fmt.Errorf("%w: %w", ErrInvoiceNotVisible, err)
	}
	return err
}

type savedDocument struct {
	ID     int64  `json:"id"`
	Number string `json:"number"`
}

func (c *Client) save(ctx context.Context, path string, payload any) (*savedDocument, error) {
	env, err := c.call(ctx, http.MethodPost, path, nil, payload)
	if err != nil {
		return nil, classifySaveError(err)
	}

	var doc savedDocument
	if len(env.R) > 0 {
		if err := json.Unmarshal(env.R, &doc); err != nil {
			return nil, fmt.Errorf("decode saved document: %w", err)
		}
	}
	return &doc, nil
}

// InvoiceLine описывает строку товара в счёте.
type InvoiceLine struct {
	ItemNo    string `json:"itemNo"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

// ExpenseLine описывает строку расходов в счёте: доставку, налог или сбор.
type ExpenseLine struct {
	AccountNo     string `json:"accountNo,omitempty"`
	ExpenseName   string `json:"expenseName"`
	ExpenseAmount int64  `json:"expenseAmount"`
}

// Invoice описывает счёт на продажу.
type Invoice struct {
	Number        string        `json:"number"`
	TransDate     string        `json:"transDate"`
	CustomerNo    string        `json:"customerNo"`
	BranchName    string        `json:"branchName,omitempty"`
	Description   string        `json:"description,omitempty"`
	CashDiscount  int64         `json:"cashDiscount,omitempty"`
	DetailItem    []InvoiceLine `json:"detailItem"`
	DetailExpense []ExpenseLine `json:"detailExpense,omitempty"`
}

// Total возвращает сумму счёта по строкам товаров и расходов.
func (inv Invoice) Total() int64 {
	var total int64
	for _, l := range inv.DetailItem {
		total += l.UnitPrice * int64(l.Quantity)
	}
	for _, e := range inv.DetailExpense {
		total += e.ExpenseAmount
	}
	return total - inv.CashDiscount
}

// SaveSalesInvoice создаёт счёт и возвращает его номер.
func (c *Client) SaveSalesInvoice(ctx context.Context, inv Invoice) (string, error) {
	doc, err := c.save(ctx, "sales-invoice/save.do", inv)
	if err != nil {
		return "", fmt.Errorf("save sales invoice %s: %w", inv.Number, err)
	}
	if doc.Number == "" {
		doc.Number = inv.Number
	}
	return doc.Number, nil
}

// InvoiceDetail содержит сведения о счёте, нужные для сопоставления с заказом.
type InvoiceDetail struct {
	Number           string
	SalesOrderNumber string
}

type invoiceDetailResponse struct {
	Number     string `json:"number"`
	DetailItem []struct {
		SalesOrder *struct {
			Number string `json:"number"`
		} `json:"salesOrder"`
	} `json:"detailItem"`
}

// FindSalesInvoice возвращает счёт по номеру или ErrNotFound.
func (c *Client) FindSalesInvoice(ctx context.Context, number string) (*InvoiceDetail, error) {
	env, err := c.call(ctx, http.MethodGet, "sales-invoice/detail.do", url.Values{"number": {number}}, nil)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			return nil, fmt.Errorf("%w: sales invoice %s", ErrNotFound, number)
		}
		return nil, err
	}

	var d invoiceDetailResponse
	if err := json.Unmarshal(env.D, &d); err != nil {
		return nil, fmt.Errorf("decode sales invoice: %w", err)
	}

	res := &InvoiceDetail{Number: d.Number}
	for _, line := range d.DetailItem {
		if line.SalesOrder != nil && line.SalesOrder.Number != "" {
			res.SalesOrderNumber = line.SalesOrder.Number
			break
		}
	}
	return res, nil
}

// Receipt описывает поступление оплаты по счёту.
type Receipt struct {
	Number        string           `json:"number"`
	TransDate     string           `json:"transDate"`
	CustomerNo    string           `json:"customerNo"`
	BankNo        string           `json:"bankNo"`
	ChequeAmount  int64            `json:"chequeAmount"`
	BranchName    string           `json:"branchName,omitempty"`
	DetailInvoice []ReceiptInvoice `json:"detailInvoice"`
}

// ReceiptInvoice связывает поступление со счётом.
type ReceiptInvoice struct {
	InvoiceNo     string `json:"invoiceNo"`
	PaymentAmount int64  `json:"paymentAmount"`
}

// SaveSalesReceipt создаёт поступление оплаты и возвращает его номер.
func (c *Client) SaveSalesReceipt(ctx context.Context, r Receipt) (string, error) {
	doc, err := c.save(ctx, "sales-receipt/save.do", r)
	if err != nil {
		return "", fmt.Errorf("save sales receipt %s: %w", r.Number, err)
	}
	if doc.Number == "" {
		doc.Number = r.Number
	}
	return doc.Number, nil
}

// ReceiptDetail содержит номера счетов, оплаченных поступлением.
type ReceiptDetail struct {
	Number         string
	InvoiceNumbers []string
}

type receiptDetailResponse struct {
	Number        string `json:"number"`
	DetailInvoice []struct {
		Invoice *struct {
			Number string `json:"number"`
		} `json:"invoice"`
	} `json:"detailInvoice"`
}

// FindSalesReceipt возвращает поступление по номеру или ErrNotFound.
func (c *Client) FindSalesReceipt(ctx context.Context, number string) (*ReceiptDetail, error) {
	env, err := c.call(ctx, http.MethodGet, "sales-receipt/detail.do", url.Values{"number": {number}}, nil)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			return nil, fmt.Errorf("%w: sales receipt %s", ErrNotFound, number)
		}
		return nil, err
	}

	var d receiptDetailResponse
	if err := json.Unmarshal(env.D, &d); err != nil {
		return nil, fmt.Errorf("decode sales receipt: %w", err)
	}

	res := &ReceiptDetail{Number: d.Number}
	for _, line := range d.DetailInvoice {
		if line.Invoice != nil && line.Invoice.Number != "" {
			res.InvoiceNumbers = append(res.InvoiceNumbers, line.Invoice.Number)
		}
	}
	return res, nil
}

// CustomerRef идентифицирует клиента в учётной системе.
type CustomerRef struct {
	ID         int64  `json:"id"`
	CustomerNo string `json:"customerNo"`
}

// NewCustomer содержит данные для создания клиента.
type NewCustomer struct {
	Name            string
	Email           string
	PriceCategoryID int64
}

// ResolveCustomer находит клиента по email или создаёт его.
func (c *Client) ResolveCustomer(ctx context.Context, nc NewCustomer) (*CustomerRef, error) {
	ref, err := c.FindCustomer(ctx, nc.Email)
	switch {
	case err == nil:
		return ref, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	ref, err = c.CreateCustomer(ctx, nc)
	if err != nil {
		return nil, err
	}
	c.logger.Info("ledger customer created", zap.String("email", nc.Email), zap.String("customer_no", ref.CustomerNo))
	c.customers.Set(ctx, nc.Email, *ref)
	return ref, nil
}

// FindCustomer ищет клиента по email, сначала в кэше.
func (c *Client) FindCustomer(ctx context.Context, email string) (*CustomerRef, error) {
	if ref, ok := c.customers.Get(ctx, email); ok {
		return &ref, nil
	}

	q := url.Values{}
	q.Set("fields", "id,customerNo,email")
	q.Set("filter.email.op", "EQUAL")
	q.Set("filter.email.val", email)

	env, err := c.call(ctx, http.MethodGet, "customer/list.do", q, nil)
	if err != nil {
		return nil, fmt.Errorf("find customer: %w", err)
	}

	var list []CustomerRef
	if err := json.Unmarshal(env.D, &list); err != nil {
		return nil, fmt.Errorf("decode customer list: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: customer %s", ErrNotFound, email)
	}

	c.customers.Set(ctx, email, list[0])
	return &list[0], nil
}

type customerPayload struct {
	ID              int64  `json:"id,omitempty"`
	Name            string `json:"name,omitempty"`
	Email           string `json:"email,omitempty"`
	CustomerNo      string `json:"customerNo,omitempty"`
	PriceCategoryID int64  `json:"priceCategoryId,omitempty"`
}

// CreateCustomer создаёт клиента с ценовой категорией по умолчанию.
func (c *Client) CreateCustomer(ctx context.Context, nc NewCustomer) (*CustomerRef, error) {
	name := nc.Name
	if name == "" {
		name = nc.Email
	}

	doc, err := c.save(ctx, "customer/save.do", customerPayload{
		Name:            name,
		Email:           nc.Email,
		PriceCategoryID: nc.PriceCategoryID,
	})
	if err != nil {
		return nil, fmt.Errorf("create customer %s: %w", nc.Email, err)
	}

	var ref CustomerRef
	ref.ID = doc.ID
	ref.CustomerNo = doc.Number
	return &ref, nil
}

// UpdateCustomerPriceCategory задаёт клиенту ценовую категорию и сбрасывает его запись в кэше.
func (c *Client) UpdateCustomerPriceCategory(ctx context.Context, email string, ref CustomerRef, categoryID int64) error {
	_, err := c.save(ctx, "customer/save.do", customerPayload{
		ID:              ref.ID,
		CustomerNo:      ref.CustomerNo,
		PriceCategoryID: categoryID,
	})
	if err != nil {
		return fmt.Errorf("update customer %s price category: %w", ref.CustomerNo, err)
	}

	c.customers.Invalidate(ctx, email)
	return nil
}

// Item описывает товар каталога учётной системы.
type Item struct {
	No              string  `json:"no"`
	Name            string  `json:"name"`
	UnitPrice       float64 `json:"unitPrice"`
	AvailableToSell float64 `json:"availableToSell"`
	ItemCategoryID  *int64  `json:"itemCategoryId"`
}

// ListItems возвращает страницу каталога и признак наличия следующей страницы.
// Запросы повторяются на 429 и 5xx с учётом Retry-After.
func (c *Client) ListItems(ctx context.Context, page, pageSize int) ([]Item, bool, error) {
	s, err := c.sessions.Session(ctx)
	if err != nil {
		return nil, false, err
	}

	q := url.Values{}
	q.Set("fields", "no,name,unitPrice,availableToSell,itemCategoryId")
	q.Set("sp.page", strconv.Itoa(page))
	q.Set("sp.pageSize", strconv.Itoa(pageSize))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(s, "item/list.do")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	authorize(req.Header, s)

	resp, err := c.bulk.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("list items page %d: %w", page, err)
	}
	defer resp.Body.Close()

	env, err := decodeEnvelope(resp, "item/list.do")
	if err != nil {
		return nil, false, err
	}

	var items []Item
	if err := json.Unmarshal(env.D, &items); err != nil {
		return nil, false, fmt.Errorf("decode items: %w", err)
	}

	hasMore := env.SP != nil && env.SP.Page < env.SP.PageCount
	return items, hasMore, nil
}

type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) { l.s.Errorw(msg, keysAndValues...) }
func (l leveledLogger) Info(msg string, keysAndValues ...interface{})  { l.s.Infow(msg, keysAndValues...) }
func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) { l.s.Debugw(msg, keysAndValues...) }
func (l leveledLogger) Warn(msg string, keysAndValues ...interface{})  { l.s.Warnw(msg, keysAndValues...) }
