package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mmeshcher/storefront-settlement/internal/accurate"
	"github.com/mmeshcher/storefront-settlement/internal/events"
	"github.com/mmeshcher/storefront-settlement/internal/midtrans"
	"github.com/mmeshcher/storefront-settlement/internal/model"
	"github.com/mmeshcher/storefront-settlement/internal/repository"
)

// stubRepo хранит данные в памяти и повторяет транзакционные гарантии репозитория.
type stubRepo struct {
	mu sync.Mutex

	users     map[int64]*model.User
	products  map[int64]*model.Product
	rules     map[int64]model.DiscountRules
	orders    map[int64]*model.Order
	payments  map[int64]*model.Payment
	shipments map[string]int64
	mappings  map[string]model.PaymentMethodMapping
	unsynced  []repository.UnsyncedOrder
	nextID    int64
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		users:     map[int64]*model.User{},
		products:  map[int64]*model.Product{},
		rules:     map[int64]model.DiscountRules{},
		orders:    map[int64]*model.Order{},
		payments:  map[int64]*model.Payment{},
		shipments: map[string]int64{},
		mappings:  map[string]model.PaymentMethodMapping{},
	}
}

func (s *stubRepo) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *stubRepo) CreateUser(_ context.Context, u model.User) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return 0, repository.ErrUserExists
		}
	}
	u.ID = s.id()
	s.users[u.ID] = &u
	return u.ID, nil
}

func (s *stubRepo) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (s *stubRepo) GetUser(_ context.Context, id int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *stubRepo) SetDefaultDiscount(_ context.Context, userID int64, pct decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID].DefaultDiscountPercentage = pct
	return nil
}

func (s *stubRepo) SetCategoryDiscount(_ context.Context, userID, categoryID int64, pct decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rulesFor(userID)
	r.Category[categoryID] = pct
	return nil
}

func (s *stubRepo) SetProductDiscount(_ context.Context, userID, productID int64, pct decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rulesFor(userID)
	r.Product[productID] = pct
	return nil
}

func (s *stubRepo) rulesFor(userID int64) model.DiscountRules {
	r, ok := s.rules[userID]
	if !ok {
		r = model.DiscountRules{Product: map[int64]decimal.Decimal{}, Category: map[int64]decimal.Decimal{}}
		s.rules[userID] = r
	}
	return r
}

func (s *stubRepo) GetDiscountRules(_ context.Context, userID int64) (model.DiscountRules, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rulesFor(userID), nil
}

func (s *stubRepo) GetProduct(_ context.Context, id int64) (*model.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, repository.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *stubRepo) CreateOrder(ctx context.Context, draft repository.OrderDraft, planner repository.OrderPlanner) (*model.Order, *model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.orders {
		if o.OrderNumber == draft.OrderNumber {
			return nil, nil, repository.ErrOrderNumberTaken
		}
	}

	reserved := map[int64]int{}
	rollback := func() {
		for id, q := range reserved {
			s.products[id].Stock += q
		}
	}

	o := &model.Order{
		OrderNumber:       draft.OrderNumber,
		UserID:            draft.UserID,
		Status:            model.OrderStatusPending,
		ShippingAddress:   draft.ShippingAddress,
		DestinationAreaID: draft.DestinationAreaID,
		Courier:           draft.Courier,
		ShippingCost:      draft.ShippingCost,
		CreatedAt:         time.Now(),
	}
	for _, it := range draft.Items {
		p, ok := s.products[it.ProductID]
		if !ok {
			rollback()
			return nil, nil, repository.ErrProductNotFound
		}
		if p.Stock < it.Quantity {
			rollback()
			return nil, nil, repository.ErrInsufficientStock
		}
		p.Stock -= it.Quantity
		reserved[p.ID] += it.Quantity

		line := planner.PriceItem(*p, it.Quantity)
		line.ProductID = p.ID
		line.SKU = p.SKU
		line.Name = p.Name
		line.Quantity = it.Quantity
		o.Subtotal += line.Price * int64(line.Quantity)
		o.Items = append(o.Items, line)
	}

	if err := planner.Finalize(o); err != nil {
		rollback()
		return nil, nil, err
	}
	o.ID = s.id()

	pay, err := planner.Checkout(ctx, o)
	if err != nil {
		rollback()
		return nil, nil, err
	}
	pay.ID = s.id()
	pay.OrderID = o.ID

	s.orders[o.ID] = o
	s.payments[o.ID] = pay
	oc, pc := *o, *pay
	return &oc, &pc, nil
}

func (s *stubRepo) GetOrder(_ context.Context, id int64) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *stubRepo) GetOrderByNumber(_ context.Context, number string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.OrderNumber == number {
			cp := *o
			return &cp, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (s *stubRepo) FindOrderBySalesOrderNumber(_ context.Context, salesOrderNumber string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.AccurateSalesOrderNumber != nil && *o.AccurateSalesOrderNumber == salesOrderNumber {
			cp := *o
			return &cp, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (s *stubRepo) FindOrderByTrackingNumber(_ context.Context, trackingNumber string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.shipments[trackingNumber]
	if !ok {
		return nil, repository.ErrShipmentNotFound
	}
	cp := *s.orders[id]
	return &cp, nil
}

func (s *stubRepo) ListOrdersByUser(_ context.Context, userID int64) ([]model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			res = append(res, *o)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	return res, nil
}

func (s *stubRepo) GetPayment(_ context.Context, orderID int64) (*model.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *stubRepo) restockLocked(o *model.Order) {
	for _, it := range o.Items {
		if p, ok := s.products[it.ProductID]; ok {
			p.Stock += it.Quantity
		}
	}
}

func (s *stubRepo) TransitionOrderStatus(_ context.Context, orderID int64, to model.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || !model.CanTransition(o.Status, to) {
		return repository.ErrInvalidTransition
	}
	o.Status = to
	if to == model.OrderStatusCancelled {
		s.restockLocked(o)
	}
	return nil
}

func (s *stubRepo) ApplyPaymentUpdate(_ context.Context, orderID int64, upd repository.PaymentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if o.Status != model.OrderStatusPending {
		return repository.ErrInvalidTransition
	}
	if upd.OrderStatus != "" && upd.OrderStatus != model.OrderStatusPending {
		o.Status = upd.OrderStatus
		if upd.OrderStatus == model.OrderStatusCancelled {
			s.restockLocked(o)
		}
	}
	p := s.payments[orderID]
	p.Status = upd.PaymentStatus
	if upd.Method != "" {
		p.Method = upd.Method
	}
	if p.TransactionID == "" {
		p.TransactionID = upd.TransactionID
	}
	return nil
}

func (s *stubRepo) SettlePendingPayment(_ context.Context, orderID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[orderID]
	if !ok || p.Status != model.PaymentStatusPending {
		return false, nil
	}
	p.Status = model.PaymentStatusSuccess
	return true, nil
}

func (s *stubRepo) SetSalesOrderNumber(_ context.Context, orderID int64, salesOrderNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	o.AccurateSalesOrderNumber = &salesOrderNumber
	return nil
}

func (s *stubRepo) ConfirmByLedgerInvoice(_ context.Context, orderID int64, invoiceNumber string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[orderID]
	if o.AccurateSalesInvoiceNumber == nil {
		o.AccurateSalesInvoiceNumber = &invoiceNumber
	}
	if o.Status != model.OrderStatusPending {
		return false, nil
	}
	o.Status = model.OrderStatusProcessing
	return true, nil
}

func (s *stubRepo) CreateShipment(_ context.Context, sh model.Shipment) (*model.Shipment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[sh.OrderID]
	if o.Status != model.OrderStatusProcessing {
		return nil, repository.ErrInvalidTransition
	}
	if _, taken := s.shipments[sh.TrackingNumber]; taken {
		return nil, repository.ErrInvalidTransition
	}
	o.Status = model.OrderStatusShipped
	sh.ID = s.id()
	s.shipments[sh.TrackingNumber] = sh.OrderID
	return &sh, nil
}

func (s *stubRepo) ListExpiredPending(_ context.Context, before time.Time, limit int) ([]int64, error) {
	return s.listWhere(limit, func(o *model.Order) bool {
		return o.Status == model.OrderStatusPending && o.CreatedAt.Before(before)
	}), nil
}

func (s *stubRepo) ListDeliveredBefore(_ context.Context, before time.Time, limit int) ([]int64, error) {
	return s.listWhere(limit, func(o *model.Order) bool {
		return o.Status == model.OrderStatusDelivered && o.UpdatedAt.Before(before)
	}), nil
}

func (s *stubRepo) listWhere(limit int, match func(*model.Order) bool) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, o := range s.orders {
		if match(o) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func (s *stubRepo) ListUnsyncedPaid(context.Context, time.Time, int) ([]repository.UnsyncedOrder, error) {
	return s.unsynced, nil
}

func (s *stubRepo) SavePaymentMethodMapping(_ context.Context, m model.PaymentMethodMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[m.PaymentMethodKey] = m
	return nil
}

type stubGateway struct {
	key      string
	err      error
	requests []midtrans.SessionRequest
}

func (g *stubGateway) CreateSession(_ context.Context, req midtrans.SessionRequest) (*midtrans.Session, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return &midtrans.Session{Token: "tok-" + req.OrderNumber, RedirectURL: "https://pay.example/" + req.OrderNumber}, nil
}

func (g *stubGateway) ServerKey() string { return g.key }

type stubLedger struct {
	invoices map[string]*accurate.InvoiceDetail
	receipts map[string]*accurate.ReceiptDetail
}

func (l *stubLedger) FindSalesInvoice(_ context.Context, number string) (*accurate.InvoiceDetail, error) {
	if inv, ok := l.invoices[number]; ok {
		return inv, nil
	}
	return nil, accurate.ErrNotFound
}

func (l *stubLedger) FindSalesReceipt(_ context.Context, number string) (*accurate.ReceiptDetail, error) {
	if r, ok := l.receipts[number]; ok {
		return r, nil
	}
	return nil, accurate.ErrNotFound
}

type enqueued struct {
	orderID int64
	number  string
	method  string
}

type stubJobs struct {
	mu      sync.Mutex
	syncs   []enqueued
	catalog int
	err     error
}

func (j *stubJobs) EnqueueLedgerSync(_ context.Context, orderID int64, number, method string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.syncs = append(j.syncs, enqueued{orderID: orderID, number: number, method: method})
	return nil
}

func (j *stubJobs) EnqueueCatalogPull(context.Context) error {
	j.catalog++
	return j.err
}

func (j *stubJobs) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.syncs)
}

type stubCustomers struct {
	email    string
	category int64
}

func (c *stubCustomers) UpdateCustomerCategory(_ context.Context, email string, categoryID int64) error {
	c.email = email
	c.category = categoryID
	return nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.StatusChanged
}

func (p *capturePublisher) StatusChanged(_ context.Context, ev events.StatusChanged) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

type fixture struct {
	svc       *Service
	repo      *stubRepo
	gateway   *stubGateway
	ledger    *stubLedger
	jobs      *stubJobs
	customers *stubCustomers
	events    *capturePublisher
	logs      *observer.ObservedLogs
}

const testServerKey = "SB-Mid-server-test"

func newFixture(opts Options) *fixture {
	f := &fixture{
		repo:      newStubRepo(),
		gateway:   &stubGateway{key: testServerKey},
		ledger:    &stubLedger{invoices: map[string]*accurate.InvoiceDetail{}, receipts: map[string]*accurate.ReceiptDetail{}},
		jobs:      &stubJobs{},
		customers: &stubCustomers{},
		events:    &capturePublisher{},
	}
	core, logs := observer.New(zap.InfoLevel)
	f.logs = logs
	f.svc = NewService(Deps{
		Repo:      f.repo,
		Gateway:   f.gateway,
		Ledger:    f.ledger,
		Customers: f.customers,
		Jobs:      f.jobs,
		Events:    f.events,
		Logger:    zap.New(core),
	}, opts)
	return f
}

func (f *fixture) addUser(email string) int64 {
	id, _ := f.repo.CreateUser(context.Background(), model.User{Email: email, Name: "Budi", Role: model.RoleMember})
	return id
}

func (f *fixture) addProduct(p model.Product) {
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	cp := p
	f.repo.products[p.ID] = &cp
}

func (f *fixture) stock(id int64) int {
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	return f.repo.products[id].Stock
}
