// Package model содержит доменные сущности сервиса витрины и расчётов.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role определяет роль пользователя.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleReseller Role = "RESELLER"
	RoleMember   Role = "MEMBER"
)

// User представляет покупателя или администратора. Email служит ключом клиента в учётной системе.
type User struct {
	ID                        int64
	Email                     string
	Name                      string
	PasswordHash              []byte
	Role                      Role
	DefaultDiscountPercentage decimal.Decimal
	CreatedAt                 time.Time
}

// Product описывает товар каталога. Цена и остаток приходят из ERP.
type Product struct {
	ID         int64
	SKU        string
	Name       string
	Price      int64
	Stock      int
	CategoryID *int64
	BrandID    *int64
	UpdatedAt  time.Time
}

// DiscountRules содержит персональные скидки пользователя по товарам и категориям.
type DiscountRules struct {
	Product  map[int64]decimal.Decimal
	Category map[int64]decimal.Decimal
}

// PaymentStatus описывает статус оплаты заказа.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusSuccess PaymentStatus = "SUCCESS"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

// PaymentClass задаёт группу способов оплаты, которую покупатель выбрал на витрине.
type PaymentClass string

const (
	PaymentClassCreditCard   PaymentClass = "CREDIT_CARD"
	PaymentClassBankTransfer PaymentClass = "BANK_TRANSFER"
	PaymentClassEWallet      PaymentClass = "EWALLET"
)

// Valid сообщает, поддерживается ли класс оплаты.
func (c PaymentClass) Valid() bool {
	switch c {
	case PaymentClassCreditCard, PaymentClassBankTransfer, PaymentClassEWallet:
		return true
	}
	return false
}

// Order описывает заказ. TotalAmount фиксируется при создании и совпадает с суммой в платёжном шлюзе.
type Order struct {
	ID                         int64
	OrderNumber                string
	UserID                     int64
	Subtotal                   int64
	DiscountAmount             int64
	TaxAmount                  int64
	ShippingCost               int64
	AdminFee                   int64
	TotalAmount                int64
	Status                     OrderStatus
	ShippingAddress            string
	DestinationAreaID          string
	Courier                    string
	AccurateSalesOrderNumber   *string
	AccurateSalesInvoiceNumber *string
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
	Items                      []OrderItem
}

// OrderItem хранит снимок цены на момент заказа; Price уже учитывает скидку покупателя.
type OrderItem struct {
	ID                 int64
	OrderID            int64
	ProductID          int64
	SKU                string
	Name               string
	Quantity           int
	Price              int64
	OriginalPrice      int64
	DiscountPercentage decimal.Decimal
}

// Payment описывает платёжную сессию заказа в шлюзе.
type Payment struct {
	ID            int64
	OrderID       int64
	Amount        int64
	Method        string
	Class         PaymentClass
	Status        PaymentStatus
	TransactionID string
	RedirectURL   string
	UpdatedAt     time.Time
}

// Shipment описывает отправку заказа перевозчиком.
type Shipment struct {
	ID             int64
	OrderID        int64
	Courier        string
	TrackingNumber string
	ShippingCost   int64
	CreatedAt      time.Time
}

// PaymentMethodMapping связывает канал оплаты шлюза (например, bca_va) со счётом в учётной системе.
type PaymentMethodMapping struct {
	PaymentMethodKey string
	BankAccountNo    string
	BankAccountName  string
}

// LedgerSession хранит OAuth-токены и выбранную базу данных учётной системы.
type LedgerSession struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	DatabaseID   int64
	Host         string
	SessionID    string
	BranchName   string
	UpdatedAt    time.Time
}

// DatabaseOpened сообщает, выбрана ли рабочая база данных.
func (s *LedgerSession) DatabaseOpened() bool {
	return s != nil && s.Host != "" && s.SessionID != ""
}

// LedgerSyncStatus описывает стадию выгрузки заказа в учётную систему.
type LedgerSyncStatus string

const (
	LedgerSyncInProgress LedgerSyncStatus = "IN_PROGRESS"
	LedgerSyncFailed     LedgerSyncStatus = "FAILED"
	LedgerSyncInvoiced   LedgerSyncStatus = "INVOICED"
	LedgerSyncCompleted  LedgerSyncStatus = "COMPLETED"
)

// LedgerSync хранит запись идемпотентности выгрузки заказа. Fresh означает, что запись создана текущей попыткой.
type LedgerSync struct {
	OrderID       int64
	Status        LedgerSyncStatus
	InvoiceNumber *string
	ReceiptNumber *string
	Attempts      int
	LastError     string
	Fresh         bool
}
