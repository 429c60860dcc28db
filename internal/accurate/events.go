package accurate

import (
	"encoding/json"
	"fmt"
)

// Типы событий веб-хука учётной системы.
const (
	EventSalesInvoice = "SALES_INVOICE"
	EventSalesReceipt = "SALES_RECEIPT"
)

// Event представляет событие веб-хука. Реализации: SalesInvoiceEvent, SalesReceiptEvent, UnknownEvent.
type Event interface {
	eventType() string
}

// DocumentRef указывает на документ из события.
type DocumentRef struct {
	Number string
	Action string
}

// Deleted сообщает, что событие об удалении документа.
func (d DocumentRef) Deleted() bool {
	return d.Action == "DELETE"
}

// SalesInvoiceEvent сообщает о создании или изменении счетов.
type SalesInvoiceEvent struct {
	Invoices []DocumentRef
}

// SalesReceiptEvent сообщает о создании или изменении поступлений оплаты.
type SalesReceiptEvent struct {
	Receipts []DocumentRef
}

// UnknownEvent содержит событие неподдерживаемого типа.
type UnknownEvent struct {
	Type string
}

func (SalesInvoiceEvent) eventType() string { return EventSalesInvoice }
func (SalesReceiptEvent) eventType() string { return EventSalesReceipt }
func (e UnknownEvent) eventType() string    { return e.Type }

type rawEvent struct {
	Type string            `json:"type"`
	Data []json.RawMessage `json:"data"`
}

type rawDocument struct {
	SalesInvoiceNo string `json:"salesInvoiceNo"`
	SalesReceiptNo string `json:"salesReceiptNo"`
	Number         string `json:"number"`
	Action         string `json:"action"`
}

// ParseEvent разбирает тело веб-хука. Учётная система присылает как один объект, так и массив событий.
func ParseEvent(body []byte) ([]Event, error) {
	var batch []rawEvent
	if err := json.Unmarshal(body, &batch); err != nil {
		var single rawEvent
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, fmt.Errorf("decode ledger event: %w", err)
		}
		batch = []rawEvent{single}
	}

	events := make([]Event, 0, len(batch))
	for _, re := range batch {
		switch re.Type {
		case EventSalesInvoice:
			refs, err := parseRefs(re.Data, func(d rawDocument) string { return d.SalesInvoiceNo })
			if err != nil {
				return nil, err
			}
			events = append(events, SalesInvoiceEvent{Invoices: refs})
		case EventSalesReceipt:
			refs, err := parseRefs(re.Data, func(d rawDocument) string { return d.SalesReceiptNo })
			if err != nil {
				return nil, err
			}
			events = append(events, SalesReceiptEvent{Receipts: refs})
		default:
			events = append(events, UnknownEvent{Type: re.Type})
		}
	}
	return events, nil
}

func parseRefs(data []json.RawMessage, number func(rawDocument) string) ([]DocumentRef, error) {
	refs := make([]DocumentRef, 0, len(data))
	for _, raw := range data {
		var d rawDocument
		if err := json.Unmarshal(raw, &d); err != nil {
			var plain string
			if err := json.Unmarshal(raw, &plain); err != nil {
				return nil, fmt.Errorf("decode ledger event item: %w", err)
			}
			refs = append(refs, DocumentRef{Number: plain})
			continue
		}

		n := number(d)
		if n == "" {
			n = d.Number
		}
		if n == "" {
			continue
		}
		refs = append(refs, DocumentRef{Number: n, Action: d.Action})
	}
	return refs, nil
}
