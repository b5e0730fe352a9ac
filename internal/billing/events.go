package billing

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind is the closed set of provider notifications the reconciler
// understands. Anything else decodes to KindUnknown and is ignored.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindSubscriptionCreated
	KindSubscriptionUpdated
	KindSubscriptionDeleted
	KindInvoiceSucceeded
	KindInvoiceFailed
)

func (k EventKind) String() string {
	switch k {
	case KindSubscriptionCreated:
		return "subscription.created"
	case KindSubscriptionUpdated:
		return "subscription.updated"
	case KindSubscriptionDeleted:
		return "subscription.deleted"
	case KindInvoiceSucceeded:
		return "invoice.succeeded"
	case KindInvoiceFailed:
		return "invoice.failed"
	default:
		return "unknown"
	}
}

// Event is a provider notification decoded once at the boundary. The
// reconciler's state machine operates on this value, never on raw JSON.
type Event struct {
	ID             string
	Kind           EventKind
	WireType       string // provider's event type string, kept for logging
	UserID         string // correlation ID from subscription metadata
	CustomerID     string
	SubscriptionID string
	PriceID        string
	Status         string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// wireEnvelope is the provider's outer event shape.
type wireEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object wireObject `json:"object"`
	} `json:"data"`
}

// wireObject covers both subscription and invoice payloads; unused fields
// are simply absent.
type wireObject struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"` // invoice events only
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata"`
	Items        struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Lines struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"lines"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
}

// DecodeEvent parses a raw webhook payload into an Event.
func DecodeEvent(payload []byte) (*Event, error) {
	var env wireEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	obj := env.Data.Object
	ev := &Event{
		ID:         env.ID,
		Kind:       kindForType(env.Type),
		WireType:   env.Type,
		UserID:     obj.Metadata["userId"],
		CustomerID: obj.Customer,
		Status:     obj.Status,
	}

	// Subscription events carry the subscription as the object itself;
	// invoice events reference it by ID.
	ev.SubscriptionID = obj.ID
	if obj.Subscription != "" {
		ev.SubscriptionID = obj.Subscription
	}

	if len(obj.Items.Data) > 0 {
		ev.PriceID = obj.Items.Data[0].Price.ID
	} else if len(obj.Lines.Data) > 0 {
		ev.PriceID = obj.Lines.Data[0].Price.ID
	}

	if obj.CurrentPeriodStart > 0 {
		ev.PeriodStart = time.Unix(obj.CurrentPeriodStart, 0)
	}
	if obj.CurrentPeriodEnd > 0 {
		ev.PeriodEnd = time.Unix(obj.CurrentPeriodEnd, 0)
	}

	return ev, nil
}

func kindForType(t string) EventKind {
	switch t {
	case "customer.subscription.created":
		return KindSubscriptionCreated
	case "customer.subscription.updated":
		return KindSubscriptionUpdated
	case "customer.subscription.deleted":
		return KindSubscriptionDeleted
	case "invoice.payment_succeeded":
		return KindInvoiceSucceeded
	case "invoice.payment_failed":
		return KindInvoiceFailed
	default:
		return KindUnknown
	}
}
