// Package payments defines the payment processor contract used by the
// settlement workflow, with a Stripe implementation and an in-memory fake.
package payments

import (
	"context"
	"errors"
)

const (
	EventIntentSucceeded         = "payment_intent.succeeded"
	EventIntentFailed            = "payment_intent.payment_failed"
	EventIntentCapturableUpdated = "payment_intent.amount_capturable_updated"
	EventChargeRefunded          = "charge.refunded"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// ProcessorError carries the processor's own message so it can be shown to the caller.
type ProcessorError struct {
	Code string
	Msg  string
}

func (e *ProcessorError) Error() string {
	if e.Code == "" {
		return e.Msg
	}
	return e.Code + ": " + e.Msg
}

type Intent struct {
	ID           string
	Status       string
	ClientSecret string
	Amount       int64
	Currency     string
	Metadata     map[string]string
}

type IntentParams struct {
	Amount         int64
	Currency       string
	ManualCapture  bool
	Metadata       map[string]string
	IdempotencyKey string
}

type RefundParams struct {
	PaymentIntentID string
	Amount          int64 // zero refunds the full remaining charge
	Reason          string
	IdempotencyKey  string
}

type Refund struct {
	ID              string `json:"id"`
	PaymentIntentID string `json:"payment_intent"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
}

type TransferParams struct {
	Amount         int64
	Currency       string
	Destination    string
	TransferGroup  string
	IdempotencyKey string
}

type Transfer struct {
	ID     string
	Amount int64
	Status string
}

// Event is a verified webhook delivery reduced to the fields the
// settlement workflow reads.
type Event struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	IntentID string            `json:"intent_id"`
	Status   string            `json:"status,omitempty"`
	Amount   int64             `json:"amount,omitempty"`
	Currency string            `json:"currency,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Refunds  []Refund          `json:"refunds,omitempty"`
}

type Processor interface {
	CreateIntent(ctx context.Context, p IntentParams) (*Intent, error)
	GetIntent(ctx context.Context, id string) (*Intent, error)
	CaptureIntent(ctx context.Context, id string) (*Intent, error)
	CancelIntent(ctx context.Context, id string) (*Intent, error)
	Refund(ctx context.Context, p RefundParams) (*Refund, error)
	Transfer(ctx context.Context, p TransferParams) (*Transfer, error)
	ParseWebhook(payload []byte, signature string) (*Event, error)
}
