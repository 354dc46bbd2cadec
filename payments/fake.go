package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Fake is an in-memory Processor used by tests and the local mock provider.
// Webhook payloads are Event values encoded as JSON, signed by sending the
// configured secret verbatim as the signature.
type Fake struct {
	mu sync.Mutex

	// AutoSucceed makes new intents start in the succeeded state.
	AutoSucceed bool
	Secret      string

	seq       int
	intents   map[string]*Intent
	byKey     map[string]string
	refunded  map[string]int64
	refunds   []Refund
	transfers []TransferParams
	failNext  error
}

func NewFake() *Fake {
	return &Fake{
		Secret:   "whsec_test",
		intents:  make(map[string]*Intent),
		byKey:    make(map[string]string),
		refunded: make(map[string]int64),
	}
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_fake_%d", prefix, f.seq)
}

// FailNext makes the next processor call return err.
func (f *Fake) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

func (f *Fake) takeFailure() error {
	err := f.failNext
	f.failNext = nil
	return err
}

// SetStatus forces the state of an existing intent.
func (f *Fake) SetStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pi, ok := f.intents[id]; ok {
		pi.Status = status
	}
}

// AddIntent registers an intent created outside CreateIntent.
func (f *Fake) AddIntent(pi Intent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := pi
	f.intents[pi.ID] = &cp
}

func (f *Fake) Transfers() []TransferParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TransferParams(nil), f.transfers...)
}

func (f *Fake) Refunds() []Refund {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Refund(nil), f.refunds...)
}

func (f *Fake) CreateIntent(_ context.Context, p IntentParams) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	// A replayed key returns the intent it created, like Stripe does.
	if id, ok := f.byKey[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		cp := *f.intents[id]
		return &cp, nil
	}

	status := "requires_payment_method"
	if f.AutoSucceed {
		status = "succeeded"
	}
	id := f.nextID("pi")
	meta := make(map[string]string, len(p.Metadata))
	for k, v := range p.Metadata {
		meta[k] = v
	}
	pi := &Intent{
		ID:           id,
		Status:       status,
		ClientSecret: id + "_secret",
		Amount:       p.Amount,
		Currency:     p.Currency,
		Metadata:     meta,
	}
	f.intents[id] = pi
	if p.IdempotencyKey != "" {
		f.byKey[p.IdempotencyKey] = id
	}
	cp := *pi
	return &cp, nil
}

func (f *Fake) GetIntent(_ context.Context, id string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	pi, ok := f.intents[id]
	if !ok {
		return nil, &ProcessorError{Code: "resource_missing", Msg: "No such payment_intent: " + id}
	}
	cp := *pi
	return &cp, nil
}

func (f *Fake) CaptureIntent(_ context.Context, id string) (*Intent, error) {
	return f.move(id, "requires_capture", "succeeded")
}

func (f *Fake) CancelIntent(_ context.Context, id string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	pi, ok := f.intents[id]
	if !ok {
		return nil, &ProcessorError{Code: "resource_missing", Msg: "No such payment_intent: " + id}
	}
	if pi.Status == "succeeded" || pi.Status == "canceled" {
		return nil, &ProcessorError{Code: "payment_intent_unexpected_state", Msg: "cannot cancel intent in status " + pi.Status}
	}
	pi.Status = "canceled"
	cp := *pi
	return &cp, nil
}

func (f *Fake) move(id, from, to string) (*Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	pi, ok := f.intents[id]
	if !ok {
		return nil, &ProcessorError{Code: "resource_missing", Msg: "No such payment_intent: " + id}
	}
	if pi.Status != from {
		return nil, &ProcessorError{Code: "payment_intent_unexpected_state", Msg: fmt.Sprintf("intent is %s, expected %s", pi.Status, from)}
	}
	pi.Status = to
	cp := *pi
	return &cp, nil
}

func (f *Fake) Refund(_ context.Context, p RefundParams) (*Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	pi, ok := f.intents[p.PaymentIntentID]
	if !ok {
		return nil, &ProcessorError{Code: "resource_missing", Msg: "No such payment_intent: " + p.PaymentIntentID}
	}
	remaining := pi.Amount - f.refunded[pi.ID]
	amount := p.Amount
	if amount == 0 {
		amount = remaining
	}
	if amount > remaining {
		return nil, &ProcessorError{Code: "amount_too_large", Msg: "refund exceeds remaining charge"}
	}
	f.refunded[pi.ID] += amount
	r := Refund{
		ID:              f.nextID("re"),
		PaymentIntentID: pi.ID,
		Amount:          amount,
		Currency:        pi.Currency,
		Status:          "succeeded",
		Reason:          p.Reason,
	}
	f.refunds = append(f.refunds, r)
	return &r, nil
}

func (f *Fake) Transfer(_ context.Context, p TransferParams) (*Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	if p.Destination == "" {
		return nil, &ProcessorError{Code: "parameter_missing", Msg: "destination is required"}
	}
	f.transfers = append(f.transfers, p)
	return &Transfer{ID: f.nextID("tr"), Amount: p.Amount, Status: "paid"}, nil
}

func (f *Fake) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if signature != f.Secret {
		return nil, ErrInvalidSignature
	}
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &evt, nil
}
