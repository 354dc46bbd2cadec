// Package events publishes domain events about orders and payments.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Routing keys.
const (
	OrderCreated       = "order.created"
	OrderStatusChanged = "order.status_changed"
	OrderOverdue       = "order.overdue"
	OrderCompleted     = "order.completed"
	OrderCanceled      = "order.canceled"
	PaymentConfirmed   = "payment.confirmed"
	PaymentFailed      = "payment.failed"
	RefundIssued       = "payment.refund_issued"
	TransferIssued     = "payment.transfer_issued"
	DisputeResolved    = "payment.dispute_resolved"
	ComplaintOpened    = "complaint.opened"
)

type OrderEvent struct {
	OrderID    string    `json:"order_id"`
	ActionType string    `json:"action_type"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to"`
	At         time.Time `json:"at"`
}

type PaymentEvent struct {
	PaymentID string    `json:"payment_id"`
	OrderID   string    `json:"order_id,omitempty"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency,omitempty"`
	Reference string    `json:"reference,omitempty"`
	At        time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, key string, payload any) error
	Close() error
}

type Options struct {
	Backend   string // rabbitmq, kafka or log
	RabbitURL string
	Exchange  string
	Brokers   []string
	Topic     string
}

// New builds the publisher for the configured backend.
func New(opts Options) (Publisher, error) {
	switch opts.Backend {
	case "rabbitmq":
		return NewRabbit(opts.RabbitURL, opts.Exchange)
	case "kafka":
		return NewKafka(opts.Brokers, opts.Topic)
	case "", "log":
		return LogPublisher{}, nil
	default:
		return nil, fmt.Errorf("unknown events backend %q", opts.Backend)
	}
}

// Emit publishes and logs failures instead of returning them. Events are
// notifications; a broker outage must not fail the business operation.
func Emit(ctx context.Context, p Publisher, key string, payload any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, key, payload); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("event publish failed")
	}
}

type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, key string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	log.Info().Str("key", key).RawJSON("payload", b).Msg("event")
	return nil
}

func (LogPublisher) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

type Recorded struct {
	Key     string
	Payload any
}

func (r *Recorder) Publish(_ context.Context, key string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Key: key, Payload: payload})
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Key
	}
	return out
}

func (r *Recorder) Count(key string) int {
	n := 0
	for _, k := range r.Keys() {
		if k == key {
			n++
		}
	}
	return n
}
