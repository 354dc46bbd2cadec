package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

type StripeProcessor struct {
	api           *client.API
	webhookSecret string
}

func NewStripe(secretKey, webhookSecret string) *StripeProcessor {
	return &StripeProcessor{
		api:           client.New(secretKey, nil),
		webhookSecret: webhookSecret,
	}
}

func (s *StripeProcessor) CreateIntent(ctx context.Context, p IntentParams) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(p.Amount),
		Currency:           stripe.String(p.Currency),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	if p.ManualCapture {
		params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, wrapStripe(err)
	}
	log.Info().Str("intent", pi.ID).Int64("amount", pi.Amount).Msg("stripe intent created")
	return intentFromStripe(pi), nil
}

func (s *StripeProcessor) GetIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, wrapStripe(err)
	}
	return intentFromStripe(pi), nil
}

func (s *StripeProcessor) CaptureIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Capture(id, params)
	if err != nil {
		return nil, wrapStripe(err)
	}
	return intentFromStripe(pi), nil
}

func (s *StripeProcessor) CancelIntent(ctx context.Context, id string) (*Intent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Cancel(id, params)
	if err != nil {
		return nil, wrapStripe(err)
	}
	return intentFromStripe(pi), nil
}

func (s *StripeProcessor) Refund(ctx context.Context, p RefundParams) (*Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(p.PaymentIntentID),
	}
	if p.Amount > 0 {
		params.Amount = stripe.Int64(p.Amount)
	}
	if p.Reason != "" {
		// Stripe only accepts its own reason codes, keep ours in metadata.
		params.AddMetadata("reason", p.Reason)
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, wrapStripe(err)
	}
	log.Info().Str("refund", r.ID).Str("intent", p.PaymentIntentID).Int64("amount", r.Amount).Msg("stripe refund created")
	out := refundFromStripe(r)
	out.PaymentIntentID = p.PaymentIntentID
	if out.Reason == "" {
		out.Reason = p.Reason
	}
	return out, nil
}

func (s *StripeProcessor) Transfer(ctx context.Context, p TransferParams) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(p.Amount),
		Currency:    stripe.String(p.Currency),
		Destination: stripe.String(p.Destination),
	}
	if p.TransferGroup != "" {
		params.TransferGroup = stripe.String(p.TransferGroup)
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return nil, wrapStripe(err)
	}
	status := "paid"
	if tr.Reversed {
		status = "reversed"
	}
	log.Info().Str("transfer", tr.ID).Str("destination", p.Destination).Int64("amount", tr.Amount).Msg("stripe transfer created")
	return &Transfer{ID: tr.ID, Amount: tr.Amount, Status: status}, nil
}

func (s *StripeProcessor) ParseWebhook(payload []byte, signature string) (*Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Event{ID: evt.ID, Type: string(evt.Type)}
	if evt.Data == nil {
		return out, nil
	}

	switch out.Type {
	case EventIntentSucceeded, EventIntentFailed, EventIntentCapturableUpdated:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.IntentID = pi.ID
		out.Status = string(pi.Status)
		out.Amount = pi.Amount
		out.Currency = string(pi.Currency)
		out.Metadata = pi.Metadata
	case EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		if ch.PaymentIntent != nil {
			out.IntentID = ch.PaymentIntent.ID
		}
		out.Amount = ch.AmountRefunded
		out.Currency = string(ch.Currency)
		if ch.Refunds != nil {
			for _, r := range ch.Refunds.Data {
				rf := refundFromStripe(r)
				rf.PaymentIntentID = out.IntentID
				out.Refunds = append(out.Refunds, *rf)
			}
		}
	}
	return out, nil
}

func intentFromStripe(pi *stripe.PaymentIntent) *Intent {
	return &Intent{
		ID:           pi.ID,
		Status:       string(pi.Status),
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Metadata:     pi.Metadata,
	}
}

func refundFromStripe(r *stripe.Refund) *Refund {
	out := &Refund{
		ID:       r.ID,
		Amount:   r.Amount,
		Currency: string(r.Currency),
		Status:   string(r.Status),
		Reason:   string(r.Reason),
	}
	if r.Metadata != nil && r.Metadata["reason"] != "" {
		out.Reason = r.Metadata["reason"]
	}
	return out
}

func wrapStripe(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return &ProcessorError{Code: string(se.Code), Msg: se.Msg}
	}
	return &ProcessorError{Msg: err.Error()}
}
