package stripefeed

import (
	"context"
	"fmt"

	"github.com/changeroom/billingcore/internal/reconcile"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
)

// paymentIterator is the slice of *paymentintent.Iter the source consumes.
type paymentIterator interface {
	Next() bool
	Err() error
	PaymentIntent() *stripe.PaymentIntent
}

// PaymentIntentSource streams succeeded Stripe payment intents as
// reconciliation records. Intents without user attribution are skipped; a
// reconcile run cannot invent accounts for anonymous payments.
type PaymentIntentSource struct {
	iter    paymentIterator
	mapper  *Mapper
	skipped int
}

// NewPaymentIntentSource lists payment intents with the given params. A nil
// mapper falls back to the default credit conversion.
func NewPaymentIntentSource(params *stripe.PaymentIntentListParams, mapper *Mapper) *PaymentIntentSource {
	if params == nil {
		params = &stripe.PaymentIntentListParams{}
	}
	return newPaymentIntentSource(paymentintent.List(params), mapper)
}

func newPaymentIntentSource(iter paymentIterator, mapper *Mapper) *PaymentIntentSource {
	if mapper == nil {
		mapper = NewMapper()
	}
	return &PaymentIntentSource{iter: iter, mapper: mapper}
}

// Next advances to the next attributable succeeded payment intent.
func (source *PaymentIntentSource) Next(ctx context.Context) (reconcile.PaymentRecord, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return reconcile.PaymentRecord{}, false, err
		}
		if !source.iter.Next() {
			if err := source.iter.Err(); err != nil {
				return reconcile.PaymentRecord{}, false, fmt.Errorf("list payment intents: %w", err)
			}
			return reconcile.PaymentRecord{}, false, nil
		}
		intent := source.iter.PaymentIntent()
		if intent == nil || intent.Status != stripe.PaymentIntentStatusSucceeded {
			continue
		}
		userID := intent.Metadata[metadataKeyUserID]
		if userID == "" {
			source.skipped++
			continue
		}
		return reconcile.PaymentRecord{
			UserID:    userID,
			RequestID: fmt.Sprintf("stripe:payment_intent:%s", intent.ID),
			Credits:   source.mapper.CreditsForAmount(intent.AmountReceived),
			Metadata:  map[string]string{"stripe_payment_intent": intent.ID},
		}, true, nil
	}
}

// Skipped reports how many succeeded intents had no user attribution.
func (source *PaymentIntentSource) Skipped() int {
	return source.skipped
}
