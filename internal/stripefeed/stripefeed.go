package stripefeed

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/changeroom/billingcore/pkg/billing"
	"github.com/stripe/stripe-go/v76"
)

// ErrMissingUserRef is returned when a Stripe object carries no user_id in
// its metadata and cannot be attributed to a billing account.
var ErrMissingUserRef = errors.New("stripe object has no user_id metadata")

const metadataKeyUserID = "user_id"

// ActionKind enumerates what a Stripe event asks the billing core to do.
type ActionKind string

const (
	ActionGrant   ActionKind = "grant"
	ActionRefund  ActionKind = "refund"
	ActionSetPlan ActionKind = "set_plan"
	ActionFreeze  ActionKind = "freeze"
)

// Action is the billing-side interpretation of one Stripe event.
type Action struct {
	Kind            ActionKind
	UserID          string
	RequestID       string
	Credits         int64
	Plan            billing.Plan
	CustomerRef     string
	SubscriptionRef string
	Metadata        map[string]string
}

// Mapper translates Stripe webhook events into billing actions.
type Mapper struct {
	// ResolvePlan maps a Stripe price id to a plan. Unknown prices fall
	// back to the standard plan.
	ResolvePlan func(priceID string) (billing.Plan, bool)
	// CreditsForAmount converts a charged amount in the smallest currency
	// unit into credits.
	CreditsForAmount func(amountCents int64) int64
}

// NewMapper returns a Mapper with 1 credit per 100 cents and no price table.
func NewMapper() *Mapper {
	return &Mapper{
		ResolvePlan:      func(string) (billing.Plan, bool) { return "", false },
		CreditsForAmount: func(amountCents int64) int64 { return amountCents / 100 },
	}
}

// MapEvent interprets event. The second return is false for event types the
// billing core does not act on.
func (mapper *Mapper) MapEvent(event stripe.Event) (Action, bool, error) {
	switch event.Type {
	case "invoice.payment_succeeded":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return Action{}, false, fmt.Errorf("decode invoice: %w", err)
		}
		userID, err := userFromMetadata(invoice.Metadata)
		if err != nil {
			return Action{}, false, err
		}
		return Action{
			Kind:        ActionGrant,
			UserID:      userID,
			RequestID:   fmt.Sprintf("stripe:invoice:%s", invoice.ID),
			Credits:     mapper.CreditsForAmount(invoice.AmountPaid),
			CustomerRef: customerID(invoice.Customer),
			Metadata:    map[string]string{"stripe_invoice": invoice.ID},
		}, true, nil
	case "invoice.payment_failed":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return Action{}, false, fmt.Errorf("decode invoice: %w", err)
		}
		userID, err := userFromMetadata(invoice.Metadata)
		if err != nil {
			return Action{}, false, err
		}
		return Action{
			Kind:        ActionFreeze,
			UserID:      userID,
			CustomerRef: customerID(invoice.Customer),
		}, true, nil
	case "customer.subscription.created", "customer.subscription.updated":
		subscription, userID, err := decodeSubscription(event.Data.Raw)
		if err != nil {
			return Action{}, false, err
		}
		return Action{
			Kind:            ActionSetPlan,
			UserID:          userID,
			Plan:            mapper.planFromSubscription(subscription),
			CustomerRef:     customerID(subscription.Customer),
			SubscriptionRef: subscription.ID,
		}, true, nil
	case "customer.subscription.deleted":
		subscription, userID, err := decodeSubscription(event.Data.Raw)
		if err != nil {
			return Action{}, false, err
		}
		return Action{
			Kind:            ActionSetPlan,
			UserID:          userID,
			Plan:            billing.PlanFree,
			CustomerRef:     customerID(subscription.Customer),
			SubscriptionRef: subscription.ID,
		}, true, nil
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return Action{}, false, fmt.Errorf("decode charge: %w", err)
		}
		userID, err := userFromMetadata(charge.Metadata)
		if err != nil {
			return Action{}, false, err
		}
		return Action{
			Kind:      ActionRefund,
			UserID:    userID,
			RequestID: fmt.Sprintf("stripe:refund:%s", charge.ID),
			Credits:   mapper.CreditsForAmount(charge.AmountRefunded),
			Metadata:  map[string]string{"stripe_charge": charge.ID},
		}, true, nil
	default:
		return Action{}, false, nil
	}
}

func (mapper *Mapper) planFromSubscription(subscription stripe.Subscription) billing.Plan {
	if subscription.Items != nil {
		for _, item := range subscription.Items.Data {
			if item.Price == nil {
				continue
			}
			if plan, ok := mapper.ResolvePlan(item.Price.ID); ok {
				return plan
			}
		}
	}
	return billing.PlanStandard
}

func decodeSubscription(raw json.RawMessage) (stripe.Subscription, string, error) {
	var subscription stripe.Subscription
	if err := json.Unmarshal(raw, &subscription); err != nil {
		return stripe.Subscription{}, "", fmt.Errorf("decode subscription: %w", err)
	}
	userID, err := userFromMetadata(subscription.Metadata)
	if err != nil {
		return stripe.Subscription{}, "", err
	}
	return subscription, userID, nil
}

func userFromMetadata(metadata map[string]string) (string, error) {
	userID := metadata[metadataKeyUserID]
	if userID == "" {
		return "", ErrMissingUserRef
	}
	return userID, nil
}

func customerID(customer *stripe.Customer) string {
	if customer == nil {
		return ""
	}
	return customer.ID
}
