package stripefeed

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/changeroom/billingcore/pkg/billing"
	"github.com/stripe/stripe-go/v76"
)

func eventWithRaw(eventType string, raw string) stripe.Event {
	return stripe.Event{
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: json.RawMessage(raw)},
	}
}

func mapperWithPlans() *Mapper {
	mapper := NewMapper()
	mapper.ResolvePlan = func(priceID string) (billing.Plan, bool) {
		switch priceID {
		case "price_standard":
			return billing.PlanStandard, true
		case "price_pro":
			return billing.PlanPro, true
		default:
			return "", false
		}
	}
	return mapper
}

func TestMapEventInvoicePaidProducesGrant(test *testing.T) {
	test.Parallel()
	event := eventWithRaw("invoice.payment_succeeded", `{
		"id": "in_100",
		"amount_paid": 2500,
		"customer": {"id": "cus_9"},
		"metadata": {"user_id": "user-7"}
	}`)

	action, handled, err := NewMapper().MapEvent(event)
	if err != nil {
		test.Fatalf("map event: %v", err)
	}
	if !handled {
		test.Fatalf("expected event to be handled")
	}
	if action.Kind != ActionGrant {
		test.Fatalf("expected grant action, got %s", action.Kind)
	}
	if action.UserID != "user-7" || action.RequestID != "stripe:invoice:in_100" {
		test.Fatalf("unexpected attribution: %+v", action)
	}
	if action.Credits != 25 {
		test.Fatalf("expected 25 credits for 2500 cents, got %d", action.Credits)
	}
	if action.CustomerRef != "cus_9" {
		test.Fatalf("customer ref lost: %+v", action)
	}
}

func TestMapEventSubscriptionUpdateResolvesPlan(test *testing.T) {
	test.Parallel()
	event := eventWithRaw("customer.subscription.updated", `{
		"id": "sub_55",
		"customer": {"id": "cus_9"},
		"metadata": {"user_id": "user-7"},
		"items": {"data": [{"price": {"id": "price_pro"}}]}
	}`)

	action, handled, err := mapperWithPlans().MapEvent(event)
	if err != nil {
		test.Fatalf("map event: %v", err)
	}
	if !handled || action.Kind != ActionSetPlan {
		test.Fatalf("expected set_plan action, got handled=%v %+v", handled, action)
	}
	if action.Plan != billing.PlanPro {
		test.Fatalf("expected pro plan, got %s", action.Plan)
	}
	if action.SubscriptionRef != "sub_55" {
		test.Fatalf("subscription ref lost: %+v", action)
	}
}

func TestMapEventUnknownPriceFallsBackToStandard(test *testing.T) {
	test.Parallel()
	event := eventWithRaw("customer.subscription.created", `{
		"id": "sub_56",
		"metadata": {"user_id": "user-7"},
		"items": {"data": [{"price": {"id": "price_unknown"}}]}
	}`)

	action, _, err := mapperWithPlans().MapEvent(event)
	if err != nil {
		test.Fatalf("map event: %v", err)
	}
	if action.Plan != billing.PlanStandard {
		test.Fatalf("expected standard fallback, got %s", action.Plan)
	}
}

func TestMapEventSubscriptionDeletedDowngrades(test *testing.T) {
	test.Parallel()
	event := eventWithRaw("customer.subscription.deleted", `{
		"id": "sub_57",
		"metadata": {"user_id": "user-7"}
	}`)

	action, handled, err := mapperWithPlans().MapEvent(event)
	if err != nil {
		test.Fatalf("map event: %v", err)
	}
	if !handled || action.Kind != ActionSetPlan || action.Plan != billing.PlanFree {
		test.Fatalf("expected downgrade to free, got handled=%v %+v", handled, action)
	}
}

func TestMapEventPaymentFailedFreezes(test *testing.T) {
	test.Parallel()
	event := eventWithRaw("invoice.payment_failed", `{
		"id": "in_101",
		"metadata": {"user_id": "user-7"}
	}`)

	action, handled, err := NewMapper().MapEvent(event)
	if err != nil {
		test.Fatalf("map event: %v", err)
	}
	if !handled || action.Kind != ActionFreeze || action.UserID != "user-7" {
		test.Fatalf("expected freeze action, got handled=%v %+v", handled, action)
	}
}

func TestMapEventChargeRefunded(test *testing.T) {
	test.Parallel()
	event := eventWithRaw("charge.refunded", `{
		"id": "ch_42",
		"amount_refunded": 500,
		"metadata": {"user_id": "user-7"}
	}`)

	action, handled, err := NewMapper().MapEvent(event)
	if err != nil {
		test.Fatalf("map event: %v", err)
	}
	if !handled || action.Kind != ActionRefund {
		test.Fatalf("expected refund action, got handled=%v %+v", handled, action)
	}
	if action.RequestID != "stripe:refund:ch_42" || action.Credits != 5 {
		test.Fatalf("unexpected refund action: %+v", action)
	}
}

func TestMapEventIgnoresUnknownType(test *testing.T) {
	test.Parallel()
	event := eventWithRaw("customer.created", `{"id": "cus_1"}`)

	_, handled, err := NewMapper().MapEvent(event)
	if err != nil {
		test.Fatalf("map event: %v", err)
	}
	if handled {
		test.Fatalf("unknown event types must be ignored")
	}
}

func TestMapEventMissingUserRef(test *testing.T) {
	test.Parallel()
	event := eventWithRaw("invoice.payment_succeeded", `{"id": "in_102", "amount_paid": 100}`)

	_, _, err := NewMapper().MapEvent(event)
	if !errors.Is(err, ErrMissingUserRef) {
		test.Fatalf("expected ErrMissingUserRef, got %v", err)
	}
}
