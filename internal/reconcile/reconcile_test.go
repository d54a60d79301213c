package reconcile

import (
	"context"
	"strings"
	"testing"

	"github.com/changeroom/billingcore/pkg/billing"
)

type fakeLedger struct {
	billing.Store
	grants map[string]int64
}

func (ledger *fakeLedger) GetEntryByRequest(_ context.Context, requestID string, entryType billing.EntryType) (billing.LedgerEntry, bool, error) {
	if entryType != billing.EntryGrant {
		return billing.LedgerEntry{}, false, nil
	}
	credits, found := ledger.grants[requestID]
	if !found {
		return billing.LedgerEntry{}, false, nil
	}
	return billing.LedgerEntry{RequestID: requestID, Type: billing.EntryGrant, CreditsChange: credits}, true, nil
}

type recordingGranter struct {
	applied []string
}

func (granter *recordingGranter) Grant(_ context.Context, _ billing.UserID, requestID billing.RequestID, _ billing.CreditAmount, _ billing.MetadataJSON) (billing.Account, error) {
	granter.applied = append(granter.applied, requestID.String())
	return billing.Account{}, nil
}

type sliceSource struct {
	records []PaymentRecord
	index   int
}

func (source *sliceSource) Next(_ context.Context) (PaymentRecord, bool, error) {
	if source.index >= len(source.records) {
		return PaymentRecord{}, false, nil
	}
	record := source.records[source.index]
	source.index++
	return record, true, nil
}

func mustReconciler(test *testing.T, ledger *fakeLedger, granter Granter) *Reconciler {
	test.Helper()
	reconciler, err := New(ledger, granter, nil)
	if err != nil {
		test.Fatalf("new reconciler: %v", err)
	}
	return reconciler
}

func TestRunCountsAppliedAndMissing(test *testing.T) {
	test.Parallel()
	ledger := &fakeLedger{grants: map[string]int64{"pay-1": 100, "pay-2": 50}}
	granter := &recordingGranter{}
	reconciler := mustReconciler(test, ledger, granter)
	source := &sliceSource{records: []PaymentRecord{
		{UserID: "u1", RequestID: "pay-1", Credits: 100},
		{UserID: "u2", RequestID: "pay-2", Credits: 75},
		{UserID: "u3", RequestID: "pay-3", Credits: 30},
	}}

	report, err := reconciler.Run(context.Background(), source, false)
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if report.Checked != 3 || report.AlreadyApplied != 1 || report.Mismatched != 1 || report.Missing != 1 || report.Applied != 1 {
		test.Fatalf("unexpected report: %+v", report)
	}
	if len(granter.applied) != 1 || granter.applied[0] != "pay-3" {
		test.Fatalf("expected pay-3 applied, got %v", granter.applied)
	}
}

func TestRunDryRunAppliesNothing(test *testing.T) {
	test.Parallel()
	ledger := &fakeLedger{grants: map[string]int64{}}
	granter := &recordingGranter{}
	reconciler := mustReconciler(test, ledger, granter)
	source := &sliceSource{records: []PaymentRecord{
		{UserID: "u1", RequestID: "pay-9", Credits: 10},
	}}

	report, err := reconciler.Run(context.Background(), source, true)
	if err != nil {
		test.Fatalf("run: %v", err)
	}
	if report.Missing != 1 || report.Applied != 0 || report.MissingCredits != 10 {
		test.Fatalf("unexpected report: %+v", report)
	}
	if len(granter.applied) != 0 {
		test.Fatalf("dry run must not grant, got %v", granter.applied)
	}
	if len(report.MissingRequests) != 1 || report.MissingRequests[0] != "pay-9" {
		test.Fatalf("missing requests not reported: %v", report.MissingRequests)
	}
}

func TestJSONLSourceParsesRecords(test *testing.T) {
	test.Parallel()
	input := strings.NewReader(`
{"user_id":"u1","request_id":"pay-1","credits":100}

{"user_id":"u2","request_id":"pay-2","credits":50,"metadata":{"invoice":"in_1"}}
`)
	source := NewJSONLSource(input)

	first, ok, err := source.Next(context.Background())
	if err != nil || !ok {
		test.Fatalf("first record: ok=%v err=%v", ok, err)
	}
	if first.RequestID != "pay-1" || first.Credits != 100 {
		test.Fatalf("unexpected first record: %+v", first)
	}
	second, ok, err := source.Next(context.Background())
	if err != nil || !ok {
		test.Fatalf("second record: ok=%v err=%v", ok, err)
	}
	if second.Metadata["invoice"] != "in_1" {
		test.Fatalf("metadata lost: %+v", second)
	}
	if _, ok, err := source.Next(context.Background()); ok || err != nil {
		test.Fatalf("expected exhausted source, ok=%v err=%v", ok, err)
	}
}

func TestJSONLSourceRejectsMalformedLine(test *testing.T) {
	test.Parallel()
	source := NewJSONLSource(strings.NewReader(`{"user_id":`))
	if _, _, err := source.Next(context.Background()); err == nil {
		test.Fatalf("expected parse error")
	}
}
