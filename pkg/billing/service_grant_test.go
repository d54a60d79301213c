package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestGrantCreatesAccountAndAppendsEntry(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	account, err := service.Grant(context.Background(), mustUserID(test, "grantee"), mustRequestID(test, "grant-1"), mustAmount(test, 75), mustMetadata(test, `{"source":"stripe"}`))
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if account.CreditsAvailable != 75 {
		test.Fatalf("expected balance 75, got %d", account.CreditsAvailable)
	}
	entries := store.allEntries()
	if len(entries) != 1 {
		test.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Type != EntryGrant || entries[0].CreditsChange != 75 || entries[0].BalanceAfter != 75 {
		test.Fatalf("unexpected grant entry: %+v", entries[0])
	}
}

func TestGrantReplayDoesNotDoubleCredit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "grant-replay")
	requestID := mustRequestID(test, "grant-replay")
	metadata := mustMetadata(test, "{}")

	if _, err := service.Grant(context.Background(), userID, requestID, mustAmount(test, 50), metadata); err != nil {
		test.Fatalf("first grant: %v", err)
	}
	account, err := service.Grant(context.Background(), userID, requestID, mustAmount(test, 50), metadata)
	if err != nil {
		test.Fatalf("replayed grant: %v", err)
	}
	if account.CreditsAvailable != 50 {
		test.Fatalf("replay must not credit again, got %d", account.CreditsAvailable)
	}
	if got := len(store.allEntries()); got != 1 {
		test.Fatalf("expected 1 entry after replay, got %d", got)
	}
}

func TestGrantWithoutRequestIDAppliesEachTime(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "manual-grantee")
	metadata := mustMetadata(test, `{"reason":"support"}`)

	if _, err := service.Grant(context.Background(), userID, RequestID{}, mustAmount(test, 10), metadata); err != nil {
		test.Fatalf("first unkeyed grant: %v", err)
	}
	account, err := service.Grant(context.Background(), userID, RequestID{}, mustAmount(test, 10), metadata)
	if err != nil {
		test.Fatalf("second unkeyed grant: %v", err)
	}
	if account.CreditsAvailable != 20 {
		test.Fatalf("unkeyed grants apply unconditionally, got %d", account.CreditsAvailable)
	}
	entries := store.allEntries()
	if len(entries) != 2 {
		test.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.RequestID != "" {
			test.Fatalf("unkeyed grant must not record a request id: %+v", entry)
		}
	}
}

func TestRefundUsesRefundEntryType(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedFundedAccount(test, store, "refundee", 10)
	service := mustNewService(test, store)

	account, err := service.Refund(context.Background(), mustUserID(test, "refundee"), mustRequestID(test, "refund-1"), mustAmount(test, 30), mustMetadata(test, "{}"))
	if err != nil {
		test.Fatalf("refund: %v", err)
	}
	if account.CreditsAvailable != 40 {
		test.Fatalf("expected balance 40, got %d", account.CreditsAvailable)
	}
	entries := store.allEntries()
	if entries[0].Type != EntryRefund {
		test.Fatalf("expected refund entry, got %s", entries[0].Type)
	}
}

func TestGrantAndRefundShareNoIdempotencyScope(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "scoped")
	requestID := mustRequestID(test, "same-request")
	metadata := mustMetadata(test, "{}")

	if _, err := service.Grant(context.Background(), userID, requestID, mustAmount(test, 10), metadata); err != nil {
		test.Fatalf("grant: %v", err)
	}
	account, err := service.Refund(context.Background(), userID, requestID, mustAmount(test, 5), metadata)
	if err != nil {
		test.Fatalf("refund with reused request id: %v", err)
	}
	if account.CreditsAvailable != 15 {
		test.Fatalf("entry types scope idempotency separately, got balance %d", account.CreditsAvailable)
	}
}

func TestApplyPenaltyDeductsFullAmount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedFundedAccount(test, store, "debtor", 20)
	service := mustNewService(test, store)

	account, err := service.ApplyPenalty(context.Background(), mustUserID(test, "debtor"), mustRequestID(test, "penalty-1"), mustAmount(test, 5), "abuse")
	if err != nil {
		test.Fatalf("penalty: %v", err)
	}
	if account.CreditsAvailable != 15 {
		test.Fatalf("expected balance 15, got %d", account.CreditsAvailable)
	}
	entries := store.allEntries()
	if entries[0].Type != EntryAdjustment || entries[0].CreditsChange != -5 {
		test.Fatalf("unexpected adjustment entry: %+v", entries[0])
	}
}

func TestApplyPenaltyRejectsInsufficientBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedFundedAccount(test, store, "underwater", 20)
	service := mustNewService(test, store)

	_, err := service.ApplyPenalty(context.Background(), mustUserID(test, "underwater"), mustRequestID(test, "penalty-over"), mustAmount(test, 50), "abuse")
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if got := store.accountFor(test, "underwater").CreditsAvailable; got != 20 {
		test.Fatalf("rejected penalty must not move the balance, got %d", got)
	}
	if got := len(store.allEntries()); got != 0 {
		test.Fatalf("rejected penalty must not append entries, got %d", got)
	}
}

func TestApplyPenaltyRejectsFrozenAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, Account{
		UserID:           "frozen-debtor",
		Plan:             PlanFree,
		CreditsAvailable: 10,
		TrialUsed:        true,
		IsFrozen:         true,
	})
	service := mustNewService(test, store)

	_, err := service.ApplyPenalty(context.Background(), mustUserID(test, "frozen-debtor"), mustRequestID(test, "penalty-frozen"), mustAmount(test, 3), "")
	if !errors.Is(err, ErrAccountFrozen) {
		test.Fatalf("expected ErrAccountFrozen, got %v", err)
	}
	if got := store.accountFor(test, "frozen-debtor").CreditsAvailable; got != 10 {
		test.Fatalf("rejected penalty must not move the balance, got %d", got)
	}
}

func TestApplyPenaltyLeavesTrialUnused(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, Account{
		UserID:           "fresh-debtor",
		Plan:             PlanFree,
		CreditsAvailable: 10,
	})
	service := mustNewService(test, store)

	account, err := service.ApplyPenalty(context.Background(), mustUserID(test, "fresh-debtor"), mustRequestID(test, "penalty-fresh"), mustAmount(test, 4), "")
	if err != nil {
		test.Fatalf("penalty: %v", err)
	}
	if account.CreditsAvailable != 6 {
		test.Fatalf("expected balance 6, got %d", account.CreditsAvailable)
	}
	if account.TrialUsed {
		test.Fatalf("penalty must only touch the paid balance")
	}
}

func TestApplyPenaltyReplayDeductsOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedFundedAccount(test, store, "debtor-2", 100)
	service := mustNewService(test, store)
	userID := mustUserID(test, "debtor-2")
	requestID := mustRequestID(test, "penalty-replay")

	if _, err := service.ApplyPenalty(context.Background(), userID, requestID, mustAmount(test, 30), ""); err != nil {
		test.Fatalf("first penalty: %v", err)
	}
	account, err := service.ApplyPenalty(context.Background(), userID, requestID, mustAmount(test, 30), "")
	if err != nil {
		test.Fatalf("replayed penalty: %v", err)
	}
	if account.CreditsAvailable != 70 {
		test.Fatalf("replay must not deduct again, got %d", account.CreditsAvailable)
	}
}

func TestGrantFreeTrialOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "trial-user")

	account, granted, err := service.GrantFreeTrialOnce(context.Background(), userID, mustAmount(test, 5))
	if err != nil {
		test.Fatalf("trial grant: %v", err)
	}
	if !granted {
		test.Fatalf("first trial grant must succeed")
	}
	if account.CreditsAvailable != 5 || !account.TrialUsed {
		test.Fatalf("unexpected account after trial grant: %+v", account)
	}

	account, granted, err = service.GrantFreeTrialOnce(context.Background(), userID, mustAmount(test, 5))
	if err != nil {
		test.Fatalf("second trial grant: %v", err)
	}
	if granted {
		test.Fatalf("trial must only be granted once")
	}
	if account.CreditsAvailable != 5 {
		test.Fatalf("second trial grant must not credit, got %d", account.CreditsAvailable)
	}
}

func TestGrantFreeTrialAfterTrialReservation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "spent-trial")

	if _, err := service.Reserve(context.Background(), userID, mustRequestID(test, "req-trial-spend"), mustAmount(test, 1), "", 0); err != nil {
		test.Fatalf("trial reserve: %v", err)
	}
	_, granted, err := service.GrantFreeTrialOnce(context.Background(), userID, mustAmount(test, 5))
	if err != nil {
		test.Fatalf("trial grant: %v", err)
	}
	if granted {
		test.Fatalf("a trial-covered reservation consumes the trial")
	}
}

func TestConcurrentTrialGrantCreditsOnce(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	userID := mustUserID(test, "trial-race")
	amount := mustAmount(test, 5)

	const callers = 8
	grantedResults := make(chan bool, callers)
	var group sync.WaitGroup
	for worker := 0; worker < callers; worker++ {
		group.Add(1)
		go func() {
			defer group.Done()
			_, granted, err := service.GrantFreeTrialOnce(context.Background(), userID, amount)
			if err != nil {
				test.Errorf("concurrent trial grant: %v", err)
				return
			}
			grantedResults <- granted
		}()
	}
	group.Wait()
	close(grantedResults)

	grantedCount := 0
	for granted := range grantedResults {
		if granted {
			grantedCount++
		}
	}
	if grantedCount != 1 {
		test.Fatalf("expected exactly one successful trial grant, got %d", grantedCount)
	}
	if got := store.accountFor(test, "trial-race").CreditsAvailable; got != 5 {
		test.Fatalf("expected balance 5, got %d", got)
	}
}

func TestSetPlanUpgradeResetsBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedFundedAccount(test, store, "upgrader", 7)
	service := mustNewService(test, store)

	account, err := service.SetPlan(context.Background(), mustUserID(test, "upgrader"), PlanStandard, "cus_123", "sub_456")
	if err != nil {
		test.Fatalf("set plan: %v", err)
	}
	if account.Plan != PlanStandard || account.CreditsAvailable != 100 {
		test.Fatalf("unexpected account after upgrade: %+v", account)
	}
	if account.CreditsRefreshAtUnixUTC <= testNowUnixUTC {
		test.Fatalf("paid plan must schedule a refresh, got %d", account.CreditsRefreshAtUnixUTC)
	}
	if account.ExternalCustomerRef != "cus_123" || account.ExternalSubscriptionRef != "sub_456" {
		test.Fatalf("external refs not stored: %+v", account)
	}
	entries := store.allEntries()
	if len(entries) != 1 || entries[0].Type != EntryAdjustment || entries[0].CreditsChange != 93 {
		test.Fatalf("unexpected adjustment entry: %+v", entries)
	}
}

func TestSetPlanDowngradeKeepsBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.seedAccount(test, Account{
		UserID:                  "downgrader",
		Plan:                    PlanPro,
		CreditsAvailable:        42,
		CreditsRefreshAtUnixUTC: testNowUnixUTC + 1000,
		TrialUsed:               true,
	})
	service := mustNewService(test, store)

	account, err := service.SetPlan(context.Background(), mustUserID(test, "downgrader"), PlanFree, "", "")
	if err != nil {
		test.Fatalf("set plan: %v", err)
	}
	if account.Plan != PlanFree || account.CreditsAvailable != 42 {
		test.Fatalf("downgrade must keep the remaining balance: %+v", account)
	}
	if account.CreditsRefreshAtUnixUTC != 0 {
		test.Fatalf("free plan must not refresh, got %d", account.CreditsRefreshAtUnixUTC)
	}
	if got := len(store.allEntries()); got != 0 {
		test.Fatalf("no balance change means no entry, got %d", got)
	}
}

func TestSetFrozenBlocksAndUnblocksReserve(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	seedFundedAccount(test, store, "freezer", 100)
	service := mustNewService(test, store)
	userID := mustUserID(test, "freezer")

	if _, err := service.SetFrozen(context.Background(), userID, true); err != nil {
		test.Fatalf("freeze: %v", err)
	}
	_, err := service.Reserve(context.Background(), userID, mustRequestID(test, "req-blocked"), mustAmount(test, 1), "", 0)
	if !errors.Is(err, ErrAccountFrozen) {
		test.Fatalf("expected ErrAccountFrozen, got %v", err)
	}
	if _, err := service.SetFrozen(context.Background(), userID, false); err != nil {
		test.Fatalf("unfreeze: %v", err)
	}
	if _, err := service.Reserve(context.Background(), userID, mustRequestID(test, "req-unblocked"), mustAmount(test, 1), "", 0); err != nil {
		test.Fatalf("reserve after unfreeze: %v", err)
	}
}

func TestListLedgerEntriesRejectsNegativeLimit(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)

	_, err := service.ListLedgerEntries(context.Background(), mustUserID(test, "lister"), -1)
	if !errors.Is(err, ErrInvalidLimit) {
		test.Fatalf("expected ErrInvalidLimit, got %v", err)
	}
}
