package billing

import "context"

const (
	defaultLedgerPageSize = 50
	maxLedgerPageSize     = 500
)

// SetPlan switches an account's subscription tier. Paid plans reset the
// balance to the plan allotment and schedule the next refresh; the free plan
// keeps whatever balance remains and stops refreshing. Non-empty external
// refs overwrite the stored payment-provider identifiers.
func (service *Service) SetPlan(ctx context.Context, userID UserID, plan Plan, externalCustomerRef string, externalSubscriptionRef string) (Account, error) {
	var result Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		account, err := transactionStore.GetOrCreateAccount(ctx, userID.String(), service.accountDefaults(), nowUnixUTC)
		if err != nil {
			return err
		}
		previousBalance := account.CreditsAvailable
		previousPlan := account.Plan
		account.Plan = plan
		if plan.IsPaid() {
			account.CreditsAvailable = service.config.Allotment(plan)
			account.CreditsRefreshAtUnixUTC = nowUnixUTC + int64(service.config.RefreshInterval.Seconds())
		} else {
			account.CreditsRefreshAtUnixUTC = 0
		}
		if externalCustomerRef != "" {
			account.ExternalCustomerRef = externalCustomerRef
		}
		if externalSubscriptionRef != "" {
			account.ExternalSubscriptionRef = externalSubscriptionRef
		}
		account.UpdatedUnixUTC = nowUnixUTC
		if err := transactionStore.UpdateAccount(ctx, account); err != nil {
			return err
		}
		if account.CreditsAvailable != previousBalance {
			if err := transactionStore.InsertLedgerEntry(ctx, LedgerEntry{
				UserID:        userID.String(),
				Type:          EntryAdjustment,
				CreditsChange: account.CreditsAvailable - previousBalance,
				BalanceAfter:  account.CreditsAvailable,
				MetadataJSON: encodeMetadata(map[string]string{
					"reason":    "plan_change",
					"from_plan": previousPlan.String(),
					"to_plan":   plan.String(),
				}),
				CreatedUnixUTC: nowUnixUTC,
			}); err != nil {
				return err
			}
		}
		result = account
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSetPlan,
		UserID:    userID.String(),
		Error:     operationError,
	})
	return result, operationError
}

// SetFrozen toggles the reservation freeze on an account. A frozen account
// rejects new reservations while in-flight holds still finalize or release.
func (service *Service) SetFrozen(ctx context.Context, userID UserID, frozen bool) (Account, error) {
	var result Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		account, err := transactionStore.GetOrCreateAccount(ctx, userID.String(), service.accountDefaults(), nowUnixUTC)
		if err != nil {
			return err
		}
		if account.IsFrozen == frozen {
			result = account
			return nil
		}
		account.IsFrozen = frozen
		account.UpdatedUnixUTC = nowUnixUTC
		if err := transactionStore.UpdateAccount(ctx, account); err != nil {
			return err
		}
		result = account
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSetFrozen,
		UserID:    userID.String(),
		Error:     operationError,
	})
	return result, operationError
}

// GetAccount reads an account without creating it.
func (service *Service) GetAccount(ctx context.Context, userID UserID) (Account, bool, error) {
	return service.store.GetAccount(ctx, userID.String())
}

// GetHold reads a hold by its request id.
func (service *Service) GetHold(ctx context.Context, requestID RequestID) (Hold, bool, error) {
	return service.store.GetHold(ctx, requestID.String())
}

// ListLedgerEntries returns a user's most recent ledger entries, newest first.
// A zero limit falls back to the default page size, oversized limits are
// capped, and negative limits are rejected.
func (service *Service) ListLedgerEntries(ctx context.Context, userID UserID, limit int) ([]LedgerEntry, error) {
	if limit < 0 {
		return nil, ErrInvalidLimit
	}
	if limit == 0 {
		limit = defaultLedgerPageSize
	}
	if limit > maxLedgerPageSize {
		limit = maxLedgerPageSize
	}
	return service.store.ListLedgerEntries(ctx, userID.String(), limit)
}
