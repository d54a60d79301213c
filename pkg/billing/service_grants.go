package billing

import "context"

// Grant adds credits to an account, creating the account when missing.
// The request id makes the grant idempotent; replays return the current
// account without moving the balance again. A zero request id applies the
// grant unconditionally, for manual credits where replay is not a concern.
func (service *Service) Grant(ctx context.Context, userID UserID, requestID RequestID, amount CreditAmount, metadata MetadataJSON) (Account, error) {
	return service.applyCredit(ctx, userID, requestID, amount, EntryGrant, operationGrant, metadata)
}

// Refund credits an account outside the hold lifecycle, typically after a
// payment-provider refund. Idempotent on the request id.
func (service *Service) Refund(ctx context.Context, userID UserID, requestID RequestID, amount CreditAmount, metadata MetadataJSON) (Account, error) {
	return service.applyCredit(ctx, userID, requestID, amount, EntryRefund, operationRefund, metadata)
}

func (service *Service) applyCredit(ctx context.Context, userID UserID, requestID RequestID, amount CreditAmount, entryType EntryType, operation string, metadata MetadataJSON) (Account, error) {
	var result Account
	replayed := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		account, err := transactionStore.GetOrCreateAccount(ctx, userID.String(), service.accountDefaults(), nowUnixUTC)
		if err != nil {
			return err
		}
		if requestID.String() != "" {
			if _, found, err := transactionStore.GetEntryByRequest(ctx, requestID.String(), entryType); err != nil {
				return err
			} else if found {
				result = account
				replayed = true
				return nil
			}
		}
		account, err = service.refreshIfDue(ctx, transactionStore, account, nowUnixUTC)
		if err != nil {
			return err
		}
		account.CreditsAvailable = clampBalance(account.CreditsAvailable + amount.Int64())
		account.UpdatedUnixUTC = nowUnixUTC
		if err := transactionStore.UpdateAccount(ctx, account); err != nil {
			return err
		}
		if err := transactionStore.InsertLedgerEntry(ctx, LedgerEntry{
			UserID:         userID.String(),
			RequestID:      requestID.String(),
			Type:           entryType,
			CreditsChange:  amount.Int64(),
			BalanceAfter:   account.CreditsAvailable,
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		result = account
		return nil
	})
	logStatus := ""
	if operationError == nil && replayed {
		logStatus = operationStatusNoop
	}
	service.logOperation(ctx, OperationLog{
		Operation: operation,
		UserID:    userID.String(),
		RequestID: requestID.String(),
		Amount:    amount.Int64(),
		Status:    logStatus,
		Error:     operationError,
	})
	return result, operationError
}

// ApplyPenalty deducts credits from an account's paid balance. Frozen
// accounts and balances smaller than the penalty are rejected, and the unused
// free trial is never consumed. Idempotent on the request id.
func (service *Service) ApplyPenalty(ctx context.Context, userID UserID, requestID RequestID, amount CreditAmount, reason string) (Account, error) {
	var result Account
	replayed := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		account, err := transactionStore.GetOrCreateAccount(ctx, userID.String(), service.accountDefaults(), nowUnixUTC)
		if err != nil {
			return err
		}
		if _, found, err := transactionStore.GetEntryByRequest(ctx, requestID.String(), EntryAdjustment); err != nil {
			return err
		} else if found {
			result = account
			replayed = true
			return nil
		}
		account, err = service.refreshIfDue(ctx, transactionStore, account, nowUnixUTC)
		if err != nil {
			return err
		}
		if account.IsFrozen {
			return ErrAccountFrozen
		}
		if account.CreditsAvailable < amount.Int64() {
			return ErrInsufficientCredits
		}
		account.CreditsAvailable -= amount.Int64()
		account.UpdatedUnixUTC = nowUnixUTC
		if err := transactionStore.UpdateAccount(ctx, account); err != nil {
			return err
		}
		metadata := map[string]string{}
		if reason != "" {
			metadata["reason"] = reason
		}
		if err := transactionStore.InsertLedgerEntry(ctx, LedgerEntry{
			UserID:         userID.String(),
			RequestID:      requestID.String(),
			Type:           EntryAdjustment,
			CreditsChange:  -amount.Int64(),
			BalanceAfter:   account.CreditsAvailable,
			MetadataJSON:   encodeMetadata(metadata),
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		result = account
		return nil
	})
	logStatus := ""
	if operationError == nil && replayed {
		logStatus = operationStatusNoop
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationPenalty,
		UserID:    userID.String(),
		RequestID: requestID.String(),
		Amount:    amount.Int64(),
		Status:    logStatus,
		Error:     operationError,
	})
	return result, operationError
}

// GrantFreeTrialOnce credits the one-time trial allotment. The trial mark on
// the account makes this idempotent for the lifetime of the user: the second
// return is false when the trial was already consumed, by this operation or by
// a trial-covered reservation.
func (service *Service) GrantFreeTrialOnce(ctx context.Context, userID UserID, amount CreditAmount) (Account, bool, error) {
	var result Account
	granted := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		account, err := transactionStore.GetOrCreateAccount(ctx, userID.String(), service.accountDefaults(), nowUnixUTC)
		if err != nil {
			return err
		}
		if account.TrialUsed {
			result = account
			return nil
		}
		account.TrialUsed = true
		account.CreditsAvailable = clampBalance(account.CreditsAvailable + amount.Int64())
		account.UpdatedUnixUTC = nowUnixUTC
		if err := transactionStore.UpdateAccount(ctx, account); err != nil {
			return err
		}
		if err := transactionStore.InsertLedgerEntry(ctx, LedgerEntry{
			UserID:         userID.String(),
			Type:           EntryGrant,
			CreditsChange:  amount.Int64(),
			BalanceAfter:   account.CreditsAvailable,
			MetadataJSON:   encodeMetadata(map[string]string{"reason": "free_trial"}),
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		result = account
		granted = true
		return nil
	})
	logStatus := ""
	if operationError == nil && !granted {
		logStatus = operationStatusNoop
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationTrialGrant,
		UserID:    userID.String(),
		Amount:    amount.Int64(),
		Status:    logStatus,
		Error:     operationError,
	})
	return result, granted, operationError
}
