package billing

import (
	"context"
	"encoding/json"
	"fmt"
)

// Service orchestrates the hold lifecycle and grant/adjustment operations
// over a Store. It keeps no in-process state; all coordination happens
// through row-level locks and ledger uniqueness constraints.
type Service struct {
	store  Store
	config Config
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, config Config, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	service := &Service{store: store, config: config, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Reserve places a hold of amount credits against requestID. Replaying an
// existing request id returns the stored hold unchanged with Created=false.
// The unused free trial is consumed by the first reservation and covers it in
// full: no balance check and no balance movement.
func (service *Service) Reserve(ctx context.Context, userID UserID, requestID RequestID, amount CreditAmount, reason string, expiresAtUnixUTC int64) (ReserveResult, error) {
	var result ReserveResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		account, err := transactionStore.GetOrCreateAccount(ctx, userID.String(), service.accountDefaults(), nowUnixUTC)
		if err != nil {
			return err
		}
		// The account row lock is held from here on, so the replay check
		// cannot race a concurrent reserve for the same request id.
		existing, found, err := transactionStore.GetHold(ctx, requestID.String())
		if err != nil {
			return err
		}
		if found {
			result = ReserveResult{Hold: existing, Created: false, Account: account}
			return nil
		}
		account, err = service.refreshIfDue(ctx, transactionStore, account, nowUnixUTC)
		if err != nil {
			return err
		}
		trialCovered := false
		if !account.TrialUsed {
			account.TrialUsed = true
			trialCovered = true
		}
		if account.IsFrozen {
			return ErrAccountFrozen
		}
		creditsChange := int64(0)
		if !trialCovered {
			if account.CreditsAvailable < amount.Int64() {
				return ErrInsufficientCredits
			}
			creditsChange = -amount.Int64()
		}
		account.CreditsAvailable = clampBalance(account.CreditsAvailable + creditsChange)
		account.UpdatedUnixUTC = nowUnixUTC
		if err := transactionStore.UpdateAccount(ctx, account); err != nil {
			return err
		}
		hold, err := transactionStore.CreateHold(ctx, Hold{
			UserID:           userID.String(),
			RequestID:        requestID.String(),
			Amount:           amount.Int64(),
			Status:           HoldStatusActive,
			Reason:           reason,
			ExpiresAtUnixUTC: expiresAtUnixUTC,
			CreatedUnixUTC:   nowUnixUTC,
			UpdatedUnixUTC:   nowUnixUTC,
		})
		if err != nil {
			return err
		}
		metadata := map[string]string{}
		if reason != "" {
			metadata["reason"] = reason
		}
		if trialCovered {
			metadata["trial"] = "true"
		}
		if err := transactionStore.InsertLedgerEntry(ctx, LedgerEntry{
			UserID:         userID.String(),
			RequestID:      requestID.String(),
			HoldID:         hold.HoldID,
			Type:           EntryHold,
			CreditsChange:  creditsChange,
			BalanceAfter:   account.CreditsAvailable,
			MetadataJSON:   encodeMetadata(metadata),
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		result = ReserveResult{Hold: hold, Created: true, Account: account}
		return nil
	})
	logStatus := ""
	if operationError == nil && !result.Created {
		logStatus = operationStatusNoop
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationReserve,
		UserID:    userID.String(),
		RequestID: requestID.String(),
		Amount:    amount.Int64(),
		Status:    logStatus,
		Error:     operationError,
	})
	return result, operationError
}

// Finalize marks an active hold debited and appends a zero-delta debit entry;
// the balance already moved at reserve time. Absent holds return nil, and
// non-active holds are returned unchanged.
func (service *Service) Finalize(ctx context.Context, requestID RequestID) (*Hold, error) {
	var result *Hold
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		hold, found, err := transactionStore.GetHoldForUpdate(ctx, requestID.String())
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if hold.Status != HoldStatusActive {
			result = &hold
			return nil
		}
		if err := transactionStore.UpdateHoldStatus(ctx, hold.HoldID, HoldStatusActive, HoldStatusDebited, "", nowUnixUTC); err != nil {
			return err
		}
		hold.Status = HoldStatusDebited
		hold.UpdatedUnixUTC = nowUnixUTC
		account, accountFound, err := transactionStore.GetAccountForUpdate(ctx, hold.UserID)
		if err != nil {
			return err
		}
		if !accountFound {
			return WrapError(operationFinalize, "account", "missing", ErrInvalidUserID)
		}
		if err := transactionStore.InsertLedgerEntry(ctx, LedgerEntry{
			UserID:         hold.UserID,
			RequestID:      requestID.String(),
			HoldID:         hold.HoldID,
			Type:           EntryDebit,
			CreditsChange:  0,
			BalanceAfter:   account.CreditsAvailable,
			MetadataJSON:   encodeMetadata(nil),
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		result = &hold
		return nil
	})
	service.logHoldOperation(ctx, operationFinalize, requestID, result, operationError)
	return result, operationError
}

// Release credits an active hold back to the account and marks it released.
// Safe to call any number of times and after a crash: absent holds return nil
// and terminal holds are returned unchanged.
func (service *Service) Release(ctx context.Context, requestID RequestID, reason string) (*Hold, error) {
	return service.closeHold(ctx, requestID, reason, HoldStatusReleased, operationRelease)
}

// Cancel is the caller-abort variant of Release: the hold reaches the
// cancelled terminal state and its credits are returned the same way.
func (service *Service) Cancel(ctx context.Context, requestID RequestID, reason string) (*Hold, error) {
	return service.closeHold(ctx, requestID, reason, HoldStatusCancelled, operationCancel)
}

func (service *Service) closeHold(ctx context.Context, requestID RequestID, reason string, target HoldStatus, operation string) (*Hold, error) {
	var result *Hold
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		nowUnixUTC := service.nowFn()
		hold, found, err := transactionStore.GetHoldForUpdate(ctx, requestID.String())
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		if hold.Status != HoldStatusActive {
			result = &hold
			return nil
		}
		// The hold ledger entry records the delta actually applied at reserve
		// time; a trial-covered hold moved nothing and returns nothing.
		creditBack := int64(0)
		holdEntry, entryFound, err := transactionStore.GetEntryByRequest(ctx, requestID.String(), EntryHold)
		if err != nil {
			return err
		}
		if entryFound {
			creditBack = -holdEntry.CreditsChange
		}
		account, accountFound, err := transactionStore.GetAccountForUpdate(ctx, hold.UserID)
		if err != nil {
			return err
		}
		if !accountFound {
			return WrapError(operation, "account", "missing", ErrInvalidUserID)
		}
		account.CreditsAvailable = clampBalance(account.CreditsAvailable + creditBack)
		account.UpdatedUnixUTC = nowUnixUTC
		if err := transactionStore.UpdateAccount(ctx, account); err != nil {
			return err
		}
		if err := transactionStore.UpdateHoldStatus(ctx, hold.HoldID, HoldStatusActive, target, reason, nowUnixUTC); err != nil {
			return err
		}
		hold.Status = target
		if reason != "" {
			hold.Reason = reason
		}
		hold.UpdatedUnixUTC = nowUnixUTC
		metadata := map[string]string{}
		if reason != "" {
			metadata["reason"] = reason
		}
		if err := transactionStore.InsertLedgerEntry(ctx, LedgerEntry{
			UserID:         hold.UserID,
			RequestID:      requestID.String(),
			HoldID:         hold.HoldID,
			Type:           EntryRelease,
			CreditsChange:  creditBack,
			BalanceAfter:   account.CreditsAvailable,
			MetadataJSON:   encodeMetadata(metadata),
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		result = &hold
		return nil
	})
	service.logHoldOperation(ctx, operation, requestID, result, operationError)
	return result, operationError
}

// refreshIfDue applies the monthly allotment reset to a locked account and
// records the balance replacement in the ledger.
func (service *Service) refreshIfDue(ctx context.Context, transactionStore Store, account Account, nowUnixUTC int64) (Account, error) {
	refreshed, changed := ApplyMonthlyRefreshIfDue(account, service.config, nowUnixUTC)
	if !changed {
		return account, nil
	}
	if err := transactionStore.UpdateAccount(ctx, refreshed); err != nil {
		return Account{}, err
	}
	if err := transactionStore.InsertLedgerEntry(ctx, LedgerEntry{
		UserID:         refreshed.UserID,
		Type:           EntryAdjustment,
		CreditsChange:  refreshed.CreditsAvailable - account.CreditsAvailable,
		BalanceAfter:   refreshed.CreditsAvailable,
		MetadataJSON:   encodeMetadata(map[string]string{"reason": "monthly_refresh"}),
		CreatedUnixUTC: nowUnixUTC,
	}); err != nil {
		return Account{}, err
	}
	return refreshed, nil
}

func (service *Service) accountDefaults() AccountDefaults {
	return AccountDefaults{
		Plan:             PlanFree,
		CreditsAvailable: service.config.NewAccountCredits,
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func (service *Service) logHoldOperation(ctx context.Context, operation string, requestID RequestID, hold *Hold, operationError error) {
	entry := OperationLog{
		Operation: operation,
		RequestID: requestID.String(),
		Error:     operationError,
	}
	if hold != nil {
		entry.UserID = hold.UserID
		entry.Amount = hold.Amount
	} else if operationError == nil {
		entry.Status = operationStatusNoop
	}
	service.logOperation(ctx, entry)
}

func encodeMetadata(pairs map[string]string) string {
	if len(pairs) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(pairs)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
