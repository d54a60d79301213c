package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/changeroom/billingcore/pkg/billing"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintHoldRequest   = "uniq_holds_request"
	constraintLedgerRequest = "uniq_ledger_request_type"
	defaultMetadataJSON     = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectHold        = "hold"
	errorSubjectEntry       = "entry"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLock           = "lock"
	errorCodeLookup         = "lookup"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements billing.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func (store *Store) Migrate(ctx context.Context) error {
	return store.db.WithContext(ctx).AutoMigrate(&Account{}, &Hold{}, &LedgerEntry{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID string, defaults billing.AccountDefaults, nowUnixUTC int64) (billing.Account, error) {
	createdAt := time.Unix(nowUnixUTC, 0).UTC()
	var model Account
	err := store.db.WithContext(ctx).
		Where(Account{UserID: userID}).
		Attrs(Account{
			Plan:             defaults.Plan.String(),
			CreditsAvailable: defaults.CreditsAvailable,
			CreatedAt:        createdAt,
			UpdatedAt:        createdAt,
		}).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"user_id": clause.Expr{SQL: "excluded.user_id"},
			}),
		}).
		FirstOrCreate(&model).Error
	if err != nil {
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&model).Error
	if err != nil {
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	return mapAccount(model)
}

func (store *Store) GetAccount(ctx context.Context, userID string) (billing.Account, bool, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.Account{}, false, nil
	}
	if err != nil {
		return billing.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return billing.Account{}, false, err
	}
	return account, true, nil
}

func (store *Store) GetAccountForUpdate(ctx context.Context, userID string) (billing.Account, bool, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.Account{}, false, nil
	}
	if err != nil {
		return billing.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeLock, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return billing.Account{}, false, err
	}
	return account, true, nil
}

func (store *Store) UpdateAccount(ctx context.Context, account billing.Account) error {
	updates := map[string]interface{}{
		"plan":                      account.Plan.String(),
		"credits_available":         account.CreditsAvailable,
		"credits_refresh_at":        unixToTimePtr(account.CreditsRefreshAtUnixUTC),
		"trial_used":                account.TrialUsed,
		"is_frozen":                 account.IsFrozen,
		"external_customer_ref":     account.ExternalCustomerRef,
		"external_subscription_ref": account.ExternalSubscriptionRef,
		"updated_at":                time.Unix(account.UpdatedUnixUTC, 0).UTC(),
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", account.UserID).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, billing.ErrInvalidUserID)
	}
	return nil
}

func (store *Store) CreateHold(ctx context.Context, hold billing.Hold) (billing.Hold, error) {
	model := Hold{
		HoldID:    hold.HoldID,
		UserID:    hold.UserID,
		RequestID: hold.RequestID,
		Amount:    hold.Amount,
		Status:    hold.Status.String(),
		Reason:    hold.Reason,
		ExpiresAt: unixToTimePtr(hold.ExpiresAtUnixUTC),
		CreatedAt: time.Unix(hold.CreatedUnixUTC, 0).UTC(),
		UpdatedAt: time.Unix(hold.UpdatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintHoldRequest) {
		return billing.Hold{}, wrapStoreError(errorSubjectHold, errorCodeDuplicate, billing.ErrHoldExists)
	}
	if err != nil {
		return billing.Hold{}, wrapStoreError(errorSubjectHold, errorCodeCreate, err)
	}
	return mapHold(model)
}

func (store *Store) GetHold(ctx context.Context, requestID string) (billing.Hold, bool, error) {
	return store.getHold(ctx, requestID, false)
}

func (store *Store) GetHoldForUpdate(ctx context.Context, requestID string) (billing.Hold, bool, error) {
	return store.getHold(ctx, requestID, true)
}

func (store *Store) getHold(ctx context.Context, requestID string, forUpdate bool) (billing.Hold, bool, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model Hold
	err := query.Where("request_id = ?", requestID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.Hold{}, false, nil
	}
	if err != nil {
		return billing.Hold{}, false, wrapStoreError(errorSubjectHold, errorCodeGet, err)
	}
	hold, err := mapHold(model)
	if err != nil {
		return billing.Hold{}, false, err
	}
	return hold, true, nil
}

func (store *Store) UpdateHoldStatus(ctx context.Context, holdID string, from, to billing.HoldStatus, reason string, nowUnixUTC int64) error {
	updates := map[string]interface{}{
		"status":     to.String(),
		"updated_at": time.Unix(nowUnixUTC, 0).UTC(),
	}
	if reason != "" {
		updates["reason"] = reason
	}
	result := store.db.WithContext(ctx).
		Model(&Hold{}).
		Where("hold_id = ? AND status = ?", holdID, from.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, billing.ErrInvalidHoldStatus)
	}
	return nil
}

func (store *Store) InsertLedgerEntry(ctx context.Context, entry billing.LedgerEntry) error {
	model := LedgerEntry{
		EntryID:       entry.EntryID,
		UserID:        entry.UserID,
		RequestID:     stringPtrOrNil(entry.RequestID),
		HoldID:        stringPtrOrNil(entry.HoldID),
		Type:          entry.Type.String(),
		CreditsChange: entry.CreditsChange,
		BalanceAfter:  entry.BalanceAfter,
		Metadata:      datatypesJSON(entry.MetadataJSON),
		CreatedAt:     time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintLedgerRequest) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, billing.ErrDuplicateRequest)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetEntryByRequest(ctx context.Context, requestID string, entryType billing.EntryType) (billing.LedgerEntry, bool, error) {
	var model LedgerEntry
	err := store.db.WithContext(ctx).
		Where("request_id = ? AND type = ?", requestID, entryType.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return billing.LedgerEntry{}, false, nil
	}
	if err != nil {
		return billing.LedgerEntry{}, false, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	entry, err := mapLedgerEntry(model)
	if err != nil {
		return billing.LedgerEntry{}, false, err
	}
	return entry, true, nil
}

func (store *Store) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]billing.LedgerEntry, error) {
	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]billing.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

func mapAccount(model Account) (billing.Account, error) {
	plan, err := billing.ParsePlan(model.Plan)
	if err != nil {
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return billing.Account{
		UserID:                  model.UserID,
		Plan:                    plan,
		CreditsAvailable:        model.CreditsAvailable,
		CreditsRefreshAtUnixUTC: timeOrZero(model.CreditsRefreshAt),
		TrialUsed:               model.TrialUsed,
		IsFrozen:                model.IsFrozen,
		ExternalCustomerRef:     model.ExternalCustomerRef,
		ExternalSubscriptionRef: model.ExternalSubscriptionRef,
		CreatedUnixUTC:          model.CreatedAt.Unix(),
		UpdatedUnixUTC:          model.UpdatedAt.Unix(),
	}, nil
}

func mapHold(model Hold) (billing.Hold, error) {
	status, err := billing.ParseHoldStatus(model.Status)
	if err != nil {
		return billing.Hold{}, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
	}
	return billing.Hold{
		HoldID:           model.HoldID,
		UserID:           model.UserID,
		RequestID:        model.RequestID,
		Amount:           model.Amount,
		Status:           status,
		Reason:           model.Reason,
		ExpiresAtUnixUTC: timeOrZero(model.ExpiresAt),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
		UpdatedUnixUTC:   model.UpdatedAt.Unix(),
	}, nil
}

func mapLedgerEntry(model LedgerEntry) (billing.LedgerEntry, error) {
	entryType, err := billing.ParseEntryType(model.Type)
	if err != nil {
		return billing.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return billing.LedgerEntry{
		EntryID:        model.EntryID,
		UserID:         model.UserID,
		RequestID:      stringOrEmpty(model.RequestID),
		HoldID:         stringOrEmpty(model.HoldID),
		Type:           entryType,
		CreditsChange:  model.CreditsChange,
		BalanceAfter:   model.BalanceAfter,
		MetadataJSON:   string(model.Metadata),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func unixToTimePtr(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func stringPtrOrNil(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
