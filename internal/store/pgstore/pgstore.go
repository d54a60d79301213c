package pgstore

import (
	"context"
	"errors"

	"github.com/changeroom/billingcore/pkg/billing"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Unique-index names as created by the schema migration; Postgres reports
// the index name as the violated constraint.
const (
	constraintHoldRequest   = "uniq_holds_request"
	constraintLedgerRequest = "uniq_ledger_request_type"
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectHold        = "hold"
	errorSubjectEntry       = "entry"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"

	sqlInsertAccountIfAbsent = `
		insert into billing_accounts(
			user_id, plan, credits_available, trial_used, is_frozen,
			external_customer_ref, external_subscription_ref, created_at, updated_at
		)
		values($1, $2, $3, false, false, '', '', to_timestamp($4), to_timestamp($4))
		on conflict (user_id) do nothing
	`

	sqlSelectAccount = `
		select
			user_id, plan, credits_available,
			coalesce(extract(epoch from credits_refresh_at)::bigint, 0),
			trial_used, is_frozen,
			external_customer_ref, external_subscription_ref,
			extract(epoch from created_at)::bigint,
			extract(epoch from updated_at)::bigint
		from billing_accounts
		where user_id = $1
	`

	sqlSelectAccountForUpdate = sqlSelectAccount + `
		for update
	`

	sqlUpdateAccount = `
		update billing_accounts
		set plan = $2,
			credits_available = $3,
			credits_refresh_at = to_timestamp(nullif($4::bigint, 0)),
			trial_used = $5,
			is_frozen = $6,
			external_customer_ref = $7,
			external_subscription_ref = $8,
			updated_at = to_timestamp($9)
		where user_id = $1
	`

	sqlInsertHold = `
		insert into credit_holds(
			hold_id, user_id, request_id, amount, status, reason, expires_at, created_at, updated_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5,
			to_timestamp(nullif($6::bigint, 0)),
			to_timestamp($7), to_timestamp($7)
		)
		returning hold_id::text
	`

	sqlSelectHold = `
		select
			hold_id::text, user_id, request_id, amount, status, reason,
			coalesce(extract(epoch from expires_at)::bigint, 0),
			extract(epoch from created_at)::bigint,
			extract(epoch from updated_at)::bigint
		from credit_holds
		where request_id = $1
	`

	sqlSelectHoldForUpdate = sqlSelectHold + `
		for update
	`

	sqlUpdateHoldStatus = `
		update credit_holds
		set status = $3,
			reason = coalesce(nullif($4, ''), reason),
			updated_at = to_timestamp($5)
		where hold_id = $1 and status = $2
	`

	sqlInsertEntry = `
		insert into credit_ledger_entries(
			entry_id, user_id, request_id, hold_id, type, credits_change, balance_after, metadata, created_at
		)
		values(
			gen_random_uuid(), $1,
			nullif($2, ''),
			nullif($3, '')::uuid,
			$4, $5, $6,
			coalesce(nullif($7, ''), '{}')::jsonb,
			to_timestamp($8)
		)
	`

	sqlSelectEntryByRequest = `
		select
			entry_id::text, user_id, coalesce(request_id, ''), coalesce(hold_id::text, ''),
			type, credits_change, balance_after,
			coalesce(metadata::text, '{}'),
			extract(epoch from created_at)::bigint
		from credit_ledger_entries
		where request_id = $1 and type = $2
	`

	sqlListEntries = `
		select
			entry_id::text, user_id, coalesce(request_id, ''), coalesce(hold_id::text, ''),
			type, credits_change, balance_after,
			coalesce(metadata::text, '{}'),
			extract(epoch from created_at)::bigint
		from credit_ledger_entries
		where user_id = $1
		order by created_at desc
		limit $2
	`
)

// querier is the surface shared by a pgx pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements billing.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements billing.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID string, defaults billing.AccountDefaults, nowUnixUTC int64) (billing.Account, error) {
	return getOrCreateAccount(ctx, store.pool, userID, defaults, nowUnixUTC)
}

func (store *Store) GetAccount(ctx context.Context, userID string) (billing.Account, bool, error) {
	return getAccount(ctx, store.pool, userID, sqlSelectAccount)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, userID string) (billing.Account, bool, error) {
	return getAccount(ctx, store.pool, userID, sqlSelectAccountForUpdate)
}

func (store *Store) UpdateAccount(ctx context.Context, account billing.Account) error {
	return updateAccount(ctx, store.pool, account)
}

func (store *Store) CreateHold(ctx context.Context, hold billing.Hold) (billing.Hold, error) {
	return createHold(ctx, store.pool, hold)
}

func (store *Store) GetHold(ctx context.Context, requestID string) (billing.Hold, bool, error) {
	return getHold(ctx, store.pool, requestID, sqlSelectHold)
}

func (store *Store) GetHoldForUpdate(ctx context.Context, requestID string) (billing.Hold, bool, error) {
	return getHold(ctx, store.pool, requestID, sqlSelectHoldForUpdate)
}

func (store *Store) UpdateHoldStatus(ctx context.Context, holdID string, from, to billing.HoldStatus, reason string, nowUnixUTC int64) error {
	return updateHoldStatus(ctx, store.pool, holdID, from, to, reason, nowUnixUTC)
}

func (store *Store) InsertLedgerEntry(ctx context.Context, entry billing.LedgerEntry) error {
	return insertLedgerEntry(ctx, store.pool, entry)
}

func (store *Store) GetEntryByRequest(ctx context.Context, requestID string, entryType billing.EntryType) (billing.LedgerEntry, bool, error) {
	return getEntryByRequest(ctx, store.pool, requestID, entryType)
}

func (store *Store) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]billing.LedgerEntry, error) {
	return listLedgerEntries(ctx, store.pool, userID, limit)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetOrCreateAccount(ctx context.Context, userID string, defaults billing.AccountDefaults, nowUnixUTC int64) (billing.Account, error) {
	return getOrCreateAccount(ctx, store.tx, userID, defaults, nowUnixUTC)
}

func (store *TxStore) GetAccount(ctx context.Context, userID string) (billing.Account, bool, error) {
	return getAccount(ctx, store.tx, userID, sqlSelectAccount)
}

func (store *TxStore) GetAccountForUpdate(ctx context.Context, userID string) (billing.Account, bool, error) {
	return getAccount(ctx, store.tx, userID, sqlSelectAccountForUpdate)
}

func (store *TxStore) UpdateAccount(ctx context.Context, account billing.Account) error {
	return updateAccount(ctx, store.tx, account)
}

func (store *TxStore) CreateHold(ctx context.Context, hold billing.Hold) (billing.Hold, error) {
	return createHold(ctx, store.tx, hold)
}

func (store *TxStore) GetHold(ctx context.Context, requestID string) (billing.Hold, bool, error) {
	return getHold(ctx, store.tx, requestID, sqlSelectHold)
}

func (store *TxStore) GetHoldForUpdate(ctx context.Context, requestID string) (billing.Hold, bool, error) {
	return getHold(ctx, store.tx, requestID, sqlSelectHoldForUpdate)
}

func (store *TxStore) UpdateHoldStatus(ctx context.Context, holdID string, from, to billing.HoldStatus, reason string, nowUnixUTC int64) error {
	return updateHoldStatus(ctx, store.tx, holdID, from, to, reason, nowUnixUTC)
}

func (store *TxStore) InsertLedgerEntry(ctx context.Context, entry billing.LedgerEntry) error {
	return insertLedgerEntry(ctx, store.tx, entry)
}

func (store *TxStore) GetEntryByRequest(ctx context.Context, requestID string, entryType billing.EntryType) (billing.LedgerEntry, bool, error) {
	return getEntryByRequest(ctx, store.tx, requestID, entryType)
}

func (store *TxStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]billing.LedgerEntry, error) {
	return listLedgerEntries(ctx, store.tx, userID, limit)
}

func getOrCreateAccount(ctx context.Context, runner querier, userID string, defaults billing.AccountDefaults, nowUnixUTC int64) (billing.Account, error) {
	_, err := runner.Exec(ctx, sqlInsertAccountIfAbsent, userID, defaults.Plan.String(), defaults.CreditsAvailable, nowUnixUTC)
	if err != nil {
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	account, found, err := getAccount(ctx, runner, userID, sqlSelectAccountForUpdate)
	if err != nil {
		return billing.Account{}, err
	}
	if !found {
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, pgx.ErrNoRows)
	}
	return account, nil
}

func getAccount(ctx context.Context, runner querier, userID string, query string) (billing.Account, bool, error) {
	var (
		planValue string
		account   billing.Account
	)
	err := runner.QueryRow(ctx, query, userID).Scan(
		&account.UserID,
		&planValue,
		&account.CreditsAvailable,
		&account.CreditsRefreshAtUnixUTC,
		&account.TrialUsed,
		&account.IsFrozen,
		&account.ExternalCustomerRef,
		&account.ExternalSubscriptionRef,
		&account.CreatedUnixUTC,
		&account.UpdatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Account{}, false, nil
	}
	if err != nil {
		return billing.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	plan, err := billing.ParsePlan(planValue)
	if err != nil {
		return billing.Account{}, false, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	account.Plan = plan
	return account, true, nil
}

func updateAccount(ctx context.Context, runner querier, account billing.Account) error {
	tag, err := runner.Exec(ctx, sqlUpdateAccount,
		account.UserID,
		account.Plan.String(),
		account.CreditsAvailable,
		account.CreditsRefreshAtUnixUTC,
		account.TrialUsed,
		account.IsFrozen,
		account.ExternalCustomerRef,
		account.ExternalSubscriptionRef,
		account.UpdatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, billing.ErrInvalidUserID)
	}
	return nil
}

func createHold(ctx context.Context, runner querier, hold billing.Hold) (billing.Hold, error) {
	err := runner.QueryRow(ctx, sqlInsertHold,
		hold.UserID,
		hold.RequestID,
		hold.Amount,
		hold.Status.String(),
		hold.Reason,
		hold.ExpiresAtUnixUTC,
		hold.CreatedUnixUTC,
	).Scan(&hold.HoldID)
	if isUniqueViolation(err, constraintHoldRequest) {
		return billing.Hold{}, wrapStoreError(errorSubjectHold, errorCodeDuplicate, billing.ErrHoldExists)
	}
	if err != nil {
		return billing.Hold{}, wrapStoreError(errorSubjectHold, errorCodeCreate, err)
	}
	return hold, nil
}

func getHold(ctx context.Context, runner querier, requestID string, query string) (billing.Hold, bool, error) {
	var (
		statusValue string
		hold        billing.Hold
	)
	err := runner.QueryRow(ctx, query, requestID).Scan(
		&hold.HoldID,
		&hold.UserID,
		&hold.RequestID,
		&hold.Amount,
		&statusValue,
		&hold.Reason,
		&hold.ExpiresAtUnixUTC,
		&hold.CreatedUnixUTC,
		&hold.UpdatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.Hold{}, false, nil
	}
	if err != nil {
		return billing.Hold{}, false, wrapStoreError(errorSubjectHold, errorCodeGet, err)
	}
	status, err := billing.ParseHoldStatus(statusValue)
	if err != nil {
		return billing.Hold{}, false, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
	}
	hold.Status = status
	return hold, true, nil
}

func updateHoldStatus(ctx context.Context, runner querier, holdID string, from, to billing.HoldStatus, reason string, nowUnixUTC int64) error {
	tag, err := runner.Exec(ctx, sqlUpdateHoldStatus, holdID, from.String(), to.String(), reason, nowUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateStatus, billing.ErrInvalidHoldStatus)
	}
	return nil
}

func insertLedgerEntry(ctx context.Context, runner querier, entry billing.LedgerEntry) error {
	_, err := runner.Exec(ctx, sqlInsertEntry,
		entry.UserID,
		entry.RequestID,
		entry.HoldID,
		entry.Type.String(),
		entry.CreditsChange,
		entry.BalanceAfter,
		entry.MetadataJSON,
		entry.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintLedgerRequest) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, billing.ErrDuplicateRequest)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func getEntryByRequest(ctx context.Context, runner querier, requestID string, entryType billing.EntryType) (billing.LedgerEntry, bool, error) {
	row := runner.QueryRow(ctx, sqlSelectEntryByRequest, requestID, entryType.String())
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.LedgerEntry{}, false, nil
	}
	if err != nil {
		return billing.LedgerEntry{}, false, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return entry, true, nil
}

func listLedgerEntries(ctx context.Context, runner querier, userID string, limit int) ([]billing.LedgerEntry, error) {
	rows, err := runner.Query(ctx, sqlListEntries, userID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]billing.LedgerEntry, 0, 32)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (billing.LedgerEntry, error) {
	var (
		typeValue string
		entry     billing.LedgerEntry
	)
	if err := row.Scan(
		&entry.EntryID,
		&entry.UserID,
		&entry.RequestID,
		&entry.HoldID,
		&typeValue,
		&entry.CreditsChange,
		&entry.BalanceAfter,
		&entry.MetadataJSON,
		&entry.CreatedUnixUTC,
	); err != nil {
		return billing.LedgerEntry{}, err
	}
	entryType, err := billing.ParseEntryType(typeValue)
	if err != nil {
		return billing.LedgerEntry{}, err
	}
	entry.Type = entryType
	return entry, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
