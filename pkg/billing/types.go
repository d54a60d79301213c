package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// UserID identifies an account owner. The identity provider supplies it as an
// opaque stable string; the core trusts it as given.
type UserID struct {
	value string
}

// RequestID is the caller-supplied idempotency key for a hold, grant, or
// adjustment.
type RequestID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// CreditAmount is a strictly positive number of credits.
type CreditAmount int64

// Plan enumerates subscription tiers.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanStandard Plan = "standard"
	PlanPro      Plan = "pro"
)

// HoldStatus defines the hold lifecycle. Terminal states are immutable.
type HoldStatus string

const (
	HoldStatusActive    HoldStatus = "active"
	HoldStatusDebited   HoldStatus = "debited"
	HoldStatusReleased  HoldStatus = "released"
	HoldStatusCancelled HoldStatus = "cancelled"
	HoldStatusExpired   HoldStatus = "expired"
)

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryGrant      EntryType = "grant"
	EntryHold       EntryType = "hold"
	EntryDebit      EntryType = "debit"
	EntryRelease    EntryType = "release"
	EntryRefund     EntryType = "refund"
	EntryAdjustment EntryType = "adjustment"
)

// Account is the durable billing record for one user. The balance is a
// materialized projection of ledger effects, mutated only under its row lock.
type Account struct {
	UserID                  string
	Plan                    Plan
	CreditsAvailable        int64
	CreditsRefreshAtUnixUTC int64
	TrialUsed               bool
	IsFrozen                bool
	ExternalCustomerRef     string
	ExternalSubscriptionRef string
	CreatedUnixUTC          int64
	UpdatedUnixUTC          int64
}

// Hold is one reservation attempt, keyed by the caller's request id.
type Hold struct {
	HoldID           string
	UserID           string
	RequestID        string
	Amount           int64
	Status           HoldStatus
	Reason           string
	ExpiresAtUnixUTC int64
	CreatedUnixUTC   int64
	UpdatedUnixUTC   int64
}

// IsTerminal reports whether the hold can no longer transition.
func (hold Hold) IsTerminal() bool {
	return hold.Status != HoldStatusActive
}

// IsExpired reports whether the advisory expiry has passed. Expiry is never
// auto-enforced; an operational sweeper may release expired holds.
func (hold Hold) IsExpired(nowUnixUTC int64) bool {
	return hold.ExpiresAtUnixUTC != 0 && hold.ExpiresAtUnixUTC <= nowUnixUTC
}

// LedgerEntry is a single immutable line in the ledger. RequestID and HoldID
// are empty when not applicable.
type LedgerEntry struct {
	EntryID        string
	UserID         string
	RequestID      string
	HoldID         string
	Type           EntryType
	CreditsChange  int64
	BalanceAfter   int64
	MetadataJSON   string
	CreatedUnixUTC int64
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewRequestID validates and normalizes a request id.
func NewRequestID(raw string) (RequestID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RequestID{}, fmt.Errorf("%w: empty value", ErrRequestIDRequired)
	}
	return RequestID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id RequestID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrAmountNotPositive)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw credit count.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// ParsePlan validates a plan name.
func ParsePlan(raw string) (Plan, error) {
	switch Plan(strings.TrimSpace(raw)) {
	case PlanFree:
		return PlanFree, nil
	case PlanStandard:
		return PlanStandard, nil
	case PlanPro:
		return PlanPro, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPlan, raw)
}

// String returns the plan name.
func (plan Plan) String() string {
	return string(plan)
}

// IsPaid reports whether the plan carries a monthly allotment refresh.
func (plan Plan) IsPaid() bool {
	return plan == PlanStandard || plan == PlanPro
}

// ParseHoldStatus validates a stored hold status.
func ParseHoldStatus(raw string) (HoldStatus, error) {
	switch HoldStatus(raw) {
	case HoldStatusActive, HoldStatusDebited, HoldStatusReleased, HoldStatusCancelled, HoldStatusExpired:
		return HoldStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidHoldStatus, raw)
}

// String returns the status name.
func (status HoldStatus) String() string {
	return string(status)
}

// ParseEntryType validates a stored entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryGrant, EntryHold, EntryDebit, EntryRelease, EntryRefund, EntryAdjustment:
		return EntryType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// String returns the entry type name.
func (entryType EntryType) String() string {
	return string(entryType)
}

// ReserveResult carries the outcome of a reservation call. Created is false
// when the request id replayed an existing hold.
type ReserveResult struct {
	Hold    Hold
	Created bool
	Account Account
}

// AccountDefaults seeds a lazily created account.
type AccountDefaults struct {
	Plan             Plan
	CreditsAvailable int64
}

// Store is the persistence contract used by Service. Implementations must
// provide row-level locking semantics: GetOrCreateAccount and
// GetAccountForUpdate hold the account row lock for the rest of the
// transaction, GetHoldForUpdate holds the hold row lock.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, userID string, defaults AccountDefaults, nowUnixUTC int64) (Account, error)
	GetAccount(ctx context.Context, userID string) (Account, bool, error)
	GetAccountForUpdate(ctx context.Context, userID string) (Account, bool, error)
	UpdateAccount(ctx context.Context, account Account) error
	CreateHold(ctx context.Context, hold Hold) (Hold, error)
	GetHold(ctx context.Context, requestID string) (Hold, bool, error)
	GetHoldForUpdate(ctx context.Context, requestID string) (Hold, bool, error)
	UpdateHoldStatus(ctx context.Context, holdID string, from, to HoldStatus, reason string, nowUnixUTC int64) error
	InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error
	GetEntryByRequest(ctx context.Context, requestID string, entryType EntryType) (LedgerEntry, bool, error)
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)
}
