package billing

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"
)

const testNowUnixUTC = int64(1_700_000_000)

type stubState struct {
	accounts map[string]Account
	holds    map[string]Hold
	entries  []LedgerEntry
	sequence int
}

// stubStore is an in-memory Store. WithTx serializes callers behind a mutex,
// which stands in for the row locks a SQL store takes, and rolls the state
// back when the closure fails.
type stubStore struct {
	mu    sync.Mutex
	state stubState
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{state: stubState{
		accounts: map[string]Account{},
		holds:    map[string]Hold{},
	}}
}

func (store *stubStore) seedAccount(test *testing.T, account Account) {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	store.state.accounts[account.UserID] = account
}

func (store *stubStore) accountFor(test *testing.T, userID string) Account {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	account, found := store.state.accounts[userID]
	if !found {
		test.Fatalf("account %q not found", userID)
	}
	return account
}

func (store *stubStore) holdFor(test *testing.T, requestID string) Hold {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	hold, found := store.state.holds[requestID]
	if !found {
		test.Fatalf("hold %q not found", requestID)
	}
	return hold
}

func (store *stubStore) allEntries() []LedgerEntry {
	store.mu.Lock()
	defer store.mu.Unlock()
	return slices.Clone(store.state.entries)
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	accountsSnapshot := maps.Clone(store.state.accounts)
	holdsSnapshot := maps.Clone(store.state.holds)
	entriesSnapshot := slices.Clone(store.state.entries)
	sequenceSnapshot := store.state.sequence
	if err := fn(ctx, &stubTxStore{state: &store.state}); err != nil {
		store.state.accounts = accountsSnapshot
		store.state.holds = holdsSnapshot
		store.state.entries = entriesSnapshot
		store.state.sequence = sequenceSnapshot
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, userID string, defaults AccountDefaults, nowUnixUTC int64) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTxStore{state: &store.state}).GetOrCreateAccount(ctx, userID, defaults, nowUnixUTC)
}

func (store *stubStore) GetAccount(ctx context.Context, userID string) (Account, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTxStore{state: &store.state}).GetAccount(ctx, userID)
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, userID string) (Account, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTxStore{state: &store.state}).GetAccountForUpdate(ctx, userID)
}

func (store *stubStore) UpdateAccount(ctx context.Context, account Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTxStore{state: &store.state}).UpdateAccount(ctx, account)
}

func (store *stubStore) CreateHold(ctx context.Context, hold Hold) (Hold, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTxStore{state: &store.state}).CreateHold(ctx, hold)
}

func (store *stubStore) GetHold(ctx context.Context, requestID string) (Hold, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTxStore{state: &store.state}).GetHold(ctx, requestID)
}

func (store *stubStore) GetHoldForUpdate(ctx context.Context, requestID string) (Hold, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTxStore{state: &store.state}).GetHoldForUpdate(ctx, requestID)
}

func (store *stubStore) UpdateHoldStatus(ctx context.Context, holdID string, from, to HoldStatus, reason string, nowUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTxStore{state: &store.state}).UpdateHoldStatus(ctx, holdID, from, to, reason, nowUnixUTC)
}

func (store *stubStore) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTxStore{state: &store.state}).InsertLedgerEntry(ctx, entry)
}

func (store *stubStore) GetEntryByRequest(ctx context.Context, requestID string, entryType EntryType) (LedgerEntry, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTxStore{state: &store.state}).GetEntryByRequest(ctx, requestID, entryType)
}

func (store *stubStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubTxStore{state: &store.state}).ListLedgerEntries(ctx, userID, limit)
}

type stubTxStore struct {
	state *stubState
}

func (tx *stubTxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, tx)
}

func (tx *stubTxStore) GetOrCreateAccount(_ context.Context, userID string, defaults AccountDefaults, nowUnixUTC int64) (Account, error) {
	if account, found := tx.state.accounts[userID]; found {
		return account, nil
	}
	account := Account{
		UserID:           userID,
		Plan:             defaults.Plan,
		CreditsAvailable: defaults.CreditsAvailable,
		CreatedUnixUTC:   nowUnixUTC,
		UpdatedUnixUTC:   nowUnixUTC,
	}
	tx.state.accounts[userID] = account
	return account, nil
}

func (tx *stubTxStore) GetAccount(_ context.Context, userID string) (Account, bool, error) {
	account, found := tx.state.accounts[userID]
	return account, found, nil
}

func (tx *stubTxStore) GetAccountForUpdate(_ context.Context, userID string) (Account, bool, error) {
	account, found := tx.state.accounts[userID]
	return account, found, nil
}

func (tx *stubTxStore) UpdateAccount(_ context.Context, account Account) error {
	tx.state.accounts[account.UserID] = account
	return nil
}

func (tx *stubTxStore) CreateHold(_ context.Context, hold Hold) (Hold, error) {
	if _, exists := tx.state.holds[hold.RequestID]; exists {
		return Hold{}, ErrHoldExists
	}
	tx.state.sequence++
	hold.HoldID = fmt.Sprintf("hold-%d", tx.state.sequence)
	tx.state.holds[hold.RequestID] = hold
	return hold, nil
}

func (tx *stubTxStore) GetHold(_ context.Context, requestID string) (Hold, bool, error) {
	hold, found := tx.state.holds[requestID]
	return hold, found, nil
}

func (tx *stubTxStore) GetHoldForUpdate(_ context.Context, requestID string) (Hold, bool, error) {
	hold, found := tx.state.holds[requestID]
	return hold, found, nil
}

func (tx *stubTxStore) UpdateHoldStatus(_ context.Context, holdID string, from, to HoldStatus, reason string, nowUnixUTC int64) error {
	for requestID, hold := range tx.state.holds {
		if hold.HoldID != holdID {
			continue
		}
		if hold.Status != from {
			return fmt.Errorf("%w: hold %s is %s, want %s", ErrInvalidHoldStatus, holdID, hold.Status, from)
		}
		hold.Status = to
		if reason != "" {
			hold.Reason = reason
		}
		hold.UpdatedUnixUTC = nowUnixUTC
		tx.state.holds[requestID] = hold
		return nil
	}
	return fmt.Errorf("%w: hold %s not found", ErrInvalidHoldStatus, holdID)
}

func (tx *stubTxStore) InsertLedgerEntry(_ context.Context, entry LedgerEntry) error {
	if entry.RequestID != "" {
		for _, existing := range tx.state.entries {
			if existing.RequestID == entry.RequestID && existing.Type == entry.Type {
				return ErrDuplicateRequest
			}
		}
	}
	tx.state.sequence++
	entry.EntryID = fmt.Sprintf("entry-%d", tx.state.sequence)
	tx.state.entries = append(tx.state.entries, entry)
	return nil
}

func (tx *stubTxStore) GetEntryByRequest(_ context.Context, requestID string, entryType EntryType) (LedgerEntry, bool, error) {
	for _, entry := range tx.state.entries {
		if entry.RequestID == requestID && entry.Type == entryType {
			return entry, true, nil
		}
	}
	return LedgerEntry{}, false, nil
}

func (tx *stubTxStore) ListLedgerEntries(_ context.Context, userID string, limit int) ([]LedgerEntry, error) {
	var matched []LedgerEntry
	for index := len(tx.state.entries) - 1; index >= 0 && len(matched) < limit; index-- {
		if tx.state.entries[index].UserID == userID {
			matched = append(matched, tx.state.entries[index])
		}
	}
	return matched, nil
}

type recorderLogger struct {
	mu      sync.Mutex
	records []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.records = append(logger.records, entry)
}

func (logger *recorderLogger) all() []OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	return slices.Clone(logger.records)
}

func testConfig() Config {
	return Config{
		NewAccountCredits: 0,
		PlanAllotments: map[Plan]int64{
			PlanFree:     0,
			PlanStandard: 100,
			PlanPro:      300,
		},
		RefreshInterval: 30 * 24 * time.Hour,
	}
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, testConfig(), func() int64 { return testNowUnixUTC }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustRequestID(test *testing.T, raw string) RequestID {
	test.Helper()
	requestID, err := NewRequestID(raw)
	if err != nil {
		test.Fatalf("request id %q: %v", raw, err)
	}
	return requestID
}

func mustAmount(test *testing.T, raw int64) CreditAmount {
	test.Helper()
	amount, err := NewCreditAmount(raw)
	if err != nil {
		test.Fatalf("amount %d: %v", raw, err)
	}
	return amount
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}
