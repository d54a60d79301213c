package httpapi

import (
	"encoding/json"
	"strconv"

	"github.com/changeroom/billingcore/pkg/billing"
)

type accountPayload struct {
	UserID                  string `json:"user_id"`
	Plan                    string `json:"plan"`
	CreditsAvailable        int64  `json:"credits_available"`
	CreditsRefreshAtUnixUTC int64  `json:"credits_refresh_at_unix_utc"`
	TrialUsed               bool   `json:"trial_used"`
	IsFrozen                bool   `json:"is_frozen"`
}

type holdPayload struct {
	HoldID           string `json:"hold_id"`
	RequestID        string `json:"request_id"`
	UserID           string `json:"user_id"`
	Amount           int64  `json:"amount"`
	Status           string `json:"status"`
	Reason           string `json:"reason,omitempty"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc,omitempty"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Type           string          `json:"type"`
	RequestID      string          `json:"request_id,omitempty"`
	HoldID         string          `json:"hold_id,omitempty"`
	CreditsChange  int64           `json:"credits_change"`
	BalanceAfter   int64           `json:"balance_after"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func accountPayloadFrom(account billing.Account) accountPayload {
	return accountPayload{
		UserID:                  account.UserID,
		Plan:                    account.Plan.String(),
		CreditsAvailable:        account.CreditsAvailable,
		CreditsRefreshAtUnixUTC: account.CreditsRefreshAtUnixUTC,
		TrialUsed:               account.TrialUsed,
		IsFrozen:                account.IsFrozen,
	}
}

func holdPayloadFrom(hold billing.Hold) holdPayload {
	return holdPayload{
		HoldID:           hold.HoldID,
		RequestID:        hold.RequestID,
		UserID:           hold.UserID,
		Amount:           hold.Amount,
		Status:           hold.Status.String(),
		Reason:           hold.Reason,
		ExpiresAtUnixUTC: hold.ExpiresAtUnixUTC,
		CreatedUnixUTC:   hold.CreatedUnixUTC,
	}
}

func entryPayloadFrom(entry billing.LedgerEntry) entryPayload {
	metadata := entry.MetadataJSON
	if metadata == "" {
		metadata = "{}"
	}
	return entryPayload{
		EntryID:        entry.EntryID,
		Type:           entry.Type.String(),
		RequestID:      entry.RequestID,
		HoldID:         entry.HoldID,
		CreditsChange:  entry.CreditsChange,
		BalanceAfter:   entry.BalanceAfter,
		Metadata:       json.RawMessage(metadata),
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
}

func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}
