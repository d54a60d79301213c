package billing

// ApplyMonthlyRefreshIfDue is a pure decision function: when a paid plan's
// refresh timestamp has passed it replaces the balance with the plan's monthly
// allotment and advances the timestamp by whole refresh intervals until it is
// in the future. The second return reports whether the account changed.
func ApplyMonthlyRefreshIfDue(account Account, config Config, nowUnixUTC int64) (Account, bool) {
	if !account.Plan.IsPaid() {
		return account, false
	}
	if account.CreditsRefreshAtUnixUTC == 0 || account.CreditsRefreshAtUnixUTC > nowUnixUTC {
		return account, false
	}
	intervalSeconds := int64(config.RefreshInterval.Seconds())
	refreshAt := account.CreditsRefreshAtUnixUTC
	for refreshAt <= nowUnixUTC {
		refreshAt += intervalSeconds
	}
	account.CreditsAvailable = config.Allotment(account.Plan)
	account.CreditsRefreshAtUnixUTC = refreshAt
	account.UpdatedUnixUTC = nowUnixUTC
	return account, true
}

// clampBalance keeps the materialized balance non-negative.
func clampBalance(balance int64) int64 {
	if balance < 0 {
		return 0
	}
	return balance
}
