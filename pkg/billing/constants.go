package billing

const (
	operationReserve    = "reserve"
	operationFinalize   = "finalize"
	operationRelease    = "release"
	operationCancel     = "cancel"
	operationGrant      = "grant"
	operationRefund     = "refund"
	operationPenalty    = "penalty"
	operationTrialGrant = "trial_grant"
	operationSetPlan    = "set_plan"
	operationSetFrozen  = "set_frozen"

	operationStatusOK    = "ok"
	operationStatusError = "error"
	operationStatusNoop  = "noop"
)
