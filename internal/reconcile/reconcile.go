package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/changeroom/billingcore/pkg/billing"
	"go.uber.org/zap"
)

// PaymentRecord is one settled payment from the provider's books, expressed
// in credits already converted from the charged amount.
type PaymentRecord struct {
	UserID    string            `json:"user_id"`
	RequestID string            `json:"request_id"`
	Credits   int64             `json:"credits"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Source streams payment records. Next returns false when the stream is
// exhausted.
type Source interface {
	Next(ctx context.Context) (PaymentRecord, bool, error)
}

// Granter applies a missing grant. *billing.Service satisfies it.
type Granter interface {
	Grant(ctx context.Context, userID billing.UserID, requestID billing.RequestID, amount billing.CreditAmount, metadata billing.MetadataJSON) (billing.Account, error)
}

// Report summarizes one reconciliation pass.
type Report struct {
	Checked         int
	AlreadyApplied  int
	Mismatched      int
	Missing         int
	MissingCredits  int64
	Applied         int
	MissingRequests []string
}

// Reconciler cross-checks payment records against the grant ledger and,
// outside dry-run, applies the grants the ledger is missing.
type Reconciler struct {
	store   billing.Store
	granter Granter
	logger  *zap.Logger
}

// New wires a Reconciler.
func New(store billing.Store, granter Granter, logger *zap.Logger) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", billing.ErrInvalidConfig)
	}
	if granter == nil {
		return nil, fmt.Errorf("%w: granter dependency is nil", billing.ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, granter: granter, logger: logger}, nil
}

// Run walks the source once. A record whose request id already has a grant
// entry is checked for amount agreement; a record with no grant entry is
// applied unless dryRun is set.
func (reconciler *Reconciler) Run(ctx context.Context, source Source, dryRun bool) (Report, error) {
	var report Report
	for {
		record, ok, err := source.Next(ctx)
		if err != nil {
			return report, err
		}
		if !ok {
			return report, nil
		}
		report.Checked++
		entry, found, err := reconciler.store.GetEntryByRequest(ctx, record.RequestID, billing.EntryGrant)
		if err != nil {
			return report, err
		}
		if found {
			if entry.CreditsChange != record.Credits {
				report.Mismatched++
				reconciler.logger.Warn("grant amount mismatch",
					zap.String("request_id", record.RequestID),
					zap.Int64("ledger_credits", entry.CreditsChange),
					zap.Int64("payment_credits", record.Credits),
				)
				continue
			}
			report.AlreadyApplied++
			continue
		}
		report.Missing++
		report.MissingCredits += record.Credits
		report.MissingRequests = append(report.MissingRequests, record.RequestID)
		if dryRun {
			continue
		}
		if err := reconciler.applyGrant(ctx, record); err != nil {
			return report, err
		}
		report.Applied++
	}
}

func (reconciler *Reconciler) applyGrant(ctx context.Context, record PaymentRecord) error {
	userID, err := billing.NewUserID(record.UserID)
	if err != nil {
		return fmt.Errorf("record %s: %w", record.RequestID, err)
	}
	requestID, err := billing.NewRequestID(record.RequestID)
	if err != nil {
		return fmt.Errorf("record %s: %w", record.RequestID, err)
	}
	amount, err := billing.NewCreditAmount(record.Credits)
	if err != nil {
		return fmt.Errorf("record %s: %w", record.RequestID, err)
	}
	metadata, err := billing.NewMetadataJSON(encodeRecordMetadata(record.Metadata))
	if err != nil {
		return fmt.Errorf("record %s: %w", record.RequestID, err)
	}
	if _, err := reconciler.granter.Grant(ctx, userID, requestID, amount, metadata); err != nil {
		return fmt.Errorf("record %s: %w", record.RequestID, err)
	}
	reconciler.logger.Info("applied missing grant",
		zap.String("request_id", record.RequestID),
		zap.String("user_id", record.UserID),
		zap.Int64("credits", record.Credits),
	)
	return nil
}

func encodeRecordMetadata(pairs map[string]string) string {
	merged := map[string]string{"source": "reconcile"}
	for key, value := range pairs {
		merged[key] = value
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
