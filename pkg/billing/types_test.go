package billing

import (
	"errors"
	"testing"
)

func TestNewUserIDRejectsBlank(test *testing.T) {
	test.Parallel()
	if _, err := NewUserID("   "); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	userID, err := NewUserID("  user-9  ")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	if userID.String() != "user-9" {
		test.Fatalf("expected trimmed id, got %q", userID.String())
	}
}

func TestNewRequestIDRejectsBlank(test *testing.T) {
	test.Parallel()
	if _, err := NewRequestID(""); !errors.Is(err, ErrRequestIDRequired) {
		test.Fatalf("expected ErrRequestIDRequired, got %v", err)
	}
}

func TestNewCreditAmountRejectsNonPositive(test *testing.T) {
	test.Parallel()
	for _, raw := range []int64{0, -1, -100} {
		if _, err := NewCreditAmount(raw); !errors.Is(err, ErrAmountNotPositive) {
			test.Fatalf("amount %d: expected ErrAmountNotPositive, got %v", raw, err)
		}
	}
	amount, err := NewCreditAmount(12)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	if amount.Int64() != 12 {
		test.Fatalf("expected 12, got %d", amount.Int64())
	}
}

func TestNewMetadataJSONDefaultsAndValidates(test *testing.T) {
	test.Parallel()
	metadata, err := NewMetadataJSON("")
	if err != nil {
		test.Fatalf("empty metadata: %v", err)
	}
	if metadata.String() != "{}" {
		test.Fatalf("expected empty object, got %q", metadata.String())
	}
	if _, err := NewMetadataJSON("{not json"); !errors.Is(err, ErrInvalidMetadataJSON) {
		test.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
}

func TestParsePlan(test *testing.T) {
	test.Parallel()
	for _, raw := range []string{"free", "standard", "pro"} {
		if _, err := ParsePlan(raw); err != nil {
			test.Fatalf("plan %q: %v", raw, err)
		}
	}
	if _, err := ParsePlan("enterprise"); !errors.Is(err, ErrInvalidPlan) {
		test.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
}

func TestParseHoldStatusRejectsUnknown(test *testing.T) {
	test.Parallel()
	if _, err := ParseHoldStatus("pending"); !errors.Is(err, ErrInvalidHoldStatus) {
		test.Fatalf("expected ErrInvalidHoldStatus, got %v", err)
	}
}

func TestParseEntryTypeRejectsUnknown(test *testing.T) {
	test.Parallel()
	if _, err := ParseEntryType("spend"); !errors.Is(err, ErrInvalidEntryType) {
		test.Fatalf("expected ErrInvalidEntryType, got %v", err)
	}
}

func TestHoldIsExpired(test *testing.T) {
	test.Parallel()
	hold := Hold{ExpiresAtUnixUTC: 0}
	if hold.IsExpired(testNowUnixUTC) {
		test.Fatalf("zero expiry means no expiry")
	}
	hold.ExpiresAtUnixUTC = testNowUnixUTC - 1
	if !hold.IsExpired(testNowUnixUTC) {
		test.Fatalf("past expiry must report expired")
	}
}
