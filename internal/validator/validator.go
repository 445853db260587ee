package validator

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ramazulay/email-relay/internal/secret"
)

// Plausible range for event timestamps: 2000-01-01 through 2100-01-01 UTC.
const (
	MinTimestamp int64 = 946684800
	MaxTimestamp int64 = 4102444800
)

// RequiredFields lists the event members every ingest payload must carry.
//
//nolint:golint,gochecknoglobals
var RequiredFields = []string{"subject", "sender", "timestamp", "content"}

var (
	ErrMissingSecret     = errors.New("token is required")
	ErrSecretMismatch    = errors.New("invalid token")
	ErrSecretUnavailable = errors.New("token could not be verified")
)

type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "Missing required fields: " + strings.Join(e.Fields, ", ")
}

type EmptyFieldsError struct {
	Fields []string
}

func (e *EmptyFieldsError) Error() string {
	return "Empty fields not allowed: " + strings.Join(e.Fields, ", ")
}

type InvalidTimestampError struct {
	Reason string
}

func (e *InvalidTimestampError) Error() string {
	return "Invalid timestamp: " + e.Reason
}

// IsAuthError reports whether err is one of the secret gate failures.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingSecret) || errors.Is(err, ErrSecretMismatch)
}

type Validator struct {
	secrets secret.Provider
}

func New(secrets secret.Provider) *Validator {
	return &Validator{secrets: secrets}
}

// Validate checks the provided secret first and only then the event fields.
// The stored secret is fetched on every call.
func (v *Validator) Validate(ctx context.Context, providedSecret string, data map[string]any) error {
	if providedSecret == "" {
		return ErrMissingSecret
	}
	current, err := v.secrets.CurrentSecret(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSecretUnavailable, err)
	}
	if subtle.ConstantTimeCompare([]byte(providedSecret), []byte(current)) != 1 {
		return ErrSecretMismatch
	}
	return ValidateFields(data)
}

// ValidateFields runs the field and timestamp checks. Missing and empty
// checks each cover the whole required set so every offender is reported.
func ValidateFields(data map[string]any) error {
	var missing []string
	for _, field := range RequiredFields {
		if _, ok := data[field]; !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return &MissingFieldsError{Fields: missing}
	}

	var empty []string
	for _, field := range RequiredFields {
		if isEmpty(data[field]) {
			empty = append(empty, field)
		}
	}
	if len(empty) > 0 {
		return &EmptyFieldsError{Fields: empty}
	}

	if _, err := ParseTimestamp(data["timestamp"]); err != nil {
		return err
	}
	return nil
}

// ParseTimestamp accepts an integral JSON number or a base-10 integer string
// within [MinTimestamp, MaxTimestamp].
func ParseTimestamp(value any) (int64, error) {
	var ts int64
	switch v := value.(type) {
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, &InvalidTimestampError{Reason: "Invalid timestamp format"}
		}
		ts = parsed
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			ts = parsed
			break
		}
		// 1693561101.0 and 1.693561101e9 are integral too.
		f, err := v.Float64()
		if err != nil {
			return 0, &InvalidTimestampError{Reason: "Invalid timestamp format"}
		}
		return parseFloatTimestamp(f)
	case float64:
		return parseFloatTimestamp(v)
	case int64:
		ts = v
	case int:
		ts = int64(v)
	default:
		return 0, &InvalidTimestampError{Reason: "Invalid timestamp format"}
	}
	if ts < MinTimestamp || ts > MaxTimestamp {
		return 0, &InvalidTimestampError{Reason: "Timestamp out of reasonable range"}
	}
	return ts, nil
}

func parseFloatTimestamp(v float64) (int64, error) {
	if math.IsInf(v, 0) || math.IsNaN(v) || v != math.Trunc(v) {
		return 0, &InvalidTimestampError{Reason: "Invalid timestamp format"}
	}
	if v < float64(MinTimestamp) || v > float64(MaxTimestamp) {
		return 0, &InvalidTimestampError{Reason: "Timestamp out of reasonable range"}
	}
	return int64(v), nil
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case bool:
		return !v
	case float64:
		return v == 0
	case json.Number:
		f, err := v.Float64()
		return err == nil && f == 0
	case int:
		return v == 0
	case int64:
		return v == 0
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	default:
		return false
	}
}
