package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxPayloadBytes bounds a single mutation payload.
const DefaultMaxPayloadBytes = 64 * 1024

// Validation reason codes reported back to clients.
const (
	ReasonInvalidID        = "invalid_id"
	ReasonUnknownTable     = "unknown_table"
	ReasonUnknownOp        = "unknown_op"
	ReasonInvalidPayload   = "invalid_payload"
	ReasonPayloadTooLarge  = "payload_too_large"
	ReasonInvalidTimestamp = "invalid_timestamp"
	ReasonInvalidDeviceID  = "invalid_device_id"
	ReasonMalformed        = "malformed"
	// ReasonValidationFailed is used by clients when the server omitted a mutation without a reason.
	ReasonValidationFailed = "validation_failed"
)

// ErrInvalidMutation is the sentinel wrapped by every ValidationError.
var ErrInvalidMutation = errors.New("protocol: invalid mutation")

// Mutation is the wire form of a mutation record.
type Mutation struct {
	ID              string          `json:"id"`
	Table           string          `json:"table"`
	Op              string          `json:"op"`
	Payload         json.RawMessage `json:"payload"`
	ClientTimestamp string          `json:"clientTimestamp,omitempty"`
	DeviceID        string          `json:"deviceId,omitempty"`
}

// Limits bounds what the validator accepts.
type Limits struct {
	MaxPayloadBytes int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: DefaultMaxPayloadBytes}
}

// ValidationError reports why a mutation was rejected.
type ValidationError struct {
	Code string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrInvalidMutation, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", ErrInvalidMutation, e.Code, e.Err)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidMutation}
	}
	return []error{ErrInvalidMutation, e.Err}
}

func newValidationError(code string, cause error) error {
	return &ValidationError{Code: code, Err: cause}
}

// ReasonOf extracts the validation reason code, falling back to ReasonValidationFailed.
func ReasonOf(err error) string {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Code
	}
	return ReasonValidationFailed
}

// ValidatedMutation is a mutation that passed shape and schema validation.
type ValidatedMutation struct {
	MutationID      string
	Table           Table
	Operation       Operation
	EntityID        string
	Data            json.RawMessage
	ClientTimestamp string
	DeviceID        string
}

// ValidateMutation checks the mutation shape, payload size, and per-table schema.
func ValidateMutation(mutation Mutation, limits Limits) (ValidatedMutation, error) {
	if limits.MaxPayloadBytes <= 0 {
		limits.MaxPayloadBytes = DefaultMaxPayloadBytes
	}

	mutationID, err := ValidateIdentifier(mutation.ID)
	if err != nil {
		return ValidatedMutation{}, newValidationError(ReasonInvalidID, err)
	}
	table, err := ParseTable(mutation.Table)
	if err != nil {
		return ValidatedMutation{}, newValidationError(ReasonUnknownTable, err)
	}
	operation, err := ParseOperation(mutation.Op)
	if err != nil {
		return ValidatedMutation{}, newValidationError(ReasonUnknownOp, err)
	}
	if len(mutation.Payload) > limits.MaxPayloadBytes {
		return ValidatedMutation{}, newValidationError(ReasonPayloadTooLarge,
			fmt.Errorf("payload is %d bytes, limit %d", len(mutation.Payload), limits.MaxPayloadBytes))
	}
	if len(mutation.Payload) == 0 {
		return ValidatedMutation{}, newValidationError(ReasonInvalidPayload, errMissingField)
	}
	if mutation.ClientTimestamp != "" {
		if _, err := time.Parse(time.RFC3339, mutation.ClientTimestamp); err != nil {
			return ValidatedMutation{}, newValidationError(ReasonInvalidTimestamp, err)
		}
	}
	if len(mutation.DeviceID) > maxIdentifierLength {
		return ValidatedMutation{}, newValidationError(ReasonInvalidDeviceID,
			fmt.Errorf("exceeds %d characters", maxIdentifierLength))
	}

	validated := ValidatedMutation{
		MutationID:      mutationID,
		Table:           table,
		Operation:       operation,
		ClientTimestamp: mutation.ClientTimestamp,
		DeviceID:        mutation.DeviceID,
	}
	if operation == OperationDelete {
		entityID, err := decodeEntityID(mutation.Payload)
		if err != nil {
			return ValidatedMutation{}, newValidationError(ReasonInvalidPayload, err)
		}
		validated.EntityID = entityID
		return validated, nil
	}

	entityID, data, err := decodeUpsertPayload(table, mutation.Payload)
	if err != nil {
		return ValidatedMutation{}, newValidationError(ReasonInvalidPayload, err)
	}
	validated.EntityID = entityID
	validated.Data = data
	return validated, nil
}
