package changestream

import (
	"fmt"

	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
)

// NewMalformedRecordError reports a record that is missing required fields.
func NewMalformedRecordError(kind RecordKind, format string, args ...interface{}) *cserrors.Error {
	return cserrors.New(cserrors.ErrorTypeMalformedRecord, fmt.Sprintf(format, args...)).
		WithDetail("record_kind", string(kind))
}

// NewInvariantViolationError reports an illegal lifecycle transition or topology change.
func NewInvariantViolationError(token, format string, args ...interface{}) *cserrors.Error {
	return cserrors.New(cserrors.ErrorTypeInvariantViolation, fmt.Sprintf(format, args...)).
		WithDetail("partition_token", token)
}

// NewPartitionUnavailableError reports a partition whose fetch retries are exhausted.
func NewPartitionUnavailableError(token string, attempts int, cause error) *cserrors.Error {
	return cserrors.Wrap(cause, cserrors.ErrorTypePartitionUnavailable,
		fmt.Sprintf("partition %s unavailable after %d attempts", token, attempts)).
		WithDetail("partition_token", token).
		WithDetail("attempts", attempts)
}

// NewOrderingViolationError reports out-of-order delivery or a cross-partition tie.
func NewOrderingViolationError(token, format string, args ...interface{}) *cserrors.Error {
	return cserrors.New(cserrors.ErrorTypeOrderingViolation, fmt.Sprintf(format, args...)).
		WithDetail("partition_token", token)
}

// NewWatermarkRegressionError reports a partition progress moving backwards.
func NewWatermarkRegressionError(token string, from, to Position) *cserrors.Error {
	return cserrors.New(cserrors.ErrorTypeWatermarkRegression,
		fmt.Sprintf("partition %s progress regressed from %s to %s", token, from, to)).
		WithDetail("partition_token", token)
}

// IsMalformedRecord reports whether err is a MalformedRecordError.
func IsMalformedRecord(err error) bool {
	return cserrors.IsType(err, cserrors.ErrorTypeMalformedRecord)
}

// IsInvariantViolation reports whether err is an InvariantViolationError.
func IsInvariantViolation(err error) bool {
	return cserrors.IsType(err, cserrors.ErrorTypeInvariantViolation)
}

// IsPartitionUnavailable reports whether err is a PartitionUnavailableError.
func IsPartitionUnavailable(err error) bool {
	return cserrors.IsType(err, cserrors.ErrorTypePartitionUnavailable)
}

// IsOrderingViolation reports whether err is an OrderingViolationError.
func IsOrderingViolation(err error) bool {
	return cserrors.IsType(err, cserrors.ErrorTypeOrderingViolation)
}

// IsWatermarkRegression reports whether err is a WatermarkRegressionError.
func IsWatermarkRegression(err error) bool {
	return cserrors.IsType(err, cserrors.ErrorTypeWatermarkRegression)
}
