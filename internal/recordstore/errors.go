package recordstore

import (
	"fmt"
	"strconv"
)

// Code is the backend-native failure vocabulary. The transfer engines never
// surface these to subscribers; they are translated into the domain error set
// at the engine boundary.
type Code int

const (
	CodeInternalError Code = iota + 1
	CodePartialFailure
	CodeNetworkUnavailable
	CodeNetworkFailure
	CodeServiceUnavailable
	CodeRequestRateLimited
	CodeNotAuthenticated
	CodePermissionFailure
	CodeUnknownItem
	CodeZoneNotFound
	CodeOperationCancelled
	CodeAssetFileNotFound
	CodeAssetNotAvailable
	CodeQuotaExceeded
	CodeIncompatibleVersion
)

func (c Code) String() string {
	switch c {
	case CodeInternalError:
		return "internal error"
	case CodePartialFailure:
		return "partial failure"
	case CodeNetworkUnavailable:
		return "network unavailable"
	case CodeNetworkFailure:
		return "network failure"
	case CodeServiceUnavailable:
		return "service unavailable"
	case CodeRequestRateLimited:
		return "request rate limited"
	case CodeNotAuthenticated:
		return "not authenticated"
	case CodePermissionFailure:
		return "permission failure"
	case CodeUnknownItem:
		return "unknown item"
	case CodeZoneNotFound:
		return "zone not found"
	case CodeOperationCancelled:
		return "operation cancelled"
	case CodeAssetFileNotFound:
		return "asset file not found"
	case CodeAssetNotAvailable:
		return "asset not available"
	case CodeQuotaExceeded:
		return "quota exceeded"
	case CodeIncompatibleVersion:
		return "incompatible version"
	}

	return "code " + strconv.Itoa(int(c))
}

// Error is a store-level failure. For CodeZoneNotFound the Zone field names
// the missing zone; for CodePartialFailure the Partial map decomposes the
// batch into per-identity failures.
type Error struct {
	Code    Code
	Zone    ZoneID
	Message string
	Partial map[RecordID]*Error
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}

	return e.Code.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a plain store error with the given code.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ZoneNotFound builds the failure reported when a save targets a zone that
// does not exist yet.
func ZoneNotFound(zone ZoneID) *Error {
	return &Error{Code: CodeZoneNotFound, Zone: zone, Message: zone.Name}
}

// PartialFailure wraps per-identity failures of one batch.
func PartialFailure(partial map[RecordID]*Error) *Error {
	return &Error{Code: CodePartialFailure, Partial: partial}
}
