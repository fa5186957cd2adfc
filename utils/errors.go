package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/ztrue/tracerr"
)

// ErrorKind is the coarse category of an error. Every SealdError belongs to exactly one kind, so callers can
// branch with `errors.Is(err, utils.KindDeviceRevoked)` without knowing every individual error code.
type ErrorKind string

const (
	// KindFormat is for malformed binary blocks or payloads.
	KindFormat ErrorKind = "FORMAT_ERROR"
	// KindInternal is for invariants violated by the caller or by the SDK itself. Not user-recoverable.
	KindInternal ErrorKind = "INTERNAL_ERROR"
	// KindInvalidArgument is for bad caller input.
	KindInvalidArgument ErrorKind = "INVALID_ARGUMENT"
	// KindInvalidVerification is for a verification key or method that failed.
	KindInvalidVerification ErrorKind = "INVALID_VERIFICATION"
	// KindPreconditionFailed is for server-side state conflicts.
	KindPreconditionFailed ErrorKind = "PRECONDITION_FAILED"
	// KindDeviceRevoked is returned once the current device has been revoked.
	KindDeviceRevoked ErrorKind = "DEVICE_REVOKED"
	// KindOperationCanceled is for calls interrupted by a close or a context cancellation.
	KindOperationCanceled ErrorKind = "OPERATION_CANCELED"
	// KindNetwork is for transport failures.
	KindNetwork ErrorKind = "NETWORK_ERROR"
	// KindDecryptionFailed is returned when no known key can open a sealed payload.
	KindDecryptionFailed ErrorKind = "DECRYPTION_FAILED"
)

func (kind ErrorKind) Error() string {
	return string(kind)
}

type SealdError struct {
	Kind        ErrorKind
	Code        string
	Description string
	Details     string
	Cause       error
}

var knownErrors = Set[string]{}

func NewSealdError(kind ErrorKind, code string, description string) SealdError {
	if knownErrors.Has(code) {
		panic("Duplicate error: " + code)
	}
	knownErrors.Add(code)
	return SealdError{
		Kind:        kind,
		Code:        code,
		Description: description,
	}
}

func (err SealdError) Error() string {
	var text = err.Code
	if err.Description != "" {
		text = text + " - " + err.Description
	}
	if err.Details != "" {
		text = text + " : " + err.Details
	}
	return text
}

func (err SealdError) Is(target error) bool {
	var kind ErrorKind
	if errors.As(target, &kind) {
		return err.Kind == kind
	}
	var sealdErrorTarget SealdError
	if errors.As(target, &sealdErrorTarget) {
		return sealdErrorTarget.Code == err.Code
	}
	return false
}

func (err SealdError) Unwrap() error {
	return err.Cause
}

func (err SealdError) AddDetails(details string) SealdError {
	if err.Details != "" {
		panic("Cannot re-add details to an error")
	}
	newErr := err
	newErr.Details = details
	return newErr
}

// Wrap returns a copy of the sentinel carrying cause. The cause message is used as details if none are set.
func (err SealdError) Wrap(cause error) SealdError {
	newErr := err
	newErr.Cause = cause
	if newErr.Details == "" && cause != nil {
		newErr.Details = cause.Error()
	}
	return newErr
}

// KindOf returns the ErrorKind of the first SealdError found in the chain, or KindInternal if there is none.
func KindOf(err error) ErrorKind {
	var sealdError SealdError
	if errors.As(err, &sealdError) {
		return sealdError.Kind
	}
	return KindInternal
}

type APIError struct {
	Status  int
	Url     string
	Method  string
	Code    string
	Id      string
	Details string
	Raw     string
}

func (err APIError) Error() string {
	s := fmt.Sprintf("API Error: status: %d", err.Status)
	if err.Code != "" {
		s += "; code: " + err.Code
	}
	if err.Id != "" {
		s += "; id: " + err.Id
	}
	if err.Details != "" {
		s += "; details: " + err.Details
	}
	if err.Url != "" {
		s += "; URL: " + err.Url
	}
	if err.Method != "" {
		s += "; Method: " + err.Method
	}
	if err.Raw != "" {
		s += "; raw: " + err.Raw
	}
	return s
}

// Is matches on Status and Code. A zero Status in the target matches any status.
func (err APIError) Is(target error) bool {
	var apiErrorTarget APIError
	if errors.As(target, &apiErrorTarget) {
		return (apiErrorTarget.Status == 0 || apiErrorTarget.Status == err.Status) && apiErrorTarget.Code == err.Code
	}
	return false
}

type SerializableError struct {
	Kind        string `json:"kind"`
	Status      int    `json:"status"`
	Code        string `json:"code"`
	Id          string `json:"id"`
	Description string `json:"description"`
	Details     string `json:"details"`
	Raw         string `json:"raw"`
	Stack       string `json:"stack"`
}

func (e SerializableError) Error() string {
	res, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf("{\"code\": \"SERIALIZATION_ERROR\": \"details\": \"%s\"}", err)
	}
	return string(res)
}

func ToSerializableError(err error) *SerializableError {
	if err == nil {
		return nil
	}
	var sealdError SealdError
	if errors.As(err, &sealdError) {
		serialized := &SerializableError{
			Kind:        string(sealdError.Kind),
			Code:        sealdError.Code,
			Id:          "GOSDK_" + sealdError.Code,
			Description: sealdError.Description,
			Details:     sealdError.Details,
			Stack:       tracerr.Sprint(err),
		}
		var apiError APIError
		if errors.As(err, &apiError) {
			serialized.Status = apiError.Status
			serialized.Raw = apiError.Raw
		}
		return serialized
	}
	var apiError APIError
	if errors.As(err, &apiError) {
		return &SerializableError{
			Kind:    string(KindInternal),
			Status:  apiError.Status,
			Code:    apiError.Code,
			Id:      apiError.Id,
			Details: fmt.Sprintf("%s; %s on %s", apiError.Details, apiError.Method, apiError.Url),
			Raw:     apiError.Raw,
			Stack:   tracerr.Sprint(err),
		}
	}
	return &SerializableError{
		Kind:    string(KindInternal),
		Code:    "OTHER_ERROR",
		Id:      "GOSDK_OTHER_ERROR",
		Details: err.Error(),
		Stack:   tracerr.Sprint(err),
	}
}

// Generic errors of each kind, for the cases where no more specific sentinel exists.
var (
	// ErrorInternal is returned for unclassified failures.
	ErrorInternal = NewSealdError(KindInternal, "INTERNAL", "internal error")
	// ErrorInvalidArgument is returned for invalid caller input.
	ErrorInvalidArgument = NewSealdError(KindInvalidArgument, "INVALID_ARGUMENT", "invalid argument")
	// ErrorInvalidVerification is returned when a verification could not be used.
	ErrorInvalidVerification = NewSealdError(KindInvalidVerification, "INVALID_VERIFICATION", "invalid verification")
	// ErrorPreconditionFailed is returned when the server refuses an operation because of its current state.
	ErrorPreconditionFailed = NewSealdError(KindPreconditionFailed, "PRECONDITION_FAILED", "precondition failed")
	// ErrorDeviceRevoked is returned when the current device has been revoked.
	ErrorDeviceRevoked = NewSealdError(KindDeviceRevoked, "DEVICE_REVOKED", "this device was revoked")
	// ErrorOperationCanceled is returned when an operation was interrupted.
	ErrorOperationCanceled = NewSealdError(KindOperationCanceled, "OPERATION_CANCELED", "operation canceled")
	// ErrorNetwork is returned when the server could not be reached.
	ErrorNetwork = NewSealdError(KindNetwork, "NETWORK", "network error")
	// ErrorDecryptionFailed is returned when no known key can decrypt a payload.
	ErrorDecryptionFailed = NewSealdError(KindDecryptionFailed, "DECRYPTION_FAILED", "decryption failed")
)
