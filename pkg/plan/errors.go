package plan

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code.
type Code string

const (
	// Input validation
	CodeInvalidNumberOfDays          Code = "INVALID_NUMBER_OF_DAYS"
	CodeInvalidDailyFrequency        Code = "INVALID_DAILY_FREQUENCY"
	CodeInvalidDurationMinutes       Code = "INVALID_DURATION_MINUTES"
	CodeInvalidCommitmentStakeAmount Code = "INVALID_COMMITMENT_STAKE_AMOUNT"
	CodeInvalidMint                  Code = "INVALID_MINT"

	// Authorization
	CodeUnauthorizedAccess Code = "UNAUTHORIZED_ACCESS"

	// State guards
	CodePlanInactive   Code = "PLAN_INACTIVE"
	CodePlanCompleted  Code = "PLAN_COMPLETED"
	CodePlanNotStarted Code = "PLAN_NOT_STARTED"
	CodePlanExpired    Code = "PLAN_EXPIRED"
	CodePlanNotEnded   Code = "PLAN_NOT_ENDED"

	// Attestation validation
	CodeInvalidTimestamps      Code = "INVALID_TIMESTAMPS"
	CodeAttestationTooShort    Code = "ATTESTATION_TOO_SHORT"
	CodeAttestationTooLong     Code = "ATTESTATION_TOO_LONG"
	CodeDailyFrequencyExceeded Code = "DAILY_FREQUENCY_EXCEEDED"
	CodeArithmeticOverflow     Code = "ARITHMETIC_OVERFLOW"
	CodeInsufficientFunds      Code = "INSUFFICIENT_FUNDS"
	CodePlanNotFound           Code = "PLAN_NOT_FOUND"
	CodePlanAlreadyExists      Code = "PLAN_ALREADY_EXISTS"
	CodeConcurrentUpdate       Code = "CONCURRENT_UPDATE"
)

// Error is a coded plan error. Two errors match under errors.Is when their codes match.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

var (
	ErrInvalidNumberOfDays          = newError(CodeInvalidNumberOfDays, "number of days must be between 7 and 30")
	ErrInvalidDailyFrequency        = newError(CodeInvalidDailyFrequency, "daily frequency must be between 1 and 4")
	ErrInvalidDurationMinutes       = newError(CodeInvalidDurationMinutes, "duration minutes must be between 5 and 60")
	ErrInvalidCommitmentStakeAmount = newError(CodeInvalidCommitmentStakeAmount, "commitment stake must be between 10 and 500 units")
	ErrInvalidMint                  = newError(CodeInvalidMint, "stake asset is not the recognised asset")

	ErrUnauthorizedAccess = newError(CodeUnauthorizedAccess, "caller does not own the plan")

	ErrPlanInactive   = newError(CodePlanInactive, "plan is inactive")
	ErrPlanCompleted  = newError(CodePlanCompleted, "plan is already completed")
	ErrPlanNotStarted = newError(CodePlanNotStarted, "session started before the plan")
	ErrPlanExpired    = newError(CodePlanExpired, "session started after the plan ended")
	ErrPlanNotEnded   = newError(CodePlanNotEnded, "plan has neither ended nor been fully attested")

	ErrInvalidTimestamps      = newError(CodeInvalidTimestamps, "session timestamps are invalid")
	ErrAttestationTooShort    = newError(CodeAttestationTooShort, "session is shorter than the plan duration")
	ErrAttestationTooLong     = newError(CodeAttestationTooLong, "session is longer than 8 hours")
	ErrDailyFrequencyExceeded = newError(CodeDailyFrequencyExceeded, "daily session quota reached")
	ErrArithmeticOverflow     = newError(CodeArithmeticOverflow, "arithmetic overflow")

	ErrInsufficientFunds = newError(CodeInsufficientFunds, "insufficient balance to lock stake")
	ErrNotFound          = newError(CodePlanNotFound, "plan not found")
	ErrDuplicate         = newError(CodePlanAlreadyExists, "plan already exists")
	ErrConflict          = newError(CodeConcurrentUpdate, "plan was modified concurrently")
)

// CodeOf extracts the code of a plan error, or "" when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether the same request may succeed later without changes.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeConcurrentUpdate, CodePlanNotEnded:
		return true
	}
	return false
}
