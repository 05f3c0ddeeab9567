package compliance

import (
	"errors"
	"fmt"
)

var (
	// ErrComplianceRejected matches every RejectedError.
	ErrComplianceRejected = errors.New("compliance: rejected")
	// ErrInvalidRequest reports a TransferRequest that cannot be fingerprinted.
	ErrInvalidRequest = errors.New("compliance: invalid request")
	// ErrInvalidFeeRate reports a fee rate with a zero denominator or numerator above denominator.
	ErrInvalidFeeRate = errors.New("compliance: invalid fee rate")
	// ErrAlreadyInitialized guards one-shot configuration setters.
	ErrAlreadyInitialized = errors.New("compliance: already initialized")
	// ErrOracleNotConfigured indicates the gate has no oracle to consult.
	ErrOracleNotConfigured = errors.New("compliance: oracle not configured")
	// ErrNoCall indicates a gate check outside of a call scope.
	ErrNoCall = errors.New("compliance: no active call")
	// ErrDuplicateCheck indicates the same fingerprint was checked twice within one call.
	ErrDuplicateCheck = errors.New("compliance: fingerprint already checked in this call")
	// ErrNoFeeCollector indicates a fee is due but nobody can receive it.
	ErrNoFeeCollector = errors.New("compliance: fee collector not configured")
	// ErrFeePayment wraps failures of the fee leg.
	ErrFeePayment = errors.New("compliance: fee payment failed")
)

// RejectedError carries the oracle status of a failed consumption.
type RejectedError struct {
	Status Status
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("compliance: rejected (status %s)", e.Status)
}

// Is lets errors.Is(err, ErrComplianceRejected) match.
func (e *RejectedError) Is(target error) bool {
	return target == ErrComplianceRejected
}

// Rejected builds a RejectedError for status.
func Rejected(status Status) error {
	return &RejectedError{Status: status}
}

// RejectionStatus extracts the oracle status from err, if it is a rejection.
func RejectionStatus(err error) (Status, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Status, true
	}
	return StatusNotFound, false
}
