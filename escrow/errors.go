package escrow

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation covers caller input problems such as a missing wallet,
	// a missing amount or the wrong network. Nothing is persisted.
	ErrValidation = errors.New("escrow: validation failed")
	// ErrWrongNetwork is the ErrValidation raised when the wallet is connected
	// to a different chain than the contract.
	ErrWrongNetwork = fmt.Errorf("%w: wrong network", ErrValidation)
	// ErrListingInvalid is returned by Initiate when the listing cannot be bought.
	ErrListingInvalid = errors.New("escrow: listing invalid")
	// ErrChainCallFailed is returned when the wallet rejects, the call reverts
	// or the receipt reports failure. Nothing is persisted.
	ErrChainCallFailed = errors.New("escrow: chain call failed")
	// ErrDepositFailed is the ErrChainCallFailed raised by Deposit.
	ErrDepositFailed = errors.New("escrow: deposit failed")
	// ErrConfirmationFailed is the ErrChainCallFailed raised by Confirm and Release.
	ErrConfirmationFailed = errors.New("escrow: confirmation failed")
	// ErrPersistence is returned when the chain call succeeded but the record
	// could not be updated, leaving on-chain and off-chain state divergent.
	ErrPersistence = errors.New("escrow: persistence failed")
	// ErrUnauthorized is returned when the caller holds no role on the transaction.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrCancelNotAllowed is returned when cancellation preconditions fail.
	ErrCancelNotAllowed = errors.New("escrow: cancel not allowed")
	// ErrNotFound is returned for unknown transactions.
	ErrNotFound = errors.New("escrow: transaction not found")
	// ErrInvalidState is returned when an operation does not apply to the
	// transaction's current escrow status.
	ErrInvalidState = errors.New("escrow: invalid state")
	// ErrPolicyMismatch is returned when confirm or release is called on a
	// transaction governed by the other release policy.
	ErrPolicyMismatch = errors.New("escrow: release policy mismatch")
)

func chainFailure(kind error, cause error) error {
	if kind == ErrChainCallFailed {
		return fmt.Errorf("%w: %w", ErrChainCallFailed, cause)
	}
	return fmt.Errorf("%w: %w: %w", kind, ErrChainCallFailed, cause)
}
