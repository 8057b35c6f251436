package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrReverted is wrapped by a ConfirmationError when the transaction was mined but failed.
	// The write definitely did not take effect.
	ErrReverted = errors.New("transaction reverted")

	// ErrRecordNotFound is returned by GetRecord when the registry has no entry for the key.
	ErrRecordNotFound = errors.New("credential not found on ledger")
)

// SubmissionError is returned when a write fails before it was broadcast:
// gas estimation, fee lookup, nonce allocation, signing or broadcast rejection.
// Retrying is safe; an allocated nonce is simply skipped.
type SubmissionError struct {
	Op  string
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("%s: submission failed: %v", e.Op, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

func (e *SubmissionError) Is(err error) bool {
	_, ok := err.(*SubmissionError)
	return ok
}

// ConfirmationError is returned when a write was broadcast but was not confirmed.
// The write may still land; callers must reconcile against GetRecord before retrying.
type ConfirmationError struct {
	Op     string
	TxHash common.Hash
	Err    error
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("%s: confirmation of %s failed: %v", e.Op, e.TxHash.Hex(), e.Err)
}

func (e *ConfirmationError) Unwrap() error {
	return e.Err
}

func (e *ConfirmationError) Is(err error) bool {
	_, ok := err.(*ConfirmationError)
	return ok
}
