package engine

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	// ErrZeroAmount rejects any operation carrying a non-positive quantity
	// or amount.
	ErrZeroAmount = errors.New("amount must be greater than zero")

	// ErrTransferFailed reports a declined collateral movement. The ledger
	// change that preceded it has been rolled back.
	ErrTransferFailed = errors.New("collateral transfer failed")

	// ErrMintFailed reports a declined synthetic-unit issuance.
	ErrMintFailed = errors.New("synthetic mint failed")

	// ErrHealthFactorOk rejects liquidating an account that is at or above
	// the minimum health factor.
	ErrHealthFactorOk = errors.New("health factor above minimum, account not liquidatable")

	// ErrHealthFactorNotImproved rejects a liquidation that failed to
	// strictly raise the target account's health factor.
	ErrHealthFactorNotImproved = errors.New("health factor not improved")
)

// BreaksHealthFactorError reports the health factor an operation would have
// left the account with, had it been allowed to proceed.
type BreaksHealthFactorError struct {
	Factor *big.Int
}

func (e *BreaksHealthFactorError) Error() string {
	return fmt.Sprintf("operation breaks health factor: %s", e.Factor)
}
