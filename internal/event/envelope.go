package event

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// OpType discriminator for applied ledger operations.
type OpType int32

const (
	OpUnknown OpType = iota
	OpDeposit
	OpRedeem
	OpMint
	OpBurn
	OpDepositAndMint
	OpRedeemForDebt
	OpLiquidate
)

func (t OpType) String() string {
	switch t {
	case OpDeposit:
		return "deposit"
	case OpRedeem:
		return "redeem"
	case OpMint:
		return "mint"
	case OpBurn:
		return "burn"
	case OpDepositAndMint:
		return "deposit_and_mint"
	case OpRedeemForDebt:
		return "redeem_for_debt"
	case OpLiquidate:
		return "liquidate"
	default:
		return "unknown"
	}
}

// Operation records a single applied state change. One is emitted per
// successful engine call; rejected calls leave no trace here.
type Operation struct {
	// OpID is a fresh identifier assigned at apply time.
	OpID uuid.UUID

	Type OpType

	// Account the operation acted on. For liquidations this is the
	// liquidated account and Counterparty is the liquidator.
	Account      uuid.UUID
	Counterparty *uuid.UUID

	// Asset moved, empty for pure debt operations (mint, burn).
	Asset string

	// Quantity of Asset moved, nil when no collateral moved.
	Quantity *big.Int

	// DebtDelta is the signed change to Account's debt.
	DebtDelta *big.Int

	// HealthFactorAfter is Account's health factor once the operation
	// settled, nil when no feed read was needed.
	HealthFactorAfter *big.Int

	Timestamp time.Time
}

// Envelope wraps an operation with its global sequence. Sequence is assigned
// by the engine, strictly monotonic, and is the ordering key for the
// operation log and the outbound stream.
type Envelope struct {
	Sequence int64
	Op       Operation
}
