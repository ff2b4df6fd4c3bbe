package engine

import (
	"math/big"
	"time"

	"github.com/google/uuid"

	"synthledger/internal/fpmath"
	"synthledger/internal/ledger"
	"synthledger/internal/oracle"
	"synthledger/internal/valuation"
)

// Read-side accessors. None of these can fail: configuration reads return
// fixed values and account reads fall back to last-known prices, so
// monitoring keeps working while the staleness gate has state-changing
// operations frozen.

func (e *Engine) MinHealthFactor() *big.Int {
	return new(big.Int).Set(fpmath.MinHealthFactor)
}

func (e *Engine) Precision() *big.Int {
	return new(big.Int).Set(fpmath.Precision)
}

func (e *Engine) AdditionalFeedPrecision() *big.Int {
	return new(big.Int).Set(fpmath.AdditionalFeedPrecision)
}

func (e *Engine) LiquidationThreshold() int64 { return fpmath.LiquidationThreshold }
func (e *Engine) LiquidationBonus() int64     { return fpmath.LiquidationBonus }
func (e *Engine) StaleTimeout() time.Duration { return oracle.StaleTimeout }

func (e *Engine) CollateralAssets() []string {
	return e.registry.Assets()
}

func (e *Engine) FeedID(asset string) (string, bool) {
	return e.registry.FeedID(asset)
}

// Accounts lists every account that has ever held collateral or debt,
// ordered by id.
func (e *Engine) Accounts() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Accounts()
}

// CollateralBalance reports the account's deposited quantity of asset.
func (e *Engine) CollateralBalance(account uuid.UUID, asset string) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Collateral(account, asset)
}

// Debt reports the account's outstanding synthetic-unit debt.
func (e *Engine) Debt(account uuid.UUID) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Debt(account)
}

// AccountInformation reports the account's debt and total collateral value.
// The value uses the most recent round of each feed regardless of age.
func (e *Engine) AccountInformation(account uuid.UUID) (debt, collateralValue *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Debt(account), e.solvency.AccountCollateralValueLastKnown(account)
}

// HealthFactor computes the account's current health factor through the
// staleness gate; it fails while prices are frozen.
func (e *Engine) HealthFactor(account uuid.UUID) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.solvency.HealthFactor(account)
}

// Evaluate classifies the account as healthy or liquidatable.
func (e *Engine) Evaluate(account uuid.UUID) (valuation.SolvencyStatus, *big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.solvency.Evaluate(account)
}

// UsdValue prices a token quantity through the staleness gate.
func (e *Engine) UsdValue(asset string, qty *big.Int) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.solvency.UsdValue(asset, qty)
}

// TokenAmountFromUsd converts a USD amount to a token quantity.
func (e *Engine) TokenAmountFromUsd(asset string, usd *big.Int) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.solvency.TokenAmountFromUsd(asset, usd)
}

// Sequence returns the last assigned operation sequence.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// SnapshotState captures sequence and ledger state for persistence.
func (e *Engine) SnapshotState() (int64, *ledger.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence, e.ledger.Snapshot()
}

// RestoreFromSnapshot loads a persisted snapshot on warm restart. Must run
// before the engine starts accepting operations.
func (e *Engine) RestoreFromSnapshot(sequence int64, snap *ledger.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sequence = sequence
	e.ledger.Restore(snap)
}
