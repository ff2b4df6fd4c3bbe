package engine

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"synthledger/internal/event"
	"synthledger/internal/fpmath"
	"synthledger/internal/ledger"
	"synthledger/internal/observability"
	"synthledger/internal/oracle"
	"synthledger/internal/valuation"
)

// CollateralStore settles collateral movements for one asset. Implementations
// report failure as a boolean rather than an error; the engine maps a false
// return to ErrTransferFailed after rolling its ledger change back.
type CollateralStore interface {
	// TransferFrom pulls qty from an account into another on the engine's
	// authority.
	TransferFrom(from, to uuid.UUID, qty *big.Int) bool

	// Transfer pushes qty from the engine's own holdings to an account.
	Transfer(to uuid.UUID, qty *big.Int) bool
}

// DebtToken issues and destroys the synthetic unit.
type DebtToken interface {
	Mint(to uuid.UUID, amount *big.Int) bool
	Burn(amount *big.Int)
	Transfer(to uuid.UUID, amount *big.Int) bool
	TransferFrom(from, to uuid.UUID, amount *big.Int) bool
}

// Output is what the engine emits per applied operation, consumed by the
// persistence worker (blocking) and the outbound publisher (best-effort).
type Output struct {
	Envelope *event.Envelope
}

// Engine serializes all state transitions of the collateral and debt ledger.
// Every public operation takes the single writer lock, snapshots ledger
// state, applies its changes, verifies the account's post-condition, and
// either commits with a sequenced output or restores the snapshot.
type Engine struct {
	mu sync.Mutex

	// principal is the engine's own settlement identity: the account that
	// custodies pulled collateral and holds synthetic units before burns.
	principal uuid.UUID

	registry *ledger.Registry
	ledger   *ledger.Ledger
	solvency *valuation.Engine

	collateral map[string]CollateralStore
	debtToken  DebtToken

	sequence int64
	now      func() time.Time

	log     zerolog.Logger
	metrics *observability.Metrics

	persistChan chan<- Output
	publishChan chan<- Output
}

type Config struct {
	Principal   uuid.UUID
	Registry    *ledger.Registry
	Ledger      *ledger.Ledger
	Solvency    *valuation.Engine
	Collateral  map[string]CollateralStore
	DebtToken   DebtToken
	Logger      zerolog.Logger
	Metrics     *observability.Metrics
	PersistChan chan<- Output
	PublishChan chan<- Output
}

func New(cfg Config) *Engine {
	return &Engine{
		principal:   cfg.Principal,
		registry:    cfg.Registry,
		ledger:      cfg.Ledger,
		solvency:    cfg.Solvency,
		collateral:  cfg.Collateral,
		debtToken:   cfg.DebtToken,
		now:         time.Now,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		persistChan: cfg.PersistChan,
		publishChan: cfg.PublishChan,
	}
}

// DepositCollateral moves qty of asset from the account into custody and
// credits the account's collateral balance. Deposits can never worsen
// solvency, so no health factor check runs.
func (e *Engine) DepositCollateral(account uuid.UUID, asset string, qty *big.Int) error {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if qty == nil || qty.Sign() <= 0 {
		return e.reject(event.OpDeposit, ErrZeroAmount)
	}
	store, ok := e.collateral[asset]
	if !ok || !e.registry.Supported(asset) {
		return e.reject(event.OpDeposit, fmt.Errorf("%w: %s", ledger.ErrUnsupportedAsset, asset))
	}

	snap := e.ledger.Snapshot()
	e.ledger.AddCollateral(account, asset, qty)

	if !store.TransferFrom(account, e.principal, qty) {
		e.ledger.Restore(snap)
		return e.reject(event.OpDeposit, ErrTransferFailed)
	}

	e.commit(event.Operation{
		Type:      event.OpDeposit,
		Account:   account,
		Asset:     asset,
		Quantity:  new(big.Int).Set(qty),
		DebtDelta: new(big.Int),
	}, start)
	return nil
}

// MintDebt issues amount of synthetic units to the account and records the
// debt, provided the account's health factor stays at or above the minimum.
func (e *Engine) MintDebt(account uuid.UUID, amount *big.Int) error {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return e.reject(event.OpMint, ErrZeroAmount)
	}

	snap := e.ledger.Snapshot()
	e.ledger.AddDebt(account, amount)

	factor, err := e.checkHealthFactor(account)
	if err != nil {
		e.ledger.Restore(snap)
		return e.reject(event.OpMint, err)
	}

	if !e.debtToken.Mint(account, amount) {
		e.ledger.Restore(snap)
		return e.reject(event.OpMint, ErrMintFailed)
	}

	e.commit(event.Operation{
		Type:              event.OpMint,
		Account:           account,
		DebtDelta:         new(big.Int).Set(amount),
		HealthFactorAfter: factor,
	}, start)
	return nil
}

// RedeemCollateral returns qty of asset to the account, provided the reduced
// balance still supports the account's debt.
func (e *Engine) RedeemCollateral(account uuid.UUID, asset string, qty *big.Int) error {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if qty == nil || qty.Sign() <= 0 {
		return e.reject(event.OpRedeem, ErrZeroAmount)
	}
	store, ok := e.collateral[asset]
	if !ok || !e.registry.Supported(asset) {
		return e.reject(event.OpRedeem, fmt.Errorf("%w: %s", ledger.ErrUnsupportedAsset, asset))
	}

	snap := e.ledger.Snapshot()
	if err := e.ledger.SubCollateral(account, asset, qty); err != nil {
		e.ledger.Restore(snap)
		return e.reject(event.OpRedeem, err)
	}

	factor, err := e.checkHealthFactor(account)
	if err != nil {
		e.ledger.Restore(snap)
		return e.reject(event.OpRedeem, err)
	}

	if !store.Transfer(account, qty) {
		e.ledger.Restore(snap)
		return e.reject(event.OpRedeem, ErrTransferFailed)
	}

	e.commit(event.Operation{
		Type:              event.OpRedeem,
		Account:           account,
		Asset:             asset,
		Quantity:          new(big.Int).Set(qty),
		DebtDelta:         new(big.Int),
		HealthFactorAfter: factor,
	}, start)
	return nil
}

// BurnDebt retires amount of the account's debt. The units are pulled from
// the account and destroyed. Burning only improves solvency, so it runs
// without a health factor check and stays available while price feeds are
// frozen.
func (e *Engine) BurnDebt(account uuid.UUID, amount *big.Int) error {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return e.reject(event.OpBurn, ErrZeroAmount)
	}
	if e.ledger.Debt(account).Cmp(amount) < 0 {
		return e.reject(event.OpBurn, ledger.ErrDebtUnderflow)
	}

	if !e.debtToken.TransferFrom(account, e.principal, amount) {
		return e.reject(event.OpBurn, ErrTransferFailed)
	}
	e.debtToken.Burn(amount)

	if err := e.ledger.SubDebt(account, amount); err != nil {
		// Unreachable: debt was checked above and nothing ran in between.
		panic(fmt.Sprintf("engine: burn underflow after debt check: %v", err))
	}

	e.commit(event.Operation{
		Type:      event.OpBurn,
		Account:   account,
		DebtDelta: new(big.Int).Neg(amount),
	}, start)
	return nil
}

// DepositCollateralAndMintDebt performs a deposit and a mint as one atomic
// operation: either both land or neither does.
func (e *Engine) DepositCollateralAndMintDebt(account uuid.UUID, asset string, qty, amount *big.Int) error {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if qty == nil || qty.Sign() <= 0 || amount == nil || amount.Sign() <= 0 {
		return e.reject(event.OpDepositAndMint, ErrZeroAmount)
	}
	store, ok := e.collateral[asset]
	if !ok || !e.registry.Supported(asset) {
		return e.reject(event.OpDepositAndMint, fmt.Errorf("%w: %s", ledger.ErrUnsupportedAsset, asset))
	}

	snap := e.ledger.Snapshot()
	e.ledger.AddCollateral(account, asset, qty)
	e.ledger.AddDebt(account, amount)

	factor, err := e.checkHealthFactor(account)
	if err != nil {
		e.ledger.Restore(snap)
		return e.reject(event.OpDepositAndMint, err)
	}

	if !store.TransferFrom(account, e.principal, qty) {
		e.ledger.Restore(snap)
		return e.reject(event.OpDepositAndMint, ErrTransferFailed)
	}
	if !e.debtToken.Mint(account, amount) {
		// Undo the collateral pull before restoring.
		store.Transfer(account, qty)
		e.ledger.Restore(snap)
		return e.reject(event.OpDepositAndMint, ErrMintFailed)
	}

	e.commit(event.Operation{
		Type:              event.OpDepositAndMint,
		Account:           account,
		Asset:             asset,
		Quantity:          new(big.Int).Set(qty),
		DebtDelta:         new(big.Int).Set(amount),
		HealthFactorAfter: factor,
	}, start)
	return nil
}

// RedeemCollateralForDebt burns amount of the account's debt and returns qty
// of asset in one atomic operation.
func (e *Engine) RedeemCollateralForDebt(account uuid.UUID, asset string, qty, amount *big.Int) error {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if qty == nil || qty.Sign() <= 0 || amount == nil || amount.Sign() <= 0 {
		return e.reject(event.OpRedeemForDebt, ErrZeroAmount)
	}
	store, ok := e.collateral[asset]
	if !ok || !e.registry.Supported(asset) {
		return e.reject(event.OpRedeemForDebt, fmt.Errorf("%w: %s", ledger.ErrUnsupportedAsset, asset))
	}
	if e.ledger.Debt(account).Cmp(amount) < 0 {
		return e.reject(event.OpRedeemForDebt, ledger.ErrDebtUnderflow)
	}

	snap := e.ledger.Snapshot()
	if err := e.ledger.SubDebt(account, amount); err != nil {
		e.ledger.Restore(snap)
		return e.reject(event.OpRedeemForDebt, err)
	}
	if err := e.ledger.SubCollateral(account, asset, qty); err != nil {
		e.ledger.Restore(snap)
		return e.reject(event.OpRedeemForDebt, err)
	}

	factor, err := e.checkHealthFactor(account)
	if err != nil {
		e.ledger.Restore(snap)
		return e.reject(event.OpRedeemForDebt, err)
	}

	if !e.debtToken.TransferFrom(account, e.principal, amount) {
		e.ledger.Restore(snap)
		return e.reject(event.OpRedeemForDebt, ErrTransferFailed)
	}
	if !store.Transfer(account, qty) {
		// Refund the pulled units before restoring.
		e.debtToken.Transfer(account, amount)
		e.ledger.Restore(snap)
		return e.reject(event.OpRedeemForDebt, ErrTransferFailed)
	}
	e.debtToken.Burn(amount)

	e.commit(event.Operation{
		Type:              event.OpRedeemForDebt,
		Account:           account,
		Asset:             asset,
		Quantity:          new(big.Int).Set(qty),
		DebtDelta:         new(big.Int).Neg(amount),
		HealthFactorAfter: factor,
	}, start)
	return nil
}

// Liquidate lets a third party repay debtToCover of an undercollateralized
// account's debt in exchange for the equivalent collateral plus a 10% bonus.
// Returns the quantity of asset seized.
//
// The target's health factor must be below the minimum before, and must
// strictly improve after; the liquidator's own health factor must survive
// the operation.
func (e *Engine) Liquidate(liquidator, account uuid.UUID, asset string, debtToCover *big.Int) (*big.Int, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if debtToCover == nil || debtToCover.Sign() <= 0 {
		return nil, e.reject(event.OpLiquidate, ErrZeroAmount)
	}
	store, ok := e.collateral[asset]
	if !ok || !e.registry.Supported(asset) {
		return nil, e.reject(event.OpLiquidate, fmt.Errorf("%w: %s", ledger.ErrUnsupportedAsset, asset))
	}

	startFactor, err := e.solvency.HealthFactor(account)
	if err != nil {
		return nil, e.reject(event.OpLiquidate, err)
	}
	if startFactor.Cmp(fpmath.MinHealthFactor) >= 0 {
		return nil, e.reject(event.OpLiquidate, ErrHealthFactorOk)
	}

	base, err := e.solvency.TokenAmountFromUsd(asset, debtToCover)
	if err != nil {
		return nil, e.reject(event.OpLiquidate, err)
	}
	bonus := fpmath.MulFrac(base, fpmath.LiquidationBonus, fpmath.LiquidationPrecision)
	seize := new(big.Int).Add(base, bonus)

	snap := e.ledger.Snapshot()
	if err := e.ledger.SubCollateral(account, asset, seize); err != nil {
		e.ledger.Restore(snap)
		return nil, e.reject(event.OpLiquidate, err)
	}
	if err := e.ledger.SubDebt(account, debtToCover); err != nil {
		e.ledger.Restore(snap)
		return nil, e.reject(event.OpLiquidate, err)
	}

	endFactor, err := e.solvency.HealthFactor(account)
	if err != nil {
		e.ledger.Restore(snap)
		return nil, e.reject(event.OpLiquidate, err)
	}
	if endFactor.Cmp(startFactor) <= 0 {
		e.ledger.Restore(snap)
		return nil, e.reject(event.OpLiquidate, ErrHealthFactorNotImproved)
	}

	if _, err := e.checkHealthFactor(liquidator); err != nil {
		e.ledger.Restore(snap)
		return nil, e.reject(event.OpLiquidate, err)
	}

	if !e.debtToken.TransferFrom(liquidator, e.principal, debtToCover) {
		e.ledger.Restore(snap)
		return nil, e.reject(event.OpLiquidate, ErrTransferFailed)
	}
	if !store.Transfer(liquidator, seize) {
		// Refund the pulled units before restoring.
		e.debtToken.Transfer(liquidator, debtToCover)
		e.ledger.Restore(snap)
		return nil, e.reject(event.OpLiquidate, ErrTransferFailed)
	}
	e.debtToken.Burn(debtToCover)

	counterparty := liquidator
	e.commit(event.Operation{
		Type:              event.OpLiquidate,
		Account:           account,
		Counterparty:      &counterparty,
		Asset:             asset,
		Quantity:          seize,
		DebtDelta:         new(big.Int).Neg(debtToCover),
		HealthFactorAfter: endFactor,
	}, start)

	if e.metrics != nil {
		e.metrics.LiquidationsExecuted.Inc()
	}
	e.log.Info().
		Str("component", "engine").
		Str("liquidator", liquidator.String()).
		Str("account", account.String()).
		Str("asset", asset).
		Str("debt_covered", debtToCover.String()).
		Str("collateral_seized", seize.String()).
		Msg("liquidation executed")

	return new(big.Int).Set(seize), nil
}

// checkHealthFactor verifies the account is at or above the minimum under
// current ledger state. Returns the factor on success; a stale price or a
// factor below the minimum is an error.
func (e *Engine) checkHealthFactor(account uuid.UUID) (*big.Int, error) {
	factor, err := e.solvency.HealthFactor(account)
	if err != nil {
		return nil, err
	}
	if factor.Cmp(fpmath.MinHealthFactor) < 0 {
		return nil, &BreaksHealthFactorError{Factor: factor}
	}
	return factor, nil
}

// commit sequences an applied operation and fans it out: blocking send to
// the persistence worker, best-effort send to the publisher.
func (e *Engine) commit(op event.Operation, start time.Time) {
	op.OpID = uuid.New()
	op.Timestamp = e.now()

	e.sequence++
	output := Output{Envelope: &event.Envelope{
		Sequence: e.sequence,
		Op:       op,
	}}

	e.persistChan <- output

	select {
	case e.publishChan <- output:
	default:
		if e.metrics != nil {
			e.metrics.PublishDrops.Inc()
		}
	}

	if e.metrics != nil {
		opName := op.Type.String()
		e.metrics.OpsApplied.WithLabelValues(opName).Inc()
		e.metrics.OpDuration.WithLabelValues(opName).Observe(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}

	e.log.Debug().
		Str("component", "engine").
		Int64("sequence", e.sequence).
		Str("op", op.Type.String()).
		Str("account", op.Account.String()).
		Msg("operation applied")
}

// reject records a refused operation and passes the cause through.
func (e *Engine) reject(opType event.OpType, err error) error {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(opType.String(), rejectReason(err)).Inc()
		if errors.Is(err, oracle.ErrStalePrice) {
			e.metrics.StalePriceRejections.Inc()
		}
	}
	e.log.Warn().
		Str("component", "engine").
		Str("op", opType.String()).
		Err(err).
		Msg("operation rejected")
	return err
}

func rejectReason(err error) string {
	var breaks *BreaksHealthFactorError
	switch {
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ledger.ErrUnsupportedAsset):
		return "unsupported_asset"
	case errors.Is(err, ledger.ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ledger.ErrDebtUnderflow):
		return "debt_underflow"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrMintFailed):
		return "mint_failed"
	case errors.Is(err, ErrHealthFactorOk):
		return "health_factor_ok"
	case errors.Is(err, ErrHealthFactorNotImproved):
		return "not_improved"
	case errors.Is(err, oracle.ErrStalePrice):
		return "stale_price"
	case errors.As(err, &breaks):
		return "breaks_health_factor"
	default:
		return "other"
	}
}
