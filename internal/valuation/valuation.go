package valuation

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"synthledger/internal/fpmath"
	"synthledger/internal/ledger"
	"synthledger/internal/oracle"
)

// SolvencyStatus classifies an account by its health factor.
type SolvencyStatus int

const (
	StatusHealthy SolvencyStatus = iota
	StatusLiquidatable
)

func (s SolvencyStatus) String() string {
	switch s {
	case StatusHealthy:
		return "HEALTHY"
	case StatusLiquidatable:
		return "LIQUIDATABLE"
	default:
		return "UNKNOWN"
	}
}

// FeedSource resolves a feed identifier to a readable price feed.
type FeedSource interface {
	Feed(feedID string) oracle.PriceFeed
}

// Engine prices collateral and computes per-account health factors. It reads
// ledger state but never mutates it.
type Engine struct {
	registry *ledger.Registry
	ledger   *ledger.Ledger
	feeds    FeedSource
	adapter  *oracle.Adapter
}

func NewEngine(registry *ledger.Registry, l *ledger.Ledger, feeds FeedSource, adapter *oracle.Adapter) *Engine {
	return &Engine{
		registry: registry,
		ledger:   l,
		feeds:    feeds,
		adapter:  adapter,
	}
}

// assetPrice reads the current feed price for asset through the staleness
// gate. The returned price carries the feed's native 8-decimal scale.
func (e *Engine) assetPrice(asset string) (*big.Int, error) {
	feedID, ok := e.registry.FeedID(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnsupportedAsset, asset)
	}
	price, _, err := e.adapter.ReadPrice(e.feeds.Feed(feedID))
	if err != nil {
		return nil, fmt.Errorf("price for %s: %w", asset, err)
	}
	return price, nil
}

// UsdValue converts a token quantity to its 18-decimal USD value:
// qty * (price * 1e10) / 1e18.
func (e *Engine) UsdValue(asset string, qty *big.Int) (*big.Int, error) {
	price, err := e.assetPrice(asset)
	if err != nil {
		return nil, err
	}
	scaled := new(big.Int).Mul(price, fpmath.AdditionalFeedPrecision)
	return fpmath.MulDiv(scaled, qty, fpmath.Precision), nil
}

// TokenAmountFromUsd converts an 18-decimal USD amount to a token quantity:
// usd * 1e18 / (price * 1e10). Rounds down.
func (e *Engine) TokenAmountFromUsd(asset string, usd *big.Int) (*big.Int, error) {
	price, err := e.assetPrice(asset)
	if err != nil {
		return nil, err
	}
	scaled := new(big.Int).Mul(price, fpmath.AdditionalFeedPrecision)
	return fpmath.MulDiv(usd, fpmath.Precision, scaled), nil
}

// AccountCollateralValueLastKnown sums collateral value from the most recent
// round of each feed without the staleness gate. Monitoring reads stay
// answerable while state-changing operations are frozen; a feed that has
// never published counts its asset at zero.
func (e *Engine) AccountCollateralValueLastKnown(account uuid.UUID) *big.Int {
	total := new(big.Int)
	for _, asset := range e.registry.Assets() {
		qty := e.ledger.Collateral(account, asset)
		if qty.Sign() == 0 {
			continue
		}
		feedID, ok := e.registry.FeedID(asset)
		if !ok {
			continue
		}
		round, err := e.feeds.Feed(feedID).LatestRoundData()
		if err != nil || round.Answer == nil || round.Answer.Sign() <= 0 {
			continue
		}
		scaled := new(big.Int).Mul(round.Answer, fpmath.AdditionalFeedPrecision)
		total.Add(total, fpmath.MulDiv(scaled, qty, fpmath.Precision))
	}
	return total
}

// AccountCollateralValue sums the USD value of every asset the account has
// deposited. Assets with a zero balance are skipped without a feed read.
func (e *Engine) AccountCollateralValue(account uuid.UUID) (*big.Int, error) {
	total := new(big.Int)
	for _, asset := range e.registry.Assets() {
		qty := e.ledger.Collateral(account, asset)
		if qty.Sign() == 0 {
			continue
		}
		value, err := e.UsdValue(asset, qty)
		if err != nil {
			return nil, err
		}
		total.Add(total, value)
	}
	return total, nil
}

// HealthFactor computes the account's solvency metric:
// collateralValue * 50 / 100 * 1e18 / debt, all divisions rounding down.
// Zero debt yields the max sentinel so debt-free accounts always pass.
func (e *Engine) HealthFactor(account uuid.UUID) (*big.Int, error) {
	debt := e.ledger.Debt(account)
	if debt.Sign() == 0 {
		return new(big.Int).Set(fpmath.MaxHealthFactor), nil
	}
	collateralValue, err := e.AccountCollateralValue(account)
	if err != nil {
		return nil, err
	}
	adjusted := fpmath.MulFrac(collateralValue, fpmath.LiquidationThreshold, fpmath.LiquidationPrecision)
	return fpmath.MulDiv(adjusted, fpmath.Precision, debt), nil
}

// Evaluate reports whether an account is below the liquidation line.
func (e *Engine) Evaluate(account uuid.UUID) (SolvencyStatus, *big.Int, error) {
	factor, err := e.HealthFactor(account)
	if err != nil {
		return StatusHealthy, nil, err
	}
	if factor.Cmp(fpmath.MinHealthFactor) < 0 {
		return StatusLiquidatable, factor, nil
	}
	return StatusHealthy, factor, nil
}
