package engine

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"synthledger/internal/event"
	"synthledger/internal/fpmath"
	"synthledger/internal/ledger"
	"synthledger/internal/oracle"
	"synthledger/internal/token"
	"synthledger/internal/valuation"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

type fixture struct {
	eng       *Engine
	ledger    *ledger.Ledger
	feeds     *oracle.FeedStore
	clock     *testClock
	principal uuid.UUID
	weth      *token.AssetStore
	wbtc      *token.AssetStore
	debt      *token.DebtToken
	persist   chan Output
	publish   chan Output
}

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fpmath.Precision)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := ledger.NewRegistry([]string{"WETH", "WBTC"}, []string{"eth-usd", "btc-usd"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := ledger.New()
	feeds := oracle.NewFeedStore()
	adapter := oracle.NewAdapterWithClock(clock.Now)
	solvency := valuation.NewEngine(reg, l, feeds, adapter)

	principal := uuid.New()
	weth := token.NewAssetStore(principal)
	wbtc := token.NewAssetStore(principal)
	debt := token.NewDebtToken(principal)

	persist := make(chan Output, 1024)
	publish := make(chan Output, 1024)

	eng := New(Config{
		Principal: principal,
		Registry:  reg,
		Ledger:    l,
		Solvency:  solvency,
		Collateral: map[string]CollateralStore{
			"WETH": weth,
			"WBTC": wbtc,
		},
		DebtToken:   debt,
		Logger:      zerolog.Nop(),
		PersistChan: persist,
		PublishChan: publish,
	})

	return &fixture{
		eng:       eng,
		ledger:    l,
		feeds:     feeds,
		clock:     clock,
		principal: principal,
		weth:      weth,
		wbtc:      wbtc,
		debt:      debt,
		persist:   persist,
		publish:   publish,
	}
}

var roundID int64

func (f *fixture) setPrice(feedID string, usd int64) {
	roundID++
	ts := f.clock.now.Unix()
	f.feeds.SetRound(feedID, oracle.RoundData{
		RoundID:         roundID,
		Answer:          new(big.Int).Mul(big.NewInt(usd), big.NewInt(1e8)),
		StartedAt:       ts,
		UpdatedAt:       ts,
		AnsweredInRound: roundID,
	})
}

// fund seeds an account with qty of WETH and an allowance so the engine can
// pull it.
func (f *fixture) fund(account uuid.UUID, qty *big.Int) {
	f.weth.Mint(account, qty)
	f.weth.Approve(account, qty)
}

func TestDepositCollateral(t *testing.T) {
	f := newFixture(t)
	f.setPrice("eth-usd", 2000)
	user := uuid.New()
	f.fund(user, wad(10))

	if err := f.eng.DepositCollateral(user, "WETH", wad(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if got := f.eng.CollateralBalance(user, "WETH"); got.Cmp(wad(10)) != 0 {
		t.Fatalf("collateral = %s, want 10e18", got)
	}
	if got := f.weth.BalanceOf(f.principal); got.Cmp(wad(10)) != 0 {
		t.Fatalf("custody balance = %s, want 10e18", got)
	}

	out := <-f.persist
	if out.Envelope.Sequence != 1 || out.Envelope.Op.Type != event.OpDeposit {
		t.Fatalf("unexpected envelope: seq=%d type=%s", out.Envelope.Sequence, out.Envelope.Op.Type)
	}
}

func TestDepositRejectsZeroAndUnsupported(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()

	if err := f.eng.DepositCollateral(user, "WETH", big.NewInt(0)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("zero deposit err = %v", err)
	}
	if err := f.eng.DepositCollateral(user, "DOGE", wad(1)); !errors.Is(err, ledger.ErrUnsupportedAsset) {
		t.Fatalf("unsupported deposit err = %v", err)
	}
	if f.eng.Sequence() != 0 {
		t.Fatal("rejected operations must not advance the sequence")
	}
}

func TestDepositRollsBackOnDeclinedTransfer(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()
	// No allowance granted: the pull must fail.
	f.weth.Mint(user, wad(5))

	err := f.eng.DepositCollateral(user, "WETH", wad(5))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}
	if got := f.eng.CollateralBalance(user, "WETH"); got.Sign() != 0 {
		t.Fatalf("collateral after rollback = %s, want 0", got)
	}
}

func TestMintWithinLimit(t *testing.T) {
	f := newFixture(t)
	f.setPrice("eth-usd", 2000)
	user := uuid.New()
	f.fund(user, wad(10))

	if err := f.eng.DepositCollateral(user, "WETH", wad(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// $20,000 collateral supports exactly 10,000 units of debt.
	if err := f.eng.MintDebt(user, wad(10_000)); err != nil {
		t.Fatalf("mint at limit: %v", err)
	}
	if got := f.debt.BalanceOf(user); got.Cmp(wad(10_000)) != 0 {
		t.Fatalf("debt token balance = %s, want 10000e18", got)
	}

	// One more wei of debt breaks the health factor.
	err := f.eng.MintDebt(user, big.NewInt(1))
	var breaks *BreaksHealthFactorError
	if !errors.As(err, &breaks) {
		t.Fatalf("err = %v, want BreaksHealthFactorError", err)
	}
	if breaks.Factor.Cmp(fpmath.MinHealthFactor) >= 0 {
		t.Fatalf("reported factor %s should be below the minimum", breaks.Factor)
	}
	if got := f.eng.Debt(user); got.Cmp(wad(10_000)) != 0 {
		t.Fatalf("ledger debt after rejected mint = %s, want 10000e18", got)
	}
}

func TestRedeemKeepsAccountHealthy(t *testing.T) {
	f := newFixture(t)
	f.setPrice("eth-usd", 2000)
	user := uuid.New()
	f.fund(user, wad(10))

	if err := f.eng.DepositCollateral(user, "WETH", wad(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.eng.MintDebt(user, wad(5000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// 5 WETH can leave: $10,000 * 50% = $5,000 still covers the debt.
	if err := f.eng.RedeemCollateral(user, "WETH", wad(5)); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if got := f.weth.BalanceOf(user); got.Cmp(wad(5)) != 0 {
		t.Fatalf("returned balance = %s, want 5e18", got)
	}

	// One more wei of collateral out would break the health factor.
	err := f.eng.RedeemCollateral(user, "WETH", big.NewInt(1))
	var breaks *BreaksHealthFactorError
	if !errors.As(err, &breaks) {
		t.Fatalf("err = %v, want BreaksHealthFactorError", err)
	}
	if got := f.eng.CollateralBalance(user, "WETH"); got.Cmp(wad(5)) != 0 {
		t.Fatalf("collateral after rejected redeem = %s, want 5e18", got)
	}
}

func TestRedeemMoreThanDeposited(t *testing.T) {
	f := newFixture(t)
	f.setPrice("eth-usd", 2000)
	user := uuid.New()
	f.fund(user, wad(1))

	if err := f.eng.DepositCollateral(user, "WETH", wad(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.eng.RedeemCollateral(user, "WETH", wad(2)); !errors.Is(err, ledger.ErrInsufficientCollateral) {
		t.Fatalf("err = %v, want ErrInsufficientCollateral", err)
	}
}

func TestBurnDebt(t *testing.T) {
	f := newFixture(t)
	f.setPrice("eth-usd", 2000)
	user := uuid.New()
	f.fund(user, wad(10))

	if err := f.eng.DepositCollateralAndMintDebt(user, "WETH", wad(10), wad(8000)); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}

	f.debt.Approve(user, wad(8000))
	if err := f.eng.BurnDebt(user, wad(3000)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	if got := f.eng.Debt(user); got.Cmp(wad(5000)) != 0 {
		t.Fatalf("debt = %s, want 5000e18", got)
	}
	if got := f.debt.TotalSupply(); got.Cmp(wad(5000)) != 0 {
		t.Fatalf("supply = %s, want 5000e18", got)
	}

	if err := f.eng.BurnDebt(user, wad(6000)); !errors.Is(err, ledger.ErrDebtUnderflow) {
		t.Fatalf("over-burn err = %v, want ErrDebtUnderflow", err)
	}
}

func TestRedeemCollateralForDebt(t *testing.T) {
	f := newFixture(t)
	f.setPrice("eth-usd", 2000)
	user := uuid.New()
	f.fund(user, wad(10))

	if err := f.eng.DepositCollateralAndMintDebt(user, "WETH", wad(10), wad(5000)); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}

	f.debt.Approve(user, wad(5000))
	if err := f.eng.RedeemCollateralForDebt(user, "WETH", wad(5), wad(5000)); err != nil {
		t.Fatalf("redeem for debt: %v", err)
	}

	if got := f.eng.Debt(user); got.Sign() != 0 {
		t.Fatalf("debt = %s, want 0", got)
	}
	if got := f.eng.CollateralBalance(user, "WETH"); got.Cmp(wad(5)) != 0 {
		t.Fatalf("collateral = %s, want 5e18", got)
	}
	if got := f.weth.BalanceOf(user); got.Cmp(wad(5)) != 0 {
		t.Fatalf("wallet balance = %s, want 5e18", got)
	}
	if got := f.debt.TotalSupply(); got.Sign() != 0 {
		t.Fatalf("supply = %s, want 0", got)
	}
}

func TestLiquidateSeizesBonus(t *testing.T) {
	f := newFixture(t)
	f.setPrice("eth-usd", 2000)

	user := uuid.New()
	f.fund(user, wad(1))
	if err := f.eng.DepositCollateralAndMintDebt(user, "WETH", wad(1), wad(1000)); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}

	// Price drop: $2000 -> $1800 leaves the health factor at 0.9.
	f.setPrice("eth-usd", 1800)
	startHF, err := f.eng.HealthFactor(user)
	if err != nil {
		t.Fatalf("health factor: %v", err)
	}
	if startHF.Cmp(fpmath.MinHealthFactor) >= 0 {
		t.Fatalf("account should be liquidatable, factor = %s", startHF)
	}

	liquidator := uuid.New()
	f.debt.Mint(liquidator, wad(500))
	f.debt.Approve(liquidator, wad(500))

	seized, err := f.eng.Liquidate(liquidator, user, "WETH", wad(500))
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// base = 500e18 * 1e18 / 1800e18, bonus = base/10, both floored.
	base, _ := new(big.Int).SetString("277777777777777777", 10)
	bonus, _ := new(big.Int).SetString("27777777777777777", 10)
	want := new(big.Int).Add(base, bonus)
	if seized.Cmp(want) != 0 {
		t.Fatalf("seized = %s, want %s", seized, want)
	}
	if got := f.weth.BalanceOf(liquidator); got.Cmp(want) != 0 {
		t.Fatalf("liquidator wallet = %s, want %s", got, want)
	}

	if got := f.eng.Debt(user); got.Cmp(wad(500)) != 0 {
		t.Fatalf("remaining debt = %s, want 500e18", got)
	}
	endHF, err := f.eng.HealthFactor(user)
	if err != nil {
		t.Fatalf("health factor after: %v", err)
	}
	if endHF.Cmp(startHF) <= 0 {
		t.Fatalf("health factor did not improve: %s -> %s", startHF, endHF)
	}
	if got := f.debt.TotalSupply(); got.Cmp(wad(500)) != 0 {
		t.Fatalf("supply = %s, want 500e18", got)
	}
}

func TestLiquidateHealthyAccountRefused(t *testing.T) {
	f := newFixture(t)
	f.setPrice("eth-usd", 2000)

	user := uuid.New()
	f.fund(user, wad(10))
	if err := f.eng.DepositCollateralAndMintDebt(user, "WETH", wad(10), wad(5000)); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}

	liquidator := uuid.New()
	f.debt.Mint(liquidator, wad(100))
	f.debt.Approve(liquidator, wad(100))

	if _, err := f.eng.Liquidate(liquidator, user, "WETH", wad(100)); !errors.Is(err, ErrHealthFactorOk) {
		t.Fatalf("err = %v, want ErrHealthFactorOk", err)
	}
}

func TestLiquidateMustImprove(t *testing.T) {
	f := newFixture(t)
	f.setPrice("eth-usd", 2000)

	user := uuid.New()
	f.fund(user, wad(1))
	if err := f.eng.DepositCollateralAndMintDebt(user, "WETH", wad(1), wad(1000)); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}

	// Crash deep enough that the 10% bonus makes any partial liquidation
	// worsen the account: at $900, covering 500 seizes $550 of collateral.
	f.setPrice("eth-usd", 900)

	liquidator := uuid.New()
	f.debt.Mint(liquidator, wad(500))
	f.debt.Approve(liquidator, wad(500))

	_, err := f.eng.Liquidate(liquidator, user, "WETH", wad(500))
	if !errors.Is(err, ErrHealthFactorNotImproved) {
		t.Fatalf("err = %v, want ErrHealthFactorNotImproved", err)
	}

	// Everything rolled back.
	if got := f.eng.Debt(user); got.Cmp(wad(1000)) != 0 {
		t.Fatalf("debt = %s, want 1000e18", got)
	}
	if got := f.eng.CollateralBalance(user, "WETH"); got.Cmp(wad(1)) != 0 {
		t.Fatalf("collateral = %s, want 1e18", got)
	}
	if got := f.debt.BalanceOf(liquidator); got.Cmp(wad(500)) != 0 {
		t.Fatalf("liquidator debt tokens = %s, want 500e18", got)
	}
}

func TestStaleFeedFreezesMintButNotBurn(t *testing.T) {
	f := newFixture(t)
	f.setPrice("eth-usd", 2000)
	user := uuid.New()
	f.fund(user, wad(10))

	if err := f.eng.DepositCollateralAndMintDebt(user, "WETH", wad(10), wad(2000)); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}

	f.clock.now = f.clock.now.Add(oracle.StaleTimeout + time.Minute)

	if err := f.eng.MintDebt(user, wad(1)); !errors.Is(err, oracle.ErrStalePrice) {
		t.Fatalf("mint during freeze err = %v, want ErrStalePrice", err)
	}
	if err := f.eng.RedeemCollateral(user, "WETH", wad(1)); !errors.Is(err, oracle.ErrStalePrice) {
		t.Fatalf("redeem during freeze err = %v, want ErrStalePrice", err)
	}

	// Deposits and burns only improve solvency and stay available.
	f.fund(user, wad(1))
	if err := f.eng.DepositCollateral(user, "WETH", wad(1)); err != nil {
		t.Fatalf("deposit during freeze: %v", err)
	}
	f.debt.Approve(user, wad(2000))
	if err := f.eng.BurnDebt(user, wad(2000)); err != nil {
		t.Fatalf("burn during freeze: %v", err)
	}
}

func TestAccountInformationDuringFreeze(t *testing.T) {
	f := newFixture(t)
	f.setPrice("eth-usd", 2000)
	user := uuid.New()
	f.fund(user, wad(2))

	if err := f.eng.DepositCollateralAndMintDebt(user, "WETH", wad(2), wad(1000)); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}

	f.clock.now = f.clock.now.Add(oracle.StaleTimeout + time.Hour)

	debt, value := f.eng.AccountInformation(user)
	if debt.Cmp(wad(1000)) != 0 {
		t.Fatalf("debt = %s, want 1000e18", debt)
	}
	if value.Cmp(wad(4000)) != 0 {
		t.Fatalf("collateral value = %s, want 4000e18 (last known price)", value)
	}
}

func TestSequenceMonotonicAndEnvelopes(t *testing.T) {
	f := newFixture(t)
	f.setPrice("eth-usd", 2000)
	user := uuid.New()
	f.fund(user, wad(10))

	if err := f.eng.DepositCollateral(user, "WETH", wad(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.eng.MintDebt(user, wad(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	f.debt.Approve(user, wad(100))
	if err := f.eng.BurnDebt(user, wad(100)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	wantTypes := []event.OpType{event.OpDeposit, event.OpMint, event.OpBurn}
	for i, want := range wantTypes {
		out := <-f.persist
		if out.Envelope.Sequence != int64(i+1) {
			t.Fatalf("sequence = %d, want %d", out.Envelope.Sequence, i+1)
		}
		if out.Envelope.Op.Type != want {
			t.Fatalf("op[%d] = %s, want %s", i, out.Envelope.Op.Type, want)
		}
	}
}

func TestGlobalCollateralization(t *testing.T) {
	f := newFixture(t)
	f.setPrice("eth-usd", 2000)
	f.setPrice("btc-usd", 60_000)

	alice, bob := uuid.New(), uuid.New()
	f.fund(alice, wad(10))
	f.wbtc.Mint(bob, wad(1))
	f.wbtc.Approve(bob, wad(1))

	if err := f.eng.DepositCollateralAndMintDebt(alice, "WETH", wad(10), wad(9000)); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := f.eng.DepositCollateral(bob, "WBTC", wad(1)); err != nil {
		t.Fatalf("bob deposit: %v", err)
	}
	if err := f.eng.MintDebt(bob, wad(30_000)); err != nil {
		t.Fatalf("bob mint: %v", err)
	}

	totalValue := new(big.Int)
	for _, asset := range f.eng.CollateralAssets() {
		value, err := f.eng.UsdValue(asset, f.ledger.TotalDeposited(asset))
		if err != nil {
			t.Fatalf("UsdValue(%s): %v", asset, err)
		}
		totalValue.Add(totalValue, value)
	}
	if totalValue.Cmp(f.ledger.TotalDebt()) < 0 {
		t.Fatalf("system undercollateralized: value %s < debt %s", totalValue, f.ledger.TotalDebt())
	}
	if got := f.debt.TotalSupply(); got.Cmp(f.ledger.TotalDebt()) != 0 {
		t.Fatalf("supply %s != ledger debt %s", got, f.ledger.TotalDebt())
	}
}

func TestSnapshotRestoreWarmRestart(t *testing.T) {
	f := newFixture(t)
	f.setPrice("eth-usd", 2000)
	user := uuid.New()
	f.fund(user, wad(4))

	if err := f.eng.DepositCollateralAndMintDebt(user, "WETH", wad(4), wad(2000)); err != nil {
		t.Fatalf("deposit and mint: %v", err)
	}

	seq, snap := f.eng.SnapshotState()

	// Fresh engine, as after a restart.
	g := newFixture(t)
	g.eng.RestoreFromSnapshot(seq, snap)

	if g.eng.Sequence() != seq {
		t.Fatalf("restored sequence = %d, want %d", g.eng.Sequence(), seq)
	}
	if got := g.eng.Debt(user); got.Cmp(wad(2000)) != 0 {
		t.Fatalf("restored debt = %s, want 2000e18", got)
	}
	if got := g.eng.CollateralBalance(user, "WETH"); got.Cmp(wad(4)) != 0 {
		t.Fatalf("restored collateral = %s, want 4e18", got)
	}
}
