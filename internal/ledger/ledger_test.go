package ledger

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"
)

func TestCollateralRoundTrip(t *testing.T) {
	l := New()
	account := uuid.New()

	if got := l.Collateral(account, "WETH"); got.Sign() != 0 {
		t.Fatalf("fresh account collateral = %s, want 0", got)
	}

	l.AddCollateral(account, "WETH", big.NewInt(1500))
	l.AddCollateral(account, "WETH", big.NewInt(500))
	if got := l.Collateral(account, "WETH"); got.Cmp(big.NewInt(2000)) != 0 {
		t.Fatalf("collateral = %s, want 2000", got)
	}

	if err := l.SubCollateral(account, "WETH", big.NewInt(2001)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("over-withdraw err = %v, want ErrInsufficientCollateral", err)
	}
	if err := l.SubCollateral(account, "WETH", big.NewInt(2000)); err != nil {
		t.Fatalf("withdraw to zero: %v", err)
	}
	if got := l.Collateral(account, "WETH"); got.Sign() != 0 {
		t.Fatalf("collateral after full withdraw = %s, want 0", got)
	}
}

func TestSubCollateralUnknownAssetOrAccount(t *testing.T) {
	l := New()
	account := uuid.New()
	l.AddCollateral(account, "WETH", big.NewInt(10))

	if err := l.SubCollateral(account, "WBTC", big.NewInt(1)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("unknown asset err = %v, want ErrInsufficientCollateral", err)
	}
	if err := l.SubCollateral(uuid.New(), "WETH", big.NewInt(1)); !errors.Is(err, ErrInsufficientCollateral) {
		t.Fatalf("unknown account err = %v, want ErrInsufficientCollateral", err)
	}
}

func TestDebtRoundTrip(t *testing.T) {
	l := New()
	account := uuid.New()

	l.AddDebt(account, big.NewInt(300))
	if got := l.Debt(account); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("debt = %s, want 300", got)
	}

	if err := l.SubDebt(account, big.NewInt(301)); !errors.Is(err, ErrDebtUnderflow) {
		t.Fatalf("over-repay err = %v, want ErrDebtUnderflow", err)
	}
	if err := l.SubDebt(account, big.NewInt(300)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if got := l.Debt(account); got.Sign() != 0 {
		t.Fatalf("debt after repay = %s, want 0", got)
	}
}

func TestAccessorsReturnCopies(t *testing.T) {
	l := New()
	account := uuid.New()
	l.AddCollateral(account, "WETH", big.NewInt(100))
	l.AddDebt(account, big.NewInt(50))

	l.Collateral(account, "WETH").SetInt64(0)
	l.Debt(account).SetInt64(0)

	if got := l.Collateral(account, "WETH"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("collateral mutated through accessor: %s", got)
	}
	if got := l.Debt(account); got.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("debt mutated through accessor: %s", got)
	}
}

func TestTotals(t *testing.T) {
	l := New()
	a, b := uuid.New(), uuid.New()
	l.AddCollateral(a, "WETH", big.NewInt(10))
	l.AddCollateral(b, "WETH", big.NewInt(5))
	l.AddCollateral(b, "WBTC", big.NewInt(2))
	l.AddDebt(a, big.NewInt(100))
	l.AddDebt(b, big.NewInt(40))

	if got := l.TotalDeposited("WETH"); got.Cmp(big.NewInt(15)) != 0 {
		t.Fatalf("TotalDeposited(WETH) = %s, want 15", got)
	}
	if got := l.TotalDeposited("WBTC"); got.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("TotalDeposited(WBTC) = %s, want 2", got)
	}
	if got := l.TotalDebt(); got.Cmp(big.NewInt(140)) != 0 {
		t.Fatalf("TotalDebt = %s, want 140", got)
	}
}

func TestAccountsSortedAndDeduped(t *testing.T) {
	l := New()
	a, b := uuid.New(), uuid.New()
	l.AddCollateral(a, "WETH", big.NewInt(1))
	l.AddDebt(a, big.NewInt(1))
	l.AddDebt(b, big.NewInt(1))

	accounts := l.Accounts()
	if len(accounts) != 2 {
		t.Fatalf("len(Accounts) = %d, want 2", len(accounts))
	}
	if accounts[0].String() > accounts[1].String() {
		t.Fatalf("accounts not sorted: %v", accounts)
	}
}

func TestSnapshotRestore(t *testing.T) {
	l := New()
	account := uuid.New()
	l.AddCollateral(account, "WETH", big.NewInt(100))
	l.AddDebt(account, big.NewInt(60))

	snap := l.Snapshot()

	l.AddCollateral(account, "WETH", big.NewInt(900))
	l.AddDebt(account, big.NewInt(40))
	if err := l.SubCollateral(account, "WETH", big.NewInt(50)); err != nil {
		t.Fatalf("mutate after snapshot: %v", err)
	}

	l.Restore(snap)

	if got := l.Collateral(account, "WETH"); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("restored collateral = %s, want 100", got)
	}
	if got := l.Debt(account); got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("restored debt = %s, want 60", got)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	l := New()
	account := uuid.New()
	l.AddCollateral(account, "WETH", big.NewInt(100))

	snap := l.Snapshot()
	l.AddCollateral(account, "WETH", big.NewInt(1))

	if got := snap.Collateral[account]["WETH"]; got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("snapshot mutated by later write: %s", got)
	}
}

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry([]string{"WETH", "WBTC"}, []string{"eth-usd", "btc-usd"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if !reg.Supported("WETH") || !reg.Supported("WBTC") {
		t.Fatal("configured assets should be supported")
	}
	if reg.Supported("DOGE") {
		t.Fatal("DOGE should not be supported")
	}

	feed, ok := reg.FeedID("WBTC")
	if !ok || feed != "btc-usd" {
		t.Fatalf("FeedID(WBTC) = %q, %v", feed, ok)
	}

	assets := reg.Assets()
	if len(assets) != 2 {
		t.Fatalf("len(Assets) = %d, want 2", len(assets))
	}
	assets[0] = "mutated"
	if got := reg.Assets()[0]; got == "mutated" {
		t.Fatal("Assets must return a copy")
	}
}

func TestRegistryLengthMismatch(t *testing.T) {
	if _, err := NewRegistry([]string{"WETH", "WBTC"}, []string{"eth-usd"}); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("err = %v, want ErrLengthMismatch", err)
	}
}
