package ledger

import (
	"errors"
	"math/big"
	"sort"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientCollateral guards the redeem/seize underflow: an
	// account's per-asset balance can never go negative.
	ErrInsufficientCollateral = errors.New("insufficient collateral balance")

	// ErrDebtUnderflow guards repaying or covering more debt than an
	// account owes.
	ErrDebtUnderflow = errors.New("amount exceeds outstanding debt")
)

// Ledger is the per-account collateral and debt bookkeeping. Pure state, no
// pricing logic, no outward calls. Accounts are created implicitly on first
// deposit and never destroyed; zeroed balances simply persist.
//
// The ledger is not internally synchronized; the engine serializes all
// mutation behind a single writer lock.
type Ledger struct {
	collateral map[uuid.UUID]map[string]*big.Int
	debt       map[uuid.UUID]*big.Int
}

func New() *Ledger {
	return &Ledger{
		collateral: make(map[uuid.UUID]map[string]*big.Int),
		debt:       make(map[uuid.UUID]*big.Int),
	}
}

// Collateral returns the account's deposited quantity of asset.
func (l *Ledger) Collateral(account uuid.UUID, asset string) *big.Int {
	if balances, ok := l.collateral[account]; ok {
		if qty, ok := balances[asset]; ok {
			return new(big.Int).Set(qty)
		}
	}
	return new(big.Int)
}

// Debt returns the account's outstanding synthetic-unit debt.
func (l *Ledger) Debt(account uuid.UUID) *big.Int {
	if d, ok := l.debt[account]; ok {
		return new(big.Int).Set(d)
	}
	return new(big.Int)
}

// AddCollateral increases an account's balance of asset by qty (positive).
func (l *Ledger) AddCollateral(account uuid.UUID, asset string, qty *big.Int) {
	balances, ok := l.collateral[account]
	if !ok {
		balances = make(map[string]*big.Int)
		l.collateral[account] = balances
	}
	cur, ok := balances[asset]
	if !ok {
		cur = new(big.Int)
		balances[asset] = cur
	}
	cur.Add(cur, qty)
}

// SubCollateral decreases an account's balance of asset by qty. Fails with
// ErrInsufficientCollateral if the balance would go negative.
func (l *Ledger) SubCollateral(account uuid.UUID, asset string, qty *big.Int) error {
	balances, ok := l.collateral[account]
	if !ok {
		return ErrInsufficientCollateral
	}
	cur, ok := balances[asset]
	if !ok || cur.Cmp(qty) < 0 {
		return ErrInsufficientCollateral
	}
	cur.Sub(cur, qty)
	return nil
}

// AddDebt increases an account's debt by amount (positive).
func (l *Ledger) AddDebt(account uuid.UUID, amount *big.Int) {
	cur, ok := l.debt[account]
	if !ok {
		cur = new(big.Int)
		l.debt[account] = cur
	}
	cur.Add(cur, amount)
}

// SubDebt decreases an account's debt by amount. Fails with
// ErrDebtUnderflow if the debt would go negative.
func (l *Ledger) SubDebt(account uuid.UUID, amount *big.Int) error {
	cur, ok := l.debt[account]
	if !ok || cur.Cmp(amount) < 0 {
		return ErrDebtUnderflow
	}
	cur.Sub(cur, amount)
	return nil
}

// Accounts returns every account the ledger has seen, sorted for
// deterministic iteration.
func (l *Ledger) Accounts() []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(l.collateral)+len(l.debt))
	for account := range l.collateral {
		seen[account] = true
	}
	for account := range l.debt {
		seen[account] = true
	}

	accounts := make([]uuid.UUID, 0, len(seen))
	for account := range seen {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].String() < accounts[j].String()
	})
	return accounts
}

// TotalDeposited sums every account's balance of asset.
func (l *Ledger) TotalDeposited(asset string) *big.Int {
	total := new(big.Int)
	for _, balances := range l.collateral {
		if qty, ok := balances[asset]; ok {
			total.Add(total, qty)
		}
	}
	return total
}

// TotalDebt sums outstanding debt across all accounts.
func (l *Ledger) TotalDebt() *big.Int {
	total := new(big.Int)
	for _, d := range l.debt {
		total.Add(total, d)
	}
	return total
}

// Snapshot is a deep copy of ledger state, used both as the rollback
// checkpoint around each engine operation and as the persisted warm-restart
// image.
type Snapshot struct {
	Collateral map[uuid.UUID]map[string]*big.Int
	Debt       map[uuid.UUID]*big.Int
}

// Snapshot captures current state.
func (l *Ledger) Snapshot() *Snapshot {
	snap := &Snapshot{
		Collateral: make(map[uuid.UUID]map[string]*big.Int, len(l.collateral)),
		Debt:       make(map[uuid.UUID]*big.Int, len(l.debt)),
	}
	for account, balances := range l.collateral {
		cp := make(map[string]*big.Int, len(balances))
		for asset, qty := range balances {
			cp[asset] = new(big.Int).Set(qty)
		}
		snap.Collateral[account] = cp
	}
	for account, d := range l.debt {
		snap.Debt[account] = new(big.Int).Set(d)
	}
	return snap
}

// Restore replaces ledger state with a snapshot. The snapshot is consumed;
// callers must not reuse it afterwards.
func (l *Ledger) Restore(snap *Snapshot) {
	if snap == nil {
		l.collateral = make(map[uuid.UUID]map[string]*big.Int)
		l.debt = make(map[uuid.UUID]*big.Int)
		return
	}
	l.collateral = snap.Collateral
	l.debt = snap.Debt
}
