// Package token provides in-process stand-ins for the external asset and
// synthetic-unit token contracts the engine settles against. Both report
// transfer success as a boolean, so the engine can exercise its rollback
// paths against declined transfers the same way it would against a real
// settlement backend.
package token

import (
	"math/big"
	"sync"

	"github.com/google/uuid"
)

// AssetStore holds balances of one collateral asset and honors allowance
// grants toward a single operator (the engine principal).
type AssetStore struct {
	mu         sync.Mutex
	operator   uuid.UUID
	balances   map[uuid.UUID]*big.Int
	allowances map[uuid.UUID]*big.Int
}

func NewAssetStore(operator uuid.UUID) *AssetStore {
	return &AssetStore{
		operator:   operator,
		balances:   make(map[uuid.UUID]*big.Int),
		allowances: make(map[uuid.UUID]*big.Int),
	}
}

// Mint credits an account out of thin air. Seeding only; the engine never
// calls this.
func (s *AssetStore) Mint(to uuid.UUID, qty *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit(to, qty)
}

func (s *AssetStore) BalanceOf(account uuid.UUID) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.balances[account]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Approve grants the operator permission to pull up to qty from account.
// Overwrites any previous grant.
func (s *AssetStore) Approve(account uuid.UUID, qty *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowances[account] = new(big.Int).Set(qty)
}

// Transfer moves qty from the operator's balance to account. Returns false
// if the operator balance is insufficient.
func (s *AssetStore) Transfer(to uuid.UUID, qty *big.Int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.move(s.operator, to, qty)
}

// TransferFrom moves qty from one account to another on the operator's
// authority, consuming allowance. The operator's own funds move without an
// allowance check.
func (s *AssetStore) TransferFrom(from, to uuid.UUID, qty *big.Int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from != s.operator {
		allowance, ok := s.allowances[from]
		if !ok || allowance.Cmp(qty) < 0 {
			return false
		}
		if !s.move(from, to, qty) {
			return false
		}
		allowance.Sub(allowance, qty)
		return true
	}
	return s.move(from, to, qty)
}

func (s *AssetStore) move(from, to uuid.UUID, qty *big.Int) bool {
	bal, ok := s.balances[from]
	if !ok || bal.Cmp(qty) < 0 {
		return false
	}
	bal.Sub(bal, qty)
	s.credit(to, qty)
	return true
}

func (s *AssetStore) credit(to uuid.UUID, qty *big.Int) {
	cur, ok := s.balances[to]
	if !ok {
		cur = new(big.Int)
		s.balances[to] = cur
	}
	cur.Add(cur, qty)
}

// DebtToken is the synthetic unit itself. Only the operator mints, and burns
// destroy units held by the operator.
type DebtToken struct {
	mu         sync.Mutex
	operator   uuid.UUID
	balances   map[uuid.UUID]*big.Int
	allowances map[uuid.UUID]*big.Int
	supply     *big.Int
}

func NewDebtToken(operator uuid.UUID) *DebtToken {
	return &DebtToken{
		operator:   operator,
		balances:   make(map[uuid.UUID]*big.Int),
		allowances: make(map[uuid.UUID]*big.Int),
		supply:     new(big.Int),
	}
}

// Mint issues amount to an account. Returns false for a non-positive amount.
func (d *DebtToken) Mint(to uuid.UUID, amount *big.Int) bool {
	if amount.Sign() <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, ok := d.balances[to]
	if !ok {
		cur = new(big.Int)
		d.balances[to] = cur
	}
	cur.Add(cur, amount)
	d.supply.Add(d.supply, amount)
	return true
}

// Burn destroys amount from the operator's own balance. The engine always
// pulls units to itself before burning, so a shortfall here is a bug.
func (d *DebtToken) Burn(amount *big.Int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	bal, ok := d.balances[d.operator]
	if !ok || bal.Cmp(amount) < 0 {
		panic("token: burn exceeds operator balance")
	}
	bal.Sub(bal, amount)
	d.supply.Sub(d.supply, amount)
}

func (d *DebtToken) BalanceOf(account uuid.UUID) *big.Int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.balances[account]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (d *DebtToken) TotalSupply() *big.Int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return new(big.Int).Set(d.supply)
}

// Approve grants the operator permission to pull up to amount from account.
func (d *DebtToken) Approve(account uuid.UUID, amount *big.Int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.allowances[account] = new(big.Int).Set(amount)
}

func (d *DebtToken) Transfer(to uuid.UUID, amount *big.Int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.move(d.operator, to, amount)
}

func (d *DebtToken) TransferFrom(from, to uuid.UUID, amount *big.Int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if from != d.operator {
		allowance, ok := d.allowances[from]
		if !ok || allowance.Cmp(amount) < 0 {
			return false
		}
		if !d.move(from, to, amount) {
			return false
		}
		allowance.Sub(allowance, amount)
		return true
	}
	return d.move(from, to, amount)
}

func (d *DebtToken) move(from, to uuid.UUID, amount *big.Int) bool {
	bal, ok := d.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return false
	}
	bal.Sub(bal, amount)
	cur, ok := d.balances[to]
	if !ok {
		cur = new(big.Int)
		d.balances[to] = cur
	}
	cur.Add(cur, amount)
	return true
}
