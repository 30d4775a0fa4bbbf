package fundme

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// unit buffers the writes of one public operation over the committed state.
// Nothing reaches the ledger until commit. Every read of committed state is
// counted so the two withdrawal paths can report their cost.
type unit struct {
	base         *state
	amounts      map[common.Address]*big.Int // nil value marks a cleared entry
	funders      []common.Address
	fundersDirty bool
	balance      *big.Int
	reads        int
}

func begin(base *state) *unit {
	return &unit{
		base:    base,
		amounts: make(map[common.Address]*big.Int),
		balance: new(big.Int).Set(base.balance),
	}
}

func (u *unit) amountOf(addr common.Address) *big.Int {
	u.reads++
	if v, ok := u.amounts[addr]; ok {
		if v == nil {
			return new(big.Int)
		}
		return new(big.Int).Set(v)
	}
	if v, ok := u.base.amounts[addr]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// isFunder reports whether addr deposited since the last reset.
func (u *unit) isFunder(addr common.Address) bool {
	u.reads++
	if v, ok := u.amounts[addr]; ok {
		return v != nil
	}
	_, ok := u.base.amounts[addr]
	return ok
}

func (u *unit) setAmount(addr common.Address, v *big.Int) {
	u.amounts[addr] = v
}

func (u *unit) clearAmount(addr common.Address) {
	u.amounts[addr] = nil
}

func (u *unit) currentFunders() []common.Address {
	if u.fundersDirty {
		return u.funders
	}
	return u.base.funders
}

func (u *unit) funderCount() int {
	u.reads++
	return len(u.currentFunders())
}

func (u *unit) funderAt(i int) common.Address {
	u.reads++
	return u.currentFunders()[i]
}

// loadFunders copies the funder list out of shared state in a single pass.
func (u *unit) loadFunders() []common.Address {
	src := u.currentFunders()
	u.reads += 1 + len(src)
	out := make([]common.Address, len(src))
	copy(out, src)
	return out
}

func (u *unit) appendFunder(addr common.Address) {
	if !u.fundersDirty {
		u.funders = append(make([]common.Address, 0, len(u.base.funders)+1), u.base.funders...)
		u.fundersDirty = true
	}
	u.funders = append(u.funders, addr)
}

func (u *unit) clearFunders() {
	u.funders = []common.Address{}
	u.fundersDirty = true
}

// staged renders the state the ledger would hold after commit.
func (u *unit) staged(owner, feed common.Address) Snapshot {
	out := Snapshot{
		Owner:     owner,
		PriceFeed: feed,
		Balance:   new(big.Int).Set(u.balance),
		Funders:   append([]common.Address{}, u.currentFunders()...),
		Amounts:   make(map[common.Address]*big.Int, len(u.base.amounts)),
	}
	for addr, v := range u.base.amounts {
		out.Amounts[addr] = new(big.Int).Set(v)
	}
	for addr, v := range u.amounts {
		if v == nil {
			delete(out.Amounts, addr)
			continue
		}
		out.Amounts[addr] = new(big.Int).Set(v)
	}
	return out
}

func (u *unit) commit() {
	for addr, v := range u.amounts {
		if v == nil {
			delete(u.base.amounts, addr)
			continue
		}
		u.base.amounts[addr] = v
	}
	if u.fundersDirty {
		u.base.funders = u.funders
	}
	u.base.balance = u.balance
}
