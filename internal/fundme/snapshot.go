package fundme

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Snapshot is a deep copy of the full ledger state.
type Snapshot struct {
	Owner     common.Address              `json:"owner"`
	PriceFeed common.Address              `json:"priceFeed"`
	Balance   *big.Int                    `json:"balance"`
	Funders   []common.Address            `json:"funders"`
	Amounts   map[common.Address]*big.Int `json:"amounts"`
}

func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Owner:     s.Owner,
		PriceFeed: s.PriceFeed,
		Balance:   new(big.Int),
		Funders:   make([]common.Address, len(s.Funders)),
		Amounts:   make(map[common.Address]*big.Int, len(s.Amounts)),
	}
	if s.Balance != nil {
		out.Balance.Set(s.Balance)
	}
	copy(out.Funders, s.Funders)
	for addr, amount := range s.Amounts {
		out.Amounts[addr] = new(big.Int).Set(amount)
	}
	return out
}

// Validate checks that the amounts sum to the balance and that the funder list
// and the amount map name the same depositors.
func (s Snapshot) Validate() error {
	if s.Balance == nil || s.Balance.Sign() < 0 {
		return fmt.Errorf("invalid balance %v", s.Balance)
	}
	listed := make(map[common.Address]bool, len(s.Funders))
	for _, funder := range s.Funders {
		if _, ok := s.Amounts[funder]; !ok {
			return fmt.Errorf("funder %s has no amount", funder.Hex())
		}
		listed[funder] = true
	}
	sum := new(big.Int)
	for addr, amount := range s.Amounts {
		if amount == nil || amount.Sign() < 0 {
			return fmt.Errorf("invalid amount %v for %s", amount, addr.Hex())
		}
		if !listed[addr] {
			return fmt.Errorf("amount for %s who is not a funder", addr.Hex())
		}
		sum.Add(sum, amount)
	}
	if sum.Cmp(s.Balance) != 0 {
		return fmt.Errorf("amounts sum to %s, balance is %s", sum, s.Balance)
	}
	return nil
}

type state struct {
	balance *big.Int
	funders []common.Address
	amounts map[common.Address]*big.Int
}

func newState() state {
	return state{
		balance: new(big.Int),
		funders: []common.Address{},
		amounts: make(map[common.Address]*big.Int),
	}
}

func stateFromSnapshot(s Snapshot) state {
	c := s.Clone()
	return state{balance: c.Balance, funders: c.Funders, amounts: c.Amounts}
}
