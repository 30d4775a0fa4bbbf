package events

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	TopicFunded    = "fundme.funded"
	TopicWithdrawn = "fundme.withdrawn"
)

// Event is a committed ledger change.
type Event interface {
	Topic() string
}

// Funded is emitted after a deposit is recorded.
type Funded struct {
	Ledger     common.Address `json:"ledger"`
	Funder     common.Address `json:"funder"`
	Amount     *big.Int       `json:"amount"`
	USDValue   *big.Int       `json:"usdValue"`
	Total      *big.Int       `json:"total"`
	OccurredAt time.Time      `json:"occurredAt"`
}

func (Funded) Topic() string { return TopicFunded }

// Withdrawn is emitted after the balance reached the owner and the ledger was reset.
type Withdrawn struct {
	Ledger         common.Address `json:"ledger"`
	Owner          common.Address `json:"owner"`
	Amount         *big.Int       `json:"amount"`
	FundersCleared int            `json:"fundersCleared"`
	OccurredAt     time.Time      `json:"occurredAt"`
}

func (Withdrawn) Topic() string { return TopicWithdrawn }

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
