package raffle

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// Tx is the view of durable state available inside one atomic operation.
type Tx interface {
	// LoadRound returns a copy of the round stored at address, or ErrRoundNotFound.
	LoadRound(ctx context.Context, address solana.PublicKey) (*Round, error)

	// SaveRound stages the round for commit.
	SaveRound(ctx context.Context, address solana.PublicKey, round *Round) error

	// Transfer stages a value transfer. It returns ErrAuthorizationFailure when
	// the source cannot cover the amount.
	Transfer(ctx context.Context, from, to solana.PublicKey, amount uint64) error

	// Deposit stages value arriving at address from outside the ledger, such
	// as a participant's payment into the vault.
	Deposit(ctx context.Context, address solana.PublicKey, amount uint64) error

	// Balance returns the balance of address including staged changes.
	Balance(ctx context.Context, address solana.PublicKey) (uint64, error)
}

// Executor applies operations against durable state. Operations are serialized
// per pool and either commit fully or leave no trace.
type Executor interface {
	Execute(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Transfer is a committed movement of value between two addresses.
type Transfer struct {
	From   solana.PublicKey `json:"from"`
	To     solana.PublicKey `json:"to"`
	Amount uint64           `json:"amount"`
}

// MemoryExecutor is an in-process Executor holding rounds and balances in maps.
// A single mutex serializes every operation.
type MemoryExecutor struct {
	mu        sync.Mutex
	rounds    map[solana.PublicKey]*Round
	balances  map[solana.PublicKey]uint64
	transfers []Transfer
}

// NewMemoryExecutor returns an empty MemoryExecutor.
func NewMemoryExecutor() *MemoryExecutor {
	return &MemoryExecutor{
		rounds:   make(map[solana.PublicKey]*Round),
		balances: make(map[solana.PublicKey]uint64),
	}
}

// Credit adds amount to the balance of addr outside of any operation.
func (m *MemoryExecutor) Credit(addr solana.PublicKey, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] += amount
}

// Balance returns the committed balance of addr.
func (m *MemoryExecutor) Balance(addr solana.PublicKey) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[addr]
}

// Transfers returns every committed transfer in commit order.
func (m *MemoryExecutor) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transfer, len(m.transfers))
	copy(out, m.transfers)
	return out
}

// Round returns a copy of the committed round at address.
func (m *MemoryExecutor) Round(address solana.PublicKey) (*Round, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[address]
	return r.Clone(), ok
}

// Execute runs fn against a staged view and commits only if fn returns nil.
func (m *MemoryExecutor) Execute(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		exec:     m,
		rounds:   make(map[solana.PublicKey]*Round),
		balances: make(map[solana.PublicKey]uint64),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for addr, r := range tx.rounds {
		m.rounds[addr] = r
	}
	for addr, b := range tx.balances {
		m.balances[addr] = b
	}
	m.transfers = append(m.transfers, tx.transfers...)
	return nil
}

type memoryTx struct {
	exec      *MemoryExecutor
	rounds    map[solana.PublicKey]*Round
	balances  map[solana.PublicKey]uint64
	transfers []Transfer
}

func (t *memoryTx) LoadRound(_ context.Context, address solana.PublicKey) (*Round, error) {
	if r, ok := t.rounds[address]; ok {
		return r.Clone(), nil
	}
	if r, ok := t.exec.rounds[address]; ok {
		return r.Clone(), nil
	}
	return nil, ErrRoundNotFound
}

func (t *memoryTx) SaveRound(_ context.Context, address solana.PublicKey, round *Round) error {
	t.rounds[address] = round.Clone()
	return nil
}

func (t *memoryTx) balance(addr solana.PublicKey) uint64 {
	if b, ok := t.balances[addr]; ok {
		return b
	}
	return t.exec.balances[addr]
}

func (t *memoryTx) Transfer(_ context.Context, from, to solana.PublicKey, amount uint64) error {
	if amount == 0 {
		return nil
	}
	src := t.balance(from)
	if src < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrAuthorizationFailure, from, src, amount)
	}
	if from.Equals(to) {
		t.transfers = append(t.transfers, Transfer{From: from, To: to, Amount: amount})
		return nil
	}
	dst := t.balance(to)
	if dst > math.MaxUint64-amount {
		return fmt.Errorf("%w: balance of %s would overflow", ErrAuthorizationFailure, to)
	}
	t.balances[from] = src - amount
	t.balances[to] = dst + amount
	t.transfers = append(t.transfers, Transfer{From: from, To: to, Amount: amount})
	return nil
}

func (t *memoryTx) Deposit(_ context.Context, address solana.PublicKey, amount uint64) error {
	b := t.balance(address)
	if b > math.MaxUint64-amount {
		return fmt.Errorf("%w: balance of %s would overflow", ErrAuthorizationFailure, address)
	}
	t.balances[address] = b + amount
	return nil
}

func (t *memoryTx) Balance(_ context.Context, address solana.PublicKey) (uint64, error) {
	return t.balance(address), nil
}
