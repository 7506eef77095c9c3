package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInsufficientFunds is returned when a lock or transfer exceeds the
// relevant balance.
var ErrInsufficientFunds = errors.New("settlement: insufficient funds")

// Balance is a party's position in minor units.
type Balance struct {
	AvailableCents    int64 `json:"availableCents"`
	EscrowLockedCents int64 `json:"escrowLockedCents"`
}

// Book tracks per-tenant, per-party balances. Funding holds move money
// from available into escrow; settlement and adjustments move it out of
// escrow exactly once.
type Book interface {
	Deposit(ctx context.Context, tenantID, party string, cents int64) error
	// Lock moves available funds into the payer's escrow.
	Lock(ctx context.Context, tenantID, party string, cents int64) error
	// Unlock returns escrowed funds to the same party's available.
	Unlock(ctx context.Context, tenantID, party string, cents int64) error
	// TransferLocked moves escrowed funds from one party's escrow into
	// another party's available.
	TransferLocked(ctx context.Context, tenantID, from, to string, cents int64) error
	Balance(ctx context.Context, tenantID, party string) (Balance, error)
}

// MemoryBook is the in-process Book.
type MemoryBook struct {
	mu       sync.Mutex
	balances map[string]*Balance // tenant/party
}

func NewMemoryBook() *MemoryBook {
	return &MemoryBook{balances: make(map[string]*Balance)}
}

func (b *MemoryBook) account(tenantID, party string) *Balance {
	key := tenantID + "/" + party
	if _, ok := b.balances[key]; !ok {
		b.balances[key] = &Balance{}
	}
	return b.balances[key]
}

func (b *MemoryBook) Deposit(ctx context.Context, tenantID, party string, cents int64) error {
	if cents <= 0 {
		return fmt.Errorf("settlement: deposit must be positive, got %d", cents)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.account(tenantID, party).AvailableCents += cents
	return nil
}

func (b *MemoryBook) Lock(ctx context.Context, tenantID, party string, cents int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := b.account(tenantID, party)
	if acct.AvailableCents < cents {
		return fmt.Errorf("%w: %s has %d available, need %d", ErrInsufficientFunds, party, acct.AvailableCents, cents)
	}
	acct.AvailableCents -= cents
	acct.EscrowLockedCents += cents
	return nil
}

func (b *MemoryBook) Unlock(ctx context.Context, tenantID, party string, cents int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct := b.account(tenantID, party)
	if acct.EscrowLockedCents < cents {
		return fmt.Errorf("%w: %s has %d escrowed, need %d", ErrInsufficientFunds, party, acct.EscrowLockedCents, cents)
	}
	acct.EscrowLockedCents -= cents
	acct.AvailableCents += cents
	return nil
}

func (b *MemoryBook) TransferLocked(ctx context.Context, tenantID, from, to string, cents int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	src := b.account(tenantID, from)
	if src.EscrowLockedCents < cents {
		return fmt.Errorf("%w: %s has %d escrowed, need %d", ErrInsufficientFunds, from, src.EscrowLockedCents, cents)
	}
	src.EscrowLockedCents -= cents
	b.account(tenantID, to).AvailableCents += cents
	return nil
}

func (b *MemoryBook) Balance(ctx context.Context, tenantID, party string) (Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.account(tenantID, party), nil
}
