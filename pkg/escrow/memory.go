package escrow

import (
	"context"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/stakeplan/pkg/plan"
)

type memoryLock struct {
	capabilityID string
	owner        plan.Identity
	asset        string
	amount       uint64
}

// MemoryVault implements plan.Vault in memory.
// Thread-safe via Mutex. Balances are tracked per owner for the single configured asset.
type MemoryVault struct {
	mu       sync.Mutex
	issuer   *Issuer
	asset    string
	balances map[plan.Identity]uint64
	locks    map[string]*memoryLock

	// opening is credited once to every owner the vault has not seen before.
	opening uint64
	seen    map[plan.Identity]bool
}

// NewMemoryVault creates an empty vault for asset.
func NewMemoryVault(issuer *Issuer, asset string) *MemoryVault {
	return &MemoryVault{
		issuer:   issuer,
		asset:    asset,
		balances: make(map[plan.Identity]uint64),
		locks:    make(map[string]*memoryLock),
		seen:     make(map[plan.Identity]bool),
	}
}

// WithOpeningBalance credits amount to each owner on first contact. Development only.
func (v *MemoryVault) WithOpeningBalance(amount uint64) *MemoryVault {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.opening = amount
	return v
}

// touch applies the opening balance to an owner seen for the first time. Caller holds mu.
func (v *MemoryVault) touch(owner plan.Identity) {
	if v.seen[owner] {
		return
	}
	v.seen[owner] = true
	if next := v.balances[owner] + v.opening; next >= v.opening {
		v.balances[owner] = next
	}
}

// Deposit credits amount to the owner's free balance.
func (v *MemoryVault) Deposit(_ context.Context, owner plan.Identity, amount uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.touch(owner)
	next := v.balances[owner] + amount
	if next < amount {
		return plan.ErrArithmeticOverflow
	}
	v.balances[owner] = next
	return nil
}

// Balance returns the owner's free balance.
func (v *MemoryVault) Balance(_ context.Context, owner plan.Identity) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.touch(owner)
	return v.balances[owner], nil
}

func (v *MemoryVault) Lock(_ context.Context, key plan.Key, asset string, amount uint64) (string, error) {
	if asset != v.asset {
		return "", plan.ErrInvalidMint
	}
	capability, capabilityID, err := v.issuer.Issue(key, asset)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	id := lockID(key)
	// A drained lock left behind by an aborted create may be replaced.
	if l, ok := v.locks[id]; ok && l.amount > 0 {
		return "", plan.ErrDuplicate
	}
	v.touch(key.Owner)
	if v.balances[key.Owner] < amount {
		return "", plan.ErrInsufficientFunds
	}
	v.balances[key.Owner] -= amount
	v.locks[id] = &memoryLock{capabilityID: capabilityID, owner: key.Owner, asset: asset, amount: amount}
	return capability, nil
}

func (v *MemoryVault) Locked(_ context.Context, capability string) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, err := v.lockFor(capability)
	if err != nil {
		return 0, err
	}
	return l.amount, nil
}

func (v *MemoryVault) Release(_ context.Context, capability string, amount uint64) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, err := v.lockFor(capability)
	if err != nil {
		return 0, err
	}
	amount = min(amount, l.amount)
	next := v.balances[l.owner] + amount
	if next < amount {
		return 0, plan.ErrArithmeticOverflow
	}
	l.amount -= amount
	v.balances[l.owner] = next
	return amount, nil
}

// lockFor resolves the lock a capability addresses. Callers hold v.mu.
func (v *MemoryVault) lockFor(capability string) (*memoryLock, error) {
	claims, err := v.issuer.Verify(capability)
	if err != nil {
		return nil, err
	}
	l, ok := v.locks[lockID(claims.Key())]
	if !ok {
		return nil, fmt.Errorf("escrow: no balance locked for %s", claims.Key())
	}
	if l.capabilityID != claims.ID {
		return nil, fmt.Errorf("%w: superseded", ErrInvalidCapability)
	}
	return l, nil
}
