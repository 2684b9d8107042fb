package delegation

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/Mohiiit/cloak-sub007/pkg/models"
)

// MemoryRepository is a mutex-serialized in-process ledger for tests and
// single-node deployments.
type MemoryRepository struct {
	mu    sync.Mutex
	items map[string]models.Delegation
	now   func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: map[string]models.Delegation{}, now: time.Now}
}

func (r *MemoryRepository) Create(ctx context.Context, d models.Delegation) (models.Delegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ConsumedAmount == "" {
		d.ConsumedAmount = "0"
	}
	if d.Status == "" {
		d.Status = models.DelegationActive
	}
	r.items[d.ID] = d
	return d, nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (models.Delegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.items[id]
	if !ok {
		return models.Delegation{}, ErrNotFound
	}
	return d, nil
}

func (r *MemoryRepository) Revoke(ctx context.Context, id string) (models.Delegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.items[id]
	if !ok {
		return models.Delegation{}, ErrNotFound
	}
	d.Status = models.DelegationRevoked
	r.items[id] = d
	return d, nil
}

func (r *MemoryRepository) Consume(ctx context.Context, id string, amount *big.Int) (models.Delegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.items[id]
	if !ok {
		return models.Delegation{}, ErrNotFound
	}
	if d.Status != models.DelegationActive {
		return models.Delegation{}, ErrNotActive
	}
	consumed, err := models.ParseAmount(d.ConsumedAmount)
	if err != nil {
		return models.Delegation{}, err
	}
	total, err := models.ParseAmount(d.TotalAllowance)
	if err != nil {
		return models.Delegation{}, err
	}
	next := new(big.Int).Add(consumed, amount)
	if next.Cmp(total) > 0 {
		return models.Delegation{}, ErrAllowanceExceeded
	}
	d.ConsumedAmount = next.String()
	d.Nonce++
	r.items[id] = d
	return d, nil
}

func (r *MemoryRepository) Credit(ctx context.Context, id string, amount *big.Int) (models.Delegation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.items[id]
	if !ok {
		return models.Delegation{}, ErrNotFound
	}
	consumed, err := models.ParseAmount(d.ConsumedAmount)
	if err != nil {
		return models.Delegation{}, err
	}
	next := new(big.Int).Sub(consumed, amount)
	if next.Sign() < 0 {
		next = big.NewInt(0)
	}
	d.ConsumedAmount = next.String()
	r.items[id] = d
	return d, nil
}
