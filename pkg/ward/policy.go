package ward

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mohiiit/cloak-sub007/pkg/models"
	"github.com/Mohiiit/cloak-sub007/pkg/store"
)

const TableWardPolicies = "ward_policies"

var ErrNotWard = errors.New("wallet is not a ward account")

// PolicySource answers whether a wallet is a guardian-controlled sub-account
// and, if so, what its current consent requirements are. Snapshots are read
// fresh for every routing decision; policy can change between requests.
type PolicySource interface {
	IsWard(ctx context.Context, walletAddress string) (bool, error)
	Snapshot(ctx context.Context, walletAddress string) (models.WardPolicySnapshot, error)
}

// StorePolicySource reads ward policy rows from the shared row backend.
type StorePolicySource struct {
	Backend store.Backend
	Table   string
}

func NewStorePolicySource(b store.Backend) *StorePolicySource {
	return &StorePolicySource{Backend: b, Table: TableWardPolicies}
}

func (s *StorePolicySource) IsWard(ctx context.Context, walletAddress string) (bool, error) {
	rows, err := s.Backend.Select(ctx, s.Table, store.Filter{"wallet_address": walletAddress})
	if err != nil {
		return false, fmt.Errorf("read ward policy: %w", err)
	}
	return len(rows) > 0, nil
}

func (s *StorePolicySource) Snapshot(ctx context.Context, walletAddress string) (models.WardPolicySnapshot, error) {
	rows, err := s.Backend.Select(ctx, s.Table, store.Filter{"wallet_address": walletAddress})
	if err != nil {
		return models.WardPolicySnapshot{}, fmt.Errorf("read ward policy: %w", err)
	}
	if len(rows) == 0 {
		return models.WardPolicySnapshot{}, ErrNotWard
	}
	row := rows[0]
	return models.WardPolicySnapshot{
		GuardianAddress: rowString(row, "guardian_address"),
		WardHas2FA:      rowBool(row, "ward_has_2fa"),
		NeedsGuardian:   rowBool(row, "needs_guardian"),
		GuardianHas2FA:  rowBool(row, "guardian_has_2fa"),
	}, nil
}

func rowString(row store.Row, key string) string {
	s, _ := row[key].(string)
	return s
}

func rowBool(row store.Row, key string) bool {
	b, _ := row[key].(bool)
	return b
}
