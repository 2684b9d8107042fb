package router

import (
	"context"
	"fmt"

	"github.com/Mohiiit/cloak-sub007/pkg/store"
	"github.com/Mohiiit/cloak-sub007/pkg/ward"
)

const TableWalletSettings = "wallet_settings"

// StoreDirectory classifies wallets from the shared row backend: ward status
// comes from the ward policy table, 2FA enablement from wallet settings.
type StoreDirectory struct {
	Wards    ward.PolicySource
	Backend  store.Backend
	Settings string
}

func NewStoreDirectory(backend store.Backend) *StoreDirectory {
	return &StoreDirectory{
		Wards:    ward.NewStorePolicySource(backend),
		Backend:  backend,
		Settings: TableWalletSettings,
	}
}

func (d *StoreDirectory) IsWard(ctx context.Context, walletAddress string) (bool, error) {
	return d.Wards.IsWard(ctx, walletAddress)
}

func (d *StoreDirectory) TwoFactorEnabled(ctx context.Context, walletAddress string) (bool, error) {
	rows, err := d.Backend.Select(ctx, d.Settings, store.Filter{"wallet_address": walletAddress})
	if err != nil {
		return false, fmt.Errorf("read wallet settings: %w", err)
	}
	if len(rows) == 0 {
		return false, nil
	}
	enabled, _ := rows[0]["has_2fa"].(bool)
	return enabled, nil
}
