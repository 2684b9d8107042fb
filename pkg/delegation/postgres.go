package delegation

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/Mohiiit/cloak-sub007/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type ledgerDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository persists delegations in the delegations table. Amounts
// are stored as decimal text and compared as numerics, so 256-bit token
// amounts survive unrounded.
type PostgresRepository struct {
	DB ledgerDB
}

const delegationColumns = `id, agent_id, operator_wallet, token, max_per_run, total_allowance, consumed_amount, valid_from, valid_until, status, nonce`

func scanDelegation(row pgx.Row) (models.Delegation, error) {
	var d models.Delegation
	err := row.Scan(
		&d.ID, &d.AgentID, &d.OperatorWallet, &d.Token,
		&d.MaxPerRun, &d.TotalAllowance, &d.ConsumedAmount,
		&d.ValidFrom, &d.ValidUntil, &d.Status, &d.Nonce,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Delegation{}, ErrNotFound
	}
	if err != nil {
		return models.Delegation{}, fmt.Errorf("scan delegation: %w", err)
	}
	return d, nil
}

func (r *PostgresRepository) Create(ctx context.Context, d models.Delegation) (models.Delegation, error) {
	if d.ConsumedAmount == "" {
		d.ConsumedAmount = "0"
	}
	if d.Status == "" {
		d.Status = models.DelegationActive
	}
	row := r.DB.QueryRow(ctx, `
		INSERT INTO delegations (`+delegationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING `+delegationColumns+`
	`, d.ID, d.AgentID, d.OperatorWallet, d.Token, d.MaxPerRun, d.TotalAllowance,
		d.ConsumedAmount, d.ValidFrom.UTC(), d.ValidUntil.UTC(), d.Status, d.Nonce)
	return scanDelegation(row)
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (models.Delegation, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+delegationColumns+` FROM delegations WHERE id = $1`, id)
	return scanDelegation(row)
}

func (r *PostgresRepository) Revoke(ctx context.Context, id string) (models.Delegation, error) {
	row := r.DB.QueryRow(ctx, `
		UPDATE delegations SET status = $2 WHERE id = $1
		RETURNING `+delegationColumns+`
	`, id, models.DelegationRevoked)
	return scanDelegation(row)
}

// Consume is the compare-and-swap accounting update: the WHERE clause
// re-checks status and allowance so a concurrent writer that already spent
// the headroom makes this update match zero rows instead of oversubscribing.
func (r *PostgresRepository) Consume(ctx context.Context, id string, amount *big.Int) (models.Delegation, error) {
	row := r.DB.QueryRow(ctx, `
		UPDATE delegations
		SET consumed_amount = (consumed_amount::numeric + $2::numeric)::text,
		    nonce = nonce + 1
		WHERE id = $1
		  AND status = 'active'
		  AND consumed_amount::numeric + $2::numeric <= total_allowance::numeric
		RETURNING `+delegationColumns+`
	`, id, amount.String())
	d, err := scanDelegation(row)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Delegation{}, err
	}
	// Zero rows matched: distinguish why.
	existing, getErr := r.Get(ctx, id)
	if getErr != nil {
		return models.Delegation{}, getErr
	}
	if existing.Status != models.DelegationActive {
		return models.Delegation{}, ErrNotActive
	}
	return models.Delegation{}, ErrAllowanceExceeded
}

func (r *PostgresRepository) Credit(ctx context.Context, id string, amount *big.Int) (models.Delegation, error) {
	row := r.DB.QueryRow(ctx, `
		UPDATE delegations
		SET consumed_amount = GREATEST(consumed_amount::numeric - $2::numeric, 0)::text
		WHERE id = $1
		RETURNING `+delegationColumns+`
	`, id, amount.String())
	return scanDelegation(row)
}

// ExpireStale marks delegations whose validity window has passed. Run
// periodically by the gateway.
func (r *PostgresRepository) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.DB.Exec(ctx, `
		UPDATE delegations SET status = $2
		WHERE status = $3 AND valid_until < $1
	`, now.UTC(), models.DelegationExpired, models.DelegationActive)
	if err != nil {
		return 0, fmt.Errorf("expire delegations: %w", err)
	}
	return tag.RowsAffected(), nil
}
