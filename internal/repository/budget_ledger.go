package repository

import (
	"context"
	"time"

	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

const budgetTxRetries = 3

// BudgetLedgerRepository implements budget.Store against Postgres. Each
// reservation locks the (org, day) row so concurrent reservations are
// serialized and the hard-cap invariant holds.
type BudgetLedgerRepository struct {
	pool *pgxpool.Pool
}

func NewBudgetLedgerRepository(pool *pgxpool.Pool) *BudgetLedgerRepository {
	return &BudgetLedgerRepository{pool: pool}
}

// Reserve atomically adds estimate to the org's reserved amount for day,
// unless reserved+spent+estimate would reach hardCap.
func (r *BudgetLedgerRepository) Reserve(ctx context.Context, orgID, day string, estimate, hardCap int64) (*domain.BudgetLedger, error) {
	var ledger *domain.BudgetLedger
	var lastErr error

	for attempt := 0; attempt < budgetTxRetries; attempt++ {
		ledger, lastErr = r.reserveOnce(ctx, orgID, day, estimate, hardCap)
		if lastErr == nil || !isRetryableTxError(lastErr) {
			return ledger, lastErr
		}
	}
	return nil, lastErr
}

func (r *BudgetLedgerRepository) reserveOnce(ctx context.Context, orgID, day string, estimate, hardCap int64) (*domain.BudgetLedger, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`INSERT INTO budget_ledgers (org_id, day, reserved_amount, spent_amount, updated_at)
		 VALUES ($1, $2, 0, 0, $3)
		 ON CONFLICT (org_id, day) DO NOTHING`,
		orgID, day, now,
	); err != nil {
		return nil, err
	}

	var ledger domain.BudgetLedger
	if err := tx.QueryRow(ctx,
		`SELECT org_id, day, reserved_amount, spent_amount, updated_at
		 FROM budget_ledgers WHERE org_id = $1 AND day = $2 FOR UPDATE`,
		orgID, day,
	).Scan(&ledger.OrgID, &ledger.Day, &ledger.ReservedAmount, &ledger.SpentAmount, &ledger.UpdatedAt); err != nil {
		return nil, err
	}

	if ledger.Committed()+estimate >= hardCap {
		// Rolled back by the deferred Rollback; nothing was changed.
		return nil, &domain.BudgetError{OrgID: orgID, Reason: domain.BudgetReasonHardLimit}
	}

	ledger.ReservedAmount += estimate
	ledger.UpdatedAt = now

	if _, err := tx.Exec(ctx,
		`UPDATE budget_ledgers SET reserved_amount = $1, updated_at = $2 WHERE org_id = $3 AND day = $4`,
		ledger.ReservedAmount, now, orgID, day,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &ledger, nil
}

// CommitSpend converts a reservation into spend using the measured cost.
func (r *BudgetLedgerRepository) CommitSpend(ctx context.Context, orgID, day string, estimate, actual int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE budget_ledgers
		 SET reserved_amount = GREATEST(reserved_amount - $1, 0),
		     spent_amount = spent_amount + $2,
		     updated_at = $3
		 WHERE org_id = $4 AND day = $5`,
		estimate, actual, time.Now().UTC(), orgID, day,
	)
	return err
}

// ReleaseReservation gives back an unused reservation.
func (r *BudgetLedgerRepository) ReleaseReservation(ctx context.Context, orgID, day string, estimate int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE budget_ledgers
		 SET reserved_amount = GREATEST(reserved_amount - $1, 0),
		     updated_at = $2
		 WHERE org_id = $3 AND day = $4`,
		estimate, time.Now().UTC(), orgID, day,
	)
	return err
}

func (r *BudgetLedgerRepository) Get(ctx context.Context, orgID, day string) (*domain.BudgetLedger, error) {
	var ledger domain.BudgetLedger
	err := r.pool.QueryRow(ctx,
		`SELECT org_id, day, reserved_amount, spent_amount, updated_at
		 FROM budget_ledgers WHERE org_id = $1 AND day = $2`,
		orgID, day,
	).Scan(&ledger.OrgID, &ledger.Day, &ledger.ReservedAmount, &ledger.SpentAmount, &ledger.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ledger, nil
}
