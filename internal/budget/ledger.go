// Package budget enforces a hard daily spend cap per tenant. Every costed
// external call reserves its estimated cost before the call and reconciles
// with the measured cost afterwards.
package budget

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/clearbridge/guardrail/internal/domain"
	"github.com/clearbridge/guardrail/internal/metrics"
)

// Store performs the atomic ledger operations against the shared store.
type Store interface {
	Reserve(ctx context.Context, orgID, day string, estimate, hardCap int64) (*domain.BudgetLedger, error)
	CommitSpend(ctx context.Context, orgID, day string, estimate, actual int64) error
	ReleaseReservation(ctx context.Context, orgID, day string, estimate int64) error
}

// Config holds the ledger's cap parameters.
type Config struct {
	HardCap    int64   // micro-dollars per org per UTC day
	SoftRatio  float64 // warn when committed/cap crosses this
	KillSwitch bool    // reject every reservation when set
}

// Ledger is the budget reservation service.
type Ledger struct {
	store Store
	cfg   Config
	now   func() time.Time
}

func New(store Store, cfg Config) *Ledger {
	if cfg.SoftRatio <= 0 {
		cfg.SoftRatio = 0.8
	}
	return &Ledger{
		store: store,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// NewWithClock creates a Ledger with a custom clock (for testing).
func NewWithClock(store Store, cfg Config, now func() time.Time) *Ledger {
	l := New(store, cfg)
	l.now = now
	return l
}

// Reservation is a successful budget hold. Exactly one of Commit or
// Release should be called once the guarded call finishes.
type Reservation struct {
	OrgID       string
	Day         string
	Estimate    int64
	SoftWarning bool

	store Store
}

// Commit converts the reservation into spend using the measured cost.
func (r *Reservation) Commit(ctx context.Context, actual int64) error {
	return r.store.CommitSpend(ctx, r.OrgID, r.Day, r.Estimate, actual)
}

// Release gives the reservation back without spending.
func (r *Reservation) Release(ctx context.Context) error {
	return r.store.ReleaseReservation(ctx, r.OrgID, r.Day, r.Estimate)
}

// Reserve attempts to hold estimate against the org's ledger for today.
// A *domain.BudgetError reports rejection; its Reason distinguishes the
// global kill-switch from the per-org hard cap.
func (l *Ledger) Reserve(ctx context.Context, orgID string, estimate int64) (*Reservation, error) {
	if l.cfg.KillSwitch {
		metrics.BudgetRejections.WithLabelValues(domain.BudgetReasonGlobalDisabled).Inc()
		return nil, &domain.BudgetError{OrgID: orgID, Reason: domain.BudgetReasonGlobalDisabled}
	}

	day := domain.BudgetDay(l.now())
	ledger, err := l.store.Reserve(ctx, orgID, day, estimate, l.cfg.HardCap)
	if err != nil {
		var budgetErr *domain.BudgetError
		if errors.As(err, &budgetErr) {
			metrics.BudgetRejections.WithLabelValues(budgetErr.Reason).Inc()
		}
		return nil, err
	}

	res := &Reservation{
		OrgID:    orgID,
		Day:      day,
		Estimate: estimate,
		store:    l.store,
	}

	if l.cfg.HardCap > 0 && float64(ledger.Committed()) >= l.cfg.SoftRatio*float64(l.cfg.HardCap) {
		res.SoftWarning = true
		log.Printf("budget: org %s at %.0f%% of daily cap", orgID,
			100*float64(ledger.Committed())/float64(l.cfg.HardCap))
	}

	return res, nil
}
