package domain

import "time"

// BudgetLedger tracks reserved and spent amounts for one org on one UTC day.
// Amounts are micro-dollars to keep the arithmetic integral.
// Invariant: ReservedAmount + SpentAmount never exceeds the configured hard
// cap after a successful reservation.
type BudgetLedger struct {
	OrgID          string
	Day            string // UTC date, 2006-01-02
	ReservedAmount int64
	SpentAmount    int64
	UpdatedAt      time.Time
}

// Committed returns the total already accounted against the cap
func (l *BudgetLedger) Committed() int64 {
	return l.ReservedAmount + l.SpentAmount
}

// BudgetDay formats t as the ledger day key
func BudgetDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
