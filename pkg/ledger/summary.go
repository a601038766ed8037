package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/storecredit/pkg/models"
	"github.com/mcclellann/storecredit/pkg/store"
	"github.com/shopspring/decimal"
)

// GetCreditSummary aggregates the schedule and payments of a credit. It is
// safe to call before the schedule exists; counts are then zero.
func (l *Ledger) GetCreditSummary(ctx context.Context, creditID uuid.UUID) (*models.CreditSummary, error) {
	var summary *models.CreditSummary
	err := l.storage.WithTx(ctx, func(tx store.Storage) error {
		credit, err := tx.GetCredit(ctx, creditID)
		if err != nil {
			return err
		}
		installments, err := tx.GetInstallmentsForCredit(ctx, creditID)
		if err != nil {
			return err
		}
		payments, err := tx.GetPaymentsForCredit(ctx, creditID)
		if err != nil {
			return err
		}
		summary = summarize(credit, installments, payments, l.today())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func summarize(credit *models.Credit, installments []*models.Installment, payments []*models.Payment, asOf time.Time) *models.CreditSummary {
	s := &models.CreditSummary{
		CreditID:          credit.ID,
		SaleID:            credit.SaleID,
		FinancedBalance:   credit.FinancedBalance,
		TotalInstallments: len(installments),
		TotalPaidAmount:   decimal.Zero,
	}

	for _, inst := range installments {
		if inst.State == models.InstallmentStatePaid {
			s.PaidCount++
			continue
		}
		s.PendingCount++
		if inst.IsOverdue(asOf) {
			s.OverdueCount++
		}
		if s.NextDue == nil || inst.SequenceNumber < s.NextDue.SequenceNumber {
			next := *inst
			s.NextDue = &next
		}
	}

	for _, p := range payments {
		s.TotalPaidAmount = s.TotalPaidAmount.Add(p.Amount)
	}
	s.OutstandingBalance = credit.FinancedBalance.Sub(s.TotalPaidAmount)
	return s
}

// GetInstallments returns the schedule of a credit ordered by sequence.
func (l *Ledger) GetInstallments(ctx context.Context, creditID uuid.UUID) ([]*models.Installment, error) {
	if _, err := l.storage.GetCredit(ctx, creditID); err != nil {
		return nil, err
	}
	return l.storage.GetInstallmentsForCredit(ctx, creditID)
}

// GetAllCredits returns every credit, newest first.
func (l *Ledger) GetAllCredits(ctx context.Context) ([]*models.Credit, error) {
	return l.storage.GetAllCredits(ctx)
}

// ListActiveCredits returns the credits whose sale is still active, newest first.
func (l *Ledger) ListActiveCredits(ctx context.Context) ([]*models.Credit, error) {
	credits, err := l.storage.GetAllCredits(ctx)
	if err != nil {
		return nil, err
	}

	active := []*models.Credit{}
	for _, credit := range credits {
		sale, err := l.storage.GetSale(ctx, credit.SaleID)
		if err != nil {
			return nil, err
		}
		if sale.CreditStatus == models.CreditStatusActive {
			active = append(active, credit)
		}
	}
	return active, nil
}

// ListDelinquent reports every installment still pending after its due date
// as of asOf, grouped by client and ordered by due date.
func (l *Ledger) ListDelinquent(ctx context.Context, asOf time.Time) ([]models.DelinquentInstallment, error) {
	asOf = models.Date(asOf)
	credits, err := l.storage.GetAllCredits(ctx)
	if err != nil {
		return nil, err
	}

	report := []models.DelinquentInstallment{}
	for _, credit := range credits {
		installments, err := l.storage.GetInstallmentsForCredit(ctx, credit.ID)
		if err != nil {
			return nil, err
		}
		var sale *models.Sale
		for _, inst := range installments {
			if !inst.IsOverdue(asOf) {
				continue
			}
			if sale == nil {
				if sale, err = l.storage.GetSale(ctx, credit.SaleID); err != nil {
					return nil, err
				}
			}
			report = append(report, models.DelinquentInstallment{
				ClientKey:   sale.ClientKey,
				SaleCode:    sale.Code,
				CreditID:    credit.ID,
				Installment: *inst,
				DaysOverdue: int(asOf.Sub(models.Date(inst.DueDate)).Hours() / 24),
			})
		}
	}

	sort.SliceStable(report, func(i, j int) bool {
		a, b := report[i], report[j]
		if a.ClientKey != b.ClientKey {
			return a.ClientKey < b.ClientKey
		}
		if !a.Installment.DueDate.Equal(b.Installment.DueDate) {
			return a.Installment.DueDate.Before(b.Installment.DueDate)
		}
		return a.Installment.SequenceNumber < b.Installment.SequenceNumber
	})
	return report, nil
}
