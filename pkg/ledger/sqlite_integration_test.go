package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/mcclellann/storecredit/pkg/models"
	"github.com/mcclellann/storecredit/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestLedgerWithSQLite_ConcurrentPayments(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer s.Close()

	l := NewLedger(s, WithClock(fixedClock(testNow)))
	ctx := context.Background()

	result, err := l.CreateSale(ctx, SaleRequest{
		ClientKey:  "client-1",
		Type:       models.SaleTypeCredit,
		Subtotal:   dec("1000000"),
		TermMonths: 3,
	})
	require.NoError(t, err)
	creditID := result.Credit.ID

	count, err := l.GenerateSchedule(ctx, creditID)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	var paid, completed, lost atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := l.PayNextInstallment(ctx, creditID)
			switch {
			case err == nil:
				paid.Add(1)
			case errors.Is(err, models.ErrAlreadyCompleted):
				completed.Add(1)
			case errors.Is(err, models.ErrConcurrentModification):
				lost.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(3), paid.Load())
	assert.Equal(t, int32(8), paid.Load()+completed.Load()+lost.Load())

	installments, err := l.GetInstallments(ctx, creditID)
	require.NoError(t, err)
	payments, err := s.GetPaymentsForCredit(ctx, creditID)
	require.NoError(t, err)
	require.Len(t, payments, 3)

	seen := map[string]bool{}
	for _, p := range payments {
		assert.False(t, seen[p.InstallmentID.String()], "duplicate payment for installment %s", p.InstallmentID)
		seen[p.InstallmentID.String()] = true
	}
	for _, inst := range installments {
		assert.Equal(t, models.InstallmentStatePaid, inst.State)
		assert.True(t, seen[inst.ID.String()])
	}

	sale, err := s.GetSale(ctx, result.Sale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CreditStatusFinalized, sale.CreditStatus)

	anomalies, err := l.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}

func TestLedgerWithSQLite_SummaryAndAudit(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer s.Close()

	l := NewLedger(s, WithClock(fixedClock(testNow)))
	ctx := context.Background()

	result, err := l.CreateSale(ctx, SaleRequest{ClientKey: "client-2", Type: models.SaleTypeCredit, Subtotal: dec("1000000"), TermMonths: 12})
	require.NoError(t, err)

	receipt, err := l.PayNextInstallment(ctx, result.Credit.ID)
	require.NoError(t, err)
	assert.True(t, receipt.Payment.Amount.Equal(dec("74876.58")), "amount %s", receipt.Payment.Amount)

	summary, err := l.GetCreditSummary(ctx, result.Credit.ID)
	require.NoError(t, err)
	assert.Equal(t, 12, summary.TotalInstallments)
	assert.Equal(t, 1, summary.PaidCount)
	assert.True(t, summary.OutstandingBalance.Equal(dec("799773.42")), "outstanding %s", summary.OutstandingBalance)

	require.NoError(t, s.UpdateSaleCreditStatus(ctx, result.Sale.ID, models.CreditStatusFinalized))
	anomalies, err := l.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, result.Credit.ID, anomalies[0].CreditID)
}
