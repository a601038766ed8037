package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/storecredit/pkg/models"
	"github.com/mcclellann/storecredit/pkg/store"
	"go.uber.org/zap"
)

// GenerateSchedule materializes the installments of a credit and returns how
// many it has. A credit that already has installments is left untouched and
// its existing count is returned.
func (l *Ledger) GenerateSchedule(ctx context.Context, creditID uuid.UUID) (int, error) {
	var count int
	err := l.storage.WithTx(ctx, func(tx store.Storage) error {
		credit, err := tx.GetCredit(ctx, creditID)
		if err != nil {
			return err
		}
		count, err = l.ensureSchedule(ctx, tx, credit)
		return err
	})
	if err != nil {
		l.log(ctx).Warn("schedule generation failed", zap.Stringer("credit_id", creditID), zap.Error(err))
		return 0, err
	}
	return count, nil
}

// ensureSchedule runs inside the caller's transaction so the existence check
// and the inserts are one unit.
func (l *Ledger) ensureSchedule(ctx context.Context, tx store.Storage, credit *models.Credit) (int, error) {
	if credit.TermMonths <= 0 {
		return 0, models.ErrInvalidTerms
	}

	total, _, err := tx.CountInstallments(ctx, credit.ID)
	if err != nil {
		return 0, err
	}
	if total > 0 {
		return total, nil
	}

	installments, err := BuildSchedule(credit, l.now(), l.terms.AbsorbRoundingRemainder)
	if err != nil {
		return 0, err
	}
	for _, inst := range installments {
		if err := tx.CreateInstallment(ctx, inst); err != nil {
			return 0, fmt.Errorf("failed to store installment %d: %w", inst.SequenceNumber, err)
		}
	}

	l.log(ctx).Info("schedule generated",
		zap.Stringer("credit_id", credit.ID),
		zap.Int("installments", len(installments)),
		zap.String("amount", installments[0].Amount.StringFixed(2)),
	)
	return len(installments), nil
}
