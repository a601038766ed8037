package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/storecredit/pkg/logger"
	"github.com/mcclellann/storecredit/pkg/models"
	"github.com/mcclellann/storecredit/pkg/store"
	"go.uber.org/zap"
)

// GetNextDueInstallment returns the pending installment with the lowest
// sequence number, or nil when the credit has none.
func (l *Ledger) GetNextDueInstallment(ctx context.Context, creditID uuid.UUID) (*models.Installment, error) {
	if _, err := l.storage.GetCredit(ctx, creditID); err != nil {
		return nil, err
	}
	return l.storage.GetNextPendingInstallment(ctx, creditID)
}

// PayNextInstallment pays the next due installment of a credit in full.
//
// The schedule is generated first if it does not exist yet. Flipping the
// installment, recording the payment and finalizing the sale commit together.
// ErrAlreadyCompleted is returned when nothing is left to pay and
// ErrConcurrentModification when another payment took the installment first.
func (l *Ledger) PayNextInstallment(ctx context.Context, creditID uuid.UUID) (*models.PaymentReceipt, error) {
	var receipt *models.PaymentReceipt
	err := l.storage.WithTx(ctx, func(tx store.Storage) error {
		credit, err := tx.GetCredit(ctx, creditID)
		if err != nil {
			return err
		}
		if _, err := l.ensureSchedule(ctx, tx, credit); err != nil {
			return fmt.Errorf("failed to generate schedule: %w", err)
		}

		inst, err := tx.GetNextPendingInstallment(ctx, creditID)
		if err != nil {
			return err
		}
		if inst == nil {
			return models.ErrAlreadyCompleted
		}

		if err := tx.MarkInstallmentPaid(ctx, inst.ID); err != nil {
			return err
		}
		payment := &models.Payment{
			ID:            uuid.New(),
			InstallmentID: inst.ID,
			Amount:        inst.Amount,
			PaidAt:        l.today(),
			State:         models.PaymentStateCompleted,
			RecordedBy:    logger.GetUserID(ctx),
		}
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to store payment: %w", err)
		}

		_, pending, err := tx.CountInstallments(ctx, creditID)
		if err != nil {
			return err
		}
		status := models.CreditStatusActive
		if pending == 0 {
			status = models.CreditStatusFinalized
			if err := tx.UpdateSaleCreditStatus(ctx, credit.SaleID, status); err != nil {
				return fmt.Errorf("failed to finalize sale: %w", err)
			}
		}

		inst.State = models.InstallmentStatePaid
		receipt = &models.PaymentReceipt{
			CreditID:              credit.ID,
			SaleID:                credit.SaleID,
			Payment:               *payment,
			Installment:           *inst,
			RemainingInstallments: pending,
			SaleCreditStatus:      status,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrAlreadyCompleted) {
			l.log(ctx).Info("credit already paid off", zap.Stringer("credit_id", creditID))
		} else {
			l.log(ctx).Warn("payment failed", zap.Stringer("credit_id", creditID), zap.Error(err))
		}
		return nil, err
	}

	l.log(ctx).Info("installment paid",
		zap.Stringer("credit_id", creditID),
		zap.Stringer("installment_id", receipt.Installment.ID),
		zap.Int("sequence", receipt.Installment.SequenceNumber),
		zap.String("amount", receipt.Payment.Amount.StringFixed(2)),
		zap.Int("remaining", receipt.RemainingInstallments),
	)
	if receipt.SaleCreditStatus == models.CreditStatusFinalized {
		l.log(ctx).Info("credit finalized", zap.Stringer("credit_id", creditID), zap.Stringer("sale_id", receipt.SaleID))
	}
	return receipt, nil
}
