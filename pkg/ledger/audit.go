package ledger

import (
	"context"
	"fmt"

	"github.com/mcclellann/storecredit/pkg/models"
	"github.com/mcclellann/storecredit/pkg/store"
	"go.uber.org/zap"
)

// ComputeCreditStatus derives a sale's credit status from its installments.
// A credit whose schedule has not been generated yet is active.
func ComputeCreditStatus(total, pending int) models.CreditStatus {
	if total == 0 || pending > 0 {
		return models.CreditStatusActive
	}
	return models.CreditStatusFinalized
}

// Audit compares the stored credit status of every credit sale with the
// status its installments imply and reports each mismatch. It never writes.
func (l *Ledger) Audit(ctx context.Context) ([]models.Anomaly, error) {
	credits, err := l.storage.GetAllCredits(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list credits: %w", err)
	}

	anomalies := []models.Anomaly{}
	for _, credit := range credits {
		var anomaly *models.Anomaly
		// Sale and counts must come from the same snapshot.
		err := l.storage.WithTx(ctx, func(tx store.Storage) error {
			sale, err := tx.GetSale(ctx, credit.SaleID)
			if err != nil {
				return err
			}
			total, pending, err := tx.CountInstallments(ctx, credit.ID)
			if err != nil {
				return err
			}
			if computed := ComputeCreditStatus(total, pending); sale.CreditStatus != computed {
				anomaly = &models.Anomaly{
					CreditID:       credit.ID,
					SaleID:         sale.ID,
					ReportedStatus: sale.CreditStatus,
					ComputedStatus: computed,
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to audit credit %s: %w", credit.ID, err)
		}
		if anomaly != nil {
			l.log(ctx).Warn("credit status mismatch",
				zap.Stringer("credit_id", anomaly.CreditID),
				zap.Stringer("sale_id", anomaly.SaleID),
				zap.String("reported", string(anomaly.ReportedStatus)),
				zap.String("computed", string(anomaly.ComputedStatus)),
			)
			anomalies = append(anomalies, *anomaly)
		}
	}

	l.log(ctx).Info("audit finished", zap.Int("credits", len(credits)), zap.Int("anomalies", len(anomalies)))
	return anomalies, nil
}
