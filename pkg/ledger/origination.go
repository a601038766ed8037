package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mcclellann/storecredit/pkg/models"
	"github.com/mcclellann/storecredit/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MaxTermMonths bounds the term of a credit sale.
const MaxTermMonths = 360

// SaleRequest describes a sale being closed at the till.
type SaleRequest struct {
	Code       string // generated when empty
	ClientKey  string
	Type       models.SaleType
	Subtotal   decimal.Decimal // before tax
	TermMonths int             // credit sales only
}

// CreateSale records a sale. A credit sale also opens its credit: the client
// pays the down payment now and the rest, plus the financing surcharge, is
// financed at the configured rate. A client may hold one active credit at a time.
func (l *Ledger) CreateSale(ctx context.Context, req SaleRequest) (*models.SaleResult, error) {
	if err := validateSaleRequest(req); err != nil {
		return nil, err
	}

	now := l.now().UTC()
	tax := req.Subtotal.Mul(l.terms.TaxRate).Round(2)
	sale := &models.Sale{
		ID:           uuid.New(),
		Code:         req.Code,
		ClientKey:    req.ClientKey,
		Type:         req.Type,
		GrossTotal:   req.Subtotal,
		TaxTotal:     tax,
		NetTotal:     req.Subtotal.Add(tax),
		CreditStatus: models.CreditStatusNone,
		CreatedAt:    now,
	}
	if sale.Code == "" {
		sale.Code = "S-" + strings.ToUpper(sale.ID.String()[:8])
	}

	var credit *models.Credit
	if req.Type == models.SaleTypeCredit {
		sale.CreditStatus = models.CreditStatusActive
		down := sale.NetTotal.Mul(l.terms.DownPaymentRatio).Round(2)
		credit = &models.Credit{
			ID:                 uuid.New(),
			SaleID:             sale.ID,
			DownPayment:        down,
			FinancedBalance:    sale.NetTotal.Sub(down).Mul(decimal.NewFromInt(1).Add(l.terms.FinanceSurchargeRatio)).Round(2),
			AnnualInterestRate: l.terms.AnnualInterestRate,
			TermMonths:         req.TermMonths,
			CreatedAt:          now,
		}
	}

	err := l.storage.WithTx(ctx, func(tx store.Storage) error {
		if credit != nil {
			if err := checkNoActiveCredit(ctx, tx, req.ClientKey); err != nil {
				return err
			}
		}
		if err := tx.CreateSale(ctx, sale); err != nil {
			return fmt.Errorf("failed to store sale: %w", err)
		}
		if credit == nil {
			return nil
		}
		if err := tx.CreateCredit(ctx, credit); err != nil {
			return fmt.Errorf("failed to store credit: %w", err)
		}
		if l.terms.GenerateOnSale {
			if _, err := l.ensureSchedule(ctx, tx, credit); err != nil {
				return fmt.Errorf("failed to generate schedule: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		l.log(ctx).Warn("sale rejected", zap.String("client_key", req.ClientKey), zap.Error(err))
		return nil, err
	}

	fields := []zap.Field{
		zap.Stringer("sale_id", sale.ID),
		zap.String("code", sale.Code),
		zap.String("type", string(sale.Type)),
		zap.String("net_total", sale.NetTotal.StringFixed(2)),
	}
	if credit != nil {
		fields = append(fields,
			zap.Stringer("credit_id", credit.ID),
			zap.String("financed", credit.FinancedBalance.StringFixed(2)),
			zap.Int("term_months", credit.TermMonths),
		)
	}
	l.log(ctx).Info("sale recorded", fields...)

	return &models.SaleResult{Sale: *sale, Credit: credit}, nil
}

func validateSaleRequest(req SaleRequest) error {
	if strings.TrimSpace(req.ClientKey) == "" {
		return models.ErrInvalidSale
	}
	if _, err := models.ParseSaleType(string(req.Type)); err != nil {
		return models.ErrInvalidSale
	}
	if !req.Subtotal.IsPositive() {
		return models.ErrInvalidAmount
	}
	switch req.Type {
	case models.SaleTypeCredit:
		if req.TermMonths < 1 || req.TermMonths > MaxTermMonths {
			return models.ErrInvalidTerms
		}
	case models.SaleTypeCash:
		if req.TermMonths != 0 {
			return models.ErrInvalidTerms
		}
	}
	return nil
}

func checkNoActiveCredit(ctx context.Context, tx store.Storage, clientKey string) error {
	sales, err := tx.GetSalesForClient(ctx, clientKey)
	if err != nil {
		return err
	}
	for _, s := range sales {
		if s.Type == models.SaleTypeCredit && s.CreditStatus == models.CreditStatusActive {
			return models.ErrActiveCreditExists
		}
	}
	return nil
}
