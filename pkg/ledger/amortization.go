package ledger

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/storecredit/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	hundred       = decimal.NewFromInt(100)
	monthsPerYear = decimal.NewFromInt(12)
)

// MonthlyPayment returns the fixed installment of a French (annuity) schedule
// for balance at annualRatePct percent over termMonths, rounded to cents.
//
// A zero term yields zero: there is nothing to finance. A zero rate
// degrades to straight-line repayment.
func MonthlyPayment(balance, annualRatePct decimal.Decimal, termMonths int) (decimal.Decimal, error) {
	if termMonths == 0 {
		return decimal.Zero, nil
	}
	if termMonths < 0 || annualRatePct.IsNegative() {
		return decimal.Zero, models.ErrInvalidTerms
	}
	if !balance.IsPositive() {
		return decimal.Zero, models.ErrInvalidAmount
	}

	if annualRatePct.IsZero() {
		return balance.Div(decimal.NewFromInt(int64(termMonths))).Round(2), nil
	}

	i := annualRatePct.InexactFloat64() / 100 / 12
	factor := math.Pow(1+i, float64(termMonths))
	payment := balance.InexactFloat64() * (i * factor) / (factor - 1)
	return decimal.NewFromFloat(payment).Round(2), nil
}

// BuildSchedule lays out the installments of credit starting from start.
// Installment k falls due k months after start. Nothing is persisted.
func BuildSchedule(credit *models.Credit, start time.Time, absorbRemainder bool) ([]*models.Installment, error) {
	if credit.TermMonths <= 0 {
		return nil, models.ErrInvalidTerms
	}
	payment, err := MonthlyPayment(credit.FinancedBalance, credit.AnnualInterestRate, credit.TermMonths)
	if err != nil {
		return nil, err
	}
	if !payment.IsPositive() {
		return nil, models.ErrInvalidAmount
	}

	n := credit.TermMonths
	last := payment
	if absorbRemainder {
		last = finalPayment(credit.FinancedBalance, credit.AnnualInterestRate, payment, n)
		if !last.IsPositive() {
			return nil, models.ErrInvalidAmount
		}
	}

	createdAt := start.UTC()
	start = models.Date(start)
	installments := make([]*models.Installment, 0, n)
	for seq := 1; seq <= n; seq++ {
		amount := payment
		if seq == n {
			amount = last
		}
		installments = append(installments, &models.Installment{
			ID:             uuid.New(),
			CreditID:       credit.ID,
			SequenceNumber: seq,
			DueDate:        models.AddMonths(start, seq),
			Amount:         amount,
			State:          models.InstallmentStatePending,
			CreatedAt:      createdAt,
		})
	}
	return installments, nil
}

// finalPayment walks the amortization with cent-rounded monthly interest and
// returns what is left to settle in the last period.
func finalPayment(balance, annualRatePct, payment decimal.Decimal, n int) decimal.Decimal {
	rate := annualRatePct.Div(hundred).Div(monthsPerYear)
	for k := 1; k < n; k++ {
		interest := balance.Mul(rate).Round(2)
		balance = balance.Add(interest).Sub(payment)
	}
	return balance.Add(balance.Mul(rate).Round(2)).Round(2)
}
