package ledger

import (
	"context"
	"time"

	"github.com/mcclellann/storecredit/pkg/logger"
	"github.com/mcclellann/storecredit/pkg/models"
	"github.com/mcclellann/storecredit/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Terms are the commercial rules applied when a sale is financed.
type Terms struct {
	DownPaymentRatio      decimal.Decimal
	FinanceSurchargeRatio decimal.Decimal
	AnnualInterestRate    decimal.Decimal // percent
	TaxRate               decimal.Decimal
	// GenerateOnSale builds the schedule when the credit is created instead
	// of on the first payment.
	GenerateOnSale bool
	// AbsorbRoundingRemainder lets the last installment carry the cents lost
	// to rounding so the schedule sums to the amortized total.
	AbsorbRoundingRemainder bool
}

// DefaultTerms returns 30% down, a 5% financing surcharge, 5% annual
// interest and 19% tax.
func DefaultTerms() Terms {
	return Terms{
		DownPaymentRatio:      decimal.RequireFromString("0.30"),
		FinanceSurchargeRatio: decimal.RequireFromString("0.05"),
		AnnualInterestRate:    decimal.NewFromInt(5),
		TaxRate:               decimal.RequireFromString("0.19"),
	}
}

// Ledger handles the business logic for credit sales, schedules and payments.
type Ledger struct {
	storage store.Storage
	logger  *zap.Logger
	now     func() time.Time
	terms   Terms
}

type Option func(*Ledger)

func WithLogger(l *zap.Logger) Option {
	return func(led *Ledger) {
		if l != nil {
			led.logger = l
		}
	}
}

// WithClock replaces time.Now. Due dates and overdue checks use its date.
func WithClock(now func() time.Time) Option {
	return func(led *Ledger) {
		if now != nil {
			led.now = now
		}
	}
}

func WithTerms(t Terms) Option {
	return func(led *Ledger) {
		led.terms = t
	}
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage: s,
		logger:  zap.NewNop(),
		now:     time.Now,
		terms:   DefaultTerms(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) today() time.Time {
	return models.Date(l.now())
}

// log returns the ledger logger tagged with the acting user, if any.
func (l *Ledger) log(ctx context.Context) *zap.Logger {
	if userID := logger.GetUserID(ctx); userID != "" {
		return l.logger.With(zap.String("user_id", userID))
	}
	return l.logger
}
