package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SaleType string

const (
	SaleTypeCash   SaleType = "cash"
	SaleTypeCredit SaleType = "credit"
)

// CreditStatus is the denormalized credit state kept on a sale.
type CreditStatus string

const (
	CreditStatusNone      CreditStatus = "none" // stored as NULL
	CreditStatusActive    CreditStatus = "active"
	CreditStatusFinalized CreditStatus = "finalized"
)

// ParseCreditStatus maps a stored value to a CreditStatus. A NULL column is
// passed in as the empty string.
func ParseCreditStatus(s string) (CreditStatus, error) {
	switch CreditStatus(s) {
	case "", CreditStatusNone:
		return CreditStatusNone, nil
	case CreditStatusActive, CreditStatusFinalized:
		return CreditStatus(s), nil
	}
	return "", fmt.Errorf("unknown credit status %q", s)
}

func ParseSaleType(s string) (SaleType, error) {
	switch SaleType(s) {
	case SaleTypeCash, SaleTypeCredit:
		return SaleType(s), nil
	}
	return "", fmt.Errorf("unknown sale type %q", s)
}

type InstallmentState string

const (
	InstallmentStatePending InstallmentState = "pending"
	InstallmentStatePaid    InstallmentState = "paid"
)

func ParseInstallmentState(s string) (InstallmentState, error) {
	switch InstallmentState(s) {
	case InstallmentStatePending, InstallmentStatePaid:
		return InstallmentState(s), nil
	}
	return "", fmt.Errorf("unknown installment state %q", s)
}

type PaymentState string

const (
	PaymentStateCompleted PaymentState = "completed"
)

func ParsePaymentState(s string) (PaymentState, error) {
	if PaymentState(s) == PaymentStateCompleted {
		return PaymentStateCompleted, nil
	}
	return "", fmt.Errorf("unknown payment state %q", s)
}

type Sale struct {
	ID           uuid.UUID       `json:"id"`
	Code         string          `json:"code"`
	ClientKey    string          `json:"client_key"` // Link to external client records
	Type         SaleType        `json:"type"`
	GrossTotal   decimal.Decimal `json:"gross_total"`
	TaxTotal     decimal.Decimal `json:"tax_total"`
	NetTotal     decimal.Decimal `json:"net_total"`
	CreditStatus CreditStatus    `json:"credit_status"`
	CreatedAt    time.Time       `json:"created_at"`
}

type Credit struct {
	ID                 uuid.UUID       `json:"id"`
	SaleID             uuid.UUID       `json:"sale_id"`
	DownPayment        decimal.Decimal `json:"down_payment"`
	FinancedBalance    decimal.Decimal `json:"financed_balance"`
	AnnualInterestRate decimal.Decimal `json:"annual_interest_rate"` // Percent, e.g. 5 for 5%
	TermMonths         int             `json:"term_months"`
	CreatedAt          time.Time       `json:"created_at"`
}

type Installment struct {
	ID             uuid.UUID        `json:"id"`
	CreditID       uuid.UUID        `json:"credit_id"`
	SequenceNumber int              `json:"sequence_number"`
	DueDate        time.Time        `json:"due_date"`
	Amount         decimal.Decimal  `json:"amount"`
	State          InstallmentState `json:"state"`
	CreatedAt      time.Time        `json:"created_at"`
}

// IsOverdue reports whether the installment is still pending after its due
// date. Overdue is never stored.
func (i *Installment) IsOverdue(asOf time.Time) bool {
	return i.State == InstallmentStatePending && Date(i.DueDate).Before(Date(asOf))
}

type Payment struct {
	ID            uuid.UUID       `json:"id"`
	InstallmentID uuid.UUID       `json:"installment_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaidAt        time.Time       `json:"paid_at"`
	State         PaymentState    `json:"state"`
	RecordedBy    string          `json:"recorded_by,omitempty"`
}

// PaymentReceipt is returned after an installment has been paid.
type PaymentReceipt struct {
	CreditID              uuid.UUID    `json:"credit_id"`
	SaleID                uuid.UUID    `json:"sale_id"`
	Payment               Payment      `json:"payment"`
	Installment           Installment  `json:"installment"`
	RemainingInstallments int          `json:"remaining_installments"`
	SaleCreditStatus      CreditStatus `json:"sale_credit_status"`
}

type CreditSummary struct {
	CreditID           uuid.UUID       `json:"credit_id"`
	SaleID             uuid.UUID       `json:"sale_id"`
	FinancedBalance    decimal.Decimal `json:"financed_balance"`
	TotalInstallments  int             `json:"total_installments"`
	PaidCount          int             `json:"paid_count"`
	PendingCount       int             `json:"pending_count"`
	OverdueCount       int             `json:"overdue_count"`
	TotalPaidAmount    decimal.Decimal `json:"total_paid_amount"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
	NextDue            *Installment    `json:"next_due,omitempty"`
}

// Anomaly is a credit whose sale status disagrees with its installments.
type Anomaly struct {
	CreditID       uuid.UUID    `json:"credit_id"`
	SaleID         uuid.UUID    `json:"sale_id"`
	ReportedStatus CreditStatus `json:"reported_status"`
	ComputedStatus CreditStatus `json:"computed_status"`
}

// DelinquentInstallment is one row of the overdue report.
type DelinquentInstallment struct {
	ClientKey   string      `json:"client_key"`
	SaleCode    string      `json:"sale_code"`
	CreditID    uuid.UUID   `json:"credit_id"`
	Installment Installment `json:"installment"`
	DaysOverdue int         `json:"days_overdue"`
}

type SaleResult struct {
	Sale   Sale    `json:"sale"`
	Credit *Credit `json:"credit,omitempty"`
}

// Date truncates t to midnight UTC of its calendar day.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AddMonths moves t forward n calendar months, clamping the day to the end of
// the target month (Jan 31 + 1 month = Feb 28/29).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
}
