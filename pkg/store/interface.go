package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/mcclellann/storecredit/pkg/models"
)

// Storage defines the interface for database operations on sales, credits,
// installments and payments.
//
// Lookups of a single record return a models.ErrXxxNotFound error when the
// record is missing. Driver failures are returned as *models.StorageError.
type Storage interface {
	CreateSale(ctx context.Context, sale *models.Sale) error
	GetSale(ctx context.Context, id uuid.UUID) (*models.Sale, error)
	GetSalesForClient(ctx context.Context, clientKey string) ([]*models.Sale, error)
	// UpdateSaleCreditStatus fails with ErrSaleNotFound when no row matched.
	UpdateSaleCreditStatus(ctx context.Context, saleID uuid.UUID, status models.CreditStatus) error

	CreateCredit(ctx context.Context, credit *models.Credit) error
	GetCredit(ctx context.Context, id uuid.UUID) (*models.Credit, error)
	GetCreditForSale(ctx context.Context, saleID uuid.UUID) (*models.Credit, error)
	GetAllCredits(ctx context.Context) ([]*models.Credit, error)

	CreateInstallment(ctx context.Context, installment *models.Installment) error
	GetInstallmentsForCredit(ctx context.Context, creditID uuid.UUID) ([]*models.Installment, error)
	// GetNextPendingInstallment returns the pending installment with the lowest
	// sequence number, or nil when none is pending.
	GetNextPendingInstallment(ctx context.Context, creditID uuid.UUID) (*models.Installment, error)
	CountInstallments(ctx context.Context, creditID uuid.UUID) (total int, pending int, err error)
	// MarkInstallmentPaid flips a pending installment to paid. It fails with
	// ErrConcurrentModification when the installment is no longer pending.
	MarkInstallmentPaid(ctx context.Context, installmentID uuid.UUID) error

	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentsForCredit(ctx context.Context, creditID uuid.UUID) ([]*models.Payment, error)

	// WithTx runs fn against a Storage bound to a single transaction. The
	// transaction commits when fn returns nil and rolls back otherwise. Calling
	// WithTx on a transaction-bound Storage reuses the open transaction.
	WithTx(ctx context.Context, fn func(tx Storage) error) error

	Close() error
}
