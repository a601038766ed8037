package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/mcclellann/storecredit/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultBusyTimeout = 5 * time.Second

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
	q  querier
	tx *sql.Tx
}

// Option configures NewSQLiteStore.
type Option func(*options)

type options struct {
	busyTimeout time.Duration
}

// WithBusyTimeout sets how long a connection waits on a locked database
// before failing with SQLITE_BUSY.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// DSN builds the go-sqlite3 connection string for path. Write transactions
// take the database lock at BEGIN so competing writers queue on the busy
// timeout instead of failing on lock upgrade.
func DSN(path string, busyTimeout time.Duration) string {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", strconv.FormatInt(busyTimeout.Milliseconds(), 10))
	params.Set("_txlock", "immediate")
	return fmt.Sprintf("file:%s?%s", path, params.Encode())
}

// NewSQLiteStore opens the database at path and applies pending migrations.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	o := options{busyTimeout: defaultBusyTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite3", DSN(path, o.busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return NewSQLiteStoreFromDB(db), nil
}

// NewSQLiteStoreFromDB wraps an already opened database. No migrations are run.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, q: db}
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	// m.Close would close db as well, so the migrator is simply dropped.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// WithTx implements Storage.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Storage) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.NewStorageError("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&SQLiteStore{db: s.db, q: tx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return models.NewStorageError("commit transaction", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullCreditStatus(status models.CreditStatus) sql.NullString {
	if status == "" || status == models.CreditStatusNone {
		return sql.NullString{}
	}
	return sql.NullString{String: string(status), Valid: true}
}

// CreateSale inserts a new sale.
func (s *SQLiteStore) CreateSale(ctx context.Context, sale *models.Sale) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO sales (id, code, client_key, type, gross_total, tax_total, net_total, credit_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sale.ID.String(), sale.Code, sale.ClientKey, string(sale.Type), sale.GrossTotal.String(), sale.TaxTotal.String(), sale.NetTotal.String(), nullCreditStatus(sale.CreditStatus), sale.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sale %s already exists: %w", sale.Code, models.ErrConcurrentModification)
		}
		return models.NewStorageError("create sale", err)
	}
	return nil
}

const saleColumns = `id, code, client_key, type, gross_total, tax_total, net_total, credit_status, created_at`

func scanSale(row rowScanner) (*models.Sale, error) {
	var sale models.Sale
	var idStr, saleType string
	var status sql.NullString

	if err := row.Scan(&idStr, &sale.Code, &sale.ClientKey, &saleType, &sale.GrossTotal, &sale.TaxTotal, &sale.NetTotal, &status, &sale.CreatedAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("invalid sale id %q: %w", idStr, err)
	}
	sale.ID = id
	if sale.Type, err = models.ParseSaleType(saleType); err != nil {
		return nil, err
	}
	if sale.CreditStatus, err = models.ParseCreditStatus(status.String); err != nil {
		return nil, err
	}
	return &sale, nil
}

// GetSale retrieves a sale by its ID.
func (s *SQLiteStore) GetSale(ctx context.Context, id uuid.UUID) (*models.Sale, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, id.String())
	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrSaleNotFound
		}
		return nil, models.NewStorageError("get sale", err)
	}
	return sale, nil
}

// GetSalesForClient returns the client's sales, oldest first.
func (s *SQLiteStore) GetSalesForClient(ctx context.Context, clientKey string) ([]*models.Sale, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE client_key = ? ORDER BY created_at, code`, clientKey)
	if err != nil {
		return nil, models.NewStorageError("get sales for client", err)
	}
	defer rows.Close()

	var sales []*models.Sale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, models.NewStorageError("scan sale", err)
		}
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewStorageError("get sales for client", err)
	}
	return sales, nil
}

// UpdateSaleCreditStatus sets the denormalized credit status of a sale.
func (s *SQLiteStore) UpdateSaleCreditStatus(ctx context.Context, saleID uuid.UUID, status models.CreditStatus) error {
	result, err := s.q.ExecContext(ctx, `UPDATE sales SET credit_status = ? WHERE id = ?`, nullCreditStatus(status), saleID.String())
	if err != nil {
		return models.NewStorageError("update sale credit status", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return models.NewStorageError("update sale credit status", err)
	}
	if rowsAffected == 0 {
		return models.ErrSaleNotFound
	}
	return nil
}

// CreateCredit inserts a new credit. A sale carries at most one credit.
func (s *SQLiteStore) CreateCredit(ctx context.Context, credit *models.Credit) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO credits (id, sale_id, down_payment, financed_balance, annual_interest_rate, term_months, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		credit.ID.String(), credit.SaleID.String(), credit.DownPayment.String(), credit.FinancedBalance.String(), credit.AnnualInterestRate.String(), credit.TermMonths, credit.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sale %s already has a credit: %w", credit.SaleID, models.ErrConcurrentModification)
		}
		return models.NewStorageError("create credit", err)
	}
	return nil
}

const creditColumns = `id, sale_id, down_payment, financed_balance, annual_interest_rate, term_months, created_at`

func scanCredit(row rowScanner) (*models.Credit, error) {
	var credit models.Credit
	var idStr, saleIDStr string

	if err := row.Scan(&idStr, &saleIDStr, &credit.DownPayment, &credit.FinancedBalance, &credit.AnnualInterestRate, &credit.TermMonths, &credit.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if credit.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("invalid credit id %q: %w", idStr, err)
	}
	if credit.SaleID, err = uuid.Parse(saleIDStr); err != nil {
		return nil, fmt.Errorf("invalid sale id %q: %w", saleIDStr, err)
	}
	return &credit, nil
}

// GetCredit retrieves a credit by its ID.
func (s *SQLiteStore) GetCredit(ctx context.Context, id uuid.UUID) (*models.Credit, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+creditColumns+` FROM credits WHERE id = ?`, id.String())
	credit, err := scanCredit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrCreditNotFound
		}
		return nil, models.NewStorageError("get credit", err)
	}
	return credit, nil
}

// GetCreditForSale retrieves the credit attached to a sale.
func (s *SQLiteStore) GetCreditForSale(ctx context.Context, saleID uuid.UUID) (*models.Credit, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+creditColumns+` FROM credits WHERE sale_id = ?`, saleID.String())
	credit, err := scanCredit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrCreditNotFound
		}
		return nil, models.NewStorageError("get credit for sale", err)
	}
	return credit, nil
}

// GetAllCredits returns every credit, newest first.
func (s *SQLiteStore) GetAllCredits(ctx context.Context) ([]*models.Credit, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+creditColumns+` FROM credits ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, models.NewStorageError("get all credits", err)
	}
	defer rows.Close()

	var credits []*models.Credit
	for rows.Next() {
		credit, err := scanCredit(rows)
		if err != nil {
			return nil, models.NewStorageError("scan credit", err)
		}
		credits = append(credits, credit)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewStorageError("get all credits", err)
	}
	return credits, nil
}

// CreateInstallment inserts one schedule row. A duplicate (credit_id,
// sequence_number) means another caller generated the schedule first.
func (s *SQLiteStore) CreateInstallment(ctx context.Context, installment *models.Installment) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO installments (id, credit_id, sequence_number, due_date, amount, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		installment.ID.String(), installment.CreditID.String(), installment.SequenceNumber, models.Date(installment.DueDate), installment.Amount.String(), string(installment.State), installment.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("installment %d of credit %s already exists: %w", installment.SequenceNumber, installment.CreditID, models.ErrConcurrentModification)
		}
		return models.NewStorageError("create installment", err)
	}
	return nil
}

const installmentColumns = `id, credit_id, sequence_number, due_date, amount, state, created_at`

func scanInstallment(row rowScanner) (*models.Installment, error) {
	var inst models.Installment
	var idStr, creditIDStr, state string

	if err := row.Scan(&idStr, &creditIDStr, &inst.SequenceNumber, &inst.DueDate, &inst.Amount, &state, &inst.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if inst.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("invalid installment id %q: %w", idStr, err)
	}
	if inst.CreditID, err = uuid.Parse(creditIDStr); err != nil {
		return nil, fmt.Errorf("invalid credit id %q: %w", creditIDStr, err)
	}
	if inst.State, err = models.ParseInstallmentState(state); err != nil {
		return nil, err
	}
	inst.DueDate = models.Date(inst.DueDate)
	return &inst, nil
}

// GetInstallmentsForCredit returns the schedule ordered by sequence number.
func (s *SQLiteStore) GetInstallmentsForCredit(ctx context.Context, creditID uuid.UUID) ([]*models.Installment, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+installmentColumns+` FROM installments WHERE credit_id = ? ORDER BY sequence_number`, creditID.String())
	if err != nil {
		return nil, models.NewStorageError("get installments", err)
	}
	defer rows.Close()

	var installments []*models.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, models.NewStorageError("scan installment", err)
		}
		installments = append(installments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewStorageError("get installments", err)
	}
	return installments, nil
}

// GetNextPendingInstallment implements Storage.
func (s *SQLiteStore) GetNextPendingInstallment(ctx context.Context, creditID uuid.UUID) (*models.Installment, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+installmentColumns+` FROM installments WHERE credit_id = ? AND state = ? ORDER BY sequence_number LIMIT 1`,
		creditID.String(), string(models.InstallmentStatePending),
	)
	inst, err := scanInstallment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, models.NewStorageError("get next pending installment", err)
	}
	return inst, nil
}

// CountInstallments returns the total and pending installment counts of a credit.
func (s *SQLiteStore) CountInstallments(ctx context.Context, creditID uuid.UUID) (int, int, error) {
	var total int
	var pending sql.NullInt64
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) FROM installments WHERE credit_id = ?`,
		string(models.InstallmentStatePending), creditID.String(),
	).Scan(&total, &pending)
	if err != nil {
		return 0, 0, models.NewStorageError("count installments", err)
	}
	return total, int(pending.Int64), nil
}

// MarkInstallmentPaid implements Storage.
func (s *SQLiteStore) MarkInstallmentPaid(ctx context.Context, installmentID uuid.UUID) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE installments SET state = ? WHERE id = ? AND state = ?`,
		string(models.InstallmentStatePaid), installmentID.String(), string(models.InstallmentStatePending),
	)
	if err != nil {
		return models.NewStorageError("mark installment paid", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return models.NewStorageError("mark installment paid", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("installment %s is no longer pending: %w", installmentID, models.ErrConcurrentModification)
	}
	return nil
}

// CreatePayment inserts a payment. An installment takes at most one payment.
func (s *SQLiteStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO payments (id, installment_id, amount, paid_at, state, recorded_by)
		VALUES (?, ?, ?, ?, ?, ?)`,
		payment.ID.String(), payment.InstallmentID.String(), payment.Amount.String(), payment.PaidAt, string(payment.State), payment.RecordedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("installment %s already has a payment: %w", payment.InstallmentID, models.ErrConcurrentModification)
		}
		return models.NewStorageError("create payment", err)
	}
	return nil
}

// GetPaymentsForCredit returns all payments made against a credit's installments.
func (s *SQLiteStore) GetPaymentsForCredit(ctx context.Context, creditID uuid.UUID) ([]*models.Payment, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT p.id, p.installment_id, p.amount, p.paid_at, p.state, p.recorded_by
		FROM payments p JOIN installments i ON i.id = p.installment_id
		WHERE i.credit_id = ? ORDER BY i.sequence_number`,
		creditID.String(),
	)
	if err != nil {
		return nil, models.NewStorageError("get payments", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		var p models.Payment
		var idStr, instIDStr, state string
		if err := rows.Scan(&idStr, &instIDStr, &p.Amount, &p.PaidAt, &state, &p.RecordedBy); err != nil {
			return nil, models.NewStorageError("scan payment", err)
		}
		if p.ID, err = uuid.Parse(idStr); err != nil {
			return nil, models.NewStorageError("scan payment", err)
		}
		if p.InstallmentID, err = uuid.Parse(instIDStr); err != nil {
			return nil, models.NewStorageError("scan payment", err)
		}
		if p.State, err = models.ParsePaymentState(state); err != nil {
			return nil, models.NewStorageError("scan payment", err)
		}
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewStorageError("get payments", err)
	}
	return payments, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Storage = (*SQLiteStore)(nil)

