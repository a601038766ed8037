package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mcclellann/storecredit/pkg/models"
	"github.com/mcclellann/storecredit/pkg/store"
)

// MockStore is an in-memory implementation of the Storage interface for
// testing. Writes made through a transaction handle are undone when the
// transaction function fails; writes from other handles are unaffected, which
// lets tests interleave a competing operation inside an open transaction.
type MockStore struct {
	*mockData
	undo *[]func()
}

type mockData struct {
	mu           sync.Mutex
	sales        map[uuid.UUID]*models.Sale
	credits      map[uuid.UUID]*models.Credit
	installments map[uuid.UUID]*models.Installment
	payments     map[uuid.UUID]*models.Payment
	failures     map[string]*failure
	writes       int
}

type failure struct {
	skip int
	err  error
}

func NewMockStore() *MockStore {
	return &MockStore{mockData: &mockData{
		sales:        make(map[uuid.UUID]*models.Sale),
		credits:      make(map[uuid.UUID]*models.Credit),
		installments: make(map[uuid.UUID]*models.Installment),
		payments:     make(map[uuid.UUID]*models.Payment),
		failures:     make(map[string]*failure),
	}}
}

// FailOn makes the named method return err after skip successful calls.
func (m *MockStore) FailOn(method string, skip int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = &failure{skip: skip, err: err}
}

// Writes returns the number of successful write calls so far.
func (m *MockStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// fail must be called with mu held.
func (m *MockStore) fail(method string) error {
	f, ok := m.failures[method]
	if !ok {
		return nil
	}
	if f.skip > 0 {
		f.skip--
		return nil
	}
	delete(m.failures, method)
	return f.err
}

// wrote must be called with mu held.
func (m *MockStore) wrote(undo func()) {
	m.writes++
	if m.undo != nil {
		*m.undo = append(*m.undo, undo)
	}
}

func (m *MockStore) WithTx(ctx context.Context, fn func(tx store.Storage) error) error {
	if m.undo != nil {
		return fn(m)
	}
	m.mu.Lock()
	err := m.fail("WithTx")
	m.mu.Unlock()
	if err != nil {
		return err
	}

	var undo []func()
	if err := fn(&MockStore{mockData: m.mockData, undo: &undo}); err != nil {
		m.mu.Lock()
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *MockStore) CreateSale(ctx context.Context, sale *models.Sale) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateSale"); err != nil {
		return err
	}
	for _, s := range m.sales {
		if s.Code == sale.Code {
			return models.ErrConcurrentModification
		}
	}
	c := *sale
	m.sales[sale.ID] = &c
	m.wrote(func() { delete(m.sales, sale.ID) })
	return nil
}

func (m *MockStore) GetSale(ctx context.Context, id uuid.UUID) (*models.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetSale"); err != nil {
		return nil, err
	}
	s, ok := m.sales[id]
	if !ok {
		return nil, models.ErrSaleNotFound
	}
	c := *s
	return &c, nil
}

func (m *MockStore) GetSalesForClient(ctx context.Context, clientKey string) ([]*models.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sales := []*models.Sale{}
	for _, s := range m.sales {
		if s.ClientKey == clientKey {
			c := *s
			sales = append(sales, &c)
		}
	}
	sort.Slice(sales, func(i, j int) bool { return sales[i].CreatedAt.Before(sales[j].CreatedAt) })
	return sales, nil
}

func (m *MockStore) UpdateSaleCreditStatus(ctx context.Context, saleID uuid.UUID, status models.CreditStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateSaleCreditStatus"); err != nil {
		return err
	}
	s, ok := m.sales[saleID]
	if !ok {
		return models.ErrSaleNotFound
	}
	prev := s.CreditStatus
	s.CreditStatus = status
	m.wrote(func() { s.CreditStatus = prev })
	return nil
}

func (m *MockStore) CreateCredit(ctx context.Context, credit *models.Credit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateCredit"); err != nil {
		return err
	}
	for _, c := range m.credits {
		if c.SaleID == credit.SaleID {
			return models.ErrConcurrentModification
		}
	}
	c := *credit
	m.credits[credit.ID] = &c
	m.wrote(func() { delete(m.credits, credit.ID) })
	return nil
}

func (m *MockStore) GetCredit(ctx context.Context, id uuid.UUID) (*models.Credit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetCredit"); err != nil {
		return nil, err
	}
	c, ok := m.credits[id]
	if !ok {
		return nil, models.ErrCreditNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MockStore) GetCreditForSale(ctx context.Context, saleID uuid.UUID) (*models.Credit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.credits {
		if c.SaleID == saleID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, models.ErrCreditNotFound
}

func (m *MockStore) GetAllCredits(ctx context.Context) ([]*models.Credit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetAllCredits"); err != nil {
		return nil, err
	}
	credits := []*models.Credit{}
	for _, c := range m.credits {
		cp := *c
		credits = append(credits, &cp)
	}
	sort.Slice(credits, func(i, j int) bool { return credits[i].CreatedAt.After(credits[j].CreatedAt) })
	return credits, nil
}

func (m *MockStore) CreateInstallment(ctx context.Context, inst *models.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateInstallment"); err != nil {
		return err
	}
	for _, i := range m.installments {
		if i.CreditID == inst.CreditID && i.SequenceNumber == inst.SequenceNumber {
			return models.ErrConcurrentModification
		}
	}
	c := *inst
	m.installments[inst.ID] = &c
	m.wrote(func() { delete(m.installments, inst.ID) })
	return nil
}

// installmentsFor must be called with mu held.
func (m *MockStore) installmentsFor(creditID uuid.UUID) []*models.Installment {
	list := []*models.Installment{}
	for _, i := range m.installments {
		if i.CreditID == creditID {
			c := *i
			list = append(list, &c)
		}
	}
	sort.Slice(list, func(a, b int) bool { return list[a].SequenceNumber < list[b].SequenceNumber })
	return list
}

func (m *MockStore) GetInstallmentsForCredit(ctx context.Context, creditID uuid.UUID) ([]*models.Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetInstallmentsForCredit"); err != nil {
		return nil, err
	}
	return m.installmentsFor(creditID), nil
}

func (m *MockStore) GetNextPendingInstallment(ctx context.Context, creditID uuid.UUID) (*models.Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.installmentsFor(creditID) {
		if i.State == models.InstallmentStatePending {
			return i, nil
		}
	}
	return nil, nil
}

func (m *MockStore) CountInstallments(ctx context.Context, creditID uuid.UUID) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CountInstallments"); err != nil {
		return 0, 0, err
	}
	list := m.installmentsFor(creditID)
	pending := 0
	for _, i := range list {
		if i.State == models.InstallmentStatePending {
			pending++
		}
	}
	return len(list), pending, nil
}

func (m *MockStore) MarkInstallmentPaid(ctx context.Context, installmentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("MarkInstallmentPaid"); err != nil {
		return err
	}
	i, ok := m.installments[installmentID]
	if !ok || i.State != models.InstallmentStatePending {
		return models.ErrConcurrentModification
	}
	i.State = models.InstallmentStatePaid
	m.wrote(func() { i.State = models.InstallmentStatePending })
	return nil
}

func (m *MockStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreatePayment"); err != nil {
		return err
	}
	for _, p := range m.payments {
		if p.InstallmentID == payment.InstallmentID {
			return models.ErrConcurrentModification
		}
	}
	c := *payment
	m.payments[payment.ID] = &c
	m.wrote(func() { delete(m.payments, payment.ID) })
	return nil
}

func (m *MockStore) GetPaymentsForCredit(ctx context.Context, creditID uuid.UUID) ([]*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payments := []*models.Payment{}
	for _, p := range m.payments {
		if i, ok := m.installments[p.InstallmentID]; ok && i.CreditID == creditID {
			c := *p
			payments = append(payments, &c)
		}
	}
	return payments, nil
}

func (m *MockStore) Close() error {
	return nil
}

// paymentsFor counts payments recorded against one installment.
func (m *MockStore) paymentsFor(installmentID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.payments {
		if p.InstallmentID == installmentID {
			n++
		}
	}
	return n
}

// racingStore runs race once, right after the next pending installment has
// been selected, to simulate a competing payment committing before ours.
type racingStore struct {
	store.Storage
	once *sync.Once
	race func()
}

func (r *racingStore) WithTx(ctx context.Context, fn func(tx store.Storage) error) error {
	return r.Storage.WithTx(ctx, func(tx store.Storage) error {
		return fn(&racingStore{Storage: tx, once: r.once, race: r.race})
	})
}

func (r *racingStore) GetNextPendingInstallment(ctx context.Context, creditID uuid.UUID) (*models.Installment, error) {
	inst, err := r.Storage.GetNextPendingInstallment(ctx, creditID)
	if err == nil && inst != nil {
		r.once.Do(r.race)
	}
	return inst, err
}
