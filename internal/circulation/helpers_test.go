package circulation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"librarycirc/internal/circulation"
	"librarycirc/internal/circulation/memstore"
)

type fakeCatalog struct {
	mu     sync.Mutex
	totals map[uuid.UUID]int
	failOn map[int]error
	writes []int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{totals: make(map[uuid.UUID]int)}
}

func (c *fakeCatalog) add(total int) uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.New()
	c.totals[id] = total
	return id
}

// set edits a total directly, the way another catalog client would.
func (c *fakeCatalog) set(id uuid.UUID, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals[id] = total
}

func (c *fakeCatalog) TotalCopies(_ context.Context, id uuid.UUID) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total, ok := c.totals[id]
	return total, ok, nil
}

func (c *fakeCatalog) SetTotalCopies(_ context.Context, id uuid.UUID, total int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failOn[total]; err != nil {
		return err
	}
	c.writes = append(c.writes, total)
	c.totals[id] = total
	return nil
}

func (c *fakeCatalog) DeleteBook(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.totals, id)
	return nil
}

type recordingReporter struct {
	mu     sync.Mutex
	faults []circulation.Fault
}

func (r *recordingReporter) Report(_ context.Context, f circulation.Fault) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, f)
}

func (r *recordingReporter) all() []circulation.Fault {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]circulation.Fault(nil), r.faults...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store   *memstore.Store
	catalog *fakeCatalog
	faults  *recordingReporter
	clock   *clock
	svc     *circulation.Coordinator
}

func newFixture(t *testing.T, opts ...circulation.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   memstore.New(),
		catalog: newFakeCatalog(),
		faults:  &recordingReporter{},
		clock:   newClock(),
	}
	f.svc = f.coordinator(f.store, opts...)
	return f
}

func (f *fixture) coordinator(store circulation.Store, opts ...circulation.Option) *circulation.Coordinator {
	base := []circulation.Option{
		circulation.WithClock(f.clock.Now),
		circulation.WithFaultReporter(f.faults),
	}
	return circulation.NewCoordinator(store, f.catalog, append(base, opts...)...)
}

func (f *fixture) availability(t *testing.T, bookID uuid.UUID) circulation.Availability {
	t.Helper()
	a, err := f.svc.Availability(context.Background(), bookID)
	require.NoError(t, err)
	return *a
}

// seedLoan writes an active loan straight into the store, bypassing the counter.
func (f *fixture) seedLoan(t *testing.T, bookID, borrowerID uuid.UUID) circulation.Loan {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()
	loan := circulation.Loan{ID: uuid.New(), BookID: bookID, BorrowerID: borrowerID, BorrowedAt: now, DueAt: now.Add(time.Hour)}
	tx, err := f.store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertLoan(ctx, loan))
	require.NoError(t, tx.Commit())
	return loan
}

// hookStore wraps a Store and lets tests intercept transaction calls.
type hookStore struct {
	circulation.Store
	beginErr   error
	insertLoan func(ctx context.Context, tx circulation.Tx, loan circulation.Loan) error
	saved      *[]circulation.Counter
}

func (s *hookStore) Begin(ctx context.Context) (circulation.Tx, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &hookTx{Tx: tx, store: s}, nil
}

type hookTx struct {
	circulation.Tx
	store *hookStore
}

func (t *hookTx) InsertLoan(ctx context.Context, loan circulation.Loan) error {
	if t.store.insertLoan != nil {
		return t.store.insertLoan(ctx, t.Tx, loan)
	}
	return t.Tx.InsertLoan(ctx, loan)
}

func (t *hookTx) SaveCounter(ctx context.Context, c circulation.Counter) error {
	if t.store.saved != nil {
		*t.store.saved = append(*t.store.saved, c)
	}
	return t.Tx.SaveCounter(ctx, c)
}

var errStorage = errors.New("storage unavailable")
