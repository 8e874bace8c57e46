package testutil

import (
	"context"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

// MockDB is a sqlmock connection for PostgresStore unit tests. Expected
// statements are matched as literal substrings, not regular expressions.
type MockDB struct {
	DB   *sqlx.DB
	Mock sqlmock.Sqlmock
}

// NewMockDB creates a sqlmock-backed connection with the postgres driver name,
// so sqlx rebinding matches production.
func NewMockDB(t *testing.T) *MockDB {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return &MockDB{DB: sqlx.NewDb(db, "postgres"), Mock: mock}
}

// Close closes the mock connection
func (m *MockDB) Close() error {
	return m.DB.Close()
}

// ExpectQuery expects a query containing fragment
func (m *MockDB) ExpectQuery(fragment string) *sqlmock.ExpectedQuery {
	return m.Mock.ExpectQuery(regexp.QuoteMeta(fragment))
}

// ExpectExec expects a statement containing fragment
func (m *MockDB) ExpectExec(fragment string) *sqlmock.ExpectedExec {
	return m.Mock.ExpectExec(regexp.QuoteMeta(fragment))
}

// ExpectScopedTx expects the opening of database.WithScope: BEGIN, then the
// transaction-local app.current_scope setting. Finish with ExpectCommit or
// ExpectRollback.
func (m *MockDB) ExpectScopedTx(scope string) {
	m.Mock.ExpectBegin()
	m.Mock.ExpectExec(regexp.QuoteMeta("SELECT set_config('app.current_scope', $1, true)")).
		WithArgs(scope).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

// ExpectCommit expects the transaction to commit
func (m *MockDB) ExpectCommit() *sqlmock.ExpectedCommit {
	return m.Mock.ExpectCommit()
}

// ExpectRollback expects the transaction to roll back
func (m *MockDB) ExpectRollback() *sqlmock.ExpectedRollback {
	return m.Mock.ExpectRollback()
}

// ExpectationsWereMet fails the test on unconsumed expectations
func (m *MockDB) ExpectationsWereMet(t *testing.T) {
	t.Helper()
	if err := m.Mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled mock expectations: %v", err)
	}
}

// MockRows starts a result set with the given columns
func MockRows(columns ...string) *sqlmock.Rows {
	return sqlmock.NewRows(columns)
}

// MockPublisher records stock events in publish order. It is safe for
// concurrent use, so dispense races can publish into it.
type MockPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	// Err, when set, is returned from every Publish call and nothing is recorded
	Err error
}

type publishedEvent struct {
	eventType string
	payload   interface{}
}

// NewMockPublisher creates an empty recorder
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// Publish records the event
func (m *MockPublisher) Publish(ctx context.Context, eventType string, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, publishedEvent{eventType: eventType, payload: payload})
	return nil
}

// Events returns the payloads published under eventType, in order
func (m *MockPublisher) Events(eventType string) []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	var payloads []interface{}
	for _, e := range m.events {
		if e.eventType == eventType {
			payloads = append(payloads, e.payload)
		}
	}
	return payloads
}

// Types returns every published event type in order
func (m *MockPublisher) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	types := make([]string, len(m.events))
	for i, e := range m.events {
		types[i] = e.eventType
	}
	return types
}

// AssertEventPublished fails unless at least one eventType event was published
func (m *MockPublisher) AssertEventPublished(t *testing.T, eventType string) {
	t.Helper()
	if len(m.Events(eventType)) == 0 {
		t.Errorf("expected event %q to be published, got %v", eventType, m.Types())
	}
}

// AssertEventNotPublished fails if any eventType event was published
func (m *MockPublisher) AssertEventNotPublished(t *testing.T, eventType string) {
	t.Helper()
	if n := len(m.Events(eventType)); n > 0 {
		t.Errorf("expected no %q events, got %d", eventType, n)
	}
}

// AssertNoEventsPublished fails if anything was published
func (m *MockPublisher) AssertNoEventsPublished(t *testing.T) {
	t.Helper()
	if types := m.Types(); len(types) > 0 {
		t.Errorf("expected no events, got %v", types)
	}
}

// Reset forgets everything recorded so far
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}
