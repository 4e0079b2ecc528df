package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "mysql"), mock
}

func TestSQLResolverResolve(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT email FROM users WHERE uuid = \\? LIMIT 1").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("owner@example.com"))

	r := NewSQLResolver(db, "")
	mailbox, err := r.Resolve(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mailbox != "owner@example.com" {
		t.Errorf("mailbox: got %q", mailbox)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLResolverCustomTable(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT email FROM accounts WHERE uuid = \\? LIMIT 1").
		WithArgs("acct-2").
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("other@example.com"))

	r := NewSQLResolver(db, "accounts")
	mailbox, err := r.Resolve(context.Background(), "acct-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mailbox != "other@example.com" {
		t.Errorf("mailbox: got %q", mailbox)
	}
}

func TestSQLResolverNotFound(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT email FROM users").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"email"}))

	r := NewSQLResolver(db, "users")
	_, err := r.Resolve(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !Permanent(err) {
		t.Error("a missing row must be a permanent failure")
	}
}

func TestSQLResolverEmptyEmail(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT email FROM users").
		WithArgs("hollow").
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow(""))

	r := NewSQLResolver(db, "users")
	_, err := r.Resolve(context.Background(), "hollow")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLResolverQueryFailureIsTransient(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT email FROM users").
		WithArgs("acct").
		WillReturnError(errors.New("connection reset"))

	r := NewSQLResolver(db, "users")
	_, err := r.Resolve(context.Background(), "acct")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if Permanent(err) {
		t.Errorf("database failures must be transient, got permanent: %v", err)
	}
}
