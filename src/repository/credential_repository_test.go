package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"signalbridge/src/model"
	"signalbridge/src/security"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	dialector := postgres.New(postgres.Config{
		DSN:                  "sqlmock_db_0",
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	})

	gdb, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		sqlDB.Close()
		t.Fatalf("failed to open gorm DB with sqlmock: %v", err)
	}

	return gdb, mock
}

func TestCredentialRepositoryGetByIDDecryptsTokens(t *testing.T) {
	db, mock := newMockDB(t)
	repo := (&GormCredentialRepository{}).WithDB(db)

	encAccess, err := security.EncryptString("plain-access")
	if err != nil {
		t.Fatalf("unexpected encryption error: %v", err)
	}
	encRefresh, err := security.EncryptString("")
	if err != nil {
		t.Fatalf("unexpected encryption error: %v", err)
	}

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "broker_id", "account_id", "credential_type", "access_token", "refresh_token", "expires_at", "is_valid", "refresh_fail_count", "created_at", "updated_at"}).
		AddRow(7, "tradovate", 3, "oauth", encAccess, encRefresh, now.Add(time.Hour), true, 0, now, now)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "broker_credentials" WHERE "broker_credentials"."id" = $1 ORDER BY "broker_credentials"."id" LIMIT $2`)).
		WithArgs(7, 1).
		WillReturnRows(rows)

	cred, err := repo.GetByID(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred == nil {
		t.Fatalf("expected credential, got nil")
	}
	if cred.AccessToken != "plain-access" {
		t.Fatalf("expected decrypted token, got %q", cred.AccessToken)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestCredentialRepositoryGetByIDMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := (&GormCredentialRepository{}).WithDB(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "broker_credentials"`)).
		WithArgs(99, 1).
		WillReturnError(gorm.ErrRecordNotFound)

	cred, err := repo.GetByID(context.Background(), 99)
	if err != nil {
		t.Fatalf("missing credential must not be an error, got %v", err)
	}
	if cred != nil {
		t.Fatalf("expected nil credential, got %+v", cred)
	}
}

func TestCredentialRepositoryListActiveJoinsAccounts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := (&GormCredentialRepository{}).WithDB(db)

	encAccess, _ := security.EncryptString("tok-a")
	encRefresh, _ := security.EncryptString("")

	rows := sqlmock.NewRows([]string{"id", "broker_id", "account_id", "access_token", "refresh_token", "is_valid"}).
		AddRow(1, "tradovate", 1, encAccess, encRefresh, true)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "broker_credentials".* FROM "broker_credentials" JOIN broker_accounts ON broker_accounts.id = broker_credentials.account_id WHERE broker_credentials.is_valid = $1 AND (broker_accounts.is_active = $2 AND broker_accounts.is_deleted = $3)`)).
		WithArgs(true, true, false).
		WillReturnRows(rows)

	creds, err := repo.ListActive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(creds) != 1 {
		t.Fatalf("expected 1 credential, got %d", len(creds))
	}
	if creds[0].AccessToken != "tok-a" {
		t.Fatalf("expected decrypted token, got %q", creds[0].AccessToken)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestCredentialRepositoryUpdateTokens(t *testing.T) {
	db, mock := newMockDB(t)
	repo := (&GormCredentialRepository{}).WithDB(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "broker_credentials" SET`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), true, sqlmock.AnyArg(), sqlmock.AnyArg(), 0, sqlmock.AnyArg(), sqlmock.AnyArg(), 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cred := &model.BrokerCredential{
		ID:          5,
		AccessToken: "new-token",
		ExpiresAt:   time.Now().UTC().Add(80 * time.Minute),
	}
	if err := repo.UpdateTokens(context.Background(), cred); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCredentialRepositoryRecordFailureMissingRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := (&GormCredentialRepository{}).WithDB(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "broker_credentials" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.RecordFailure(context.Background(), 404, time.Now().UTC(), "boom")
	if err != gorm.ErrRecordNotFound {
		t.Fatalf("expected ErrRecordNotFound for missing credential, got %v", err)
	}
}

func TestCredentialRepositoryMarkExpiredTouchesAccount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := (&GormCredentialRepository{}).WithDB(db)

	now := time.Now().UTC()
	credRows := sqlmock.NewRows([]string{"id", "broker_id", "account_id", "is_valid", "created_at", "updated_at"}).
		AddRow(5, "tradovate", 12, true, now, now)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "broker_credentials" WHERE "broker_credentials"."id" = $1 ORDER BY "broker_credentials"."id" LIMIT $2`)).
		WithArgs(5, 1).
		WillReturnRows(credRows)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "broker_credentials" SET`)).
		WithArgs(false, "max retries exceeded", sqlmock.AnyArg(), 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "broker_accounts" SET`)).
		WithArgs("max retries exceeded", false, "token_expired", sqlmock.AnyArg(), 12).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.MarkExpired(context.Background(), 5, "max retries exceeded"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}
