package sqldb

import (
	"context"
	"path/filepath"
	"testing"

	"ChainPilot/internal/contacts"
	xerrors "ChainPilot/internal/errors"
)

func newSQLiteStore(t *testing.T) (*ContactStore, string) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "contacts.db")
	store, err := NewContactStore(context.Background(), Config{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, dsn
}

func TestContactStoreListAndPut(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "owner-1", contacts.Contact{ID: "b", Name: "Bob", Address: "BobAddr"}); err != nil {
		t.Fatalf("put bob: %v", err)
	}
	if err := store.Put(ctx, "owner-1", contacts.Contact{ID: "a", Name: "Alice", Address: "AliceAddr"}); err != nil {
		t.Fatalf("put alice: %v", err)
	}
	if err := store.Put(ctx, "owner-2", contacts.Contact{ID: "m", Name: "Mallory", Address: "M"}); err != nil {
		t.Fatalf("put mallory: %v", err)
	}
	if err := store.Put(ctx, "owner-1", contacts.Contact{ID: "a", Name: "Alice", Address: "AliceNew"}); err != nil {
		t.Fatalf("replace alice: %v", err)
	}

	list, err := store.List(ctx, "owner-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 contacts, got %+v", list)
	}
	if list[0] != (contacts.Contact{ID: "a", Name: "Alice", Address: "AliceNew"}) {
		t.Fatalf("unexpected first contact %+v", list[0])
	}

	empty, err := store.List(ctx, "nobody")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list, got %+v %v", empty, err)
	}
}

func TestContactStoreMigrationsAreIdempotent(t *testing.T) {
	store, dsn := newSQLiteStore(t)
	ctx := context.Background()
	if err := store.Put(ctx, "o", contacts.Contact{ID: "1", Name: "Alice", Address: "A"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_ = store.Close()

	reopened, err := NewContactStore(ctx, Config{Driver: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	list, err := reopened.List(ctx, "o")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected persisted contact, got %+v %v", list, err)
	}
}

func TestContactStoreRejectsUnknownDriver(t *testing.T) {
	_, err := NewContactStore(context.Background(), Config{Driver: "postgres", DSN: "x"})
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestContactStorePutValidation(t *testing.T) {
	store, _ := newSQLiteStore(t)
	if err := store.Put(context.Background(), "", contacts.Contact{ID: "1"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestSplitSQLStatements(t *testing.T) {
	stmts := splitSQLStatements("CREATE TABLE a (x INT);\n\n CREATE INDEX i ON a (x);\n")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(stmts))
	}
	if parseMigrationVersion("0001_contacts.sql") != "0001" {
		t.Fatalf("unexpected version")
	}
}
