package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"ChainPilot/internal/contacts"
	xerrors "ChainPilot/internal/errors"
)

// ContactStore implements contacts.Store on a SQL database.
type ContactStore struct {
	db     *sql.DB
	driver string
}

// NewContactStore opens the database and applies pending migrations.
func NewContactStore(ctx context.Context, cfg Config) (*ContactStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开联系人库失败")
	}
	store := &ContactStore{db: db, driver: strings.ToLower(strings.TrimSpace(cfg.Driver))}
	if err := store.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "联系人库迁移失败")
	}
	return store, nil
}

// Close releases the connection pool.
func (s *ContactStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// List returns the owner's contacts ordered by name.
func (s *ContactStore) List(ctx context.Context, ownerID string) ([]contacts.Contact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, address FROM contacts WHERE owner_id = ? ORDER BY name, id`,
		strings.TrimSpace(ownerID))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询联系人失败")
	}
	defer rows.Close()

	out := make([]contacts.Contact, 0)
	for rows.Next() {
		var c contacts.Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Address); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析联系人失败")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历联系人失败")
	}
	return out, nil
}

// Put inserts or replaces a contact. Used for seeding; contact management
// itself lives outside this service.
func (s *ContactStore) Put(ctx context.Context, ownerID string, contact contacts.Contact) error {
	owner := strings.TrimSpace(ownerID)
	if owner == "" || strings.TrimSpace(contact.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "联系人缺少所有者或 ID")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE owner_id = ? AND id = ?`, owner, contact.ID); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除旧联系人失败")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO contacts (owner_id, id, name, address, created_at) VALUES (?, ?, ?, ?, ?)`,
		owner, contact.ID, contact.Name, contact.Address, time.Now().Unix()); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入联系人失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("提交联系人 %s 失败", contact.ID))
	}
	return nil
}

var _ contacts.Store = (*ContactStore)(nil)
