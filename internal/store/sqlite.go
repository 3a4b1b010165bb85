package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite implements MetadataStore, BlobStore, Queue and Leaser on a single
// sqlite database.
type SQLite struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*SQLite, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            address TEXT NOT NULL,
            password TEXT NOT NULL,
            host TEXT NOT NULL DEFAULT '',
            port INTEGER NOT NULL DEFAULT 0,
            protocol TEXT NOT NULL,
            use_tls INTEGER NOT NULL DEFAULT 0,
            auto_delete INTEGER NOT NULL DEFAULT 0,
            last_fetch_at INTEGER NOT NULL DEFAULT 0
        );`,
		`CREATE TABLE IF NOT EXISTS blobs (
            id TEXT PRIMARY KEY,
            filename TEXT NOT NULL,
            content_type TEXT NOT NULL,
            data BLOB NOT NULL,
            size INTEGER NOT NULL,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS mails (
            id TEXT PRIMARY KEY,
            account_id TEXT NOT NULL,
            unique_id TEXT NOT NULL DEFAULT '',
            from_addr TEXT NOT NULL,
            to_addr TEXT NOT NULL,
            subject TEXT NOT NULL,
            date INTEGER NOT NULL,
            is_multipart INTEGER NOT NULL,
            text_body TEXT NOT NULL,
            html_body TEXT NOT NULL,
            raw_blob_id TEXT NOT NULL,
            attachment_blob_ids TEXT NOT NULL,
            seen INTEGER NOT NULL DEFAULT 0,
            deleted INTEGER NOT NULL DEFAULT 0,
            folder TEXT NOT NULL,
            FOREIGN KEY(account_id) REFERENCES accounts(id),
            FOREIGN KEY(raw_blob_id) REFERENCES blobs(id)
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_mails_account_uniqueid
            ON mails(account_id, unique_id) WHERE unique_id <> '';`,
		`CREATE INDEX IF NOT EXISTS idx_mails_account_date ON mails(account_id, date);`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts(user_id);`,
		`CREATE TABLE IF NOT EXISTS queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            channel TEXT NOT NULL,
            payload TEXT NOT NULL,
            pushed_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_queue_channel ON queue(channel, id);`,
		`CREATE TABLE IF NOT EXISTS leases (
            name TEXT PRIMARY KEY,
            expires_at INTEGER NOT NULL
        );`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, address, password, host, port,
        protocol, use_tls, auto_delete, last_fetch_at
        FROM accounts WHERE id = ?;`, id)

	var account Account
	var lastFetch int64
	if err := row.Scan(
		&account.ID,
		&account.UserID,
		&account.Address,
		&account.Password,
		&account.Host,
		&account.Port,
		&account.Protocol,
		&account.UseTLS,
		&account.AutoDelete,
		&lastFetch,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	if lastFetch > 0 {
		account.LastFetchAt = time.Unix(lastFetch, 0)
	}
	return &account, nil
}

func (s *SQLite) CreateAccount(ctx context.Context, account *Account) (string, error) {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	var lastFetch int64
	if !account.LastFetchAt.IsZero() {
		lastFetch = account.LastFetchAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts
        (id, user_id, address, password, host, port, protocol, use_tls, auto_delete, last_fetch_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		account.ID,
		account.UserID,
		account.Address,
		account.Password,
		account.Host,
		account.Port,
		account.Protocol,
		account.UseTLS,
		account.AutoDelete,
		lastFetch,
	)
	if err != nil {
		return "", fmt.Errorf("create account: %w", err)
	}
	return account.ID, nil
}

func (s *SQLite) TouchAccountFetched(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_fetch_at = ? WHERE id = ?;`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("touch account: %w", err)
	}
	return nil
}

func (s *SQLite) FindMailByUniqueID(ctx context.Context, accountID, uniqueID string) (*Mail, error) {
	row := s.db.QueryRowContext(ctx, selectMail+
		` WHERE account_id = ? AND unique_id = ? AND unique_id <> '';`,
		accountID, uniqueID)
	return scanMail(row)
}

func (s *SQLite) FindMailByFingerprint(ctx context.Context, accountID, from, to, subject string, date time.Time) (*Mail, error) {
	row := s.db.QueryRowContext(ctx, selectMail+
		` WHERE account_id = ? AND from_addr = ? AND to_addr = ? AND subject = ? AND date = ?;`,
		accountID, from, to, subject, date.Unix())
	return scanMail(row)
}

func (s *SQLite) GetMail(ctx context.Context, id string) (*Mail, error) {
	row := s.db.QueryRowContext(ctx, selectMail+` WHERE id = ?;`, id)
	return scanMail(row)
}

func (s *SQLite) SaveMail(ctx context.Context, mail *Mail) (string, error) {
	if err := mail.Validate(); err != nil {
		return "", err
	}
	if mail.ID == "" {
		mail.ID = uuid.NewString()
	}
	attachments, err := json.Marshal(mail.AttachmentBlobIDs)
	if err != nil {
		return "", fmt.Errorf("marshal attachment ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO mails
        (id, account_id, unique_id, from_addr, to_addr, subject, date, is_multipart,
         text_body, html_body, raw_blob_id, attachment_blob_ids, seen, deleted, folder)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		mail.ID,
		mail.AccountID,
		mail.UniqueID,
		mail.From,
		mail.To,
		mail.Subject,
		mail.Date.Unix(),
		mail.IsMultipart,
		mail.Text,
		mail.HTML,
		mail.RawBlobID,
		string(attachments),
		mail.Seen,
		mail.Deleted,
		mail.Folder,
	)
	if err != nil {
		return "", fmt.Errorf("save mail: %w", err)
	}
	return mail.ID, nil
}

const selectMail = `SELECT id, account_id, unique_id, from_addr, to_addr, subject, date,
    is_multipart, text_body, html_body, raw_blob_id, attachment_blob_ids, seen, deleted, folder
    FROM mails`

func scanMail(row *sql.Row) (*Mail, error) {
	var mail Mail
	var date int64
	var attachments string
	if err := row.Scan(
		&mail.ID,
		&mail.AccountID,
		&mail.UniqueID,
		&mail.From,
		&mail.To,
		&mail.Subject,
		&date,
		&mail.IsMultipart,
		&mail.Text,
		&mail.HTML,
		&mail.RawBlobID,
		&attachments,
		&mail.Seen,
		&mail.Deleted,
		&mail.Folder,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan mail: %w", err)
	}
	mail.Date = time.Unix(date, 0)
	if err := json.Unmarshal([]byte(attachments), &mail.AttachmentBlobIDs); err != nil {
		return nil, fmt.Errorf("unmarshal attachment ids: %w", err)
	}
	return &mail, nil
}

func (s *SQLite) InsertBlob(ctx context.Context, data []byte, filename, contentType string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO blobs
        (id, filename, content_type, data, size, created_at)
        VALUES (?, ?, ?, ?, ?, ?);`,
		id, filename, contentType, data, int64(len(data)), time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("insert blob: %w", err)
	}
	return id, nil
}

func (s *SQLite) GetBlob(ctx context.Context, id string) (*Blob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, filename, content_type, data, size, created_at
        FROM blobs WHERE id = ?;`, id)

	var blob Blob
	var createdAt int64
	if err := row.Scan(
		&blob.ID,
		&blob.Filename,
		&blob.ContentType,
		&blob.Data,
		&blob.Size,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get blob: %w", err)
	}
	blob.CreatedAt = time.Unix(createdAt, 0)
	return &blob, nil
}
