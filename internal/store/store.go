package store

import (
	"context"
	"time"
)

// MetadataStore is the mail/account metadata capability consumed by the
// fetch worker. The web front end shares it but lives elsewhere.
type MetadataStore interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	CreateAccount(ctx context.Context, account *Account) (string, error)
	// TouchAccountFetched records a successful fetch pass.
	TouchAccountFetched(ctx context.Context, id string, at time.Time) error

	// FindMailByUniqueID and FindMailByFingerprint return (nil, nil) when no
	// matching record exists.
	FindMailByUniqueID(ctx context.Context, accountID, uniqueID string) (*Mail, error)
	FindMailByFingerprint(ctx context.Context, accountID, from, to, subject string, date time.Time) (*Mail, error)
	GetMail(ctx context.Context, id string) (*Mail, error)
	// SaveMail rejects records that fail Validate. Hard precondition, not a
	// soft default.
	SaveMail(ctx context.Context, mail *Mail) (string, error)
}

// BlobStore holds raw messages and attachments. Write-once: no update or
// delete.
type BlobStore interface {
	InsertBlob(ctx context.Context, data []byte, filename, contentType string) (string, error)
	GetBlob(ctx context.Context, id string) (*Blob, error)
}

// Queue is a strict-FIFO queue keyed by channel name. Pop must be atomic
// across worker processes; an empty queue is signalled by ok=false, not an
// error.
type Queue interface {
	Push(ctx context.Context, channel, payload string) error
	Pop(ctx context.Context, channel string) (payload string, ok bool, err error)
}

// Leaser hands out named mutual-exclusion leases so two workers never fetch
// the same account concurrently. Leases expire after ttl in case the holder
// dies without releasing.
type Leaser interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}
