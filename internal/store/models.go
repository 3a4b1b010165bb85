package store

import (
	"errors"
	"time"
)

// Account is a remote mailbox owned by a user. The fetch worker only ever
// touches LastFetchAt; everything else belongs to account management.
type Account struct {
	ID          string
	UserID      string
	Address     string
	Password    string
	Host        string // empty means "use the address domain"
	Port        int    // 0 means protocol default
	Protocol    string // "pop3"
	UseTLS      bool
	AutoDelete  bool
	LastFetchAt time.Time
}

// Mail is one fetched message. Created exactly once per distinct remote
// message; Seen/Deleted are flipped later by the front end.
type Mail struct {
	ID                string
	AccountID         string
	UniqueID          string // server-assigned dedup key, may be empty
	From              string
	To                string
	Subject           string
	Date              time.Time
	IsMultipart       bool
	Text              string
	HTML              string
	RawBlobID         string
	AttachmentBlobIDs []string
	Seen              bool
	Deleted           bool
	Folder            string
}

// Blob is an opaque write-once payload (raw message or attachment).
type Blob struct {
	ID          string
	Filename    string
	ContentType string
	Data        []byte
	Size        int64
	CreatedAt   time.Time
}

// ErrInvalidMail is returned by SaveMail for records missing required fields.
var ErrInvalidMail = errors.New("mail record missing required field")

// Validate reports whether the record carries every field SaveMail requires.
// Sender, recipient, subject and the dedup key may legitimately be empty on
// the wire; references, folder, timestamp and the attachment list may not.
func (m *Mail) Validate() error {
	switch {
	case m.AccountID == "",
		m.RawBlobID == "",
		m.Folder == "",
		m.Date.IsZero(),
		m.AttachmentBlobIDs == nil:
		return ErrInvalidMail
	}
	return nil
}
