package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	netmail "net/mail"
	"time"

	"github.io/infrasutra/mailfetch/internal/decode"
	"github.io/infrasutra/mailfetch/internal/pop3"
	"github.io/infrasutra/mailfetch/internal/store"
)

// capState tracks whether the server accepts an optional command. Probed at
// most once per session: the policy is chosen per server, never per message.
type capState int

const (
	capUnknown capState = iota
	capSupported
	capUnsupported
)

// envelope is the dedup-relevant header set, decoded to UTF-8.
type envelope struct {
	From    string
	To      string
	Subject string
	Date    time.Time
}

// plan is the planner's verdict for one listing.
type plan struct {
	skip      bool
	duplicate bool      // skip because the message is already stored
	uniqueID  string    // non-empty when the server supports UIDL
	env       *envelope // set when headers were already parsed
	raw       []byte    // set when the full message was already downloaded
}

// planner decides, per listing, whether a message is new and how much of it
// must be downloaded. Cheapest: UIDL only. Medium: TOP, then RETR for new
// mail. Fallback: a single RETR serving both the existence check and the
// content.
type planner struct {
	sess      pop3.Session
	db        store.MetadataStore
	accountID string
	maxSize   int64
	uidl      capState
	top       capState
	logger    *slog.Logger
}

func newPlanner(sess pop3.Session, db store.MetadataStore, accountID string, maxSize int64, logger *slog.Logger) *planner {
	return &planner{
		sess:      sess,
		db:        db,
		accountID: accountID,
		maxSize:   maxSize,
		logger:    logger,
	}
}

func (p *planner) plan(ctx context.Context, listing pop3.Listing) (*plan, error) {
	if p.maxSize > 0 && listing.Size > p.maxSize {
		p.logger.Info("mail size too big, ignoring",
			"seq", listing.Seq, "size", listing.Size, "max", p.maxSize)
		return &plan{skip: true}, nil
	}

	if p.uidl != capUnsupported {
		id, ok, err := p.sess.UniqueID(listing.Seq)
		if err != nil {
			return nil, err
		}
		if !ok {
			p.uidl = capUnsupported
			p.logger.Info("server does not support UIDL")
		} else {
			p.uidl = capSupported
			if id != "" {
				existing, err := p.db.FindMailByUniqueID(ctx, p.accountID, id)
				if err != nil {
					return nil, fmt.Errorf("dedup lookup: %w", err)
				}
				if existing != nil {
					p.logger.Info("mail already exists", "seq", listing.Seq, "uniqueid", id)
					return &plan{skip: true, duplicate: true}, nil
				}
				return &plan{uniqueID: id}, nil
			}
		}
	}

	// No usable unique id: fall back to the header fingerprint.
	var headerBytes []byte
	var raw []byte
	if p.top != capUnsupported {
		header, ok, err := p.sess.Top(listing.Seq)
		if err != nil {
			return nil, err
		}
		if !ok {
			p.top = capUnsupported
			p.logger.Info("server does not support TOP")
		} else {
			p.top = capSupported
			headerBytes = header
		}
	}
	if headerBytes == nil {
		// TOP unsupported: one full download is authoritative for both the
		// existence check and the content.
		full, err := p.sess.Retr(listing.Seq)
		if err != nil {
			return nil, err
		}
		raw = full
		headerBytes = full
	}

	env, err := parseEnvelope(headerBytes)
	if err != nil {
		p.logger.Warn("skipping message with unparseable headers",
			"seq", listing.Seq, "error", err)
		return &plan{skip: true}, nil
	}

	existing, err := p.db.FindMailByFingerprint(ctx, p.accountID,
		env.From, env.To, env.Subject, env.Date)
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	if existing != nil {
		p.logger.Info("mail already exists", "seq", listing.Seq, "from", env.From)
		return &plan{skip: true, duplicate: true}, nil
	}
	return &plan{env: env, raw: raw}, nil
}

// parseEnvelope extracts and decodes the dedup-relevant headers. A Date
// that cannot be parsed fails the whole message; the caller skips it and
// continues with the next listing.
func parseEnvelope(b []byte) (*envelope, error) {
	msg, err := netmail.ReadMessage(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("parse headers: %w", err)
	}
	date, err := netmail.ParseDate(msg.Header.Get("Date"))
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", msg.Header.Get("Date"), err)
	}
	return &envelope{
		From:    decode.Header(msg.Header.Get("From")),
		To:      decode.Header(msg.Header.Get("To")),
		Subject: decode.Header(msg.Header.Get("Subject")),
		Date:    date,
	}, nil
}
