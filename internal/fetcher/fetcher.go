// Package fetcher drives the mail fetch pipeline: it drains account ids
// from the queue, opens one POP3 session per account, downloads the
// messages the planner judges new, and persists them.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.io/infrasutra/mailfetch/internal/decompose"
	"github.io/infrasutra/mailfetch/internal/pop3"
	"github.io/infrasutra/mailfetch/internal/store"
)

const protocolPOP3 = "pop3"

// DialFunc opens a protocol session for an account. Host defaults to the
// address domain and port to the protocol default when the account leaves
// them unset.
type DialFunc func(account *store.Account) (pop3.Session, error)

// Dialer returns the wire DialFunc with the given timeouts.
func Dialer(dialTimeout, readTimeout time.Duration) DialFunc {
	return func(account *store.Account) (pop3.Session, error) {
		host := account.Host
		if host == "" {
			if _, domain, ok := strings.Cut(account.Address, "@"); ok {
				host = domain
			}
		}
		port := account.Port
		if port == 0 {
			port = 110
			if account.UseTLS {
				port = 995
			}
		}
		return pop3.Dial(net.JoinHostPort(host, strconv.Itoa(port)), pop3.Options{
			UseTLS:      account.UseTLS,
			DialTimeout: dialTimeout,
			Timeout:     readTimeout,
		})
	}
}

// Options tune a Worker.
type Options struct {
	Channel     string
	MaxMailSize int64
	LeaseTTL    time.Duration
	IdleWait    time.Duration
}

// Worker is the fetch orchestrator. One logical worker per process, fully
// sequential: one account at a time, one message at a time. All handles are
// explicit constructor dependencies.
type Worker struct {
	db     store.MetadataStore
	blobs  store.BlobStore
	queue  store.Queue
	leases store.Leaser
	dial   DialFunc
	logger *slog.Logger
	opts   Options
}

func New(db store.MetadataStore, blobs store.BlobStore, queue store.Queue, leases store.Leaser, dial DialFunc, logger *slog.Logger, opts Options) *Worker {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 10 * time.Minute
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = 5 * time.Second
	}
	return &Worker{
		db:     db,
		blobs:  blobs,
		queue:  queue,
		leases: leases,
		dial:   dial,
		logger: logger,
		opts:   opts,
	}
}

// Run executes drain passes until ctx is cancelled. Cancellation is
// observed between passes and between queue pops, never mid-account; an
// in-flight account fetch always completes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.Drain(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.opts.IdleWait):
		}
	}
}

// Drain pops account ids until the queue reports empty. Per-account
// failures are logged and do not stop the pass. In-pass work runs on a
// detached context: cancellation of ctx is a clean stop observed only
// between pops, an in-flight account fetch always completes, and entries
// not reached stay queued for the next start. Ids whose lease is held by
// another worker are pushed back only after the pass ends, so one pass
// never spins on the same entry.
func (w *Worker) Drain(ctx context.Context) error {
	work := context.WithoutCancel(ctx)
	var deferred []string
	for ctx.Err() == nil {
		accountID, ok, err := w.queue.Pop(work, w.opts.Channel)
		if err != nil {
			return fmt.Errorf("queue pop: %w", err)
		}
		if !ok {
			break
		}
		if w.processAccount(work, accountID) {
			deferred = append(deferred, accountID)
		}
	}
	for _, accountID := range deferred {
		if err := w.queue.Push(work, w.opts.Channel, accountID); err != nil {
			w.logger.Error("requeue account", "account", accountID, "error", err)
		}
	}
	return nil
}

// processAccount fetches one account. It reports whether the id should be
// requeued because another worker currently holds the account's lease.
func (w *Worker) processAccount(ctx context.Context, accountID string) (requeue bool) {
	account, err := w.db.GetAccount(ctx, accountID)
	if err != nil {
		w.logger.Error("load account", "account", accountID, "error", err)
		return false
	}
	if account == nil {
		return false
	}
	if account.Protocol != protocolPOP3 {
		w.logger.Warn("protocol not supported", "account", accountID, "protocol", account.Protocol)
		return false
	}

	lease := "fetch:account:" + accountID
	acquired, err := w.leases.Acquire(ctx, lease, w.opts.LeaseTTL)
	if err != nil {
		w.logger.Error("acquire lease", "account", accountID, "error", err)
		return false
	}
	if !acquired {
		// Another worker holds this account. Requeue so the request is
		// served rather than dropped; its pass will be a dedup no-op if
		// nothing new arrived in between.
		w.logger.Info("account locked by another worker, requeueing", "account", accountID)
		return true
	}
	defer func() {
		if err := w.leases.Release(ctx, lease); err != nil {
			w.logger.Error("release lease", "account", accountID, "error", err)
		}
	}()

	if err := w.fetchAccount(ctx, account); err != nil {
		// Timestamp untouched: the next drain pass retries this account.
		w.logger.Error("fetch aborted", "account", accountID, "error", err)
		return false
	}
	if err := w.db.TouchAccountFetched(ctx, accountID, time.Now()); err != nil {
		w.logger.Error("update last fetch", "account", accountID, "error", err)
	}
	return false
}

// fetchAccount runs one full session against the account's mailbox. Any
// returned error means the pass did not complete cleanly.
func (w *Worker) fetchAccount(ctx context.Context, account *store.Account) error {
	sess, err := w.dial(account)
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if !closed {
			_ = sess.Quit()
		}
	}()

	username := account.Address
	if user, _, ok := strings.Cut(account.Address, "@"); ok {
		username = user
	}
	if err := sess.Auth(username, account.Password); err != nil {
		if errors.Is(err, pop3.ErrAuthFailed) {
			closed = true // the authenticator closed the session
		}
		return err
	}

	listings, err := sess.List()
	if err != nil {
		return err
	}

	p := newPlanner(sess, w.db, account.ID, w.opts.MaxMailSize, w.logger)
	for _, listing := range listings {
		if err := w.processListing(ctx, account, sess, p, listing); err != nil {
			return err
		}
	}

	closed = true
	if err := sess.Quit(); err != nil {
		w.logger.Warn("session close", "account", account.ID, "error", err)
	}
	return nil
}

// processListing handles one listed message end-to-end. Per-message
// problems (unparseable headers, storage write failures) are logged and
// swallowed so the rest of the mailbox is still fetched; only transport
// errors propagate.
func (w *Worker) processListing(ctx context.Context, account *store.Account, sess pop3.Session, p *planner, listing pop3.Listing) error {
	pl, err := p.plan(ctx, listing)
	if err != nil {
		return err
	}
	if pl.skip {
		if pl.duplicate && account.AutoDelete {
			if err := sess.Dele(listing.Seq); err != nil {
				w.logger.Warn("delete duplicate", "seq", listing.Seq, "error", err)
			}
		}
		return nil
	}

	raw := pl.raw
	if raw == nil {
		raw, err = sess.Retr(listing.Seq)
		if err != nil {
			return err
		}
	}
	env := pl.env
	if env == nil {
		env, err = parseEnvelope(raw)
		if err != nil {
			w.logger.Warn("skipping message with unparseable headers",
				"seq", listing.Seq, "error", err)
			return nil
		}
	}

	content, err := decompose.Message(raw)
	if err != nil {
		w.logger.Warn("skipping undecomposable message", "seq", listing.Seq, "error", err)
		return nil
	}

	rawBlobID, err := w.blobs.InsertBlob(ctx, raw, env.Subject, "message/rfc822")
	if err != nil {
		// Reattempted on the next fetch pass; dedup re-evaluates from scratch.
		w.logger.Error("store raw message", "seq", listing.Seq, "error", err)
		return nil
	}
	attachmentIDs := make([]string, 0, len(content.Attachments))
	for _, part := range content.Attachments {
		id, err := w.blobs.InsertBlob(ctx, part.Data, part.Filename, part.ContentType)
		if err != nil {
			w.logger.Error("store attachment", "seq", listing.Seq,
				"filename", part.Filename, "error", err)
			return nil
		}
		attachmentIDs = append(attachmentIDs, id)
	}

	mail := &store.Mail{
		AccountID:         account.ID,
		UniqueID:          pl.uniqueID,
		From:              env.From,
		To:                env.To,
		Subject:           env.Subject,
		Date:              env.Date,
		IsMultipart:       content.IsMultipart,
		Text:              content.Text,
		HTML:              content.HTML,
		RawBlobID:         rawBlobID,
		AttachmentBlobIDs: attachmentIDs,
		Folder:            "INBOX",
	}
	if _, err := w.db.SaveMail(ctx, mail); err != nil {
		w.logger.Error("save mail", "seq", listing.Seq, "error", err)
		return nil
	}
	w.logger.Info("mail stored", "account", account.ID, "seq", listing.Seq,
		"from", env.From, "subject", env.Subject, "attachments", len(attachmentIDs))

	if account.AutoDelete {
		if err := sess.Dele(listing.Seq); err != nil {
			w.logger.Warn("delete fetched", "seq", listing.Seq, "error", err)
		}
	}
	return nil
}
