package fetcher

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/mailfetch/internal/pop3"
	"github.io/infrasutra/mailfetch/internal/store"
)

const testChannel = "mail_accounts:fetch_mails"

type fakeMessage struct {
	uid string
	raw string
}

// fakeSession is a scripted mailbox. Capabilities are toggled per test to
// drive the planner down each fetch-cost path.
type fakeSession struct {
	msgs      []fakeMessage
	uidl      bool
	top       bool
	retrs     map[int]int
	uidlCalls int
	topCalls  int
	deles     []int
	quits     int
}

func (f *fakeSession) Auth(username, password string) error { return nil }

func (f *fakeSession) List() ([]pop3.Listing, error) {
	listings := make([]pop3.Listing, len(f.msgs))
	for i, msg := range f.msgs {
		listings[i] = pop3.Listing{Seq: i + 1, Size: int64(len(msg.raw))}
	}
	return listings, nil
}

func (f *fakeSession) UniqueID(seq int) (string, bool, error) {
	f.uidlCalls++
	if !f.uidl {
		return "", false, nil
	}
	return f.msgs[seq-1].uid, true, nil
}

func (f *fakeSession) Top(seq int) ([]byte, bool, error) {
	f.topCalls++
	if !f.top {
		return nil, false, nil
	}
	raw := f.msgs[seq-1].raw
	headers, _, _ := strings.Cut(raw, "\r\n\r\n")
	return []byte(headers + "\r\n\r\n"), true, nil
}

func (f *fakeSession) Retr(seq int) ([]byte, error) {
	if f.retrs == nil {
		f.retrs = map[int]int{}
	}
	f.retrs[seq]++
	return []byte(f.msgs[seq-1].raw), nil
}

func (f *fakeSession) Dele(seq int) error {
	f.deles = append(f.deles, seq)
	return nil
}

func (f *fakeSession) Quit() error {
	f.quits++
	return nil
}

// countingMeta counts successful SaveMail calls.
type countingMeta struct {
	store.MetadataStore
	saves int
}

func (c *countingMeta) SaveMail(ctx context.Context, mail *store.Mail) (string, error) {
	id, err := c.MetadataStore.SaveMail(ctx, mail)
	if err == nil {
		c.saves++
	}
	return id, err
}

// countingBlobs counts blob inserts.
type countingBlobs struct {
	store.BlobStore
	inserts int
}

func (c *countingBlobs) InsertBlob(ctx context.Context, data []byte, filename, contentType string) (string, error) {
	id, err := c.BlobStore.InsertBlob(ctx, data, filename, contentType)
	if err == nil {
		c.inserts++
	}
	return id, err
}

func message(from, subject, date, body string) string {
	return "From: " + from + "\r\n" +
		"To: alice@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: " + date + "\r\n" +
		"\r\n" +
		body + "\r\n"
}

type fixture struct {
	sqlite  *store.SQLite
	meta    *countingMeta
	blobs   *countingBlobs
	worker  *Worker
	account *store.Account
}

func newFixture(t *testing.T, sess pop3.Session, maxSize int64) *fixture {
	t.Helper()
	ctx := context.Background()
	sqlite, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	require.NoError(t, sqlite.EnsureSchema(ctx))

	account := &store.Account{
		UserID:   "user-1",
		Address:  "alice@example.com",
		Password: "secret",
		Protocol: "pop3",
	}
	_, err = sqlite.CreateAccount(ctx, account)
	require.NoError(t, err)

	meta := &countingMeta{MetadataStore: sqlite}
	blobs := &countingBlobs{BlobStore: sqlite}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dial := func(*store.Account) (pop3.Session, error) { return sess, nil }

	worker := New(meta, blobs, sqlite, sqlite, dial, logger, Options{
		Channel:     testChannel,
		MaxMailSize: maxSize,
	})
	return &fixture{sqlite: sqlite, meta: meta, blobs: blobs, worker: worker, account: account}
}

func (f *fixture) pass(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.sqlite.Push(ctx, testChannel, f.account.ID))
	require.NoError(t, f.worker.Drain(ctx))
}

const goodDate = "Mon, 02 Jan 2006 15:04:05 -0700"

func TestUniqueIDDedupIdempotence(t *testing.T) {
	sess := &fakeSession{
		uidl: true,
		msgs: []fakeMessage{
			{uid: "uid-a", raw: message("bob@example.net", "one", goodDate, "body one")},
			{uid: "uid-b", raw: message("bob@example.net", "two", goodDate, "body two")},
		},
	}
	f := newFixture(t, sess, 1<<20)

	f.pass(t)
	assert.Equal(t, 2, f.meta.saves)
	assert.Equal(t, 1, sess.retrs[1])
	assert.Equal(t, 1, sess.retrs[2])

	// A repeated pass over the same mailbox creates nothing new and
	// downloads nothing: the unique id alone settles it.
	f.pass(t)
	assert.Equal(t, 2, f.meta.saves)
	assert.Equal(t, 1, sess.retrs[1])
	assert.Equal(t, 1, sess.retrs[2])

	account, err := f.sqlite.GetAccount(context.Background(), f.account.ID)
	require.NoError(t, err)
	assert.False(t, account.LastFetchAt.IsZero(), "clean pass updates the last-fetch marker")
}

func TestHeaderFingerprintDedupIdempotence(t *testing.T) {
	sess := &fakeSession{
		uidl: false,
		top:  true,
		msgs: []fakeMessage{
			{raw: message("bob@example.net", "hello", goodDate, "body")},
		},
	}
	f := newFixture(t, sess, 1<<20)

	f.pass(t)
	assert.Equal(t, 1, f.meta.saves)
	assert.Equal(t, 1, sess.retrs[1])

	f.pass(t)
	assert.Equal(t, 1, f.meta.saves, "identical fingerprint must not re-insert")
	assert.Equal(t, 1, sess.retrs[1], "duplicate is settled from the header fetch alone")
}

func TestAlwaysFullFallbackSingleDownload(t *testing.T) {
	sess := &fakeSession{
		uidl: false,
		top:  false,
		msgs: []fakeMessage{
			{raw: message("bob@example.net", "hello", goodDate, "body")},
		},
	}
	f := newFixture(t, sess, 1<<20)

	f.pass(t)
	assert.Equal(t, 1, f.meta.saves)
	assert.Equal(t, 1, sess.retrs[1], "exactly one full fetch per listing")

	// UIDL is probed once per session, not per message.
	assert.Equal(t, 1, sess.uidlCalls)
	assert.Equal(t, 1, sess.topCalls)

	f.pass(t)
	assert.Equal(t, 1, f.meta.saves, "second pass deduplicates from the single download")
	assert.Equal(t, 2, sess.retrs[1])
}

func TestCapabilityProbedOncePerSession(t *testing.T) {
	sess := &fakeSession{
		uidl: false,
		top:  false,
		msgs: []fakeMessage{
			{raw: message("bob@example.net", "one", goodDate, "b1")},
			{raw: message("bob@example.net", "two", goodDate, "b2")},
			{raw: message("bob@example.net", "three", goodDate, "b3")},
		},
	}
	f := newFixture(t, sess, 1<<20)

	f.pass(t)
	assert.Equal(t, 3, f.meta.saves)
	assert.Equal(t, 1, sess.uidlCalls, "UIDL rejection must not be retried per message")
	assert.Equal(t, 1, sess.topCalls, "TOP rejection must not be retried per message")
}

func TestOversizeMessageSkipped(t *testing.T) {
	big := message("bob@example.net", "big", goodDate, strings.Repeat("x", 4096))
	small := message("bob@example.net", "small", goodDate, "tiny")
	sess := &fakeSession{
		uidl: true,
		msgs: []fakeMessage{
			{uid: "uid-big", raw: big},
			{uid: "uid-small", raw: small},
		},
	}
	f := newFixture(t, sess, 1024)

	f.pass(t)
	assert.Equal(t, 1, f.meta.saves, "only the small message is stored")
	assert.Equal(t, 1, f.blobs.inserts, "no blob write for the oversize listing")
	assert.Zero(t, sess.retrs[1], "oversize listing is never downloaded")

	got, err := f.sqlite.FindMailByUniqueID(context.Background(), f.account.ID, "uid-small")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "small", got.Subject)
}

func TestMalformedDateSkipsMessageOnly(t *testing.T) {
	sess := &fakeSession{
		uidl: false,
		top:  true,
		msgs: []fakeMessage{
			{raw: message("bob@example.net", "bad", "not a date at all", "b1")},
			{raw: message("bob@example.net", "good", goodDate, "b2")},
		},
	}
	f := newFixture(t, sess, 1<<20)

	f.pass(t)
	assert.Equal(t, 1, f.meta.saves, "the malformed message is skipped, the rest continues")

	account, err := f.sqlite.GetAccount(context.Background(), f.account.ID)
	require.NoError(t, err)
	assert.False(t, account.LastFetchAt.IsZero(), "the pass still completes cleanly")
}

func TestAutoDeleteIssuesDele(t *testing.T) {
	sess := &fakeSession{
		uidl: true,
		msgs: []fakeMessage{
			{uid: "uid-a", raw: message("bob@example.net", "one", goodDate, "body")},
		},
	}
	f := newFixture(t, sess, 1<<20)
	ctx := context.Background()

	auto := &store.Account{
		UserID:     "user-1",
		Address:    "auto@example.com",
		Password:   "secret",
		Protocol:   "pop3",
		AutoDelete: true,
	}
	_, err := f.sqlite.CreateAccount(ctx, auto)
	require.NoError(t, err)

	require.NoError(t, f.sqlite.Push(ctx, testChannel, auto.ID))
	require.NoError(t, f.worker.Drain(ctx))
	assert.Equal(t, []int{1}, sess.deles, "persisted message is deleted from the server")

	require.NoError(t, f.sqlite.Push(ctx, testChannel, auto.ID))
	require.NoError(t, f.worker.Drain(ctx))
	assert.Equal(t, []int{1, 1}, sess.deles, "a duplicate on an auto-delete account is deleted too")
}

func TestStoredMailShape(t *testing.T) {
	raw := "From: bob@example.net\r\n" +
		"To: alice@example.com\r\n" +
		"Subject: mixed\r\n" +
		"Date: " + goodDate + "\r\n" +
		"Content-Type: multipart/mixed; boundary=frontier\r\n" +
		"\r\n" +
		"--frontier\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"plain body\r\n" +
		"--frontier\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"\r\n" +
		"%PDF-fake\r\n" +
		"--frontier--\r\n"
	sess := &fakeSession{
		uidl: true,
		msgs: []fakeMessage{{uid: "uid-m", raw: raw}},
	}
	f := newFixture(t, sess, 1<<20)
	ctx := context.Background()

	f.pass(t)

	mail, err := f.sqlite.FindMailByUniqueID(ctx, f.account.ID, "uid-m")
	require.NoError(t, err)
	require.NotNil(t, mail)
	assert.Equal(t, "bob@example.net", mail.From)
	assert.Equal(t, "mixed", mail.Subject)
	assert.True(t, mail.IsMultipart)
	assert.Contains(t, mail.Text, "plain body")
	assert.Equal(t, "INBOX", mail.Folder)
	assert.False(t, mail.Seen)
	assert.False(t, mail.Deleted)
	require.Len(t, mail.AttachmentBlobIDs, 1)

	rawBlob, err := f.sqlite.GetBlob(ctx, mail.RawBlobID)
	require.NoError(t, err)
	require.NotNil(t, rawBlob)
	assert.Equal(t, "message/rfc822", rawBlob.ContentType)
	assert.Equal(t, "mixed", rawBlob.Filename, "raw blob is named after the subject")

	attachment, err := f.sqlite.GetBlob(ctx, mail.AttachmentBlobIDs[0])
	require.NoError(t, err)
	require.NotNil(t, attachment)
	assert.Equal(t, "report.pdf", attachment.Filename)
	assert.Contains(t, string(attachment.Data), "%PDF-fake")
}

func TestUnknownAccountSkippedSilently(t *testing.T) {
	sess := &fakeSession{}
	f := newFixture(t, sess, 1<<20)
	ctx := context.Background()

	require.NoError(t, f.sqlite.Push(ctx, testChannel, "no-such-account"))
	require.NoError(t, f.worker.Drain(ctx))
	assert.Zero(t, sess.quits, "no session is opened for a missing account")
}

func TestUnsupportedProtocolSkipped(t *testing.T) {
	sess := &fakeSession{}
	f := newFixture(t, sess, 1<<20)
	ctx := context.Background()

	imap := &store.Account{
		UserID:   "user-1",
		Address:  "other@example.com",
		Password: "secret",
		Protocol: "imap",
	}
	_, err := f.sqlite.CreateAccount(ctx, imap)
	require.NoError(t, err)

	require.NoError(t, f.sqlite.Push(ctx, testChannel, imap.ID))
	require.NoError(t, f.worker.Drain(ctx))
	assert.Zero(t, sess.quits, "no session is opened for an unsupported protocol")
	assert.Zero(t, f.meta.saves)
}

// interruptingSession simulates a shutdown signal arriving while the
// mailbox is being listed.
type interruptingSession struct {
	pop3.Session
	interrupt context.CancelFunc
}

func (s *interruptingSession) List() ([]pop3.Listing, error) {
	s.interrupt()
	return s.Session.List()
}

func TestShutdownMidAccountCompletesFetch(t *testing.T) {
	inner := &fakeSession{
		uidl: true,
		msgs: []fakeMessage{{uid: "uid-a", raw: message("bob@example.net", "one", goodDate, "body")}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, &interruptingSession{Session: inner, interrupt: cancel}, 1<<20)
	bg := context.Background()

	require.NoError(t, f.sqlite.Push(bg, testChannel, f.account.ID))
	require.NoError(t, f.sqlite.Push(bg, testChannel, f.account.ID))

	require.NoError(t, f.worker.Drain(ctx), "cancellation is a clean stop, not an error")
	assert.Equal(t, 1, f.meta.saves, "the in-flight account still completes and persists")
	assert.Equal(t, 1, inner.retrs[1])

	account, err := f.sqlite.GetAccount(bg, f.account.ID)
	require.NoError(t, err)
	assert.False(t, account.LastFetchAt.IsZero(), "the completed fetch counts as a clean pass")

	// Cancellation is observed before the next pop: the second entry
	// survives for the next start.
	payload, ok, err := f.sqlite.Pop(bg, testChannel)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, f.account.ID, payload)
}

func TestLeaseHeldRequeuesAfterPass(t *testing.T) {
	sess := &fakeSession{
		uidl: true,
		msgs: []fakeMessage{{uid: "uid-a", raw: message("bob@example.net", "one", goodDate, "body")}},
	}
	f := newFixture(t, sess, 1<<20)
	ctx := context.Background()

	held, err := f.sqlite.Acquire(ctx, "fetch:account:"+f.account.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, f.sqlite.Push(ctx, testChannel, f.account.ID))
	require.NoError(t, f.worker.Drain(ctx))
	assert.Zero(t, f.meta.saves, "locked account is not fetched")

	// The entry is back on the queue for the next pass.
	payload, ok, err := f.sqlite.Pop(ctx, testChannel)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, f.account.ID, payload)
}
