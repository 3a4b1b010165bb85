// Package pop3 implements the client side of the POP3 protocol (RFC 1939)
// as used by the fetch worker: connect, authenticate with APOP/USER+PASS
// fallback, list, fetch and delete messages.
//
// Servers vary in which optional commands they accept. UIDL and TOP
// rejections are reported as a typed "unsupported" result rather than an
// error; callers choose their fetch strategy from that.
package pop3

import (
	"crypto/md5"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrAuthFailed means the server rejected both APOP and USER/PASS. The
// session is already closed when this is returned.
var ErrAuthFailed = errors.New("pop3: authentication failed")

// Listing is one LIST response entry: a message visible in the mailbox.
type Listing struct {
	Seq  int
	Size int64
}

// Session is the protocol surface the fetch pipeline consumes. *Client is
// the wire implementation; tests substitute fakes.
type Session interface {
	Auth(username, password string) error
	List() ([]Listing, error)
	UniqueID(seq int) (id string, ok bool, err error)
	Top(seq int) (header []byte, ok bool, err error)
	Retr(seq int) ([]byte, error)
	Dele(seq int) error
	Quit() error
}

// Options control dialing and per-command deadlines.
type Options struct {
	UseTLS      bool
	TLSConfig   *tls.Config
	DialTimeout time.Duration
	Timeout     time.Duration // read/write deadline per command exchange
}

// Client is a live POP3 session over a TCP (optionally TLS) stream.
type Client struct {
	conn    net.Conn
	text    *textproto.Conn
	timeout time.Duration
	banner  string // APOP timestamp banner from the greeting, if any
	closed  bool
}

// protoErr is a server -ERR status: the command was understood and refused
// at the protocol level. Distinct from transport failures.
type protoErr struct {
	msg string
}

func (e *protoErr) Error() string {
	return "pop3: server said: " + e.msg
}

func isProtoErr(err error) bool {
	var pe *protoErr
	return errors.As(err, &pe)
}

var bannerPattern = regexp.MustCompile(`<[^>]+>`)

// Dial connects to addr, performs the TLS handshake when requested, and
// reads the server greeting.
func Dial(addr string, opts Options) (*Client, error) {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("pop3: dial %s: %w", addr, err)
	}
	if opts.UseTLS {
		cfg := opts.TLSConfig
		if cfg == nil {
			host, _, splitErr := net.SplitHostPort(addr)
			if splitErr != nil {
				host = addr
			}
			cfg = &tls.Config{ServerName: host}
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.SetDeadline(time.Now().Add(dialTimeout)); err == nil {
			if err := tlsConn.Handshake(); err != nil {
				conn.Close()
				return nil, fmt.Errorf("pop3: tls handshake %s: %w", addr, err)
			}
			_ = tlsConn.SetDeadline(time.Time{})
		}
		conn = tlsConn
	}

	c := &Client{
		conn:    conn,
		text:    textproto.NewConn(conn),
		timeout: opts.Timeout,
	}
	greeting, err := c.readStatus()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("pop3: greeting: %w", err)
	}
	c.banner = bannerPattern.FindString(greeting)
	return c, nil
}

func (c *Client) deadline() {
	if c.timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	}
}

// readStatus reads one status line and strips the +OK prefix. A -ERR line
// becomes a protoErr.
func (c *Client) readStatus() (string, error) {
	line, err := c.text.ReadLine()
	if err != nil {
		return "", err
	}
	switch {
	case strings.HasPrefix(line, "+OK"):
		return strings.TrimSpace(strings.TrimPrefix(line, "+OK")), nil
	case strings.HasPrefix(line, "-ERR"):
		return "", &protoErr{msg: strings.TrimSpace(strings.TrimPrefix(line, "-ERR"))}
	default:
		return "", fmt.Errorf("malformed status line %q", line)
	}
}

func (c *Client) cmd(format string, args ...any) (string, error) {
	c.deadline()
	if err := c.text.PrintfLine(format, args...); err != nil {
		return "", err
	}
	return c.readStatus()
}

// Auth authenticates the session. When the greeting carried an APOP
// timestamp banner the digest exchange is tried first so the plaintext
// password stays off the wire; many servers reject APOP, in which case the
// two-step USER/PASS exchange runs. Rejection of both closes the session
// and returns ErrAuthFailed.
func (c *Client) Auth(username, password string) error {
	if c.banner != "" {
		digest := md5.Sum([]byte(c.banner + password))
		_, err := c.cmd("APOP %s %x", username, digest)
		if err == nil {
			return nil
		}
		if !isProtoErr(err) {
			return fmt.Errorf("pop3: apop: %w", err)
		}
	}

	if _, err := c.cmd("USER %s", username); err != nil {
		return c.authFailed(err)
	}
	if _, err := c.cmd("PASS %s", password); err != nil {
		return c.authFailed(err)
	}
	return nil
}

func (c *Client) authFailed(err error) error {
	if !isProtoErr(err) {
		return fmt.Errorf("pop3: auth: %w", err)
	}
	_ = c.Quit()
	return ErrAuthFailed
}

// List returns one entry per message, in server order.
func (c *Client) List() ([]Listing, error) {
	if _, err := c.cmd("LIST"); err != nil {
		return nil, fmt.Errorf("pop3: list: %w", err)
	}
	lines, err := c.text.ReadDotLines()
	if err != nil {
		return nil, fmt.Errorf("pop3: list: %w", err)
	}
	listings := make([]Listing, 0, len(lines))
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("pop3: list: malformed entry %q", line)
		}
		seq, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("pop3: list: malformed entry %q: %w", line, err)
		}
		size, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("pop3: list: malformed entry %q: %w", line, err)
		}
		listings = append(listings, Listing{Seq: seq, Size: size})
	}
	return listings, nil
}

// UniqueID returns the server-assigned stable id for seq. ok=false means
// the server does not support UIDL; that is capability variance, not an
// error.
func (c *Client) UniqueID(seq int) (string, bool, error) {
	resp, err := c.cmd("UIDL %d", seq)
	if err != nil {
		if isProtoErr(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("pop3: uidl: %w", err)
	}
	fields := strings.Fields(resp)
	if len(fields) == 0 {
		return "", true, nil
	}
	return fields[len(fields)-1], true, nil
}

// Top fetches only the header lines of seq (TOP n 0). ok=false means the
// server rejects TOP.
func (c *Client) Top(seq int) ([]byte, bool, error) {
	if _, err := c.cmd("TOP %d 0", seq); err != nil {
		if isProtoErr(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("pop3: top: %w", err)
	}
	c.deadline()
	body, err := c.text.ReadDotBytes()
	if err != nil {
		return nil, false, fmt.Errorf("pop3: top: %w", err)
	}
	return body, true, nil
}

// Retr downloads the complete message.
func (c *Client) Retr(seq int) ([]byte, error) {
	if _, err := c.cmd("RETR %d", seq); err != nil {
		return nil, fmt.Errorf("pop3: retr: %w", err)
	}
	c.deadline()
	body, err := c.text.ReadDotBytes()
	if err != nil {
		return nil, fmt.Errorf("pop3: retr: %w", err)
	}
	return body, nil
}

// Dele marks seq for deletion; the server expunges on QUIT.
func (c *Client) Dele(seq int) error {
	if _, err := c.cmd("DELE %d", seq); err != nil {
		return fmt.Errorf("pop3: dele: %w", err)
	}
	return nil
}

// Quit ends the session, committing deletions and releasing the mailbox
// lock. Safe to call once per session on any exit path.
func (c *Client) Quit() error {
	if c.closed {
		return nil
	}
	c.closed = true
	_, err := c.cmd("QUIT")
	closeErr := c.conn.Close()
	if err != nil {
		return fmt.Errorf("pop3: quit: %w", err)
	}
	return closeErr
}
