package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

const (
	maxBodyBytes = 32 * 1024
	maxRawBytes  = 5 * 1024 * 1024
)

// Summary is the metadata line for one message, used by list results.
type Summary struct {
	UID     uint32    `json:"uid"`
	Date    time.Time `json:"date"`
	From    string    `json:"from"`
	To      []string  `json:"to,omitempty"`
	Subject string    `json:"subject"`
	Flags   []string  `json:"flags,omitempty"`
}

// Message is a fully fetched message with its text body extracted
// from the MIME structure.
type Message struct {
	Summary
	MessageID string `json:"message_id,omitempty"`
	TextBody  string `json:"text_body,omitempty"`
	HTMLBody  string `json:"html_body,omitempty"`
}

// client wraps go-imap/v2 with lazy connection and mutex-serialized
// access. All methods are goroutine-safe.
type client struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	imap *imapclient.Client
}

func newClient(cfg Config, logger *slog.Logger) *client {
	return &client{cfg: cfg, logger: logger}
}

// connectLocked dials and authenticates. Caller holds c.mu.
func (c *client) connectLocked() error {
	if c.imap != nil {
		_ = c.imap.Close()
		c.imap = nil
	}

	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	var opts imapclient.Options
	if c.cfg.TLS {
		opts.TLSConfig = &tls.Config{ServerName: c.cfg.Host}
	}

	var conn *imapclient.Client
	var err error
	if c.cfg.TLS {
		conn, err = imapclient.DialTLS(addr, &opts)
	} else {
		conn, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		return fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if err := conn.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("login as %s: %w", c.cfg.Username, err)
	}

	c.imap = conn
	c.logger.Info("IMAP connected", "host", c.cfg.Host, "user", c.cfg.Username)
	return nil
}

// ensureLocked reconnects when the connection is missing or stale.
// Caller holds c.mu.
func (c *client) ensureLocked() error {
	if c.imap != nil {
		if err := c.imap.Noop().Wait(); err == nil {
			return nil
		}
		c.logger.Debug("IMAP connection stale, reconnecting", "host", c.cfg.Host)
	}
	return c.connectLocked()
}

func (c *client) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.imap == nil {
		return nil
	}
	err := c.imap.Close()
	c.imap = nil
	return err
}

func (c *client) selectFolder(folder string) (string, error) {
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := c.imap.Select(folder, nil).Wait(); err != nil {
		return "", fmt.Errorf("select %s: %w", folder, err)
	}
	return folder, nil
}

// list returns up to limit messages from the folder, newest first.
func (c *client) list(ctx context.Context, folder string, limit int, unseenOnly bool) ([]Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLocked(); err != nil {
		return nil, err
	}
	folder, err := c.selectFolder(folder)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	criteria := &imap.SearchCriteria{}
	if unseenOnly {
		criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
	}
	searchData, err := c.imap.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", folder, err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	// Highest UIDs are newest.
	if len(uids) > limit {
		uids = uids[len(uids)-limit:]
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	fetchCmd := c.imap.Fetch(uidSet, &imap.FetchOptions{
		UID:      true,
		Envelope: true,
		Flags:    true,
	})

	var out []Summary
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		s, err := parseSummary(msg)
		if err != nil {
			c.logger.Debug("skipping message", "error", err)
			continue
		}
		out = append(out, s)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}

	// Newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// read fetches one message by UID and extracts its text body.
func (c *client) read(ctx context.Context, folder string, uid uint32) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLocked(); err != nil {
		return nil, err
	}
	folder, err := c.selectFolder(folder)
	if err != nil {
		return nil, err
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))

	fetchCmd := c.imap.Fetch(uidSet, &imap.FetchOptions{
		UID:      true,
		Envelope: true,
		Flags:    true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: false}, // reading marks \Seen
		},
	})

	msg := fetchCmd.Next()
	if msg == nil {
		_ = fetchCmd.Close()
		return nil, fmt.Errorf("message UID %d not found in %s", uid, folder)
	}

	result := &Message{}
	var rawBody []byte

	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			result.UID = uint32(data.UID)
		case imapclient.FetchItemDataFlags:
			for _, f := range data.Flags {
				result.Flags = append(result.Flags, string(f))
			}
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				result.Date = data.Envelope.Date
				result.Subject = data.Envelope.Subject
				result.MessageID = data.Envelope.MessageID
				if len(data.Envelope.From) > 0 {
					result.From = formatAddress(data.Envelope.From[0])
				}
				for _, addr := range data.Envelope.To {
					result.To = append(result.To, formatAddress(addr))
				}
			}
		case imapclient.FetchItemDataBodySection:
			// The literal streams off the IMAP connection; it must be
			// consumed before advancing or the body is lost.
			if data.Literal == nil {
				continue
			}
			b, readErr := io.ReadAll(io.LimitReader(data.Literal, maxRawBytes))
			_, _ = io.Copy(io.Discard, data.Literal)
			if readErr != nil {
				c.logger.Debug("error reading body literal", "uid", uid, "error", readErr)
				continue
			}
			rawBody = b
		}
	}

	if rawBody != nil {
		if err := parseBody(result, bytes.NewReader(rawBody)); err != nil {
			c.logger.Debug("body parse error", "uid", uid, "error", err)
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch message UID %d: %w", uid, err)
	}
	return result, nil
}

func parseSummary(msg *imapclient.FetchMessageData) (Summary, error) {
	var s Summary
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			s.UID = uint32(data.UID)
		case imapclient.FetchItemDataFlags:
			for _, f := range data.Flags {
				s.Flags = append(s.Flags, string(f))
			}
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				s.Date = data.Envelope.Date
				s.Subject = data.Envelope.Subject
				if len(data.Envelope.From) > 0 {
					s.From = formatAddress(data.Envelope.From[0])
				}
				for _, addr := range data.Envelope.To {
					s.To = append(s.To, formatAddress(addr))
				}
			}
		case imapclient.FetchItemDataBodySection:
			if data.Literal != nil {
				_, _ = io.Copy(io.Discard, data.Literal)
			}
		}
	}
	if s.UID == 0 {
		return s, fmt.Errorf("message missing UID")
	}
	return s, nil
}

// parseBody walks the MIME structure for text parts. go-message may
// return both a usable reader and an unknown-charset error; those are
// non-fatal.
func parseBody(msg *Message, r io.Reader) error {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		return fmt.Errorf("create mail reader: %w", err)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue // skip attachments
		}
		contentType, _, _ := h.ContentType()

		switch {
		case contentType == "text/plain" && msg.TextBody == "":
			msg.TextBody = readTextPart(part.Body)
		case contentType == "text/html" && msg.HTMLBody == "":
			msg.HTMLBody = readTextPart(part.Body)
		}
	}
	return nil
}

func readTextPart(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		return ""
	}
	text := string(body)
	if len(body) > maxBodyBytes {
		text = text[:maxBodyBytes] + "\n\n[truncated]"
	}
	return strings.TrimSpace(text)
}

func formatAddress(addr imap.Address) string {
	email := addr.Addr()
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, email)
	}
	return email
}
