package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// IMAPConfig carries decrypted credentials for the IMAP/SMTP backend.
type IMAPConfig struct {
	Address  string
	FromName string

	IMAPHost       string
	IMAPPort       int
	IMAPUsername   string
	IMAPPassword   string
	IMAPEncryption string
	IMAPMailbox    string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
}

// IMAPAdapter reads through IMAP and sends through SMTP. Message ids are
// IMAP UIDs.
type IMAPAdapter struct {
	cfg    IMAPConfig
	dialer gomailSender
	log    *logrus.Entry
}

func NewIMAPAdapter(cfg IMAPConfig, log *logrus.Entry) *IMAPAdapter {
	dialer := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
	dialer.TLSConfig = &tls.Config{ServerName: cfg.SMTPHost}
	return &IMAPAdapter{cfg: cfg, dialer: dialer, log: log}
}

func (a *IMAPAdapter) Address() string { return a.cfg.Address }

func (a *IMAPAdapter) connect(ctx context.Context) (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", a.cfg.IMAPHost, a.cfg.IMAPPort)
	tlsConfig := &tls.Config{ServerName: a.cfg.IMAPHost}

	var c *client.Client
	var err error
	switch strings.ToUpper(a.cfg.IMAPEncryption) {
	case "SSL", "TLS", "":
		c, err = client.DialTLS(addr, tlsConfig)
	case "STARTTLS":
		c, err = client.Dial(addr)
		if err == nil {
			err = c.StartTLS(tlsConfig)
		}
	default:
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.Timeout = time.Until(deadline)
	}

	if err := c.Login(a.cfg.IMAPUsername, a.cfg.IMAPPassword); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := a.cfg.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := c.Select(mailbox, false); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to select mailbox: %w", err)
	}
	return c, nil
}

func (a *IMAPAdapter) ListUnread(ctx context.Context, max int) ([]Message, error) {
	c, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	if max > 0 && len(uids) > max {
		uids = uids[:max]
	}

	messages, err := a.fetch(c, uids...)
	if err != nil {
		return nil, err
	}
	out := messages[:0]
	for _, m := range messages {
		if !isSelf(m.From, a.cfg.Address) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (a *IMAPAdapter) FetchMessage(ctx context.Context, id string) (*Message, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid IMAP uid %q: %w", id, err)
	}
	c, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	messages, err := a.fetch(c, uint32(uid))
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("IMAP message %s not found", id)
	}
	return &messages[0], nil
}

func (a *IMAPAdapter) fetch(c *client.Client, uids ...uint32) ([]Message, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, ch)
	}()

	var messages []Message
	for msg := range ch {
		m, err := parseIMAPMessage(msg)
		if err != nil {
			a.log.WithError(err).WithField("uid", msg.Uid).Warn("Failed to parse IMAP message")
			continue
		}
		messages = append(messages, m)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("error during fetch: %w", err)
	}
	return messages, nil
}

func parseIMAPMessage(msg *imap.Message) (Message, error) {
	m := Message{ID: strconv.FormatUint(uint64(msg.Uid), 10)}
	if env := msg.Envelope; env != nil {
		m.Subject = env.Subject
		m.Date = env.Date
		m.MessageID = env.MessageId
		m.InReplyTo = env.InReplyTo
		if len(env.From) > 0 {
			m.From = strings.ToLower(env.From[0].Address())
			m.FromName = env.From[0].PersonalName
		}
		m.To = formatAddress(env.To)
	}

	var literal imap.Literal
	for _, l := range msg.Body {
		literal = l
		break
	}
	var references []string
	if literal != nil {
		mr, err := mail.CreateReader(literal)
		if err != nil {
			return m, fmt.Errorf("failed to create message reader: %w", err)
		}
		references, _ = mr.Header.MsgIDList("References")
		var html string
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			} else if err != nil {
				return m, fmt.Errorf("failed to read next part: %w", err)
			}
			h, ok := p.Header.(*mail.InlineHeader)
			if !ok {
				continue
			}
			contentType, _, _ := h.ContentType()
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return m, fmt.Errorf("failed to read body: %w", err)
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && m.Body == "":
				m.Body = strings.TrimSpace(string(b))
			case strings.HasPrefix(contentType, "text/html") && html == "":
				html = string(b)
			}
		}
		if m.Body == "" {
			m.Body = StripHTML(html)
		}
	}
	m.ThreadID = threadID(references, m.InReplyTo, m.MessageID)
	return m, nil
}

// threadID picks the conversation root: the first referenced id, then the
// parent, then the message itself.
func threadID(references []string, inReplyTo, messageID string) string {
	if len(references) > 0 && references[0] != "" {
		return "<" + strings.Trim(references[0], "<>") + ">"
	}
	if inReplyTo != "" {
		return inReplyTo
	}
	return messageID
}

func formatAddress(addrs []*imap.Address) string {
	var result []string
	for _, addr := range addrs {
		if addr.PersonalName != "" {
			result = append(result, fmt.Sprintf("%s <%s>", addr.PersonalName, addr.Address()))
		} else {
			result = append(result, addr.Address())
		}
	}
	return strings.Join(result, ", ")
}

func (a *IMAPAdapter) MarkRead(ctx context.Context, id string) error {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid IMAP uid %q: %w", id, err)
	}
	c, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Logout()

	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqset, item, []interface{}{imap.SeenFlag}, nil); err != nil {
		return fmt.Errorf("failed to flag message %s seen: %w", id, err)
	}
	return nil
}

func (a *IMAPAdapter) Send(ctx context.Context, email Email) (SendResult, error) {
	messageID := NewMessageID(a.cfg.Address)
	m := buildMessage(a.cfg.Address, a.cfg.FromName, messageID, email)
	if err := sendWithRetry(ctx, a.dialer, m, quadraticBackoff); err != nil {
		return SendResult{Error: err.Error()}, err
	}
	thread := email.ThreadID
	if thread == "" {
		thread = messageID
	}
	return SendResult{Success: true, MessageID: messageID, ThreadID: thread}, nil
}
