package mailbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/gmail/v1"
)

const gmailUser = "me"

// GmailAdapter talks to the Gmail REST API on behalf of one account.
type GmailAdapter struct {
	svc      *gmail.Service
	address  string
	fromName string
	log      *logrus.Entry
}

func NewGmailAdapter(svc *gmail.Service, address, fromName string, log *logrus.Entry) *GmailAdapter {
	return &GmailAdapter{svc: svc, address: address, fromName: fromName, log: log}
}

func (g *GmailAdapter) Address() string { return g.address }

func (g *GmailAdapter) ListUnread(ctx context.Context, max int) ([]Message, error) {
	resp, err := g.svc.Users.Messages.List(gmailUser).
		Q("is:unread in:inbox -from:me").
		MaxResults(int64(max)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("gmail list unread: %w", err)
	}

	messages := make([]Message, 0, len(resp.Messages))
	for _, ref := range resp.Messages {
		msg, err := g.FetchMessage(ctx, ref.Id)
		if err != nil {
			g.log.WithError(err).WithField("message_id", ref.Id).Warn("Skipping unreadable Gmail message")
			continue
		}
		if isSelf(msg.From, g.address) {
			continue
		}
		messages = append(messages, *msg)
	}
	return messages, nil
}

func (g *GmailAdapter) FetchMessage(ctx context.Context, id string) (*Message, error) {
	m, err := g.svc.Users.Messages.Get(gmailUser, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gmail get message %s: %w", id, err)
	}

	msg := &Message{ID: m.Id, ThreadID: m.ThreadId}
	if m.InternalDate > 0 {
		msg.Date = time.UnixMilli(m.InternalDate)
	}
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "from":
				msg.From = AddressOf(h.Value)
				msg.FromName = displayName(h.Value)
			case "to":
				msg.To = h.Value
			case "subject":
				msg.Subject = h.Value
			case "message-id":
				msg.MessageID = h.Value
			case "in-reply-to":
				msg.InReplyTo = h.Value
			}
		}
		msg.Body = gmailPlainText(m.Payload)
	}
	if msg.Body == "" {
		msg.Body = m.Snippet
	}
	return msg, nil
}

func (g *GmailAdapter) MarkRead(ctx context.Context, id string) error {
	_, err := g.svc.Users.Messages.Modify(gmailUser, id, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail mark read %s: %w", id, err)
	}
	return nil
}

func (g *GmailAdapter) Send(ctx context.Context, email Email) (SendResult, error) {
	messageID := NewMessageID(g.address)
	raw, err := rawMessage(buildMessage(g.address, g.fromName, messageID, email))
	if err != nil {
		return SendResult{Error: err.Error()}, err
	}

	sent, err := g.svc.Users.Messages.Send(gmailUser, &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: email.ThreadID,
	}).Context(ctx).Do()
	if err != nil {
		err = fmt.Errorf("gmail send: %w", err)
		return SendResult{Error: err.Error()}, err
	}
	return SendResult{Success: true, MessageID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// gmailPlainText walks the MIME tree and returns the first text/plain
// part, falling back to the first text/html part.
func gmailPlainText(part *gmail.MessagePart) string {
	var html string
	var walk func(p *gmail.MessagePart) string
	walk = func(p *gmail.MessagePart) string {
		if p == nil {
			return ""
		}
		if p.Body != nil && p.Body.Data != "" {
			switch {
			case strings.HasPrefix(p.MimeType, "text/plain"):
				return decodeBase64URL(p.Body.Data)
			case strings.HasPrefix(p.MimeType, "text/html") && html == "":
				html = decodeBase64URL(p.Body.Data)
			}
		}
		for _, child := range p.Parts {
			if text := walk(child); text != "" {
				return text
			}
		}
		return ""
	}
	if text := walk(part); text != "" {
		return text
	}
	return StripHTML(html)
}

func decodeBase64URL(data string) string {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(b)
}

func displayName(header string) string {
	if i := strings.Index(header, "<"); i > 0 {
		return strings.Trim(strings.TrimSpace(header[:i]), `"`)
	}
	return ""
}
