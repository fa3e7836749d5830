// Package mailbox exposes one provider-agnostic interface over the
// supported mailbox backends.
package mailbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Message is an inbound email as seen by the automation loop.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	MessageID string    `json:"message_id"`
	InReplyTo string    `json:"in_reply_to"`
	From      string    `json:"from"`
	FromName  string    `json:"from_name"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Date      time.Time `json:"date"`
}

// Email is an outbound message. HTML is optional; Body is always plain text.
type Email struct {
	To        string
	ToName    string
	Subject   string
	Body      string
	HTML      string
	ThreadID  string
	InReplyTo string
}

type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Adapter is implemented by every provider backend.
type Adapter interface {
	// ListUnread returns at most max unread inbox messages not sent by
	// the mailbox owner.
	ListUnread(ctx context.Context, max int) ([]Message, error)
	FetchMessage(ctx context.Context, id string) (*Message, error)
	MarkRead(ctx context.Context, id string) error
	Send(ctx context.Context, email Email) (SendResult, error)
	// Address is the mailbox owner's email address.
	Address() string
}

// ProviderNotConnectedError reports a missing or expired mailbox
// credential. It is never retried automatically.
type ProviderNotConnectedError struct {
	SenderID uint
	Provider string
	Reason   string
}

func (e *ProviderNotConnectedError) Error() string {
	return fmt.Sprintf("sender %d: %s mailbox not connected: %s", e.SenderID, e.Provider, e.Reason)
}

// AddressOf extracts the bare, lower-cased address from a header value
// such as `Ana Silva <ana@example.com>`.
func AddressOf(header string) string {
	if addr, err := mail.ParseAddress(header); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.Trim(strings.TrimSpace(header), "<>"))
}

// LocalPart returns the part of an address before '@'.
func LocalPart(address string) string {
	address = AddressOf(address)
	if i := strings.Index(address, "@"); i >= 0 {
		return address[:i]
	}
	return address
}

func isSelf(from, self string) bool {
	return self != "" && AddressOf(from) == strings.ToLower(self)
}
