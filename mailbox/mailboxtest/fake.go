// Package mailboxtest provides an in-memory mailbox.Adapter for tests.
package mailboxtest

import (
	"context"
	"fmt"
	"sync"

	"replypilot/mailbox"
	"replypilot/models"
)

// Fake is a scripted mailbox. Unread messages are served from Inbox until
// marked read; sends are recorded in Sent.
type Fake struct {
	mu sync.Mutex

	Owner   string
	Inbox   []mailbox.Message
	Sent    []mailbox.Email
	read    map[string]bool
	ListErr error
	// SendErr, when set, decides per email whether the send fails.
	SendErr func(mailbox.Email) error
	counter int
}

func New(owner string, inbox ...mailbox.Message) *Fake {
	return &Fake{Owner: owner, Inbox: inbox, read: map[string]bool{}}
}

func (f *Fake) Address() string { return f.Owner }

func (f *Fake) ListUnread(ctx context.Context, max int) ([]mailbox.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	var out []mailbox.Message
	for _, m := range f.Inbox {
		if f.read[m.ID] || mailbox.AddressOf(m.From) == f.Owner {
			continue
		}
		out = append(out, m)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out, nil
}

func (f *Fake) FetchMessage(ctx context.Context, id string) (*mailbox.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.Inbox {
		if m.ID == id {
			cp := m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("message %s not found", id)
}

func (f *Fake) MarkRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read[id] = true
	return nil
}

// IsRead reports whether MarkRead was called for id.
func (f *Fake) IsRead(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read[id]
}

func (f *Fake) Send(ctx context.Context, email mailbox.Email) (mailbox.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		if err := f.SendErr(email); err != nil {
			return mailbox.SendResult{Error: err.Error()}, err
		}
	}
	f.counter++
	f.Sent = append(f.Sent, email)
	thread := email.ThreadID
	if thread == "" {
		thread = fmt.Sprintf("thread-%d", f.counter)
	}
	return mailbox.SendResult{Success: true, MessageID: fmt.Sprintf("msg-%d", f.counter), ThreadID: thread}, nil
}

// SentEmails returns a copy of every successful send.
func (f *Fake) SentEmails() []mailbox.Email {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mailbox.Email(nil), f.Sent...)
}

// Connector hands out fixed adapters by sender id.
type Connector struct {
	Adapters map[uint]mailbox.Adapter
}

func (c *Connector) Connect(ctx context.Context, sender *models.Sender) (mailbox.Adapter, error) {
	if a, ok := c.Adapters[sender.ID]; ok {
		return a, nil
	}
	return nil, &mailbox.ProviderNotConnectedError{SenderID: sender.ID, Provider: sender.ProviderType, Reason: "no credential"}
}
