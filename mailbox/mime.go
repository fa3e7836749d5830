package mailbox

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// NewMessageID returns an RFC 5322 Message-ID in the sender's domain.
func NewMessageID(from string) string {
	domain := "replypilot.local"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = from[i+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// buildMessage assembles the gomail message shared by the SMTP and Gmail
// backends.
func buildMessage(fromAddr, fromName, messageID string, email Email) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", fromAddr, fromName)
	if email.ToName != "" {
		m.SetAddressHeader("To", email.To, email.ToName)
	} else {
		m.SetHeader("To", email.To)
	}
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", messageID)
	if email.InReplyTo != "" {
		m.SetHeader("In-Reply-To", email.InReplyTo)
		m.SetHeader("References", email.InReplyTo)
	}
	m.SetBody("text/plain", email.Body)
	if email.HTML != "" {
		m.AddAlternative("text/html", email.HTML)
	}
	return m
}

// rawMessage renders the MIME bytes of a message.
func rawMessage(m *gomail.Message) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("render MIME message: %w", err)
	}
	return buf.Bytes(), nil
}
