package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// GraphBaseURL is the Microsoft Graph v1.0 endpoint.
const GraphBaseURL = "https://graph.microsoft.com/v1.0"

// OutlookAdapter talks to Microsoft Graph through an OAuth2-authorized
// HTTP client.
type OutlookAdapter struct {
	client  *http.Client
	baseURL string
	address string
	log     *logrus.Entry
}

func NewOutlookAdapter(client *http.Client, baseURL, address string, log *logrus.Entry) *OutlookAdapter {
	if baseURL == "" {
		baseURL = GraphBaseURL
	}
	return &OutlookAdapter{client: client, baseURL: strings.TrimRight(baseURL, "/"), address: address, log: log}
}

func (o *OutlookAdapter) Address() string { return o.address }

type graphAddress struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphMessage struct {
	ID                string         `json:"id"`
	ConversationID    string         `json:"conversationId"`
	InternetMessageID string         `json:"internetMessageId"`
	Subject           string         `json:"subject"`
	ReceivedDateTime  time.Time      `json:"receivedDateTime"`
	From              graphAddress   `json:"from"`
	ToRecipients      []graphAddress `json:"toRecipients"`
	Body              struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

func (m graphMessage) toMessage() Message {
	var to []string
	for _, r := range m.ToRecipients {
		to = append(to, r.EmailAddress.Address)
	}
	body := m.Body.Content
	if strings.EqualFold(m.Body.ContentType, "html") {
		body = StripHTML(body)
	}
	return Message{
		ID:        m.ID,
		ThreadID:  m.ConversationID,
		MessageID: m.InternetMessageID,
		From:      strings.ToLower(m.From.EmailAddress.Address),
		FromName:  m.From.EmailAddress.Name,
		To:        strings.Join(to, ", "),
		Subject:   m.Subject,
		Body:      strings.TrimSpace(body),
		Date:      m.ReceivedDateTime,
	}
}

const graphSelect = "id,conversationId,internetMessageId,subject,receivedDateTime,from,toRecipients,body"

func (o *OutlookAdapter) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Prefer", `outlook.body-content-type="text"`)

	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("graph %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (o *OutlookAdapter) ListUnread(ctx context.Context, max int) ([]Message, error) {
	q := url.Values{}
	q.Set("$filter", "isRead eq false")
	q.Set("$top", fmt.Sprint(max))
	q.Set("$select", graphSelect)
	q.Set("$orderby", "receivedDateTime desc")

	var page struct {
		Value []graphMessage `json:"value"`
	}
	if err := o.do(ctx, http.MethodGet, "/me/mailFolders/inbox/messages?"+q.Encode(), nil, &page); err != nil {
		return nil, fmt.Errorf("outlook list unread: %w", err)
	}

	messages := make([]Message, 0, len(page.Value))
	for _, m := range page.Value {
		msg := m.toMessage()
		if isSelf(msg.From, o.address) {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (o *OutlookAdapter) FetchMessage(ctx context.Context, id string) (*Message, error) {
	var m graphMessage
	path := "/me/messages/" + url.PathEscape(id) + "?$select=" + url.QueryEscape(graphSelect)
	if err := o.do(ctx, http.MethodGet, path, nil, &m); err != nil {
		return nil, fmt.Errorf("outlook get message %s: %w", id, err)
	}
	msg := m.toMessage()
	return &msg, nil
}

func (o *OutlookAdapter) MarkRead(ctx context.Context, id string) error {
	if err := o.do(ctx, http.MethodPatch, "/me/messages/"+url.PathEscape(id), map[string]bool{"isRead": true}, nil); err != nil {
		return fmt.Errorf("outlook mark read %s: %w", id, err)
	}
	return nil
}

func (o *OutlookAdapter) Send(ctx context.Context, email Email) (SendResult, error) {
	contentType, content := "Text", email.Body
	if email.HTML != "" {
		contentType, content = "HTML", email.HTML
	}

	recipient := graphAddress{}
	recipient.EmailAddress.Address = email.To
	recipient.EmailAddress.Name = email.ToName

	payload := map[string]interface{}{
		"message": map[string]interface{}{
			"subject":      email.Subject,
			"body":         map[string]string{"contentType": contentType, "content": content},
			"toRecipients": []graphAddress{recipient},
		},
		"saveToSentItems": true,
	}
	if err := o.do(ctx, http.MethodPost, "/me/sendMail", payload, nil); err != nil {
		err = fmt.Errorf("outlook send: %w", err)
		return SendResult{Error: err.Error()}, err
	}
	// sendMail answers 202 with no body; Graph assigns the ids.
	return SendResult{Success: true, ThreadID: email.ThreadID}, nil
}
