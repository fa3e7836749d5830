package mailbox

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"replypilot/models"
)

// Connector builds an Adapter for a sender account.
type Connector interface {
	Connect(ctx context.Context, sender *models.Sender) (Adapter, error)
}

// OAuthApp identifies the registered OAuth client for one provider.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// ProviderConnector selects the concrete backend from the sender's
// provider type once, at construction time.
type ProviderConnector struct {
	Google       OAuthApp
	Microsoft    OAuthApp
	GraphBaseURL string
	Timeout      time.Duration
	// Decrypt reveals stored credentials.
	Decrypt func(string) (string, error)
	Now     func() time.Time
	Log     *logrus.Entry
}

func (p *ProviderConnector) Connect(ctx context.Context, sender *models.Sender) (Adapter, error) {
	var adapter Adapter
	var err error
	switch sender.ProviderType {
	case models.ProviderGmail:
		adapter, err = p.gmail(ctx, sender)
	case models.ProviderOutlook:
		adapter, err = p.outlook(ctx, sender)
	case models.ProviderIMAP:
		adapter, err = p.imap(sender)
	default:
		return nil, &ProviderNotConnectedError{SenderID: sender.ID, Provider: sender.ProviderType, Reason: "unsupported provider"}
	}
	if err != nil {
		return nil, err
	}
	return WithTimeout(adapter, p.Timeout), nil
}

func (p *ProviderConnector) oauthConfig(app OAuthApp, endpoint oauth2.Endpoint, scopes ...string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		RedirectURL:  app.RedirectURI,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}

// token decrypts the stored OAuth token. An expired access token without
// a refresh token cannot be recovered and is reported as not connected.
func (p *ProviderConnector) token(sender *models.Sender) (*oauth2.Token, error) {
	notConnected := func(reason string) error {
		return &ProviderNotConnectedError{SenderID: sender.ID, Provider: sender.ProviderType, Reason: reason}
	}
	if sender.OAuthToken == "" && sender.OAuthRefreshToken == "" {
		return nil, notConnected("no OAuth credential stored")
	}

	access, err := p.Decrypt(sender.OAuthToken)
	if err != nil {
		return nil, notConnected("access token cannot be decrypted")
	}
	refresh, err := p.Decrypt(sender.OAuthRefreshToken)
	if err != nil {
		return nil, notConnected("refresh token cannot be decrypted")
	}

	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer"}
	if sender.OAuthExpiry != nil {
		tok.Expiry = *sender.OAuthExpiry
	}
	if refresh == "" && !tok.Expiry.IsZero() && tok.Expiry.Before(p.now()) {
		return nil, notConnected("access token expired")
	}
	return tok, nil
}

func (p *ProviderConnector) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *ProviderConnector) gmail(ctx context.Context, sender *models.Sender) (Adapter, error) {
	tok, err := p.token(sender)
	if err != nil {
		return nil, err
	}
	cfg := p.oauthConfig(p.Google, google.Endpoint, gmail.GmailModifyScope, gmail.GmailSendScope)
	svc, err := gmail.NewService(ctx, option.WithTokenSource(cfg.TokenSource(context.Background(), tok)))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return NewGmailAdapter(svc, sender.FromEmail, sender.FromName, p.Log), nil
}

func (p *ProviderConnector) outlook(ctx context.Context, sender *models.Sender) (Adapter, error) {
	tok, err := p.token(sender)
	if err != nil {
		return nil, err
	}
	cfg := p.oauthConfig(p.Microsoft, microsoft.AzureADEndpoint("common"),
		"offline_access", "https://graph.microsoft.com/Mail.ReadWrite", "https://graph.microsoft.com/Mail.Send")
	client := oauth2.NewClient(context.Background(), cfg.TokenSource(context.Background(), tok))
	return NewOutlookAdapter(client, p.GraphBaseURL, sender.FromEmail, p.Log), nil
}

func (p *ProviderConnector) imap(sender *models.Sender) (Adapter, error) {
	if sender.IMAPHost == "" || sender.SMTPHost == "" {
		return nil, &ProviderNotConnectedError{SenderID: sender.ID, Provider: sender.ProviderType, Reason: "IMAP/SMTP host not configured"}
	}
	imapPassword, err := p.Decrypt(sender.IMAPPassword)
	if err != nil {
		return nil, &ProviderNotConnectedError{SenderID: sender.ID, Provider: sender.ProviderType, Reason: "IMAP password cannot be decrypted"}
	}
	smtpPassword, err := p.Decrypt(sender.SMTPPassword)
	if err != nil {
		return nil, &ProviderNotConnectedError{SenderID: sender.ID, Provider: sender.ProviderType, Reason: "SMTP password cannot be decrypted"}
	}

	imapUser := sender.IMAPUsername
	if imapUser == "" {
		imapUser = sender.FromEmail
	}
	smtpUser := sender.SMTPUsername
	if smtpUser == "" {
		smtpUser = sender.FromEmail
	}
	return NewIMAPAdapter(IMAPConfig{
		Address:        sender.FromEmail,
		FromName:       sender.FromName,
		IMAPHost:       sender.IMAPHost,
		IMAPPort:       sender.IMAPPort,
		IMAPUsername:   imapUser,
		IMAPPassword:   imapPassword,
		IMAPEncryption: sender.IMAPEncryption,
		IMAPMailbox:    sender.IMAPMailbox,
		SMTPHost:       sender.SMTPHost,
		SMTPPort:       sender.SMTPPort,
		SMTPUsername:   smtpUser,
		SMTPPassword:   smtpPassword,
	}, p.Log), nil
}
