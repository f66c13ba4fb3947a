// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new email service
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	// Simple multipart message
	boundary := "boundary-docmetrics"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	// HTML part
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// Template data

type InvitationData struct {
	AppName       string
	RecipientName string
	SenderName    string
	DocumentTitle string
	SigningURL    string
}

type CompletedData struct {
	AppName        string
	SenderName     string
	DocumentTitle  string
	RecipientName  string
	CertificateURL string
}

type DeclinedData struct {
	AppName       string
	SenderName    string
	DocumentTitle string
	RecipientName string
	Reason        string
}

// SendInvitationEmail sends a signing link to a recipient.
func (s *Service) SendInvitationEmail(to, recipientName, senderName, documentTitle, signingURL string) error {
	data := InvitationData{
		AppName:       "DocMetrics",
		RecipientName: recipientName,
		SenderName:    senderName,
		DocumentTitle: documentTitle,
		SigningURL:    signingURL,
	}

	subject := fmt.Sprintf("%s has requested your signature", senderName)
	html, err := renderTemplate(invitationEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render invitation template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendCompletedEmail notifies the sender that a recipient finished signing.
func (s *Service) SendCompletedEmail(to, senderName, documentTitle, recipientName, certificateURL string) error {
	data := CompletedData{
		AppName:        "DocMetrics",
		SenderName:     senderName,
		DocumentTitle:  documentTitle,
		RecipientName:  recipientName,
		CertificateURL: certificateURL,
	}

	subject := fmt.Sprintf("%s signed \"%s\"", recipientName, documentTitle)
	html, err := renderTemplate(completedEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render completed template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

// SendDeclinedEmail notifies the sender that a recipient declined.
func (s *Service) SendDeclinedEmail(to, senderName, documentTitle, recipientName, reason string) error {
	data := DeclinedData{
		AppName:       "DocMetrics",
		SenderName:    senderName,
		DocumentTitle: documentTitle,
		RecipientName: recipientName,
		Reason:        reason,
	}

	subject := fmt.Sprintf("%s declined to sign \"%s\"", recipientName, documentTitle)
	html, err := renderTemplate(declinedEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render declined template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const invitationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Signature requested</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0066cc; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.RecipientName}},</h2>

    <p>{{.SenderName}} has asked you to review and sign <strong>{{.DocumentTitle}}</strong>.</p>

    <p>
        <a href="{{.SigningURL}}" class="button">Review &amp; Sign</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.SigningURL}}</p>

    <div class="footer">
        <p>This link is personal to you. If you were not expecting this request, you can safely ignore this email.</p>
    </div>
</body>
</html>`

const completedEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Document signed</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Good news, {{.SenderName}}!</h2>

    <p><strong>{{.RecipientName}}</strong> has completed signing <strong>{{.DocumentTitle}}</strong>.</p>

    {{if .CertificateURL}}
    <p>
        <a href="{{.CertificateURL}}" class="button">Download Signing Certificate</a>
    </p>
    {{end}}

    <div class="footer">
        <p>You are receiving this because you created the signing request in {{.AppName}}.</p>
    </div>
</body>
</html>`

const declinedEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Signature declined</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #cc3300; padding-bottom: 10px; margin-bottom: 20px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .reason { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.SenderName}},</h2>

    <p><strong>{{.RecipientName}}</strong> has declined to sign <strong>{{.DocumentTitle}}</strong>.</p>

    <div class="reason">
        <strong>Reason:</strong> {{.Reason}}
    </div>

    <div class="footer">
        <p>The signing request is now closed for this recipient. You may send a revised request at any time.</p>
    </div>
</body>
</html>`
