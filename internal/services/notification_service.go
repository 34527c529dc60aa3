// internal/services/notification_service.go
package services

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"

	"github.com/sirupsen/logrus"

	"github.com/javajoker/pharma-custody-backend/internal/config"
	"github.com/javajoker/pharma-custody-backend/internal/models"
)

type NotificationService struct {
	config config.EmailConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

type EmailTemplate struct {
	Subject string
	Body    string
}

func NewNotificationService(cfg config.EmailConfig) *NotificationService {
	return &NotificationService{
		config: cfg,
		send:   smtp.SendMail,
	}
}

// NotifyInvoiceSent emails the receiving party of a confirmed custody transfer.
func (s *NotificationService) NotifyInvoiceSent(ctx context.Context, notice InvoiceSentNotice) error {
	templateType := "distributor_invoice_sent"
	if notice.InvoiceType == models.InvoiceTypeCommercial {
		templateType = "pharmacy_shipment_sent"
	}
	tmpl := s.getEmailTemplate(templateType)

	subject, err := s.renderTemplate(tmpl.Subject, notice)
	if err != nil {
		return fmt.Errorf("failed to render email subject: %w", err)
	}
	body, err := s.renderTemplate(tmpl.Body, notice)
	if err != nil {
		return fmt.Errorf("failed to render email template: %w", err)
	}

	return s.sendEmail(notice.RecipientEmail, subject, body)
}

// Helper methods
func (s *NotificationService) sendEmail(to, subject, body string) error {
	if s.config.SMTPHost == "" {
		// Email not configured, just log
		logrus.WithFields(logrus.Fields{"to": to, "subject": subject}).Info("Email not configured, skipping send")
		return nil
	}

	auth := smtp.PlainAuth("", s.config.SMTPUsername, s.config.SMTPPassword, s.config.SMTPHost)

	from := s.config.FromEmail
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.FromEmail)
	}
	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n%s", from, to, subject, body))

	addr := fmt.Sprintf("%s:%s", s.config.SMTPHost, s.config.SMTPPort)
	return s.send(addr, auth, s.config.FromEmail, []string{to}, msg)
}

func (s *NotificationService) renderTemplate(templateStr string, data interface{}) (string, error) {
	tmpl, err := template.New("email").Parse(templateStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func (s *NotificationService) getEmailTemplate(templateType string) EmailTemplate {
	templates := map[string]EmailTemplate{
		"distributor_invoice_sent": {
			Subject: "Invoice {{.InvoiceNumber}} sent by {{.SenderName}}",
			Body: `
<!DOCTYPE html>
<html>
<body>
	<h2>New delivery from {{.SenderName}}</h2>
	<p>Hello {{.RecipientName}},</p>
	<p>Invoice <strong>{{.InvoiceNumber}}</strong> covering {{.Quantity}} unit(s) has been transferred to your wallet.</p>
	<p>Ledger transaction: <code>{{.TxHash}}</code></p>
	<p>Please confirm receipt once the goods arrive.</p>
</body>
</html>`,
		},
		"pharmacy_shipment_sent": {
			Subject: "Shipment {{.InvoiceNumber}} from {{.SenderName}}",
			Body: `
<!DOCTYPE html>
<html>
<body>
	<h2>Shipment received on the ledger</h2>
	<p>Hello {{.RecipientName}},</p>
	<p>{{.Quantity}} unit(s) on invoice <strong>{{.InvoiceNumber}}</strong> are now recorded as yours.</p>
	<p>Ledger transaction: <code>{{.TxHash}}</code></p>
</body>
</html>`,
		},
	}

	if tmpl, exists := templates[templateType]; exists {
		return tmpl
	}

	return EmailTemplate{
		Subject: "Notification",
		Body:    "<p>{{.InvoiceNumber}}</p>",
	}
}
