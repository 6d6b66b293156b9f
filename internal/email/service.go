package email

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/mail-guardian/internal/config"
	"github.com/jwalitptl/mail-guardian/internal/guardian"
)

type Service interface {
	SendCustom(ctx context.Context, to []string, subject string, content string) error
}

// Sender abstracts the SMTP transport.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPService struct {
	sender Sender
	from   string
}

func NewSMTPService(cfg config.SMTPConfig) *SMTPService {
	return &SMTPService{
		sender: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func NewSMTPServiceWithSender(sender Sender, from string) *SMTPService {
	return &SMTPService{sender: sender, from: from}
}

func (s *SMTPService) SendCustom(ctx context.Context, to []string, subject string, content string) error {
	if len(to) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", content)

	if err := s.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// SafeModeNotifier mails operators on every safe mode transition.
type SafeModeNotifier struct {
	mail      Service
	operators []string
}

func NewSafeModeNotifier(mail Service, operators []string) *SafeModeNotifier {
	return &SafeModeNotifier{mail: mail, operators: operators}
}

func (n *SafeModeNotifier) SafeModeChanged(ctx context.Context, notice guardian.SafeModeNotice) error {
	state := "deactivated"
	if notice.Enabled {
		state = "ACTIVATED"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Safe mode %s for tenant %s.\n\n", state, notice.TenantID)
	fmt.Fprintf(&b, "Reason: %s\n", notice.Reason)
	fmt.Fprintf(&b, "At: %s\n", notice.At.Format("2006-01-02 15:04:05 MST"))

	return n.mail.SendCustom(ctx, n.operators,
		fmt.Sprintf("[guardian] safe mode %s (%s)", strings.ToLower(state), notice.TenantID),
		b.String())
}

// NopNotifier is used when SMTP is not configured.
type NopNotifier struct{}

func (NopNotifier) SafeModeChanged(context.Context, guardian.SafeModeNotice) error { return nil }
