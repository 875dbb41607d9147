package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/discoversutd/discover/internal/config"
)

// Notifier tells account owners about security relevant changes.
type Notifier interface {
	AccountLocked(ctx context.Context, email string, until time.Time) error
}

func New(cfg config.Mail, logger *zap.Logger) Notifier {
	if !cfg.Enabled {
		return Noop{}
	}
	return NewEmailNotifier(cfg, logger)
}

type Noop struct{}

func (Noop) AccountLocked(context.Context, string, time.Time) error { return nil }

// EmailNotifier sends plain text notices over SMTP.
type EmailNotifier struct {
	cfg    config.Mail
	logger *zap.Logger
}

func NewEmailNotifier(cfg config.Mail, logger *zap.Logger) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, logger: logger}
}

func (e *EmailNotifier) AccountLocked(ctx context.Context, email string, until time.Time) error {
	body := fmt.Sprintf(
		"Your DiscoverSUTD account was locked after repeated failed sign-in attempts.\n\n"+
			"You can try again after %s (UTC). If this was not you, change your password once you can sign in.\n",
		until.UTC().Format("2006-01-02 15:04"),
	)
	return e.send(ctx, email, "DiscoverSUTD: account temporarily locked", body)
}

func (e *EmailNotifier) send(ctx context.Context, to, subject, body string) error {
	m := mail.NewMsg()
	if err := m.From(e.cfg.From); err != nil {
		return fmt.Errorf("failed to set From address: %w", err)
	}
	if err := m.To(to); err != nil {
		return fmt.Errorf("failed to set To address: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{
		mail.WithPort(e.cfg.SMTPPort),
		mail.WithTLSPolicy(mail.TLSMandatory),
	}
	if e.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(e.cfg.Username),
			mail.WithPassword(e.cfg.Password),
		)
	}

	c, err := mail.NewClient(e.cfg.SMTPHost, opts...)
	if err != nil {
		return fmt.Errorf("failed to create mail client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	e.logger.Debug("security notice sent", zap.String("subject", subject))
	return nil
}
