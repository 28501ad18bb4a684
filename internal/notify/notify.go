// Package notify tells people their redesign is ready, or that it failed.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notifier delivers the outcome of a generation job to the submitter.
type Notifier interface {
	RedesignReady(ctx context.Context, email, magicLink string, validFor time.Duration) error
	RedesignFailed(ctx context.Context, email string) error
}

// LogNotifier only logs. It is used when no mail server is configured.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) RedesignReady(ctx context.Context, email, magicLink string, validFor time.Duration) error {
	n.Logger.Info().Str("email", maskEmail(email)).Str("link", magicLink).Dur("valid_for", validFor).Msg("notify: redesign ready")
	return nil
}

func (n LogNotifier) RedesignFailed(ctx context.Context, email string) error {
	n.Logger.Info().Str("email", maskEmail(email)).Msg("notify: redesign failed")
	return nil
}

// SMTPConfig selects the mail relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPNotifier sends plain-text mail through an SMTP relay.
type SMTPNotifier struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now  func() time.Time
}

// NewSMTPNotifier builds an SMTPNotifier. Auth is only used when a username is
// configured.
func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg, send: smtp.SendMail, now: time.Now}
}

func (n *SMTPNotifier) RedesignReady(ctx context.Context, email, magicLink string, validFor time.Duration) error {
	body := fmt.Sprintf("Your room redesign is ready.\r\n\r\nView it here:\r\n%s\r\n\r\nThis link is valid for %s only.\r\n",
		magicLink, describe(validFor))
	return n.deliver(ctx, email, "Your room redesign is ready", body)
}

func (n *SMTPNotifier) RedesignFailed(ctx context.Context, email string) error {
	body := "Unfortunately we could not generate your room redesign.\r\n\r\nPlease try again with a different photo.\r\n"
	return n.deliver(ctx, email, "Your room redesign could not be generated", body)
}

func (n *SMTPNotifier) deliver(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(to, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("notify: header injection in recipient or subject")
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", n.now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	addr := n.cfg.Host + ":" + strconv.Itoa(n.cfg.Port)
	if err := n.send(addr, auth, n.cfg.From, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("notify: send mail: %w", err)
	}
	return nil
}

func describe(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return strconv.Itoa(h) + " hours"
	}
	return d.String()
}

// maskEmail keeps addresses out of logs while leaving them recognisable.
func maskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
