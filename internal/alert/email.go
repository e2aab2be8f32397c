package alert

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/upmon-net/upmon/internal/config"
	"github.com/upmon-net/upmon/pkg/types"
)

// SMTPSender delivers alert email over a plain SMTP submission port. A
// Send makes one delivery attempt; retry and dead-lettering belong to the
// alert queue, so a failed send just reports the error.
type SMTPSender struct {
	addr     string
	host     string
	user     string
	password string
	from     string
	logger   *slog.Logger

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender builds the email sink from the SMTP config.
func NewSMTPSender(cfg config.SMTPConfig, logger *slog.Logger) *SMTPSender {
	return &SMTPSender{
		addr:     cfg.Addr(),
		host:     cfg.Host,
		user:     cfg.User,
		password: cfg.Password,
		from:     cfg.FromEmail,
		logger:   logger.With("component", "email"),
		send:     smtp.SendMail,
	}
}

// Send delivers one message to all recipients.
func (s *SMTPSender) Send(ctx context.Context, to []string, subject, body string) error {
	if s.host == "" {
		return fmt.Errorf("smtp host not configured")
	}

	msg := s.message(to, subject, body)

	var auth smtp.Auth
	if s.user != "" {
		auth = smtp.PlainAuth("", s.user, s.password, s.host)
	}

	if err := s.send(s.addr, auth, s.from, to, msg); err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	return nil
}

func (s *SMTPSender) message(to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// composeEmail renders the subject and body for an intent.
func composeEmail(target *types.Target, intent types.AlertIntent) (subject, body string) {
	at := intent.DetectedAt.UTC().Format("2006-01-02 15:04:05 MST")

	var b strings.Builder
	switch intent.Kind {
	case types.AlertServerDown:
		subject = fmt.Sprintf("ALERT: %s is DOWN", target.Name)
		fmt.Fprintf(&b, "%s (%s) is down.\n\n", target.Name, target.Address)
		if intent.Result.Error != nil {
			fmt.Fprintf(&b, "Reason: %s\n", *intent.Result.Error)
		}
		fmt.Fprintf(&b, "Detected: %s\n", at)
	case types.AlertServerRecovery:
		subject = fmt.Sprintf("RESOLVED: %s is back UP", target.Name)
		fmt.Fprintf(&b, "%s (%s) has recovered.\n\n", target.Name, target.Address)
		if intent.Result.LatencyMs != nil {
			fmt.Fprintf(&b, "Response time: %.0fms\n", *intent.Result.LatencyMs)
		}
		fmt.Fprintf(&b, "Recovered: %s\n", at)
	case types.AlertSlowResponse:
		subject = fmt.Sprintf("WARNING: %s is responding slowly", target.Name)
		fmt.Fprintf(&b, "%s (%s) is up but slow.\n\n", target.Name, target.Address)
		if intent.Result.Error != nil {
			fmt.Fprintf(&b, "%s\n", *intent.Result.Error)
		}
		fmt.Fprintf(&b, "Detected: %s\n", at)
	default:
		subject = fmt.Sprintf("Status change for %s", target.Name)
		fmt.Fprintf(&b, "%s (%s) changed from %s to %s at %s\n",
			target.Name, target.Address, intent.OldStatus, intent.NewStatus, at)
	}
	b.WriteString("\n-- upmon\n")
	return subject, b.String()
}
