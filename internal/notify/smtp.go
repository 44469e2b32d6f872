package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"os"
	"strings"
)

// SMTPNotifier sends mail through a plain SMTP relay. No library in the
// dependency set covers SMTP, so this leans on net/smtp directly.
type SMTPNotifier struct {
	addr      string // host:port
	from      string
	operators []string
	auth      smtp.Auth
	sendMail  func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// SMTPConfig configures the relay connection.
type SMTPConfig struct {
	Addr      string   // host:port of the relay
	From      string   // envelope sender
	Operators []string // recipients for OperatorAlert
	Username  string   // optional PLAIN auth
	Password  string
}

// NewSMTPNotifier builds a notifier for the given relay.
func NewSMTPNotifier(cfg SMTPConfig) (*SMTPNotifier, error) {
	if cfg.Addr == "" || cfg.From == "" {
		return nil, fmt.Errorf("notify: smtp addr and from are required")
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		host := cfg.Addr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return &SMTPNotifier{
		addr:      cfg.Addr,
		from:      cfg.From,
		operators: append([]string(nil), cfg.Operators...),
		auth:      auth,
		sendMail:  smtp.SendMail,
	}, nil
}

// OpenSMTPFromEnv builds a notifier from environment variables:
//
//	LABLEDGER_SMTP_ADDR      relay host:port (required)
//	LABLEDGER_SMTP_FROM      envelope sender (required)
//	LABLEDGER_SMTP_OPERATORS comma separated operator addresses
//	LABLEDGER_SMTP_USERNAME / LABLEDGER_SMTP_PASSWORD optional auth
func OpenSMTPFromEnv() (*SMTPNotifier, error) {
	var operators []string
	if raw := os.Getenv("LABLEDGER_SMTP_OPERATORS"); raw != "" {
		for _, addr := range strings.Split(raw, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				operators = append(operators, addr)
			}
		}
	}
	return NewSMTPNotifier(SMTPConfig{
		Addr:      os.Getenv("LABLEDGER_SMTP_ADDR"),
		From:      os.Getenv("LABLEDGER_SMTP_FROM"),
		Operators: operators,
		Username:  os.Getenv("LABLEDGER_SMTP_USERNAME"),
		Password:  os.Getenv("LABLEDGER_SMTP_PASSWORD"),
	})
}

func (s *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("notify: message has no recipients")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)
	if err := s.sendMail(s.addr, s.auth, s.from, msg.To, []byte(b.String())); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func (s *SMTPNotifier) OperatorAlert(subject, body string) {
	if len(s.operators) == 0 {
		return
	}
	_ = s.Send(context.Background(), Message{To: s.operators, Subject: "[labledger] " + subject, Body: body})
}

var _ Notifier = (*SMTPNotifier)(nil)
