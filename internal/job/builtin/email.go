package builtin

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobrunner/internal/job"
)

// EmailConfig describes a plain SMTP message sent on every occurrence.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	Subject  string
	Body     string
}

func (c EmailConfig) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("email: host is required")
	}
	if strings.TrimSpace(c.From) == "" {
		return errors.New("email: from is required")
	}
	if len(c.To) == 0 {
		return errors.New("email: at least one recipient is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.Newf("email: invalid port %d", c.Port)
	}
	return nil
}

// Email sends a fixed message through an SMTP relay.
type Email struct {
	name string
	prio job.Priority
	cfg  EmailConfig

	// send is swapped in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	now  func() time.Time
}

func NewEmail(name string, prio job.Priority, cfg EmailConfig) (*Email, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	return &Email{name: name, prio: prio, cfg: cfg, send: smtp.SendMail, now: time.Now}, nil
}

func (e *Email) Name() string           { return e.name }
func (e *Email) Priority() job.Priority { return e.prio }

func (e *Email) Execute(ctx context.Context) error {
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	msg := e.message()

	// net/smtp has no context support; give up waiting when ctx ends.
	done := make(chan error, 1)
	go func() { done <- e.send(addr, auth, e.cfg.From, e.cfg.To, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return errors.Wrapf(err, "send mail via %s", addr)
		}
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "send mail")
	}
}

func (e *Email) message() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", e.cfg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(e.cfg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
