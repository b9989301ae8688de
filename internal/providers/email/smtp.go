package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	SSL       bool
	FromEmail string
	FromName  string
	Timeout   time.Duration
}

type SMTPProvider struct {
	cfg  SMTPConfig
	send func(*gomail.Message) error
}

func NewSMTP(cfg SMTPConfig) *SMTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	dialer.SSL = cfg.SSL
	return &SMTPProvider{cfg: cfg, send: func(m *gomail.Message) error {
		return dialer.DialAndSend(m)
	}}
}

func (p *SMTPProvider) Name() string { return "smtp" }

func (p *SMTPProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	if err := validate(msg); err != nil {
		return SendResult{}, err
	}

	fromEmail := firstNonEmpty(msg.FromEmail, p.cfg.FromEmail)
	fromName := firstNonEmpty(msg.FromName, p.cfg.FromName)
	messageID := uuid.NewString()

	m := gomail.NewMessage()
	m.SetAddressHeader("From", fromEmail, fromName)
	if msg.ToName != "" {
		m.SetAddressHeader("To", msg.To, msg.ToName)
	} else {
		m.SetHeader("To", msg.To)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", messageID, messageDomain(fromEmail)))
	m.SetBody("text/html", msg.HTML)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.send(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return SendResult{}, err
		}
		return SendResult{MessageID: messageID}, nil
	case <-ctx.Done():
		return SendResult{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

func messageDomain(address string) string {
	if idx := strings.LastIndex(address, "@"); idx >= 0 && idx < len(address)-1 {
		return address[idx+1:]
	}
	return "localhost"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
