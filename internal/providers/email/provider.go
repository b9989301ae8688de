package email

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message is a rendered email ready for delivery.
type Message struct {
	To        string
	ToName    string
	Subject   string
	HTML      string
	FromEmail string
	FromName  string
}

// SendResult carries the transport's identifier for the accepted message.
type SendResult struct {
	MessageID string
}

type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) (SendResult, error)
}

var (
	ErrNoRecipient = errors.New("no_recipient")
	ErrTimeout     = errors.New("send_timeout")
)

func validate(msg Message) error {
	if strings.TrimSpace(msg.To) == "" {
		return ErrNoRecipient
	}
	return nil
}

// NoOpProvider accepts every message without delivering it. Used when no
// transport credentials are configured.
type NoOpProvider struct {
	log *zap.Logger
}

func NewNoOp(log *zap.Logger) *NoOpProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &NoOpProvider{log: log.Named("email.noop")}
}

func (p *NoOpProvider) Name() string { return "noop" }

func (p *NoOpProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	if err := validate(msg); err != nil {
		return SendResult{}, err
	}
	id := "noop-" + uuid.NewString()
	p.log.Info("email.noop.send",
		zap.String("message_id", id),
		zap.Int("subject_len", len(msg.Subject)),
		zap.Int("body_len", len(msg.HTML)),
	)
	return SendResult{MessageID: id}, nil
}
