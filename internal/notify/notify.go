package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dealroom.org/internal/obs"
)

// Template names understood by the external mail worker.
type Template string

const (
	TemplateMagicLink      Template = "magic_link"
	TemplateNDAConfirmed   Template = "nda_confirmed"
	TemplateAccessDeclined Template = "access_declined"
	TemplateAccessRevoked  Template = "access_revoked"
)

func (t Template) Known() bool {
	switch t {
	case TemplateMagicLink, TemplateNDAConfirmed, TemplateAccessDeclined, TemplateAccessRevoked:
		return true
	}
	return false
}

var ErrInvalidMessage = errors.New("notify: invalid message")

// Sender delivers transactional email.
type Sender interface {
	SendEmail(ctx context.Context, template Template, recipient string, vars map[string]string) error
}

// Message is the job payload handed to the mail worker.
type Message struct {
	Template  Template          `json:"template"`
	Recipient string            `json:"recipient"`
	Vars      map[string]string `json:"vars,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func newMessage(template Template, recipient string, vars map[string]string, now time.Time) (Message, error) {
	recipient = strings.TrimSpace(recipient)
	if !template.Known() {
		return Message{}, fmt.Errorf("%w: unknown template %q", ErrInvalidMessage, template)
	}
	if !strings.Contains(recipient, "@") {
		return Message{}, fmt.Errorf("%w: recipient", ErrInvalidMessage)
	}
	return Message{Template: template, Recipient: recipient, Vars: vars, CreatedAt: now.UTC()}, nil
}

// LogSender writes emails to the structured log. Token values are redacted.
type LogSender struct {
	now func() time.Time
}

func NewLogSender() *LogSender {
	return &LogSender{now: time.Now}
}

func (s *LogSender) SendEmail(ctx context.Context, template Template, recipient string, vars map[string]string) error {
	msg, err := newMessage(template, recipient, vars, s.now())
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(msg.Vars))
	for k := range msg.Vars {
		keys = append(keys, k)
	}
	obs.Logger().Info("email",
		zap.String("template", string(msg.Template)),
		zap.String("recipient", msg.Recipient),
		zap.Strings("vars", keys),
	)
	return nil
}
