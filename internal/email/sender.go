package email

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"Mailer/internal/apperrors"
	"Mailer/internal/config"
	"Mailer/internal/metrics"
	"Mailer/internal/models"
)

type Sender struct {
	transport Transport
	policy    RetryPolicy
	log       *zap.Logger
}

// NewSender sends over SMTP as described by cfg with the default retry policy.
func NewSender(cfg config.MailConfig, logger *zap.Logger) *Sender {
	if cfg.CredentialsIgnored() {
		logger.Warn("smtp credentials configured but auth_enabled is false, sending without authentication",
			zap.String("host", cfg.Host),
		)
	}

	return NewSenderWithTransport(NewSMTPTransport(cfg, logger), DefaultRetryPolicy(), logger)
}

func NewSenderWithTransport(t Transport, policy RetryPolicy, logger *zap.Logger) *Sender {
	return &Sender{transport: t, policy: policy, log: logger}
}

// Send encodes msg and hands it to the transport, retrying transient
// failures. The error of the last attempt is returned unchanged.
func (s *Sender) Send(ctx context.Context, msg *models.MailMessage) error {
	from, err := mail.ParseAddress(msg.FromMail)
	if err != nil {
		return &apperrors.ValidationError{Field: "from", Reason: fmt.Sprintf("invalid sender address %q", msg.FromMail)}
	}

	recipients := s.recipients(msg.Recipients)
	if len(recipients) == 0 {
		return &apperrors.ValidationError{Field: "recipients", Reason: "no addressable recipients"}
	}

	if !msg.HasBody() {
		return &apperrors.ValidationError{Field: "body", Reason: "message has no plain or html body"}
	}

	raw, err := encode(msg, from, recipients)
	if err != nil {
		return &apperrors.ValidationError{Field: "message", Reason: err.Error()}
	}

	envelope := make([]string, len(recipients))
	for i, r := range recipients {
		envelope[i] = r.Address
	}

	return s.policy.Do(ctx,
		func(attempt int) error {
			err := s.transport.Deliver(ctx, from.Address, envelope, raw)
			if err != nil {
				metrics.SendAttempts.WithLabelValues("error").Inc()
				s.log.Debug("smtp attempt failed",
					zap.Int("attempt", attempt),
					zap.Strings("to", envelope),
					zap.Error(err),
				)
				return err
			}
			metrics.SendAttempts.WithLabelValues("ok").Inc()
			return nil
		},
		func(err error, wait time.Duration) {
			s.log.Info("retrying smtp delivery",
				zap.Strings("to", envelope),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		},
	)
}

// recipients parses each address, skipping the ones that do not parse.
func (s *Sender) recipients(raw []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(raw))
	for _, r := range raw {
		addr, err := mail.ParseAddress(strings.TrimSpace(r))
		if err != nil {
			s.log.Warn("skipping invalid recipient", zap.String("recipient", r), zap.Error(err))
			continue
		}
		out = append(out, addr)
	}
	return out
}

// encode builds the MIME document. Both bodies give multipart/alternative
// with plain first; a single body is sent as that one part.
func encode(msg *models.MailMessage, from *mail.Address, to []*mail.Address) ([]byte, error) {
	m := gomail.NewMessage(gomail.SetCharset("UTF-8"))

	name := msg.FromName
	if name == "" {
		name = from.Name
	}
	m.SetAddressHeader("From", from.Address, name)

	formatted := make([]string, len(to))
	for i, addr := range to {
		formatted[i] = m.FormatAddress(addr.Address, addr.Name)
	}
	m.SetHeader("To", formatted...)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(from.Address)))

	switch {
	case msg.PlainBody != nil && msg.HTMLBody != nil:
		m.SetBody("text/plain", *msg.PlainBody)
		m.AddAlternative("text/html", *msg.HTMLBody)
	case msg.PlainBody != nil:
		m.SetBody("text/plain", *msg.PlainBody)
	default:
		m.SetBody("text/html", *msg.HTMLBody)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return buf.Bytes(), nil
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
