package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"Mailer/internal/apperrors"
	"Mailer/internal/config"
)

// Transport delivers one encoded message to the envelope recipients.
type Transport interface {
	Deliver(ctx context.Context, from string, to []string, msg []byte) error
}

// SMTPTransport opens a fresh SMTP connection per delivery.
//
//	plain: TCP, no encryption
//	tls/starttls: TCP, then STARTTLS before anything else
//	ssl: implicit TLS from the first byte
//
// AUTH PLAIN follows when the config enables authentication.
type SMTPTransport struct {
	cfg       config.MailConfig
	localName string
	log       *zap.Logger
}

func NewSMTPTransport(cfg config.MailConfig, logger *zap.Logger) *SMTPTransport {
	localName, err := os.Hostname()
	if err != nil || localName == "" {
		localName = "localhost"
	}

	return &SMTPTransport{cfg: cfg, localName: localName, log: logger}
}

func (t *SMTPTransport) Deliver(ctx context.Context, from string, to []string, msg []byte) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return &apperrors.TransportError{Err: fmt.Errorf("connect %s: %w", t.cfg.Addr(), err)}
	}

	c, err := t.newClient(conn)
	if err != nil {
		return err
	}
	c.CommandTimeout = t.cfg.Timeout
	c.SubmissionTimeout = t.cfg.Timeout
	defer c.Close()

	if err := c.Hello(t.localName); err != nil {
		return classify("HELO", err)
	}

	if t.cfg.AuthEnabled() {
		auth := sasl.NewPlainClient("", t.cfg.LoginUser(), t.cfg.LoginPassword())
		if err := c.Auth(auth); err != nil {
			return classifyAuth(err)
		}
	}

	if err := c.SendMail(from, to, bytes.NewReader(msg)); err != nil {
		return classify("send", err)
	}

	if err := c.Quit(); err != nil {
		// The message is accepted once DATA completes.
		t.log.Debug("smtp quit failed", zap.String("addr", t.cfg.Addr()), zap.Error(err))
	}

	return nil
}

func (t *SMTPTransport) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: t.cfg.Timeout}

	if t.cfg.IsSSL() {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: t.tlsConfig()}
		return tlsDialer.DialContext(ctx, "tcp", t.cfg.Addr())
	}
	return dialer.DialContext(ctx, "tcp", t.cfg.Addr())
}

// newClient wraps conn in an SMTP client. For tls/starttls the connection is
// upgraded before the caller's EHLO, under the dial timeout.
func (t *SMTPTransport) newClient(conn net.Conn) (*smtp.Client, error) {
	if !t.cfg.IsTLS() {
		return smtp.NewClient(conn), nil
	}

	if err := conn.SetDeadline(time.Now().Add(t.cfg.Timeout)); err != nil {
		conn.Close()
		return nil, &apperrors.TransportError{Err: fmt.Errorf("STARTTLS: %w", err)}
	}

	c, err := smtp.NewClientStartTLS(conn, t.tlsConfig())
	if err != nil {
		return nil, classify("STARTTLS", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		c.Close()
		return nil, &apperrors.TransportError{Err: fmt.Errorf("STARTTLS: %w", err)}
	}
	return c, nil
}

func (t *SMTPTransport) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         t.cfg.Host,
		InsecureSkipVerify: t.cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}

// classify maps an SMTP failure to the error taxonomy: 5xx replies are
// rejections, everything else is worth another attempt.
func classify(stage string, err error) error {
	wrapped := fmt.Errorf("%s: %w", stage, err)

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
		return &apperrors.TransportError{Err: wrapped, Rejected: true}
	}
	return &apperrors.TransportError{Err: wrapped}
}

func classifyAuth(err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 400 && smtpErr.Code < 500 {
		return &apperrors.TransportError{Err: fmt.Errorf("AUTH: %w", err)}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &apperrors.TransportError{Err: fmt.Errorf("AUTH: %w", err)}
	}

	return &apperrors.AuthError{Err: err}
}

var _ Transport = (*SMTPTransport)(nil)
