package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCommand is returned by a claim on an empty queue.
	ErrNoCommand = errors.New("no command available")

	ErrNotFound = errors.New("command not found")

	// ErrLeaseLost means the row is no longer claimed by the caller,
	// usually because the lease expired and another worker took it.
	ErrLeaseLost = errors.New("command lease lost")
)

type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ConfigError: %s: %s", e.Field, e.Reason)
}

// StoreError wraps connectivity and timeout failures of the command store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("StoreError: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

type TemplateNotFoundError struct {
	Name string
	Mode string
}

func (e *TemplateNotFoundError) Error() string {
	if e.Mode == "" {
		return fmt.Sprintf("TemplateNotFound: no template named %q", e.Name)
	}
	return fmt.Sprintf("TemplateNotFound: no template named %q for mode %q", e.Name, e.Mode)
}

// RenderError is a permanent failure to render one part of a template.
type RenderError struct {
	Template string
	Part     string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("RenderError: template %q part %s: %v", e.Template, e.Part, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// TransportError is a connect or send failure talking to the SMTP server.
// Rejected is set when the server refused the message with a 5xx reply.
type TransportError struct {
	Err      error
	Rejected bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("TransportError: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("AuthError: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ValidationError: %s: %s", e.Field, e.Reason)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var (
		notFound   *TemplateNotFoundError
		render     *RenderError
		auth       *AuthError
		validation *ValidationError
		config     *ConfigError
	)

	var transport *TransportError
	if errors.As(err, &transport) && transport.Rejected {
		return true
	}

	return errors.As(err, &notFound) ||
		errors.As(err, &render) ||
		errors.As(err, &auth) ||
		errors.As(err, &validation) ||
		errors.As(err, &config)
}

// IsRetryable reports whether err is transient. Unknown errors count as transient.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
